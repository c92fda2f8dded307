// Package config loads the sift application configuration.
//
// # Overview
//
// Configuration is a single YAML file decoded with yaml.v3 and validated with
// validator/v10. Every section is optional; missing values fall back to the
// defaults of the package that owns them (engine, telemetry, resilience).
//
// # Example
//
//	engine:
//	  poll_interval: 30s
//	  batch_size: 25
//	plugins:
//	  dir: ./plugins
//	  watch: true
//	store:
//	  path: ./sift.db
//	domains:
//	  - id: inbox
//	    name: Inbox
//	    source: {kind: inbox}
//	    builtins:
//	      - kind: tag
//	        types: {spam: {min_confidence: 0.8}}
//	forward:
//	  enabled: true
//	  url: nats://127.0.0.1:4222
//
// # Environment
//
// SIFT_LOG_LEVEL, SIFT_POLL_INTERVAL, SIFT_STORE_PATH and SIFT_NATS_URL
// override the corresponding file values.
package config
