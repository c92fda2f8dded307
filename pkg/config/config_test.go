package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/openfroyo/sift/pkg/plugin"
	"github.com/openfroyo/sift/pkg/resilience"
)

const fullConfig = `
engine:
  poll_interval: 5s
  batch_size: 25
  max_concurrent_domains: 2
telemetry:
  logging:
    level: debug
    format: json
plugins:
  dir: ./plugins
  watch: true
  starlark_timeout: 2s
  classifier_timeout: 1s
store:
  path: /var/lib/sift/sift.db
domains:
  - id: inbox
    name: Inbox
    source: {kind: inbox}
    plugins: [rule:free-money]
    builtins:
      - kind: tag
        types:
          spam: {min_confidence: 0.8}
          vip: {}
    config:
      owner: ops
  - id: tickets
    source: {kind: inbox}
    resilience:
      rate_limit: 2
      retry_max_attempts: 5
forward:
  enabled: true
  url: nats://127.0.0.1:4222
  subject_prefix: sift.prod
  types: ["message:processed"]
resilience:
  fetch_timeout: 10s
`

func noEnv(string) (string, bool) { return "", false }

func TestParse_Full(t *testing.T) {
	t.Setenv(EnvLogLevel, "")
	t.Setenv(EnvPollInterval, "")

	cfg, err := Parse(strings.NewReader(fullConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Engine.PollInterval != 5*time.Second || cfg.Engine.BatchSize != 25 || cfg.Engine.MaxConcurrentDomains != 2 {
		t.Errorf("unexpected engine config: %+v", cfg.Engine)
	}
	if cfg.Telemetry.Logging.Level != "debug" || cfg.Telemetry.Logging.Format != "json" {
		t.Errorf("unexpected logging config: %+v", cfg.Telemetry.Logging)
	}
	if cfg.Telemetry.ServiceName != "sift" {
		t.Errorf("telemetry defaults should survive partial sections, got service name %q", cfg.Telemetry.ServiceName)
	}
	if cfg.Plugins.WatchDebounce != 500*time.Millisecond {
		t.Errorf("watch debounce default lost: %s", cfg.Plugins.WatchDebounce)
	}
	if cfg.Plugins.ClassifierTimeout != time.Second {
		t.Errorf("classifier timeout = %s", cfg.Plugins.ClassifierTimeout)
	}

	if len(cfg.Domains) != 2 {
		t.Fatalf("expected 2 domains, got %d", len(cfg.Domains))
	}
	inbox := cfg.Domains[0]
	wantBuiltins := []BuiltinActionConfig{{
		Kind:  BuiltinTag,
		Types: plugin.Bindings{"spam": plugin.MinConfidence(0.8), "vip": {}},
	}}
	if diff := cmp.Diff(wantBuiltins, inbox.Builtins); diff != "" {
		t.Errorf("builtins mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"rule:free-money"}, inbox.Plugins); diff != "" {
		t.Errorf("plugins mismatch (-want +got):\n%s", diff)
	}
	if inbox.Config["owner"] != "ops" {
		t.Errorf("domain config = %v", inbox.Config)
	}
	if inbox.DisplayName() != "Inbox" || cfg.Domains[1].DisplayName() != "tickets" {
		t.Errorf("unexpected display names")
	}

	global := cfg.DomainResilience(inbox)
	if global.FetchTimeout != 10*time.Second || !global.BreakerEnabled {
		t.Errorf("inbox should use the global resilience section, got %+v", global)
	}
	override := cfg.DomainResilience(cfg.Domains[1])
	want := resilience.Config{RateLimit: 2, RetryMaxAttempts: 5}
	if diff := cmp.Diff(want, override); diff != "" {
		t.Errorf("override mismatch (-want +got):\n%s", diff)
	}

	if !cfg.Forward.Enabled || cfg.Forward.SubjectPrefix != "sift.prod" {
		t.Errorf("unexpected forward config: %+v", cfg.Forward)
	}
}

func TestParse_Empty(t *testing.T) {
	t.Setenv(EnvLogLevel, "")
	t.Setenv(EnvPollInterval, "")

	cfg, err := Parse(strings.NewReader(""))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Errorf("empty config should equal defaults (-want +got):\n%s", diff)
	}
}

func TestParse_Invalid(t *testing.T) {
	t.Setenv(EnvLogLevel, "")
	t.Setenv(EnvPollInterval, "")

	tests := []struct {
		name string
		yaml string
		want string
	}{
		{name: "unknown field", yaml: "engine: {pol_interval: 5s}", want: "pol_interval"},
		{name: "bad duration", yaml: "engine: {poll_interval: soon}", want: "decode"},
		{name: "negative batch", yaml: "engine: {batch_size: -1}", want: "batch size"},
		{name: "missing domain id", yaml: "domains: [{source: {kind: inbox}}]", want: "ID"},
		{name: "unknown source", yaml: "domains: [{id: a, source: {kind: imap}}]", want: "Kind"},
		{name: "duplicate domain", yaml: "domains: [{id: a, source: {kind: inbox}}, {id: a, source: {kind: inbox}}]", want: "Domains"},
		{name: "unknown builtin", yaml: "domains: [{id: a, source: {kind: inbox}, builtins: [{kind: mail, types: {spam: {}}}]}]", want: "Kind"},
		{name: "builtin without types", yaml: "domains: [{id: a, source: {kind: inbox}, builtins: [{kind: log}]}]", want: "Types"},
		{name: "duplicate builtin", yaml: "domains: [{id: a, source: {kind: inbox}, builtins: [{kind: log, types: {x: {}}}, {kind: log, types: {y: {}}}]}]", want: "Builtins"},
		{name: "forward without url", yaml: "forward: {enabled: true}", want: "URL"},
		{name: "bad log level", yaml: "telemetry: {logging: {level: loud}}", want: "log level"},
		{name: "bad breaker ratio", yaml: "resilience: {breaker_failure_ratio: 3}", want: "ratio"},
		{name: "bad domain resilience", yaml: "domains: [{id: a, source: {kind: inbox}, resilience: {rate_limit: -1}}]", want: "domain \"a\""},
		{name: "empty store path", yaml: "store: {path: ''}", want: "Path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvLogLevel:     "warn",
		EnvPollInterval: "90s",
		EnvStorePath:    "/tmp/other.db",
		EnvNATSURL:      "nats://nats:4222",
	}

	cfg := Default()
	err := cfg.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	if err != nil {
		t.Fatalf("ApplyEnv() error = %v", err)
	}

	if cfg.Telemetry.Logging.Level != "warn" {
		t.Errorf("log level = %q", cfg.Telemetry.Logging.Level)
	}
	if cfg.Engine.PollInterval != 90*time.Second {
		t.Errorf("poll interval = %s", cfg.Engine.PollInterval)
	}
	if cfg.Store.Path != "/tmp/other.db" || cfg.Forward.URL != "nats://nats:4222" {
		t.Errorf("store/forward not overridden: %+v %+v", cfg.Store, cfg.Forward)
	}

	if err := Default().ApplyEnv(func(k string) (string, bool) {
		if k == EnvPollInterval {
			return "often", true
		}
		return "", false
	}); err == nil {
		t.Error("expected error for invalid poll interval")
	}

	unchanged := Default()
	if err := unchanged.ApplyEnv(noEnv); err != nil {
		t.Fatalf("ApplyEnv() error = %v", err)
	}
	if diff := cmp.Diff(Default(), unchanged); diff != "" {
		t.Errorf("no env should change nothing (-want +got):\n%s", diff)
	}
}

func TestLoad(t *testing.T) {
	t.Setenv(EnvLogLevel, "error")
	t.Setenv(EnvPollInterval, "")

	path := filepath.Join(t.TempDir(), "sift.yaml")
	if err := os.WriteFile(path, []byte("engine: {batch_size: 3}\n"), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Engine.BatchSize != 3 {
		t.Errorf("batch size = %d", cfg.Engine.BatchSize)
	}
	if cfg.Telemetry.Logging.Level != "error" {
		t.Errorf("env override not applied, level = %q", cfg.Telemetry.Logging.Level)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
