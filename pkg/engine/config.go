package engine

import (
	"fmt"
	"time"
)

// Config controls polling.
type Config struct {
	// PollInterval is the delay between poll cycles.
	PollInterval time.Duration `yaml:"poll_interval"`

	// BatchSize bounds the number of entities fetched per domain per cycle.
	BatchSize int `yaml:"batch_size"`

	// MaxConcurrentDomains bounds how many domains are polled at once.
	// 1 polls domains sequentially in registration order.
	MaxConcurrentDomains int `yaml:"max_concurrent_domains"`
}

// DefaultConfig returns the default polling configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval:         30 * time.Second,
		BatchSize:            10,
		MaxConcurrentDomains: 1,
	}
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got: %s", c.PollInterval)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got: %d", c.BatchSize)
	}
	if c.MaxConcurrentDomains <= 0 {
		return fmt.Errorf("max concurrent domains must be positive, got: %d", c.MaxConcurrentDomains)
	}
	return nil
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.PollInterval == 0 {
		c.PollInterval = def.PollInterval
	}
	if c.BatchSize == 0 {
		c.BatchSize = def.BatchSize
	}
	if c.MaxConcurrentDomains == 0 {
		c.MaxConcurrentDomains = def.MaxConcurrentDomains
	}
	return c
}
