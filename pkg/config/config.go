package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/sift/pkg/engine"
	"github.com/openfroyo/sift/pkg/plugin"
	"github.com/openfroyo/sift/pkg/resilience"
	"github.com/openfroyo/sift/pkg/telemetry"
)

// Environment variables that override file values.
const (
	EnvLogLevel     = "SIFT_LOG_LEVEL"
	EnvPollInterval = "SIFT_POLL_INTERVAL"
	EnvStorePath    = "SIFT_STORE_PATH"
	EnvNATSURL      = "SIFT_NATS_URL"
)

// Source kinds.
const (
	SourceInbox = "inbox"
)

// Built-in action kinds.
const (
	BuiltinLog = "log"
	BuiltinTag = "tag"
)

var validate = validator.New()

// Config is the root application configuration.
type Config struct {
	Engine     engine.Config     `yaml:"engine"`
	Telemetry  telemetry.Config  `yaml:"telemetry"`
	Plugins    PluginsConfig     `yaml:"plugins"`
	Store      StoreConfig       `yaml:"store"`
	Domains    []DomainConfig    `yaml:"domains" validate:"unique=ID,dive"`
	Forward    ForwardConfig     `yaml:"forward"`
	Resilience resilience.Config `yaml:"resilience"`
}

// PluginsConfig controls plugin discovery and sandbox limits.
type PluginsConfig struct {
	// Dir is the plugin directory. Empty disables file plugins.
	Dir string `yaml:"dir"`

	// Watch reloads plugins when files under Dir change.
	Watch         bool          `yaml:"watch"`
	WatchDebounce time.Duration `yaml:"watch_debounce" validate:"gte=0"`

	StarlarkTimeout  time.Duration `yaml:"starlark_timeout" validate:"gte=0"`
	StarlarkMaxSteps uint64        `yaml:"starlark_max_steps"`
	WASMTimeout      time.Duration `yaml:"wasm_timeout" validate:"gte=0"`
	WASMMemoryPages  uint32        `yaml:"wasm_memory_pages" validate:"lte=65536"`

	// ClassifierTimeout and ActionTimeout bound each plugin call. Zero disables them.
	ClassifierTimeout time.Duration `yaml:"classifier_timeout" validate:"gte=0"`
	ActionTimeout     time.Duration `yaml:"action_timeout" validate:"gte=0"`
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	Path string `yaml:"path" validate:"required"`
}

// DomainConfig declares one domain.
type DomainConfig struct {
	ID     string       `yaml:"id" validate:"required"`
	Name   string       `yaml:"name"`
	Source SourceConfig `yaml:"source"`

	// Plugins restricts the domain to these loaded plugin ids. Empty means all.
	Plugins []string `yaml:"plugins"`

	Builtins []BuiltinActionConfig `yaml:"builtins" validate:"unique=Kind,dive"`

	// Config is passed read-only to every plugin invocation.
	Config map[string]any `yaml:"config"`

	// Resilience overrides the global resilience section for this domain.
	Resilience *resilience.Config `yaml:"resilience"`
}

// DisplayName returns Name, or ID when Name is empty.
func (d DomainConfig) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.ID
}

// SourceConfig selects the domain's provider.
type SourceConfig struct {
	Kind string `yaml:"kind" validate:"required,oneof=inbox"`
}

// BuiltinActionConfig enables a built-in action for a domain.
type BuiltinActionConfig struct {
	Kind  string          `yaml:"kind" validate:"required,oneof=log tag"`
	Types plugin.Bindings `yaml:"types" validate:"required,min=1"`
}

// ForwardConfig controls event forwarding to NATS.
type ForwardConfig struct {
	Enabled       bool     `yaml:"enabled"`
	URL           string   `yaml:"url" validate:"required_if=Enabled true"`
	SubjectPrefix string   `yaml:"subject_prefix"`
	Types         []string `yaml:"types"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Engine:    engine.DefaultConfig(),
		Telemetry: *telemetry.DefaultConfig(),
		Plugins: PluginsConfig{
			Dir:           "plugins",
			WatchDebounce: 500 * time.Millisecond,
		},
		Store:      StoreConfig{Path: "sift.db"},
		Resilience: resilience.DefaultConfig(),
	}
}

// Load reads, overrides from the environment and validates the file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()

	cfg, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML from r on top of Default, applies environment overrides
// and validates the result.
func Parse(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to decode config: %w", err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment. lookup has the signature of
// os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Telemetry.Logging.Level = v
	}
	if v, ok := lookup(EnvPollInterval); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvPollInterval, err)
		}
		c.Engine.PollInterval = d
	}
	if v, ok := lookup(EnvStorePath); ok && v != "" {
		c.Store.Path = v
	}
	if v, ok := lookup(EnvNATSURL); ok && v != "" {
		c.Forward.URL = v
	}
	return nil
}

// Validate checks struct tags and each section's own rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("invalid engine config: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}
	if err := c.Resilience.Validate(); err != nil {
		return fmt.Errorf("invalid resilience config: %w", err)
	}
	for _, d := range c.Domains {
		if d.Resilience == nil {
			continue
		}
		if err := d.Resilience.Validate(); err != nil {
			return fmt.Errorf("invalid resilience config for domain %q: %w", d.ID, err)
		}
	}
	return nil
}

// DomainResilience returns the domain's resilience override or the global section.
func (c *Config) DomainResilience(d DomainConfig) resilience.Config {
	if d.Resilience != nil {
		return *d.Resilience
	}
	return c.Resilience
}
