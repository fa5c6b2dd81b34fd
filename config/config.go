// Package config loads gcsim configuration from YAML.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/inhies/go-bytesize"
	"github.com/prateek/gcheap/heap"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config holds all gcsim configuration.
type Config struct {
	Heap      HeapConfig      `yaml:"heap"`
	Finalizer FinalizerConfig `yaml:"finalizer"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// HeapConfig configures the simulated heap.
type HeapConfig struct {
	// Limit bounds live bytes, e.g. "64MB". Empty or "0" means unlimited.
	Limit string `yaml:"limit"`
	// Cycles is the number of collect and wait rounds the collect command
	// runs.
	Cycles int `yaml:"cycles"`
}

// FinalizerConfig configures finalization waits.
type FinalizerConfig struct {
	WaitTimeout string `yaml:"wait_timeout"`
}

// LoggingConfig configures zap.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Heap: HeapConfig{
			Limit:  "",
			Cycles: 3,
		},
		Finalizer: FinalizerConfig{
			WaitTimeout: "30s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := Parse(data, cfg); err != nil {
		return nil, err
	}
	cfg.applyEnvOverrides()
	return cfg, cfg.Validate()
}

// Parse decodes YAML into cfg, keeping the values of keys that are absent.
func Parse(data []byte, cfg *Config) error {
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if limit := os.Getenv("GCHEAP_HEAP_LIMIT"); limit != "" {
		c.Heap.Limit = limit
	}
	if level := os.Getenv("GCHEAP_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

// Validate checks every value that is parsed lazily.
func (c *Config) Validate() error {
	if _, err := c.GetHeapLimit(); err != nil {
		return err
	}
	if _, err := time.ParseDuration(c.Finalizer.WaitTimeout); err != nil {
		return fmt.Errorf("invalid finalizer wait timeout %q: %w", c.Finalizer.WaitTimeout, err)
	}
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.Logging.Level, err)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format %q (valid: json, console)", c.Logging.Format)
	}
	if c.Heap.Cycles < 0 {
		return fmt.Errorf("invalid cycle count %d", c.Heap.Cycles)
	}
	return nil
}

// GetHeapLimit returns the heap limit in bytes, zero when unlimited.
func (c *Config) GetHeapLimit() (uint64, error) {
	limit := strings.TrimSpace(c.Heap.Limit)
	if limit == "" || limit == "0" {
		return 0, nil
	}
	b, err := bytesize.Parse(limit)
	if err != nil {
		return 0, fmt.Errorf("invalid heap limit %q: %w", c.Heap.Limit, err)
	}
	return uint64(b), nil
}

// GetWaitTimeout returns the finalizer wait timeout as a duration.
func (c *Config) GetWaitTimeout() time.Duration {
	d, err := time.ParseDuration(c.Finalizer.WaitTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// BuildLogger builds the zap logger described by the logging section.
func (c *Config) BuildLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.Logging.Level, err)
	}
	zc := zap.NewProductionConfig()
	if c.Logging.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// HeapOptions returns the heap options for this configuration.
func (c *Config) HeapOptions(logger *zap.Logger) ([]heap.Option, error) {
	limit, err := c.GetHeapLimit()
	if err != nil {
		return nil, err
	}
	return []heap.Option{heap.WithLogger(logger), heap.WithLimit(limit)}, nil
}
