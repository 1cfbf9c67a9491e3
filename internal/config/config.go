// Package config provides YAML configuration loading and validation for the
// Keystone gateway.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/keystone-gateway/keystone/internal/router"
)

// Defaults match the source-level constants a zero-config deployment runs
// with.
const (
	DefaultHost            = "127.0.0.1"
	DefaultPort            = 8080
	DefaultReadBufferSize  = 8192
	DefaultWriteBufferSize = 8192
	DefaultAcceptBacklog   = 128
	DefaultLogLevel        = "info"
)

// DefaultMaxParams mirrors router.MaxParams, the ParamArray's actual
// compile-time inline capacity. It exists so config.yaml's defaulted
// field and the router's real capacity can never silently diverge.
const DefaultMaxParams = router.MaxParams

// Config is the top-level configuration for a Keystone gateway process. It
// is shared read-only by every worker after Load returns; no field is
// mutated once the pool starts.
type Config struct {
	// Host is the address the listener binds to.
	Host string `yaml:"host"`

	// Port is the TCP port the listener binds to.
	Port int `yaml:"port"`

	// ReadBufferSize is the fixed capacity, in bytes, of each connection's
	// ring buffer.
	ReadBufferSize int `yaml:"read_buffer_size"`

	// WriteBufferSize is the fixed capacity, in bytes, of each connection's
	// write buffer.
	WriteBufferSize int `yaml:"write_buffer_size"`

	// MaxParams must equal router.MaxParams, the ParamArray's actual
	// compile-time inline capacity (router.ParamArray is a fixed-size
	// array, not a slice, so this cannot be wired any deeper than a
	// validation check against that constant). It exists so a
	// configuration file recording a different capacity than the binary
	// was built with fails loudly at startup instead of silently
	// matching nothing.
	MaxParams int `yaml:"max_params"`

	// AcceptBacklog is the backlog argument passed to listen(2).
	AcceptBacklog int `yaml:"accept_backlog"`

	// EnableBPFAffinity attaches a classic BPF filter to the REUSEPORT
	// group so that each TCP connection sticks to one worker. Disabling it
	// is a functional degradation (see DESIGN.md), not a correctness bug.
	EnableBPFAffinity bool `yaml:"enable_bpf_affinity"`

	// ScriptPath is the Lua file defining routes via keystone.add_route.
	// Required.
	ScriptPath string `yaml:"script_path"`

	// LogLevel sets the minimum severity: "debug", "info", "warn", "error".
	LogLevel string `yaml:"log_level"`

	// AdminAddr is the listen address of the admin/observability HTTP
	// server. Empty disables it.
	AdminAddr string `yaml:"admin_addr"`
}

// Load reads a YAML file at path, applies defaults for omitted fields, and
// validates the result. A path of "" skips file reading entirely and
// validates an all-defaults Config.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Read reads a YAML file at path and applies defaults for omitted fields,
// without validating the result. A path of "" skips file reading entirely
// and returns an all-defaults Config. Callers that still need to apply a
// command-line override (such as -script) before the required fields are
// known should call Read followed by Validate themselves, the way
// cmd/keystone does.
func Read(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.ReadBufferSize == 0 {
		cfg.ReadBufferSize = DefaultReadBufferSize
	}
	if cfg.WriteBufferSize == 0 {
		cfg.WriteBufferSize = DefaultWriteBufferSize
	}
	if cfg.MaxParams == 0 {
		cfg.MaxParams = DefaultMaxParams
	}
	if cfg.AcceptBacklog == 0 {
		cfg.AcceptBacklog = DefaultAcceptBacklog
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
}

// Validate checks field ranges and required fields. It assumes defaults
// have already been applied, so a zero Port or buffer size at this point is
// treated as invalid rather than re-defaulted.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range 1-65535", c.Port)
	}
	if c.ReadBufferSize <= 0 {
		return fmt.Errorf("read_buffer_size must be > 0, got %d", c.ReadBufferSize)
	}
	if c.WriteBufferSize <= 0 {
		return fmt.Errorf("write_buffer_size must be > 0, got %d", c.WriteBufferSize)
	}
	if c.MaxParams != router.MaxParams {
		return fmt.Errorf("max_params must equal %d (the router's compiled-in ParamArray capacity), got %d", router.MaxParams, c.MaxParams)
	}
	if c.AcceptBacklog <= 0 {
		return fmt.Errorf("accept_backlog must be > 0, got %d", c.AcceptBacklog)
	}
	if c.ScriptPath == "" {
		return fmt.Errorf("script_path is required")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of debug|info|warn|error, got %q", c.LogLevel)
	}
	return nil
}
