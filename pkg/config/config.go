// Package config loads node configuration from YAML or TOML files with
// environment overrides.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/JuliaMoon1/gear/pkg/codestore"
	"github.com/JuliaMoon1/gear/pkg/message"
	"github.com/JuliaMoon1/gear/pkg/observability"
	"github.com/JuliaMoon1/gear/pkg/runner"
	"github.com/JuliaMoon1/gear/pkg/runtime/costs"
	"github.com/JuliaMoon1/gear/pkg/runtime/memory"
	"github.com/JuliaMoon1/gear/pkg/storage"
)

// Config is the full node configuration.
type Config struct {
	// RequiresRuntime is a semver constraint the running binary must meet.
	RequiresRuntime string `yaml:"requires_runtime" toml:"requires_runtime" json:"requires_runtime"`
	LogLevel        string `yaml:"log_level" toml:"log_level" json:"log_level"`

	Storage       storage.Config       `yaml:"storage" toml:"storage" json:"storage"`
	Codes         codestore.Config     `yaml:"codes" toml:"codes" json:"codes"`
	Engine        EngineConfig         `yaml:"engine" toml:"engine" json:"engine"`
	Observability observability.Config `yaml:"observability" toml:"observability" json:"observability"`
}

// EngineConfig holds execution settings.
type EngineConfig struct {
	// Schedule is "default", "zero" or the path of a schedule file.
	Schedule        string `yaml:"schedule" toml:"schedule" json:"schedule"`
	BlockAllowance  uint64 `yaml:"block_allowance" toml:"block_allowance" json:"block_allowance"`
	MaxPages        uint32 `yaml:"max_pages" toml:"max_pages" json:"max_pages"`
	StaticPages     uint32 `yaml:"static_pages" toml:"static_pages" json:"static_pages"`
	MaxOutgoing     uint32 `yaml:"max_outgoing" toml:"max_outgoing" json:"max_outgoing"`
	MaxPayload      uint32 `yaml:"max_payload" toml:"max_payload" json:"max_payload"`
	MaxDispatches   int    `yaml:"max_dispatches" toml:"max_dispatches" json:"max_dispatches"`
	PrefetchWorkers int    `yaml:"prefetch_workers" toml:"prefetch_workers" json:"prefetch_workers"`
	AutoErrorReply  bool   `yaml:"auto_error_reply" toml:"auto_error_reply" json:"auto_error_reply"`
	// Interpreter selects the wazero interpreter instead of the compiler.
	Interpreter bool `yaml:"interpreter" toml:"interpreter" json:"interpreter"`
	ModuleCache int  `yaml:"module_cache" toml:"module_cache" json:"module_cache"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	obs := observability.DefaultConfig()
	return &Config{
		LogLevel: "info",
		Storage:  storage.Config{Type: storage.TypeSQLite, DSN: filepath.Join("data", "state.db")},
		Codes:    codestore.Config{Type: codestore.TypeFS, Dir: "data", CacheSize: 64},
		Engine: EngineConfig{
			Schedule:        "default",
			BlockAllowance:  1_000_000_000_000,
			MaxPages:        512,
			StaticPages:     1,
			MaxOutgoing:     message.DefaultLimits.MaxOutgoing,
			MaxPayload:      message.DefaultLimits.MaxPayload,
			PrefetchWorkers: 4,
			AutoErrorReply:  true,
			ModuleCache:     128,
		},
		Observability: *obs,
	}
}

// Load reads path over the defaults and applies environment overrides. An
// empty path yields the defaults with overrides. The file is validated
// against the embedded schema before decoding.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := decode(path, data, cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	var doc any
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("config: parse %s: %w", path, err)
		}
		if err := validateDocument(doc); err != nil {
			return fmt.Errorf("config: %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("config: decode %s: %w", path, err)
		}
	case ".toml":
		var m map[string]any
		if err := toml.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("config: parse %s: %w", path, err)
		}
		if err := validateDocument(m); err != nil {
			return fmt.Errorf("config: %s: %w", path, err)
		}
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("config: decode %s: %w", path, err)
		}
	default:
		return fmt.Errorf("config: unsupported format %q", ext)
	}
	return nil
}

// applyEnv overrides fields from GEAR_* variables.
func (c *Config) applyEnv() error {
	str := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	str("GEAR_LOG_LEVEL", &c.LogLevel)
	if v := os.Getenv("GEAR_STORAGE_TYPE"); v != "" {
		c.Storage.Type = storage.Type(v)
	}
	str("GEAR_STORAGE_DSN", &c.Storage.DSN)
	str("GEAR_REDIS_ADDR", &c.Storage.Redis.Addr)
	str("GEAR_REDIS_PASSWORD", &c.Storage.Redis.Password)
	if v := os.Getenv("GEAR_CODES_TYPE"); v != "" {
		c.Codes.Type = codestore.Type(v)
	}
	str("GEAR_CODES_DIR", &c.Codes.Dir)
	str("GEAR_S3_BUCKET", &c.Codes.S3.Bucket)
	str("GEAR_S3_REGION", &c.Codes.S3.Region)
	str("GEAR_S3_ENDPOINT", &c.Codes.S3.Endpoint)
	str("GEAR_GCS_BUCKET", &c.Codes.GCS.Bucket)
	str("GEAR_SCHEDULE", &c.Engine.Schedule)
	str("GEAR_OTLP_ENDPOINT", &c.Observability.OTLPEndpoint)

	if v := os.Getenv("GEAR_BLOCK_ALLOWANCE"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("config: GEAR_BLOCK_ALLOWANCE: %w", err)
		}
		c.Engine.BlockAllowance = n
	}
	if v := os.Getenv("GEAR_OTEL_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: GEAR_OTEL_ENABLED: %w", err)
		}
		c.Observability.Enabled = b
	}
	return nil
}

// Validate checks the decoded values.
func (c *Config) Validate() error {
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	if c.Engine.StaticPages > c.Engine.MaxPages {
		return fmt.Errorf("config: static_pages %d above max_pages %d", c.Engine.StaticPages, c.Engine.MaxPages)
	}
	if memory.WasmPage(c.Engine.MaxPages) > memory.MaxWasmPages {
		return fmt.Errorf("config: max_pages %d above %d", c.Engine.MaxPages, memory.MaxWasmPages)
	}
	if c.RequiresRuntime != "" {
		if _, err := semver.NewConstraint(c.RequiresRuntime); err != nil {
			return fmt.Errorf("config: requires_runtime: %w", err)
		}
	}
	return nil
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return level, fmt.Errorf("config: log_level: %w", err)
	}
	return level, nil
}

// CheckRuntime reports whether version satisfies RequiresRuntime.
func (c *Config) CheckRuntime(version string) error {
	if c.RequiresRuntime == "" {
		return nil
	}
	constraint, err := semver.NewConstraint(c.RequiresRuntime)
	if err != nil {
		return fmt.Errorf("config: requires_runtime: %w", err)
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("config: invalid runtime version %s: %w", version, err)
	}
	if ok, errs := constraint.Validate(v); !ok {
		return fmt.Errorf("config: runtime %s does not satisfy %s: %v", version, c.RequiresRuntime, errs)
	}
	return nil
}

// CostSchedule resolves Engine.Schedule.
func (c *Config) CostSchedule() (*costs.Schedule, error) {
	switch c.Engine.Schedule {
	case "", "default":
		return costs.Default(), nil
	case "zero":
		return costs.Zero(), nil
	default:
		return LoadSchedule(c.Engine.Schedule)
	}
}

// RunnerConfig returns the runner settings.
func (c *Config) RunnerConfig() (runner.Config, error) {
	schedule, err := c.CostSchedule()
	if err != nil {
		return runner.Config{}, err
	}
	return runner.Config{
		Schedule:        schedule,
		MaxPages:        memory.WasmPage(c.Engine.MaxPages),
		Limits:          message.Limits{MaxOutgoing: c.Engine.MaxOutgoing, MaxPayload: c.Engine.MaxPayload},
		AutoErrorReply:  c.Engine.AutoErrorReply,
		MaxDispatches:   c.Engine.MaxDispatches,
		PrefetchWorkers: c.Engine.PrefetchWorkers,
		StaticPages:     memory.WasmPage(c.Engine.StaticPages),
	}, nil
}
