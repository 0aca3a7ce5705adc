// Package config loads the lattice.yaml file used by the CLI.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the configuration file looked up when none is given.
const DefaultPath = "lattice.yaml"

// Store backends.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendBadger = "badger"
	BackendRedis  = "redis"
)

// Config is the full CLI configuration.
type Config struct {
	Tenant         string `yaml:"tenant"`
	DefinitionsDir string `yaml:"definitions_dir"`
	ProcessesFile  string `yaml:"processes_file"`

	Log    LogConfig    `yaml:"log"`
	Engine EngineConfig `yaml:"engine"`
	Store  StoreConfig  `yaml:"store"`
	HTTP   HTTPConfig   `yaml:"http"`
	MCP    MCPConfig    `yaml:"mcp"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type EngineConfig struct {
	Parallelism int `yaml:"parallelism"`
	MaxAttempts int `yaml:"max_attempts"`

	// InlineExec allows node configs to carry their own command line.
	InlineExec  bool          `yaml:"inline_exec"`
	GracePeriod time.Duration `yaml:"grace_period"`
}

type StoreConfig struct {
	Backend string      `yaml:"backend"`
	Path    string      `yaml:"path"`
	Redis   RedisConfig `yaml:"redis"`

	// EncryptionKey seals snapshots with AES-256-GCM (base64, 32 bytes).
	// LATTICE_ENCRYPTION_KEY is used when empty.
	EncryptionKey string   `yaml:"encryption_key"`
	FallbackKeys  []string `yaml:"fallback_keys"`
}

type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
	LockTTL  time.Duration `yaml:"lock_ttl"`
}

type HTTPConfig struct {
	Addr    string `yaml:"addr"`
	Metrics bool   `yaml:"metrics"`
}

type MCPConfig struct {
	Transport string `yaml:"transport"`
	Port      int    `yaml:"port"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Tenant:         "default",
		DefinitionsDir: "workflows",
		ProcessesFile:  "processes.yaml",
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Engine: EngineConfig{
			Parallelism: 4,
			MaxAttempts: 1,
			GracePeriod: 5 * time.Second,
		},
		Store: StoreConfig{
			Backend: BackendMemory,
			Path:    ".lattice",
			Redis: RedisConfig{
				Addr:    "localhost:6379",
				Prefix:  "lattice:",
				LockTTL: 30 * time.Second,
			},
		},
		HTTP: HTTPConfig{
			Addr:    ":8080",
			Metrics: true,
		},
		MCP: MCPConfig{
			Transport: "stdio",
			Port:      8081,
		},
	}
}

// Load reads path over the defaults. A missing file yields the defaults unless
// required is set.
func Load(path string, required bool) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks values the engine cannot default.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case BackendMemory, BackendFile, BackendBadger, BackendRedis:
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Store.Backend))
	}
	if c.Engine.Parallelism < 1 {
		errs = append(errs, fmt.Errorf("engine.parallelism must be at least 1, got %d", c.Engine.Parallelism))
	}
	if c.Engine.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("engine.max_attempts must be at least 1, got %d", c.Engine.MaxAttempts))
	}
	if c.Tenant == "" {
		errs = append(errs, errors.New("tenant must not be empty"))
	}
	switch c.MCP.Transport {
	case "stdio", "sse":
	default:
		errs = append(errs, fmt.Errorf("unknown mcp transport %q", c.MCP.Transport))
	}
	return errors.Join(errs...)
}
