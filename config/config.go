package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	gotoml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of environment overrides, as in
// HOOKSTACK_LOGGING_LEVEL.
const EnvPrefix = "HOOKSTACK"

// Config is the engine configuration.
type Config struct {
	Logging  LoggingConfig  `json:"logging" mapstructure:"logging" yaml:"logging" toml:"logging"`
	Detour   DetourConfig   `json:"detour" mapstructure:"detour" yaml:"detour" toml:"detour"`
	Resolver ResolverConfig `json:"resolver" mapstructure:"resolver" yaml:"resolver" toml:"resolver"`
	Access   AccessConfig   `json:"access" mapstructure:"access" yaml:"access" toml:"access"`
}

// LoggingConfig controls the engine logger.
type LoggingConfig struct {
	Level  string `json:"level" mapstructure:"level" yaml:"level" toml:"level"`    // debug, info, warn, error, off
	Format string `json:"format" mapstructure:"format" yaml:"format" toml:"format"` // text or json
}

// DetourConfig controls native patching.
type DetourConfig struct {
	// ArenaSize is the initial size in bytes of the executable arena.
	ArenaSize int `json:"arenaSize" mapstructure:"arenaSize" yaml:"arenaSize" toml:"arenaSize"`
}

// ResolverConfig controls symbol resolution.
type ResolverConfig struct {
	// UnmanagedCallSites allows call sites with unmanaged calling
	// conventions.
	UnmanagedCallSites bool `json:"unmanagedCallSites" mapstructure:"unmanagedCallSites" yaml:"unmanagedCallSites" toml:"unmanagedCallSites"`
}

// AccessConfig controls the access-rewrite pass.
type AccessConfig struct {
	// MaxDepth bounds how deeply marker windows may nest.
	MaxDepth int `json:"maxDepth" mapstructure:"maxDepth" yaml:"maxDepth" toml:"maxDepth"`
}

// Default returns the default configuration. Logging is off.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "off",
			Format: "text",
		},
		Detour: DetourConfig{
			ArenaSize: 1 << 20,
		},
		Access: AccessConfig{
			MaxDepth: 32,
		},
	}
}

// Load reads the configuration file at path, which may be JSON, YAML or
// TOML, and applies HOOKSTACK_* environment overrides. An empty path gives
// the defaults with the overrides applied.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if isTOML(path) {
			if err := checkTOML(path); err != nil {
				return nil, err
			}
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("detour.arenaSize", d.Detour.ArenaSize)
	v.SetDefault("resolver.unmanagedCallSites", d.Resolver.UnmanagedCallSites)
	v.SetDefault("access.maxDepth", d.Access.MaxDepth)
}

// checkTOML rejects keys that don't map to a field. Viper ignores them.
func checkTOML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var cfg Config
	dec := gotoml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		var strict *gotoml.StrictMissingError
		if errors.As(err, &strict) && len(strict.Errors) > 0 {
			return &ConfigError{Field: strings.Join(strict.Errors[0].Key(), "."), Message: "unknown key"}
		}
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// Save writes the configuration to path. The extension picks the format:
// .toml, .yaml or .yml, and JSON for anything else.
func (c *Config) Save(path string) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		var buf bytes.Buffer
		err = toml.NewEncoder(&buf).Encode(c)
		data = buf.Bytes()
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}

// Validate checks that every value is usable.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error", "off", "none":
	default:
		return &ConfigError{Field: "logging.level", Message: "unknown level " + c.Logging.Level}
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return &ConfigError{Field: "logging.format", Message: "unknown format " + c.Logging.Format}
	}
	if c.Detour.ArenaSize < 0 {
		return &ConfigError{Field: "detour.arenaSize", Message: "must not be negative"}
	}
	if c.Access.MaxDepth < 1 {
		return &ConfigError{Field: "access.maxDepth", Message: "must be at least 1"}
	}
	return nil
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// ConfigError is a configuration value that can't be used.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "config error in field '" + e.Field + "': " + e.Message
}
