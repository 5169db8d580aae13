package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "TENANTSYNC_"

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "TENANTSYNC_CONFIG"

// DefaultConfigPaths lists the paths searched for a config file, in order.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
}

// sections lists the top-level keys; used to split env names into paths.
var sections = []string{
	"server", "remote", "auth", "store", "queue", "monitor",
	"realtime", "scheduler", "sync", "logging", "security",
}

// sliceKeys are read from the environment as comma-separated lists.
var sliceKeys = map[string]bool{
	"sync.entity_types": true,
}

var validate = validator.New()

// Load reads configuration from the default locations.
func Load() (*Config, error) {
	return LoadFrom(findConfigFile(), ".env")
}

// LoadFrom reads configuration from an explicit YAML file and .env file.
// Either path may be empty or missing.
func LoadFrom(configPath, dotenvPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// .env never overrides variables already present in the environment.
	if dotenvPath != "" {
		if err := godotenv.Load(dotenvPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", dotenvPath, err)
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if path := os.Getenv(ConfigPathEnvVar); path != "" {
		return path
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envTransform maps TENANTSYNC_QUEUE_MAX_ATTEMPTS to queue.max_attempts.
// Unknown sections are skipped.
func envTransform(key, value string) (string, interface{}) {
	name := strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	if name == "config" {
		return "", nil
	}
	for _, section := range sections {
		if rest, ok := strings.CutPrefix(name, section+"_"); ok && rest != "" {
			path := section + "." + rest
			if sliceKeys[path] {
				return path, splitList(value)
			}
			return path, value
		}
	}
	return "", nil
}

func splitList(value string) []string {
	out := []string{}
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Queue.MaxBackoff < c.Queue.BaseBackoff {
		return fmt.Errorf("queue.max_backoff (%s) must be >= queue.base_backoff (%s)",
			c.Queue.MaxBackoff, c.Queue.BaseBackoff)
	}
	if c.Monitor.MaxInterval < c.Monitor.Interval {
		return fmt.Errorf("monitor.max_interval (%s) must be >= monitor.interval (%s)",
			c.Monitor.MaxInterval, c.Monitor.Interval)
	}
	if c.Monitor.ProbeTimeout > c.Monitor.Interval {
		return fmt.Errorf("monitor.probe_timeout (%s) must be <= monitor.interval (%s)",
			c.Monitor.ProbeTimeout, c.Monitor.Interval)
	}
	return nil
}
