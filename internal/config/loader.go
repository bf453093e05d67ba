package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file. If configPath is a
// directory, config.yaml inside it is used.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	expanded := expandEnvVars(string(data))

	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Discover finds a config file by checking standard locations.
// Priority order: $QUARRY_CONFIG, ~/.config/quarry/config.yaml, /etc/quarry/config.yaml, ./config.yaml
func Discover() (string, error) {
	if path := os.Getenv("QUARRY_CONFIG"); path != "" {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfig := filepath.Join(homeDir, ".config", "quarry", "config.yaml")
		if _, err := os.Stat(userConfig); err == nil {
			return userConfig, nil
		}
	}

	systemConfig := "/etc/quarry/config.yaml"
	if _, err := os.Stat(systemConfig); err == nil {
		return systemConfig, nil
	}

	localConfig := "./config.yaml"
	if _, err := os.Stat(localConfig); err == nil {
		return localConfig, nil
	}

	return "", fmt.Errorf("no config found (checked: $QUARRY_CONFIG, ~/.config/quarry, /etc/quarry, ./config.yaml)")
}

// expandEnvVars replaces ${VAR} references with environment values.
// Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})
}

// applyDefaults fills zero values left after unmarshal with defaults.
func applyDefaults(cfg *Config) {
	def := Defaults()
	if cfg.Service.Name == "" {
		cfg.Service.Name = def.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = def.Service.LogLevel
	}
	if cfg.Storage.CatalogPath == "" {
		cfg.Storage.CatalogPath = def.Storage.CatalogPath
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = def.Storage.DataDir
	}
	if cfg.Ingest.LockWait <= 0 {
		cfg.Ingest.LockWait = def.Ingest.LockWait
	}
	if len(cfg.Kernel.Command) == 0 {
		cfg.Kernel.Command = def.Kernel.Command
	}
	if cfg.Kernel.BootstrapTimeout <= 0 {
		cfg.Kernel.BootstrapTimeout = def.Kernel.BootstrapTimeout
	}
	if cfg.Kernel.ExecTimeout <= 0 {
		cfg.Kernel.ExecTimeout = def.Kernel.ExecTimeout
	}
	if cfg.Kernel.IdleTimeout <= 0 {
		cfg.Kernel.IdleTimeout = def.Kernel.IdleTimeout
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = def.API.Listen
	}
}

func validate(cfg *Config) error {
	if cfg.Ingest.SampleBytes < 0 {
		return fmt.Errorf("ingest.sample_bytes must not be negative")
	}
	if len(cfg.Kernel.Command) == 0 || cfg.Kernel.Command[0] == "" {
		return fmt.Errorf("kernel.command is empty")
	}
	if cfg.Kernel.ExecTimeout < time.Second {
		return fmt.Errorf("kernel.exec_timeout must be at least 1s")
	}
	if cfg.API.Enabled && cfg.API.Listen == "" {
		return fmt.Errorf("api.listen is required when api.enabled is true")
	}
	return nil
}
