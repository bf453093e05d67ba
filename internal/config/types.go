package config

import "time"

// Config represents the complete quarry engine configuration.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	Storage StorageConfig `yaml:"storage"`
	Ingest  IngestConfig  `yaml:"ingest"`
	Kernel  KernelConfig  `yaml:"kernel"`
	API     APIConfig     `yaml:"api,omitempty"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
}

// StorageConfig defines where the engine keeps its state.
// CatalogPath is the SQLite control-plane database; DataDir holds one
// directory per workspace (DuckDB store, notebook file).
type StorageConfig struct {
	CatalogPath string `yaml:"catalog_path"`
	DataDir     string `yaml:"data_dir"`
}

// IngestConfig defines dataset ingestion behavior.
type IngestConfig struct {
	// LockWait bounds how long an ingestion or query waits on the dataset
	// lock before failing with a conflict.
	LockWait time.Duration `yaml:"lock_wait"`

	// SampleBytes, when positive, mixes a blake3 hash of the first and last
	// N bytes of the source into the fingerprint. Zero keeps the fast path
	// a pure stat call.
	SampleBytes int `yaml:"sample_bytes"`
}

// KernelConfig defines kernel runner process settings.
type KernelConfig struct {
	// Command is the runner argv. The process must speak the NDJSON kernel
	// protocol on stdin/stdout.
	Command []string `yaml:"command"`

	// Preload lists runtime packages the runner imports during bootstrap.
	Preload []string `yaml:"preload,omitempty"`

	BootstrapTimeout time.Duration `yaml:"bootstrap_timeout"`
	ExecTimeout      time.Duration `yaml:"exec_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	// APIKey is an optional bearer token. Empty disables the check; the
	// engine trusts workspace IDs supplied by the caller either way.
	APIKey string `yaml:"api_key,omitempty"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "quarry",
			LogLevel: "INFO",
		},
		Storage: StorageConfig{
			CatalogPath: "./data/quarry.db",
			DataDir:     "./data/workspaces",
		},
		Ingest: IngestConfig{
			LockWait:    5 * time.Second,
			SampleBytes: 0,
		},
		Kernel: KernelConfig{
			Command:          []string{"quarry-kernel"},
			BootstrapTimeout: 30 * time.Second,
			ExecTimeout:      120 * time.Second,
			IdleTimeout:      30 * time.Minute,
		},
		API: APIConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8321",
		},
	}
}
