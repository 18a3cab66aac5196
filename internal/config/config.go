// Package config provides configuration loading for mementod.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the memento server.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Logging     LoggingConfig     `koanf:"logging"`
	Control     ControlConfig     `koanf:"control"`
	Workspaces  WorkspacesConfig  `koanf:"workspaces"`
	Crypto      CryptoConfig      `koanf:"crypto"`
	VectorStore VectorStoreConfig `koanf:"vectorstore"`
	LLM         LLMConfig         `koanf:"llm"`
	Blob        BlobConfig        `koanf:"blob"`
	Decay       DecayConfig       `koanf:"decay"`
	Signup      SignupConfig      `koanf:"signup"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// ControlConfig locates the control database (users, credentials, workspaces).
type ControlConfig struct {
	// URL is the control database locator. A plain path opens a local
	// SQLite file; "file::memory:?cache=shared" is valid for tests.
	URL string `koanf:"url"`
}

// WorkspacesConfig governs per-workspace databases.
type WorkspacesConfig struct {
	// DataDir is the directory under which per-workspace database files
	// are created when a workspace row carries no explicit locator.
	DataDir string `koanf:"data_dir"`

	// DefaultName is the workspace selected when no header names one.
	DefaultName string `koanf:"default_name"`
}

// CryptoConfig holds envelope-encryption settings.
type CryptoConfig struct {
	// MasterKey is the base64 or raw 32-byte master key. When empty in
	// production mode, field encryption is disabled and the degraded
	// mode is logged on startup.
	MasterKey string `koanf:"master_key"`

	// DevFallback permits deriving a deterministic master key for local
	// development when MasterKey is unset. Never enable in production.
	DevFallback bool `koanf:"dev_fallback"`
}

// VectorStoreConfig selects and configures the semantic-search backend.
type VectorStoreConfig struct {
	// Provider is one of "chromem" (embedded, default), "qdrant", or
	// "none" (keyword-only ranking).
	Provider string `koanf:"provider"`

	Chromem ChromemConfig `koanf:"chromem"`
	Qdrant  QdrantConfig  `koanf:"qdrant"`
}

// ChromemConfig configures the embedded chromem-go index.
type ChromemConfig struct {
	Path       string `koanf:"path"`
	Compress   bool   `koanf:"compress"`
	VectorSize int    `koanf:"vector_size"`
}

// QdrantConfig configures the remote Qdrant backend.
type QdrantConfig struct {
	Host   string `koanf:"host"`
	Port   int    `koanf:"port"`
	APIKey string `koanf:"api_key"`
	UseTLS bool   `koanf:"use_tls"`
}

// LLMConfig configures the external LLM used by distill and consolidation.
type LLMConfig struct {
	APIKey  string        `koanf:"api_key"`
	Model   string        `koanf:"model"`
	BaseURL string        `koanf:"base_url"`
	Timeout time.Duration `koanf:"timeout"`
}

// BlobConfig configures the image blob store.
type BlobConfig struct {
	// Path is the root directory for stored blobs.
	Path string `koanf:"path"`
}

// DecayConfig configures the background relevance-decay worker.
type DecayConfig struct {
	Enabled  bool          `koanf:"enabled"`
	Interval time.Duration `koanf:"interval"`
}

// SignupConfig configures the unauthenticated signup endpoint.
type SignupConfig struct {
	Enabled     bool `koanf:"enabled"`
	HourlyLimit int  `koanf:"hourly_limit"`
	DailyLimit  int  `koanf:"daily_limit"`
}

// applyDefaults fills unset fields with production-ready defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8377
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Control.URL == "" {
		cfg.Control.URL = "memento-control.db"
	}
	if cfg.Workspaces.DataDir == "" {
		cfg.Workspaces.DataDir = "workspaces"
	}
	if cfg.Workspaces.DefaultName == "" {
		cfg.Workspaces.DefaultName = "default"
	}
	if cfg.VectorStore.Provider == "" {
		cfg.VectorStore.Provider = "chromem"
	}
	if cfg.VectorStore.Chromem.Path == "" {
		cfg.VectorStore.Chromem.Path = "vectorstore"
	}
	if cfg.VectorStore.Chromem.VectorSize == 0 {
		cfg.VectorStore.Chromem.VectorSize = 256
	}
	if cfg.VectorStore.Qdrant.Port == 0 {
		cfg.VectorStore.Qdrant.Port = 6334
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "claude-3-5-haiku-20241022"
	}
	if cfg.LLM.BaseURL == "" {
		cfg.LLM.BaseURL = "https://api.anthropic.com"
	}
	if cfg.LLM.Timeout == 0 {
		cfg.LLM.Timeout = 30 * time.Second
	}
	if cfg.Blob.Path == "" {
		cfg.Blob.Path = "images"
	}
	if cfg.Decay.Interval == 0 {
		cfg.Decay.Interval = time.Hour
	}
	if cfg.Signup.HourlyLimit == 0 {
		cfg.Signup.HourlyLimit = 5
	}
	if cfg.Signup.DailyLimit == 0 {
		cfg.Signup.DailyLimit = 20
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	switch c.VectorStore.Provider {
	case "chromem", "qdrant", "none":
	default:
		return fmt.Errorf("unknown vectorstore provider %q", c.VectorStore.Provider)
	}
	if c.VectorStore.Provider == "qdrant" && c.VectorStore.Qdrant.Host == "" {
		return fmt.Errorf("qdrant provider requires a host")
	}
	if c.Signup.HourlyLimit < 0 || c.Signup.DailyLimit < 0 {
		return fmt.Errorf("signup limits must be non-negative")
	}
	return nil
}
