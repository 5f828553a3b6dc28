// Package config handles loading and parsing of minegallery configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for minegallery.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	Auth     AuthConfig     `yaml:"auth"`
	Store    StoreConfig    `yaml:"store"`
	ImageGen ImageGenConfig `yaml:"imagegen"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// ShutdownTimeoutSeconds bounds graceful shutdown on SIGINT/SIGTERM.
	ShutdownTimeoutSeconds int `yaml:"shutdown_timeout_seconds"`
	// MaxUploadMB caps the total size of a multipart image upload.
	MaxUploadMB int `yaml:"max_upload_mb"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string `yaml:"level"`
	// Format selects the slog handler (text or json).
	Format string `yaml:"format"`
}

// AuthConfig holds authentication settings for the write API.
type AuthConfig struct {
	// APIToken is the bearer token required on mutating endpoints.
	// If empty, mutating endpoints are open (useful for local development).
	APIToken string `yaml:"api_token"`
}

// StoreConfig holds blob store backend settings.
type StoreConfig struct {
	// Backend is the blob store backend type
	// (e.g., "github", "s3", "gcs", "azure", "local", "sqlite", "memory").
	Backend string `yaml:"backend"`

	GitHub GitHubConfig `yaml:"github"`
	S3     S3Config     `yaml:"s3"`
	GCS    GCSConfig    `yaml:"gcs"`
	Azure  AzureConfig  `yaml:"azure"`
	Local  LocalConfig  `yaml:"local"`
	SQLite SQLiteConfig `yaml:"sqlite"`
}

// GitHubConfig holds settings for the GitHub contents-API backend.
type GitHubConfig struct {
	// Owner is the user or organization owning the library repository.
	Owner string `yaml:"owner"`
	// Repo is the repository name.
	Repo string `yaml:"repo"`
	// Branch is the branch all reads and writes target.
	Branch string `yaml:"branch"`
	// Token is a personal access token with contents read/write scope.
	Token string `yaml:"token"`
	// BaseURL overrides the API endpoint for GitHub Enterprise installs.
	BaseURL string `yaml:"base_url"`
	// RawBaseURL overrides the raw content host used for public reads.
	RawBaseURL string `yaml:"raw_base_url"`
	// CommitterName and CommitterEmail are recorded on every write.
	CommitterName  string `yaml:"committer_name"`
	CommitterEmail string `yaml:"committer_email"`
}

// S3Config holds settings for the S3 backend.
type S3Config struct {
	// Bucket is the S3 bucket holding the library.
	Bucket string `yaml:"bucket"`
	// Region is the AWS region of the bucket.
	Region string `yaml:"region"`
	// Prefix is an optional key prefix for all library objects.
	Prefix string `yaml:"prefix"`
	// EndpointURL overrides the S3 endpoint for S3-compatible stores.
	EndpointURL string `yaml:"endpoint_url"`
	// UsePathStyle forces path-style addressing (needed by most
	// S3-compatible stores).
	UsePathStyle bool `yaml:"use_path_style"`
	// AccessKeyID and SecretAccessKey override the default credential
	// chain when both are set.
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	// PublicBaseURL is the base URL for unauthenticated reads. If empty,
	// public reads go through the authenticated client.
	PublicBaseURL string `yaml:"public_base_url"`
}

// GCSConfig holds settings for the Google Cloud Storage backend.
type GCSConfig struct {
	// Bucket is the GCS bucket holding the library.
	Bucket string `yaml:"bucket"`
	// Prefix is an optional object name prefix for all library objects.
	Prefix string `yaml:"prefix"`
	// PublicBaseURL is the base URL for unauthenticated reads.
	PublicBaseURL string `yaml:"public_base_url"`
}

// AzureConfig holds settings for the Azure Blob Storage backend.
type AzureConfig struct {
	// Container is the blob container holding the library.
	Container string `yaml:"container"`
	// Account is the storage account name. Used to construct the account
	// URL: https://{account}.blob.core.windows.net
	Account string `yaml:"account"`
	// AccountURL is the full storage account URL. If empty, it is
	// constructed from Account.
	AccountURL string `yaml:"account_url"`
	// Prefix is an optional blob name prefix for all library objects.
	Prefix string `yaml:"prefix"`
	// PublicBaseURL is the base URL for unauthenticated reads.
	PublicBaseURL string `yaml:"public_base_url"`
}

// LocalConfig holds settings for the local filesystem backend.
type LocalConfig struct {
	// Dir is the directory under which all library blobs are stored.
	Dir string `yaml:"dir"`
}

// SQLiteConfig holds settings for the single-node SQLite backend.
type SQLiteConfig struct {
	// Path is the filesystem path for the SQLite database file.
	Path string `yaml:"path"`
}

// ImageGenConfig holds settings for the image generation provider.
type ImageGenConfig struct {
	// BaseURL is the provider API root.
	BaseURL string `yaml:"base_url"`
	// APIKey authenticates requests to the provider.
	APIKey string `yaml:"api_key"`
	// EnginePath is the generation endpoint path under BaseURL.
	EnginePath string `yaml:"engine_path"`
	// PromptPrefix is prepended to every user prompt to anchor the
	// house style.
	PromptPrefix string `yaml:"prompt_prefix"`
	// TimeoutSeconds bounds a single generation round trip.
	TimeoutSeconds int `yaml:"timeout_seconds"`
	// OutputFormat is the requested image format (png, jpeg, webp).
	OutputFormat string `yaml:"output_format"`
}

// Load reads a YAML configuration file from the given path and returns
// a parsed Config. It applies sensible defaults for unset values.
// If the primary path fails, it falls back to minegallery.example.yaml
// in the same directory or parent directory.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		// Try fallback paths
		fallbackPaths := []string{
			filepath.Join(filepath.Dir(path), "minegallery.example.yaml"),
			filepath.Join(filepath.Dir(path), "..", "minegallery.example.yaml"),
		}
		var fallbackErr error
		for _, fp := range fallbackPaths {
			data, fallbackErr = os.ReadFile(fp)
			if fallbackErr == nil {
				break
			}
		}
		if fallbackErr != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply defaults for empty fields that YAML didn't set
	applyDefaults(cfg)

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                   "0.0.0.0",
			Port:                   8080,
			ShutdownTimeoutSeconds: 10,
			MaxUploadMB:            32,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Store: StoreConfig{
			Backend: "github",
			GitHub: GitHubConfig{
				Branch:         "main",
				CommitterName:  "minegallery",
				CommitterEmail: "gallery@localhost",
			},
			Local: LocalConfig{
				Dir: "./data/library",
			},
			SQLite: SQLiteConfig{
				Path: "./data/gallery.db",
			},
		},
		ImageGen: ImageGenConfig{
			BaseURL:        "https://api.stability.ai",
			EnginePath:     "/v2beta/stable-image/generate/core",
			PromptPrefix:   "dimly lit mine tunnel, weathered timber supports, ore cart rails,",
			TimeoutSeconds: 60,
			OutputFormat:   "png",
		},
	}
}

// applyDefaults fills in any fields that are still at their zero value
// after YAML unmarshaling.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ShutdownTimeoutSeconds == 0 {
		cfg.Server.ShutdownTimeoutSeconds = 10
	}
	if cfg.Server.MaxUploadMB == 0 {
		cfg.Server.MaxUploadMB = 32
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "github"
	}
	if cfg.Store.GitHub.Branch == "" {
		cfg.Store.GitHub.Branch = "main"
	}
	if cfg.Store.GitHub.CommitterName == "" {
		cfg.Store.GitHub.CommitterName = "minegallery"
	}
	if cfg.Store.GitHub.CommitterEmail == "" {
		cfg.Store.GitHub.CommitterEmail = "gallery@localhost"
	}
	if cfg.Store.Local.Dir == "" {
		cfg.Store.Local.Dir = "./data/library"
	}
	if cfg.Store.SQLite.Path == "" {
		cfg.Store.SQLite.Path = "./data/gallery.db"
	}
	if cfg.ImageGen.BaseURL == "" {
		cfg.ImageGen.BaseURL = "https://api.stability.ai"
	}
	if cfg.ImageGen.EnginePath == "" {
		cfg.ImageGen.EnginePath = "/v2beta/stable-image/generate/core"
	}
	if cfg.ImageGen.TimeoutSeconds == 0 {
		cfg.ImageGen.TimeoutSeconds = 60
	}
	if cfg.ImageGen.OutputFormat == "" {
		cfg.ImageGen.OutputFormat = "png"
	}
}
