// Package config provides YAML-based configuration for the Synapse server.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// AppConfig represents the root configuration structure
type AppConfig struct {
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	Storage     StorageConfig     `mapstructure:"storage" yaml:"storage"`
	Minio       MinioConfig       `mapstructure:"minio" yaml:"minio"`
	S3          S3Config          `mapstructure:"s3" yaml:"s3"`
	Upload      UploadConfig      `mapstructure:"upload" yaml:"upload"`
	Experiments ExperimentsConfig `mapstructure:"experiments" yaml:"experiments"`
	Security    SecurityConfig    `mapstructure:"security" yaml:"security"`
	Proxy       ProxyConfig       `mapstructure:"proxy" yaml:"proxy"`
	Advanced    AdvancedConfig    `mapstructure:"advanced" yaml:"advanced"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port         int    `mapstructure:"port" yaml:"port"`
	BindAddress  string `mapstructure:"bind_address" yaml:"bind_address"`
	PublicURL    string `mapstructure:"public_url" yaml:"public_url"`
	EnableCORS   bool   `mapstructure:"enable_cors" yaml:"enable_cors"`
	AllowOrigins string `mapstructure:"allow_origins" yaml:"allow_origins"`
	ReadTimeout  int    `mapstructure:"read_timeout_seconds" yaml:"read_timeout_seconds"`
	WriteTimeout int    `mapstructure:"write_timeout_seconds" yaml:"write_timeout_seconds"`
	IdleTimeout  int    `mapstructure:"idle_timeout_seconds" yaml:"idle_timeout_seconds"`
	BodyLimit    string `mapstructure:"body_limit" yaml:"body_limit"`
}

// StorageConfig contains storage backend and path settings
type StorageConfig struct {
	Backend          string   `mapstructure:"backend" yaml:"backend"` // "local", "minio", "s3"
	DataDirectory    string   `mapstructure:"data_directory" yaml:"data_directory"`
	UploadsDirectory string   `mapstructure:"uploads_directory" yaml:"uploads_directory"`
	TempDirectory    string   `mapstructure:"temp_directory" yaml:"temp_directory"`
	DocumentDB       string   `mapstructure:"document_db" yaml:"document_db"`
	IdentityDB       string   `mapstructure:"identity_db" yaml:"identity_db"`
	Buckets          []string `mapstructure:"buckets" yaml:"buckets"`
	StagingBucket    string   `mapstructure:"staging_bucket" yaml:"staging_bucket"`
}

// MinioConfig contains MinIO connection settings
type MinioConfig struct {
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint"`
	AccessKey string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl" yaml:"use_ssl"`
}

// S3Config contains AWS S3 settings. Empty credentials fall back to the
// default AWS credential chain.
type S3Config struct {
	Region       string `mapstructure:"region" yaml:"region"`
	Endpoint     string `mapstructure:"endpoint" yaml:"endpoint"`
	AccessKey    string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey    string `mapstructure:"secret_key" yaml:"secret_key"`
	BucketPrefix string `mapstructure:"bucket_prefix" yaml:"bucket_prefix"`
	UsePathStyle bool   `mapstructure:"use_path_style" yaml:"use_path_style"`
}

// UploadConfig contains upload pipeline settings
type UploadConfig struct {
	ChunkSizeKB            int `mapstructure:"chunk_size_kb" yaml:"chunk_size_kb"`
	MaxConcurrent          int `mapstructure:"max_concurrent" yaml:"max_concurrent"`
	MaxRetries             int `mapstructure:"max_retries" yaml:"max_retries"`
	RetryBaseDelayMs       int `mapstructure:"retry_base_delay_ms" yaml:"retry_base_delay_ms"`
	RetentionMinutes       int `mapstructure:"retention_minutes" yaml:"retention_minutes"`
	CleanupIntervalMinutes int `mapstructure:"cleanup_interval_minutes" yaml:"cleanup_interval_minutes"`
	DownloadURLTTLMinutes  int `mapstructure:"download_url_ttl_minutes" yaml:"download_url_ttl_minutes"`
}

// ExperimentsConfig contains listing limits
type ExperimentsConfig struct {
	PageSize    int `mapstructure:"page_size" yaml:"page_size"`
	SearchLimit int `mapstructure:"search_limit" yaml:"search_limit"`
	RecentLimit int `mapstructure:"recent_limit" yaml:"recent_limit"`
}

// SecurityConfig contains security settings
type SecurityConfig struct {
	SessionTTLHours   int    `mapstructure:"session_ttl_hours" yaml:"session_ttl_hours"`
	AllowFileDeletion bool   `mapstructure:"allow_file_deletion" yaml:"allow_file_deletion"`
	AllowedFileTypes  string `mapstructure:"allowed_file_types" yaml:"allowed_file_types"`
}

// ProxyConfig contains upstreams for the pass-through routes
type ProxyConfig struct {
	ELabFTWURL    string `mapstructure:"elabftw_url" yaml:"elabftw_url"`
	OnlyOfficeURL string `mapstructure:"onlyoffice_url" yaml:"onlyoffice_url"`
}

// AdvancedConfig contains advanced/tuning options
type AdvancedConfig struct {
	LogLevel             string `mapstructure:"log_level" yaml:"log_level"`
	Development          bool   `mapstructure:"development" yaml:"development"`
	EnableRequestLogging bool   `mapstructure:"enable_request_logging" yaml:"enable_request_logging"`
	DuckDBThreads        int    `mapstructure:"duckdb_threads" yaml:"duckdb_threads"`
	DuckDBMemoryLimit    string `mapstructure:"duckdb_memory_limit" yaml:"duckdb_memory_limit"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			Port:         8090,
			BindAddress:  "0.0.0.0",
			EnableCORS:   true,
			AllowOrigins: "*",
			ReadTimeout:  30,
			WriteTimeout: 30,
			IdleTimeout:  120,
			BodyLimit:    "2G",
		},
		Storage: StorageConfig{
			Backend:          "local",
			DataDirectory:    "./data",
			UploadsDirectory: "./data/uploads",
			TempDirectory:    "./data/temp",
			DocumentDB:       "./data/synapse.duckdb",
			IdentityDB:       "./data/identity.db",
			Buckets:          []string{"data-files", "plots", "documents"},
			StagingBucket:    "synapse-staging",
		},
		Minio: MinioConfig{
			Endpoint: "localhost:9000",
		},
		S3: S3Config{
			Region: "eu-central-1",
		},
		Upload: UploadConfig{
			ChunkSizeKB:            1024,
			MaxConcurrent:          3,
			MaxRetries:             4,
			RetryBaseDelayMs:       500,
			RetentionMinutes:       60,
			CleanupIntervalMinutes: 5,
			DownloadURLTTLMinutes:  15,
		},
		Experiments: ExperimentsConfig{
			PageSize:    50,
			SearchLimit: 20,
			RecentLimit: 5,
		},
		Security: SecurityConfig{
			SessionTTLHours:   24 * 7,
			AllowFileDeletion: true,
			AllowedFileTypes:  ".csv,.txt,.mpt,.dta,.xlsx,.xls,.z,.pdf,.docx,.doc,.png,.jpg,.jpeg",
		},
		Proxy: ProxyConfig{
			ELabFTWURL:    "http://elabftw:443",
			OnlyOfficeURL: "http://onlyoffice:80",
		},
		Advanced: AdvancedConfig{
			LogLevel:             "info",
			EnableRequestLogging: true,
			DuckDBThreads:        4,
			DuckDBMemoryLimit:    "1GB",
		},
	}
}

// LoadConfig loads configuration from a YAML file. A missing file is created
// with the defaults. Environment variables prefixed with SYNAPSE_ override
// file values (SYNAPSE_SERVER_PORT, SYNAPSE_STORAGE_BACKEND, ...).
func LoadConfig(configPath string) (*AppConfig, error) {
	if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
		if err := DefaultConfig().Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("SYNAPSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, DefaultConfig())

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := &AppConfig{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	config.resolvePaths(filepath.Dir(configPath))
	return config, nil
}

// setDefaults registers every key so AutomaticEnv can override keys absent
// from the file.
func setDefaults(v *viper.Viper, d *AppConfig) {
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.bind_address", d.Server.BindAddress)
	v.SetDefault("server.public_url", d.Server.PublicURL)
	v.SetDefault("server.enable_cors", d.Server.EnableCORS)
	v.SetDefault("server.allow_origins", d.Server.AllowOrigins)
	v.SetDefault("server.read_timeout_seconds", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout_seconds", d.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout_seconds", d.Server.IdleTimeout)
	v.SetDefault("server.body_limit", d.Server.BodyLimit)

	v.SetDefault("storage.backend", d.Storage.Backend)
	v.SetDefault("storage.data_directory", d.Storage.DataDirectory)
	v.SetDefault("storage.uploads_directory", d.Storage.UploadsDirectory)
	v.SetDefault("storage.temp_directory", d.Storage.TempDirectory)
	v.SetDefault("storage.document_db", d.Storage.DocumentDB)
	v.SetDefault("storage.identity_db", d.Storage.IdentityDB)
	v.SetDefault("storage.buckets", d.Storage.Buckets)
	v.SetDefault("storage.staging_bucket", d.Storage.StagingBucket)

	v.SetDefault("minio.endpoint", d.Minio.Endpoint)
	v.SetDefault("minio.access_key", d.Minio.AccessKey)
	v.SetDefault("minio.secret_key", d.Minio.SecretKey)
	v.SetDefault("minio.use_ssl", d.Minio.UseSSL)

	v.SetDefault("s3.region", d.S3.Region)
	v.SetDefault("s3.endpoint", d.S3.Endpoint)
	v.SetDefault("s3.access_key", d.S3.AccessKey)
	v.SetDefault("s3.secret_key", d.S3.SecretKey)
	v.SetDefault("s3.bucket_prefix", d.S3.BucketPrefix)
	v.SetDefault("s3.use_path_style", d.S3.UsePathStyle)

	v.SetDefault("upload.chunk_size_kb", d.Upload.ChunkSizeKB)
	v.SetDefault("upload.max_concurrent", d.Upload.MaxConcurrent)
	v.SetDefault("upload.max_retries", d.Upload.MaxRetries)
	v.SetDefault("upload.retry_base_delay_ms", d.Upload.RetryBaseDelayMs)
	v.SetDefault("upload.retention_minutes", d.Upload.RetentionMinutes)
	v.SetDefault("upload.cleanup_interval_minutes", d.Upload.CleanupIntervalMinutes)
	v.SetDefault("upload.download_url_ttl_minutes", d.Upload.DownloadURLTTLMinutes)

	v.SetDefault("experiments.page_size", d.Experiments.PageSize)
	v.SetDefault("experiments.search_limit", d.Experiments.SearchLimit)
	v.SetDefault("experiments.recent_limit", d.Experiments.RecentLimit)

	v.SetDefault("security.session_ttl_hours", d.Security.SessionTTLHours)
	v.SetDefault("security.allow_file_deletion", d.Security.AllowFileDeletion)
	v.SetDefault("security.allowed_file_types", d.Security.AllowedFileTypes)

	v.SetDefault("proxy.elabftw_url", d.Proxy.ELabFTWURL)
	v.SetDefault("proxy.onlyoffice_url", d.Proxy.OnlyOfficeURL)

	v.SetDefault("advanced.log_level", d.Advanced.LogLevel)
	v.SetDefault("advanced.development", d.Advanced.Development)
	v.SetDefault("advanced.enable_request_logging", d.Advanced.EnableRequestLogging)
	v.SetDefault("advanced.duckdb_threads", d.Advanced.DuckDBThreads)
	v.SetDefault("advanced.duckdb_memory_limit", d.Advanced.DuckDBMemoryLimit)
}

// Save writes the configuration to a YAML file
func (c *AppConfig) Save(configPath string) error {
	output, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# Synapse server configuration\n# This file is auto-generated on first run\n\n")
	content := append(header, output...)

	if dir := filepath.Dir(configPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(configPath, content, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks values that would otherwise fail deep inside a component.
func (c *AppConfig) Validate() error {
	switch c.Storage.Backend {
	case "local", "minio", "s3":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if len(c.Storage.Buckets) == 0 {
		return fmt.Errorf("at least one storage bucket is required")
	}
	if c.Upload.ChunkSizeKB <= 0 {
		return fmt.Errorf("upload.chunk_size_kb must be positive")
	}
	if c.Upload.MaxConcurrent <= 0 {
		return fmt.Errorf("upload.max_concurrent must be positive")
	}
	return nil
}

// resolvePaths converts relative paths to absolute based on config file location
func (c *AppConfig) resolvePaths(configDir string) {
	paths := []*string{
		&c.Storage.DataDirectory,
		&c.Storage.UploadsDirectory,
		&c.Storage.TempDirectory,
		&c.Storage.DocumentDB,
		&c.Storage.IdentityDB,
	}
	for _, p := range paths {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(configDir, *p)
		}
	}
}

// GetServerAddr returns the server bind address
func (c *AppConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.BindAddress, c.Server.Port)
}

// GetPublicURL returns the externally reachable base URL of the API.
func (c *AppConfig) GetPublicURL() string {
	if c.Server.PublicURL != "" {
		return strings.TrimSuffix(c.Server.PublicURL, "/")
	}
	host := c.Server.BindAddress
	if host == "" || host == "0.0.0.0" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%d", host, c.Server.Port)
}

// EnsureDirectories creates all necessary directories
func (c *AppConfig) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDirectory,
		c.Storage.UploadsDirectory,
		c.Storage.TempDirectory,
		filepath.Dir(c.Storage.DocumentDB),
		filepath.Dir(c.Storage.IdentityDB),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
