// Package config loads the server configuration from defaults, an optional
// YAML file and MOLPADRIVE_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/molpadia/molpadrive/internal/logging"
	"github.com/spf13/viper"
)

type Config struct {
	Addr     string         `mapstructure:"addr"`
	CertFile string         `mapstructure:"cert_file"`
	KeyFile  string         `mapstructure:"key_file"`
	Logging  logging.Config `mapstructure:"logging"`
	AWS      AWSConfig      `mapstructure:"aws"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Upload   UploadConfig   `mapstructure:"upload"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	GC       GCConfig       `mapstructure:"gc"`
	// Dev keeps sessions, profiles and objects in memory.
	Dev bool `mapstructure:"dev"`
}

type AWSConfig struct {
	Region        string `mapstructure:"region"`
	Endpoint      string `mapstructure:"endpoint"`
	Bucket        string `mapstructure:"bucket"`
	SessionsTable string `mapstructure:"sessions_table"`
	ProfilesTable string `mapstructure:"profiles_table"`
	StatusIndex   string `mapstructure:"status_index"`
	PathStyle     bool   `mapstructure:"path_style"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type UploadConfig struct {
	GrantTTL time.Duration `mapstructure:"grant_ttl"`
	// DefaultStorageLimit seeds profiles created in dev mode.
	DefaultStorageLimit int64 `mapstructure:"default_storage_limit"`
}

type GatewayConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	MaxChunkSize   int64    `mapstructure:"max_chunk_size"`
	MaxUploadSize  int64    `mapstructure:"max_upload_size"`
}

type GCConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	MaxAge   time.Duration `mapstructure:"max_age"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("addr", ":4443")
	v.SetDefault("cert_file", "")
	v.SetDefault("key_file", "")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("aws.region", "us-east-1")
	v.SetDefault("aws.endpoint", "")
	v.SetDefault("aws.bucket", "")
	v.SetDefault("aws.sessions_table", "upload_sessions")
	v.SetDefault("aws.profiles_table", "profiles")
	v.SetDefault("aws.status_index", "status-created_at-index")
	v.SetDefault("aws.path_style", false)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("upload.grant_ttl", time.Hour)
	v.SetDefault("upload.default_storage_limit", int64(5<<30))
	v.SetDefault("gateway.allowed_origins", []string{})
	v.SetDefault("gateway.max_chunk_size", int64(64<<20))
	v.SetDefault("gateway.max_upload_size", int64(50<<30))
	v.SetDefault("gc.interval", time.Hour)
	v.SetDefault("gc.max_age", 24*time.Hour)
	v.SetDefault("dev", false)
}

// Load reads the configuration of the server. An empty or missing path uses
// defaults and the environment only.
func Load(path string) (*Config, error) {
	cfg, err := load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// LoadJobs reads the configuration of the maintenance jobs, which need the
// stores but no token secret.
func LoadJobs(path string) (*Config, error) {
	cfg, err := load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.validateStores(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MOLPADRIVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate checks settings that have no usable default.
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret must be set")
	}
	if c.Upload.GrantTTL <= 0 {
		return errors.New("upload.grant_ttl must be positive")
	}
	return c.validateStores()
}

func (c *Config) validateStores() error {
	if c.GC.MaxAge <= 0 {
		return errors.New("gc.max_age must be positive")
	}
	if c.Dev {
		return nil
	}
	if c.AWS.Bucket == "" {
		return errors.New("aws.bucket must be set")
	}
	if c.AWS.SessionsTable == "" || c.AWS.ProfilesTable == "" {
		return errors.New("aws.sessions_table and aws.profiles_table must be set")
	}
	return nil
}
