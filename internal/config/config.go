package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port          string   `mapstructure:"PORT"`
	Env           string   `mapstructure:"ENV"`
	DatabaseURL   string   `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32    `mapstructure:"DB_MIN_CONNS"`
	DefaultTenant string   `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins   []string `mapstructure:"CORS_ORIGINS"`

	// Local storage root for chunk payloads and assembled artifacts.
	DataDir string `mapstructure:"DATA_DIR"`

	// Object-store settings. The group is only required when a session is
	// created with the "s3" backend; validation happens in objectstore.Config
	// so a misconfigured bucket fails before any network call.
	S3Endpoint        string `mapstructure:"S3_ENDPOINT"`
	S3Region          string `mapstructure:"S3_REGION"`
	S3AccessKeyID     string `mapstructure:"S3_ACCESS_KEY_ID"`
	S3SecretAccessKey string `mapstructure:"S3_SECRET_ACCESS_KEY"`
	S3BucketName      string `mapstructure:"S3_BUCKET_NAME"`
	S3UsePathStyle    bool   `mapstructure:"S3_USE_PATH_STYLE"`
	S3VerifyOnCommit  bool   `mapstructure:"S3_VERIFY_ON_COMMIT"`

	// Pre-signed URL lifetime in seconds (upload and download).
	PresignTTLSeconds int `mapstructure:"PRESIGN_TTL_SECONDS"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`

	// BodyLimit applies to JSON endpoints, ChunkBodyLimit to the multipart
	// chunk-upload endpoint.
	BodyLimit      string `mapstructure:"BODY_LIMIT"`
	ChunkBodyLimit string `mapstructure:"CHUNK_BODY_LIMIT"`

	TLSEnabled  bool   `mapstructure:"TLS_ENABLED"`
	TLSCertFile string `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile  string `mapstructure:"TLS_KEY_FILE"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("DATA_DIR", "./data")
	v.SetDefault("PRESIGN_TTL_SECONDS", 300)
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("CHUNK_BODY_LIMIT", "25M")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("DEFAULT_TENANT")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("DATA_DIR")
	v.BindEnv("S3_ENDPOINT")
	v.BindEnv("S3_REGION")
	v.BindEnv("S3_ACCESS_KEY_ID")
	v.BindEnv("S3_SECRET_ACCESS_KEY")
	v.BindEnv("S3_BUCKET_NAME")
	v.BindEnv("S3_USE_PATH_STYLE")
	v.BindEnv("S3_VERIFY_ON_COMMIT")
	v.BindEnv("PRESIGN_TTL_SECONDS")
	v.BindEnv("RATE_LIMIT_RPS")
	v.BindEnv("RATE_LIMIT_BURST")
	v.BindEnv("BODY_LIMIT")
	v.BindEnv("CHUNK_BODY_LIMIT")
	v.BindEnv("TLS_ENABLED")
	v.BindEnv("TLS_CERT_FILE")
	v.BindEnv("TLS_KEY_FILE")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// PresignTTL returns the pre-signed URL lifetime as a duration.
func (c *Config) PresignTTL() time.Duration {
	if c.PresignTTLSeconds <= 0 {
		return 300 * time.Second
	}
	return time.Duration(c.PresignTTLSeconds) * time.Second
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("DATA_DIR must not be empty")
	}
	if c.PresignTTLSeconds < 0 {
		return fmt.Errorf("PRESIGN_TTL_SECONDS must not be negative, got %d", c.PresignTTLSeconds)
	}

	// TLS validation: when TLS is enabled, cert and key files must be specified.
	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	return nil
}
