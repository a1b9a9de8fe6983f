// Package config loads and validates gateway configuration from files,
// environment variables, and CLI flags.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/capsulefs/capsule/database"
	capsulehttp "github.com/capsulefs/capsule/http"
)

// configKey is the context key for storing the loaded configuration.
type configKey struct{}

// WithContext returns a new context with the config stored.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configKey{}, cfg)
}

// FromContext retrieves the config from context.
func FromContext(ctx context.Context) (*Config, error) {
	cfg, ok := ctx.Value(configKey{}).(*Config)
	if !ok || cfg == nil {
		return nil, errors.New("config not found in context")
	}
	return cfg, nil
}

// Config is the root configuration struct.
type Config struct {
	Server   ServerConfig           `mapstructure:"server"`
	Database database.Config        `mapstructure:"database"`
	Storage  StorageConfig          `mapstructure:"storage"`
	Auth     AuthConfig             `mapstructure:"auth"`
	Cleanup  CleanupConfig          `mapstructure:"cleanup"`
	Webhook  WebhookConfig          `mapstructure:"webhook"`
	CORS     capsulehttp.CORSConfig `mapstructure:"cors"`
	Log      LogConfig              `mapstructure:"log"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port          int   `mapstructure:"port" validate:"required,min=1,max=65535"`
	MaxUploadSize int64 `mapstructure:"max_upload_size" validate:"min=0"`
}

// StorageConfig holds byte storage configuration.
type StorageConfig struct {
	// SpoolPath stages multipart parts until assembly.
	SpoolPath string `mapstructure:"spool_path" validate:"required"`
}

// AuthConfig holds management-API authentication configuration.
type AuthConfig struct {
	// JWTSecret may be empty at load time so `capsule init` can run
	// before a config exists; serve refuses to start without it.
	JWTSecret string        `mapstructure:"jwt_secret" validate:"omitempty,min=16"`
	TokenTTL  time.Duration `mapstructure:"token_ttl" validate:"min=1m"`
}

// CleanupConfig controls the abandoned-upload sweep.
type CleanupConfig struct {
	Interval time.Duration `mapstructure:"interval" validate:"min=1m"`
	MaxAge   time.Duration `mapstructure:"max_age" validate:"min=1m"`
}

// WebhookConfig controls event notification delivery.
type WebhookConfig struct {
	MaxRetries uint64 `mapstructure:"max_retries" validate:"max=20"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
}

// flagToViperKey maps CLI flag names to viper configuration keys.
var flagToViperKey = map[string]string{
	"db-type":    "database.type",
	"db-dsn":     "database.dsn",
	"spool-path": "storage.spool_path",
	"port":       "server.port",
	"jwt-secret": "auth.jwt_secret",
}

// bindFlags binds CLI flags to viper keys with custom name mapping.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) {
	flags.VisitAll(func(f *pflag.Flag) {
		viperKey := f.Name
		if mapped, ok := flagToViperKey[viperKey]; ok {
			viperKey = mapped
		}

		// Only bind if the flag was explicitly set
		if f.Changed {
			_ = v.BindPFlag(viperKey, f)
		}
	})
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 5801)
	v.SetDefault("server.max_upload_size", 0) // 0 means no limit

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.dsn", "capsule.db")

	v.SetDefault("storage.spool_path", "./spool")

	v.SetDefault("auth.token_ttl", "24h")

	v.SetDefault("cleanup.interval", "1h")
	v.SetDefault("cleanup.max_age", "24h")

	v.SetDefault("webhook.max_retries", 5)

	v.SetDefault("log.level", "info")
}

// Load reads configuration and returns a validated Config.
// Order of precedence (highest to lowest): flags > env > config files > defaults.
func Load(configFiles []string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if len(configFiles) > 0 {
		v.SetConfigFile(configFiles[0])
		if err := v.ReadInConfig(); err != nil {
			slog.Warn("error reading config file", "file", configFiles[0], "err", err)
		}

		for _, cf := range configFiles[1:] {
			v.SetConfigFile(cf)
			if err := v.MergeInConfig(); err != nil {
				slog.Warn("error merging config file", "file", cf, "err", err)
			}
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")

		if err := v.ReadInConfig(); err != nil {
			var configNotFound viper.ConfigFileNotFoundError
			if !errors.As(err, &configNotFound) {
				slog.Warn("error reading config file", "err", err)
			}
		}
	}

	v.SetEnvPrefix("CAPSULE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		bindFlags(v, flags)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	validate := validator.New()
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}
