// Package config loads and validates localsync configuration.
//
// Values come from, in increasing priority: built-in defaults, a YAML file,
// a .env file in the working directory and LOCALSYNC_* environment
// variables (LOCALSYNC_SYNC_INTERVAL overrides sync.interval).
package config

import (
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	apperrors "github.com/henrycorner-dev/localsync/internal/errors"
	"github.com/henrycorner-dev/localsync/internal/logging"
	"github.com/henrycorner-dev/localsync/internal/models"
	"github.com/henrycorner-dev/localsync/internal/sync/conflict"
	"github.com/henrycorner-dev/localsync/internal/sync/retry"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "LOCALSYNC"

// DefaultFileName is searched for in the working directory when no config
// file is given.
const DefaultFileName = "localsync.yaml"

// Remote kinds.
const (
	RemoteNone   = ""
	RemoteMemory = "memory"
	RemoteS3     = "s3"
	RemoteRedis  = "redis"
	RemoteGCS    = "gcs"
)

// Config holds all localsync configuration.
type Config struct {
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Sync     SyncConfig     `mapstructure:"sync" yaml:"sync"`
	Remote   RemoteConfig   `mapstructure:"remote" yaml:"remote"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
}

// DatabaseConfig locates the local SQLite database.
type DatabaseConfig struct {
	Path string `mapstructure:"path" yaml:"path" validate:"required"`
}

// SyncConfig configures the engine and the scheduler driving it.
type SyncConfig struct {
	Strategy        string        `mapstructure:"strategy" yaml:"strategy" validate:"oneof=last_write_wins field_merge manual"`
	Interval        time.Duration `mapstructure:"interval" yaml:"interval" validate:"gt=0"`
	CycleTimeout    time.Duration `mapstructure:"cycle_timeout" yaml:"cycle_timeout" validate:"gt=0"`
	MaxPushAttempts int           `mapstructure:"max_push_attempts" yaml:"max_push_attempts" validate:"gte=0"` // 0 retries forever
	BackoffBase     time.Duration `mapstructure:"backoff_base" yaml:"backoff_base" validate:"gt=0"`
	BackoffMax      time.Duration `mapstructure:"backoff_max" yaml:"backoff_max" validate:"gtefield=BackoffBase"`
}

// RemoteConfig selects a remote. Only the block named by Kind is validated.
type RemoteConfig struct {
	Kind   string      `mapstructure:"kind" yaml:"kind" validate:"omitempty,oneof=memory s3 redis gcs"`
	Prefix string      `mapstructure:"prefix" yaml:"prefix" validate:"required_with=Kind"`
	S3     S3Config    `mapstructure:"s3" yaml:"s3" validate:"-"`
	Redis  RedisConfig `mapstructure:"redis" yaml:"redis" validate:"-"`
	GCS    GCSConfig   `mapstructure:"gcs" yaml:"gcs" validate:"-"`
}

// S3Config describes an S3-compatible object store.
type S3Config struct {
	Provider  string        `mapstructure:"provider" yaml:"provider" validate:"oneof=aws r2 minio custom"`
	Endpoint  string        `mapstructure:"endpoint" yaml:"endpoint" validate:"required_if=Provider minio,required_if=Provider custom"`
	AccountID string        `mapstructure:"account_id" yaml:"account_id" validate:"required_if=Provider r2"`
	Region    string        `mapstructure:"region" yaml:"region"`
	Bucket    string        `mapstructure:"bucket" yaml:"bucket" validate:"required"`
	AccessKey string        `mapstructure:"access_key" yaml:"access_key" validate:"required"`
	SecretKey string        `mapstructure:"secret_key" yaml:"secret_key" validate:"required"`
	UseSSL    bool          `mapstructure:"use_ssl" yaml:"use_ssl"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"gte=0"`
}

// RedisConfig describes a Redis server.
type RedisConfig struct {
	Addr      string `mapstructure:"addr" yaml:"addr" validate:"required,hostname_port"`
	Username  string `mapstructure:"username" yaml:"username"`
	Password  string `mapstructure:"password" yaml:"password"`
	DB        int    `mapstructure:"db" yaml:"db" validate:"gte=0"`
	BatchSize int    `mapstructure:"batch_size" yaml:"batch_size" validate:"gte=0"`
}

// GCSConfig describes a Cloud Storage bucket.
type GCSConfig struct {
	Bucket          string `mapstructure:"bucket" yaml:"bucket" validate:"required"`
	CredentialsFile string `mapstructure:"credentials_file" yaml:"credentials_file"`
	Endpoint        string `mapstructure:"endpoint" yaml:"endpoint" validate:"omitempty,url"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Format     string `mapstructure:"format" yaml:"format" validate:"oneof=json text"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days" validate:"gte=0"`
}

// Default returns the default configuration. No remote is configured.
func Default() *Config {
	policy := retry.DefaultPolicy()
	return &Config{
		Database: DatabaseConfig{
			Path: filepath.Join("data", "localsync.db"),
		},
		Sync: SyncConfig{
			Strategy:        string(models.StrategyLastWriteWins),
			Interval:        15 * time.Minute,
			CycleTimeout:    5 * time.Minute,
			MaxPushAttempts: policy.MaxAttempts,
			BackoffBase:     policy.Base,
			BackoffMax:      policy.Max,
		},
		Remote: RemoteConfig{
			Kind:   RemoteNone,
			Prefix: "localsync",
			S3: S3Config{
				Provider: "aws",
				Region:   "us-east-1",
				UseSSL:   true,
				Timeout:  30 * time.Second,
			},
			Redis: RedisConfig{
				Addr: "localhost:6379",
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load reads configuration from path. An empty path looks for
// DefaultFileName in the working directory and falls back to defaults when
// it is absent; a path that does not exist is an error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !stderrors.Is(err, fs.ErrNotExist) {
		return nil, apperrors.Wrap(apperrors.ErrConfigInvalid, "failed to read .env", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := setDefaults(v, Default()); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to register defaults", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrConfigInvalid, fmt.Sprintf("failed to read config %s", path), err)
		}
	} else if _, err := os.Stat(DefaultFileName); err == nil {
		v.SetConfigFile(DefaultFileName)
		if err := v.ReadInConfig(); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrConfigInvalid, fmt.Sprintf("failed to read config %s", DefaultFileName), err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfigInvalid, "failed to decode config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key of cfg so that environment overrides
// apply to keys the file does not mention.
func setDefaults(v *viper.Viper, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	var tree map[string]interface{}
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return err
	}
	walkDefaults(v, "", tree)
	return nil
}

func walkDefaults(v *viper.Viper, prefix string, tree map[string]interface{}) {
	for k, val := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := val.(map[string]interface{}); ok {
			walkDefaults(v, key, sub)
			continue
		}
		v.SetDefault(key, val)
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks the configuration and the block of the selected remote.
// The error lists every failing key.
func (c *Config) Validate() error {
	var failed []string
	collect := func(prefix string, err error) error {
		if err == nil {
			return nil
		}
		var verrs validator.ValidationErrors
		if !stderrors.As(err, &verrs) {
			return apperrors.Wrap(apperrors.ErrInternal, "failed to validate config", err)
		}
		for _, fe := range verrs {
			failed = append(failed, fmt.Sprintf("%s (%s)", keyOf(prefix, fe.Namespace()), fe.Tag()))
		}
		return nil
	}

	if err := collect("", validate.Struct(c)); err != nil {
		return err
	}
	var block any
	switch c.Remote.Kind {
	case RemoteS3:
		block = &c.Remote.S3
	case RemoteRedis:
		block = &c.Remote.Redis
	case RemoteGCS:
		block = &c.Remote.GCS
	}
	if block != nil {
		if err := collect("remote."+c.Remote.Kind, validate.Struct(block)); err != nil {
			return err
		}
	}

	if len(failed) > 0 {
		return apperrors.Newf(apperrors.ErrConfigInvalid, "invalid configuration: %s", strings.Join(failed, ", "))
	}
	return nil
}

// keyOf turns a validator namespace such as "Config.sync.interval" into the
// config key "sync.interval".
func keyOf(prefix, namespace string) string {
	_, key, _ := strings.Cut(namespace, ".")
	if prefix != "" {
		key = prefix + "." + key
	}
	return key
}

// Write saves cfg as YAML, creating the directory. The file may hold
// credentials so it is written owner-only.
func Write(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// RetryPolicy returns the push retry and scheduler backoff policy.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.Sync.MaxPushAttempts,
		Base:        c.Sync.BackoffBase,
		Max:         c.Sync.BackoffMax,
	}
}

// Resolver returns the configured conflict resolver.
func (c *Config) Resolver(opts ...conflict.Option) (conflict.Resolver, error) {
	return conflict.NewResolver(models.Strategy(c.Sync.Strategy), opts...)
}

// LoggingOptions returns logger options for the configured output.
func (c *Config) LoggingOptions() logging.Options {
	return logging.Options{
		Level:      logging.ParseLevel(c.Logging.Level),
		Format:     c.Logging.Format,
		File:       c.Logging.File,
		MaxSizeMB:  c.Logging.MaxSizeMB,
		MaxBackups: c.Logging.MaxBackups,
		MaxAgeDays: c.Logging.MaxAgeDays,
	}
}
