package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/cesargomez89/capsulecache/internal/constants"
)

// ByteSize is a size in bytes that decodes from strings such as "10GiB" or "500MB".
type ByteSize int64

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// ParseByteSize accepts humanized sizes and plain byte counts.
func ParseByteSize(s string) (ByteSize, error) {
	n, err := humanize.ParseBytes(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return ByteSize(n), nil
}

// Config holds all application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Transfer TransferConfig `mapstructure:"transfer"`
	S3       S3Config       `mapstructure:"s3"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

type ServerConfig struct {
	Port string `mapstructure:"port" validate:"required"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

type CacheConfig struct {
	Dir            string   `mapstructure:"dir" validate:"required"`
	PathTemplate   string   `mapstructure:"path_template" validate:"required"`
	MaxSize        ByteSize `mapstructure:"max_size" validate:"gt=0"`
	CandidateLimit int      `mapstructure:"candidate_limit" validate:"gte=0"`
	AutoPurge      bool     `mapstructure:"auto_purge"`
}

type QueueConfig struct {
	Concurrency  int           `mapstructure:"concurrency" validate:"gte=1,lte=64"`
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	PollLimit    int           `mapstructure:"poll_limit" validate:"gte=1"`
	MaxRetries   int           `mapstructure:"max_retries" validate:"gte=0,lte=20"`
}

type TransferConfig struct {
	ChunkSize ByteSize      `mapstructure:"chunk_size" validate:"gt=0"`
	Timeout   time.Duration `mapstructure:"timeout" validate:"gte=0"`
	Proxy     string        `mapstructure:"proxy"`
}

type S3Config struct {
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
}

type LoggingConfig struct {
	Level    string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format   string `mapstructure:"format" validate:"oneof=text json"`
	File     string `mapstructure:"file"`
	Compress bool   `mapstructure:"compress"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Load reads configuration from the optional file at path, then from
// CAPSULECACHE_* environment variables, falling back to defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(constants.DefaultEnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Cache.Dir = expandHome(cfg.Cache.Dir)
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	home, _ := os.UserHomeDir()

	v.SetDefault("server.port", constants.DefaultPort)
	v.SetDefault("database.path", constants.DefaultDBPath)
	v.SetDefault("cache.dir", filepath.Join(home, constants.DefaultCacheDirName))
	v.SetDefault("cache.path_template", constants.DefaultPathTemplate)
	v.SetDefault("cache.max_size", constants.DefaultMaxCacheSize)
	v.SetDefault("cache.candidate_limit", constants.DefaultCandidateLimit)
	v.SetDefault("cache.auto_purge", true)
	v.SetDefault("queue.concurrency", constants.DefaultConcurrency)
	v.SetDefault("queue.poll_interval", constants.DefaultPollInterval.String())
	v.SetDefault("queue.poll_limit", constants.DefaultPollLimit)
	v.SetDefault("queue.max_retries", constants.DefaultMaxRetries)
	v.SetDefault("transfer.chunk_size", strconv.Itoa(constants.ChunkSize))
	v.SetDefault("transfer.timeout", constants.DefaultHTTPTimeout.String())
	v.SetDefault("transfer.proxy", "")
	v.SetDefault("s3.region", "")
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.access_key_id", "")
	v.SetDefault("s3.secret_access_key", "")
	v.SetDefault("s3.force_path_style", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.compress", false)
	v.SetDefault("metrics.enabled", true)
}

// Validate validates the configuration and returns detailed errors
func (c *Config) Validate() error {
	var errs []string

	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, fmt.Sprintf("%s failed %q check (value: %v)", fieldKey(fe.Namespace()), fe.Tag(), fe.Value()))
			}
		} else {
			errs = append(errs, err.Error())
		}
	}

	// Validate Port
	if c.Server.Port != "" {
		port, err := strconv.Atoi(c.Server.Port)
		if err != nil {
			errs = append(errs, fmt.Sprintf("server.port must be a valid number, got: %s", c.Server.Port))
		} else if port < 1 || port > 65535 {
			errs = append(errs, fmt.Sprintf("server.port must be between 1 and 65535, got: %d", port))
		}
	}

	// Validate PathTemplate
	if c.Cache.PathTemplate != "" {
		if _, err := template.New("layout").Parse(c.Cache.PathTemplate); err != nil {
			errs = append(errs, fmt.Sprintf("cache.path_template is not a valid template: %v", err))
		}
	}

	// Validate Proxy
	if c.Transfer.Proxy != "" {
		u, err := url.Parse(c.Transfer.Proxy)
		if err != nil || u.Host == "" {
			errs = append(errs, fmt.Sprintf("transfer.proxy is not a valid URL: %s", c.Transfer.Proxy))
		} else if u.Scheme != "socks5" && u.Scheme != "http" && u.Scheme != "https" {
			errs = append(errs, fmt.Sprintf("transfer.proxy scheme must be socks5, http or https, got: %s", u.Scheme))
		}
	}

	// Validate S3 endpoint
	if c.S3.Endpoint != "" {
		if _, err := url.ParseRequestURI(c.S3.Endpoint); err != nil {
			errs = append(errs, fmt.Sprintf("s3.endpoint is not a valid URL: %s", c.S3.Endpoint))
		}
	}
	if (c.S3.AccessKeyID == "") != (c.S3.SecretAccessKey == "") {
		errs = append(errs, "s3.access_key_id and s3.secret_access_key must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// fieldKey turns "Config.Queue.PollInterval" into "Queue.PollInterval".
func fieldKey(namespace string) string {
	return strings.TrimPrefix(namespace, "Config.")
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		mapstructure.StringToTimeDurationHookFunc(),
	)
}

// byteSizeDecodeHook converts strings and numbers into ByteSize.
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(ByteSize(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return ParseByteSize(v)
		case int:
			return ByteSize(v), nil
		case int64:
			return ByteSize(v), nil
		case uint64:
			return ByteSize(v), nil
		case float64:
			return ByteSize(v), nil
		default:
			return data, nil
		}
	}
}
