package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"
)

// Backend names.
const (
	BackendS3    = "s3"
	BackendMinio = "minio"
	BackendLocal = "local"
)

// Config represents the gobucket configuration.
// Use mapstructure tags for Viper unmarshaling.
type Config struct {
	Backend   string        `mapstructure:"backend"`
	S3        S3Config      `mapstructure:"s3"`
	Minio     MinioConfig   `mapstructure:"minio"`
	Local     LocalConfig   `mapstructure:"local"`
	ChunkSize string        `mapstructure:"chunk_size"`
	History   HistoryConfig `mapstructure:"history"`
	Progress  string        `mapstructure:"progress"`
	LogLevel  string        `mapstructure:"log_level"`
}

// S3Config holds Amazon S3 settings. Credentials come from the default AWS
// chain unless AccessKey is set.
type S3Config struct {
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	PathStyle bool   `mapstructure:"path_style"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

// MinioConfig holds MinIO settings.
type MinioConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Secure    bool   `mapstructure:"secure"`
	Region    string `mapstructure:"region"`
}

// LocalConfig holds settings for the directory backend.
type LocalConfig struct {
	Root string `mapstructure:"root"`
}

// HistoryConfig holds transfer history settings.
type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// SetDefaults registers every key with its default value. Keys must be
// known to viper for environment overrides to reach Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("backend", BackendS3)
	v.SetDefault("s3.region", "")
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.path_style", false)
	v.SetDefault("s3.access_key", "")
	v.SetDefault("s3.secret_key", "")
	v.SetDefault("minio.endpoint", "")
	v.SetDefault("minio.access_key", "")
	v.SetDefault("minio.secret_key", "")
	v.SetDefault("minio.secure", true)
	v.SetDefault("minio.region", "")
	v.SetDefault("local.root", "")
	v.SetDefault("chunk_size", "10MiB")
	v.SetDefault("history.enabled", true)
	v.SetDefault("history.path", "")
	v.SetDefault("progress", "auto")
	v.SetDefault("log_level", "warn")
}

// Init prepares v to read the config file and GOBUCKET_ environment
// variables. An empty file selects the default config path.
func Init(v *viper.Viper, file string) {
	SetDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
	} else if dir, err := Dir(); err == nil {
		v.AddConfigPath(dir)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("GOBUCKET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load reads the config file if there is one and returns the validated
// configuration.
func Load(v *viper.Viper) (*Config, error) {
	if err := Read(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Read loads the config file into v. A missing file is not an error.
func Read(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// Validate checks the values that cannot be checked by decoding alone.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendS3:
	case BackendMinio:
		if c.Minio.Endpoint == "" {
			return errors.New("config: minio.endpoint is required for the minio backend")
		}
	case BackendLocal:
		if c.Local.Root == "" {
			return errors.New("config: local.root is required for the local backend")
		}
	default:
		return fmt.Errorf("config: unknown backend %q", c.Backend)
	}

	if _, err := c.ChunkBytes(); err != nil {
		return err
	}

	switch c.Progress {
	case "auto", "tty", "plain":
	default:
		return fmt.Errorf("config: progress must be auto, tty or plain, got %q", c.Progress)
	}
	return nil
}

// ChunkBytes parses ChunkSize, which is either a byte count or a humanized
// size such as "10MiB".
func (c *Config) ChunkBytes() (int64, error) {
	n, err := humanize.ParseBytes(c.ChunkSize)
	if err != nil {
		return 0, fmt.Errorf("config: invalid chunk_size %q: %w", c.ChunkSize, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("config: chunk_size must be positive")
	}
	return int64(n), nil
}

// HistoryPath returns the journal file, defaulting to the data directory.
func (c *Config) HistoryPath() (string, error) {
	if c.History.Path != "" {
		return c.History.Path, nil
	}
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "history.db"), nil
}
