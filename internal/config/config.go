package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"persons-desktop/internal/database"
)

// EnvPrefix namespaces environment overrides, e.g. PERSONS_API_BASE_URL
const EnvPrefix = "PERSONS"

type Config struct {
	API struct {
		BaseURL string        `mapstructure:"base_url"`
		Token   string        `mapstructure:"token"` // empty: read from the OS keychain
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"api"`

	Poll struct {
		Interval    time.Duration `mapstructure:"interval"`
		MaxFailures int           `mapstructure:"max_failures"` // consecutive failures tolerated
		Timeout     time.Duration `mapstructure:"timeout"`
	} `mapstructure:"poll"`

	Download struct {
		Dir string `mapstructure:"dir"` // CLI export destination
	} `mapstructure:"download"`

	History struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"history"`

	LogLevel string `mapstructure:"log_level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "http://localhost:8000/api/v1")
	v.SetDefault("api.token", "")
	v.SetDefault("api.timeout", 30*time.Second)
	v.SetDefault("poll.interval", 2*time.Second)
	v.SetDefault("poll.max_failures", 3)
	v.SetDefault("poll.timeout", 10*time.Minute)
	v.SetDefault("download.dir", ".")
	v.SetDefault("history.dsn", database.DefaultDSN)
	v.SetDefault("log_level", "info")
}

// Load reads .env files, an optional config.yaml (or configFile when set)
// and PERSONS_* environment variables, in increasing precedence.
func Load(configFile string) (*Config, error) {
	for _, envFile := range []string{".env.local", ".env"} {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("error reading %s: %w", envFile, err)
		}
	}

	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error decoding config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
