package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	Log        LogConfig     `mapstructure:"log"`
	Client     ClientConfig  `mapstructure:"client"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Pretty      bool   `mapstructure:"pretty"`
	SampleEvery int    `mapstructure:"sample_every"`
}

// ClientConfig tunes the session core embedded in a host application.
type ClientConfig struct {
	BackendURL     string        `mapstructure:"backend_url"`
	SocketURL      string        `mapstructure:"socket_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	CheckTimeout   time.Duration `mapstructure:"check_timeout"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`

	ReconnectInitial time.Duration `mapstructure:"reconnect_initial"`
	ReconnectMax     time.Duration `mapstructure:"reconnect_max"`

	SendBuffer int     `mapstructure:"send_buffer"`
	SendRate   float64 `mapstructure:"send_rate"`
	SendBurst  int     `mapstructure:"send_burst"`

	MinDistanceMeters float64       `mapstructure:"min_distance_meters"`
	MinInterval       time.Duration `mapstructure:"min_interval"`
	MaxInterval       time.Duration `mapstructure:"max_interval"`

	PositionTTL time.Duration `mapstructure:"position_ttl"`
	ExpirySweep time.Duration `mapstructure:"expiry_sweep"`
	HistoryPage int           `mapstructure:"history_page"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "dev-secret-change-me")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("log.sample_every", 0)

	v.SetDefault("client.backend_url", "http://localhost:8080/api")
	v.SetDefault("client.socket_url", "ws://localhost:8080/api/ws")
	v.SetDefault("client.request_timeout", "10s")
	v.SetDefault("client.check_timeout", "5s")
	v.SetDefault("client.dial_timeout", "10s")
	v.SetDefault("client.reconnect_initial", "500ms")
	v.SetDefault("client.reconnect_max", "30s")
	v.SetDefault("client.send_buffer", 32)
	v.SetDefault("client.send_rate", 10)
	v.SetDefault("client.send_burst", 20)
	v.SetDefault("client.min_distance_meters", 10)
	v.SetDefault("client.min_interval", "2s")
	v.SetDefault("client.max_interval", "30s")
	v.SetDefault("client.position_ttl", "0s")
	v.SetDefault("client.expiry_sweep", "5s")
	v.SetDefault("client.history_page", 50)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("RESCUE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Default returns the built-in configuration, for embedders without files.
func Default() *Config {
	var cfg Config
	if err := newViper().Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config defaults: %v", err))
	}
	return &cfg
}

func Load() (*Config, error) {
	v := newViper()

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)
	v.SetConfigFile(fileName)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config %s: %w", fileName, err)
		}
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("config loaded")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Msg("config ready")
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.Client.SendRate < 0 {
		return errors.New("client.send_rate must not be negative")
	}
	if c.Client.PositionTTL < 0 {
		return errors.New("client.position_ttl must not be negative")
	}
	return nil
}
