package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type PostgresConfig struct {
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	SSLMode  string `mapstructure:"sslmode"`
}

type MQTTConfig struct {
	Enabled              bool          `mapstructure:"enabled"`
	BrokerURL            string        `mapstructure:"broker_url"`
	ClientID             string        `mapstructure:"client_id"`
	TopicPrefix          string        `mapstructure:"topic_prefix"`
	KeepAlive            time.Duration `mapstructure:"keep_alive"`
	PingTimeout          time.Duration `mapstructure:"ping_timeout"`
	ConnectTimeout       time.Duration `mapstructure:"connect_timeout"`
	ConnectRetryInterval time.Duration `mapstructure:"connect_retry_interval"`
	TLSInsecure          bool          `mapstructure:"tls_insecure"`
}

type CacheConfig struct {
	TTL          time.Duration `mapstructure:"ttl"`
	PerDeviceCap int           `mapstructure:"per_device_cap"`
}

type FetchConfig struct {
	ColdStartPerDevice int `mapstructure:"cold_start_per_device"`
	MaxTotal           int `mapstructure:"max_total"`
}

type HistoryConfig struct {
	DefaultWindowHours int           `mapstructure:"default_window_hours"`
	MaxWindowHours     int           `mapstructure:"max_window_hours"`
	Cooldown           time.Duration `mapstructure:"cooldown"`
}

type Config struct {
	ListenAddr       string         `mapstructure:"listen_addr"`
	LogLevel         string         `mapstructure:"log_level"`
	JWTPublicKeyPath string         `mapstructure:"jwt_public_key_path"`
	DeviceKeysPath   string         `mapstructure:"device_keys_path"`
	DefaultSleepSecs int            `mapstructure:"default_sleep_secs"`
	Postgres         PostgresConfig `mapstructure:"postgres"`
	MQTT             MQTTConfig     `mapstructure:"mqtt"`
	Cache            CacheConfig    `mapstructure:"cache"`
	Fetch            FetchConfig    `mapstructure:"fetch"`
	History          HistoryConfig  `mapstructure:"history"`
}

// Load reads the server config. configPath may be empty, in which case only
// defaults and PLANTSENSE_* environment variables apply. The cache TTL and
// history cooldown are tuned for the upstream store's read quota and are
// deliberately configuration, not constants.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PLANTSENSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen_addr", ":8094")
	v.SetDefault("log_level", "info")
	v.SetDefault("device_keys_path", "./device_keys.json")
	v.SetDefault("default_sleep_secs", 60)
	v.SetDefault("postgres.user", "postgres")
	v.SetDefault("postgres.password", "postgres")
	v.SetDefault("postgres.dbname", "plantsense")
	v.SetDefault("postgres.host", "postgres")
	v.SetDefault("postgres.port", "5432")
	v.SetDefault("postgres.sslmode", "disable")
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.client_id", "plantsense-server")
	v.SetDefault("mqtt.topic_prefix", "plantsense/device/state/")
	v.SetDefault("mqtt.keep_alive", 30*time.Second)
	v.SetDefault("mqtt.ping_timeout", 10*time.Second)
	v.SetDefault("mqtt.connect_timeout", 15*time.Second)
	v.SetDefault("mqtt.connect_retry_interval", 2*time.Second)
	v.SetDefault("mqtt.tls_insecure", false)
	v.SetDefault("cache.ttl", 5*time.Minute)
	v.SetDefault("cache.per_device_cap", 200)
	v.SetDefault("fetch.cold_start_per_device", 120)
	v.SetDefault("fetch.max_total", 1000)
	v.SetDefault("history.default_window_hours", 168)
	v.SetDefault("history.max_window_hours", 336)
	v.SetDefault("history.cooldown", time.Hour)

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}
