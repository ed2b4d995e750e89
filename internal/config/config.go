package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App    AppConfig    `mapstructure:"app"`
	Server ServerConfig `mapstructure:"server"`
	Log    LogConfig    `mapstructure:"log"`
	Store  StoreConfig  `mapstructure:"store"`
	DB     DBConfig     `mapstructure:"db"`
	Market MarketConfig `mapstructure:"market"`
	Sweep  SweepConfig  `mapstructure:"sweep"`
	Notify NotifyConfig `mapstructure:"notify"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
}

type ServerConfig struct {
	HTTPAddr        string        `mapstructure:"http_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// StoreConfig selects the backing store: "postgres" or "memory".
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	Seed   bool   `mapstructure:"seed"`
}

type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LockTimeout     time.Duration `mapstructure:"lock_timeout"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

type MarketConfig struct {
	AutoBidIncrement string        `mapstructure:"auto_bid_increment"`
	MaxRetries       int           `mapstructure:"max_retries"`
	RetryBackoff     time.Duration `mapstructure:"retry_backoff"`
	MinDuration      time.Duration `mapstructure:"min_duration"`
	MaxDuration      time.Duration `mapstructure:"max_duration"`
}

type SweepConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Schedule  string `mapstructure:"schedule"`
	BatchSize int    `mapstructure:"batch_size"`
}

// NotifyConfig selects the post-settlement event sink: "log" or "kafka".
type NotifyConfig struct {
	Driver       string        `mapstructure:"driver"`
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Load reads the yaml file at path (unless envOnly) layered under MKT_* env vars.
func Load(path string, envOnly bool) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MKT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetDefault("app.env", "dev")
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("log.level", "info")
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.seed", false)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_open_conns", 20)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("db.conn_max_lifetime", "30m")
	v.SetDefault("db.conn_max_idle_time", "5m")
	v.SetDefault("db.lock_timeout", "3s")
	v.SetDefault("db.auto_migrate", true)
	v.SetDefault("market.auto_bid_increment", "1.00")
	v.SetDefault("market.max_retries", 3)
	v.SetDefault("market.retry_backoff", "50ms")
	v.SetDefault("market.min_duration", "1m")
	v.SetDefault("market.max_duration", "168h")
	v.SetDefault("sweep.enabled", true)
	v.SetDefault("sweep.schedule", "@every 5s")
	v.SetDefault("sweep.batch_size", 100)
	v.SetDefault("notify.driver", "log")
	v.SetDefault("notify.brokers", []string{"localhost:9092"})
	v.SetDefault("notify.topic", "market.events")
	v.SetDefault("notify.write_timeout", "2s")

	if !envOnly {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}
