package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode         string        `mapstructure:"mode"`
	Port         int           `mapstructure:"port"`
	StaticPath   string        `mapstructure:"static_path"`
	ReadLimit    int64         `mapstructure:"read_limit"`
	PingPeriod   time.Duration `mapstructure:"ping_period"`
	PongWait     time.Duration `mapstructure:"pong_wait"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	SendBuffer   int           `mapstructure:"send_buffer"`
	Secret       string        `mapstructure:"secret"`

	Log        LogConfig        `mapstructure:"log"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Media      MediaConfig      `mapstructure:"media"`
	Rooms      RoomsConfig      `mapstructure:"rooms"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
	Store      StoreConfig      `mapstructure:"store"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// AuthConfig enables bearer tokens when JWTSecret is set. Without it every
// connection is a cookie-identified guest.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
	Audience  string `mapstructure:"audience"`
}

type MediaConfig struct {
	Workers      int            `mapstructure:"workers"`
	RTCMinPort   uint16         `mapstructure:"rtc_min_port"`
	RTCMaxPort   uint16         `mapstructure:"rtc_max_port"`
	AnnouncedIPs []string       `mapstructure:"announced_ips"`
	ICEServers   []string       `mapstructure:"ice_servers"`
	Observer     ObserverConfig `mapstructure:"observer"`
}

type ObserverConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	Threshold  int           `mapstructure:"threshold"`
	MaxEntries int           `mapstructure:"max_entries"`
}

type RoomsConfig struct {
	DefaultCapacity int `mapstructure:"default_capacity"`
	MaxCapacity     int `mapstructure:"max_capacity"`
}

type ReconcilerConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	Grace       time.Duration `mapstructure:"grace"`
	Concurrency int           `mapstructure:"concurrency"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type CacheConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Channel string `mapstructure:"channel"`
}

type KafkaConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	Brokers   []string `mapstructure:"brokers"`
	Topic     string   `mapstructure:"topic"`
	QueueSize int      `mapstructure:"queue_size"`
	Workers   int      `mapstructure:"workers"`
	RetryMax  int      `mapstructure:"retry_max"`
}

const envPrefix = "PARLEY"

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("pong_wait", "60s")
	v.SetDefault("write_timeout", "5s")
	v.SetDefault("send_buffer", 64)
	v.SetDefault("secret", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.audience", "")

	v.SetDefault("media.workers", runtime.NumCPU())
	v.SetDefault("media.rtc_min_port", 40000)
	v.SetDefault("media.rtc_max_port", 49999)
	v.SetDefault("media.announced_ips", []string{})
	v.SetDefault("media.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("media.observer.interval", "800ms")
	v.SetDefault("media.observer.threshold", -70)
	v.SetDefault("media.observer.max_entries", 1)

	v.SetDefault("rooms.default_capacity", 12)
	v.SetDefault("rooms.max_capacity", 12)

	v.SetDefault("reconciler.interval", "30s")
	v.SetDefault("reconciler.grace", "2m")
	v.SetDefault("reconciler.concurrency", 4)

	v.SetDefault("store.driver", "memory")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "parley:")

	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.channel", "room_invalidations")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "room_events")
	v.SetDefault("kafka.queue_size", 1024)
	v.SetDefault("kafka.workers", 2)
	v.SetDefault("kafka.retry_max", 3)
}

// Load reads config/config.<CONFIG_ENV>.yaml, dev by default. A missing
// file is not an error.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

// LoadFile reads one yaml file over the defaults. PARLEY_ environment
// variables win over both, e.g. PARLEY_REDIS_ADDR for redis.addr.
func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", fileName, err)
		}
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("store", cfg.Store.Driver).Msg("config ready")
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	if c.UsesRedis() && c.Redis.Addr == "" {
		return errors.New("redis.addr is required by the redis store and cache")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return errors.New("kafka.enabled needs kafka.brokers")
	}
	if c.Media.RTCMinPort > c.Media.RTCMaxPort {
		return fmt.Errorf("media.rtc_min_port %d above rtc_max_port %d", c.Media.RTCMinPort, c.Media.RTCMaxPort)
	}
	if c.Media.Workers <= 0 {
		c.Media.Workers = runtime.NumCPU()
	}
	if c.Rooms.MaxCapacity > 0 && c.Rooms.DefaultCapacity > c.Rooms.MaxCapacity {
		c.Rooms.DefaultCapacity = c.Rooms.MaxCapacity
	}
	return nil
}

// UsesRedis reports whether any component needs a Redis client.
func (c *Config) UsesRedis() bool {
	return c.Store.Driver == "redis" || c.Cache.Enabled
}
