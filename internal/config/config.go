package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Значення за замовчуванням для життєвого циклу матчу.
const (
	DefaultMilestone       = 10
	DefaultCapacity        = 5
	DefaultMatchDuration   = 24 * time.Hour
	DefaultConflictRetries = 3
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Match    MatchConfig    `mapstructure:"match"`
	Hub      HubConfig      `mapstructure:"hub"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Log      LogConfig      `mapstructure:"log"`
	CORS     CORSConfig     `mapstructure:"cors"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
	Mode string `mapstructure:"mode"` // debug | release
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // postgres | memory
	DSN    string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	Issuer    string        `mapstructure:"issuer"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

// ScoreWeights tunes the compatibility score; the exact formula is policy.
type ScoreWeights struct {
	Interest    int `mapstructure:"interest"`
	Purpose     int `mapstructure:"purpose"`
	Personality int `mapstructure:"personality"`
}

type MatchConfig struct {
	Milestone       int           `mapstructure:"milestone"`
	Capacity        int           `mapstructure:"capacity"`
	Duration        time.Duration `mapstructure:"duration"`
	ConflictRetries int           `mapstructure:"conflict_retries"`
	Weights         ScoreWeights  `mapstructure:"weights"`
}

type HubConfig struct {
	SendBuffer int           `mapstructure:"send_buffer"`
	RateLimit  float64       `mapstructure:"rate_limit"`
	RateBurst  int           `mapstructure:"rate_burst"`
	AckTimeout time.Duration `mapstructure:"ack_timeout"`
}

type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"` // порожній токен вимикає сповіщення
	Lang     string `mapstructure:"lang"`
}

type LogConfig struct {
	File string `mapstructure:"file"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// DefaultMatchConfig повертає налаштування матчів, що відповідають початковій логіці.
func DefaultMatchConfig() MatchConfig {
	return MatchConfig{
		Milestone:       DefaultMilestone,
		Capacity:        DefaultCapacity,
		Duration:        DefaultMatchDuration,
		ConflictRetries: DefaultConflictRetries,
		Weights:         ScoreWeights{Interest: 10, Purpose: 20, Personality: 15},
	}
}

func setDefaults(v *viper.Viper) {
	m := DefaultMatchConfig()
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.mode", "release")
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.dsn", "host=localhost user=user password=password dbname=driftchat port=5432 sslmode=disable")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("auth.issuer", "driftchat-service")
	v.SetDefault("auth.token_ttl", 72*time.Hour)
	v.SetDefault("match.milestone", m.Milestone)
	v.SetDefault("match.capacity", m.Capacity)
	v.SetDefault("match.duration", m.Duration)
	v.SetDefault("match.conflict_retries", m.ConflictRetries)
	v.SetDefault("match.weights.interest", m.Weights.Interest)
	v.SetDefault("match.weights.purpose", m.Weights.Purpose)
	v.SetDefault("match.weights.personality", m.Weights.Personality)
	v.SetDefault("hub.send_buffer", 256)
	v.SetDefault("hub.rate_limit", 30.0)
	v.SetDefault("hub.rate_burst", 50)
	v.SetDefault("hub.ack_timeout", 10*time.Second)
	v.SetDefault("telegram.lang", "uk")
	v.SetDefault("log.file", "logs/driftchat.log")
	v.SetDefault("cors.allowed_origins", []string{"*"})
}

// Load reads config.yaml from path (if present) and overlays DRIFTCHAT_* environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvPrefix("DRIFTCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.BindEnv("database.dsn", "DATABASE_DSN")
	v.BindEnv("auth.jwt_secret", "JWT_SECRET")
	v.BindEnv("redis.addr", "REDIS_ADDR")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("telegram.bot_token", "TELEGRAM_BOT_TOKEN")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
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

// Validate rejects settings the lifecycle engine cannot run with.
func (c *Config) Validate() error {
	if err := c.Match.Validate(); err != nil {
		return err
	}
	switch c.Database.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("config: unknown database driver %q", c.Database.Driver)
	}
	if c.Hub.SendBuffer < 1 {
		return errors.New("config: hub.send_buffer must be positive")
	}
	if c.Hub.AckTimeout <= 0 {
		return errors.New("config: hub.ack_timeout must be positive")
	}
	if c.Auth.JWTSecret == "" && c.Server.Mode != "debug" {
		return errors.New("config: auth.jwt_secret is required outside debug mode")
	}
	return nil
}

func (m MatchConfig) Validate() error {
	switch {
	case m.Milestone < 1:
		return errors.New("config: match.milestone must be at least 1")
	case m.Capacity < 1:
		return errors.New("config: match.capacity must be at least 1")
	case m.Duration <= 0:
		return errors.New("config: match.duration must be positive")
	case m.ConflictRetries < 1:
		return errors.New("config: match.conflict_retries must be at least 1")
	}
	return nil
}

// IsDebug reports whether development-only routes may be exposed.
func (c *Config) IsDebug() bool { return c.Server.Mode == "debug" }
