package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server ServerConfig
	DB     DatabaseConfig
	Redis  RedisConfig
	JWT    JWTConfig
	Log    LogConfig
	Chat   ChatConfig
	Client ClientConfig
}

// ServerConfig contains HTTP listener settings
type ServerConfig struct {
	Addr string
}

// DatabaseConfig contains the Postgres DSN and pool sizing
type DatabaseConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	Addr string
}

type JWTConfig struct {
	Secret string
	TTL    time.Duration
}

type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, text
}

// ChatConfig tunes the server send limiter and the client sync timings.
type ChatConfig struct {
	SendRatePerMinute int
	SendBurst         int
	ReadDelay         time.Duration
	PendingTimeout    time.Duration
	RefreshInterval   time.Duration
}

// ClientConfig is used by the CLI and load tester to reach a server.
type ClientConfig struct {
	APIURL  string
	PushURL string
}

var ErrMissingDSN = errors.New("DB_DSN is not set")
var ErrMissingJWTSecret = errors.New("JWT_SECRET is not set")

func setDefaults(v *viper.Viper) {
	v.SetDefault("ADDR", ":8080")
	v.SetDefault("DB_MAX_OPEN_CONNS", 25)
	v.SetDefault("DB_MAX_IDLE_CONNS", 25)
	v.SetDefault("DB_CONN_MAX_LIFETIME", 5*time.Minute)
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("JWT_TTL", 24*time.Hour)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")
	v.SetDefault("SEND_RATE_PER_MINUTE", 60)
	v.SetDefault("SEND_BURST", 5)
	v.SetDefault("CHAT_READ_DELAY", time.Second)
	v.SetDefault("CHAT_PENDING_TIMEOUT", 1500*time.Millisecond)
	v.SetDefault("CHAT_REFRESH_INTERVAL", 30*time.Second)
	v.SetDefault("CHAT_API_URL", "http://localhost:8080")
	v.SetDefault("CHAT_PUSH_URL", "ws://localhost:8080/ws")
}

// Load reads an optional .env file and then the process environment.
// Values already present in the environment win over the file.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		// A missing .env is normal outside local development.
		if _, err := os.Stat(f); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return nil, fmt.Errorf("loading %s: %w", f, err)
		}
	}

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()
	return FromViper(v), nil
}

func FromViper(v *viper.Viper) *Config {
	return &Config{
		Server: ServerConfig{Addr: v.GetString("ADDR")},
		DB: DatabaseConfig{
			DSN:             v.GetString("DB_DSN"),
			MaxOpenConns:    v.GetInt("DB_MAX_OPEN_CONNS"),
			MaxIdleConns:    v.GetInt("DB_MAX_IDLE_CONNS"),
			ConnMaxLifetime: v.GetDuration("DB_CONN_MAX_LIFETIME"),
		},
		Redis: RedisConfig{Addr: v.GetString("REDIS_ADDR")},
		JWT: JWTConfig{
			Secret: v.GetString("JWT_SECRET"),
			TTL:    v.GetDuration("JWT_TTL"),
		},
		Log: LogConfig{
			Level:  v.GetString("LOG_LEVEL"),
			Format: v.GetString("LOG_FORMAT"),
		},
		Chat: ChatConfig{
			SendRatePerMinute: v.GetInt("SEND_RATE_PER_MINUTE"),
			SendBurst:         v.GetInt("SEND_BURST"),
			ReadDelay:         v.GetDuration("CHAT_READ_DELAY"),
			PendingTimeout:    v.GetDuration("CHAT_PENDING_TIMEOUT"),
			RefreshInterval:   v.GetDuration("CHAT_REFRESH_INTERVAL"),
		},
		Client: ClientConfig{
			APIURL:  v.GetString("CHAT_API_URL"),
			PushURL: v.GetString("CHAT_PUSH_URL"),
		},
	}
}

// ValidateServer reports the settings the server cannot start without.
func (c *Config) ValidateServer() error {
	if c.DB.DSN == "" {
		return ErrMissingDSN
	}
	if c.JWT.Secret == "" {
		return ErrMissingJWTSecret
	}
	return nil
}
