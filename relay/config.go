// Package relay is the reference signaling server: room allocation with
// short join codes, a per-room websocket broadcast hub, and a durable
// signal log with REST append and backfill. Clients run the callkit
// engine against it.
package relay

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/sign-bridge/callkit/shared"
)

type Config struct {
	Addr            string        `yaml:"addr"`
	Environment     string        `yaml:"environment"`
	JWTSecret       string        `yaml:"jwt_secret"`
	RoomTTL         time.Duration `yaml:"room_ttl"`
	MaxParticipants int           `yaml:"max_participants"`
	SignalRetention time.Duration `yaml:"signal_retention"`

	Redis RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

func DefaultRelayConfig() Config {
	return Config{
		Addr:            ":8080",
		Environment:     "development",
		RoomTTL:         24 * time.Hour,
		MaxParticipants: 2,
		SignalRetention: 10 * time.Minute,
		Redis:           RedisConfig{Addr: "localhost:6379"},
	}
}

// LoadConfig reads the yaml file at path (optional, empty path skips it)
// and applies environment overrides on top.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultRelayConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config file: %w", err)
		}
	}

	var err error
	if cfg.Addr, err = shared.Getenv("RELAY_ADDR", false, cfg.Addr); err != nil {
		return cfg, err
	}
	if cfg.Environment, err = shared.Getenv("RELAY_ENV", false, cfg.Environment); err != nil {
		return cfg, err
	}
	if cfg.JWTSecret, err = shared.Getenv("RELAY_JWT_SECRET", false, cfg.JWTSecret); err != nil {
		return cfg, err
	}
	if cfg.RoomTTL, err = shared.GetenvDuration("RELAY_ROOM_TTL", cfg.RoomTTL); err != nil {
		return cfg, err
	}
	if cfg.MaxParticipants, err = shared.GetenvInt("RELAY_MAX_PARTICIPANTS", cfg.MaxParticipants); err != nil {
		return cfg, err
	}
	if cfg.SignalRetention, err = shared.GetenvDuration("RELAY_SIGNAL_RETENTION", cfg.SignalRetention); err != nil {
		return cfg, err
	}
	if cfg.Redis.Addr, err = shared.Getenv("REDIS_ADDR", false, cfg.Redis.Addr); err != nil {
		return cfg, err
	}
	if cfg.Redis.Password, err = shared.Getenv("REDIS_PASSWORD", false, cfg.Redis.Password); err != nil {
		return cfg, err
	}
	if cfg.Redis.DB, err = shared.GetenvInt("REDIS_DB", cfg.Redis.DB); err != nil {
		return cfg, err
	}
	return cfg, nil
}
