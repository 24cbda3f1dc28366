package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/artpar/billingd/ports"
	"github.com/redis/go-redis/v9"
)

// Config selects the scheduler backend.
type Config struct {
	Driver string      `yaml:"driver"` // memory | redis
	Redis  RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// New creates the configured scheduler. The returned close function
// releases the backend connection.
func New(ctx context.Context, cfg Config) (ports.JobScheduler, func() error, error) {
	switch cfg.Driver {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		return NewRedis(client, cfg.Redis.Prefix), client.Close, nil

	case "memory", "":
		return NewMemory(), func() error { return nil }, nil

	default:
		return nil, nil, fmt.Errorf("unknown scheduler driver: %s", cfg.Driver)
	}
}
