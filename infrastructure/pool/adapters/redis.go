package adapters

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// RedisConfig configures a RedisAdapter.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisAdapter manages *redis.Client handles, each wrapping its own
// connection to Addr. As with DBAdapter, go-redis already pools
// connections internally; this adapter lets the fabric apply its own
// acquire/validate/leak semantics on top, e.g. for per-tenant Redis
// instances rather than a single shared client.
type RedisAdapter struct {
	cfg RedisConfig
}

func NewRedisAdapter(cfg RedisConfig) *RedisAdapter {
	return &RedisAdapter{cfg: cfg}
}

func (a *RedisAdapter) Create(ctx context.Context) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     a.cfg.Addr,
		Password: a.cfg.Password,
		DB:       a.cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("adapters: redis ping: %w", err)
	}
	return client, nil
}

func (a *RedisAdapter) Validate(ctx context.Context, client *redis.Client) error {
	return client.Ping(ctx).Err()
}

func (a *RedisAdapter) Destroy(ctx context.Context, client *redis.Client) error {
	return client.Close()
}

func (a *RedisAdapter) IdlePing(ctx context.Context, client *redis.Client) error {
	return client.Ping(ctx).Err()
}
