package contextstore

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// Redis keeps one hash per session so several agent processes driving the
// same browser tab share their referents.
type Redis struct {
	client *redis.Client
	key    string
}

// RedisOptions configures NewRedis.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	SessionID string
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", opts.Addr, err)
	}
	return NewRedisWithClient(client, opts.SessionID), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, sessionID string) *Redis {
	if sessionID == "" {
		sessionID = "default"
	}
	return &Redis{client: client, key: "fasto:context:" + sessionID}
}

func (r *Redis) Set(ctx context.Context, key, value string) error {
	return r.client.HSet(ctx, r.key, key, value).Err()
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.HGet(ctx, r.key, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *Redis) Snapshot(ctx context.Context) (map[string]string, error) {
	return r.client.HGetAll(ctx, r.key).Result()
}

func (r *Redis) Clear(ctx context.Context) error {
	return r.client.Del(ctx, r.key).Err()
}

// Close releases the client.
func (r *Redis) Close() error {
	return r.client.Close()
}
