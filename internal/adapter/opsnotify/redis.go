package opsnotify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"switchboard/internal/domain"
	"switchboard/internal/infra/config"
)

// RedisClient is the subset of Redis the registrar needs, so tests can run
// without a server.
type RedisClient interface {
	Publish(ctx context.Context, channel string, message string) error
	HSet(ctx context.Context, key, field, value string) error
	HDel(ctx context.Context, key string, fields ...string) error
	Close() error
}

// goRedisClient adapts *goredis.Client to RedisClient.
type goRedisClient struct {
	client *goredis.Client
}

// NewGoRedisClient connects lazily to the configured Redis server.
func NewGoRedisClient(cfg config.RedisOpsConfig) RedisClient {
	return &goRedisClient{client: goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})}
}

func (r *goRedisClient) Publish(ctx context.Context, channel string, message string) error {
	return r.client.Publish(ctx, channel, message).Err()
}

func (r *goRedisClient) HSet(ctx context.Context, key, field, value string) error {
	return r.client.HSet(ctx, key, field, value).Err()
}

func (r *goRedisClient) HDel(ctx context.Context, key string, fields ...string) error {
	return r.client.HDel(ctx, key, fields...).Err()
}

func (r *goRedisClient) Close() error { return r.client.Close() }

// RedisRegistrar publishes notifications on a channel and mirrors the live
// roster into a hash keyed by spawn id. An empty rosterKey disables the hash.
type RedisRegistrar struct {
	client    RedisClient
	channel   string
	rosterKey string
	timeout   time.Duration
	logger    *slog.Logger
}

// NewRedisRegistrar creates a Redis-backed registrar.
func NewRedisRegistrar(client RedisClient, channel, rosterKey string, timeout time.Duration, logger *slog.Logger) *RedisRegistrar {
	return &RedisRegistrar{
		client:    client,
		channel:   channel,
		rosterKey: rosterKey,
		timeout:   timeout,
		logger:    logger,
	}
}

func (r *RedisRegistrar) Register(ctx context.Context, rec domain.SpawnRecord) error {
	data, err := newNotification(KindRegister, rec, "").encode()
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	if r.rosterKey != "" {
		if err := r.client.HSet(ctx, r.rosterKey, rec.SpawnID, string(data)); err != nil {
			return fmt.Errorf("redis roster set %s: %w", rec.SpawnID, err)
		}
	}
	if err := r.client.Publish(ctx, r.channel, string(data)); err != nil {
		return fmt.Errorf("redis publish %s: %w", rec.SpawnID, err)
	}
	r.logger.Debug("ops registered via redis", "spawn_id", rec.SpawnID, "channel", r.channel)
	return nil
}

func (r *RedisRegistrar) Deregister(ctx context.Context, rec domain.SpawnRecord, reason string) error {
	data, err := newNotification(KindDeregister, rec, reason).encode()
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	if r.rosterKey != "" {
		if err := r.client.HDel(ctx, r.rosterKey, rec.SpawnID); err != nil {
			return fmt.Errorf("redis roster delete %s: %w", rec.SpawnID, err)
		}
	}
	if err := r.client.Publish(ctx, r.channel, string(data)); err != nil {
		return fmt.Errorf("redis publish %s: %w", rec.SpawnID, err)
	}
	r.logger.Debug("ops deregistered via redis", "spawn_id", rec.SpawnID, "reason", reason)
	return nil
}

func (r *RedisRegistrar) Close() error { return r.client.Close() }
