/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "adslot:slot:" // + slot_id + ":" + field

// RedisConfig configures the Redis gate store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	SlotID   string
}

// Redis stores the gate as unix milliseconds under a per-slot key, so every
// instance serving the same slot shares one frequency window.
type Redis struct {
	client *redis.Client
	slotID string
}

// NewRedis connects and pings Redis.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     4,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis gate store: %w", err)
	}
	return NewRedisWithClient(client, cfg.SlotID), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, slotID string) *Redis {
	return &Redis{client: client, slotID: slotID}
}

func (r *Redis) key(field string) string {
	return keyPrefix + r.slotID + ":" + field
}

// LastShown returns the zero time when the key is absent.
func (r *Redis) LastShown(ctx context.Context) (time.Time, error) {
	val, err := r.client.Get(ctx, r.key("last_shown")).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get last shown: %w", err)
	}
	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse last shown %q: %w", val, err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

// SaveLastShown writes the timestamp and bumps the show counter atomically.
func (r *Redis) SaveLastShown(ctx context.Context, at time.Time) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.key("last_shown"), strconv.FormatInt(at.UnixMilli(), 10), 0)
		pipe.Incr(ctx, r.key("show_count"))
		return nil
	})
	if err != nil {
		return fmt.Errorf("save last shown: %w", err)
	}
	return nil
}

// ShowCount returns how many dismissals were recorded for the slot.
func (r *Redis) ShowCount(ctx context.Context) (int64, error) {
	n, err := r.client.Get(ctx, r.key("show_count")).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get show count: %w", err)
	}
	return n, nil
}

// Close closes the Redis client.
func (r *Redis) Close() error {
	return r.client.Close()
}
