/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package store persists the slot's last shown time so the frequency gate
// survives restarts.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/adslot/internal/config"
	"github.com/friendsincode/adslot/internal/db"
	"github.com/friendsincode/adslot/internal/interstitial"
)

// Store is a GateStore that owns a connection.
type Store interface {
	interstitial.GateStore
	Close() error
}

// Counter is implemented by stores that count recorded shows.
type Counter interface {
	ShowCount(ctx context.Context) (int64, error)
}

// New opens the store selected by cfg.StoreBackend.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (Store, error) {
	logger = logger.With().Str("component", "store").Str("backend", string(cfg.StoreBackend)).Logger()

	switch cfg.StoreBackend {
	case config.StoreMemory, "":
		return NewMemory(), nil

	case config.StoreSQL:
		database, err := db.Connect(cfg)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(database); err != nil {
			_ = db.Close(database)
			return nil, err
		}
		logger.Info().Str("db_backend", string(cfg.DBBackend)).Msg("sql gate store ready")
		return NewSQL(database, cfg.SlotID, cfg.AdUnitID), nil

	case config.StoreRedis:
		rs, err := NewRedis(ctx, RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			SlotID:   cfg.SlotID,
		})
		if err != nil {
			return nil, err
		}
		logger.Info().Str("addr", cfg.RedisAddr).Msg("redis gate store ready")
		return rs, nil
	}
	return nil, fmt.Errorf("unsupported store backend %q", cfg.StoreBackend)
}

// Memory keeps the gate in process memory only.
type Memory struct {
	mu   sync.RWMutex
	last time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory { return &Memory{} }

func (m *Memory) LastShown(context.Context) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last, nil
}

func (m *Memory) SaveLastShown(_ context.Context, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = at
	return nil
}

func (m *Memory) Close() error { return nil }
