/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package store

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/adslot/internal/config"
	"github.com/friendsincode/adslot/internal/db"
)

func sqliteConfig(t *testing.T) *config.Config {
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	return &config.Config{
		Environment:  "test",
		StoreBackend: config.StoreSQL,
		DBBackend:    config.DatabaseSQLite,
		DBDSN:        fmt.Sprintf("file:%s?mode=memory&cache=shared", name),
		SlotID:       "main",
		AdUnitID:     "unit-1",
	}
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	last, err := s.LastShown(ctx)
	if err != nil || !last.IsZero() {
		t.Fatalf("fresh store = %v, %v", last, err)
	}

	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	if err := s.SaveLastShown(ctx, at); err != nil {
		t.Fatal(err)
	}
	if last, _ := s.LastShown(ctx); !last.Equal(at) {
		t.Errorf("LastShown = %v, want %v", last, at)
	}
}

func TestSQLStore(t *testing.T) {
	ctx := context.Background()
	cfg := sqliteConfig(t)

	database, err := db.Connect(cfg)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := db.Migrate(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	s := NewSQL(database, cfg.SlotID, cfg.AdUnitID)
	defer s.Close()

	last, err := s.LastShown(ctx)
	if err != nil {
		t.Fatalf("LastShown on empty table: %v", err)
	}
	if !last.IsZero() {
		t.Fatalf("expected zero time, got %v", last)
	}

	first := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	second := first.Add(90 * time.Second)
	if err := s.SaveLastShown(ctx, first); err != nil {
		t.Fatalf("first save: %v", err)
	}
	if err := s.SaveLastShown(ctx, second); err != nil {
		t.Fatalf("second save: %v", err)
	}

	last, err = s.LastShown(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !last.Equal(second) {
		t.Errorf("LastShown = %v, want %v", last, second)
	}

	count, err := s.ShowCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Errorf("ShowCount = %d, want 2", count)
	}

	other := NewSQL(database, "other", cfg.AdUnitID)
	if last, _ := other.LastShown(ctx); !last.IsZero() {
		t.Errorf("slots must not share state, got %v", last)
	}
}

func TestNewSelectsBackend(t *testing.T) {
	ctx := context.Background()

	mem, err := New(ctx, &config.Config{StoreBackend: config.StoreMemory}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := mem.(*Memory); !ok {
		t.Errorf("memory backend returned %T", mem)
	}

	sqlStore, err := New(ctx, sqliteConfig(t), zerolog.Nop())
	if err != nil {
		t.Fatalf("sql backend: %v", err)
	}
	defer sqlStore.Close()
	if _, ok := sqlStore.(*SQL); !ok {
		t.Errorf("sql backend returned %T", sqlStore)
	}

	if _, err := New(ctx, &config.Config{StoreBackend: "etcd"}, zerolog.Nop()); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestRedisStoreUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	if _, err := NewRedis(ctx, RedisConfig{Addr: "127.0.0.1:1", SlotID: "main"}); err == nil {
		t.Fatal("expected connection error")
	}
}

func TestRedisKeys(t *testing.T) {
	r := &Redis{slotID: "main"}
	if got := r.key("last_shown"); got != "adslot:slot:main:last_shown" {
		t.Errorf("key = %q", got)
	}
}
