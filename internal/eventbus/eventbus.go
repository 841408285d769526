/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package eventbus fans slot lifecycle events out beyond the process.
//
// Every implementation delivers to local subscribers first, through an
// in-process events.Bus, and forwards to the remote broker without blocking
// the publisher. When the broker is unreachable the bus keeps working
// locally.
package eventbus

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/friendsincode/adslot/internal/config"
	"github.com/friendsincode/adslot/internal/events"
)

// Bus is an events.Broker that owns a connection.
type Bus interface {
	events.Broker
	Close() error
}

// Memory is the single-process bus.
type Memory struct {
	*events.Bus
}

// NewMemory returns an in-process bus.
func NewMemory() *Memory {
	return &Memory{Bus: events.NewBus()}
}

// Close implements Bus.
func (*Memory) Close() error { return nil }

// New builds the bus selected by cfg.EventBackend.
func New(cfg *config.Config, logger zerolog.Logger) (Bus, error) {
	nodeID := cfg.InstanceID
	if nodeID == "" {
		nodeID = NewNodeID()
	}
	logger = logger.With().Str("component", "eventbus").Str("node_id", nodeID).Logger()

	switch cfg.EventBackend {
	case config.EventsMemory, "":
		return NewMemory(), nil
	case config.EventsRedis:
		rc := DefaultRedisConfig()
		rc.Addr = cfg.RedisAddr
		rc.Password = cfg.RedisPassword
		rc.DB = cfg.RedisDB
		return NewRedisBus(rc, nodeID, logger)
	case config.EventsNATS:
		nc := DefaultNATSConfig()
		nc.URL = cfg.NATSURL
		nc.SubjectPrefix = cfg.NATSSubject
		return NewNATSBus(nc, nodeID, logger)
	}
	return nil, fmt.Errorf("unsupported event backend %q", cfg.EventBackend)
}
