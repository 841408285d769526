/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package entitlement forwards premium changes from the event bus to the slot.
package entitlement

import (
	"context"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/friendsincode/adslot/internal/events"
)

// PremiumSink receives premium state changes.
type PremiumSink interface {
	NotifyPremiumChanged(active bool)
}

// Watcher subscribes to premium.changed and applies it to a sink.
type Watcher struct {
	bus        events.Broker
	sink       PremiumSink
	slotID     string
	// instanceID marks changes this process already applied itself.
	instanceID string
	logger     zerolog.Logger
}

// Option customises a Watcher.
type Option func(*Watcher)

// WithInstanceID skips events whose instance_id equals id.
func WithInstanceID(id string) Option {
	return func(w *Watcher) { w.instanceID = id }
}

// NewWatcher creates a watcher. Events carrying a different slot_id are ignored.
func NewWatcher(bus events.Broker, sink PremiumSink, slotID string, logger zerolog.Logger, opts ...Option) *Watcher {
	w := &Watcher{
		bus:    bus,
		sink:   sink,
		slotID: slotID,
		logger: logger.With().Str("component", "entitlement").Logger(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	changes := w.bus.Subscribe(events.EventPremiumChanged)
	defer w.bus.Unsubscribe(events.EventPremiumChanged, changes)

	w.logger.Info().Msg("entitlement watcher started")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("entitlement watcher stopping")
			return

		case payload, ok := <-changes:
			if !ok {
				return
			}
			w.apply(payload)
		}
	}
}

func (w *Watcher) apply(payload events.Payload) {
	if slot, ok := payload["slot_id"].(string); ok && slot != "" && w.slotID != "" && slot != w.slotID {
		return
	}
	if origin, _ := payload["instance_id"].(string); origin != "" && origin == w.instanceID {
		w.logger.Debug().Msg("skipping premium change published by this instance")
		return
	}

	active, ok := parseActive(payload["active"])
	if !ok {
		w.logger.Warn().Interface("payload", payload).Msg("ignoring premium change without a valid active flag")
		return
	}

	w.logger.Debug().Bool("active", active).Msg("applying premium change")
	w.sink.NotifyPremiumChanged(active)
}

// parseActive accepts the bool we publish plus the string and numeric
// forms other producers send.
func parseActive(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		b, err := strconv.ParseBool(t)
		return b, err == nil
	case float64:
		return t != 0, true
	case int:
		return t != 0, true
	}
	return false, false
}
