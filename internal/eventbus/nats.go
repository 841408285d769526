/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package eventbus

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/friendsincode/adslot/internal/events"
	"github.com/friendsincode/adslot/internal/telemetry"
)

// NATSConfig contains NATS connection configuration.
type NATSConfig struct {
	URL   string
	Token string

	// SubjectPrefix is joined with the event type: "<prefix>.<event_type>".
	SubjectPrefix string

	// Connection options
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// DefaultNATSConfig returns default NATS configuration.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		SubjectPrefix: "adslot.events",
		MaxReconnects: -1, // Unlimited
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// NATSBus implements a NATS-backed event bus. The nats client buffers
// publishes while reconnecting, so Publish never blocks the caller.
type NATSBus struct {
	conn   *nats.Conn
	logger zerolog.Logger
	local  *events.Bus
	nodeID string
	cfg    NATSConfig

	mu   sync.Mutex
	refs map[events.EventType]int
	subs map[events.EventType]*nats.Subscription
}

// NewNATSBus connects to NATS. When the initial connection fails the bus
// runs local-only rather than failing startup.
func NewNATSBus(cfg NATSConfig, nodeID string, logger zerolog.Logger) (*NATSBus, error) {
	nb := &NATSBus{
		logger: logger,
		local:  events.NewBus(),
		nodeID: nodeID,
		cfg:    cfg,
		refs:   make(map[events.EventType]int),
		subs:   make(map[events.EventType]*nats.Subscription),
	}

	opts := []nats.Option{
		nats.Name("adslot-" + nodeID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			telemetry.EventBusFallbackActive.WithLabelValues("nats").Set(1)
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			telemetry.EventBusFallbackActive.WithLabelValues("nats").Set(0)
			logger.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		logger.Warn().Err(err).Str("url", cfg.URL).Msg("NATS connection failed, using in-memory fallback")
		telemetry.EventBusFallbackActive.WithLabelValues("nats").Set(1)
		return nb, nil
	}

	nb.conn = conn
	telemetry.EventBusFallbackActive.WithLabelValues("nats").Set(0)
	logger.Info().Str("url", conn.ConnectedUrl()).Msg("NATS event bus initialized")
	return nb, nil
}

// Subscribe registers a local subscriber and, for the first one of a type,
// a NATS subscription on the matching subject.
func (nb *NATSBus) Subscribe(eventType events.EventType) events.Subscriber {
	sub := nb.local.Subscribe(eventType)

	nb.mu.Lock()
	defer nb.mu.Unlock()

	nb.refs[eventType]++
	if nb.conn == nil {
		return sub
	}
	if _, exists := nb.subs[eventType]; exists {
		return sub
	}

	ns, err := nb.conn.Subscribe(nb.subject(eventType), func(m *nats.Msg) {
		nb.deliverRemote(m.Data)
	})
	if err != nil {
		nb.logger.Error().Err(err).Str("event_type", string(eventType)).Msg("NATS subscribe failed, local delivery only")
		return sub
	}
	nb.subs[eventType] = ns
	return sub
}

func (nb *NATSBus) deliverRemote(data []byte) {
	msg, err := unmarshalEnvelope(data)
	if err != nil {
		nb.logger.Error().Err(err).Msg("failed to unmarshal NATS message")
		return
	}
	if msg.NodeID == nb.nodeID {
		return
	}
	nb.local.Publish(msg.EventType, msg.Payload)
}

// Publish delivers locally and forwards to NATS.
func (nb *NATSBus) Publish(eventType events.EventType, payload events.Payload) {
	nb.local.Publish(eventType, payload)

	if nb.conn == nil || nb.conn.IsClosed() {
		return
	}

	data, err := marshalEnvelope(eventType, payload, nb.nodeID)
	if err != nil {
		nb.logger.Error().Err(err).Str("event_type", string(eventType)).Msg("failed to marshal NATS message")
		return
	}
	if err := nb.conn.Publish(nb.subject(eventType), data); err != nil {
		nb.logger.Warn().Err(err).Str("event_type", string(eventType)).Msg("failed to publish to NATS")
	}
}

// Unsubscribe removes a subscriber; the NATS subscription goes with the last one.
func (nb *NATSBus) Unsubscribe(eventType events.EventType, sub events.Subscriber) {
	nb.local.Unsubscribe(eventType, sub)

	nb.mu.Lock()
	defer nb.mu.Unlock()

	if nb.refs[eventType] > 0 {
		nb.refs[eventType]--
	}
	if nb.refs[eventType] > 0 {
		return
	}
	delete(nb.refs, eventType)
	if ns, ok := nb.subs[eventType]; ok {
		if err := ns.Unsubscribe(); err != nil {
			nb.logger.Debug().Err(err).Str("event_type", string(eventType)).Msg("NATS unsubscribe failed")
		}
		delete(nb.subs, eventType)
	}
}

// Fallback reports whether the bus is running local-only.
func (nb *NATSBus) Fallback() bool {
	return nb.conn == nil || !nb.conn.IsConnected()
}

// Close drains pending messages and closes the connection.
func (nb *NATSBus) Close() error {
	if nb.conn == nil {
		return nil
	}
	nb.logger.Info().Msg("closing NATS event bus")
	if err := nb.conn.Drain(); err != nil {
		nb.conn.Close()
		return fmt.Errorf("drain nats connection: %w", err)
	}
	return nil
}

func (nb *NATSBus) subject(eventType events.EventType) string {
	prefix := strings.TrimSuffix(nb.cfg.SubjectPrefix, ".")
	if prefix == "" {
		return string(eventType)
	}
	return prefix + "." + string(eventType)
}
