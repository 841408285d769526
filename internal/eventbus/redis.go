/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/friendsincode/adslot/internal/events"
	"github.com/friendsincode/adslot/internal/telemetry"
)

// RedisBus implements a Redis pub/sub backed event bus for multi-instance
// deployments.
type RedisBus struct {
	client *redis.Client
	logger zerolog.Logger
	local  *events.Bus
	nodeID string
	cfg    RedisConfig

	mu       sync.Mutex
	refs     map[events.EventType]int
	channels map[events.EventType]*redis.PubSub

	outbound chan outboundMessage

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Circuit breaker state
	useFallback bool
	failCount   int
	lastCheck   time.Time
}

type outboundMessage struct {
	channel string
	data    []byte
}

// RedisConfig contains Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// ChannelPrefix is prepended to the event type to form the channel name.
	ChannelPrefix string

	// Connection pooling
	PoolSize     int
	MinIdleConns int

	// Timeouts
	DialTimeout    time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	PublishTimeout time.Duration

	// QueueSize bounds outbound messages waiting for Redis.
	QueueSize int

	// Circuit breaker
	MaxFailures   int
	CheckInterval time.Duration
}

// DefaultRedisConfig returns default Redis configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:           "localhost:6379",
		ChannelPrefix:  "adslot:events:",
		PoolSize:       10,
		MinIdleConns:   2,
		DialTimeout:    5 * time.Second,
		ReadTimeout:    3 * time.Second,
		WriteTimeout:   3 * time.Second,
		PublishTimeout: 2 * time.Second,
		QueueSize:      256,
		MaxFailures:    5,
		CheckInterval:  30 * time.Second,
	}
}

// NewRedisBus creates a Redis-backed event bus. If Redis cannot be reached
// the bus starts in local-only mode and keeps probing in the background.
func NewRedisBus(cfg RedisConfig, nodeID string, logger zerolog.Logger) (*RedisBus, error) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultRedisConfig().QueueSize
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultRedisConfig().MaxFailures
	}

	ctx, cancel := context.WithCancel(context.Background())

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	rb := &RedisBus{
		client:   client,
		logger:   logger,
		local:    events.NewBus(),
		nodeID:   nodeID,
		cfg:      cfg,
		refs:     make(map[events.EventType]int),
		channels: make(map[events.EventType]*redis.PubSub),
		outbound: make(chan outboundMessage, cfg.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer pingCancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn().Err(err).Str("addr", cfg.Addr).Msg("Redis connection failed, using in-memory fallback")
		rb.useFallback = true
		rb.lastCheck = time.Now()
		telemetry.EventBusFallbackActive.WithLabelValues("redis").Set(1)
	} else {
		telemetry.EventBusFallbackActive.WithLabelValues("redis").Set(0)
		logger.Info().Str("addr", cfg.Addr).Msg("Redis event bus initialized")
	}

	rb.wg.Add(1)
	go rb.publishLoop()

	return rb, nil
}

// Subscribe registers a local subscriber. The first subscriber for a type
// also opens the Redis channel so remote events reach this node.
func (rb *RedisBus) Subscribe(eventType events.EventType) events.Subscriber {
	sub := rb.local.Subscribe(eventType)

	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.refs[eventType]++
	if !rb.useFallback {
		rb.openChannelLocked(eventType)
	}
	return sub
}

func (rb *RedisBus) openChannelLocked(eventType events.EventType) {
	if _, exists := rb.channels[eventType]; exists {
		return
	}
	pubsub := rb.client.Subscribe(rb.ctx, rb.channelName(eventType))
	rb.channels[eventType] = pubsub

	rb.wg.Add(1)
	go rb.receiveMessages(eventType, pubsub)
}

// receiveMessages relays remote events to local subscribers.
func (rb *RedisBus) receiveMessages(eventType events.EventType, pubsub *redis.PubSub) {
	defer rb.wg.Done()

	ch := pubsub.Channel()
	rb.logger.Debug().Str("event_type", string(eventType)).Msg("started Redis message receiver")

	for {
		select {
		case <-rb.ctx.Done():
			return

		case msg, ok := <-ch:
			if !ok {
				rb.logger.Debug().Str("event_type", string(eventType)).Msg("Redis channel closed")
				return
			}
			rb.deliverRemote([]byte(msg.Payload))
		}
	}
}

// deliverRemote hands a message from the broker to local subscribers,
// skipping ones this node published.
func (rb *RedisBus) deliverRemote(data []byte) {
	msg, err := unmarshalEnvelope(data)
	if err != nil {
		rb.logger.Error().Err(err).Msg("failed to unmarshal Redis message")
		return
	}
	if msg.NodeID == rb.nodeID {
		return
	}
	rb.local.Publish(msg.EventType, msg.Payload)

	rb.logger.Debug().
		Str("event_type", string(msg.EventType)).
		Str("source_node", msg.NodeID).
		Msg("delivered Redis event to local subscribers")
}

// Publish delivers to local subscribers immediately and queues the event for
// Redis. It never blocks; a full queue drops the remote copy.
func (rb *RedisBus) Publish(eventType events.EventType, payload events.Payload) {
	rb.local.Publish(eventType, payload)

	rb.mu.Lock()
	fallback := rb.useFallback
	rb.mu.Unlock()
	if fallback {
		return
	}

	data, err := marshalEnvelope(eventType, payload, rb.nodeID)
	if err != nil {
		rb.logger.Error().Err(err).Str("event_type", string(eventType)).Msg("failed to marshal Redis message")
		return
	}

	select {
	case rb.outbound <- outboundMessage{channel: rb.channelName(eventType), data: data}:
	case <-rb.ctx.Done():
	default:
		rb.logger.Warn().Str("event_type", string(eventType)).Msg("Redis publish queue full, dropping remote event")
	}
}

func (rb *RedisBus) publishLoop() {
	defer rb.wg.Done()

	probe := time.NewTicker(rb.checkInterval())
	defer probe.Stop()

	for {
		select {
		case <-rb.ctx.Done():
			return

		case <-probe.C:
			if err := rb.tryReconnect(); err != nil {
				rb.logger.Debug().Err(err).Msg("Redis reconnect skipped")
			}

		case msg := <-rb.outbound:
			ctx, cancel := context.WithTimeout(rb.ctx, rb.cfg.PublishTimeout)
			err := rb.client.Publish(ctx, msg.channel, msg.data).Err()
			cancel()
			if err != nil {
				rb.logger.Error().Err(err).Str("channel", msg.channel).Msg("failed to publish to Redis")
				rb.handleFailure()
				continue
			}
			rb.mu.Lock()
			rb.failCount = 0
			rb.mu.Unlock()
		}
	}
}

// Unsubscribe removes a subscriber and closes its channel. The Redis channel
// is released once no local subscriber needs it.
func (rb *RedisBus) Unsubscribe(eventType events.EventType, sub events.Subscriber) {
	rb.local.Unsubscribe(eventType, sub)

	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.refs[eventType] > 0 {
		rb.refs[eventType]--
	}
	if rb.refs[eventType] > 0 {
		return
	}
	delete(rb.refs, eventType)
	if pubsub, exists := rb.channels[eventType]; exists {
		_ = pubsub.Close()
		delete(rb.channels, eventType)
		rb.logger.Debug().Str("event_type", string(eventType)).Msg("closed Redis subscription")
	}
}

// Fallback reports whether the bus is running local-only.
func (rb *RedisBus) Fallback() bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.useFallback
}

// Close stops the receivers and closes the Redis client.
func (rb *RedisBus) Close() error {
	rb.logger.Info().Msg("closing Redis event bus")

	rb.cancel()

	rb.mu.Lock()
	for eventType, pubsub := range rb.channels {
		_ = pubsub.Close()
		delete(rb.channels, eventType)
	}
	rb.mu.Unlock()

	rb.wg.Wait()

	if err := rb.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}

// handleFailure implements circuit breaker logic.
func (rb *RedisBus) handleFailure() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.failCount++
	if rb.failCount < rb.cfg.MaxFailures || rb.useFallback {
		return
	}

	rb.logger.Warn().Int("fail_count", rb.failCount).Msg("Redis failure threshold reached, switching to in-memory fallback")
	rb.useFallback = true
	rb.lastCheck = time.Now()
	for eventType, pubsub := range rb.channels {
		_ = pubsub.Close()
		delete(rb.channels, eventType)
	}
	telemetry.EventBusFallbackActive.WithLabelValues("redis").Set(1)
}

// tryReconnect leaves fallback mode once Redis answers again and reopens
// channels for existing subscribers.
func (rb *RedisBus) tryReconnect() error {
	rb.mu.Lock()
	if !rb.useFallback {
		rb.mu.Unlock()
		return nil
	}
	if time.Since(rb.lastCheck) < rb.checkInterval() {
		rb.mu.Unlock()
		return fmt.Errorf("too soon to retry")
	}
	rb.lastCheck = time.Now()
	rb.mu.Unlock()

	ctx, cancel := context.WithTimeout(rb.ctx, rb.cfg.DialTimeout)
	defer cancel()
	if err := rb.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis still unavailable: %w", err)
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.useFallback = false
	rb.failCount = 0
	for eventType := range rb.refs {
		rb.openChannelLocked(eventType)
	}
	telemetry.EventBusFallbackActive.WithLabelValues("redis").Set(0)
	rb.logger.Info().Msg("reconnected to Redis, disabling fallback")
	return nil
}

func (rb *RedisBus) channelName(eventType events.EventType) string {
	return rb.cfg.ChannelPrefix + string(eventType)
}

func (rb *RedisBus) checkInterval() time.Duration {
	if rb.cfg.CheckInterval <= 0 {
		return DefaultRedisConfig().CheckInterval
	}
	return rb.cfg.CheckInterval
}
