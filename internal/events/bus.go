/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package events

import "sync"

// EventType enumerates event categories.
type EventType string

const (
	// Slot lifecycle
	EventAdLoadStarted    EventType = "ad.load_started"
	EventAdLoaded         EventType = "ad.loaded"
	EventAdLoadFailed     EventType = "ad.load_failed"
	EventAdRetryExhausted EventType = "ad.retry_exhausted"
	EventAdShown          EventType = "ad.shown"
	EventAdDismissed      EventType = "ad.dismissed"
	EventAdDisplayFailed  EventType = "ad.display_failed"

	// Entitlement changes. Payload carries "active" (bool).
	EventPremiumChanged EventType = "premium.changed"

	// Presenter bridge
	EventBridgeConnected    EventType = "bridge.connected"
	EventBridgeDisconnected EventType = "bridge.disconnected"
)

// Payload generic event payload.
type Payload map[string]any

// Subscriber receives event payloads.
type Subscriber chan Payload

// Publisher is the write side of any bus implementation.
type Publisher interface {
	Publish(eventType EventType, payload Payload)
}

// Broker is a bus that can also be subscribed to.
type Broker interface {
	Publisher
	Subscribe(eventType EventType) Subscriber
	Unsubscribe(eventType EventType, sub Subscriber)
}

// Bus implements a simple in-process pubsub.
type Bus struct {
	mu   sync.RWMutex
	subs map[EventType][]Subscriber
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[EventType][]Subscriber)}
}

// Subscribe registers a subscriber for event type.
func (b *Bus) Subscribe(eventType EventType) Subscriber {
	ch := make(Subscriber, 16)
	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], ch)
	b.mu.Unlock()
	return ch
}

// Publish sends payload to subscribers. Slow subscribers drop events
// rather than stall the publisher.
func (b *Bus) Publish(eventType EventType, payload Payload) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs[eventType] {
		select {
		case sub <- payload:
		default:
		}
	}
}

// Unsubscribe removes the subscriber and closes it. Unknown subscribers
// are ignored.
func (b *Bus) Unsubscribe(eventType EventType, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[eventType]
	for i, candidate := range subs {
		if candidate == sub {
			b.subs[eventType] = append(subs[:i], subs[i+1:]...)
			close(sub)
			return
		}
	}
}

// SubscriberCount reports how many subscribers listen for eventType.
func (b *Bus) SubscriberCount(eventType EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[eventType])
}

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(EventType, Payload) {}
