/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package eventbus

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/friendsincode/adslot/internal/events"
)

// envelope is the wire format shared by the Redis and NATS transports.
type envelope struct {
	EventType events.EventType `json:"event_type"`
	Payload   events.Payload   `json:"payload"`
	Timestamp time.Time        `json:"timestamp"`
	NodeID    string           `json:"node_id"`
	MessageID string           `json:"message_id"`
}

func marshalEnvelope(eventType events.EventType, payload events.Payload, nodeID string) ([]byte, error) {
	return json.Marshal(envelope{
		EventType: eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
		NodeID:    nodeID,
		MessageID: uuid.NewString(),
	})
}

func unmarshalEnvelope(data []byte) (*envelope, error) {
	var msg envelope
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal event envelope: %w", err)
	}
	if msg.EventType == "" {
		return nil, fmt.Errorf("event envelope missing event_type")
	}
	return &msg, nil
}

// NewNodeID returns hostname plus a random suffix, used to drop our own
// messages when they come back from the broker.
func NewNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "adslot"
	}
	return host + "-" + uuid.NewString()[:8]
}
