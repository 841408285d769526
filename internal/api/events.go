/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	ws "nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/friendsincode/adslot/internal/events"
	"github.com/friendsincode/adslot/internal/telemetry"
)

// streamEventTypes are sent when the client does not pass ?types=.
var streamEventTypes = []events.EventType{
	events.EventAdLoadStarted,
	events.EventAdLoaded,
	events.EventAdLoadFailed,
	events.EventAdRetryExhausted,
	events.EventAdShown,
	events.EventAdDismissed,
	events.EventAdDisplayFailed,
	events.EventPremiumChanged,
	events.EventBridgeConnected,
	events.EventBridgeDisconnected,
}

type streamEvent struct {
	eventType events.EventType
	payload   events.Payload
}

type streamMessage struct {
	Type    events.EventType `json:"type"`
	Payload events.Payload   `json:"payload,omitempty"`
}

// handleEvents streams slot lifecycle events over a websocket.
func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	eventTypes := parseEventTypes(r.URL.Query().Get("types"))
	if len(eventTypes) == 0 {
		eventTypes = streamEventTypes
	}

	conn, err := ws.Accept(w, r, &ws.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		a.logger.Error().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(ws.StatusInternalError, "server error")

	telemetry.APIWebSocketConnections.Inc()
	defer telemetry.APIWebSocketConnections.Dec()

	// Reads only watch for the client closing.
	ctx := conn.CloseRead(r.Context())

	merged := make(chan streamEvent, 32)
	for _, eventType := range eventTypes {
		sub := a.bus.Subscribe(eventType)
		defer a.bus.Unsubscribe(eventType, sub)
		go forward(ctx, eventType, sub, merged)
	}

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(ws.StatusNormalClosure, "")
			return
		case <-ticker.C:
			if err := a.writeStream(ctx, conn, streamMessage{Type: "ping"}); err != nil {
				a.logger.Debug().Err(err).Msg("websocket ping failed")
				return
			}
		case ev := <-merged:
			if err := a.writeStream(ctx, conn, streamMessage{Type: ev.eventType, Payload: ev.payload}); err != nil {
				a.logger.Debug().Err(err).Msg("websocket write failed")
				return
			}
		}
	}
}

func forward(ctx context.Context, eventType events.EventType, sub events.Subscriber, out chan<- streamEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-sub:
			if !ok {
				return
			}
			select {
			case out <- streamEvent{eventType: eventType, payload: payload}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (a *API) writeStream(ctx context.Context, conn *ws.Conn, msg streamMessage) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(ctx, conn, msg)
}

func parseEventTypes(raw string) []events.EventType {
	if raw == "" {
		return nil
	}
	var out []events.EventType
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, events.EventType(part))
	}
	return out
}
