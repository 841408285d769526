/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package bridge presents interstitials through a websocket client, usually
// the WebView host that owns the screen.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	ws "nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/friendsincode/adslot/internal/adprovider"
	"github.com/friendsincode/adslot/internal/events"
	"github.com/friendsincode/adslot/internal/interstitial"
	"github.com/friendsincode/adslot/internal/telemetry"
)

const (
	writeTimeout = 5 * time.Second
	pingInterval = 15 * time.Second
	sendBuffer   = 8
)

// errClientGone is reported when the presenter disconnects mid-show.
var errClientGone = errors.New("presenter disconnected")

// Message is the bridge wire format in both directions.
//
// Server to client: "present" (with Ad), "ping".
// Client to server: "dismissed", "failed" (with RequestID and optional Reason).
type Message struct {
	Type      string               `json:"type"`
	RequestID string               `json:"request_id,omitempty"`
	Ad        *adprovider.Creative `json:"ad,omitempty"`
	Reason    string               `json:"reason,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
}

type result struct {
	outcome interstitial.Outcome
	reason  string
}

type client struct {
	id   string
	conn *ws.Conn
	send chan Message
	done chan struct{}
}

type pendingShow struct {
	clientID string
	ch       chan result
}

// Hub holds at most one presenter client. A new connection replaces the
// previous one.
type Hub struct {
	logger  zerolog.Logger
	bus     events.Publisher
	timeout time.Duration

	mu      sync.Mutex
	client  *client
	pending map[string]pendingShow
}

// NewHub creates a hub. timeout bounds how long a single show may stay on
// screen before it counts as failed.
func NewHub(bus events.Publisher, timeout time.Duration, logger zerolog.Logger) *Hub {
	if bus == nil {
		bus = events.Nop{}
	}
	return &Hub{
		logger:  logger.With().Str("component", "bridge").Logger(),
		bus:     bus,
		timeout: timeout,
		pending: make(map[string]pendingShow),
	}
}

// Connected reports whether a presenter is attached.
func (h *Hub) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.client != nil
}

// ServeHTTP upgrades the request and serves the presenter until it leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.Accept(w, r, &ws.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(ws.StatusInternalError, "server error")

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan Message, sendBuffer),
		done: make(chan struct{}),
	}
	h.attach(c)
	defer h.detach(c)

	ctx := r.Context()

	go func() {
		defer close(c.done)
		for {
			var msg Message
			if err := wsjson.Read(ctx, conn, &msg); err != nil {
				if ws.CloseStatus(err) != ws.StatusNormalClosure {
					h.logger.Debug().Err(err).Str("client_id", c.id).Msg("bridge read error")
				}
				return
			}
			h.handleClientMessage(c, msg)
		}
	}()

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(ws.StatusNormalClosure, "context cancelled")
			return

		case <-c.done:
			conn.Close(ws.StatusNormalClosure, "client disconnected")
			return

		case <-pingTicker.C:
			if err := h.write(ctx, conn, Message{Type: "ping", Timestamp: time.Now()}); err != nil {
				h.logger.Warn().Err(err).Msg("bridge ping failed")
				conn.Close(ws.StatusInternalError, "ping failed")
				return
			}

		case msg, ok := <-c.send:
			if !ok {
				conn.Close(ws.StatusPolicyViolation, "replaced by another presenter")
				return
			}
			if err := h.write(ctx, conn, msg); err != nil {
				h.logger.Warn().Err(err).Msg("bridge send failed")
				conn.Close(ws.StatusInternalError, "send failed")
				return
			}
		}
	}
}

func (h *Hub) write(ctx context.Context, conn *ws.Conn, msg Message) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, msg)
}

func (h *Hub) attach(c *client) {
	h.mu.Lock()
	old := h.client
	h.client = c
	if old != nil {
		close(old.send)
		h.failPendingLocked(old.id, "replaced")
	}
	h.mu.Unlock()

	if old == nil {
		telemetry.BridgeClientsConnected.Set(1)
	}
	h.bus.Publish(events.EventBridgeConnected, events.Payload{"client_id": c.id})
	h.logger.Info().Str("client_id", c.id).Bool("replaced", old != nil).Msg("presenter connected")
}

func (h *Hub) detach(c *client) {
	h.mu.Lock()
	current := h.client == c
	if current {
		h.client = nil
		h.failPendingLocked(c.id, "disconnected")
	}
	h.mu.Unlock()

	if !current {
		return
	}
	telemetry.BridgeClientsConnected.Set(0)
	h.bus.Publish(events.EventBridgeDisconnected, events.Payload{"client_id": c.id})
	h.logger.Info().Str("client_id", c.id).Msg("presenter disconnected")
}

func (h *Hub) failPendingLocked(clientID, reason string) {
	for id, p := range h.pending {
		if p.clientID != clientID {
			continue
		}
		delete(h.pending, id)
		p.ch <- result{outcome: interstitial.OutcomeDisplayFailed, reason: reason}
	}
}

func (h *Hub) handleClientMessage(c *client, msg Message) {
	var outcome interstitial.Outcome
	switch msg.Type {
	case "dismissed":
		outcome = interstitial.OutcomeDismissed
	case "failed":
		outcome = interstitial.OutcomeDisplayFailed
	default:
		h.logger.Debug().Str("type", msg.Type).Msg("ignoring bridge message")
		return
	}

	h.mu.Lock()
	p, ok := h.pending[msg.RequestID]
	if ok && p.clientID == c.id {
		delete(h.pending, msg.RequestID)
	}
	h.mu.Unlock()

	if !ok || p.clientID != c.id {
		h.logger.Warn().Str("request_id", msg.RequestID).Msg("bridge reply for unknown request")
		return
	}
	p.ch <- result{outcome: outcome, reason: msg.Reason}
}

// Present implements adprovider.Presenter. It sends the creative to the
// attached client and waits for its verdict, the client leaving, the show
// timeout, or ctx.
func (h *Hub) Present(ctx context.Context, c *adprovider.Creative) (interstitial.Outcome, error) {
	requestID := uuid.NewString()
	ch := make(chan result, 1)

	h.mu.Lock()
	cl := h.client
	if cl == nil {
		h.mu.Unlock()
		return interstitial.OutcomeDisplayFailed, adprovider.ErrNoPresenter
	}
	h.pending[requestID] = pendingShow{clientID: cl.id, ch: ch}

	// send is closed only under mu, so this cannot race with a replacement.
	select {
	case cl.send <- Message{Type: "present", RequestID: requestID, Ad: c, Timestamp: time.Now()}:
	default:
		delete(h.pending, requestID)
		h.mu.Unlock()
		return interstitial.OutcomeDisplayFailed, fmt.Errorf("presenter send queue full")
	}
	h.mu.Unlock()

	var timeout <-chan time.Time
	if h.timeout > 0 {
		t := time.NewTimer(h.timeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case r := <-ch:
		if r.outcome == interstitial.OutcomeDismissed {
			return r.outcome, nil
		}
		if r.reason == "disconnected" || r.reason == "replaced" {
			return r.outcome, errClientGone
		}
		if r.reason != "" {
			return r.outcome, fmt.Errorf("presenter reported failure: %s", r.reason)
		}
		return r.outcome, nil

	case <-timeout:
		h.forget(requestID)
		return interstitial.OutcomeDisplayFailed, fmt.Errorf("presenter did not answer within %s", h.timeout)

	case <-ctx.Done():
		h.forget(requestID)
		return interstitial.OutcomeDisplayFailed, ctx.Err()
	}
}

func (h *Hub) forget(requestID string) {
	h.mu.Lock()
	delete(h.pending, requestID)
	h.mu.Unlock()
}
