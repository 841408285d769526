/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/friendsincode/adslot/internal/auth"
	"github.com/friendsincode/adslot/internal/bridge"
	"github.com/friendsincode/adslot/internal/events"
	"github.com/friendsincode/adslot/internal/interstitial"
)

// Slot is the part of the interstitial scheduler the API drives.
type Slot interface {
	RequestShow(opts ...interstitial.ShowOption) bool
	NotifyPremiumChanged(active bool)
	TimeUntilNextEligibleShow() time.Duration
	Status() interstitial.Status
}

// API exposes HTTP handlers.
type API struct {
	slot       Slot
	slotID     string
	hub        *bridge.Hub
	bus        events.Broker
	jwtSecret  []byte
	// instanceID tags premium changes so this instance's watcher skips them.
	instanceID string
	logger     zerolog.Logger
}

// Option customises an API.
type Option func(*API)

// WithInstanceID sets the id published with premium changes.
func WithInstanceID(id string) Option {
	return func(a *API) { a.instanceID = id }
}

// New creates the API router wrapper. hub may be nil when no websocket
// presenter is used.
func New(slot Slot, slotID string, hub *bridge.Hub, bus events.Broker, jwtSecret []byte, logger zerolog.Logger, opts ...Option) *API {
	a := &API{
		slot:      slot,
		slotID:    slotID,
		hub:       hub,
		bus:       bus,
		jwtSecret: jwtSecret,
		logger:    logger.With().Str("component", "api").Logger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Routes registers API routes on the provided router.
func (a *API) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", a.handleHealth)

		r.Group(func(pr chi.Router) {
			pr.Use(auth.Middleware(a.jwtSecret))

			pr.Route("/slot", func(r chi.Router) {
				r.With(auth.RequireScope(auth.ScopeSlotRead)).Get("/", a.handleSlotStatus)
				r.With(auth.RequireScope(auth.ScopeSlotShow)).Post("/show", a.handleSlotShow)
				r.With(auth.RequireScope(auth.ScopePremiumWrite)).Put("/premium", a.handleSlotPremium)
			})

			pr.With(auth.RequireScope(auth.ScopeSlotRead)).Get("/events", a.handleEvents)

			if a.hub != nil {
				pr.With(auth.RequireScope(auth.ScopeBridge)).Get("/bridge", a.hub.ServeHTTP)
			}
		})
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"state":            a.slot.Status().State,
		"bridge_connected": a.bridgeConnected(),
	})
}

type slotResponse struct {
	SlotID string `json:"slot_id"`
	interstitial.Status
	NextEligibleIn   string `json:"next_eligible_in"`
	NextEligibleInMS int64  `json:"next_eligible_in_ms"`
	BridgeConnected  bool   `json:"bridge_connected"`
}

func (a *API) slotView() slotResponse {
	wait := a.slot.TimeUntilNextEligibleShow()
	return slotResponse{
		SlotID:           a.slotID,
		Status:           a.slot.Status(),
		NextEligibleIn:   wait.String(),
		NextEligibleInMS: wait.Milliseconds(),
		BridgeConnected:  a.bridgeConnected(),
	}
}

func (a *API) handleSlotStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.slotView())
}

type showRequest struct {
	// Force resets the retry budget and starts a load when the slot is idle
	// or cooling down. A ready ad is kept.
	Force bool `json:"force"`
	// Wait holds the response until the ad is dismissed.
	Wait bool `json:"wait"`
}

type showResponse struct {
	Shown     bool         `json:"shown"`
	Completed *bool        `json:"completed,omitempty"`
	Slot      slotResponse `json:"slot"`
}

func (a *API) handleSlotShow(w http.ResponseWriter, r *http.Request) {
	var req showRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	dismissed := make(chan bool, 1)
	opts := []interstitial.ShowOption{
		interstitial.WithDismissHandler(func(shown bool) { dismissed <- shown }),
	}
	if req.Force {
		opts = append(opts, interstitial.WithForceReload())
	}

	shown := a.slot.RequestShow(opts...)
	resp := showResponse{Shown: shown}

	if shown && req.Wait {
		var completed bool
		select {
		case completed = <-dismissed:
		case <-r.Context().Done():
			a.logger.Debug().Msg("client left before the ad was dismissed")
			return
		}
		resp.Completed = &completed
	}

	a.logger.Debug().Bool("shown", shown).Bool("force", req.Force).Msg("show requested")
	resp.Slot = a.slotView()
	writeJSON(w, http.StatusOK, resp)
}

type premiumRequest struct {
	Active *bool `json:"active"`
}

func (a *API) handleSlotPremium(w http.ResponseWriter, r *http.Request) {
	var req premiumRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Active == nil {
		writeError(w, http.StatusBadRequest, "active_required")
		return
	}

	a.slot.NotifyPremiumChanged(*req.Active)

	// Other instances apply this through their watchers; ours skips it by instance_id.
	payload := events.Payload{
		"slot_id": a.slotID,
		"active":  *req.Active,
		"source":  "api",
	}
	if a.instanceID != "" {
		payload["instance_id"] = a.instanceID
	}
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok && claims != nil {
		payload["client_id"] = claims.ClientID
	}
	a.bus.Publish(events.EventPremiumChanged, payload)

	a.logger.Info().Bool("active", *req.Active).Msg("premium updated")
	writeJSON(w, http.StatusOK, a.slotView())
}

func (a *API) bridgeConnected() bool {
	return a.hub != nil && a.hub.Connected()
}

// decodeOptional decodes a JSON body, treating an empty body as zero values.
func decodeOptional(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
