/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package adprovider fetches interstitial inventory and hands loaded
// creatives to a presenter.
package adprovider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/friendsincode/adslot/internal/interstitial"
)

var (
	// ErrNoFill means the inventory server had nothing for the unit.
	ErrNoFill = errors.New("no fill")

	// ErrExpired means the creative's serving window closed before it was shown.
	ErrExpired = errors.New("creative expired")

	// ErrNoPresenter means no client is attached to render the ad.
	ErrNoPresenter = errors.New("no presenter connected")
)

// Creative is a loaded ad. It implements interstitial.Handle.
type Creative struct {
	ID          string    `json:"ad_id"`
	UnitID      string    `json:"unit_id"`
	RequestID   string    `json:"request_id"`
	CreativeURL string    `json:"creative_url"`
	ClickURL    string    `json:"click_url,omitempty"`
	Width       int       `json:"width,omitempty"`
	Height      int       `json:"height,omitempty"`
	ExpiresAt   time.Time `json:"expires_at,omitzero"`
}

// AdID implements interstitial.Handle.
func (c *Creative) AdID() string { return c.ID }

// Expired reports whether the serving window has closed at now.
func (c *Creative) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// Loader fetches one creative for a unit.
type Loader interface {
	Load(ctx context.Context, unitID string) (*Creative, error)
}

// Presenter renders a creative and reports how the user left it.
type Presenter interface {
	Present(ctx context.Context, c *Creative) (interstitial.Outcome, error)
}

// Provider joins a Loader and a Presenter into an interstitial.Provider.
type Provider struct {
	loader    Loader
	presenter Presenter
	now       func() time.Time
}

// New returns a Provider.
func New(loader Loader, presenter Presenter) *Provider {
	return &Provider{loader: loader, presenter: presenter, now: time.Now}
}

// LoadAd implements interstitial.Provider.
func (p *Provider) LoadAd(ctx context.Context, unitID string) (interstitial.Handle, error) {
	c, err := p.loader.Load(ctx, unitID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrNoFill
	}
	return c, nil
}

// Show implements interstitial.Provider. Expired creatives are reported as
// display failures so the slot reloads.
func (p *Provider) Show(ctx context.Context, h interstitial.Handle) (interstitial.Outcome, error) {
	c, ok := h.(*Creative)
	if !ok {
		return interstitial.OutcomeDisplayFailed, fmt.Errorf("unexpected handle type %T", h)
	}
	if c.Expired(p.now()) {
		return interstitial.OutcomeDisplayFailed, ErrExpired
	}
	return p.presenter.Present(ctx, c)
}
