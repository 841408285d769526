/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package adprovider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/friendsincode/adslot/internal/version"
)

// maxResponseBytes bounds inventory responses.
const maxResponseBytes = 64 << 10

// HTTPConfig configures the inventory client.
type HTTPConfig struct {
	URL   string
	Token string
	// Timeout is a ceiling for one request; the scheduler's watchdog usually fires first.
	Timeout time.Duration
}

// HTTPLoader requests creatives from an inventory endpoint:
//
//	GET <URL>?unit_id=<unit>&request_id=<uuid>
//
// 200 carries a Creative as JSON, 204 means no fill.
type HTTPLoader struct {
	cfg    HTTPConfig
	client *http.Client
	logger zerolog.Logger
}

// NewHTTPLoader creates a loader with an otelhttp instrumented client.
func NewHTTPLoader(cfg HTTPConfig, logger zerolog.Logger) *HTTPLoader {
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	return &HTTPLoader{
		cfg: cfg,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger.With().Str("component", "inventory").Logger(),
	}
}

// Load implements Loader.
func (l *HTTPLoader) Load(ctx context.Context, unitID string) (*Creative, error) {
	requestID := uuid.NewString()

	u, err := url.Parse(l.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse inventory url: %w", err)
	}
	q := u.Query()
	q.Set("unit_id", unitID)
	q.Set("request_id", requestID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build inventory request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if l.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+l.cfg.Token)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("inventory request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return nil, ErrNoFill
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("inventory returned %d: %s", resp.StatusCode, body)
	}

	var c Creative
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&c); err != nil {
		return nil, fmt.Errorf("decode inventory response: %w", err)
	}
	if c.ID == "" || c.CreativeURL == "" {
		return nil, fmt.Errorf("inventory response missing ad_id or creative_url")
	}
	if c.UnitID == "" {
		c.UnitID = unitID
	}
	c.RequestID = requestID

	l.logger.Debug().Str("ad_id", c.ID).Str("request_id", requestID).Msg("inventory loaded")
	return &c, nil
}

// StaticLoader serves a fixed creative under a fresh ID each time. Used when
// no inventory URL is configured.
type StaticLoader struct {
	CreativeURL string
	TTL         time.Duration
}

// Load implements Loader.
func (s StaticLoader) Load(ctx context.Context, unitID string) (*Creative, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := &Creative{
		ID:          "house-" + uuid.NewString(),
		UnitID:      unitID,
		RequestID:   uuid.NewString(),
		CreativeURL: s.CreativeURL,
	}
	if s.TTL > 0 {
		c.ExpiresAt = time.Now().Add(s.TTL)
	}
	return c, nil
}
