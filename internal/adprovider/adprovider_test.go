/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package adprovider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/adslot/internal/interstitial"
)

func TestHTTPLoader(t *testing.T) {
	var gotAuth, gotUnit, gotRequestID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotUnit = r.URL.Query().Get("unit_id")
		gotRequestID = r.URL.Query().Get("request_id")

		switch gotUnit {
		case "empty":
			w.WriteHeader(http.StatusNoContent)
		case "broken":
			http.Error(w, "upstream down", http.StatusBadGateway)
		case "partial":
			_, _ = w.Write([]byte(`{"ad_id":"ad-9"}`))
		default:
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"ad_id":"ad-1","creative_url":"https://cdn.example/ad-1.html","width":320,"height":480}`))
		}
	}))
	defer srv.Close()

	l := NewHTTPLoader(HTTPConfig{URL: srv.URL + "/v1/ads", Token: "secret"}, zerolog.Nop())
	ctx := context.Background()

	c, err := l.Load(ctx, "unit-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.AdID() != "ad-1" || c.UnitID != "unit-1" || c.Width != 320 {
		t.Errorf("unexpected creative: %+v", c)
	}
	if c.RequestID == "" || c.RequestID != gotRequestID {
		t.Errorf("request id %q not echoed (server saw %q)", c.RequestID, gotRequestID)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("Authorization = %q", gotAuth)
	}

	if _, err := l.Load(ctx, "empty"); !errors.Is(err, ErrNoFill) {
		t.Errorf("204 should be ErrNoFill, got %v", err)
	}
	if _, err := l.Load(ctx, "broken"); err == nil || !strings.Contains(err.Error(), "502") {
		t.Errorf("expected 502 error, got %v", err)
	}
	if _, err := l.Load(ctx, "partial"); err == nil {
		t.Error("expected error for creative without url")
	}
}

func TestHTTPLoaderHonoursContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	l := NewHTTPLoader(HTTPConfig{URL: srv.URL}, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := l.Load(ctx, "unit-1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

type stubPresenter struct {
	outcome interstitial.Outcome
	err     error
	seen    *Creative
}

func (s *stubPresenter) Present(_ context.Context, c *Creative) (interstitial.Outcome, error) {
	s.seen = c
	return s.outcome, s.err
}

func TestProviderShow(t *testing.T) {
	ctx := context.Background()
	pres := &stubPresenter{outcome: interstitial.OutcomeDismissed}
	p := New(StaticLoader{CreativeURL: "https://cdn.example/house.html"}, pres)

	h, err := p.LoadAd(ctx, "unit-1")
	if err != nil {
		t.Fatalf("LoadAd: %v", err)
	}
	if !strings.HasPrefix(h.AdID(), "house-") {
		t.Errorf("AdID = %q", h.AdID())
	}

	outcome, err := p.Show(ctx, h)
	if err != nil || outcome != interstitial.OutcomeDismissed {
		t.Fatalf("Show = %v, %v", outcome, err)
	}
	if pres.seen != h {
		t.Error("presenter did not receive the loaded creative")
	}
}

func TestProviderShowExpired(t *testing.T) {
	pres := &stubPresenter{outcome: interstitial.OutcomeDismissed}
	p := New(StaticLoader{}, pres)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	c := &Creative{ID: "ad-1", ExpiresAt: now}
	outcome, err := p.Show(context.Background(), c)
	if outcome != interstitial.OutcomeDisplayFailed || !errors.Is(err, ErrExpired) {
		t.Fatalf("Show = %v, %v; want display failure with ErrExpired", outcome, err)
	}
	if pres.seen != nil {
		t.Error("expired creative must not reach the presenter")
	}
}

type fakeHandle string

func (f fakeHandle) AdID() string { return string(f) }

func TestProviderShowRejectsForeignHandle(t *testing.T) {
	p := New(StaticLoader{}, &stubPresenter{})
	outcome, err := p.Show(context.Background(), fakeHandle("x"))
	if err == nil || outcome != interstitial.OutcomeDisplayFailed {
		t.Fatalf("Show = %v, %v", outcome, err)
	}
}

func TestStaticLoaderCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := (StaticLoader{}).Load(ctx, "u"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
