/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package interstitial

import (
	"context"
	"time"
)

// Handle is an opaque reference to a loaded, not yet shown creative.
type Handle interface {
	AdID() string
}

// Outcome is how a show ended.
type Outcome int

const (
	// OutcomeDismissed means the ad was displayed and closed by the user.
	OutcomeDismissed Outcome = iota
	// OutcomeDisplayFailed means the provider could not render the ad.
	OutcomeDisplayFailed
)

func (o Outcome) String() string {
	if o == OutcomeDismissed {
		return "dismissed"
	}
	return "display_failed"
}

// Provider loads and presents interstitial inventory. Both calls run off the
// scheduler loop; implementations should honour ctx cancellation when they can.
type Provider interface {
	LoadAd(ctx context.Context, unitID string) (Handle, error)
	Show(ctx context.Context, h Handle) (Outcome, error)
}

// GateStore persists the last successful show so the frequency gate survives
// restarts.
type GateStore interface {
	LastShown(ctx context.Context) (time.Time, error)
	SaveLastShown(ctx context.Context, at time.Time) error
}

// Clock abstracts time for the watchdog and backoff timers.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable pending callback.
type Timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
