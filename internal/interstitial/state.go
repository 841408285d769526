/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package interstitial

import "time"

// State is the lifecycle state of the ad slot.
type State string

const (
	StateIdle        State = "idle"
	StateLoading     State = "loading"
	StateReady       State = "ready"
	StateShowing     State = "showing"
	StateCoolingDown State = "cooling_down"
)

// AllStates lists every slot state.
var AllStates = []State{StateIdle, StateLoading, StateReady, StateShowing, StateCoolingDown}

func stateNames() []string {
	out := make([]string, len(AllStates))
	for i, s := range AllStates {
		out[i] = string(s)
	}
	return out
}

// isValidTransition reports whether the slot may move from one state to another.
// Any state may fall back to Idle (premium bypass, retry exhaustion, dismissal).
func isValidTransition(from, to State) bool {
	if from == to || to == StateIdle {
		return true
	}

	switch from {
	case StateIdle:
		return to == StateLoading
	case StateLoading:
		return to == StateReady || to == StateCoolingDown
	case StateReady:
		return to == StateShowing
	case StateShowing:
		return false
	case StateCoolingDown:
		return to == StateLoading
	}
	return false
}

// Status is a point-in-time view of the slot, safe to read from any goroutine.
type Status struct {
	State       State     `json:"state"`
	Ready       bool      `json:"ready"`
	Premium     bool      `json:"premium"`
	RetryCount  int       `json:"retry_count"`
	MaxRetries  int       `json:"max_retries"`
	Exhausted   bool      `json:"exhausted"`
	LastShownAt time.Time `json:"last_shown_at"`
	Attempts    uint64    `json:"attempts"`
	LoadToken   uint64    `json:"load_token,omitempty"`
	AdID        string    `json:"ad_id,omitempty"`
}

// slot is the mutable ad slot. Only the scheduler loop touches it.
type slot struct {
	state       State
	handle      Handle
	lastShownAt time.Time
	retryCount  int
	premium     bool
	attempts    uint64

	// tokens rotate on every armed load or backoff; zero means none armed.
	lastToken    uint64
	loadToken    uint64
	backoffToken uint64

	watchdog   Timer
	backoff    Timer
	cancelLoad func()
	loadStart  time.Time

	showToken uint64
	pending   map[uint64]func(shown bool)
}

func newSlot() *slot {
	return &slot{
		state:   StateIdle,
		pending: make(map[uint64]func(bool)),
	}
}

func (sl *slot) nextToken() uint64 {
	sl.lastToken++
	return sl.lastToken
}

// disarm stops every timer and abandons any in-flight load. Late
// completions for the abandoned tokens are dropped by the loop.
func (sl *slot) disarm() {
	if sl.watchdog != nil {
		sl.watchdog.Stop()
		sl.watchdog = nil
	}
	if sl.backoff != nil {
		sl.backoff.Stop()
		sl.backoff = nil
	}
	if sl.cancelLoad != nil {
		sl.cancelLoad()
		sl.cancelLoad = nil
	}
	sl.loadToken = 0
	sl.backoffToken = 0
}

func (sl *slot) armed() bool {
	return sl.watchdog != nil || sl.backoff != nil
}
