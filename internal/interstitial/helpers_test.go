/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package interstitial

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

type fakeAd string

func (a fakeAd) AdID() string { return string(a) }

type loadResult struct {
	h   Handle
	err error
}

type loadCall struct {
	ctx    context.Context
	result chan loadResult
}

func (c *loadCall) succeed(id string) { c.result <- loadResult{h: fakeAd(id)} }
func (c *loadCall) fail(err error)    { c.result <- loadResult{err: err} }

type showResult struct {
	outcome Outcome
	err     error
}

type showCall struct {
	h      Handle
	result chan showResult
}

func (c *showCall) dismiss() { c.result <- showResult{outcome: OutcomeDismissed} }
func (c *showCall) fail()    { c.result <- showResult{outcome: OutcomeDisplayFailed} }

// fakeProvider hands every call to the test and ignores ctx, like an SDK
// that cannot cancel a request.
type fakeProvider struct {
	loads     chan *loadCall
	shows     chan *showCall
	closed    chan struct{}
	loadCount atomic.Int32
}

func newFakeProvider(t *testing.T) *fakeProvider {
	p := &fakeProvider{
		loads:  make(chan *loadCall, 64),
		shows:  make(chan *showCall, 64),
		closed: make(chan struct{}),
	}
	t.Cleanup(func() { close(p.closed) })
	return p
}

func (p *fakeProvider) LoadAd(ctx context.Context, unitID string) (Handle, error) {
	p.loadCount.Add(1)
	c := &loadCall{ctx: ctx, result: make(chan loadResult, 1)}
	p.loads <- c
	select {
	case r := <-c.result:
		return r.h, r.err
	case <-p.closed:
		return nil, context.Canceled
	}
}

func (p *fakeProvider) Show(ctx context.Context, h Handle) (Outcome, error) {
	c := &showCall{h: h, result: make(chan showResult, 1)}
	p.shows <- c
	select {
	case r := <-c.result:
		return r.outcome, r.err
	case <-p.closed:
		return OutcomeDisplayFailed, context.Canceled
	}
}

func (p *fakeProvider) nextLoad(t *testing.T) *loadCall {
	t.Helper()
	select {
	case c := <-p.loads:
		return c
	case <-time.After(waitFor):
		t.Fatal("expected a provider load")
		return nil
	}
}

func (p *fakeProvider) nextShow(t *testing.T) *showCall {
	t.Helper()
	select {
	case c := <-p.shows:
		return c
	case <-time.After(waitFor):
		t.Fatal("expected a provider show")
		return nil
	}
}

func (p *fakeProvider) expectNoLoad(t *testing.T) {
	t.Helper()
	select {
	case <-p.loads:
		t.Fatal("unexpected provider load")
	case <-time.After(50 * time.Millisecond):
	}
}

type manualTimer struct {
	clock *manualClock
	at    time.Time
	fn    func()
	done  bool
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

// manualClock only moves when Advance is called.
type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, at: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*manualTimer
	for _, t := range c.timers {
		if !t.done && !t.at.After(c.now) {
			t.done = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.fn()
	}
}

// Active counts timers that are armed and not yet fired.
func (c *manualClock) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.done {
			n++
		}
	}
	return n
}

type memGateStore struct {
	mu    sync.Mutex
	last  time.Time
	saves int
}

func (m *memGateStore) LastShown(context.Context) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, nil
}

func (m *memGateStore) SaveLastShown(_ context.Context, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = at
	m.saves++
	return nil
}

func (m *memGateStore) snapshot() (time.Time, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, m.saves
}

func testConfig() Config {
	return Config{
		UnitID:      "unit-test",
		MinInterval: 30 * time.Second,
		LoadTimeout: 10 * time.Second,
		MaxRetries:  3,
		BackoffBase: time.Second,
	}
}

func newTestScheduler(t *testing.T, cfg Config, opts ...Option) (*Scheduler, *fakeProvider, *manualClock) {
	t.Helper()
	p := newFakeProvider(t)
	clk := newManualClock()
	s := New(cfg, p, zerolog.Nop(), append([]Option{WithClock(clk)}, opts...)...)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Shutdown)
	return s, p, clk
}

// makeReady drives a fresh slot to Ready with the given ad.
func makeReady(t *testing.T, s *Scheduler, p *fakeProvider, id string) {
	t.Helper()
	require.False(t, s.RequestShow())
	p.nextLoad(t).succeed(id)
	waitState(t, s, StateReady)
}

func waitState(t *testing.T, s *Scheduler, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Status().State == want }, waitFor, 5*time.Millisecond,
		"slot never reached %s", want)
}

func waitShown(t *testing.T, ch <-chan bool) bool {
	t.Helper()
	select {
	case shown := <-ch:
		return shown
	case <-time.After(waitFor):
		t.Fatal("dismiss handler never fired")
		return false
	}
}
