/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package interstitial

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/friendsincode/adslot/internal/events"
)

var errNoFill = errors.New("no fill")

func TestFirstShowBypassesInterval(t *testing.T) {
	s, p, clk := newTestScheduler(t, testConfig())

	require.False(t, s.RequestShow(), "nothing loaded yet")
	require.Equal(t, StateLoading, s.Status().State)

	p.nextLoad(t).succeed("ad-1")
	waitState(t, s, StateReady)
	require.True(t, s.IsReady())

	require.True(t, s.RequestShow(), "first show is exempt from the interval")
	show := p.nextShow(t)
	require.Equal(t, "ad-1", show.h.AdID())
	require.False(t, s.IsReady(), "handle leaves the slot as soon as it is shown")

	show.dismiss()
	require.Eventually(t, func() bool {
		return s.Status().LastShownAt.Equal(clk.Now())
	}, waitFor, 5*time.Millisecond)

	// Dismissal triggers a prefetch for the next window.
	p.nextLoad(t)
}

func TestSecondShowWithinIntervalIsRejected(t *testing.T) {
	s, p, clk := newTestScheduler(t, testConfig())
	makeReady(t, s, p, "ad-1")

	require.True(t, s.RequestShow())
	p.nextShow(t).dismiss()
	p.nextLoad(t).succeed("ad-2")
	waitState(t, s, StateReady)

	clk.Advance(5 * time.Second)
	require.False(t, s.RequestShow())
	require.True(t, s.IsReady(), "a gate rejection must not consume the handle")
	require.Equal(t, "ad-2", s.Status().AdID)
	require.Equal(t, 25*time.Second, s.TimeUntilNextEligibleShow())

	clk.Advance(25 * time.Second)
	require.Equal(t, time.Duration(0), s.TimeUntilNextEligibleShow())
	require.True(t, s.RequestShow())
	require.Equal(t, "ad-2", p.nextShow(t).h.AdID())
}

func TestRetryBudgetExhaustion(t *testing.T) {
	s, p, clk := newTestScheduler(t, testConfig())

	require.False(t, s.RequestShow())
	p.nextLoad(t).fail(errNoFill)
	require.Eventually(t, func() bool {
		st := s.Status()
		return st.State == StateCoolingDown && st.RetryCount == 1
	}, waitFor, 5*time.Millisecond)

	// Linear backoff: 1s after the first failure, 2s after the second.
	clk.Advance(time.Second)
	p.nextLoad(t).fail(errNoFill)
	require.Eventually(t, func() bool {
		st := s.Status()
		return st.State == StateCoolingDown && st.RetryCount == 2
	}, waitFor, 5*time.Millisecond)

	clk.Advance(time.Second)
	p.expectNoLoad(t)
	clk.Advance(time.Second)
	p.nextLoad(t).fail(errNoFill)
	require.Eventually(t, func() bool {
		st := s.Status()
		return st.State == StateIdle && st.RetryCount == 3
	}, waitFor, 5*time.Millisecond)

	st := s.Status()
	require.False(t, st.Ready)
	require.True(t, st.Exhausted)
	require.Equal(t, 0, clk.Active(), "no timers may stay armed after giving up")

	clk.Advance(time.Hour)
	p.expectNoLoad(t)

	require.False(t, s.RequestShow(), "plain requests do not retry an exhausted slot")
	p.expectNoLoad(t)

	require.False(t, s.RequestShow(WithForceReload()))
	p.nextLoad(t)
	st = s.Status()
	require.Equal(t, StateLoading, st.State)
	require.Equal(t, 0, st.RetryCount)
	require.False(t, st.Exhausted)
}

func TestPremiumActivatedMidLoad(t *testing.T) {
	s, p, clk := newTestScheduler(t, testConfig())

	require.False(t, s.RequestShow())
	load := p.nextLoad(t)

	s.NotifyPremiumChanged(true)
	st := s.Status()
	require.Equal(t, StateIdle, st.State)
	require.True(t, st.Premium)
	require.Empty(t, st.AdID)
	require.Zero(t, st.LoadToken)
	require.Equal(t, 0, clk.Active(), "watchdog must be cancelled")
	require.Error(t, load.ctx.Err(), "in-flight load must be cancelled")

	load.succeed("late")
	require.Never(t, s.IsReady, 100*time.Millisecond, 10*time.Millisecond)
	require.Equal(t, StateIdle, s.Status().State)

	require.False(t, s.RequestShow(), "premium suppresses shows")
	require.False(t, s.RequestShow(WithForceReload()), "premium suppresses forced reloads")
	p.expectNoLoad(t)

	s.NotifyPremiumChanged(false)
	require.False(t, s.Status().Premium)
	p.nextLoad(t)
	require.Equal(t, StateLoading, s.Status().State)
}

func TestPremiumClearResetsRetryBudget(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 1
	s, p, _ := newTestScheduler(t, cfg)

	require.False(t, s.RequestShow())
	p.nextLoad(t).fail(errNoFill)
	require.Eventually(t, func() bool { return s.Status().Exhausted }, waitFor, 5*time.Millisecond)

	s.NotifyPremiumChanged(true)
	s.NotifyPremiumChanged(false)
	p.nextLoad(t)
	require.Equal(t, 0, s.Status().RetryCount)
}

func TestRepeatedPremiumNotificationIsNoop(t *testing.T) {
	s, p, _ := newTestScheduler(t, testConfig())
	makeReady(t, s, p, "ad-1")

	s.NotifyPremiumChanged(false)
	require.True(t, s.IsReady(), "clearing an inactive premium flag must not discard inventory")
	p.expectNoLoad(t)
}

func TestConcurrentRequestsStartSingleLoad(t *testing.T) {
	s, p, _ := newTestScheduler(t, testConfig())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.RequestShow()
		}()
	}
	wg.Wait()

	p.nextLoad(t)
	p.expectNoLoad(t)
	require.Equal(t, int32(1), p.loadCount.Load())
	require.Equal(t, uint64(1), s.Status().Attempts)
}

func TestWatchdogDropsLateCompletion(t *testing.T) {
	s, p, clk := newTestScheduler(t, testConfig())

	require.False(t, s.RequestShow())
	stale := p.nextLoad(t)
	staleToken := s.Status().LoadToken
	require.NotZero(t, staleToken)

	clk.Advance(10 * time.Second)
	require.Eventually(t, func() bool {
		st := s.Status()
		return st.State == StateCoolingDown && st.RetryCount == 1
	}, waitFor, 5*time.Millisecond)
	require.Error(t, stale.ctx.Err(), "timed out load must be cancelled")

	stale.succeed("late")
	require.Never(t, s.IsReady, 100*time.Millisecond, 10*time.Millisecond)
	require.Equal(t, StateCoolingDown, s.Status().State)
	require.Equal(t, 1, s.Status().RetryCount)

	clk.Advance(time.Second)
	fresh := p.nextLoad(t)
	require.NotEqual(t, staleToken, s.Status().LoadToken)
	fresh.succeed("fresh")
	waitState(t, s, StateReady)
	require.Equal(t, "fresh", s.Status().AdID)
	require.Equal(t, 0, s.Status().RetryCount)
}

func TestProviderReturningNothingCountsAsFailure(t *testing.T) {
	s, p, _ := newTestScheduler(t, testConfig())

	require.False(t, s.RequestShow())
	p.nextLoad(t).result <- loadResult{}
	require.Eventually(t, func() bool {
		return s.Status().State == StateCoolingDown
	}, waitFor, 5*time.Millisecond)
}

func TestForceReloadDuringCooldown(t *testing.T) {
	s, p, clk := newTestScheduler(t, testConfig())

	require.False(t, s.RequestShow())
	p.nextLoad(t).fail(errNoFill)
	waitState(t, s, StateCoolingDown)

	require.False(t, s.RequestShow(WithForceReload()))
	p.nextLoad(t)
	st := s.Status()
	require.Equal(t, StateLoading, st.State)
	require.Equal(t, 0, st.RetryCount)

	// The abandoned backoff timer must not start a second load.
	clk.Advance(time.Second)
	p.expectNoLoad(t)
}

func TestForceReloadKeepsReadyAd(t *testing.T) {
	s, p, clk := newTestScheduler(t, testConfig())
	makeReady(t, s, p, "ad-1")
	require.True(t, s.RequestShow())
	p.nextShow(t).dismiss()
	p.nextLoad(t).succeed("ad-2")
	waitState(t, s, StateReady)

	clk.Advance(5 * time.Second)
	require.False(t, s.RequestShow(WithForceReload()), "gate still closed")
	require.True(t, s.IsReady())
	require.Equal(t, "ad-2", s.Status().AdID)
	p.expectNoLoad(t)
}

func TestDisplayFailureReloadsWithoutTouchingGate(t *testing.T) {
	s, p, _ := newTestScheduler(t, testConfig())
	makeReady(t, s, p, "ad-1")

	results := make(chan bool, 2)
	require.True(t, s.RequestShow(WithDismissHandler(func(shown bool) { results <- shown })))
	p.nextShow(t).fail()

	require.False(t, waitShown(t, results))
	p.nextLoad(t)
	require.True(t, s.Status().LastShownAt.IsZero())
	require.Equal(t, time.Duration(0), s.TimeUntilNextEligibleShow())
}

func TestDismissHandlerFiresOnce(t *testing.T) {
	t.Run("not ready", func(t *testing.T) {
		s, _, _ := newTestScheduler(t, testConfig())

		var calls atomic.Int32
		var last atomic.Bool
		last.Store(true)
		shown := s.RequestShow(WithDismissHandler(func(shown bool) {
			calls.Add(1)
			last.Store(shown)
		}))
		require.False(t, shown)
		require.Equal(t, int32(1), calls.Load(), "rejections notify immediately")
		require.False(t, last.Load())

		time.Sleep(50 * time.Millisecond)
		require.Equal(t, int32(1), calls.Load())
	})

	t.Run("gate rejected", func(t *testing.T) {
		s, p, _ := newTestScheduler(t, testConfig())
		makeReady(t, s, p, "ad-1")
		require.True(t, s.RequestShow())
		p.nextShow(t).dismiss()
		p.nextLoad(t).succeed("ad-2")
		waitState(t, s, StateReady)

		var calls atomic.Int32
		require.False(t, s.RequestShow(WithDismissHandler(func(bool) { calls.Add(1) })))
		require.Equal(t, int32(1), calls.Load())
	})

	t.Run("dismissed", func(t *testing.T) {
		s, p, _ := newTestScheduler(t, testConfig())
		makeReady(t, s, p, "ad-1")

		results := make(chan bool, 2)
		require.True(t, s.RequestShow(WithDismissHandler(func(shown bool) { results <- shown })))
		require.Empty(t, results, "handler waits for the dismissal")

		p.nextShow(t).dismiss()
		require.True(t, waitShown(t, results))
		select {
		case extra := <-results:
			t.Fatalf("handler fired twice, second value %v", extra)
		case <-time.After(50 * time.Millisecond):
		}
	})
}

func TestRequestShowWhileShowing(t *testing.T) {
	s, p, _ := newTestScheduler(t, testConfig())
	makeReady(t, s, p, "ad-1")

	first := make(chan bool, 1)
	require.True(t, s.RequestShow(WithDismissHandler(func(shown bool) { first <- shown })))
	show := p.nextShow(t)
	require.Equal(t, StateShowing, s.Status().State)

	second := make(chan bool, 1)
	require.False(t, s.RequestShow(WithDismissHandler(func(shown bool) { second <- shown })))
	require.False(t, waitShown(t, second))
	require.False(t, s.RequestShow(WithForceReload()))
	require.Equal(t, StateShowing, s.Status().State)
	require.Empty(t, first, "first caller waits for its own dismissal")
	p.expectNoLoad(t)

	show.dismiss()
	require.True(t, waitShown(t, first))
	p.nextLoad(t)
}

func TestZeroMinIntervalDisablesGate(t *testing.T) {
	cfg := testConfig()
	cfg.MinInterval = 0
	s, p, _ := newTestScheduler(t, cfg)
	makeReady(t, s, p, "ad-1")

	require.True(t, s.RequestShow())
	p.nextShow(t).dismiss()
	p.nextLoad(t).succeed("ad-2")
	waitState(t, s, StateReady)

	require.Equal(t, time.Duration(0), s.TimeUntilNextEligibleShow())
	require.True(t, s.RequestShow())
	require.Equal(t, "ad-2", p.nextShow(t).h.AdID())
}

func TestPremiumDuringShowStillNotifiesCaller(t *testing.T) {
	s, p, _ := newTestScheduler(t, testConfig())
	makeReady(t, s, p, "ad-1")

	results := make(chan bool, 1)
	require.True(t, s.RequestShow(WithDismissHandler(func(shown bool) { results <- shown })))
	show := p.nextShow(t)

	s.NotifyPremiumChanged(true)
	require.Equal(t, StateIdle, s.Status().State)

	show.dismiss()
	require.True(t, waitShown(t, results))
	require.True(t, s.Status().LastShownAt.IsZero(), "superseded show does not mutate the slot")
	p.expectNoLoad(t)
}

func TestShutdown(t *testing.T) {
	s, p, clk := newTestScheduler(t, testConfig())
	makeReady(t, s, p, "ad-1")

	results := make(chan bool, 1)
	require.True(t, s.RequestShow(WithDismissHandler(func(shown bool) { results <- shown })))
	show := p.nextShow(t)

	s.Shutdown()
	require.False(t, waitShown(t, results), "pending handler released on shutdown")
	s.Shutdown()

	show.dismiss()
	require.Equal(t, StateIdle, s.Status().State)
	require.Equal(t, 0, clk.Active())

	var calls atomic.Int32
	require.False(t, s.RequestShow(WithDismissHandler(func(bool) { calls.Add(1) })))
	require.Equal(t, int32(1), calls.Load())

	s.NotifyPremiumChanged(true)
	require.False(t, s.Status().Premium)
	require.ErrorIs(t, s.Start(context.Background()), ErrSchedulerClosed)
}

func TestShutdownCancelsLoadAndTimers(t *testing.T) {
	s, p, clk := newTestScheduler(t, testConfig())

	require.False(t, s.RequestShow())
	load := p.nextLoad(t)
	require.Equal(t, 1, clk.Active())

	s.Shutdown()
	require.Error(t, load.ctx.Err())
	require.Equal(t, 0, clk.Active())
	load.succeed("late")
	require.Never(t, s.IsReady, 50*time.Millisecond, 10*time.Millisecond)
}

func TestShutdownBeforeStart(t *testing.T) {
	s := New(testConfig(), newFakeProvider(t), zerolog.Nop())
	s.Shutdown()
	s.Shutdown()
	require.False(t, s.RequestShow())
	require.ErrorIs(t, s.Start(context.Background()), ErrSchedulerClosed)
}

func TestPrefetchOnStart(t *testing.T) {
	cfg := testConfig()
	cfg.PrefetchOnStart = true
	s, p, _ := newTestScheduler(t, cfg)

	p.nextLoad(t).succeed("warm")
	waitState(t, s, StateReady)
	require.True(t, s.RequestShow())
}

func TestPremiumBeforeStartSuppressesPrefetch(t *testing.T) {
	cfg := testConfig()
	cfg.PrefetchOnStart = true
	p := newFakeProvider(t)
	s := New(cfg, p, zerolog.Nop(), WithClock(newManualClock()))
	t.Cleanup(s.Shutdown)

	s.NotifyPremiumChanged(true)
	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool { return s.Status().Premium }, waitFor, 5*time.Millisecond)
	p.expectNoLoad(t)
}

func TestGateStoreRestoresAndPersists(t *testing.T) {
	clkStart := newManualClock().Now()
	store := &memGateStore{last: clkStart.Add(-10 * time.Second)}
	s, p, clk := newTestScheduler(t, testConfig(), WithGateStore(store))

	require.Equal(t, 20*time.Second, s.TimeUntilNextEligibleShow())
	makeReady(t, s, p, "ad-1")
	require.False(t, s.RequestShow(), "restored gate still closed")

	clk.Advance(20 * time.Second)
	require.True(t, s.RequestShow())
	p.nextShow(t).dismiss()

	require.Eventually(t, func() bool {
		last, saves := store.snapshot()
		return saves == 1 && last.Equal(clk.Now())
	}, waitFor, 5*time.Millisecond)
}

func TestGateStoreKeepsNewestShow(t *testing.T) {
	store := &memGateStore{}
	s, _, clk := newTestScheduler(t, testConfig(), WithGateStore(store))

	later := clk.Now().Add(time.Minute)
	s.persist(later)
	require.Eventually(t, func() bool {
		_, saves := store.snapshot()
		return saves == 1
	}, waitFor, 5*time.Millisecond)

	// A save for an older dismissal that finishes late must not win.
	s.persist(clk.Now())
	s.Shutdown()

	last, saves := store.snapshot()
	require.Equal(t, 1, saves)
	require.True(t, last.Equal(later))
}

func TestLifecycleEventsArePublished(t *testing.T) {
	bus := events.NewBus()
	loaded := bus.Subscribe(events.EventAdLoaded)
	dismissed := bus.Subscribe(events.EventAdDismissed)
	failed := bus.Subscribe(events.EventAdLoadFailed)
	exhausted := bus.Subscribe(events.EventAdRetryExhausted)

	cfg := testConfig()
	cfg.MaxRetries = 1
	s, p, _ := newTestScheduler(t, cfg, WithPublisher(bus))

	makeReady(t, s, p, "ad-1")
	payload := <-loaded
	require.Equal(t, "ad-1", payload["ad_id"])

	require.True(t, s.RequestShow())
	p.nextShow(t).dismiss()
	<-dismissed

	p.nextLoad(t).fail(errNoFill)
	payload = <-failed
	require.Equal(t, errNoFill.Error(), payload["error"])
	<-exhausted
}
