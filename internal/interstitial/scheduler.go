/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package interstitial schedules a single rotating full-screen ad slot.
//
// All slot mutations happen on one goroutine. Caller requests, timer fires
// and provider completions are events on a channel; each load and retry is
// tagged with a monotonic token so late completions are dropped.
package interstitial

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/friendsincode/adslot/internal/events"
	"github.com/friendsincode/adslot/internal/telemetry"
)

var (
	// ErrLoadTimeout is recorded when the watchdog fires before the provider answers.
	ErrLoadTimeout = errors.New("interstitial load timed out")

	// ErrRetryBudgetExhausted is recorded when consecutive failures reach MaxRetries.
	ErrRetryBudgetExhausted = errors.New("interstitial retry budget exhausted")

	// ErrDisplayFailed is recorded when the provider could not render a ready ad.
	ErrDisplayFailed = errors.New("interstitial display failed")

	// ErrSchedulerClosed is returned by Start after Shutdown.
	ErrSchedulerClosed = errors.New("interstitial scheduler closed")

	// ErrNoInventory is recorded when the provider returns neither an ad nor an error.
	ErrNoInventory = errors.New("provider returned no ad")
)

const (
	DefaultLoadTimeout = 30 * time.Second
	DefaultMaxRetries  = 3
	DefaultBackoffBase = 5 * time.Second

	tracerName   = "adslot/interstitial"
	storeTimeout = 5 * time.Second
	eventBuffer  = 64
)

// Config holds slot tuning.
type Config struct {
	UnitID          string
	// MinInterval of zero disables the frequency gate.
	MinInterval     time.Duration
	LoadTimeout     time.Duration
	MaxRetries      int
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	Backoff         BackoffPolicy
	PrefetchOnStart bool
}

func (c Config) withDefaults() Config {
	if c.MinInterval < 0 {
		c.MinInterval = 0
	}
	if c.LoadTimeout <= 0 {
		c.LoadTimeout = DefaultLoadTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.Backoff == "" {
		c.Backoff = BackoffLinear
	}
	return c
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithGateStore persists lastShownAt across restarts.
func WithGateStore(store GateStore) Option {
	return func(s *Scheduler) { s.store = store }
}

// WithPublisher publishes slot lifecycle events.
func WithPublisher(p events.Publisher) Option {
	return func(s *Scheduler) { s.bus = p }
}

// ShowOption customises a single RequestShow call.
type ShowOption func(*showOptions)

type showOptions struct {
	force       bool
	onDismissed func(shown bool)
}

func (o showOptions) notify(shown bool) {
	if o.onDismissed != nil {
		o.onDismissed(shown)
	}
}

// WithForceReload resets the retry budget and starts a load if none is
// running. Used for user-initiated shows that find nothing ready.
func WithForceReload() ShowOption {
	return func(o *showOptions) { o.force = true }
}

// WithDismissHandler registers fn to run exactly once for this request:
// with true after the ad is dismissed, with false when nothing was shown,
// the display failed, or the scheduler shut down mid-show.
func WithDismissHandler(fn func(shown bool)) ShowOption {
	return func(o *showOptions) { o.onDismissed = fn }
}

type eventKind int

const (
	evShow eventKind = iota
	evPrefetch
	evLoadDone
	evWatchdog
	evBackoff
	evShowDone
	evPremium
)

type event struct {
	kind        eventKind
	token       uint64
	handle      Handle
	err         error
	outcome     Outcome
	force       bool
	active      bool
	onDismissed func(shown bool)
	reply       chan bool
	ack         chan struct{}
}

// Scheduler owns the ad slot.
type Scheduler struct {
	cfg      Config
	provider Provider
	store    GateStore
	bus      events.Publisher
	clock    Clock
	logger   zerolog.Logger

	events  chan event
	quit    chan struct{}
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	running atomic.Bool
	wg      sync.WaitGroup

	lifeMu  sync.Mutex
	started bool
	closed  bool

	// persistMu serialises gate saves; persisted is the newest time written.
	persistMu sync.Mutex
	persisted time.Time

	// slot is owned by the loop goroutine.
	slot   *slot
	status atomic.Pointer[Status]
}

// New creates a scheduler. Call Start to begin processing.
func New(cfg Config, provider Provider, logger zerolog.Logger, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:      cfg.withDefaults(),
		provider: provider,
		bus:      events.Nop{},
		clock:    realClock{},
		logger:   logger.With().Str("component", "interstitial").Str("unit_id", cfg.UnitID).Logger(),
		events:   make(chan event, eventBuffer),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		slot:     newSlot(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.publishStatus()
	return s
}

// Start restores the frequency gate from the store and launches the slot loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if s.closed {
		return ErrSchedulerClosed
	}
	if s.started {
		return errors.New("interstitial scheduler already started")
	}
	s.started = true

	if s.store != nil {
		at, err := s.store.LastShown(ctx)
		if err != nil {
			telemetry.AdStoreErrorsTotal.WithLabelValues("load").Inc()
			s.logger.Warn().Err(err).Msg("failed to restore last shown time, treating slot as never shown")
		} else {
			s.slot.lastShownAt = at
		}
	}
	s.publishStatus()

	s.running.Store(true)
	s.wg.Add(1)
	go s.loop()

	if s.cfg.PrefetchOnStart {
		s.post(event{kind: evPrefetch})
	}

	s.logger.Info().
		Dur("min_interval", s.cfg.MinInterval).
		Dur("load_timeout", s.cfg.LoadTimeout).
		Int("max_retries", s.cfg.MaxRetries).
		Str("backoff", string(s.cfg.Backoff)).
		Msg("interstitial scheduler started")
	return nil
}

// Shutdown cancels all timers and in-flight provider calls and stops the
// loop. Pending dismissal handlers fire with false. Safe to call repeatedly.
func (s *Scheduler) Shutdown() {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	s.running.Store(false)

	if s.started {
		close(s.quit)
	} else {
		close(s.done)
	}
	s.wg.Wait()
	s.cancel()

	s.logger.Info().Msg("interstitial scheduler stopped")
}

// RequestShow tries to display an ad now and reports whether one was
// presented. It never waits on a network load; when nothing is ready it
// starts a background load.
func (s *Scheduler) RequestShow(opts ...ShowOption) bool {
	var o showOptions
	for _, opt := range opts {
		opt(&o)
	}

	if !s.running.Load() {
		telemetry.AdShowsTotal.WithLabelValues("closed").Inc()
		o.notify(false)
		return false
	}

	reply := make(chan bool, 1)
	if !s.post(event{kind: evShow, force: o.force, onDismissed: o.onDismissed, reply: reply}) {
		o.notify(false)
		return false
	}

	var shown bool
	select {
	case shown = <-reply:
	case <-s.done:
		select {
		case shown = <-reply:
		default:
		}
	}
	if !shown {
		o.notify(false)
	}
	return shown
}

// NotifyPremiumChanged switches the premium bypass. Activation discards
// inventory and halts loading; deactivation resets the retry budget and
// starts a fresh load. When the loop is running the call returns after the
// change has been applied.
func (s *Scheduler) NotifyPremiumChanged(active bool) {
	s.lifeMu.Lock()
	closed, running := s.closed, s.running.Load()
	s.lifeMu.Unlock()
	if closed {
		return
	}

	ack := make(chan struct{})
	if !s.post(event{kind: evPremium, active: active, ack: ack}) || !running {
		return
	}
	select {
	case <-ack:
	case <-s.done:
	}
}

// IsReady reports whether a loaded ad is waiting to be shown.
func (s *Scheduler) IsReady() bool {
	return s.Status().Ready
}

// TimeUntilNextEligibleShow returns how long until the frequency gate
// reopens; zero when it is open or nothing was ever shown.
func (s *Scheduler) TimeUntilNextEligibleShow() time.Duration {
	last := s.Status().LastShownAt
	if last.IsZero() {
		return 0
	}
	remaining := s.cfg.MinInterval - s.clock.Now().Sub(last)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Status returns the latest slot snapshot.
func (s *Scheduler) Status() Status {
	return *s.status.Load()
}

// Config returns the effective configuration after defaults.
func (s *Scheduler) Config() Config {
	return s.cfg
}

func (s *Scheduler) post(ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	defer close(s.done)

	for {
		select {
		case <-s.quit:
			s.teardown()
			return
		case ev := <-s.events:
			s.handle(ev)
			s.publishStatus()
		}
	}
}

func (s *Scheduler) handle(ev event) {
	switch ev.kind {
	case evShow:
		shown := s.onShowRequest(ev)
		s.publishStatus()
		ev.reply <- shown
	case evPrefetch:
		s.prefetch("startup")
	case evLoadDone:
		s.onLoadDone(ev)
	case evWatchdog:
		s.onWatchdog(ev)
	case evBackoff:
		s.onBackoff(ev)
	case evShowDone:
		s.onShowDone(ev)
	case evPremium:
		s.onPremium(ev)
		s.publishStatus()
		close(ev.ack)
	}
}

func (s *Scheduler) teardown() {
	sl := s.slot
	sl.disarm()
	sl.handle = nil
	s.transition(StateIdle)
	for tok, cb := range sl.pending {
		delete(sl.pending, tok)
		fire(cb, false)
	}
	s.publishStatus()
}

func (s *Scheduler) onShowRequest(ev event) bool {
	sl := s.slot

	if sl.premium {
		telemetry.AdShowsTotal.WithLabelValues("premium").Inc()
		return false
	}
	if ev.force {
		sl.retryCount = 0
	}

	now := s.clock.Now()
	gateOpen := s.gateOpen(now)

	switch sl.state {
	case StateReady:
		if !gateOpen {
			telemetry.AdShowsTotal.WithLabelValues("gate_rejected").Inc()
			s.logger.Debug().Dur("remaining", s.cfg.MinInterval-now.Sub(sl.lastShownAt)).Msg("show rejected by frequency gate")
			return false
		}
		s.present(ev.onDismissed)
		return true

	case StateIdle:
		if gateOpen {
			telemetry.AdShowsTotal.WithLabelValues("not_ready").Inc()
		} else {
			telemetry.AdShowsTotal.WithLabelValues("gate_rejected").Inc()
		}
		if ev.force {
			s.prefetch("force_reload")
		} else {
			s.prefetch("request")
		}

	case StateCoolingDown:
		telemetry.AdShowsTotal.WithLabelValues("not_ready").Inc()
		if ev.force {
			if sl.backoff != nil {
				sl.backoff.Stop()
				sl.backoff = nil
			}
			sl.backoffToken = 0
			s.startLoad("force_reload")
		}

	default:
		telemetry.AdShowsTotal.WithLabelValues("not_ready").Inc()
	}
	return false
}

func (s *Scheduler) gateOpen(now time.Time) bool {
	last := s.slot.lastShownAt
	return last.IsZero() || now.Sub(last) >= s.cfg.MinInterval
}

// present hands the ready ad to the provider. The handle leaves the slot
// before the provider sees it so it can never be displayed twice.
func (s *Scheduler) present(onDismissed func(bool)) {
	sl := s.slot
	h := sl.handle
	sl.handle = nil
	sl.showToken++
	tok := sl.showToken
	if onDismissed != nil {
		sl.pending[tok] = onDismissed
	}
	s.transition(StateShowing)

	telemetry.AdShowsTotal.WithLabelValues("shown").Inc()
	s.bus.Publish(events.EventAdShown, events.Payload{"unit_id": s.cfg.UnitID, "ad_id": h.AdID()})
	s.logger.Info().Str("ad_id", h.AdID()).Msg("presenting interstitial")

	go func() {
		ctx, span := telemetry.StartSpan(s.ctx, tracerName, "interstitial.show")
		defer span.End()
		span.SetAttributes(attribute.String("ad.id", h.AdID()))

		outcome, err := s.provider.Show(ctx, h)
		if err != nil {
			telemetry.RecordError(span, err)
			outcome = OutcomeDisplayFailed
		}
		span.SetAttributes(attribute.String("ad.outcome", outcome.String()))
		s.post(event{kind: evShowDone, token: tok, outcome: outcome, err: err})
	}()
}

func (s *Scheduler) onShowDone(ev event) {
	sl := s.slot
	cb := sl.pending[ev.token]
	delete(sl.pending, ev.token)

	dismissed := ev.err == nil && ev.outcome == OutcomeDismissed

	// Premium or a newer show took over while this one was on screen.
	if ev.token != sl.showToken || sl.state != StateShowing {
		s.logger.Debug().Uint64("show_token", ev.token).Msg("ignoring superseded show completion")
		fire(cb, dismissed)
		return
	}

	if dismissed {
		now := s.clock.Now()
		sl.lastShownAt = now
		s.transition(StateIdle)
		telemetry.AdShowsTotal.WithLabelValues("dismissed").Inc()
		s.bus.Publish(events.EventAdDismissed, events.Payload{"unit_id": s.cfg.UnitID, "shown_at": now})
		s.persist(now)
		fire(cb, true)
		s.prefetch("dismissed")
		return
	}

	err := ev.err
	if err == nil {
		err = ErrDisplayFailed
	}
	s.transition(StateIdle)
	telemetry.AdShowsTotal.WithLabelValues("display_failed").Inc()
	s.logger.Warn().Err(err).Msg("interstitial display failed, reloading")
	s.bus.Publish(events.EventAdDisplayFailed, events.Payload{"unit_id": s.cfg.UnitID, "error": err.Error()})
	fire(cb, false)
	s.prefetch("display_failed")
}

// prefetch starts a load when the slot is idle and automatic loading is allowed.
func (s *Scheduler) prefetch(reason string) {
	sl := s.slot
	if sl.premium || sl.state != StateIdle {
		return
	}
	if sl.retryCount >= s.cfg.MaxRetries {
		s.logger.Debug().Str("reason", reason).Msg("retry budget exhausted, waiting for force reload")
		return
	}
	s.startLoad(reason)
}

func (s *Scheduler) startLoad(reason string) {
	sl := s.slot
	tok := sl.nextToken()
	sl.loadToken = tok
	sl.attempts++
	sl.loadStart = s.clock.Now()

	ctx, cancel := context.WithCancel(s.ctx)
	sl.cancelLoad = cancel
	sl.watchdog = s.clock.AfterFunc(s.cfg.LoadTimeout, func() {
		s.post(event{kind: evWatchdog, token: tok})
	})
	s.transition(StateLoading)

	s.bus.Publish(events.EventAdLoadStarted, events.Payload{
		"unit_id":     s.cfg.UnitID,
		"token":       tok,
		"attempt":     sl.attempts,
		"retry_count": sl.retryCount,
		"reason":      reason,
	})

	go func() {
		ctx, span := telemetry.StartSpan(ctx, tracerName, "interstitial.load")
		defer span.End()
		span.SetAttributes(
			attribute.String("ad.unit_id", s.cfg.UnitID),
			attribute.Int64("ad.load_token", int64(tok)),
			attribute.String("ad.reason", reason),
		)

		h, err := s.provider.LoadAd(ctx, s.cfg.UnitID)
		telemetry.RecordError(span, err)
		s.post(event{kind: evLoadDone, token: tok, handle: h, err: err})
	}()
}

func (s *Scheduler) onLoadDone(ev event) {
	sl := s.slot
	if ev.token == 0 || ev.token != sl.loadToken || sl.state != StateLoading {
		telemetry.AdLoadsTotal.WithLabelValues("stale").Inc()
		s.logger.Debug().Uint64("token", ev.token).Uint64("current", sl.loadToken).Msg("dropping stale load completion")
		return
	}

	telemetry.AdLoadDuration.Observe(s.clock.Now().Sub(sl.loadStart).Seconds())
	if sl.watchdog != nil {
		sl.watchdog.Stop()
		sl.watchdog = nil
	}
	if sl.cancelLoad != nil {
		sl.cancelLoad()
		sl.cancelLoad = nil
	}
	sl.loadToken = 0

	err := ev.err
	if err == nil && ev.handle == nil {
		err = ErrNoInventory
	}
	if err != nil {
		telemetry.AdLoadsTotal.WithLabelValues("failure").Inc()
		s.loadFailed(err)
		return
	}

	telemetry.AdLoadsTotal.WithLabelValues("success").Inc()
	sl.handle = ev.handle
	sl.retryCount = 0
	s.transition(StateReady)
	s.bus.Publish(events.EventAdLoaded, events.Payload{"unit_id": s.cfg.UnitID, "ad_id": ev.handle.AdID(), "token": ev.token})
}

// onWatchdog treats an unanswered load as failed. The token is cleared first
// so the provider's eventual answer is dropped.
func (s *Scheduler) onWatchdog(ev event) {
	sl := s.slot
	if ev.token != sl.loadToken || sl.state != StateLoading {
		return
	}

	sl.loadToken = 0
	sl.watchdog = nil
	if sl.cancelLoad != nil {
		sl.cancelLoad()
		sl.cancelLoad = nil
	}

	telemetry.AdLoadsTotal.WithLabelValues("timeout").Inc()
	s.loadFailed(ErrLoadTimeout)
}

func (s *Scheduler) loadFailed(err error) {
	sl := s.slot
	sl.retryCount++

	s.bus.Publish(events.EventAdLoadFailed, events.Payload{
		"unit_id":     s.cfg.UnitID,
		"error":       err.Error(),
		"retry_count": sl.retryCount,
	})

	if sl.retryCount >= s.cfg.MaxRetries {
		sl.retryCount = s.cfg.MaxRetries
		s.transition(StateIdle)
		telemetry.AdRetriesExhaustedTotal.Inc()
		s.logger.Warn().Err(err).Int("retry_count", sl.retryCount).Msg("giving up on interstitial load")
		s.bus.Publish(events.EventAdRetryExhausted, events.Payload{
			"unit_id": s.cfg.UnitID,
			"error":   ErrRetryBudgetExhausted.Error(),
		})
		return
	}

	delay := s.cfg.Backoff.Delay(s.cfg.BackoffBase, s.cfg.BackoffMax, sl.retryCount)
	tok := sl.nextToken()
	sl.backoffToken = tok
	sl.backoff = s.clock.AfterFunc(delay, func() {
		s.post(event{kind: evBackoff, token: tok})
	})
	s.transition(StateCoolingDown)

	s.logger.Debug().Err(err).Int("retry_count", sl.retryCount).Dur("delay", delay).Msg("interstitial load failed, backing off")
}

func (s *Scheduler) onBackoff(ev event) {
	sl := s.slot
	if ev.token != sl.backoffToken || sl.state != StateCoolingDown || sl.premium {
		return
	}
	sl.backoff = nil
	sl.backoffToken = 0
	s.startLoad("retry")
}

func (s *Scheduler) onPremium(ev event) {
	sl := s.slot
	if ev.active == sl.premium {
		return
	}
	sl.premium = ev.active

	if ev.active {
		telemetry.AdPremiumActive.Set(1)
		sl.disarm()
		sl.handle = nil
		s.transition(StateIdle)
		s.logger.Info().Msg("premium active, interstitials suspended")
		return
	}

	telemetry.AdPremiumActive.Set(0)
	sl.retryCount = 0
	s.logger.Info().Msg("premium cleared, resuming interstitials")
	s.prefetch("premium_cleared")
}

func (s *Scheduler) transition(to State) {
	sl := s.slot
	from := sl.state
	if from == to {
		return
	}
	if !isValidTransition(from, to) {
		s.logger.Error().Str("from", string(from)).Str("to", string(to)).Msg("invalid slot transition")
		return
	}
	sl.state = to
	telemetry.SetSlotState(string(to), stateNames())
	s.logger.Debug().Str("from", string(from)).Str("to", string(to)).Msg("slot transition")
}

func (s *Scheduler) persist(at time.Time) {
	if s.store == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.persistMu.Lock()
		defer s.persistMu.Unlock()
		if !at.After(s.persisted) {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := s.store.SaveLastShown(ctx, at); err != nil {
			telemetry.AdStoreErrorsTotal.WithLabelValues("save").Inc()
			s.logger.Warn().Err(err).Msg("failed to persist last shown time")
			return
		}
		s.persisted = at
	}()
}

func (s *Scheduler) publishStatus() {
	sl := s.slot
	st := &Status{
		State:       sl.state,
		Ready:       sl.state == StateReady,
		Premium:     sl.premium,
		RetryCount:  sl.retryCount,
		MaxRetries:  s.cfg.MaxRetries,
		Exhausted:   sl.retryCount >= s.cfg.MaxRetries,
		LastShownAt: sl.lastShownAt,
		Attempts:    sl.attempts,
		LoadToken:   sl.loadToken,
	}
	if sl.handle != nil {
		st.AdID = sl.handle.AdID()
	}
	s.status.Store(st)
	telemetry.AdRetryCount.Set(float64(sl.retryCount))
}

func fire(cb func(bool), shown bool) {
	if cb != nil {
		go cb(shown)
	}
}
