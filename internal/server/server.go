/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/friendsincode/adslot/internal/adprovider"
	"github.com/friendsincode/adslot/internal/api"
	"github.com/friendsincode/adslot/internal/bridge"
	"github.com/friendsincode/adslot/internal/config"
	"github.com/friendsincode/adslot/internal/db"
	"github.com/friendsincode/adslot/internal/entitlement"
	"github.com/friendsincode/adslot/internal/eventbus"
	"github.com/friendsincode/adslot/internal/interstitial"
	"github.com/friendsincode/adslot/internal/store"
	"github.com/friendsincode/adslot/internal/telemetry"
)

// dbMetricsInterval is how often pool gauges are refreshed for the SQL store.
const dbMetricsInterval = 15 * time.Second

// Server bundles HTTP and supporting services.
type Server struct {
	cfg           *config.Config
	logger        zerolog.Logger
	router        chi.Router
	httpServer    *http.Server
	metricsServer *http.Server
	closers       []func() error

	bus       eventbus.Bus
	store     store.Store
	hub       *bridge.Hub
	scheduler *interstitial.Scheduler
	watcher   *entitlement.Watcher
	api       *api.API

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// New constructs the server and wires dependencies. Nothing runs until Start.
func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	for _, warn := range cfg.LegacyEnvWarnings {
		logger.Warn().Msg(warn)
	}
	if cfg.JWTSigningKey == "" {
		logger.Warn().Msg("ADSLOT_JWT_SIGNING_KEY is empty, API authentication is disabled")
	}

	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(securityHeadersMiddleware)
	router.Use(telemetry.TracingMiddleware("adslot-api"))
	router.Use(telemetry.MetricsMiddleware)
	// Websockets and waiting show requests manage their own lifetime.
	router.Use(func(next http.Handler) http.Handler {
		timeout := middleware.Timeout(60 * time.Second)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") || r.URL.Path == "/api/v1/slot/show" {
				next.ServeHTTP(w, r)
				return
			}
			timeout(next).ServeHTTP(w, r)
		})
	})

	srv := &Server{
		cfg:    cfg,
		logger: logger,
		router: router,
	}

	if err := srv.initDependencies(); err != nil {
		_ = srv.Close()
		return nil, err
	}

	srv.configureRoutes()

	srv.httpServer = &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           srv.router,
		ReadHeaderTimeout: 15 * time.Second,
		// WriteTimeout stays 0 so websockets and waiting show requests are not cut off.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	if cfg.MetricsBind != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.Handler())
		srv.metricsServer = &http.Server{
			Addr:              cfg.MetricsBind,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	return srv, nil
}

func (s *Server) initDependencies() error {
	ctx := context.Background()

	if s.cfg.InstanceID == "" {
		s.cfg.InstanceID = eventbus.NewNodeID()
	}

	bus, err := eventbus.New(s.cfg, s.logger)
	if err != nil {
		return fmt.Errorf("event bus: %w", err)
	}
	s.bus = bus
	s.DeferClose(bus.Close)

	st, err := store.New(ctx, s.cfg, s.logger)
	if err != nil {
		return fmt.Errorf("gate store: %w", err)
	}
	s.store = st
	s.DeferClose(st.Close)

	s.hub = bridge.NewHub(bus, s.cfg.PresentTimeout, s.logger)

	var loader adprovider.Loader
	if s.cfg.InventoryURL != "" {
		loader = adprovider.NewHTTPLoader(adprovider.HTTPConfig{
			URL:     s.cfg.InventoryURL,
			Token:   s.cfg.InventoryToken,
			Timeout: 2 * s.cfg.LoadTimeout,
		}, s.logger)
		s.logger.Info().Str("url", s.cfg.InventoryURL).Msg("using HTTP inventory")
	} else {
		loader = adprovider.StaticLoader{CreativeURL: s.cfg.HouseCreativeURL, TTL: s.cfg.HouseCreativeTTL}
		s.logger.Info().Str("creative_url", s.cfg.HouseCreativeURL).Msg("no inventory configured, serving house creative")
	}

	backoff, err := interstitial.ParseBackoffPolicy(s.cfg.BackoffPolicy)
	if err != nil {
		return err
	}

	s.scheduler = interstitial.New(interstitial.Config{
		UnitID:          s.cfg.AdUnitID,
		MinInterval:     s.cfg.MinInterval,
		LoadTimeout:     s.cfg.LoadTimeout,
		MaxRetries:      s.cfg.MaxRetries,
		BackoffBase:     s.cfg.BackoffBase,
		BackoffMax:      s.cfg.BackoffMax,
		Backoff:         backoff,
		PrefetchOnStart: s.cfg.PrefetchOnStart,
	}, adprovider.New(loader, s.hub), s.logger,
		interstitial.WithGateStore(st),
		interstitial.WithPublisher(bus),
	)

	s.watcher = entitlement.NewWatcher(bus, s.scheduler, s.cfg.SlotID, s.logger,
		entitlement.WithInstanceID(s.cfg.InstanceID))
	s.api = api.New(s.scheduler, s.cfg.SlotID, s.hub, bus, []byte(s.cfg.JWTSigningKey), s.logger,
		api.WithInstanceID(s.cfg.InstanceID))
	return nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// HTTPServer exposes the underlying net/http server.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// MetricsServer is nil when metrics are disabled.
func (s *Server) MetricsServer() *http.Server {
	return s.metricsServer
}

// Start launches the slot loop and background workers.
func (s *Server) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.bgCancel = cancel

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		s.watcher.Run(ctx)
	}()

	if err := s.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	if sqlStore, ok := s.store.(*store.SQL); ok {
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			s.runDBMetrics(ctx, sqlStore)
		}()
	}
	return nil
}

func (s *Server) runDBMetrics(ctx context.Context, st *store.SQL) {
	ticker := time.NewTicker(dbMetricsInterval)
	defer ticker.Stop()

	db.UpdateConnectionMetrics(st.DB())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			db.UpdateConnectionMetrics(st.DB())
		}
	}
}

// Close stops the slot and releases owned resources in reverse order.
func (s *Server) Close() error {
	if s.scheduler != nil {
		s.scheduler.Shutdown()
	}
	s.stopBackgroundWorkers()

	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// DeferClose registers a cleanup hook.
func (s *Server) DeferClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

func (s *Server) stopBackgroundWorkers() {
	if s.bgCancel == nil {
		return
	}
	s.bgCancel()
	s.bgWG.Wait()
	s.bgCancel = nil
}

func (s *Server) configureRoutes() {
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, `{"status":"ok","state":%q}`, s.scheduler.Status().State)
	})

	s.api.Routes(s.router)
}
