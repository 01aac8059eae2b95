/*
File: relayservice/relayservice.go
Description: The ops-facing half of the relay: a small HTTP server exposing
health, readiness, metrics, and the introspection API, plus the background
health monitor that sweeps stale registrations.
*/
// Package relayservice wires the relay core into a runnable service.
package relayservice

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"github.com/jmolds/bill-phone-sub000/internal/api"
	"github.com/jmolds/bill-phone-sub000/internal/metrics"
	"github.com/jmolds/bill-phone-sub000/internal/switchboard"
	"github.com/jmolds/bill-phone-sub000/relayservice/config"
)

// Wrapper bundles the ops HTTP server and the health monitor.
type Wrapper struct {
	server     *http.Server
	monitor    *switchboard.Monitor
	apiHandler *api.API
	logger     zerolog.Logger

	readyMu sync.RWMutex
	ready   bool

	monitorCancel context.CancelFunc
	monitorDone   chan struct{}
}

// New creates and wires up the ops service.
func New(
	cfg *config.AppConfig,
	apiHandler *api.API,
	monitor *switchboard.Monitor,
	recorder *metrics.Recorder,
	authMiddleware func(http.Handler) http.Handler,
	logger zerolog.Logger,
) (*Wrapper, error) {
	if apiHandler == nil {
		return nil, fmt.Errorf("api handler cannot be nil")
	}
	if monitor == nil {
		return nil, fmt.Errorf("health monitor cannot be nil")
	}
	if recorder == nil {
		return nil, fmt.Errorf("metrics recorder cannot be nil")
	}

	w := &Wrapper{
		monitor:     monitor,
		apiHandler:  apiHandler,
		logger:      logger,
		monitorDone: make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /readyz", func(rw http.ResponseWriter, _ *http.Request) {
		if w.isReady() {
			rw.WriteHeader(http.StatusOK)
			return
		}
		rw.WriteHeader(http.StatusServiceUnavailable)
	})
	mux.Handle("GET /metrics", recorder.Handler())
	mux.Handle("GET /api/devices", authMiddleware(http.HandlerFunc(apiHandler.DevicesHandler)))
	mux.Handle("GET /api/sessions", authMiddleware(http.HandlerFunc(apiHandler.SessionsHandler)))

	w.server = &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: mux,
	}
	return w, nil
}

// Start runs the health monitor and then the ops HTTP server. It blocks
// until the server exits.
func (w *Wrapper) Start(ctx context.Context) error {
	monitorCtx, cancel := context.WithCancel(ctx)
	w.monitorCancel = cancel
	go func() {
		defer close(w.monitorDone)
		w.monitor.Run(monitorCtx)
	}()

	w.logger.Info().Str("addr", w.server.Addr).Msg("Ops server starting...")
	w.setReady(true)
	if err := w.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ops server failed: %w", err)
	}
	return nil
}

// Shutdown stops the monitor, then the HTTP server.
func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info().Msg("Shutting down ops service...")
	w.setReady(false)

	if w.monitorCancel != nil {
		w.monitorCancel()
		select {
		case <-w.monitorDone:
		case <-ctx.Done():
			w.logger.Warn().Msg("Timed out waiting for health monitor to stop.")
		}
	}

	if err := w.server.Shutdown(ctx); err != nil {
		w.logger.Error().Err(err).Msg("Ops server shutdown failed.")
		return err
	}
	w.logger.Info().Msg("Ops service shut down.")
	return nil
}

func (w *Wrapper) setReady(v bool) {
	w.readyMu.Lock()
	defer w.readyMu.Unlock()
	w.ready = v
}

func (w *Wrapper) isReady() bool {
	w.readyMu.RLock()
	defer w.readyMu.RUnlock()
	return w.ready
}
