/*
File: internal/realtime/connectionmanager.go
Description: Owns the WebSocket listener. Admission control runs before the
upgrade; an accepted connection is held unregistered until its first
register frame, which the switchboard validates and binds. The read loop is
the connection's unit of work; its exit triggers the disconnect path.
*/
// Package realtime provides components for managing real-time client connections.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/jmolds/bill-phone-sub000/internal/admission"
	"github.com/jmolds/bill-phone-sub000/internal/metrics"
	"github.com/jmolds/bill-phone-sub000/internal/middleware"
	"github.com/jmolds/bill-phone-sub000/internal/switchboard"
	"github.com/jmolds/bill-phone-sub000/pkg/relay"
	"github.com/jmolds/bill-phone-sub000/pkg/signal"
)

// platformHeader carries the client's self-reported platform tag, consulted
// by admission control before any registration exists.
const platformHeader = "X-Device-Platform"

// Options tunes the connection manager.
type Options struct {
	// MaxPayloadBytes caps the opaque payload of a single frame. Zero
	// disables the cap.
	MaxPayloadBytes int
	// SendBuffer is the outbound channel depth per connection.
	SendBuffer int
	// AllowedOrigins restricts browser connections. Empty allows all
	// (kiosk deployments sit on a private network).
	AllowedOrigins []string
}

// ConnectionManager manages all active WebSocket connections. It runs its
// own dedicated HTTP server.
type ConnectionManager struct {
	server   *http.Server
	upgrader websocket.Upgrader

	limiter *admission.Limiter
	service *switchboard.Service
	metrics *metrics.Recorder
	opts    Options

	logger     zerolog.Logger
	instanceID string
}

// NewConnectionManager creates and wires up the WebSocket connection manager.
func NewConnectionManager(
	port string,
	authMiddleware func(http.Handler) http.Handler,
	limiter *admission.Limiter,
	service *switchboard.Service,
	recorder *metrics.Recorder,
	opts Options,
	logger zerolog.Logger,
) (*ConnectionManager, error) {
	if limiter == nil {
		return nil, fmt.Errorf("admission limiter cannot be nil")
	}
	if service == nil {
		return nil, fmt.Errorf("switchboard service cannot be nil")
	}
	if recorder == nil {
		return nil, fmt.Errorf("metrics recorder cannot be nil")
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 32
	}

	instanceID := uuid.NewString()
	cm := &ConnectionManager{
		limiter:    limiter,
		service:    service,
		metrics:    recorder,
		opts:       opts,
		logger:     logger.With().Str("component", "ConnectionManager").Str("instance", instanceID).Logger(),
		instanceID: instanceID,
	}
	cm.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     cm.checkOrigin,
	}

	mux := http.NewServeMux()
	mux.Handle("/connect", authMiddleware(http.HandlerFunc(cm.connectHandler)))
	cm.server = &http.Server{
		Addr:    ":" + port,
		Handler: mux,
	}
	return cm, nil
}

// Start runs the HTTP server for WebSocket connections.
func (cm *ConnectionManager) Start(ctx context.Context) error {
	cm.logger.Info().Str("addr", cm.server.Addr).Msg("WebSocket server starting...")
	if err := cm.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("websocket server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server. Open connections unwind
// through their read loops as the listener dies.
func (cm *ConnectionManager) Shutdown(ctx context.Context) error {
	cm.logger.Info().Msg("Shutting down WebSocket service...")
	if err := cm.server.Shutdown(ctx); err != nil {
		cm.logger.Error().Err(err).Msg("WebSocket server shutdown failed.")
		return err
	}
	cm.logger.Info().Msg("WebSocket service shut down.")
	return nil
}

func (cm *ConnectionManager) checkOrigin(r *http.Request) bool {
	if len(cm.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser clients send no Origin header.
		return true
	}
	for _, allowed := range cm.opts.AllowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

// connectHandler gates, upgrades, and runs the lifecycle of one connection.
func (cm *ConnectionManager) connectHandler(w http.ResponseWriter, r *http.Request) {
	source := sourceKey(r)
	platform := r.Header.Get(platformHeader)

	// Admission runs before the upgrade, so a denied source never gets far
	// enough to send a register frame.
	if !cm.limiter.Evaluate(source, platform) {
		cm.metrics.AdmissionDenied()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = fmt.Fprintf(w, `{"code":%q}`, signal.CodeRateLimited)
		return
	}

	authedID, _ := middleware.GetDeviceIDFromContext(r.Context())

	ws, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		cm.logger.Error().Err(err).Msg("Failed to upgrade connection.")
		return
	}

	conn := newWSConn(uuid.NewString(), source, ws, cm.opts.SendBuffer, cm.logger)
	cm.metrics.ConnOpened()
	cm.logger.Info().Str("conn", conn.ID()).Str("source", source).Msg("Connection accepted.")

	go conn.writePump()

	defer func() {
		cm.service.HandleDisconnect(conn)
		_ = conn.Close()
		cm.metrics.ConnClosed()
		cm.logger.Info().Str("conn", conn.ID()).Msg("Connection closed.")
	}()

	// Read loop: one logical unit of work per connection. Frames are
	// processed sequentially, which is half of the per-directed-pair
	// ordering guarantee (the recipient's single send channel is the other).
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		env, err := signal.ParseEnvelope(data, cm.opts.MaxPayloadBytes)
		if err != nil {
			// Malformed frames are dropped with a local diagnostic and no
			// peer notification.
			cm.metrics.MalformedDropped()
			cm.logger.Warn().Err(err).Str("conn", conn.ID()).Msg("Dropping malformed frame.")
			continue
		}
		cm.service.HandleEnvelope(r.Context(), conn, relay.DeviceID(authedID), env)
	}
}

// sourceKey derives the admission-control key for a request: the first hop
// of X-Forwarded-For when present (the relay usually sits behind a proxy),
// otherwise the remote address host.
func sourceKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
