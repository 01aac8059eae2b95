/*
File: internal/switchboard/service.go
Description: The message relay core. Dispatches validated client envelopes,
gates call-control messages through the session table, and owns the
disconnect/cleanup path. The relay never fails on a missing peer or a
well-typed but unroutable message; it always degrades to a notification.
*/
// Package switchboard connects registered devices: it relays addressed
// signalling frames between them, tracks call sessions, and tears both down
// when a connection drops.
package switchboard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/jmolds/bill-phone-sub000/internal/metrics"
	"github.com/jmolds/bill-phone-sub000/internal/registry"
	"github.com/jmolds/bill-phone-sub000/internal/session"
	"github.com/jmolds/bill-phone-sub000/pkg/relay"
	"github.com/jmolds/bill-phone-sub000/pkg/signal"
)

// wakeTimeout bounds the best-effort wake publish so a slow broker can never
// back-pressure the relay core.
const wakeTimeout = 5 * time.Second

// cleanupRetention is how long a connection id stays in the cleaned set to
// absorb a transport-close and a health-timeout racing to report the same
// disconnect.
const cleanupRetention = time.Minute

// Service is the relay core. All of its operations are non-blocking,
// in-memory transitions; only the surrounding connection I/O suspends.
type Service struct {
	registry  *registry.Registry
	sessions  *session.Table
	directory relay.Directory
	wake      relay.WakeNotifier
	metrics   *metrics.Recorder
	clock     clock.Clock
	logger    zerolog.Logger

	// cleaned keys completed disconnect cleanups by connection id, never by
	// logical id, so a late duplicate report is a no-op.
	cleanedMu sync.Mutex
	cleaned   map[string]time.Time
}

// New wires up the relay core.
func New(
	reg *registry.Registry,
	sessions *session.Table,
	deps *relay.Dependencies,
	recorder *metrics.Recorder,
	clk clock.Clock,
	logger zerolog.Logger,
) (*Service, error) {
	if reg == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}
	if sessions == nil {
		return nil, fmt.Errorf("session table cannot be nil")
	}
	if deps == nil || deps.Directory == nil {
		return nil, fmt.Errorf("device directory cannot be nil")
	}
	if recorder == nil {
		return nil, fmt.Errorf("metrics recorder cannot be nil")
	}
	return &Service{
		registry:  reg,
		sessions:  sessions,
		directory: deps.Directory,
		wake:      deps.Wake,
		metrics:   recorder,
		clock:     clk,
		logger:    logger.With().Str("component", "Switchboard").Logger(),
		cleaned:   make(map[string]time.Time),
	}, nil
}

// HandleEnvelope processes one validated client frame from conn. authedID is
// the identity asserted by the transport's auth layer; empty means the
// deployment runs without identity assertions (local mode).
func (s *Service) HandleEnvelope(ctx context.Context, conn relay.Conn, authedID relay.DeviceID, env *signal.Envelope) {
	switch env.Kind {
	case signal.KindRegister:
		s.handleRegister(ctx, conn, authedID, env)
	case signal.KindHeartbeat:
		s.handleHeartbeat(conn)
	case signal.KindOffer:
		s.handleOffer(ctx, conn, env)
	case signal.KindAnswer:
		s.handleAnswer(conn, env)
	case signal.KindCandidate, signal.KindProgress:
		s.handleInCall(conn, env)
	case signal.KindEnd:
		s.handleEnd(conn, env)
	case signal.KindReject:
		s.handleReject(conn, env)
	default:
		// ParseEnvelope already rejects unknown kinds; this is a guard
		// against new kinds being added to the protocol but not here.
		s.logger.Error().Str("kind", string(env.Kind)).Msg("No handler for envelope kind.")
	}
}

// handleRegister validates the claimed identity against the directory and
// binds it to the connection. A denied registration closes the connection;
// there is no error frame for it, the identity simply never registers.
func (s *Service) handleRegister(ctx context.Context, conn relay.Conn, authedID relay.DeviceID, env *signal.Envelope) {
	id := relay.DeviceID(env.DeviceID)
	log := s.logger.With().Str("device", id.String()).Str("conn", conn.ID()).Logger()

	if authedID != "" && authedID != id {
		log.Warn().Str("authed", authedID.String()).Msg("Registration identity does not match authenticated identity. Closing connection.")
		_ = conn.Close()
		return
	}

	if _, err := s.directory.Lookup(ctx, id); err != nil {
		if errors.Is(err, relay.ErrUnknownDevice) {
			log.Warn().Msg("Registration denied: identity not in device directory. Closing connection.")
		} else {
			log.Error().Err(err).Msg("Device directory lookup failed. Closing connection.")
		}
		_ = conn.Close()
		return
	}

	s.registry.Register(id, conn, env.Platform, env.ProtocolVersion)
	s.metrics.SetRegistrations(s.registry.Len())
	log.Info().Str("platform", env.Platform).Msg("Device registered.")

	if err := conn.Send(signal.Registered(id.String(), s.clock.Now())); err != nil {
		log.Warn().Err(err).Msg("Failed to send registration ack.")
	}
}

// handleHeartbeat refreshes the connection's registration and acks with the
// relay clock. Heartbeats from unregistered connections are acked anyway;
// they still prove the transport is alive.
func (s *Service) handleHeartbeat(conn relay.Conn) {
	if !s.registry.Heartbeat(conn) {
		s.logger.Debug().Str("conn", conn.ID()).Msg("Heartbeat from connection with no live binding.")
	}
	if err := conn.Send(signal.HeartbeatAck(s.clock.Now())); err != nil {
		s.logger.Debug().Err(err).Str("conn", conn.ID()).Msg("Failed to send heartbeat ack.")
	}
}

// handleOffer starts a call: it creates a Ringing session for the pair and
// relays the opaque offer payload to the callee.
func (s *Service) handleOffer(ctx context.Context, conn relay.Conn, env *signal.Envelope) {
	from, ok := s.registry.DeviceFor(conn)
	if !ok {
		s.dropUnregistered(conn, env)
		return
	}
	to := relay.DeviceID(env.To)
	log := s.logger.With().Str("from", from.String()).Str("to", to.String()).Logger()

	if to == from {
		log.Info().Msg("Dropping self-addressed offer.")
		return
	}

	dest, online := s.registry.Lookup(to)
	if !online {
		log.Info().Msg("Offer target is offline.")
		s.sendError(conn, to, signal.CodeRecipientUnavailable, signal.KindOffer)
		s.wakeOffline(ctx, to, from)
		return
	}

	if err := s.sessions.Begin(from, to); err != nil {
		// Two simultaneous offers must not produce two divergent session
		// views; the loser is told a call is already in progress.
		log.Info().Err(err).Msg("Offer rejected by session table.")
		s.sendError(conn, to, signal.CodeCallInProgress, signal.KindOffer)
		return
	}

	if err := dest.Send(signal.IncomingCall(from.String(), env.Payload)); err != nil {
		// The callee's outbound buffer is gone; roll the session back and
		// report the target unreachable.
		_, _ = s.sessions.End(from, to)
		log.Warn().Err(err).Msg("Failed to deliver offer. Session rolled back.")
		s.sendError(conn, to, signal.CodeRecipientUnavailable, signal.KindOffer)
		return
	}

	s.metrics.MessageRelayed(string(signal.KindOffer))
	s.metrics.SetSessions(s.sessions.Len())
	log.Info().Msg("Offer relayed; session ringing.")
}

// handleAnswer accepts a ringing call and relays the answer payload back to
// the initiator.
func (s *Service) handleAnswer(conn relay.Conn, env *signal.Envelope) {
	from, ok := s.registry.DeviceFor(conn)
	if !ok {
		s.dropUnregistered(conn, env)
		return
	}
	to := relay.DeviceID(env.To)
	log := s.logger.With().Str("from", from.String()).Str("to", to.String()).Logger()

	if err := s.sessions.Answer(from, to); err != nil {
		// Stale or out-of-order answers carry no peer notification.
		log.Info().Err(err).Msg("Dropping answer: no ringing session for pair.")
		return
	}

	dest, online := s.registry.Lookup(to)
	if !online {
		// The caller vanished between offer and answer and cleanup has not
		// caught it yet; fail the session now rather than leave it Active.
		_, _ = s.sessions.End(from, to)
		s.metrics.SetSessions(s.sessions.Len())
		log.Warn().Msg("Answer target disconnected mid-call.")
		s.sendError(conn, to, signal.CodeCallerDisconnected, signal.KindAnswer)
		return
	}

	if err := dest.Send(signal.CallAccepted(from.String(), env.Payload)); err != nil {
		_, _ = s.sessions.End(from, to)
		s.metrics.SetSessions(s.sessions.Len())
		log.Warn().Err(err).Msg("Failed to deliver answer. Session ended.")
		s.sendError(conn, to, signal.CodeCallerDisconnected, signal.KindAnswer)
		return
	}

	s.metrics.MessageRelayed(string(signal.KindAnswer))
	log.Info().Msg("Answer relayed; session active.")
}

// handleInCall forwards a candidate or progress frame. These never change
// session state and are dropped, not erred, outside Ringing/Active: late
// candidates after teardown are expected under real network jitter.
func (s *Service) handleInCall(conn relay.Conn, env *signal.Envelope) {
	from, ok := s.registry.DeviceFor(conn)
	if !ok {
		s.dropUnregistered(conn, env)
		return
	}
	to := relay.DeviceID(env.To)

	if !s.sessions.Relayable(from, to) {
		s.logger.Debug().Str("from", from.String()).Str("to", to.String()).Str("kind", string(env.Kind)).Msg("Dropping in-call frame outside a live session.")
		return
	}

	dest, online := s.registry.Lookup(to)
	if !online {
		s.logger.Debug().Str("from", from.String()).Str("to", to.String()).Msg("Dropping in-call frame for offline peer; cleanup will notify.")
		return
	}

	var out *signal.Envelope
	if env.Kind == signal.KindProgress {
		out = signal.Progress(from.String(), env.Payload)
	} else {
		out = signal.Candidate(from.String(), env.Payload)
	}
	if err := dest.Send(out); err != nil {
		s.logger.Debug().Err(err).Str("to", to.String()).Str("kind", string(env.Kind)).Msg("Failed to deliver in-call frame.")
		return
	}
	s.metrics.MessageRelayed(string(env.Kind))
}

// handleEnd terminates the pair's session from either participant and
// notifies the other one.
func (s *Service) handleEnd(conn relay.Conn, env *signal.Envelope) {
	from, ok := s.registry.DeviceFor(conn)
	if !ok {
		s.dropUnregistered(conn, env)
		return
	}
	to := relay.DeviceID(env.To)
	log := s.logger.With().Str("from", from.String()).Str("to", to.String()).Logger()

	prior, err := s.sessions.End(from, to)
	if err != nil {
		log.Info().Msg("Dropping end: no session for pair.")
		return
	}
	s.metrics.SetSessions(s.sessions.Len())

	if dest, online := s.registry.Lookup(to); online {
		if err := dest.Send(signal.CallEnded(from.String(), "")); err != nil {
			log.Warn().Err(err).Msg("Failed to deliver end notification.")
		}
	}
	s.metrics.MessageRelayed(string(signal.KindEnd))
	log.Info().Str("prior_state", string(prior)).Msg("Call ended.")
}

// handleReject declines a ringing call and notifies the initiator.
func (s *Service) handleReject(conn relay.Conn, env *signal.Envelope) {
	from, ok := s.registry.DeviceFor(conn)
	if !ok {
		s.dropUnregistered(conn, env)
		return
	}
	to := relay.DeviceID(env.To)
	log := s.logger.With().Str("from", from.String()).Str("to", to.String()).Logger()

	if err := s.sessions.Reject(from, to); err != nil {
		log.Info().Err(err).Msg("Dropping reject: no ringing session for pair.")
		return
	}
	s.metrics.SetSessions(s.sessions.Len())

	if dest, online := s.registry.Lookup(to); online {
		if err := dest.Send(signal.CallRejected(from.String())); err != nil {
			log.Warn().Err(err).Msg("Failed to deliver reject notification.")
		}
	}
	s.metrics.MessageRelayed(string(signal.KindReject))
	log.Info().Msg("Call rejected.")
}

// HandleDisconnect runs the teardown for a closed or evicted connection:
// unregister with the supersession guard, fail any session referencing the
// identity, and notify surviving peers. It runs exactly once per connection
// even when a transport close and a health timeout race to report it.
func (s *Service) HandleDisconnect(conn relay.Conn) {
	s.cleanedMu.Lock()
	if _, done := s.cleaned[conn.ID()]; done {
		s.cleanedMu.Unlock()
		return
	}
	s.cleaned[conn.ID()] = s.clock.Now()
	s.cleanedMu.Unlock()

	id, unbound := s.registry.Unregister(conn)
	if !unbound {
		// Never registered, or superseded earlier: the identity (if any)
		// is still live on a newer connection and its sessions stand.
		s.logger.Debug().Str("conn", conn.ID()).Msg("Disconnect of connection with no live binding.")
		return
	}
	s.metrics.SetRegistrations(s.registry.Len())
	log := s.logger.With().Str("device", id.String()).Str("conn", conn.ID()).Logger()
	log.Info().Msg("Device disconnected.")

	peers := s.sessions.Fail(id)
	s.metrics.SetSessions(s.sessions.Len())
	for _, peer := range peers {
		dest, online := s.registry.Lookup(peer)
		if !online {
			continue
		}
		// This synthesized end is the only way a peer learns about an
		// abrupt, non-graceful disconnection.
		if err := dest.Send(signal.CallEnded(id.String(), signal.CodeCallerDisconnected)); err != nil {
			log.Warn().Err(err).Str("peer", peer.String()).Msg("Failed to deliver synthesized end notification.")
			continue
		}
		s.metrics.RelayError(string(signal.CodeCallerDisconnected))
		log.Info().Str("peer", peer.String()).Msg("Synthesized end notification sent to surviving peer.")
	}
}

// pruneCleaned drops cleanup markers old enough that no duplicate disconnect
// report can still arrive for them. Called from the health monitor's sweep.
func (s *Service) pruneCleaned() {
	cutoff := s.clock.Now().Add(-cleanupRetention)

	s.cleanedMu.Lock()
	defer s.cleanedMu.Unlock()
	for id, at := range s.cleaned {
		if at.Before(cutoff) {
			delete(s.cleaned, id)
		}
	}
}

// sendError reports a non-fatal relay failure back to the sender. from is
// the identity the failed frame was addressed to.
func (s *Service) sendError(conn relay.Conn, from relay.DeviceID, code signal.ErrorCode, about signal.Kind) {
	s.metrics.RelayError(string(code))
	if err := conn.Send(signal.CallError(from.String(), code, about)); err != nil {
		s.logger.Debug().Err(err).Str("conn", conn.ID()).Msg("Failed to deliver error notification.")
	}
}

// dropUnregistered logs a call-control frame from a connection that never
// completed registration. These are dropped with no peer notification.
func (s *Service) dropUnregistered(conn relay.Conn, env *signal.Envelope) {
	s.metrics.MalformedDropped()
	s.logger.Warn().
		Str("conn", conn.ID()).
		Str("kind", string(env.Kind)).
		Msg("Dropping frame from unregistered connection.")
}

// wakeOffline fires a best-effort wake notification at an offline device so
// its app can come online and register. Runs detached with its own timeout;
// the relay core never blocks on the broker.
func (s *Service) wakeOffline(ctx context.Context, device, from relay.DeviceID) {
	if s.wake == nil {
		return
	}
	go func() {
		wakeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), wakeTimeout)
		defer cancel()
		if err := s.wake.Wake(wakeCtx, device, from); err != nil {
			s.logger.Warn().Err(err).Str("device", device.String()).Msg("Failed to publish wake notification.")
		}
	}()
}
