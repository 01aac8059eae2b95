/*
File: internal/session/table.go
Description: The per-identity-pair call lifecycle tracker. The table rejects
out-of-order or stale signalling and is the source of truth the relay uses to
synthesize peer notifications on abrupt disconnect. At most one non-terminal
session exists per unordered pair; terminal transitions remove the session.
*/
// Package session tracks call lifecycle state between pairs of devices,
// independent of the underlying transport.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/jmolds/bill-phone-sub000/pkg/relay"
)

// State is a call session's lifecycle position.
type State string

const (
	StateRinging State = "ringing"
	StateActive  State = "active"
	// Terminal states. Sessions never rest in these; reaching one removes
	// the session from the table.
	StateEnded    State = "ended"
	StateRejected State = "rejected"
	StateFailed   State = "failed"
)

var (
	// ErrCallInProgress rejects an offer for a pair that already has a
	// non-terminal session, so two simultaneous offers cannot produce two
	// divergent session views.
	ErrCallInProgress = errors.New("a call is already in progress for this pair")
	// ErrNoSession means no session exists for the pair.
	ErrNoSession = errors.New("no session exists for this pair")
	// ErrBadState means the message is out of order for the session's
	// current state (a late answer, a reject after pickup, and so on).
	ErrBadState = errors.New("message is out of order for the session state")
)

// session is one tracked call, keyed by the unordered participant pair.
type session struct {
	initiator relay.DeviceID
	responder relay.DeviceID
	state     State
	createdAt time.Time
	updatedAt time.Time
}

// pairKey is the canonical unordered-pair key.
type pairKey struct {
	lo, hi relay.DeviceID
}

func keyFor(a, b relay.DeviceID) pairKey {
	if b < a {
		a, b = b, a
	}
	return pairKey{lo: a, hi: b}
}

// Table is the call-session table. Operations are O(1), short-lived, and
// serialized under a mutex scoped to the table.
type Table struct {
	mu       sync.Mutex
	sessions map[pairKey]*session

	clock  clock.Clock
	logger zerolog.Logger
}

// NewTable constructs an empty session table.
func NewTable(clk clock.Clock, logger zerolog.Logger) *Table {
	return &Table{
		sessions: make(map[pairKey]*session),
		clock:    clk,
		logger:   logger.With().Str("component", "SessionTable").Logger(),
	}
}

// Begin creates a Ringing session for the pair after an offer is relayed.
// The sender of the offer becomes the initiator.
func (t *Table) Begin(initiator, responder relay.DeviceID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := keyFor(initiator, responder)
	if _, exists := t.sessions[key]; exists {
		return ErrCallInProgress
	}
	now := t.clock.Now()
	t.sessions[key] = &session{
		initiator: initiator,
		responder: responder,
		state:     StateRinging,
		createdAt: now,
		updatedAt: now,
	}
	return nil
}

// Answer moves the pair's session from Ringing to Active. Only the responder
// (the device the offer was addressed to) may answer.
func (t *Table) Answer(from, to relay.DeviceID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[keyFor(from, to)]
	if !ok {
		return ErrNoSession
	}
	if s.state != StateRinging || s.responder != from {
		return ErrBadState
	}
	s.state = StateActive
	s.updatedAt = t.clock.Now()
	return nil
}

// Reject declines a ringing call. Only the responder may reject; the session
// reaches the Rejected terminal state and is removed.
func (t *Table) Reject(from, to relay.DeviceID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := keyFor(from, to)
	s, ok := t.sessions[key]
	if !ok {
		return ErrNoSession
	}
	if s.state != StateRinging || s.responder != from {
		return ErrBadState
	}
	delete(t.sessions, key)
	return nil
}

// End terminates the pair's session from either participant, in Ringing or
// Active. The session reaches the Ended terminal state and is removed; the
// state at the time of the end is returned for logging.
func (t *Table) End(from, to relay.DeviceID) (State, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := keyFor(from, to)
	s, ok := t.sessions[key]
	if !ok {
		return "", ErrNoSession
	}
	prior := s.state
	delete(t.sessions, key)
	return prior, nil
}

// Fail moves every session referencing id to the Failed terminal state and
// removes them. It returns the other participant of each failed session so
// the relay can synthesize end notifications to the survivors.
func (t *Table) Fail(id relay.DeviceID) []relay.DeviceID {
	t.mu.Lock()
	defer t.mu.Unlock()

	var peers []relay.DeviceID
	for key, s := range t.sessions {
		if s.initiator != id && s.responder != id {
			continue
		}
		peer := s.initiator
		if peer == id {
			peer = s.responder
		}
		peers = append(peers, peer)
		delete(t.sessions, key)
		t.logger.Info().
			Str("device", id.String()).
			Str("peer", peer.String()).
			Str("prior_state", string(s.state)).
			Msg("Session failed: participant lost.")
	}
	return peers
}

// Relayable reports whether a candidate between a and b should be forwarded.
// Candidates are accepted in Ringing or Active and dropped outside those
// states; late candidates after teardown are expected under network jitter.
func (t *Table) Relayable(a, b relay.DeviceID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[keyFor(a, b)]
	if !ok {
		return false
	}
	return s.state == StateRinging || s.state == StateActive
}

// Len reports the number of live sessions.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Snapshot returns a read-only copy of every live session for the ops API.
func (t *Table) Snapshot() []relay.SessionInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	infos := make([]relay.SessionInfo, 0, len(t.sessions))
	for _, s := range t.sessions {
		infos = append(infos, relay.SessionInfo{
			Initiator: s.initiator,
			Responder: s.responder,
			State:     string(s.state),
			CreatedAt: s.createdAt,
			UpdatedAt: s.updatedAt,
		})
	}
	return infos
}
