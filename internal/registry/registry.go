/*
File: internal/registry/registry.go
Description: The logical-identity-to-live-connection registry. All mutations
are serialized under a single mutex scoped to the registry's maps; Register
and Unregister races are the primary source of "call routed to a dead
connection" bugs in this class of system, so the supersession rules here are
load-bearing.
*/
// Package registry binds logical device identities to live connections.
package registry

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/jmolds/bill-phone-sub000/pkg/relay"
)

// registration is one live binding. At most one exists per DeviceID.
type registration struct {
	deviceID        relay.DeviceID
	conn            relay.Conn
	platform        string
	protocolVersion int
	registeredAt    time.Time
	lastHeartbeatAt time.Time
}

// Entry is a point-in-time snapshot of a binding, safe to use outside the
// registry's lock.
type Entry struct {
	DeviceID relay.DeviceID
	Conn     relay.Conn
}

// Registry is the owned, encapsulated identity registry. It is injected into
// the relay rather than accessed as ambient shared state.
type Registry struct {
	mu     sync.RWMutex
	byID   map[relay.DeviceID]*registration
	byConn map[string]relay.DeviceID

	clock  clock.Clock
	logger zerolog.Logger
}

// New constructs an empty registry.
func New(clk clock.Clock, logger zerolog.Logger) *Registry {
	return &Registry{
		byID:   make(map[relay.DeviceID]*registration),
		byConn: make(map[string]relay.DeviceID),
		clock:  clk,
		logger: logger.With().Str("component", "Registry").Logger(),
	}
}

// Register binds id to conn. Re-registering the same connection under the
// same identity is a no-op beyond refreshing the heartbeat timestamp.
// Registering a different connection supersedes the old binding: the prior
// connection is not closed, only unlinked, and is cleaned up by its own
// disconnect or heartbeat timeout.
func (r *Registry) Register(id relay.DeviceID, conn relay.Conn, platform string, protocolVersion int) {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byID[id]; ok {
		if prev.conn.ID() == conn.ID() {
			prev.lastHeartbeatAt = now
			return
		}
		// Supersession: unlink the old connection. It stays open as an
		// orphan until its own disconnect path runs.
		delete(r.byConn, prev.conn.ID())
		r.logger.Info().
			Str("device", id.String()).
			Str("old_conn", prev.conn.ID()).
			Str("new_conn", conn.ID()).
			Msg("Registration superseded by a newer connection.")
	}

	// The converse supersession: the same connection re-registering under a
	// new identity releases the identity it held, or the old binding would
	// outlive the connection and route calls to it forever.
	if prior, ok := r.byConn[conn.ID()]; ok && prior != id {
		if reg := r.byID[prior]; reg != nil && reg.conn.ID() == conn.ID() {
			delete(r.byID, prior)
		}
		r.logger.Info().
			Str("old_device", prior.String()).
			Str("new_device", id.String()).
			Str("conn", conn.ID()).
			Msg("Connection re-registered under a new identity; prior binding released.")
	}

	r.byID[id] = &registration{
		deviceID:        id,
		conn:            conn,
		platform:        platform,
		protocolVersion: protocolVersion,
		registeredAt:    now,
		lastHeartbeatAt: now,
	}
	r.byConn[conn.ID()] = id
}

// Lookup returns the connection currently bound to id. A miss means the
// destination is offline, not an error.
func (r *Registry) Lookup(id relay.DeviceID) (relay.Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	return reg.conn, true
}

// DeviceFor returns the identity currently bound to conn. Reports false for
// unregistered or superseded connections.
func (r *Registry) DeviceFor(conn relay.Conn) (relay.DeviceID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byConn[conn.ID()]
	return id, ok
}

// Unregister removes the binding held by conn. The removal only happens if
// the registry's current binding for that identity still points at conn;
// a late unregister from a superseded connection must not clobber the newer
// registration. Returns the identity that was unbound, if any.
func (r *Registry) Unregister(conn relay.Conn) (relay.DeviceID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byConn[conn.ID()]
	if !ok {
		return "", false
	}
	reg := r.byID[id]
	if reg == nil || reg.conn.ID() != conn.ID() {
		// Stale reverse entry; repair and report no unbind.
		delete(r.byConn, conn.ID())
		return "", false
	}
	delete(r.byID, id)
	delete(r.byConn, conn.ID())
	return id, true
}

// Heartbeat refreshes the liveness timestamp of the binding held by conn.
// Reports false when conn holds no current binding (unregistered or
// superseded connections heartbeat into the void).
func (r *Registry) Heartbeat(conn relay.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byConn[conn.ID()]
	if !ok {
		return false
	}
	reg := r.byID[id]
	if reg == nil || reg.conn.ID() != conn.ID() {
		return false
	}
	reg.lastHeartbeatAt = r.clock.Now()
	return true
}

// Stale returns the bindings whose last heartbeat is older than timeout.
// Mobile transports can go dark without a close event; the health monitor
// evicts these through the normal disconnect path.
func (r *Registry) Stale(timeout time.Duration) []Entry {
	cutoff := r.clock.Now().Add(-timeout)

	r.mu.RLock()
	defer r.mu.RUnlock()

	var stale []Entry
	for _, reg := range r.byID {
		if reg.lastHeartbeatAt.Before(cutoff) {
			stale = append(stale, Entry{DeviceID: reg.deviceID, Conn: reg.conn})
		}
	}
	return stale
}

// Len reports the number of live bindings.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Snapshot returns a read-only copy of every binding for the ops API.
func (r *Registry) Snapshot() []relay.RegistrationInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]relay.RegistrationInfo, 0, len(r.byID))
	for _, reg := range r.byID {
		infos = append(infos, relay.RegistrationInfo{
			DeviceID:        reg.deviceID,
			ConnectionID:    reg.conn.ID(),
			Platform:        reg.platform,
			ProtocolVersion: reg.protocolVersion,
			RegisteredAt:    reg.registeredAt,
			LastHeartbeatAt: reg.lastHeartbeatAt,
		})
	}
	return infos
}
