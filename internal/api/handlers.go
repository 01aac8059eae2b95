/*
File: internal/api/handlers.go
Description: Read-only introspection handlers backing the kiosk admin UI:
the current registry bindings and live call sessions.
*/
package api

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/jmolds/bill-phone-sub000/pkg/relay"
)

// RegistrySnapshotter exposes the registry view the API needs.
type RegistrySnapshotter interface {
	Snapshot() []relay.RegistrationInfo
}

// SessionSnapshotter exposes the session-table view the API needs.
type SessionSnapshotter interface {
	Snapshot() []relay.SessionInfo
}

// API holds the dependencies for the stateless HTTP handlers.
type API struct {
	registry RegistrySnapshotter
	sessions SessionSnapshotter
	logger   zerolog.Logger
}

// NewAPI creates a new, stateless API handler.
func NewAPI(registry RegistrySnapshotter, sessions SessionSnapshotter, logger zerolog.Logger) *API {
	return &API{
		registry: registry,
		sessions: sessions,
		logger:   logger,
	}
}

// DevicesHandler lists the live identity-to-connection bindings.
func (a *API) DevicesHandler(w http.ResponseWriter, r *http.Request) {
	snapshot := a.registry.Snapshot()
	a.logger.Debug().Int("count", len(snapshot)).Msg("Serving registration snapshot.")
	WriteJSON(w, http.StatusOK, map[string]any{"devices": snapshot})
}

// SessionsHandler lists the live call sessions.
func (a *API) SessionsHandler(w http.ResponseWriter, r *http.Request) {
	snapshot := a.sessions.Snapshot()
	a.logger.Debug().Int("count", len(snapshot)).Msg("Serving session snapshot.")
	WriteJSON(w, http.StatusOK, map[string]any{"sessions": snapshot})
}
