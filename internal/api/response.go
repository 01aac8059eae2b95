// Package api defines the HTTP handlers for the relay's ops/introspection
// API.
package api

import (
	"encoding/json"
	"net/http"
)

// WriteJSON writes payload as a JSON response. A nil payload writes only the
// status code.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// WriteJSONError writes a JSON error body with the given status.
func WriteJSONError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{"error": message})
}
