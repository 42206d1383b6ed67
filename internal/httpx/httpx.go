// Package httpx holds the JSON response helpers and request middleware
// shared by the servers.
package httpx

import (
	"encoding/json"
	"net/http"
)

// WriteJSON writes payload as JSON with the given status code.
func WriteJSON(w http.ResponseWriter, status int, payload any) error {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(payload)
}

// WriteJSONError writes {"error": message} with the given status code.
func WriteJSONError(w http.ResponseWriter, status int, message string) error {
	return WriteJSON(w, status, map[string]any{"error": message})
}
