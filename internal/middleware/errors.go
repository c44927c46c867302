package middleware

import (
	"encoding/json"
	"net/http"
)

// writeError emits the same {"error","kind"} body as api.HandleError. The api
// package mounts this one, so it cannot be imported here.
func writeError(w http.ResponseWriter, status int, msg, kind string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg, "kind": kind})
}
