// Package health provides the liveness endpoint.
package health

import (
	"encoding/json"
	"net/http"
)

type healthResp struct {
	Status string `json:"status"`
}

// Handler responds with a simple JSON health status.
func Handler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(healthResp{Status: "healthy"})
}
