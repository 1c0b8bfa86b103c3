package api

import (
	"net/http"
	"time"
)

type healthResponse struct {
	Status        string `json:"status"`
	Workers       int    `json:"workers"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
}

// handleHealthz reports liveness plus enough shape to tell an idle deployment
// from a broken one: a server with zero registered workers answers but cannot
// run anything, so it reports degraded rather than ok.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	workers := len(s.ledger.Workers())
	status := "ok"
	if workers == 0 {
		status = "degraded"
	}
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:        status,
		Workers:       workers,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	})
}
