package handler

import (
	"context"
	"net/http"
	"time"
)

// Pinger is a dependency the health probe can reach, such as *sqlx.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

type HealthHandler struct {
	checks map[string]Pinger
}

// NewHealthHandler reports healthy only if every named dependency answers.
// A nil checks map means there is nothing external to probe.
func NewHealthHandler(checks map[string]Pinger) *HealthHandler {
	return &HealthHandler{checks: checks}
}

type healthResponse struct {
	Status string `json:"status"`
	Failed string `json:"failed,omitempty"`
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	for name, p := range h.checks {
		if err := p.PingContext(ctx); err != nil {
			respondWithJSON(w, http.StatusServiceUnavailable, healthResponse{Status: name + "_unreachable", Failed: name})
			return
		}
	}
	respondWithJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}
