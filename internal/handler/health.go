package handler

import (
	"net/http"
	"time"

	"transitfuse/internal/store"
)

// ReadyCheck is one component that must be ready before traffic is served
type ReadyCheck struct {
	Name  string
	Ready func() bool
}

type HealthHandler struct {
	checks []ReadyCheck
	store  *store.Store
}

func NewHealthHandler(s *store.Store, checks ...ReadyCheck) *HealthHandler {
	return &HealthHandler{checks: checks, store: s}
}

func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type ReadyResponse struct {
	Ready      bool            `json:"ready"`
	Components map[string]bool `json:"components"`
	Entries    int             `json:"entries"`
	ServerTime time.Time       `json:"server_time"`
}

func (h *HealthHandler) Readyz(w http.ResponseWriter, r *http.Request) {
	resp := ReadyResponse{
		Ready:      true,
		Components: make(map[string]bool, len(h.checks)),
		ServerTime: time.Now(),
	}
	for _, c := range h.checks {
		ok := c.Ready()
		resp.Components[c.Name] = ok
		resp.Ready = resp.Ready && ok
	}
	if h.store != nil {
		resp.Entries = h.store.Stats().Entries
	}

	status := http.StatusOK
	if !resp.Ready {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, resp)
}
