package health

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// HTTPHandler exposes probe endpoints.
type HTTPHandler struct {
	manager *Manager
	logger  *zap.Logger
}

func NewHTTPHandler(manager *Manager, logger *zap.Logger) *HTTPHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPHandler{manager: manager, logger: logger}
}

// Routes returns a router serving /, /ready, /live and /detailed.
func (h *HTTPHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/", h.handleHealth)
	r.Get("/ready", h.handleReadiness)
	r.Get("/live", h.handleLiveness)
	r.Get("/detailed", h.handleDetailedHealth)
	return r
}

func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	overall := h.manager.GetOverallHealth(r.Context())
	status := http.StatusOK
	if overall.Status == StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	h.write(w, status, map[string]interface{}{
		"status":    overall.Status.String(),
		"message":   overall.Message,
		"timestamp": overall.Timestamp.Unix(),
		"duration":  overall.Duration.String(),
		"degraded":  overall.Degraded,
		"ready":     overall.Ready,
		"live":      overall.Live,
	})
}

func (h *HTTPHandler) handleReadiness(w http.ResponseWriter, r *http.Request) {
	detailed := h.manager.GetDetailedHealth(r.Context())
	status := http.StatusOK
	if !detailed.Overall.Ready {
		status = http.StatusServiceUnavailable
	}
	failing := []string{}
	for name, res := range detailed.Components {
		if res.Critical && res.Status == StatusUnhealthy {
			failing = append(failing, name)
		}
	}
	h.write(w, status, map[string]interface{}{
		"ready":             detailed.Overall.Ready,
		"status":            detailed.Overall.Status.String(),
		"critical_failures": failing,
	})
}

// Liveness never runs dependency checks.
func (h *HTTPHandler) handleLiveness(w http.ResponseWriter, r *http.Request) {
	h.write(w, http.StatusOK, map[string]interface{}{"live": true})
}

func (h *HTTPHandler) handleDetailedHealth(w http.ResponseWriter, r *http.Request) {
	detailed := h.manager.GetDetailedHealth(r.Context())
	status := http.StatusOK
	if detailed.Overall.Status == StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	h.write(w, status, detailed)
}

func (h *HTTPHandler) write(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode health response", zap.Error(err))
	}
}
