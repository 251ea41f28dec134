package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/raredx/orchestrator/internal/diagnosis"
	"github.com/raredx/orchestrator/internal/server"
	"github.com/raredx/orchestrator/internal/validation"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

type diagnosesHandler struct {
	runs   RunService
	logger *zap.Logger
}

// CreateDiagnosisRequest is the body of POST /v1/diagnoses.
type CreateDiagnosisRequest struct {
	Phenotypes []string `json:"phenotypes"`
}

type createDiagnosisResponse struct {
	RunID     string `json:"run_id"`
	Status    string `json:"status"`
	StreamURL string `json:"stream_url"`
	EventsURL string `json:"events_url"`
}

func (h *diagnosesHandler) create(w http.ResponseWriter, r *http.Request) {
	var req CreateDiagnosisRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	view, err := h.runs.Submit(r.Context(), diagnosis.PhenotypeSet(req.Phenotypes))
	if err != nil {
		h.fail(w, err)
		return
	}
	base := "/v1/diagnoses/" + view.RunID
	w.Header().Set("Location", base)
	writeJSON(w, http.StatusAccepted, createDiagnosisResponse{
		RunID:     view.RunID,
		Status:    view.Status,
		StreamURL: base + "/ws",
		EventsURL: base + "/events",
	})
}

func (h *diagnosesHandler) list(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	runs, err := h.runs.List(r.Context(), limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

func (h *diagnosesHandler) get(w http.ResponseWriter, r *http.Request) {
	view, err := h.runs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *diagnosesHandler) cancel(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	if err := h.runs.Cancel(r.Context(), runID); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "status": "cancelling"})
}

func (h *diagnosesHandler) fail(w http.ResponseWriter, err error) {
	writeServiceError(w, h.logger, err)
}

// writeServiceError maps run service errors to status codes.
func writeServiceError(w http.ResponseWriter, logger *zap.Logger, err error) {
	var invalid *validation.InvalidCodesError
	switch {
	case errors.Is(err, server.ErrNoPhenotypes), errors.As(err, &invalid):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, server.ErrRunNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, server.ErrRunFinished):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, server.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		logger.Error("Request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
