package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/raredx/orchestrator/internal/diagnosis"
	"github.com/raredx/orchestrator/internal/streaming"
)

const subscriberBuffer = 256

// StreamingHandler serves run progress over SSE and WebSocket.
type StreamingHandler struct {
	mgr    *streaming.Manager
	runs   RunService
	logger *zap.Logger
}

func NewStreamingHandler(mgr *streaming.Manager, runs RunService, logger *zap.Logger) *StreamingHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamingHandler{mgr: mgr, runs: runs, logger: logger}
}

// streamRequest is the parsed common part of both stream endpoints.
type streamRequest struct {
	runID      string
	lastID     uint64
	typeFilter map[string]struct{}
}

func (s streamRequest) wants(ev streaming.Event) bool {
	if ev.Terminal() || len(s.typeFilter) == 0 {
		return true
	}
	_, ok := s.typeFilter[ev.Type]
	return ok
}

func parseStreamRequest(r *http.Request) streamRequest {
	req := streamRequest{runID: chi.URLParam(r, "id"), typeFilter: map[string]struct{}{}}
	if s := r.URL.Query().Get("types"); s != "" {
		for _, t := range strings.Split(s, ",") {
			if t = strings.TrimSpace(t); t != "" {
				req.typeFilter[t] = struct{}{}
			}
		}
	}
	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if n, err := strconv.ParseUint(lei, 10, 64); err == nil {
			req.lastID = n
		}
	}
	if q := r.URL.Query().Get("last_event_id"); q != "" && req.lastID == 0 {
		if n, err := strconv.ParseUint(q, 10, 64); err == nil {
			req.lastID = n
		}
	}
	return req
}

// open subscribes and returns the backlog to send first. When the run has
// already finished and its history is gone, the backlog is a single
// synthesized completion event.
func (h *StreamingHandler) open(r *http.Request, req streamRequest) (chan streaming.Event, []streaming.Event, error) {
	view, err := h.runs.Get(r.Context(), req.runID)
	if err != nil {
		return nil, nil, err
	}
	ch := h.mgr.Subscribe(req.runID, subscriberBuffer)
	backlog := h.mgr.ReplaySince(req.runID, req.lastID)
	if len(backlog) == 0 && view.Finished() {
		backlog = []streaming.Event{{
			RunID:     req.runID,
			Type:      string(diagnosis.EventRunCompleted),
			Round:     view.Rounds,
			Message:   view.Status,
			Timestamp: time.Now().UTC(),
		}}
	}
	return ch, backlog, nil
}

// handleSSE streams events for a run via Server-Sent Events.
func (h *StreamingHandler) handleSSE(w http.ResponseWriter, r *http.Request) {
	req := parseStreamRequest(r)
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	ch, backlog, err := h.open(r, req)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	defer h.mgr.Unsubscribe(req.runID, ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	fmt.Fprintf(w, ": connected to run %s\n\n", req.runID)
	flusher.Flush()

	var sent uint64
	write := func(ev streaming.Event) (done bool) {
		if ev.Seq > 0 && ev.Seq <= sent {
			return false
		}
		if ev.Seq > 0 {
			sent = ev.Seq
		}
		if !req.wants(ev) {
			return false
		}
		if ev.Seq > 0 {
			fmt.Fprintf(w, "id: %d\n", ev.Seq)
		}
		fmt.Fprintf(w, "event: %s\n", ev.Type)
		fmt.Fprintf(w, "data: %s\n\n", ev.Marshal())
		flusher.Flush()
		return ev.Terminal()
	}

	for _, ev := range backlog {
		if write(ev) {
			return
		}
	}

	hb := time.NewTicker(15 * time.Second)
	defer hb.Stop()
	for {
		select {
		case <-r.Context().Done():
			h.logger.Debug("SSE client disconnected", zap.String("run_id", req.runID))
			return
		case ev, ok := <-ch:
			if !ok || write(ev) {
				return
			}
		case <-hb.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}
