package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/raredx/orchestrator/internal/streaming"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 20 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin checks are left to the fronting proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWS streams events for a run over a WebSocket. The server closes the
// connection with a normal closure after the completion event.
func (h *StreamingHandler) handleWS(w http.ResponseWriter, r *http.Request) {
	req := parseStreamRequest(r)
	ch, backlog, err := h.open(r, req)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	defer h.mgr.Unsubscribe(req.runID, ch)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("WebSocket upgrade failed", zap.String("run_id", req.runID), zap.Error(err))
		return
	}
	defer conn.Close()

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	// Reader pump: client messages are discarded, a read error ends the stream.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	var sent uint64
	write := func(ev streaming.Event) (done bool, err error) {
		if ev.Seq > 0 && ev.Seq <= sent {
			return false, nil
		}
		if ev.Seq > 0 {
			sent = ev.Seq
		}
		if !req.wants(ev) {
			return false, nil
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(ev); err != nil {
			return true, err
		}
		return ev.Terminal(), nil
	}
	closeNormally := func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run completed")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
	}

	for _, ev := range backlog {
		done, err := write(ev)
		if err != nil {
			return
		}
		if done {
			closeNormally()
			return
		}
	}

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-gone:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			done, err := write(ev)
			if err != nil {
				return
			}
			if done {
				closeNormally()
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
