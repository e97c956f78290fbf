package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"adwboard/internal/model"
)

const streamWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type heartbeatFrame struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// handleEventStream pushes lifecycle events to one observer. Events published
// before the connection was accepted are not replayed.
func (r *Runtime) handleEventStream(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET is supported")
		return
	}
	runID := strings.TrimSpace(req.URL.Query().Get("run_id"))
	if runID != "" && !model.ValidRunID(runID) {
		writeAPIError(w, http.StatusBadRequest, "invalid_run_id", model.ErrInvalidRunID.Error())
		return
	}
	if !websocket.IsWebSocketUpgrade(req) {
		writeAPIError(w, http.StatusBadRequest, "websocket_upgrade_required", "connect with a websocket client")
		return
	}

	events, unsubscribe, err := r.service.SubscribeEvents(req.Context(), runID)
	if err != nil {
		writeAPIError(w, http.StatusServiceUnavailable, "subscribe_failed", err.Error())
		return
	}
	defer unsubscribe()

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	if err := r.streamEvents(conn, events, closed); err != nil {
		r.logger.Debug("event stream ended", "run_id", runID, "err", err)
	}
}

func (r *Runtime) streamEvents(conn *websocket.Conn, events <-chan model.LifecycleEvent, closed <-chan struct{}) error {
	ticker := time.NewTicker(r.streamBeat)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return nil
		case event, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(time.Second))
				return nil
			}
			if err := writeFrame(conn, event); err != nil {
				return err
			}
		case now := <-ticker.C:
			if err := writeFrame(conn, heartbeatFrame{Type: "heartbeat", Timestamp: now.UTC()}); err != nil {
				return err
			}
		}
	}
}

func writeFrame(conn *websocket.Conn, payload any) error {
	if err := conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(payload)
}
