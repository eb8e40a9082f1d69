package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/odvcencio/checkride/pkg/bus"
)

// StreamEvent is the wire format shared by the SSE and WebSocket
// streams: the bus subject plus its decoded payload.
type StreamEvent struct {
	Subject   string         `json:"subject"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

func streamEventFrom(msg *bus.Message) StreamEvent {
	event := StreamEvent{
		Subject:   msg.Subject,
		Timestamp: time.Now().UTC(),
	}
	var payload map[string]any
	if json.Unmarshal(msg.Data, &payload) == nil {
		event.Data = payload
	}
	return event
}

// handleEvents streams bus events over SSE. Clients narrow the stream
// with a filter query param; the default is every run subject.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "event bus not configured")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	rc := http.NewResponseController(w)
	ctx := r.Context()
	events := make(chan StreamEvent, 128)

	filter := r.URL.Query().Get("filter")
	if filter == "" {
		filter = bus.SubjectRunAll
	}

	sub, err := s.bus.Subscribe(ctx, filter, func(msg *bus.Message) {
		select {
		case events <- streamEventFrom(msg):
		default:
			// Drop on a slow client; the persisted run record is the
			// source of truth, the stream is advisory.
		}
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "UNAVAILABLE", "subscribe failed: "+err.Error())
		return
	}
	defer sub.Unsubscribe()

	writeSSE := func(event StreamEvent) bool {
		data, err := json.Marshal(event)
		if err != nil {
			return true
		}
		if _, err := w.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
			return false
		}
		return rc.Flush() == nil
	}

	if !writeSSE(StreamEvent{Subject: "connected", Timestamp: time.Now().UTC(), Data: map[string]any{"filter": filter}}) {
		return
	}

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if !writeSSE(StreamEvent{Subject: "heartbeat", Timestamp: time.Now().UTC()}) {
				return
			}
		case event := <-events:
			if !writeSSE(event) {
				return
			}
		}
	}
}

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
)

// handleWebSocket streams the same events over a WebSocket. The read
// side exists only to service pongs and detect the close.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "event bus not configured")
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.originAllowed(origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	events := make(chan StreamEvent, 128)
	filter := r.URL.Query().Get("filter")
	if filter == "" {
		filter = bus.SubjectRunAll
	}

	sub, err := s.bus.Subscribe(r.Context(), filter, func(msg *bus.Message) {
		select {
		case events <- streamEventFrom(msg):
		default:
		}
	})
	if err != nil {
		_ = conn.WriteJSON(map[string]string{"error": "subscribe failed"})
		return
	}
	defer sub.Unsubscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case event := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		}
	}
}
