package internal

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

// Close codes used on the progress stream.
const (
	closeNormal        = websocket.CloseNormalClosure     // 1000
	closeGoingAway     = websocket.CloseGoingAway         // 1001
	closeAuthFailure   = websocket.ClosePolicyViolation   // 1008
	closeTooLarge      = websocket.CloseMessageTooBig     // 1009
	closeInternalError = websocket.CloseInternalServerErr // 1011
	closeOverload      = websocket.CloseTryAgainLater     // 1013
)

// _streamVersion is the message schema version stamped on every frame.
const _streamVersion = "1.0.0"

var (
	_keepAliveInterval = 30 * time.Second
	_streamReadLimit   = int64(4 << 10) // Client frames are tiny control messages.
	_writeWait         = 10 * time.Second
)

// StreamMessage is the envelope for every server→client frame.
type StreamMessage struct {
	Type      string   `json:"type"`
	JobID     string   `json:"jobId"`
	Pipeline  Pipeline `json:"pipeline"`
	Timestamp string   `json:"timestamp"`
	Version   string   `json:"version"`
	Payload   any      `json:"payload,omitempty"`
}

// clientMessage is what we accept from the client.
type clientMessage struct {
	Type string `json:"type"`
}

// wsStream binds one websocket connection to a job. Writes are serialized
// through the mutex; gorilla connections do not allow concurrent writers.
type wsStream struct {
	conn *websocket.Conn
	job  *Job

	mu     sync.Mutex
	closed bool
}

var _ progressSink = (*wsStream)(nil)

func (s *wsStream) send(msgType string, payload any) error {
	msg := StreamMessage{
		Type:      msgType,
		JobID:     s.job.ID,
		Pipeline:  s.job.Pipeline,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   _streamVersion,
		Payload:   payload,
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return websocket.ErrCloseSent
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(_writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, b)
}

func (s *wsStream) closeWith(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	_ = s.conn.SetWriteDeadline(time.Now().Add(_writeWait))
	_ = s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, ""))
	_ = s.conn.Close()
}

// StreamHandler upgrades progress-stream connections and pumps client
// control messages into the job singleton.
type StreamHandler struct {
	registry *JobRegistry
	upgrader websocket.Upgrader
}

// NewStreamHandler wires the handler.
func NewStreamHandler(registry *JobRegistry) *StreamHandler {
	return &StreamHandler{
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1 << 10,
			WriteBufferSize: 4 << 10,
			// Browser clients connect cross-origin from the app shell.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP handles GET /v1/jobs/{jobId}/stream?token=…
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	job, ok := h.registry.Get(jobID)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}
	stream := &wsStream{conn: conn}

	if !ok {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(closeAuthFailure, "unknown job"))
		_ = conn.Close()
		return
	}
	stream.job = job

	if err := job.ConsumeToken(r.URL.Query().Get("token")); err != nil {
		Log(r.Context()).Warn("rejecting stream", "job", jobID, "err", err)
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(closeAuthFailure, "invalid token"))
		_ = conn.Close()
		return
	}

	conn.SetReadLimit(_streamReadLimit)
	job.Bind(stream)

	go h.keepAlive(stream)
	h.readLoop(stream)
}

// keepAlive sends a ping frame every 30 seconds until the stream closes.
func (h *StreamHandler) keepAlive(s *wsStream) {
	ticker := time.NewTicker(_keepAliveInterval)
	defer ticker.Stop()
	for range ticker.C {
		if err := s.send("ping", nil); err != nil {
			return
		}
	}
}

// readLoop consumes client control messages until the connection drops.
func (h *StreamHandler) readLoop(s *wsStream) {
	defer s.job.Disconnected()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "ready":
			s.job.Ready()
		case "cancel":
			s.job.RequestCancel()
		case "ping":
			_ = s.send("pong", nil)
		case "pong":
			// Keep-alive answer; nothing to do.
		}
	}
}
