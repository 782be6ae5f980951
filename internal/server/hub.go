package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dontdude/scriptq/internal/domain"
	"github.com/dontdude/scriptq/internal/observability"
)

const writeWait = 5 * time.Second

// WebSocket Upgrader (Gorilla)
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true }, // Allow all origins
}

// watcher is one WebSocket connection following a job.
// gorilla connections allow a single concurrent writer.
type watcher struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *watcher) send(msg domain.JobMessage) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteJSON(msg)
}

// Hub routes bus messages to the WebSocket clients watching each job.
type Hub struct {
	mu       sync.RWMutex
	watchers map[string]map[*watcher]struct{}
}

func NewHub() *Hub {
	return &Hub{watchers: make(map[string]map[*watcher]struct{})}
}

func (h *Hub) register(job string, w *watcher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.watchers[job]
	if !ok {
		set = make(map[*watcher]struct{})
		h.watchers[job] = set
	}
	set[w] = struct{}{}
}

func (h *Hub) unregister(job string, w *watcher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.watchers[job]
	if !ok {
		return
	}
	delete(set, w)
	if len(set) == 0 {
		delete(h.watchers, job)
	}
}

// Watching reports how many clients follow job.
func (h *Hub) Watching(job string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.watchers[job])
}

// Run forwards every message on bus to the matching watchers until ctx is done.
func (h *Hub) Run(ctx context.Context, bus domain.MessageBus) error {
	msgs, err := bus.SubscribeMessages(ctx)
	if err != nil {
		return fmt.Errorf("subscribe to messages: %w", err)
	}

	observability.Logger.Info("Starting message broadcaster")
	for msg := range msgs {
		h.forward(msg)
	}
	return ctx.Err()
}

func (h *Hub) forward(msg domain.JobMessage) {
	h.mu.RLock()
	targets := make([]*watcher, 0, len(h.watchers[msg.JobName]))
	for w := range h.watchers[msg.JobName] {
		targets = append(targets, w)
	}
	h.mu.RUnlock()

	for _, w := range targets {
		if err := w.send(msg); err != nil {
			observability.Logger.Warn("Failed to write to websocket",
				zap.String("job", msg.JobName), zap.Error(err))
			h.unregister(msg.JobName, w)
			_ = w.conn.Close()
		}
	}
}

// handleWS upgrades the connection and follows the job named in ?job=.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.opts.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, CodeBusDisabled, "message bus is not configured", nil)
		return
	}
	job := r.URL.Query().Get("job")
	if job == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "job is required", nil)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		observability.Logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	observability.Logger.Debug("Client connected via WebSocket",
		zap.String("job", job), zap.String("remote_addr", conn.RemoteAddr().String()))
	wt := &watcher{conn: conn}
	s.hub.register(job, wt)

	defer func() {
		observability.Logger.Debug("Client disconnected", zap.String("job", job))
		s.hub.unregister(job, wt)
		_ = conn.Close()
	}()

	// Keep the connection alive until the client disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
