// Package event broadcasts daemon activity to WebSocket subscribers.
//
// The hub fans captured-delta and lifecycle notifications out to every
// connected client so UIs can follow edits live. Delivery is
// best-effort: a slow or dead client is dropped rather than allowed to
// stall the capture pipeline.
package event

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/keepsake-dev/keepsake/internal/delta"
)

// Message types sent over the wire.
const (
	TypeDelta          = "delta"
	TypeSessionFlushed = "session_flushed"
	TypeProjectAdded   = "project_added"
	TypeProjectRemoved = "project_removed"
)

// Message is the envelope every broadcast uses.
type Message struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// DeltaData announces a captured delta.
type DeltaData struct {
	ProjectID string      `json:"project_id"`
	Path      string      `json:"path"`
	Delta     delta.Delta `json:"delta"`
}

// FlushData announces a flushed session.
type FlushData struct {
	ProjectID  string `json:"project_id"`
	Snapshot   string `json:"snapshot"`
	DeltaCount int    `json:"delta_count"`
	FileCount  int    `json:"file_count"`
}

// ProjectData announces project registration changes.
type ProjectData struct {
	ProjectID string `json:"project_id"`
	Path      string `json:"path,omitempty"`
}

// Hub manages WebSocket subscribers and the broadcast loop.
type Hub struct {
	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *slog.Logger
}

// NewHub creates a hub. Call Start before broadcasting and Stop on
// shutdown.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
	}
}

// Start launches the broadcast loop.
func (h *Hub) Start() {
	h.wg.Add(1)
	go h.broadcastLoop()
}

// Stop disconnects all clients and stops the broadcast loop.
func (h *Hub) Stop() {
	h.cancel()

	h.clientsMu.Lock()
	for conn := range h.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(h.clients, conn)
	}
	h.clientsMu.Unlock()

	h.wg.Wait()
}

// Broadcast queues a message for delivery. Messages are dropped when
// the queue is full; event delivery never blocks capture.
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	case <-h.ctx.Done():
	default:
		h.logger.Warn("event queue full, dropping message", "type", msg.Type)
	}
}

// PublishDelta announces a captured delta.
func (h *Hub) PublishDelta(projectID, path string, d delta.Delta) {
	h.Broadcast(Message{Type: TypeDelta, Data: DeltaData{
		ProjectID: projectID,
		Path:      path,
		Delta:     d,
	}})
}

// PublishFlush announces a flushed session.
func (h *Hub) PublishFlush(projectID, snapshot string, deltaCount, fileCount int) {
	h.Broadcast(Message{Type: TypeSessionFlushed, Data: FlushData{
		ProjectID:  projectID,
		Snapshot:   snapshot,
		DeltaCount: deltaCount,
		FileCount:  fileCount,
	}})
}

// PublishProjectAdded announces a new registration.
func (h *Hub) PublishProjectAdded(projectID, path string) {
	h.Broadcast(Message{Type: TypeProjectAdded, Data: ProjectData{ProjectID: projectID, Path: path}})
}

// PublishProjectRemoved announces a removed registration.
func (h *Hub) PublishProjectRemoved(projectID string) {
	h.Broadcast(Message{Type: TypeProjectRemoved, Data: ProjectData{ProjectID: projectID}})
}

func (h *Hub) broadcastLoop() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			return

		case msg := <-h.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now().UTC()
			}

			data, err := json.Marshal(msg)
			if err != nil {
				h.logger.Error("failed to marshal event", "type", msg.Type, "error", err)
				continue
			}

			h.clientsMu.RLock()
			conns := make([]*websocket.Conn, 0, len(h.clients))
			for conn := range h.clients {
				conns = append(conns, conn)
			}
			h.clientsMu.RUnlock()

			// Writes happen outside the lock so one slow client cannot
			// block new subscriptions.
			for _, conn := range conns {
				ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					h.removeClient(conn)
				}
			}
		}
	}
}

// HandleWebSocket upgrades the request and subscribes the client until
// it disconnects.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // local daemon, clients connect from any origin
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", "error", err)
		return
	}

	h.clientsMu.Lock()
	h.clients[conn] = true
	count := len(h.clients)
	h.clientsMu.Unlock()

	h.logger.Debug("websocket client connected", "clients", count)

	// Drain inbound frames so pings and close handshakes are processed;
	// clients are listen-only.
	go func() {
		for {
			if _, _, err := conn.Read(h.ctx); err != nil {
				h.removeClient(conn)
				return
			}
		}
	}()
}

func (h *Hub) removeClient(conn *websocket.Conn) {
	h.clientsMu.Lock()
	_, exists := h.clients[conn]
	if exists {
		delete(h.clients, conn)
	}
	count := len(h.clients)
	h.clientsMu.Unlock()

	if exists {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		h.logger.Debug("websocket client disconnected", "clients", count)
	}
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}
