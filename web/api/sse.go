package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hochfrequenz/adw-orchestrator/internal/workflow"
)

// clientBuffer is how many events a slow client may lag behind before it
// is dropped
const clientBuffer = 64

// keepAliveInterval spaces SSE comments and WebSocket pings on idle streams
const keepAliveInterval = 30 * time.Second

// EventMessage is a run event as streamed to clients
type EventMessage struct {
	Type         string    `json:"type"`
	ADWID        string    `json:"adw_id"`
	IssueNumber  int       `json:"issue_number"`
	WorkflowType string    `json:"workflow_type"`
	Status       string    `json:"status"`
	Phase        string    `json:"phase,omitempty"`
	Attempt      int       `json:"attempt,omitempty"`
	Message      string    `json:"message,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

func eventMessage(ev workflow.Event) EventMessage {
	return EventMessage{
		Type:         string(ev.Type),
		ADWID:        ev.Run.ADWID,
		IssueNumber:  ev.Run.IssueNumber,
		WorkflowType: string(ev.Run.Type),
		Status:       string(ev.Run.Status),
		Phase:        string(ev.Phase),
		Attempt:      ev.Attempt,
		Message:      ev.Message,
		Timestamp:    ev.At.UTC(),
	}
}

// Hub fans run events out to SSE and WebSocket clients
type Hub struct {
	mu      sync.Mutex
	clients map[chan EventMessage]struct{}
	closed  bool
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{clients: make(map[chan EventMessage]struct{})}
}

// OnEvent implements workflow.Listener
func (h *Hub) OnEvent(ev workflow.Event) {
	h.Broadcast(eventMessage(ev))
}

// Broadcast sends an event to all clients. Clients that cannot keep up are
// disconnected.
func (h *Hub) Broadcast(msg EventMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client <- msg:
		default:
			close(client)
			delete(h.clients, client)
		}
	}
}

// Subscribe registers a client. The channel is closed when the client is
// dropped or the hub closes.
func (h *Hub) Subscribe() (<-chan EventMessage, func()) {
	client := make(chan EventMessage, clientBuffer)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(client)
		return client, func() {}
	}
	h.clients[client] = struct{}{}

	return client, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.clients[client]; ok {
			delete(h.clients, client)
			close(client)
		}
	}
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for client := range h.clients {
		close(client)
		delete(h.clients, client)
	}
}

func (s *Server) sseHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming not supported", http.StatusInternalServerError)
			return
		}

		// Set SSE headers
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("Access-Control-Allow-Origin", "*")

		events, unsubscribe := s.hub.Subscribe()
		defer unsubscribe()

		fmt.Fprint(w, ": connected\n\n")
		flusher.Flush()

		ticker := time.NewTicker(keepAliveInterval)
		defer ticker.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				fmt.Fprint(w, ": ping\n\n")
				flusher.Flush()
			case event, ok := <-events:
				if !ok {
					return
				}
				data, _ := json.Marshal(event)
				fmt.Fprintf(w, "event: %s\n", event.Type)
				fmt.Fprintf(w, "data: %s\n\n", data)
				flusher.Flush()
			}
		}
	}
}
