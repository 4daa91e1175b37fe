package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/your-org/trackgraph/internal/observability"
	"github.com/your-org/trackgraph/pkg/dto"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client represents a connected WebSocket client.
type Client struct {
	conn  *websocket.Conn
	send  chan []byte
	jobID string // optional filter
}

type message struct {
	jobID string
	data  []byte
}

// Hub maintains active WebSocket clients and broadcasts job progress.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan message
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Run starts the hub event loop. Call this in a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			observability.WSConnections.Inc()
			slog.Debug("ws client connected", "job_id", client.jobID)

		case client := <-h.unregister:
			h.drop(client)
			slog.Debug("ws client disconnected")

		case msg := <-h.broadcast:
			var slow []*Client
			h.mu.RLock()
			for client := range h.clients {
				if client.jobID != "" && client.jobID != msg.jobID {
					continue
				}
				select {
				case client.send <- msg.data:
				default:
					slow = append(slow, client)
				}
			}
			h.mu.RUnlock()
			for _, client := range slow {
				h.drop(client)
			}
		}
	}
}

func (h *Hub) drop(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
		observability.WSConnections.Dec()
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastProgress sends a job progress update to every client watching the job.
func (h *Hub) BroadcastProgress(p *dto.WSJobProgress) {
	data, err := json.Marshal(p)
	if err != nil {
		slog.Error("marshal ws progress", "error", err)
		return
	}
	h.broadcast <- message{jobID: p.JobID.String(), data: data}
}

// HandleWS handles WebSocket upgrade requests. ?job_id= limits the
// connection to one job's updates.
func (h *Hub) HandleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "error", err)
		return
	}

	client := &Client{
		conn:  conn,
		send:  make(chan []byte, 64),
		jobID: c.Query("job_id"),
	}

	h.register <- client

	go client.writePump()
	go client.readPump(h)
}

func (c *Client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (c *Client) readPump(h *Hub) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
