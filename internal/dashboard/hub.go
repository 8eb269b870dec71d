package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // operator dashboard is same-origin in production, open locally
	},
}

// Hub maintains the set of connected dashboard clients and pushes
// dashboard_update frames to all of them.
type Hub struct {
	clients   map[*websocket.Conn]bool
	broadcast chan []byte
	mutex     sync.Mutex
}

// NewHub creates a hub.
func NewHub() *Hub {
	return &Hub{
		broadcast: make(chan []byte, 256),
		clients:   make(map[*websocket.Conn]bool),
	}
}

// Run drains the broadcast channel until it is closed.
func (h *Hub) Run() {
	for message := range h.broadcast {
		h.mutex.Lock()
		for client := range h.clients {
			// Write deadline keeps one stalled client from hanging the hub
			_ = client.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug().Err(err).Msg("Websocket write error, dropping client")
				client.Close()
				delete(h.clients, client)
			}
		}
		h.mutex.Unlock()
	}
}

// Subscribe upgrades the request and registers the client.
func (h *Hub) Subscribe(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to upgrade websocket")
		return
	}

	h.mutex.Lock()
	h.clients[conn] = true
	count := len(h.clients)
	h.mutex.Unlock()

	log.Info().Int("clients", count).Msg("Dashboard client connected")

	// Push-only channel, but reads are required to notice disconnects
	go func() {
		defer func() {
			h.mutex.Lock()
			delete(h.clients, conn)
			remaining := len(h.clients)
			h.mutex.Unlock()
			conn.Close()
			log.Info().Int("clients", remaining).Msg("Dashboard client disconnected")
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Debug().Err(err).Msg("Websocket read error")
				}
				return
			}
		}
	}()
}

// Broadcast queues a frame for all connected clients.
func (h *Hub) Broadcast(data []byte) {
	select {
	case h.broadcast <- data:
	default:
		log.Warn().Msg("Dashboard broadcast channel full, dropping frame")
	}
}

// Close stops the hub's Run loop.
func (h *Hub) Close() {
	close(h.broadcast)
}

// PushLoop emits a dashboard_update frame at every refresh tick until ctx is
// done.
func (h *Hub) PushLoop(ctx context.Context, service *Service, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		metrics, err := service.Metrics(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Dashboard push skipped, metrics unavailable")
			continue
		}

		frame, err := json.Marshal(map[string]interface{}{
			"type":      "dashboard_update",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"metrics":   metrics,
		})
		if err != nil {
			continue
		}
		h.Broadcast(frame)
	}
}
