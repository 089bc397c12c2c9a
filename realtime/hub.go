package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Event types pushed to clients.
const (
	EventCampaignProgress  = "campaign.progress"
	EventCampaignCompleted = "campaign.completed"
	EventCampaignFailed    = "campaign.failed"
	EventJobUpdated        = "job.updated"
)

// Event represents a message sent to websocket clients
type Event struct {
	Type         string                 `json:"type"`
	CampaignID   uint                   `json:"campaign_id,omitempty"`
	JobID        uint                   `json:"job_id,omitempty"`
	GenerationID uint                   `json:"generation_id,omitempty"`
	Status       string                 `json:"status,omitempty"`
	Progress     int                    `json:"progress,omitempty"`
	Total        int                    `json:"total,omitempty"`
	ImageURL     string                 `json:"image_url,omitempty"`
	Error        string                 `json:"error,omitempty"`
	Extra        map[string]interface{} `json:"extra,omitempty"`
	Timestamp    int64                  `json:"timestamp"`
}

const (
	writeWait       = 10 * time.Second
	defaultPongWait = 60 * time.Second
	maxMessageSize  = 512
)

type Client struct {
	userID uint
	conn   *websocket.Conn
	send   chan []byte
}

type envelope struct {
	userID  uint
	message []byte
}

// Hub delivers events to the websocket connections of one user
type Hub struct {
	clients    map[uint]map[*Client]bool
	register   chan *Client
	unregister chan *Client
	publish    chan envelope
	done       chan struct{}
	mu         sync.RWMutex
	log        *zap.Logger

	// pongWait bounds how long a connection may stay silent. Pings go
	// out at 9/10 of it.
	pongWait time.Duration
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[uint]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		publish:    make(chan envelope, 256),
		done:       make(chan struct{}),
		log:        log.Named("realtime"),
		pongWait:   defaultPongWait,
	}
}

// SetPongWait changes the keepalive window. It must be called before the
// first connection is served.
func (h *Hub) SetPongWait(d time.Duration) {
	if d > 0 {
		h.pongWait = d
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for _, set := range h.clients {
				for client := range set {
					close(client.send)
				}
			}
			h.clients = make(map[uint]map[*Client]bool)
			h.mu.Unlock()
			return
		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.userID] == nil {
				h.clients[client.userID] = make(map[*Client]bool)
			}
			h.clients[client.userID][client] = true
			h.mu.Unlock()
		case client := <-h.unregister:
			h.mu.Lock()
			h.remove(client)
			h.mu.Unlock()
		case env := <-h.publish:
			h.mu.Lock()
			for client := range h.clients[env.userID] {
				select {
				case client.send <- env.message:
				default:
					// slow consumer
					h.remove(client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// remove must be called with mu held.
func (h *Hub) remove(client *Client) {
	set := h.clients[client.userID]
	if _, ok := set[client]; !ok {
		return
	}
	delete(set, client)
	close(client.send)
	if len(set) == 0 {
		delete(h.clients, client.userID)
	}
}

// Publish queues an event for every connection of userID. Events are
// dropped when the queue is full.
func (h *Hub) Publish(userID uint, event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	encoded, err := json.Marshal(event)
	if err != nil {
		h.log.Error("failed to marshal event", zap.Error(err))
		return
	}
	select {
	case h.publish <- envelope{userID: userID, message: encoded}:
	default:
		h.log.Warn("dropping event, publish channel full", zap.String("type", event.Type), zap.Uint("user_id", userID))
	}
}

// Connections returns the number of open connections for a user.
func (h *Hub) Connections(userID uint) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWS upgrades the connection and registers it for an authenticated user
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID uint) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade error", zap.Error(err))
		return
	}
	client := &Client{userID: userID, conn: conn, send: make(chan []byte, 64)}
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	pingPeriod := h.pongWait * 9 / 10
	go h.writePump(client, pingPeriod)

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(h.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	select {
	case h.unregister <- client:
	case <-h.done:
	}
	conn.Close()
}

func (h *Hub) writePump(client *Client, pingPeriod time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
