package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/ensemble/internal/metrics"
	"github.com/mossy-p/ensemble/internal/middleware"
	"github.com/mossy-p/ensemble/internal/models"
)

const (
	pongWait     = 60 * time.Second
	pingPeriod   = 54 * time.Second
	writeWait    = 10 * time.Second
	registerWait = 10 * time.Second
	sendBuffer   = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// HubConfig configures a Hub
type HubConfig struct {
	JWTSecret             string
	RequireControllerAuth bool
	Presence              Presence
	Metrics               metrics.Collector
}

// Hub tracks registered clients and routes envelopes between them
type Hub struct {
	cfg HubConfig

	mu      sync.RWMutex
	clients map[string]*Client
}

// Client represents a WebSocket client connection
type Client struct {
	ID   string
	Role models.Role
	Conn *websocket.Conn
	Send chan []byte

	authenticated bool
}

// NewHub creates a hub. Presence defaults to memory.
func NewHub(cfg HubConfig) *Hub {
	if cfg.Presence == nil {
		cfg.Presence = NewMemoryPresence()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop{}
	}
	return &Hub{cfg: cfg, clients: make(map[string]*Client)}
}

// HandleSignaling handles WebSocket connections for ensemble signaling
func (h *Hub) HandleSignaling(c *gin.Context) {
	authenticated := false
	if token := c.Query("token"); token != "" {
		if _, err := middleware.ParseToken(h.cfg.JWTSecret, token); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}
		authenticated = true
	}

	// Upgrade HTTP connection to WebSocket
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("Failed to upgrade connection: %v", err)
		return
	}

	client := &Client{
		Conn:          conn,
		Send:          make(chan []byte, sendBuffer),
		authenticated: authenticated,
	}

	// Start goroutines for reading and writing
	go client.writePump()
	go h.readPump(client)
}

// register admits client with the identity in msg. It reports whether the
// client may continue.
func (h *Hub) register(client *Client, msg models.SignalMessage) bool {
	if msg.Type != models.SignalTypeRegister {
		h.reject(client, msg.Type, "first message must be register")
		return false
	}
	if msg.Role != models.RoleController && msg.Role != models.RoleSynth {
		h.reject(client, msg.Type, fmt.Sprintf("invalid role %q", msg.Role))
		return false
	}
	if msg.Role == models.RoleController && h.cfg.RequireControllerAuth && !client.authenticated {
		h.reject(client, msg.Type, "controllers must authenticate")
		return false
	}

	client.ID = msg.ClientID
	if client.ID == "" {
		client.ID = uuid.New().String()
	}
	client.Role = msg.Role

	h.mu.Lock()
	old := h.clients[client.ID]
	h.clients[client.ID] = client
	h.mu.Unlock()
	if old != nil {
		// A reconnect that beat the old socket's timeout.
		log.Printf("Client %s re-registered, dropping previous connection", client.ID)
		h.cfg.Metrics.ClientDisconnected(string(old.Role))
		old.Conn.Close()
	}

	if err := h.cfg.Presence.Add(context.Background(), client.Role, client.ID); err != nil {
		log.Printf("Failed to record presence: %v", err)
	}
	h.cfg.Metrics.ClientConnected(string(client.Role))
	log.Printf("%s %s registered", client.Role, client.ID)

	client.sendMessage(models.SignalMessage{
		Type:     models.SignalTypeRegistered,
		ClientID: client.ID,
		Role:     client.Role,
	})
	if old == nil {
		h.announce(client, true)
	}
	return true
}

// unregister removes client if it is still the registered connection for
// its id.
func (h *Hub) unregister(client *Client) {
	if client.ID == "" {
		return
	}
	h.mu.Lock()
	current := h.clients[client.ID] == client
	if current {
		delete(h.clients, client.ID)
	}
	h.mu.Unlock()
	if !current {
		return
	}

	if err := h.cfg.Presence.Remove(context.Background(), client.Role, client.ID); err != nil {
		log.Printf("Failed to remove presence: %v", err)
	}
	h.cfg.Metrics.ClientDisconnected(string(client.Role))
	h.announce(client, false)
	log.Printf("%s %s left", client.Role, client.ID)
}

// announce tells the other role that client joined or left.
func (h *Hub) announce(client *Client, joined bool) {
	msg := models.SignalMessage{Source: client.ID}
	audience := models.RoleController
	switch {
	case client.Role == models.RoleController && joined:
		msg.Type, msg.ControllerID, audience = models.SignalTypeControllerJoined, client.ID, models.RoleSynth
	case client.Role == models.RoleController:
		msg.Type, msg.ControllerID, audience = models.SignalTypeControllerLeft, client.ID, models.RoleSynth
	case joined:
		msg.Type, msg.SynthID = models.SignalTypeSynthJoined, client.ID
	default:
		msg.Type, msg.SynthID = models.SignalTypeSynthLeft, client.ID
	}
	h.broadcastMessage(msg, audience, client.ID)
}

func (h *Hub) reject(client *Client, t models.SignalType, reason string) {
	h.cfg.Metrics.SignalError(string(t), "rejected")
	client.sendMessage(models.SignalMessage{Type: models.SignalTypeError, Error: reason})
	log.Printf("Rejected client: %s", reason)
}

// Controllers returns the registered controller ids, sorted
func (h *Hub) Controllers() []string { return h.ids(models.RoleController) }

// Synths returns the registered synth ids, sorted
func (h *Hub) Synths() []string { return h.ids(models.RoleSynth) }

func (h *Hub) ids(role models.Role) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := []string{}
	for id, c := range h.clients {
		if c.Role == role {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (h *Hub) broadcastMessage(msg models.SignalMessage, role models.Role, excludeID string) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("Failed to marshal message: %v", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, client := range h.clients {
		if id != excludeID && client.Role == role {
			client.enqueue(data)
		}
	}
}

// sendToClient delivers msg to targetID and reports whether it is
// registered.
func (h *Hub) sendToClient(msg models.SignalMessage, targetID string) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("Failed to marshal message: %v", err)
		return false
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	client, exists := h.clients[targetID]
	if !exists {
		return false
	}
	client.enqueue(data)
	return true
}

// route handles one envelope from a registered client.
func (h *Hub) route(client *Client, msg models.SignalMessage) {
	msg.Normalize()
	msg.Source = client.ID

	switch msg.Type {
	case models.SignalTypeRequestControllers:
		client.sendMessage(models.SignalMessage{
			Type:        models.SignalTypeControllersList,
			Controllers: h.Controllers(),
		})
		h.cfg.Metrics.SignalRouted(string(msg.Type))

	case models.SignalTypeOffer, models.SignalTypeAnswer, models.SignalTypeICE:
		if msg.Target == "" {
			h.fail(client, msg, "no_target", "target is required")
			return
		}
		if !h.sendToClient(msg, msg.Target) {
			h.fail(client, msg, "unknown_target", "unknown target "+msg.Target)
			return
		}
		h.cfg.Metrics.SignalRouted(string(msg.Type))

	case models.SignalTypeRegister:
		h.fail(client, msg, "duplicate_register", "already registered")

	default:
		h.fail(client, msg, "unsupported", fmt.Sprintf("unsupported message type %q", msg.Type))
	}
}

func (h *Hub) fail(client *Client, msg models.SignalMessage, code, reason string) {
	log.Printf("Cannot route %s from %s: %s", msg.Type, client.ID, reason)
	h.cfg.Metrics.SignalError(string(msg.Type), code)
	client.sendMessage(models.SignalMessage{
		Type:   models.SignalTypeError,
		Target: msg.Target,
		Error:  reason,
	})
}

func (h *Hub) readPump(c *Client) {
	defer func() {
		h.unregister(c)
		// Nothing can reach c through the hub any more. writePump flushes
		// what is queued, then closes the connection.
		close(c.Send)
	}()

	c.Conn.SetReadDeadline(time.Now().Add(registerWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	registered := false
	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			return
		}

		// Parse message
		var msg models.SignalMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Printf("Failed to parse message: %v", err)
			continue
		}

		if !registered {
			if !h.register(c, msg) {
				return
			}
			registered = true
			c.Conn.SetReadDeadline(time.Now().Add(pongWait))
			continue
		}
		h.route(c, msg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("Failed to write message: %v", err)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) enqueue(data []byte) {
	select {
	case c.Send <- data:
	default:
		log.Printf("Failed to send message to client %s, buffer full", c.ID)
	}
}

func (c *Client) sendMessage(msg models.SignalMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("Failed to marshal message: %v", err)
		return
	}
	c.enqueue(data)
}
