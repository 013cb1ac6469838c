package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/hydraquiz/battle/go/internal/battle/events"
	"github.com/hydraquiz/battle/go/internal/battle/session"
)

// ConnectionManager manages WebSocket connections grouped by room
type ConnectionManager struct {
	// Connection pools organized by room ID
	roomConnections map[uuid.UUID]map[*Connection]bool
	byID            map[string]*Connection
	mu              sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig

	broadcastCh chan BroadcastMessage
}

// Role is what a connection may do in its room.
type Role string

const (
	RolePlayer    Role = "player"
	RoleHost      Role = "host"
	RoleSpectator Role = "spectator"
)

// Connection represents a WebSocket connection to a client
type Connection struct {
	ID      string
	RoomID  uuid.UUID
	Role    Role
	Conn    *websocket.Conn
	Send    chan []byte
	Manager *ConnectionManager

	ConnectedAt time.Time

	// playerID is written by the read pump and read by the broadcaster.
	playerID atomic.Pointer[string]
	limiter  *rate.Limiter
}

// PlayerID returns the player bound to this connection, or "" before a join.
func (c *Connection) PlayerID() string {
	if id := c.playerID.Load(); id != nil {
		return *id
	}
	return ""
}

func (c *Connection) bindPlayer(id string) {
	c.playerID.Store(&id)
}

// ConnectionConfig holds configuration for WebSocket connections
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBufferSize  int

	// Inbound rate limit per connection
	MessagesPerSecond rate.Limit
	MessageBurst      int

	CheckOrigin func(r *http.Request) bool
}

// BroadcastMessage is a marshalled event queued for delivery. When
// ConnectionID is set only that connection receives it.
type BroadcastMessage struct {
	RoomID       uuid.UUID
	ConnectionID string
	Type         events.EventType
	Payload      []byte
}

// ConnectionStats summarises active connections.
type ConnectionStats struct {
	TotalConnections int            `json:"total_connections"`
	ActiveRooms      int            `json:"active_rooms"`
	RoomConnections  map[string]int `json:"room_connections"`
}

// DefaultConnectionConfig returns default WebSocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:      10 * time.Second,
		ReadTimeout:       60 * time.Second,
		PingInterval:      30 * time.Second,
		MaxMessageSize:    4096,
		ReadBufferSize:    1024,
		WriteBufferSize:   1024,
		SendBufferSize:    256,
		MessagesPerSecond: 10,
		MessageBurst:      20,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// NewConnectionManager creates a new WebSocket connection manager
func NewConnectionManager(config ConnectionConfig) *ConnectionManager {
	return &ConnectionManager{
		roomConnections: make(map[uuid.UUID]map[*Connection]bool),
		byID:            make(map[string]*Connection),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		broadcastCh: make(chan BroadcastMessage, 1000), // Buffer for high throughput
	}
}

// Start delivers queued messages until ctx is cancelled.
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			return
		case message := <-cm.broadcastCh:
			cm.handleBroadcast(message)
		}
	}
}

// Upgrade upgrades an HTTP request to a WebSocket connection bound to roomID
// and registers it. The caller starts the pumps.
func (cm *ConnectionManager) Upgrade(w http.ResponseWriter, r *http.Request, roomID uuid.UUID, role Role) (*Connection, error) {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:          uuid.New().String(),
		RoomID:      roomID,
		Role:        role,
		Conn:        conn,
		Send:        make(chan []byte, cm.config.SendBufferSize),
		Manager:     cm,
		ConnectedAt: time.Now(),
		limiter:     rate.NewLimiter(cm.config.MessagesPerSecond, cm.config.MessageBurst),
	}
	cm.registerConnection(connection)

	log.Info().
		Str("connection_id", connection.ID).
		Str("room_id", roomID.String()).
		Str("role", string(role)).
		Msg("WebSocket connection established")

	return connection, nil
}

func (cm *ConnectionManager) registerConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.roomConnections[conn.RoomID] == nil {
		cm.roomConnections[conn.RoomID] = make(map[*Connection]bool)
	}
	cm.roomConnections[conn.RoomID][conn] = true
	cm.byID[conn.ID] = conn

	log.Debug().
		Str("connection_id", conn.ID).
		Str("room_id", conn.RoomID.String()).
		Int("total_connections", len(cm.roomConnections[conn.RoomID])).
		Msg("connection registered")
}

func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.unregisterLocked(conn)
}

func (cm *ConnectionManager) unregisterLocked(conn *Connection) {
	connections, exists := cm.roomConnections[conn.RoomID]
	if !exists {
		return
	}
	if _, exists := connections[conn]; !exists {
		return
	}

	delete(connections, conn)
	delete(cm.byID, conn.ID)
	close(conn.Send)

	// Clean up empty room connection pools
	if len(connections) == 0 {
		delete(cm.roomConnections, conn.RoomID)
	}

	log.Info().
		Str("connection_id", conn.ID).
		Str("player_id", conn.PlayerID()).
		Str("room_id", conn.RoomID.String()).
		Msg("connection unregistered")
}

// Publish queues a state event for every connection in the room.
func (cm *ConnectionManager) Publish(roomID uuid.UUID, snap session.Snapshot) {
	ev, err := events.NewOutbound(roomID, events.EventTypeState, snap, time.Now())
	if err != nil {
		log.Error().Err(err).Str("room_id", roomID.String()).Msg("failed to build state event")
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("room_id", roomID.String()).Msg("failed to marshal state event")
		return
	}
	cm.PublishRaw(roomID, events.EventTypeState, payload)
}

// PublishRaw queues an already marshalled event for every connection in the
// room.
func (cm *ConnectionManager) PublishRaw(roomID uuid.UUID, eventType events.EventType, payload []byte) {
	cm.enqueue(BroadcastMessage{RoomID: roomID, Type: eventType, Payload: payload})
}

// Unicast queues ev for a single connection.
func (cm *ConnectionManager) Unicast(connectionID string, ev events.Outbound) {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("connection_id", connectionID).Msg("failed to marshal unicast event")
		return
	}
	cm.enqueue(BroadcastMessage{RoomID: ev.RoomID, ConnectionID: connectionID, Type: ev.Type, Payload: payload})
}

func (cm *ConnectionManager) enqueue(message BroadcastMessage) {
	select {
	case cm.broadcastCh <- message:
	default:
		log.Warn().
			Str("room_id", message.RoomID.String()).
			Str("connection_id", message.ConnectionID).
			Msg("broadcast channel full, dropping message")
	}
}

func (cm *ConnectionManager) handleBroadcast(message BroadcastMessage) {
	var slow []*Connection

	cm.mu.RLock()
	var targets []*Connection
	if message.ConnectionID != "" {
		if conn, ok := cm.byID[message.ConnectionID]; ok {
			targets = append(targets, conn)
		}
	} else {
		for conn := range cm.roomConnections[message.RoomID] {
			targets = append(targets, conn)
		}
	}
	// Sends happen under the read lock so a concurrent unregister cannot
	// close a channel mid-send.
	for _, conn := range targets {
		select {
		case conn.Send <- message.Payload:
		default:
			slow = append(slow, conn)
		}
	}
	cm.mu.RUnlock()

	for _, conn := range slow {
		log.Warn().
			Str("connection_id", conn.ID).
			Str("player_id", conn.PlayerID()).
			Msg("connection send buffer full, closing connection")
		cm.unregisterConnection(conn)
		conn.Conn.Close()
	}

	log.Debug().
		Str("event_type", string(message.Type)).
		Str("room_id", message.RoomID.String()).
		Int("connections", len(targets)).
		Msg("event delivered")
}

// GetConnectionStats returns statistics about active connections
func (cm *ConnectionManager) GetConnectionStats() ConnectionStats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	stats := ConnectionStats{
		ActiveRooms:     len(cm.roomConnections),
		RoomConnections: make(map[string]int, len(cm.roomConnections)),
	}
	for roomID, connections := range cm.roomConnections {
		stats.TotalConnections += len(connections)
		stats.RoomConnections[roomID.String()] = len(connections)
	}
	return stats
}

// writePump handles sending messages to the WebSocket connection
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Manager.unregisterConnection(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				// Channel was closed
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump reads client frames and hands each one to handle. It returns when
// the socket closes.
func (c *Connection) readPump(handle func(raw []byte)) {
	defer func() {
		c.Manager.unregisterConnection(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected WebSocket close error")
			}
			return
		}

		handle(message)
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}
