package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/hydraquiz/battle/go/internal/battle/events"
	"github.com/hydraquiz/battle/go/internal/battle/registry"
	"github.com/hydraquiz/battle/go/internal/battle/session"
)

// Engine is the part of the session registry the gateway drives.
type Engine interface {
	Dispatch(ctx context.Context, roomID uuid.UUID, event events.Inbound) (registry.Result, error)
	Subscribe(roomID uuid.UUID, connectionID string) error
	Snapshot(roomID uuid.UUID) (session.Snapshot, error)
}

// WebSocketHandler handles WebSocket upgrade requests for room connections
type WebSocketHandler struct {
	connectionManager *ConnectionManager
	engine            Engine
	hostKey           string
	allowSpectators   bool
}

// NewWebSocketHandler creates a new WebSocket handler. An empty hostKey lets
// any client claim the host role.
func NewWebSocketHandler(cm *ConnectionManager, engine Engine, hostKey string, allowSpectators bool) *WebSocketHandler {
	return &WebSocketHandler{
		connectionManager: cm,
		engine:            engine,
		hostKey:           hostKey,
		allowSpectators:   allowSpectators,
	}
}

// HandleRoomConnection handles GET /ws/rooms/{roomID}?role=player|host|spectator
func (h *WebSocketHandler) HandleRoomConnection(w http.ResponseWriter, r *http.Request) {
	roomID, err := uuid.Parse(r.PathValue("roomID"))
	if err != nil {
		http.Error(w, "invalid room id format", http.StatusBadRequest)
		return
	}

	role := Role(r.URL.Query().Get("role"))
	switch role {
	case "":
		role = RolePlayer
	case RolePlayer, RoleSpectator:
	case RoleHost:
		if h.hostKey != "" && subtle.ConstantTimeCompare([]byte(r.URL.Query().Get("key")), []byte(h.hostKey)) != 1 {
			http.Error(w, "invalid host key", http.StatusForbidden)
			return
		}
	default:
		http.Error(w, "unknown role", http.StatusBadRequest)
		return
	}

	// Spectators may watch a room driven by another instance, relayed over NATS.
	if _, err := h.engine.Snapshot(roomID); err != nil {
		if !(role == RoleSpectator && h.allowSpectators && errors.Is(err, session.ErrRoomNotFound)) {
			code, status := ErrorCode(err)
			http.Error(w, code, status)
			return
		}
	}

	conn, err := h.connectionManager.Upgrade(w, r, roomID, role)
	if err != nil {
		log.Error().
			Err(err).
			Str("room_id", roomID.String()).
			Msg("failed to upgrade WebSocket connection")
		return
	}

	go conn.writePump()

	if err := h.engine.Subscribe(roomID, conn.ID); err != nil && role != RoleSpectator {
		log.Warn().Err(err).Str("connection_id", conn.ID).Msg("initial resync failed")
	}

	// The request context ends with this handler; the socket outlives it.
	ctx := context.WithoutCancel(r.Context())
	go func() {
		conn.readPump(func(raw []byte) { h.handleMessage(ctx, conn, raw) })
		h.disconnect(ctx, conn)
	}()
}

func (h *WebSocketHandler) handleMessage(ctx context.Context, c *Connection, raw []byte) {
	if !c.limiter.Allow() {
		h.sendError(c, ErrRateLimited)
		return
	}
	if c.Role == RoleSpectator {
		h.sendError(c, ErrReadOnly)
		return
	}

	event, err := events.ParseInbound(raw, c.ID)
	if err != nil {
		h.sendError(c, err)
		return
	}

	bound := c.PlayerID()
	switch ev := event.(type) {
	case events.Join:
		if bound != "" && bound != ev.PlayerID {
			h.sendError(c, ErrAlreadyBound)
			return
		}
	case events.Leave:
		if bound == "" {
			h.sendError(c, ErrNotJoined)
			return
		}
		ev.PlayerID = bound
		event = ev
	case events.Answer:
		if bound == "" {
			h.sendError(c, ErrNotJoined)
			return
		}
		ev.PlayerID = bound
		event = ev
	case events.Command:
		if c.Role != RoleHost {
			h.sendError(c, ErrForbidden)
			return
		}
	}

	if _, err := h.engine.Dispatch(ctx, c.RoomID, event); err != nil {
		log.Debug().
			Err(err).
			Str("connection_id", c.ID).
			Str("type", string(event.Type())).
			Msg("event rejected")
		h.sendError(c, err)
		return
	}

	switch ev := event.(type) {
	case events.Join:
		c.bindPlayer(ev.PlayerID)
	case events.Leave:
		c.bindPlayer("")
	}
}

func (h *WebSocketHandler) disconnect(ctx context.Context, c *Connection) {
	playerID := c.PlayerID()
	if playerID == "" {
		return
	}
	_, err := h.engine.Dispatch(ctx, c.RoomID, events.Leave{PlayerID: playerID, ConnectionID: c.ID})
	if err != nil && !errors.Is(err, session.ErrRoomNotFound) {
		log.Warn().
			Err(err).
			Str("room_id", c.RoomID.String()).
			Str("player_id", playerID).
			Msg("failed to mark player disconnected")
	}
}

func (h *WebSocketHandler) sendError(c *Connection, err error) {
	code, _ := ErrorCode(err)
	ev, buildErr := events.NewOutbound(c.RoomID, events.EventTypeError, events.ErrorPayload{
		Code:    code,
		Message: err.Error(),
	}, time.Now())
	if buildErr != nil {
		log.Error().Err(buildErr).Msg("failed to build error event")
		return
	}
	h.connectionManager.Unicast(c.ID, ev)
}

// HandleConnectionStats returns statistics about active connections
func (h *WebSocketHandler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.connectionManager.GetConnectionStats()); err != nil {
		log.Error().Err(err).Msg("failed to encode connection stats")
	}
}

// RegisterRoutes registers WebSocket routes with an HTTP mux
func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/rooms/{roomID}", h.HandleRoomConnection)
	mux.HandleFunc("GET /ws/stats", h.HandleConnectionStats)
}
