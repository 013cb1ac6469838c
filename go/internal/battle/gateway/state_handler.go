package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/hydraquiz/battle/go/internal/battle/session"
)

// StateResponse is a snapshot plus the time left in its phase.
type StateResponse struct {
	session.Snapshot
	RemainingMs int64 `json:"remainingMs"`
}

// StateHandler serves room snapshots over plain HTTP for clients that poll
// or need state before opening a socket.
type StateHandler struct {
	engine Engine
	now    func() time.Time
}

// NewStateHandler creates a new state handler
func NewStateHandler(engine Engine) *StateHandler {
	return &StateHandler{engine: engine, now: time.Now}
}

// HandleGetRoomState handles GET /api/rooms/{roomID}/state
func (h *StateHandler) HandleGetRoomState(w http.ResponseWriter, r *http.Request) {
	roomID, err := uuid.Parse(r.PathValue("roomID"))
	if err != nil {
		http.Error(w, "invalid room id format", http.StatusBadRequest)
		return
	}

	snap, err := h.engine.Snapshot(roomID)
	if err != nil {
		code, status := ErrorCode(err)
		if status >= http.StatusInternalServerError {
			log.Error().Err(err).Str("room_id", roomID.String()).Msg("failed to get room state")
		}
		http.Error(w, code, status)
		return
	}

	resp := StateResponse{
		Snapshot:    snap,
		RemainingMs: snap.Remaining(h.now()).Milliseconds(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error().Err(err).Msg("failed to encode room state response")
	}
}

// RegisterStateRoutes registers state-related HTTP routes
func (h *StateHandler) RegisterStateRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/rooms/{roomID}/state", h.HandleGetRoomState)
}
