package gateway

import (
	"errors"
	"net/http"

	"github.com/hydraquiz/battle/go/internal/battle/events"
	"github.com/hydraquiz/battle/go/internal/battle/session"
)

var (
	ErrNotJoined    = errors.New("connection has not joined as a player")
	ErrForbidden    = errors.New("command requires the host role")
	ErrReadOnly     = errors.New("spectator connections are read-only")
	ErrRateLimited  = errors.New("too many messages")
	ErrAlreadyBound = errors.New("connection is already bound to another player")
)

type errorMapping struct {
	err    error
	code   string
	status int
}

var errorMappings = []errorMapping{
	{session.ErrRoomNotFound, "room_not_found", http.StatusNotFound},
	{session.ErrInvalidPhaseForAction, "invalid_phase", http.StatusConflict},
	{session.ErrDuplicateSubmission, "duplicate_submission", http.StatusConflict},
	{session.ErrUnknownPlayer, "unknown_player", http.StatusNotFound},
	{session.ErrStaleConnection, "stale_connection", http.StatusConflict},
	{session.ErrCollaboratorUnavailable, "unavailable", http.StatusServiceUnavailable},
	{session.ErrAnswerWindowClosed, "answer_window_closed", http.StatusConflict},
	{session.ErrStaleQuestion, "stale_question", http.StatusConflict},
	{session.ErrUnknownCommand, "unknown_command", http.StatusBadRequest},
	{session.ErrNoConnectedPlayers, "no_connected_players", http.StatusConflict},
	{session.ErrRoomFull, "room_full", http.StatusConflict},
	{session.ErrInvalidInput, "invalid_event", http.StatusBadRequest},
	{events.ErrInvalidEvent, "invalid_event", http.StatusBadRequest},
	{ErrNotJoined, "not_joined", http.StatusForbidden},
	{ErrForbidden, "forbidden", http.StatusForbidden},
	{ErrReadOnly, "read_only", http.StatusForbidden},
	{ErrRateLimited, "rate_limited", http.StatusTooManyRequests},
	{ErrAlreadyBound, "already_bound", http.StatusConflict},
}

// ErrorCode maps an engine or transport error to its wire code and HTTP
// status.
func ErrorCode(err error) (string, int) {
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			return m.code, m.status
		}
	}
	return "internal", http.StatusInternalServerError
}
