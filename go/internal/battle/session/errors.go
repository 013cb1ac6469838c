package session

import "errors"

var (
	ErrRoomNotFound            = errors.New("room not found")
	ErrInvalidPhaseForAction   = errors.New("invalid phase for action")
	ErrDuplicateSubmission     = errors.New("duplicate submission")
	ErrUnknownPlayer           = errors.New("unknown player")
	ErrCollaboratorUnavailable = errors.New("collaborator unavailable")
	ErrAnswerWindowClosed      = errors.New("answer window closed")
	ErrStaleQuestion           = errors.New("answer is for a different question")
	ErrUnknownCommand          = errors.New("unknown command")
	ErrNoConnectedPlayers      = errors.New("no connected players")
	ErrRoomFull                = errors.New("room is full")
	ErrInvalidInput            = errors.New("invalid input")
	ErrStaleConnection         = errors.New("connection no longer bound to player")
)
