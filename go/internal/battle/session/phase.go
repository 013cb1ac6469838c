package session

import "github.com/hydraquiz/battle/go/internal/models"

// Phase is one stage of the per-room lifecycle.
type Phase string

const (
	PhaseLobby      Phase = "LOBBY"
	PhasePreparing  Phase = "PREPARING"
	PhaseQuestion   Phase = "QUESTION"
	PhaseReveal     Phase = "REVEAL"
	PhaseScoreboard Phase = "SCOREBOARD"
	PhaseEnded      Phase = "ENDED"
)

// Valid reports whether p is one of the known phases.
func (p Phase) Valid() bool {
	switch p {
	case PhaseLobby, PhasePreparing, PhaseQuestion, PhaseReveal, PhaseScoreboard, PhaseEnded:
		return true
	}
	return false
}

// RoomStatus maps the phase onto the persisted room lifecycle.
func (p Phase) RoomStatus() models.RoomStatus {
	switch p {
	case PhaseLobby:
		return models.RoomStatusWaiting
	case PhaseEnded:
		return models.RoomStatusEnded
	default:
		return models.RoomStatusRunning
	}
}

// Outcome is how an ended room finished.
type Outcome string

const (
	OutcomeVictory Outcome = "victory"
	OutcomeDefeat  Outcome = "defeat"
	OutcomeAborted Outcome = "aborted"
)
