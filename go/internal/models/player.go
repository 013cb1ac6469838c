package models

import (
	"fmt"
	"strings"
	"time"
)

// PlayerClass is the class a player picks on join. It decides attack damage.
type PlayerClass string

const (
	PlayerClassWarrior PlayerClass = "warrior"
	PlayerClassMage    PlayerClass = "mage"
	PlayerClassRogue   PlayerClass = "rogue"
	PlayerClassCleric  PlayerClass = "cleric"
)

// PlayerClasses lists every selectable class.
var PlayerClasses = []PlayerClass{
	PlayerClassWarrior,
	PlayerClassMage,
	PlayerClassRogue,
	PlayerClassCleric,
}

// ParsePlayerClass normalizes s and checks it against the known classes.
func ParsePlayerClass(s string) (PlayerClass, error) {
	c := PlayerClass(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range PlayerClasses {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown player class %q", s)
}

// Player is a participant in exactly one room.
type Player struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Class        PlayerClass `json:"class"`
	Score        int         `json:"score"`
	Connected    bool        `json:"connected"`
	ConnectionID string      `json:"connection_id,omitempty"`
	JoinedAt     time.Time   `json:"joined_at"`
}
