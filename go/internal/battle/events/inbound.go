package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/hydraquiz/battle/go/internal/models"
)

// ErrInvalidEvent is returned for inbound messages that fail validation.
var ErrInvalidEvent = errors.New("invalid event")

const (
	maxPlayerIDLen = 64
	maxNameLen     = 32
	maxAnswerLen   = 256
)

// MaxClientElapsedMs is the largest clientElapsedMs accepted. Larger values
// are ignored and the server clock is used.
const MaxClientElapsedMs int64 = 60 * 60 * 1000

// InboundType tags the closed set of client events.
type InboundType string

const (
	InboundJoin    InboundType = "join"
	InboundLeave   InboundType = "leave"
	InboundAnswer  InboundType = "answer"
	InboundCommand InboundType = "command"
)

// Inbound is one of Join, Leave, Answer or Command.
type Inbound interface {
	Type() InboundType
	isInbound()
}

type Join struct {
	PlayerID     string
	Name         string
	Class        models.PlayerClass
	ConnectionID string
}

type Leave struct {
	PlayerID     string
	ConnectionID string
}

type Answer struct {
	PlayerID        string
	QuestionID      uuid.UUID
	Answer          string
	ClientElapsedMs *int64
	ConnectionID    string
}

type Command struct {
	Name         string
	Args         map[string]string
	ConnectionID string
}

func (Join) Type() InboundType    { return InboundJoin }
func (Leave) Type() InboundType   { return InboundLeave }
func (Answer) Type() InboundType  { return InboundAnswer }
func (Command) Type() InboundType { return InboundCommand }

func (Join) isInbound()    {}
func (Leave) isInbound()   {}
func (Answer) isInbound()  {}
func (Command) isInbound() {}

// ClientMessage is the wire envelope sent by clients.
type ClientMessage struct {
	Type InboundType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

type joinData struct {
	PlayerID string `json:"playerId"`
	Name     string `json:"name"`
	Class    string `json:"class"`
}

type leaveData struct {
	PlayerID string `json:"playerId"`
}

type answerData struct {
	PlayerID        string `json:"playerId"`
	QuestionID      string `json:"questionId"`
	Answer          string `json:"answer"`
	ClientElapsedMs *int64 `json:"clientElapsedMs"`
}

type commandData struct {
	Name string            `json:"name"`
	Args map[string]string `json:"args"`
}

// ParseInbound decodes and validates a client message received on
// connectionID.
func ParseInbound(raw []byte, connectionID string) (Inbound, error) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: malformed envelope: %v", ErrInvalidEvent, err)
	}
	if len(msg.Data) == 0 {
		msg.Data = json.RawMessage("{}")
	}

	switch msg.Type {
	case InboundJoin:
		var d joinData
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			return nil, fmt.Errorf("%w: join: %v", ErrInvalidEvent, err)
		}
		id, err := validPlayerID(d.PlayerID)
		if err != nil {
			return nil, err
		}
		name := strings.TrimSpace(d.Name)
		if name == "" || utf8.RuneCountInString(name) > maxNameLen {
			return nil, fmt.Errorf("%w: name must be 1-%d characters", ErrInvalidEvent, maxNameLen)
		}
		class, err := models.ParsePlayerClass(d.Class)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		return Join{PlayerID: id, Name: name, Class: class, ConnectionID: connectionID}, nil

	case InboundLeave:
		var d leaveData
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			return nil, fmt.Errorf("%w: leave: %v", ErrInvalidEvent, err)
		}
		id, err := validPlayerID(d.PlayerID)
		if err != nil {
			return nil, err
		}
		return Leave{PlayerID: id, ConnectionID: connectionID}, nil

	case InboundAnswer:
		var d answerData
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			return nil, fmt.Errorf("%w: answer: %v", ErrInvalidEvent, err)
		}
		// A socket that already joined may omit playerId.
		var (
			id  string
			err error
		)
		if strings.TrimSpace(d.PlayerID) != "" {
			if id, err = validPlayerID(d.PlayerID); err != nil {
				return nil, err
			}
		}
		var questionID uuid.UUID
		if d.QuestionID != "" {
			if questionID, err = uuid.Parse(d.QuestionID); err != nil {
				return nil, fmt.Errorf("%w: questionId: %v", ErrInvalidEvent, err)
			}
		}
		answer := strings.TrimSpace(d.Answer)
		if answer == "" || len(answer) > maxAnswerLen {
			return nil, fmt.Errorf("%w: answer must be 1-%d bytes", ErrInvalidEvent, maxAnswerLen)
		}
		if d.ClientElapsedMs != nil && (*d.ClientElapsedMs < 0 || *d.ClientElapsedMs > MaxClientElapsedMs) {
			d.ClientElapsedMs = nil
		}
		return Answer{
			PlayerID:        id,
			QuestionID:      questionID,
			Answer:          answer,
			ClientElapsedMs: d.ClientElapsedMs,
			ConnectionID:    connectionID,
		}, nil

	case InboundCommand:
		var d commandData
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			return nil, fmt.Errorf("%w: command: %v", ErrInvalidEvent, err)
		}
		name := strings.ToLower(strings.TrimSpace(d.Name))
		if name == "" {
			return nil, fmt.Errorf("%w: command name is required", ErrInvalidEvent)
		}
		return Command{Name: name, Args: d.Args, ConnectionID: connectionID}, nil
	}

	return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, msg.Type)
}

func validPlayerID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > maxPlayerIDLen {
		return "", fmt.Errorf("%w: playerId must be 1-%d bytes", ErrInvalidEvent, maxPlayerIDLen)
	}
	return id, nil
}
