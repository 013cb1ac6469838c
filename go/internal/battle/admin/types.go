package admin

import (
	"github.com/hydraquiz/battle/go/internal/battle/session"
	"github.com/hydraquiz/battle/go/internal/models"
)

const ServiceName = "battle.admin.v1.AdminService"

const (
	CreateQuestionSetProcedure = "/" + ServiceName + "/CreateQuestionSet"
	CreateRoomProcedure        = "/" + ServiceName + "/CreateRoom"
	StartRoomProcedure         = "/" + ServiceName + "/StartRoom"
	StopRoomProcedure          = "/" + ServiceName + "/StopRoom"
	SendCommandProcedure       = "/" + ServiceName + "/SendCommand"
	GetRoomStateProcedure      = "/" + ServiceName + "/GetRoomState"
	ListRoomsProcedure         = "/" + ServiceName + "/ListRooms"
)

type CreateQuestionSetRequest struct {
	Name      string            `json:"name"`
	Questions []models.Question `json:"questions"`
}

type CreateQuestionSetResponse struct {
	QuestionSetID string `json:"questionSetId"`
}

type CreateRoomRequest struct {
	QuestionSetID  string              `json:"questionSetId"`
	MaxHydraHealth int                 `json:"maxHydraHealth"`
	Settings       models.RoomSettings `json:"settings"`
	// Start loads the room into the engine right away.
	Start bool `json:"start"`
}

type CreateRoomResponse struct {
	Room     models.Room       `json:"room"`
	Snapshot *session.Snapshot `json:"snapshot,omitempty"`
}

type RoomRequest struct {
	RoomID string `json:"roomId"`
}

type SnapshotResponse struct {
	Snapshot    session.Snapshot `json:"snapshot"`
	RemainingMs int64            `json:"remainingMs"`
}

type StopRoomResponse struct{}

type SendCommandRequest struct {
	RoomID  string `json:"roomId"`
	Command string `json:"command"`
}

type ListRoomsRequest struct{}

type RoomSummary struct {
	RoomID         string        `json:"roomId"`
	JoinCode       string        `json:"joinCode"`
	Phase          session.Phase `json:"phase"`
	Players        int           `json:"players"`
	HydraHealth    int           `json:"hydraHealth"`
	MaxHydraHealth int           `json:"maxHydraHealth"`
	Version        uint64        `json:"version"`
}

type ListRoomsResponse struct {
	InstanceID string        `json:"instanceId"`
	Rooms      []RoomSummary `json:"rooms"`
}
