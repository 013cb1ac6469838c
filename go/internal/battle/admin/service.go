// Package admin exposes the host/operator RPC surface of the engine over
// connect with a JSON codec.
package admin

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"connectrpc.com/connect"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/hydraquiz/battle/go/internal/battle/events"
	"github.com/hydraquiz/battle/go/internal/battle/registry"
	"github.com/hydraquiz/battle/go/internal/battle/session"
	"github.com/hydraquiz/battle/go/internal/battle/store"
	"github.com/hydraquiz/battle/go/internal/models"
)

// adminConnectionID tags commands that did not arrive over a socket.
const adminConnectionID = "admin"

// Engine is what the service needs from the session registry.
type Engine interface {
	InstanceID() string
	Start(ctx context.Context, roomID uuid.UUID) (session.Snapshot, error)
	Stop(roomID uuid.UUID)
	Dispatch(ctx context.Context, roomID uuid.UUID, event events.Inbound) (registry.Result, error)
	Snapshot(roomID uuid.UUID) (session.Snapshot, error)
	Rooms() []uuid.UUID
}

// RoomStore provisions question sets and rooms.
type RoomStore interface {
	CreateQuestionSet(ctx context.Context, name string, questions []models.Question) (uuid.UUID, error)
	CreateRoom(ctx context.Context, req store.CreateRoomRequest) (*models.Room, error)
}

// Service implements the admin procedures.
type Service struct {
	engine Engine
	rooms  RoomStore
	clock  clockwork.Clock
}

func NewService(engine Engine, rooms RoomStore, clock clockwork.Clock) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{engine: engine, rooms: rooms, clock: clock}
}

func (s *Service) CreateQuestionSet(ctx context.Context, req *connect.Request[CreateQuestionSetRequest]) (*connect.Response[CreateQuestionSetResponse], error) {
	name := strings.TrimSpace(req.Msg.Name)
	if name == "" || len(req.Msg.Questions) == 0 {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("name and at least one question are required"))
	}

	id, err := s.rooms.CreateQuestionSet(ctx, name, req.Msg.Questions)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&CreateQuestionSetResponse{QuestionSetID: id.String()}), nil
}

func (s *Service) CreateRoom(ctx context.Context, req *connect.Request[CreateRoomRequest]) (*connect.Response[CreateRoomResponse], error) {
	setID, err := uuid.Parse(req.Msg.QuestionSetID)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("invalid question set id: %w", err))
	}
	if req.Msg.MaxHydraHealth <= 0 {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("maxHydraHealth must be positive"))
	}
	if req.Msg.Settings.MaxPlayers < 0 || req.Msg.Settings.QuestionTimeLimitSec < 0 {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("room settings cannot be negative"))
	}

	room, err := s.rooms.CreateRoom(ctx, store.CreateRoomRequest{
		QuestionSetID:  setID,
		MaxHydraHealth: req.Msg.MaxHydraHealth,
		Settings:       req.Msg.Settings,
	})
	if err != nil {
		return nil, toConnectError(err)
	}

	res := &CreateRoomResponse{Room: *room}
	if req.Msg.Start {
		snap, err := s.engine.Start(ctx, room.ID)
		if err != nil {
			return nil, toConnectError(err)
		}
		res.Snapshot = &snap
	}
	return connect.NewResponse(res), nil
}

func (s *Service) StartRoom(ctx context.Context, req *connect.Request[RoomRequest]) (*connect.Response[SnapshotResponse], error) {
	roomID, err := parseRoomID(req.Msg.RoomID)
	if err != nil {
		return nil, err
	}
	snap, err := s.engine.Start(ctx, roomID)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(s.snapshotResponse(snap)), nil
}

func (s *Service) StopRoom(_ context.Context, req *connect.Request[RoomRequest]) (*connect.Response[StopRoomResponse], error) {
	roomID, err := parseRoomID(req.Msg.RoomID)
	if err != nil {
		return nil, err
	}
	s.engine.Stop(roomID)
	return connect.NewResponse(&StopRoomResponse{}), nil
}

func (s *Service) SendCommand(ctx context.Context, req *connect.Request[SendCommandRequest]) (*connect.Response[SnapshotResponse], error) {
	roomID, err := parseRoomID(req.Msg.RoomID)
	if err != nil {
		return nil, err
	}
	name := strings.ToLower(strings.TrimSpace(req.Msg.Command))
	if name == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("command is required"))
	}

	res, err := s.engine.Dispatch(ctx, roomID, events.Command{Name: name, ConnectionID: adminConnectionID})
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(s.snapshotResponse(res.Snapshot)), nil
}

func (s *Service) GetRoomState(_ context.Context, req *connect.Request[RoomRequest]) (*connect.Response[SnapshotResponse], error) {
	roomID, err := parseRoomID(req.Msg.RoomID)
	if err != nil {
		return nil, err
	}
	snap, err := s.engine.Snapshot(roomID)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(s.snapshotResponse(snap)), nil
}

func (s *Service) ListRooms(_ context.Context, _ *connect.Request[ListRoomsRequest]) (*connect.Response[ListRoomsResponse], error) {
	res := &ListRoomsResponse{InstanceID: s.engine.InstanceID(), Rooms: []RoomSummary{}}
	for _, id := range s.engine.Rooms() {
		snap, err := s.engine.Snapshot(id)
		if err != nil {
			// stopped between listing and reading
			continue
		}
		res.Rooms = append(res.Rooms, RoomSummary{
			RoomID:         id.String(),
			JoinCode:       snap.JoinCode,
			Phase:          snap.Phase,
			Players:        len(snap.Players),
			HydraHealth:    snap.HydraHealth,
			MaxHydraHealth: snap.MaxHydraHealth,
			Version:        snap.Version,
		})
	}
	return connect.NewResponse(res), nil
}

func (s *Service) snapshotResponse(snap session.Snapshot) *SnapshotResponse {
	return &SnapshotResponse{
		Snapshot:    snap,
		RemainingMs: snap.Remaining(s.clock.Now()).Milliseconds(),
	}
}

func parseRoomID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("invalid room id: %w", err))
	}
	return id, nil
}

type codeMapping struct {
	err  error
	code connect.Code
}

var codeMappings = []codeMapping{
	{session.ErrRoomNotFound, connect.CodeNotFound},
	{store.ErrQuestionSetNotFound, connect.CodeNotFound},
	{session.ErrUnknownPlayer, connect.CodeNotFound},
	{session.ErrUnknownCommand, connect.CodeInvalidArgument},
	{session.ErrInvalidInput, connect.CodeInvalidArgument},
	{events.ErrInvalidEvent, connect.CodeInvalidArgument},
	{store.ErrInvalidQuestion, connect.CodeInvalidArgument},
	{session.ErrInvalidPhaseForAction, connect.CodeFailedPrecondition},
	{session.ErrNoConnectedPlayers, connect.CodeFailedPrecondition},
	{session.ErrStaleConnection, connect.CodeFailedPrecondition},
	{session.ErrDuplicateSubmission, connect.CodeAlreadyExists},
	{session.ErrRoomFull, connect.CodeResourceExhausted},
	{session.ErrCollaboratorUnavailable, connect.CodeUnavailable},
	{store.ErrJoinCodeExhausted, connect.CodeUnavailable},
}

func toConnectError(err error) error {
	for _, m := range codeMappings {
		if errors.Is(err, m.err) {
			return connect.NewError(m.code, err)
		}
	}
	log.Error().Err(err).Msg("admin request failed")
	return connect.NewError(connect.CodeInternal, err)
}

// NewHandler returns the path prefix and handler serving every admin
// procedure. When adminKey is set, callers must send it as a bearer token.
func NewHandler(svc *Service, adminKey string, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{
		connect.WithCodec(jsonCodec{}),
		connect.WithInterceptors(newAuthInterceptor(adminKey)),
	}, opts...)

	mux := http.NewServeMux()
	mux.Handle(CreateQuestionSetProcedure, connect.NewUnaryHandler(CreateQuestionSetProcedure, svc.CreateQuestionSet, opts...))
	mux.Handle(CreateRoomProcedure, connect.NewUnaryHandler(CreateRoomProcedure, svc.CreateRoom, opts...))
	mux.Handle(StartRoomProcedure, connect.NewUnaryHandler(StartRoomProcedure, svc.StartRoom, opts...))
	mux.Handle(StopRoomProcedure, connect.NewUnaryHandler(StopRoomProcedure, svc.StopRoom, opts...))
	mux.Handle(SendCommandProcedure, connect.NewUnaryHandler(SendCommandProcedure, svc.SendCommand, opts...))
	mux.Handle(GetRoomStateProcedure, connect.NewUnaryHandler(GetRoomStateProcedure, svc.GetRoomState, opts...))
	mux.Handle(ListRoomsProcedure, connect.NewUnaryHandler(ListRoomsProcedure, svc.ListRooms, opts...))
	return "/" + ServiceName + "/", mux
}

var errUnauthenticated = errors.New("missing or invalid admin key")

func newAuthInterceptor(adminKey string) connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			if adminKey != "" {
				token := strings.TrimPrefix(req.Header().Get("Authorization"), "Bearer ")
				if subtle.ConstantTimeCompare([]byte(token), []byte(adminKey)) != 1 {
					return nil, connect.NewError(connect.CodeUnauthenticated, errUnauthenticated)
				}
			}
			return next(ctx, req)
		}
	}
}
