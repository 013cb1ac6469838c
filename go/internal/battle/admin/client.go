package admin

import (
	"context"
	"strings"

	"connectrpc.com/connect"
)

// Client calls the admin service.
type Client struct {
	createQuestionSet *connect.Client[CreateQuestionSetRequest, CreateQuestionSetResponse]
	createRoom        *connect.Client[CreateRoomRequest, CreateRoomResponse]
	startRoom         *connect.Client[RoomRequest, SnapshotResponse]
	stopRoom          *connect.Client[RoomRequest, StopRoomResponse]
	sendCommand       *connect.Client[SendCommandRequest, SnapshotResponse]
	getRoomState      *connect.Client[RoomRequest, SnapshotResponse]
	listRooms         *connect.Client[ListRoomsRequest, ListRoomsResponse]
}

// NewClient builds a client for the service at baseURL. adminKey may be
// empty.
func NewClient(httpClient connect.HTTPClient, baseURL, adminKey string, opts ...connect.ClientOption) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	opts = append([]connect.ClientOption{
		connect.WithCodec(jsonCodec{}),
		connect.WithInterceptors(bearerToken(adminKey)),
	}, opts...)

	return &Client{
		createQuestionSet: connect.NewClient[CreateQuestionSetRequest, CreateQuestionSetResponse](httpClient, baseURL+CreateQuestionSetProcedure, opts...),
		createRoom:        connect.NewClient[CreateRoomRequest, CreateRoomResponse](httpClient, baseURL+CreateRoomProcedure, opts...),
		startRoom:         connect.NewClient[RoomRequest, SnapshotResponse](httpClient, baseURL+StartRoomProcedure, opts...),
		stopRoom:          connect.NewClient[RoomRequest, StopRoomResponse](httpClient, baseURL+StopRoomProcedure, opts...),
		sendCommand:       connect.NewClient[SendCommandRequest, SnapshotResponse](httpClient, baseURL+SendCommandProcedure, opts...),
		getRoomState:      connect.NewClient[RoomRequest, SnapshotResponse](httpClient, baseURL+GetRoomStateProcedure, opts...),
		listRooms:         connect.NewClient[ListRoomsRequest, ListRoomsResponse](httpClient, baseURL+ListRoomsProcedure, opts...),
	}
}

func bearerToken(key string) connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			if key != "" && req.Spec().IsClient {
				req.Header().Set("Authorization", "Bearer "+key)
			}
			return next(ctx, req)
		}
	}
}

func (c *Client) CreateQuestionSet(ctx context.Context, req *CreateQuestionSetRequest) (*CreateQuestionSetResponse, error) {
	res, err := c.createQuestionSet.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return res.Msg, nil
}

func (c *Client) CreateRoom(ctx context.Context, req *CreateRoomRequest) (*CreateRoomResponse, error) {
	res, err := c.createRoom.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return res.Msg, nil
}

func (c *Client) StartRoom(ctx context.Context, roomID string) (*SnapshotResponse, error) {
	res, err := c.startRoom.CallUnary(ctx, connect.NewRequest(&RoomRequest{RoomID: roomID}))
	if err != nil {
		return nil, err
	}
	return res.Msg, nil
}

func (c *Client) StopRoom(ctx context.Context, roomID string) error {
	_, err := c.stopRoom.CallUnary(ctx, connect.NewRequest(&RoomRequest{RoomID: roomID}))
	return err
}

func (c *Client) SendCommand(ctx context.Context, roomID, command string) (*SnapshotResponse, error) {
	res, err := c.sendCommand.CallUnary(ctx, connect.NewRequest(&SendCommandRequest{RoomID: roomID, Command: command}))
	if err != nil {
		return nil, err
	}
	return res.Msg, nil
}

func (c *Client) GetRoomState(ctx context.Context, roomID string) (*SnapshotResponse, error) {
	res, err := c.getRoomState.CallUnary(ctx, connect.NewRequest(&RoomRequest{RoomID: roomID}))
	if err != nil {
		return nil, err
	}
	return res.Msg, nil
}

func (c *Client) ListRooms(ctx context.Context) (*ListRoomsResponse, error) {
	res, err := c.listRooms.CallUnary(ctx, connect.NewRequest(&ListRoomsRequest{}))
	if err != nil {
		return nil, err
	}
	return res.Msg, nil
}
