package gateway

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/hydraquiz/battle/go/internal/battle/events"
	"github.com/hydraquiz/battle/go/internal/battle/session"
)

const (
	roomSubjectPrefix = "battle.rooms."
	roomSubjectSuffix = ".state"
	instanceHeader    = "Instance-Id"
)

// NATSConfig holds connection settings for the cross-instance bridge
type NATSConfig struct {
	URL           string
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultNATSConfig returns default NATS configuration
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "",
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
	}
}

// Connect opens a NATS connection with reconnect logging.
func (c NATSConfig) Connect(name string) (*nats.Conn, error) {
	nc, err := nats.Connect(c.URL,
		nats.Name(name),
		nats.MaxReconnects(c.MaxReconnects),
		nats.ReconnectWait(c.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return nc, nil
}

// NATSBridge mirrors room snapshots to other gateway instances so spectators
// connected elsewhere see the same stream.
type NATSBridge struct {
	nc         *nats.Conn
	instanceID string
	cm         *ConnectionManager
	sub        *nats.Subscription
}

// NewNATSBridge creates a bridge; call Start to receive remote snapshots.
func NewNATSBridge(nc *nats.Conn, instanceID string, cm *ConnectionManager) *NATSBridge {
	return &NATSBridge{nc: nc, instanceID: instanceID, cm: cm}
}

// RoomSubject is the subject snapshots of roomID are published on.
func RoomSubject(roomID uuid.UUID) string {
	return roomSubjectPrefix + roomID.String() + roomSubjectSuffix
}

func parseRoomSubject(subject string) (uuid.UUID, error) {
	if !strings.HasPrefix(subject, roomSubjectPrefix) || !strings.HasSuffix(subject, roomSubjectSuffix) {
		return uuid.Nil, fmt.Errorf("unexpected subject %q", subject)
	}
	return uuid.Parse(strings.TrimSuffix(strings.TrimPrefix(subject, roomSubjectPrefix), roomSubjectSuffix))
}

// Publish sends a snapshot to the other instances.
func (b *NATSBridge) Publish(roomID uuid.UUID, snap session.Snapshot) {
	ev, err := events.NewOutbound(roomID, events.EventTypeState, snap, time.Now())
	if err != nil {
		log.Error().Err(err).Str("room_id", roomID.String()).Msg("failed to build bridged state event")
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("room_id", roomID.String()).Msg("failed to marshal bridged state event")
		return
	}

	msg := nats.NewMsg(RoomSubject(roomID))
	msg.Header.Set(instanceHeader, b.instanceID)
	msg.Data = data
	if err := b.nc.PublishMsg(msg); err != nil {
		log.Warn().Err(err).Str("room_id", roomID.String()).Msg("failed to bridge snapshot")
	}
}

// Start subscribes to snapshots published by other instances.
func (b *NATSBridge) Start() error {
	sub, err := b.nc.Subscribe(roomSubjectPrefix+"*"+roomSubjectSuffix, b.handle)
	if err != nil {
		return fmt.Errorf("subscribe to room snapshots: %w", err)
	}
	b.sub = sub

	log.Info().Str("instance", b.instanceID).Msg("NATS snapshot bridge started")
	return nil
}

func (b *NATSBridge) handle(msg *nats.Msg) {
	if msg.Header.Get(instanceHeader) == b.instanceID {
		return
	}
	roomID, err := parseRoomSubject(msg.Subject)
	if err != nil {
		log.Warn().Err(err).Msg("dropping bridged snapshot")
		return
	}
	b.cm.PublishRaw(roomID, events.EventTypeState, msg.Data)
}

// Stop unsubscribes from remote snapshots.
func (b *NATSBridge) Stop() error {
	if b.sub == nil {
		return nil
	}
	if err := b.sub.Unsubscribe(); err != nil {
		return fmt.Errorf("unsubscribe room snapshots: %w", err)
	}
	return nil
}
