package gateway

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/hydraquiz/battle/go/internal/battle/events"
	"github.com/hydraquiz/battle/go/internal/battle/session"
)

// Config holds configuration for the gateway service
type Config struct {
	Connection ConnectionConfig
	// HostKey, when set, must be presented by clients claiming the host role.
	HostKey string
}

// DefaultConfig returns default configuration for the gateway
func DefaultConfig() Config {
	return Config{
		Connection: DefaultConnectionConfig(),
	}
}

// Broadcaster fans snapshots out to local sockets and, when a bridge is
// configured, to the other instances. It satisfies the registry's
// Broadcaster contract.
type Broadcaster struct {
	cm     *ConnectionManager
	bridge *NATSBridge
}

// NewBroadcaster creates a broadcaster; bridge may be nil.
func NewBroadcaster(cm *ConnectionManager, bridge *NATSBridge) *Broadcaster {
	return &Broadcaster{cm: cm, bridge: bridge}
}

func (b *Broadcaster) Publish(roomID uuid.UUID, snap session.Snapshot) {
	b.cm.Publish(roomID, snap)
	if b.bridge != nil {
		b.bridge.Publish(roomID, snap)
	}
}

func (b *Broadcaster) Unicast(connectionID string, ev events.Outbound) {
	b.cm.Unicast(connectionID, ev)
}

// Service is the gateway that serves WebSocket clients and room state
type Service struct {
	connectionManager *ConnectionManager
	wsHandler         *WebSocketHandler
	stateHandler      *StateHandler
	bridge            *NATSBridge
}

// NewService creates a new gateway service; bridge may be nil.
func NewService(config Config, cm *ConnectionManager, engine Engine, bridge *NATSBridge) *Service {
	return &Service{
		connectionManager: cm,
		wsHandler:         NewWebSocketHandler(cm, engine, config.HostKey, bridge != nil),
		stateHandler:      NewStateHandler(engine),
		bridge:            bridge,
	}
}

// Start runs the gateway until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	log.Info().Msg("starting battle gateway service")

	if s.bridge != nil {
		if err := s.bridge.Start(); err != nil {
			return err
		}
	}

	go s.connectionManager.Start(ctx)

	<-ctx.Done()

	log.Info().Msg("battle gateway service shutting down")
	return s.Stop()
}

// Stop gracefully shuts down the gateway service
func (s *Service) Stop() error {
	if s.bridge != nil {
		if err := s.bridge.Stop(); err != nil {
			log.Error().Err(err).Msg("failed to stop snapshot bridge")
		}
	}
	log.Info().Msg("battle gateway service stopped")
	return nil
}

// RegisterRoutes registers the WebSocket and state HTTP routes
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.wsHandler.RegisterRoutes(mux)
	s.stateHandler.RegisterStateRoutes(mux)
	log.Info().Msg("battle gateway routes registered")
}

// Stats returns statistics about the gateway service
func (s *Service) Stats() ConnectionStats {
	return s.connectionManager.GetConnectionStats()
}
