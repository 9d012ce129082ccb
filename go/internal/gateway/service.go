package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/mcdev12/movex/go/internal/master"
	"github.com/mcdev12/movex/go/internal/protocol"
)

// Service is the master's network surface: websocket clients in, broadcasts
// relayed from NATS out.
type Service struct {
	router            *master.Router
	connectionManager *ConnectionManager
	wsHandler         *WebSocketHandler
	relay             *BroadcastRelay     // nil without NATS
	publisher         *BroadcastPublisher // nil without NATS
}

// Config holds configuration for the gateway service
type Config struct {
	ConnectionConfig ConnectionConfig
	JetStreamConfig  JetStreamConfig
	Authenticator    Authenticator
}

// DefaultConfig returns default configuration for the gateway
func DefaultConfig() Config {
	return Config{
		ConnectionConfig: DefaultConnectionConfig(),
		JetStreamConfig:  DefaultJetStreamConfig(),
		Authenticator:    AllowAll,
	}
}

// NewService creates a new gateway service. NATS is only dialed when
// JetStreamConfig.URL is set.
func NewService(ctx context.Context, router *master.Router, config Config) (*Service, error) {
	connectionManager := NewConnectionManager(router, config.ConnectionConfig)

	s := &Service{
		router:            router,
		connectionManager: connectionManager,
		wsHandler:         NewWebSocketHandler(connectionManager, config.Authenticator),
	}

	if config.JetStreamConfig.URL == "" {
		log.Info().Msg("NATS_URL not set, broadcasts stay local to this master")
		return s, nil
	}

	relay, err := NewBroadcastRelay(ctx, router.Registry(), config.JetStreamConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create broadcast relay: %w", err)
	}
	publisher, err := NewBroadcastPublisher(ctx, config.JetStreamConfig)
	if err != nil {
		relay.Stop()
		return nil, fmt.Errorf("failed to create broadcast publisher: %w", err)
	}
	s.relay = relay
	s.publisher = publisher
	return s, nil
}

// Start runs the broadcast relay until ctx is cancelled, then stops the service.
func (s *Service) Start(ctx context.Context) error {
	log.Info().Msg("starting gateway service")

	if s.relay != nil {
		if err := s.relay.Start(ctx); err != nil {
			s.Stop()
			return fmt.Errorf("broadcast relay failed: %w", err)
		}
	} else {
		<-ctx.Done()
	}

	log.Info().Msg("gateway service shutting down")
	return s.Stop()
}

// Stop closes every socket and the NATS connections.
func (s *Service) Stop() error {
	s.connectionManager.CloseAll()
	if s.relay != nil {
		if err := s.relay.Stop(); err != nil {
			log.Error().Err(err).Msg("failed to stop broadcast relay")
		}
	}
	if s.publisher != nil {
		s.publisher.Close()
	}
	log.Info().Msg("gateway service stopped")
	return nil
}

// Broadcast sends an application event to every client. With NATS it goes
// through the stream so every gateway relays it; otherwise it is pushed to
// this master's clients directly.
func (s *Service) Broadcast(ctx context.Context, event string, payload any) error {
	if s.publisher != nil {
		return s.publisher.Publish(ctx, event, payload)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal broadcast %s: %w", event, err)
	}
	s.router.Registry().BroadcastAll(protocol.BroadcastEventName(event), data)
	return nil
}

// RegisterRoutes registers the gateway HTTP routes
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.wsHandler.RegisterRoutes(mux)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			log.Error().Err(err).Msg("failed to write health check response")
		}
	})
	mux.Handle("/metrics", promhttp.Handler())
	log.Info().Msg("gateway routes registered")
}

// Handler returns the full HTTP handler: routes behind CORS, served over h2c.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})

	return h2c.NewHandler(c.Handler(mux), &http2.Server{})
}

// GetStats returns statistics about the gateway service
func (s *Service) GetStats() map[string]interface{} {
	stats := s.connectionManager.GetConnectionStats()
	stats["service"] = "movex_gateway"
	stats["resources"] = s.router.Store().Len()
	stats["nats"] = s.relay != nil
	return stats
}
