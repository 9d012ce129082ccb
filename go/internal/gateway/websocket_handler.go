package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"
)

// ErrUnauthorized is returned by an Authenticator that rejects a handshake.
var ErrUnauthorized = errors.New("unauthorized")

// Authenticator validates a handshake's user id and api key.
type Authenticator interface {
	Authenticate(ctx context.Context, userID, apiKey string) error
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, userID, apiKey string) error

func (f AuthenticatorFunc) Authenticate(ctx context.Context, userID, apiKey string) error {
	return f(ctx, userID, apiKey)
}

// AllowAll accepts every handshake.
var AllowAll = AuthenticatorFunc(func(context.Context, string, string) error { return nil })

// WebSocketHandler handles WebSocket upgrade requests
type WebSocketHandler struct {
	connectionManager *ConnectionManager
	authenticator     Authenticator
}

// NewWebSocketHandler creates a new WebSocket handler. A nil authenticator
// accepts everyone.
func NewWebSocketHandler(cm *ConnectionManager, authenticator Authenticator) *WebSocketHandler {
	if authenticator == nil {
		authenticator = AllowAll
	}
	return &WebSocketHandler{
		connectionManager: cm,
		authenticator:     authenticator,
	}
}

// HandleConnection upgrades a client connection identified by the userId query.
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		http.Error(w, "userId is required", http.StatusBadRequest)
		return
	}
	apiKey := r.URL.Query().Get("apiKey")

	if err := h.authenticator.Authenticate(r.Context(), userID, apiKey); err != nil {
		log.Warn().
			Err(err).
			Str("user_id", userID).
			Msg("rejected WebSocket handshake")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	// the upgrader has already written an HTTP error on failure
	if err := h.connectionManager.UpgradeConnection(w, r, userID); err != nil {
		log.Error().
			Err(err).
			Str("user_id", userID).
			Msg("failed to upgrade WebSocket connection")
	}
}

// HandleConnectionStats returns statistics about active connections
func (h *WebSocketHandler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	stats := h.connectionManager.GetConnectionStats()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		log.Error().Err(err).Msg("failed to write stats response")
	}
}

// RegisterRoutes registers WebSocket routes with an HTTP mux
func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", h.HandleConnection)
	mux.HandleFunc("/ws/stats", h.HandleConnectionStats)
}
