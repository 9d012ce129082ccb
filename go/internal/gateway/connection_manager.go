package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/movex/go/internal/master"
	"github.com/mcdev12/movex/go/internal/metrics"
	"github.com/mcdev12/movex/go/internal/protocol"
)

// ErrSendBufferFull is returned when a connection cannot keep up and is closed.
var ErrSendBufferFull = errors.New("connection send buffer full")

// errConnectionClosed is returned by Send after the socket has been torn down.
var errConnectionClosed = errors.New("connection closed")

// ConnectionManager upgrades websocket requests and binds every socket to the
// router as one sender of its user.
type ConnectionManager struct {
	router   *master.Router
	upgrader websocket.Upgrader
	config   ConnectionConfig

	mu          sync.RWMutex
	connections map[*Connection]struct{}
}

// Connection represents a WebSocket connection to a client
type Connection struct {
	ID      string
	UserID  string
	Conn    *websocket.Conn
	Manager *ConnectionManager

	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	release   func()

	ctx    context.Context
	cancel context.CancelFunc

	ConnectedAt time.Time
}

// ConnectionConfig holds configuration for WebSocket connections
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBufferSize  int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConnectionConfig returns default WebSocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  64 * 1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBufferSize:  256,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// NewConnectionManager creates a new WebSocket connection manager
func NewConnectionManager(router *master.Router, config ConnectionConfig) *ConnectionManager {
	return &ConnectionManager{
		router: router,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		connections: make(map[*Connection]struct{}),
	}
}

// UpgradeConnection upgrades an HTTP connection to WebSocket and registers it
// for userID.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, userID string) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	connection := &Connection{
		ID:          uuid.New().String(),
		UserID:      userID,
		Conn:        conn,
		Manager:     cm,
		send:        make(chan []byte, cm.config.SendBufferSize),
		closed:      make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
		ConnectedAt: time.Now(),
	}

	cm.registerConnection(connection)

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Str("user_id", userID).
		Msg("WebSocket connection established")

	return nil
}

func (cm *ConnectionManager) registerConnection(conn *Connection) {
	cm.mu.Lock()
	cm.connections[conn] = struct{}{}
	total := len(cm.connections)
	cm.mu.Unlock()

	_, conn.release = cm.router.Registry().Register(conn.UserID, conn)
	metrics.GatewayConnections.Inc()

	log.Debug().
		Str("connection_id", conn.ID).
		Int("total_connections", total).
		Msg("connection registered")
}

func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	conn.closeOnce.Do(func() {
		cm.mu.Lock()
		delete(cm.connections, conn)
		cm.mu.Unlock()

		close(conn.closed)
		conn.cancel()
		conn.release()
		metrics.GatewayConnections.Dec()

		log.Info().
			Str("connection_id", conn.ID).
			Str("user_id", conn.UserID).
			Msg("connection unregistered")
	})
}

// CloseAll tears down every open socket.
func (cm *ConnectionManager) CloseAll() {
	cm.mu.RLock()
	connections := make([]*Connection, 0, len(cm.connections))
	for conn := range cm.connections {
		connections = append(connections, conn)
	}
	cm.mu.RUnlock()

	for _, conn := range connections {
		cm.unregisterConnection(conn)
	}
}

// GetConnectionStats returns statistics about active connections
func (cm *ConnectionManager) GetConnectionStats() map[string]interface{} {
	stats := cm.router.Registry().Stats()
	cm.mu.RLock()
	stats["open_sockets"] = len(cm.connections)
	cm.mu.RUnlock()
	return stats
}

// Send queues a named event for the client. A connection whose buffer is full
// is closed rather than allowed to stall the sender.
func (c *Connection) Send(event string, payload json.RawMessage) error {
	data, err := json.Marshal(protocol.Frame{
		Kind:    protocol.FrameEvent,
		Name:    event,
		Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("marshal event frame: %w", err)
	}
	return c.enqueue(data)
}

func (c *Connection) ack(ackID string, result protocol.Result) error {
	data, err := json.Marshal(protocol.Frame{
		Kind:    protocol.FrameAck,
		AckID:   ackID,
		Payload: result.Encode(),
	})
	if err != nil {
		return fmt.Errorf("marshal ack frame: %w", err)
	}
	return c.enqueue(data)
}

func (c *Connection) enqueue(data []byte) error {
	select {
	case <-c.closed:
		return errConnectionClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
		log.Warn().
			Str("connection_id", c.ID).
			Str("user_id", c.UserID).
			Msg("connection send buffer full, closing connection")
		c.Manager.unregisterConnection(c)
		return ErrSendBufferFull
	}
}

// writePump handles sending messages to the WebSocket connection
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Manager.unregisterConnection(c)
	}()

	for {
		select {
		case <-c.closed:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump handles reading messages from the WebSocket connection. Frames are
// handled one at a time so a client's requests reach the router in order.
func (c *Connection) readPump() {
	defer func() {
		c.Manager.unregisterConnection(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected WebSocket close error")
			}
			return
		}
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))

		c.handleClientMessage(message)
	}
}

func (c *Connection) handleClientMessage(message []byte) {
	frame, err := protocol.DecodeFrame(message)
	if err != nil {
		log.Warn().
			Err(err).
			Str("connection_id", c.ID).
			Msg("dropping malformed client frame")
		return
	}
	if frame.Kind != protocol.FrameEvent {
		// the master never asks clients for acks
		return
	}

	result := c.Manager.router.Handle(c.ctx, c.UserID, frame.Name, frame.Payload)
	metrics.GatewayRequestsTotal.WithLabelValues(verbLabel(frame.Name), statusLabel(result)).Inc()

	log.Debug().
		Str("connection_id", c.ID).
		Str("user_id", c.UserID).
		Str("request", frame.Name).
		Bool("ok", result.OK).
		Msg("handled client request")

	if frame.AckID == "" {
		return
	}
	if err := c.ack(frame.AckID, result); err != nil && !errors.Is(err, errConnectionClosed) {
		log.Warn().
			Err(err).
			Str("connection_id", c.ID).
			Str("request_id", frame.AckID).
			Msg("failed to queue ack")
	}
}

// verbLabel keeps metric cardinality bounded to the known verbs.
func verbLabel(name string) string {
	if verb, ok := protocol.ParseVerb(name); ok {
		return verb.String()
	}
	return "unknown"
}

func statusLabel(result protocol.Result) string {
	if result.OK {
		return "ok"
	}
	return "error"
}
