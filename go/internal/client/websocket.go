package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/movex/go/internal/protocol"
)

// ErrTransportClosed is returned by Emit on a socket that has gone away.
var ErrTransportClosed = errors.New("transport closed")

// WebsocketSettings tune the websocket transport.
type WebsocketSettings struct {
	HandshakeTimeout time.Duration
	ReconnectTimeout time.Duration
	PingInterval     time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	SendBufferSize   int
	Clock            clockwork.Clock
}

func DefaultWebsocketSettings() WebsocketSettings {
	return WebsocketSettings{
		HandshakeTimeout: 5 * time.Second,
		ReconnectTimeout: 1 * time.Second,
		PingInterval:     30 * time.Second,
		WriteTimeout:     10 * time.Second,
		ReadTimeout:      60 * time.Second,
		SendBufferSize:   256,
		Clock:            clockwork.NewRealClock(),
	}
}

func (s WebsocketSettings) withDefaults() WebsocketSettings {
	defaults := DefaultWebsocketSettings()
	if s.HandshakeTimeout <= 0 {
		s.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if s.ReconnectTimeout <= 0 {
		s.ReconnectTimeout = defaults.ReconnectTimeout
	}
	if s.PingInterval <= 0 {
		s.PingInterval = defaults.PingInterval
	}
	if s.WriteTimeout <= 0 {
		s.WriteTimeout = defaults.WriteTimeout
	}
	if s.ReadTimeout <= 0 {
		s.ReadTimeout = defaults.ReadTimeout
	}
	if s.SendBufferSize <= 0 {
		s.SendBufferSize = defaults.SendBufferSize
	}
	if s.Clock == nil {
		s.Clock = defaults.Clock
	}
	return s
}

// Websocket keeps a Connection attached to a master over gorilla/websocket,
// redialing whenever the socket drops until Close.
type Websocket struct {
	ctx    context.Context
	cancel context.CancelFunc

	config   Config
	conn     *Connection
	settings WebsocketSettings
	dialer   *websocket.Dialer

	stopped chan struct{}
}

// DialWebsocket starts the connect loop in the background.
func DialWebsocket(ctx context.Context, config Config, conn *Connection, settings WebsocketSettings) *Websocket {
	cancelCtx, cancel := context.WithCancel(ctx)
	settings = settings.withDefaults()
	w := &Websocket{
		ctx:      cancelCtx,
		cancel:   cancel,
		config:   config,
		conn:     conn,
		settings: settings,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: settings.HandshakeTimeout,
		},
		stopped: make(chan struct{}),
	}
	go w.run()
	return w
}

// Close stops redialing and closes the live socket.
func (w *Websocket) Close() {
	w.cancel()
	<-w.stopped
}

func (w *Websocket) endpoint() (string, error) {
	u, err := url.Parse(w.config.URL)
	if err != nil {
		return "", fmt.Errorf("parse master url: %w", err)
	}
	q := u.Query()
	q.Set("userId", w.config.UserID)
	if w.config.APIKey != "" {
		q.Set("apiKey", w.config.APIKey)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (w *Websocket) run() {
	defer close(w.stopped)

	endpoint, err := w.endpoint()
	if err != nil {
		log.Error().Err(err).Msg("websocket transport not started")
		return
	}

	for {
		ws, _, err := w.dialer.DialContext(w.ctx, endpoint, nil)
		if err != nil {
			log.Info().Err(err).Str("url", w.config.URL).Msg("dial master failed")
		} else {
			w.serve(ws)
		}

		timer := w.settings.Clock.NewTimer(w.settings.ReconnectTimeout)
		select {
		case <-w.ctx.Done():
			timer.Stop()
			return
		case <-timer.Chan():
		}
	}
}

// serve runs one socket until it fails or the transport is closed.
func (w *Websocket) serve(ws *websocket.Conn) {
	t := newSocketTransport(ws, w.settings)
	w.conn.HandleConnect(t)

	select {
	case <-w.ctx.Done():
	case <-t.closed:
	}
	t.close()
	<-t.done
	w.conn.HandleDisconnect()
}

// socketTransport is the Transport for one websocket.
type socketTransport struct {
	ws       *websocket.Conn
	settings WebsocketSettings
	handlers *Handlers
	send     chan []byte

	mu      sync.Mutex
	pending map[string]AckFunc

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{} // both pumps have exited
}

func newSocketTransport(ws *websocket.Conn, settings WebsocketSettings) *socketTransport {
	t := &socketTransport{
		ws:       ws,
		settings: settings,
		handlers: NewHandlers(),
		send:     make(chan []byte, settings.SendBufferSize),
		pending:  make(map[string]AckFunc),
		closed:   make(chan struct{}),
		done:     make(chan struct{}),
	}

	var pumps sync.WaitGroup
	pumps.Add(2)
	go func() {
		defer pumps.Done()
		t.writePump()
	}()
	go func() {
		defer pumps.Done()
		t.readPump()
	}()
	go func() {
		pumps.Wait()
		close(t.done)
	}()
	return t
}

func (t *socketTransport) close() {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.ws.Close()
	})
}

// Emit queues the frame. The ack of a socket that dies first is never called.
func (t *socketTransport) Emit(event string, payload json.RawMessage, ack AckFunc) error {
	frame := protocol.Frame{Kind: protocol.FrameEvent, Name: event, Payload: payload}
	if ack != nil {
		frame.AckID = ulid.Make().String()
		t.mu.Lock()
		t.pending[frame.AckID] = ack
		t.mu.Unlock()
	}

	data, err := json.Marshal(frame)
	if err != nil {
		t.dropAck(frame.AckID)
		return fmt.Errorf("encode frame: %w", err)
	}

	select {
	case <-t.closed:
		t.dropAck(frame.AckID)
		return ErrTransportClosed
	default:
	}
	select {
	case t.send <- data:
		return nil
	case <-t.closed:
		t.dropAck(frame.AckID)
		return ErrTransportClosed
	default:
		t.dropAck(frame.AckID)
		return fmt.Errorf("send buffer full")
	}
}

func (t *socketTransport) On(event string, fn func(payload json.RawMessage)) func() {
	return t.handlers.On(event, fn)
}

func (t *socketTransport) OnAny(fn func(event string, payload json.RawMessage)) func() {
	return t.handlers.OnAny(fn)
}

func (t *socketTransport) dropAck(ackID string) {
	if ackID == "" {
		return
	}
	t.mu.Lock()
	delete(t.pending, ackID)
	t.mu.Unlock()
}

func (t *socketTransport) takeAck(ackID string) (AckFunc, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ack, ok := t.pending[ackID]
	delete(t.pending, ackID)
	return ack, ok
}

func (t *socketTransport) writePump() {
	ticker := time.NewTicker(t.settings.PingInterval)
	defer func() {
		ticker.Stop()
		t.close()
	}()

	for {
		select {
		case <-t.closed:
			t.ws.SetWriteDeadline(time.Now().Add(t.settings.WriteTimeout))
			t.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case message := <-t.send:
			t.ws.SetWriteDeadline(time.Now().Add(t.settings.WriteTimeout))
			if err := t.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Info().Err(err).Msg("failed to write frame to master")
				return
			}
		case <-ticker.C:
			t.ws.SetWriteDeadline(time.Now().Add(t.settings.WriteTimeout))
			if err := t.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (t *socketTransport) readPump() {
	defer t.close()

	t.ws.SetReadDeadline(time.Now().Add(t.settings.ReadTimeout))
	t.ws.SetPongHandler(func(string) error {
		t.ws.SetReadDeadline(time.Now().Add(t.settings.ReadTimeout))
		return nil
	})

	for {
		_, message, err := t.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Info().Err(err).Msg("master connection closed")
			}
			return
		}
		t.ws.SetReadDeadline(time.Now().Add(t.settings.ReadTimeout))

		frame, err := protocol.DecodeFrame(message)
		if err != nil {
			log.Warn().Err(err).Msg("dropping malformed frame from master")
			continue
		}
		switch frame.Kind {
		case protocol.FrameAck:
			if ack, ok := t.takeAck(frame.AckID); ok {
				ack(frame.Payload)
			}
		case protocol.FrameEvent:
			t.handlers.Dispatch(frame.Name, frame.Payload)
		}
	}
}
