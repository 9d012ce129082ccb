// Package mock wires a client Connection to a real master Router in memory,
// so the protocol can be exercised end to end without a network.
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/movex/go/internal/client"
	"github.com/mcdev12/movex/go/internal/master"
)

const queueSize = 256

// Pipe is a client Transport backed by a Router. Requests are served in the
// order they were emitted; acks and pushes reach the client in the order the
// master produced them, as they would over one socket.
type Pipe struct {
	router       *master.Router
	subscriberID string
	handlers     *client.Handlers

	dropAcks atomic.Bool

	mu      sync.Mutex
	conn    *client.Connection
	session *session
}

type session struct {
	ctx     context.Context
	cancel  context.CancelFunc
	inbox   chan func()
	outbox  chan func()
	release func()
	wg      sync.WaitGroup
}

// NewPipe creates a disconnected pipe for subscriberID.
func NewPipe(router *master.Router, subscriberID string) *Pipe {
	return &Pipe{
		router:       router,
		subscriberID: subscriberID,
		handlers:     client.NewHandlers(),
	}
}

// SubscriberID returns the id the master sees for this pipe.
func (p *Pipe) SubscriberID() string { return p.subscriberID }

// Connect registers the pipe with the master registry and hands it to conn.
func (p *Pipe) Connect(conn *client.Connection) {
	p.mu.Lock()
	if p.session != nil {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		ctx:    ctx,
		cancel: cancel,
		inbox:  make(chan func(), queueSize),
		outbox: make(chan func(), queueSize),
	}
	s.wg.Add(2)
	go s.drain(s.inbox)
	go s.drain(s.outbox)
	_, s.release = p.router.Registry().Register(p.subscriberID, master.SenderFunc(func(event string, payload json.RawMessage) error {
		return s.enqueue(s.outbox, func() { p.handlers.Dispatch(event, payload) })
	}))
	p.conn = conn
	p.session = s
	p.mu.Unlock()

	conn.HandleConnect(p)
}

// Disconnect drops the session as if the socket closed. Requests not yet
// acked never will be.
func (p *Pipe) Disconnect() {
	p.mu.Lock()
	s := p.session
	conn := p.conn
	p.session = nil
	p.mu.Unlock()
	if s == nil {
		return
	}

	s.cancel()
	s.wg.Wait()
	s.release()
	conn.HandleDisconnect()
}

// Reconnect opens a fresh session on the last attached Connection.
func (p *Pipe) Reconnect() {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return
	}
	p.Connect(conn)
}

// DropAcks makes the master side swallow acks, as an unresponsive master would.
func (p *Pipe) DropAcks(drop bool) {
	p.dropAcks.Store(drop)
}

func (p *Pipe) Emit(event string, payload json.RawMessage, ack client.AckFunc) error {
	p.mu.Lock()
	s := p.session
	p.mu.Unlock()
	if s == nil {
		return client.ErrTransportClosed
	}

	return s.enqueue(s.inbox, func() {
		result := p.router.Handle(s.ctx, p.subscriberID, event, payload)
		if ack == nil || p.dropAcks.Load() {
			return
		}
		reply := result.Encode()
		if err := s.enqueue(s.outbox, func() { ack(reply) }); err != nil {
			log.Debug().Err(err).Str("subscriber_id", p.subscriberID).Str("event", event).Msg("ack lost")
		}
	})
}

func (p *Pipe) On(event string, fn func(payload json.RawMessage)) func() {
	return p.handlers.On(event, fn)
}

func (p *Pipe) OnAny(fn func(event string, payload json.RawMessage)) func() {
	return p.handlers.OnAny(fn)
}

func (s *session) enqueue(queue chan func(), fn func()) error {
	select {
	case <-s.ctx.Done():
		return client.ErrTransportClosed
	default:
	}
	select {
	case queue <- fn:
		return nil
	case <-s.ctx.Done():
		return client.ErrTransportClosed
	default:
		return fmt.Errorf("pipe queue full")
	}
}

func (s *session) drain(queue chan func()) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case fn := <-queue:
			fn()
		}
	}
}
