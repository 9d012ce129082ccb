package client

import (
	"context"
	"sync"
)

// ConnectionPromise resolves once to the live transport. A fresh, unresolved
// promise takes its place whenever the connection drops.
type ConnectionPromise struct {
	once      sync.Once
	done      chan struct{}
	transport Transport
}

func NewConnectionPromise() *ConnectionPromise {
	return &ConnectionPromise{done: make(chan struct{})}
}

// Resolve settles the promise with t. Only the first call has any effect.
func (p *ConnectionPromise) Resolve(t Transport) bool {
	resolved := false
	p.once.Do(func() {
		p.transport = t
		close(p.done)
		resolved = true
	})
	return resolved
}

// Resolved reports whether Resolve has been called.
func (p *ConnectionPromise) Resolved() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Done is closed once the promise resolves.
func (p *ConnectionPromise) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the promise resolves or ctx ends.
func (p *ConnectionPromise) Wait(ctx context.Context) (Transport, error) {
	select {
	case <-p.done:
		return p.transport, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
