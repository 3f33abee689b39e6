package transport

import (
	"context"
	"fmt"
	"sync"
)

// Pipe is an in-process transport connecting named endpoints. Frames are
// copied and delivered synchronously on the sender's goroutine, so a
// handler that blocks also blocks the sender.
type Pipe struct {
	mu        sync.RWMutex
	endpoints map[string]*PipeEndpoint
	maxSize   int
}

// NewPipe creates an empty pipe. maxSize bounds frame length; 0 means unbounded.
func NewPipe(maxSize int) *Pipe {
	return &Pipe{
		endpoints: make(map[string]*PipeEndpoint),
		maxSize:   maxSize,
	}
}

// Endpoint returns the endpoint for name, creating it if needed.
func (p *Pipe) Endpoint(name string) *PipeEndpoint {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ep, ok := p.endpoints[name]; ok {
		return ep
	}
	ep := &PipeEndpoint{name: name, pipe: p}
	p.endpoints[name] = ep
	return ep
}

// PipeEndpoint is one named side of a Pipe. It implements Transport.
type PipeEndpoint struct {
	name string
	pipe *Pipe

	handlerMu sync.RWMutex
	handler   Handler
	closed    bool
}

// Name returns the endpoint's peer name.
func (e *PipeEndpoint) Name() string {
	return e.name
}

// Send delivers data to the named endpoint's handler.
func (e *PipeEndpoint) Send(ctx context.Context, peer string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.isClosed() {
		return ErrClosed
	}
	if e.pipe.maxSize > 0 && len(data) > e.pipe.maxSize {
		return fmt.Errorf("%d bytes: %w", len(data), ErrMessageTooLarge)
	}

	e.pipe.mu.RLock()
	dst, ok := e.pipe.endpoints[peer]
	e.pipe.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%s: %w", peer, ErrUnknownPeer)
	}

	dst.handlerMu.RLock()
	handler := dst.handler
	closed := dst.closed
	dst.handlerMu.RUnlock()
	if closed {
		return fmt.Errorf("%s: %w", peer, ErrClosed)
	}
	if handler == nil {
		return fmt.Errorf("%s: no handler registered", peer)
	}

	return handler(e.name, append([]byte(nil), data...))
}

// RegisterHandler registers the handler for frames sent to this endpoint.
func (e *PipeEndpoint) RegisterHandler(handler Handler) {
	e.handlerMu.Lock()
	defer e.handlerMu.Unlock()
	e.handler = handler
}

// Close stops the endpoint from sending or receiving.
func (e *PipeEndpoint) Close() error {
	e.handlerMu.Lock()
	defer e.handlerMu.Unlock()
	e.closed = true
	return nil
}

func (e *PipeEndpoint) isClosed() bool {
	e.handlerMu.RLock()
	defer e.handlerMu.RUnlock()
	return e.closed
}
