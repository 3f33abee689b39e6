// Package transport abstracts the message-oriented channel peers use to
// exchange protocol frames. A transport delivers whole, bounded-size
// messages; it offers no streaming and no ordering or delivery guarantees
// beyond what the concrete implementation provides.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrUnknownPeer is returned by Send when the destination is not connected.
	ErrUnknownPeer = errors.New("unknown peer")

	// ErrClosed is returned by Send after the transport has been closed.
	ErrClosed = errors.New("transport closed")

	// ErrMessageTooLarge is returned by Send for frames above the transport's limit.
	ErrMessageTooLarge = errors.New("message too large")
)

// Handler receives one inbound frame. from identifies the sending peer.
// Handlers may be invoked concurrently from several connections.
type Handler func(from string, data []byte) error

// Transport sends frames to named peers and delivers inbound frames to a
// registered handler. Send must be safe for concurrent use.
type Transport interface {
	// Send delivers one frame to the named peer.
	Send(ctx context.Context, peer string, data []byte) error

	// RegisterHandler registers the handler for incoming frames.
	RegisterHandler(handler Handler)
}
