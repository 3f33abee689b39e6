package ws

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/collodion/photosync/internal/transport"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ServerPeer is the name under which a Client delivers frames from, and
// accepts frames for, the hub it is connected to.
const ServerPeer = "server"

// ClientConfig holds configuration for a websocket client.
type ClientConfig struct {
	URL            string // base http(s) or ws(s) URL of the serving peer
	Name           string // peer name announced to the hub
	MaxMessageSize int
	Logger         zerolog.Logger
}

// Client is a requesting peer's connection to a hub. It implements
// transport.Transport with a single reachable peer, ServerPeer.
type Client struct {
	pc      *peerConn
	maxSize int
	logger  zerolog.Logger

	handlerMu sync.RWMutex
	handler   transport.Handler

	readDone chan struct{}
}

// Dial connects to the hub at cfg.URL.
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	wsURL, err := syncURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("convert URL: %w", err)
	}
	logger := cfg.Logger.With().Str("component", "ws-client").Logger()

	dialer := websocket.Dialer{
		HandshakeTimeout: 30 * time.Second,
	}
	headers := http.Header{}
	if cfg.Name != "" {
		headers.Set(PeerHeader, cfg.Name)
	}

	logger.Debug().Str("url", wsURL).Msg("Connecting")
	conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket connection failed: %s", resp.Status)
		}
		return nil, fmt.Errorf("websocket connection failed: %w", err)
	}

	c := &Client{
		pc:       newPeerConn(ServerPeer, conn, cfg.MaxMessageSize, logger),
		maxSize:  cfg.MaxMessageSize,
		logger:   logger,
		readDone: make(chan struct{}),
	}
	go c.readLoop()

	logger.Info().Str("url", wsURL).Msg("Connected")
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.readDone)
	defer c.pc.close()

	err := c.pc.readLoop(func(data []byte) {
		c.handlerMu.RLock()
		handler := c.handler
		c.handlerMu.RUnlock()
		if handler == nil {
			c.logger.Debug().Msg("Dropping frame, no handler registered")
			return
		}
		if err := handler(ServerPeer, data); err != nil {
			c.logger.Debug().Err(err).Msg("Frame rejected")
		}
	})
	if err != nil && !isExpectedClose(err) {
		c.logger.Warn().Err(err).Msg("Connection lost")
	}
}

// Send queues data for the hub. peer must be ServerPeer.
func (c *Client) Send(ctx context.Context, peer string, data []byte) error {
	if peer != ServerPeer {
		return fmt.Errorf("%s: %w", peer, transport.ErrUnknownPeer)
	}
	if len(data) > c.maxSize {
		return fmt.Errorf("%d bytes: %w", len(data), transport.ErrMessageTooLarge)
	}
	return c.pc.send(ctx, data)
}

// RegisterHandler sets the handler for frames from the hub.
func (c *Client) RegisterHandler(handler transport.Handler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.handler = handler
}

// Done is closed when the connection has ended.
func (c *Client) Done() <-chan struct{} {
	return c.readDone
}

// Close disconnects and waits for the connection's goroutines to exit.
func (c *Client) Close() error {
	c.pc.close()
	<-c.pc.writeDone
	<-c.readDone
	return nil
}
