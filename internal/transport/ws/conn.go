// Package ws carries protocol frames over websocket connections: a hub
// that serving peers mount as an http.Handler, and a client that
// requesting peers dial. Each frame is one binary websocket message.
package ws

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/collodion/photosync/internal/transport"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// DefaultMaxMessageSize bounds frames when no limit is configured.
	DefaultMaxMessageSize = 64 * 1024

	// SyncPath is where the hub is mounted.
	SyncPath = "/sync"

	// PeerHeader carries the connecting peer's name.
	PeerHeader = "X-Photosync-Peer"

	writeQueueSize = 256
	writeTimeout   = 10 * time.Second
	readTimeout    = 90 * time.Second
	pingInterval   = 30 * time.Second
)

// peerConn wraps one websocket connection. Writes are serialized through
// writeChan and a single writer goroutine.
type peerConn struct {
	name   string
	conn   *websocket.Conn
	logger zerolog.Logger

	writeChan chan []byte
	closeChan chan struct{}
	closeOnce sync.Once
	writeDone chan struct{}
}

func newPeerConn(name string, conn *websocket.Conn, maxSize int, logger zerolog.Logger) *peerConn {
	conn.SetReadLimit(int64(maxSize))
	pc := &peerConn{
		name:      name,
		conn:      conn,
		logger:    logger,
		writeChan: make(chan []byte, writeQueueSize),
		closeChan: make(chan struct{}),
		writeDone: make(chan struct{}),
	}
	go pc.writeLoop()
	return pc
}

// send queues data for the writer, blocking while the queue is full.
func (pc *peerConn) send(ctx context.Context, data []byte) error {
	select {
	case <-pc.closeChan:
		return fmt.Errorf("%s: %w", pc.name, transport.ErrClosed)
	default:
	}

	select {
	case pc.writeChan <- data:
		return nil
	case <-pc.closeChan:
		return fmt.Errorf("%s: %w", pc.name, transport.ErrClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (pc *peerConn) writeLoop() {
	defer close(pc.writeDone)

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-pc.closeChan:
			return
		case <-pingTicker.C:
			if err := pc.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				pc.logger.Debug().Err(err).Str("peer", pc.name).Msg("Ping failed")
				pc.close()
				return
			}
		case data := <-pc.writeChan:
			_ = pc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := pc.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				pc.logger.Debug().Err(err).Str("peer", pc.name).Msg("Write failed")
				pc.close()
				return
			}
		}
	}
}

// readLoop delivers binary frames to deliver until the connection fails.
func (pc *peerConn) readLoop(deliver func(data []byte)) error {
	pc.conn.SetPongHandler(func(string) error {
		return pc.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		_ = pc.conn.SetReadDeadline(time.Now().Add(readTimeout))
		messageType, data, err := pc.conn.ReadMessage()
		if err != nil {
			return err
		}
		if messageType != websocket.BinaryMessage {
			pc.logger.Debug().Str("peer", pc.name).Int("type", messageType).Msg("Ignoring non-binary frame")
			continue
		}
		deliver(data)
	}
}

// close stops the writer and closes the socket. Safe to call repeatedly.
func (pc *peerConn) close() {
	pc.closeOnce.Do(func() {
		close(pc.closeChan)
		_ = pc.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = pc.conn.Close()
	})
}

// isExpectedClose reports whether err is a normal end of a connection.
func isExpectedClose(err error) bool {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}

// syncURL converts an http(s) or ws(s) base URL to the hub's websocket URL.
func syncURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = SyncPath
	}
	return u.String(), nil
}
