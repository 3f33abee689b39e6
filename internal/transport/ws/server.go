package ws

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/collodion/photosync/internal/transport"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ServerConfig holds configuration for the websocket hub.
type ServerConfig struct {
	MaxMessageSize int
	Logger         zerolog.Logger
}

// Server is the serving side's websocket hub. It implements
// transport.Transport; peers are addressed by the name they connected
// with, or a generated one if they gave none.
type Server struct {
	upgrader websocket.Upgrader
	maxSize  int
	logger   zerolog.Logger

	mu      sync.RWMutex
	conns   map[string]*peerConn
	handler transport.Handler
	closed  bool
	wg      sync.WaitGroup
}

// NewServer creates a hub. Mount it at SyncPath.
func NewServer(cfg ServerConfig) *Server {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	return &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16384,
			WriteBufferSize: 16384,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		maxSize: cfg.MaxMessageSize,
		logger:  cfg.Logger.With().Str("component", "ws-server").Logger(),
		conns:   make(map[string]*peerConn),
	}
}

// ServeHTTP upgrades the request and reads frames until the peer goes away.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	name := r.Header.Get(PeerHeader)
	if name == "" {
		name = r.URL.Query().Get("peer")
	}
	if name == "" {
		name = uuid.New().String()
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Str("peer", name).Msg("Websocket upgrade failed")
		return
	}

	pc := newPeerConn(name, conn, s.maxSize, s.logger)
	if !s.register(pc) {
		pc.close()
		<-pc.writeDone
		return
	}
	s.logger.Info().Str("peer", name).Str("remote", r.RemoteAddr).Msg("Peer connected")

	defer func() {
		s.unregister(pc)
		pc.close()
		<-pc.writeDone
		s.wg.Done()
		s.logger.Info().Str("peer", name).Msg("Peer disconnected")
	}()

	err = pc.readLoop(func(data []byte) {
		s.mu.RLock()
		handler := s.handler
		s.mu.RUnlock()
		if handler == nil {
			return
		}
		if err := handler(name, data); err != nil {
			s.logger.Debug().Err(err).Str("peer", name).Msg("Frame rejected")
		}
	})
	if err != nil && !isExpectedClose(err) {
		s.logger.Debug().Err(err).Str("peer", name).Msg("Read error")
	}
}

// register adds pc, replacing any connection with the same name. It
// returns false once the server is closed.
func (s *Server) register(pc *peerConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	if existing, ok := s.conns[pc.name]; ok {
		existing.close()
	}
	s.conns[pc.name] = pc
	s.wg.Add(1)
	return true
}

func (s *Server) unregister(pc *peerConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns[pc.name] == pc {
		delete(s.conns, pc.name)
	}
}

// Send queues data for the named peer.
func (s *Server) Send(ctx context.Context, peer string, data []byte) error {
	if len(data) > s.maxSize {
		return fmt.Errorf("%d bytes: %w", len(data), transport.ErrMessageTooLarge)
	}

	s.mu.RLock()
	pc, ok := s.conns[peer]
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return transport.ErrClosed
	}
	if !ok {
		return fmt.Errorf("%s: %w", peer, transport.ErrUnknownPeer)
	}
	return pc.send(ctx, data)
}

// RegisterHandler sets the handler for inbound frames.
func (s *Server) RegisterHandler(handler transport.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
}

// Peers returns the names of connected peers, sorted.
func (s *Server) Peers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.conns))
	for name := range s.conns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close disconnects every peer and waits for their handlers to return.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	conns := make([]*peerConn, 0, len(s.conns))
	for _, pc := range s.conns {
		conns = append(conns, pc)
	}
	s.mu.Unlock()

	for _, pc := range conns {
		pc.close()
	}
	s.wg.Wait()
	return nil
}
