package blobsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/collodion/photosync/internal/blobstore"
	"github.com/collodion/photosync/internal/metrics"
	"github.com/collodion/photosync/internal/transport"
	"github.com/rs/zerolog"
)

// Defaults applied when the corresponding config field is zero.
const (
	DefaultThrottleWindow     = 2 * time.Second
	DefaultSeenInterval       = 5 * time.Minute
	DefaultSweepInterval      = 30 * time.Second
	DefaultStaleAfter         = 2 * time.Minute
	DefaultServerInflight     = 256
	DefaultPerPeerInflight    = 16
	DefaultRequesterInflight  = 64
	DefaultQueueSize          = 256
	notPresentOnServerMessage = "blob not present on server"
)

// sender marshals messages and hands them to the transport.
type sender struct {
	transport transport.Transport
	codec     Codec
	logger    zerolog.Logger
	metrics   *metrics.SyncMetrics
}

func (s *sender) send(ctx context.Context, peer string, msg *Message) error {
	data, err := s.codec.Marshal(msg)
	if err != nil {
		return err
	}
	if err := s.transport.Send(ctx, peer, data); err != nil {
		return fmt.Errorf("send %s to %s: %w", msg.Type, peer, err)
	}
	s.metrics.MessagesSent.WithLabelValues(string(msg.Type)).Inc()
	return nil
}

// sendBlob splits data and sends every chunk to peer in index order.
func (s *sender) sendBlob(ctx context.Context, peer, blobID string, data []byte, isUpload bool) error {
	for _, c := range Split(blobID, data, isUpload) {
		if err := s.send(ctx, peer, NewChunkMessage(c)); err != nil {
			return err
		}
	}
	return nil
}

func (s *sender) ack(ctx context.Context, peer, blobID string, ok bool, errText string) {
	if err := s.send(ctx, peer, NewAckMessage(blobID, ok, errText)); err != nil {
		s.logger.Warn().Err(err).
			Str("peer", peer).
			Str("blob", blobID).
			Msg("Failed to send acknowledgment")
	}
}

// failureReason maps a persist error to a metrics label.
func failureReason(err error) string {
	switch {
	case errors.Is(err, blobstore.ErrInvalidSignature):
		return "signature"
	case errors.Is(err, blobstore.ErrEmpty):
		return "empty"
	case errors.Is(err, blobstore.ErrTooLarge):
		return "oversize"
	case errors.Is(err, blobstore.ErrInvalidID):
		return "invalid_id"
	default:
		return "io"
	}
}

// dropReason maps a tracker error to a metrics label.
func dropReason(err error) string {
	if errors.Is(err, ErrCapacity) {
		return "capacity"
	}
	return "malformed"
}
