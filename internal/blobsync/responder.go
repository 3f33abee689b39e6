package blobsync

import (
	"context"
	"errors"
	"time"

	"github.com/collodion/photosync/internal/blobstore"
	"github.com/collodion/photosync/internal/metrics"
	"github.com/collodion/photosync/internal/transport"
	"github.com/rs/zerolog"
)

// Toucher records that a blob was served, uploaded or reported seen.
type Toucher interface {
	Touch(blobID string)
}

// ResponderConfig holds configuration for the serving peer.
type ResponderConfig struct {
	Store     *blobstore.FSStore
	Transport transport.Transport
	Codec     Codec
	Logger    zerolog.Logger
	Metrics   *metrics.SyncMetrics
	Seen      Toucher // optional

	MaxInflight        int
	MaxInflightPerPeer int
	StaleAfter         time.Duration

	Now func() time.Time
}

// Responder is the serving side of the protocol. It answers fetch
// requests from its store, reassembles uploads per peer, and prunes
// uploads that stopped making progress.
//
// HandleMessage and Sweep must be called from a single goroutine,
// normally the Loop.
type Responder struct {
	store   *blobstore.FSStore
	logger  zerolog.Logger
	metrics *metrics.SyncMetrics
	seen    Toucher
	now     func() time.Time
	out     *sender

	tracker *Tracker
	janitor *Janitor
}

// NewResponder creates a responder.
func NewResponder(cfg ResponderConfig) *Responder {
	if cfg.MaxInflight == 0 {
		cfg.MaxInflight = DefaultServerInflight
	}
	if cfg.MaxInflightPerPeer == 0 {
		cfg.MaxInflightPerPeer = DefaultPerPeerInflight
	}
	if cfg.StaleAfter == 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.Codec == nil {
		cfg.Codec = CBORCodec{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Discard("server")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	logger := cfg.Logger.With().Str("component", "responder").Logger()
	tracker := NewTracker(cfg.MaxInflight, cfg.MaxInflightPerPeer)
	return &Responder{
		store:   cfg.Store,
		logger:  logger,
		metrics: cfg.Metrics,
		seen:    cfg.Seen,
		now:     cfg.Now,
		out: &sender{
			transport: cfg.Transport,
			codec:     cfg.Codec,
			logger:    logger,
			metrics:   cfg.Metrics,
		},
		tracker: tracker,
		janitor: NewJanitor(tracker, cfg.StaleAfter, cfg.Logger, cfg.Metrics),
	}
}

// Inflight returns the number of uploads being reassembled.
func (s *Responder) Inflight() int {
	return s.tracker.Len()
}

// Sweep prunes stale uploads. It implements Sweeper.
func (s *Responder) Sweep(now time.Time) int {
	return s.janitor.Sweep(now)
}

// HandleMessage implements Handler.
func (s *Responder) HandleMessage(ctx context.Context, from string, msg *Message) error {
	switch msg.Type {
	case MessageTypeFetchRequest:
		return s.handleFetch(ctx, from, msg.Fetch)
	case MessageTypeChunk:
		if !msg.Chunk.IsUpload {
			s.metrics.MessagesDropped.WithLabelValues("direction").Inc()
			return nil
		}
		return s.handleUpload(ctx, from, msg.Chunk)
	case MessageTypeSeen:
		id := blobstore.Normalize(msg.Seen.BlobID)
		if id != "" {
			s.touch(id)
		}
		return nil
	default:
		s.metrics.MessagesDropped.WithLabelValues("unexpected").Inc()
		s.logger.Debug().
			Str("type", string(msg.Type)).
			Str("from", from).
			Msg("Ignoring message not meant for responder")
		return nil
	}
}

func (s *Responder) handleFetch(ctx context.Context, from string, p *FetchRequestPayload) error {
	id := blobstore.Normalize(p.BlobID)
	if id == "" {
		s.metrics.MessagesDropped.WithLabelValues("malformed").Inc()
		return nil
	}
	if !s.store.Has(id) {
		s.logger.Debug().Str("peer", from).Str("blob", id).Msg("Requested blob not present")
		s.out.ack(ctx, from, id, false, notPresentOnServerMessage)
		return nil
	}
	s.touch(id)

	data, err := s.store.Read(id)
	if err == nil && len(data) == 0 {
		err = blobstore.ErrEmpty
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("peer", from).Str("blob", id).Msg("Failed to read requested blob")
		s.out.ack(ctx, from, id, false, fetchErrorText(err))
		return nil
	}

	if err := s.out.sendBlob(ctx, from, id, data, false); err != nil {
		s.logger.Warn().Err(err).Str("peer", from).Str("blob", id).Msg("Failed to send blob")
		return err
	}
	s.logger.Debug().
		Str("peer", from).
		Str("blob", id).
		Int("bytes", len(data)).
		Msg("Served blob")
	return nil
}

func (s *Responder) handleUpload(ctx context.Context, from string, c *ChunkPayload) error {
	progress, data, err := s.tracker.Accept(from, c, s.now())
	s.metrics.InflightTransfers.Set(float64(s.tracker.Len()))
	if err != nil {
		s.metrics.MessagesDropped.WithLabelValues(dropReason(err)).Inc()
		s.logger.Debug().Err(err).Str("peer", from).Str("blob", c.BlobID).Msg("Dropping upload chunk")
		return err
	}

	switch progress {
	case ChunkDuplicate:
		s.metrics.ChunksDuplicate.Inc()
		return nil
	case ChunkApplied:
		s.metrics.ChunksApplied.Inc()
		return nil
	}
	s.metrics.ChunksApplied.Inc()

	id := blobstore.Normalize(c.BlobID)
	if progress == TransferRepeated && s.store.Has(id) {
		s.touch(id)
		s.logger.Debug().Str("peer", from).Str("blob", id).Msg("Upload repeats stored blob")
		s.out.ack(ctx, from, id, true, "")
		return nil
	}
	if err := s.store.Write(id, data); err != nil {
		s.metrics.TransfersFailed.WithLabelValues(metrics.DirectionUpload, failureReason(err)).Inc()
		s.logger.Warn().Err(err).Str("peer", from).Str("blob", id).Msg("Rejected upload")
		s.out.ack(ctx, from, id, false, uploadErrorText(err))
		return nil
	}
	s.touch(id)
	s.metrics.TransfersCompleted.WithLabelValues(metrics.DirectionUpload).Inc()
	s.metrics.BytesStored.Add(float64(len(data)))
	s.logger.Info().
		Str("peer", from).
		Str("blob", id).
		Int("bytes", len(data)).
		Msg("Stored upload")
	s.out.ack(ctx, from, id, true, "")
	return nil
}

func (s *Responder) touch(id string) {
	if s.seen != nil {
		s.seen.Touch(id)
	}
}

func fetchErrorText(err error) string {
	switch {
	case errors.Is(err, blobstore.ErrTooLarge), errors.Is(err, blobstore.ErrEmpty):
		return "blob too large or empty"
	case errors.Is(err, blobstore.ErrInvalidID):
		return "invalid blob identifier"
	default:
		return "failed to read blob: " + err.Error()
	}
}

func uploadErrorText(err error) string {
	switch {
	case errors.Is(err, blobstore.ErrInvalidSignature):
		return "invalid PNG"
	case errors.Is(err, blobstore.ErrTooLarge):
		return "blob too large"
	case errors.Is(err, blobstore.ErrEmpty):
		return "blob is empty"
	case errors.Is(err, blobstore.ErrInvalidID):
		return "invalid blob identifier"
	default:
		return "failed to store blob: " + err.Error()
	}
}
