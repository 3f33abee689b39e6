package blobsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/collodion/photosync/internal/blobstore"
	"github.com/collodion/photosync/internal/metrics"
	"github.com/collodion/photosync/internal/transport"
	"github.com/rs/zerolog"
)

// Handle identifies a subscriber waiting for a blob to arrive.
type Handle string

// RequesterHooks are callbacks invoked from the Loop goroutine. Any of
// them may be nil.
type RequesterHooks struct {
	// OnArrived runs once per blob stored locally, before waiters are told.
	OnArrived func(blobID string)

	// OnAvailable runs once for each handle waiting on a blob that arrived.
	OnAvailable func(blobID string, h Handle)

	// OnAck runs for every acknowledgment received from the server.
	OnAck func(ack AckPayload)
}

// RequesterConfig holds configuration for the requesting peer.
type RequesterConfig struct {
	Server      string // transport name of the serving peer
	Store       *blobstore.FSStore
	Transport   transport.Transport
	Codec       Codec
	Logger      zerolog.Logger
	Metrics     *metrics.SyncMetrics
	Hooks       RequesterHooks
	MaxInflight int

	// ThrottleWindow suppresses repeated fetches of one blob. Zero selects
	// DefaultThrottleWindow.
	ThrottleWindow time.Duration

	// SeenInterval throttles seen notices per blob. Zero or negative
	// disables seen notices.
	SeenInterval time.Duration

	// StaleAfter bounds how long a partial download is kept without new
	// chunks. Zero selects DefaultStaleAfter.
	StaleAfter time.Duration

	Now func() time.Time
}

// Requester is the requesting side of the protocol. It fetches blobs it
// lacks, reassembles downloads into its store, notifies waiters, and
// pushes blobs it created to the server.
//
// HandleMessage must only be called from a single goroutine, normally
// the Loop. The other methods are safe for concurrent use.
type Requester struct {
	server  string
	store   *blobstore.FSStore
	logger  zerolog.Logger
	metrics *metrics.SyncMetrics
	hooks   RequesterHooks
	now     func() time.Time
	out     *sender

	fetches *Throttle
	seen    *Throttle // nil when seen notices are disabled
	waiters *WaitRegistry[Handle]

	mu      sync.Mutex // guards tracker against Inflight callers
	tracker *Tracker
	janitor *Janitor
}

// NewRequester creates a requester. Callers attach it to a Loop to
// receive messages.
func NewRequester(cfg RequesterConfig) *Requester {
	if cfg.ThrottleWindow == 0 {
		cfg.ThrottleWindow = DefaultThrottleWindow
	}
	if cfg.MaxInflight == 0 {
		cfg.MaxInflight = DefaultRequesterInflight
	}
	if cfg.StaleAfter == 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.Codec == nil {
		cfg.Codec = CBORCodec{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Discard("client")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	logger := cfg.Logger.With().Str("component", "requester").Logger()
	r := &Requester{
		server:  cfg.Server,
		store:   cfg.Store,
		logger:  logger,
		metrics: cfg.Metrics,
		hooks:   cfg.Hooks,
		now:     cfg.Now,
		out: &sender{
			transport: cfg.Transport,
			codec:     cfg.Codec,
			logger:    logger,
			metrics:   cfg.Metrics,
		},
		fetches: NewThrottle(cfg.ThrottleWindow, cfg.Now),
		waiters: NewWaitRegistry[Handle](),
		tracker: NewTracker(cfg.MaxInflight, 0),
	}
	r.janitor = NewJanitor(r.tracker, cfg.StaleAfter, cfg.Logger, cfg.Metrics)
	if cfg.SeenInterval > 0 {
		r.seen = NewThrottle(cfg.SeenInterval, cfg.Now)
	}
	return r
}

// RequestIfMissing asks the server for a blob unless it is already
// stored locally or was requested within the throttle window. Empty
// names are ignored. It does not wait for the blob to arrive.
func (r *Requester) RequestIfMissing(ctx context.Context, name string) error {
	id := blobstore.Normalize(name)
	if id == "" {
		return nil
	}
	if r.store.Has(id) {
		return nil
	}
	if !r.fetches.Allow(id) {
		r.metrics.FetchRequestsThrottled.Inc()
		r.logger.Debug().Str("blob", id).Msg("Fetch request throttled")
		return nil
	}

	if err := r.out.send(ctx, r.server, NewFetchRequestMessage(id)); err != nil {
		return err
	}
	r.metrics.FetchRequestsSent.Inc()
	r.logger.Debug().Str("blob", id).Msg("Fetch request sent")
	return nil
}

// NoteWaiting registers h to be notified when the blob arrives. A handle
// is recorded at most once per blob. Empty names are ignored.
func (r *Requester) NoteWaiting(name string, h Handle) {
	id := blobstore.Normalize(name)
	if id == "" {
		return
	}
	r.waiters.Add(id, h)
}

// Waiting returns how many handles wait on the blob.
func (r *Requester) Waiting(name string) int {
	return r.waiters.Waiting(blobstore.Normalize(name))
}

// OnBlobArrived runs the arrival hook and notifies every handle waiting
// on the blob, then forgets them. Handles registered afterwards wait for
// the next arrival.
func (r *Requester) OnBlobArrived(name string) {
	id := blobstore.Normalize(name)
	if id == "" {
		return
	}
	if r.hooks.OnArrived != nil {
		r.hooks.OnArrived(id)
	}
	for _, h := range r.waiters.Take(id) {
		if r.hooks.OnAvailable != nil {
			r.hooks.OnAvailable(id, h)
		}
		r.metrics.WaitersNotified.Inc()
	}
}

// Upload pushes a locally stored blob to the server as upload chunks.
// The server answers with an acknowledgment.
func (r *Requester) Upload(ctx context.Context, name string) error {
	id := blobstore.Normalize(name)
	data, err := r.store.Read(id)
	if err != nil {
		return fmt.Errorf("read %s: %w", id, err)
	}
	if err := blobstore.Validate(data); err != nil {
		return fmt.Errorf("upload %s: %w", id, err)
	}

	if err := r.out.sendBlob(ctx, r.server, id, data, true); err != nil {
		return err
	}
	r.logger.Info().
		Str("blob", id).
		Int("bytes", len(data)).
		Int("chunks", ChunkCount(len(data))).
		Msg("Uploaded blob")
	return nil
}

// NoteSeen tells the server the blob is still in use, at most once per
// SeenInterval per blob. It is a no-op when seen notices are disabled.
func (r *Requester) NoteSeen(ctx context.Context, name string) error {
	id := blobstore.Normalize(name)
	if id == "" || r.seen == nil {
		return nil
	}
	if !r.seen.Allow(id) {
		return nil
	}
	return r.out.send(ctx, r.server, NewSeenMessage(id))
}

// Inflight returns the number of downloads being reassembled.
func (r *Requester) Inflight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tracker.Len()
}

// Sweep prunes partial downloads the server stopped sending. It
// implements Sweeper.
func (r *Requester) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.janitor.Sweep(now)
}

// HandleMessage implements Handler.
func (r *Requester) HandleMessage(ctx context.Context, from string, msg *Message) error {
	switch msg.Type {
	case MessageTypeChunk:
		if msg.Chunk.IsUpload {
			r.metrics.MessagesDropped.WithLabelValues("direction").Inc()
			return nil
		}
		return r.handleChunk(msg.Chunk)
	case MessageTypeAck:
		r.handleAck(msg.Ack)
		return nil
	default:
		r.metrics.MessagesDropped.WithLabelValues("unexpected").Inc()
		r.logger.Debug().
			Str("type", string(msg.Type)).
			Str("from", from).
			Msg("Ignoring message not meant for requester")
		return nil
	}
}

func (r *Requester) handleChunk(c *ChunkPayload) error {
	r.mu.Lock()
	progress, data, err := r.tracker.Accept("", c, r.now())
	inflight := r.tracker.Len()
	r.mu.Unlock()
	r.metrics.InflightTransfers.Set(float64(inflight))

	if err != nil {
		r.metrics.MessagesDropped.WithLabelValues(dropReason(err)).Inc()
		r.logger.Debug().Err(err).Str("blob", c.BlobID).Msg("Dropping chunk")
		return err
	}

	switch progress {
	case ChunkDuplicate:
		r.metrics.ChunksDuplicate.Inc()
		return nil
	case ChunkApplied:
		r.metrics.ChunksApplied.Inc()
		return nil
	}
	r.metrics.ChunksApplied.Inc()

	id := blobstore.Normalize(c.BlobID)
	if progress == TransferRepeated && r.store.Has(id) {
		r.logger.Debug().Str("blob", id).Msg("Ignoring repeated download")
		return nil
	}
	if err := r.store.Write(id, data); err != nil {
		r.metrics.TransfersFailed.WithLabelValues(metrics.DirectionDownload, failureReason(err)).Inc()
		r.logger.Warn().Err(err).Str("blob", id).Msg("Discarding downloaded blob")
		return err
	}
	r.metrics.TransfersCompleted.WithLabelValues(metrics.DirectionDownload).Inc()
	r.metrics.BytesStored.Add(float64(len(data)))
	r.logger.Info().Str("blob", id).Int("bytes", len(data)).Msg("Downloaded blob")

	r.OnBlobArrived(id)
	return nil
}

func (r *Requester) handleAck(ack *AckPayload) {
	if ack.OK {
		r.logger.Debug().Str("blob", ack.BlobID).Msg("Server acknowledged blob")
	} else {
		r.logger.Warn().
			Str("blob", ack.BlobID).
			Str("error", ack.Error).
			Msg("Server rejected blob")
	}
	if r.hooks.OnAck != nil {
		r.hooks.OnAck(*ack)
	}
}
