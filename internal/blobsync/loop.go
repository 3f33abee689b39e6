package blobsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/collodion/photosync/internal/metrics"
	"github.com/collodion/photosync/internal/transport"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ErrLoopStopped is returned to the transport for messages that arrive
// after the loop has exited.
var ErrLoopStopped = errors.New("message loop stopped")

// Handler processes decoded protocol messages.
type Handler interface {
	HandleMessage(ctx context.Context, from string, msg *Message) error
}

// Sweeper is implemented by handlers with periodic housekeeping.
type Sweeper interface {
	Sweep(now time.Time) int
}

// LoopConfig holds configuration for a message loop.
type LoopConfig struct {
	Transport transport.Transport
	Codec     Codec
	Handler   Handler
	Logger    zerolog.Logger
	Metrics   *metrics.SyncMetrics

	QueueSize int // decoded messages buffered ahead of the handler

	// RateLimit is inbound messages per second; zero disables limiting.
	RateLimit int
	RateBurst int

	// SweepInterval is how often a Sweeper handler is swept; zero disables.
	SweepInterval time.Duration

	Now func() time.Time
}

type inbound struct {
	from string
	msg  *Message
}

// Loop serializes all protocol handling onto one goroutine. Transport
// callbacks decode frames and queue them; Run feeds them to the handler
// one at a time and interleaves periodic sweeps.
type Loop struct {
	codec    Codec
	handler  Handler
	logger   zerolog.Logger
	metrics  *metrics.SyncMetrics
	limiter  *rate.Limiter
	interval time.Duration
	now      func() time.Time

	queue chan inbound
	done  chan struct{}
}

// NewLoop creates a loop and registers it as the transport's handler.
func NewLoop(cfg LoopConfig) *Loop {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Codec == nil {
		cfg.Codec = CBORCodec{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Discard("loop")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	l := &Loop{
		codec:    cfg.Codec,
		handler:  cfg.Handler,
		logger:   cfg.Logger.With().Str("component", "loop").Logger(),
		metrics:  cfg.Metrics,
		interval: cfg.SweepInterval,
		now:      cfg.Now,
		queue:    make(chan inbound, cfg.QueueSize),
		done:     make(chan struct{}),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = cfg.RateLimit
		}
		l.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	cfg.Transport.RegisterHandler(l.receive)
	return l
}

// receive runs on transport goroutines.
func (l *Loop) receive(from string, data []byte) error {
	if l.limiter != nil && !l.limiter.Allow() {
		l.metrics.MessagesDropped.WithLabelValues("rate_limited").Inc()
		l.logger.Warn().Str("from", from).Msg("Rate limit exceeded, dropping message")
		return fmt.Errorf("rate limit exceeded")
	}

	msg, err := l.codec.Unmarshal(data)
	if err != nil {
		l.metrics.MessagesDropped.WithLabelValues("decode").Inc()
		l.logger.Debug().Err(err).Str("from", from).Msg("Dropping undecodable message")
		return err
	}
	l.metrics.MessagesReceived.WithLabelValues(string(msg.Type)).Inc()

	select {
	case l.queue <- inbound{from: from, msg: msg}:
		return nil
	case <-l.done:
		return ErrLoopStopped
	}
}

// Run processes messages until ctx is cancelled. It must be called once.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)

	var tick <-chan time.Time
	sweeper, canSweep := l.handler.(Sweeper)
	if canSweep && l.interval > 0 {
		ticker := time.NewTicker(l.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	l.logger.Debug().Msg("Message loop started")
	for {
		select {
		case <-ctx.Done():
			l.logger.Debug().Msg("Message loop stopped")
			return nil
		case in := <-l.queue:
			if err := l.handler.HandleMessage(ctx, in.from, in.msg); err != nil {
				l.logger.Debug().
					Err(err).
					Str("type", string(in.msg.Type)).
					Str("from", in.from).
					Str("id", in.msg.ID).
					Msg("Message handling failed")
			}
		case <-tick:
			sweeper.Sweep(l.now())
		}
	}
}

// Done is closed when Run returns.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}
