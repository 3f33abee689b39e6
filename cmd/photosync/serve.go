package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/collodion/photosync/internal/blobstore"
	"github.com/collodion/photosync/internal/blobsync"
	"github.com/collodion/photosync/internal/config"
	"github.com/collodion/photosync/internal/metrics"
	"github.com/collodion/photosync/internal/seen"
	"github.com/collodion/photosync/internal/transport/ws"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// serverNode wires the serving peer: websocket hub, responder loop and
// last-seen index.
type serverNode struct {
	store *blobstore.FSStore
	hub   *ws.Server
	seen  *seen.Index
	loop  *blobsync.Loop
	mux   *http.ServeMux

	flushInterval time.Duration
	seenDone      chan struct{}
}

func newServerNode(cfg *config.ServerConfig, m *metrics.SyncMetrics, logger zerolog.Logger) (*serverNode, error) {
	codec, err := blobsync.CodecByName(cfg.Codec)
	if err != nil {
		return nil, err
	}

	store := blobstore.NewFSStore(cfg.BlobDir())
	idx := seen.New(seen.Config{
		Path:       cfg.SeenIndex.Path,
		MaxEntries: cfg.SeenIndex.MaxEntries,
		Logger:     logger,
	})
	if err := idx.Load(); err != nil {
		logger.Warn().Err(err).Msg("Failed to load seen index, starting empty")
	}

	hub := ws.NewServer(ws.ServerConfig{
		MaxMessageSize: int(cfg.MaxMessageSize.Bytes()),
		Logger:         logger,
	})
	responder := blobsync.NewResponder(blobsync.ResponderConfig{
		Store:              store,
		Transport:          hub,
		Codec:              codec,
		Logger:             logger,
		Metrics:            m,
		Seen:               idx,
		MaxInflight:        cfg.MaxInflight,
		MaxInflightPerPeer: cfg.MaxInflightPerPeer,
		StaleAfter:         cfg.StaleAfter(),
	})
	loop := blobsync.NewLoop(blobsync.LoopConfig{
		Transport:     hub,
		Codec:         codec,
		Handler:       responder,
		Logger:        logger,
		Metrics:       m,
		RateLimit:     cfg.RateLimit,
		RateBurst:     cfg.RateBurst,
		SweepInterval: cfg.JanitorInterval(),
	})

	mux := http.NewServeMux()
	mux.Handle(ws.SyncPath, hub)
	if cfg.MetricsEnabled() {
		mux.Handle("/metrics", metrics.Handler())
	}

	return &serverNode{
		store:         store,
		hub:           hub,
		seen:          idx,
		loop:          loop,
		mux:           mux,
		flushInterval: cfg.SeenFlushInterval(),
		seenDone:      make(chan struct{}),
	}, nil
}

// start runs the loop and the seen index flusher until ctx is cancelled.
func (n *serverNode) start(ctx context.Context) {
	go func() {
		_ = n.loop.Run(ctx)
	}()
	go func() {
		defer close(n.seenDone)
		n.seen.Run(ctx, n.flushInterval)
	}()
}

// stop disconnects peers and waits for background work. ctx passed to
// start must already be cancelled.
func (n *serverNode) stop() {
	_ = n.hub.Close()
	<-n.loop.Done()
	<-n.seenDone
}

func runServe(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg, err := loadServerConfig()
	if err != nil {
		return err
	}

	node, err := newServerNode(cfg, metrics.InitMetrics("server", cfg.Listen), log.Logger)
	if err != nil {
		return err
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()

	node.start(ctx)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           node.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	log.Info().
		Str("listen", cfg.Listen).
		Str("data_dir", cfg.DataDir).
		Str("codec", cfg.Codec).
		Bool("metrics", cfg.MetricsEnabled()).
		Msg("Serving photos")

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("serve: %w", err)
		}
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
	node.stop()
	return serveErr
}
