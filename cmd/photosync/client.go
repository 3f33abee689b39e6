package main

import (
	"context"
	"fmt"
	"time"

	"github.com/collodion/photosync/internal/blobstore"
	"github.com/collodion/photosync/internal/blobsync"
	"github.com/collodion/photosync/internal/config"
	"github.com/collodion/photosync/internal/metrics"
	"github.com/collodion/photosync/internal/transport/ws"
	"github.com/rs/zerolog"
)

const (
	defaultWaitTimeout = 30 * time.Second
	cliHandle          = blobsync.Handle("cli")
)

// clientNode is a connected requesting peer.
type clientNode struct {
	store     *blobstore.FSStore
	client    *ws.Client
	requester *blobsync.Requester
	loop      *blobsync.Loop
	cancel    context.CancelFunc

	available chan string
	acks      chan blobsync.AckPayload
}

func dialClient(ctx context.Context, cfg *config.ClientConfig, m *metrics.SyncMetrics, logger zerolog.Logger) (*clientNode, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	codec, err := blobsync.CodecByName(cfg.Codec)
	if err != nil {
		return nil, err
	}

	client, err := ws.Dial(ctx, ws.ClientConfig{
		URL:            cfg.Server,
		Name:           cfg.Name,
		MaxMessageSize: int(cfg.MaxMessageSize.Bytes()),
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	n := &clientNode{
		store:     blobstore.NewFSStore(cfg.BlobDir()),
		client:    client,
		available: make(chan string, 16),
		acks:      make(chan blobsync.AckPayload, 16),
	}
	n.requester = blobsync.NewRequester(blobsync.RequesterConfig{
		Server:         ws.ServerPeer,
		Store:          n.store,
		Transport:      client,
		Codec:          codec,
		Logger:         logger,
		Metrics:        m,
		MaxInflight:    cfg.MaxInflight,
		ThrottleWindow: cfg.ThrottleWindowDuration(),
		SeenInterval:   cfg.SeenPingDuration(),
		Hooks: blobsync.RequesterHooks{
			OnAvailable: func(id string, h blobsync.Handle) {
				select {
				case n.available <- id:
				default:
				}
			},
			OnAck: func(ack blobsync.AckPayload) {
				select {
				case n.acks <- ack:
				default:
				}
			},
		},
	})
	n.loop = blobsync.NewLoop(blobsync.LoopConfig{
		Transport:     client,
		Codec:         codec,
		Handler:       n.requester,
		Logger:        logger,
		Metrics:       m,
		SweepInterval: blobsync.DefaultSweepInterval,
	})

	loopCtx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	go func() {
		_ = n.loop.Run(loopCtx)
	}()
	return n, nil
}

func (n *clientNode) Close() error {
	n.cancel()
	<-n.loop.Done()
	return n.client.Close()
}

// fetchBlob returns the local path of the named blob, downloading it
// first if needed.
func (n *clientNode) fetchBlob(ctx context.Context, name string) (string, error) {
	id := blobstore.Normalize(name)
	path, err := n.store.Path(id)
	if err != nil {
		return "", err
	}
	if n.store.Has(id) {
		return path, nil
	}

	n.requester.NoteWaiting(id, cliHandle)
	if err := n.requester.RequestIfMissing(ctx, id); err != nil {
		return "", err
	}

	for {
		select {
		case got := <-n.available:
			if blobstore.Key(got) == blobstore.Key(id) {
				_ = n.requester.NoteSeen(ctx, id)
				return path, nil
			}
		case ack := <-n.acks:
			if !ack.OK && blobstore.Key(ack.BlobID) == blobstore.Key(id) {
				return "", fmt.Errorf("server refused %s: %s", id, ack.Error)
			}
		case <-n.client.Done():
			return "", fmt.Errorf("connection to server lost")
		case <-ctx.Done():
			return "", fmt.Errorf("waiting for %s: %w", id, ctx.Err())
		}
	}
}

// pushBlob stores data locally under name and uploads it, waiting for
// the server's acknowledgment.
func (n *clientNode) pushBlob(ctx context.Context, name string, data []byte) (string, error) {
	id := blobstore.Normalize(name)
	if err := n.store.Write(id, data); err != nil {
		return "", fmt.Errorf("import %s: %w", id, err)
	}
	if err := n.requester.Upload(ctx, id); err != nil {
		return "", err
	}

	for {
		select {
		case ack := <-n.acks:
			if blobstore.Key(ack.BlobID) != blobstore.Key(id) {
				continue
			}
			if !ack.OK {
				return "", fmt.Errorf("server refused %s: %s", id, ack.Error)
			}
			return id, nil
		case <-n.client.Done():
			return "", fmt.Errorf("connection to server lost")
		case <-ctx.Done():
			return "", fmt.Errorf("waiting for acknowledgment of %s: %w", id, ctx.Err())
		}
	}
}
