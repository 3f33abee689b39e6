package blobsync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/collodion/photosync/internal/blobstore"
	"github.com/collodion/photosync/internal/transport"
	"github.com/collodion/photosync/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// recordingHandler implements Handler and Sweeper.
type recordingHandler struct {
	mu     sync.Mutex
	msgs   []*Message
	from   []string
	sweeps int
}

func (h *recordingHandler) HandleMessage(ctx context.Context, from string, msg *Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, msg)
	h.from = append(h.from, from)
	return nil
}

func (h *recordingHandler) Sweep(now time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sweeps++
	return 0
}

func (h *recordingHandler) counts() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.msgs), h.sweeps
}

func runLoop(t *testing.T, l *Loop) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_ = l.Run(ctx)
	}()
	return func() {
		cancel()
		<-l.Done()
	}
}

func TestLoop_DispatchesAndSweeps(t *testing.T) {
	defer goleak.VerifyNone(t)

	tr := newMockTransport()
	h := &recordingHandler{}
	l := NewLoop(LoopConfig{
		Transport:     tr,
		Handler:       h,
		Logger:        zerolog.Nop(),
		SweepInterval: 5 * time.Millisecond,
	})
	stop := runLoop(t, l)
	defer stop()

	frame, err := CBORCodec{}.Marshal(NewSeenMessage("a"))
	require.NoError(t, err)
	require.NoError(t, tr.simulateReceive("alice", frame))

	testutil.Eventually(t, time.Second, func() bool {
		n, sweeps := h.counts()
		return n == 1 && sweeps >= 2
	})
	h.mu.Lock()
	assert.Equal(t, "alice", h.from[0])
	assert.Equal(t, "a", h.msgs[0].Seen.BlobID)
	h.mu.Unlock()
}

func TestLoop_RejectsUndecodable(t *testing.T) {
	tr := newMockTransport()
	h := &recordingHandler{}
	NewLoop(LoopConfig{Transport: tr, Handler: h, Logger: zerolog.Nop()})

	assert.Error(t, tr.simulateReceive("alice", []byte{0xff, 0x00, 0x13}))

	frame, err := JSONCodec{}.Marshal(NewSeenMessage("a"))
	require.NoError(t, err)
	assert.Error(t, tr.simulateReceive("alice", frame), "codec mismatch")
}

func TestLoop_RateLimit(t *testing.T) {
	tr := newMockTransport()
	h := &recordingHandler{}
	NewLoop(LoopConfig{
		Transport: tr,
		Handler:   h,
		Logger:    zerolog.Nop(),
		RateLimit: 1,
		RateBurst: 1,
	})

	frame, err := CBORCodec{}.Marshal(NewSeenMessage("a"))
	require.NoError(t, err)
	assert.NoError(t, tr.simulateReceive("alice", frame))
	assert.Error(t, tr.simulateReceive("alice", frame))
}

func TestLoop_EndToEnd(t *testing.T) {
	defer goleak.VerifyNone(t)

	for _, codec := range []Codec{CBORCodec{}, JSONCodec{}} {
		t.Run(codec.Name(), func(t *testing.T) {
			serverDir, cleanup := testutil.TempDir(t)
			defer cleanup()
			clientDir, cleanup2 := testutil.TempDir(t)
			defer cleanup2()

			pipe := transport.NewPipe(64 * 1024)
			serverStore := blobstore.NewFSStore(serverDir)
			clientStore := blobstore.NewFSStore(clientDir)

			seen := &touchRecorder{}
			responder := NewResponder(ResponderConfig{
				Store:     serverStore,
				Transport: pipe.Endpoint("server"),
				Codec:     codec,
				Logger:    zerolog.Nop(),
				Seen:      seen,
			})
			serverLoop := NewLoop(LoopConfig{
				Transport: pipe.Endpoint("server"),
				Codec:     codec,
				Handler:   responder,
				Logger:    zerolog.Nop(),
			})

			var mu sync.Mutex
			var available []Handle
			var acks []AckPayload
			requester := NewRequester(RequesterConfig{
				Server:    "server",
				Store:     clientStore,
				Transport: pipe.Endpoint("client"),
				Codec:     codec,
				Logger:    zerolog.Nop(),
				Hooks: RequesterHooks{
					OnAvailable: func(id string, h Handle) {
						mu.Lock()
						defer mu.Unlock()
						available = append(available, h)
					},
					OnAck: func(ack AckPayload) {
						mu.Lock()
						defer mu.Unlock()
						acks = append(acks, ack)
					},
				},
			})
			clientLoop := NewLoop(LoopConfig{
				Transport: pipe.Endpoint("client"),
				Codec:     codec,
				Handler:   requester,
				Logger:    zerolog.Nop(),
			})

			stopServer := runLoop(t, serverLoop)
			defer stopServer()
			stopClient := runLoop(t, clientLoop)
			defer stopClient()

			ctx := context.Background()

			// Download.
			sunset := testutil.PNG(100000)
			require.NoError(t, serverStore.Write("sunset", sunset))
			requester.NoteWaiting("sunset", "viewer")
			require.NoError(t, requester.RequestIfMissing(ctx, "sunset"))

			testutil.Eventually(t, 2*time.Second, func() bool {
				mu.Lock()
				defer mu.Unlock()
				return len(available) == 1
			})
			got, err := clientStore.Read("sunset")
			require.NoError(t, err)
			assert.Equal(t, sunset, got)

			// Upload.
			mine := testutil.PNG(70000)
			require.NoError(t, clientStore.Write("mine", mine))
			require.NoError(t, requester.Upload(ctx, "mine"))

			testutil.Eventually(t, 2*time.Second, func() bool {
				mu.Lock()
				defer mu.Unlock()
				return len(acks) == 1
			})
			mu.Lock()
			assert.True(t, acks[0].OK)
			mu.Unlock()
			got, err = serverStore.Read("mine")
			require.NoError(t, err)
			assert.Equal(t, mine, got)

			// Missing blob.
			require.NoError(t, requester.RequestIfMissing(ctx, "ghost"))
			testutil.Eventually(t, 2*time.Second, func() bool {
				mu.Lock()
				defer mu.Unlock()
				return len(acks) == 2
			})
			mu.Lock()
			assert.False(t, acks[1].OK)
			mu.Unlock()
			assert.False(t, clientStore.Has("ghost"))
		})
	}
}
