package blobsync

import (
	"bytes"
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/collodion/photosync/internal/blobstore"
	"github.com/collodion/photosync/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type requesterFixture struct {
	r         *Requester
	transport *mockTransport
	store     *blobstore.FSStore
	clock     *fakeClock

	arrived  []string
	notified map[Handle]int
	acks     []AckPayload
}

func newRequesterFixture(t *testing.T, seenInterval time.Duration) *requesterFixture {
	t.Helper()
	dir, cleanup := testutil.TempDir(t)
	t.Cleanup(cleanup)

	f := &requesterFixture{
		transport: newMockTransport(),
		store:     blobstore.NewFSStore(dir),
		clock:     newFakeClock(),
		notified:  make(map[Handle]int),
	}
	f.r = NewRequester(RequesterConfig{
		Server:       "server",
		Store:        f.store,
		Transport:    f.transport,
		Logger:       zerolog.Nop(),
		SeenInterval: seenInterval,
		Now:          f.clock.Now,
		Hooks: RequesterHooks{
			OnArrived:   func(id string) { f.arrived = append(f.arrived, id) },
			OnAvailable: func(id string, h Handle) { f.notified[h]++ },
			OnAck:       func(ack AckPayload) { f.acks = append(f.acks, ack) },
		},
	})
	return f
}

func TestRequester_RequestIfMissing(t *testing.T) {
	f := newRequesterFixture(t, 0)
	ctx := context.Background()

	require.NoError(t, f.r.RequestIfMissing(ctx, "sunset"))
	msgs := f.transport.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, MessageTypeFetchRequest, msgs[0].Type)
	assert.Equal(t, "sunset.png", msgs[0].Fetch.BlobID)
	assert.Equal(t, []string{"server"}, f.transport.peers())

	// Repeats within the window are suppressed, whatever the spelling.
	f.clock.Advance(time.Second)
	require.NoError(t, f.r.RequestIfMissing(ctx, "Sunset.png"))
	assert.Len(t, f.transport.messages(t), 1)

	f.clock.Advance(time.Second)
	require.NoError(t, f.r.RequestIfMissing(ctx, "sunset"))
	assert.Len(t, f.transport.messages(t), 2)
}

func TestRequester_RequestIfMissing_NoOps(t *testing.T) {
	f := newRequesterFixture(t, 0)
	ctx := context.Background()

	require.NoError(t, f.r.RequestIfMissing(ctx, ""))
	require.NoError(t, f.r.RequestIfMissing(ctx, "   "))

	require.NoError(t, f.store.Write("local", testutil.PNG(100)))
	require.NoError(t, f.r.RequestIfMissing(ctx, "LOCAL"))

	assert.Empty(t, f.transport.messages(t))
}

func TestRequester_RequestIfMissing_SendFailureStillThrottles(t *testing.T) {
	f := newRequesterFixture(t, 0)
	ctx := context.Background()

	f.transport.sendErr = errors.New("connection reset")
	assert.Error(t, f.r.RequestIfMissing(ctx, "sunset"))

	f.transport.sendErr = nil
	require.NoError(t, f.r.RequestIfMissing(ctx, "sunset"))
	assert.Empty(t, f.transport.messages(t))
}

func TestRequester_SunsetDownload(t *testing.T) {
	f := newRequesterFixture(t, 0)
	ctx := context.Background()

	f.r.NoteWaiting("sunset", "viewer-1")
	f.r.NoteWaiting("SUNSET.png", "viewer-1")
	f.r.NoteWaiting("sunset", "viewer-2")
	assert.Equal(t, 2, f.r.Waiting("sunset"))

	data := testutil.PNG(100000)
	msgs := chunkMessages("sunset.png", data, false)
	require.Len(t, msgs, 5)

	order := []int{2, 0, 2, 4, 1, 3}
	for i, idx := range order {
		require.NoError(t, f.r.HandleMessage(ctx, "server", msgs[idx]))
		if i < len(order)-1 {
			assert.False(t, f.store.Has("sunset"), "blob must not be stored before the last chunk")
			assert.Empty(t, f.arrived)
		}
	}

	got, err := f.store.Read("sunset")
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, []string{"sunset.png"}, f.arrived)
	assert.Equal(t, map[Handle]int{"viewer-1": 1, "viewer-2": 1}, f.notified)
	assert.Equal(t, 0, f.r.Waiting("sunset"))
	assert.Equal(t, 0, f.r.Inflight())
}

func TestRequester_LateDuplicateIsSwept(t *testing.T) {
	f := newRequesterFixture(t, 0)
	ctx := context.Background()
	msgs := chunkMessages("a.png", testutil.PNG(2*ChunkSize), false)

	for _, m := range msgs {
		require.NoError(t, f.r.HandleMessage(ctx, "server", m))
	}
	require.NoError(t, f.r.HandleMessage(ctx, "server", msgs[0]))
	assert.Equal(t, 1, f.r.Inflight())
	assert.Len(t, f.arrived, 1)

	f.clock.Advance(DefaultStaleAfter + time.Second)
	assert.Equal(t, 1, f.r.Sweep(f.clock.Now()))
	assert.Equal(t, 0, f.r.Inflight())
}

func TestRequester_RetransmittedSmallBlobArrivesOnce(t *testing.T) {
	f := newRequesterFixture(t, 0)
	ctx := context.Background()
	f.r.NoteWaiting("small", "viewer")
	msg := chunkMessages("small.png", testutil.PNG(500), false)[0]

	require.NoError(t, f.r.HandleMessage(ctx, "server", msg))
	require.NoError(t, f.r.HandleMessage(ctx, "server", msg))
	assert.Equal(t, []string{"small.png"}, f.arrived)
	assert.Equal(t, map[Handle]int{"viewer": 1}, f.notified)

	// Once the local copy is gone the same bytes are stored again.
	path, err := f.store.Path("small")
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))
	require.NoError(t, f.r.HandleMessage(ctx, "server", msg))
	assert.True(t, f.store.Has("small"))
	assert.Equal(t, []string{"small.png", "small.png"}, f.arrived)
}

func TestRequester_RejectsNonPNG(t *testing.T) {
	f := newRequesterFixture(t, 0)
	ctx := context.Background()
	f.r.NoteWaiting("fake", "viewer")

	data := bytes.Repeat([]byte("x"), 30000)
	msgs := chunkMessages("fake.png", data, false)
	require.NoError(t, f.r.HandleMessage(ctx, "server", msgs[0]))
	err := f.r.HandleMessage(ctx, "server", msgs[1])
	assert.ErrorIs(t, err, blobstore.ErrInvalidSignature)

	assert.False(t, f.store.Has("fake"))
	assert.Empty(t, f.arrived)
	assert.Empty(t, f.notified)
	assert.Equal(t, 1, f.r.Waiting("fake"), "waiters stay registered for a later valid arrival")
	assert.Equal(t, 0, f.r.Inflight())
}

func TestRequester_IgnoresUploadChunks(t *testing.T) {
	f := newRequesterFixture(t, 0)
	msgs := chunkMessages("a.png", testutil.PNG(100), true)

	require.NoError(t, f.r.HandleMessage(context.Background(), "server", msgs[0]))
	assert.False(t, f.store.Has("a"))
	assert.Equal(t, 0, f.r.Inflight())
}

func TestRequester_MalformedChunk(t *testing.T) {
	f := newRequesterFixture(t, 0)
	msg := chunkMessages("a.png", testutil.PNG(100), false)[0]
	msg.Chunk.TotalSize = MaxBytes + 1

	err := f.r.HandleMessage(context.Background(), "server", msg)
	assert.ErrorIs(t, err, ErrMalformedChunk)
	assert.Equal(t, 0, f.r.Inflight())
}

func TestRequester_Acks(t *testing.T) {
	f := newRequesterFixture(t, 0)
	ctx := context.Background()

	require.NoError(t, f.r.HandleMessage(ctx, "server", NewAckMessage("a.png", true, "")))
	require.NoError(t, f.r.HandleMessage(ctx, "server", NewAckMessage("b.png", false, notPresentOnServerMessage)))

	require.Len(t, f.acks, 2)
	assert.True(t, f.acks[0].OK)
	assert.False(t, f.acks[1].OK)
	assert.Equal(t, notPresentOnServerMessage, f.acks[1].Error)
}

func TestRequester_OnBlobArrived(t *testing.T) {
	f := newRequesterFixture(t, 0)

	f.r.OnBlobArrived("nobody-waits")
	assert.Equal(t, []string{"nobody-waits.png"}, f.arrived)
	assert.Empty(t, f.notified)

	f.r.NoteWaiting("x", "h")
	f.r.OnBlobArrived("X.png")
	f.r.OnBlobArrived("x")
	assert.Equal(t, map[Handle]int{"h": 1}, f.notified)
}

func TestRequester_Upload(t *testing.T) {
	f := newRequesterFixture(t, 0)
	ctx := context.Background()
	data := testutil.PNG(50000)
	require.NoError(t, f.store.Write("mine", data))

	require.NoError(t, f.r.Upload(ctx, "Mine"))

	msgs := f.transport.messages(t)
	require.Len(t, msgs, 3)
	var joined []byte
	for i, m := range msgs {
		require.Equal(t, MessageTypeChunk, m.Type)
		assert.True(t, m.Chunk.IsUpload)
		assert.Equal(t, "Mine.png", m.Chunk.BlobID)
		assert.Equal(t, i, m.Chunk.ChunkIndex)
		joined = append(joined, m.Chunk.Data...)
	}
	assert.Equal(t, data, joined)
	assert.Equal(t, []string{"server", "server", "server"}, f.transport.peers())

	assert.ErrorIs(t, f.r.Upload(ctx, "missing"), blobstore.ErrNotFound)
}

func TestRequester_NoteSeen(t *testing.T) {
	f := newRequesterFixture(t, 5*time.Minute)
	ctx := context.Background()

	require.NoError(t, f.r.NoteSeen(ctx, "sunset"))
	require.NoError(t, f.r.NoteSeen(ctx, "sunset"))
	msgs := f.transport.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, MessageTypeSeen, msgs[0].Type)
	assert.Equal(t, "sunset.png", msgs[0].Seen.BlobID)

	f.clock.Advance(5 * time.Minute)
	require.NoError(t, f.r.NoteSeen(ctx, "sunset"))
	assert.Len(t, f.transport.messages(t), 2)
}

func TestRequester_NoteSeenDisabled(t *testing.T) {
	f := newRequesterFixture(t, 0)

	require.NoError(t, f.r.NoteSeen(context.Background(), "sunset"))
	assert.Empty(t, f.transport.messages(t))
}
