package blobsync

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/collodion/photosync/internal/transport"
	"github.com/stretchr/testify/require"
)

type sentFrame struct {
	peer string
	data []byte
}

// mockTransport implements transport.Transport for testing.
type mockTransport struct {
	mu      sync.Mutex
	sent    []sentFrame
	handler transport.Handler
	sendErr error // If set, Send returns this error
}

func newMockTransport() *mockTransport {
	return &mockTransport{}
}

func (m *mockTransport) Send(ctx context.Context, peer string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, sentFrame{peer: peer, data: append([]byte(nil), data...)})
	return nil
}

func (m *mockTransport) RegisterHandler(handler transport.Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
}

func (m *mockTransport) simulateReceive(from string, data []byte) error {
	m.mu.Lock()
	handler := m.handler
	m.mu.Unlock()
	if handler == nil {
		return fmt.Errorf("no handler registered")
	}
	return handler(from, data)
}

// messages decodes every frame sent so far.
func (m *mockTransport) messages(t *testing.T) []*Message {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()

	msgs := make([]*Message, 0, len(m.sent))
	for _, f := range m.sent {
		msg, err := CBORCodec{}.Unmarshal(f.data)
		require.NoError(t, err)
		msgs = append(msgs, msg)
	}
	return msgs
}

func (m *mockTransport) peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	peers := make([]string, 0, len(m.sent))
	for _, f := range m.sent {
		peers = append(peers, f.peer)
	}
	return peers
}

func (m *mockTransport) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// touchRecorder implements Toucher.
type touchRecorder struct {
	mu      sync.Mutex
	touched []string
}

func (r *touchRecorder) Touch(blobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touched = append(r.touched, blobID)
}

func (r *touchRecorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.touched...)
}

// chunkMessages splits data into chunk messages.
func chunkMessages(blobID string, data []byte, isUpload bool) []*Message {
	chunks := Split(blobID, data, isUpload)
	msgs := make([]*Message, len(chunks))
	for i, c := range chunks {
		msgs[i] = NewChunkMessage(c)
	}
	return msgs
}
