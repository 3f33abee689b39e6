package blobsync

import (
	"sync"
	"time"

	"github.com/collodion/photosync/internal/blobstore"
)

// Throttle suppresses repeat actions for the same blob within a window.
// Entries are never cleared; their number is bounded by the distinct
// blobs seen in a session.
type Throttle struct {
	mu     sync.Mutex
	window time.Duration
	last   map[string]time.Time
	now    func() time.Time
}

// NewThrottle creates a throttle with the given window. now defaults to time.Now.
func NewThrottle(window time.Duration, now func() time.Time) *Throttle {
	if now == nil {
		now = time.Now
	}
	return &Throttle{
		window: window,
		last:   make(map[string]time.Time),
		now:    now,
	}
}

// Allow reports whether an action for blobID may proceed, and if so
// records the attempt time. Suppressed attempts do not extend the window.
func (t *Throttle) Allow(blobID string) bool {
	key := blobstore.Key(blobID)
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if last, ok := t.last[key]; ok && now.Sub(last) < t.window {
		return false
	}
	t.last[key] = now
	return true
}
