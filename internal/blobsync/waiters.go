package blobsync

import (
	"sync"

	"github.com/collodion/photosync/internal/blobstore"
)

// WaitRegistry maps blob identifiers to the set of subscribers waiting
// for them. It is safe for concurrent use: consumers register from their
// own goroutines while the protocol loop takes sets on arrival.
type WaitRegistry[H comparable] struct {
	mu      sync.Mutex
	waiting map[string]map[H]struct{}
}

// NewWaitRegistry creates an empty registry.
func NewWaitRegistry[H comparable]() *WaitRegistry[H] {
	return &WaitRegistry[H]{
		waiting: make(map[string]map[H]struct{}),
	}
}

// Add registers handle under blobID. Registering an existing pair is a
// no-op; Add reports whether the pair was new.
func (w *WaitRegistry[H]) Add(blobID string, handle H) bool {
	key := blobstore.Key(blobID)

	w.mu.Lock()
	defer w.mu.Unlock()

	set, ok := w.waiting[key]
	if !ok {
		set = make(map[H]struct{})
		w.waiting[key] = set
	}
	if _, dup := set[handle]; dup {
		return false
	}
	set[handle] = struct{}{}
	return true
}

// Take atomically removes and returns every handle waiting on blobID.
func (w *WaitRegistry[H]) Take(blobID string) []H {
	key := blobstore.Key(blobID)

	w.mu.Lock()
	set, ok := w.waiting[key]
	delete(w.waiting, key)
	w.mu.Unlock()

	if !ok {
		return nil
	}
	handles := make([]H, 0, len(set))
	for h := range set {
		handles = append(handles, h)
	}
	return handles
}

// Waiting returns how many handles are registered under blobID.
func (w *WaitRegistry[H]) Waiting(blobID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.waiting[blobstore.Key(blobID)])
}
