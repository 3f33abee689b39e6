package blobsync

import (
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/collodion/photosync/internal/blobstore"
)

// Progress describes what a chunk did to its transfer.
type Progress int

const (
	// ChunkApplied means the chunk was new and the transfer is still incomplete.
	ChunkApplied Progress = iota + 1

	// ChunkDuplicate means the chunk's index had already been received.
	ChunkDuplicate

	// TransferComplete means the chunk completed the transfer.
	TransferComplete

	// TransferRepeated means the chunk completed a transfer byte-identical
	// to one the tracker completed for the same key since the last prune.
	TransferRepeated
)

type transferKey struct {
	peer string
	blob string
}

// completion remembers a finished transfer until it is pruned.
type completion struct {
	totalSize int
	sum       uint64
	at        time.Time
}

// Tracker indexes in-flight transfers by (peer, blob). It is not safe for
// concurrent use; all access happens on the owning Loop's goroutine.
type Tracker struct {
	transfers    map[transferKey]*Assembly
	completed    map[transferKey]completion
	limit        int
	perPeerLimit int
}

// NewTracker creates a tracker holding at most limit transfers, and at
// most perPeerLimit per peer. Zero disables the respective bound.
func NewTracker(limit, perPeerLimit int) *Tracker {
	return &Tracker{
		transfers:    make(map[transferKey]*Assembly),
		completed:    make(map[transferKey]completion),
		limit:        limit,
		perPeerLimit: perPeerLimit,
	}
}

// Len returns the number of in-flight transfers.
func (t *Tracker) Len() int {
	return len(t.transfers)
}

// Idle reports whether the tracker holds neither in-flight transfers nor
// completion records.
func (t *Tracker) Idle() bool {
	return len(t.transfers) == 0 && len(t.completed) == 0
}

// Lookup returns the in-flight transfer for (peer, blobID), if any.
func (t *Tracker) Lookup(peer, blobID string) (*Assembly, bool) {
	a, ok := t.transfers[transferKey{peer: peer, blob: blobstore.Key(blobstore.Normalize(blobID))}]
	return a, ok
}

// Accept applies a chunk from peer. A chunk for an untracked key, or one
// whose declared size disagrees with the tracked transfer, starts a new
// transfer. When the chunk completes its transfer the transfer is removed
// and its buffer returned. The completed content is remembered until the
// next Prune past staleAfter, so a retransmission of the same bytes
// reports TransferRepeated instead of TransferComplete.
//
// Malformed chunks return ErrMalformedChunk and leave every transfer
// untouched. A chunk that would open a transfer beyond the limits returns
// ErrCapacity.
func (t *Tracker) Accept(peer string, c *ChunkPayload, now time.Time) (Progress, []byte, error) {
	if err := ValidateChunk(c); err != nil {
		return 0, nil, err
	}
	id := blobstore.Normalize(c.BlobID)
	if id == "" {
		return 0, nil, fmt.Errorf("empty blob id: %w", ErrMalformedChunk)
	}

	key := transferKey{peer: peer, blob: blobstore.Key(id)}
	a, ok := t.transfers[key]
	if !ok || !a.matches(c) {
		if !ok {
			if err := t.checkCapacity(peer); err != nil {
				return 0, nil, err
			}
		}
		a = NewAssembly(c.TotalSize, now)
		a.peer = peer
		t.transfers[key] = a
	}
	a.touched = now

	applied, err := a.Apply(c.ChunkIndex, c.Data)
	if err != nil {
		return 0, nil, err
	}
	if !applied {
		return ChunkDuplicate, nil, nil
	}
	if !a.Complete() {
		return ChunkApplied, nil, nil
	}

	delete(t.transfers, key)
	data := a.Bytes()
	done := completion{totalSize: len(data), sum: xxhash.Sum64(data), at: now}
	prev, seen := t.completed[key]
	t.completed[key] = done
	if seen && prev.totalSize == done.totalSize && prev.sum == done.sum {
		return TransferRepeated, data, nil
	}
	return TransferComplete, data, nil
}

func (t *Tracker) checkCapacity(peer string) error {
	if t.limit > 0 && len(t.transfers) >= t.limit {
		return fmt.Errorf("%d transfers tracked: %w", len(t.transfers), ErrCapacity)
	}
	if t.perPeerLimit > 0 {
		n := 0
		for _, a := range t.transfers {
			if a.peer == peer {
				n++
			}
		}
		if n >= t.perPeerLimit {
			return fmt.Errorf("peer %s has %d transfers: %w", peer, n, ErrCapacity)
		}
	}
	return nil
}

// Prune discards transfers idle for longer than staleAfter and returns
// how many were removed. Completion records older than staleAfter are
// dropped too but not counted.
func (t *Tracker) Prune(now time.Time, staleAfter time.Duration) int {
	for key, c := range t.completed {
		if now.Sub(c.at) > staleAfter {
			delete(t.completed, key)
		}
	}

	removed := 0
	for key, a := range t.transfers {
		if now.Sub(a.touched) > staleAfter {
			delete(t.transfers, key)
			removed++
		}
	}
	return removed
}
