// Package seen keeps the serving peer's last-seen index: for each blob,
// the last time it was served, uploaded, or reported in use by a
// requester. The index is persisted as a single JSON file.
package seen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/collodion/photosync/internal/blobstore"
	"github.com/rs/zerolog"
)

const fileVersion = 1

// DefaultMaxEntries caps the index when Config.MaxEntries is zero.
const DefaultMaxEntries = 100000

// Config holds configuration for an Index.
type Config struct {
	Path       string // index file; empty keeps the index in memory only
	MaxEntries int
	Logger     zerolog.Logger
	Now        func() time.Time
}

type indexFile struct {
	Version  int              `json:"version"`
	LastSeen map[string]int64 `json:"last_seen"`
}

// Index maps blob identifiers to their last-seen Unix time. It is safe
// for concurrent use.
type Index struct {
	path       string
	maxEntries int
	logger     zerolog.Logger
	now        func() time.Time

	mu      sync.Mutex
	entries map[string]int64
	dirty   bool
}

// New creates an empty index. Call Load to read the persisted state.
func New(cfg Config) *Index {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Index{
		path:       cfg.Path,
		maxEntries: cfg.MaxEntries,
		logger:     cfg.Logger.With().Str("component", "seen-index").Logger(),
		now:        cfg.Now,
		entries:    make(map[string]int64),
	}
}

func key(id string) string {
	return blobstore.Key(blobstore.Normalize(id))
}

// Touch records that the blob was seen now.
func (x *Index) Touch(id string) {
	k := key(id)
	if k == "" {
		return
	}
	ts := x.now().Unix()

	x.mu.Lock()
	defer x.mu.Unlock()
	x.entries[k] = ts
	x.dirty = true
}

// LastSeen returns when the blob was last seen.
func (x *Index) LastSeen(id string) (time.Time, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()

	ts, ok := x.entries[key(id)]
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(ts, 0), true
}

// OlderThan returns the identifiers last seen before cutoff, sorted.
func (x *Index) OlderThan(cutoff time.Time) []string {
	limit := cutoff.Unix()

	x.mu.Lock()
	var ids []string
	for k, ts := range x.entries {
		if ts < limit {
			ids = append(ids, k)
		}
	}
	x.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// Len returns the number of indexed blobs.
func (x *Index) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.entries)
}

// Dirty reports whether the index changed since the last Load or Flush.
func (x *Index) Dirty() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.dirty
}

// Load replaces the in-memory index with the persisted one. A missing
// file yields an empty index.
func (x *Index) Load() error {
	if x.path == "" {
		return nil
	}
	data, err := os.ReadFile(x.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read seen index: %w", err)
	}

	var f indexFile
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse seen index: %w", err)
	}
	if f.Version > fileVersion {
		return fmt.Errorf("seen index version %d not supported", f.Version)
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	x.entries = make(map[string]int64, len(f.LastSeen))
	for k, ts := range f.LastSeen {
		x.entries[k] = ts
	}
	dropped := x.clamp()
	x.dirty = dropped > 0
	if dropped > 0 {
		x.logger.Debug().Int("dropped", dropped).Msg("Clamped loaded seen index")
	}
	return nil
}

// Flush writes the index if it changed. The file is replaced whole; on
// failure the index stays dirty so the next Flush retries.
func (x *Index) Flush() error {
	x.mu.Lock()
	if !x.dirty || x.path == "" {
		x.mu.Unlock()
		return nil
	}
	x.clamp()
	f := indexFile{Version: fileVersion, LastSeen: make(map[string]int64, len(x.entries))}
	for k, ts := range x.entries {
		f.LastSeen[k] = ts
	}
	x.dirty = false
	x.mu.Unlock()

	data, err := json.MarshalIndent(f, "", "  ")
	if err == nil {
		err = writeFileAtomic(x.path, data)
	}
	if err != nil {
		x.mu.Lock()
		x.dirty = true
		x.mu.Unlock()
		return fmt.Errorf("flush seen index: %w", err)
	}
	return nil
}

// Run flushes the index every interval until ctx is cancelled, then
// flushes once more.
func (x *Index) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := x.Flush(); err != nil {
				x.logger.Warn().Err(err).Msg("Final seen index flush failed")
			}
			return
		case <-ticker.C:
			if err := x.Flush(); err != nil {
				x.logger.Warn().Err(err).Msg("Seen index flush failed")
			}
		}
	}
}

// clamp drops entries with invalid keys or timestamps, then evicts the
// oldest entries beyond maxEntries. Callers hold mu.
func (x *Index) clamp() int {
	dropped := 0
	for k, ts := range x.entries {
		if ts <= 0 || k == "" || key(k) != k || strings.ContainsAny(k, `/\`) {
			delete(x.entries, k)
			dropped++
		}
	}

	excess := len(x.entries) - x.maxEntries
	if excess <= 0 {
		return dropped
	}
	keys := make([]string, 0, len(x.entries))
	for k := range x.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := x.entries[keys[i]], x.entries[keys[j]]
		if a != b {
			return a < b
		}
		return keys[i] < keys[j]
	})
	for _, k := range keys[:excess] {
		delete(x.entries, k)
	}
	return dropped + excess
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".seen-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}
