package blobsync

import (
	"time"

	"github.com/collodion/photosync/internal/metrics"
	"github.com/rs/zerolog"
)

// Janitor discards transfers that stopped receiving chunks.
type Janitor struct {
	tracker    *Tracker
	staleAfter time.Duration
	logger     zerolog.Logger
	metrics    *metrics.SyncMetrics
}

// NewJanitor creates a janitor for tracker. Transfers idle for longer
// than staleAfter are pruned on each Sweep.
func NewJanitor(tracker *Tracker, staleAfter time.Duration, logger zerolog.Logger, m *metrics.SyncMetrics) *Janitor {
	return &Janitor{
		tracker:    tracker,
		staleAfter: staleAfter,
		logger:     logger.With().Str("component", "janitor").Logger(),
		metrics:    m,
	}
}

// Sweep prunes stale transfers and returns how many were removed.
func (j *Janitor) Sweep(now time.Time) int {
	if j.tracker.Idle() {
		return 0
	}
	removed := j.tracker.Prune(now, j.staleAfter)
	if removed == 0 {
		return 0
	}

	j.metrics.TransfersPruned.Add(float64(removed))
	j.metrics.InflightTransfers.Set(float64(j.tracker.Len()))
	j.logger.Debug().
		Int("removed", removed).
		Int("remaining", j.tracker.Len()).
		Msg("Pruned stale transfers")
	return removed
}
