package blobsync

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMalformedChunk is returned for chunks whose metadata is out of
	// protocol bounds or inconsistent with their payload.
	ErrMalformedChunk = errors.New("malformed chunk")

	// ErrCapacity is returned when a chunk would open a new transfer
	// beyond the tracker's limits.
	ErrCapacity = errors.New("too many in-flight transfers")
)

// ChunkCount returns the number of chunks needed for size bytes.
func ChunkCount(size int) int {
	return (size + ChunkSize - 1) / ChunkSize
}

// chunkLen returns the exact payload length of chunk index in a blob of
// totalSize bytes.
func chunkLen(totalSize, index int) int {
	return min(ChunkSize, totalSize-index*ChunkSize)
}

// Split cuts data into chunk payloads in index order. The payloads alias
// data; callers must not modify data until the chunks have been sent.
func Split(blobID string, data []byte, isUpload bool) []ChunkPayload {
	count := ChunkCount(len(data))
	chunks := make([]ChunkPayload, 0, count)
	for i := 0; i < count; i++ {
		offset := i * ChunkSize
		end := offset + chunkLen(len(data), i)
		chunks = append(chunks, ChunkPayload{
			BlobID:     blobID,
			TotalSize:  len(data),
			ChunkIndex: i,
			ChunkCount: count,
			Data:       data[offset:end:end],
			IsUpload:   isUpload,
		})
	}
	return chunks
}

// ValidateChunk checks a chunk's metadata against protocol bounds: a
// declared size within (0, MaxBytes], a chunk count within (0, MaxChunks]
// that matches the size, an index within the count, and a payload of
// exactly the length that index must carry.
func ValidateChunk(c *ChunkPayload) error {
	if c == nil {
		return fmt.Errorf("nil chunk: %w", ErrMalformedChunk)
	}
	if c.TotalSize <= 0 || c.TotalSize > MaxBytes {
		return fmt.Errorf("total size %d out of range: %w", c.TotalSize, ErrMalformedChunk)
	}
	if c.ChunkCount <= 0 || c.ChunkCount > MaxChunks {
		return fmt.Errorf("chunk count %d out of range: %w", c.ChunkCount, ErrMalformedChunk)
	}
	if c.ChunkCount != ChunkCount(c.TotalSize) {
		return fmt.Errorf("chunk count %d does not match total size %d: %w", c.ChunkCount, c.TotalSize, ErrMalformedChunk)
	}
	if c.ChunkIndex < 0 || c.ChunkIndex >= c.ChunkCount {
		return fmt.Errorf("chunk index %d out of range [0,%d): %w", c.ChunkIndex, c.ChunkCount, ErrMalformedChunk)
	}
	if want := chunkLen(c.TotalSize, c.ChunkIndex); len(c.Data) != want {
		return fmt.Errorf("chunk %d carries %d bytes, expected %d: %w", c.ChunkIndex, len(c.Data), want, ErrMalformedChunk)
	}
	return nil
}

// Assembly is the reassembly state of one in-flight transfer.
type Assembly struct {
	totalSize  int
	chunkCount int
	buf        []byte
	received   []bool
	count      int
	peer       string
	touched    time.Time
}

// NewAssembly allocates the buffer and receipt bitmap for a transfer of
// totalSize bytes.
func NewAssembly(totalSize int, now time.Time) *Assembly {
	n := ChunkCount(totalSize)
	return &Assembly{
		totalSize:  totalSize,
		chunkCount: n,
		buf:        make([]byte, totalSize),
		received:   make([]bool, n),
		touched:    now,
	}
}

// TotalSize returns the transfer's declared size.
func (a *Assembly) TotalSize() int { return a.totalSize }

// ChunkCount returns the transfer's chunk count.
func (a *Assembly) ChunkCount() int { return a.chunkCount }

// Received returns how many distinct chunks have been applied.
func (a *Assembly) Received() int { return a.count }

// LastTouched returns when the transfer last saw a chunk.
func (a *Assembly) LastTouched() time.Time { return a.touched }

// Complete reports whether every chunk has been applied.
func (a *Assembly) Complete() bool { return a.count == a.chunkCount }

// Bytes returns the reassembly buffer. Only meaningful once Complete.
func (a *Assembly) Bytes() []byte { return a.buf }

// Apply copies data into the buffer at index*ChunkSize and marks the
// index received. It reports false without copying when the index was
// already received, so retransmissions are harmless.
func (a *Assembly) Apply(index int, data []byte) (bool, error) {
	if index < 0 || index >= a.chunkCount {
		return false, fmt.Errorf("chunk index %d out of range [0,%d): %w", index, a.chunkCount, ErrMalformedChunk)
	}
	offset := index * ChunkSize
	if len(data) == 0 || offset+len(data) > a.totalSize {
		return false, fmt.Errorf("chunk %d of %d bytes overruns %d-byte buffer: %w", index, len(data), a.totalSize, ErrMalformedChunk)
	}
	if a.received[index] {
		return false, nil
	}

	copy(a.buf[offset:], data)
	a.received[index] = true
	a.count++
	return true, nil
}

func (a *Assembly) matches(c *ChunkPayload) bool {
	return a.totalSize == c.TotalSize && a.chunkCount == c.ChunkCount
}
