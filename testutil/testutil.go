// Package testutil provides shared test helpers and fixtures for photosync tests.
package testutil

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TempDir creates a temporary directory for testing and returns a cleanup function.
func TempDir(t *testing.T) (string, func()) {
	t.Helper()
	dir, err := os.MkdirTemp("", "photosync-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	return dir, func() {
		_ = os.RemoveAll(dir)
	}
}

// TempFile creates a file with the given content and returns its path.
func TempFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

// PNG returns size bytes that pass the PNG signature sniff. The body
// after the 8-byte signature is deterministic pseudo-random filler so
// that misplaced chunks are detectable.
func PNG(size int) []byte {
	sig := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}
	if size < len(sig) {
		panic(fmt.Sprintf("testutil.PNG: size %d below signature length", size))
	}
	buf := make([]byte, size)
	copy(buf, sig)
	rng := rand.New(rand.NewSource(int64(size)))
	_, _ = rng.Read(buf[len(sig):])
	return buf
}

// WaitFor polls condition every interval until it returns true or ctx is done.
func WaitFor(ctx context.Context, interval time.Duration, condition func() bool) error {
	if condition() {
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waitFor: %w", ctx.Err())
		case <-ticker.C:
			if condition() {
				return nil
			}
		}
	}
}

// Eventually waits up to timeout for condition, failing the test otherwise.
func Eventually(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := WaitFor(ctx, 5*time.Millisecond, condition); err != nil {
		t.Fatalf("condition not met: %v", err)
	}
}
