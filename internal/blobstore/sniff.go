package blobstore

import (
	"errors"
	"fmt"
)

// MaxBytes is the largest blob the store accepts. 2 MiB is plenty for a
// 512x512 PNG.
const MaxBytes = 2 * 1024 * 1024

// minPNGSize is the length of the full PNG signature; anything shorter
// cannot be a PNG even if its first bytes match.
const minPNGSize = 8

var pngMagic = [4]byte{0x89, 'P', 'N', 'G'}

var (
	// ErrEmpty is returned for zero-length blobs.
	ErrEmpty = errors.New("blob is empty")

	// ErrTooLarge is returned for blobs above MaxBytes.
	ErrTooLarge = errors.New("blob too large")

	// ErrInvalidSignature is returned when a blob does not start with the PNG signature.
	ErrInvalidSignature = errors.New("invalid PNG")
)

// IsPNG reports whether data starts with the PNG signature.
func IsPNG(data []byte) bool {
	if len(data) < minPNGSize {
		return false
	}
	return data[0] == pngMagic[0] && data[1] == pngMagic[1] && data[2] == pngMagic[2] && data[3] == pngMagic[3]
}

// Validate checks that data is an acceptable blob: non-empty, within
// MaxBytes, and PNG-signed.
func Validate(data []byte) error {
	if len(data) == 0 {
		return ErrEmpty
	}
	if len(data) > MaxBytes {
		return fmt.Errorf("%d bytes exceeds %d: %w", len(data), MaxBytes, ErrTooLarge)
	}
	if !IsPNG(data) {
		return ErrInvalidSignature
	}
	return nil
}
