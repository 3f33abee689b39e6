// Package blobstore persists named image blobs on the local filesystem.
//
// Every blob is addressed by a normalized identifier: a trimmed name that
// always carries the canonical ".png" suffix. Identifiers compare
// case-insensitively, so "Sunset", "sunset.PNG" and " sunset.png " all
// name the same blob.
package blobstore

import "strings"

// Suffix is the canonical identifier suffix.
const Suffix = ".png"

// Normalize canonicalizes a user-supplied blob name. Empty or
// whitespace-only input yields the empty string, which callers treat as
// "no blob".
func Normalize(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	if !strings.HasSuffix(strings.ToLower(name), Suffix) {
		name += Suffix
	}
	return name
}

// Key returns the case-folded form of a normalized identifier, for use as
// a map key wherever identifiers must compare case-insensitively.
func Key(id string) string {
	return strings.ToLower(id)
}
