// Package blobsync implements the chunked blob transfer protocol between a
// requesting peer and a serving peer.
//
// Blobs are split into fixed-size chunks, sent as independent messages,
// and reassembled exactly once on the receiving side regardless of
// reordering or duplication. The requesting side fetches missing blobs
// and pushes blobs it created; the serving side answers fetches, accepts
// uploads and prunes abandoned uploads.
package blobsync

import (
	"fmt"

	"github.com/collodion/photosync/internal/blobstore"
	"github.com/google/uuid"
)

// ProtocolVersion is the current blob transfer protocol version.
const ProtocolVersion = 1

// Wire constants both peers agree on without negotiation.
const (
	// ChunkSize is the payload size of every chunk but the last.
	ChunkSize = 24 * 1024

	// MaxChunks bounds the chunk count a transfer may declare.
	MaxChunks = 4096

	// MaxBytes bounds the total size a transfer may declare.
	MaxBytes = blobstore.MaxBytes
)

// MessageType identifies the variant carried by a Message.
type MessageType string

const (
	// MessageTypeFetchRequest asks the serving peer for a blob.
	MessageTypeFetchRequest MessageType = "fetch_request"

	// MessageTypeChunk carries one chunk of a download or an upload.
	MessageTypeChunk MessageType = "chunk"

	// MessageTypeAck reports the outcome of a fetch or upload.
	MessageTypeAck MessageType = "ack"

	// MessageTypeSeen tells the serving peer a blob is still in use.
	MessageTypeSeen MessageType = "seen"
)

// Message is the envelope for all protocol messages. Exactly one payload
// field is set, and it must match Type.
type Message struct {
	Version int         `json:"version"`
	Type    MessageType `json:"type"`
	ID      string      `json:"id"`

	Fetch *FetchRequestPayload `json:"fetch,omitempty"`
	Chunk *ChunkPayload        `json:"chunk,omitempty"`
	Ack   *AckPayload          `json:"ack,omitempty"`
	Seen  *SeenPayload         `json:"seen,omitempty"`
}

// FetchRequestPayload names the blob the requester wants.
type FetchRequestPayload struct {
	BlobID string `json:"blob_id"`
}

// ChunkPayload is one slice of a blob plus its position metadata.
// IsUpload is true for requester→server chunks and false for
// server→requester chunks; each side ignores the direction it does not
// expect to receive.
type ChunkPayload struct {
	BlobID     string `json:"blob_id"`
	TotalSize  int    `json:"total_size"`
	ChunkIndex int    `json:"chunk_index"`
	ChunkCount int    `json:"chunk_count"`
	Data       []byte `json:"data"`
	IsUpload   bool   `json:"is_upload"`
}

// AckPayload reports whether an inbound transfer was stored.
type AckPayload struct {
	BlobID string `json:"blob_id"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}

// SeenPayload names a blob the requester is still displaying.
type SeenPayload struct {
	BlobID string `json:"blob_id"`
}

func newMessage(t MessageType) *Message {
	return &Message{
		Version: ProtocolVersion,
		Type:    t,
		ID:      uuid.New().String(),
	}
}

// NewFetchRequestMessage creates a fetch request for blobID.
func NewFetchRequestMessage(blobID string) *Message {
	msg := newMessage(MessageTypeFetchRequest)
	msg.Fetch = &FetchRequestPayload{BlobID: blobID}
	return msg
}

// NewChunkMessage wraps a chunk payload.
func NewChunkMessage(payload ChunkPayload) *Message {
	msg := newMessage(MessageTypeChunk)
	msg.Chunk = &payload
	return msg
}

// NewAckMessage creates an acknowledgment. errText is ignored when ok is true.
func NewAckMessage(blobID string, ok bool, errText string) *Message {
	msg := newMessage(MessageTypeAck)
	if ok {
		errText = ""
	}
	msg.Ack = &AckPayload{BlobID: blobID, OK: ok, Error: errText}
	return msg
}

// NewSeenMessage creates a seen notice for blobID.
func NewSeenMessage(blobID string) *Message {
	msg := newMessage(MessageTypeSeen)
	msg.Seen = &SeenPayload{BlobID: blobID}
	return msg
}

// Validate checks the envelope: supported version, known type, and
// exactly one payload matching the type.
func (m *Message) Validate() error {
	// Version 0 is treated as version 1: peers that omit the field predate versioning.
	if m.Version == 0 {
		m.Version = ProtocolVersion
	}
	if m.Version != ProtocolVersion {
		return fmt.Errorf("incompatible protocol version: got %d, expected %d", m.Version, ProtocolVersion)
	}

	set := 0
	for _, present := range []bool{m.Fetch != nil, m.Chunk != nil, m.Ack != nil, m.Seen != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("message %s carries %d payloads, expected 1", m.Type, set)
	}

	var ok bool
	switch m.Type {
	case MessageTypeFetchRequest:
		ok = m.Fetch != nil
	case MessageTypeChunk:
		ok = m.Chunk != nil
	case MessageTypeAck:
		ok = m.Ack != nil
	case MessageTypeSeen:
		ok = m.Seen != nil
	default:
		return fmt.Errorf("unknown message type: %q", m.Type)
	}
	if !ok {
		return fmt.Errorf("message type is %s but payload does not match", m.Type)
	}
	return nil
}
