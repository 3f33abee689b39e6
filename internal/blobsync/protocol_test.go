package blobsync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessages(t *testing.T) {
	msgs := []*Message{
		NewFetchRequestMessage("sunset.png"),
		NewChunkMessage(ChunkPayload{BlobID: "sunset.png", TotalSize: 1, ChunkCount: 1, Data: []byte{1}}),
		NewAckMessage("sunset.png", true, "ignored"),
		NewSeenMessage("sunset.png"),
	}
	wantTypes := []MessageType{MessageTypeFetchRequest, MessageTypeChunk, MessageTypeAck, MessageTypeSeen}

	ids := make(map[string]bool)
	for i, msg := range msgs {
		assert.Equal(t, ProtocolVersion, msg.Version)
		assert.Equal(t, wantTypes[i], msg.Type)
		assert.NotEmpty(t, msg.ID)
		assert.False(t, ids[msg.ID], "message IDs should be unique")
		ids[msg.ID] = true
		assert.NoError(t, msg.Validate())
	}

	assert.Empty(t, msgs[2].Ack.Error, "positive acks carry no error text")
	assert.Equal(t, "nope", NewAckMessage("a", false, "nope").Ack.Error)
}

func TestMessageValidate(t *testing.T) {
	t.Run("version zero is accepted", func(t *testing.T) {
		msg := NewSeenMessage("a")
		msg.Version = 0
		require.NoError(t, msg.Validate())
		assert.Equal(t, ProtocolVersion, msg.Version)
	})

	t.Run("future version is rejected", func(t *testing.T) {
		msg := NewSeenMessage("a")
		msg.Version = ProtocolVersion + 1
		assert.Error(t, msg.Validate())
	})

	t.Run("missing payload", func(t *testing.T) {
		msg := NewSeenMessage("a")
		msg.Seen = nil
		assert.Error(t, msg.Validate())
	})

	t.Run("two payloads", func(t *testing.T) {
		msg := NewSeenMessage("a")
		msg.Fetch = &FetchRequestPayload{BlobID: "a"}
		assert.Error(t, msg.Validate())
	})

	t.Run("payload does not match type", func(t *testing.T) {
		msg := NewSeenMessage("a")
		msg.Type = MessageTypeAck
		assert.Error(t, msg.Validate())
	})

	t.Run("unknown type", func(t *testing.T) {
		msg := NewSeenMessage("a")
		msg.Type = "gossip"
		assert.Error(t, msg.Validate())
	})
}

func TestCodecRoundTrip(t *testing.T) {
	data := make([]byte, ChunkSize)
	for i := range data {
		data[i] = byte(i)
	}
	msg := NewChunkMessage(ChunkPayload{
		BlobID:     "sunset.png",
		TotalSize:  3 * ChunkSize,
		ChunkIndex: 1,
		ChunkCount: 3,
		Data:       data,
		IsUpload:   true,
	})

	for _, codec := range []Codec{CBORCodec{}, JSONCodec{}} {
		t.Run(codec.Name(), func(t *testing.T) {
			frame, err := codec.Marshal(msg)
			require.NoError(t, err)

			got, err := codec.Unmarshal(frame)
			require.NoError(t, err)
			assert.Equal(t, msg, got)
		})
	}
}

func TestCBORCodec_FrameOverhead(t *testing.T) {
	msg := NewChunkMessage(ChunkPayload{
		BlobID:     "a-fairly-long-photo-identifier-for-overhead.png",
		TotalSize:  MaxBytes,
		ChunkIndex: MaxChunks - 1,
		ChunkCount: MaxChunks,
		Data:       make([]byte, ChunkSize),
	})

	frame, err := CBORCodec{}.Marshal(msg)
	require.NoError(t, err)
	assert.Less(t, len(frame), ChunkSize+512, "a full chunk should fit a 32 KiB frame")
}

func TestCodec_RejectsInvalid(t *testing.T) {
	for _, codec := range []Codec{CBORCodec{}, JSONCodec{}} {
		t.Run(codec.Name(), func(t *testing.T) {
			_, err := codec.Unmarshal([]byte("definitely not a message"))
			assert.Error(t, err)

			bad := NewSeenMessage("a")
			bad.Type = MessageTypeFetchRequest
			frame, err := codec.Marshal(bad)
			require.NoError(t, err)
			_, err = codec.Unmarshal(frame)
			assert.Error(t, err, "envelope validation runs on decode")
		})
	}
}

func TestCodecByName(t *testing.T) {
	c, err := CodecByName("")
	require.NoError(t, err)
	assert.Equal(t, CodecCBOR, c.Name())

	c, err = CodecByName(CodecJSON)
	require.NoError(t, err)
	assert.Equal(t, CodecJSON, c.Name())

	_, err = CodecByName("protobuf")
	assert.Error(t, err)
}
