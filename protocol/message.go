package protocol

import (
	"time"

	"github.com/opd-ai/chunkstream/chunk"
)

// MessageType identifies a control message on the wire.
type MessageType uint8

const (
	// MsgMeta announces a file's metadata to the receiver.
	MsgMeta MessageType = iota
	// MsgBitfield carries one side's presence bitmap during the resume
	// handshake.
	MsgBitfield
	// MsgRequest asks the sender to stream an inclusive chunk range.
	MsgRequest
	// MsgChunk carries one chunk's payload.
	MsgChunk
	// MsgAck acknowledges receipt of one chunk.
	MsgAck
	// MsgNeed asks the sender to re-push ranges that were in flight
	// before a pause and are still missing.
	MsgNeed
	// MsgEnd signals the orderly end of a transfer.
	MsgEnd
	// MsgError reports a protocol-level failure to the peer.
	MsgError
)

// String returns a human-readable name for the message type.
func (t MessageType) String() string {
	switch t {
	case MsgMeta:
		return "META"
	case MsgBitfield:
		return "BITFIELD"
	case MsgRequest:
		return "REQUEST"
	case MsgChunk:
		return "CHUNK"
	case MsgAck:
		return "ACK"
	case MsgNeed:
		return "NEED"
	case MsgEnd:
		return "END"
	case MsgError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// BitfieldData is the payload of a BITFIELD message.
type BitfieldData struct {
	Bits          []byte
	ReceivedCount uint64
}

// RequestData is the payload of a REQUEST message: an inclusive chunk
// index range.
type RequestData struct {
	Start uint64
	End   uint64
}

// Range converts the request bounds to a chunk.Range.
func (r RequestData) Range() chunk.Range {
	return chunk.Range{Start: r.Start, End: r.End}
}

// ChunkData is the payload of a CHUNK message. Payload is raw bytes,
// at most the file's chunk size, with the last chunk possibly shorter.
type ChunkData struct {
	Index   uint64
	Payload []byte
}

// AckData is the payload of an ACK message.
type AckData struct {
	Index uint64
}

// NeedData is the payload of a NEED message.
type NeedData struct {
	Ranges []chunk.Range
}

// ErrorData is the payload of an ERROR message.
type ErrorData struct {
	Reason string
}

// Reason strings carried in ERROR messages that both ends interpret.
// The out-of-range reasons are recoverable: the reporting side answers
// with ERROR and keeps the session alive, and the receiving side must
// not treat them as fatal. Every other reason ends the session.
const (
	ReasonRequestOutOfRange = "request out of range"
	ReasonChunkOutOfRange   = "chunk index out of range"
)

// Message is the tagged union carried one-per-channel-message. Exactly
// one payload field matching Type is non-nil (none for MsgEnd).
type Message struct {
	Type      MessageType
	Timestamp time.Time

	Meta     *FileMetadata
	Bitfield *BitfieldData
	Request  *RequestData
	Chunk    *ChunkData
	Ack      *AckData
	Need     *NeedData
	Error    *ErrorData
}

// NewMeta builds a META message.
func NewMeta(meta FileMetadata) *Message {
	return &Message{Type: MsgMeta, Timestamp: time.Now(), Meta: &meta}
}

// NewBitfield builds a BITFIELD message.
func NewBitfield(bits []byte, receivedCount uint64) *Message {
	return &Message{
		Type:      MsgBitfield,
		Timestamp: time.Now(),
		Bitfield:  &BitfieldData{Bits: bits, ReceivedCount: receivedCount},
	}
}

// NewRequest builds a REQUEST message for the given range.
func NewRequest(r chunk.Range) *Message {
	return &Message{
		Type:      MsgRequest,
		Timestamp: time.Now(),
		Request:   &RequestData{Start: r.Start, End: r.End},
	}
}

// NewChunk builds a CHUNK message.
func NewChunk(index uint64, payload []byte) *Message {
	return &Message{
		Type:      MsgChunk,
		Timestamp: time.Now(),
		Chunk:     &ChunkData{Index: index, Payload: payload},
	}
}

// NewAck builds an ACK message.
func NewAck(index uint64) *Message {
	return &Message{Type: MsgAck, Timestamp: time.Now(), Ack: &AckData{Index: index}}
}

// NewNeed builds a NEED message.
func NewNeed(ranges []chunk.Range) *Message {
	return &Message{Type: MsgNeed, Timestamp: time.Now(), Need: &NeedData{Ranges: ranges}}
}

// NewEnd builds an END message.
func NewEnd() *Message {
	return &Message{Type: MsgEnd, Timestamp: time.Now()}
}

// NewError builds an ERROR message.
func NewError(reason string) *Message {
	return &Message{Type: MsgError, Timestamp: time.Now(), Error: &ErrorData{Reason: reason}}
}
