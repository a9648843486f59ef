package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/opd-ai/chunkstream/chunk"
)

// MaxFrameSize is the maximum for one encoded control message of any
// type except BITFIELD. It bounds memory for untrusted input: the
// largest legal frame is a CHUNK carrying a 64KiB payload plus
// headers.
const MaxFrameSize = 1024 * 1024

// MaxBitfieldFrameSize is the separate cap for BITFIELD frames, whose
// payload grows with the file's chunk count rather than the chunk
// size. 64MiB of bitmap covers files into the tens of petabytes at
// the largest chunk size; past that the resume handshake cannot be
// carried.
const MaxBitfieldFrameSize = 64 * 1024 * 1024

// headerSize is the fixed envelope: one type byte plus an eight-byte
// millisecond timestamp.
const headerSize = 1 + 8

// ErrFrameTooShort indicates a frame smaller than its declared layout.
var ErrFrameTooShort = errors.New("frame too short")

// ErrFrameTooLarge indicates a frame exceeding MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// ErrUnknownMessageType indicates an unrecognized type tag.
var ErrUnknownMessageType = errors.New("unknown message type")

// Encode serializes a control message into a single channel frame:
// [type:1][timestamp_ms:8][payload]. Chunk payloads are copied in as
// raw bytes.
func Encode(msg *Message) ([]byte, error) {
	payload, err := encodePayload(msg)
	if err != nil {
		return nil, err
	}

	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	frame := make([]byte, headerSize+len(payload))
	frame[0] = byte(msg.Type)
	binary.BigEndian.PutUint64(frame[1:9], uint64(ts.UnixMilli()))
	copy(frame[headerSize:], payload)

	if len(frame) > frameSizeLimit(msg.Type) {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(frame))
	}
	return frame, nil
}

// frameSizeLimit returns the size cap for one frame of the given type.
func frameSizeLimit(t MessageType) int {
	if t == MsgBitfield {
		return MaxBitfieldFrameSize
	}
	return MaxFrameSize
}

func encodePayload(msg *Message) ([]byte, error) {
	switch msg.Type {
	case MsgMeta:
		return encodeMeta(msg.Meta)
	case MsgBitfield:
		return encodeBitfield(msg.Bitfield), nil
	case MsgRequest:
		buf := make([]byte, 16)
		binary.BigEndian.PutUint64(buf[0:8], msg.Request.Start)
		binary.BigEndian.PutUint64(buf[8:16], msg.Request.End)
		return buf, nil
	case MsgChunk:
		buf := make([]byte, 8+4+len(msg.Chunk.Payload))
		binary.BigEndian.PutUint64(buf[0:8], msg.Chunk.Index)
		binary.BigEndian.PutUint32(buf[8:12], uint32(len(msg.Chunk.Payload)))
		copy(buf[12:], msg.Chunk.Payload)
		return buf, nil
	case MsgAck:
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, msg.Ack.Index)
		return buf, nil
	case MsgNeed:
		buf := make([]byte, 2+16*len(msg.Need.Ranges))
		binary.BigEndian.PutUint16(buf[0:2], uint16(len(msg.Need.Ranges)))
		for i, r := range msg.Need.Ranges {
			binary.BigEndian.PutUint64(buf[2+16*i:], r.Start)
			binary.BigEndian.PutUint64(buf[10+16*i:], r.End)
		}
		return buf, nil
	case MsgEnd:
		return nil, nil
	case MsgError:
		reason := []byte(msg.Error.Reason)
		buf := make([]byte, 2+len(reason))
		binary.BigEndian.PutUint16(buf[0:2], uint16(len(reason)))
		copy(buf[2:], reason)
		return buf, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessageType, msg.Type)
	}
}

func encodeMeta(m *FileMetadata) ([]byte, error) {
	if len(m.Name) > MaxFileNameLength {
		return nil, fmt.Errorf("file name too long: %d bytes", len(m.Name))
	}
	id := []byte(m.FileID)
	name := []byte(m.Name)

	buf := make([]byte, 0, 2+len(id)+2+len(name)+8+8+8+8)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(id)))
	buf = append(buf, id...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(name)))
	buf = append(buf, name...)
	buf = binary.BigEndian.AppendUint64(buf, m.Size)
	buf = binary.BigEndian.AppendUint64(buf, m.ChunkSize)
	buf = binary.BigEndian.AppendUint64(buf, m.TotalChunks)
	buf = binary.BigEndian.AppendUint64(buf, uint64(m.CreatedAt.UnixMilli()))
	return buf, nil
}

func encodeBitfield(b *BitfieldData) []byte {
	buf := make([]byte, 8+4+len(b.Bits))
	binary.BigEndian.PutUint64(buf[0:8], b.ReceivedCount)
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(b.Bits)))
	copy(buf[12:], b.Bits)
	return buf
}

// Decode parses one channel frame back into a control message. Input
// is untrusted: truncated or oversized frames return an error, never
// panic, and byte slices in the result are copies of the frame.
func Decode(frame []byte) (*Message, error) {
	if len(frame) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooShort, len(frame))
	}
	if len(frame) > frameSizeLimit(MessageType(frame[0])) {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(frame))
	}

	msg := &Message{
		Type:      MessageType(frame[0]),
		Timestamp: time.UnixMilli(int64(binary.BigEndian.Uint64(frame[1:9]))),
	}
	payload := frame[headerSize:]

	switch msg.Type {
	case MsgMeta:
		meta, err := decodeMeta(payload)
		if err != nil {
			return nil, err
		}
		msg.Meta = meta
	case MsgBitfield:
		bf, err := decodeBitfield(payload)
		if err != nil {
			return nil, err
		}
		msg.Bitfield = bf
	case MsgRequest:
		if len(payload) < 16 {
			return nil, fmt.Errorf("%w: request payload", ErrFrameTooShort)
		}
		msg.Request = &RequestData{
			Start: binary.BigEndian.Uint64(payload[0:8]),
			End:   binary.BigEndian.Uint64(payload[8:16]),
		}
	case MsgChunk:
		ch, err := decodeChunk(payload)
		if err != nil {
			return nil, err
		}
		msg.Chunk = ch
	case MsgAck:
		if len(payload) < 8 {
			return nil, fmt.Errorf("%w: ack payload", ErrFrameTooShort)
		}
		msg.Ack = &AckData{Index: binary.BigEndian.Uint64(payload[0:8])}
	case MsgNeed:
		need, err := decodeNeed(payload)
		if err != nil {
			return nil, err
		}
		msg.Need = need
	case MsgEnd:
		// No payload.
	case MsgError:
		if len(payload) < 2 {
			return nil, fmt.Errorf("%w: error payload", ErrFrameTooShort)
		}
		n := int(binary.BigEndian.Uint16(payload[0:2]))
		if len(payload) < 2+n {
			return nil, fmt.Errorf("%w: error reason", ErrFrameTooShort)
		}
		msg.Error = &ErrorData{Reason: string(payload[2 : 2+n])}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessageType, frame[0])
	}
	return msg, nil
}

func decodeMeta(payload []byte) (*FileMetadata, error) {
	if len(payload) < 2 {
		return nil, fmt.Errorf("%w: meta payload", ErrFrameTooShort)
	}
	idLen := int(binary.BigEndian.Uint16(payload[0:2]))
	pos := 2
	if len(payload) < pos+idLen+2 {
		return nil, fmt.Errorf("%w: meta file id", ErrFrameTooShort)
	}
	fileID := string(payload[pos : pos+idLen])
	pos += idLen

	nameLen := int(binary.BigEndian.Uint16(payload[pos : pos+2]))
	pos += 2
	if nameLen > MaxFileNameLength {
		return nil, fmt.Errorf("file name too long: %d bytes", nameLen)
	}
	if len(payload) < pos+nameLen+32 {
		return nil, fmt.Errorf("%w: meta fields", ErrFrameTooShort)
	}
	name := string(payload[pos : pos+nameLen])
	pos += nameLen

	return &FileMetadata{
		FileID:      fileID,
		Name:        name,
		Size:        binary.BigEndian.Uint64(payload[pos : pos+8]),
		ChunkSize:   binary.BigEndian.Uint64(payload[pos+8 : pos+16]),
		TotalChunks: binary.BigEndian.Uint64(payload[pos+16 : pos+24]),
		CreatedAt:   time.UnixMilli(int64(binary.BigEndian.Uint64(payload[pos+24 : pos+32]))),
	}, nil
}

func decodeBitfield(payload []byte) (*BitfieldData, error) {
	if len(payload) < 12 {
		return nil, fmt.Errorf("%w: bitfield payload", ErrFrameTooShort)
	}
	n := int(binary.BigEndian.Uint32(payload[8:12]))
	if len(payload) < 12+n {
		return nil, fmt.Errorf("%w: bitfield bits", ErrFrameTooShort)
	}
	bits := make([]byte, n)
	copy(bits, payload[12:12+n])
	return &BitfieldData{
		ReceivedCount: binary.BigEndian.Uint64(payload[0:8]),
		Bits:          bits,
	}, nil
}

func decodeChunk(payload []byte) (*ChunkData, error) {
	if len(payload) < 12 {
		return nil, fmt.Errorf("%w: chunk payload", ErrFrameTooShort)
	}
	n := int(binary.BigEndian.Uint32(payload[8:12]))
	if len(payload) < 12+n {
		return nil, fmt.Errorf("%w: chunk bytes", ErrFrameTooShort)
	}
	data := make([]byte, n)
	copy(data, payload[12:12+n])
	return &ChunkData{
		Index:   binary.BigEndian.Uint64(payload[0:8]),
		Payload: data,
	}, nil
}

func decodeNeed(payload []byte) (*NeedData, error) {
	if len(payload) < 2 {
		return nil, fmt.Errorf("%w: need payload", ErrFrameTooShort)
	}
	count := int(binary.BigEndian.Uint16(payload[0:2]))
	if len(payload) < 2+16*count {
		return nil, fmt.Errorf("%w: need ranges", ErrFrameTooShort)
	}
	ranges := make([]chunk.Range, count)
	for i := 0; i < count; i++ {
		ranges[i] = chunk.Range{
			Start: binary.BigEndian.Uint64(payload[2+16*i:]),
			End:   binary.BigEndian.Uint64(payload[10+16*i:]),
		}
	}
	return &NeedData{Ranges: ranges}, nil
}
