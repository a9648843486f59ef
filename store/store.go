package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/opd-ai/chunkstream/bitfield"
	"github.com/opd-ai/chunkstream/chunk"
	"github.com/opd-ai/chunkstream/protocol"
)

// ErrNotFound indicates the requested chunk or file record is absent.
var ErrNotFound = errors.New("not found in store")

// FileRecord is the durable state for one file: its immutable metadata
// plus the presence bitmap and received count that survive restarts
// independently of any live session object.
type FileRecord struct {
	Meta          protocol.FileMetadata
	Bits          []byte
	ReceivedCount uint64
	UpdatedAt     time.Time
}

// Store is the byte-addressable persistent store the engine keeps
// chunks and bitmaps in. All operations may fail transiently; callers
// that need resilience wrap the store in a RetryStore.
type Store interface {
	// GetChunk returns the payload stored for (fileID, index), or
	// ErrNotFound.
	GetChunk(fileID string, index uint64) ([]byte, error)

	// PutChunk stores a chunk payload. Writes are idempotent per key:
	// a second write for the same (fileID, index) is a no-op.
	PutChunk(fileID string, index uint64, data []byte) error

	// GetFileRecord returns the durable record for fileID, or
	// ErrNotFound.
	GetFileRecord(fileID string) (*FileRecord, error)

	// PutFileRecord stores or replaces the durable record.
	PutFileRecord(rec *FileRecord) error

	// DeleteFile removes the record and all chunks for fileID. This
	// is an explicit purge; cancelling a session does not call it.
	DeleteFile(fileID string) error
}

// SeedFile splits data into chunks according to meta and stores them
// together with an all-held file record, so the store can serve the
// file to peers.
func SeedFile(s Store, meta protocol.FileMetadata, data []byte) error {
	if uint64(len(data)) != meta.Size {
		return fmt.Errorf("seed %s: got %d bytes, metadata says %d", meta.FileID, len(data), meta.Size)
	}
	for i := uint64(0); i < meta.TotalChunks; i++ {
		offset, length := chunk.Bounds(i, meta.Size, meta.ChunkSize)
		if err := s.PutChunk(meta.FileID, i, data[offset:offset+length]); err != nil {
			return fmt.Errorf("seed chunk %d: %w", i, err)
		}
	}

	bits := bitfield.New(meta.TotalChunks)
	for i := uint64(0); i < meta.TotalChunks; i++ {
		bits.Set(i)
	}
	return s.PutFileRecord(&FileRecord{
		Meta:          meta,
		Bits:          bits.Bytes(),
		ReceivedCount: meta.TotalChunks,
		UpdatedAt:     time.Now(),
	})
}

// Assemble reconstructs the complete file from stored chunks in index
// order. It is only legal once every chunk is held; a missing chunk or
// a length mismatch returns an error.
func Assemble(s Store, meta protocol.FileMetadata) ([]byte, error) {
	out := make([]byte, 0, meta.Size)
	for i := uint64(0); i < meta.TotalChunks; i++ {
		data, err := s.GetChunk(meta.FileID, i)
		if err != nil {
			return nil, fmt.Errorf("assemble chunk %d: %w", i, err)
		}
		_, wantLen := chunk.Bounds(i, meta.Size, meta.ChunkSize)
		if uint64(len(data)) != wantLen {
			return nil, fmt.Errorf("assemble chunk %d: got %d bytes, want %d", i, len(data), wantLen)
		}
		out = append(out, data...)
	}
	if uint64(len(out)) != meta.Size {
		return nil, fmt.Errorf("assembled %d bytes, want %d", len(out), meta.Size)
	}
	return out, nil
}
