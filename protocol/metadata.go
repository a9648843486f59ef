package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opd-ai/chunkstream/chunk"
)

// MaxFileNameLength is the maximum allowed file name length in bytes.
// This prevents memory exhaustion from excessively long names and fits
// in the uint16 length prefix used on the wire.
const MaxFileNameLength = 255

// fileIDNamespace is the fixed UUID namespace for file identity
// derivation. Changing it would break resume across versions.
var fileIDNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// FileMetadata describes a file being transferred. It is immutable
// once created and shared read-only by both sides after the initial
// announcement.
type FileMetadata struct {
	FileID      string
	Name        string
	Size        uint64
	ChunkSize   uint64
	TotalChunks uint64
	CreatedAt   time.Time
}

// NewFileMetadata builds the metadata for a file at announce time.
// The chunk size policy is applied here, once; it never changes for
// the life of the transfer.
func NewFileMetadata(name string, size uint64, modTime time.Time) FileMetadata {
	chunkSize := chunk.PickChunkSize(size)
	return FileMetadata{
		FileID:      DeriveFileID(name, size, modTime),
		Name:        name,
		Size:        size,
		ChunkSize:   chunkSize,
		TotalChunks: chunk.Count(size, chunkSize),
		CreatedAt:   time.Now(),
	}
}

// DeriveFileID derives a stable file identity from the file's name,
// size and modification time. The same inputs always produce the same
// ID, so identity survives a pause/resume cycle for the same file.
// It does not detect content changes between sessions; callers that
// need that must re-announce under a fresh modification time.
func DeriveFileID(name string, size uint64, modTime time.Time) string {
	buf := make([]byte, 0, len(name)+16)
	buf = append(buf, name...)
	buf = binary.BigEndian.AppendUint64(buf, size)
	buf = binary.BigEndian.AppendUint64(buf, uint64(modTime.UnixNano()))
	return uuid.NewSHA1(fileIDNamespace, buf).String()
}

// Validate checks that metadata is internally consistent. Announced
// metadata comes from the peer, so nothing downstream may assume its
// fields agree until this has passed.
func (m FileMetadata) Validate() error {
	if m.FileID == "" {
		return errors.New("empty file id")
	}
	if m.ChunkSize == 0 {
		return errors.New("zero chunk size")
	}
	if want := chunk.Count(m.Size, m.ChunkSize); m.TotalChunks != want {
		return fmt.Errorf("announced %d chunks, size and chunk size give %d", m.TotalChunks, want)
	}
	return nil
}

// Matches reports whether two metadata records agree on the fields
// that must not change across a pause/resume cycle. A disagreement is
// a metadata mismatch: the session must refuse to resume under the
// same identity.
func (m FileMetadata) Matches(other FileMetadata) bool {
	return m.FileID == other.FileID &&
		m.Size == other.Size &&
		m.ChunkSize == other.ChunkSize &&
		m.TotalChunks == other.TotalChunks
}
