package store

import (
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Data is deep-copied on the way
// in and out so callers can never alias stored bytes.
type MemoryStore struct {
	mu      sync.RWMutex
	chunks  map[string]map[uint64][]byte
	records map[string]*FileRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chunks:  make(map[string]map[uint64][]byte),
		records: make(map[string]*FileRecord),
	}
}

// GetChunk returns the payload stored for (fileID, index).
func (s *MemoryStore) GetChunk(fileID string, index uint64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.chunks[fileID][index]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// PutChunk stores a chunk payload. A second write for the same key is
// a no-op.
func (s *MemoryStore) PutChunk(fileID string, index uint64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byIndex, ok := s.chunks[fileID]
	if !ok {
		byIndex = make(map[uint64][]byte)
		s.chunks[fileID] = byIndex
	}
	if _, exists := byIndex[index]; exists {
		return nil
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	byIndex[index] = cp
	return nil
}

// GetFileRecord returns a copy of the durable record for fileID.
func (s *MemoryStore) GetFileRecord(fileID string) (*FileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[fileID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRecord(rec), nil
}

// PutFileRecord stores or replaces the durable record.
func (s *MemoryStore) PutFileRecord(rec *FileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := copyRecord(rec)
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now()
	}
	s.records[rec.Meta.FileID] = cp
	return nil
}

// DeleteFile removes the record and all chunks for fileID.
func (s *MemoryStore) DeleteFile(fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.chunks, fileID)
	delete(s.records, fileID)
	return nil
}

func copyRecord(rec *FileRecord) *FileRecord {
	cp := *rec
	cp.Bits = make([]byte, len(rec.Bits))
	copy(cp.Bits, rec.Bits)
	return &cp
}
