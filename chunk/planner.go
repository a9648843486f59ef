package chunk

import "fmt"

const (
	// ChunkSizeSmall is used for files under SmallFileThreshold.
	ChunkSizeSmall = 16 * 1024

	// ChunkSizeMedium is used for files under MediumFileThreshold.
	ChunkSizeMedium = 32 * 1024

	// ChunkSizeLarge is used for all larger files.
	ChunkSizeLarge = 64 * 1024

	// SmallFileThreshold is the upper size bound for small-file chunking.
	SmallFileThreshold = 1 * 1024 * 1024

	// MediumFileThreshold is the upper size bound for medium-file chunking.
	MediumFileThreshold = 100 * 1024 * 1024
)

// Count returns the number of chunks needed to cover size bytes with
// chunks of chunkSize bytes. A zero-byte file has zero chunks.
func Count(size, chunkSize uint64) uint64 {
	if chunkSize == 0 {
		return 0
	}
	return (size + chunkSize - 1) / chunkSize
}

// Bounds returns the byte offset and length of the chunk at index.
// The last chunk may be shorter than chunkSize.
//
// Calling Bounds with index >= Count(size, chunkSize) is a contract
// violation on the caller's side and panics.
func Bounds(index, size, chunkSize uint64) (offset, length uint64) {
	total := Count(size, chunkSize)
	if index >= total {
		panic(fmt.Sprintf("chunk: index %d out of range for %d chunks", index, total))
	}

	offset = index * chunkSize
	length = chunkSize
	if offset+length > size {
		length = size - offset
	}
	return offset, length
}

// PickChunkSize selects the chunk size for a file of the given size.
// The policy is applied once, when the file is announced, and is never
// revised mid-transfer.
func PickChunkSize(size uint64) uint64 {
	switch {
	case size < SmallFileThreshold:
		return ChunkSizeSmall
	case size < MediumFileThreshold:
		return ChunkSizeMedium
	default:
		return ChunkSizeLarge
	}
}
