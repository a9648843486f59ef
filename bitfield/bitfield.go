package bitfield

import (
	"math/bits"
	"sync"

	bitmap "github.com/boljen/go-bitmap"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chunkstream/chunk"
)

// Bitfield records which chunks of a single file are held. The zero
// value is not usable; construct with New or FromBytes.
type Bitfield struct {
	mu       sync.Mutex
	bits     bitmap.Bitmap
	total    uint64
	received uint64
}

// New creates an all-zero bitfield for a file of totalChunks chunks.
func New(totalChunks uint64) *Bitfield {
	return &Bitfield{
		bits:  bitmap.New(int(totalChunks)),
		total: totalChunks,
	}
}

// PackedLen returns the byte length of the packed bitmap covering
// totalChunks chunks. Peers validate incoming bitmaps against it.
func PackedLen(totalChunks uint64) int {
	return len(bitmap.New(int(totalChunks)))
}

// FromBytes rebuilds a bitfield from persisted bytes. The stored
// received count is verified against the population count of the bits;
// if they disagree the derived count wins and repaired reports true.
// The input slice is copied, never retained.
func FromBytes(data []byte, totalChunks, storedCount uint64) (b *Bitfield, repaired bool) {
	buf := bitmap.New(int(totalChunks))
	copy(buf, data)

	b = &Bitfield{
		bits:  buf,
		total: totalChunks,
	}
	b.received = b.popcount()

	if b.received != storedCount {
		logrus.WithFields(logrus.Fields{
			"function":     "FromBytes",
			"stored_count": storedCount,
			"actual_count": b.received,
			"total_chunks": totalChunks,
		}).Warn("Persisted received count disagrees with bitmap, repaired")
		repaired = true
	}
	return b, repaired
}

// popcount counts the held chunks. Full bytes are counted directly;
// the final partial byte is walked bit by bit so padding bits beyond
// totalChunks never contribute.
func (b *Bitfield) popcount() uint64 {
	fullBytes := int(b.total / 8)
	var count uint64
	for i := 0; i < fullBytes && i < len(b.bits); i++ {
		count += uint64(bits.OnesCount8(b.bits[i]))
	}
	for i := uint64(fullBytes) * 8; i < b.total; i++ {
		if b.bits.Get(int(i)) {
			count++
		}
	}
	return count
}

// Has reports whether chunk index i is held. Indices beyond the
// bitfield report false.
func (b *Bitfield) Has(i uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i >= b.total {
		return false
	}
	return b.bits.Get(int(i))
}

// Set marks chunk index i as held and returns true if the bit was not
// already set. Setting an already-held chunk is a no-op and does not
// change the received count. An index beyond the bitfield is a caller
// bug and panics.
func (b *Bitfield) Set(i uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i >= b.total {
		panic("bitfield: set index out of range")
	}
	if b.bits.Get(int(i)) {
		return false
	}
	b.bits.Set(int(i), true)
	b.received++
	return true
}

// ReceivedCount returns the number of held chunks. It always equals
// the population count of the underlying bitmap.
func (b *Bitfield) ReceivedCount() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.received
}

// TotalChunks returns the number of chunks the bitfield covers.
func (b *Bitfield) TotalChunks() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// Complete reports whether every chunk is held.
func (b *Bitfield) Complete() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.received == b.total
}

// Bytes returns a copy of the packed bitmap, suitable for persisting
// or sending on the wire.
func (b *Bitfield) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.bits))
	copy(out, b.bits)
	return out
}

// MissingRanges enumerates the chunks not yet held as maximal runs of
// contiguous indices, splitting any run longer than maxRangeSize so no
// single request is unbounded. A maxRangeSize of 0 means unbounded.
// The union of the returned ranges is exactly the set of missing
// indices.
func (b *Bitfield) MissingRanges(maxRangeSize uint64) []chunk.Range {
	b.mu.Lock()
	defer b.mu.Unlock()

	var ranges []chunk.Range
	var start uint64
	inRun := false

	flush := func(end uint64) {
		if maxRangeSize == 0 {
			ranges = append(ranges, chunk.Range{Start: start, End: end})
			return
		}
		for start+maxRangeSize-1 < end {
			ranges = append(ranges, chunk.Range{Start: start, End: start + maxRangeSize - 1})
			start += maxRangeSize
		}
		ranges = append(ranges, chunk.Range{Start: start, End: end})
	}

	for i := uint64(0); i < b.total; i++ {
		if b.bits.Get(int(i)) {
			if inRun {
				flush(i - 1)
				inRun = false
			}
			continue
		}
		if !inRun {
			start = i
			inRun = true
		}
	}
	if inRun {
		flush(b.total - 1)
	}
	return ranges
}

// Grow extends the bitfield to cover newTotal chunks, zero-extending
// without losing existing bits. Shrinking is refused; growing should
// not normally happen and is only a guard against a peer revising its
// announced metadata.
func (b *Bitfield) Grow(newTotal uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if newTotal <= b.total {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Grow",
		"old_total": b.total,
		"new_total": newTotal,
	}).Warn("Growing bitfield after metadata revision")

	grown := bitmap.New(int(newTotal))
	copy(grown, b.bits)
	b.bits = grown
	b.total = newTotal
}
