package chunk

import "fmt"

// Range is an inclusive run of contiguous chunk indices. It is the unit
// the scheduler requests and the sender serves; a well-formed Range
// always satisfies Start <= End.
type Range struct {
	Start uint64
	End   uint64
}

// Len returns the number of indices covered by the range.
func (r Range) Len() uint64 {
	return r.End - r.Start + 1
}

// Contains reports whether index i falls inside the range.
func (r Range) Contains(i uint64) bool {
	return i >= r.Start && i <= r.End
}

// String renders the range as "[start,end]".
func (r Range) String() string {
	return fmt.Sprintf("[%d,%d]", r.Start, r.End)
}
