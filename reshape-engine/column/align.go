package column

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
)

// Align re-splits chunked so that its chunk boundaries match bounds.
//
// bounds holds cumulative positions: bounds[0] is 0 and the last entry is the
// length of chunked. Piece i covers [bounds[i], bounds[i+1]) and is a zero-copy
// slice of exactly one chunk. When a piece would straddle two chunks, Align
// returns ok == false and no pieces; the caller has to rechunk instead.
func Align(chunked *arrow.Chunked, bounds []int64) (pieces []arrow.Array, ok bool) {
	if len(bounds) == 0 || bounds[0] != 0 || bounds[len(bounds)-1] != int64(chunked.Len()) {
		return nil, false
	}

	chunks := chunked.Chunks()
	pieces = make([]arrow.Array, 0, len(bounds)-1)

	ci := 0
	start := int64(0)
	for i := 0; i+1 < len(bounds); i++ {
		lo, hi := bounds[i], bounds[i+1]

		for ci < len(chunks) && start+int64(chunks[ci].Len()) < hi {
			start += int64(chunks[ci].Len())
			ci++
		}
		if ci == len(chunks) || start > lo {
			ReleaseAll(pieces)
			return nil, false
		}

		pieces = append(pieces, array.NewSlice(chunks[ci], lo-start, hi-start))
	}

	return pieces, true
}

// Bounds turns per-chunk lengths into the cumulative boundaries used by Align.
func Bounds(lengths []int64) []int64 {
	bounds := make([]int64, len(lengths)+1)
	for i, n := range lengths {
		bounds[i+1] = bounds[i] + n
	}
	return bounds
}
