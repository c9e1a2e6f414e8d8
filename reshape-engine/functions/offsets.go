package functions

import (
	"github.com/VanDung-dev/Reshape-Engine/reshape-engine/column"
	"github.com/VanDung-dev/Reshape-Engine/reshape-engine/offsets"
	"github.com/apache/arrow-go/v18/arrow"
)

// GetOffsets returns the offsets of a list column as an int64 column of
// length N+1.
//
// A single-chunk large-list column whose offsets already start at zero is
// answered with a view over its own offsets buffer. Every other input gets a
// fresh prefix sum of its list lengths.
func (r *Reshaper) GetOffsets(col *arrow.Column) (*arrow.Column, error) {
	lists, err := column.ListChunks(col)
	if err != nil {
		return nil, err
	}

	if len(lists) == 1 {
		l := lists[0]
		if buf, off, ok := l.SharedOffsets(); ok && l.Offset(0) == 0 {
			view := column.Int64View(buf, off, l.Len()+1)
			return column.NewColumn(col.Name(), arrow.PrimitiveTypes.Int64, []arrow.Array{view}), nil
		}
	}

	offs := offsets.FromLists(r.mem, lists)
	return column.NewColumn(col.Name(), arrow.PrimitiveTypes.Int64, []arrow.Array{offs}), nil
}
