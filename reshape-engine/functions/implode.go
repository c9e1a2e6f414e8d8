package functions

import (
	"context"
	"fmt"

	"github.com/VanDung-dev/Reshape-Engine/reshape-engine/column"
	"github.com/VanDung-dev/Reshape-Engine/reshape-engine/offsets"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/compute"
)

// ImplodeWithOffsets wraps target into a list column whose list i covers
// target positions [offs[i], offs[i+1]).
//
// offs must be an integer column without nulls that starts at 0 and ends at
// the length of target. Both inputs are rechunked to a single chunk first, so
// the output always has exactly one chunk. The output carries no top-level
// nulls.
func (r *Reshaper) ImplodeWithOffsets(ctx context.Context, target, offs *arrow.Column) (*arrow.Column, error) {
	if !arrow.IsInteger(offs.DataType().ID()) {
		return nil, fmt.Errorf("%w: expected integer offsets, got %s", arrow.ErrType, offs.DataType())
	}

	values, err := column.Rechunk(r.mem, target.Data())
	if err != nil {
		return nil, err
	}
	defer values.Release()

	raw, err := column.Rechunk(r.mem, offs.Data())
	if err != nil {
		return nil, err
	}
	defer raw.Release()

	wide, err := offsets.Widen(compute.WithAllocator(ctx, r.mem), raw)
	if err != nil {
		return nil, err
	}
	defer wide.Release()

	if err := offsets.Validate(wide, values.Len()); err != nil {
		return nil, err
	}

	data := wide.Data()
	list := column.NewLargeList(target.DataType(), data.Buffers()[1], data.Offset(), wide.Len()-1, values)
	return column.NewColumn(target.Name(), list.DataType(), []arrow.Array{list}), nil
}

// ImplodeWithLengths wraps target into a list column whose list i holds the
// next lengths[i] values of target. lengths must be an integer column without
// nulls or negative entries summing to the length of target.
func (r *Reshaper) ImplodeWithLengths(ctx context.Context, target, lengths *arrow.Column) (*arrow.Column, error) {
	offs, err := offsets.FromLengths(compute.WithAllocator(ctx, r.mem), r.mem, lengths.Data())
	if err != nil {
		return nil, err
	}

	offsCol := column.NewColumn(lengths.Name(), arrow.PrimitiveTypes.Int64, []arrow.Array{offs})
	defer offsCol.Release()

	return r.ImplodeWithOffsets(ctx, target, offsCol)
}

// ImplodeLike wraps target into a list column with the same grouping as the
// list column layout. The flattened length of layout must equal the length of
// target, and layout must not contain null lists.
//
// When every chunk of layout references a child range that lies inside one
// chunk of target, the output keeps layout's chunking, sharing slices of
// target and, where already zero-based, layout's offsets buffers. Otherwise
// target is rechunked once and a single output chunk is built.
func (r *Reshaper) ImplodeLike(target, layout *arrow.Column) (*arrow.Column, error) {
	lists, err := column.ListChunks(layout)
	if err != nil {
		return nil, err
	}

	if layout.NullN() > 0 {
		return nil, fmt.Errorf("%w: layout must not contain null values", ErrCompute)
	}

	sizes := make([]int64, len(lists))
	var total int64
	for i, l := range lists {
		start, end := l.Span()
		sizes[i] = end - start
		total += sizes[i]
	}
	if total != int64(target.Len()) {
		return nil, fmt.Errorf("%w: layout flattened length (%d) must equal target length (%d)",
			ErrShapeMismatch, total, target.Len())
	}

	elem := target.DataType()
	outType := ImplodedType(elem)

	if pieces, ok := column.Align(target.Data(), column.Bounds(sizes)); ok {
		defer column.ReleaseAll(pieces)

		chunks := make([]arrow.Array, len(lists))
		for i, l := range lists {
			buf, off := offsets.Rebase(r.mem, l)
			chunks[i] = column.NewLargeList(elem, buf, off, l.Len(), pieces[i])
			buf.Release()
		}
		return column.NewColumn(target.Name(), outType, chunks), nil
	}

	// A chunk boundary of target falls inside a layout chunk's range.
	values, err := column.Rechunk(r.mem, target.Data())
	if err != nil {
		return nil, err
	}
	defer values.Release()

	offs := offsets.FromLists(r.mem, lists)
	defer offs.Release()

	data := offs.Data()
	list := column.NewLargeList(elem, data.Buffers()[1], data.Offset(), offs.Len()-1, values)
	return column.NewColumn(target.Name(), outType, []arrow.Array{list}), nil
}

// Flatten returns the child values referenced by a list column, in order.
// Empty lists contribute no values. Every output chunk is a slice of the
// matching input chunk's child array.
func (r *Reshaper) Flatten(col *arrow.Column) (*arrow.Column, error) {
	lists, err := column.ListChunks(col)
	if err != nil {
		return nil, err
	}

	elem, err := column.ElemType(col.DataType())
	if err != nil {
		return nil, err
	}

	chunks := make([]arrow.Array, len(lists))
	for i, l := range lists {
		start, end := l.Span()
		chunks[i] = array.NewSlice(l.Values(), start, end)
	}
	return column.NewColumn(col.Name(), elem, chunks), nil
}
