package functions

import (
	"context"
	"fmt"

	"github.com/VanDung-dev/Reshape-Engine/reshape-engine/column"
	"github.com/VanDung-dev/Reshape-Engine/reshape-engine/offsets"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/compute"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Struct combines equal-length columns into a struct column with one field
// per column, named after it. Field names must be unique. The output is named
// after the first column and has no null rows.
//
// When every column can be sliced along the chunk boundaries of the first one,
// the output keeps that chunking and shares all child data; otherwise each
// column is rechunked once.
func (r *Reshaper) Struct(cols ...*arrow.Column) (*arrow.Column, error) {
	if len(cols) == 0 {
		return nil, fmt.Errorf("%w: struct needs at least one column", ErrInvalidArgument)
	}

	fields := make([]arrow.Field, len(cols))
	seen := make(map[string]struct{}, len(cols))
	for i, c := range cols {
		if _, dup := seen[c.Name()]; dup {
			return nil, fmt.Errorf("%w: duplicate field name %q in struct", ErrInvalidArgument, c.Name())
		}
		seen[c.Name()] = struct{}{}

		if c.Len() != cols[0].Len() {
			return nil, fmt.Errorf("%w: column %q has length %d, column %q has length %d",
				ErrShapeMismatch, c.Name(), c.Len(), cols[0].Name(), cols[0].Len())
		}
		fields[i] = arrow.Field{Name: c.Name(), Type: c.DataType(), Nullable: true}
	}
	st := arrow.StructOf(fields...)

	pieces, err := r.alignColumns(cols)
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, p := range pieces {
			column.ReleaseAll(p)
		}
	}()

	chunks := make([]arrow.Array, len(pieces[0]))
	for k := range chunks {
		children := make([]arrow.ArrayData, len(cols))
		for j := range cols {
			children[j] = pieces[j][k].Data()
		}

		data := array.NewData(st, pieces[0][k].Len(), []*memory.Buffer{nil}, children, 0, 0)
		chunks[k] = array.MakeFromData(data)
		data.Release()
	}

	return column.NewColumn(cols[0].Name(), st, chunks), nil
}

// alignColumns splits every column along the chunk boundaries of cols[0].
// Piece k of every column has the same length.
func (r *Reshaper) alignColumns(cols []*arrow.Column) ([][]arrow.Array, error) {
	lengths := column.ChunkLengths(cols[0].Data())
	sizes := make([]int64, len(lengths))
	for i, n := range lengths {
		sizes[i] = int64(n)
	}
	bounds := column.Bounds(sizes)

	pieces := make([][]arrow.Array, len(cols))
	for j, c := range cols {
		p, ok := column.Align(c.Data(), bounds)
		if !ok {
			for _, done := range pieces[:j] {
				column.ReleaseAll(done)
			}
			return r.rechunkColumns(cols)
		}
		pieces[j] = p
	}
	return pieces, nil
}

func (r *Reshaper) rechunkColumns(cols []*arrow.Column) ([][]arrow.Array, error) {
	pieces := make([][]arrow.Array, len(cols))
	for j, c := range cols {
		arr, err := column.Rechunk(r.mem, c.Data())
		if err != nil {
			for _, done := range pieces[:j] {
				column.ReleaseAll(done)
			}
			return nil, err
		}
		pieces[j] = []arrow.Array{arr}
	}
	return pieces, nil
}

// Zip combines list columns into one list column of structs. Element k of
// list i holds element k of list i of every target, one field per target.
//
// The grouping comes from the first target, which must not contain null
// lists. The other targets only need the same flattened length.
func (r *Reshaper) Zip(targets ...*arrow.Column) (*arrow.Column, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: zip needs at least one column", ErrInvalidArgument)
	}

	flat := make([]*arrow.Column, 0, len(targets))
	defer func() {
		for _, f := range flat {
			f.Release()
		}
	}()

	for _, t := range targets {
		f, err := r.Flatten(t)
		if err != nil {
			return nil, err
		}
		flat = append(flat, f)
	}

	fields, err := r.Struct(flat...)
	if err != nil {
		return nil, err
	}
	defer fields.Release()

	return r.ImplodeLike(fields, targets[0])
}

// ImplodeWith pairs every element of the list column inner with the values of
// the outer columns in the same row. The result is grouped like inner and
// holds structs whose first field is the element of inner, followed by one
// field per outer column repeated once per element of the row.
//
// Outer columns must have as many rows as inner, and inner must not contain
// null lists.
func (r *Reshaper) ImplodeWith(ctx context.Context, inner *arrow.Column, outer ...*arrow.Column) (*arrow.Column, error) {
	for _, o := range outer {
		if o.Len() != inner.Len() {
			return nil, fmt.Errorf("%w: column %q has length %d, inner column %q has length %d",
				ErrShapeMismatch, o.Name(), o.Len(), inner.Name(), inner.Len())
		}
	}

	flat, err := r.Flatten(inner)
	if err != nil {
		return nil, err
	}

	fieldCols := []*arrow.Column{flat}
	defer func() {
		for _, c := range fieldCols {
			c.Release()
		}
	}()

	if len(outer) > 0 {
		lists, err := column.ListChunks(inner)
		if err != nil {
			return nil, err
		}
		indices := r.repeatIndices(lists)
		defer indices.Release()

		ctx = compute.WithAllocator(ctx, r.mem)
		for _, o := range outer {
			values, err := column.Rechunk(r.mem, o.Data())
			if err != nil {
				return nil, err
			}
			repeated, err := compute.TakeArray(ctx, values, indices)
			values.Release()
			if err != nil {
				return nil, fmt.Errorf("failed to repeat column %q: %w", o.Name(), err)
			}
			fieldCols = append(fieldCols, column.NewColumn(o.Name(), o.DataType(), []arrow.Array{repeated}))
		}
	}

	fields, err := r.Struct(fieldCols...)
	if err != nil {
		return nil, err
	}
	defer fields.Release()

	return r.ImplodeLike(fields, inner)
}

// repeatIndices returns row i once for every element referenced by list i.
func (r *Reshaper) repeatIndices(lists []column.ListChunk) *array.Int64 {
	offs := offsets.FromLists(r.mem, lists)
	defer offs.Release()

	bounds := offs.Int64Values()
	buf, idx := column.NewInt64Buffer(r.mem, int(bounds[len(bounds)-1]))
	defer buf.Release()

	pos := 0
	for i := 0; i+1 < len(bounds); i++ {
		for n := bounds[i+1] - bounds[i]; n > 0; n-- {
			idx[pos] = int64(i)
			pos++
		}
	}
	return column.Int64View(buf, 0, len(idx))
}
