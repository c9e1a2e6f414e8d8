package functions

import (
	"context"
	"fmt"

	"github.com/VanDung-dev/Reshape-Engine/reshape-engine/column"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/bitutil"
	"github.com/apache/arrow-go/v18/arrow/compute"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// CastArrToStruct reinterprets a fixed-size list column of width W as a
// struct column shaped like structLike, which must have exactly W fields.
// Field j of row i is element j of target's row i; a null row stays null.
// Only the type of structLike is used.
func (r *Reshaper) CastArrToStruct(ctx context.Context, target, structLike *arrow.Column) (*arrow.Column, error) {
	st, ok := structLike.DataType().(*arrow.StructType)
	if !ok {
		return nil, fmt.Errorf("%w: expected struct column, got %s", arrow.ErrType, structLike.DataType())
	}
	return r.CastArrToStructType(ctx, target, st)
}

// CastArrToStructType is CastArrToStruct with the struct shape given as a
// data type. Gathered elements whose type differs from the declared field
// type are cast to it.
func (r *Reshaper) CastArrToStructType(ctx context.Context, target *arrow.Column, st *arrow.StructType) (*arrow.Column, error) {
	fsl, ok := target.DataType().(*arrow.FixedSizeListType)
	if !ok {
		return nil, fmt.Errorf("%w: expected fixed-size list column, got %s", arrow.ErrType, target.DataType())
	}

	width := int(fsl.Len())
	if width != st.NumFields() {
		return nil, fmt.Errorf("%w: cannot cast array of width %d to struct of width %d",
			ErrShapeMismatch, width, st.NumFields())
	}

	ctx = compute.WithAllocator(ctx, r.mem)

	chunks := make([]arrow.Array, 0, len(target.Data().Chunks()))
	for _, chunk := range target.Data().Chunks() {
		out, err := r.arrayToStruct(ctx, chunk.(*array.FixedSizeList), st)
		if err != nil {
			column.ReleaseAll(chunks)
			return nil, err
		}
		chunks = append(chunks, out)
	}

	return column.NewColumn(target.Name(), st, chunks), nil
}

func (r *Reshaper) arrayToStruct(ctx context.Context, chunk *array.FixedSizeList, st *arrow.StructType) (arrow.Array, error) {
	fields := make([]arrow.Array, st.NumFields())
	defer column.ReleaseAll(fields)

	for j := range fields {
		child, err := r.elementAt(ctx, chunk, j, st.NumFields())
		if err != nil {
			return nil, err
		}

		if want := st.Field(j).Type; !arrow.TypeEqual(child.DataType(), want) {
			cast, err := compute.CastArray(ctx, child, compute.SafeCastOptions(want))
			child.Release()
			if err != nil {
				return nil, fmt.Errorf("failed to cast element %d to field %q: %w", j, st.Field(j).Name, err)
			}
			child = cast
		}
		fields[j] = child
	}

	childData := make([]arrow.ArrayData, len(fields))
	for j, f := range fields {
		childData[j] = f.Data()
	}

	validity := r.validity(chunk)
	if validity != nil {
		defer validity.Release()
	}

	data := array.NewData(st, chunk.Len(), []*memory.Buffer{validity}, childData, chunk.NullN(), 0)
	defer data.Release()
	return array.MakeFromData(data), nil
}

// elementAt gathers element j of every list in chunk. Width-one lists are
// answered with a slice of the child array; wider lists go through a take.
func (r *Reshaper) elementAt(ctx context.Context, chunk *array.FixedSizeList, j, width int) (arrow.Array, error) {
	values := chunk.ListValues()
	n := chunk.Len()
	base := int64(chunk.Data().Offset()) * int64(width)

	if width == 1 {
		return array.NewSlice(values, base, base+int64(n)), nil
	}

	buf, idx := column.NewInt64Buffer(r.mem, n)
	for i := range idx {
		idx[i] = base + int64(i*width+j)
	}
	indices := column.Int64View(buf, 0, n)
	buf.Release()
	defer indices.Release()

	out, err := compute.TakeArray(ctx, values, indices)
	if err != nil {
		return nil, fmt.Errorf("failed to gather element %d: %w", j, err)
	}
	return out, nil
}

// validity returns a bitmap for chunk's nulls aligned to position 0, or nil
// when chunk has no nulls. The caller owns one reference.
func (r *Reshaper) validity(chunk arrow.Array) *memory.Buffer {
	if chunk.NullN() == 0 {
		return nil
	}

	data := chunk.Data()
	bitmap := data.Buffers()[0]
	if data.Offset() == 0 {
		bitmap.Retain()
		return bitmap
	}

	n := chunk.Len()
	buf := memory.NewResizableBuffer(r.mem)
	buf.Resize(int(bitutil.BytesForBits(int64(n))))
	bitutil.CopyBitmap(bitmap.Bytes(), data.Offset(), n, buf.Bytes(), 0)
	return buf
}
