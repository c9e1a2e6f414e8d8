// Package offsets implements the offsets model shared by the implode
// functions: validation of caller-supplied offsets, widening to int64, and the
// prefix sums that derive offsets from list lengths.
//
// Offsets are always handled as int64 internally. Arithmetic happens in freshly
// allocated buffers; buffers that already hold valid zero-based int64 offsets
// are shared instead of copied.
package offsets

import (
	"context"
	"errors"
	"fmt"

	"github.com/VanDung-dev/Reshape-Engine/reshape-engine/column"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/compute"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

var (
	// ErrShapeMismatch reports a structural precondition violation: sizes or
	// boundaries that do not fit the data they describe.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrCompute reports a semantic precondition violation, such as nulls
	// where nulls are not allowed.
	ErrCompute = errors.New("compute error")
)

// Widen returns arr as an Int64 array. Int64 input is returned with an extra
// reference; other integer types are cast with arrow compute.
func Widen(ctx context.Context, arr arrow.Array) (*array.Int64, error) {
	if a, ok := arr.(*array.Int64); ok {
		a.Retain()
		return a, nil
	}

	if !arrow.IsInteger(arr.DataType().ID()) {
		return nil, fmt.Errorf("%w: expected integer column, got %s", arrow.ErrType, arr.DataType())
	}

	out, err := compute.CastArray(ctx, arr, compute.SafeCastOptions(arrow.PrimitiveTypes.Int64))
	if err != nil {
		return nil, fmt.Errorf("failed to widen %s to int64: %w", arr.DataType(), err)
	}
	return out.(*array.Int64), nil
}

// Validate checks offs against the length of the data it indexes. Checks run
// in order: no nulls, non-empty with a zero first entry, last entry equal to
// targetLen, non-decreasing entries.
func Validate(offs *array.Int64, targetLen int) error {
	if offs.NullN() > 0 {
		return fmt.Errorf("%w: offsets must not contain null values", ErrCompute)
	}
	if offs.Len() == 0 {
		return fmt.Errorf("%w: offsets must not be empty", ErrShapeMismatch)
	}

	vals := offs.Int64Values()
	if vals[0] != 0 {
		return fmt.Errorf("%w: first offset (%d) must be zero", ErrShapeMismatch, vals[0])
	}

	last := vals[len(vals)-1]
	if last != int64(targetLen) {
		return fmt.Errorf("%w: last offset (%d) must equal target length (%d)", ErrShapeMismatch, last, targetLen)
	}

	for i := 1; i < len(vals); i++ {
		if vals[i] < vals[i-1] {
			return fmt.Errorf("%w: offsets must be non-decreasing, offset %d (%d) is less than offset %d (%d)",
				ErrShapeMismatch, i, vals[i], i-1, vals[i-1])
		}
	}

	return nil
}

// FromLengths prefixes 0 to the running sum of lengths. The lengths must be
// integers without nulls or negative entries.
func FromLengths(ctx context.Context, mem memory.Allocator, lengths *arrow.Chunked) (*array.Int64, error) {
	if !arrow.IsInteger(lengths.DataType().ID()) {
		return nil, fmt.Errorf("%w: expected integer lengths, got %s", arrow.ErrType, lengths.DataType())
	}
	if lengths.NullN() > 0 {
		return nil, fmt.Errorf("%w: lengths must not contain null values", ErrCompute)
	}

	buf, out := column.NewInt64Buffer(mem, lengths.Len()+1)
	defer buf.Release()

	pos := 0
	for _, chunk := range lengths.Chunks() {
		wide, err := Widen(ctx, chunk)
		if err != nil {
			return nil, err
		}

		for _, n := range wide.Int64Values() {
			if n < 0 {
				wide.Release()
				return nil, fmt.Errorf("%w: length at position %d is negative (%d)", ErrShapeMismatch, pos, n)
			}
			out[pos+1] = out[pos] + n
			pos++
		}
		wide.Release()
	}

	return column.Int64View(buf, 0, len(out)), nil
}

// FromLists prefixes 0 to the running sum of list lengths across chunks, in
// logical order.
func FromLists(mem memory.Allocator, lists []column.ListChunk) *array.Int64 {
	n := 0
	for _, l := range lists {
		n += l.Len()
	}

	buf, out := column.NewInt64Buffer(mem, n+1)
	defer buf.Release()

	pos := 0
	for _, l := range lists {
		for i := 0; i < l.Len(); i++ {
			out[pos+1] = out[pos] + l.Offset(i+1) - l.Offset(i)
			pos++
		}
	}

	return column.Int64View(buf, 0, len(out))
}

// Rebase returns zero-based int64 offsets for a list chunk together with the
// element position at which they start. The chunk's own buffer is shared when
// it already stores zero-based int64 offsets; otherwise every entry has the
// chunk's base subtracted into a fresh buffer. The caller owns one reference
// to the returned buffer.
func Rebase(mem memory.Allocator, l column.ListChunk) (buf *memory.Buffer, offset int) {
	if shared, off, ok := l.SharedOffsets(); ok && l.Offset(0) == 0 {
		shared.Retain()
		return shared, off
	}

	buf, out := column.NewInt64Buffer(mem, l.Len()+1)
	base := l.Offset(0)
	for i := range out {
		out[i] = l.Offset(i) - base
	}
	return buf, 0
}
