package column

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// ListChunk gives uniform access to one chunk of a variable-length list
// column, whatever the width of its native offsets.
type ListChunk struct {
	arr   arrow.Array
	off32 []int32
	off64 []int64
}

// IsList reports whether dtype is a variable-length list type.
func IsList(dtype arrow.DataType) bool {
	switch dtype.ID() {
	case arrow.LIST, arrow.LARGE_LIST:
		return true
	}
	return false
}

// ElemType returns the element type of a variable-length list type.
func ElemType(dtype arrow.DataType) (arrow.DataType, error) {
	if !IsList(dtype) {
		return nil, fmt.Errorf("%w: expected list type, got %s", arrow.ErrType, dtype)
	}
	return dtype.(arrow.ListLikeType).Elem(), nil
}

// AsListChunk wraps arr, which must be a List or LargeList array.
func AsListChunk(arr arrow.Array) (ListChunk, error) {
	data := arr.Data()
	n := arr.Len()

	var raw []byte
	if buffers := data.Buffers(); len(buffers) > 1 && buffers[1] != nil {
		raw = buffers[1].Bytes()
	}

	// Offsets are read straight from the buffer so that the chunk's slice
	// offset is applied exactly once.
	lo, hi := data.Offset(), data.Offset()+n+1
	switch arr.(type) {
	case *array.List:
		c := ListChunk{arr: arr}
		if offs := arrow.Int32Traits.CastFromBytes(raw); len(offs) >= hi {
			c.off32 = offs[lo:hi]
		}
		return c, nil
	case *array.LargeList:
		c := ListChunk{arr: arr}
		if offs := arrow.Int64Traits.CastFromBytes(raw); len(offs) >= hi {
			c.off64 = offs[lo:hi]
		}
		return c, nil
	}
	return ListChunk{}, fmt.Errorf("%w: expected list column, got %s", arrow.ErrType, arr.DataType())
}

// ListChunks wraps every chunk of a list column.
func ListChunks(col *arrow.Column) ([]ListChunk, error) {
	if !IsList(col.DataType()) {
		return nil, fmt.Errorf("%w: expected list column, got %s", arrow.ErrType, col.DataType())
	}

	chunks := col.Data().Chunks()
	lists := make([]ListChunk, len(chunks))
	for i, chunk := range chunks {
		l, err := AsListChunk(chunk)
		if err != nil {
			return nil, err
		}
		lists[i] = l
	}
	return lists, nil
}

// Len is the number of lists in the chunk.
func (c ListChunk) Len() int { return c.arr.Len() }

// NullN is the number of null lists in the chunk.
func (c ListChunk) NullN() int { return c.arr.NullN() }

// Offset returns offset i of the chunk, 0 <= i <= Len().
func (c ListChunk) Offset(i int) int64 {
	switch {
	case c.off64 != nil:
		return c.off64[i]
	case c.off32 != nil:
		return int64(c.off32[i])
	}
	return 0
}

// Span returns the range of child positions referenced by the chunk.
func (c ListChunk) Span() (start, end int64) {
	if c.Len() == 0 {
		return 0, 0
	}
	return c.Offset(0), c.Offset(c.Len())
}

// Values returns the full child array of the chunk.
func (c ListChunk) Values() arrow.Array {
	return c.arr.(array.ListLike).ListValues()
}

// SharedOffsets returns the chunk's native int64 offsets buffer and the
// element position of the chunk's first offset inside it. ok is false when the
// chunk stores int32 offsets or has no offsets buffer.
func (c ListChunk) SharedOffsets() (buf *memory.Buffer, offset int, ok bool) {
	if c.off64 == nil {
		return nil, 0, false
	}

	data := c.arr.Data()
	buffers := data.Buffers()
	if len(buffers) < 2 || buffers[1] == nil {
		return nil, 0, false
	}
	return buffers[1], data.Offset(), true
}
