package column

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// NewInt64Buffer allocates a fresh buffer for n int64 values and returns it
// together with a typed view of its bytes. The caller owns one reference.
func NewInt64Buffer(mem memory.Allocator, n int) (*memory.Buffer, []int64) {
	buf := memory.NewResizableBuffer(mem)
	buf.Resize(arrow.Int64Traits.BytesRequired(n))
	return buf, arrow.Int64Traits.CastFromBytes(buf.Bytes())
}

// Int64View wraps length values of buf starting at element offset as an
// Int64 array without copying. The array holds its own reference to buf.
func Int64View(buf *memory.Buffer, offset, length int) *array.Int64 {
	data := array.NewData(arrow.PrimitiveTypes.Int64, length, []*memory.Buffer{nil, buf}, nil, 0, offset)
	defer data.Release()
	return array.NewInt64Data(data)
}

// NewLargeList assembles a large-list array of n lists over values.
// offsets is shared, not copied; its entries from element dataOffset onward
// index into values.
func NewLargeList(elem arrow.DataType, offsets *memory.Buffer, dataOffset, n int, values arrow.Array) *array.LargeList {
	data := array.NewData(
		arrow.LargeListOf(elem),
		n,
		[]*memory.Buffer{nil, offsets},
		[]arrow.ArrayData{values.Data()},
		0,
		dataOffset,
	)
	defer data.Release()
	return array.NewLargeListData(data)
}
