package column

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// NewColumn builds a nullable column named name from chunks.
// Ownership of chunks passes to the column: the caller must not release them.
func NewColumn(name string, dtype arrow.DataType, chunks []arrow.Array) *arrow.Column {
	chunked := arrow.NewChunked(dtype, chunks)
	defer chunked.Release()

	for _, chunk := range chunks {
		chunk.Release()
	}

	return arrow.NewColumn(arrow.Field{Name: name, Type: dtype, Nullable: true}, chunked)
}

// Rename returns a column sharing col's chunks under a new name.
func Rename(col *arrow.Column, name string) *arrow.Column {
	field := col.Field()
	field.Name = name
	return arrow.NewColumn(field, col.Data())
}

// Rechunk returns the whole of chunked as a single contiguous array.
// A single-chunk input is returned as-is with an extra reference; only
// multi-chunk inputs are concatenated into fresh buffers.
func Rechunk(mem memory.Allocator, chunked *arrow.Chunked) (arrow.Array, error) {
	chunks := chunked.Chunks()

	switch len(chunks) {
	case 0:
		return array.MakeArrayOfNull(mem, chunked.DataType(), 0), nil
	case 1:
		chunks[0].Retain()
		return chunks[0], nil
	}

	arr, err := array.Concatenate(chunks, mem)
	if err != nil {
		return nil, fmt.Errorf("failed to rechunk %d chunks: %w", len(chunks), err)
	}
	return arr, nil
}

// ChunkLengths returns the length of every chunk of chunked.
func ChunkLengths(chunked *arrow.Chunked) []int {
	chunks := chunked.Chunks()
	lengths := make([]int, len(chunks))
	for i, chunk := range chunks {
		lengths[i] = chunk.Len()
	}
	return lengths
}

// ReleaseAll releases every non-nil array in arrs.
func ReleaseAll(arrs []arrow.Array) {
	for _, arr := range arrs {
		if arr != nil {
			arr.Release()
		}
	}
}
