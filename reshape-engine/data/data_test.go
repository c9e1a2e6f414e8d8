package data

import (
	"bytes"
	"strings"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var listType = arrow.LargeListOf(arrow.PrimitiveTypes.Int64)

func newColumn(t *testing.T, mem memory.Allocator, name string, dtype arrow.DataType, chunks ...string) *arrow.Column {
	t.Helper()
	chunked, err := array.ChunkedFromJSON(mem, dtype, chunks)
	require.NoError(t, err)
	defer chunked.Release()
	return arrow.NewColumn(arrow.Field{Name: name, Type: dtype, Nullable: true}, chunked)
}

func newChecked(t *testing.T) *memory.CheckedAllocator {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	t.Cleanup(func() { mem.AssertSize(t, 0) })
	return mem
}

func TestColumnRoundTrip(t *testing.T) {
	mem := newChecked(t)
	codec := NewCodecWithAllocator(mem)

	col := newColumn(t, mem, "nested", listType, `[[1, 2], [3]]`, `[null, [], [4, 5, 6]]`)
	defer col.Release()

	payload, err := codec.EncodeColumn(col)
	require.NoError(t, err)

	decoded, err := codec.DecodeColumn(payload)
	require.NoError(t, err)
	defer decoded.Release()

	assert.Equal(t, "nested", decoded.Name())
	assert.True(t, arrow.TypeEqual(listType, decoded.DataType()))
	assert.Len(t, decoded.Data().Chunks(), 2)
	assert.True(t, array.ChunkedEqual(col.Data(), decoded.Data()))
}

func TestTableRoundTrip(t *testing.T) {
	mem := newChecked(t)
	codec := NewCodecWithAllocator(mem)

	schema := arrow.NewSchema([]arrow.Field{
		{Name: "v", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
		{Name: "pair", Type: arrow.FixedSizeListOf(2, arrow.BinaryTypes.String), Nullable: true},
	}, nil)

	tbl, err := codec.TableFromJSON(schema, []byte(`[
		{"v": 1, "pair": ["a", "b"]},
		{"v": null, "pair": null},
		{"v": 3, "pair": ["c", null]}
	]`))
	require.NoError(t, err)
	defer tbl.Release()

	var buf bytes.Buffer
	require.NoError(t, codec.WriteTable(&buf, tbl))

	decoded, err := codec.ReadTable(&buf)
	require.NoError(t, err)
	defer decoded.Release()

	require.NoError(t, ValidateSchema(decoded.Schema(), schema))
	assert.EqualValues(t, 3, decoded.NumRows())
	for i := 0; i < int(tbl.NumCols()); i++ {
		assert.True(t, array.ChunkedEqual(tbl.Column(i).Data(), decoded.Column(i).Data()))
	}
}

func TestEmptyColumnRoundTrip(t *testing.T) {
	mem := newChecked(t)
	codec := NewCodecWithAllocator(mem)

	chunked := arrow.NewChunked(arrow.PrimitiveTypes.Int32, nil)
	col := arrow.NewColumn(arrow.Field{Name: "empty", Type: arrow.PrimitiveTypes.Int32, Nullable: true}, chunked)
	chunked.Release()
	defer col.Release()

	payload, err := codec.EncodeColumn(col)
	require.NoError(t, err)

	decoded, err := codec.DecodeColumn(payload)
	require.NoError(t, err)
	defer decoded.Release()

	assert.Equal(t, 0, decoded.Len())
	assert.Equal(t, "empty", decoded.Name())
}

func TestDecodeErrors(t *testing.T) {
	codec := NewCodec()

	_, err := codec.DecodeTable(nil)
	assert.ErrorIs(t, err, ErrEmptyPayload)

	_, err = codec.DecodeTable([]byte("not arrow"))
	assert.Error(t, err)

	schema := arrow.NewSchema([]arrow.Field{
		{Name: "a", Type: arrow.PrimitiveTypes.Int64},
		{Name: "b", Type: arrow.PrimitiveTypes.Int64},
	}, nil)
	tbl, err := codec.TableFromJSON(schema, []byte(`[{"a": 1, "b": 2}]`))
	require.NoError(t, err)
	defer tbl.Release()

	payload, err := codec.EncodeTable(tbl)
	require.NoError(t, err)

	_, err = codec.DecodeColumn(payload)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected a single column, got 2")
}

func TestWriteJSON(t *testing.T) {
	mem := newChecked(t)
	codec := NewCodecWithAllocator(mem)

	col := newColumn(t, mem, "l", listType, `[[1, 2]]`, `[[]]`)
	defer col.Release()

	tbl := array.NewTable(arrow.NewSchema([]arrow.Field{col.Field()}, nil), []arrow.Column{*col}, -1)
	defer tbl.Release()

	var buf bytes.Buffer
	require.NoError(t, codec.WriteJSON(&buf, tbl))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"l": [1, 2]}`, lines[0])
	assert.JSONEq(t, `{"l": []}`, lines[1])
}

func TestValidateSchema(t *testing.T) {
	expected := arrow.NewSchema([]arrow.Field{
		{Name: "a", Type: arrow.PrimitiveTypes.Int64},
	}, nil)

	tests := []struct {
		name    string
		actual  *arrow.Schema
		wantErr string
	}{
		{"match", arrow.NewSchema([]arrow.Field{{Name: "a", Type: arrow.PrimitiveTypes.Int64, Nullable: true}}, nil), ""},
		{"nil", nil, "schema is nil"},
		{"count", arrow.NewSchema(nil, nil), "field count mismatch"},
		{"name", arrow.NewSchema([]arrow.Field{{Name: "b", Type: arrow.PrimitiveTypes.Int64}}, nil), "name mismatch"},
		{"type", arrow.NewSchema([]arrow.Field{{Name: "a", Type: arrow.PrimitiveTypes.Int32}}, nil), "type mismatch"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSchema(tt.actual, expected)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
