package data

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// ErrEmptyPayload is returned when decoding zero bytes.
var ErrEmptyPayload = errors.New("empty IPC payload")

// Codec serializes tables and columns as Arrow IPC streams.
// Every chunk of a table becomes one record batch, so chunk layout survives a
// round trip.
type Codec struct {
	allocator memory.Allocator
}

// NewCodec creates a Codec with the default memory allocator.
func NewCodec() *Codec {
	return &Codec{
		allocator: memory.DefaultAllocator,
	}
}

// NewCodecWithAllocator creates a Codec that decodes into mem.
func NewCodecWithAllocator(mem memory.Allocator) *Codec {
	return &Codec{
		allocator: mem,
	}
}

// Allocator returns the allocator decoded buffers come from.
func (c *Codec) Allocator() memory.Allocator { return c.allocator }

// WriteTable writes tbl to w as one IPC stream.
func (c *Codec) WriteTable(w io.Writer, tbl arrow.Table) error {
	writer := ipc.NewWriter(w, ipc.WithSchema(tbl.Schema()), ipc.WithAllocator(c.allocator))
	defer writer.Close()

	reader := array.NewTableReader(tbl, 0)
	defer reader.Release()

	n := 0
	for reader.Next() {
		if err := writer.Write(reader.Record()); err != nil {
			return fmt.Errorf("failed to write record %d: %w", n, err)
		}
		n++
	}
	if err := reader.Err(); err != nil {
		return fmt.Errorf("failed to read table: %w", err)
	}

	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	return nil
}

// EncodeTable serializes tbl to IPC bytes.
func (c *Codec) EncodeTable(tbl arrow.Table) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.WriteTable(&buf, tbl); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ReadTable reads one IPC stream from r into a table.
func (c *Codec) ReadTable(r io.Reader) (arrow.Table, error) {
	reader, err := ipc.NewReader(r, ipc.WithAllocator(c.allocator))
	if err != nil {
		return nil, fmt.Errorf("failed to create reader: %w", err)
	}
	defer reader.Release()

	var records []arrow.Record
	defer func() {
		for _, rec := range records {
			rec.Release()
		}
	}()

	for reader.Next() {
		rec := reader.Record()
		rec.Retain()
		records = append(records, rec)
	}
	if err := reader.Err(); err != nil {
		return nil, fmt.Errorf("failed to read record %d: %w", len(records), err)
	}

	return array.NewTableFromRecords(reader.Schema(), records), nil
}

// DecodeTable deserializes IPC bytes into a table.
func (c *Codec) DecodeTable(data []byte) (arrow.Table, error) {
	if len(data) == 0 {
		return nil, ErrEmptyPayload
	}
	return c.ReadTable(bytes.NewReader(data))
}

// EncodeColumn serializes col as a single-column table.
func (c *Codec) EncodeColumn(col *arrow.Column) ([]byte, error) {
	schema := arrow.NewSchema([]arrow.Field{col.Field()}, nil)
	tbl := array.NewTable(schema, []arrow.Column{*col}, int64(col.Len()))
	defer tbl.Release()

	return c.EncodeTable(tbl)
}

// DecodeColumn deserializes a single-column table.
func (c *Codec) DecodeColumn(data []byte) (*arrow.Column, error) {
	tbl, err := c.DecodeTable(data)
	if err != nil {
		return nil, err
	}
	defer tbl.Release()

	if tbl.NumCols() != 1 {
		return nil, fmt.Errorf("expected a single column, got %d", tbl.NumCols())
	}

	col := tbl.Column(0)
	col.Retain()
	return col, nil
}
