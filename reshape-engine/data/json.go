package data

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
)

// TableFromJSON builds a single-chunk table with the given schema from a JSON
// array of row objects.
func (c *Codec) TableFromJSON(schema *arrow.Schema, rows []byte) (arrow.Table, error) {
	if len(bytes.TrimSpace(rows)) == 0 {
		return nil, errors.New("empty JSON input")
	}

	rec, _, err := array.RecordFromJSON(c.allocator, schema, bytes.NewReader(rows))
	if err != nil {
		return nil, fmt.Errorf("failed to convert JSON rows: %w", err)
	}
	defer rec.Release()

	return array.NewTableFromRecords(schema, []arrow.Record{rec}), nil
}

// WriteJSON writes tbl to w as newline-delimited JSON objects, one per row.
func (c *Codec) WriteJSON(w io.Writer, tbl arrow.Table) error {
	reader := array.NewTableReader(tbl, 0)
	defer reader.Release()

	for reader.Next() {
		if err := array.RecordToJSON(reader.Record(), w); err != nil {
			return fmt.Errorf("failed to convert record to JSON: %w", err)
		}
	}
	return reader.Err()
}

// ValidateSchema checks that actual has the names and types of expected.
func ValidateSchema(actual, expected *arrow.Schema) error {
	if actual == nil {
		return errors.New("schema is nil")
	}

	if actual.NumFields() != expected.NumFields() {
		return fmt.Errorf("field count mismatch: got %d, expected %d",
			actual.NumFields(), expected.NumFields())
	}

	for i := 0; i < actual.NumFields(); i++ {
		actualField := actual.Field(i)
		expectedField := expected.Field(i)

		if actualField.Name != expectedField.Name {
			return fmt.Errorf("field %d name mismatch: got %s, expected %s",
				i, actualField.Name, expectedField.Name)
		}

		if !arrow.TypeEqual(actualField.Type, expectedField.Type) {
			return fmt.Errorf("field %s type mismatch: got %s, expected %s",
				actualField.Name, actualField.Type, expectedField.Type)
		}
	}

	return nil
}
