// Package data provides the Arrow encodings used on the wire and by the CLI.
// This package implements:
// - IPC stream serialization of tables and single columns
// - JSON rows to Arrow table conversion and back
// - Schema comparison for decoded payloads
package data
