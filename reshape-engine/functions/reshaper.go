// Package functions provides the nested-column reshaping primitives:
// offset extraction, implosion of flat columns into list columns, flattening,
// and the reinterpretation of fixed-size list columns as struct columns.
//
// All functions are pure: inputs are never mutated, element data is never
// copied, and outputs share buffers with their inputs through arrow-go
// reference counting. Callers release both inputs and outputs independently.
package functions

import (
	"errors"

	"github.com/VanDung-dev/Reshape-Engine/reshape-engine/offsets"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Errors returned by the reshaping functions. Type errors wrap arrow.ErrType.
var (
	ErrShapeMismatch = offsets.ErrShapeMismatch
	ErrCompute       = offsets.ErrCompute

	// ErrInvalidArgument is returned for argument lists a function cannot
	// build a result from, such as duplicate struct field names.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Reshaper runs the reshaping functions with a fixed memory allocator.
// A Reshaper holds no mutable state and is safe for concurrent use.
type Reshaper struct {
	mem memory.Allocator
}

// NewReshaper creates a Reshaper with the default memory allocator.
func NewReshaper() *Reshaper {
	return &Reshaper{
		mem: memory.DefaultAllocator,
	}
}

// NewReshaperWithAllocator creates a Reshaper allocating from mem.
func NewReshaperWithAllocator(mem memory.Allocator) *Reshaper {
	return &Reshaper{
		mem: mem,
	}
}

// Allocator returns the allocator used for fresh buffers.
func (r *Reshaper) Allocator() memory.Allocator { return r.mem }

// ImplodedType is the type produced by imploding a column of type elem:
// elem wrapped in one more level of list nesting, with int64 offsets.
func ImplodedType(elem arrow.DataType) arrow.DataType {
	return arrow.LargeListOf(elem)
}
