// Package expr exposes the reshaping functions as named expressions.
//
// A Registry maps function names to their arity, output type inference and
// evaluation. Expressions reference input columns by name and nest calls;
// an Evaluator computes the output schema of a pipeline before running it and
// evaluates independent expressions concurrently.
package expr

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/VanDung-dev/Reshape-Engine/reshape-engine/column"
	"github.com/VanDung-dev/Reshape-Engine/reshape-engine/functions"
	"github.com/apache/arrow-go/v18/arrow"
)

var (
	// ErrUnknownFunction is returned for calls to unregistered functions.
	ErrUnknownFunction = errors.New("unknown function")
	// ErrArity is returned when a call has the wrong number of arguments.
	ErrArity = errors.New("wrong number of arguments")
	// ErrUnknownColumn is returned for references to missing input columns.
	ErrUnknownColumn = errors.New("unknown column")
	// ErrInvalidExpr is returned for malformed expressions.
	ErrInvalidExpr = errors.New("invalid expression")
)

// Function is a registered reshaping function.
type Function struct {
	Name  string
	Arity int

	// Variadic functions take Arity or more arguments.
	Variadic bool

	// OutputField infers the output field from the input fields without
	// touching any data.
	OutputField func(inputs []arrow.Field) (arrow.Field, error)

	// Eval runs the function. Inputs stay owned by the caller; the returned
	// column is owned by the caller.
	Eval func(ctx context.Context, inputs []*arrow.Column) (*arrow.Column, error)
}

// Registry holds named functions. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]*Function
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		funcs: make(map[string]*Function),
	}
}

// Register adds fn. Names are unique.
func (r *Registry) Register(fn *Function) error {
	if fn.Name == "" || fn.OutputField == nil || fn.Eval == nil {
		return fmt.Errorf("%w: function definition is incomplete", ErrInvalidExpr)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.funcs[fn.Name]; exists {
		return fmt.Errorf("function %q already registered", fn.Name)
	}
	r.funcs[fn.Name] = fn
	return nil
}

// Lookup returns the function registered under name.
func (r *Registry) Lookup(name string) (*Function, error) {
	r.mu.RLock()
	fn, ok := r.funcs[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFunction, name)
	}
	return fn, nil
}

// Names returns the registered function names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func checkArity(fn *Function, n int) error {
	if fn.Variadic {
		if n < fn.Arity {
			return fmt.Errorf("%w: %s takes at least %d, got %d", ErrArity, fn.Name, fn.Arity, n)
		}
		return nil
	}
	if n != fn.Arity {
		return fmt.Errorf("%w: %s takes %d, got %d", ErrArity, fn.Name, fn.Arity, n)
	}
	return nil
}

// outputOf names an inferred output after the first input, matching what the
// reshaping functions do at evaluation time.
func outputOf(inputs []arrow.Field, dtype arrow.DataType) arrow.Field {
	return arrow.Field{Name: inputs[0].Name, Type: dtype, Nullable: true}
}

func imploded(inputs []arrow.Field) (arrow.Field, error) {
	return outputOf(inputs, functions.ImplodedType(inputs[0].Type)), nil
}

// structOf builds the struct type of fields, rejecting duplicate names.
func structOf(fields []arrow.Field) (*arrow.StructType, error) {
	out := make([]arrow.Field, len(fields))
	seen := make(map[string]struct{}, len(fields))
	for i, f := range fields {
		if _, dup := seen[f.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate field name %q in struct", functions.ErrInvalidArgument, f.Name)
		}
		seen[f.Name] = struct{}{}
		out[i] = arrow.Field{Name: f.Name, Type: f.Type, Nullable: true}
	}
	return arrow.StructOf(out...), nil
}

// elementFields replaces every list field by a field of its element type.
func elementFields(inputs []arrow.Field) ([]arrow.Field, error) {
	out := make([]arrow.Field, len(inputs))
	for i, f := range inputs {
		elem, err := column.ElemType(f.Type)
		if err != nil {
			return nil, err
		}
		out[i] = arrow.Field{Name: f.Name, Type: elem}
	}
	return out, nil
}

// Function names registered by DefaultRegistry.
const (
	FuncCastArrToStruct    = "cast_arr_to_struct"
	FuncGetOffsets         = "get_offsets"
	FuncImplodeLike        = "implode_like"
	FuncImplodeWithLengths = "implode_with_lengths"
	FuncImplodeWithOffsets = "implode_with_offsets"
	FuncFlatten            = "flatten"
	FuncStruct             = "struct"
	FuncZip                = "zip"
	FuncImplodeWith        = "implode_with"
)

// ImplodeWithAll pairs the list column inner with every other column of
// schema, in schema order.
func ImplodeWithAll(schema *arrow.Schema, inner string) Expr {
	args := []Expr{Col(inner)}
	for _, f := range schema.Fields() {
		if f.Name != inner {
			args = append(args, Col(f.Name))
		}
	}
	return Call(FuncImplodeWith, args...)
}

// DefaultRegistry registers every reshaping function of r.
func DefaultRegistry(r *functions.Reshaper) *Registry {
	reg := NewRegistry()

	defs := []*Function{
		{
			Name:  FuncCastArrToStruct,
			Arity: 2,
			OutputField: func(inputs []arrow.Field) (arrow.Field, error) {
				fsl, ok := inputs[0].Type.(*arrow.FixedSizeListType)
				if !ok {
					return arrow.Field{}, fmt.Errorf("%w: expected fixed-size list column, got %s", arrow.ErrType, inputs[0].Type)
				}
				st, ok := inputs[1].Type.(*arrow.StructType)
				if !ok {
					return arrow.Field{}, fmt.Errorf("%w: expected struct column, got %s", arrow.ErrType, inputs[1].Type)
				}
				if int(fsl.Len()) != st.NumFields() {
					return arrow.Field{}, fmt.Errorf("%w: cannot cast array of width %d to struct of width %d",
						functions.ErrShapeMismatch, fsl.Len(), st.NumFields())
				}
				return outputOf(inputs, st), nil
			},
			Eval: func(ctx context.Context, in []*arrow.Column) (*arrow.Column, error) {
				return r.CastArrToStruct(ctx, in[0], in[1])
			},
		},
		{
			Name:  FuncGetOffsets,
			Arity: 1,
			OutputField: func(inputs []arrow.Field) (arrow.Field, error) {
				if !column.IsList(inputs[0].Type) {
					return arrow.Field{}, fmt.Errorf("%w: expected list column, got %s", arrow.ErrType, inputs[0].Type)
				}
				return outputOf(inputs, arrow.PrimitiveTypes.Int64), nil
			},
			Eval: func(_ context.Context, in []*arrow.Column) (*arrow.Column, error) {
				return r.GetOffsets(in[0])
			},
		},
		{
			Name:        FuncImplodeLike,
			Arity:       2,
			OutputField: imploded,
			Eval: func(_ context.Context, in []*arrow.Column) (*arrow.Column, error) {
				return r.ImplodeLike(in[0], in[1])
			},
		},
		{
			Name:        FuncImplodeWithLengths,
			Arity:       2,
			OutputField: imploded,
			Eval: func(ctx context.Context, in []*arrow.Column) (*arrow.Column, error) {
				return r.ImplodeWithLengths(ctx, in[0], in[1])
			},
		},
		{
			Name:        FuncImplodeWithOffsets,
			Arity:       2,
			OutputField: imploded,
			Eval: func(ctx context.Context, in []*arrow.Column) (*arrow.Column, error) {
				return r.ImplodeWithOffsets(ctx, in[0], in[1])
			},
		},
		{
			Name:  FuncFlatten,
			Arity: 1,
			OutputField: func(inputs []arrow.Field) (arrow.Field, error) {
				elem, err := column.ElemType(inputs[0].Type)
				if err != nil {
					return arrow.Field{}, err
				}
				return outputOf(inputs, elem), nil
			},
			Eval: func(_ context.Context, in []*arrow.Column) (*arrow.Column, error) {
				return r.Flatten(in[0])
			},
		},
		{
			Name:     FuncStruct,
			Arity:    1,
			Variadic: true,
			OutputField: func(inputs []arrow.Field) (arrow.Field, error) {
				st, err := structOf(inputs)
				if err != nil {
					return arrow.Field{}, err
				}
				return outputOf(inputs, st), nil
			},
			Eval: func(_ context.Context, in []*arrow.Column) (*arrow.Column, error) {
				return r.Struct(in...)
			},
		},
		{
			Name:     FuncZip,
			Arity:    1,
			Variadic: true,
			OutputField: func(inputs []arrow.Field) (arrow.Field, error) {
				elems, err := elementFields(inputs)
				if err != nil {
					return arrow.Field{}, err
				}
				st, err := structOf(elems)
				if err != nil {
					return arrow.Field{}, err
				}
				return outputOf(inputs, functions.ImplodedType(st)), nil
			},
			Eval: func(_ context.Context, in []*arrow.Column) (*arrow.Column, error) {
				return r.Zip(in...)
			},
		},
		{
			Name:     FuncImplodeWith,
			Arity:    1,
			Variadic: true,
			OutputField: func(inputs []arrow.Field) (arrow.Field, error) {
				inner, err := elementFields(inputs[:1])
				if err != nil {
					return arrow.Field{}, err
				}
				st, err := structOf(append(inner, inputs[1:]...))
				if err != nil {
					return arrow.Field{}, err
				}
				return outputOf(inputs, functions.ImplodedType(st)), nil
			},
			Eval: func(ctx context.Context, in []*arrow.Column) (*arrow.Column, error) {
				return r.ImplodeWith(ctx, in[0], in[1:]...)
			},
		},
	}

	for _, def := range defs {
		// Names above are distinct, so Register cannot fail.
		_ = reg.Register(def)
	}
	return reg
}
