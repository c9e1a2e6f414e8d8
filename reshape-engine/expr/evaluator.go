package expr

import (
	"context"
	"errors"
	"fmt"

	"github.com/VanDung-dev/Reshape-Engine/reshape-engine/column"
	"github.com/VanDung-dev/Reshape-Engine/reshape-engine/core"
	"github.com/VanDung-dev/Reshape-Engine/reshape-engine/functions"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
)

// Evaluator runs expressions against tables.
type Evaluator struct {
	registry *Registry
	pool     *core.WorkerPool
}

// NewEvaluator creates an evaluator over registry. When pool is non-nil,
// Select evaluates independent expressions on it; otherwise they run in turn.
func NewEvaluator(registry *Registry, pool *core.WorkerPool) *Evaluator {
	return &Evaluator{
		registry: registry,
		pool:     pool,
	}
}

// Registry returns the function registry.
func (e *Evaluator) Registry() *Registry { return e.registry }

// Field infers the output field of x over input without evaluating it.
func (e *Evaluator) Field(input *arrow.Schema, x Expr) (arrow.Field, error) {
	if err := x.Validate(); err != nil {
		return arrow.Field{}, err
	}
	return e.field(input, x)
}

func (e *Evaluator) field(input *arrow.Schema, x Expr) (arrow.Field, error) {
	var out arrow.Field

	if x.Column != "" {
		idx := input.FieldIndices(x.Column)
		if len(idx) == 0 {
			return arrow.Field{}, fmt.Errorf("%w: %q", ErrUnknownColumn, x.Column)
		}
		out = input.Field(idx[0])
	} else {
		fn, err := e.registry.Lookup(x.Func)
		if err != nil {
			return arrow.Field{}, err
		}
		if err := checkArity(fn, len(x.Args)); err != nil {
			return arrow.Field{}, err
		}

		inputs := make([]arrow.Field, len(x.Args))
		for i, arg := range x.Args {
			if inputs[i], err = e.field(input, arg); err != nil {
				return arrow.Field{}, err
			}
		}

		if out, err = fn.OutputField(inputs); err != nil {
			return arrow.Field{}, fmt.Errorf("%s: %w", x.Func, err)
		}
	}

	if x.Name != "" {
		out.Name = x.Name
	}
	return out, nil
}

// Schema infers the schema Select would produce for exprs over input.
func (e *Evaluator) Schema(input *arrow.Schema, exprs ...Expr) (*arrow.Schema, error) {
	fields := make([]arrow.Field, len(exprs))
	for i, x := range exprs {
		f, err := e.Field(input, x)
		if err != nil {
			return nil, fmt.Errorf("expression %d (%s): %w", i, x, err)
		}
		fields[i] = f
	}
	return arrow.NewSchema(fields, nil), nil
}

// Call runs the function name on already materialized columns.
func (e *Evaluator) Call(ctx context.Context, name string, args []*arrow.Column) (*arrow.Column, error) {
	fn, err := e.registry.Lookup(name)
	if err != nil {
		return nil, err
	}
	if err := checkArity(fn, len(args)); err != nil {
		return nil, err
	}
	return fn.Eval(ctx, args)
}

// Eval evaluates x over table. The returned column is owned by the caller.
func (e *Evaluator) Eval(ctx context.Context, table arrow.Table, x Expr) (*arrow.Column, error) {
	if err := x.Validate(); err != nil {
		return nil, err
	}
	return e.eval(ctx, table, x)
}

func (e *Evaluator) eval(ctx context.Context, table arrow.Table, x Expr) (*arrow.Column, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out *arrow.Column

	if x.Column != "" {
		idx := table.Schema().FieldIndices(x.Column)
		if len(idx) == 0 {
			return nil, fmt.Errorf("%w: %q", ErrUnknownColumn, x.Column)
		}
		out = table.Column(idx[0])
		out.Retain()
	} else {
		args := make([]*arrow.Column, 0, len(x.Args))
		defer func() {
			for _, arg := range args {
				arg.Release()
			}
		}()

		for _, a := range x.Args {
			arg, err := e.eval(ctx, table, a)
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
		}

		var err error
		if out, err = e.Call(ctx, x.Func, args); err != nil {
			return nil, fmt.Errorf("%s: %w", x.Func, err)
		}
	}

	if x.Name != "" && x.Name != out.Name() {
		renamed := column.Rename(out, x.Name)
		out.Release()
		out = renamed
	}
	return out, nil
}

// Select evaluates every expression over table and assembles the outputs into
// a new table. All outputs must have the same length.
func (e *Evaluator) Select(ctx context.Context, table arrow.Table, exprs ...Expr) (arrow.Table, error) {
	if _, err := e.Schema(table.Schema(), exprs...); err != nil {
		return nil, err
	}

	cols, err := e.evalAll(ctx, table, exprs)
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()

	fields := make([]arrow.Field, len(cols))
	values := make([]arrow.Column, len(cols))
	for i, c := range cols {
		if c.Len() != cols[0].Len() {
			return nil, fmt.Errorf("%w: output %q has length %d, output %q has length %d",
				functions.ErrShapeMismatch, c.Name(), c.Len(), cols[0].Name(), cols[0].Len())
		}
		fields[i] = c.Field()
		values[i] = *c
	}

	return array.NewTable(arrow.NewSchema(fields, nil), values, -1), nil
}

func (e *Evaluator) evalAll(ctx context.Context, table arrow.Table, exprs []Expr) ([]*arrow.Column, error) {
	cols := make([]*arrow.Column, len(exprs))

	if e.pool == nil || len(exprs) < 2 {
		for i, x := range exprs {
			col, err := e.eval(ctx, table, x)
			if err != nil {
				releaseColumns(cols)
				return nil, fmt.Errorf("expression %d (%s): %w", i, x, err)
			}
			cols[i] = col
		}
		return cols, nil
	}

	tasks := make([]*core.Task, len(exprs))
	var firstErr error
	for i, x := range exprs {
		x := x
		tasks[i] = core.NewTask(ctx, fmt.Sprintf("expr-%d", i), func(ctx context.Context) (any, error) {
			return e.eval(ctx, table, x)
		})
		err := e.pool.Submit(tasks[i])
		if err == nil {
			continue
		}
		tasks[i] = nil

		// A full queue runs the expression on the calling goroutine.
		if errors.Is(err, core.ErrQueueFull) {
			if cols[i], err = e.eval(ctx, table, x); err == nil {
				continue
			}
		}
		firstErr = fmt.Errorf("expression %d (%s): %w", i, x, err)
		break
	}

	// Every submitted task is waited for so that no output leaks.
	for i, task := range tasks {
		if task == nil {
			continue
		}
		result, err := task.Wait(context.Background())
		switch {
		case err != nil:
			if firstErr == nil {
				firstErr = err
			}
		case result.Error != nil:
			if firstErr == nil {
				firstErr = fmt.Errorf("expression %d (%s): %w", i, exprs[i], result.Error)
			}
		default:
			cols[i] = result.Data.(*arrow.Column)
		}
	}

	if firstErr != nil {
		releaseColumns(cols)
		return nil, firstErr
	}
	return cols, nil
}

func releaseColumns(cols []*arrow.Column) {
	for _, c := range cols {
		if c != nil {
			c.Release()
		}
	}
}
