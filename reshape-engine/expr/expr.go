package expr

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// Expr is an expression tree node: either a reference to an input column or a
// call of a registered function, optionally renamed.
type Expr struct {
	Column string `json:"col,omitempty"`
	Func   string `json:"fn,omitempty"`
	Args   []Expr `json:"args,omitempty"`
	Name   string `json:"alias,omitempty"`
}

// Col references the input column name.
func Col(name string) Expr {
	return Expr{Column: name}
}

// Call applies the function fn to args.
func Call(fn string, args ...Expr) Expr {
	return Expr{Func: fn, Args: args}
}

// Alias renames the output of e.
func (e Expr) Alias(name string) Expr {
	e.Name = name
	return e
}

// Validate checks the structure of e and all of its arguments.
func (e Expr) Validate() error {
	switch {
	case e.Column != "" && e.Func != "":
		return fmt.Errorf("%w: both column %q and function %q set", ErrInvalidExpr, e.Column, e.Func)
	case e.Column != "":
		if len(e.Args) > 0 {
			return fmt.Errorf("%w: column %q has arguments", ErrInvalidExpr, e.Column)
		}
		return nil
	case e.Func != "":
		for _, arg := range e.Args {
			if err := arg.Validate(); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("%w: neither column nor function set", ErrInvalidExpr)
}

func (e Expr) String() string {
	var sb strings.Builder
	e.write(&sb)
	return sb.String()
}

func (e Expr) write(sb *strings.Builder) {
	if e.Column != "" {
		fmt.Fprintf(sb, "col(%q)", e.Column)
	} else {
		sb.WriteString(e.Func)
		sb.WriteByte('(')
		for i, arg := range e.Args {
			if i > 0 {
				sb.WriteString(", ")
			}
			arg.write(sb)
		}
		sb.WriteByte(')')
	}
	if e.Name != "" {
		fmt.Fprintf(sb, ".alias(%q)", e.Name)
	}
}

// MarshalExprs encodes a pipeline as JSON.
func MarshalExprs(exprs []Expr) ([]byte, error) {
	return json.Marshal(exprs)
}

// UnmarshalExprs decodes and validates a JSON pipeline.
func UnmarshalExprs(data []byte) ([]Expr, error) {
	var exprs []Expr
	if err := json.Unmarshal(data, &exprs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExpr, err)
	}
	for i, e := range exprs {
		if err := e.Validate(); err != nil {
			return nil, fmt.Errorf("expression %d: %w", i, err)
		}
	}
	return exprs, nil
}
