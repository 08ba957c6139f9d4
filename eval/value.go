// Copyright 2026 The loom Authors
// SPDX-License-Identifier: MIT

package eval

import (
	"fmt"
	"sort"
)

// Type identifies the dynamic type of a [Value].
//
// Grounded on the teacher's internal/lua/value.go Type enum/String()
// pattern, adapted to spec.md §4.6's type list.
type Type int

const (
	TypeNull Type = iota
	TypeBool
	TypeInt
	TypeFloat
	TypeString
	TypePath
	TypeList
	TypeAttrs
	TypeFunction
	TypeExternal
)

func (t Type) String() string {
	switch t {
	case TypeNull:
		return "null"
	case TypeBool:
		return "bool"
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeString:
		return "string"
	case TypePath:
		return "path"
	case TypeList:
		return "list"
	case TypeAttrs:
		return "set"
	case TypeFunction:
		return "lambda"
	case TypeExternal:
		return "external"
	default:
		return fmt.Sprintf("Type(%d)", int(t))
	}
}

// Value is any fully-forced (WHNF) expression-language value.
//
// Mirrors the teacher's internal/lua "value interface { valueType()
// Type }" shape. Compound values (List, AttrSet) may still hold
// unforced [*Thunk] elements; only the outermost constructor is
// guaranteed evaluated.
type Value interface {
	valueType() Type
}

// Null is the single null value.
type Null struct{}

func (Null) valueType() Type { return TypeNull }

// Bool is a boolean value.
type Bool bool

func (Bool) valueType() Type { return TypeBool }

// Int is a 64-bit signed integer value.
type Int int64

func (Int) valueType() Type { return TypeInt }

// Float is a 64-bit floating point value.
type Float float64

func (Float) valueType() Type { return TypeFloat }

// String is a string value together with its propagated string context
// (spec.md §4.6's string-context model): the set of store paths and
// derivation outputs that must exist for this string's contents to be
// meaningful, tracked out of band from the text itself.
type String struct {
	Text    string
	Context ContextSet
}

func (String) valueType() Type { return TypeString }

// Path is an already-resolved absolute filesystem path literal.
type Path string

func (Path) valueType() Type { return TypePath }

// List is an ordered sequence of (possibly unforced) elements.
type List struct {
	Elems []Value
}

func (*List) valueType() Type { return TypeList }

// AttrSet is a symbol-keyed attribute set with sorted key iteration
// (spec.md §4.6), holding possibly-unforced values.
type AttrSet struct {
	attrs map[string]Value
}

func (*AttrSet) valueType() Type { return TypeAttrs }

// NewAttrSet builds an AttrSet from a plain map.
func NewAttrSet(m map[string]Value) *AttrSet {
	return &AttrSet{attrs: m}
}

// Get returns the value bound to name, if any.
func (a *AttrSet) Get(name string) (Value, bool) {
	v, ok := a.attrs[name]
	return v, ok
}

// Len returns the number of attributes.
func (a *AttrSet) Len() int { return len(a.attrs) }

// SortedNames returns the attribute set's keys in sorted order, the
// canonical iteration order for listing, equality, and serialization.
func (a *AttrSet) SortedNames() []string {
	names := make([]string, 0, len(a.attrs))
	for k := range a.attrs {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Function is a callable value: either a user lambda closure or a
// built-in primop.
type Function struct {
	Name    string // "" for an anonymous lambda
	Arity   int    // number of curried arguments a builtin expects; 0 for lambdas
	Lambda  *Lambda
	Closure *Env
	Builtin func(ev *Evaluator, args []Value) (Value, error)
	// partial holds already-applied arguments for a curried multi-arg
	// builtin (e.g. builtins.sub x y applies one argument at a time).
	partial []Value
}

func (*Function) valueType() Type { return TypeFunction }

// External is an opaque extension value recognized only by name (spec.md
// §4.6's "special values"); loom does not currently produce any, but the
// type exists so builtins can reject foreign values with a clear error
// instead of a type assertion panic.
type External struct {
	Name string
	Data any
}

func (External) valueType() Type { return TypeExternal }

// Thunk is an unevaluated expression paired with the environment it
// closes over. Forcing replaces the Thunk's role in its container with
// its computed [Value] (call-by-need); see [Evaluator.Force].
//
// The blackholed flag implements spec.md §9's cycle-detection
// requirement: it is set for the duration of forcing and checked on
// re-entry, catching both accidental infinite recursion and genuine
// self-referential cycles that are not tied off through a lambda.
type Thunk struct {
	Expr       Expr
	Env        *Env
	value      Value
	err        error
	forced     bool
	blackholed bool
}

func (*Thunk) valueType() Type { return TypeNull } // never observed: always forced first

// NewThunk suspends expr for later evaluation in env.
func NewThunk(expr Expr, env *Env) *Thunk {
	return &Thunk{Expr: expr, Env: env}
}
