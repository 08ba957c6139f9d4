// Copyright 2026 The loom Authors
// SPDX-License-Identifier: MIT

package eval

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"loom.build/pkg/sets"
	"loom.build/pkg/storepath"
)

// Evaluator holds the mutable state shared across one evaluation:
// the base environment (builtins, true/false/null) and the NIX_PATH-like
// search path table consulted by [SearchPathLit]. There is deliberately
// no "heap" field distinct from ordinary Go values — see DESIGN.md's
// note on representing spec.md §9's value-graph arena as plain
// heap-allocated, GC-traced Go structs instead.
type Evaluator struct {
	Base       *Env
	SearchPath map[string]string // <name> -> resolved absolute path
	Builtins   *AttrSet

	// Dir is the store directory new derivations are addressed under
	// (spec.md §3), threaded into builtins.derivation.
	Dir storepath.Directory
	// Writer performs the side-effecting store write builtins.derivation
	// needs to learn a newly-assembled derivation's drvPath. Nil unless
	// explicitly configured by the caller (package daemon/cmd); any
	// expression that never calls builtins.derivation works fine
	// without one.
	Writer DerivationWriter
	// Ctx is passed to Writer.WriteDerivation. Defaults to
	// context.Background(); callers evaluating under a cancellable
	// context (e.g. a daemon request) should replace it before Eval.
	Ctx context.Context
}

// NewEvaluator returns an Evaluator with the standard base environment:
// true, false, null, and the builtins attribute set (spec.md §4.6/§4.7).
func NewEvaluator() *Evaluator {
	ev := &Evaluator{Dir: storepath.DefaultDirectory, Ctx: context.Background()}
	ev.Builtins = NewAttrSet(registerBuiltins(ev))
	vars := map[string]Value{
		"true":     Bool(true),
		"false":    Bool(false),
		"null":     Null{},
		"builtins": ev.Builtins,
	}
	ev.Base = NewChildScope(nil, vars)
	return ev
}

// Eval parses and evaluates src to a fully-forced value.
func (ev *Evaluator) Eval(src []byte, baseDir string) (Value, error) {
	expr, err := ParseExpr(src, baseDir)
	if err != nil {
		return nil, err
	}
	return ev.EvalForced(expr, ev.Base)
}

// EvalForced evaluates expr and forces the result to WHNF.
func (ev *Evaluator) EvalForced(expr Expr, env *Env) (Value, error) {
	v, err := ev.eval(expr, env)
	if err != nil {
		return nil, err
	}
	return ev.Force(v)
}

// Force reduces v to weak-head normal form, memoizing thunk results and
// detecting self-referential forcing via the blackhole flag (spec.md
// §9's required invariant).
func (ev *Evaluator) Force(v Value) (Value, error) {
	for {
		t, ok := v.(*Thunk)
		if !ok {
			return v, nil
		}
		if t.forced {
			if t.err != nil {
				return nil, t.err
			}
			v = t.value
			continue
		}
		if t.blackholed {
			return nil, NewEvalError("infinite recursion encountered")
		}
		t.blackholed = true
		val, err := ev.eval(t.Expr, t.Env)
		t.blackholed = false
		t.forced = true
		if err != nil {
			t.err = err
			return nil, err
		}
		t.value = val
		v = val
	}
}

// eval evaluates expr in env to a possibly-unforced [Value]: literals,
// lambdas, and attribute-set/list constructors produce their result
// directly (building [*Thunk]s for their lazy sub-parts); every other
// node forces whatever it needs to make progress.
func (ev *Evaluator) eval(expr Expr, env *Env) (Value, error) {
	switch e := expr.(type) {
	case *IntLit:
		return Int(e.Value), nil
	case *FloatLit:
		return Float(e.Value), nil
	case *StringLit:
		return ev.evalStringLit(e, env)
	case *PathLit:
		return Path(expandHome(e.Value)), nil
	case *SearchPathLit:
		p, ok := ev.SearchPath[e.Value]
		if !ok {
			return nil, NewEvalError("file %q was not found in the search path", e.Value)
		}
		return Path(p), nil
	case *Ident:
		v, err := ev.resolve(env, e.Name)
		if err != nil {
			return nil, err
		}
		return v, nil
	case *ListExpr:
		elems := make([]Value, len(e.Elems))
		for i, el := range e.Elems {
			elems[i] = NewThunk(el, env)
		}
		return &List{Elems: elems}, nil
	case *AttrSetExpr:
		return ev.evalAttrSet(e, env)
	case *LetExpr:
		letEnv, err := ev.bindEnv(e.Bindings, e.Inherits, env, true)
		if err != nil {
			return nil, err
		}
		return ev.eval(e.Body, letEnv)
	case *WithExpr:
		withEnv := NewWithScope(env, NewThunk(e.Attrs, env))
		return ev.eval(e.Body, withEnv)
	case *IfExpr:
		cond, err := ev.EvalForced(e.Cond, env)
		if err != nil {
			return nil, err
		}
		b, ok := cond.(Bool)
		if !ok {
			return nil, NewEvalError("condition of if must be a bool, got %s", cond.valueType())
		}
		if bool(b) {
			return ev.eval(e.Then, env)
		}
		return ev.eval(e.Else, env)
	case *AssertExpr:
		cond, err := ev.EvalForced(e.Cond, env)
		if err != nil {
			return nil, err
		}
		b, ok := cond.(Bool)
		if !ok || !bool(b) {
			return nil, NewEvalError("assertion failed at %v", e.Pos())
		}
		return ev.eval(e.Body, env)
	case *Select:
		return ev.evalSelect(e, env)
	case *HasAttr:
		return ev.evalHasAttr(e, env)
	case *Lambda:
		return &Function{Lambda: e, Closure: env}, nil
	case *Apply:
		fn, err := ev.EvalForced(e.Fn, env)
		if err != nil {
			return nil, err
		}
		arg := NewThunk(e.Arg, env)
		return ev.Apply(fn, arg)
	case *UnaryExpr:
		return ev.evalUnary(e, env)
	case *BinaryExpr:
		return ev.evalBinary(e, env)
	case *inheritRef:
		base, err := ev.EvalForced(e.From, env)
		if err != nil {
			return nil, err
		}
		as, ok := base.(*AttrSet)
		if !ok {
			return nil, NewEvalError("inherit source must be a set, got %s", base.valueType())
		}
		v, ok := as.Get(e.Name)
		if !ok {
			return nil, NewEvalError("attribute %q missing", e.Name)
		}
		return v, nil
	}
	return nil, fmt.Errorf("eval: unhandled node %T", expr)
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return p
		}
		if p == "~" {
			return home
		}
		return filepath.Join(home, p[2:])
	}
	return p
}

// resolve implements the two-pass lexical-then-with lookup order
// documented in env.go and DESIGN.md.
func (ev *Evaluator) resolve(env *Env, name string) (Value, error) {
	if v, ok := env.lookupLexical(name); ok {
		return v, nil
	}
	for _, scope := range env.withScopes() {
		attrsVal, err := ev.Force(scope.withAttrs)
		if err != nil {
			return nil, err
		}
		as, ok := attrsVal.(*AttrSet)
		if !ok {
			return nil, NewEvalError("value in `with` must be a set, got %s", attrsVal.valueType())
		}
		if v, ok := as.Get(name); ok {
			return v, nil
		}
	}
	return nil, NewEvalError("undefined variable %q", name)
}

// Apply calls fn with one argument. Builtins with Arity > 1 curry: each
// call either returns a new partially-applied *Function or, once the
// full arity is supplied, invokes the underlying Go function.
func (ev *Evaluator) Apply(fn Value, arg Value) (Value, error) {
	f, ok := fn.(*Function)
	if !ok {
		return nil, NewEvalError("attempt to call a %s value", fn.valueType())
	}
	if f.Builtin != nil {
		args := append(append([]Value{}, f.partial...), arg)
		if len(args) < f.Arity {
			return &Function{Name: f.Name, Arity: f.Arity, Builtin: f.Builtin, partial: args}, nil
		}
		return f.Builtin(ev, args)
	}
	lamEnv, err := ev.bindLambdaParam(f, arg)
	if err != nil {
		return nil, err
	}
	return ev.eval(f.Lambda.Body, lamEnv)
}

func (ev *Evaluator) bindLambdaParam(f *Function, arg Value) (*Env, error) {
	l := f.Lambda
	if l.Pattern == nil {
		return NewChildScope(f.Closure, map[string]Value{l.Param: arg}), nil
	}
	argForced, err := ev.Force(arg)
	if err != nil {
		return nil, err
	}
	as, ok := argForced.(*AttrSet)
	if !ok {
		return nil, NewEvalError("function expects a set, got %s", argForced.valueType())
	}
	vars := map[string]Value{}
	seen := sets.New[string]()
	for _, field := range l.Pattern.Fields {
		seen.Add(field.Name)
		if v, ok := as.Get(field.Name); ok {
			vars[field.Name] = v
			continue
		}
		if field.Default != nil {
			vars[field.Name] = NewThunk(field.Default, f.Closure)
			continue
		}
		return nil, NewEvalError("function called without required argument %q", field.Name)
	}
	if !l.Pattern.Ellipsis {
		for _, name := range as.SortedNames() {
			if !seen.Has(name) {
				return nil, NewEvalError("function called with unexpected argument %q", name)
			}
		}
	}
	env := NewChildScope(f.Closure, vars)
	if l.Pattern.Alias != "" {
		env = NewChildScope(env, map[string]Value{l.Pattern.Alias: as})
	}
	return env, nil
}

func (ev *Evaluator) evalStringLit(e *StringLit, env *Env) (Value, error) {
	if len(e.Parts) == 1 && e.Parts[0].Interp == nil {
		return String{Text: e.Parts[0].Literal}, nil
	}
	acc := String{}
	for _, part := range e.Parts {
		if part.Interp == nil {
			acc = Concat(acc, String{Text: part.Literal})
			continue
		}
		v, err := ev.EvalForced(part.Interp, env)
		if err != nil {
			return nil, err
		}
		s, err := ev.coerceToString(v)
		if err != nil {
			return nil, err
		}
		acc = Concat(acc, s)
	}
	return acc, nil
}

// coerceToString implements the subset of Nix's "string context
// coercion" spec.md §4.6 requires for interpolation: strings pass
// through with their context; a path naming a store object directly
// under ev.Dir gains a single [ContextOutPath] element, and any other
// path becomes a context-free string; an attribute set is coerced
// through its "outPath" attribute, keeping that value's context; ints,
// floats, and bools become context-free text.
func (ev *Evaluator) coerceToString(v Value) (String, error) {
	switch x := v.(type) {
	case String:
		return x, nil
	case Path:
		s := String{Text: string(x)}
		if p, err := storepath.ParsePath(string(x)); err == nil && p.Dir() == ev.Dir {
			s.Context = s.Context.Add(ContextElement{Kind: ContextOutPath, Path: p})
		}
		return s, nil
	case Int:
		return String{Text: fmt.Sprintf("%d", int64(x))}, nil
	case Float:
		return String{Text: fmt.Sprintf("%g", float64(x))}, nil
	case Bool:
		if x {
			return String{Text: "1"}, nil
		}
		return String{Text: "0"}, nil
	case *AttrSet:
		if out, ok := x.Get("outPath"); ok {
			forced, err := ev.Force(out)
			if err != nil {
				return String{}, err
			}
			return ev.coerceToString(forced)
		}
	}
	return String{}, NewEvalError("cannot coerce %s to a string", v.valueType())
}

func (ev *Evaluator) attrNameString(n AttrName, env *Env) (string, error) {
	if n.Dynamic == nil {
		return n.Static, nil
	}
	v, err := ev.EvalForced(n.Dynamic, env)
	if err != nil {
		return "", err
	}
	s, ok := v.(String)
	if !ok {
		return "", NewEvalError("attribute name must be a string, got %s", v.valueType())
	}
	return s.Text, nil
}

func (ev *Evaluator) evalSelect(e *Select, env *Env) (Value, error) {
	base, err := ev.EvalForced(e.Base, env)
	if err != nil {
		if e.Default != nil {
			return ev.eval(e.Default, env)
		}
		return nil, err
	}
	cur := base
	for _, seg := range e.Path {
		name, err := ev.attrNameString(seg, env)
		if err != nil {
			return nil, err
		}
		as, ok := cur.(*AttrSet)
		if !ok {
			if e.Default != nil {
				return ev.eval(e.Default, env)
			}
			return nil, NewEvalError("attempt to select attribute %q in a %s value", name, cur.valueType())
		}
		v, ok := as.Get(name)
		if !ok {
			if e.Default != nil {
				return ev.eval(e.Default, env)
			}
			return nil, NewEvalError("attribute %q missing", name)
		}
		forced, err := ev.Force(v)
		if err != nil {
			if e.Default != nil {
				return ev.eval(e.Default, env)
			}
			return nil, err
		}
		cur = forced
	}
	return cur, nil
}

func (ev *Evaluator) evalHasAttr(e *HasAttr, env *Env) (Value, error) {
	base, err := ev.EvalForced(e.Base, env)
	if err != nil {
		return nil, err
	}
	cur := base
	for _, seg := range e.Path {
		name, err := ev.attrNameString(seg, env)
		if err != nil {
			return nil, err
		}
		as, ok := cur.(*AttrSet)
		if !ok {
			return Bool(false), nil
		}
		v, ok := as.Get(name)
		if !ok {
			return Bool(false), nil
		}
		forced, err := ev.Force(v)
		if err != nil {
			return nil, err
		}
		cur = forced
	}
	return Bool(true), nil
}

func (ev *Evaluator) evalUnary(e *UnaryExpr, env *Env) (Value, error) {
	v, err := ev.EvalForced(e.Operand, env)
	if err != nil {
		return nil, err
	}
	switch e.Op {
	case MinusToken:
		switch n := v.(type) {
		case Int:
			return -n, nil
		case Float:
			return -n, nil
		}
		return nil, NewEvalError("cannot negate a %s value", v.valueType())
	case BangToken:
		b, ok := v.(Bool)
		if !ok {
			return nil, NewEvalError("cannot negate a %s value", v.valueType())
		}
		return !b, nil
	}
	return nil, fmt.Errorf("eval: unknown unary operator %v", e.Op)
}
