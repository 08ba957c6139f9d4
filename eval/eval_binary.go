// Copyright 2026 The loom Authors
// SPDX-License-Identifier: MIT

package eval

import "fmt"

func (ev *Evaluator) evalBinary(e *BinaryExpr, env *Env) (Value, error) {
	// && || -> short-circuit their right operand, so it must stay an
	// unevaluated expression rather than a forced value up front.
	switch e.Op {
	case AndAndToken:
		l, err := ev.mustBool(e.Left, env)
		if err != nil {
			return nil, err
		}
		if !l {
			return Bool(false), nil
		}
		r, err := ev.mustBool(e.Right, env)
		return Bool(r), err
	case OrOrToken:
		l, err := ev.mustBool(e.Left, env)
		if err != nil {
			return nil, err
		}
		if l {
			return Bool(true), nil
		}
		r, err := ev.mustBool(e.Right, env)
		return Bool(r), err
	case ImpliesToken:
		l, err := ev.mustBool(e.Left, env)
		if err != nil {
			return nil, err
		}
		if !l {
			return Bool(true), nil
		}
		r, err := ev.mustBool(e.Right, env)
		return Bool(r), err
	}

	l, err := ev.EvalForced(e.Left, env)
	if err != nil {
		return nil, err
	}
	r, err := ev.EvalForced(e.Right, env)
	if err != nil {
		return nil, err
	}

	switch e.Op {
	case PlusToken:
		return ev.add(l, r)
	case MinusToken:
		return numericOp(l, r, func(a, b int64) int64 { return a - b }, func(a, b float64) float64 { return a - b })
	case StarToken:
		return numericOp(l, r, func(a, b int64) int64 { return a * b }, func(a, b float64) float64 { return a * b })
	case SlashToken:
		return ev.divide(l, r)
	case ConcatToken:
		return ev.concatLists(l, r)
	case UpdateToken:
		return ev.updateAttrs(l, r)
	case EqEqToken:
		eq, err := ev.valuesEqual(l, r)
		return Bool(eq), err
	case NotEqToken:
		eq, err := ev.valuesEqual(l, r)
		return Bool(!eq), err
	case LessToken, LessEqToken, GreaterToken, GreaterEqToken:
		return ev.compare(e.Op, l, r)
	}
	return nil, fmt.Errorf("eval: unknown binary operator %v", e.Op)
}

func (ev *Evaluator) mustBool(expr Expr, env *Env) (bool, error) {
	v, err := ev.EvalForced(expr, env)
	if err != nil {
		return false, err
	}
	b, ok := v.(Bool)
	if !ok {
		return false, NewEvalError("expected a bool, got %s", v.valueType())
	}
	return bool(b), nil
}

func (ev *Evaluator) add(l, r Value) (Value, error) {
	switch lv := l.(type) {
	case Int:
		switch rv := r.(type) {
		case Int:
			return lv + rv, nil
		case Float:
			return Float(lv) + rv, nil
		}
	case Float:
		switch rv := r.(type) {
		case Int:
			return lv + Float(rv), nil
		case Float:
			return lv + rv, nil
		}
	case String:
		rs, err := ev.coerceToString(r)
		if err != nil {
			return nil, err
		}
		return Concat(lv, rs), nil
	case Path:
		rs, ok := r.(String)
		if !ok {
			return nil, NewEvalError("cannot add %s to a path", r.valueType())
		}
		return Path(string(lv) + rs.Text), nil
	}
	return nil, NewEvalError("cannot add a %s and a %s", l.valueType(), r.valueType())
}

func (ev *Evaluator) divide(l, r Value) (Value, error) {
	switch rv := r.(type) {
	case Int:
		if rv == 0 {
			return nil, NewEvalError("division by zero")
		}
	case Float:
		if rv == 0 {
			return nil, NewEvalError("division by zero")
		}
	}
	return numericOp(l, r, func(a, b int64) int64 { return a / b }, func(a, b float64) float64 { return a / b })
}

func numericOp(l, r Value, iop func(a, b int64) int64, fop func(a, b float64) float64) (Value, error) {
	switch lv := l.(type) {
	case Int:
		switch rv := r.(type) {
		case Int:
			return Int(iop(int64(lv), int64(rv))), nil
		case Float:
			return Float(fop(float64(lv), float64(rv))), nil
		}
	case Float:
		switch rv := r.(type) {
		case Int:
			return Float(fop(float64(lv), float64(rv))), nil
		case Float:
			return Float(fop(float64(lv), float64(rv))), nil
		}
	}
	return nil, NewEvalError("cannot use arithmetic on a %s and a %s", l.valueType(), r.valueType())
}

func (ev *Evaluator) concatLists(l, r Value) (Value, error) {
	ll, ok1 := l.(*List)
	rl, ok2 := r.(*List)
	if !ok1 || !ok2 {
		return nil, NewEvalError("cannot concatenate a %s and a %s", l.valueType(), r.valueType())
	}
	out := make([]Value, 0, len(ll.Elems)+len(rl.Elems))
	out = append(out, ll.Elems...)
	out = append(out, rl.Elems...)
	return &List{Elems: out}, nil
}

func (ev *Evaluator) updateAttrs(l, r Value) (Value, error) {
	la, ok1 := l.(*AttrSet)
	ra, ok2 := r.(*AttrSet)
	if !ok1 || !ok2 {
		return nil, NewEvalError("cannot update a %s with a %s", l.valueType(), r.valueType())
	}
	merged := make(map[string]Value, la.Len()+ra.Len())
	for _, k := range la.SortedNames() {
		v, _ := la.Get(k)
		merged[k] = v
	}
	for _, k := range ra.SortedNames() {
		v, _ := ra.Get(k)
		merged[k] = v
	}
	return NewAttrSet(merged), nil
}

func (ev *Evaluator) compare(op TokenKind, l, r Value) (Value, error) {
	c, err := ev.compareValues(l, r)
	if err != nil {
		return nil, err
	}
	switch op {
	case LessToken:
		return Bool(c < 0), nil
	case LessEqToken:
		return Bool(c <= 0), nil
	case GreaterToken:
		return Bool(c > 0), nil
	case GreaterEqToken:
		return Bool(c >= 0), nil
	}
	return nil, fmt.Errorf("eval: unknown comparison operator %v", op)
}

// compareValues returns -1, 0, or 1 for ordered types (numbers,
// strings, and lexicographically-ordered lists of ordered types),
// forcing list elements as it descends since they may still be thunks.
func (ev *Evaluator) compareValues(l, r Value) (int, error) {
	switch lv := l.(type) {
	case Int:
		switch rv := r.(type) {
		case Int:
			return cmpInt64(int64(lv), int64(rv)), nil
		case Float:
			return cmpFloat64(float64(lv), float64(rv)), nil
		}
	case Float:
		switch rv := r.(type) {
		case Int:
			return cmpFloat64(float64(lv), float64(rv)), nil
		case Float:
			return cmpFloat64(float64(lv), float64(rv)), nil
		}
	case String:
		if rv, ok := r.(String); ok {
			return cmpString(lv.Text, rv.Text), nil
		}
	case *List:
		if rv, ok := r.(*List); ok {
			for i := 0; i < len(lv.Elems) && i < len(rv.Elems); i++ {
				le, err := ev.Force(lv.Elems[i])
				if err != nil {
					return 0, err
				}
				re, err := ev.Force(rv.Elems[i])
				if err != nil {
					return 0, err
				}
				c, err := ev.compareValues(le, re)
				if err != nil {
					return 0, err
				}
				if c != 0 {
					return c, nil
				}
			}
			return cmpInt64(int64(len(lv.Elems)), int64(len(rv.Elems))), nil
		}
	}
	return 0, NewEvalError("cannot compare a %s with a %s", l.valueType(), r.valueType())
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpFloat64(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpString(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// valuesEqual implements structural equality (spec.md §4.6): string
// context is excluded, functions can never compare equal (not even to
// themselves, matching real Nix), and lists/attrsets compare deeply,
// forcing elements as it descends since they may still be thunks.
func (ev *Evaluator) valuesEqual(l, r Value) (bool, error) {
	if _, ok := l.(*Function); ok {
		return false, nil
	}
	if _, ok := r.(*Function); ok {
		return false, nil
	}
	switch lv := l.(type) {
	case Null:
		_, ok := r.(Null)
		return ok, nil
	case Bool:
		rv, ok := r.(Bool)
		return ok && lv == rv, nil
	case Int:
		switch rv := r.(type) {
		case Int:
			return lv == rv, nil
		case Float:
			return float64(lv) == float64(rv), nil
		}
		return false, nil
	case Float:
		switch rv := r.(type) {
		case Int:
			return float64(lv) == float64(rv), nil
		case Float:
			return lv == rv, nil
		}
		return false, nil
	case String:
		rv, ok := r.(String)
		return ok && lv.Text == rv.Text, nil
	case Path:
		rv, ok := r.(Path)
		return ok && lv == rv, nil
	case *List:
		rv, ok := r.(*List)
		if !ok || len(lv.Elems) != len(rv.Elems) {
			return false, nil
		}
		for i := range lv.Elems {
			le, err := ev.Force(lv.Elems[i])
			if err != nil {
				return false, err
			}
			re, err := ev.Force(rv.Elems[i])
			if err != nil {
				return false, err
			}
			eq, err := ev.valuesEqual(le, re)
			if err != nil || !eq {
				return false, err
			}
		}
		return true, nil
	case *AttrSet:
		rv, ok := r.(*AttrSet)
		if !ok || lv.Len() != rv.Len() {
			return false, nil
		}
		for _, k := range lv.SortedNames() {
			rvv, ok := rv.Get(k)
			if !ok {
				return false, nil
			}
			lvv, _ := lv.Get(k)
			lf, err := ev.Force(lvv)
			if err != nil {
				return false, err
			}
			rf, err := ev.Force(rvv)
			if err != nil {
				return false, err
			}
			eq, err := ev.valuesEqual(lf, rf)
			if err != nil || !eq {
				return false, err
			}
		}
		return true, nil
	}
	return false, nil
}
