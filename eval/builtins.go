// Copyright 2026 The loom Authors
// SPDX-License-Identifier: MIT

package eval

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/samber/lo"
	"zombiezen.com/go/nix"

	"loom.build/pkg/drv"
	"loom.build/pkg/sets"
	"loom.build/pkg/sortedset"
	"loom.build/pkg/store"
	"loom.build/pkg/storepath"
)

// DerivationWriter is the capability [builtin derivationStrict] needs
// to turn a fully-assembled [drv.Derivation] into a written store
// object and learn its resulting path (spec.md §4.5's "write the
// derivation" lifecycle step). It is intentionally narrow — eval must
// not import package store/storedb or package sched directly, since
// those consume eval rather than the other way around — so the
// concrete implementation (backed by storedb plus the closure-hash
// bookkeeping that requires) is wired in by whichever caller
// constructs the Evaluator (package daemon, package cmd).
//
// The returned map supplies the concrete store path of every output
// the writer could resolve synchronously: [drv.CAFixed] outputs always,
// and [drv.InputAddressed] outputs once the writer has computed this
// derivation's closure hash. Outputs absent from the map (CA-floating,
// impure, or a deferred/unresolved one) don't have a known path yet;
// derivationStrict falls back to [drv.UnknownCAOutputPlaceholder] for
// those.
//
// An Evaluator with no Writer configured can evaluate anything that
// never calls builtins.derivation; the first such call fails with a
// clear error rather than a nil dereference.
type DerivationWriter interface {
	WriteDerivation(ctx context.Context, d *drv.Derivation) (storepath.Path, map[string]storepath.Path, error)
}

// AbortError is the error produced by the `abort` builtin, distinct
// from an ordinary [EvalError] (which `throw`, assertion failures, and
// type errors produce) so that `tryEval` can let aborts propagate
// instead of catching them, matching real Nix's distinction between
// "catchable" and "uncatchable" evaluation failures.
type AbortError struct {
	Message string
}

func (e *AbortError) Error() string { return "evaluation aborted with the following message: " + e.Message }

func registerBuiltins(ev *Evaluator) map[string]Value {
	b := map[string]Value{
		"nixVersion":      String{Text: "2.18-loom-compat"},
		"langVersion":     Int(6),
		"storeDir":        String{Text: string(ev.Dir)},
		"currentSystem":   String{Text: "x86_64-linux"},
		"null":            Null{},
		"true":            Bool(true),
		"false":           Bool(false),
	}

	prim := func(name string, arity int, fn func(ev *Evaluator, args []Value) (Value, error)) {
		b[name] = &Function{Name: name, Arity: arity, Builtin: fn}
	}

	// Type predicates (spec.md §4.6/§4.7).
	prim("typeOf", 1, func(ev *Evaluator, a []Value) (Value, error) {
		v, err := ev.Force(a[0])
		if err != nil {
			return nil, err
		}
		return String{Text: v.valueType().String()}, nil
	})
	isType := func(name string, t Type) {
		prim(name, 1, func(ev *Evaluator, a []Value) (Value, error) {
			v, err := ev.Force(a[0])
			if err != nil {
				return nil, err
			}
			return Bool(v.valueType() == t), nil
		})
	}
	isType("isNull", TypeNull)
	isType("isBool", TypeBool)
	isType("isInt", TypeInt)
	isType("isFloat", TypeFloat)
	isType("isString", TypeString)
	isType("isPath", TypePath)
	isType("isList", TypeList)
	isType("isAttrs", TypeAttrs)
	isType("isFunction", TypeFunction)

	prim("toString", 1, func(ev *Evaluator, a []Value) (Value, error) {
		v, err := ev.Force(a[0])
		if err != nil {
			return nil, err
		}
		s, err := ev.coerceToString(v)
		if err != nil {
			return nil, Traced(err, ArgFrame("toString", 1))
		}
		return s, nil
	})

	// List/attrset introspection.
	prim("length", 1, func(ev *Evaluator, a []Value) (Value, error) {
		l, err := forceList(ev, a[0], "length", 1)
		if err != nil {
			return nil, err
		}
		return Int(len(l.Elems)), nil
	})
	prim("head", 1, func(ev *Evaluator, a []Value) (Value, error) {
		l, err := forceList(ev, a[0], "head", 1)
		if err != nil {
			return nil, err
		}
		if len(l.Elems) == 0 {
			return nil, NewEvalError("builtins.head called on an empty list")
		}
		return ev.Force(l.Elems[0])
	})
	prim("tail", 1, func(ev *Evaluator, a []Value) (Value, error) {
		l, err := forceList(ev, a[0], "tail", 1)
		if err != nil {
			return nil, err
		}
		if len(l.Elems) == 0 {
			return nil, NewEvalError("builtins.tail called on an empty list")
		}
		return &List{Elems: append([]Value{}, l.Elems[1:]...)}, nil
	})
	prim("elemAt", 2, func(ev *Evaluator, a []Value) (Value, error) {
		l, err := forceList(ev, a[0], "elemAt", 1)
		if err != nil {
			return nil, err
		}
		n, err := forceInt(ev, a[1], "elemAt", 2)
		if err != nil {
			return nil, err
		}
		if n < 0 || int(n) >= len(l.Elems) {
			return nil, NewEvalError("builtins.elemAt: index %d out of bounds (list has %d elements)", n, len(l.Elems))
		}
		return ev.Force(l.Elems[n])
	})
	prim("genList", 2, func(ev *Evaluator, a []Value) (Value, error) {
		f, ok := a[0].(*Function)
		if !ok {
			return nil, NewEvalError(ArgFrame("genList", 1) + ": expected a function")
		}
		n, err := forceInt(ev, a[1], "genList", 2)
		if err != nil {
			return nil, err
		}
		if n < 0 {
			return nil, NewEvalError("builtins.genList: length %d is negative", n)
		}
		elems := make([]Value, n)
		for i := range elems {
			v, err := ev.Apply(f, Int(i))
			if err != nil {
				return nil, err
			}
			elems[i] = v
		}
		return &List{Elems: elems}, nil
	})

	prim("attrNames", 1, func(ev *Evaluator, a []Value) (Value, error) {
		as, err := forceAttrs(ev, a[0], "attrNames", 1)
		if err != nil {
			return nil, err
		}
		names := as.SortedNames()
		elems := make([]Value, len(names))
		for i, n := range names {
			elems[i] = String{Text: n}
		}
		return &List{Elems: elems}, nil
	})
	prim("attrValues", 1, func(ev *Evaluator, a []Value) (Value, error) {
		as, err := forceAttrs(ev, a[0], "attrValues", 1)
		if err != nil {
			return nil, err
		}
		names := as.SortedNames()
		elems := make([]Value, len(names))
		for i, n := range names {
			v, _ := as.Get(n)
			elems[i] = v
		}
		return &List{Elems: elems}, nil
	})
	prim("hasAttr", 2, func(ev *Evaluator, a []Value) (Value, error) {
		name, err := forceString(ev, a[0], "hasAttr", 1)
		if err != nil {
			return nil, err
		}
		as, err := forceAttrs(ev, a[1], "hasAttr", 2)
		if err != nil {
			return nil, err
		}
		_, ok := as.Get(name.Text)
		return Bool(ok), nil
	})
	prim("getAttr", 2, func(ev *Evaluator, a []Value) (Value, error) {
		name, err := forceString(ev, a[0], "getAttr", 1)
		if err != nil {
			return nil, err
		}
		as, err := forceAttrs(ev, a[1], "getAttr", 2)
		if err != nil {
			return nil, err
		}
		v, ok := as.Get(name.Text)
		if !ok {
			return nil, NewEvalError("attribute %q missing", name.Text)
		}
		return ev.Force(v)
	})
	prim("removeAttrs", 2, func(ev *Evaluator, a []Value) (Value, error) {
		as, err := forceAttrs(ev, a[0], "removeAttrs", 1)
		if err != nil {
			return nil, err
		}
		names, err := forceList(ev, a[1], "removeAttrs", 2)
		if err != nil {
			return nil, err
		}
		drop := sets.New[string]()
		for _, n := range names.Elems {
			s, err := ev.Force(n)
			if err != nil {
				return nil, err
			}
			str, ok := s.(String)
			if !ok {
				return nil, NewEvalError("removeAttrs: names must be strings")
			}
			drop.Add(str.Text)
		}
		out := map[string]Value{}
		for _, k := range as.SortedNames() {
			if !drop.Has(k) {
				v, _ := as.Get(k)
				out[k] = v
			}
		}
		return NewAttrSet(out), nil
	})
	prim("listToAttrs", 1, func(ev *Evaluator, a []Value) (Value, error) {
		l, err := forceList(ev, a[0], "listToAttrs", 1)
		if err != nil {
			return nil, err
		}
		out := map[string]Value{}
		for i, elem := range l.Elems {
			forced, err := ev.Force(elem)
			if err != nil {
				return nil, err
			}
			as, ok := forced.(*AttrSet)
			if !ok {
				return nil, NewEvalError("listToAttrs: element %d is not a set", i)
			}
			nameV, ok := as.Get("name")
			if !ok {
				return nil, NewEvalError("listToAttrs: element %d is missing a \"name\" attribute", i)
			}
			name, err := ev.Force(nameV)
			if err != nil {
				return nil, err
			}
			nameStr, ok := name.(String)
			if !ok {
				return nil, NewEvalError("listToAttrs: element %d's \"name\" is not a string", i)
			}
			val, ok := as.Get("value")
			if !ok {
				return nil, NewEvalError("listToAttrs: element %d is missing a \"value\" attribute", i)
			}
			if _, exists := out[nameStr.Text]; !exists {
				out[nameStr.Text] = val
			}
		}
		return NewAttrSet(out), nil
	})
	prim("intersectAttrs", 2, func(ev *Evaluator, a []Value) (Value, error) {
		e1, err := forceAttrs(ev, a[0], "intersectAttrs", 1)
		if err != nil {
			return nil, err
		}
		e2, err := forceAttrs(ev, a[1], "intersectAttrs", 2)
		if err != nil {
			return nil, err
		}
		out := map[string]Value{}
		for _, k := range e2.SortedNames() {
			if v, ok := e1.Get(k); ok {
				out[k] = v
			}
		}
		return NewAttrSet(out), nil
	})

	// Functional list/attrset helpers, grounded on samber/lo's
	// Map/Filter/Reduce/Uniq shape (adapted to operate over
	// language-level *Function values via ev.Apply rather than Go
	// closures).
	prim("map", 2, func(ev *Evaluator, a []Value) (Value, error) {
		f, ok := a[0].(*Function)
		if !ok {
			return nil, NewEvalError(ArgFrame("map", 1) + ": expected a function")
		}
		l, err := forceList(ev, a[1], "map", 2)
		if err != nil {
			return nil, err
		}
		var applyErr error
		elems := lo.Map(l.Elems, func(item Value, _ int) Value {
			if applyErr != nil {
				return nil
			}
			v, err := ev.Apply(f, item)
			if err != nil {
				applyErr = err
				return nil
			}
			return v
		})
		if applyErr != nil {
			return nil, applyErr
		}
		return &List{Elems: elems}, nil
	})
	prim("filter", 2, func(ev *Evaluator, a []Value) (Value, error) {
		f, ok := a[0].(*Function)
		if !ok {
			return nil, NewEvalError(ArgFrame("filter", 1) + ": expected a function")
		}
		l, err := forceList(ev, a[1], "filter", 2)
		if err != nil {
			return nil, err
		}
		var out []Value
		for _, item := range l.Elems {
			r, err := ev.Apply(f, item)
			if err != nil {
				return nil, err
			}
			rf, err := ev.Force(r)
			if err != nil {
				return nil, err
			}
			keep, ok := rf.(Bool)
			if !ok {
				return nil, NewEvalError("filter: predicate did not return a bool")
			}
			if bool(keep) {
				out = append(out, item)
			}
		}
		return &List{Elems: out}, nil
	})
	prim("foldl'", 3, func(ev *Evaluator, a []Value) (Value, error) {
		f, ok := a[0].(*Function)
		if !ok {
			return nil, NewEvalError(ArgFrame("foldl'", 1) + ": expected a function")
		}
		acc := a[1]
		l, err := forceList(ev, a[2], "foldl'", 3)
		if err != nil {
			return nil, err
		}
		for _, item := range l.Elems {
			partial, err := ev.Apply(f, acc)
			if err != nil {
				return nil, err
			}
			acc, err = ev.Apply(partial, item)
			if err != nil {
				return nil, err
			}
			acc, err = ev.Force(acc)
			if err != nil {
				return nil, err
			}
		}
		return acc, nil
	})
	prim("concatLists", 1, func(ev *Evaluator, a []Value) (Value, error) {
		ls, err := forceList(ev, a[0], "concatLists", 1)
		if err != nil {
			return nil, err
		}
		var out []Value
		for i, inner := range ls.Elems {
			innerList, err := forceList(ev, inner, "concatLists", 1)
			if err != nil {
				return nil, Traced(err, "while evaluating list element %d passed to builtins.concatLists", i)
			}
			out = append(out, innerList.Elems...)
		}
		return &List{Elems: out}, nil
	})
	prim("concatStringsSep", 2, func(ev *Evaluator, a []Value) (Value, error) {
		sep, err := forceString(ev, a[0], "concatStringsSep", 1)
		if err != nil {
			return nil, err
		}
		l, err := forceList(ev, a[1], "concatStringsSep", 2)
		if err != nil {
			return nil, err
		}
		acc := String{}
		for i, item := range l.Elems {
			forced, err := ev.Force(item)
			if err != nil {
				return nil, err
			}
			s, err := ev.coerceToString(forced)
			if err != nil {
				return nil, err
			}
			if i > 0 {
				acc = Concat(acc, sep)
			}
			acc = Concat(acc, s)
		}
		return acc, nil
	})
	prim("elem", 2, func(ev *Evaluator, a []Value) (Value, error) {
		l, err := forceList(ev, a[1], "elem", 2)
		if err != nil {
			return nil, err
		}
		for _, item := range l.Elems {
			forced, err := ev.Force(item)
			if err != nil {
				return nil, err
			}
			eq, err := ev.valuesEqual(a[0], forced)
			if err != nil {
				return nil, err
			}
			if eq {
				return Bool(true), nil
			}
		}
		return Bool(false), nil
	})
	prim("all", 2, func(ev *Evaluator, a []Value) (Value, error) {
		f, ok := a[0].(*Function)
		if !ok {
			return nil, NewEvalError(ArgFrame("all", 1) + ": expected a function")
		}
		l, err := forceList(ev, a[1], "all", 2)
		if err != nil {
			return nil, err
		}
		for _, item := range l.Elems {
			r, err := ev.Apply(f, item)
			if err != nil {
				return nil, err
			}
			b, err := forceBoolValue(ev, r)
			if err != nil {
				return nil, err
			}
			if !b {
				return Bool(false), nil
			}
		}
		return Bool(true), nil
	})
	prim("any", 2, func(ev *Evaluator, a []Value) (Value, error) {
		f, ok := a[0].(*Function)
		if !ok {
			return nil, NewEvalError(ArgFrame("any", 1) + ": expected a function")
		}
		l, err := forceList(ev, a[1], "any", 2)
		if err != nil {
			return nil, err
		}
		for _, item := range l.Elems {
			r, err := ev.Apply(f, item)
			if err != nil {
				return nil, err
			}
			b, err := forceBoolValue(ev, r)
			if err != nil {
				return nil, err
			}
			if b {
				return Bool(true), nil
			}
		}
		return Bool(false), nil
	})
	prim("sort", 2, func(ev *Evaluator, a []Value) (Value, error) {
		f, ok := a[0].(*Function)
		if !ok {
			return nil, NewEvalError(ArgFrame("sort", 1) + ": expected a function")
		}
		l, err := forceList(ev, a[1], "sort", 2)
		if err != nil {
			return nil, err
		}
		out := append([]Value{}, l.Elems...)
		forced := make([]Value, len(out))
		for i, v := range out {
			fv, err := ev.Force(v)
			if err != nil {
				return nil, err
			}
			forced[i] = fv
		}
		var sortErr error
		sort.SliceStable(forced, func(i, j int) bool {
			if sortErr != nil {
				return false
			}
			partial, err := ev.Apply(f, forced[i])
			if err != nil {
				sortErr = err
				return false
			}
			r, err := ev.Apply(partial, forced[j])
			if err != nil {
				sortErr = err
				return false
			}
			b, err := forceBoolValue(ev, r)
			if err != nil {
				sortErr = err
				return false
			}
			return b
		})
		if sortErr != nil {
			return nil, sortErr
		}
		return &List{Elems: forced}, nil
	})
	// String helpers.
	prim("stringLength", 1, func(ev *Evaluator, a []Value) (Value, error) {
		s, err := forceString(ev, a[0], "stringLength", 1)
		if err != nil {
			return nil, err
		}
		return Int(len(s.Text)), nil
	})
	prim("substring", 3, func(ev *Evaluator, a []Value) (Value, error) {
		start, err := forceInt(ev, a[0], "substring", 1)
		if err != nil {
			return nil, err
		}
		length, err := forceInt(ev, a[1], "substring", 2)
		if err != nil {
			return nil, err
		}
		s, err := forceString(ev, a[2], "substring", 3)
		if err != nil {
			return nil, err
		}
		if start < 0 {
			return nil, NewEvalError("builtins.substring: negative start index")
		}
		text := s.Text
		if int(start) >= len(text) {
			return String{Context: s.Context}, nil
		}
		end := len(text)
		if length >= 0 && int(start)+int(length) < end {
			end = int(start) + int(length)
		}
		return String{Text: text[start:end], Context: s.Context}, nil
	})
	prim("compareVersions", 2, func(ev *Evaluator, a []Value) (Value, error) {
		s1, err := forceString(ev, a[0], "compareVersions", 1)
		if err != nil {
			return nil, err
		}
		s2, err := forceString(ev, a[1], "compareVersions", 2)
		if err != nil {
			return nil, err
		}
		return Int(compareVersions(s1.Text, s2.Text)), nil
	})
	prim("splitVersion", 1, func(ev *Evaluator, a []Value) (Value, error) {
		s, err := forceString(ev, a[0], "splitVersion", 1)
		if err != nil {
			return nil, err
		}
		parts := splitVersionParts(s.Text)
		elems := make([]Value, len(parts))
		for i, p := range parts {
			elems[i] = String{Text: p}
		}
		return &List{Elems: elems}, nil
	})

	// Control/error-handling builtins.
	prim("throw", 1, func(ev *Evaluator, a []Value) (Value, error) {
		s, err := forceString(ev, a[0], "throw", 1)
		if err != nil {
			return nil, err
		}
		return nil, NewEvalError("%s", s.Text)
	})
	prim("abort", 1, func(ev *Evaluator, a []Value) (Value, error) {
		s, err := forceString(ev, a[0], "abort", 1)
		if err != nil {
			return nil, err
		}
		return nil, &AbortError{Message: s.Text}
	})
	prim("tryEval", 1, func(ev *Evaluator, a []Value) (Value, error) {
		v, err := ev.Force(a[0])
		if err != nil {
			var abort *AbortError
			if errors.As(err, &abort) {
				return nil, err
			}
			return NewAttrSet(map[string]Value{
				"success": Bool(false),
				"value":   Bool(false),
			}), nil
		}
		return NewAttrSet(map[string]Value{
			"success": Bool(true),
			"value":   v,
		}), nil
	})
	prim("seq", 2, func(ev *Evaluator, a []Value) (Value, error) {
		if _, err := ev.Force(a[0]); err != nil {
			return nil, err
		}
		return ev.Force(a[1])
	})
	prim("deepSeq", 2, func(ev *Evaluator, a []Value) (Value, error) {
		v, err := ev.Force(a[0])
		if err != nil {
			return nil, err
		}
		if err := ev.deepForce(v); err != nil {
			return nil, err
		}
		return ev.Force(a[1])
	})

	// import reads and evaluates another expression file (spec.md
	// §4.6): its own directory becomes the base for its relative path
	// literals, matching the parser's per-file baseDir convention.
	prim("import", 1, func(ev *Evaluator, a []Value) (Value, error) {
		v, err := ev.Force(a[0])
		if err != nil {
			return nil, err
		}
		var path string
		switch x := v.(type) {
		case Path:
			path = string(x)
		case String:
			path = x.Text
		default:
			return nil, NewEvalError(ArgFrame("import", 1)+": expected a path, got %s", v.valueType())
		}
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			path = filepath.Join(path, "default.nix")
		}
		src, err := os.ReadFile(path)
		if err != nil {
			return nil, NewEvalError("cannot import %q: %v", path, err)
		}
		expr, err := ParseExpr(src, filepath.Dir(path))
		if err != nil {
			return nil, Traced(err, "while parsing the file %q", path)
		}
		return ev.eval(expr, ev.Base)
	})

	// genericClosure performs iterative closure expansion (spec.md
	// §4.6/§4.7): starting from startSet, repeatedly applies operator
	// to each not-yet-seen element (deduplicated by its "key"
	// attribute, which may be a string, an int, a path, or a bool)
	// and accumulates newly discovered elements until a round
	// produces nothing new.
	prim("genericClosure", 1, func(ev *Evaluator, a []Value) (Value, error) {
		argAttrs, err := forceAttrs(ev, a[0], "genericClosure", 1)
		if err != nil {
			return nil, err
		}
		startV, ok := argAttrs.Get("startSet")
		if !ok {
			return nil, NewEvalError("genericClosure: missing \"startSet\" attribute")
		}
		opV, ok := argAttrs.Get("operator")
		if !ok {
			return nil, NewEvalError("genericClosure: missing \"operator\" attribute")
		}
		startList, err := forceList(ev, startV, "genericClosure", 1)
		if err != nil {
			return nil, err
		}
		op, err := ev.Force(opV)
		if err != nil {
			return nil, err
		}
		opFn, ok := op.(*Function)
		if !ok {
			return nil, NewEvalError("genericClosure: \"operator\" must be a function")
		}

		seen := sets.New[string]()
		var result []Value
		pending := append([]Value{}, startList.Elems...)
		for len(pending) > 0 {
			var next []Value
			for _, elemV := range pending {
				elem, err := ev.Force(elemV)
				if err != nil {
					return nil, err
				}
				elemAttrs, ok := elem.(*AttrSet)
				if !ok {
					return nil, NewEvalError("genericClosure: every element must be a set with a \"key\" attribute")
				}
				keyV, ok := elemAttrs.Get("key")
				if !ok {
					return nil, NewEvalError("genericClosure: element is missing a \"key\" attribute")
				}
				keyVal, err := ev.Force(keyV)
				if err != nil {
					return nil, err
				}
				key, err := closureKey(keyVal)
				if err != nil {
					return nil, err
				}
				if seen.Has(key) {
					continue
				}
				seen.Add(key)
				result = append(result, elem)
				more, err := ev.Apply(opFn, elem)
				if err != nil {
					return nil, err
				}
				moreList, err := forceList(ev, more, "genericClosure's operator", 1)
				if err != nil {
					return nil, err
				}
				next = append(next, moreList.Elems...)
			}
			pending = next
		}
		return &List{Elems: result}, nil
	})

	// derivationStrict is the impure bridge from C6 into C5/C3: it
	// assembles a drv.Derivation from its argument set and writes it to
	// the store synchronously, because the resulting drvPath (a content
	// hash of the written .drv file) must be available during otherwise
	// pure evaluation for the surrounding expression to reference.
	//
	// Grounded on the teacher's derivationFunction in
	// derivation_eval.go: outputHash/outputHashMode select fixed-vs
	// -floating content addressing, every remaining attribute becomes
	// an environment variable (name/system/builder/args are also pulled
	// out structurally), floating outputs get builtins.HashPlaceholder
	// written into their own env slot, and the resulting attrset gets
	// drvPath (context [drvPath]) plus one entry per output (context
	// ["!"+name+"!"+drvPath] for floating outputs, or the concrete
	// fixed path).
	prim("derivation", 1, biDerivationStrict)
	b["derivationStrict"] = b["derivation"]

	return b
}

func biDerivationStrict(ev *Evaluator, a []Value) (Value, error) {
	args, err := forceAttrs(ev, a[0], "derivation", 1)
	if err != nil {
		return nil, err
	}
	if ev.Writer == nil {
		return nil, NewEvalError("derivation: no store is configured for this evaluation")
	}

	d := &drv.Derivation{Dir: ev.Dir}
	var ctxAll ContextSet

	stringAttr := func(name string) (String, bool, error) {
		v, ok := args.Get(name)
		if !ok {
			return String{}, false, nil
		}
		fv, err := ev.Force(v)
		if err != nil {
			return String{}, false, err
		}
		s, err := ev.coerceToString(fv)
		if err != nil {
			return String{}, false, Traced(err, "while evaluating the attribute %q", name)
		}
		return s, true, nil
	}

	name, ok, err := stringAttr("name")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, NewEvalError("derivation: required attribute \"name\" missing")
	}
	d.Name = name.Text
	ctxAll = Union(ctxAll, name.Context)

	if sys, ok, err := stringAttr("system"); err != nil {
		return nil, err
	} else if ok {
		d.System = sys.Text
		ctxAll = Union(ctxAll, sys.Context)
	}
	if builder, ok, err := stringAttr("builder"); err != nil {
		return nil, err
	} else if ok {
		d.Builder = builder.Text
		ctxAll = Union(ctxAll, builder.Context)
	}

	if argsV, ok := args.Get("args"); ok {
		argsList, err := forceList(ev, argsV, "derivation", 1)
		if err != nil {
			return nil, Traced(err, "while evaluating the attribute \"args\"")
		}
		for _, elem := range argsList.Elems {
			fv, err := ev.Force(elem)
			if err != nil {
				return nil, err
			}
			s, err := ev.coerceToString(fv)
			if err != nil {
				return nil, err
			}
			d.Args = append(d.Args, s.Text)
			ctxAll = Union(ctxAll, s.Context)
		}
	}

	boolAttr := func(name string) (bool, error) {
		v, ok := args.Get(name)
		if !ok {
			return false, nil
		}
		fv, err := ev.Force(v)
		if err != nil {
			return false, err
		}
		b, ok := fv.(Bool)
		if !ok {
			return false, NewEvalError("derivation: %q must be a bool", name)
		}
		return bool(b), nil
	}

	// outputs declares the set of output names this derivation produces
	// (spec.md §4.6), defaulting to a single "out". Duplicate names, an
	// empty set, and an output literally named "drvPath" (which would
	// collide with the attrset's own drvPath entry) are all rejected.
	outputNames := []string{drv.DefaultOutputName}
	if ov, ok := args.Get("outputs"); ok {
		outList, err := forceList(ev, ov, "derivation", 1)
		if err != nil {
			return nil, Traced(err, "while evaluating the attribute \"outputs\"")
		}
		outputNames = outputNames[:0]
		seen := sets.New[string]()
		for _, elem := range outList.Elems {
			fv, err := ev.Force(elem)
			if err != nil {
				return nil, err
			}
			s, ok := fv.(String)
			if !ok {
				return nil, NewEvalError("derivation: \"outputs\" must be a list of strings")
			}
			if s.Text == "drvPath" {
				return nil, NewEvalError("derivation: invalid output name %q", s.Text)
			}
			if seen.Has(s.Text) {
				return nil, NewEvalError("derivation: duplicate output name %q", s.Text)
			}
			seen.Add(s.Text)
			outputNames = append(outputNames, s.Text)
		}
		if len(outputNames) == 0 {
			return nil, NewEvalError("derivation: \"outputs\" must not be empty")
		}
	}

	impure, err := boolAttr("__impure")
	if err != nil {
		return nil, err
	}
	contentAddressed, err := boolAttr("__contentAddressed")
	if err != nil {
		return nil, err
	}
	ignoreNulls, err := boolAttr("__ignoreNulls")
	if err != nil {
		return nil, err
	}

	// outputHash/outputHashMode decide fixed-vs-floating addressing.
	// Absent outputHash, __impure and __contentAddressed (in that
	// priority) select the impure and CA-floating modes; the ordinary
	// default is an input-addressed output per declared name, matching
	// spec.md §4.6 rather than the teacher's CA-only model (grounded on
	// drv.OutputMode, which generalises beyond the teacher's
	// fixed/floating-only zbstore.Derivation precisely for this case).
	var outputHash nix.Hash
	var haveHash bool
	if hv, ok := args.Get("outputHash"); ok {
		fv, err := ev.Force(hv)
		if err != nil {
			return nil, err
		}
		s, ok := fv.(String)
		if !ok {
			return nil, NewEvalError("derivation: \"outputHash\" must be a string")
		}
		outputHash, err = nix.ParseHash(s.Text)
		if err != nil {
			return nil, NewEvalError("derivation: outputHash: %v", err)
		}
		haveHash = true
	}
	mode := "recursive"
	if mv, ok := args.Get("outputHashMode"); ok {
		fv, err := ev.Force(mv)
		if err != nil {
			return nil, err
		}
		s, ok := fv.(String)
		if !ok {
			return nil, NewEvalError("derivation: \"outputHashMode\" must be a string")
		}
		mode = s.Text
	}
	method, err := caMethodForOutputHashMode(mode)
	if err != nil {
		return nil, err
	}
	if haveHash {
		if len(outputNames) != 1 || outputNames[0] != drv.DefaultOutputName {
			return nil, NewEvalError("derivation: fixed-output derivations must declare exactly one output named %q", drv.DefaultOutputName)
		}
		var ca store.ContentAddress
		switch method {
		case store.FlatMethod:
			ca = store.FlatFileContentAddress(outputHash)
		case store.GitMethod:
			ca = store.GitContentAddress(outputHash)
		default:
			ca = store.NixArchiveContentAddress(outputHash)
		}
		d.Outputs = map[string]*drv.DerivationOutput{
			drv.DefaultOutputName: drv.FixedOutput(ca),
		}
	} else {
		d.Outputs = make(map[string]*drv.DerivationOutput, len(outputNames))
		for _, outputName := range outputNames {
			switch {
			case impure:
				d.Outputs[outputName] = drv.ImpureOutput(method, nix.SHA256)
			case contentAddressed:
				d.Outputs[outputName] = drv.FloatingOutput(method, nix.SHA256)
			default:
				d.Outputs[outputName] = drv.InputAddressedOutput()
			}
		}
	}

	// Every attribute other than outputHash/outputHashMode, including
	// name/system/builder/args, also becomes an environment variable (matching the teacher's derivationFunction,
	// which copies every table pair into drv.Env unconditionally after
	// handling the structural special cases above), accumulating its
	// string context into the derivation's declared inputs. Attributes
	// starting with "__" are derivation options consumed above, not
	// builder-visible environment (real Nix's own convention), and
	// __ignoreNulls additionally drops any attribute whose forced value
	// is null instead of erroring on it.
	for _, k := range args.SortedNames() {
		if k == "outputHash" || k == "outputHashMode" || strings.HasPrefix(k, "__") {
			continue
		}
		v, _ := args.Get(k)
		fv, err := ev.Force(v)
		if err != nil {
			return nil, Traced(err, "while evaluating the attribute %q", k)
		}
		if ignoreNulls {
			if _, isNull := fv.(Null); isNull {
				continue
			}
		}
		val, err := envValue(ev, fv)
		if err != nil {
			return nil, Traced(err, "while evaluating the attribute %q", k)
		}
		d.SetEnv(k, val.Text)
		ctxAll = Union(ctxAll, val.Context)
	}

	for outputName, out := range d.Outputs {
		switch out.Mode {
		case drv.CAFloating, drv.InputAddressed, drv.Impure:
			d.SetEnv(outputName, drv.HashPlaceholder(outputName))
		case drv.CAFixed:
			p, err := fixedOutputPathFor(d, outputName)
			if err != nil {
				return nil, err
			}
			d.SetEnv(outputName, string(p))
		}
	}

	srcs, drvs := DerivationInputs(ctxAll)
	for _, p := range srcs {
		d.InputSrcs.Add(p)
	}
	if len(drvs) > 0 {
		d.InputDrvs = make(map[storepath.Path]*sortedset.Set[string], len(drvs))
		for p, outs := range drvs {
			s := sortedset.New(outs...)
			d.InputDrvs[p] = s
		}
	}

	drvPath, outputPaths, err := ev.Writer.WriteDerivation(ev.Ctx, d)
	if err != nil {
		return nil, NewEvalError("derivation %s: %v", d.Name, err)
	}

	out := map[string]Value{}
	for _, k := range args.SortedNames() {
		switch k {
		case "outputHash", "outputHashMode":
			continue
		}
		v, _ := args.Get(k)
		out[k] = v
	}
	out["name"] = name
	out["drvPath"] = String{
		Text:    string(drvPath),
		Context: ContextSet{}.Add(ContextElement{Kind: ContextOutPath, Path: drvPath}),
	}
	for outputName, outSpec := range d.Outputs {
		var path string
		if p, ok := outputPaths[outputName]; ok {
			path = string(p)
		} else if outSpec.Mode == drv.CAFixed {
			p, err := fixedOutputPathFor(d, outputName)
			if err != nil {
				return nil, err
			}
			path = string(p)
		} else {
			path = drv.UnknownCAOutputPlaceholder(drvPath, outputName)
		}
		out[outputName] = String{
			Text:    path,
			Context: ContextSet{}.Add(ContextElement{Kind: ContextDrvOutputs, Path: drvPath, Outputs: []string{outputName}}),
		}
	}
	return NewAttrSet(out), nil
}

// caMethodForOutputHashMode maps an outputHashMode string to the
// store.CAMethod it selects (spec.md §4.6), accepting "git" alongside
// the teacher's "flat"/"recursive" pair since store already supports
// git-tree content addressing (store.GitContentAddress).
func caMethodForOutputHashMode(mode string) (store.CAMethod, error) {
	switch mode {
	case "flat":
		return store.FlatMethod, nil
	case "recursive":
		return store.NixArchiveMethod, nil
	case "git":
		return store.GitMethod, nil
	default:
		return 0, NewEvalError("derivation: invalid outputHashMode %q", mode)
	}
}

// fixedOutputPathFor reuses [drv.Derivation.Export]'s own output-path
// computation so the env-var placeholder set before writing matches
// exactly what gets written to disk: for a fixed-output derivation the
// path never depends on the closure hash, so passing a zero hash and no
// input paths is safe.
func fixedOutputPathFor(d *drv.Derivation, outputName string) (storepath.Path, error) {
	paths, err := d.OutputPaths(nix.Hash{}, nil)
	if err != nil {
		return "", err
	}
	p, ok := paths[outputName]
	if !ok {
		return "", fmt.Errorf("derivation %s: output %q has no fixed path", d.Name, outputName)
	}
	return p, nil
}

// envValue coerces a forced value to the string an environment variable
// entry should hold: lists are space-joined (spec.md §4.5's "array
// attributes" convention, grounded on the teacher's toEnvVar), bools
// become "1"/"", everything else uses ordinary string coercion.
func envValue(ev *Evaluator, v Value) (String, error) {
	switch x := v.(type) {
	case Bool:
		if x {
			return String{Text: "1"}, nil
		}
		return String{Text: ""}, nil
	case *List:
		acc := String{}
		for i, elem := range x.Elems {
			fv, err := ev.Force(elem)
			if err != nil {
				return String{}, err
			}
			s, err := ev.coerceToString(fv)
			if err != nil {
				return String{}, err
			}
			if i > 0 {
				acc = Concat(acc, String{Text: " "})
			}
			acc = Concat(acc, s)
		}
		return acc, nil
	default:
		return ev.coerceToString(v)
	}
}

func closureKey(v Value) (string, error) {
	switch x := v.(type) {
	case String:
		return "s:" + x.Text, nil
	case Int:
		return fmt.Sprintf("i:%d", int64(x)), nil
	case Path:
		return "p:" + string(x), nil
	case Bool:
		return fmt.Sprintf("b:%v", bool(x)), nil
	}
	return "", NewEvalError("genericClosure: key has unsupported type %s", v.valueType())
}

func forceList(ev *Evaluator, v Value, builtin string, n int) (*List, error) {
	fv, err := ev.Force(v)
	if err != nil {
		return nil, err
	}
	l, ok := fv.(*List)
	if !ok {
		return nil, NewEvalError("%s: expected a list, got %s", ArgFrame(builtin, n), fv.valueType())
	}
	return l, nil
}

func forceAttrs(ev *Evaluator, v Value, builtin string, n int) (*AttrSet, error) {
	fv, err := ev.Force(v)
	if err != nil {
		return nil, err
	}
	as, ok := fv.(*AttrSet)
	if !ok {
		return nil, NewEvalError("%s: expected a set, got %s", ArgFrame(builtin, n), fv.valueType())
	}
	return as, nil
}

func forceString(ev *Evaluator, v Value, builtin string, n int) (String, error) {
	fv, err := ev.Force(v)
	if err != nil {
		return String{}, err
	}
	s, ok := fv.(String)
	if !ok {
		return String{}, NewEvalError("%s: expected a string, got %s", ArgFrame(builtin, n), fv.valueType())
	}
	return s, nil
}

func forceInt(ev *Evaluator, v Value, builtin string, n int) (int64, error) {
	fv, err := ev.Force(v)
	if err != nil {
		return 0, err
	}
	i, ok := fv.(Int)
	if !ok {
		return 0, NewEvalError("%s: expected an int, got %s", ArgFrame(builtin, n), fv.valueType())
	}
	return int64(i), nil
}

func forceBoolValue(ev *Evaluator, v Value) (bool, error) {
	fv, err := ev.Force(v)
	if err != nil {
		return false, err
	}
	b, ok := fv.(Bool)
	if !ok {
		return false, NewEvalError("expected a bool, got %s", fv.valueType())
	}
	return bool(b), nil
}

// deepForce recursively forces every element of a compound value,
// implementing builtins.deepSeq's "force the entire value, not just
// its WHNF" semantics.
func (ev *Evaluator) deepForce(v Value) error {
	switch x := v.(type) {
	case *List:
		for i, elem := range x.Elems {
			fv, err := ev.Force(elem)
			if err != nil {
				return err
			}
			if err := ev.deepForce(fv); err != nil {
				return err
			}
			x.Elems[i] = fv
		}
	case *AttrSet:
		for _, k := range x.SortedNames() {
			v, _ := x.Get(k)
			fv, err := ev.Force(v)
			if err != nil {
				return err
			}
			if err := ev.deepForce(fv); err != nil {
				return err
			}
			x.attrs[k] = fv
		}
	}
	return nil
}

// compareVersions implements Nix's dotted/dashed version ordering:
// components compare numerically when both sides are digits, and
// lexicographically otherwise, with a missing trailing component
// treated as older.
func compareVersions(a, b string) int {
	pa, pb := splitVersionParts(a), splitVersionParts(b)
	for i := 0; i < len(pa) || i < len(pb); i++ {
		var ca, cb string
		if i < len(pa) {
			ca = pa[i]
		}
		if i < len(pb) {
			cb = pb[i]
		}
		if ca == cb {
			continue
		}
		if ca == "" {
			return -1
		}
		if cb == "" {
			return 1
		}
		na, aIsNum := parseVersionNum(ca)
		nb, bIsNum := parseVersionNum(cb)
		if aIsNum && bIsNum {
			switch {
			case na < nb:
				return -1
			case na > nb:
				return 1
			default:
				continue
			}
		}
		return cmpString(ca, cb)
	}
	return 0
}

func parseVersionNum(s string) (int64, bool) {
	var n int64
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int64(c-'0')
	}
	return n, len(s) > 0
}

// splitVersionParts splits a version string on '.' and '-', the two
// separators Nix's splitVersion recognizes.
func splitVersionParts(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool { return r == '.' || r == '-' })
}
