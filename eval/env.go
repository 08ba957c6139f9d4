// Copyright 2026 The loom Authors
// SPDX-License-Identifier: MIT

package eval

// Env is a lexical environment frame: either a binding scope (let, rec
// attrset, lambda parameter, inherit) or a `with` scope whose attribute
// set is only consulted as a fallback.
//
// Resolution order implements the "Open question decisions" entry in
// DESIGN.md: lexical names always win over `with`; among multiple
// nested `with`s, the innermost wins. [Evaluator.resolve] performs this as two
// passes: first walk the full chain looking only at binding scopes, then
// (if nothing was found) walk it again looking only at with-scopes,
// innermost first — which is simply "first with-scope whose attribute
// set has the name," since the chain is already ordered
// innermost-to-outermost.
type Env struct {
	parent *Env
	// vars is nil for a with-scope.
	vars map[string]Value
	// withAttrs is nil for a binding scope; otherwise the (possibly
	// unforced) value of the `with`'s attribute-set expression.
	withAttrs Value
}

// NewChildScope returns a binding-scope child of env with the given
// variable bindings.
func NewChildScope(env *Env, vars map[string]Value) *Env {
	return &Env{parent: env, vars: vars}
}

// NewWithScope returns a with-scope child of env over attrs.
func NewWithScope(env *Env, attrs Value) *Env {
	return &Env{parent: env, withAttrs: attrs}
}

// lookupLexical walks only binding scopes, returning the first match.
func (env *Env) lookupLexical(name string) (Value, bool) {
	for e := env; e != nil; e = e.parent {
		if e.vars == nil {
			continue
		}
		if v, ok := e.vars[name]; ok {
			return v, true
		}
	}
	return nil, false
}

// withScopes returns the chain's with-scopes, innermost first.
func (env *Env) withScopes() []*Env {
	var out []*Env
	for e := env; e != nil; e = e.parent {
		if e.withAttrs != nil {
			out = append(out, e)
		}
	}
	return out
}
