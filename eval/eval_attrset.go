// Copyright 2026 The loom Authors
// SPDX-License-Identifier: MIT

package eval

// nestedBuilder is a transient placeholder used while assembling an
// attribute set literal with dotted binding paths (`a.b = 1; a.c = 2;`
// builds one nested set for `a`); [finalizeNested] replaces every
// nestedBuilder in the tree with a real *AttrSet before the literal's
// value escapes evalAttrSet.
type nestedBuilder struct{ m map[string]Value }

func (*nestedBuilder) valueType() Type { return TypeAttrs }

func finalizeNested(m map[string]Value) {
	for k, v := range m {
		if nb, ok := v.(*nestedBuilder); ok {
			finalizeNested(nb.m)
			m[k] = NewAttrSet(nb.m)
		}
	}
}

// bindingTarget walks path[:len(path)-1] within root, creating nested
// builders as needed, and returns the map the final segment should be
// inserted into along with that segment's resolved name.
func (ev *Evaluator) bindingTarget(root map[string]Value, path []AttrName, env *Env) (map[string]Value, string, error) {
	cur := root
	for _, seg := range path[:len(path)-1] {
		name, err := ev.attrNameString(seg, env)
		if err != nil {
			return nil, "", err
		}
		existing, ok := cur[name]
		if !ok {
			nb := &nestedBuilder{m: map[string]Value{}}
			cur[name] = nb
			cur = nb.m
			continue
		}
		nb, ok := existing.(*nestedBuilder)
		if !ok {
			return nil, "", NewEvalError("attribute %q already defined", name)
		}
		cur = nb.m
	}
	last, err := ev.attrNameString(path[len(path)-1], env)
	return cur, last, err
}

// bindEnv builds the self-referential scope for a `let` expression:
// every binding's value closes over the new scope itself, so siblings
// (and the let's body) can refer to one another regardless of order.
// Unlike attribute-set literals, let bindings never use dotted paths.
func (ev *Evaluator) bindEnv(bindings []Binding, inherits []Inherit, env *Env, selfRef bool) (*Env, error) {
	vars := map[string]Value{}
	letEnv := NewChildScope(env, vars)
	valueEnv := env
	if selfRef {
		valueEnv = letEnv
	}
	for _, b := range bindings {
		if len(b.Path) != 1 || b.Path[0].Dynamic != nil {
			return nil, NewEvalError("let bindings must use a plain static name")
		}
		name := b.Path[0].Static
		if _, exists := vars[name]; exists {
			return nil, NewEvalError("attribute %q already defined", name)
		}
		vars[name] = NewThunk(b.Value, valueEnv)
	}
	for _, inh := range inherits {
		if inh.From != nil {
			for _, name := range inh.Names {
				vars[name] = NewThunk(&inheritRef{From: inh.From, Name: name}, env)
			}
			continue
		}
		for _, name := range inh.Names {
			v, err := ev.resolve(env, name)
			if err != nil {
				return nil, err
			}
			vars[name] = v
		}
	}
	return letEnv, nil
}

// evalAttrSet builds an attribute set literal. A rec set's bindings
// close over a self-referential scope so siblings can refer to one
// another; inherit clauses always resolve against the enclosing scope
// (and, for `inherit (expr) names;`, the from-expression is also
// evaluated in the enclosing scope), matching real Nix's rule that a
// set being built cannot supply its own inherit source implicitly.
func (ev *Evaluator) evalAttrSet(e *AttrSetExpr, env *Env) (Value, error) {
	root := map[string]Value{}
	var bindEnv *Env
	if e.Rec {
		selfVars := map[string]Value{}
		bindEnv = NewChildScope(env, selfVars)
		if err := ev.fillAttrSet(root, selfVars, e, bindEnv, env); err != nil {
			return nil, err
		}
	} else {
		if err := ev.fillAttrSet(root, nil, e, env, env); err != nil {
			return nil, err
		}
	}
	finalizeNested(root)
	return NewAttrSet(root), nil
}

// fillAttrSet populates root (the literal's flat attribute map, used
// for the final value and for dotted-path target resolution) and,
// for a rec set, selfVars (the self-referential scope's own binding
// map, which must stay flat since attribute paths are not variables).
// valueEnv is the environment each binding's value thunk closes over;
// inheritEnv is the environment inherit clauses resolve against.
func (ev *Evaluator) fillAttrSet(root, selfVars map[string]Value, e *AttrSetExpr, valueEnv, inheritEnv *Env) error {
	for _, b := range e.Bindings {
		target, name, err := ev.bindingTarget(root, b.Path, valueEnv)
		if err != nil {
			return err
		}
		if _, exists := target[name]; exists {
			return NewEvalError("attribute %q already defined", name)
		}
		th := NewThunk(b.Value, valueEnv)
		target[name] = th
		if selfVars != nil && len(b.Path) == 1 {
			selfVars[name] = th
		}
	}
	for _, inh := range e.Inherits {
		if inh.From != nil {
			for _, name := range inh.Names {
				v := NewThunk(&inheritRef{From: inh.From, Name: name}, inheritEnv)
				if _, exists := root[name]; exists {
					return NewEvalError("attribute %q already defined", name)
				}
				root[name] = v
				if selfVars != nil {
					selfVars[name] = v
				}
			}
			continue
		}
		for _, name := range inh.Names {
			v, err := ev.resolve(inheritEnv, name)
			if err != nil {
				return err
			}
			if _, exists := root[name]; exists {
				return NewEvalError("attribute %q already defined", name)
			}
			root[name] = v
			if selfVars != nil {
				selfVars[name] = v
			}
		}
	}
	return nil
}

