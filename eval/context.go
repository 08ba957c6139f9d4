// Copyright 2026 The loom Authors
// SPDX-License-Identifier: MIT

package eval

import (
	"sort"

	"loom.build/pkg/storepath"
)

// ContextKind identifies which of spec.md §4.6's three string-context
// element shapes a [ContextElement] is.
type ContextKind int

const (
	// ContextOutPath marks a dependency on a store path existing
	// (e.g. produced by string-izing a derivation output or a plain
	// input source).
	ContextOutPath ContextKind = iota
	// ContextDrvOutputs marks a dependency on specific named outputs
	// of a derivation, not yet realised at evaluation time.
	ContextDrvOutputs
	// ContextDrvDeep marks a dependency on a derivation's entire
	// transitive build closure (the `drvDeep` context kind spec.md
	// §4.6 and §4.8 use to express build-time dependencies such as
	// `all-outputs.drv deep` references).
	ContextDrvDeep
)

// ContextElement is one entry of a string's context set.
type ContextElement struct {
	Kind    ContextKind
	Path    storepath.Path // the store path or .drv path this element names
	Outputs []string        // ContextDrvOutputs only, sorted
}

// ContextSet is an unordered set of [ContextElement]s attached to a
// [String] value, propagated through concatenation and interpolation
// (spec.md §4.6) and excluded from value equality.
type ContextSet map[string]ContextElement

func contextKey(e ContextElement) string {
	switch e.Kind {
	case ContextOutPath:
		return "path:" + string(e.Path)
	case ContextDrvDeep:
		return "deep:" + string(e.Path)
	default:
		s := "outs:" + string(e.Path) + ":"
		for _, o := range e.Outputs {
			s += o + ","
		}
		return s
	}
}

// Add inserts e into the set, merging output lists for repeated
// ContextDrvOutputs entries on the same path.
func (cs ContextSet) Add(e ContextElement) ContextSet {
	if cs == nil {
		cs = make(ContextSet)
	}
	key := contextKey(e)
	if existing, ok := cs[key]; ok && e.Kind == ContextDrvOutputs {
		merged := append(append([]string{}, existing.Outputs...), e.Outputs...)
		sort.Strings(merged)
		merged = uniqStrings(merged)
		existing.Outputs = merged
		cs[key] = existing
		return cs
	}
	cs[key] = e
	return cs
}

// Union returns a new set containing every element of a and b.
func Union(a, b ContextSet) ContextSet {
	out := make(ContextSet, len(a)+len(b))
	for _, e := range a {
		out = out.Add(e)
	}
	for _, e := range b {
		out = out.Add(e)
	}
	return out
}

func uniqStrings(ss []string) []string {
	out := ss[:0]
	var last string
	for i, s := range ss {
		if i == 0 || s != last {
			out = append(out, s)
		}
		last = s
	}
	return out
}

// Concat concatenates two context-bearing strings, unioning their
// contexts; concatenation and interpolation are the only two operations
// in the language that combine contexts (spec.md §4.6).
func Concat(a, b String) String {
	return String{Text: a.Text + b.Text, Context: Union(a.Context, b.Context)}
}

// DerivationInputs partitions a string's context into the input-source
// paths and input-derivation/output pairs a derivation built from that
// string must declare (spec.md §4.5's inputSrcs/inputDrvs), used by
// derivationStrict to compute a call's dependency closure from its
// stringized argument set.
func DerivationInputs(cs ContextSet) (srcs []storepath.Path, drvs map[storepath.Path][]string) {
	drvs = make(map[storepath.Path][]string)
	for _, e := range cs {
		switch e.Kind {
		case ContextOutPath:
			srcs = append(srcs, e.Path)
		case ContextDrvOutputs:
			drvs[e.Path] = append(drvs[e.Path], e.Outputs...)
		case ContextDrvDeep:
			// A deep context element additionally pulls in the
			// derivation's own build closure; the scheduler (C8)
			// resolves that transitive expansion, so here it is
			// recorded the same as a direct input-derivation
			// reference with no output names yet, using a sentinel
			// understood by sched as "depend on the whole closure".
			drvs[e.Path] = append(drvs[e.Path], "*")
		}
	}
	for p := range drvs {
		sort.Strings(drvs[p])
	}
	sort.Slice(srcs, func(i, j int) bool { return srcs[i] < srcs[j] })
	return srcs, drvs
}
