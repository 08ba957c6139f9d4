// Copyright 2026 The loom Authors
// SPDX-License-Identifier: MIT

package drv

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	"zombiezen.com/go/nix"

	"loom.build/pkg/aterm"
	"loom.build/pkg/sortedset"
	"loom.build/pkg/store"
	"loom.build/pkg/storepath"
)

// Parse parses a derivation from its canonical ATerm form (spec.md §6).
//
// The teacher's own unmarshalText is an unfinished stub (an empty
// infinite loop stands in for input-derivation parsing, and
// System/Builder/Args/Env are bare `// TODO(now)` comments), so this
// parser is written fresh, driving the shared aterm.Scanner token by
// token instead of the teacher's ad hoc byte-prefix cutting — the only
// approach that can actually round-trip [Derivation.Marshal]'s output.
func Parse(dir storepath.Directory, name string, data []byte) (*Derivation, error) {
	rest, ok := bytes.CutPrefix(data, []byte("Derive"))
	if !ok {
		return nil, fmt.Errorf("parse %s derivation: missing \"Derive\" header", name)
	}
	s := aterm.NewScanner(bytes.NewReader(rest))

	if err := aterm.ExpectKind(s, aterm.LParen); err != nil {
		return nil, fmt.Errorf("parse %s derivation: %w", name, err)
	}

	drv := &Derivation{Dir: dir, Name: name}

	outputs, err := parseOutputsList(s)
	if err != nil {
		return nil, fmt.Errorf("parse %s derivation: outputs: %w", name, err)
	}
	drv.Outputs = outputs

	inputDrvs, err := parseInputDrvsList(s)
	if err != nil {
		return nil, fmt.Errorf("parse %s derivation: input derivations: %w", name, err)
	}
	drv.InputDrvs = inputDrvs

	if err := aterm.ExpectKind(s, aterm.LBracket); err != nil {
		return nil, fmt.Errorf("parse %s derivation: input sources: %w", name, err)
	}
	if err := aterm.ReadList(s, func(v string) error {
		p, err := storepath.ParsePath(v)
		if err != nil {
			return fmt.Errorf("input source %q: %w", v, err)
		}
		drv.InputSrcs.Add(p)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("parse %s derivation: input sources: %w", name, err)
	}

	system, err := aterm.ExpectString(s)
	if err != nil {
		return nil, fmt.Errorf("parse %s derivation: system: %w", name, err)
	}
	drv.System = system

	builder, err := aterm.ExpectString(s)
	if err != nil {
		return nil, fmt.Errorf("parse %s derivation: builder: %w", name, err)
	}
	drv.Builder = builder

	if err := aterm.ExpectKind(s, aterm.LBracket); err != nil {
		return nil, fmt.Errorf("parse %s derivation: args: %w", name, err)
	}
	if err := aterm.ReadList(s, func(v string) error {
		drv.Args = append(drv.Args, v)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("parse %s derivation: args: %w", name, err)
	}

	if err := aterm.ExpectKind(s, aterm.LBracket); err != nil {
		return nil, fmt.Errorf("parse %s derivation: env: %w", name, err)
	}
	for {
		tok, err := s.ReadToken()
		if err != nil {
			return nil, fmt.Errorf("parse %s derivation: env: %w", name, err)
		}
		if tok.Kind == aterm.RBracket {
			break
		}
		if tok.Kind != aterm.LParen {
			return nil, fmt.Errorf("parse %s derivation: env: unexpected token %v", name, tok)
		}
		k, err := aterm.ExpectString(s)
		if err != nil {
			return nil, fmt.Errorf("parse %s derivation: env: name: %w", name, err)
		}
		v, err := aterm.ExpectString(s)
		if err != nil {
			return nil, fmt.Errorf("parse %s derivation: env: value: %w", name, err)
		}
		if err := aterm.ExpectKind(s, aterm.RParen); err != nil {
			return nil, fmt.Errorf("parse %s derivation: env: %w", name, err)
		}
		drv.Env = append(drv.Env, EnvVar{Name: k, Value: v})
	}

	if err := aterm.ExpectKind(s, aterm.RParen); err != nil {
		return nil, fmt.Errorf("parse %s derivation: %w", name, err)
	}
	if _, err := classify(drv.Outputs); err != nil {
		return nil, fmt.Errorf("parse %s derivation: %w", name, err)
	}
	return drv, nil
}

func parseOutputsList(s *aterm.Scanner) (map[string]*DerivationOutput, error) {
	if err := aterm.ExpectKind(s, aterm.LBracket); err != nil {
		return nil, err
	}
	outputs := make(map[string]*DerivationOutput)
	for {
		tok, err := s.ReadToken()
		if err != nil {
			return nil, err
		}
		if tok.Kind == aterm.RBracket {
			return outputs, nil
		}
		if tok.Kind != aterm.LParen {
			return nil, fmt.Errorf("unexpected token %v (expected output tuple)", tok)
		}
		outName, out, err := parseOutputTuple(s)
		if err != nil {
			return nil, err
		}
		if _, exists := outputs[outName]; exists {
			return nil, fmt.Errorf("multiple outputs named %q", outName)
		}
		outputs[outName] = out
	}
}

func parseOutputTuple(s *aterm.Scanner) (string, *DerivationOutput, error) {
	outName, err := aterm.ExpectString(s)
	if err != nil {
		return "", nil, fmt.Errorf("output name: %w", err)
	}
	path, err := aterm.ExpectString(s)
	if err != nil {
		return outName, nil, fmt.Errorf("output %s: path: %w", outName, err)
	}
	caInfo, err := aterm.ExpectString(s)
	if err != nil {
		return outName, nil, fmt.Errorf("output %s: hash algorithm: %w", outName, err)
	}
	hashHex, err := aterm.ExpectString(s)
	if err != nil {
		return outName, nil, fmt.Errorf("output %s: hash: %w", outName, err)
	}
	if err := aterm.ExpectKind(s, aterm.RParen); err != nil {
		return outName, nil, fmt.Errorf("output %s: %w", outName, err)
	}

	if caInfo == "" {
		if path == "" {
			return outName, DeferredOutput(), nil
		}
		return outName, InputAddressedOutput(), nil
	}

	method, hashAlgo, err := parseHashAlgorithm(caInfo)
	if err != nil {
		return outName, nil, fmt.Errorf("output %s: hash algorithm: %w", outName, err)
	}
	if hashHex == "" {
		return outName, FloatingOutput(method, hashAlgo), nil
	}
	hashBits, err := hex.DecodeString(hashHex)
	if err != nil {
		return outName, nil, fmt.Errorf("output %s: hash: %w", outName, err)
	}
	if got, want := len(hashBits), hashAlgo.Size(); got != want {
		return outName, nil, fmt.Errorf("output %s: hash: incorrect size (got %d bytes, want %d for %v)", outName, got, want, hashAlgo)
	}
	h := nix.NewHash(hashAlgo, hashBits)
	var ca store.ContentAddress
	switch method {
	case store.TextMethod:
		ca = store.TextContentAddress(h)
	case store.NixArchiveMethod:
		ca = store.NixArchiveContentAddress(h)
	case store.GitMethod:
		ca = store.GitContentAddress(h)
	default:
		ca = store.FlatFileContentAddress(h)
	}
	return outName, FixedOutput(ca), nil
}

func parseInputDrvsList(s *aterm.Scanner) (map[storepath.Path]*sortedset.Set[string], error) {
	if err := aterm.ExpectKind(s, aterm.LBracket); err != nil {
		return nil, err
	}
	result := make(map[storepath.Path]*sortedset.Set[string])
	for {
		tok, err := s.ReadToken()
		if err != nil {
			return nil, err
		}
		if tok.Kind == aterm.RBracket {
			return result, nil
		}
		if tok.Kind != aterm.LParen {
			return nil, fmt.Errorf("unexpected token %v (expected input-derivation tuple)", tok)
		}
		pathStr, err := aterm.ExpectString(s)
		if err != nil {
			return nil, fmt.Errorf("input derivation: path: %w", err)
		}
		p, err := storepath.ParsePath(pathStr)
		if err != nil {
			return nil, fmt.Errorf("input derivation: path %q: %w", pathStr, err)
		}
		if err := aterm.ExpectKind(s, aterm.LBracket); err != nil {
			return nil, fmt.Errorf("input derivation %s: outputs: %w", p, err)
		}
		outs := new(sortedset.Set[string])
		if err := aterm.ReadList(s, func(v string) error {
			outs.Add(v)
			return nil
		}); err != nil {
			return nil, fmt.Errorf("input derivation %s: outputs: %w", p, err)
		}
		if err := aterm.ExpectKind(s, aterm.RParen); err != nil {
			return nil, fmt.Errorf("input derivation %s: %w", p, err)
		}
		result[p] = outs
	}
}

// parseHashAlgorithm splits the "[r:|text:|git:]<algorithm>" form used
// in a derivation output's hash-algorithm field, grounded on the
// teacher's parseHashAlgorithm.
func parseHashAlgorithm(s string) (store.CAMethod, nix.HashType, error) {
	method := store.FlatMethod
	rest, ok := strings.CutPrefix(s, "r:")
	switch {
	case ok:
		method = store.NixArchiveMethod
		s = rest
	default:
		if rest, ok := strings.CutPrefix(s, "text:"); ok {
			method = store.TextMethod
			s = rest
		} else if rest, ok := strings.CutPrefix(s, "git:"); ok {
			method = store.GitMethod
			s = rest
		}
	}
	typ, err := nix.ParseHashType(s)
	if err != nil {
		return method, 0, err
	}
	return method, typ, nil
}
