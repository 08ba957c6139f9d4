// Copyright 2026 The loom Authors
// SPDX-License-Identifier: MIT

package sandbox

import (
	"io"

	"loom.build/pkg/sets"
	"loom.build/pkg/storepath"
)

// referenceScanner finds every occurrence of any of a fixed set of
// hash-parts in a byte stream, implementing spec.md §4.9's "Deterministic
// references" (scan the canonicalised archive stream for any substring
// equal to a hash-part of any path the builder could legally
// reference").
//
// Every hash-part is exactly storepath's digest length, so the
// general Aho–Corasick construction spec.md names collapses to a
// single fixed-width sliding window checked against a set on every
// byte: no pack example or ecosystem library implements Aho–Corasick
// for this module's dependency surface, and a variable-length
// multi-pattern automaton would be solving a problem this fixed-width
// alphabet doesn't have, so the window approach is used directly
// instead of hand-rolling a general automaton nobody needs.
type referenceScanner struct {
	patterns map[string]storepath.Path
	width    int

	window []byte
	found  sets.Set[storepath.Path]
}

func newReferenceScanner(candidates map[string]storepath.Path) *referenceScanner {
	width := 0
	for hashPart := range candidates {
		width = len(hashPart)
		break
	}
	return &referenceScanner{
		patterns: candidates,
		width:    width,
		window:   make([]byte, 0, width),
		found:    sets.New[storepath.Path](),
	}
}

// Write implements io.Writer, feeding b through the scanner.
func (s *referenceScanner) Write(b []byte) (int, error) {
	if s.width == 0 {
		return len(b), nil
	}
	for _, c := range b {
		s.window = append(s.window, c)
		if len(s.window) > s.width {
			s.window = s.window[len(s.window)-s.width:]
		}
		if len(s.window) == s.width {
			if p, ok := s.patterns[string(s.window)]; ok {
				s.found.Add(p)
			}
		}
	}
	return len(b), nil
}

// Found returns the set of candidate paths observed in the stream so
// far.
func (s *referenceScanner) Found() sets.Set[storepath.Path] {
	return s.found
}

// scanForReferences scans r for occurrences of any hash-part in
// candidates (paths this output could legally reference: its
// declared inputs' closure plus the derivation's own output paths,
// for self-references).
func scanForReferences(r io.Reader, candidates map[string]storepath.Path) (sets.Set[storepath.Path], error) {
	s := newReferenceScanner(candidates)
	if _, err := io.Copy(s, r); err != nil {
		return nil, err
	}
	return s.Found(), nil
}

// hashPartCandidates builds the hash-part → Path lookup scanForReferences
// needs from a set of legally-referenceable paths. It scans for each
// path's base32 digest as it appears literally in text (e.g. embedded
// in a shebang or a linked library's rpath), not
// [storepath.HashPart]'s raw decoded bytes, which never appear as a
// literal substring of file content.
func hashPartCandidates(paths ...[]storepath.Path) map[string]storepath.Path {
	out := make(map[string]storepath.Path)
	for _, group := range paths {
		for _, p := range group {
			if digest := p.Digest(); digest != "" {
				out[digest] = p
			}
		}
	}
	return out
}
