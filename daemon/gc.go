// Copyright 2026 The loom Authors
// SPDX-License-Identifier: MIT

package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"loom.build/pkg/sortedset"
	"loom.build/pkg/store"
	"loom.build/pkg/storepath"
)

// collectGarbage implements spec.md §4.4/§6's collector: every
// registered path reachable from a root (a permanent root under
// GCRootsDir, or a live temp root held by an in-flight client) is
// live; everything else is deleted from both the database and the
// filesystem, leaves first so a still-referenced path is never
// removed ahead of its referrer.
//
// opts.Roots, when non-empty, replaces the GCRootsDir scan entirely —
// the override spec.md's GCOptions reserves for tests.
func collectGarbage(ctx context.Context, s *LocalStore, opts store.GCOptions) (*store.GCResults, error) {
	roots, err := gcRoots(ctx, s, opts)
	if err != nil {
		return nil, fmt.Errorf("daemon: collect garbage: %w", err)
	}

	all, err := s.DB.ListValidPaths(ctx)
	if err != nil {
		return nil, fmt.Errorf("daemon: collect garbage: %w", err)
	}

	live, err := closure(ctx, s, roots, all)
	if err != nil {
		return nil, fmt.Errorf("daemon: collect garbage: %w", err)
	}

	dead := make(map[store.Path]int64)
	for p, size := range all {
		if !live.Has(p) {
			dead[p] = size
		}
	}

	results := &store.GCResults{}
	for len(dead) > 0 {
		progressed := false
		for p, size := range dead {
			if opts.MaxFreed > 0 && results.BytesFreed+size > opts.MaxFreed {
				delete(dead, p)
				continue
			}
			referrers, err := s.DB.QueryReferrers(ctx, p)
			if err != nil {
				return nil, fmt.Errorf("daemon: collect garbage: %w", err)
			}
			if hasRemainingReferrer(referrers, dead, p) {
				continue
			}
			if err := os.RemoveAll(s.objectPath(p)); err != nil {
				return nil, fmt.Errorf("daemon: collect garbage: delete %s: %w", p, err)
			}
			if err := s.DB.DeletePath(ctx, p); err != nil {
				return nil, fmt.Errorf("daemon: collect garbage: delete %s: %w", p, err)
			}
			results.Deleted = append(results.Deleted, p)
			results.BytesFreed += size
			delete(dead, p)
			progressed = true
		}
		if !progressed {
			break
		}
	}
	return results, nil
}

// hasRemainingReferrer reports whether any of referrers is still
// pending deletion other than p itself — a dead path can only be
// referenced by other dead paths, since a live path's references are
// themselves live by construction of [closure].
func hasRemainingReferrer(referrers sortedset.Set[store.Path], dead map[store.Path]int64, p store.Path) bool {
	for i := 0; i < referrers.Len(); i++ {
		r := referrers.At(i)
		if r == p {
			continue
		}
		if _, stillDead := dead[r]; stillDead {
			return true
		}
	}
	return false
}

// closure follows references transitively from roots, restricted to
// paths actually present in all (a root pointing outside the
// registered set, e.g. a dangling symlink, is simply ignored).
func closure(ctx context.Context, s *LocalStore, roots sortedset.Set[store.Path], all map[store.Path]int64) (sortedset.Set[store.Path], error) {
	var live sortedset.Set[store.Path]
	queue := make([]store.Path, 0, roots.Len())
	for i := 0; i < roots.Len(); i++ {
		queue = append(queue, roots.At(i))
	}
	for len(queue) > 0 {
		p := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		if _, ok := all[p]; !ok || live.Has(p) {
			continue
		}
		live.Add(p)
		refs, err := s.DB.QueryReferences(ctx, p)
		if err != nil {
			return sortedset.Set[store.Path]{}, err
		}
		for i := 0; i < refs.Others.Len(); i++ {
			queue = append(queue, refs.Others.At(i))
		}
	}
	return live, nil
}

// gcRoots gathers the live root set: opts.Roots if the caller
// supplied a non-empty one (tests), otherwise the permanent indirect roots under
// GCRootsDir plus every process's live temp roots.
func gcRoots(ctx context.Context, s *LocalStore, opts store.GCOptions) (sortedset.Set[store.Path], error) {
	if opts.Roots.Len() > 0 {
		return opts.Roots, nil
	}

	var roots sortedset.Set[store.Path]
	temp, err := s.DB.LiveTempRoots(ctx)
	if err != nil {
		return sortedset.Set[store.Path]{}, err
	}
	roots.AddSet(&temp)

	if s.GCRootsDir == "" {
		return roots, nil
	}
	entries, err := os.ReadDir(s.GCRootsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return roots, nil
		}
		return sortedset.Set[store.Path]{}, err
	}
	for _, entry := range entries {
		indirect := filepath.Join(s.GCRootsDir, entry.Name())
		userLink, err := os.Readlink(indirect)
		if err != nil {
			continue // not a symlink; not one of ours
		}
		target, err := os.Readlink(userLink)
		if err != nil {
			continue // user's symlink is gone: a stale root, treated as garbage
		}
		p, err := storepath.ParsePath(target)
		if err != nil {
			continue
		}
		roots.Add(p)
	}
	return roots, nil
}
