// Copyright 2026 The loom Authors
// SPDX-License-Identifier: MIT

package sandbox

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"loom.build/pkg/drv"
	"loom.build/pkg/nar"
	"loom.build/pkg/sets"
	"loom.build/pkg/store"
	"loom.build/pkg/storepath"
)

// materialiseInputs realises the transitive closure of d's declared
// inputs (spec.md §4.9 step 3's "materialise a read-only view of the
// closure of every input path") into fresh directories under
// sandboxRoot, one per store path, and returns each path's host
// location so the platform-specific sandbox setup can bind-mount them
// into place.
//
// By the time a derivation reaches [Builder.Build], [sched.Scheduler]
// has already resolved every input derivation's placeholder to a
// concrete path and folded it into InputSrcs (see [drv.Derivation.Resolve]),
// so only InputSrcs needs to be closed over here.
func (b *Builder) materialiseInputs(ctx context.Context, d *drv.Derivation, sandboxRoot string) (map[storepath.Path]string, error) {
	closure, err := b.closure(ctx, d.InputSrcs.All())
	if err != nil {
		return nil, err
	}

	cacheDir := filepath.Join(sandboxRoot, ".input-cache")
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, err
	}

	out := make(map[storepath.Path]string, len(closure))
	for p := range closure {
		dst := filepath.Join(cacheDir, p.Base())
		if err := materialiseOne(ctx, b.Store, p, dst); err != nil {
			return nil, err
		}
		out[p] = dst
	}
	return out, nil
}

// materialiseOne streams p's archive from s and recreates it at dst
// (dst's parent directory must already exist; dst itself must not).
func materialiseOne(ctx context.Context, s store.Store, p storepath.Path, dst string) error {
	pr, pw := io.Pipe()
	errc := make(chan error, 1)
	go func() {
		err := s.NARFromPath(ctx, p, pw)
		pw.CloseWithError(err)
		errc <- err
	}()
	recv := &nar.DiskReceiver{Root: dst}
	if err := nar.Parse(pr, recv); err != nil {
		pr.Close()
		<-errc
		return err
	}
	return <-errc
}

// closure returns the transitive set of store paths reachable from
// roots by following [store.ValidPathInfo.References], memoising
// already-visited paths.
func (b *Builder) closure(ctx context.Context, roots func(func(storepath.Path) bool)) (sets.Set[storepath.Path], error) {
	visited := sets.New[storepath.Path]()
	var visit func(storepath.Path) error
	visit = func(p storepath.Path) error {
		if visited.Has(p) {
			return nil
		}
		visited.Add(p)
		info, err := b.Store.QueryPathInfo(ctx, p)
		if err != nil {
			return err
		}
		for i := 0; i < info.References.Others.Len(); i++ {
			if err := visit(info.References.Others.At(i)); err != nil {
				return err
			}
		}
		return nil
	}
	var outerErr error
	roots(func(p storepath.Path) bool {
		if err := visit(p); err != nil {
			outerErr = err
			return false
		}
		return true
	})
	return visited, outerErr
}
