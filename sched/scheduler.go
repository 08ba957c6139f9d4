// Copyright 2026 The loom Authors
// SPDX-License-Identifier: MIT

// Package sched implements the build scheduler (C8 in the design): the
// goal DAG that turns a set of requested [store.DerivedPath] values
// into substituted or built store objects, per spec.md §4.8's state
// machine and §5's concurrency contract.
//
// Grounded on the teacher's internal/backend/realize.go (the overall
// realise-a-derivation procedure: load, check validity, resolve
// content-addressed inputs, lock, build, register), graph.go (the
// dependency analysis that walks a derivation's InputDrvs, here reused
// to discover a goal's waitees lazily rather than precomputed up
// front), and mutex_map.go (output-path advisory locks, package-local
// as [mutexMap]). The teacher drives this procedure from a single
// goroutine per request with an explicit resumable stack; this port
// instead runs goals concurrently with golang.org/x/sync/errgroup,
// bounded build/substitution worker pools, and
// golang.org/x/sync/singleflight to guarantee exactly one live goal per
// key, matching spec.md §5's linearisability requirement without
// needing the teacher's own resumable-stack machinery.
package sched

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"zombiezen.com/go/log"
	"zombiezen.com/go/nix"

	"loom.build/pkg/drv"
	"loom.build/pkg/store"
	"loom.build/pkg/storepath"
)

// ErrNoSubstituters is returned for a substitution goal when no
// substituter knows the requested path and it is not the output of any
// known derivation (spec.md §4.8: "if all fail, the path becomes a
// build dependency unless no derivation produces it, in which case the
// parent goal fails").
var ErrNoSubstituters = errors.New("sched: no substituter has this path and no derivation produces it")

// DerivationLoader reads and parses the derivation at path, the
// scheduler's only dependency on how .drv files are actually stored
// (spec.md leaves this to §4.4's store database).
type DerivationLoader interface {
	LoadDerivation(ctx context.Context, path storepath.Path) (*drv.Derivation, error)
}

// Substituter attempts to realise path from some external source (a
// binary cache, spec.md §4.7's [fetch] registry, or another store).
// Substitute reports (false, nil) when this substituter simply does not
// have path, reserving a non-nil error for an actual failure partway
// through a download (spec.md §4.8: "failure of one substituter falls
// through to the next").
type Substituter interface {
	Substitute(ctx context.Context, path storepath.Path) (ok bool, err error)
}

// Builder runs one derivation's build action to completion (C9 in the
// design; the sandboxed builder itself is a separate package so that
// sched can be tested without a real sandbox).
type Builder interface {
	Build(ctx context.Context, drvPath storepath.Path, d *drv.Derivation, mode store.BuildMode) (*store.BuildResult, error)
}

// Scheduler turns requested derived paths into built or substituted
// store objects, maintaining at most one live [Goal] per distinct
// (DerivedPath, BuildMode) (spec.md §4.8).
type Scheduler struct {
	Store   store.Store
	Dir     storepath.Directory
	Loader  DerivationLoader
	Builder Builder

	// Substituters are tried in order for every missing path (spec.md
	// §4.8's substitution strategy).
	Substituters []Substituter

	// MaxBuildJobs and MaxSubstitutionJobs bound the number of
	// concurrently Building / substituting goals (spec.md §4.8's
	// max-jobs / max-substitution-jobs knobs). Zero means 1.
	MaxBuildJobs        int
	MaxSubstitutionJobs int

	// KeepGoing mirrors --keep-going: if false, a permanent failure
	// cancels every other in-flight goal (spec.md §4.8's cancellation
	// contract).
	KeepGoing bool

	once sync.Once

	sf         singleflight.Group
	goalsMu    sync.Mutex
	goals      map[string]*Goal
	pathLocks  mutexMap[storepath.Path]
	buildSem   chan struct{}
	subSem     chan struct{}

	hashMu    sync.Mutex
	hashCache map[storepath.Path]nix.Hash
}

func (s *Scheduler) init() {
	s.once.Do(func() {
		s.goals = make(map[string]*Goal)
		s.hashCache = make(map[storepath.Path]nix.Hash)
		n := s.MaxBuildJobs
		if n <= 0 {
			n = 1
		}
		s.buildSem = make(chan struct{}, n)
		m := s.MaxSubstitutionJobs
		if m <= 0 {
			m = 1
		}
		s.subSem = make(chan struct{}, m)
	})
}

// BuildPaths realises every path in paths, the scheduler's external
// entry point (the same operation as [store.Store.BuildPaths], one
// layer up). It returns one result per input path, in order.
//
// If s.KeepGoing is false, the first goal to return an error cancels
// every other in-flight goal and BuildPaths returns that error; the
// result for a cancelled path is whatever its goal returned when it was
// cancelled, which may be nil.
func (s *Scheduler) BuildPaths(ctx context.Context, paths []store.DerivedPath, mode store.BuildMode) ([]*store.BuildResult, error) {
	s.init()
	results := make([]*store.BuildResult, len(paths))
	grp, gctx := errgroup.WithContext(ctx)
	for i, p := range paths {
		i, p := i, p
		grp.Go(func() error {
			res, err := s.realizeOne(gctx, p, mode)
			results[i] = res
			if err != nil && !s.KeepGoing {
				return err
			}
			return nil
		})
	}
	err := grp.Wait()
	return results, err
}

// realizeOne interns (or finds) the goal for (p, mode) and drives it to
// completion exactly once, regardless of how many concurrent callers
// request the same key (spec.md §5: "concurrent addToStore/build
// requests for the same key are linearised through one goal").
func (s *Scheduler) realizeOne(ctx context.Context, p store.DerivedPath, mode store.BuildMode) (*store.BuildResult, error) {
	s.init()
	key := derivedPathKey(p, mode)
	v, err, _ := s.sf.Do(key, func() (any, error) {
		g := s.internGoal(key, p, mode)
		res, err := s.runGoal(ctx, g)
		return res, err
	})
	if v == nil {
		return nil, err
	}
	return v.(*store.BuildResult), err
}

func (s *Scheduler) internGoal(key string, p store.DerivedPath, mode store.BuildMode) *Goal {
	s.goalsMu.Lock()
	defer s.goalsMu.Unlock()
	if g, ok := s.goals[key]; ok {
		return g
	}
	g := newGoal(key, p, mode)
	s.goals[key] = g
	return g
}

// runGoal drives g through spec.md §4.8's transition table and calls
// [Goal.finish] exactly once.
func (s *Scheduler) runGoal(ctx context.Context, g *Goal) (*store.BuildResult, error) {
	g.setState(StateInit)
	var result *store.BuildResult
	var err error
	if g.path.IsBuild() {
		result, err = s.runDerivationGoal(ctx, g)
	} else {
		result, err = s.runSubstitutionGoal(ctx, g, g.path.Opaque)
	}
	return g.finish(result, err)
}

// runSubstitutionGoal implements the SubstitutionGoal half of spec.md
// §4.8: try every configured substituter in order, falling through on a
// clean miss, until one succeeds or all are exhausted.
func (s *Scheduler) runSubstitutionGoal(ctx context.Context, g *Goal, path storepath.Path) (*store.BuildResult, error) {
	valid, err := s.Store.IsValidPath(ctx, path)
	if err != nil {
		return nil, err
	}
	if valid && g.mode == store.BuildNormal {
		return &store.BuildResult{Status: store.AlreadyValid, Outputs: map[string]storepath.Path{"out": path}}, nil
	}

	unlock, err := s.pathLocks.lock(ctx, path)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Re-check after acquiring the lock: another scheduler (or goal in
	// this process) may have substituted path while we waited (spec.md
	// §5's "AlreadyValid re-check").
	valid, err = s.Store.IsValidPath(ctx, path)
	if err != nil {
		return nil, err
	}
	if valid && g.mode == store.BuildNormal {
		return &store.BuildResult{Status: store.AlreadyValid, Outputs: map[string]storepath.Path{"out": path}}, nil
	}

	select {
	case s.subSem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-s.subSem }()

	for _, sub := range s.Substituters {
		ok, err := sub.Substitute(ctx, path)
		if err != nil {
			log.Warnf(ctx, "substitute %s: %v (trying next substituter)", path, err)
			continue
		}
		if ok {
			return &store.BuildResult{Status: store.Substituted, Outputs: map[string]storepath.Path{"out": path}}, nil
		}
	}
	return &store.BuildResult{Status: store.MiscFailure}, fmt.Errorf("substitute %s: %w", path, ErrNoSubstituters)
}

// runDerivationGoal implements the DerivationGoal path of spec.md §4.8:
// Init → AwaitingSubstitutes → AwaitingInputs → WaitingForBuildSlot →
// Building → Done.
func (s *Scheduler) runDerivationGoal(ctx context.Context, g *Goal) (*store.BuildResult, error) {
	drvPath := g.path.Drv
	d, err := s.Loader.LoadDerivation(ctx, drvPath)
	if err != nil {
		return &store.BuildResult{Status: store.MiscFailure}, fmt.Errorf("load %s: %w", drvPath, err)
	}

	wanted := g.path.Outputs
	if len(wanted) == 0 {
		wanted = sortedOutputNames(d)
	}

	drvHash, err := s.drvHash(ctx, drvPath, d)
	if err != nil {
		return &store.BuildResult{Status: store.MiscFailure}, err
	}
	knownPaths, err := d.OutputPaths(drvHash, nil)
	if err != nil {
		return &store.BuildResult{Status: store.MiscFailure}, err
	}

	// Init: check output validity.
	g.setState(StateInit)
	if allValid, err := s.allOutputsValid(ctx, knownPaths, wanted); err != nil {
		return &store.BuildResult{Status: store.MiscFailure}, err
	} else if allValid && g.mode == store.BuildNormal {
		return &store.BuildResult{Status: store.AlreadyValid, Outputs: knownPaths}, nil
	}

	// AwaitingSubstitutes: spawn a substitution goal for every missing
	// output whose path is already known.
	g.setState(StateAwaitingSubstitutes)
	substituted, missingOutputs, err := s.substituteKnownOutputs(ctx, g, knownPaths, wanted)
	if err != nil {
		return nil, err
	}
	if len(missingOutputs) == 0 {
		return &store.BuildResult{Status: store.Substituted, Outputs: substituted}, nil
	}

	// AwaitingInputs: realise every input derivation's outputs and every
	// input source this derivation references.
	g.setState(StateAwaitingInputs)
	realisations, err := s.realiseInputs(ctx, g, d)
	if err != nil {
		g.nrFailed++
		return &store.BuildResult{Status: store.DependencyFailed}, err
	}

	// Every derivation with input derivations must have their
	// placeholders rewritten to concrete realised paths before it can be
	// built, regardless of its own outputs' addressing mode (spec.md's
	// "rewrite drv via tryResolve and become an alias of the resolved
	// DerivationGoal").
	if len(d.InputDrvs) > 0 {
		resolved, ok, err := d.Resolve(realisations)
		if err != nil {
			return &store.BuildResult{Status: store.MiscFailure}, err
		}
		if !ok {
			// An input's output genuinely isn't known yet: incomplete
			// closure (spec.md's nrIncompleteClosure/nrFailed retry).
			g.nrIncompleteClosure++
			if !g.retriedSubstitution && g.nrIncompleteClosure == g.nrFailed+1 {
				g.retriedSubstitution = true
				return s.runDerivationGoal(ctx, g)
			}
			return &store.BuildResult{Status: store.DependencyFailed}, fmt.Errorf("resolve %s: input outputs not yet realised", drvPath)
		}
		d = resolved
		knownPaths, err = d.OutputPaths(drvHash, nil)
		if err != nil {
			return &store.BuildResult{Status: store.MiscFailure}, err
		}

		if t, _ := d.Type(); t == drv.CAFloatingDerivation {
			// A CA-floating derivation's outputs aren't addressed by
			// drvHash, so their paths (and hence validity) aren't
			// knowable from knownPaths; consult the realisation
			// registered for this exact resolved derivation instead, per
			// spec.md §4.5's "ResolvesToAlreadyValid" property: a
			// bit-identical derivation built before (locally or
			// elsewhere) already has its outputs registered under the
			// resolved derivation's hash.
			resolvedHash, err := d.HashDerivation(nil)
			if err != nil {
				return &store.BuildResult{Status: store.MiscFailure}, err
			}
			already := make(map[string]storepath.Path, len(wanted))
			allKnown := true
			for _, name := range wanted {
				r, ok, err := s.Store.QueryRealisation(ctx, resolvedHash.Base16(), name)
				if err != nil {
					return &store.BuildResult{Status: store.MiscFailure}, err
				}
				if !ok {
					allKnown = false
					break
				}
				valid, err := s.Store.IsValidPath(ctx, r.Path)
				if err != nil {
					return &store.BuildResult{Status: store.MiscFailure}, err
				}
				if !valid {
					allKnown = false
					break
				}
				already[name] = r.Path
			}
			if allKnown {
				return &store.BuildResult{Status: store.ResolvesToAlreadyValid, Outputs: already}, nil
			}
		} else if allValid, err := s.allOutputsValid(ctx, knownPaths, wanted); err != nil {
			return &store.BuildResult{Status: store.MiscFailure}, err
		} else if allValid {
			return &store.BuildResult{Status: store.ResolvesToAlreadyValid, Outputs: knownPaths}, nil
		}
	}

	// Acquire output-path locks, re-check validity, then build.
	unlocks, err := s.lockOutputs(ctx, knownPaths, wanted)
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, unlock := range unlocks {
			unlock()
		}
	}()
	if allValid, err := s.allOutputsValid(ctx, knownPaths, wanted); err != nil {
		return &store.BuildResult{Status: store.MiscFailure}, err
	} else if allValid {
		return &store.BuildResult{Status: store.AlreadyValid, Outputs: knownPaths}, nil
	}

	g.setState(StateWaitingForBuildSlot)
	select {
	case s.buildSem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-s.buildSem }()

	g.setState(StateBuilding)
	result, err := s.Builder.Build(ctx, drvPath, d, g.mode)
	if err != nil {
		g.nrFailed++
		if result == nil {
			result = &store.BuildResult{Status: store.MiscFailure}
		}
		return result, err
	}

	// Register a realisation for every floating output built, so a
	// later structurally-identical (but differently-named) derivation
	// can short-circuit straight to ResolvesToAlreadyValid.
	if t, typeErr := d.Type(); typeErr == nil && t == drv.CAFloatingDerivation {
		resolvedHash, hashErr := d.HashDerivation(nil)
		if hashErr == nil {
			for name, p := range result.Outputs {
				regErr := s.Store.RegisterDrvOutput(ctx, store.Realisation{
					DerivationHash: resolvedHash.Base16(),
					OutputName:     name,
					Path:           p,
				})
				if regErr != nil {
					log.Warnf(ctx, "register realisation %s!%s: %v", resolvedHash.Base16(), name, regErr)
				}
			}
		}
	}
	return result, nil
}

func sortedOutputNames(d *drv.Derivation) []string {
	names := make([]string, 0, len(d.Outputs))
	for name := range d.Outputs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Scheduler) allOutputsValid(ctx context.Context, known map[string]storepath.Path, wanted []string) (bool, error) {
	for _, name := range wanted {
		p, ok := known[name]
		if !ok {
			// Floating/impure output: its path isn't known until built.
			return false, nil
		}
		valid, err := s.Store.IsValidPath(ctx, p)
		if err != nil {
			return false, err
		}
		if !valid {
			return false, nil
		}
	}
	return true, nil
}

// substituteKnownOutputs spawns a substitution goal (via
// [Scheduler.realizeOne]) for every wanted output whose path is known
// but not yet valid, returning the paths that ended up substituted and
// the names that are still missing afterwards.
func (s *Scheduler) substituteKnownOutputs(ctx context.Context, g *Goal, known map[string]storepath.Path, wanted []string) (map[string]storepath.Path, []string, error) {
	substituted := make(map[string]storepath.Path)
	var missing []string
	for _, name := range wanted {
		p, ok := known[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		valid, err := s.Store.IsValidPath(ctx, p)
		if err != nil {
			return nil, nil, err
		}
		if valid {
			substituted[name] = p
			continue
		}
		waitee := s.internGoal(derivedPathKey(store.DerivedPath{Opaque: p}, g.mode), store.DerivedPath{Opaque: p}, g.mode)
		g.addWaitee(waitee)
		res, err := s.realizeOne(ctx, store.DerivedPath{Opaque: p}, g.mode)
		if err != nil || res == nil || res.Status.IsFailure() {
			missing = append(missing, name)
			continue
		}
		substituted[name] = p
	}
	return substituted, missing, nil
}

// realiseInputs realises every input derivation's used outputs and
// every input source of d, concurrently, returning the realisation map
// [drv.Derivation.Resolve] expects.
func (s *Scheduler) realiseInputs(ctx context.Context, g *Goal, d *drv.Derivation) (map[storepath.Path]map[string]storepath.Path, error) {
	var mu sync.Mutex
	realisations := make(map[storepath.Path]map[string]storepath.Path)
	grp, gctx := errgroup.WithContext(ctx)

	for inputDrvPath, outs := range d.InputDrvs {
		inputDrvPath, outs := inputDrvPath, outs
		outNames := make([]string, outs.Len())
		for i := range outNames {
			outNames[i] = outs.At(i)
		}
		grp.Go(func() error {
			dp := store.DerivedPath{Drv: inputDrvPath, Outputs: outNames}
			waitee := s.internGoal(derivedPathKey(dp, g.mode), dp, g.mode)
			g.addWaitee(waitee)
			res, err := s.realizeOne(gctx, dp, g.mode)
			if err != nil {
				return err
			}
			if res.Status.IsFailure() {
				return fmt.Errorf("build %s: %s", inputDrvPath, res.Status)
			}
			mu.Lock()
			realisations[inputDrvPath] = res.Outputs
			mu.Unlock()
			return nil
		})
	}

	for i := 0; i < d.InputSrcs.Len(); i++ {
		src := d.InputSrcs.At(i)
		grp.Go(func() error {
			dp := store.DerivedPath{Opaque: src}
			waitee := s.internGoal(derivedPathKey(dp, g.mode), dp, g.mode)
			g.addWaitee(waitee)
			res, err := s.realizeOne(gctx, dp, g.mode)
			if err != nil {
				return err
			}
			if res.Status.IsFailure() {
				return fmt.Errorf("substitute %s: %s", src, res.Status)
			}
			return nil
		})
	}

	if err := grp.Wait(); err != nil {
		return nil, err
	}
	return realisations, nil
}

// lockOutputs acquires the path lock for every wanted output whose path
// is already known, in sorted order (to avoid lock-order deadlocks
// between concurrent multi-output goals).
func (s *Scheduler) lockOutputs(ctx context.Context, known map[string]storepath.Path, wanted []string) (unlocks []func(), err error) {
	names := append([]string(nil), wanted...)
	sort.Slice(names, func(i, j int) bool { return known[names[i]] < known[names[j]] })
	for _, name := range names {
		p, ok := known[name]
		if !ok {
			continue
		}
		unlock, err := s.pathLocks.lock(ctx, p)
		if err != nil {
			for _, u := range unlocks {
				u()
			}
			return nil, err
		}
		unlocks = append(unlocks, unlock)
	}
	return unlocks, nil
}

// drvHash computes and memoises drvPath's closure hash, recursing into
// its own input derivations (spec.md §4.5's HashDerivation, here with
// the caching the teacher's pseudoHashDrv provides via graph.go's
// drvHashes map).
func (s *Scheduler) drvHash(ctx context.Context, drvPath storepath.Path, d *drv.Derivation) (nix.Hash, error) {
	s.hashMu.Lock()
	if h, ok := s.hashCache[drvPath]; ok {
		s.hashMu.Unlock()
		return h, nil
	}
	s.hashMu.Unlock()

	h, err := d.HashDerivation(func(inputPath storepath.Path) (nix.Hash, error) {
		input, err := s.Loader.LoadDerivation(ctx, inputPath)
		if err != nil {
			return nix.Hash{}, err
		}
		return s.drvHash(ctx, inputPath, input)
	})
	if err != nil {
		return nix.Hash{}, fmt.Errorf("hash %s: %w", drvPath, err)
	}
	s.hashMu.Lock()
	s.hashCache[drvPath] = h
	s.hashMu.Unlock()
	return h, nil
}
