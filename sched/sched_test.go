// Copyright 2026 The loom Authors
// SPDX-License-Identifier: MIT

package sched

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"loom.build/pkg/drv"
	"loom.build/pkg/sortedset"
	"loom.build/pkg/store"
	"loom.build/pkg/storepath"
)

// memStore is a minimal in-memory store.Store test double: just enough
// bookkeeping (valid paths, realisations) for the scheduler to drive
// its state machine without a real store/storedb backend.
type memStore struct {
	mu           sync.Mutex
	valid        map[storepath.Path]bool
	realisations map[string]store.Realisation // key: Realisation.Key()
}

func newMemStore() *memStore {
	return &memStore{valid: make(map[storepath.Path]bool), realisations: make(map[string]store.Realisation)}
}

func (m *memStore) markValid(p storepath.Path) {
	m.mu.Lock()
	m.valid[p] = true
	m.mu.Unlock()
}

func (m *memStore) IsValidPath(ctx context.Context, path store.Path) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.valid[path], nil
}

func (m *memStore) QueryPathInfo(ctx context.Context, path store.Path) (*store.ValidPathInfo, error) {
	return nil, store.ErrNotValid
}
func (m *memStore) QueryReferrers(ctx context.Context, path store.Path) (sortedset.Set[store.Path], error) {
	return sortedset.Set[store.Path]{}, nil
}
func (m *memStore) QueryPathFromHashPart(ctx context.Context, hashPart []byte) (store.Path, bool, error) {
	return "", false, nil
}
func (m *memStore) QuerySubstitutablePaths(ctx context.Context, paths sortedset.Set[store.Path]) (sortedset.Set[store.Path], error) {
	return sortedset.Set[store.Path]{}, nil
}
func (m *memStore) AddToStore(ctx context.Context, info store.ValidPathInfo, archive io.Reader) (store.Path, error) {
	m.markValid(info.Path)
	return info.Path, nil
}
func (m *memStore) AddTextToStore(ctx context.Context, name string, data []byte, refs store.References) (store.Path, error) {
	panic("not used by these tests")
}
func (m *memStore) AddTempRoot(ctx context.Context, path store.Path) error { return nil }
func (m *memStore) AddToStoreFromDump(ctx context.Context, dump io.Reader, name string, method store.CAMethod, hashAlgo string, refs store.References) (store.Path, error) {
	panic("not used by these tests")
}
func (m *memStore) BuildPaths(ctx context.Context, paths []store.DerivedPath, mode store.BuildMode) error {
	panic("not used by these tests")
}
func (m *memStore) BuildDerivation(ctx context.Context, path store.Path, drvBytes []byte, mode store.BuildMode) (*store.BuildResult, error) {
	panic("not used by these tests")
}
func (m *memStore) NARFromPath(ctx context.Context, path store.Path, w io.Writer) error {
	panic("not used by these tests")
}
func (m *memStore) RegisterDrvOutput(ctx context.Context, r store.Realisation) error {
	m.mu.Lock()
	m.realisations[r.Key()] = r
	m.mu.Unlock()
	return nil
}
func (m *memStore) QueryRealisation(ctx context.Context, drvHash, outputName string) (*store.Realisation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.realisations[store.Realisation{DerivationHash: drvHash, OutputName: outputName}.Key()]
	if !ok {
		return nil, false, nil
	}
	return &r, true, nil
}
func (m *memStore) VerifyStore(ctx context.Context, checkContents, repair bool) (bool, error) {
	return false, nil
}
func (m *memStore) CollectGarbage(ctx context.Context, opts store.GCOptions) (*store.GCResults, error) {
	return &store.GCResults{}, nil
}

var _ store.Store = (*memStore)(nil)

// fakeLoader serves a fixed map of derivations, as if read from disk.
type fakeLoader struct {
	mu   sync.Mutex
	drvs map[storepath.Path]*drv.Derivation
}

func newFakeLoader() *fakeLoader { return &fakeLoader{drvs: make(map[storepath.Path]*drv.Derivation)} }

func (l *fakeLoader) add(p storepath.Path, d *drv.Derivation) {
	l.mu.Lock()
	l.drvs[p] = d
	l.mu.Unlock()
}

func (l *fakeLoader) LoadDerivation(ctx context.Context, path storepath.Path) (*drv.Derivation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.drvs[path]
	if !ok {
		return nil, fmt.Errorf("fakeLoader: no derivation at %s", path)
	}
	return d, nil
}

// fakeBuilder "builds" a derivation by computing its input-addressed
// output paths and marking them valid in the store, recording call
// order so tests can assert dependency ordering and dedup.
type fakeBuilder struct {
	store *memStore
	mu    sync.Mutex
	calls []storepath.Path
}

func (b *fakeBuilder) Build(ctx context.Context, drvPath storepath.Path, d *drv.Derivation, mode store.BuildMode) (*store.BuildResult, error) {
	b.mu.Lock()
	b.calls = append(b.calls, drvPath)
	b.mu.Unlock()

	h, err := d.HashDerivation(nil)
	if err != nil {
		return nil, err
	}
	outs, err := d.OutputPaths(h, nil)
	if err != nil {
		return nil, err
	}
	for _, p := range outs {
		b.store.markValid(p)
	}
	return &store.BuildResult{Status: store.Built, Outputs: outs}, nil
}

// failingBuilder always fails, for error-path tests.
type failingBuilder struct{}

func (failingBuilder) Build(ctx context.Context, drvPath storepath.Path, d *drv.Derivation, mode store.BuildMode) (*store.BuildResult, error) {
	return &store.BuildResult{Status: store.PermanentFailure}, errors.New("build failed")
}

// sequenceSubstituter returns ok from a fixed sequence on each call,
// and marks the path valid in the backing store when it returns ok.
type sequenceSubstituter struct {
	store   *memStore
	results []bool
	calls   int32
}

func (s *sequenceSubstituter) Substitute(ctx context.Context, path storepath.Path) (bool, error) {
	i := int(atomic.AddInt32(&s.calls, 1)) - 1
	if i >= len(s.results) || !s.results[i] {
		return false, nil
	}
	s.store.markValid(path)
	return true, nil
}

func singleOutputDerivation(name string) *drv.Derivation {
	d := &drv.Derivation{
		Dir:     storepath.DefaultDirectory,
		Name:    name,
		System:  "x86_64-linux",
		Builder: "/bin/sh",
		Args:    []string{"-c", "echo hi > $out"},
		Outputs: map[string]*drv.DerivationOutput{
			"out": drv.InputAddressedOutput(),
		},
	}
	d.SetEnv("builder", d.Builder)
	d.SetEnv("name", d.Name)
	d.SetEnv("system", d.System)
	return d
}

func TestAlreadyValidShortCircuits(t *testing.T) {
	st := newMemStore()
	loader := newFakeLoader()
	builder := &fakeBuilder{store: st}

	d := singleOutputDerivation("hello")
	drvPath := storepath.Path(string(storepath.DefaultDirectory) + "/00000000000000000000000000000001-hello.drv")
	loader.add(drvPath, d)

	h, err := d.HashDerivation(nil)
	if err != nil {
		t.Fatal(err)
	}
	outs, err := d.OutputPaths(h, nil)
	if err != nil {
		t.Fatal(err)
	}
	st.markValid(outs["out"])

	sched := &Scheduler{Store: st, Dir: storepath.DefaultDirectory, Loader: loader, Builder: builder}
	res, err := sched.realizeOne(context.Background(), store.DerivedPath{Drv: drvPath, Outputs: []string{"out"}}, store.BuildNormal)
	if err != nil {
		t.Fatalf("realizeOne: %v", err)
	}
	if res.Status != store.AlreadyValid {
		t.Errorf("Status = %v, want AlreadyValid", res.Status)
	}
	if len(builder.calls) != 0 {
		t.Errorf("builder was called %d times, want 0", len(builder.calls))
	}
}

func TestBuildsWhenMissing(t *testing.T) {
	st := newMemStore()
	loader := newFakeLoader()
	builder := &fakeBuilder{store: st}

	d := singleOutputDerivation("hello")
	drvPath := storepath.Path(string(storepath.DefaultDirectory) + "/00000000000000000000000000000001-hello.drv")
	loader.add(drvPath, d)

	sched := &Scheduler{Store: st, Dir: storepath.DefaultDirectory, Loader: loader, Builder: builder, MaxBuildJobs: 1}
	res, err := sched.realizeOne(context.Background(), store.DerivedPath{Drv: drvPath, Outputs: []string{"out"}}, store.BuildNormal)
	if err != nil {
		t.Fatalf("realizeOne: %v", err)
	}
	if res.Status != store.Built {
		t.Errorf("Status = %v, want Built", res.Status)
	}
	if len(builder.calls) != 1 {
		t.Errorf("builder was called %d times, want 1", len(builder.calls))
	}
}

func TestBuildDependencyOrder(t *testing.T) {
	st := newMemStore()
	loader := newFakeLoader()
	builder := &fakeBuilder{store: st}

	depDrv := singleOutputDerivation("dep")
	depPath := storepath.Path(string(storepath.DefaultDirectory) + "/00000000000000000000000000000002-dep.drv")
	loader.add(depPath, depDrv)

	depH, err := depDrv.HashDerivation(nil)
	if err != nil {
		t.Fatal(err)
	}
	depOuts, err := depDrv.OutputPaths(depH, nil)
	if err != nil {
		t.Fatal(err)
	}

	top := singleOutputDerivation("top")
	top.InputDrvs = map[storepath.Path]*sortedset.Set[string]{}
	depOutSet := new(sortedset.Set[string])
	depOutSet.Add("out")
	top.InputDrvs[depPath] = depOutSet
	top.SetEnv("dep", drv.UnknownCAOutputPlaceholder(depPath, "out"))
	topPath := storepath.Path(string(storepath.DefaultDirectory) + "/00000000000000000000000000000003-top.drv")
	loader.add(topPath, top)

	sched := &Scheduler{Store: st, Dir: storepath.DefaultDirectory, Loader: loader, Builder: builder, MaxBuildJobs: 2}
	res, err := sched.realizeOne(context.Background(), store.DerivedPath{Drv: topPath, Outputs: []string{"out"}}, store.BuildNormal)
	if err != nil {
		t.Fatalf("realizeOne: %v", err)
	}
	if res.Status != store.Built {
		t.Errorf("Status = %v, want Built", res.Status)
	}
	if len(builder.calls) != 2 {
		t.Fatalf("builder was called %d times, want 2", len(builder.calls))
	}
	if builder.calls[0] != depPath {
		t.Errorf("builder.calls[0] = %s, want the dependency %s built first", builder.calls[0], depPath)
	}
	if !st.valid[depOuts["out"]] {
		t.Error("dependency output was not registered valid")
	}
}

func TestSubstitutionFallsThrough(t *testing.T) {
	st := newMemStore()
	path := storepath.Path(string(storepath.DefaultDirectory) + "/00000000000000000000000000000004-src")

	sched := &Scheduler{
		Store:  st,
		Dir:    storepath.DefaultDirectory,
		Loader: newFakeLoader(),
		Substituters: []Substituter{
			&sequenceSubstituter{store: st, results: []bool{false}},
			&sequenceSubstituter{store: st, results: []bool{true}},
		},
	}
	res, err := sched.realizeOne(context.Background(), store.DerivedPath{Opaque: path}, store.BuildNormal)
	if err != nil {
		t.Fatalf("realizeOne: %v", err)
	}
	if res.Status != store.Substituted {
		t.Errorf("Status = %v, want Substituted", res.Status)
	}
}

func TestSubstitutionAllFail(t *testing.T) {
	st := newMemStore()
	path := storepath.Path(string(storepath.DefaultDirectory) + "/00000000000000000000000000000005-src")

	sched := &Scheduler{
		Store:  st,
		Dir:    storepath.DefaultDirectory,
		Loader: newFakeLoader(),
		Substituters: []Substituter{
			&sequenceSubstituter{store: st, results: []bool{false}},
			&sequenceSubstituter{store: st, results: []bool{false}},
		},
	}
	_, err := sched.realizeOne(context.Background(), store.DerivedPath{Opaque: path}, store.BuildNormal)
	if !errors.Is(err, ErrNoSubstituters) {
		t.Fatalf("err = %v, want ErrNoSubstituters", err)
	}
}

func TestConcurrentRequestsDedupToOneBuild(t *testing.T) {
	st := newMemStore()
	loader := newFakeLoader()
	builder := &fakeBuilder{store: st}

	d := singleOutputDerivation("hello")
	drvPath := storepath.Path(string(storepath.DefaultDirectory) + "/00000000000000000000000000000001-hello.drv")
	loader.add(drvPath, d)

	sched := &Scheduler{Store: st, Dir: storepath.DefaultDirectory, Loader: loader, Builder: builder, MaxBuildJobs: 4}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := sched.realizeOne(context.Background(), store.DerivedPath{Drv: drvPath, Outputs: []string{"out"}}, store.BuildNormal)
			if err != nil {
				t.Errorf("realizeOne: %v", err)
			}
		}()
	}
	wg.Wait()

	if len(builder.calls) != 1 {
		t.Errorf("builder was called %d times, want exactly 1 (concurrent requests should dedup through one goal)", len(builder.calls))
	}
}

func TestBuildPathsStopsOnFailureWithoutKeepGoing(t *testing.T) {
	st := newMemStore()
	loader := newFakeLoader()

	good := singleOutputDerivation("good")
	goodPath := storepath.Path(string(storepath.DefaultDirectory) + "/00000000000000000000000000000006-good.drv")
	loader.add(goodPath, good)

	bad := singleOutputDerivation("bad")
	badPath := storepath.Path(string(storepath.DefaultDirectory) + "/00000000000000000000000000000007-bad.drv")
	loader.add(badPath, bad)

	sched := &Scheduler{Store: st, Dir: storepath.DefaultDirectory, Loader: loader, Builder: failingBuilder{}, MaxBuildJobs: 2}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := sched.BuildPaths(ctx, []store.DerivedPath{
		{Drv: goodPath, Outputs: []string{"out"}},
		{Drv: badPath, Outputs: []string{"out"}},
	}, store.BuildNormal)
	if err == nil {
		t.Fatal("BuildPaths: want an error, got nil")
	}
}

func TestGoalStateInitBeforeRealizeAndDoneAfter(t *testing.T) {
	st := newMemStore()
	loader := newFakeLoader()
	builder := &fakeBuilder{store: st}

	d := singleOutputDerivation("hello")
	drvPath := storepath.Path(string(storepath.DefaultDirectory) + "/00000000000000000000000000000001-hello.drv")
	loader.add(drvPath, d)

	sched := &Scheduler{Store: st, Dir: storepath.DefaultDirectory, Loader: loader, Builder: builder, MaxBuildJobs: 1}
	dp := store.DerivedPath{Drv: drvPath, Outputs: []string{"out"}}
	key := derivedPathKey(dp, store.BuildNormal)
	g := sched.internGoal(key, dp, store.BuildNormal)
	if g.State() != StateInit {
		t.Errorf("fresh goal state = %v, want Init", g.State())
	}
	if _, err := sched.realizeOne(context.Background(), dp, store.BuildNormal); err != nil {
		t.Fatal(err)
	}
	if g.State() != StateDone {
		t.Errorf("goal state after realize = %v, want Done", g.State())
	}
}
