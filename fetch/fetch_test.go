// Copyright 2026 The loom Authors
// SPDX-License-Identifier: MIT

package fetch

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"loom.build/pkg/sortedset"
	"loom.build/pkg/store"
	"loom.build/pkg/storepath"
)

// memStore is a minimal in-memory store.Store test double, enough to
// exercise the fetchers without a real store/storedb backend.
type memStore struct {
	mu      sync.Mutex
	objects map[storepath.Path]store.ValidPathInfo
	nars    map[storepath.Path][]byte
}

func newMemStore() *memStore {
	return &memStore{
		objects: make(map[storepath.Path]store.ValidPathInfo),
		nars:    make(map[storepath.Path][]byte),
	}
}

func (m *memStore) IsValidPath(ctx context.Context, path store.Path) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[path]
	return ok, nil
}

func (m *memStore) QueryPathInfo(ctx context.Context, path store.Path) (*store.ValidPathInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.objects[path]
	if !ok {
		return nil, store.ErrNotValid
	}
	return &info, nil
}

func (m *memStore) QueryReferrers(ctx context.Context, path store.Path) (sortedset.Set[store.Path], error) {
	return sortedset.Set[store.Path]{}, nil
}

func (m *memStore) QueryPathFromHashPart(ctx context.Context, hashPart []byte) (store.Path, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for p := range m.objects {
		if p.Digest() == string(hashPart) {
			return p, true, nil
		}
	}
	return "", false, nil
}

func (m *memStore) QuerySubstitutablePaths(ctx context.Context, paths sortedset.Set[store.Path]) (sortedset.Set[store.Path], error) {
	return sortedset.Set[store.Path]{}, nil
}

func (m *memStore) AddToStore(ctx context.Context, info store.ValidPathInfo, archive io.Reader) (store.Path, error) {
	data, err := io.ReadAll(archive)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if info.RegistrationTime.IsZero() {
		info.RegistrationTime = time.Now()
	}
	m.objects[info.Path] = info
	m.nars[info.Path] = data
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

func (m *memStore) BuildDerivation(ctx context.Context, path store.Path, drv []byte, mode store.BuildMode) (*store.BuildResult, error) {
	panic("not used by these tests")
}

func (m *memStore) NARFromPath(ctx context.Context, path store.Path, w io.Writer) error {
	m.mu.Lock()
	data, ok := m.nars[path]
	m.mu.Unlock()
	if !ok {
		return store.ErrNotValid
	}
	_, err := w.Write(data)
	return err
}

func (m *memStore) RegisterDrvOutput(ctx context.Context, r store.Realisation) error { return nil }

func (m *memStore) QueryRealisation(ctx context.Context, drvHash, outputName string) (*store.Realisation, bool, error) {
	return nil, false, nil
}

func (m *memStore) VerifyStore(ctx context.Context, checkContents, repair bool) (bool, error) {
	return false, nil
}

func (m *memStore) CollectGarbage(ctx context.Context, opts store.GCOptions) (*store.GCResults, error) {
	return &store.GCResults{}, nil
}

var _ store.Store = (*memStore)(nil)

func TestLocatorLockedAndCacheKey(t *testing.T) {
	loc := Locator{Type: "tarball", URL: "https://example.com/a.tar.gz"}
	if loc.Locked() {
		t.Error("an unlocked locator reports Locked() == true")
	}
	locked := loc
	locked.Hash = "sha256-abc"
	if !locked.Locked() {
		t.Error("a locator with Hash set reports Locked() == false")
	}
	if loc.CacheKey() == locked.CacheKey() {
		t.Error("locked and unlocked locators must not share a cache key")
	}
}

func TestRegistryRefusesUnlockedInPureMode(t *testing.T) {
	reg := NewRegistry(storepath.DefaultDirectory, true, nil)
	reg.Register("tarball", &TarballFetcher{Store: newMemStore()})
	_, _, err := reg.Fetch(context.Background(), Locator{Type: "tarball", URL: "https://example.com/a.tar.gz"})
	if err == nil {
		t.Fatal("expected an error for an unlocked locator in pure mode")
	}
}

func TestRegistryUnknownScheme(t *testing.T) {
	reg := NewRegistry(storepath.DefaultDirectory, false, nil)
	_, _, err := reg.Fetch(context.Background(), Locator{Type: "bogus", URL: "x"})
	if err == nil {
		t.Fatal("expected an error for an unregistered scheme")
	}
}

// stubFetcher returns a fixed path/locked-locator pair, letting
// TestRegistryCaches verify caching without a real network fetch.
type stubFetcher struct {
	calls int
	path  storepath.Path
}

func (f *stubFetcher) Fetch(ctx context.Context, dir storepath.Directory, loc Locator) (storepath.Path, Locator, error) {
	f.calls++
	locked := loc
	locked.Hash = "sha256-stub"
	return f.path, locked, nil
}

func TestRegistryCaches(t *testing.T) {
	cache, err := OpenCache(t.TempDir())
	if err != nil {
		t.Fatalf("OpenCache: %v", err)
	}
	defer cache.Close()

	reg := NewRegistry(storepath.DefaultDirectory, false, cache)
	stub := &stubFetcher{path: storepath.Path("/loom/store/00000000000000000000000000000000-x")}
	reg.Register("stub", stub)

	loc := Locator{Type: "stub", URL: "https://example.com/x"}
	for i := 0; i < 3; i++ {
		path, _, err := reg.Fetch(context.Background(), loc)
		if err != nil {
			t.Fatalf("Fetch #%d: %v", i, err)
		}
		if path != stub.path {
			t.Fatalf("Fetch #%d: got %q, want %q", i, path, stub.path)
		}
	}
	if stub.calls != 1 {
		t.Errorf("underlying fetcher called %d times, want 1 (cache should have short-circuited the rest)", stub.calls)
	}
}

func TestCacheRoundTripsNAR(t *testing.T) {
	cache, err := OpenCache(t.TempDir())
	if err != nil {
		t.Fatalf("OpenCache: %v", err)
	}
	defer cache.Close()

	entry := CacheEntry{
		Path:   storepath.Path("/loom/store/00000000000000000000000000000000-x"),
		Locked: Locator{Type: "tarball", URL: "https://example.com/x", Hash: "sha256-abc"},
		NAR:    bytes.Repeat([]byte("nar-bytes"), 100),
	}
	if err := cache.Store(context.Background(), "key1", entry); err != nil {
		t.Fatalf("Store: %v", err)
	}
	got, ok, err := cache.Lookup(context.Background(), "key1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !ok {
		t.Fatal("expected a cache hit")
	}
	if got.Path != entry.Path || got.Locked != entry.Locked {
		t.Errorf("Lookup returned %+v, want %+v", got, entry)
	}
	if !bytes.Equal(got.NAR, entry.NAR) {
		t.Error("Lookup did not round-trip the compressed NAR bytes")
	}
}

func TestCacheMiss(t *testing.T) {
	cache, err := OpenCache(t.TempDir())
	if err != nil {
		t.Fatalf("OpenCache: %v", err)
	}
	defer cache.Close()
	_, ok, err := cache.Lookup(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if ok {
		t.Error("expected a cache miss")
	}
}
