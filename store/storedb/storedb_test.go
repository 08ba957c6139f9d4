// Copyright 2026 The loom Authors
// SPDX-License-Identifier: MIT

package storedb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"zombiezen.com/go/nix"

	"loom.build/pkg/store"
	"loom.build/pkg/storepath"
)

func newTestDB(tb testing.TB) *DB {
	tb.Helper()
	dir := tb.TempDir()
	db := Open(storepath.DefaultDirectory, filepath.Join(dir, "db.sqlite"), nil)
	tb.Cleanup(func() {
		if err := db.Close(); err != nil {
			tb.Errorf("close db: %v", err)
		}
	})
	return db
}

func fakeNARHash(seed byte) [32]byte {
	h := nix.NewHasher(nix.SHA256)
	h.WriteString(string(seed))
	var out [32]byte
	copy(out[:], h.SumHash().Bytes(nil))
	return out
}

func TestRegisterAndQueryValidPath(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	p := storepath.Path("/loom/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-hello")
	info := store.ValidPathInfo{
		Path:             p,
		NARHash:          fakeNARHash(1),
		NARHashAlgorithm: "sha256",
		NARSize:          42,
		RegistrationTime: time.Unix(1700000000, 0).UTC(),
		Ultimate:         true,
	}

	if err := db.RegisterValidPath(ctx, info, nil); err != nil {
		t.Fatal(err)
	}

	valid, err := db.IsValidPath(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	if !valid {
		t.Fatal("IsValidPath returned false after registration")
	}

	got, err := db.QueryPathInfo(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	if got.NARSize != 42 {
		t.Errorf("NARSize = %d, want 42", got.NARSize)
	}
	if !got.Ultimate {
		t.Error("Ultimate = false, want true")
	}
}

func TestRegisterValidPathRejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	p := storepath.Path("/loom/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-hello")
	info := store.ValidPathInfo{
		Path:             p,
		NARHash:          fakeNARHash(2),
		NARHashAlgorithm: "sha256",
		NARSize:          1,
		RegistrationTime: time.Unix(1700000000, 0).UTC(),
	}
	if err := db.RegisterValidPath(ctx, info, nil); err != nil {
		t.Fatal(err)
	}
	err := db.RegisterValidPath(ctx, info, nil)
	if !ErrObjectExists(err) {
		t.Errorf("second registration error = %v, want ErrObjectExists", err)
	}
}

func TestReferencesAndReferrers(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	dep := storepath.Path("/loom/store/00000000000000000000000000000000-dep")
	main := storepath.Path("/loom/store/11111111111111111111111111111111-main")

	depInfo := store.ValidPathInfo{
		Path:             dep,
		NARHash:          fakeNARHash(3),
		NARHashAlgorithm: "sha256",
		NARSize:          1,
		RegistrationTime: time.Unix(1700000000, 0).UTC(),
	}
	if err := db.RegisterValidPath(ctx, depInfo, nil); err != nil {
		t.Fatal(err)
	}

	var refs storepath.References
	refs.Others.Add(dep)
	mainInfo := store.ValidPathInfo{
		Path:             main,
		NARHash:          fakeNARHash(4),
		NARHashAlgorithm: "sha256",
		NARSize:          2,
		References:       refs,
		RegistrationTime: time.Unix(1700000000, 0).UTC(),
	}
	if err := db.RegisterValidPath(ctx, mainInfo, nil); err != nil {
		t.Fatal(err)
	}

	gotRefs, err := db.QueryReferences(ctx, main)
	if err != nil {
		t.Fatal(err)
	}
	if !gotRefs.Others.Has(dep) {
		t.Errorf("references of %s missing %s", main, dep)
	}

	referrers, err := db.QueryReferrers(ctx, dep)
	if err != nil {
		t.Fatal(err)
	}
	if !referrers.Has(main) {
		t.Errorf("referrers of %s missing %s", dep, main)
	}
}

func TestTempRoots(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	p := storepath.Path("/loom/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-hello")
	if err := db.AddTempRoot(ctx, 123, p); err != nil {
		t.Fatal(err)
	}
	roots, err := db.LiveTempRoots(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !roots.Has(p) {
		t.Fatalf("live temp roots %v missing %s", roots, p)
	}

	if err := db.ClearTempRoots(ctx, 123); err != nil {
		t.Fatal(err)
	}
	roots, err = db.LiveTempRoots(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if roots.Has(p) {
		t.Fatal("temp root survived ClearTempRoots")
	}
}

func TestRealisations(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	out := storepath.Path("/loom/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-hello")
	info := store.ValidPathInfo{
		Path:             out,
		NARHash:          fakeNARHash(5),
		NARHashAlgorithm: "sha256",
		NARSize:          1,
		RegistrationTime: time.Unix(1700000000, 0).UTC(),
	}
	if err := db.RegisterValidPath(ctx, info, nil); err != nil {
		t.Fatal(err)
	}

	r := store.Realisation{
		DerivationHash: "abc123",
		OutputName:     "out",
		Path:           out,
	}
	if err := db.RegisterDrvOutput(ctx, r); err != nil {
		t.Fatal(err)
	}

	got, ok, err := db.QueryRealisation(ctx, "abc123", "out")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("QueryRealisation: not found")
	}
	if got.Path != out {
		t.Errorf("realisation path = %s, want %s", got.Path, out)
	}
}
