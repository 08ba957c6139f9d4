// Copyright 2026 The loom Authors
// SPDX-License-Identifier: MIT

package daemon

import (
	"bytes"
	"context"
	"testing"

	"zombiezen.com/go/nix/nixbase32"

	"loom.build/pkg/store"
)

func TestAddTextToStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestLocalStore(t)

	path, err := s.AddTextToStore(ctx, "greeting", []byte("hello, world\n"), store.References{})
	if err != nil {
		t.Fatal(err)
	}

	valid, err := s.IsValidPath(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if !valid {
		t.Fatalf("%s not valid after AddTextToStore", path)
	}

	info, err := s.QueryPathInfo(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if !info.CA.IsText() {
		t.Errorf("CA.Method = %v, want TextMethod", info.CA.Method)
	}

	var buf bytes.Buffer
	if err := s.NARFromPath(ctx, path, &buf); err != nil {
		t.Fatal(err)
	}
	if buf.Len() == 0 {
		t.Error("NARFromPath produced no bytes")
	}
}

func TestQueryPathFromHashPart(t *testing.T) {
	ctx := context.Background()
	s := newTestLocalStore(t)

	path, err := s.AddTextToStore(ctx, "greeting", []byte("hi\n"), store.References{})
	if err != nil {
		t.Fatal(err)
	}

	digest := path.Digest()
	hashPart, err := nixbase32.DecodeString(digest)
	if err != nil {
		t.Fatal(err)
	}

	found, ok, err := s.QueryPathFromHashPart(ctx, hashPart)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || found != path {
		t.Errorf("QueryPathFromHashPart = %s, %v, want %s, true", found, ok, path)
	}
}

// TestAddTempRootUsesConnectionPID verifies that AddTempRoot attributes
// the root to the pid carried on ctx rather than the test process's own
// pid, so two connections' temp roots don't collide.
func TestAddTempRootUsesConnectionPID(t *testing.T) {
	ctx := context.Background()
	s := newTestLocalStore(t)

	path, err := s.AddTextToStore(ctx, "greeting", []byte("hi\n"), store.References{})
	if err != nil {
		t.Fatal(err)
	}

	connCtx := withClientPID(ctx, 4242)
	if err := s.AddTempRoot(connCtx, path); err != nil {
		t.Fatal(err)
	}

	roots, err := s.DB.LiveTempRoots(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !roots.Has(path) {
		t.Errorf("temp root %s not recorded", path)
	}

	if err := s.DB.ClearTempRoots(ctx, 4242); err != nil {
		t.Fatal(err)
	}
	roots, err = s.DB.LiveTempRoots(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if roots.Has(path) {
		t.Errorf("temp root %s should have been cleared", path)
	}
}
