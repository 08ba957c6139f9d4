// Copyright 2026 The loom Authors
// SPDX-License-Identifier: MIT

package daemon

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"zombiezen.com/go/nix/nixbase32"

	"loom.build/pkg/nar"
	"loom.build/pkg/storepath"
)

// fakeObjectPath returns a syntactically valid store path for name under
// s's store directory, using a fixed all-zero digest since these tests
// never check the digest's provenance.
func fakeObjectPath(tb testing.TB, s *LocalStore, name string) storepath.Path {
	tb.Helper()
	digest := nixbase32.EncodeToString(make([]byte, 20))
	p, err := s.Dir.Object(digest + "-" + name)
	if err != nil {
		tb.Fatal(err)
	}
	return p
}

// fakeNAR builds a minimal single-file NAR for test fixtures.
func fakeNAR(tb testing.TB, contents string) []byte {
	tb.Helper()
	dir := tb.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "data"), []byte(contents), 0o644); err != nil {
		tb.Fatal(err)
	}
	var buf bytes.Buffer
	if err := nar.DumpPath(&buf, filepath.Join(dir, "data")); err != nil {
		tb.Fatal(err)
	}
	return buf.Bytes()
}

func TestHTTPSubstituterFetchesAndRegisters(t *testing.T) {
	ctx := context.Background()
	s := newTestLocalStore(t)

	path := fakeObjectPath(t, s, "hello-1.0")
	narBytes := fakeNAR(t, "hello, world\n")

	mux := http.NewServeMux()
	mux.HandleFunc("/"+path.Digest()+".narinfo", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "StorePath: %s\n", path)
		fmt.Fprintf(w, "NarHash: sha256:%x\n", sha256.Sum256(narBytes))
		fmt.Fprintf(w, "NarSize: %d\n", len(narBytes))
	})
	mux.HandleFunc("/nar/"+path.Digest()+".nar", func(w http.ResponseWriter, r *http.Request) {
		w.Write(narBytes)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	sub := &HTTPSubstituter{BaseURL: srv.URL, Store: s}
	ok, err := sub.Substitute(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("Substitute reported false, want true")
	}

	valid, err := s.IsValidPath(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if !valid {
		t.Errorf("%s not valid after substitution", path)
	}
}

func TestHTTPSubstituterMissIsNotAnError(t *testing.T) {
	ctx := context.Background()
	s := newTestLocalStore(t)

	path := fakeObjectPath(t, s, "missing-1.0")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	sub := &HTTPSubstituter{BaseURL: srv.URL, Store: s}
	ok, err := sub.Substitute(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("Substitute reported true for a 404 narinfo")
	}
}

func TestHTTPSubstituterServerErrorIsAnError(t *testing.T) {
	ctx := context.Background()
	s := newTestLocalStore(t)

	path := fakeObjectPath(t, s, "broken-1.0")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	sub := &HTTPSubstituter{BaseURL: srv.URL, Store: s}
	if _, err := sub.Substitute(ctx, path); err == nil {
		t.Error("Substitute returned nil error for a 500 response, want a real error")
	}
}

func sha256Zero() [32]byte {
	return [32]byte{}
}
