// Copyright 2026 The loom Authors
// SPDX-License-Identifier: MIT

package fetch

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"loom.build/pkg/nar"
	"loom.build/pkg/storepath"
)

func makeTarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		hdr := &tar.Header{
			Name: "topdir/" + name,
			Mode: 0o644,
			Size: int64(len(content)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("WriteHeader(%s): %v", name, err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("Write(%s): %v", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar Close: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip Close: %v", err)
	}
	return buf.Bytes()
}

func TestTarballFetcherStripsTopLevelDirectory(t *testing.T) {
	archive := makeTarGz(t, map[string]string{
		"hello.txt":     "hello world\n",
		"sub/world.txt": "nested\n",
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(archive)
	}))
	defer srv.Close()

	ms := newMemStore()
	f := &TarballFetcher{Store: ms}
	path, locked, err := f.Fetch(context.Background(), storepath.DefaultDirectory, Locator{
		Type: "tarball",
		URL:  srv.URL + "/src.tar.gz",
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if path == "" {
		t.Fatal("Fetch returned an empty path")
	}
	if !locked.Locked() {
		t.Error("the locked locator returned by Fetch should have Hash set")
	}
	if _, ok := ms.objects[path]; !ok {
		t.Fatal("Fetch did not write through to the store")
	}

	var rr nar.RejectReceiver
	if err := nar.Parse(bytes.NewReader(ms.nars[path]), &rr); err != nil {
		t.Fatalf("Parse stored NAR: %v", err)
	}
	want := map[string]bool{"hello.txt": true, "sub/world.txt": true}
	for _, n := range rr.Names {
		delete(want, n)
		if strings.HasPrefix(n, "topdir") {
			t.Errorf("stored tree still contains %q; the top-level directory was not stripped", n)
		}
	}
	for n := range want {
		t.Errorf("stored tree is missing %q (names %v)", n, rr.Names)
	}
}

func TestTarballFetcherVerifiesLockedHash(t *testing.T) {
	archive := makeTarGz(t, map[string]string{"a": "b"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(archive)
	}))
	defer srv.Close()

	ms := newMemStore()
	f := &TarballFetcher{Store: ms}
	_, _, err := f.Fetch(context.Background(), storepath.DefaultDirectory, Locator{
		Type: "tarball",
		URL:  srv.URL + "/src.tar.gz",
		Hash: "sha256-AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=",
	})
	if err == nil {
		t.Fatal("expected a hash mismatch error")
	}
}

func TestStripComponents(t *testing.T) {
	tests := []struct {
		name string
		n    int
		want string
	}{
		{"topdir/a/b.txt", 1, "a/b.txt"},
		{"topdir", 1, ""},
		{"a/b/c", 0, "a/b/c"},
		{"./a/b", 1, "b"},
	}
	for _, test := range tests {
		if got := stripComponents(test.name, test.n); got != test.want {
			t.Errorf("stripComponents(%q, %d) = %q, want %q", test.name, test.n, got, test.want)
		}
	}
}
