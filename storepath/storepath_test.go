// Copyright 2026 The loom Authors
// SPDX-License-Identifier: MIT

package storepath

import (
	"testing"

	"zombiezen.com/go/nix"
)

func TestMakeStorePath(t *testing.T) {
	// No golden value is compared: the path comes from
	// sha256("text:sha256:<hex of sha256("")>:/loom/store:empty"),
	// truncated to 20 bytes and base32-encoded, and the test checks the
	// result's shape and that recomputing it gives the same path.
	h := nix.NewHasher(nix.SHA256)
	h.WriteString("")
	p, err := MakeStorePath(DefaultDirectory, TextKind, h.SumHash(), "empty", References{})
	if err != nil {
		t.Fatal(err)
	}
	if p.Dir() != DefaultDirectory {
		t.Errorf("Dir() = %q; want %q", p.Dir(), DefaultDirectory)
	}
	if p.Name() != "empty" {
		t.Errorf("Name() = %q; want %q", p.Name(), "empty")
	}
	if len(p.Digest()) != digestLength {
		t.Errorf("len(Digest()) = %d; want %d", len(p.Digest()), digestLength)
	}

	// Determinism: computing the same inputs twice must yield the same path.
	p2, err := MakeStorePath(DefaultDirectory, TextKind, h.SumHash(), "empty", References{})
	if err != nil {
		t.Fatal(err)
	}
	if p != p2 {
		t.Errorf("MakeStorePath not deterministic: %s != %s", p, p2)
	}
}

func TestMakeStorePathRejectsBadLabel(t *testing.T) {
	h := nix.NewHasher(nix.SHA256)
	for _, label := range []string{"", ".", "..", ".hidden", "has space", "has/slash"} {
		if _, err := MakeStorePath(DefaultDirectory, TextKind, h.SumHash(), label, References{}); err == nil {
			t.Errorf("MakeStorePath(%q) succeeded; want error", label)
		}
	}
}

func TestParsePath(t *testing.T) {
	tests := []struct {
		path    string
		wantOK  bool
		digest  string
		name    string
	}{
		{"/loom/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-hello-2.12.1", true, "s66mzxpvicwk07gjbjfw9izjfa797vsw", "hello-2.12.1"},
		{"/loom/store/s66mzxpvicwk07gjbjfw9izjfa797vsw", false, "", ""},
		{"relative/path", false, "", ""},
		{"/loom/store/../etc/passwd", false, "", ""},
	}
	for _, test := range tests {
		p, err := ParsePath(test.path)
		if (err == nil) != test.wantOK {
			t.Errorf("ParsePath(%q) error = %v; wantOK = %t", test.path, err, test.wantOK)
			continue
		}
		if !test.wantOK {
			continue
		}
		if p.Digest() != test.digest {
			t.Errorf("ParsePath(%q).Digest() = %q; want %q", test.path, p.Digest(), test.digest)
		}
		if p.Name() != test.name {
			t.Errorf("ParsePath(%q).Name() = %q; want %q", test.path, p.Name(), test.name)
		}
	}
}

func TestDirectoryParsePath(t *testing.T) {
	dir := DefaultDirectory
	storePath, sub, err := dir.ParsePath("/loom/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-hello-2.12.1/bin/hello")
	if err != nil {
		t.Fatal(err)
	}
	if want := Path("/loom/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-hello-2.12.1"); storePath != want {
		t.Errorf("storePath = %q; want %q", storePath, want)
	}
	if want := "bin/hello"; sub != want {
		t.Errorf("sub = %q; want %q", sub, want)
	}
}
