// Copyright 2026 The loom Authors
// SPDX-License-Identifier: MIT

package store

import (
	"crypto/sha1"
	"fmt"
	"io/fs"
	"path"
	"sort"

	"github.com/multiformats/go-multihash"
	"zombiezen.com/go/nix"
)

// CAMethod is the content-addressing method used by a [ContentAddress],
// corresponding to spec.md §3's ContentAddress variants.
type CAMethod int8

// Content-addressing methods.
const (
	// TextMethod hashes a flat byte string; references must be declared
	// separately and are folded into the store path computation.
	TextMethod CAMethod = 1 + iota
	// FlatMethod hashes a single file's raw contents.
	FlatMethod
	// NixArchiveMethod hashes the canonical archive serialisation (see
	// package nar) of a filesystem tree.
	NixArchiveMethod
	// GitMethod hashes a filesystem tree under the git tree object
	// format, for interoperability with git-addressed inputs.
	GitMethod
)

func (m CAMethod) String() string {
	switch m {
	case TextMethod:
		return "text"
	case FlatMethod:
		return "flat"
	case NixArchiveMethod:
		return "nar"
	case GitMethod:
		return "git"
	default:
		return "unknown"
	}
}

// Prefix is the hash-algorithm-name prefix used in the on-disk
// derivation format (spec.md §6), mirroring the teacher's
// contentAddressMethod.prefix().
func (m CAMethod) Prefix() string {
	switch m {
	case TextMethod:
		return "text:"
	case NixArchiveMethod:
		return "r:"
	case GitMethod:
		return "git:"
	default:
		return ""
	}
}

// ContentAddress is a tagged value describing how a store object's
// identity is derived from its content (spec.md §3).
type ContentAddress struct {
	Method CAMethod
	Hash   nix.Hash
}

// IsZero reports whether ca is the null content address.
func (ca ContentAddress) IsZero() bool {
	return ca.Method == 0
}

// IsText reports whether ca is a [TextMethod] address.
func (ca ContentAddress) IsText() bool { return ca.Method == TextMethod }

// IsNixArchive reports whether ca is a [NixArchiveMethod] address.
func (ca ContentAddress) IsNixArchive() bool { return ca.Method == NixArchiveMethod }

// IsGit reports whether ca is a [GitMethod] address.
func (ca ContentAddress) IsGit() bool { return ca.Method == GitMethod }

// TextContentAddress returns the content address for a flat byte string
// hashed with SHA-256, as required for derivation text-addressing.
func TextContentAddress(h nix.Hash) ContentAddress {
	return ContentAddress{Method: TextMethod, Hash: h}
}

// FlatFileContentAddress returns the content address of a single file's
// raw contents.
func FlatFileContentAddress(h nix.Hash) ContentAddress {
	return ContentAddress{Method: FlatMethod, Hash: h}
}

// NixArchiveContentAddress returns the content address of a filesystem
// tree's canonical archive serialisation.
func NixArchiveContentAddress(h nix.Hash) ContentAddress {
	return ContentAddress{Method: NixArchiveMethod, Hash: h}
}

// GitContentAddress returns the content address of a filesystem tree
// under the git tree object format.
func GitContentAddress(h nix.Hash) ContentAddress {
	return ContentAddress{Method: GitMethod, Hash: h}
}

// IsSource reports whether ca describes a "source" store object: one
// hashed by its archive serialisation with a plain SHA-256 hash, as
// opposed to a fixed-output derivation's declared hash.
func IsSource(ca ContentAddress) bool {
	return ca.Method == NixArchiveMethod && ca.Hash.Type() == nix.SHA256
}

// ValidateContentAddress checks whether the combination of content
// address and reference set is one the store will accept, per spec.md
// §3's ValidPathInfo invariants.
func ValidateContentAddress(ca ContentAddress, refs References) error {
	switch {
	case ca.IsZero():
		return fmt.Errorf("null content address")
	case ca.IsText() && ca.Hash.Type() != nix.SHA256:
		return fmt.Errorf("text must be content-addressed by sha256 (got %v)", ca.Hash.Type())
	case refs.Self && ca.IsText():
		return fmt.Errorf("self-references not allowed in text")
	case !IsSource(ca) && !ca.IsText() && !refs.IsEmpty():
		return fmt.Errorf("references not allowed in fixed output")
	default:
		return nil
	}
}

// GitTreeHash computes the git tree-object hash of the filesystem
// subtree rooted at root within fsys. This is a best-effort
// implementation of git's tree hashing scheme (mode, name, blob/tree
// sha1, recursively) sufficient for content-addressing "git" fetcher
// results; it does not attempt bit-for-bit fidelity with every git mode
// (submodules are not represented in a build input tree and are
// rejected).
func GitTreeHash(fsys fs.FS, root string) (nix.Hash, error) {
	digest, err := GitTreeDigest(fsys, root)
	if err != nil {
		return nix.Hash{}, err
	}
	return nix.NewHash(nix.SHA1, digest), nil
}

// GitTreeDigest computes the raw 20-byte git tree-object SHA-1 digest
// for the filesystem subtree rooted at root, without wrapping it in a
// [nix.Hash]. Use [GitMultihash] to re-encode the result as a
// self-describing multihash.
func GitTreeDigest(fsys fs.FS, root string) ([]byte, error) {
	info, err := fs.Stat(fsys, root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("git tree hash: %s is not a directory", root)
	}
	return gitTreeObject(fsys, root)
}

func gitTreeObject(fsys fs.FS, dir string) ([]byte, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}
	type entry struct {
		name string
		mode string
		hash []byte
	}
	out := make([]entry, 0, len(entries))
	for _, e := range entries {
		childPath := path.Join(dir, e.Name())
		info, err := fs.Stat(fsys, childPath)
		if err != nil {
			return nil, err
		}
		var ent entry
		ent.name = e.Name()
		switch {
		case e.Type()&fs.ModeSymlink != 0:
			return nil, fmt.Errorf("git tree hash: symlinks not supported in %s", childPath)
		case info.IsDir():
			sub, err := gitTreeObject(fsys, childPath)
			if err != nil {
				return nil, err
			}
			ent.mode = "40000"
			ent.hash = sub
		case info.Mode()&0o111 != 0:
			ent.mode = "100755"
			ent.hash, err = gitBlobHash(fsys, childPath)
			if err != nil {
				return nil, err
			}
		default:
			ent.mode = "100644"
			ent.hash, err = gitBlobHash(fsys, childPath)
			if err != nil {
				return nil, err
			}
		}
		out = append(out, ent)
	}
	// Git sorts tree entries as if directory names had a trailing slash.
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].name, out[j].name
		if out[i].mode == "40000" {
			a += "/"
		}
		if out[j].mode == "40000" {
			b += "/"
		}
		return a < b
	})

	var body []byte
	for _, e := range out {
		body = append(body, e.mode+" "+e.name+"\x00"...)
		body = append(body, e.hash...)
	}
	h := sha1.New()
	fmt.Fprintf(h, "tree %d\x00", len(body))
	h.Write(body)
	return h.Sum(nil), nil
}

func gitBlobHash(fsys fs.FS, name string) ([]byte, error) {
	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, err
	}
	h := sha1.New()
	fmt.Fprintf(h, "blob %d\x00", len(data))
	h.Write(data)
	return h.Sum(nil), nil
}

// GitMultihash encodes a raw git tree-object SHA-1 digest (as computed
// by [GitTreeHash]'s internals) as a self-describing multihash, used
// when advertising a fetched input's git identity alongside its
// store-native [ContentAddress] for interop with tooling that expects
// multihash-encoded digests rather than loom's own hash encoding.
func GitMultihash(sha1Digest []byte) ([]byte, error) {
	return multihash.Encode(sha1Digest, multihash.SHA1)
}
