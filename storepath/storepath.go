// Copyright 2026 The loom Authors
// SPDX-License-Identifier: MIT

// Package storepath implements the content-address encoder (C1 in the
// design): it maps byte streams and canonicalised derivations to
// fixed-width digests, and digests to the names of objects inside a
// loom store directory.
//
// Grounded on zbstore/path.go and the makeStorePath helper in
// zbstore/derivation.go from the teacher repository, generalised behind
// an exported MakeStorePath so that the derivation and store packages
// don't need to reach into package-private helpers.
package storepath

import (
	"crypto/sha256"
	"fmt"
	"io"
	posixpath "path"
	"strings"

	"zombiezen.com/go/nix"
	"zombiezen.com/go/nix/nixbase32"

	"loom.build/pkg/sortedset"
)

// Directory is the absolute path of a loom store.
type Directory string

// DefaultDirectory is the default store directory on Unix-like systems.
const DefaultDirectory Directory = "/loom/store"

// EnvVar is the name of the environment variable that overrides the
// store directory, per spec.md §6 ("NIX_STORE_DIR").
const EnvVar = "LOOM_STORE_DIR"

// DirectoryFromEnvironment returns the store [Directory] named by
// the LOOM_STORE_DIR environment variable, falling back to
// [DefaultDirectory] if unset.
func DirectoryFromEnvironment(lookup func(string) (string, bool)) (Directory, error) {
	v, ok := lookup(EnvVar)
	if !ok || v == "" {
		return DefaultDirectory, nil
	}
	return CleanDirectory(v)
}

// CleanDirectory cleans an absolute path as a [Directory].
// It returns an error if the path is not absolute.
func CleanDirectory(path string) (Directory, error) {
	if !posixpath.IsAbs(path) {
		return "", fmt.Errorf("store directory %q is not absolute", path)
	}
	return Directory(posixpath.Clean(path)), nil
}

// Object returns the store path for the given store object name.
func (dir Directory) Object(name string) (Path, error) {
	joined := dir.Join(name)
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\\") {
		return "", fmt.Errorf("parse store path %s: invalid object name %q", joined, name)
	}
	return ParsePath(joined)
}

// Join joins path elements onto the store directory.
func (dir Directory) Join(elem ...string) string {
	return posixpath.Join(append([]string{string(dir)}, elem...)...)
}

// ParsePath splits an absolute filesystem path into the store object it
// names and any sub-path within that object.
func (dir Directory) ParsePath(path string) (storePath Path, sub string, err error) {
	if !posixpath.IsAbs(path) {
		return "", "", fmt.Errorf("parse store path %s: not absolute", path)
	}
	cleaned := posixpath.Clean(path)
	prefix := posixpath.Clean(string(dir)) + "/"
	tail, ok := strings.CutPrefix(cleaned, prefix)
	if !ok {
		return "", "", fmt.Errorf("parse store path %s: outside %s", path, dir)
	}
	childName, sub, _ := strings.Cut(tail, "/")
	storePath, err = ParsePath(cleaned[:len(prefix)+len(childName)])
	if err != nil {
		return "", "", err
	}
	return storePath, sub, nil
}

// Path is a store path: the absolute path of a store object.
// For example: "/loom/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-hello-2.12.1".
type Path string

const (
	digestLength  = 32
	maxNameLength = digestLength + 1 + 211
)

// ParsePath parses an absolute path as an immediate child of a store
// directory.
func ParsePath(path string) (Path, error) {
	if !posixpath.IsAbs(path) {
		return "", fmt.Errorf("parse store path %s: not absolute", path)
	}
	cleaned := posixpath.Clean(path)
	_, base := posixpath.Split(cleaned)
	if len(base) < digestLength+len("-")+1 {
		return "", fmt.Errorf("parse store path %s: %q is too short", path, base)
	}
	if len(base) > maxNameLength {
		return "", fmt.Errorf("parse store path %s: %q is too long", path, base)
	}
	for i := 0; i < len(base); i++ {
		if !isNameChar(base[i]) {
			return "", fmt.Errorf("parse store path %s: %q contains illegal character %q", path, base, base[i])
		}
	}
	if err := nixbase32.ValidateString(base[:digestLength]); err != nil {
		return "", fmt.Errorf("parse store path %s: %v", path, err)
	}
	if base[digestLength] != '-' {
		return "", fmt.Errorf("parse store path %s: digest not separated by dash", path)
	}
	if base[digestLength+1] == '.' {
		return "", fmt.Errorf("parse store path %s: label starts with '.'", path)
	}
	return Path(cleaned), nil
}

// Dir returns the path's directory.
func (path Path) Dir() Directory {
	return Directory(posixpath.Dir(string(path)))
}

// Base returns the last element of the path.
func (path Path) Base() string {
	if path == "" {
		return ""
	}
	return posixpath.Base(string(path))
}

// DerivationExt is the file extension used for marshalled derivations.
const DerivationExt = ".drv"

// IsDerivation reports whether the path names a derivation.
func (path Path) IsDerivation() bool {
	return strings.HasSuffix(path.Base(), DerivationExt)
}

// Digest returns the digest part of the object name.
func (path Path) Digest() string {
	base := path.Base()
	if len(base) < digestLength {
		return ""
	}
	return base[:digestLength]
}

// Name returns the label part of the object name, after the digest.
func (path Path) Name() string {
	base := path.Base()
	if len(base) <= digestLength+len("-") {
		return ""
	}
	return base[digestLength+len("-"):]
}

// Join joins elements onto the store path.
func (path Path) Join(elem ...string) string {
	return path.Dir().Join(append([]string{path.Base()}, elem...)...)
}

// MarshalText implements [encoding.TextMarshaler].
func (path Path) MarshalText() ([]byte, error) {
	if path == "" {
		return nil, fmt.Errorf("marshal store path: empty")
	}
	return []byte(path), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (path *Path) UnmarshalText(data []byte) error {
	p, err := ParsePath(string(data))
	if err != nil {
		return err
	}
	*path = p
	return nil
}

// References is the set of other store objects that a store object's
// contents refer to, including a possible self-reference.
type References struct {
	// Self is true if the object contains one or more references to itself.
	Self bool
	// Others holds the paths of other store objects the object references.
	Others sortedset.Set[Path]
}

// IsEmpty reports whether refs is the empty set.
func (refs References) IsEmpty() bool {
	return !refs.Self && refs.Others.Len() == 0
}

// Kind names the C1 "kind" tag used in a store path's fingerprint:
// spec.md §4.1 distinguishes {text, output:<name>, source}.
type Kind string

// Kinds recognised by [MakeStorePath].
const (
	TextKind   Kind = "text"
	SourceKind Kind = "source"
)

// OutputKind returns the "output:<name>" kind tag for the named output.
func OutputKind(outputName string) Kind {
	return Kind("output:" + outputName)
}

// MaxLabelLength is the longest label [MakeStorePath] will accept,
// per spec.md §4.1: 211 minus the digest length minus the separating dash.
const MaxLabelLength = 211 - digestLength - 1

// MakeStorePath implements the store-path derivation procedure from
// spec.md §4.1: it forms the fingerprint string
// "<kind>:sha256:<hex-hash>:<store-dir>:<label>" (plus a sorted
// reference list for kinds that carry one), hashes it with SHA-256,
// truncates to 20 bytes, and base32-encodes the result.
func MakeStorePath(dir Directory, kind Kind, hash nix.Hash, label string, refs References) (Path, error) {
	if label == "" || label == "." || label == ".." {
		return "", fmt.Errorf("make store path: invalid label %q", label)
	}
	if strings.HasPrefix(label, ".") {
		return "", fmt.Errorf("make store path: label %q begins with '.'", label)
	}
	if len(label) > MaxLabelLength {
		return "", fmt.Errorf("make store path: label %q exceeds %d bytes", label, MaxLabelLength)
	}
	for i := 0; i < len(label); i++ {
		if !isNameChar(label[i]) {
			return "", fmt.Errorf("make store path: label %q contains illegal character %q", label, label[i])
		}
	}

	h := sha256.New()
	io.WriteString(h, string(kind))
	for i := 0; i < refs.Others.Len(); i++ {
		io.WriteString(h, ":")
		io.WriteString(h, string(refs.Others.At(i)))
	}
	if refs.Self {
		io.WriteString(h, ":self")
	}
	io.WriteString(h, ":")
	io.WriteString(h, hash.Base16())
	io.WriteString(h, ":")
	io.WriteString(h, string(dir))
	io.WriteString(h, ":")
	io.WriteString(h, label)
	fingerprint := h.Sum(nil)

	compressed := make([]byte, 20)
	nix.CompressHash(compressed, fingerprint)
	digest := nixbase32.EncodeToString(compressed)
	return dir.Object(digest + "-" + label)
}

func isNameChar(c byte) bool {
	return 'a' <= c && c <= 'z' ||
		'A' <= c && c <= 'Z' ||
		'0' <= c && c <= '9' ||
		c == '+' || c == '-' || c == '.' || c == '_' || c == '='
}

// HashPart returns the digest prefix used as the lookup key for
// queryPathFromHashPart, as a fixed-width byte slice.
func HashPart(path Path) []byte {
	digest := path.Digest()
	raw, err := nixbase32.DecodeString(digest)
	if err != nil {
		return nil
	}
	return raw
}
