// Copyright 2026 The loom Authors
// SPDX-License-Identifier: MIT

package daemon

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"zombiezen.com/go/nix"

	"loom.build/pkg/nar"
	"loom.build/pkg/store"
)

// hashByMethod computes scratch's content hash the way method
// addresses it, the same dispatch [sandbox]'s output finalisation
// performs for a build output (see sandbox/output.go's
// computeMethodHash), reused here for store imports.
func hashByMethod(method store.CAMethod, scratch string) (nix.Hash, error) {
	switch method {
	case store.TextMethod, store.FlatMethod:
		data, err := os.ReadFile(scratch)
		if err != nil {
			return nix.Hash{}, err
		}
		h := nix.NewHasher(nix.SHA256)
		h.Write(data)
		return h.SumHash(), nil
	case store.NixArchiveMethod:
		var buf bytes.Buffer
		if err := nar.DumpPath(&buf, scratch); err != nil {
			return nix.Hash{}, err
		}
		h := nix.NewHasher(nix.SHA256)
		h.Write(buf.Bytes())
		return h.SumHash(), nil
	case store.GitMethod:
		return store.GitTreeHash(os.DirFS(filepath.Dir(scratch)), filepath.Base(scratch))
	default:
		return nix.Hash{}, fmt.Errorf("daemon: unsupported content-addressing method %v", method)
	}
}

func contentAddressFor(method store.CAMethod, hash nix.Hash) (store.ContentAddress, error) {
	switch method {
	case store.TextMethod:
		return store.TextContentAddress(hash), nil
	case store.FlatMethod:
		return store.FlatFileContentAddress(hash), nil
	case store.NixArchiveMethod:
		return store.NixArchiveContentAddress(hash), nil
	case store.GitMethod:
		return store.GitContentAddress(hash), nil
	default:
		return store.ContentAddress{}, fmt.Errorf("daemon: unsupported content-addressing method %v", method)
	}
}

// dumpTree renders scratch's NAR bytes: what actually gets registered
// and signed is always the NAR, regardless of which method was used
// to derive the store path from its content.
func dumpTree(scratch string) ([]byte, error) {
	var buf bytes.Buffer
	if err := nar.DumpPath(&buf, scratch); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func sha256OfBytes(b []byte) ([]byte, error) {
	sum := sha256.Sum256(b)
	return sum[:], nil
}

func newBytesReader(b []byte) io.Reader {
	return bytes.NewReader(b)
}

// newSingleFileReader renders data as the contents of a single file
// named name (the name itself is unused; AddToStoreFromDump only
// needs the byte stream for a flat/text import).
func newSingleFileReader(name string, data []byte) io.Reader {
	return bytes.NewReader(data)
}
