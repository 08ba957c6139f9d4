// Copyright 2026 The loom Authors
// SPDX-License-Identifier: MIT

package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"zombiezen.com/go/nix"

	"loom.build/pkg/nar"
	"loom.build/pkg/store"
	"loom.build/pkg/storepath"
)

// S3Fetcher implements [Fetcher] for "s3" locators (s3://bucket/key),
// fetching a single object from an S3-compatible object store and
// treating its bytes as a flat file — it is the fetcher behind binary
// substitution from a cache bucket, as distinct from [TarballFetcher]'s
// archive handling.
//
// Grounded on github.com/minio/minio-go/v7 as used by
// input-output-hk-spongix's main.go (the pack's own S3-backed
// binary-cache proxy), adapted from its v6 client construction to the
// v7 functional-options form this module's go.mod pins.
type S3Fetcher struct {
	Store  store.Store
	Client *minio.Client
}

// Fetch implements [Fetcher].
func (f *S3Fetcher) Fetch(ctx context.Context, dir storepath.Directory, loc Locator) (storepath.Path, Locator, error) {
	bucket, key, err := splitS3URL(loc.URL)
	if err != nil {
		return "", Locator{}, err
	}
	obj, err := f.Client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return "", Locator{}, err
	}
	defer obj.Close()
	data, err := readAllLimited(obj)
	if err != nil {
		return "", Locator{}, err
	}

	h := nix.NewHasher(nix.SHA256)
	h.Write(data)
	flatHash := h.SumHash()
	if loc.Hash != "" {
		want, err := nix.ParseHash(loc.Hash)
		if err != nil {
			return "", Locator{}, fmt.Errorf("parse locked hash %q: %w", loc.Hash, err)
		}
		if want.Base16() != flatHash.Base16() {
			return "", Locator{}, fmt.Errorf("fetched content does not match locked hash %s (got %s)", loc.Hash, flatHash.SRI())
		}
	}

	narBytes, narHash, err := wrapFlatFileAsNAR(data, loc.Executable)
	if err != nil {
		return "", Locator{}, err
	}
	label := labelFromURL(key)
	path, err := storepath.MakeStorePath(dir, storepath.SourceKind, narHash, label, storepath.References{})
	if err != nil {
		return "", Locator{}, err
	}
	info := store.ValidPathInfo{
		Path:             path,
		NARHashAlgorithm: "sha256",
		NARSize:          int64(len(narBytes)),
		CA:               store.NixArchiveContentAddress(narHash),
		RegistrationTime: time.Now(),
	}
	copy(info.NARHash[:], narHash.Bytes(nil))
	if _, err := f.Store.AddToStore(ctx, info, bytes.NewReader(narBytes)); err != nil {
		return "", Locator{}, err
	}

	locked := loc
	locked.Hash = flatHash.SRI()
	return path, locked, nil
}

func splitS3URL(rawURL string) (bucket, key string, err error) {
	const prefix = "s3://"
	if !strings.HasPrefix(rawURL, prefix) {
		return "", "", fmt.Errorf("not an s3:// locator: %q", rawURL)
	}
	rest := rawURL[len(prefix):]
	i := strings.IndexByte(rest, '/')
	if i < 0 {
		return "", "", fmt.Errorf("s3 locator %q is missing an object key", rawURL)
	}
	return rest[:i], rest[i+1:], nil
}

func readAllLimited(obj *minio.Object) ([]byte, error) {
	st, err := obj.Stat()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, st.Size)
	if _, err := io.ReadFull(obj, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// wrapFlatFileAsNAR builds the single-file NAR that a flat file's
// "source" store object is content-addressed by: [nar.DumpPath] dumps
// a bare regular-file root as a single-node archive (no enclosing
// directory), so a scratch file on disk is enough to reuse it.
func wrapFlatFileAsNAR(data []byte, executable bool) ([]byte, nix.Hash, error) {
	tmp, err := os.MkdirTemp("", "loom-fetch-s3-*")
	if err != nil {
		return nil, nix.Hash{}, err
	}
	defer os.RemoveAll(tmp)

	mode := os.FileMode(0o444)
	if executable {
		mode = 0o555
	}
	path := filepath.Join(tmp, singleFileName)
	if err := os.WriteFile(path, data, mode); err != nil {
		return nil, nix.Hash{}, err
	}

	var buf bytes.Buffer
	if err := nar.DumpPath(&buf, path); err != nil {
		return nil, nix.Hash{}, err
	}
	h := nix.NewHasher(nix.SHA256)
	h.Write(buf.Bytes())
	return buf.Bytes(), h.SumHash(), nil
}
