// Copyright 2026 The loom Authors
// SPDX-License-Identifier: MIT

package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"zombiezen.com/go/nix"

	"loom.build/pkg/drv"
	"loom.build/pkg/nar"
	"loom.build/pkg/store"
	"loom.build/pkg/storepath"
)

// outputRejectedError records why an output failed spec.md §4.9 step 8's
// acceptance checks: missing, or (for a fixed-output derivation) hashing
// to something other than the declared content address.
type outputRejectedError struct {
	Output string
	Reason string
}

func (e *outputRejectedError) Error() string {
	return fmt.Sprintf("output %q rejected: %s", e.Output, e.Reason)
}

func asOutputRejected(err error, target *outputRejectedError) bool {
	var r *outputRejectedError
	if errors.As(err, &r) {
		*target = *r
		return true
	}
	return false
}

// finalizeOutputs canonicalises, scans for references, hashes, and
// registers every output d declares once its builder has exited,
// returning the final store path per output name (spec.md §4.9 steps
// 7-9).
//
// sandboxOutputs gives each output's write location as an absolute
// path under the store directory, not a real content-addressed path:
// [Builder.runOnce] assigns this same deterministic, hash-free
// location to the corresponding environment variable (overriding
// whatever [eval]'s derivationStrict wrote there, including a
// CA-floating output's [drv.HashPlaceholder]) precisely so this
// function does not need to re-derive the write location from an
// opaque placeholder token. A self-reference is detected by the
// output's own archive bytes literally containing that scratch path,
// the same way a real self-reference placeholder would be detected,
// without needing the placeholder-rewrite machinery real Nix uses to
// keep a build-time self-reference and its final store path the same
// length.
//
// Grounded on fetch/tarball.go's hashTree (NAR-dump-then-hash) and
// fetch/s3.go's wrapFlatFileAsNAR (a separate, non-NAR content hash
// alongside the NAR envelope every stored object is transferred in).
func (b *Builder) finalizeOutputs(ctx context.Context, drvPath storepath.Path, d *drv.Derivation, sandboxRoot string, sandboxOutputs map[string]string, knownPaths map[string]storepath.Path, inputs map[storepath.Path]string) (map[string]storepath.Path, error) {
	inputPaths := make([]storepath.Path, 0, len(inputs))
	for p := range inputs {
		inputPaths = append(inputPaths, p)
	}
	knownList := make([]storepath.Path, 0, len(knownPaths))
	for _, p := range knownPaths {
		knownList = append(knownList, p)
	}
	candidates := hashPartCandidates(inputPaths, knownList)

	names := make([]string, 0, len(d.Outputs))
	for name := range d.Outputs {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make(map[string]storepath.Path, len(d.Outputs))
	for _, name := range names {
		spec := d.Outputs[name]
		rel, ok := sandboxOutputs[name]
		if !ok {
			return nil, fmt.Errorf("output %q: no sandbox location assigned", name)
		}
		src := filepath.Join(sandboxRoot, rel)
		if _, err := os.Lstat(src); err != nil {
			return nil, &outputRejectedError{Output: name, Reason: fmt.Sprintf("not produced: %v", err)}
		}
		if err := canonicalize(src); err != nil {
			return nil, fmt.Errorf("output %q: %w", name, err)
		}

		narBytes, narHash, err := hashOutputNAR(src)
		if err != nil {
			return nil, fmt.Errorf("output %q: hash: %w", name, err)
		}

		found, err := scanForReferences(bytes.NewReader(narBytes), candidates)
		if err != nil {
			return nil, fmt.Errorf("output %q: scan: %w", name, err)
		}
		var refs storepath.References
		refs.Self = bytes.Contains(narBytes, []byte(rel))
		for p := range found {
			refs.Others.Add(p)
		}
		// A fixed or input-addressed output's own path is already known
		// (knownPaths was computed before the build): drop it from
		// Others if the scan happened to match it, since Self already
		// records a reference to one's own path.
		if p, ok := knownPaths[name]; ok {
			refs.Others.Delete(p)
		}

		var finalPath storepath.Path
		var ca store.ContentAddress
		switch spec.Mode {
		case drv.InputAddressed:
			p, ok := knownPaths[name]
			if !ok {
				return nil, fmt.Errorf("output %q: no known input-addressed path", name)
			}
			finalPath = p

		case drv.CAFixed:
			p, ok := knownPaths[name]
			if !ok {
				return nil, fmt.Errorf("output %q: no known fixed-output path", name)
			}
			got, err := computeMethodHash(spec.CA.Method, src)
			if err != nil {
				return nil, fmt.Errorf("output %q: %w", name, err)
			}
			if got.Base16() != spec.CA.Hash.Base16() {
				return nil, &outputRejectedError{
					Output: name,
					Reason: fmt.Sprintf("content does not match fixed output hash (want %s, got %s)", spec.CA.Hash.SRI(), got.SRI()),
				}
			}
			finalPath, ca = p, spec.CA

		case drv.CAFloating, drv.Impure:
			got, err := computeMethodHash(spec.Method, src)
			if err != nil {
				return nil, fmt.Errorf("output %q: %w", name, err)
			}
			label := d.Name + outputSuffix(name)
			p, err := storepath.MakeStorePath(b.Dir, storepath.OutputKind(name), got, label, refs)
			if err != nil {
				return nil, fmt.Errorf("output %q: %w", name, err)
			}
			ca, err = buildContentAddress(spec.Method, got)
			if err != nil {
				return nil, fmt.Errorf("output %q: %w", name, err)
			}
			finalPath = p

		default:
			return nil, fmt.Errorf("output %q: cannot finalise a %v output", name, spec.Mode)
		}

		info := store.ValidPathInfo{
			Path:             finalPath,
			Deriver:          drvPath,
			NARHashAlgorithm: "sha256",
			NARSize:          int64(len(narBytes)),
			References:       refs,
			RegistrationTime: time.Now(),
			Ultimate:         true,
			CA:               ca,
		}
		copy(info.NARHash[:], narHash.Bytes(nil))
		if _, err := b.Store.AddToStore(ctx, info, bytes.NewReader(narBytes)); err != nil {
			return nil, fmt.Errorf("output %q: register: %w", name, err)
		}
		results[name] = finalPath
	}
	return results, nil
}

// hashOutputNAR dumps src (file or directory) as a canonical NAR and
// hashes the result, the exact pattern fetch/tarball.go's hashTree
// uses for the archive every store object is transferred and verified
// as.
func hashOutputNAR(src string) ([]byte, nix.Hash, error) {
	var buf bytes.Buffer
	if err := nar.DumpPath(&buf, src); err != nil {
		return nil, nix.Hash{}, err
	}
	h := nix.NewHasher(nix.SHA256)
	h.Write(buf.Bytes())
	return buf.Bytes(), h.SumHash(), nil
}

// flatFileHash hashes src's raw bytes, the "flat" ingestion method:
// src must be a regular file, matching store.FlatMethod's restriction
// to single-file outputs.
func flatFileHash(src string) (nix.Hash, error) {
	data, err := os.ReadFile(src)
	if err != nil {
		return nix.Hash{}, err
	}
	h := nix.NewHasher(nix.SHA256)
	h.Write(data)
	return h.SumHash(), nil
}

// computeMethodHash hashes src under method, the ingestion method
// declared by a CAFixed output's content address or a CAFloating/Impure
// output's Method field.
func computeMethodHash(method store.CAMethod, src string) (nix.Hash, error) {
	switch method {
	case store.NixArchiveMethod:
		_, h, err := hashOutputNAR(src)
		return h, err
	case store.FlatMethod:
		return flatFileHash(src)
	case store.GitMethod:
		return store.GitTreeHash(os.DirFS(filepath.Dir(src)), filepath.Base(src))
	default:
		return nix.Hash{}, fmt.Errorf("sandbox: content-addressing method %v is not supported for build outputs", method)
	}
}

// buildContentAddress wraps hash as the [store.ContentAddress] method
// describes.
func buildContentAddress(method store.CAMethod, hash nix.Hash) (store.ContentAddress, error) {
	switch method {
	case store.NixArchiveMethod:
		return store.NixArchiveContentAddress(hash), nil
	case store.FlatMethod:
		return store.FlatFileContentAddress(hash), nil
	case store.GitMethod:
		return store.GitContentAddress(hash), nil
	case store.TextMethod:
		return store.TextContentAddress(hash), nil
	default:
		return store.ContentAddress{}, fmt.Errorf("sandbox: unsupported content-addressing method %v", method)
	}
}
