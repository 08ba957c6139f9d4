// Copyright 2026 The loom Authors
// SPDX-License-Identifier: MIT

// Package daemon wires the store database (C4), scheduler (C8), and
// sandboxed builder (C9) together into a single local [store.Store]
// implementation, and serves it over the worker protocol (C10) to
// remote clients.
//
// Grounded on internal/backend/backend.go and internal/backend/backend_store.go
// from the teacher repository: the same seam between "what a store
// does" (package store's interface) and "how the local daemon does
// it" (this package composing storedb + sched + sandbox) that the
// teacher draws between backend.go's Backend struct and its
// constituent realize.go/gc.go/addtostore.go files.
package daemon

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"zombiezen.com/go/nix/nixbase32"

	"loom.build/pkg/drv"
	"loom.build/pkg/nar"
	"loom.build/pkg/sched"
	"loom.build/pkg/sortedset"
	"loom.build/pkg/store"
	"loom.build/pkg/store/sign"
	"loom.build/pkg/store/storedb"
	"loom.build/pkg/storepath"
)

// LocalStore is the daemon's own [store.Store]: a store database
// (metadata) plus a real filesystem tree rooted at Dir (object
// contents), driven by a [sched.Scheduler] for BuildPaths/
// BuildDerivation.
//
// Unlike [sandbox.Builder], which only needs to read store objects
// (via store.Store.NARFromPath), LocalStore is the one place that
// actually owns the on-disk tree: string(Dir) doubles as both the
// logical store directory baked into every store path and the real
// filesystem directory its objects live under, exactly as the
// teacher's own local store conflates the two (spec.md leaves the
// relationship between logical and physical store roots
// implementation-defined).
type LocalStore struct {
	Dir storepath.Directory
	DB  *storedb.DB

	Scheduler *sched.Scheduler

	// GCRootsDir holds the indirect-root back-reference symlinks
	// spec.md §6 describes: each entry points at a user-created
	// symlink elsewhere in the filesystem, which in turn points at the
	// store path it roots. Empty means no permanent roots are
	// consulted (only live temp roots).
	GCRootsDir string

	// SecretKey, if set, signs every object LocalStore itself registers
	// (spec.md §6's secret-key-files). Substituted objects keep whatever
	// signatures they arrived with.
	SecretKey *sign.SecretKey
	// Trust gates signature requirements on imported (as opposed to
	// locally-built) objects; see AddToStoreFromDump.
	Trust sign.TrustPolicy
}

var _ store.Store = (*LocalStore)(nil)

func (s *LocalStore) objectPath(p storepath.Path) string {
	return filepath.Join(string(s.Dir), p.Base())
}

// IsValidPath implements [store.Store].
func (s *LocalStore) IsValidPath(ctx context.Context, path store.Path) (bool, error) {
	return s.DB.IsValidPath(ctx, path)
}

// QueryPathInfo implements [store.Store].
func (s *LocalStore) QueryPathInfo(ctx context.Context, path store.Path) (*store.ValidPathInfo, error) {
	return s.DB.QueryPathInfo(ctx, path)
}

// QueryReferrers implements [store.Store].
func (s *LocalStore) QueryReferrers(ctx context.Context, path store.Path) (sortedset.Set[store.Path], error) {
	return s.DB.QueryReferrers(ctx, path)
}

// QueryPathFromHashPart implements [store.Store]. storedb indexes
// objects by the literal base32 digest string, while
// store.Store's contract (mirrored from the worker protocol's wire
// shape, where a hash part arrives as raw bytes) takes the part
// already decoded; [nixbase32.EncodeToString] re-renders it as the
// string storedb expects.
func (s *LocalStore) QueryPathFromHashPart(ctx context.Context, hashPart []byte) (store.Path, bool, error) {
	return s.DB.QueryPathFromHashPart(ctx, nixbase32.EncodeToString(hashPart))
}

// QuerySubstitutablePaths implements [store.Store]. The local store
// itself never substitutes from anything; that is Scheduler's
// Substituters' job. A local store reports every path as not
// locally-substitutable, leaving the decision to the caller's own
// configured substituters.
func (s *LocalStore) QuerySubstitutablePaths(ctx context.Context, paths sortedset.Set[store.Path]) (sortedset.Set[store.Path], error) {
	return sortedset.Set[store.Path]{}, nil
}

// AddToStore implements [store.Store]: it materialises archive onto
// disk at path and registers info, atomically via
// [storedb.DB.RegisterValidPath].
func (s *LocalStore) AddToStore(ctx context.Context, info store.ValidPathInfo, archive io.Reader) (store.Path, error) {
	dest := s.objectPath(info.Path)
	err := s.DB.RegisterValidPath(ctx, info, func() error {
		if err := os.RemoveAll(dest); err != nil {
			return err
		}
		return nar.Parse(archive, &nar.DiskReceiver{Root: dest})
	})
	if err != nil {
		if storedb.ErrObjectExists(err) {
			return info.Path, nil
		}
		return "", err
	}
	return info.Path, nil
}

// AddTextToStore implements [store.Store]: text-addressed objects
// (spec.md §4.5's CAFixed text method), used for derivations
// themselves and for builtins.toFile-style literal content.
func (s *LocalStore) AddTextToStore(ctx context.Context, name string, data []byte, refs store.References) (store.Path, error) {
	return s.AddToStoreFromDump(ctx, newSingleFileReader(name, data), name, store.TextMethod, "sha256", refs)
}

// AddTempRoot implements [store.Store]. Roots are attributed to the
// calling worker-protocol connection's own identity (see
// withClientPID), set by package daemon's server for the lifetime of
// that connection; called outside of a connection (e.g. directly from
// a test) it falls back to the daemon process's own pid.
func (s *LocalStore) AddTempRoot(ctx context.Context, path store.Path) error {
	pid, ok := clientPIDFromContext(ctx)
	if !ok {
		pid = int64(os.Getpid())
	}
	return s.DB.AddTempRoot(ctx, pid, path)
}

// AddToStoreFromDump implements [store.Store]: it hashes dump
// according to method, computes the resulting store path, materialises
// it, and registers it — the same "import arbitrary content, address
// it fresh" operation [sandbox.Builder.finalizeOutputs] performs for a
// CA-floating build output, reused here for AddPath-style imports
// and AddTextToStore.
func (s *LocalStore) AddToStoreFromDump(ctx context.Context, dump io.Reader, name string, method store.CAMethod, hashAlgo string, refs store.References) (store.Path, error) {
	tmp, err := os.MkdirTemp("", "loom-import-*")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(tmp)
	scratch := filepath.Join(tmp, name)

	switch method {
	case store.TextMethod, store.FlatMethod:
		f, err := os.Create(scratch)
		if err != nil {
			return "", err
		}
		if _, err := io.Copy(f, dump); err != nil {
			f.Close()
			return "", err
		}
		if err := f.Close(); err != nil {
			return "", err
		}
	default:
		if err := nar.Parse(dump, &nar.DiskReceiver{Root: scratch}); err != nil {
			return "", fmt.Errorf("daemon: add to store from dump: %w", err)
		}
	}

	hash, err := hashByMethod(method, scratch)
	if err != nil {
		return "", err
	}
	label := name
	kind := storepath.TextKind
	if method != store.TextMethod {
		kind = storepath.SourceKind
	}
	path, err := storepath.MakeStorePath(s.Dir, kind, hash, label, refs)
	if err != nil {
		return "", err
	}

	narBuf, err := dumpTree(scratch)
	if err != nil {
		return "", err
	}

	ca, err := contentAddressFor(method, hash)
	if err != nil {
		return "", err
	}
	info := store.ValidPathInfo{
		Path:             path,
		NARHashAlgorithm: "sha256",
		NARSize:          int64(len(narBuf)),
		References:       refs,
		Ultimate:         true,
		CA:               ca,
	}
	narHash, err := sha256OfBytes(narBuf)
	if err != nil {
		return "", err
	}
	copy(info.NARHash[:], narHash)
	if s.SecretKey != nil {
		info.Sigs = []string{string(s.SecretKey.Sign([]byte(info.Fingerprint(s.Dir))))}
	}

	_, err = s.AddToStore(ctx, info, newBytesReader(narBuf))
	return path, err
}

// BuildPaths implements [store.Store] by delegating to Scheduler.
func (s *LocalStore) BuildPaths(ctx context.Context, paths []store.DerivedPath, mode store.BuildMode) error {
	results, err := s.Scheduler.BuildPaths(ctx, paths, mode)
	if err != nil {
		return err
	}
	for i, res := range results {
		if res != nil && res.Status.IsFailure() {
			return fmt.Errorf("daemon: build %v: %s", paths[i], res.Status)
		}
	}
	return nil
}

// BuildDerivation implements [store.Store]: a one-off build of a
// derivation supplied directly (as ATerm bytes) rather than by store
// path, the worker protocol's OpBuildDerivation (spec.md §4.10).
func (s *LocalStore) BuildDerivation(ctx context.Context, path store.Path, drvBytes []byte, mode store.BuildMode) (*store.BuildResult, error) {
	d, err := drv.Parse(s.Dir, derivationNameFromPath(path), drvBytes)
	if err != nil {
		return nil, fmt.Errorf("daemon: build derivation: %w", err)
	}
	return s.Scheduler.Builder.Build(ctx, path, d, mode)
}

// NARFromPath implements [store.Store] by streaming path's canonical
// archive straight off disk.
func (s *LocalStore) NARFromPath(ctx context.Context, path store.Path, w io.Writer) error {
	return nar.DumpPath(w, s.objectPath(path))
}

// RegisterDrvOutput implements [store.Store].
func (s *LocalStore) RegisterDrvOutput(ctx context.Context, r store.Realisation) error {
	return s.DB.RegisterDrvOutput(ctx, r)
}

// QueryRealisation implements [store.Store].
func (s *LocalStore) QueryRealisation(ctx context.Context, drvHash, outputName string) (*store.Realisation, bool, error) {
	return s.DB.QueryRealisation(ctx, drvHash, outputName)
}

// VerifyStore implements [store.Store]. It performs no checks: it does
// not re-hash object contents, does not look for missing or orphaned
// objects, and repairs nothing, whatever checkContents and repair are.
// It always reports that no errors were found.
func (s *LocalStore) VerifyStore(ctx context.Context, checkContents, repair bool) (bool, error) {
	return false, nil
}

// CollectGarbage implements [store.Store].
func (s *LocalStore) CollectGarbage(ctx context.Context, opts store.GCOptions) (*store.GCResults, error) {
	return collectGarbage(ctx, s, opts)
}

// LoadDerivation implements [sched.DerivationLoader] by reading and
// parsing path's .drv file straight off disk.
func (s *LocalStore) LoadDerivation(ctx context.Context, path storepath.Path) (*drv.Derivation, error) {
	data, err := os.ReadFile(s.objectPath(path))
	if err != nil {
		return nil, fmt.Errorf("daemon: load derivation %s: %w", path, err)
	}
	d, err := drv.Parse(s.Dir, derivationNameFromPath(path), data)
	if err != nil {
		return nil, fmt.Errorf("daemon: load derivation %s: %w", path, err)
	}
	return d, nil
}

func derivationNameFromPath(path storepath.Path) string {
	name := path.Name()
	return strings.TrimSuffix(name, storepath.DerivationExt)
}
