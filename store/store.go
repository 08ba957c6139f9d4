// Copyright 2026 The loom Authors
// SPDX-License-Identifier: MIT

// Package store defines the store object model (C3 in the design): the
// abstract interface every store implementation (local on-disk, remote
// over the worker protocol, read-only binary cache, SSH-tunnelled, or a
// union of these) must satisfy, plus the value types — [ValidPathInfo],
// [ContentAddress], [Realisation] — that flow across that interface.
//
// Grounded on the operation table in internal/backend/backend.go and
// internal/backend/backend_store.go from the teacher repository, which
// enumerate the same surface (isValidPath, queryPathInfo, addToStore,
// buildPaths, and so on) against a concrete local implementation; here
// the surface is pulled out into an interface so that local, remote, and
// binary-cache stores (package store/storedb, package fetch) can share
// callers (package sched, package eval) without depending on each other.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"zombiezen.com/go/nix"

	"loom.build/pkg/sortedset"
	"loom.build/pkg/storepath"
)

// Re-exported path types so callers of this package rarely need to
// import storepath directly.
type (
	Directory  = storepath.Directory
	Path       = storepath.Path
	References = storepath.References
)

// Sentinel errors, matching spec.md §7's store error kinds.
var (
	ErrNotValid          = errors.New("store: path is not valid")
	ErrPathInUse         = errors.New("store: path is locked by another operation")
	ErrHashMismatch      = errors.New("store: content hash mismatch")
	ErrBadSignature      = errors.New("store: signature verification failed")
	ErrReadOnlyStore     = errors.New("store: store is read-only")
	ErrSignatureRequired = errors.New("store: signature required by trust policy")
)

// ValidPathInfo is the metadata of one registered store object
// (spec.md §3).
type ValidPathInfo struct {
	Path             Path
	Deriver          Path // optional; zero value means none
	NARHash          [32]byte
	NARHashAlgorithm string // e.g. "sha256"
	NARSize          int64
	References       References
	RegistrationTime time.Time
	// Ultimate is true if this object was built locally and is trusted
	// without needing a signature.
	Ultimate bool
	Sigs     []string // detached "<keyName>:<base64 signature>" strings (see store/sign)
	CA       ContentAddress
}

// HasCA reports whether info declares a content address.
func (info ValidPathInfo) HasCA() bool {
	return !info.CA.IsZero()
}

// Fingerprint renders the exact byte string a detached signature (see
// store/sign) signs: "1;<path>;<narHash>;<narSize>;<references>", the
// same shape Nix's own narSignature covers. The path and references are
// absolute store paths, so the fingerprint changes with the store
// directory; dir is not used.
func (info ValidPathInfo) Fingerprint(dir Directory) string {
	refs := make([]string, 0, info.References.Others.Len()+1)
	for i := 0; i < info.References.Others.Len(); i++ {
		refs = append(refs, string(info.References.Others.At(i)))
	}
	if info.References.Self {
		refs = append(refs, string(info.Path))
	}
	sort.Strings(refs)
	narHash := nix.NewHash(nix.SHA256, info.NARHash[:])
	return fmt.Sprintf("1;%s;%s;%d;%s", info.Path, narHash.SRI(), info.NARSize, strings.Join(refs, ","))
}

// OutputReference names one output of one derivation, the atomic unit
// the scheduler realises (spec.md §3's Goal and §4.8).
type OutputReference struct {
	DrvPath    Path
	OutputName string
}

func (ref OutputReference) String() string {
	return string(ref.DrvPath) + "!" + ref.OutputName
}

// DerivedPath is either a concrete store path to substitute, or a
// request to build named outputs of a derivation — the two kinds of
// [Goal] in spec.md §3/§4.8.
type DerivedPath struct {
	// Opaque is set for "substitute this path" requests.
	Opaque Path
	// Drv and Outputs are set for "realise these outputs" requests. An
	// empty Outputs means "all outputs".
	Drv     Path
	Outputs []string
}

// IsBuild reports whether p requests a derivation build rather than a
// plain substitution.
func (p DerivedPath) IsBuild() bool {
	return p.Drv != ""
}

// BuildStatus enumerates the scheduler's goal results (spec.md §4.8).
type BuildStatus int8

// Build statuses.
const (
	Built BuildStatus = 1 + iota
	Substituted
	AlreadyValid
	ResolvesToAlreadyValid
	PermanentFailure
	TransientFailure
	TimedOut
	DependencyFailed
	NotDeterministic
	OutputRejected
	LogLimitExceeded
	MiscFailure
)

func (s BuildStatus) String() string {
	switch s {
	case Built:
		return "Built"
	case Substituted:
		return "Substituted"
	case AlreadyValid:
		return "AlreadyValid"
	case ResolvesToAlreadyValid:
		return "ResolvesToAlreadyValid"
	case PermanentFailure:
		return "PermanentFailure"
	case TransientFailure:
		return "TransientFailure"
	case TimedOut:
		return "TimedOut"
	case DependencyFailed:
		return "DependencyFailed"
	case NotDeterministic:
		return "NotDeterministic"
	case OutputRejected:
		return "OutputRejected"
	case LogLimitExceeded:
		return "LogLimitExceeded"
	case MiscFailure:
		return "MiscFailure"
	default:
		return "Unknown"
	}
}

// IsFailure reports whether s represents any failure status.
func (s BuildStatus) IsFailure() bool {
	return s != Built && s != Substituted && s != AlreadyValid && s != ResolvesToAlreadyValid
}

// BuildResult is the outcome of realising one [OutputReference] or
// building one derivation.
type BuildResult struct {
	Status       BuildStatus
	Outputs      map[string]Path
	LogTail      []string // last-log-lines tail, present on failure
	TimesBuilt   int
	IsNonDeterministic bool
}

// Realisation binds a (derivation hash, output name) key to a concrete
// path for a floating or impure output (spec.md §3's Realisation).
type Realisation struct {
	DerivationHash string // hex closure hash of the producing derivation
	OutputName     string
	Path           Path
	// DependentRealisations are the realisations of this output's
	// transitive inputs, keyed the same way.
	DependentRealisations map[string]Path
	Signatures            []string
}

// Key returns the string used to index a realisation in the database
// and on the wire: "<derivationHash>!<outputName>".
func (r Realisation) Key() string {
	return r.DerivationHash + "!" + r.OutputName
}

// GCOptions configures [Store.CollectGarbage].
type GCOptions struct {
	// MaxFreed bounds the amount of disk space reclaimed, in bytes. Zero
	// means unlimited.
	MaxFreed int64
	// Roots, if non-nil, is used instead of scanning the real GC roots
	// directory (tests only).
	Roots sortedset.Set[Path]
}

// GCResults reports what [Store.CollectGarbage] did.
type GCResults struct {
	Deleted   []Path
	BytesFreed int64
}

// Store is the abstract interface every store implementation satisfies
// (spec.md §4.3's operation table).
type Store interface {
	IsValidPath(ctx context.Context, path Path) (bool, error)
	QueryPathInfo(ctx context.Context, path Path) (*ValidPathInfo, error)
	QueryReferrers(ctx context.Context, path Path) (sortedset.Set[Path], error)
	QueryPathFromHashPart(ctx context.Context, hashPart []byte) (Path, bool, error)
	QuerySubstitutablePaths(ctx context.Context, paths sortedset.Set[Path]) (sortedset.Set[Path], error)

	AddToStore(ctx context.Context, info ValidPathInfo, archive io.Reader) (Path, error)
	AddTextToStore(ctx context.Context, name string, data []byte, refs References) (Path, error)
	AddTempRoot(ctx context.Context, path Path) error
	AddToStoreFromDump(ctx context.Context, dump io.Reader, name string, method CAMethod, hashAlgo string, refs References) (Path, error)

	BuildPaths(ctx context.Context, paths []DerivedPath, mode BuildMode) error
	BuildDerivation(ctx context.Context, path Path, drv []byte, mode BuildMode) (*BuildResult, error)

	NARFromPath(ctx context.Context, path Path, w io.Writer) error

	RegisterDrvOutput(ctx context.Context, r Realisation) error
	QueryRealisation(ctx context.Context, drvHash, outputName string) (*Realisation, bool, error)

	VerifyStore(ctx context.Context, checkContents, repair bool) (errorsFound bool, err error)
	CollectGarbage(ctx context.Context, opts GCOptions) (*GCResults, error)
}

// BuildMode selects how aggressively [Store.BuildPaths] re-does work
// that already appears valid.
type BuildMode int8

// Build modes.
const (
	// BuildNormal substitutes or builds only what is missing.
	BuildNormal BuildMode = iota
	// BuildRepair re-verifies and, if necessary, rebuilds outputs even
	// if they are already registered valid.
	BuildRepair
	// BuildCheck rebuilds into a scratch location and compares against
	// the existing output, reporting [NotDeterministic] on mismatch.
	BuildCheck
)
