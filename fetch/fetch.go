// Copyright 2026 The loom Authors
// SPDX-License-Identifier: MIT

// Package fetch implements the fetcher registry (C7 in the design):
// pluggable sources for source trees addressed by URL-like locators,
// content-addressed into the store and cached by locator (spec.md
// §4.7). The core only specifies the contract a fetcher must satisfy;
// this package supplies the registry, two concrete fetchers
// (tarball/file and S3) that exercise it, and a local result cache.
//
// Grounded on the teacher's zbstore.Cache (store/cache.go), which
// wraps a fallback [store.Store] the same way [Registry] wraps a
// locator-keyed [Cache] in front of the concrete fetchers.
package fetch

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sort"
	"strings"

	goerrors "github.com/go-errors/errors"

	"loom.build/pkg/storepath"
)

// ErrLocatorNotLocked is returned by [Registry.Fetch] when pure
// evaluation mode is enabled and the locator has no revision or hash
// pinned (spec.md §4.7: "a fetcher must refuse any locator that is not
// already locked").
var ErrLocatorNotLocked = errors.New("fetch: locator is not locked (pure evaluation mode)")

// ErrUnknownScheme is returned when no fetcher is registered for a
// locator's scheme.
var ErrUnknownScheme = errors.New("fetch: no fetcher registered for this locator's scheme")

// Locator is the URL-like description of a source tree, in either its
// unlocked form (as written by a user, e.g. a branch name) or its
// locked form (as returned by a fetch, with every revision/hash field
// pinned so a later fetch of the same Locator reproduces the same
// store path).
//
// Locator deliberately carries the union of fields every concrete
// fetcher needs rather than being an interface, mirroring how the
// teacher's derivation.Env is a flat string map rather than a
// per-builtin struct: the fetcher registry is generic over locator
// *shape*, and each [Fetcher] only reads the fields its scheme uses.
type Locator struct {
	// Type selects the fetcher (e.g. "tarball", "file", "s3").
	Type string
	// URL is the unlocked source location: an http(s) URL, a file://
	// path, or an s3://bucket/key locator.
	URL string
	// Hash, if set, pins the expected content hash in SRI form (e.g.
	// "sha256-..."): the hash of the fetched NAR for "tarball" and
	// "file" locators, the flat hash of the object's bytes for "s3"
	// locators. Presence of Hash is what makes a locator "locked".
	Hash string
	// StripComponents is the number of leading path components an
	// archive-based fetcher strips from every entry before adding it
	// to the store (spec.md §4.7's "tarballs strip a single top-level
	// directory"); zero means the fetcher's own default.
	StripComponents int
	// Executable marks a single-file fetch (Type "file") whose content
	// should be stored with the executable bit set.
	Executable bool
}

// Locked reports whether loc is fully pinned: spec.md §4.7's "pure
// evaluation mode" requirement.
func (loc Locator) Locked() bool {
	return loc.Hash != ""
}

// CacheKey returns the string used to index loc in a [Cache]. It
// includes every field that affects the fetched output, per spec.md
// §4.7 ("the cache key includes every locator field that affects
// output"), so that e.g. two tarball locators differing only in
// StripComponents are cached separately.
func (loc Locator) CacheKey() string {
	var b strings.Builder
	b.WriteString(loc.Type)
	b.WriteByte(';')
	b.WriteString(loc.URL)
	b.WriteByte(';')
	b.WriteString(loc.Hash)
	b.WriteByte(';')
	fmt.Fprintf(&b, "%d;%t", loc.StripComponents, loc.Executable)
	sum := sha256.Sum256([]byte(b.String()))
	return fmt.Sprintf("%x", sum)
}

// ToURL renders loc in the flake-ref-like canonical form spec.md §4.7
// calls toURL: "type+scheme-specific-part?query=params", params sorted
// for determinism.
func (loc Locator) ToURL() string {
	u := loc.Type + ":" + loc.URL
	params := map[string]string{}
	if loc.Hash != "" {
		params["hash"] = loc.Hash
	}
	if loc.StripComponents != 0 {
		params["stripComponents"] = fmt.Sprint(loc.StripComponents)
	}
	if loc.Executable {
		params["executable"] = "1"
	}
	if len(params) == 0 {
		return u
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var q strings.Builder
	for i, k := range keys {
		if i > 0 {
			q.WriteByte('&')
		}
		q.WriteString(k)
		q.WriteByte('=')
		q.WriteString(params[k])
	}
	return u + "?" + q.String()
}

// ToAttrs renders loc as the attribute-set form spec.md §4.7 calls
// toAttrs, the shape `eval` surfaces to `builtins.fetchTree`-style
// callers.
func (loc Locator) ToAttrs() map[string]string {
	attrs := map[string]string{"type": loc.Type, "url": loc.URL}
	if loc.Hash != "" {
		attrs["hash"] = loc.Hash
	}
	return attrs
}

// Fetcher produces a source tree in the store for locators of one
// scheme (spec.md §4.7's fetch(locator) function).
type Fetcher interface {
	// Fetch realises loc into the store, returning the resulting path
	// and the locked form of loc (identical to loc if loc was already
	// locked).
	Fetch(ctx context.Context, dir storepath.Directory, loc Locator) (storepath.Path, Locator, error)
}

// Registry dispatches locators to the [Fetcher] registered for their
// Type, enforcing pure-evaluation-mode locking and caching results by
// locator (spec.md §4.7's two normative requirements beyond the
// contract itself).
type Registry struct {
	Dir      storepath.Directory
	Pure     bool
	fetchers map[string]Fetcher
	cache    *Cache
}

// NewRegistry returns a registry rooted at dir. cache may be nil, in
// which case every fetch is performed unconditionally (no memoization
// across calls).
func NewRegistry(dir storepath.Directory, pure bool, cache *Cache) *Registry {
	return &Registry{Dir: dir, Pure: pure, fetchers: make(map[string]Fetcher), cache: cache}
}

// Register installs f as the fetcher for locators with the given Type.
func (r *Registry) Register(scheme string, f Fetcher) {
	r.fetchers[scheme] = f
}

// Fetch resolves loc to a store path, consulting and populating the
// cache (if configured) and refusing unlocked locators when r.Pure is
// set.
func (r *Registry) Fetch(ctx context.Context, loc Locator) (storepath.Path, Locator, error) {
	if r.Pure && !loc.Locked() {
		return "", Locator{}, fmt.Errorf("fetch %s: %w", loc.ToURL(), ErrLocatorNotLocked)
	}
	key := loc.CacheKey()
	if r.cache != nil {
		if entry, ok, err := r.cache.Lookup(ctx, key); err != nil {
			return "", Locator{}, fmt.Errorf("fetch %s: cache lookup: %w", loc.ToURL(), err)
		} else if ok {
			return entry.Path, entry.Locked, nil
		}
	}
	f, ok := r.fetchers[loc.Type]
	if !ok {
		return "", Locator{}, fmt.Errorf("fetch %s: %w %q", loc.ToURL(), ErrUnknownScheme, loc.Type)
	}
	path, locked, err := f.Fetch(ctx, r.Dir, loc)
	if err != nil {
		// Wrapped with a stack trace at this call boundary, matching the
		// teacher's convention of attaching go-errors/errors traces to
		// every user-facing error rather than just bare fmt.Errorf chains.
		return "", Locator{}, goerrors.Wrap(fmt.Errorf("fetch %s: %w", loc.ToURL(), err), 0)
	}
	if r.cache != nil {
		if err := r.cache.Store(ctx, key, CacheEntry{Path: path, Locked: locked}); err != nil {
			return "", Locator{}, fmt.Errorf("fetch %s: cache store: %w", loc.ToURL(), err)
		}
	}
	return path, locked, nil
}
