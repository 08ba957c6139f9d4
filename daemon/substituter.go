// Copyright 2026 The loom Authors
// SPDX-License-Identifier: MIT

package daemon

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"zombiezen.com/go/nix"

	"loom.build/pkg/store"
	"loom.build/pkg/storepath"
)

// HTTPSubstituter implements [sched.Substituter] against a read-only
// HTTP binary cache speaking the same ".narinfo"/"nar/*.nar" protocol
// package fetch/cacheserver serves, parsed in reverse from
// cacheserver's own writeNarInfo.
type HTTPSubstituter struct {
	BaseURL string
	Client  *http.Client
	Store   *LocalStore
}

func (h *HTTPSubstituter) httpClient() *http.Client {
	if h.Client != nil {
		return h.Client
	}
	return http.DefaultClient
}

// Substitute implements [sched.Substituter]: it fetches path's
// narinfo, and if found, downloads and registers its NAR. A 404 for
// the narinfo is reported as (false, nil) — "this substituter doesn't
// have it" — per the Substituter contract; any other failure
// (connection refused, malformed narinfo, NAR hash mismatch) is a real
// error, so the scheduler's fallthrough to the next substituter
// doesn't mask it as a plain miss.
func (h *HTTPSubstituter) Substitute(ctx context.Context, path storepath.Path) (bool, error) {
	info, err := h.fetchNarInfo(ctx, path)
	if err != nil {
		return false, err
	}
	if info == nil {
		return false, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.BaseURL+"/nar/"+path.Digest()+".nar", nil)
	if err != nil {
		return false, fmt.Errorf("daemon: substitute %s: %w", path, err)
	}
	resp, err := h.httpClient().Do(req)
	if err != nil {
		return false, fmt.Errorf("daemon: substitute %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("daemon: substitute %s: nar fetch: unexpected status %s", path, resp.Status)
	}

	narBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, fmt.Errorf("daemon: substitute %s: %w", path, err)
	}
	sum, err := sha256OfBytes(narBytes)
	if err != nil {
		return false, fmt.Errorf("daemon: substitute %s: %w", path, err)
	}
	if info.NARHashAlgorithm != "sha256" || !bytes.Equal(sum, info.NARHash[:]) {
		return false, fmt.Errorf("daemon: substitute %s: NAR hash mismatch", path)
	}

	if _, err := h.Store.AddToStore(ctx, *info, bytes.NewReader(narBytes)); err != nil {
		return false, fmt.Errorf("daemon: substitute %s: %w", path, err)
	}
	return true, nil
}

// fetchNarInfo requests path's narinfo and parses it into a
// [store.ValidPathInfo], returning (nil, nil) on a 404.
func (h *HTTPSubstituter) fetchNarInfo(ctx context.Context, path storepath.Path) (*store.ValidPathInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.BaseURL+"/"+path.Digest()+".narinfo", nil)
	if err != nil {
		return nil, fmt.Errorf("narinfo %s: %w", path, err)
	}
	resp, err := h.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("narinfo %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("narinfo %s: unexpected status %s", path, resp.Status)
	}

	info := &store.ValidPathInfo{Path: path}
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), ": ")
		if !ok {
			continue
		}
		switch key {
		case "StorePath":
			info.Path = store.Path(value)
		case "NarHash":
			algo, hexDigest, ok := strings.Cut(value, ":")
			if !ok {
				return nil, fmt.Errorf("narinfo %s: malformed NarHash %q", path, value)
			}
			info.NARHashAlgorithm = algo
			digest, err := hex.DecodeString(hexDigest)
			if err != nil {
				return nil, fmt.Errorf("narinfo %s: malformed NarHash %q: %w", path, value, err)
			}
			copy(info.NARHash[:], digest)
		case "NarSize":
			size, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("narinfo %s: malformed NarSize %q: %w", path, value, err)
			}
			info.NARSize = size
		case "References":
			for _, base := range strings.Fields(value) {
				p, err := storepath.ParsePath(h.Store.Dir.Join(base))
				if err != nil {
					return nil, fmt.Errorf("narinfo %s: malformed reference %q: %w", path, base, err)
				}
				if p == info.Path {
					info.References.Self = true
				} else {
					info.References.Others.Add(p)
				}
			}
		case "Deriver":
			p, err := storepath.ParsePath(h.Store.Dir.Join(value))
			if err != nil {
				return nil, fmt.Errorf("narinfo %s: malformed Deriver %q: %w", path, value, err)
			}
			info.Deriver = p
		case "CA":
			method, hashSRI, ok := strings.Cut(value, ":")
			if !ok {
				return nil, fmt.Errorf("narinfo %s: malformed CA %q", path, value)
			}
			m, err := parseCAMethod(method)
			if err != nil {
				return nil, fmt.Errorf("narinfo %s: %w", path, err)
			}
			hash, err := nix.ParseHash(hashSRI)
			if err != nil {
				return nil, fmt.Errorf("narinfo %s: malformed CA hash %q: %w", path, hashSRI, err)
			}
			info.CA = store.ContentAddress{Method: m, Hash: hash}
		case "Sig":
			info.Sigs = append(info.Sigs, value)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("narinfo %s: %w", path, err)
	}
	return info, nil
}

func parseCAMethod(s string) (store.CAMethod, error) {
	switch s {
	case "text":
		return store.TextMethod, nil
	case "flat":
		return store.FlatMethod, nil
	case "nar":
		return store.NixArchiveMethod, nil
	case "git":
		return store.GitMethod, nil
	default:
		return 0, fmt.Errorf("unknown content-addressing method %q", s)
	}
}
