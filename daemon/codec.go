// Copyright 2026 The loom Authors
// SPDX-License-Identifier: MIT

package daemon

import (
	"fmt"
	"strings"
	"time"

	"zombiezen.com/go/nix"

	"loom.build/pkg/store"
	"loom.build/pkg/storepath"
	"loom.build/pkg/wire"
)

// writeValidPathInfo and readValidPathInfo give OpAddToStoreNar and
// OpQueryPathInfo a shared on-the-wire
// rendering of [store.ValidPathInfo]: spec.md §4.10 names the
// operation set but leaves each opcode's argument encoding to the
// implementation, so this package picks one fixed field order over
// wire.Writer's primitives, analogous to how package aterm fixes one
// encoding for the on-disk derivation format.
func writeValidPathInfo(w *wire.Writer, info *store.ValidPathInfo) error {
	fields := []func() error{
		func() error { return w.String(string(info.Path)) },
		func() error { return w.String(string(info.Deriver)) },
		func() error { return w.Bytes(info.NARHash[:]) },
		func() error { return w.String(info.NARHashAlgorithm) },
		func() error { return w.Uint64(uint64(info.NARSize)) },
		func() error { return w.StringList(referenceStrings(info.References)) },
		func() error { return w.Bool(info.References.Self) },
		func() error { return w.Uint64(uint64(info.RegistrationTime.Unix())) },
		func() error { return w.Bool(info.Ultimate) },
		func() error { return w.String(contentAddressString(info.CA)) },
		func() error { return w.StringList(info.Sigs) },
	}
	for _, f := range fields {
		if err := f(); err != nil {
			return err
		}
	}
	return nil
}

func readValidPathInfo(r *wire.Reader) (*store.ValidPathInfo, error) {
	path, err := r.String()
	if err != nil {
		return nil, err
	}
	deriver, err := r.String()
	if err != nil {
		return nil, err
	}
	narHash, err := r.Bytes()
	if err != nil {
		return nil, err
	}
	narHashAlgo, err := r.String()
	if err != nil {
		return nil, err
	}
	narSize, err := r.Uint64()
	if err != nil {
		return nil, err
	}
	others, err := r.StringList()
	if err != nil {
		return nil, err
	}
	self, err := r.Bool()
	if err != nil {
		return nil, err
	}
	regTime, err := r.Uint64()
	if err != nil {
		return nil, err
	}
	ultimate, err := r.Bool()
	if err != nil {
		return nil, err
	}
	caString, err := r.String()
	if err != nil {
		return nil, err
	}
	sigs, err := r.StringList()
	if err != nil {
		return nil, err
	}

	info := &store.ValidPathInfo{
		Path:             store.Path(path),
		Deriver:          store.Path(deriver),
		NARHashAlgorithm: narHashAlgo,
		NARSize:          int64(narSize),
		Ultimate:         ultimate,
		Sigs:             sigs,
	}
	copy(info.NARHash[:], narHash)
	info.RegistrationTime = unixTime(int64(regTime))
	info.References.Self = self
	for _, o := range others {
		p, err := storepath.ParsePath(o)
		if err != nil {
			return nil, fmt.Errorf("reference %q: %w", o, err)
		}
		info.References.Others.Add(p)
	}
	if caString != "" {
		ca, err := parseContentAddressString(caString)
		if err != nil {
			return nil, err
		}
		info.CA = ca
	}
	return info, nil
}

func referenceStrings(refs store.References) []string {
	out := make([]string, 0, refs.Others.Len())
	for i := 0; i < refs.Others.Len(); i++ {
		out = append(out, string(refs.Others.At(i)))
	}
	return out
}

// contentAddressString renders ca as "<method>:<hash SRI>", or the
// empty string for the null content address.
func contentAddressString(ca store.ContentAddress) string {
	if ca.IsZero() {
		return ""
	}
	return ca.Method.String() + ":" + ca.Hash.SRI()
}

func parseContentAddressString(s string) (store.ContentAddress, error) {
	method, hashSRI, ok := strings.Cut(s, ":")
	if !ok {
		return store.ContentAddress{}, fmt.Errorf("malformed content address %q", s)
	}
	m, err := parseCAMethod(method)
	if err != nil {
		return store.ContentAddress{}, fmt.Errorf("content address %q: %w", s, err)
	}
	hash, err := nix.ParseHash(hashSRI)
	if err != nil {
		return store.ContentAddress{}, fmt.Errorf("content address %q: %w", s, err)
	}
	return store.ContentAddress{Method: m, Hash: hash}, nil
}

func unixTime(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}
