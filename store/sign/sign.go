// Copyright 2026 The loom Authors
// SPDX-License-Identifier: MIT

// Package sign implements detached signing and verification of store
// objects, backing [ValidPathInfo]'s Sigs field and spec.md §6's
// trusted-public-keys / secret-key-files configuration options.
//
// Local outputs are signed with a loom-native "<keyName>:<base64 ed25519
// signature>" scheme, the same shape Nix's own narSignature uses.
// Signatures coming from external substituters are additionally accepted
// in minisign's wire format via github.com/jedisct1/go-minisign (an
// indirect dependency of the project-oak-transparent-release example),
// since several public binary caches publish minisign-compatible keys
// and it would be unnecessarily strict to refuse them.
package sign

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/jedisct1/go-minisign"
)

// Signature is a named, base64-encoded detached signature formatted as
// "<keyName>:<base64 signature>".
type Signature string

// Name returns the key name portion of the signature.
func (s Signature) Name() string {
	name, _, _ := strings.Cut(string(s), ":")
	return name
}

func (s Signature) raw() (string, bool) {
	_, b64, ok := strings.Cut(string(s), ":")
	return b64, ok
}

// PublicKey is a named public key trusted to sign store objects,
// loaded from a trusted-public-keys configuration entry.
type PublicKey struct {
	Name string

	ed25519Key ed25519.PublicKey // set for loom-native keys
	minisign   *minisign.PublicKey // set for minisign-format keys
}

// ParsePublicKey parses a "<name>:<base64 key>" trusted-public-keys
// entry. It first tries loom's native ed25519 encoding, then falls back
// to minisign's key format.
func ParsePublicKey(entry string) (PublicKey, error) {
	name, b64, ok := strings.Cut(entry, ":")
	if !ok {
		return PublicKey{}, fmt.Errorf("sign: parse public key %q: missing name", entry)
	}
	if raw, err := base64.StdEncoding.DecodeString(b64); err == nil && len(raw) == ed25519.PublicKeySize {
		return PublicKey{Name: name, ed25519Key: ed25519.PublicKey(raw)}, nil
	}
	key, err := minisign.NewPublicKey(b64)
	if err != nil {
		return PublicKey{}, fmt.Errorf("sign: parse public key %q: not a loom or minisign key: %w", entry, err)
	}
	return PublicKey{Name: name, minisign: &key}, nil
}

// SecretKey is a loom-native ed25519 signing key, loaded from a
// secret-key-files configuration entry ("<name>:<base64 key>", where
// the key is the full 64-byte ed25519 private key).
type SecretKey struct {
	Name string
	key  ed25519.PrivateKey
}

// GenerateSecretKey creates a new signing key pair for keyName.
func GenerateSecretKey(keyName string) (SecretKey, PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return SecretKey{}, PublicKey{}, fmt.Errorf("sign: generate key: %w", err)
	}
	return SecretKey{Name: keyName, key: priv}, PublicKey{Name: keyName, ed25519Key: pub}, nil
}

// ParseSecretKeyFile parses the contents of a secret-key-files entry.
func ParseSecretKeyFile(data []byte) (SecretKey, error) {
	text := strings.TrimSpace(string(data))
	name, b64, ok := strings.Cut(text, ":")
	if !ok {
		return SecretKey{}, fmt.Errorf("sign: parse secret key: missing name label")
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil || len(raw) != ed25519.PrivateKeySize {
		return SecretKey{}, fmt.Errorf("sign: parse secret key %q: invalid ed25519 private key", name)
	}
	return SecretKey{Name: name, key: ed25519.PrivateKey(raw)}, nil
}

// Sign produces a detached [Signature] over message — typically a store
// object's fingerprint string (store dir, path, narHash, references).
func (sk SecretKey) Sign(message []byte) Signature {
	sig := ed25519.Sign(sk.key, message)
	return Signature(sk.Name + ":" + base64.StdEncoding.EncodeToString(sig))
}

// Verify reports whether sig is a valid signature by pk over message.
func Verify(pk PublicKey, sig Signature, message []byte) bool {
	if sig.Name() != pk.Name {
		return false
	}
	b64, ok := sig.raw()
	if !ok {
		return false
	}
	if pk.ed25519Key != nil {
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return false
		}
		return ed25519.Verify(pk.ed25519Key, message, raw)
	}
	if pk.minisign != nil {
		msig, err := minisign.DecodeSignature(b64)
		if err != nil {
			return false
		}
		ok, err := pk.minisign.Verify(message, msig)
		return err == nil && ok
	}
	return false
}

// TrustPolicy decides whether a set of signatures satisfies
// require-sigs for a given object fingerprint.
type TrustPolicy struct {
	RequireSigs bool
	Keys        map[string]PublicKey // by name
}

// Satisfied reports whether sigs contains at least one signature from a
// trusted key over message, or RequireSigs is false.
func (tp TrustPolicy) Satisfied(sigs []Signature, message []byte) bool {
	if !tp.RequireSigs {
		return true
	}
	for _, sig := range sigs {
		if pk, ok := tp.Keys[sig.Name()]; ok && Verify(pk, sig, message) {
			return true
		}
	}
	return false
}
