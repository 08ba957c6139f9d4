// Copyright 2026 The loom Authors
// SPDX-License-Identifier: MIT

// Package wire implements the worker protocol (C10 in the design): a
// framed binary RPC a client speaks to a daemon over a Unix domain
// socket or stdio (spec.md §4.10). Every operation is a u64 opcode
// followed by arguments in a small fixed wire grammar (u64 integers,
// length-prefixed byte strings, recursive lists/sets of either), with
// log messages multiplexed into the reply stream via STDERR_* sentinel
// tags ahead of the final result.
//
// Grounded on the teacher's own store RPC surface
// (internal/zbstorerpc/zbstorerpc.go and zbstore/rpc.go): the same
// operation set (IsValidPath, QueryPathInfo, BuildPaths, AddToStore,
// RegisterDrvOutput, QueryRealisation, and so on) and the same
// client-trust distinctions, but spec.md §4.10 calls for Nix's actual
// length-prefixed binary framing rather than the teacher's JSON-RPC
// envelope (internal/jsonrpc), so the wire grammar itself is written
// from scratch against spec.md and spec.md §6's "stable wire
// semantics" rather than adapted from internal/jsonrpc's message
// shapes. [NewBuildID] makes google/uuid build identifiers after the
// teacher's own RealizeResponse.BuildID string; no opcode carries one,
// and no operation polls or cancels a build by id.
package wire

import "github.com/google/uuid"

// Magic is the first eight bytes of a handshake, sent by both peers
// before anything else on the connection.
const Magic uint64 = 0x6c6f6f6d776b7231 // "loomwkr1"

// ProtocolVersion is this implementation's (major, minor) pair.
// Peers refuse the connection on a major mismatch; a minor mismatch is
// tolerated, with each side advertising only the opcodes and feature
// flags its own minor version understands.
type ProtocolVersion struct {
	Major uint16
	Minor uint16
}

// OurVersion is the protocol version this package implements.
var OurVersion = ProtocolVersion{Major: 1, Minor: 0}

// Feature is one bit of a handshake's feature-flag bitset, advertised
// by both peers so optional protocol extensions can be negotiated
// without bumping the protocol version.
type Feature uint64

// Defined feature flags.
const (
	// FeatureCompressedBlobs indicates the peer accepts zstd-compressed
	// framed blobs (see Frame) in place of raw bytes.
	FeatureCompressedBlobs Feature = 1 << iota
	// FeatureStructuredAttrs indicates the peer understands
	// structured-attrs-encoded derivation environments.
	FeatureStructuredAttrs
)

// Has reports whether flags includes feature.
func (feature Feature) Has(flags Feature) bool {
	return flags&feature != 0
}

// Handshake is exchanged by both peers before any opcode is sent:
// magic number, protocol version, and a feature-flag bitset (spec.md
// §4.10's "Handshake" bullet). [Conn.Handshake] performs the exchange
// and negotiates the intersection of features both sides support.
type Handshake struct {
	Magic    uint64
	Version  ProtocolVersion
	Features Feature
}

// Opcode identifies one worker-protocol operation. Numbers are stable
// within a major protocol version; new opcodes are only ever added at
// a higher minor version (spec.md §6).
type Opcode uint64

// Defined opcodes, matching spec.md §4.10's abbreviated list and
// internal/zbstorerpc's equivalent method set one-for-one.
const (
	OpIsValidPath Opcode = 1 + iota
	OpQueryValidPaths
	OpQueryPathInfo
	OpQueryReferrers
	OpQueryDerivationOutputMap
	OpAddToStore
	OpAddMultipleToStore
	OpAddTextToStore
	OpBuildPaths
	OpBuildPathsWithResults
	OpBuildDerivation
	OpEnsurePath
	OpAddTempRoot
	OpAddPermRoot
	OpCollectGarbage
	OpQueryMissing
	OpAddToStoreNar
	OpNarFromPath
	OpRegisterDrvOutput
	OpQueryRealisation
	OpAddBuildLog
)

var opcodeNames = map[Opcode]string{
	OpIsValidPath:              "IsValidPath",
	OpQueryValidPaths:          "QueryValidPaths",
	OpQueryPathInfo:            "QueryPathInfo",
	OpQueryReferrers:           "QueryReferrers",
	OpQueryDerivationOutputMap: "QueryDerivationOutputMap",
	OpAddToStore:               "AddToStore",
	OpAddMultipleToStore:       "AddMultipleToStore",
	OpAddTextToStore:           "AddTextToStore",
	OpBuildPaths:               "BuildPaths",
	OpBuildPathsWithResults:    "BuildPathsWithResults",
	OpBuildDerivation:          "BuildDerivation",
	OpEnsurePath:               "EnsurePath",
	OpAddTempRoot:              "AddTempRoot",
	OpAddPermRoot:              "AddPermRoot",
	OpCollectGarbage:           "CollectGarbage",
	OpQueryMissing:             "QueryMissing",
	OpAddToStoreNar:            "AddToStoreNar",
	OpNarFromPath:              "NarFromPath",
	OpRegisterDrvOutput:        "RegisterDrvOutput",
	OpQueryRealisation:         "QueryRealisation",
	OpAddBuildLog:              "AddBuildLog",
}

func (op Opcode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return "Opcode(unknown)"
}

// Trust classifies a connection's privilege, gating the operations
// spec.md §4.10 reserves for trusted clients.
type Trust int8

// Defined trust levels.
const (
	// NotTrusted is the default for a client connected over the public
	// socket.
	NotTrusted Trust = iota
	Trusted
)

// Allows reports whether a client at trust level t may invoke op. It
// decides by opcode alone: an untrusted client may not invoke
// [OpAddPermRoot] or [OpAddBuildLog], and every other opcode is allowed.
// It does not look at an operation's arguments, so it does not stop an
// untrusted client from disabling signature checking on a NAR import or
// from building an input-addressed derivation whose hash is not already
// known.
func (t Trust) Allows(op Opcode) bool {
	if t == Trusted {
		return true
	}
	switch op {
	case OpAddPermRoot, OpAddBuildLog:
		return false
	default:
		return true
	}
}

// NewBuildID returns a fresh random identifier (a UUID string) for an
// in-flight build. No code in this module outside its test calls it.
func NewBuildID() string {
	return uuid.NewString()
}
