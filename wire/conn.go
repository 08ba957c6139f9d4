// Copyright 2026 The loom Authors
// SPDX-License-Identifier: MIT

package wire

import (
	"fmt"
	"io"
)

// Conn is one worker-protocol connection: a [Reader]/[Writer] pair
// plus the trust level and negotiated feature set established by
// [Conn.Handshake]. Conn only understands framing, not any particular
// opcode's argument or result shapes — those belong to whichever
// package drives the connection (package daemon on the server side),
// mirroring how package eval's DerivationWriter keeps store-writing
// out of the evaluator proper.
type Conn struct {
	r *Reader
	w *Writer

	Trust              Trust
	PeerVersion        ProtocolVersion
	NegotiatedFeatures Feature
}

// NewConn wraps r and w (which may be the two halves of a single
// net.Conn, or stdin/stdout for a subprocess worker) as a Conn.
func NewConn(r io.Reader, w io.Writer, trust Trust) *Conn {
	return &Conn{r: NewReader(r), w: NewWriter(w), Trust: trust}
}

// Reader returns the Conn's decoder, for reading an opcode's
// arguments or (after [Conn.Handshake]) its reply.
func (c *Conn) Reader() *Reader { return c.r }

// Writer returns the Conn's encoder, for writing an opcode's
// arguments or reply.
func (c *Conn) Writer() *Writer { return c.w }

// Handshake performs spec.md §4.10's opening exchange: both peers
// send their magic number, protocol version, and feature-flag
// bitset. It returns an error if the peer's magic doesn't match or
// its major version differs from [OurVersion]'s; c.NegotiatedFeatures
// is set to the intersection of features both sides advertised.
func (c *Conn) Handshake(localFeatures Feature) error {
	if err := writeHandshake(c.w, Handshake{Magic: Magic, Version: OurVersion, Features: localFeatures}); err != nil {
		return fmt.Errorf("wire: handshake: %w", err)
	}
	peer, err := readHandshake(c.r)
	if err != nil {
		return fmt.Errorf("wire: handshake: %w", err)
	}
	if peer.Magic != Magic {
		return fmt.Errorf("wire: handshake: peer sent bad magic %#x", peer.Magic)
	}
	if peer.Version.Major != OurVersion.Major {
		return fmt.Errorf("wire: handshake: unsupported protocol version %d.%d (this build speaks %d.%d)",
			peer.Version.Major, peer.Version.Minor, OurVersion.Major, OurVersion.Minor)
	}
	c.PeerVersion = peer.Version
	c.NegotiatedFeatures = localFeatures & peer.Features
	return nil
}

func writeHandshake(w *Writer, h Handshake) error {
	if err := w.Uint64(h.Magic); err != nil {
		return err
	}
	if err := w.Uint64(uint64(h.Version.Major)); err != nil {
		return err
	}
	if err := w.Uint64(uint64(h.Version.Minor)); err != nil {
		return err
	}
	return w.Uint64(uint64(h.Features))
}

func readHandshake(r *Reader) (Handshake, error) {
	magic, err := r.Uint64()
	if err != nil {
		return Handshake{}, err
	}
	major, err := r.Uint64()
	if err != nil {
		return Handshake{}, err
	}
	minor, err := r.Uint64()
	if err != nil {
		return Handshake{}, err
	}
	features, err := r.Uint64()
	if err != nil {
		return Handshake{}, err
	}
	return Handshake{
		Magic:    magic,
		Version:  ProtocolVersion{Major: uint16(major), Minor: uint16(minor)},
		Features: Feature(features),
	}, nil
}

// WriteOpcode writes op, the start of every client request.
func (c *Conn) WriteOpcode(op Opcode) error {
	return c.w.Uint64(uint64(op))
}

// ReadOpcode reads the next requested opcode, the first step of a
// server's per-request dispatch loop. It returns io.EOF (unwrapped,
// via errors.Is) when the client has closed the connection cleanly
// between requests.
func (c *Conn) ReadOpcode() (Opcode, error) {
	n, err := c.r.Uint64()
	if err != nil {
		return 0, err
	}
	return Opcode(n), nil
}

// Logf formats and writes one [StderrNext] log line, for a server
// handler to narrate progress while an operation is in flight.
func (c *Conn) Logf(format string, args ...any) error {
	return WriteLog(c.w, LogMessage{Tag: StderrNext, Text: fmt.Sprintf(format, args...)})
}

// LogError writes one [StderrError] log line.
func (c *Conn) LogError(msg string) error {
	return WriteLog(c.w, LogMessage{Tag: StderrError, Text: msg})
}

// EndLog writes the [StderrLast] sentinel that tells the client to
// stop draining log messages and read the operation's typed reply.
func (c *Conn) EndLog() error {
	return WriteLog(c.w, LogMessage{Tag: StderrLast})
}

// DrainLog reads and discards (passing each to handle, if non-nil)
// log messages until [StderrLast], the client-side counterpart to
// [Conn.EndLog].
func (c *Conn) DrainLog(handle func(LogMessage) error) error {
	return DrainLog(c.r, handle)
}

// CheckTrust returns an error if c's trust level does not permit op,
// spec.md §4.10's per-connection trust policy.
func (c *Conn) CheckTrust(op Opcode) error {
	if !c.Trust.Allows(op) {
		return fmt.Errorf("wire: %v: operation requires a trusted connection", op)
	}
	return nil
}
