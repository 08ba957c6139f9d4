// Copyright 2026 The loom Authors
// SPDX-License-Identifier: MIT

package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Reader reads the primitive forms spec.md §4.10 defines: little-
// endian u64 integers and length-prefixed, 8-byte-padded byte strings,
// plus the recursive list form built out of both.
type Reader struct {
	r   io.Reader
	buf [8]byte
}

// NewReader returns a Reader that decodes from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// Uint64 reads one little-endian u64.
func (r *Reader) Uint64() (uint64, error) {
	if _, err := io.ReadFull(r.r, r.buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(r.buf[:]), nil
}

// Bytes reads one length-prefixed byte string, padded to an 8-byte
// boundary on the wire (spec.md §4.10: "length-prefixed byte strings
// (8-byte length, data, padded to 8-byte boundary)").
func (r *Reader) Bytes() ([]byte, error) {
	n, err := r.Uint64()
	if err != nil {
		return nil, err
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r.r, data); err != nil {
		return nil, err
	}
	if pad := padding(n); pad > 0 {
		padBuf := make([]byte, pad)
		if _, err := io.ReadFull(r.r, padBuf); err != nil {
			return nil, err
		}
	}
	return data, nil
}

// String reads one length-prefixed string.
func (r *Reader) String() (string, error) {
	b, err := r.Bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Bool reads a u64 and interprets zero as false, anything else as
// true.
func (r *Reader) Bool() (bool, error) {
	n, err := r.Uint64()
	if err != nil {
		return false, err
	}
	return n != 0, nil
}

// StringList reads a u64 count followed by that many strings, the
// wire grammar's "recursive forms for sets/lists".
func (r *Reader) StringList() ([]string, error) {
	n, err := r.Uint64()
	if err != nil {
		return nil, err
	}
	out := make([]string, n)
	for i := range out {
		out[i], err = r.String()
		if err != nil {
			return nil, fmt.Errorf("read string list element %d: %w", i, err)
		}
	}
	return out, nil
}

// Writer writes the primitive forms [Reader] decodes.
type Writer struct {
	w   io.Writer
	buf [8]byte
}

// NewWriter returns a Writer that encodes to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Uint64 writes one little-endian u64.
func (w *Writer) Uint64(v uint64) error {
	binary.LittleEndian.PutUint64(w.buf[:], v)
	_, err := w.w.Write(w.buf[:])
	return err
}

// Bool writes v as a u64, 0 or 1.
func (w *Writer) Bool(v bool) error {
	if v {
		return w.Uint64(1)
	}
	return w.Uint64(0)
}

// Bytes writes one length-prefixed, zero-padded-to-8-bytes byte
// string.
func (w *Writer) Bytes(b []byte) error {
	if err := w.Uint64(uint64(len(b))); err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if pad := padding(uint64(len(b))); pad > 0 {
		var zero [8]byte
		if _, err := w.w.Write(zero[:pad]); err != nil {
			return err
		}
	}
	return nil
}

// String writes one length-prefixed string.
func (w *Writer) String(s string) error {
	return w.Bytes([]byte(s))
}

// StringList writes a u64 count followed by each string.
func (w *Writer) StringList(list []string) error {
	if err := w.Uint64(uint64(len(list))); err != nil {
		return err
	}
	for _, s := range list {
		if err := w.String(s); err != nil {
			return err
		}
	}
	return nil
}

// padding returns the number of zero bytes needed to round n up to
// the next 8-byte boundary, 0 if n is already aligned.
func padding(n uint64) uint64 {
	if rem := n % 8; rem != 0 {
		return 8 - rem
	}
	return 0
}

// WriteFrames copies all of src into w as a sequence of framed
// chunks — u64 frame length, frame bytes, repeated, terminated by a
// zero-length frame — spec.md §4.10's representation for a NAR or any
// other large blob transfer that a single length-prefixed Bytes call
// would force to be buffered in full up front. Unlike [Writer.Bytes],
// frames are not padded to an 8-byte boundary: spec.md calls out
// framing as its own representation, distinct from the ordinary
// length-prefixed string form.
func WriteFrames(w *Writer, src io.Reader) error {
	const chunkSize = 64 << 10
	buf := make([]byte, chunkSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if err := w.Uint64(uint64(n)); err != nil {
				return err
			}
			if _, err := w.w.Write(buf[:n]); err != nil {
				return err
			}
		}
		if err == io.EOF {
			return w.Uint64(0)
		}
		if err != nil {
			return err
		}
	}
}

// ReadFrames returns a reader that decodes a framed blob from r,
// reading frames on demand and stopping at the terminating
// zero-length frame.
func ReadFrames(r *Reader) io.Reader {
	return &frameReader{r: r}
}

type frameReader struct {
	r    *Reader
	cur  []byte
	done bool
}

func (fr *frameReader) Read(p []byte) (int, error) {
	for len(fr.cur) == 0 {
		if fr.done {
			return 0, io.EOF
		}
		n, err := fr.r.Uint64()
		if err != nil {
			return 0, err
		}
		if n == 0 {
			fr.done = true
			return 0, io.EOF
		}
		frame := make([]byte, n)
		if _, err := io.ReadFull(fr.r.r, frame); err != nil {
			return 0, err
		}
		fr.cur = frame
	}
	n := copy(p, fr.cur)
	fr.cur = fr.cur[n:]
	return n, nil
}
