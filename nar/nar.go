// Copyright 2026 The loom Authors
// SPDX-License-Identifier: MIT

// Package nar implements the archive codec (C2 in the design): a
// deterministic serialisation of a filesystem subtree used both as the
// transport format for store objects and as the input to the content
// hasher for NixArchive-addressed content.
//
// The codec is a stream: [Dump] walks a real filesystem subtree and
// writes canonical tokens to a sink (any [io.Writer], including a
// [hash.Hash] for the "hash-only" consumer variant spec.md §4.2 calls
// for); [Parse] reads that stream and drives a [Receiver], which is
// itself polymorphic over the "materialise-on-disk", "hash-only", and
// "parse-only-reject-contents" variants via the three Receiver
// implementations in this package.
//
// Grounded on the shape of the teacher's own use of zombiezen.com/go/nix/nar
// (an external NAR codec the teacher imports rather than writes, since zb
// treats NAR encoding as a solved problem); spec.md requires the codec
// itself be part of the core, so it is implemented natively here.
package nar

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"slices"
	"sort"
)

// tag identifies the kind of node encoded next in the stream.
type tag byte

const (
	tagRegular    tag = 'R'
	tagExecutable tag = 'X'
	tagSymlink    tag = 'L'
	tagDirStart   tag = 'D'
	tagDirEnd     tag = 'E'
)

// FileHeader describes one regular or executable file entry as it is
// encountered during parsing.
type FileHeader struct {
	Executable bool
	Size       int64
}

// Errors returned by [Parse] and [Dump] (ErrSpecialFile comes from Dump;
// ErrHardLinkOutside is not returned by either).
var (
	ErrUnknownTag      = errors.New("nar: unknown tag")
	ErrOutOfOrder      = errors.New("nar: directory entries out of order")
	ErrTruncated       = errors.New("nar: truncated stream")
	ErrTrailingBytes   = errors.New("nar: trailing bytes after archive")
	ErrSpecialFile     = errors.New("nar: special file not representable")
	ErrHardLinkOutside = errors.New("nar: hard link outside of tree")
)

// Dump walks the filesystem subtree rooted at root within fsys and
// writes its canonical archive serialisation to w.
//
// Timestamps, uids/gids, and non-executable mode bits are discarded, as
// required by spec.md §4.2; directory entries are emitted in strict
// lexical order of their names.
func Dump(w io.Writer, fsys fs.FS, root string) error {
	info, err := fs.Stat(fsys, root)
	if err != nil {
		return fmt.Errorf("nar: dump: %w", err)
	}
	bw := bufio.NewWriter(w)
	if err := dumpNode(bw, fsys, root, info); err != nil {
		return fmt.Errorf("nar: dump: %w", err)
	}
	return bw.Flush()
}

func dumpNode(w *bufio.Writer, fsys fs.FS, name string, info fs.FileInfo) error {
	switch {
	case info.Mode()&fs.ModeSymlink != 0:
		target, err := readLink(fsys, name)
		if err != nil {
			return err
		}
		return writeSymlink(w, target)
	case info.IsDir():
		return dumpDirectory(w, fsys, name)
	case info.Mode().IsRegular():
		f, err := fsys.Open(name)
		if err != nil {
			return err
		}
		defer f.Close()
		return writeFile(w, info.Mode()&0o111 != 0, info.Size(), f)
	default:
		return fmt.Errorf("%s: %w", name, ErrSpecialFile)
	}
}

func dumpDirectory(w *bufio.Writer, fsys fs.FS, name string) error {
	entries, err := fs.ReadDir(fsys, name)
	if err != nil {
		return err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	sort.Strings(names)

	if err := w.WriteByte(byte(tagDirStart)); err != nil {
		return err
	}
	for _, child := range names {
		info, err := fs.Stat(fsys, path.Join(name, child))
		if err != nil {
			return err
		}
		if err := writeString(w, child); err != nil {
			return err
		}
		if err := dumpNode(w, fsys, path.Join(name, child), info); err != nil {
			return err
		}
	}
	return w.WriteByte(byte(tagDirEnd))
}

func writeFile(w *bufio.Writer, executable bool, size int64, r io.Reader) error {
	t := tagRegular
	if executable {
		t = tagExecutable
	}
	if err := w.WriteByte(byte(t)); err != nil {
		return err
	}
	if err := writeUvarint(w, uint64(size)); err != nil {
		return err
	}
	n, err := io.Copy(w, io.LimitReader(r, size))
	if err != nil {
		return err
	}
	if n != size {
		return fmt.Errorf("nar: file shrank while dumping (wrote %d of %d bytes)", n, size)
	}
	return nil
}

func writeSymlink(w *bufio.Writer, target string) error {
	if err := w.WriteByte(byte(tagSymlink)); err != nil {
		return err
	}
	return writeString(w, target)
}

func writeString(w *bufio.Writer, s string) error {
	if err := writeUvarint(w, uint64(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func writeUvarint(w *bufio.Writer, v uint64) error {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	_, err := w.Write(buf[:n])
	return err
}

func readLink(fsys fs.FS, name string) (string, error) {
	type readLinkFS interface {
		ReadLink(name string) (string, error)
	}
	if rl, ok := fsys.(readLinkFS); ok {
		return rl.ReadLink(name)
	}
	return "", fmt.Errorf("%s: %w", name, errors.New("filesystem does not support symlinks"))
}

// DumpPath is a convenience wrapper around [Dump] for a real OS
// directory, using [os.DirFS] rooted at the parent of path so symlinks
// can be read.
func DumpPath(w io.Writer, root string) error {
	dir, base := path.Split(path.Clean(root))
	if dir == "" {
		dir = "."
	}
	return Dump(w, osReadLinkFS{os.DirFS(dir), dir}, base)
}

// osReadLinkFS adapts [os.DirFS] to support reading symlink targets,
// which fs.FS does not expose.
type osReadLinkFS struct {
	fs.FS
	dir string
}

func (o osReadLinkFS) ReadLink(name string) (string, error) {
	// os.DirFS does not expose its root, so dir carries it and name
	// (relative to that root) is resolved against it here.
	return os.Readlink(path.Join(o.dir, name))
}

// Receiver drives the consumer side of the archive codec: [Parse] calls
// its methods in the exact order tokens appear in the stream.
type Receiver interface {
	StartDirectory(name string) error
	EndDirectory() error
	Symlink(name, target string) error
	// Regular is called with a reader that yields exactly header.Size
	// bytes; implementations must read it to completion (or return an
	// error) before Parse will proceed to the next token.
	Regular(name string, header FileHeader, r io.Reader) error
}

// Parse reads a canonical archive stream from r and drives recv.
// It returns [ErrTrailingBytes] if bytes remain after the root node ends.
func Parse(r io.Reader, recv Receiver) error {
	br := bufio.NewReader(r)
	if err := parseNode(br, "", recv); err != nil {
		return fmt.Errorf("nar: parse: %w", err)
	}
	var probe [1]byte
	if n, _ := br.Read(probe[:]); n > 0 {
		return ErrTrailingBytes
	}
	return nil
}

func parseNode(r *bufio.Reader, name string, recv Receiver) error {
	t, err := r.ReadByte()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return ErrTruncated
		}
		return err
	}
	switch tag(t) {
	case tagRegular, tagExecutable:
		size, err := binary.ReadUvarint(r)
		if err != nil {
			return ErrTruncated
		}
		lr := io.LimitReader(r, int64(size))
		if err := recv.Regular(name, FileHeader{Executable: tag(t) == tagExecutable, Size: int64(size)}, lr); err != nil {
			return err
		}
		// Drain anything the receiver chose not to read so the stream
		// stays in sync.
		if _, err := io.Copy(io.Discard, lr); err != nil {
			return err
		}
		return nil
	case tagSymlink:
		target, err := readString(r)
		if err != nil {
			return err
		}
		return recv.Symlink(name, target)
	case tagDirStart:
		if err := recv.StartDirectory(name); err != nil {
			return err
		}
		var prev string
		first := true
		for {
			peek, err := r.Peek(1)
			if err != nil {
				return ErrTruncated
			}
			if tag(peek[0]) == tagDirEnd {
				r.ReadByte()
				return recv.EndDirectory()
			}
			childName, err := readString(r)
			if err != nil {
				return err
			}
			if !first && childName <= prev {
				return ErrOutOfOrder
			}
			prev, first = childName, false
			if err := parseNode(r, childName, recv); err != nil {
				return err
			}
		}
	default:
		return ErrUnknownTag
	}
}

func readString(r *bufio.Reader) (string, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return "", ErrTruncated
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", ErrTruncated
	}
	return string(buf), nil
}

// HashReceiver is the "hash-only" consumer variant: it discards file
// contents but still validates stream structure. Combine with [Parse]
// reading from a [io.TeeReader] over a [hash.Hash] to hash while
// validating, or simply call [Dump] directly into a hasher for the
// common case of hashing a real filesystem tree.
type HashReceiver struct{}

func (HashReceiver) StartDirectory(name string) error             { return nil }
func (HashReceiver) EndDirectory() error                          { return nil }
func (HashReceiver) Symlink(name, target string) error            { return nil }
func (HashReceiver) Regular(name string, h FileHeader, r io.Reader) error {
	_, err := io.Copy(io.Discard, r)
	return err
}

// RejectReceiver is the "parse-only-reject-contents" consumer variant
// used to validate the shape of an untrusted archive (e.g. checking a
// NAR's directory structure before deciding whether to materialise it)
// without reading any file bytes into memory. Names lists each entry's
// path relative to the archive root, directories with a trailing slash
// (the root directory itself is "/").
type RejectReceiver struct {
	Names []string

	stack []string
}

func (r *RejectReceiver) path(name string) string {
	return path.Join(append(slices.Clone(r.stack), name)...)
}

func (r *RejectReceiver) StartDirectory(name string) error {
	r.Names = append(r.Names, r.path(name)+"/")
	if name != "" {
		r.stack = append(r.stack, name)
	}
	return nil
}
func (r *RejectReceiver) EndDirectory() error {
	if len(r.stack) > 0 {
		r.stack = r.stack[:len(r.stack)-1]
	}
	return nil
}
func (r *RejectReceiver) Symlink(name, target string) error {
	r.Names = append(r.Names, r.path(name))
	return nil
}
func (r *RejectReceiver) Regular(name string, h FileHeader, body io.Reader) error {
	r.Names = append(r.Names, r.path(name))
	// Deliberately never read body: this variant rejects contents.
	return nil
}

// DiskReceiver is the "materialise-on-disk" consumer variant: it
// recreates the archive's nodes as real files under Root.
type DiskReceiver struct {
	Root string

	stack []string
}

func (d *DiskReceiver) path(name string) string {
	elems := append(slices.Clone(d.stack), name)
	return path.Join(append([]string{d.Root}, elems...)...)
}

func (d *DiskReceiver) StartDirectory(name string) error {
	if name != "" {
		d.stack = append(d.stack, name)
	}
	return os.MkdirAll(path.Join(append([]string{d.Root}, d.stack...)...), 0o755)
}

func (d *DiskReceiver) EndDirectory() error {
	if len(d.stack) > 0 {
		d.stack = d.stack[:len(d.stack)-1]
	}
	return nil
}

func (d *DiskReceiver) Symlink(name, target string) error {
	return os.Symlink(target, d.path(name))
}

func (d *DiskReceiver) Regular(name string, h FileHeader, r io.Reader) error {
	mode := os.FileMode(0o444)
	if h.Executable {
		mode = 0o555
	}
	f, err := os.OpenFile(d.path(name), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, r)
	return err
}
