// Copyright 2026 The loom Authors
// SPDX-License-Identifier: MIT

package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"syscall"
	"time"
)

// ErrSpecialFile is returned by [canonicalize] when an output tree
// contains a device, socket, or named pipe: spec.md §4.9 step 8 rejects
// these outright.
var ErrSpecialFile = errors.New("sandbox: output contains a special file")

// ErrHardLink is returned by [canonicalize] when a regular file has
// more than one link, which this implementation treats as "linked
// outside the declared output tree" per spec.md §4.9 step 8: every
// file a canonicalised output owns should have exactly one name.
var ErrHardLink = errors.New("sandbox: output contains a hard link outside the tree")

// epoch is the timestamp every canonicalised file is stamped with,
// matching spec.md §4.9 step 8's "zero timestamps".
var epoch = time.Unix(0, 0).UTC()

// canonicalize walks root and normalises every entry to the shape
// spec.md §4.9 step 8 requires: no setuid/setgid, permissions reduced
// to exactly 0444 (0555 if any execute bit was set), and a zeroed
// modification time. It rejects special files and multiply-linked
// regular files.
//
// Grounded on internal/osutil.Freeze's walk-and-chmod shape, tightened
// from Freeze's "preserve whatever permission bits existed, just strip
// write" policy to the exact 0444/0555 spec.md calls for, and extended
// with the special-file/hard-link checks spec.md requires that Freeze
// (used by the teacher only to lock down its own already-trusted build
// directories) does not need to perform.
func canonicalize(root string) error {
	return filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		mode := info.Mode()
		switch {
		case mode.IsDir():
			return canonicalizeOne(path, 0o555, info)
		case mode&fs.ModeSymlink != 0:
			// Symlinks carry no meaningful permission bits on most
			// platforms; nothing to canonicalise.
			return nil
		case mode.IsRegular():
			if err := checkNotHardLinked(path, info); err != nil {
				return err
			}
			perm := os.FileMode(0o444)
			if mode&0o111 != 0 {
				perm = 0o555
			}
			return canonicalizeOne(path, perm, info)
		default:
			return fmt.Errorf("%s: %w", path, ErrSpecialFile)
		}
	})
}

func canonicalizeOne(path string, perm os.FileMode, info fs.FileInfo) error {
	if info.Mode().Perm() != perm || info.Mode()&(os.ModeSetuid|os.ModeSetgid) != 0 {
		if err := os.Chmod(path, perm); err != nil {
			return err
		}
	}
	if !info.ModTime().Equal(epoch) {
		if err := os.Chtimes(path, epoch, epoch); err != nil {
			return err
		}
	}
	return nil
}

// checkNotHardLinked rejects any regular file with more than one link,
// the portable proxy this package uses for "hard link outside the
// tree": a file canonicalize is allowed to touch should own its single
// name outright.
func checkNotHardLinked(path string, info fs.FileInfo) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return nil
	}
	if stat.Nlink > 1 {
		return fmt.Errorf("%s: %w", path, ErrHardLink)
	}
	return nil
}
