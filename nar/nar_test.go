// Copyright 2026 The loom Authors
// SPDX-License-Identifier: MIT

package nar

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestDumpParseRoundTrip(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "bin"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "bin", "hello"), []byte("#!/bin/sh\necho hi\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README"), []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := DumpPath(&buf, dir); err != nil {
		t.Fatal(err)
	}

	var rr RejectReceiver
	if err := Parse(bytes.NewReader(buf.Bytes()), &rr); err != nil {
		t.Fatal(err)
	}
	wantNames := map[string]bool{"bin/": true, "bin/hello": true, "README": true}
	got := map[string]bool{}
	for _, n := range rr.Names {
		got[n] = true
	}
	for want := range wantNames {
		if !got[want] {
			t.Errorf("missing entry %q in parsed names %v", want, rr.Names)
		}
	}
}

func TestCanonicalisationIdempotence(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	var buf1 bytes.Buffer
	if err := DumpPath(&buf1, dir); err != nil {
		t.Fatal(err)
	}

	out := t.TempDir()
	disk := &DiskReceiver{Root: out}
	if err := Parse(bytes.NewReader(buf1.Bytes()), disk); err != nil {
		t.Fatal(err)
	}

	var buf2 bytes.Buffer
	if err := DumpPath(&buf2, out); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf1.Bytes(), buf2.Bytes()) {
		t.Error("re-serialised archive does not match original byte-for-byte")
	}
}

func TestOutOfOrderDirectoryRejected(t *testing.T) {
	// Hand-construct a directory stream with entries "b" then "a",
	// an empty regular file for each.
	entry := func(name string) []byte {
		var b []byte
		b = append(b, byte(len(name)))
		b = append(b, name...)
		b = append(b, byte(tagRegular), 0)
		return b
	}
	var buf bytes.Buffer
	buf.WriteByte(byte(tagDirStart))
	buf.Write(entry("b"))
	buf.Write(entry("a"))
	buf.WriteByte(byte(tagDirEnd))

	var rr RejectReceiver
	err := Parse(&buf, &rr)
	if err == nil {
		t.Error("Parse succeeded on out-of-order directory; want error")
	}
}
