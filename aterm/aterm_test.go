// Copyright 2026 The loom Authors
// SPDX-License-Identifier: MIT

package aterm

import (
	"bytes"
	"testing"
)

func TestAppendStringEscaping(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", `""`},
		{"hello", `"hello"`},
		{"a\"b", `"a\"b"`},
		{"a\\b", `"a\\b"`},
		{"a\nb", `"a\nb"`},
		{"a\rb", `"a\rb"`},
		{"a\tb", `"a\tb"`},
	}
	for _, test := range tests {
		got := string(AppendString(nil, test.in))
		if got != test.want {
			t.Errorf("AppendString(nil, %q) = %s, want %s", test.in, got, test.want)
		}
	}
}

func TestScannerReadsTuple(t *testing.T) {
	data := []byte(`("out","/nix/store/abc-hello","","")`)
	s := NewScanner(bytes.NewReader(data))

	tok, err := s.ReadToken()
	if err != nil || tok.Kind != LParen {
		t.Fatalf("first token = %v, %v, want LParen", tok, err)
	}
	wantStrings := []string{"out", "/nix/store/abc-hello", "", ""}
	for i, want := range wantStrings {
		tok, err := s.ReadToken()
		if err != nil {
			t.Fatalf("token %d: %v", i, err)
		}
		if tok.Kind != String || tok.Value != want {
			t.Fatalf("token %d = %v, want string %q", i, tok, want)
		}
	}
	tok, err = s.ReadToken()
	if err != nil || tok.Kind != RParen {
		t.Fatalf("last token = %v, %v, want RParen", tok, err)
	}
}

func TestScannerRejectsUnknownEscape(t *testing.T) {
	s := NewScanner(bytes.NewReader([]byte(`("bad\xvalue")`)))
	if _, err := s.ReadToken(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ReadToken(); err == nil {
		t.Fatal("ReadToken: want error for unknown escape sequence, got nil")
	}
}

func TestReadListAndExpect(t *testing.T) {
	data := []byte(`["a","b","c"]`)
	s := NewScanner(bytes.NewReader(data))
	if err := ExpectKind(s, LBracket); err != nil {
		t.Fatal(err)
	}
	var got []string
	if err := ReadList(s, func(v string) error {
		got = append(got, v)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("ReadList: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ReadList[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
