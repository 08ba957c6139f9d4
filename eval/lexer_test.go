// Copyright 2026 The loom Authors
// SPDX-License-Identifier: MIT

package eval

import "testing"

func scanAll(tb testing.TB, src string) []Token {
	tb.Helper()
	s := NewScanner([]byte(src))
	var toks []Token
	for {
		tok, err := s.Scan()
		if err != nil {
			tb.Fatalf("scan %q: %v", src, err)
		}
		if tok.Kind == EOFToken {
			return toks
		}
		toks = append(toks, tok)
	}
}

func kinds(toks []Token) []TokenKind {
	ks := make([]TokenKind, len(toks))
	for i, t := range toks {
		ks[i] = t.Kind
	}
	return ks
}

func assertKinds(t *testing.T, src string, want ...TokenKind) {
	t.Helper()
	got := kinds(scanAll(t, src))
	if len(got) != len(want) {
		t.Fatalf("scan %q: kinds = %v, want %v", src, got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("scan %q: token %d = %v, want %v", src, i, got[i], want[i])
		}
	}
}

func TestScanIdentHyphen(t *testing.T) {
	// "a-b" without surrounding space is a single identifier (spec.md
	// §4.6's lexer disambiguation note).
	toks := scanAll(t, "a-b")
	if len(toks) != 1 || toks[0].Kind != IdentToken || toks[0].Value != "a-b" {
		t.Fatalf("scan %q = %+v, want single identifier %q", "a-b", toks, "a-b")
	}
}

func TestScanMinusWithSpaces(t *testing.T) {
	assertKinds(t, "a - b", IdentToken, MinusToken, IdentToken)
}

func TestScanUnaryMinus(t *testing.T) {
	assertKinds(t, "-1", MinusToken, IntToken)
}

func TestScanRelativePath(t *testing.T) {
	for _, src := range []string{"./foo/bar", "../foo", "~/foo", "/abs/path", "foo/bar"} {
		toks := scanAll(t, src)
		if len(toks) != 1 || toks[0].Kind != PathToken || toks[0].Value != src {
			t.Errorf("scan %q = %+v, want single path token %q", src, toks, src)
		}
	}
}

func TestScanDivision(t *testing.T) {
	assertKinds(t, "a / b", IdentToken, SlashToken, IdentToken)
}

func TestScanUpdateOperator(t *testing.T) {
	assertKinds(t, "a // b", IdentToken, UpdateToken, IdentToken)
}

func TestScanSearchPath(t *testing.T) {
	toks := scanAll(t, "<nixpkgs>")
	if len(toks) != 1 || toks[0].Kind != SPathToken || toks[0].Value != "nixpkgs" {
		t.Fatalf("scan <nixpkgs> = %+v", toks)
	}
}

func TestScanKeywordsAndIdents(t *testing.T) {
	assertKinds(t, "let x in y", LetToken, IdentToken, InToken, IdentToken)
}

func TestScanSimpleString(t *testing.T) {
	toks := scanAll(t, `"hello\nworld"`)
	if len(toks) != 1 || toks[0].Kind != StringToken || toks[0].Value != "hello\nworld" {
		t.Fatalf("scan = %+v", toks)
	}
}

func TestScanInterpolatedString(t *testing.T) {
	toks := scanAll(t, `"a${b}c"`)
	want := []TokenKind{StringBeginToken, InterpStartToken, IdentToken, InterpEndToken, StringEndToken}
	if len(toks) != len(want) {
		t.Fatalf("scan = %+v, want kinds %v", toks, want)
	}
	for i, k := range want {
		if toks[i].Kind != k {
			t.Errorf("token %d = %v, want %v", i, toks[i].Kind, k)
		}
	}
	if toks[0].Value != "a" || toks[4].Value != "c" {
		t.Errorf("literal chunks = %q, %q, want %q, %q", toks[0].Value, toks[4].Value, "a", "c")
	}
}

func TestScanInterpolationWithNestedBraces(t *testing.T) {
	toks := scanAll(t, `"${ { a = 1; }.a }"`)
	kindsGot := kinds(toks)
	want := []TokenKind{StringBeginToken, InterpStartToken, LBraceToken, IdentToken, EqualsToken, IntToken, SemiToken, RBraceToken, DotToken, IdentToken, InterpEndToken, StringEndToken}
	if len(kindsGot) != len(want) {
		t.Fatalf("scan kinds = %v, want %v", kindsGot, want)
	}
	for i := range want {
		if kindsGot[i] != want[i] {
			t.Errorf("token %d = %v, want %v", i, kindsGot[i], want[i])
		}
	}
}

func TestScanIndentedString(t *testing.T) {
	toks := scanAll(t, "''hi ''${there}''")
	if len(toks) != 1 || toks[0].Kind != StringToken || toks[0].Value != "hi ${there}" {
		t.Fatalf("scan indented string = %+v", toks)
	}
}

func TestScanFloat(t *testing.T) {
	toks := scanAll(t, "1.5e10")
	if len(toks) != 1 || toks[0].Kind != FloatToken || toks[0].Value != "1.5e10" {
		t.Fatalf("scan float = %+v", toks)
	}
}

func TestScanComments(t *testing.T) {
	assertKinds(t, "a # comment\n+ /* block */ b", IdentToken, PlusToken, IdentToken)
}
