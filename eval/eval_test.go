// Copyright 2026 The loom Authors
// SPDX-License-Identifier: MIT

package eval

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"zombiezen.com/go/nix"

	"loom.build/pkg/drv"
	"loom.build/pkg/storepath"
)

// toGo converts a forced Value into a plain Go value for comparison,
// grounded on the teacher's TestLuaToGo in internal/frontend/eval_test.go.
func toGo(tb testing.TB, ev *Evaluator, v Value) any {
	tb.Helper()
	switch x := v.(type) {
	case Null:
		return nil
	case Bool:
		return bool(x)
	case Int:
		return int64(x)
	case Float:
		return float64(x)
	case String:
		return x.Text
	case Path:
		return string(x)
	case *List:
		out := make([]any, len(x.Elems))
		for i, elem := range x.Elems {
			fv, err := ev.Force(elem)
			if err != nil {
				tb.Fatalf("forcing list element %d: %v", i, err)
			}
			out[i] = toGo(tb, ev, fv)
		}
		return out
	case *AttrSet:
		out := map[string]any{}
		for _, name := range x.SortedNames() {
			fieldVal, _ := x.Get(name)
			fv, err := ev.Force(fieldVal)
			if err != nil {
				tb.Fatalf("forcing attribute %q: %v", name, err)
			}
			out[name] = toGo(tb, ev, fv)
		}
		return out
	case *Function:
		tb.Fatalf("cannot convert a function to a Go value")
		return nil
	default:
		tb.Fatalf("toGo: unhandled value type %T", v)
		return nil
	}
}

func evalToGo(tb testing.TB, src string) any {
	tb.Helper()
	ev := NewEvaluator()
	v, err := ev.Eval([]byte(src), "/virtual")
	if err != nil {
		tb.Fatalf("Eval(%q): %v", src, err)
	}
	return toGo(tb, ev, v)
}

func TestEvalToGo(t *testing.T) {
	tests := []struct {
		expr string
		want any
	}{
		{"null", nil},
		{"true", true},
		{"false", false},
		{`"foo"`, "foo"},
		{"42", int64(42)},
		{"-7", int64(-7)},
		{"3.5", 3.5},
		{"1 + 2 * 3", int64(7)},
		{"(1 + 2) * 3", int64(9)},
		{"10 / 3", int64(3)},
		{`"foo" + "bar"`, "foobar"},
		{`"a${if true then "b" else "c"}d"`, "abd"},
		{"[1 2 3]", []any{int64(1), int64(2), int64(3)}},
		{"[1 2] ++ [3 4]", []any{int64(1), int64(2), int64(3), int64(4)}},
		{"{a = 1; b = 2;}", map[string]any{"a": int64(1), "b": int64(2)}},
		{"{a.b = 1; a.c = 2;}", map[string]any{"a": map[string]any{"b": int64(1), "c": int64(2)}}},
		{"{a = 1;} // {a = 2; b = 3;}", map[string]any{"a": int64(2), "b": int64(3)}},
		{"let x = 1; y = x + 1; in x + y", int64(3)},
		{"let a = {x = 1; y = a.x + 1;}; in a.y", int64(2)},
		{"with {a = 1;}; a + 1", int64(2)},
		{"with {a = 1;}; let a = 2; in a", int64(2)},
		{"if 1 < 2 then \"y\" else \"n\"", "y"},
		{"(x: x + 1) 41", int64(42)},
		{"({a, b ? 10}: a + b) {a = 5;}", int64(15)},
		{"({a, b ? 10}: a + b) {a = 5; b = 1;}", int64(6)},
		{"1 == 1", true},
		{"1 == 1.0", true},
		{`"a" == "a"`, true},
		{"[1 2] == [1 2]", true},
		{"[1 2] == [1 3]", false},
		{"{a=1;} == {a=1;}", true},
		{"1 < 2 && 2 < 3", true},
		{"1 < 2 -> false", false},
		{"builtins.length [1 2 3]", int64(3)},
		{"builtins.head [1 2 3]", int64(1)},
		{"builtins.elemAt [1 2 3] 2", int64(3)},
		{`builtins.attrNames {b = 1; a = 2;}`, []any{"a", "b"}},
		{"builtins.map (x: x + 1) [1 2 3]", []any{int64(2), int64(3), int64(4)}},
		{"builtins.filter (x: x > 1) [1 2 3]", []any{int64(2), int64(3)}},
		{"builtins.foldl' (acc: x: acc + x) 0 [1 2 3]", int64(6)},
		{`builtins.concatStringsSep ", " ["a" "b" "c"]`, "a, b, c"},
		{"builtins.compareVersions \"1.2\" \"1.10\"", int64(-1)},
	}
	for _, test := range tests {
		t.Run(test.expr, func(t *testing.T) {
			got := evalToGo(t, test.expr)
			if diff := cmp.Diff(test.want, got); diff != "" {
				t.Errorf("eval(%q) mismatch (-want +got):\n%s", test.expr, diff)
			}
		})
	}
}

func TestInheritFromEnclosingScope(t *testing.T) {
	got := evalToGo(t, `
		let
			a = { x = 1; y = 2; };
		in
		rec {
			inherit (a) x y;
			z = x + y;
		}.z
	`)
	if got != int64(3) {
		t.Errorf("got %v, want 3", got)
	}
}

func TestWithInnermostWins(t *testing.T) {
	got := evalToGo(t, `with {a = 1;}; with {a = 2;}; a`)
	if got != int64(2) {
		t.Errorf("got %v, want 2", got)
	}
}

func TestSelectOrDefault(t *testing.T) {
	got := evalToGo(t, `{a = 1;}.b or 99`)
	if got != int64(99) {
		t.Errorf("got %v, want 99", got)
	}
}

func TestHasAttr(t *testing.T) {
	got := evalToGo(t, `{a = 1;} ? a`)
	if got != true {
		t.Errorf("got %v, want true", got)
	}
	got = evalToGo(t, `{a = 1;} ? b`)
	if got != false {
		t.Errorf("got %v, want false", got)
	}
}

func TestAssertFailure(t *testing.T) {
	ev := NewEvaluator()
	_, err := ev.Eval([]byte(`assert 1 > 2; "unreachable"`), "/virtual")
	if err == nil {
		t.Fatal("expected an error from a failing assert")
	}
}

func TestInfiniteRecursionDetected(t *testing.T) {
	ev := NewEvaluator()
	_, err := ev.Eval([]byte(`let a = a + 1; in a`), "/virtual")
	if err == nil {
		t.Fatal("expected an infinite recursion error")
	}
}

func TestFunctionsNeverEqual(t *testing.T) {
	got := evalToGo(t, `(let f = x: x; in f == f)`)
	if got != false {
		t.Errorf("got %v, want false (functions are never equal, even to themselves)", got)
	}
}

func TestThrowAndTryEval(t *testing.T) {
	got := evalToGo(t, `(builtins.tryEval (throw "boom")).success`)
	if got != false {
		t.Errorf("tryEval of a throw: got success=%v, want false", got)
	}
	got = evalToGo(t, `(builtins.tryEval 1).value`)
	if got != int64(1) {
		t.Errorf("tryEval of a plain value: got %v, want 1", got)
	}
}

func TestTryEvalDoesNotCatchAbort(t *testing.T) {
	ev := NewEvaluator()
	_, err := ev.Eval([]byte(`builtins.tryEval (builtins.abort "fatal")`), "/virtual")
	if err == nil {
		t.Fatal("expected tryEval to let an abort propagate")
	}
	var abortErr *AbortError
	if !asAbortError(err, &abortErr) {
		t.Fatalf("expected an *AbortError, got %T: %v", err, err)
	}
}

func asAbortError(err error, target **AbortError) bool {
	for err != nil {
		if ae, ok := err.(*AbortError); ok {
			*target = ae
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func TestGenericClosure(t *testing.T) {
	got := evalToGo(t, `
		builtins.map (e: e.key) (builtins.genericClosure {
			startSet = [ { key = 1; } ];
			operator = item: if item.key < 3 then [ { key = item.key + 1; } ] else [];
		})
	`)
	want := []any{int64(1), int64(2), int64(3)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("genericClosure mismatch (-want +got):\n%s", diff)
	}
}

// fakeWriter implements DerivationWriter by deriving each .drv path from
// the derivation's name,
// enough to exercise derivationStrict's bridging logic without a real
// store/storedb backend. Output paths are computed the same way a real
// writer would for the synchronously-resolvable modes ([drv.CAFixed],
// [drv.InputAddressed]), standing in for storedb's own closure-hash
// bookkeeping with a per-call hash of the derivation's name.
type fakeWriter struct {
	n int
}

func (w *fakeWriter) WriteDerivation(ctx context.Context, d *drv.Derivation) (storepath.Path, map[string]storepath.Path, error) {
	w.n++
	p, err := storepath.DefaultDirectory.Object(d.Name + ".drv")
	if err != nil {
		return "", nil, err
	}
	h := nix.NewHasher(nix.SHA256)
	h.WriteString(d.Name)
	outPaths, err := d.OutputPaths(h.SumHash(), nil)
	if err != nil {
		return "", nil, err
	}
	return p, outPaths, nil
}

func TestDerivationStrict(t *testing.T) {
	ev := NewEvaluator()
	ev.Writer = &fakeWriter{}
	v, err := ev.Eval([]byte(`
		derivation {
			name = "hello";
			system = "x86_64-linux";
			builder = "/bin/sh";
			args = [ "-c" "echo hi > $out" ];
		}
	`), "/virtual")
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	as, ok := v.(*AttrSet)
	if !ok {
		t.Fatalf("derivation result is a %T, want *AttrSet", v)
	}
	if _, ok := as.Get("drvPath"); !ok {
		t.Error("derivation result is missing drvPath")
	}
	outV, ok := as.Get("out")
	if !ok {
		t.Fatal("derivation result is missing its \"out\" output")
	}
	out, err := ev.Force(outV)
	if err != nil {
		t.Fatalf("forcing out: %v", err)
	}
	outStr, ok := out.(String)
	if !ok {
		t.Fatalf("out is a %T, want String", out)
	}
	if len(outStr.Context) == 0 {
		t.Error("out's string context should record the derivation dependency")
	}
}

func TestDerivationStrictRequiresWriter(t *testing.T) {
	ev := NewEvaluator()
	_, err := ev.Eval([]byte(`derivation { name = "x"; system = "y"; builder = "/bin/sh"; }`), "/virtual")
	if err == nil {
		t.Fatal("expected an error when no DerivationWriter is configured")
	}
}

// forceOutput looks up and forces a named output attribute of a
// derivation result, failing the test if it's missing or not a String.
func forceOutput(t *testing.T, ev *Evaluator, as *AttrSet, name string) String {
	t.Helper()
	v, ok := as.Get(name)
	if !ok {
		t.Fatalf("derivation result is missing its %q output", name)
	}
	fv, err := ev.Force(v)
	if err != nil {
		t.Fatalf("forcing %s: %v", name, err)
	}
	s, ok := fv.(String)
	if !ok {
		t.Fatalf("%s is a %T, want String", name, fv)
	}
	return s
}

func TestDerivationStrictMultipleOutputs(t *testing.T) {
	ev := NewEvaluator()
	ev.Writer = &fakeWriter{}
	v, err := ev.Eval([]byte(`
		derivation {
			name = "multi";
			system = "x86_64-linux";
			builder = "/bin/sh";
			outputs = [ "out" "bin" ];
		}
	`), "/virtual")
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	as, ok := v.(*AttrSet)
	if !ok {
		t.Fatalf("derivation result is a %T, want *AttrSet", v)
	}
	out := forceOutput(t, ev, as, "out")
	bin := forceOutput(t, ev, as, "bin")
	if out.Text == bin.Text {
		t.Errorf("\"out\" and \"bin\" resolved to the same path %q", out.Text)
	}
	if len(out.Context) == 0 || len(bin.Context) == 0 {
		t.Error("each output's string context should record the derivation dependency")
	}
}

func TestDerivationStrictRejectsDuplicateOutputNames(t *testing.T) {
	ev := NewEvaluator()
	ev.Writer = &fakeWriter{}
	_, err := ev.Eval([]byte(`
		derivation {
			name = "dup";
			system = "x86_64-linux";
			builder = "/bin/sh";
			outputs = [ "out" "out" ];
		}
	`), "/virtual")
	if err == nil {
		t.Fatal("expected an error for a duplicate output name")
	}
}

func TestDerivationStrictRejectsEmptyOutputs(t *testing.T) {
	ev := NewEvaluator()
	ev.Writer = &fakeWriter{}
	_, err := ev.Eval([]byte(`
		derivation {
			name = "empty";
			system = "x86_64-linux";
			builder = "/bin/sh";
			outputs = [ ];
		}
	`), "/virtual")
	if err == nil {
		t.Fatal("expected an error for an empty outputs list")
	}
}

func TestDerivationStrictRejectsDrvPathOutputName(t *testing.T) {
	ev := NewEvaluator()
	ev.Writer = &fakeWriter{}
	_, err := ev.Eval([]byte(`
		derivation {
			name = "bad";
			system = "x86_64-linux";
			builder = "/bin/sh";
			outputs = [ "drvPath" ];
		}
	`), "/virtual")
	if err == nil {
		t.Fatal("expected an error for an output named \"drvPath\"")
	}
}

func TestDerivationStrictOutputHashModeGit(t *testing.T) {
	ev := NewEvaluator()
	ev.Writer = &fakeWriter{}
	v, err := ev.Eval([]byte(`
		derivation {
			name = "git-fetched";
			system = "x86_64-linux";
			builder = "/bin/sh";
			outputHash = "sha1-AAAAAAAAAAAAAAAAAAAAAAAAAAA=";
			outputHashMode = "git";
		}
	`), "/virtual")
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	as := v.(*AttrSet)
	out := forceOutput(t, ev, as, "out")
	if out.Text == "" {
		t.Error("git-mode fixed output has an empty path")
	}
}

func TestDerivationStrictContentAddressedIsFloating(t *testing.T) {
	ev := NewEvaluator()
	ev.Writer = &fakeWriter{}
	v, err := ev.Eval([]byte(`
		derivation {
			name = "ca";
			system = "x86_64-linux";
			builder = "/bin/sh";
			__contentAddressed = true;
		}
	`), "/virtual")
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	as := v.(*AttrSet)
	out := forceOutput(t, ev, as, "out")
	// A CA-floating output's path isn't known until after a build, so
	// derivationStrict must fall back to the unknown-output placeholder
	// instead of a path computed from fakeWriter's closure hash.
	if out.Text == "" {
		t.Error("__contentAddressed output has an empty path")
	}
	if _, set := as.Get("__contentAddressed"); !set {
		t.Error("derivation result should still carry the __contentAddressed attribute through")
	}
}

func TestDerivationStrictImpure(t *testing.T) {
	ev := NewEvaluator()
	ev.Writer = &fakeWriter{}
	v, err := ev.Eval([]byte(`
		derivation {
			name = "impure";
			system = "x86_64-linux";
			builder = "/bin/sh";
			__impure = true;
		}
	`), "/virtual")
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	as := v.(*AttrSet)
	out := forceOutput(t, ev, as, "out")
	if out.Text == "" {
		t.Error("__impure output has an empty path")
	}
}

func TestDerivationStrictIgnoreNulls(t *testing.T) {
	ev := NewEvaluator()
	ev.Writer = &fakeWriter{}
	v, err := ev.Eval([]byte(`
		derivation {
			name = "ignore-nulls";
			system = "x86_64-linux";
			builder = "/bin/sh";
			__ignoreNulls = true;
			unset = null;
		}
	`), "/virtual")
	if err != nil {
		t.Fatalf("Eval with __ignoreNulls: %v", err)
	}
	_ = v.(*AttrSet)

	ev2 := NewEvaluator()
	ev2.Writer = &fakeWriter{}
	_, err = ev2.Eval([]byte(`
		derivation {
			name = "no-ignore-nulls";
			system = "x86_64-linux";
			builder = "/bin/sh";
			unset = null;
		}
	`), "/virtual")
	if err == nil {
		t.Fatal("expected a null environment attribute to fail without __ignoreNulls")
	}
}
