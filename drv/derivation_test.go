// Copyright 2026 The loom Authors
// SPDX-License-Identifier: MIT

package drv

import (
	"testing"

	"zombiezen.com/go/nix"

	"loom.build/pkg/sortedset"
	"loom.build/pkg/store"
	"loom.build/pkg/storepath"
)

func inputDrvsOf(p storepath.Path, outputs ...string) map[storepath.Path]*sortedset.Set[string] {
	s := new(sortedset.Set[string])
	s.Add(outputs...)
	return map[storepath.Path]*sortedset.Set[string]{p: s}
}

func mustHash(tb testing.TB, s string) nix.Hash {
	tb.Helper()
	h, err := nix.ParseHash(s)
	if err != nil {
		tb.Fatal(err)
	}
	return h
}

func simpleDerivation(tb testing.TB) *Derivation {
	tb.Helper()
	drv := &Derivation{
		Dir:     storepath.DefaultDirectory,
		Name:    "hello",
		System:  "x86_64-linux",
		Builder: "/bin/sh",
		Args:    []string{"-c", "echo hi > $out"},
		Outputs: map[string]*DerivationOutput{
			"out": InputAddressedOutput(),
		},
	}
	drv.SetEnv("builder", drv.Builder)
	drv.SetEnv("name", drv.Name)
	drv.SetEnv("system", drv.System)
	return drv
}

func TestClassifyRejectsMixedModes(t *testing.T) {
	outputs := map[string]*DerivationOutput{
		"out": InputAddressedOutput(),
		"bin": FixedOutput(store.FlatFileContentAddress(mustHash(t, "sha256-pLlNY2obDRqJ/O7IW+2tVxpJwMnm3VQLWvM4M0nT5UI="))),
	}
	if _, err := classify(outputs); err == nil {
		t.Fatal("classify: want error for mixed input-addressed/fixed-CA outputs, got nil")
	}
	if _, err := New(storepath.DefaultDirectory, "mixed", outputs); err == nil {
		t.Fatal("New: want error for mixed output modes, got nil")
	}
}

func TestClassifyRejectsMultipleFixedOutputs(t *testing.T) {
	h := mustHash(t, "sha256-pLlNY2obDRqJ/O7IW+2tVxpJwMnm3VQLWvM4M0nT5UI=")
	outputs := map[string]*DerivationOutput{
		"out": FixedOutput(store.FlatFileContentAddress(h)),
		"bin": FixedOutput(store.FlatFileContentAddress(h)),
	}
	if _, err := classify(outputs); err == nil {
		t.Fatal("classify: want error for two fixed-CA outputs, got nil")
	}
}

func TestClassifyRejectsMismatchedFloatingHashAlgorithms(t *testing.T) {
	outputs := map[string]*DerivationOutput{
		"out": FloatingOutput(store.NixArchiveMethod, nix.SHA256),
		"doc": FloatingOutput(store.NixArchiveMethod, nix.SHA1),
	}
	if _, err := classify(outputs); err == nil {
		t.Fatal("classify: want error for mismatched floating hash algorithms, got nil")
	}
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	drv := simpleDerivation(t)
	drv.InputSrcs.Add(storepath.Path(string(storepath.DefaultDirectory) + "/s66mzxpvicwk07gjbjfw9izjfa797vsw-src"))

	const fakeOut = storepath.Path(storepath.DefaultDirectory + "/00000000000000000000000000000001-hello")
	data, err := drv.Marshal(MarshalOptions{OutputPaths: map[string]storepath.Path{"out": fakeOut}})
	if err != nil {
		t.Fatal(err)
	}

	got, err := Parse(drv.Dir, drv.Name, data)
	if err != nil {
		t.Fatalf("Parse: %v\ndata: %s", err, data)
	}
	if got.System != drv.System || got.Builder != drv.Builder {
		t.Errorf("round trip: System/Builder mismatch: got %q/%q, want %q/%q", got.System, got.Builder, drv.System, drv.Builder)
	}
	if len(got.Args) != len(drv.Args) {
		t.Fatalf("round trip: Args length = %d, want %d", len(got.Args), len(drv.Args))
	}
	for i := range drv.Args {
		if got.Args[i] != drv.Args[i] {
			t.Errorf("round trip: Args[%d] = %q, want %q", i, got.Args[i], drv.Args[i])
		}
	}
	if !got.InputSrcs.Has(drv.InputSrcs.At(0)) {
		t.Errorf("round trip: missing input source %s", drv.InputSrcs.At(0))
	}
	out, ok := got.Outputs["out"]
	if !ok || out.Mode != InputAddressed {
		t.Errorf("round trip: output \"out\" = %+v, want InputAddressed", out)
	}
	for _, name := range []string{"builder", "name", "system"} {
		want, _ := drv.EnvValue(name)
		gotValue, ok := got.EnvValue(name)
		if !ok || gotValue != want {
			t.Errorf("round trip: env[%q] = %q, %v, want %q", name, gotValue, ok, want)
		}
	}

	// Re-marshalling the parsed derivation with the same output paths
	// must produce byte-identical output (spec.md §8 property 2).
	data2, err := got.Marshal(MarshalOptions{OutputPaths: map[string]storepath.Path{"out": fakeOut}})
	if err != nil {
		t.Fatal(err)
	}
	if string(data2) != string(data) {
		t.Errorf("re-marshal not idempotent:\n got  %s\n want %s", data2, data)
	}
}

func TestMarshalEscaping(t *testing.T) {
	drv := simpleDerivation(t)
	drv.Args = []string{"line1\nline2", `quote"here`, "tab\ttab"}
	data, err := drv.Marshal(MarshalOptions{})
	if err != nil {
		t.Fatal(err)
	}
	got, err := Parse(drv.Dir, drv.Name, data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	for i, want := range drv.Args {
		if got.Args[i] != want {
			t.Errorf("Args[%d] = %q, want %q", i, got.Args[i], want)
		}
	}
}

func TestFixedOutputPathDeterministic(t *testing.T) {
	ca := store.FlatFileContentAddress(mustHash(t, "sha256-pLlNY2obDRqJ/O7IW+2tVxpJwMnm3VQLWvM4M0nT5UI="))
	drv1, err := New(storepath.DefaultDirectory, "fetched", map[string]*DerivationOutput{
		"out": FixedOutput(ca),
	})
	if err != nil {
		t.Fatal(err)
	}
	drv2, err := New(storepath.DefaultDirectory, "fetched", map[string]*DerivationOutput{
		"out": FixedOutput(ca),
	})
	if err != nil {
		t.Fatal(err)
	}
	p1, err := drv1.fixedOutputPath("out")
	if err != nil {
		t.Fatal(err)
	}
	p2, err := drv2.fixedOutputPath("out")
	if err != nil {
		t.Fatal(err)
	}
	if p1 != p2 {
		t.Errorf("fixedOutputPath not deterministic: %s != %s", p1, p2)
	}
}

func TestHashDerivationFixedIgnoresInputs(t *testing.T) {
	ca := store.FlatFileContentAddress(mustHash(t, "sha256-pLlNY2obDRqJ/O7IW+2tVxpJwMnm3VQLWvM4M0nT5UI="))
	drv, err := New(storepath.DefaultDirectory, "fetched", map[string]*DerivationOutput{
		"out": FixedOutput(ca),
	})
	if err != nil {
		t.Fatal(err)
	}
	h1, err := drv.HashDerivation(func(storepath.Path) (nix.Hash, error) {
		t.Fatal("closureHash should not be called for a fixed-output derivation")
		return nix.Hash{}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	h2, err := drv.HashDerivation(nil)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Errorf("hash derivation not stable across calls: %v != %v", h1, h2)
	}
}

func TestHashDerivationInputAddressedDeterministic(t *testing.T) {
	drv1 := simpleDerivation(t)
	drv2 := simpleDerivation(t)

	h1, err := drv1.HashDerivation(nil)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := drv2.HashDerivation(nil)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Errorf("two structurally identical derivations hashed differently: %v != %v", h1, h2)
	}

	drv2.Args = append(drv2.Args, "--extra")
	h3, err := drv2.HashDerivation(nil)
	if err != nil {
		t.Fatal(err)
	}
	if h1 == h3 {
		t.Error("changing Args did not change the derivation hash")
	}
}

func TestHashDerivationSubstitutesInputDerivationHash(t *testing.T) {
	inputDrvPath := storepath.Path(string(storepath.DefaultDirectory) + "/00000000000000000000000000000002-dep.drv")

	drvA := simpleDerivation(t)
	drvA.InputDrvs = inputDrvsOf(inputDrvPath, "out")
	drvB := simpleDerivation(t)
	drvB.InputDrvs = inputDrvsOf(inputDrvPath, "out")

	closureHashA := func(storepath.Path) (nix.Hash, error) { return mustHash(t, "sha256-AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="), nil }
	closureHashB := func(storepath.Path) (nix.Hash, error) { return mustHash(t, "sha256-BBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB="), nil }

	hA, err := drvA.HashDerivation(closureHashA)
	if err != nil {
		t.Fatal(err)
	}
	hB, err := drvB.HashDerivation(closureHashB)
	if err != nil {
		t.Fatal(err)
	}
	if hA == hB {
		t.Error("derivation hash did not change when an input derivation's closure hash changed")
	}
}

func TestResolveSubstitutesKnownOutputs(t *testing.T) {
	inputDrvPath := storepath.Path(string(storepath.DefaultDirectory) + "/00000000000000000000000000000002-dep.drv")
	outputPath := storepath.Path(string(storepath.DefaultDirectory) + "/s66mzxpvicwk07gjbjfw9izjfa797vsw-dep")

	drv := simpleDerivation(t)
	drv.InputDrvs = inputDrvsOf(inputDrvPath, "out")
	drv.SetEnv("dep", UnknownCAOutputPlaceholder(inputDrvPath, "out"))
	drv.Args = append(drv.Args, UnknownCAOutputPlaceholder(inputDrvPath, "out"))

	resolved, ok, err := drv.Resolve(map[storepath.Path]map[string]storepath.Path{
		inputDrvPath: {"out": outputPath},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("Resolve: ok = false, want true")
	}
	if len(resolved.InputDrvs) != 0 {
		t.Errorf("resolved.InputDrvs = %v, want empty", resolved.InputDrvs)
	}
	if !resolved.InputSrcs.Has(outputPath) {
		t.Errorf("resolved.InputSrcs missing %s", outputPath)
	}
	dep, ok := resolved.EnvValue("dep")
	if !ok || dep != string(outputPath) {
		t.Errorf("resolved env[dep] = %q, %v, want %q", dep, ok, outputPath)
	}
	if got := resolved.Args[len(resolved.Args)-1]; got != string(outputPath) {
		t.Errorf("resolved last arg = %q, want %q", got, outputPath)
	}
}

func TestResolveNotOKWhenRealizationMissing(t *testing.T) {
	inputDrvPath := storepath.Path(string(storepath.DefaultDirectory) + "/00000000000000000000000000000002-dep.drv")
	drv := simpleDerivation(t)
	drv.InputDrvs = inputDrvsOf(inputDrvPath, "out")

	_, ok, err := drv.Resolve(nil)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("Resolve: ok = true with no realizations supplied, want false")
	}
}

func TestOutputPathsOmitsFloating(t *testing.T) {
	drv, err := New(storepath.DefaultDirectory, "floaty", map[string]*DerivationOutput{
		"out": FloatingOutput(store.NixArchiveMethod, nix.SHA256),
	})
	if err != nil {
		t.Fatal(err)
	}
	h, err := drv.HashDerivation(nil)
	if err != nil {
		t.Fatal(err)
	}
	paths, err := drv.OutputPaths(h, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := paths["out"]; ok {
		t.Error("OutputPaths returned a path for a floating-CA output before it was built")
	}
}
