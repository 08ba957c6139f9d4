// Copyright 2026 The loom Authors
// SPDX-License-Identifier: MIT

// Package drv implements the derivation model (C5 in the design): the
// in-memory Derivation type, its canonical ATerm-like on-disk
// serialisation, the derivation closure-hash algorithm, and
// resolution of content-addressed derivations whose inputs have
// already been realised.
//
// Grounded on zbstore/derivation.go and zbstore/derivation_hash.go from
// the teacher repository for the overall shape (a Derivation struct
// with Outputs/InputDerivations/InputSources, ATerm marshalling via
// package aterm, a SHA-256 closure hash). The teacher's own
// unmarshalText is an unfinished stub (its input-derivation loop is a
// literal empty `for {}`, and System/Builder/Args/Env parsing are all
// `// TODO(now)` placeholders), so the parser here is written fresh
// against the teacher's complete marshaller and spec.md's externally
// normative on-disk grammar, using the shared aterm package's tokenizer
// instead of ad hoc byte-prefix cutting.
package drv

import (
	"fmt"
	"sort"
	"strings"

	"zombiezen.com/go/nix"

	"loom.build/pkg/aterm"
	"loom.build/pkg/sortedset"
	"loom.build/pkg/store"
	"loom.build/pkg/storepath"
)

// Ext is the file extension of a marshalled derivation, kept on disk as
// a [store.TextKind] object.
const Ext = ".drv"

// DefaultOutputName is the name of a derivation's primary output,
// omitted from output path labels.
const DefaultOutputName = "out"

// OutputMode is the addressing discipline of one [DerivationOutput],
// spec.md §3's five OutputSpec variants.
type OutputMode int8

// Output addressing modes.
const (
	// InputAddressed outputs get their path from the hash of the
	// canonicalised derivation.
	InputAddressed OutputMode = 1 + iota
	// CAFixed outputs declare their content address up front; the path
	// is computed from that address alone.
	CAFixed
	// CAFloating outputs have their content address computed after the
	// build; the path is substituted once known.
	CAFloating
	// Deferred is a placeholder used while a derivation's own path is
	// still being computed. It must be resolved to one of the other
	// modes before the derivation is written to the store.
	Deferred
	// Impure outputs are explicitly non-reproducible: never
	// substituted, never signed.
	Impure
)

func (m OutputMode) String() string {
	switch m {
	case InputAddressed:
		return "input-addressed"
	case CAFixed:
		return "ca-fixed"
	case CAFloating:
		return "ca-floating"
	case Deferred:
		return "deferred"
	case Impure:
		return "impure"
	default:
		return "invalid"
	}
}

// DerivationOutput describes the addressing scheme of one output of a
// [Derivation].
type DerivationOutput struct {
	Mode OutputMode

	// CA is set for [CAFixed] outputs.
	CA store.ContentAddress
	// Method and HashAlgorithm are set for [CAFloating] and [Impure]
	// outputs: the ingestion method and hash algorithm the builder's
	// result will be hashed with once realised.
	Method        store.CAMethod
	HashAlgorithm nix.HashType
}

// InputAddressedOutput returns an output whose path is derived from the
// derivation's own hash.
func InputAddressedOutput() *DerivationOutput {
	return &DerivationOutput{Mode: InputAddressed}
}

// FixedOutput returns an output whose content address is pinned up
// front.
func FixedOutput(ca store.ContentAddress) *DerivationOutput {
	return &DerivationOutput{Mode: CAFixed, CA: ca}
}

// FloatingOutput returns an output whose content address will be known
// only after the build, hashed with the given ingestion method and
// algorithm.
func FloatingOutput(method store.CAMethod, hashAlgo nix.HashType) *DerivationOutput {
	return &DerivationOutput{Mode: CAFloating, Method: method, HashAlgorithm: hashAlgo}
}

// DeferredOutput returns a placeholder output, to be resolved to one of
// the other modes before the owning derivation is written to the store.
func DeferredOutput() *DerivationOutput {
	return &DerivationOutput{Mode: Deferred}
}

// ImpureOutput returns an output that is never cached: its hash is
// computed after each build but never trusted across stores.
func ImpureOutput(method store.CAMethod, hashAlgo nix.HashType) *DerivationOutput {
	return &DerivationOutput{Mode: Impure, Method: method, HashAlgorithm: hashAlgo}
}

// Type classifies a derivation by the combination of its outputs'
// modes, spec.md §3's DerivationType. Mixed forms are rejected by
// [New]; classify is also used to re-validate derivations parsed from
// disk.
type Type int8

// Derivation types.
const (
	InputAddressedDerivation Type = 1 + iota
	CAFixedDerivation
	CAFloatingDerivation
	ImpureDerivation
)

func (t Type) String() string {
	switch t {
	case InputAddressedDerivation:
		return "input-addressed"
	case CAFixedDerivation:
		return "ca-fixed"
	case CAFloatingDerivation:
		return "ca-floating"
	case ImpureDerivation:
		return "impure"
	default:
		return "invalid"
	}
}

// classify computes the [Type] of a set of outputs, or an error if they
// mix incompatible modes (spec.md §9's "mixed derivation output modes"
// is rejected at construction, not deferred to a later validation
// pass).
func classify(outputs map[string]*DerivationOutput) (Type, error) {
	if len(outputs) == 0 {
		return 0, fmt.Errorf("derivation has no outputs")
	}
	var hashAlgo nix.HashType
	haveHashAlgo := false
	var t Type
	haveType := false
	for name, out := range outputs {
		if out == nil {
			return 0, fmt.Errorf("output %q is nil", name)
		}
		var this Type
		switch out.Mode {
		case InputAddressed, Deferred:
			this = InputAddressedDerivation
		case CAFixed:
			if len(outputs) != 1 {
				return 0, fmt.Errorf("fixed-output derivations must have exactly one output (got %d)", len(outputs))
			}
			this = CAFixedDerivation
		case CAFloating:
			this = CAFloatingDerivation
			if haveHashAlgo && out.HashAlgorithm != hashAlgo {
				return 0, fmt.Errorf("output %q: floating outputs must share one hash algorithm (%v != %v)", name, out.HashAlgorithm, hashAlgo)
			}
			hashAlgo, haveHashAlgo = out.HashAlgorithm, true
		case Impure:
			this = ImpureDerivation
		default:
			return 0, fmt.Errorf("output %q: invalid mode %v", name, out.Mode)
		}
		if haveType && this != t {
			return 0, fmt.Errorf("output %q: mixed derivation output modes (%v and %v) are rejected", name, t, this)
		}
		t, haveType = this, true
	}
	return t, nil
}

// EnvVar is one entry of a derivation's environment, preserving
// insertion order (spec.md §3: "insertion order is preserved" — used
// when the evaluator exposes structured attrs or the builder's own
// argv/envp; the on-disk ATerm form re-sorts by name regardless, since
// that form is externally normative per spec.md §6 and must be
// byte-identical regardless of construction order).
type EnvVar struct {
	Name  string
	Value string
}

// Derivation is a store derivation: a single, specific, constant build
// action (spec.md §3).
type Derivation struct {
	Dir     storepath.Directory
	Name    string
	System  string
	Builder string
	Args    []string
	Env     []EnvVar

	InputSrcs sortedset.Set[storepath.Path]
	// InputDrvs maps an input derivation's path to the set of its
	// output names this derivation consumes.
	InputDrvs map[storepath.Path]*sortedset.Set[string]

	Outputs map[string]*DerivationOutput
}

// New validates and returns a derivation. It rejects mixed output
// modes and missing required fields at construction, per spec.md §9.
func New(dir storepath.Directory, name string, outputs map[string]*DerivationOutput) (*Derivation, error) {
	if name == "" {
		return nil, fmt.Errorf("new derivation: missing name")
	}
	if dir == "" {
		return nil, fmt.Errorf("new derivation %s: missing store directory", name)
	}
	if _, err := classify(outputs); err != nil {
		return nil, fmt.Errorf("new derivation %s: %w", name, err)
	}
	return &Derivation{
		Dir:     dir,
		Name:    name,
		Outputs: outputs,
	}, nil
}

// Type returns the derivation's [Type]. It re-validates the output
// modes, since a Derivation's Outputs field can be mutated freely
// between construction and export.
func (drv *Derivation) Type() (Type, error) {
	return classify(drv.Outputs)
}

// References returns the set of other store paths the derivation
// (i.e. the .drv file itself) references: its sources and the
// derivations it depends on.
func (drv *Derivation) References() storepath.References {
	var refs storepath.References
	refs.Others.Grow(drv.InputSrcs.Len() + len(drv.InputDrvs))
	refs.Others.AddSet(&drv.InputSrcs)
	for input := range drv.InputDrvs {
		refs.Others.Add(input)
	}
	return refs
}

// EnvValue returns the value of the named environment variable and
// whether it was set.
func (drv *Derivation) EnvValue(name string) (string, bool) {
	for _, e := range drv.Env {
		if e.Name == name {
			return e.Value, true
		}
	}
	return "", false
}

// SetEnv sets or updates an environment variable, preserving the
// position of the first occurrence if name is already present.
func (drv *Derivation) SetEnv(name, value string) {
	for i, e := range drv.Env {
		if e.Name == name {
			drv.Env[i].Value = value
			return
		}
	}
	drv.Env = append(drv.Env, EnvVar{Name: name, Value: value})
}

func sortedEnvNames(env []EnvVar) []string {
	names := make([]string, len(env))
	for i, e := range env {
		names[i] = e.Name
	}
	sort.Strings(names)
	return names
}

func sortedOutputNames(outputs map[string]*DerivationOutput) []string {
	names := make([]string, 0, len(outputs))
	for name := range outputs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func sortedInputDrvPaths(inputs map[storepath.Path]*sortedset.Set[string]) []storepath.Path {
	paths := make([]storepath.Path, 0, len(inputs))
	for p := range inputs {
		paths = append(paths, p)
	}
	sort.Slice(paths, func(i, j int) bool { return paths[i] < paths[j] })
	return paths
}

// MarshalOptions controls how [Derivation.Marshal] resolves output
// paths that aren't intrinsically determined by the derivation's own
// fields.
type MarshalOptions struct {
	// OutputPaths supplies the resolved store path for outputs whose
	// path isn't computable from the output's own declaration (every
	// mode except [CAFixed]). Outputs missing from this map are
	// marshalled with an empty path, matching the teacher's
	// maskOutputs behaviour for not-yet-built floating outputs.
	OutputPaths map[string]storepath.Path
	// InputDerivationHashes, if non-nil, causes each input-derivation
	// path in the `inputDrvs` field to be replaced by the hex encoding
	// of the corresponding hash instead of the literal store path. This
	// is how [HashDerivation] computes the closure hash of a
	// non-fixed-output derivation without already knowing its inputs'
	// final store paths.
	InputDerivationHashes map[storepath.Path]nix.Hash
}

// Marshal serialises the derivation to its canonical ATerm form,
// `Derive(outputs, inputDrvs, inputSrcs, platform, builder, args, env)`
// (spec.md §6), with every list in sorted order. This is hashed
// byte-for-byte elsewhere, so field order and escaping must never
// change.
func (drv *Derivation) Marshal(opts MarshalOptions) ([]byte, error) {
	if drv.Name == "" {
		return nil, fmt.Errorf("marshal derivation: missing name")
	}
	if drv.Dir == "" {
		return nil, fmt.Errorf("marshal %s derivation: missing store directory", drv.Name)
	}
	if _, err := classify(drv.Outputs); err != nil {
		return nil, fmt.Errorf("marshal %s derivation: %w", drv.Name, err)
	}

	var buf []byte
	buf = append(buf, "Derive(["...)
	for i, name := range sortedOutputNames(drv.Outputs) {
		if i > 0 {
			buf = append(buf, ',')
		}
		var err error
		buf, err = drv.marshalOutput(buf, name, opts.OutputPaths[name])
		if err != nil {
			return nil, fmt.Errorf("marshal %s derivation: %w", drv.Name, err)
		}
	}

	buf = append(buf, "],["...)
	for i, p := range sortedInputDrvPaths(drv.InputDrvs) {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '(')
		if h, ok := opts.InputDerivationHashes[p]; ok {
			buf = aterm.AppendString(buf, h.Base16())
		} else {
			buf = aterm.AppendString(buf, string(p))
		}
		buf = append(buf, ",["...)
		outs := drv.InputDrvs[p]
		for j := 0; j < outs.Len(); j++ {
			if j > 0 {
				buf = append(buf, ',')
			}
			buf = aterm.AppendString(buf, outs.At(j))
		}
		buf = append(buf, "])"...)
	}

	buf = append(buf, "],["...)
	for i := 0; i < drv.InputSrcs.Len(); i++ {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = aterm.AppendString(buf, string(drv.InputSrcs.At(i)))
	}

	buf = append(buf, "],"...)
	buf = aterm.AppendString(buf, drv.System)
	buf = append(buf, ","...)
	buf = aterm.AppendString(buf, drv.Builder)

	buf = append(buf, ",["...)
	for i, arg := range drv.Args {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = aterm.AppendString(buf, arg)
	}

	buf = append(buf, "],["...)
	for i, name := range sortedEnvNames(drv.Env) {
		if i > 0 {
			buf = append(buf, ',')
		}
		value, _ := drv.EnvValue(name)
		buf = append(buf, '(')
		buf = aterm.AppendString(buf, name)
		buf = append(buf, ',')
		buf = aterm.AppendString(buf, value)
		buf = append(buf, ')')
	}
	buf = append(buf, "])"...)

	return buf, nil
}

func (drv *Derivation) marshalOutput(dst []byte, name string, resolved storepath.Path) ([]byte, error) {
	out := drv.Outputs[name]
	dst = append(dst, '(')
	dst = aterm.AppendString(dst, name)
	switch out.Mode {
	case CAFixed:
		p, err := drv.fixedOutputPath(name)
		if err != nil {
			return dst, err
		}
		dst = append(dst, ',')
		dst = aterm.AppendString(dst, string(p))
		dst = append(dst, ',')
		dst = aterm.AppendString(dst, out.CA.Method.Prefix()+out.CA.Hash.Type().String())
		dst = append(dst, ',')
		dst = aterm.AppendString(dst, out.CA.Hash.RawBase16())
	case InputAddressed, Deferred:
		dst = append(dst, ',')
		dst = aterm.AppendString(dst, string(resolved))
		dst = append(dst, `,"",""`...)
	case CAFloating, Impure:
		dst = append(dst, ',')
		dst = aterm.AppendString(dst, string(resolved))
		dst = append(dst, ',')
		dst = aterm.AppendString(dst, out.Method.Prefix()+out.HashAlgorithm.String())
		dst = append(dst, `,""`...)
	default:
		return dst, fmt.Errorf("output %q: invalid mode %v", name, out.Mode)
	}
	dst = append(dst, ')')
	return dst, nil
}

// fixedOutputPath computes the store path of a [CAFixed] output, which
// depends only on its declared content address (spec.md §4.5's second
// invariant).
func (drv *Derivation) fixedOutputPath(name string) (storepath.Path, error) {
	out := drv.Outputs[name]
	if out.Mode != CAFixed {
		return "", fmt.Errorf("output %q is not fixed-CA", name)
	}
	label := drv.Name
	if name != DefaultOutputName {
		label = drv.Name + "-" + name
	}
	ca := out.CA
	switch {
	case ca.IsText():
		return storepath.MakeStorePath(drv.Dir, storepath.TextKind, ca.Hash, label, storepath.References{})
	case store.IsSource(ca):
		return storepath.MakeStorePath(drv.Dir, storepath.SourceKind, ca.Hash, label, storepath.References{})
	default:
		h := nix.NewHasher(nix.SHA256)
		h.WriteString("fixed:out:")
		h.WriteString(ca.Method.Prefix())
		h.WriteString(ca.Hash.Base16())
		h.WriteString(":")
		return storepath.MakeStorePath(drv.Dir, storepath.OutputKind(DefaultOutputName), h.SumHash(), label, storepath.References{})
	}
}

// OutputPaths computes the concrete store path for every output whose
// path is determined before the build runs: [CAFixed] outputs (from
// their declared address) and [InputAddressed] outputs (from drvHash,
// the derivation's own [HashDerivation] result). [CAFloating], [Impure]
// and unresolved [Deferred] outputs are absent from the result; callers
// learn their paths only after a build.
//
// inputOutputPaths supplies the already-realised paths of this
// derivation's own inputs, used to build the reference set of an
// input-addressed output (spec.md §4.5's first invariant:
// "drv.inputSrcs ∪ outputPathsOfInputs").
func (drv *Derivation) OutputPaths(drvHash nix.Hash, inputOutputPaths map[store.OutputReference]storepath.Path) (map[string]storepath.Path, error) {
	if _, err := classify(drv.Outputs); err != nil {
		return nil, fmt.Errorf("output paths of %s: %w", drv.Name, err)
	}
	var refs storepath.References
	refs.Self = true
	refs.Others.AddSet(&drv.InputSrcs)
	for drvPath, outs := range drv.InputDrvs {
		for i := 0; i < outs.Len(); i++ {
			ref := store.OutputReference{DrvPath: drvPath, OutputName: outs.At(i)}
			if p, ok := inputOutputPaths[ref]; ok {
				refs.Others.Add(p)
			}
		}
	}

	result := make(map[string]storepath.Path, len(drv.Outputs))
	for name, out := range drv.Outputs {
		switch out.Mode {
		case CAFixed:
			p, err := drv.fixedOutputPath(name)
			if err != nil {
				return nil, err
			}
			result[name] = p
		case InputAddressed:
			label := drv.Name
			if name != DefaultOutputName {
				label = drv.Name + "-" + name
			}
			p, err := storepath.MakeStorePath(drv.Dir, storepath.OutputKind(name), drvHash, label, refs)
			if err != nil {
				return nil, fmt.Errorf("output path of %s!%s: %w", drv.Name, name, err)
			}
			result[name] = p
		}
	}
	return result, nil
}

// HashDerivation computes the derivation's closure hash (spec.md §4.5).
//
// For a [CAFixedDerivation] the result is the output's own fixed-CA
// fingerprint and does not depend on the derivation's inputs at all.
// Every other type hashes the canonical ATerm form with each
// input-derivation path replaced by closureHash's recursive hash of
// that input derivation, so that two derivations differing only in an
// input's path (but not its content) still hash identically.
//
// closureHash is called once per direct input derivation; it is
// expected to recurse (memoising as needed) for derivations of
// derivations.
func (drv *Derivation) HashDerivation(closureHash func(storepath.Path) (nix.Hash, error)) (nix.Hash, error) {
	t, err := classify(drv.Outputs)
	if err != nil {
		return nix.Hash{}, fmt.Errorf("hash derivation %s: %w", drv.Name, err)
	}
	if t == CAFixedDerivation {
		return drv.hashFixed()
	}

	inputHashes := make(map[storepath.Path]nix.Hash, len(drv.InputDrvs))
	for p := range drv.InputDrvs {
		h, err := closureHash(p)
		if err != nil {
			return nix.Hash{}, fmt.Errorf("hash derivation %s: input %s: %w", drv.Name, p, err)
		}
		inputHashes[p] = h
	}
	data, err := drv.Marshal(MarshalOptions{InputDerivationHashes: inputHashes})
	if err != nil {
		return nix.Hash{}, fmt.Errorf("hash derivation %s: %w", drv.Name, err)
	}
	h := nix.NewHasher(nix.SHA256)
	h.WriteString("floating:")
	h.WriteString(drv.Name)
	h.WriteString(":")
	h.Write(data)
	return h.SumHash(), nil
}

// hashFixed computes the fixed-output fingerprint used by
// [Derivation.HashDerivation] for [CAFixedDerivation]s: sha256 of
// "fixed:out:" plus the content-address method prefix, the hex hash,
// and the output path, grounded on the teacher's hashDrvFixed.
func (drv *Derivation) hashFixed() (nix.Hash, error) {
	out := drv.Outputs[DefaultOutputName]
	if out == nil || out.Mode != CAFixed {
		return nix.Hash{}, fmt.Errorf("hash derivation %s: fixed-output derivation must have one %q output", drv.Name, DefaultOutputName)
	}
	outputPath, err := drv.fixedOutputPath(DefaultOutputName)
	if err != nil {
		return nix.Hash{}, fmt.Errorf("hash derivation %s: %w", drv.Name, err)
	}
	h := nix.NewHasher(nix.SHA256)
	h.WriteString("fixed:out:")
	h.WriteString(out.CA.Method.Prefix())
	h.WriteString(out.CA.Hash.Base16())
	h.WriteString(":")
	h.WriteString(string(outputPath))
	return h.SumHash(), nil
}

// Export marshals drv with every intrinsically-determined output path
// filled in and computes the store path the derivation itself will
// occupy as a [store.TextKind] object (spec.md §4.5 lifecycle step 2).
func (drv *Derivation) Export(drvHash nix.Hash, inputOutputPaths map[store.OutputReference]storepath.Path) (storepath.Path, []byte, error) {
	outPaths, err := drv.OutputPaths(drvHash, inputOutputPaths)
	if err != nil {
		return "", nil, fmt.Errorf("export %s derivation: %w", drv.Name, err)
	}
	data, err := drv.Marshal(MarshalOptions{OutputPaths: outPaths})
	if err != nil {
		return "", nil, fmt.Errorf("export %s derivation: %w", drv.Name, err)
	}
	h := nix.NewHasher(nix.SHA256)
	h.Write(data)
	refs := drv.References()
	p, err := storepath.MakeStorePath(drv.Dir, storepath.TextKind, h.SumHash(), drv.Name+Ext, refs)
	if err != nil {
		return "", data, fmt.Errorf("export %s derivation: %w", drv.Name, err)
	}
	return p, data, nil
}

// HashPlaceholder returns the placeholder string substituted for an
// output's own path in a derivation's environment before that output's
// path is known (used by the evaluator to build builder environments
// that reference `$out` of the currently-constructed derivation).
func HashPlaceholder(outputName string) string {
	h := nix.NewHasher(nix.SHA256)
	h.WriteString("nix-output:")
	h.WriteString(outputName)
	return "/" + h.SumHash().RawBase32()
}

// UnknownCAOutputPlaceholder returns the placeholder substituted for an
// as-yet-unrealised output of another (content-addressed) derivation,
// replaced by [Derivation.Resolve] once that output has a known path.
func UnknownCAOutputPlaceholder(drvPath storepath.Path, outputName string) string {
	name := strings.TrimSuffix(drvPath.Name(), Ext)
	h := nix.NewHasher(nix.SHA256)
	h.WriteString("nix-upstream-output:")
	h.WriteString(drvPath.Digest())
	h.WriteString(":")
	h.WriteString(name)
	if outputName != DefaultOutputName {
		h.WriteString("-")
		h.WriteString(outputName)
	}
	return "/" + h.SumHash().RawBase32()
}

// Resolve substitutes every [UnknownCAOutputPlaceholder] appearing in
// drv's builder, args, and env with the realised path supplied by
// realizations (keyed by input-derivation path, then output name),
// returning a new derivation with those inputs added to InputSrcs.
// It reports ok == false if any referenced input derivation's output is
// missing from realizations, so the caller can wait and retry rather
// than export an incomplete derivation.
//
// Grounded on the teacher's resolveDerivation/expandDerivationPlaceholders
// in internal/backend/realize.go: this is how a CA-floating or
// input-addressed derivation that depends on another CA derivation's
// not-yet-known output path is rewritten into one that names concrete
// store paths only, ready for [Derivation.Export]. The teacher resolves
// the derivation and writes it to the store in one step; drv.Resolve
// only performs the rewrite, leaving storage to the caller (store/sched).
func (drv *Derivation) Resolve(realizations map[storepath.Path]map[string]storepath.Path) (resolved *Derivation, ok bool, err error) {
	var rewrites []string
	newInputs := new(sortedset.Set[storepath.Path])
	for inputDrvPath, outs := range drv.InputDrvs {
		for i := 0; i < outs.Len(); i++ {
			outputName := outs.At(i)
			actual, have := realizations[inputDrvPath][outputName]
			if !have {
				return nil, false, nil
			}
			newInputs.Add(actual)
			rewrites = append(rewrites, UnknownCAOutputPlaceholder(inputDrvPath, outputName), string(actual))
		}
	}
	r := strings.NewReplacer(rewrites...)

	resolved = &Derivation{
		Dir:       drv.Dir,
		Name:      drv.Name,
		System:    drv.System,
		Builder:   r.Replace(drv.Builder),
		Outputs:   drv.Outputs,
		InputSrcs: *drv.InputSrcs.Clone(),
		// InputDrvs is left nil: a resolved derivation's inputs are all
		// concrete store paths by definition (spec.md §4.5 property 8),
		// folded into InputSrcs above.
	}
	resolved.InputSrcs.AddSet(newInputs)
	if len(drv.Args) > 0 {
		resolved.Args = make([]string, len(drv.Args))
		for i, arg := range drv.Args {
			resolved.Args[i] = r.Replace(arg)
		}
	}
	if len(drv.Env) > 0 {
		resolved.Env = make([]EnvVar, len(drv.Env))
		for i, e := range drv.Env {
			resolved.Env[i] = EnvVar{Name: e.Name, Value: r.Replace(e.Value)}
		}
	}
	return resolved, true, nil
}
