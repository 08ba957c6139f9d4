// Copyright 2026 The loom Authors
// SPDX-License-Identifier: MIT

package sandbox

import (
	"sort"

	"loom.build/pkg/drv"
)

// buildEnviron renders d's environment plus the documented base-env
// whitelist (spec.md §4.9 step 4: "clear every environment variable
// except those defined by the derivation and a small documented
// whitelist") as "NAME=value" pairs, sorted by name for determinism.
//
// outputs overrides each output name's value with its sandbox scratch
// location (see [Builder.finalizeOutputs]'s doc comment): whatever
// [eval]'s derivationStrict wrote there, including a CA-floating
// output's [drv.HashPlaceholder], is never passed to the builder
// itself.
//
// Grounded on internal/backend/realize_unix.go's fillBaseEnv: the same
// small set of always-present variables (PATH/HOME/TMPDIR family,
// TERM), renamed to this project's own store-directory variable.
func buildEnviron(d *drv.Derivation, workDir string, outputs map[string]string) []string {
	env := make(map[string]string, len(d.Env)+8)
	for _, kv := range d.Env {
		env[kv.Name] = kv.Value
	}
	for name, path := range outputs {
		env[name] = path
	}
	setDefault(env, "PATH", "/path-not-set")
	setDefault(env, "HOME", "/homeless-shelter")
	setDefault(env, "LOOM_STORE", string(d.Dir))
	setDefault(env, "LOOM_BUILD_TOP", workDir)
	setDefault(env, "TMPDIR", workDir)
	setDefault(env, "TEMPDIR", workDir)
	setDefault(env, "TMP", workDir)
	setDefault(env, "TEMP", workDir)
	setDefault(env, "PWD", workDir)
	setDefault(env, "TERM", "xterm-256color")

	names := make([]string, 0, len(env))
	for name := range env {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]string, len(names))
	for i, name := range names {
		out[i] = name + "=" + env[name]
	}
	return out
}

func setDefault(m map[string]string, key, value string) {
	if _, ok := m[key]; !ok {
		m[key] = value
	}
}
