// Copyright 2026 The loom Authors
// SPDX-License-Identifier: MIT

// Package sandbox implements the sandboxed builder (C9 in the design):
// it runs one derivation's builder program in an isolated environment,
// then canonicalises, scans, hashes, and registers its declared
// outputs (spec.md §4.9). A [Builder] value satisfies
// [loom.build/pkg/sched.Builder], so a [sched.Scheduler] drives it
// directly.
//
// Grounded on internal/backend/realize_linux.go (sandbox filesystem
// construction: chroot directory layout, bind mounts, devpts/shm/proc
// setup) and internal/backend/realize_unix.go (base environment,
// process cancellation) from the teacher repository, and
// internal/backend/user_set.go (the build-user semaphore, reproduced
// here as [userPool]). Unlike the teacher, which bind-mounts directly
// from its own on-disk store directory, Builder depends only on the
// abstract [store.Store] interface: every input is first materialised
// into a private scratch tree via [store.Store.NARFromPath], then
// bind-mounted from there (on Linux; the Darwin sandbox setup returns
// an error). This keeps
// the builder usable against any store implementation — local,
// remote, or a test double — at the cost of a copy that a same-machine
// local store could otherwise avoid; spec.md does not mandate avoiding
// that copy, so clarity over micro-optimisation won.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"zombiezen.com/go/log"

	"loom.build/pkg/drv"
	"loom.build/pkg/store"
	"loom.build/pkg/storepath"
)

// BuildUser is one entry of a [Builder]'s uid/gid pool (spec.md §4.9
// step 4's "drop to an unprivileged uid/gid from a pool, never
// overlapping live builds").
type BuildUser struct {
	UID int
	GID int
}

// Builder runs derivations on the local machine inside an OS sandbox.
type Builder struct {
	Store store.Store
	Dir   storepath.Directory

	// System is the host's own platform string, matched against a
	// derivation's System field (spec.md §4.9 step 1).
	System string
	// ExtraPlatforms lists additional platform strings this host will
	// build, e.g. for emulated architectures.
	ExtraPlatforms []string
	// SystemFeatures is the set of features this host advertises,
	// checked against a derivation's RequiredSystemFeatures.
	SystemFeatures map[string]bool
	// RequiredSystemFeatures, if set on a derivation's env under the
	// key "requiredSystemFeatures" (space-separated), must all be in
	// SystemFeatures.

	// Users is the pool of unprivileged uids/gids builds run as. If
	// empty, builds run as the calling process's own uid/gid (useful
	// only for tests and single-user installs).
	Users []BuildUser

	// ScratchDir is the root under which per-build working directories
	// and chroots are created. Defaults to os.TempDir() if empty.
	ScratchDir string

	// Timeout bounds total build wall-clock time; zero means no limit.
	Timeout time.Duration
	// MaxSilentTime bounds inactivity (no log output); zero means no
	// limit. runOnce does not enforce it: a build is never cancelled
	// for producing no output.
	MaxSilentTime time.Duration
	// MaxLogSize caps captured builder output, in bytes; zero means
	// 32MiB.
	MaxLogSize int64

	users *userPool
}

const defaultMaxLogSize = 32 << 20

func (b *Builder) pool() *userPool {
	if b.users == nil {
		b.users = newUserPool(b.Users)
	}
	return b.users
}

// Build implements [loom.build/pkg/sched.Builder]. It executes drvPath's
// builder program per spec.md §4.9 and registers its outputs.
func (b *Builder) Build(ctx context.Context, drvPath storepath.Path, d *drv.Derivation, mode store.BuildMode) (*store.BuildResult, error) {
	if err := b.checkPlatform(d); err != nil {
		return &store.BuildResult{Status: store.PermanentFailure}, err
	}

	drvHash, err := d.HashDerivation(nil)
	if err != nil {
		return &store.BuildResult{Status: store.MiscFailure}, err
	}
	knownPaths, err := d.OutputPaths(drvHash, nil)
	if err != nil {
		return &store.BuildResult{Status: store.MiscFailure}, err
	}

	result, err := b.runOnce(ctx, drvPath, d, knownPaths)
	if err != nil || result.Status != store.Built {
		return result, err
	}

	if mode == store.BuildCheck {
		second, err := b.runOnce(ctx, drvPath, d, knownPaths)
		if err != nil {
			return second, err
		}
		if !sameOutputs(result.Outputs, second.Outputs) {
			return &store.BuildResult{Status: store.NotDeterministic, IsNonDeterministic: true}, nil
		}
	}

	return result, nil
}

// runOnce performs one build attempt: sandbox setup, exec, and
// output finalisation. It does not implement check-mode comparison;
// callers needing that run it twice.
func (b *Builder) runOnce(ctx context.Context, drvPath storepath.Path, d *drv.Derivation, knownPaths map[string]storepath.Path) (*store.BuildResult, error) {
	user, err := b.pool().acquire(ctx)
	if err != nil {
		return &store.BuildResult{Status: store.TransientFailure}, err
	}
	defer b.pool().release(user)

	root := b.ScratchDir
	if root == "" {
		root = os.TempDir()
	}
	buildDir, err := os.MkdirTemp(root, "loom-build-*")
	if err != nil {
		return &store.BuildResult{Status: store.TransientFailure}, err
	}
	defer os.RemoveAll(buildDir)

	sandboxRoot, err := os.MkdirTemp(root, drvPath.Base()+"-sandbox-*")
	if err != nil {
		return &store.BuildResult{Status: store.TransientFailure}, err
	}
	defer func() {
		if err := teardownSandbox(sandboxRoot); err != nil {
			log.Errorf(ctx, "sandbox teardown %s: %v", sandboxRoot, err)
		}
	}()

	inputs, err := b.materialiseInputs(ctx, d, sandboxRoot)
	if err != nil {
		return &store.BuildResult{Status: store.MiscFailure}, err
	}

	sandboxOutputs := make(map[string]string, len(d.Outputs))
	for name := range d.Outputs {
		sandboxOutputs[name] = filepath.Join(string(b.Dir), d.Name+outputSuffix(name))
	}

	opts := &sandboxOptions{
		storeDir:   b.Dir,
		workDir:    "/build",
		realWorkDir: buildDir,
		inputs:     inputs,
		user:       user,
	}
	if err := setupSandboxFilesystem(ctx, sandboxRoot, opts); err != nil {
		return &store.BuildResult{Status: store.MiscFailure}, err
	}

	logBuf := new(bytes.Buffer)
	// TODO: enforce MaxSilentTime by tracking the last Write to capped
	// and cancelling runCtx if it goes quiet too long.
	maxLog := b.MaxLogSize
	if maxLog <= 0 {
		maxLog = defaultMaxLogSize
	}
	capped := &cappedWriter{w: logBuf, max: maxLog}

	runCtx := ctx
	var cancel context.CancelFunc
	if b.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, b.Timeout)
		defer cancel()
	}

	c := exec.CommandContext(runCtx, d.Builder, d.Args...)
	setCancelFunc(c)
	env := buildEnviron(d, opts.workDir, sandboxOutputs)
	for _, kv := range env {
		c.Env = append(c.Env, kv)
	}
	c.Dir = opts.workDir
	c.Stdout = capped
	c.Stderr = capped
	c.SysProcAttr = sysProcAttrForUser(sandboxRoot, user)

	runErr := c.Run()
	tail := logTail(logBuf.Bytes())
	if capped.truncated {
		return &store.BuildResult{Status: store.LogLimitExceeded, LogTail: tail}, fmt.Errorf("build %s: log exceeded %d bytes", drvPath, maxLog)
	}
	if runCtx.Err() != nil {
		return &store.BuildResult{Status: store.TimedOut, LogTail: tail}, runCtx.Err()
	}
	if runErr != nil {
		return &store.BuildResult{Status: store.PermanentFailure, LogTail: tail}, fmt.Errorf("build %s: %w", drvPath, runErr)
	}

	outs, err := b.finalizeOutputs(ctx, drvPath, d, sandboxRoot, sandboxOutputs, knownPaths, inputs)
	if err != nil {
		var rej outputRejectedError
		if asOutputRejected(err, &rej) {
			return &store.BuildResult{Status: store.OutputRejected, LogTail: tail}, err
		}
		return &store.BuildResult{Status: store.MiscFailure, LogTail: tail}, err
	}
	return &store.BuildResult{Status: store.Built, Outputs: outs, LogTail: tail}, nil
}

func outputSuffix(name string) string {
	if name == drv.DefaultOutputName {
		return ""
	}
	return "-" + name
}

func (b *Builder) checkPlatform(d *drv.Derivation) error {
	for _, kv := range d.Env {
		if kv.Name != "requiredSystemFeatures" {
			continue
		}
		for _, f := range strings.Fields(kv.Value) {
			if !b.SystemFeatures[f] {
				return fmt.Errorf("build: required system feature %q is not supported by this host", f)
			}
		}
	}
	if d.System == b.System {
		return nil
	}
	for _, p := range b.ExtraPlatforms {
		if d.System == p {
			return nil
		}
	}
	return fmt.Errorf("build: platform %q is not supported by this host (have %q plus %v)", d.System, b.System, b.ExtraPlatforms)
}

func logTail(b []byte) []string {
	const maxLines = 50
	lines := bytes.Split(bytes.TrimRight(b, "\n"), []byte("\n"))
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = string(l)
	}
	return out
}

func sameOutputs(a, b map[string]storepath.Path) bool {
	if len(a) != len(b) {
		return false
	}
	for name, p := range a {
		if b[name] != p {
			return false
		}
	}
	return true
}

// cappedWriter discards writes past max and records whether that ever
// happened, implementing spec.md §4.9's "log-size cap" enforcement.
type cappedWriter struct {
	w         *bytes.Buffer
	max       int64
	truncated bool
}

func (c *cappedWriter) Write(p []byte) (int, error) {
	if c.truncated {
		return len(p), nil
	}
	if int64(c.w.Len())+int64(len(p)) > c.max {
		remaining := c.max - int64(c.w.Len())
		if remaining > 0 {
			c.w.Write(p[:remaining])
		}
		c.truncated = true
		return len(p), nil
	}
	return c.w.Write(p)
}
