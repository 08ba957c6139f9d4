// Copyright 2026 The loom Authors
// SPDX-License-Identifier: MIT

//go:build darwin

package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"

	"loom.build/pkg/storepath"
)

// sandboxOptions parameterises [setupSandboxFilesystem]. See the Linux
// build's doc comment for field meanings.
type sandboxOptions struct {
	storeDir    storepath.Directory
	workDir     string
	realWorkDir string
	inputs      map[storepath.Path]string
	user        *BuildUser
}

// setupSandboxFilesystem is not yet implemented for Darwin: spec.md
// §4.9 step 5 calls for "an equivalent sandbox profile" (sandbox-exec
// with a generated .sb policy) rather than Linux's namespace/chroot
// combination, which this package does not yet generate.
//
// Grounded on internal/backend/realize_darwin.go's own runSandboxed,
// which is itself an unimplemented `TODO(someday)` in the teacher
// repository — there is no working Darwin sandbox to adapt yet.
func setupSandboxFilesystem(ctx context.Context, root string, opts *sandboxOptions) error {
	return fmt.Errorf("sandbox: Darwin sandboxing is not yet implemented")
}

func teardownSandbox(root string) error {
	return os.RemoveAll(root)
}

func sysProcAttrForUser(root string, user *BuildUser) *syscall.SysProcAttr {
	attr := new(syscall.SysProcAttr)
	if user != nil {
		attr.Credential = &syscall.Credential{Uid: uint32(user.UID), Gid: uint32(user.GID)}
	}
	return attr
}

func setCancelFunc(c *exec.Cmd) {
	c.Cancel = func() error {
		return c.Process.Signal(unix.SIGTERM)
	}
}
