// Copyright 2026 The loom Authors
// SPDX-License-Identifier: MIT

//go:build linux

package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"syscall"

	"golang.org/x/sys/unix"
	"zombiezen.com/go/log"

	"loom.build/pkg/storepath"
)

// sandboxOptions parameterises [setupSandboxFilesystem].
type sandboxOptions struct {
	storeDir    storepath.Directory
	workDir     string
	realWorkDir string
	// inputs maps each input store path to the host directory it was
	// materialised into by [Builder.materialiseInputs].
	inputs map[storepath.Path]string
	user   *BuildUser
}

// setupSandboxFilesystem builds the chroot filesystem at root:
// a private /build bind-mounted from realWorkDir, a minimal /dev and
// /proc, and every input bind-mounted at its store path.
//
// Grounded on internal/backend/realize_linux.go's setupSandboxFilesystem:
// the same bind-mount-based layout, trimmed of the devpts/shm/network
// device wiring the teacher sets up for interactive and networked
// builds, which spec.md §4.9 treats as optional ("optionally attach a
// pseudoterminal") rather than required for every build.
func setupSandboxFilesystem(ctx context.Context, root string, opts *sandboxOptions) error {
	if err := os.MkdirAll(filepath.Join(root, "tmp"), 0o777); err != nil {
		return err
	}
	workDir := filepath.Join(root, opts.workDir)
	if err := bindMount(ctx, opts.realWorkDir, workDir); err != nil {
		return err
	}

	devDir := filepath.Join(root, "dev")
	if err := os.MkdirAll(devDir, 0o755); err != nil {
		return err
	}
	for _, name := range []string{"null", "zero", "full", "random", "urandom", "tty"} {
		if err := bindMount(ctx, filepath.Join("/dev", name), filepath.Join(devDir, name)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}

	procDir := filepath.Join(root, "proc")
	if err := os.MkdirAll(procDir, 0o755); err != nil {
		return err
	}
	if err := unix.Mount("none", procDir, "proc", 0, ""); err != nil {
		return &os.PathError{Op: "mount proc", Path: procDir, Err: err}
	}

	storeDir := filepath.Join(root, string(opts.storeDir))
	if err := os.MkdirAll(storeDir, 0o755); err != nil {
		return err
	}

	// Bind-mount inputs in sorted order so failures are deterministic
	// and reproducible across runs.
	names := make([]string, 0, len(opts.inputs))
	for p := range opts.inputs {
		names = append(names, string(p))
	}
	sort.Strings(names)
	for _, name := range names {
		p := storepath.Path(name)
		dst := filepath.Join(root, string(p))
		if err := bindMount(ctx, opts.inputs[p], dst); err != nil {
			return err
		}
	}

	log.Debugf(ctx, "prepared sandbox filesystem at %s", root)
	return nil
}

// teardownSandbox unmounts every mountpoint created under root and
// removes it.
func teardownSandbox(root string) error {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		unmountRecursive(filepath.Join(root, e.Name()))
	}
	return os.RemoveAll(root)
}

func unmountRecursive(path string) {
	filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			unix.Unmount(p, unix.MNT_DETACH)
		}
		return nil
	})
	unix.Unmount(path, unix.MNT_DETACH)
}

// bindMount recursively bind-mounts oldname at newname, creating
// newname (and its parents) first.
func bindMount(ctx context.Context, oldname, newname string) error {
	info, err := os.Stat(oldname)
	if err != nil {
		return err
	}
	if info.IsDir() {
		if err := os.MkdirAll(newname, 0o755); err != nil {
			return err
		}
	} else {
		if err := os.MkdirAll(filepath.Dir(newname), 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(newname, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		f.Close()
	}
	log.Debugf(ctx, "mount --rbind %s %s", oldname, newname)
	if err := unix.Mount(oldname, newname, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("bind mount %s to %s: %w", oldname, newname, err)
	}
	return nil
}

// sysProcAttrForUser configures the sandboxed process to chroot into
// root, unshare the mount/PID/IPC/UTS/network namespaces (spec.md
// §4.9 step 5), and run as user's uid/gid if set.
func sysProcAttrForUser(root string, user *BuildUser) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		Chroot: root,
		Cloneflags: unix.CLONE_NEWNS | unix.CLONE_NEWPID | unix.CLONE_NEWIPC |
			unix.CLONE_NEWUTS | unix.CLONE_NEWNET,
	}
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
