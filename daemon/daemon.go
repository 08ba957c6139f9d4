// Copyright 2026 The loom Authors
// SPDX-License-Identifier: MIT

package daemon

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/coreos/go-systemd/v22/activation"
	"zombiezen.com/go/log"

	"loom.build/pkg/sandbox"
	"loom.build/pkg/sched"
	"loom.build/pkg/store"
	"loom.build/pkg/store/sign"
	"loom.build/pkg/store/storedb"
	"loom.build/pkg/storepath"
	"loom.build/pkg/wire"
)

// Config assembles everything a [Daemon] needs: the store directory
// and database, the sandboxed builder's platform knobs, and the
// substituters consulted for any path the local store doesn't already
// have (spec.md §4.7/§4.8).
type Config struct {
	// Dir is the store's logical (and, for this local daemon, physical)
	// directory.
	Dir storepath.Directory
	// DBPath is the store database file, e.g. "<Dir>/../var/loom/db.sqlite".
	DBPath string
	// GCRootsDir holds indirect-root back-reference symlinks; see
	// [LocalStore.GCRootsDir].
	GCRootsDir string
	// SocketPath is the Unix domain socket to listen on when systemd
	// socket activation hasn't already supplied a listener.
	SocketPath string

	// SecretKey, if set, signs every path this daemon itself registers.
	SecretKey *sign.SecretKey
	// Trust gates signature requirements on imported objects.
	Trust sign.TrustPolicy

	// System, ExtraPlatforms, SystemFeatures, Users, ScratchDir,
	// BuildTimeout, and MaxLogSize configure the embedded
	// [sandbox.Builder] (spec.md §4.9).
	System         string
	ExtraPlatforms []string
	SystemFeatures map[string]bool
	Users          []sandbox.BuildUser
	ScratchDir     string
	BuildTimeout   time.Duration
	MaxLogSize     int64

	// Substituters lists binary-cache base URLs consulted, in order,
	// for any path the local store can't build or already have (spec.md
	// §4.7's fetcher registry feeding §4.8's substitution strategy).
	Substituters []string
	// MaxBuildJobs and MaxSubstitutionJobs bound concurrent goals; see
	// [sched.Scheduler].
	MaxBuildJobs        int
	MaxSubstitutionJobs int
	KeepGoing           bool
}

// Daemon is a fully-wired local store: database, sandboxed builder,
// scheduler, substituters, and the worker-protocol [Server] that
// serves them, composed the way the teacher's own
// internal/backend.New and cmd/zb/serve.go compose a Backend and a
// listener.
type Daemon struct {
	Store *LocalStore
	DB    *storedb.DB
	srv   *Server
}

// New wires cfg into a running [Daemon]. Callers must call [Daemon.Close]
// when done.
func New(cfg Config) (*Daemon, error) {
	if cfg.System == "" {
		cfg.System = runtime.GOOS + "-" + runtime.GOARCH
	}

	db := storedb.Open(cfg.Dir, cfg.DBPath, nil)

	localStore := &LocalStore{
		Dir:        cfg.Dir,
		DB:         db,
		GCRootsDir: cfg.GCRootsDir,
		SecretKey:  cfg.SecretKey,
		Trust:      cfg.Trust,
	}

	builder := &sandbox.Builder{
		Store:          localStore,
		Dir:            cfg.Dir,
		System:         cfg.System,
		ExtraPlatforms: cfg.ExtraPlatforms,
		SystemFeatures: cfg.SystemFeatures,
		Users:          cfg.Users,
		ScratchDir:     cfg.ScratchDir,
		Timeout:        cfg.BuildTimeout,
		MaxLogSize:     cfg.MaxLogSize,
	}

	substituters := make([]sched.Substituter, 0, len(cfg.Substituters))
	for _, base := range cfg.Substituters {
		substituters = append(substituters, &HTTPSubstituter{BaseURL: base, Store: localStore})
	}

	scheduler := &sched.Scheduler{
		Store:               localStore,
		Dir:                 cfg.Dir,
		Loader:              localStore,
		Builder:             builder,
		Substituters:        substituters,
		MaxBuildJobs:        cfg.MaxBuildJobs,
		MaxSubstitutionJobs: cfg.MaxSubstitutionJobs,
		KeepGoing:           cfg.KeepGoing,
	}
	localStore.Scheduler = scheduler

	srv := &Server{
		Store: localStore,
		// Every connection is trusted until this daemon grows real
		// peer-credential inspection (spec.md §4.10 leaves the exact
		// mechanism, e.g. SO_PEERCRED on Linux, unspecified). A
		// production deployment should replace this with a function
		// that distinguishes a root-owned control socket from a
		// world-writable public one.
		Trust: func(net.Conn) wire.Trust { return wire.Trusted },
	}

	return &Daemon{Store: localStore, DB: db, srv: srv}, nil
}

// Serve listens on cfg.SocketPath (or systemd-activated sockets, if
// any were passed to this process — spec.md §6's "the daemon should
// support socket activation for on-demand startup") and runs the
// worker-protocol server until ctx is cancelled.
func (d *Daemon) Serve(ctx context.Context, cfg Config) error {
	listeners, err := activation.Listeners()
	if err != nil {
		return fmt.Errorf("daemon: socket activation: %w", err)
	}
	if len(listeners) == 0 {
		if err := os.MkdirAll(filepath.Dir(cfg.SocketPath), 0o755); err != nil {
			return fmt.Errorf("daemon: %w", err)
		}
		os.Remove(cfg.SocketPath)
		ln, err := net.Listen("unix", cfg.SocketPath)
		if err != nil {
			return fmt.Errorf("daemon: %w", err)
		}
		listeners = []net.Listener{ln}
	} else {
		log.Infof(ctx, "daemon: using %d systemd-activated listener(s)", len(listeners))
	}

	errs := make(chan error, len(listeners))
	for _, ln := range listeners {
		ln := ln
		go func() { errs <- d.srv.Serve(ctx, ln) }()
	}
	var firstErr error
	for range listeners {
		if err := <-errs; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close releases the daemon's database handle.
func (d *Daemon) Close() error {
	return d.DB.Close()
}

// CollectGarbage runs the collector directly against this daemon's
// store, for a maintenance CLI command invoked in-process rather than
// over the worker protocol (spec.md §6's "gc" operation).
func (d *Daemon) CollectGarbage(ctx context.Context, opts store.GCOptions) (*store.GCResults, error) {
	return d.Store.CollectGarbage(ctx, opts)
}
