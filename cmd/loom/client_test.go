// Copyright 2026 The loom Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"zombiezen.com/go/nix/nixbase32"

	"loom.build/pkg/daemon"
	"loom.build/pkg/storepath"
	"loom.build/pkg/wire"
)

// startTestDaemon brings up a real [daemon.Daemon] listening on a Unix
// socket under a temp directory and returns a *globalConfig pointed at
// it, the same shape dialStore expects from a parsed CLI config —
// grounded on daemon/daemon_test.go's own socket-dial setup.
func startTestDaemon(t *testing.T) *globalConfig {
	t.Helper()
	root := t.TempDir()
	storeDir, err := storepath.CleanDirectory(filepath.Join(root, "store"))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(string(storeDir), 0o755); err != nil {
		t.Fatal(err)
	}

	cfg := daemon.Config{
		Dir:        storeDir,
		DBPath:     filepath.Join(root, "db.sqlite"),
		GCRootsDir: filepath.Join(root, "gcroots"),
		SocketPath: filepath.Join(root, "daemon.sock"),
		ScratchDir: t.TempDir(),
	}
	d, err := daemon.New(cfg)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	serveErr := make(chan error, 1)
	go func() { serveErr <- d.Serve(ctx, cfg) }()
	t.Cleanup(func() {
		cancel()
		<-serveErr
		if err := d.Close(); err != nil {
			t.Errorf("close daemon: %v", err)
		}
	})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(cfg.SocketPath); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	return &globalConfig{
		Directory:   storeDir,
		StoreSocket: cfg.SocketPath,
		GCRootsDir:  cfg.GCRootsDir,
		DBPath:      cfg.DBPath,
	}
}

func TestDialStoreHandshake(t *testing.T) {
	g := startTestDaemon(t)

	sc, err := dialStore(context.Background(), g.StoreSocket)
	if err != nil {
		t.Fatal(err)
	}
	defer sc.Close()
}

func TestDialStoreUnreachableSocket(t *testing.T) {
	if _, err := dialStore(context.Background(), filepath.Join(t.TempDir(), "no-such.sock")); err == nil {
		t.Error("dialStore on a nonexistent socket returned nil error")
	}
}

func TestStoreClientAddTextThenQuery(t *testing.T) {
	g := startTestDaemon(t)
	ctx := context.Background()

	sc, err := dialStore(ctx, g.StoreSocket)
	if err != nil {
		t.Fatal(err)
	}
	defer sc.Close()

	err = sc.call(wire.OpAddTextToStore, func(w *wire.Writer) error {
		if err := w.String("greeting"); err != nil {
			return err
		}
		if err := w.Bytes([]byte("hello, world\n")); err != nil {
			return err
		}
		return w.StringList(nil)
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	path, err := sc.c.Reader().String()
	if err != nil {
		t.Fatalf("read AddTextToStore reply: %v", err)
	}
	if path == "" {
		t.Fatal("AddTextToStore returned an empty path")
	}

	err = sc.call(wire.OpIsValidPath, func(w *wire.Writer) error {
		return w.String(path)
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	valid, err := sc.c.Reader().Bool()
	if err != nil {
		t.Fatalf("read IsValidPath reply: %v", err)
	}
	if !valid {
		t.Errorf("%s not valid after AddTextToStore", path)
	}

	err = sc.call(wire.OpQueryPathInfo, func(w *wire.Writer) error {
		return w.String(path)
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	found, err := sc.c.Reader().Bool()
	if err != nil {
		t.Fatalf("read QueryPathInfo found flag: %v", err)
	}
	if !found {
		t.Fatalf("QueryPathInfo reported %s not found", path)
	}
	info, err := decodeValidPathInfo(sc.c.Reader())
	if err != nil {
		t.Fatalf("decodeValidPathInfo: %v", err)
	}
	if info.path != path {
		t.Errorf("info.path = %s, want %s", info.path, path)
	}
}

func TestStoreClientQueryPathInfoNotFound(t *testing.T) {
	g := startTestDaemon(t)
	ctx := context.Background()

	sc, err := dialStore(ctx, g.StoreSocket)
	if err != nil {
		t.Fatal(err)
	}
	defer sc.Close()

	unregistered, err := g.Directory.Object(nixbase32.EncodeToString(make([]byte, 20)) + "-nope")
	if err != nil {
		t.Fatal(err)
	}

	err = sc.call(wire.OpQueryPathInfo, func(w *wire.Writer) error {
		return w.String(string(unregistered))
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	found, err := sc.c.Reader().Bool()
	if err != nil {
		t.Fatalf("read QueryPathInfo found flag: %v", err)
	}
	if found {
		t.Errorf("QueryPathInfo reported %s found, want not found", unregistered)
	}
}
