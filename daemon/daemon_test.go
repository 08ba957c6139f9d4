// Copyright 2026 The loom Authors
// SPDX-License-Identifier: MIT

package daemon

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"zombiezen.com/go/nix/nixbase32"

	"loom.build/pkg/storepath"
	"loom.build/pkg/wire"
)

func TestDaemonServeOverUnixSocket(t *testing.T) {
	root := t.TempDir()
	storeDir, err := storepath.CleanDirectory(filepath.Join(root, "store"))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(string(storeDir), 0o755); err != nil {
		t.Fatal(err)
	}

	cfg := Config{
		Dir:        storeDir,
		DBPath:     filepath.Join(root, "db.sqlite"),
		GCRootsDir: filepath.Join(root, "gcroots"),
		SocketPath: filepath.Join(root, "daemon.sock"),
	}
	d, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := d.Close(); err != nil {
			t.Errorf("close: %v", err)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	serveErr := make(chan error, 1)
	go func() { serveErr <- d.Serve(ctx, cfg) }()

	var conn net.Conn
	for i := 0; i < 100; i++ {
		conn, err = net.Dial("unix", cfg.SocketPath)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial daemon socket: %v", err)
	}

	c := wire.NewConn(conn, conn, wire.Trusted)
	if err := c.Handshake(wire.FeatureStructuredAttrs); err != nil {
		t.Fatalf("handshake: %v", err)
	}

	path, err := storeDir.Object(nixbase32.EncodeToString(make([]byte, 20)) + "-greeting")
	if err != nil {
		t.Fatal(err)
	}

	if err := c.WriteOpcode(wire.OpIsValidPath); err != nil {
		t.Fatalf("write opcode: %v", err)
	}
	if err := c.Writer().String(string(path)); err != nil {
		t.Fatalf("write path: %v", err)
	}
	if err := c.DrainLog(nil); err != nil {
		t.Fatalf("drain log: %v", err)
	}
	valid, err := c.Reader().Bool()
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if valid {
		t.Errorf("IsValidPath reported %s valid, want false for a never-registered path", path)
	}

	cancel()
	conn.Close()
	if err := <-serveErr; err != nil {
		t.Errorf("Serve returned error after cancellation: %v", err)
	}
}
