// Copyright 2026 The loom Authors
// SPDX-License-Identifier: MIT

package daemon

import (
	"context"
	"fmt"
	"net"
	"testing"

	"loom.build/pkg/wire"
)

// dialTestServer wires a [Server] to an in-memory [net.Pipe] and returns
// the client-side [wire.Conn] after a completed handshake, mirroring how
// a real worker-protocol client dials the daemon's Unix socket.
func dialTestServer(t *testing.T, srv *Server) *wire.Conn {
	t.Helper()
	serverConn, clientConn := net.Pipe()

	done := make(chan error, 1)
	go func() {
		done <- srv.handleConn(context.Background(), serverConn)
	}()
	t.Cleanup(func() {
		clientConn.Close()
		<-done
	})

	c := wire.NewConn(clientConn, clientConn, wire.Trusted)
	if err := c.Handshake(wire.FeatureStructuredAttrs); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	return c
}

// request writes op and its arguments (via writeArgs), drains the log
// stream, and leaves c ready for the caller to read the typed reply —
// spec.md §4.10's "client must drain log messages until STDERR_LAST
// before reading the operation's reply".
func request(t *testing.T, c *wire.Conn, op wire.Opcode, writeArgs func(*wire.Writer) error) {
	t.Helper()
	if err := c.WriteOpcode(op); err != nil {
		t.Fatalf("write opcode %v: %v", op, err)
	}
	if writeArgs != nil {
		if err := writeArgs(c.Writer()); err != nil {
			t.Fatalf("write args for %v: %v", op, err)
		}
	}
	var logErr error
	if err := c.DrainLog(func(msg wire.LogMessage) error {
		if msg.Tag == wire.StderrError {
			logErr = fmt.Errorf("%v: %s", op, msg.Text)
		}
		return nil
	}); err != nil {
		t.Fatalf("drain log for %v: %v", op, err)
	}
	if logErr != nil {
		t.Fatal(logErr)
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s := newTestLocalStore(t)
	return &Server{
		Store: s,
		Trust: func(net.Conn) wire.Trust { return wire.Trusted },
	}
}

func TestServerAddTextToStoreThenQuery(t *testing.T) {
	c := dialTestServer(t, newTestServer(t))

	request(t, c, wire.OpAddTextToStore, func(w *wire.Writer) error {
		if err := w.String("greeting"); err != nil {
			return err
		}
		if err := w.Bytes([]byte("hello, world\n")); err != nil {
			return err
		}
		return w.StringList(nil)
	})
	path, err := c.Reader().String()
	if err != nil {
		t.Fatalf("read AddTextToStore reply: %v", err)
	}
	if path == "" {
		t.Fatal("AddTextToStore returned an empty path")
	}

	request(t, c, wire.OpIsValidPath, func(w *wire.Writer) error {
		return w.String(path)
	})
	valid, err := c.Reader().Bool()
	if err != nil {
		t.Fatalf("read IsValidPath reply: %v", err)
	}
	if !valid {
		t.Fatalf("%s not valid after AddTextToStore", path)
	}

	request(t, c, wire.OpQueryPathInfo, func(w *wire.Writer) error {
		return w.String(path)
	})
	found, err := c.Reader().Bool()
	if err != nil {
		t.Fatalf("read QueryPathInfo found flag: %v", err)
	}
	if !found {
		t.Fatalf("QueryPathInfo reported %s not found", path)
	}
	info, err := readValidPathInfo(c.Reader())
	if err != nil {
		t.Fatalf("read QueryPathInfo reply: %v", err)
	}
	if string(info.Path) != path {
		t.Errorf("info.Path = %s, want %s", info.Path, path)
	}
	if !info.CA.IsText() {
		t.Errorf("info.CA.Method = %v, want TextMethod", info.CA.Method)
	}
}

func TestServerIsValidPathOnUnknownPath(t *testing.T) {
	s := newTestLocalStore(t)
	c := dialTestServer(t, &Server{
		Store: s,
		Trust: func(net.Conn) wire.Trust { return wire.Trusted },
	})

	unknown := fakeObjectPath(t, s, "nope-1.0")

	request(t, c, wire.OpIsValidPath, func(w *wire.Writer) error {
		return w.String(string(unknown))
	})
	valid, err := c.Reader().Bool()
	if err != nil {
		t.Fatalf("read IsValidPath reply: %v", err)
	}
	if valid {
		t.Errorf("IsValidPath reported %s valid, want false", unknown)
	}
}

func TestServerRejectsUntrustedAddPermRoot(t *testing.T) {
	s := newTestLocalStore(t)
	c := dialTestServer(t, &Server{
		Store: s,
		Trust: func(net.Conn) wire.Trust { return wire.NotTrusted },
	})

	if err := c.WriteOpcode(wire.OpAddPermRoot); err != nil {
		t.Fatalf("write opcode: %v", err)
	}
	var sawError bool
	if err := c.DrainLog(func(msg wire.LogMessage) error {
		if msg.Tag == wire.StderrError {
			sawError = true
		}
		return nil
	}); err != nil {
		t.Fatalf("drain log: %v", err)
	}
	if !sawError {
		t.Error("untrusted AddPermRoot did not produce an error log line")
	}
}
