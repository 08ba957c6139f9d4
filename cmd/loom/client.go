// Copyright 2026 The loom Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"net"

	"loom.build/pkg/wire"
)

// storeClient is a worker-protocol client dialing a running daemon's
// Unix socket, the CLI-side counterpart to package daemon's Server —
// mirroring how the teacher's own globalConfig.storeClient dials
// g.StoreSocket and wraps it in a jsonrpc.Client, generalized to this
// module's binary framing instead of JSON-RPC.
type storeClient struct {
	conn net.Conn
	c    *wire.Conn
}

// dialStore connects to socketPath and performs the protocol handshake.
func dialStore(ctx context.Context, socketPath string) (*storeClient, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to loom daemon at %s: %w", socketPath, err)
	}
	c := wire.NewConn(conn, conn, wire.Trusted)
	if err := c.Handshake(wire.FeatureStructuredAttrs); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connect to loom daemon at %s: %w", socketPath, err)
	}
	return &storeClient{conn: conn, c: c}, nil
}

func (sc *storeClient) Close() error {
	return sc.conn.Close()
}

// call writes op and its arguments, drains the log stream (printing
// each STDERR_NEXT line as it arrives, the way the teacher's own
// runServe forwards build output to the caller's terminal), and
// returns any STDERR_ERROR text seen along the way so callers can
// surface it before attempting to read a (possibly absent) reply.
func (sc *storeClient) call(op wire.Opcode, writeArgs func(*wire.Writer) error, logf func(string)) error {
	if err := sc.c.WriteOpcode(op); err != nil {
		return fmt.Errorf("%v: %w", op, err)
	}
	if writeArgs != nil {
		if err := writeArgs(sc.c.Writer()); err != nil {
			return fmt.Errorf("%v: %w", op, err)
		}
	}
	var logErr error
	err := sc.c.DrainLog(func(msg wire.LogMessage) error {
		switch msg.Tag {
		case wire.StderrNext:
			if logf != nil {
				logf(msg.Text)
			}
		case wire.StderrError:
			logErr = fmt.Errorf("%v: %s", op, msg.Text)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%v: %w", op, err)
	}
	return logErr
}
