// Copyright 2026 The loom Authors
// SPDX-License-Identifier: MIT

package daemon

import "context"

// clientPIDKey tags the context passed into a [LocalStore] method
// invoked from a worker-protocol connection with that connection's own
// temp-root identity, so AddTempRoot/ClearTempRoots attribute roots to
// the client that asked for them rather than to the daemon itself.
type clientPIDKey struct{}

func withClientPID(ctx context.Context, pid int64) context.Context {
	return context.WithValue(ctx, clientPIDKey{}, pid)
}

func clientPIDFromContext(ctx context.Context) (int64, bool) {
	pid, ok := ctx.Value(clientPIDKey{}).(int64)
	return pid, ok
}
