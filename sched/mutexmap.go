// Copyright 2026 The loom Authors
// SPDX-License-Identifier: MIT

package sched

import (
	"context"
	"sync"
)

// mutexMap is a map of per-key mutexes, used for the output-path
// advisory locks spec.md §4.8/§5 describe ("one goal per output-path
// lock... two schedulers racing on the same store serialise via
// advisory locks on the output paths").
//
// Grounded directly on the teacher's internal/backend/mutex_map.go,
// generalised from zbstore.Path to any comparable key. The scheduler
// uses it only for its path locks (pathLocks); goal-table access goes
// through goalsMu and singleflight instead.
type mutexMap[T comparable] struct {
	mu sync.Mutex
	m  map[T]<-chan struct{}
}

// lock waits until it can acquire the mutex for k, or ctx is done.
// On success it returns an unlock function; until unlock is called,
// every other call to lock(k) blocks. The zero value is usable.
func (mm *mutexMap[T]) lock(ctx context.Context, k T) (unlock func(), err error) {
	for {
		mm.mu.Lock()
		workDone := mm.m[k]
		if workDone == nil {
			c := make(chan struct{})
			if mm.m == nil {
				mm.m = make(map[T]<-chan struct{})
			}
			mm.m[k] = c
			mm.mu.Unlock()
			return func() {
				mm.mu.Lock()
				delete(mm.m, k)
				close(c)
				mm.mu.Unlock()
			}, nil
		}
		mm.mu.Unlock()

		select {
		case <-workDone:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
