// Copyright 2026 The loom Authors
// SPDX-License-Identifier: MIT

package storedb

import (
	"context"

	"github.com/sasha-s/go-deadlock"
)

// mutexMap is a map of per-key mutexes, used to serialise registration
// of a single store path (spec.md §4.4's "at most one registration in
// flight per path" invariant) without blocking unrelated paths.
//
// Adapted from the teacher's internal/backend/mutex_map.go, swapping
// sync.Mutex for go-deadlock's drop-in replacement so a stuck
// registration surfaces as a deadlock report instead of a silent hang.
type mutexMap[T comparable] struct {
	mu deadlock.Mutex
	m  map[T]<-chan struct{}
}

// lock waits until it can acquire the mutex for k or ctx is done.
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
