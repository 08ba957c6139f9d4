// Copyright 2026 The loom Authors
// SPDX-License-Identifier: MIT

package sandbox

import (
	"context"
	"slices"
	"sync"
)

// userPool hands out [BuildUser] values one at a time, so two
// concurrent builds never share a uid/gid (spec.md §4.9 step 4).
//
// Grounded on internal/backend/user_set.go's userSet: the same
// acquire/release-with-wakeup shape, generalized from a bitset over a
// fixed user slice (the teacher's sets.Bit, an internal type this
// module does not carry) to a plain bool slice.
type userPool struct {
	users       []BuildUser
	releaseFull chan struct{}

	mu    sync.Mutex
	inUse []bool
}

func newUserPool(users []BuildUser) *userPool {
	return &userPool{
		users:       slices.Clone(users),
		inUse:       make([]bool, len(users)),
		releaseFull: make(chan struct{}, 1),
	}
}

// acquire blocks until a user is free, or ctx is done. If the pool has
// no configured users, it returns a nil *BuildUser immediately: the
// build runs as the calling process's own uid/gid.
func (p *userPool) acquire(ctx context.Context) (*BuildUser, error) {
	if len(p.users) == 0 {
		return nil, nil
	}
	for {
		p.mu.Lock()
		for i, busy := range p.inUse {
			if !busy {
				p.inUse[i] = true
				p.mu.Unlock()
				u := p.users[i]
				return &u, nil
			}
		}
		p.mu.Unlock()

		select {
		case <-p.releaseFull:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// release returns user to the pool.
func (p *userPool) release(user *BuildUser) {
	if user == nil {
		return
	}
	i := slices.Index(p.users, *user)
	if i < 0 {
		return
	}
	p.mu.Lock()
	wasFull := true
	for _, busy := range p.inUse {
		if !busy {
			wasFull = false
			break
		}
	}
	p.inUse[i] = false
	p.mu.Unlock()

	if wasFull {
		select {
		case p.releaseFull <- struct{}{}:
		default:
		}
	}
}
