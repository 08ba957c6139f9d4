// Copyright 2026 The loom Authors
// SPDX-License-Identifier: MIT

package sched

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"loom.build/pkg/store"
)

// State is a goal's position in the state machine spec.md §4.8 defines.
type State int8

// Goal states, in the order spec.md's transition table visits them.
const (
	StateInit State = iota
	StateAwaitingSubstitutes
	StateAwaitingInputs
	StateWaitingForBuildSlot
	StateBuilding
	StateDone
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateAwaitingSubstitutes:
		return "AwaitingSubstitutes"
	case StateAwaitingInputs:
		return "AwaitingInputs"
	case StateWaitingForBuildSlot:
		return "WaitingForBuildSlot"
	case StateBuilding:
		return "Building"
	case StateDone:
		return "Done"
	default:
		return "Unknown"
	}
}

// Goal is one entry of the scheduler's worker-global intern table: at
// most one live goal exists per distinct (DerivedPath, BuildMode)
// (spec.md §4.8's "Goal DAG"). Its waitees/waiters fields are kept for
// introspection and tests; the actual blocking between goals is driven
// by ordinary goroutine calls rather than an explicit callback queue
// (see [Scheduler.realizeOne]), since unlike the teacher's
// single-threaded JSON-RPC request loop this scheduler runs goals
// concurrently under golang.org/x/sync/errgroup.
type Goal struct {
	key  string
	path store.DerivedPath
	mode store.BuildMode

	mu      sync.Mutex
	state   State
	waitees map[string]*Goal
	waiters map[string]*Goal

	// nrIncompleteClosure and nrFailed implement spec.md §4.8's
	// "incomplete closure handling": if substituters can produce some
	// but not all of a derivation's inputs, and the two counts end up
	// equal, the scheduler retries substitution exactly once after the
	// missing inputs are built.
	nrIncompleteClosure int
	nrFailed            int
	retriedSubstitution bool

	done   chan struct{}
	result *store.BuildResult
	err    error
}

func newGoal(key string, path store.DerivedPath, mode store.BuildMode) *Goal {
	return &Goal{
		key:     key,
		path:    path,
		mode:    mode,
		waitees: make(map[string]*Goal),
		waiters: make(map[string]*Goal),
		done:    make(chan struct{}),
	}
}

// State returns the goal's current state.
func (g *Goal) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *Goal) setState(s State) {
	g.mu.Lock()
	g.state = s
	g.mu.Unlock()
}

// addWaitee records that g blocks on waitee, and that waitee should
// call waiteeDone(g) when it finishes (spec.md §4.8's waitees/waiters).
func (g *Goal) addWaitee(waitee *Goal) {
	g.mu.Lock()
	g.waitees[waitee.key] = waitee
	g.mu.Unlock()
	waitee.mu.Lock()
	waitee.waiters[g.key] = g
	waitee.mu.Unlock()
}

// waiteeDone records that waitee has finished, regardless of outcome.
func (g *Goal) waiteeDone(waitee *Goal) {
	g.mu.Lock()
	delete(g.waitees, waitee.key)
	g.mu.Unlock()
}

// finish transitions g to Done with the given outcome and wakes every
// caller blocked in [Goal.wait].
func (g *Goal) finish(result *store.BuildResult, err error) (*store.BuildResult, error) {
	g.mu.Lock()
	if g.state == StateDone {
		result, err := g.result, g.err
		g.mu.Unlock()
		return result, err
	}
	g.state = StateDone
	g.result = result
	g.err = err
	waiters := make([]*Goal, 0, len(g.waiters))
	for _, w := range g.waiters {
		waiters = append(waiters, w)
	}
	g.mu.Unlock()
	close(g.done)
	for _, w := range waiters {
		w.waiteeDone(g)
	}
	return result, err
}

// derivedPathKey returns the intern-table key for (p, mode): spec.md
// §4.8's "every distinct (DerivedPath, BuildMode) corresponds to at
// most one live goal".
func derivedPathKey(p store.DerivedPath, mode store.BuildMode) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d;", mode)
	if p.IsBuild() {
		outs := append([]string(nil), p.Outputs...)
		sort.Strings(outs)
		fmt.Fprintf(&b, "drv:%s!%s", p.Drv, strings.Join(outs, ","))
	} else {
		fmt.Fprintf(&b, "opaque:%s", p.Opaque)
	}
	return b.String()
}
