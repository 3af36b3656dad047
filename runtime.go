// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package memo

import (
	"context"
	"sync"
	"sync/atomic"
)

// Revision is a database-wide logical clock. It advances only when an
// input is set; every memoized value remembers the revision it last
// changed at and the revision it was last verified at.
type Revision uint64

// Runtime carries the shared state of one database: the current
// revision and the database lock. Fetches hold the read side for
// their whole duration, sets hold the write side, so a set observes
// no computation in flight.
type Runtime struct {
	mu       sync.RWMutex
	revision uint64
}

// NewRuntime returns a runtime at revision 1.
func NewRuntime() *Runtime {
	return &Runtime{revision: 1}
}

// Revision returns the current revision.
func (r *Runtime) Revision() Revision {
	return Revision(atomic.LoadUint64(&r.revision))
}

// bumpRevision advances the revision and returns the new value. The
// caller must hold the write lock.
func (r *Runtime) bumpRevision() Revision {
	return Revision(atomic.AddUint64(&r.revision, 1))
}

// acquireRead takes the database read lock and returns the matching
// release. A fetch issued from inside a computation already holds the
// read lock through its outermost fetch, so nested acquisition is a
// no-op; recursive RLock would deadlock against a queued writer.
func (r *Runtime) acquireRead(ctx context.Context) func() {
	if activeFrame(ctx) != nil {
		return func() {}
	}
	r.mu.RLock()
	return r.mu.RUnlock
}

// ReportRead records key as a dependency of the computation active on
// ctx, if any. Top-level fetches have no active computation and
// record nothing.
func (r *Runtime) ReportRead(ctx context.Context, key DatabaseKey) {
	if f := activeFrame(ctx); f != nil {
		f.record(key)
	}
}

// frame tracks one in-flight computation: the cell being computed and
// the dependencies observed so far, in first-read order. Frames chain
// through parent, giving each computation its full call path.
type frame struct {
	key    DatabaseKey
	parent *frame

	mu   sync.Mutex
	seen map[DatabaseKey]struct{}
	deps []DatabaseKey
}

func newFrame(key DatabaseKey, parent *frame) *frame {
	return &frame{
		key:    key,
		parent: parent,
		seen:   make(map[DatabaseKey]struct{}),
	}
}

// record adds key to the frame's dependency list. Re-reads of the
// same cell keep their first position.
func (f *frame) record(key DatabaseKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.seen[key]; ok {
		return
	}
	f.seen[key] = struct{}{}
	f.deps = append(f.deps, key)
}

// takeDeps returns the recorded dependencies in observation order.
func (f *frame) takeDeps() []DatabaseKey {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deps
}

// frameContextKey is the context key for the active computation frame.
type frameContextKey struct{}

func withFrame(ctx context.Context, f *frame) context.Context {
	return context.WithValue(ctx, frameContextKey{}, f)
}

func activeFrame(ctx context.Context) *frame {
	f, _ := ctx.Value(frameContextKey{}).(*frame)
	return f
}

// cyclePath reports whether fetching key from the computation active
// on ctx would close a dependency cycle. If so it returns the cycle
// as a path whose first and last elements are both key; otherwise it
// returns nil.
func cyclePath(ctx context.Context, key DatabaseKey) []DatabaseKey {
	var trail []DatabaseKey
	for f := activeFrame(ctx); f != nil; f = f.parent {
		trail = append(trail, f.key)
		if f.key == key {
			path := make([]DatabaseKey, 0, len(trail)+1)
			for i := len(trail) - 1; i >= 0; i-- {
				path = append(path, trail[i])
			}
			return append(path, key)
		}
	}
	return nil
}
