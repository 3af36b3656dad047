// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package memo

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/featurebasedb/memo/stats"
	"github.com/featurebasedb/memo/tracing"
)

// Derived is a query whose cells are computed from other queries. A
// cell's value is memoized together with the dependencies the
// computation fetched; on a later read the cell is reused as long as
// its recorded dependencies verify unchanged, and recomputed
// otherwise. A recomputation that reproduces the old value is
// backdated, cutting invalidation off before it cascades.
type Derived[K comparable, V any] struct {
	name  string
	group *Group
	db    *DB
	stats stats.StatsClient

	compute   ComputeFunc[K, V]
	equal     func(a, b V) bool
	cacheSize int

	table   memoTable[K, V]
	flights singleflight.Group

	hits       uint64
	verifies   uint64
	recomputes uint64
	coalesced  uint64
	cycles     uint64
	errs       uint64
	evictions  uint64
}

// NewDerived returns a declarable derived query computed by compute.
// The name must pass ValidateName; keys of type K index independent
// cells of type V.
func NewDerived[K comparable, V any](name string, compute ComputeFunc[K, V], opts ...DerivedOption) (*Derived[K, V], error) {
	if err := ValidateName(name); err != nil {
		return nil, errors.Wrapf(err, "derived %q", name)
	}
	if compute == nil {
		return nil, errors.Errorf("derived %q: compute function required", name)
	}
	var o queryOptions
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, errors.Wrapf(err, "applying option to derived %q", name)
		}
	}
	eq, err := equalFunc[V](o)
	if err != nil {
		return nil, errors.Wrapf(err, "derived %q", name)
	}
	return &Derived[K, V]{
		name:      name,
		stats:     stats.NopStatsClient,
		compute:   compute,
		equal:     eq,
		cacheSize: o.cacheSize,
	}, nil
}

// Name returns the query name.
func (q *Derived[K, V]) Name() string { return q.name }

// Group returns the owning group, or nil before declaration.
func (q *Derived[K, V]) Group() *Group { return q.group }

// Key returns the database key addressing cell k.
func (q *Derived[K, V]) Key(k K) DatabaseKey {
	group := ""
	if q.group != nil {
		group = q.group.name
	}
	return Key(group, q.name, k)
}

// Fetch reads cell k, reusing the memoized value when its recorded
// dependencies verify unchanged and recomputing it otherwise.
// Identical concurrent fetches of a cold cell share one computation.
// Fetch returns a CycleError when k is already being computed on this
// computation chain. Cycle detection is scoped to one chain: mutually
// dependent computations begun on separate goroutines are not detected
// and wait on each other.
func (q *Derived[K, V]) Fetch(ctx context.Context, k K) (V, error) {
	var zero V
	if q.db == nil {
		return zero, errors.Wrapf(ErrQueryUnbound, "fetching %s", q.name)
	}
	release := q.db.runtime.acquireRead(ctx)
	defer release()

	q.db.runtime.ReportRead(ctx, q.Key(k))

	span, ctx := tracing.GlobalTracer.StartSpanFromContext(ctx, "Derived.Fetch")
	defer span.Finish()
	span.LogKV("query", q.Key(k).String())

	e, err := q.revalidate(ctx, k)
	if err != nil {
		return zero, err
	}
	return e.value, nil
}

// MaybeChangedAfter reports whether cell k may have changed since the
// given revision, verifying or recomputing the cell as needed to find
// out.
func (q *Derived[K, V]) MaybeChangedAfter(ctx context.Context, k K, since Revision) (bool, error) {
	if q.db == nil {
		return false, errors.Wrapf(ErrQueryUnbound, "checking %s", q.name)
	}
	release := q.db.runtime.acquireRead(ctx)
	defer release()

	span, ctx := tracing.GlobalTracer.StartSpanFromContext(ctx, "Derived.MaybeChangedAfter")
	defer span.Finish()
	span.LogKV("query", q.Key(k).String())

	return q.maybeChanged(ctx, k, since)
}

// maybeChanged answers staleness for cell k. A memoized cell that
// still verifies reports unchanged even when intermediate
// recomputation happened, as long as backdating kept its changed-at
// mark. A missing cell conservatively reports changed. The caller
// must hold the database lock.
func (q *Derived[K, V]) maybeChanged(ctx context.Context, k K, since Revision) (bool, error) {
	e, ok := q.table.load(k)
	if !ok {
		return true, nil
	}
	if e.changedAt > since {
		return true, nil
	}
	if e.verifiedAt == q.db.runtime.Revision() {
		return false, nil
	}
	e, err := q.revalidate(ctx, k)
	if err != nil {
		return true, err
	}
	return e.changedAt > since, nil
}

// revalidate returns a cell verified at the current revision,
// re-verifying or recomputing it if needed. Concurrent revalidations
// of the same cell are coalesced. The caller must hold the database
// lock.
func (q *Derived[K, V]) revalidate(ctx context.Context, k K) (memoEntry[V], error) {
	rev := q.db.runtime.Revision()
	if e, ok := q.table.load(k); ok && e.verifiedAt == rev {
		atomic.AddUint64(&q.hits, 1)
		q.stats.Count(MetricFetchHit, 1, 1.0)
		return e, nil
	}

	if path := cyclePath(ctx, q.Key(k)); path != nil {
		atomic.AddUint64(&q.cycles, 1)
		q.stats.Count(MetricCycle, 1, 1.0)
		return memoEntry[V]{}, CycleError{Path: path}
	}

	v, err, shared := q.flights.Do(fmt.Sprintf("%#v", k), func() (interface{}, error) {
		return q.revalidateFlight(ctx, k, rev)
	})
	if err != nil {
		return memoEntry[V]{}, err
	}
	if !shared {
		return v.(memoEntry[V]), nil
	}
	atomic.AddUint64(&q.coalesced, 1)
	q.stats.Count(MetricCoalescedFetch, 1, 1.0)
	// Flight keys are formatted strings, so distinct keys could in
	// principle collide; trust only the table for shared results.
	if e, ok := q.table.load(k); ok && e.verifiedAt == rev {
		return e, nil
	}
	return q.revalidateFlight(ctx, k, rev)
}

// revalidateFlight is the single-flight body of revalidate: verify
// the memoized cell's dependencies in recorded order, and recompute
// the cell when one of them changed or failed to verify.
func (q *Derived[K, V]) revalidateFlight(ctx context.Context, k K, rev Revision) (memoEntry[V], error) {
	old, ok := q.table.load(k)
	if ok && old.verifiedAt == rev {
		return old, nil
	}
	if ok {
		changed := false
		for _, dep := range old.deps {
			depChanged, err := q.db.maybeChangedAfter(ctx, dep, old.verifiedAt)
			if err != nil || depChanged {
				// A failing dependency counts as changed; whether it
				// still matters is for the fresh computation, which
				// may no longer read it.
				changed = true
				break
			}
		}
		if !changed {
			old.verifiedAt = rev
			q.table.store(k, old)
			atomic.AddUint64(&q.verifies, 1)
			q.stats.Count(MetricVerify, 1, 1.0)
			return old, nil
		}
	}
	return q.recompute(ctx, k, rev, old, ok)
}

// recompute runs the compute function for cell k in a fresh
// dependency-recording frame and memoizes the result. A result equal
// to the previous value keeps the previous changed-at mark. Failed
// computations are not memoized.
func (q *Derived[K, V]) recompute(ctx context.Context, k K, rev Revision, old memoEntry[V], hadOld bool) (memoEntry[V], error) {
	key := q.Key(k)
	fctx := withFrame(ctx, newFrame(key, activeFrame(ctx)))

	span, fctx := tracing.GlobalTracer.StartSpanFromContext(fctx, "Derived.recompute")
	defer span.Finish()
	span.LogKV("query", key.String())

	t := time.Now()
	value, err := q.compute(fctx, q.db, k)
	if err != nil {
		q.table.remove(k)
		atomic.AddUint64(&q.errs, 1)
		q.stats.Count(MetricComputeError, 1, 1.0)
		return memoEntry[V]{}, errors.Wrapf(err, "computing %s", key)
	}
	q.stats.Timing(MetricRecomputeDuration, time.Since(t), 1.0)

	e := memoEntry[V]{
		value:      value,
		changedAt:  rev,
		verifiedAt: rev,
		deps:       activeFrame(fctx).takeDeps(),
	}
	if hadOld && q.equal(old.value, value) {
		// Backdate: dependents verified against the old value stay
		// valid.
		e.changedAt = old.changedAt
	}
	q.table.store(k, e)
	atomic.AddUint64(&q.recomputes, 1)
	q.stats.Count(MetricRecompute, 1, 1.0)
	return e, nil
}

// Len reports the number of memoized cells.
func (q *Derived[K, V]) Len() int {
	if q.table == nil {
		return 0
	}
	return q.table.length()
}

// Info returns a point-in-time snapshot of the query's counters.
func (q *Derived[K, V]) Info() QueryInfo {
	info := QueryInfo{
		Name:       q.name,
		Entries:    q.Len(),
		Hits:       atomic.LoadUint64(&q.hits),
		Verifies:   atomic.LoadUint64(&q.verifies),
		Recomputes: atomic.LoadUint64(&q.recomputes),
		Coalesced:  atomic.LoadUint64(&q.coalesced),
		Cycles:     atomic.LoadUint64(&q.cycles),
		Errors:     atomic.LoadUint64(&q.errs),
		Evictions:  atomic.LoadUint64(&q.evictions),
	}
	if q.group != nil {
		info.Group = q.group.name
	}
	return info
}

// SweepBefore drops cells whose last verification is older than
// before. Safe for concurrent use; a concurrent fetch of a dropped
// cell recomputes it.
func (q *Derived[K, V]) SweepBefore(ctx context.Context, before Revision) (int, error) {
	if q.db == nil {
		return 0, errors.Wrapf(ErrQueryUnbound, "sweeping %s", q.name)
	}
	n := 0
	for _, k := range q.table.keys() {
		select {
		case <-ctx.Done():
			return n, ctx.Err()
		default:
		}
		e, ok := q.table.peek(k)
		if !ok || e.verifiedAt >= before {
			continue
		}
		if q.table.remove(k) {
			n++
		}
	}
	if n > 0 {
		q.stats.Count(MetricSweep, int64(n), 1.0)
	}
	return n, nil
}

func (q *Derived[K, V]) bindGroup(g *Group) error {
	if q.group != nil {
		return errors.Wrapf(ErrQueryBound, "derived %s", q.name)
	}
	q.group = g
	return nil
}

func (q *Derived[K, V]) bindDB(db *DB) error {
	q.db = db
	q.stats = db.Stats.WithTags("group:"+q.group.name, "query:"+q.name)

	size := q.cacheSize
	if size == 0 {
		size = db.cacheSize
	}
	if size > 0 {
		table, err := newLRUTable[K, V](size, func() {
			atomic.AddUint64(&q.evictions, 1)
			q.stats.Count(MetricEvict, 1, 1.0)
		})
		if err != nil {
			return errors.Wrapf(err, "derived %s", q.name)
		}
		q.table = table
	} else {
		q.table = newMapTable[K, V]()
	}
	return nil
}

func (q *Derived[K, V]) isInput() bool { return false }

func (q *Derived[K, V]) fetchKey(ctx context.Context, key QueryKey) (interface{}, error) {
	return q.Fetch(ctx, key.(K))
}

func (q *Derived[K, V]) setKey(ctx context.Context, key QueryKey, value interface{}) error {
	return errors.Wrapf(ErrQueryNotInput, "setting %s", q.name)
}

func (q *Derived[K, V]) maybeChangedAfterKey(ctx context.Context, key QueryKey, since Revision) (bool, error) {
	return q.maybeChanged(ctx, key.(K), since)
}

// Ensure type implements interface.
var _ QueryStorage = (*Derived[string, int])(nil)
