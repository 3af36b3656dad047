// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package memo

import (
	"context"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/featurebasedb/memo/stats"
	"github.com/featurebasedb/memo/tracing"
)

// Input is a query whose cells are set explicitly rather than
// computed. Setting an input is the only operation that advances the
// database revision.
type Input[K comparable, V any] struct {
	name  string
	group *Group
	db    *DB
	stats stats.StatsClient

	defaultValue V
	hasDefault   bool

	table memoTable[K, V]

	hits     uint64
	sets     uint64
	installs uint64
}

// NewInput returns a declarable input query. The name must pass
// ValidateName; keys of type K index independent cells of type V.
func NewInput[K comparable, V any](name string, opts ...InputOption) (*Input[K, V], error) {
	if err := ValidateName(name); err != nil {
		return nil, errors.Wrapf(err, "input %q", name)
	}
	var o queryOptions
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, errors.Wrapf(err, "applying option to input %q", name)
		}
	}
	q := &Input[K, V]{
		name:  name,
		stats: stats.NopStatsClient,
		table: newMapTable[K, V](),
	}
	if o.hasDefault {
		d, ok := o.defaultValue.(V)
		if !ok {
			var zero V
			return nil, errors.Errorf("input %q: default value %T does not apply to value type %T", name, o.defaultValue, zero)
		}
		q.defaultValue = d
		q.hasDefault = true
	}
	return q, nil
}

// Name returns the query name.
func (q *Input[K, V]) Name() string { return q.name }

// Group returns the owning group, or nil before declaration.
func (q *Input[K, V]) Group() *Group { return q.group }

// Key returns the database key addressing cell k.
func (q *Input[K, V]) Key(k K) DatabaseKey {
	group := ""
	if q.group != nil {
		group = q.group.name
	}
	return Key(group, q.name, k)
}

// Set writes cell k, advancing the database revision and marking the
// cell changed at it, even when the value written back is equal to
// the old one. Dependents that recompute to an unchanged result are
// shielded by their own backdating, never by the input. Set refuses
// to run inside a computation.
func (q *Input[K, V]) Set(ctx context.Context, k K, v V) error {
	if q.db == nil {
		return errors.Wrapf(ErrQueryUnbound, "setting %s", q.name)
	}
	if activeFrame(ctx) != nil {
		return errors.Wrapf(ErrSetDuringQuery, "setting %s", q.Key(k))
	}
	span, _ := tracing.GlobalTracer.StartSpanFromContext(ctx, "Input.Set")
	defer span.Finish()
	span.LogKV("query", q.Key(k).String())

	rt := q.db.runtime
	rt.mu.Lock()
	defer rt.mu.Unlock()

	rev := rt.bumpRevision()
	q.table.store(k, memoEntry[V]{value: v, changedAt: rev, verifiedAt: rev})
	atomic.AddUint64(&q.sets, 1)
	q.stats.Count(MetricSet, 1, 1.0)
	q.db.Stats.Gauge(MetricRevision, float64(rev), 1.0)
	return nil
}

// Fetch reads cell k. An unset cell yields the input's default, if
// one was declared, memoizing it without advancing the revision;
// otherwise Fetch returns an UnsetInputError.
func (q *Input[K, V]) Fetch(ctx context.Context, k K) (V, error) {
	var zero V
	if q.db == nil {
		return zero, errors.Wrapf(ErrQueryUnbound, "fetching %s", q.name)
	}
	release := q.db.runtime.acquireRead(ctx)
	defer release()

	q.db.runtime.ReportRead(ctx, q.Key(k))

	if e, ok := q.table.load(k); ok {
		atomic.AddUint64(&q.hits, 1)
		q.stats.Count(MetricFetchHit, 1, 1.0)
		return e.value, nil
	}
	if q.hasDefault {
		// Concurrent first fetches may both install; they read the
		// same revision under the read lock, so the entries agree.
		rev := q.db.runtime.Revision()
		q.table.store(k, memoEntry[V]{value: q.defaultValue, changedAt: rev, verifiedAt: rev})
		atomic.AddUint64(&q.installs, 1)
		q.stats.Count(MetricInstallDefault, 1, 1.0)
		return q.defaultValue, nil
	}
	return zero, UnsetInputError{Key: q.Key(k)}
}

// MaybeChangedAfter reports whether cell k may have changed since the
// given revision.
func (q *Input[K, V]) MaybeChangedAfter(ctx context.Context, k K, since Revision) (bool, error) {
	if q.db == nil {
		return false, errors.Wrapf(ErrQueryUnbound, "checking %s", q.name)
	}
	release := q.db.runtime.acquireRead(ctx)
	defer release()
	return q.maybeChanged(k, since)
}

// maybeChanged answers staleness from the cell's changed-at mark. The
// caller must hold the database lock.
func (q *Input[K, V]) maybeChanged(k K, since Revision) (bool, error) {
	e, ok := q.table.load(k)
	if !ok {
		return true, nil
	}
	return e.changedAt > since, nil
}

// Len reports the number of memoized cells.
func (q *Input[K, V]) Len() int { return q.table.length() }

// Info returns a point-in-time snapshot of the query's counters.
func (q *Input[K, V]) Info() QueryInfo {
	info := QueryInfo{
		Name:     q.name,
		Input:    true,
		Entries:  q.table.length(),
		Hits:     atomic.LoadUint64(&q.hits),
		Sets:     atomic.LoadUint64(&q.sets),
		Defaults: atomic.LoadUint64(&q.installs),
	}
	if q.group != nil {
		info.Group = q.group.name
	}
	return info
}

// SweepBefore is a no-op for inputs; set values are the ground truth
// and cannot be recomputed.
func (q *Input[K, V]) SweepBefore(ctx context.Context, before Revision) (int, error) {
	return 0, nil
}

func (q *Input[K, V]) bindGroup(g *Group) error {
	if q.group != nil {
		return errors.Wrapf(ErrQueryBound, "input %s", q.name)
	}
	q.group = g
	return nil
}

func (q *Input[K, V]) bindDB(db *DB) error {
	q.db = db
	q.stats = db.Stats.WithTags("group:"+q.group.name, "query:"+q.name)
	return nil
}

func (q *Input[K, V]) isInput() bool { return true }

func (q *Input[K, V]) fetchKey(ctx context.Context, key QueryKey) (interface{}, error) {
	return q.Fetch(ctx, key.(K))
}

func (q *Input[K, V]) setKey(ctx context.Context, key QueryKey, value interface{}) error {
	return q.Set(ctx, key.(K), value.(V))
}

func (q *Input[K, V]) maybeChangedAfterKey(ctx context.Context, key QueryKey, since Revision) (bool, error) {
	return q.maybeChanged(key.(K), since)
}

// Ensure type implements interface.
var _ QueryStorage = (*Input[string, int])(nil)
