// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package memo

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"
	"golang.org/x/sync/errgroup"

	"github.com/featurebasedb/memo/logger"
	"github.com/featurebasedb/memo/stats"
	"github.com/featurebasedb/memo/testhook"
	"github.com/featurebasedb/memo/tracing"
)

// DefaultMaintenanceInterval is how often an open database samples
// runtime gauges and sweeps stale cells, when maintenance is enabled.
const DefaultMaintenanceInterval = time.Minute

// Config holds the tunable dependencies of a database. The zero value
// disables maintenance; nil fields fall back to no-op implementations.
type Config struct {
	// Logger receives operational logging.
	Logger logger.Logger

	// Stats receives the database's metrics.
	Stats stats.StatsClient

	// GCNotifier wakes the maintenance loop after garbage collection.
	GCNotifier GCNotifier

	// MaintenanceInterval is the period of the background maintenance
	// loop started by Open. Zero disables the loop.
	MaintenanceInterval time.Duration

	// SweepRevisions, when positive, makes maintenance drop derived
	// cells whose last verification is more than this many revisions
	// old.
	SweepRevisions uint64

	// CacheSize bounds the memo table of every derived query that
	// does not set its own bound. Zero leaves them unbounded.
	CacheSize int
}

// DefaultConfig returns a config with no-op dependencies and
// maintenance on the default interval.
func DefaultConfig() *Config {
	return &Config{
		Logger:              logger.NopLogger,
		Stats:               stats.NopStatsClient,
		GCNotifier:          NopGCNotifier,
		MaintenanceInterval: DefaultMaintenanceInterval,
	}
}

// DB is an incremental computation database: a set of query groups
// sharing one revision clock. All cell access goes through the
// queries declared in the registered groups, either by typed handle
// or by database key.
type DB struct {
	id string

	Logger  logger.Logger
	Stats   stats.StatsClient
	Auditor testhook.Auditor

	runtime  *Runtime
	groups   []*Group
	groupMap map[string]*Group

	cacheSize int

	gcNotifier          GCNotifier
	maintenanceInterval time.Duration
	sweepRevisions      uint64

	mu      sync.Mutex
	opened  bool
	closing chan struct{}
	wg      sync.WaitGroup
}

// NewDB returns a database over the given groups, binding every query
// declared in them. Group names must be unique and each group can be
// registered with only one database. A nil cfg uses DefaultConfig.
func NewDB(cfg *Config, groups ...*Group) (*DB, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	db := &DB{
		Logger:  cfg.Logger,
		Stats:   cfg.Stats,
		Auditor: NewAuditor(),

		runtime:  NewRuntime(),
		groupMap: make(map[string]*Group),

		cacheSize: cfg.CacheSize,

		gcNotifier:          cfg.GCNotifier,
		maintenanceInterval: cfg.MaintenanceInterval,
		sweepRevisions:      cfg.SweepRevisions,
	}
	if db.Logger == nil {
		db.Logger = logger.NopLogger
	}
	if db.Stats == nil {
		db.Stats = stats.NopStatsClient
	}
	if db.gcNotifier == nil {
		db.gcNotifier = NopGCNotifier
	}
	uid, err := uuid.NewV4()
	if err != nil {
		return nil, errors.Wrap(err, "generating database id")
	}
	db.id = uid.String()

	for _, g := range groups {
		if g == nil {
			return nil, ErrGroupRequired
		}
		if _, ok := db.groupMap[g.name]; ok {
			return nil, errors.Wrapf(ErrGroupExists, "group %s", g.name)
		}
		if err := g.bindDB(db); err != nil {
			return nil, err
		}
		db.groups = append(db.groups, g)
		db.groupMap[g.name] = g
	}
	_ = testhook.Created(db.Auditor, db, nil)
	return db, nil
}

// ID returns the database's instance id.
func (db *DB) ID() string { return db.id }

// Revision returns the current revision.
func (db *DB) Revision() Revision { return db.runtime.Revision() }

// Runtime returns the database runtime. Most callers only need it for
// ReportRead, to record reads of state tracked outside the database as
// dependencies of the active computation.
func (db *DB) Runtime() *Runtime { return db.runtime }

// Group returns the named group.
func (db *DB) Group(name string) (*Group, error) {
	g, ok := db.groupMap[name]
	if !ok {
		return nil, errors.Wrapf(ErrGroupNotFound, "group %s", name)
	}
	return g, nil
}

// Groups returns the registered groups in registration order.
func (db *DB) Groups() []*Group {
	gs := make([]*Group, len(db.groups))
	copy(gs, db.groups)
	return gs
}

// ForEachQuery visits every declared query exactly once, groups in
// registration order and queries in declaration order, stopping at
// the first error.
func (db *DB) ForEachQuery(fn func(q QueryStorage) error) error {
	for _, g := range db.groups {
		if err := g.ForEachQuery(fn); err != nil {
			return err
		}
	}
	return nil
}

// Fetch reads the cell at key, computing or verifying it as needed.
// The value is returned untyped; the typed handles on Input and
// Derived avoid the assertion. Fetch panics if the key payload is not
// the query's key type.
func (db *DB) Fetch(ctx context.Context, key DatabaseKey) (interface{}, error) {
	q, err := db.storage(key)
	if err != nil {
		return nil, err
	}
	return q.fetchKey(ctx, key.Key.Key)
}

// Set writes the input cell at key, advancing the revision. Setting a
// derived query returns ErrQueryNotInput. Set panics if the key or
// value payload is not the query's key or value type.
func (db *DB) Set(ctx context.Context, key DatabaseKey, value interface{}) error {
	q, err := db.storage(key)
	if err != nil {
		return err
	}
	return q.setKey(ctx, key.Key.Key, value)
}

// MaybeChangedAfter reports whether the cell at key may have changed
// since the given revision, verifying or recomputing as needed to
// find out.
func (db *DB) MaybeChangedAfter(ctx context.Context, key DatabaseKey, since Revision) (bool, error) {
	q, err := db.storage(key)
	if err != nil {
		return false, err
	}
	release := db.runtime.acquireRead(ctx)
	defer release()
	return q.maybeChangedAfterKey(ctx, key.Key.Key, since)
}

// maybeChangedAfter answers staleness for one recorded dependency.
// The caller must hold the database lock.
func (db *DB) maybeChangedAfter(ctx context.Context, key DatabaseKey, since Revision) (bool, error) {
	q, err := db.storage(key)
	if err != nil {
		return true, err
	}
	return q.maybeChangedAfterKey(ctx, key.Key.Key, since)
}

// storage resolves the query addressed by key.
func (db *DB) storage(key DatabaseKey) (QueryStorage, error) {
	g, ok := db.groupMap[key.Group]
	if !ok {
		return nil, errors.Wrapf(ErrGroupNotFound, "group %s", key.Group)
	}
	return g.Query(key.Key.Query)
}

// SweepBefore drops derived cells across all groups whose last
// verification is older than before, reporting how many were
// dropped. It waits for in-flight fetches and cannot run inside a
// computation.
func (db *DB) SweepBefore(ctx context.Context, before Revision) (int, error) {
	if activeFrame(ctx) != nil {
		return 0, errors.Wrap(ErrSetDuringQuery, "sweeping database")
	}
	span, ctx := tracing.GlobalTracer.StartSpanFromContext(ctx, "DB.SweepBefore")
	defer span.Finish()

	db.runtime.mu.Lock()
	defer db.runtime.mu.Unlock()

	var total int64
	eg, ctx := errgroup.WithContext(ctx)
	for _, g := range db.groups {
		g := g
		eg.Go(func() error {
			n, err := g.SweepBefore(ctx, before)
			atomic.AddInt64(&total, int64(n))
			return err
		})
	}
	err := eg.Wait()
	return int(atomic.LoadInt64(&total)), err
}

// DBInfo is a point-in-time snapshot of a database.
type DBInfo struct {
	ID       string      `json:"id"`
	Revision Revision    `json:"revision"`
	Queries  []QueryInfo `json:"queries"`
}

// Info returns a snapshot of the database's revision and per-query
// counters, queries in registration order.
func (db *DB) Info() DBInfo {
	info := DBInfo{
		ID:       db.id,
		Revision: db.runtime.Revision(),
	}
	_ = db.ForEachQuery(func(q QueryStorage) error {
		info.Queries = append(info.Queries, q.Info())
		return nil
	})
	return info
}

// Open starts the database's background machinery: stats, and the
// maintenance loop when a maintenance interval is configured. Open on
// an open database is a no-op.
func (db *DB) Open() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.opened {
		return nil
	}
	db.opened = true
	db.closing = make(chan struct{})

	db.Stats.Open()
	if db.maintenanceInterval > 0 {
		db.wg.Add(1)
		go func() {
			defer db.wg.Done()
			db.monitorRuntime()
		}()
	}
	_ = testhook.Opened(db.Auditor, db, nil)
	db.Logger.Printf("open database: complete (id=%s)", db.id)
	return nil
}

// Close stops the background machinery and waits for it. Memoized
// state stays readable through the typed handles; Close exists to
// stop goroutines and flush stats. Close on a closed database is a
// no-op.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if !db.opened {
		return nil
	}
	close(db.closing)
	db.wg.Wait()
	if err := db.Stats.Close(); err != nil {
		db.Logger.Printf("closing stats client: %v", err)
	}
	db.opened = false
	_ = testhook.Closed(db.Auditor, db, nil)
	return nil
}

// monitorRuntime periodically samples runtime gauges and sweeps stale
// cells, waking early after garbage collection.
func (db *DB) monitorRuntime() {
	gcn := db.gcNotifier
	defer gcn.Close()

	ticker := time.NewTicker(db.maintenanceInterval)
	defer ticker.Stop()

	db.Logger.Debugf("runtime maintenance initializing (interval=%s)", db.maintenanceInterval)
	afterGC := gcn.AfterGC()
	for {
		select {
		case <-db.closing:
			return
		case _, ok := <-afterGC:
			if !ok {
				// Notifier closed, likely by an earlier Close of this
				// database; the ticker alone drives maintenance now.
				afterGC = nil
				continue
			}
			db.Stats.Count(MetricGarbageCollection, 1, 1.0)
		case <-ticker.C:
		}

		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		db.Stats.Gauge(MetricGoroutines, float64(runtime.NumGoroutine()), 1.0)
		db.Stats.Gauge(MetricHeapAlloc, float64(m.HeapAlloc), 1.0)
		db.Stats.Gauge(MetricHeapInuse, float64(m.HeapInuse), 1.0)

		rev := db.runtime.Revision()
		db.Stats.Gauge(MetricRevision, float64(rev), 1.0)
		entries := 0
		_ = db.ForEachQuery(func(q QueryStorage) error {
			entries += q.Len()
			return nil
		})
		db.Stats.Gauge(MetricEntries, float64(entries), 1.0)

		if db.sweepRevisions > 0 && uint64(rev) > db.sweepRevisions {
			before := rev - Revision(db.sweepRevisions)
			if n, err := db.SweepBefore(context.Background(), before); err != nil {
				db.Logger.Printf("maintenance sweep: %v", err)
			} else if n > 0 {
				db.Logger.Debugf("maintenance sweep dropped %d cells before revision %d", n, before)
			}
		}
	}
}
