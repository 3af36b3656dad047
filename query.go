// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package memo

import (
	"context"
	"reflect"

	"github.com/pkg/errors"
)

// Query is a declared query as the database sees it: a named column of
// memoized cells. Concrete queries are built with NewInput and
// NewDerived and declared in a group with NewGroup.
type Query interface {
	// Name returns the query name, unique within its group.
	Name() string
}

// QueryStorage is the full surface of one declared query: identity,
// memo-table tooling, and the untyped dispatch used by database-level
// operations. Input and Derived implement it.
type QueryStorage interface {
	Query

	// Group returns the owning group, or nil before the query is
	// declared in one.
	Group() *Group

	// Len reports the number of memoized cells.
	Len() int

	// Info returns a point-in-time snapshot of the query's counters.
	Info() QueryInfo

	// SweepBefore drops cells whose last verification is older than
	// before, reporting how many were dropped. Inputs are ground
	// truth and retain everything. Safe for concurrent use; dropped
	// cells are recomputed on their next fetch.
	SweepBefore(ctx context.Context, before Revision) (int, error)

	bindGroup(g *Group) error
	bindDB(db *DB) error
	isInput() bool
	fetchKey(ctx context.Context, key QueryKey) (interface{}, error)
	setKey(ctx context.Context, key QueryKey, value interface{}) error

	// maybeChangedAfterKey reports whether the cell may have changed
	// since the given revision. The caller must hold the database
	// lock.
	maybeChangedAfterKey(ctx context.Context, key QueryKey, since Revision) (bool, error)
}

// ComputeFunc derives the value of one cell. It must be deterministic
// in its key and in the values it fetches from db; fetches made
// through ctx are recorded as the cell's dependencies.
type ComputeFunc[K comparable, V any] func(ctx context.Context, db *DB, key K) (V, error)

// QueryInfo is a point-in-time snapshot of one query's counters.
type QueryInfo struct {
	Group      string `json:"group"`
	Name       string `json:"name"`
	Input      bool   `json:"input"`
	Entries    int    `json:"entries"`
	Hits       uint64 `json:"hits"`
	Sets       uint64 `json:"sets"`
	Defaults   uint64 `json:"defaults"`
	Verifies   uint64 `json:"verifies"`
	Recomputes uint64 `json:"recomputes"`
	Coalesced  uint64 `json:"coalesced"`
	Cycles     uint64 `json:"cycles"`
	Errors     uint64 `json:"errors"`
	Evictions  uint64 `json:"evictions"`
}

// queryOptions collects functional option state for both query kinds.
// Options carry values untyped so that a single option type serves
// every instantiation; constructors check them against the query's
// value type.
type queryOptions struct {
	equal        interface{}
	defaultValue interface{}
	hasDefault   bool
	cacheSize    int
}

// InputOption is a functional option for NewInput.
type InputOption func(o *queryOptions) error

// OptInputDefault declares the value an input yields before its first
// set. The first fetch of an unset key memoizes the default without
// advancing the revision.
func OptInputDefault[V any](v V) InputOption {
	return func(o *queryOptions) error {
		o.defaultValue = v
		o.hasDefault = true
		return nil
	}
}

// DerivedOption is a functional option for NewDerived.
type DerivedOption func(o *queryOptions) error

// OptDerivedEqual replaces the deep-equality used to backdate a
// recomputation that produced an unchanged value.
func OptDerivedEqual[V any](eq func(a, b V) bool) DerivedOption {
	return func(o *queryOptions) error {
		o.equal = eq
		return nil
	}
}

// OptDerivedCacheSize bounds the query's memo table to size cells,
// evicting least-recently-fetched cells; they are recomputed on their
// next fetch. Unbounded by default.
func OptDerivedCacheSize(size int) DerivedOption {
	return func(o *queryOptions) error {
		if size < 1 {
			return errors.Errorf("cache size must be positive, got %d", size)
		}
		o.cacheSize = size
		return nil
	}
}

// equalFunc resolves the equality for value type V from option state.
func equalFunc[V any](o queryOptions) (func(a, b V) bool, error) {
	if o.equal == nil {
		return func(a, b V) bool { return reflect.DeepEqual(a, b) }, nil
	}
	eq, ok := o.equal.(func(a, b V) bool)
	if !ok {
		var zero V
		return nil, errors.Errorf("equality option %T does not apply to value type %T", o.equal, zero)
	}
	return eq, nil
}
