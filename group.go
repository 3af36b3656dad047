// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package memo

import (
	"context"

	"github.com/pkg/errors"
)

// Group is an independently authored collection of queries sharing a
// namespace. Groups are assembled once and registered with a single
// database; the database addresses a cell by group name, query name,
// and key.
type Group struct {
	name     string
	db       *DB
	queries  []QueryStorage
	queryMap map[string]QueryStorage
}

// NewGroup declares a named group over the given queries. Query names
// must be unique within the group, and each query can be declared in
// only one group.
func NewGroup(name string, queries ...QueryStorage) (*Group, error) {
	if err := ValidateName(name); err != nil {
		return nil, errors.Wrapf(err, "group %q", name)
	}
	g := &Group{
		name:     name,
		queryMap: make(map[string]QueryStorage),
	}
	for _, q := range queries {
		if q == nil {
			return nil, errors.Wrapf(ErrQueryRequired, "group %s", name)
		}
		if _, ok := g.queryMap[q.Name()]; ok {
			return nil, errors.Wrapf(ErrQueryExists, "query %s in group %s", q.Name(), name)
		}
		if err := q.bindGroup(g); err != nil {
			return nil, errors.Wrapf(err, "group %s", name)
		}
		g.queries = append(g.queries, q)
		g.queryMap[q.Name()] = q
	}
	return g, nil
}

// Name returns the group name.
func (g *Group) Name() string { return g.name }

// Query returns the named query's storage.
func (g *Group) Query(name string) (QueryStorage, error) {
	q, ok := g.queryMap[name]
	if !ok {
		return nil, errors.Wrapf(ErrQueryNotFound, "query %s in group %s", name, g.name)
	}
	return q, nil
}

// Queries returns the group's queries in declaration order.
func (g *Group) Queries() []QueryStorage {
	qs := make([]QueryStorage, len(g.queries))
	copy(qs, g.queries)
	return qs
}

// ForEachQuery visits the group's queries in declaration order,
// stopping at the first error.
func (g *Group) ForEachQuery(fn func(q QueryStorage) error) error {
	for _, q := range g.queries {
		if err := fn(q); err != nil {
			return err
		}
	}
	return nil
}

// SweepBefore sweeps every query in the group, reporting the total
// number of dropped cells.
func (g *Group) SweepBefore(ctx context.Context, before Revision) (int, error) {
	total := 0
	for _, q := range g.queries {
		n, err := q.SweepBefore(ctx, before)
		total += n
		if err != nil {
			return total, errors.Wrapf(err, "sweeping group %s", g.name)
		}
	}
	return total, nil
}

func (g *Group) bindDB(db *DB) error {
	if g.db != nil {
		return errors.Wrapf(ErrGroupBound, "group %s", g.name)
	}
	g.db = db
	for _, q := range g.queries {
		if err := q.bindDB(db); err != nil {
			return err
		}
	}
	return nil
}
