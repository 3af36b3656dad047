// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package memo

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
)

// memoEntry is one memoized cell: the value, the revision it last
// changed at, the revision it was last verified at, and the
// dependencies observed while computing it, in read order. Inputs
// carry no dependencies.
type memoEntry[V any] struct {
	value      V
	changedAt  Revision
	verifiedAt Revision
	deps       []DatabaseKey
}

// memoTable stores the memoized cells of one query. Implementations
// must be safe for concurrent use.
type memoTable[K comparable, V any] interface {
	// load returns the entry for k, refreshing its recency.
	load(k K) (memoEntry[V], bool)
	// peek returns the entry for k without touching recency.
	peek(k K) (memoEntry[V], bool)
	store(k K, e memoEntry[V])
	remove(k K) bool
	length() int
	keys() []K
}

// mapTable is the unbounded default table.
type mapTable[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]memoEntry[V]
}

func newMapTable[K comparable, V any]() *mapTable[K, V] {
	return &mapTable[K, V]{entries: make(map[K]memoEntry[V])}
}

func (t *mapTable[K, V]) load(k K) (memoEntry[V], bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[k]
	return e, ok
}

func (t *mapTable[K, V]) peek(k K) (memoEntry[V], bool) {
	return t.load(k)
}

func (t *mapTable[K, V]) store(k K, e memoEntry[V]) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[k] = e
}

func (t *mapTable[K, V]) remove(k K) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[k]
	delete(t.entries, k)
	return ok
}

func (t *mapTable[K, V]) length() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

func (t *mapTable[K, V]) keys() []K {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ks := make([]K, 0, len(t.entries))
	for k := range t.entries {
		ks = append(ks, k)
	}
	return ks
}

// lruTable bounds a derived query's cache. The underlying cache is
// already safe for concurrent use.
type lruTable[K comparable, V any] struct {
	cache   *lru.Cache[K, memoEntry[V]]
	onEvict func()
}

// newLRUTable returns a table holding at most size entries. onEvict,
// if non-nil, runs once per entry displaced by capacity.
func newLRUTable[K comparable, V any](size int, onEvict func()) (*lruTable[K, V], error) {
	cache, err := lru.New[K, memoEntry[V]](size)
	if err != nil {
		return nil, errors.Wrap(err, "creating lru cache")
	}
	return &lruTable[K, V]{cache: cache, onEvict: onEvict}, nil
}

func (t *lruTable[K, V]) load(k K) (memoEntry[V], bool) {
	return t.cache.Get(k)
}

func (t *lruTable[K, V]) peek(k K) (memoEntry[V], bool) {
	return t.cache.Peek(k)
}

func (t *lruTable[K, V]) store(k K, e memoEntry[V]) {
	if t.cache.Add(k, e) && t.onEvict != nil {
		t.onEvict()
	}
}

func (t *lruTable[K, V]) remove(k K) bool {
	return t.cache.Remove(k)
}

func (t *lruTable[K, V]) length() int {
	return t.cache.Len()
}

func (t *lruTable[K, V]) keys() []K {
	return t.cache.Keys()
}
