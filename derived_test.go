// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package memo_test

import (
	"context"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-test/deep"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/featurebasedb/memo"
)

// Ensure fetches recompute on change, verify on unrelated change, and
// hit otherwise.
func TestDerived_RecomputeVerifyHit(t *testing.T) {
	ctx := context.Background()
	base := mustInput[string, int](t, "base")
	other := mustInput[string, int](t, "other")
	var calls int32
	doubled := doubler(t, base, &calls)
	mustDB(t, nil, mustGroup(t, "main", base, other, doubled))

	if err := base.Set(ctx, "k", 2); err != nil {
		t.Fatal(err)
	}
	v, err := doubled.Fetch(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if v != 4 {
		t.Fatalf("fetch: got %d, want 4", v)
	}

	// Unchanged revision: pure cache hit.
	if _, err := doubled.Fetch(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("compute calls after hit: got %d, want 1", got)
	}

	// Changing the dependency recomputes.
	if err := base.Set(ctx, "k", 3); err != nil {
		t.Fatal(err)
	}
	if v, err = doubled.Fetch(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if v != 6 {
		t.Fatalf("fetch after set: got %d, want 6", v)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("compute calls after set: got %d, want 2", got)
	}

	// Changing an unrelated input, even under the same key, verifies
	// without recomputing.
	if err := other.Set(ctx, "k", 99); err != nil {
		t.Fatal(err)
	}
	if v, err = doubled.Fetch(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if v != 6 {
		t.Fatalf("fetch after unrelated set: got %d, want 6", v)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("compute calls after unrelated set: got %d, want 2", got)
	}

	info := doubled.Info()
	if info.Hits != 1 || info.Verifies != 1 || info.Recomputes != 2 {
		t.Fatalf("doubled info: %+v", info)
	}
}

// Ensure a recomputation that reproduces the old value stops
// invalidation from cascading.
func TestDerived_Backdating(t *testing.T) {
	ctx := context.Background()
	base := mustInput[string, int](t, "base")
	var parityCalls, tensCalls int32
	parity := mustDerived(t, "parity", func(ctx context.Context, db *memo.DB, k string) (int, error) {
		atomic.AddInt32(&parityCalls, 1)
		v, err := base.Fetch(ctx, k)
		if err != nil {
			return 0, err
		}
		return v % 2, nil
	})
	tens := mustDerived(t, "tens", func(ctx context.Context, db *memo.DB, k string) (int, error) {
		atomic.AddInt32(&tensCalls, 1)
		v, err := parity.Fetch(ctx, k)
		if err != nil {
			return 0, err
		}
		return v * 10, nil
	})
	mustDB(t, nil, mustGroup(t, "main", base, parity, tens))

	if err := base.Set(ctx, "k", 2); err != nil {
		t.Fatal(err)
	}
	v, err := tens.Fetch(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if v != 0 {
		t.Fatalf("tens: got %d, want 0", v)
	}

	// 2 -> 4 changes base but not parity: parity recomputes and
	// backdates, tens only verifies.
	if err := base.Set(ctx, "k", 4); err != nil {
		t.Fatal(err)
	}
	if v, err = tens.Fetch(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if v != 0 {
		t.Fatalf("tens after even set: got %d, want 0", v)
	}
	if got := atomic.LoadInt32(&parityCalls); got != 2 {
		t.Fatalf("parity compute calls: got %d, want 2", got)
	}
	if got := atomic.LoadInt32(&tensCalls); got != 1 {
		t.Fatalf("tens compute calls: got %d, want 1", got)
	}
	if got := tens.Info().Verifies; got != 1 {
		t.Fatalf("tens verifies: got %d, want 1", got)
	}

	// 4 -> 5 flips parity and reaches tens.
	if err := base.Set(ctx, "k", 5); err != nil {
		t.Fatal(err)
	}
	if v, err = tens.Fetch(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if v != 10 {
		t.Fatalf("tens after odd set: got %d, want 10", v)
	}
	if got := atomic.LoadInt32(&tensCalls); got != 2 {
		t.Fatalf("tens compute calls after odd set: got %d, want 2", got)
	}
}

// Ensure custom equality drives backdating: the new value is stored
// but dependents stay verified.
func TestDerived_CustomEqual(t *testing.T) {
	ctx := context.Background()
	base := mustInput[string, int](t, "base")
	var listCalls, sumCalls int32
	list := mustDerived(t, "list", func(ctx context.Context, db *memo.DB, k string) ([]int, error) {
		atomic.AddInt32(&listCalls, 1)
		v, err := base.Fetch(ctx, k)
		if err != nil {
			return nil, err
		}
		return []int{v}, nil
	}, memo.OptDerivedEqual(func(a, b []int) bool {
		return len(a) == len(b)
	}))
	sum := mustDerived(t, "sum", func(ctx context.Context, db *memo.DB, k string) (int, error) {
		atomic.AddInt32(&sumCalls, 1)
		vs, err := list.Fetch(ctx, k)
		if err != nil {
			return 0, err
		}
		n := 0
		for _, v := range vs {
			n += v
		}
		return n, nil
	})
	mustDB(t, nil, mustGroup(t, "main", base, list, sum))

	if err := base.Set(ctx, "k", 1); err != nil {
		t.Fatal(err)
	}
	v, err := sum.Fetch(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if v != 1 {
		t.Fatalf("sum: got %d, want 1", v)
	}

	// The recomputed list compares equal by length, so sum stays
	// verified against the old result.
	if err := base.Set(ctx, "k", 2); err != nil {
		t.Fatal(err)
	}
	vs, err := list.Fetch(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(vs, []int{2}) {
		t.Fatalf("list after set: got %v, want [2]", vs)
	}
	if v, err = sum.Fetch(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if v != 1 {
		t.Fatalf("sum after backdated set: got %d, want 1", v)
	}
	if got := atomic.LoadInt32(&listCalls); got != 2 {
		t.Fatalf("list compute calls: got %d, want 2", got)
	}
	if got := atomic.LoadInt32(&sumCalls); got != 1 {
		t.Fatalf("sum compute calls: got %d, want 1", got)
	}
}

// Ensure a dependency cycle reports the full path rather than
// deadlocking.
func TestDerived_Cycle(t *testing.T) {
	ctx := context.Background()
	var a, b *memo.Derived[string, int]
	a = mustDerived(t, "a", func(ctx context.Context, db *memo.DB, k string) (int, error) {
		return b.Fetch(ctx, k)
	})
	b = mustDerived(t, "b", func(ctx context.Context, db *memo.DB, k string) (int, error) {
		v, err := a.Fetch(ctx, k)
		return v + 1, err
	})
	mustDB(t, nil, mustGroup(t, "main", a, b))

	_, err := a.Fetch(ctx, "k")
	var cycle memo.CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("cyclic fetch: got %v", err)
	}
	want := []memo.DatabaseKey{
		memo.Key("main", "a", "k"),
		memo.Key("main", "b", "k"),
		memo.Key("main", "a", "k"),
	}
	if diff := deep.Equal(cycle.Path, want); diff != nil {
		t.Fatalf("cycle path mismatch:\n%s", strings.Join(diff, "\n"))
	}
	if got := a.Info().Cycles; got != 1 {
		t.Fatalf("cycle count: got %d, want 1", got)
	}

	// Nothing from the failed chain is memoized.
	if a.Len() != 0 || b.Len() != 0 {
		t.Fatalf("cells memoized after cycle: a=%d b=%d", a.Len(), b.Len())
	}
}

// Ensure a query fetching itself reports the two-element path.
func TestDerived_SelfCycle(t *testing.T) {
	ctx := context.Background()
	var s *memo.Derived[string, int]
	s = mustDerived(t, "selfish", func(ctx context.Context, db *memo.DB, k string) (int, error) {
		return s.Fetch(ctx, k)
	})
	mustDB(t, nil, mustGroup(t, "main", s))

	_, err := s.Fetch(ctx, "k")
	var cycle memo.CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("self-cyclic fetch: got %v", err)
	}
	want := []memo.DatabaseKey{
		memo.Key("main", "selfish", "k"),
		memo.Key("main", "selfish", "k"),
	}
	if diff := deep.Equal(cycle.Path, want); diff != nil {
		t.Fatalf("cycle path mismatch:\n%s", strings.Join(diff, "\n"))
	}
}

// Ensure concurrent fetches of a cell whose computation is cyclic all
// receive the cycle error instead of blocking on the shared flight.
func TestDerived_CycleConcurrent(t *testing.T) {
	ctx := context.Background()
	var a, b *memo.Derived[string, int]
	started := make(chan struct{})
	gate := make(chan struct{})
	var once sync.Once
	a = mustDerived(t, "a", func(ctx context.Context, db *memo.DB, k string) (int, error) {
		once.Do(func() {
			close(started)
			<-gate
		})
		return b.Fetch(ctx, k)
	})
	b = mustDerived(t, "b", func(ctx context.Context, db *memo.DB, k string) (int, error) {
		return a.Fetch(ctx, k)
	})
	mustDB(t, nil, mustGroup(t, "main", a, b))

	errs := make(chan error, 2)
	go func() {
		_, err := a.Fetch(ctx, "k")
		errs <- err
	}()
	<-started
	go func() {
		_, err := a.Fetch(ctx, "k")
		errs <- err
	}()
	time.Sleep(50 * time.Millisecond)
	close(gate)

	for i := 0; i < 2; i++ {
		var cycle memo.CycleError
		if err := <-errs; !errors.As(err, &cycle) {
			t.Fatalf("fetch %d: got %v", i, err)
		}
	}
}

// Ensure recursion over distinct keys is not a cycle.
func TestDerived_Recursive(t *testing.T) {
	ctx := context.Background()
	var fib *memo.Derived[int, int]
	var calls int32
	fib = mustDerived(t, "fib", func(ctx context.Context, db *memo.DB, n int) (int, error) {
		atomic.AddInt32(&calls, 1)
		if n < 2 {
			return n, nil
		}
		a, err := fib.Fetch(ctx, n-1)
		if err != nil {
			return 0, err
		}
		b, err := fib.Fetch(ctx, n-2)
		if err != nil {
			return 0, err
		}
		return a + b, nil
	})
	mustDB(t, nil, mustGroup(t, "math", fib))

	v, err := fib.Fetch(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if v != 55 {
		t.Fatalf("fib(10): got %d, want 55", v)
	}
	// One computation per key; shared subproblems are hits.
	if got := atomic.LoadInt32(&calls); got != 11 {
		t.Fatalf("compute calls: got %d, want 11", got)
	}
	if _, err := fib.Fetch(ctx, 10); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&calls); got != 11 {
		t.Fatalf("compute calls after refetch: got %d, want 11", got)
	}
}

// Ensure identical concurrent fetches share one computation.
func TestDerived_CoalesceConcurrent(t *testing.T) {
	ctx := context.Background()
	base := mustInput[string, int](t, "base")
	gate := make(chan struct{})
	var calls int32
	slow := mustDerived(t, "slow", func(ctx context.Context, db *memo.DB, k string) (int, error) {
		atomic.AddInt32(&calls, 1)
		<-gate
		v, err := base.Fetch(ctx, k)
		if err != nil {
			return 0, err
		}
		return 2 * v, nil
	})
	mustDB(t, nil, mustGroup(t, "main", base, slow))

	if err := base.Set(ctx, "k", 21); err != nil {
		t.Fatal(err)
	}

	const fetchers = 8
	results := make([]int, fetchers)
	var eg errgroup.Group
	for i := 0; i < fetchers; i++ {
		i := i
		eg.Go(func() error {
			v, err := slow.Fetch(ctx, "k")
			results[i] = v
			return err
		})
	}
	time.Sleep(50 * time.Millisecond)
	close(gate)
	if err := eg.Wait(); err != nil {
		t.Fatal(err)
	}

	for i, v := range results {
		if v != 42 {
			t.Fatalf("fetch %d: got %d, want 42", i, v)
		}
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("compute calls: got %d, want 1", got)
	}
	info := slow.Info()
	if info.Recomputes != 1 {
		t.Fatalf("recomputes: got %d, want 1", info.Recomputes)
	}
	if info.Hits+info.Coalesced < fetchers-1 {
		t.Fatalf("hits %d + coalesced %d should cover the waiting fetches", info.Hits, info.Coalesced)
	}
}

// Ensure failed computations surface their cell and are not memoized.
func TestDerived_ComputeErrorNotCached(t *testing.T) {
	ctx := context.Background()
	base := mustInput[string, int](t, "base")
	errOdd := errors.New("odd value")
	var calls int32
	even := mustDerived(t, "even", func(ctx context.Context, db *memo.DB, k string) (int, error) {
		atomic.AddInt32(&calls, 1)
		v, err := base.Fetch(ctx, k)
		if err != nil {
			return 0, err
		}
		if v%2 != 0 {
			return 0, errOdd
		}
		return v, nil
	})
	mustDB(t, nil, mustGroup(t, "main", base, even))

	if err := base.Set(ctx, "k", 3); err != nil {
		t.Fatal(err)
	}
	_, err := even.Fetch(ctx, "k")
	if !errors.Is(err, errOdd) {
		t.Fatalf("failing fetch: got %v", err)
	}
	if !strings.Contains(err.Error(), "main/even(k)") {
		t.Fatalf("error should name the failing cell: %v", err)
	}

	// The failure is recomputed, not replayed from cache.
	if _, err := even.Fetch(ctx, "k"); !errors.Is(err, errOdd) {
		t.Fatalf("failing refetch: got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("compute calls: got %d, want 2", got)
	}
	if got := even.Info().Errors; got != 2 {
		t.Fatalf("error count: got %d, want 2", got)
	}

	if err := base.Set(ctx, "k", 4); err != nil {
		t.Fatal(err)
	}
	v, err := even.Fetch(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if v != 4 {
		t.Fatalf("fetch after fix: got %d, want 4", v)
	}
}

// Ensure bounded queries evict by recency and recompute on demand.
func TestDerived_CacheSize(t *testing.T) {
	ctx := context.Background()
	base := mustInput[string, int](t, "base")
	var calls int32
	capped := mustDerived(t, "capped", func(ctx context.Context, db *memo.DB, k string) (int, error) {
		atomic.AddInt32(&calls, 1)
		return base.Fetch(ctx, k)
	}, memo.OptDerivedCacheSize(2))
	mustDB(t, nil, mustGroup(t, "main", base, capped))

	for i, k := range []string{"a", "b", "c"} {
		if err := base.Set(ctx, k, i+1); err != nil {
			t.Fatal(err)
		}
		if _, err := capped.Fetch(ctx, k); err != nil {
			t.Fatal(err)
		}
	}
	if got := capped.Len(); got != 2 {
		t.Fatalf("entries: got %d, want 2", got)
	}
	if got := capped.Info().Evictions; got != 1 {
		t.Fatalf("evictions: got %d, want 1", got)
	}

	// The evicted cell recomputes on demand.
	before := atomic.LoadInt32(&calls)
	v, err := capped.Fetch(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if v != 1 {
		t.Fatalf("refetch after eviction: got %d, want 1", v)
	}
	if got := atomic.LoadInt32(&calls); got != before+1 {
		t.Fatalf("compute calls after eviction: got %d, want %d", got, before+1)
	}

	if _, err := memo.NewDerived("bad", func(ctx context.Context, db *memo.DB, k string) (int, error) {
		return 0, nil
	}, memo.OptDerivedCacheSize(0)); err == nil {
		t.Fatal("expected error for non-positive cache size")
	}

	// A database-wide cache size applies to queries without their own.
	base2 := mustInput[string, int](t, "base")
	var calls2 int32
	plain := mustDerived(t, "plain", func(ctx context.Context, db *memo.DB, k string) (int, error) {
		atomic.AddInt32(&calls2, 1)
		return base2.Fetch(ctx, k)
	})
	mustDB(t, &memo.Config{CacheSize: 1}, mustGroup(t, "aux", base2, plain))
	for i, k := range []string{"a", "b"} {
		if err := base2.Set(ctx, k, i+1); err != nil {
			t.Fatal(err)
		}
		if _, err := plain.Fetch(ctx, k); err != nil {
			t.Fatal(err)
		}
	}
	if got := plain.Len(); got != 1 {
		t.Fatalf("entries under database-wide bound: got %d, want 1", got)
	}
}

// Ensure staleness checks verify or recompute only as needed.
func TestDerived_MaybeChangedAfter(t *testing.T) {
	ctx := context.Background()
	base := mustInput[string, int](t, "base")
	var calls int32
	doubled := doubler(t, base, &calls)
	db := mustDB(t, nil, mustGroup(t, "main", base, doubled))

	if err := base.Set(ctx, "k", 2); err != nil {
		t.Fatal(err)
	}
	if _, err := doubled.Fetch(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	since := db.Revision() // 2

	if err := base.Set(ctx, "k", 3); err != nil {
		t.Fatal(err)
	}
	// Answering requires recomputing the cell.
	changed, err := doubled.MaybeChangedAfter(ctx, "k", since)
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Fatal("cell should report changed after dependency set")
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("compute calls: got %d, want 2", got)
	}

	// Already verified at the current revision: no further work.
	if changed, err = doubled.MaybeChangedAfter(ctx, "k", db.Revision()); err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Fatal("cell should be unchanged since the current revision")
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("compute calls after verified check: got %d, want 2", got)
	}

	// A cell never fetched reports changed without computing it.
	if changed, err = doubled.MaybeChangedAfter(ctx, "never", 1); err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Fatal("missing cell should report changed")
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("compute calls after missing check: got %d, want 2", got)
	}
}
