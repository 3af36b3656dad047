// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package memo_test

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"

	"github.com/featurebasedb/memo"
)

// Ensure set values come back and unset cells report an error.
func TestInput_SetFetch(t *testing.T) {
	ctx := context.Background()
	base := mustInput[string, int](t, "base")
	db := mustDB(t, nil, mustGroup(t, "main", base))

	if err := base.Set(ctx, "k", 11); err != nil {
		t.Fatal(err)
	}
	if db.Revision() != 2 {
		t.Fatalf("revision after set: got %d, want 2", db.Revision())
	}
	v, err := base.Fetch(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if v != 11 {
		t.Fatalf("fetch: got %d, want 11", v)
	}

	_, err = base.Fetch(ctx, "unset")
	var unset memo.UnsetInputError
	if !errors.As(err, &unset) {
		t.Fatalf("fetch unset: got %v", err)
	}
	if want := memo.Key("main", "base", "unset"); unset.Key != want {
		t.Fatalf("unset key: got %v, want %v", unset.Key, want)
	}
}

// Ensure a declared default is served and memoized without advancing
// the revision.
func TestInput_Default(t *testing.T) {
	ctx := context.Background()
	def := mustInput[string, int](t, "def", memo.OptInputDefault(7))
	var calls int32
	plus := mustDerived(t, "plus", func(ctx context.Context, db *memo.DB, k string) (int, error) {
		atomic.AddInt32(&calls, 1)
		v, err := def.Fetch(ctx, k)
		if err != nil {
			return 0, err
		}
		return v + 1, nil
	})
	db := mustDB(t, nil, mustGroup(t, "main", def, plus))

	v, err := def.Fetch(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if v != 7 {
		t.Fatalf("default fetch: got %d, want 7", v)
	}
	if db.Revision() != 1 {
		t.Fatalf("revision after default install: got %d, want 1", db.Revision())
	}
	if got := def.Info().Defaults; got != 1 {
		t.Fatalf("default installs: got %d, want 1", got)
	}

	if v, err = plus.Fetch(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if v != 8 {
		t.Fatalf("dependent of default: got %d, want 8", v)
	}

	// Writing the default value back is still a change: the revision
	// advances and the dependent recomputes.
	if err := def.Set(ctx, "k", 7); err != nil {
		t.Fatal(err)
	}
	if db.Revision() != 2 {
		t.Fatalf("revision after set: got %d, want 2", db.Revision())
	}
	if _, err := plus.Fetch(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("compute calls after set: got %d, want 2", got)
	}

	if err := def.Set(ctx, "k", 9); err != nil {
		t.Fatal(err)
	}
	if v, err = plus.Fetch(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if v != 10 {
		t.Fatalf("dependent after set: got %d, want 10", v)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("compute calls after set: got %d, want 3", got)
	}
}

// Ensure a default of the wrong type is rejected at declaration.
func TestInput_DefaultTypeMismatch(t *testing.T) {
	if _, err := memo.NewInput[string, int]("bad", memo.OptInputDefault("seven")); err == nil {
		t.Fatal("expected error for mistyped default")
	}
}

// Ensure every set marks the cell changed, even when the value written
// back is identical to the one it replaces.
func TestInput_SetSameValue(t *testing.T) {
	ctx := context.Background()
	base := mustInput[int, int](t, "base")
	var calls int32
	double := mustDerived(t, "double", func(ctx context.Context, db *memo.DB, k int) (int, error) {
		atomic.AddInt32(&calls, 1)
		v, err := base.Fetch(ctx, k)
		if err != nil {
			return 0, err
		}
		return v * 2, nil
	})
	db := mustDB(t, nil, mustGroup(t, "main", base, double))

	if err := base.Set(ctx, 1, 5); err != nil {
		t.Fatal(err)
	}
	v, err := double.Fetch(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if v != 10 {
		t.Fatalf("double: got %d, want 10", v)
	}

	// The second set takes the revision from 2 to 3 and stamps the
	// cell changed at 3, so it reports changed since revision 2.
	if err := base.Set(ctx, 1, 5); err != nil {
		t.Fatal(err)
	}
	if db.Revision() != 3 {
		t.Fatalf("revision after second set: got %d, want 3", db.Revision())
	}
	changed, err := db.MaybeChangedAfter(ctx, memo.Key("main", "base", 1), 2)
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Fatal("cell should report changed since the revision before the set")
	}

	// The dependent recomputes; its unchanged result is backdated.
	if v, err = double.Fetch(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if v != 10 {
		t.Fatalf("double after second set: got %d, want 10", v)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("compute calls: got %d, want 2", got)
	}
	changed, err = double.MaybeChangedAfter(ctx, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Fatal("backdated dependent should be unchanged since revision 2")
	}
}

// Ensure sets are refused while a computation is running on the same
// context.
func TestInput_SetDuringQuery(t *testing.T) {
	ctx := context.Background()
	base := mustInput[string, int](t, "base")
	var calls int32
	writer := mustDerived(t, "writer", func(ctx context.Context, db *memo.DB, k string) (int, error) {
		atomic.AddInt32(&calls, 1)
		if err := base.Set(ctx, k, 1); err != nil {
			return 0, err
		}
		return 0, nil
	})
	mustDB(t, nil, mustGroup(t, "main", base, writer))

	if _, err := writer.Fetch(ctx, "k"); !errors.Is(err, memo.ErrSetDuringQuery) {
		t.Fatalf("set during query: got %v", err)
	}
	// Failed computations are not memoized.
	if _, err := writer.Fetch(ctx, "k"); !errors.Is(err, memo.ErrSetDuringQuery) {
		t.Fatalf("set during query: got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("compute calls: got %d, want 2", got)
	}
}

// Ensure staleness checks track the revision a cell last changed at.
func TestInput_MaybeChangedAfter(t *testing.T) {
	ctx := context.Background()
	base := mustInput[string, int](t, "base")
	db := mustDB(t, nil, mustGroup(t, "main", base))

	if err := base.Set(ctx, "k", 1); err != nil {
		t.Fatal(err)
	}
	// Revision is now 2 and the cell changed at 2.
	changed, err := base.MaybeChangedAfter(ctx, "k", 1)
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Fatal("cell should report changed since revision 1")
	}
	if changed, err = base.MaybeChangedAfter(ctx, "k", 2); err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Fatal("cell should be unchanged since revision 2")
	}

	// A cell never seen reports changed.
	if changed, err = base.MaybeChangedAfter(ctx, "nope", db.Revision()); err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Fatal("unknown cell should report changed")
	}
}
