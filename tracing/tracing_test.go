// Copyright 2021 Molecula Corp. All rights reserved.
package tracing_test

import (
	"context"
	"testing"

	"github.com/featurebasedb/memo/tracing"
)

func TestStartSpanFromContext(t *testing.T) {
	span, ctx := tracing.StartSpanFromContext(context.Background(), "op")
	if ctx == nil {
		t.Fatal("expected context")
	}
	// A plain span under a plain context shouldn't profile itself.
	if _, ok := span.(tracing.ProfiledSpan); ok {
		t.Fatal("expected unprofiled span")
	}
	span.LogKV("k", "v")
	span.Finish()
}

// Ensure a profiled span picks up children started under its context,
// including children started through the unprofiled entry point.
func TestStartProfiledSpanFromContext(t *testing.T) {
	root, ctx := tracing.StartProfiledSpanFromContext(context.Background(), "fetch")
	root.LogKV("query", "cell", "ignored")

	child, _ := tracing.StartSpanFromContext(ctx, "recompute")
	child.LogKV("hit", false)
	child.Finish()
	root.Finish()

	prof, ok := root.Dump().(*tracing.Profile)
	if !ok {
		t.Fatalf("unexpected dump type: %T", root.Dump())
	}
	if prof.Name != "fetch" {
		t.Fatalf("unexpected name: %s", prof.Name)
	}
	if prof.End.IsZero() {
		t.Fatal("expected finished profile")
	}
	if got := prof.KV["query"]; got != "cell" {
		t.Fatalf("unexpected kv: %+v", prof.KV)
	}
	if len(prof.Children) != 1 {
		t.Fatalf("unexpected children: %+v", prof.Children)
	}
	childProf, ok := prof.Children[0].Dump().(*tracing.Profile)
	if !ok || childProf.Name != "recompute" {
		t.Fatalf("unexpected child: %+v", prof.Children[0])
	}
	if got := childProf.KV["hit"]; got != false {
		t.Fatalf("unexpected child kv: %+v", childProf.KV)
	}
}
