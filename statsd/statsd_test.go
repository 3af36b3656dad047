// Copyright 2021 Molecula Corp. All rights reserved.
package statsd_test

import (
	"net"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/featurebasedb/memo"
	"github.com/featurebasedb/memo/statsd"
)

func TestStatsClient_WithTags(t *testing.T) {
	// Create a new client.
	c, err := statsd.NewStatsClient("localhost:19444", "memo")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	// Tag it the way a bound query is tagged.
	c1 := c.WithTags("query:base", "group:main")
	if tags := c1.Tags(); !reflect.DeepEqual(tags, []string{"group:main", "query:base"}) {
		t.Fatalf("unexpected tags: %+v", tags)
	}

	// Re-tagging for another query unions with the existing tags.
	c2 := c1.WithTags("group:main", "query:sum")
	if tags := c2.Tags(); !reflect.DeepEqual(tags, []string{"group:main", "query:base", "query:sum"}) {
		t.Fatalf("unexpected tags: %+v", tags)
	}
}

func TestStatsClient_DatabaseMetrics(t *testing.T) {
	// Listen where the client will send.
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	c, err := statsd.NewStatsClient(conn.LocalAddr().String(), "memo")
	if err != nil {
		t.Fatal(err)
	}

	// Emit the shapes the database emits: per-query counters and
	// timings on a tagged clone, database gauges on the root client.
	q := c.WithTags("group:main", "query:base")
	q.Count(memo.MetricFetchHit, 1, 1.0)
	q.Timing(memo.MetricRecomputeDuration, 123*time.Microsecond, 1.0)
	c.Gauge(memo.MetricRevision, 3, 1.0)
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	// Close flushed the buffer; collect datagrams until the metrics
	// show up or the deadline passes.
	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatal(err)
	}
	var payload strings.Builder
	buf := make([]byte, 65536)
	for {
		got := payload.String()
		if strings.Contains(got, "memo.fetch_hit_total:1|c|#group:main,query:base") &&
			strings.Contains(got, "memo.revision:3|g") &&
			strings.Contains(got, "memo.recompute_duration_seconds:") {
			break
		}
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			t.Fatalf("metrics never arrived: %v; got %q", err, payload.String())
		}
		payload.Write(buf[:n])
		payload.WriteByte('\n')
	}
}
