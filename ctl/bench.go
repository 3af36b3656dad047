// Copyright 2017 Pilosa Corp.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ctl

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/featurebasedb/memo"
)

// BenchCommand represents a command for benchmarking database operations.
// The workload runs against an in-process database holding a stack of
// derived layers over a row of input cells, so that every set invalidates
// a slice of the graph and every fetch revalidates it.
type BenchCommand struct {
	*CmdIO

	// Op is the workload to run: set, fetch, or mixed.
	Op string

	// N is the total number of operations to execute.
	N int

	// Width is the number of input cells, and the key range of every layer.
	Width int

	// Depth is the number of derived layers stacked on the inputs.
	Depth int

	// Workers is the number of goroutines issuing operations concurrently.
	Workers int

	// Seed makes runs repeatable.
	Seed int64

	// Config tunes the database the workload runs against.
	Config *Config
}

// NewBenchCommand returns a new instance of BenchCommand.
func NewBenchCommand(stdin io.Reader, stdout, stderr io.Writer) *BenchCommand {
	return &BenchCommand{
		CmdIO:   NewCmdIO(stdin, stdout, stderr),
		Width:   1024,
		Depth:   4,
		Workers: 1,
		Config:  NewConfig(),
	}
}

// Run executes the bench command.
func (cmd *BenchCommand) Run(ctx context.Context) error {
	switch cmd.Op {
	case "set", "fetch", "mixed":
	case "":
		return errors.New("op required")
	default:
		return errors.Errorf("unknown bench op: %q", cmd.Op)
	}
	if cmd.N == 0 {
		return errors.New("operation count required")
	}
	if cmd.Width < 1 || cmd.Depth < 1 {
		return errors.New("width and depth must be at least 1")
	}
	if cmd.Workers < 1 {
		return errors.New("worker count must be at least 1")
	}

	log, logCloser, err := cmd.Config.NewLogger(cmd.Stderr)
	if err != nil {
		return err
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	conf, err := cmd.Config.DatabaseConfig(log)
	if err != nil {
		return err
	}

	cells, top, group, err := benchGroup(cmd.Width, cmd.Depth)
	if err != nil {
		return errors.Wrap(err, "building bench group")
	}
	db, err := memo.NewDB(conf, group)
	if err != nil {
		return errors.Wrap(err, "creating database")
	}
	if err := db.Open(); err != nil {
		return errors.Wrap(err, "opening database")
	}
	defer db.Close()

	// Seed every cell so fetches never observe an unset input, then warm
	// the layers so the measured run starts from a fully verified graph.
	for i := 0; i < cmd.Width; i++ {
		if err := cells.Set(ctx, i, int64(i)); err != nil {
			return errors.Wrap(err, "seeding cells")
		}
	}
	for i := 0; i < cmd.Width; i++ {
		if _, err := top.Fetch(ctx, i); err != nil {
			return errors.Wrap(err, "warming layers")
		}
	}
	log.Debugf("bench: seeded %d cells under %d layers", cmd.Width, cmd.Depth)

	startTime := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < cmd.Workers; w++ {
		n := cmd.N / cmd.Workers
		if w < cmd.N%cmd.Workers {
			n++
		}
		rnd := rand.New(rand.NewSource(cmd.Seed + int64(w)))
		g.Go(func() error {
			for i := 0; i < n; i++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				k := rnd.Intn(cmd.Width)
				if cmd.Op == "set" || (cmd.Op == "mixed" && rnd.Intn(4) == 0) {
					if err := cells.Set(gctx, k, rnd.Int63()); err != nil {
						return err
					}
					continue
				}
				if _, err := top.Fetch(gctx, k); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return errors.Wrap(err, "running workload")
	}
	elapsed := time.Since(startTime)

	info := db.Info()
	var hits, verifies, recomputes, coalesced uint64
	for _, q := range info.Queries {
		hits += q.Hits
		verifies += q.Verifies
		recomputes += q.Recomputes
		coalesced += q.Coalesced
	}
	fmt.Fprintf(cmd.Stdout, "Executed %d operations in %s (%0.3f op/sec)\n", cmd.N, elapsed, float64(cmd.N)/elapsed.Seconds())
	fmt.Fprintf(cmd.Stdout, "Revision %d: %d hits, %d verifies, %d recomputes, %d coalesced\n", info.Revision, hits, verifies, recomputes, coalesced)
	return nil
}

// benchGroup builds the query graph the workload runs against: width
// input cells under depth derived layers, where layer d at key k sums
// the two cells of layer d-1 at keys k and (k+1) mod width.
func benchGroup(width, depth int) (*memo.Input[int, int64], *memo.Derived[int, int64], *memo.Group, error) {
	cells, err := memo.NewInput[int, int64]("cell")
	if err != nil {
		return nil, nil, nil, err
	}
	queries := []memo.QueryStorage{cells}

	fetchBelow := cells.Fetch
	var top *memo.Derived[int, int64]
	for d := 0; d < depth; d++ {
		below := fetchBelow
		layer, err := memo.NewDerived[int, int64](fmt.Sprintf("layer%d", d),
			func(ctx context.Context, _ *memo.DB, k int) (int64, error) {
				left, err := below(ctx, k)
				if err != nil {
					return 0, err
				}
				right, err := below(ctx, (k+1)%width)
				if err != nil {
					return 0, err
				}
				return left + right, nil
			})
		if err != nil {
			return nil, nil, nil, err
		}
		queries = append(queries, layer)
		fetchBelow = layer.Fetch
		top = layer
	}

	group, err := memo.NewGroup("bench", queries...)
	if err != nil {
		return nil, nil, nil, err
	}
	return cells, top, group, nil
}
