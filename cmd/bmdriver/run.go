// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package main

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/intuitivelabs/mallocs/bmalloc"
	"github.com/intuitivelabs/mallocs/bmalloc/arena"
	"github.com/intuitivelabs/mallocs/bmalloc/trace"
)

var (
	runFirstFit  bool
	runChunkBits int
	runMaxHeap   int
	runArena     string
	runCheck     bool
)

func init() {
	cmd := newRunCmd()
	cmd.Flags().BoolVar(&runFirstFit, "first-fit", false,
		"Use first-fit instead of best-fit")
	cmd.Flags().IntVar(&runChunkBits, "chunk-bits", bmalloc.DefaultChunkBits,
		"Heap growth chunk, as a power of 2")
	cmd.Flags().IntVar(&runMaxHeap, "max-heap", arena.DefaultMaxHeap,
		"Maximum heap size in bytes")
	cmd.Flags().StringVar(&runArena, "arena", "mmap",
		"Arena backing the heap: mmap or slice")
	cmd.Flags().BoolVar(&runCheck, "check", false,
		"Check the whole heap after every operation")
	rootCmd.AddCommand(cmd)
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <trace>...",
		Short: "Replay traces and report utilization and throughput",
		Long: `The run command replays each trace on a fresh heap, checking every
operation, and prints the peak utilization (maximum live payload / heap
size) and the throughput of an unchecked second run.

Example:
  bmdriver run traces/*.rep
  bmdriver run --first-fit --check short1.rep
  bmdriver run --arena slice --json amptjp.rep`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(args)
		},
	}
	return cmd
}

// Summary is the run command output.
type Summary struct {
	Policy      string    `json:"policy"`
	Results     []*Result `json:"results"`
	Utilization float64   `json:"utilization"` // weighted average
	Ops         int       `json:"ops"`
	Seconds     float64   `json:"seconds"`
	OpsPerSec   float64   `json:"ops_per_sec"`
}

func policyName(firstFit bool) string {
	if firstFit {
		return "first-fit"
	}
	return "best-fit"
}

func runRun(args []string) (err error) {
	cfg := config{
		firstFit:  runFirstFit,
		chunkBits: runChunkBits,
		check:     runCheck,
	}
	a, release, err := newArena(runArena, runMaxHeap)
	if err != nil {
		return err
	}
	printVerbose("Arena: %s, %d bytes reserved\n", runArena, a.Max())
	defer func() {
		if cerr := release(); err == nil && cerr != nil {
			err = errors.Wrap(cerr, "releasing the arena")
		}
	}()

	sum := Summary{Policy: policyName(cfg.firstFit)}
	for _, path := range args {
		printVerbose("Reading trace: %s\n", path)
		t, err := trace.ReadFile(path)
		if err != nil {
			return err
		}
		res, err := replay(a, t, cfg)
		if err != nil {
			return err
		}
		sum.Results = append(sum.Results, res)
	}
	sum.total()

	if jsonOut {
		return printJSON(sum)
	}
	printSummary(&sum)
	return nil
}

// total computes the summary line. Traces are weighted by their weight
// field; if all the weights are 0 every trace counts the same.
func (s *Summary) total() {
	var util float64
	weights := 0
	for _, r := range s.Results {
		util += float64(r.Weight) * r.Utilization
		weights += r.Weight
		s.Ops += r.Ops
		s.Seconds += r.Seconds
	}
	if weights == 0 {
		util = 0
		for _, r := range s.Results {
			util += r.Utilization
		}
		weights = len(s.Results)
	}
	if weights > 0 {
		s.Utilization = util / float64(weights)
	}
	if s.Seconds > 0 {
		s.OpsPerSec = float64(s.Ops) / s.Seconds
	}
}

func printSummary(s *Summary) {
	printInfo("Results for %s:\n", s.Policy)
	printInfo("%-30s %10s %10s %10s %7s %12s\n", "trace", "ops", "peak",
		"heap", "util", "ops/sec")
	for _, r := range s.Results {
		printInfo("%-30s %10d %10d %10d %6.1f%% %12.0f\n", r.Trace, r.Ops,
			r.PeakPayload, r.HeapSize, 100*r.Utilization, r.OpsPerSec)
		printVerbose("  mallocs=%d frees=%d reallocs=%d in place=%d"+
			" splits=%d coalesces=%d grows=%d (%d bytes)\n",
			r.Stats.Mallocs, r.Stats.Frees, r.Stats.Reallocs,
			r.Stats.ReallocInPlace, r.Stats.Splits, r.Stats.Coalesces,
			r.Stats.GrowCalls, r.Stats.GrowBytes)
	}
	printInfo("%-30s %10d %10s %10s %6.1f%% %12.0f\n", "total", s.Ops, "",
		"", 100*s.Utilization, s.OpsPerSec)
}
