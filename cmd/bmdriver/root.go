// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/intuitivelabs/slog"
	"github.com/spf13/cobra"

	"github.com/intuitivelabs/mallocs/bmalloc"
)

var (
	// Global flags
	verbose bool
	jsonOut bool
)

var rootCmd = &cobra.Command{
	Use:   "bmdriver",
	Short: "Replay allocation traces against bmalloc",
	Long: `bmdriver runs allocation traces (malloc lab format) on a bmalloc heap.
Every operation is checked for alignment, heap bounds, overlapping blocks
and payload corruption; the peak utilization and throughput are reported
per trace.`,
	Version: "0.1.0",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLog()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"Enable verbose output and allocator debug logs")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setupLog keeps the allocator quiet unless verbose mode is on.
func setupLog() {
	if verbose {
		bmalloc.Log = slog.New(slog.LDBG, slog.LlocInfoS, slog.LStdErr)
		return
	}
	bmalloc.Log = slog.New(slog.LERR, slog.LlocInfoS, slog.LStdErr)
}

// printInfo prints an info message unless JSON output was requested
func printInfo(format string, args ...interface{}) {
	if !jsonOut {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printVerbose prints a verbose message if verbose mode is enabled
func printVerbose(format string, args ...interface{}) {
	if verbose && !jsonOut {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printJSON outputs data as JSON
func printJSON(v interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
