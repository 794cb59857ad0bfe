// Package cli prints run progress to a plain terminal for headless runs.
package cli

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"streamq/internal/runner"
	"streamq/internal/scenario"
)

// Out is where progress and summaries go.
var Out io.Writer = os.Stdout

// Watch prints a progress line for every update until the final snapshot,
// which it returns.
func Watch(sc *scenario.Scenario, updates runner.StatsUpdateChan) runner.StatsSnapshot {
	printHeader(sc)
	start := time.Now()
	for s := range updates {
		if s.Done {
			printSummary(s)
			return s
		}
		printProgress(s, time.Since(start))
	}
	return runner.StatsSnapshot{}
}

func printHeader(sc *scenario.Scenario) {
	fmt.Fprintf(Out, "\n🚀 STARTING STREAMQ RUN\n")
	fmt.Fprintf(Out, "======================================================================\n")
	fmt.Fprintf(Out, "Scenario   : %s (%s)\n", sc.Title, sc.Kind)
	fmt.Fprintf(Out, "Events     : /%s/%s/...\n", sc.Parent, sc.Title)
	fmt.Fprintf(Out, "Cases      : %d\n", len(sc.Cases))
	fmt.Fprintf(Out, "Thresholds : first %.0f ms / all %.0f ms\n", sc.Thresholds.FirstMs, sc.Thresholds.TotalMs)
	if d := sc.Shape.Duration(); d > 0 {
		fmt.Fprintf(Out, "Duration   : %s\n", d)
	}
	fmt.Fprintf(Out, "======================================================================\n\n")
}

func printProgress(s runner.StatsSnapshot, wall time.Duration) {
	pct := 0.0
	if s.Duration > 0 {
		pct = min(float64(s.Elapsed)/float64(s.Duration), 1.0)
	}
	rps := 0.0
	if wall.Seconds() > 0 {
		rps = float64(s.Requests) / wall.Seconds()
	}
	fmt.Fprintf(Out, "\r%s %3.0f%% | %s/%s | Users: %3d/%-3d | Ev/s: %.1f | OK: %d | Err: %d",
		progressBar(pct, 20), pct*100,
		s.Elapsed.Round(time.Second), s.Duration,
		s.Users, s.Target,
		rps,
		s.Requests-s.Fail,
		s.Fail,
	)
}

func progressBar(pct float64, width int) string {
	filled := int(pct * float64(width))
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}
	return "[" + strings.Repeat("█", filled) + strings.Repeat("-", width-filled) + "]"
}

func printSummary(s runner.StatsSnapshot) {
	PrintSummary(Out, s)
}

// PrintSummary writes the end-of-run table.
func PrintSummary(w io.Writer, s runner.StatsSnapshot) {
	fmt.Fprintf(w, "\n\n📊 RUN RESULTS\n")
	fmt.Fprintf(w, "======================================================================\n")
	fmt.Fprintf(w, "Total Duration : %s\n", s.Elapsed.Round(time.Second))
	fmt.Fprintf(w, "Events         : %d\n", s.Requests)
	fmt.Fprintf(w, "Success        : %d\n", s.Requests-s.Fail)
	fmt.Fprintf(w, "Failures       : %d\n", s.Fail)

	fmt.Fprintf(w, "\n⏱️  LATENCY (ms)\n")
	fmt.Fprintf(w, "   %-36s %8s %6s %9s %9s %9s %9s\n", "NAME", "REQS", "FAILS", "P50", "P90", "P99", "MAX")
	for _, e := range s.Entries {
		fmt.Fprintf(w, "   %-36s %8d %6d %9.2f %9.2f %9.2f %9.2f\n",
			e.Name, e.Requests, e.Fail, e.P50Ms, e.P90Ms, e.P99Ms, e.MaxMs)
	}

	errCounts := map[string]uint64{}
	for _, e := range s.Entries {
		for msg, n := range e.Errors {
			errCounts[e.Name+": "+msg] += n
		}
	}
	if len(errCounts) > 0 {
		keys := make([]string, 0, len(errCounts))
		for k := range errCounts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintf(w, "\n❌ FAILURE SUMMARY\n")
		for _, k := range keys {
			fmt.Fprintf(w, "   %d x %s\n", errCounts[k], k)
		}
	}
	fmt.Fprintf(w, "======================================================================\n")
}

// Progress returns a batch progress callback that redraws one line. It is
// safe to call from several workers.
func Progress(label string) func(done, total int) {
	var (
		mu   sync.Mutex
		last int
	)
	return func(done, total int) {
		mu.Lock()
		defer mu.Unlock()
		if done <= last {
			return
		}
		last = done
		pct := 1.0
		if total > 0 {
			pct = float64(done) / float64(total)
		}
		fmt.Fprintf(Out, "\r%s %s %d/%d", label, progressBar(pct, 30), done, total)
		if done == total {
			fmt.Fprintln(Out)
		}
	}
}
