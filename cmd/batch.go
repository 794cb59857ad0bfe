package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"streamq/internal/cases"
	"streamq/internal/cli"
	"streamq/internal/events"
	"streamq/internal/exchange"
	"streamq/internal/harness"
	"streamq/internal/ids"
	"streamq/internal/runner"
	"streamq/internal/scenario"
	"streamq/internal/stats"
	"streamq/internal/user"
)

var batchFlags struct {
	testConfig string
	question   string
	host       string
	output     string
	threads    int
	timeout    time.Duration

	recordFirst           bool
	recordFirstChunk      bool
	recordFirstChunkModel bool
	recordAll             bool
}

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Replay every test case once and write the exchange records",
	Example: `  streamq batch -c asr.yaml --threads 10 --timeout 30s
  streamq batch -c talk.json --output results/talk.jsonl`,
	RunE: runBatch,
}

func init() {
	f := batchCmd.Flags()
	f.StringVarP(&batchFlags.testConfig, "test-config", "c", "", "Test configuration file (JSON or YAML)")
	f.StringVarP(&batchFlags.question, "question", "q", "", "Ask this instead of the query derived from each case")
	f.StringVar(&batchFlags.host, "host", "", "Override the configured host")
	f.StringVar(&batchFlags.output, "output", "", "Records file (default {log-dir}/batch/{job}.jsonl)")
	f.IntVarP(&batchFlags.threads, "threads", "t", 5, "Number of workers")
	f.DurationVar(&batchFlags.timeout, "timeout", 30*time.Second, "Give up on a case after this long")

	f.BoolVar(&batchFlags.recordFirst, "record-first", false, "Report the first chunk latency seen by the client")
	f.BoolVar(&batchFlags.recordFirstChunk, "record-first-chunk", false, "Report the first chunk latency the server puts in its responses")
	f.BoolVar(&batchFlags.recordFirstChunkModel, "record-first-chunk-model", false, "Report the first chunk latency the model puts in its responses")
	f.BoolVar(&batchFlags.recordAll, "record-all", false, "Report the total latency of every exchange")

	batchCmd.MarkFlagRequired("test-config")
}

// Batch replays cases through the worker pool, one fresh user per case, and
// appends every record to output.
type Batch struct {
	Scenario *scenario.Scenario
	Options  user.Options
	Job      string
	Output   string
	Sinks    []events.Sink
	Harness  harness.Options
	Logger   *zap.Logger
}

type batchItem struct {
	n    int
	item cases.Item
}

func (b Batch) Run(ctx context.Context) ([]harness.Result[user.Result], *stats.Registry, error) {
	reg := stats.NewRegistry()
	sink := events.Multi(append([]events.Sink{reg}, b.Sinks...))
	writer := exchange.NewWriter()
	defer writer.Close()

	sc := b.Scenario
	items := make([]batchItem, len(sc.Cases))
	for i, c := range sc.Cases {
		items[i] = batchItem{n: i + 1, item: cases.Item{Case: c, Query: cases.DeriveQuery(c, sc.Query)}}
	}

	results, err := harness.Run(ctx, items, func(ctx context.Context, it batchItem) (user.Result, error) {
		// an item given up on by the harness stays out of the records and stats
		gated := events.SinkFunc(func(e events.Event) {
			if ctx.Err() == nil {
				sink.Fire(e)
			}
		})
		deps := user.Deps{Scenario: sc, Sink: gated, Logger: b.Logger}
		// one user per case, numbered by case position
		u := user.New(it.n, ids.SessionID(b.Job, sc.Parent, sc.Title, it.n), deps, nil, b.Options)
		res := u.Replay(ctx, it.item)
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if werr := writer.Append(b.Output, res.Record); werr != nil {
			return res, fmt.Errorf("write record: %w", werr)
		}
		if res.Verdict.Total != nil {
			if werr := writer.Append(exchange.ErrorPath(b.Output), res.Record.TimeoutCopy()); werr != nil {
				return res, fmt.Errorf("write error record: %w", werr)
			}
		}
		return res, res.Err
	}, b.Harness)
	return results, reg, err
}

func runBatch(cmd *cobra.Command, _ []string) error {
	logger, err := newLogger(false)
	if err != nil {
		return err
	}
	defer logger.Sync()

	_, sc, err := loadScenario(batchFlags.testConfig, logger, func(cfg *scenario.Config) {
		if batchFlags.host != "" {
			cfg.Host = batchFlags.host
		}
		if batchFlags.recordAll {
			cfg.RecordAll = true
		}
	})
	if err != nil {
		return err
	}
	defer sc.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	job := ids.JobInstanceID("BATCH")
	output := batchFlags.output
	if output == "" {
		output = filepath.Join(viper.GetString("log-dir"), "batch", job+".jsonl")
	}

	fmt.Printf("\n🚀 BATCH %s: %d cases, %d threads, timeout %s\n", job, len(sc.Cases), batchFlags.threads, batchFlags.timeout)
	started := time.Now()
	results, reg, err := Batch{
		Scenario: sc,
		Options:  userOptions(batchFlags.question, batchFlags.recordFirst, batchFlags.recordFirstChunk, batchFlags.recordFirstChunkModel),
		Job:      job,
		Output:   output,
		Sinks:    metricsSinks(ctx, logger),
		Harness: harness.Options{
			Threads:  batchFlags.threads,
			Timeout:  batchFlags.timeout,
			Progress: cli.Progress("cases"),
			Logger:   logger,
		},
		Logger: logger,
	}.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	var timeouts, faults int
	for _, r := range results {
		switch {
		case errors.Is(r.Err, harness.ErrTimeout):
			timeouts++
		case r.Err != nil:
			faults++
		}
	}
	reqs, fail := reg.Totals()
	cli.PrintSummary(os.Stdout, runner.StatsSnapshot{
		Elapsed:  time.Since(started),
		Requests: reqs,
		Fail:     fail,
		Entries:  reg.Summaries(),
		Done:     true,
	})
	fmt.Printf("Cases: %d, timed out: %d, failed: %d\nRecords: %s\n", len(results), timeouts, faults, output)
	return nil
}
