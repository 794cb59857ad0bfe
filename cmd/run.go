package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"streamq/internal/cli"
	"streamq/internal/events"
	"streamq/internal/history"
	"streamq/internal/metrics"
	"streamq/internal/report"
	"streamq/internal/runner"
	"streamq/internal/scenario"
	"streamq/internal/tui"
	"streamq/internal/user"
)

var runFlags struct {
	testConfig string
	question   string
	host       string
	headless   bool
	outPrefix  string
	noHistory  bool

	recordFirst           bool
	recordFirstChunk      bool
	recordFirstChunkModel bool
	recordAll             bool

	users     int
	duration  int
	stepCount int
	stepRate  int
	stepTime  int
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a load test following the configured shape",
	Example: `  streamq run -c talk.json
  streamq run -c asr.yaml --headless --record-all -o reports/asr
  streamq run -c tts.json --users 20 --duration 300`,
	RunE: runRun,
}

func init() {
	f := runCmd.Flags()
	f.StringVarP(&runFlags.testConfig, "test-config", "c", "", "Test configuration file (JSON or YAML)")
	f.StringVarP(&runFlags.question, "question", "q", "", "Ask this instead of the query derived from each case")
	f.StringVar(&runFlags.host, "host", "", "Override the configured host")
	f.BoolVar(&runFlags.headless, "headless", false, "Print progress lines instead of the dashboard")
	f.StringVarP(&runFlags.outPrefix, "out", "o", "", "Output filename prefix for the summary report")
	f.BoolVar(&runFlags.noHistory, "no-history", false, "Do not save this run to the history store")

	f.BoolVar(&runFlags.recordFirst, "record-first", false, "Report the first chunk latency seen by the client")
	f.BoolVar(&runFlags.recordFirstChunk, "record-first-chunk", false, "Report the first chunk latency the server puts in its responses")
	f.BoolVar(&runFlags.recordFirstChunkModel, "record-first-chunk-model", false, "Report the first chunk latency the model puts in its responses")
	f.BoolVar(&runFlags.recordAll, "record-all", false, "Report the total latency of every exchange")

	f.IntVarP(&runFlags.users, "users", "U", 0, "Hold this many users for --duration (overrides the configured shape)")
	f.IntVarP(&runFlags.duration, "duration", "d", 60, "Duration in seconds with --users")
	f.IntVar(&runFlags.stepCount, "step-count", 0, "Override shape.step_count")
	f.IntVar(&runFlags.stepRate, "step-rate", 0, "Override shape.step_rate")
	f.IntVar(&runFlags.stepTime, "step-time", 0, "Override shape.step_time in seconds")

	runCmd.MarkFlagRequired("test-config")
}

func applyRunOverrides(cfg *scenario.Config) {
	if runFlags.host != "" {
		cfg.Host = runFlags.host
	}
	if runFlags.recordAll {
		cfg.RecordAll = true
	}
	if runFlags.users > 0 {
		cfg.Shape.Kind = "constant"
		cfg.Shape.Users = runFlags.users
		cfg.Shape.Duration = runFlags.duration
		return
	}
	if runFlags.stepCount > 0 {
		cfg.Shape.StepCount = runFlags.stepCount
	}
	if runFlags.stepRate > 0 {
		cfg.Shape.StepRate = runFlags.stepRate
	}
	if runFlags.stepTime > 0 {
		cfg.Shape.StepTime = runFlags.stepTime
	}
}

func userOptions(question string, first, firstChunk, firstChunkModel bool) user.Options {
	return user.Options{
		Question:              question,
		RecordFirst:           first,
		RecordFirstChunk:      firstChunk,
		RecordFirstChunkModel: firstChunkModel,
	}.Normalize()
}

// metricsSinks starts the /metrics server when an address is configured.
func metricsSinks(ctx context.Context, logger *zap.Logger) []events.Sink {
	addr := viper.GetString("metrics-addr")
	if addr == "" {
		return nil
	}
	m := metrics.NewSink()
	go func() {
		if err := m.Serve(ctx, addr, logger); err != nil {
			logger.Error("metrics server", zap.Error(err))
		}
	}()
	return []events.Sink{m}
}

func runRun(cmd *cobra.Command, _ []string) error {
	logger, err := newLogger(runFlags.headless)
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, sc, err := loadScenario(runFlags.testConfig, logger, applyRunOverrides)
	if err != nil {
		return err
	}
	defer sc.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	updates := make(runner.StatsUpdateChan, 100)
	r := runner.NewRunner(runner.Config{
		Scenario: sc,
		Options:  userOptions(runFlags.question, runFlags.recordFirst, runFlags.recordFirstChunk, runFlags.recordFirstChunkModel),
		LogDir:   viper.GetString("log-dir"),
		Sinks:    metricsSinks(ctx, logger),
	}, updates, logger)

	started := time.Now()
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(runCtx)
	}()

	var final runner.StatsSnapshot
	if runFlags.headless {
		final = cli.Watch(sc, updates)
	} else {
		title := fmt.Sprintf("StreamQ  %s  /%s/%s  %s", sc.Kind, sc.Parent, sc.Title, r.Job())
		final, err = tui.Run(title, updates, cancel)
		if err != nil {
			cancel()
		}
	}
	<-done
	if !final.Done {
		final = r.Snapshot()
	}
	if err != nil {
		return fmt.Errorf("dashboard: %w", err)
	}
	if !runFlags.headless {
		cli.PrintSummary(os.Stdout, final)
	}

	logger.Info("run finished",
		zap.String("job", r.Job()),
		zap.Uint64("requests", final.Requests),
		zap.Uint64("fail", final.Fail),
		zap.Duration("elapsed", final.Elapsed),
	)

	if !runFlags.noHistory {
		saveHistory(logger, history.Item{
			ID:        r.Job(),
			Timestamp: started,
			Kind:      string(sc.Kind),
			Name:      fmt.Sprintf("/%s/%s", sc.Parent, sc.Title),
			Host:      cfg.Host,
			Duration:  final.Elapsed,
			Summary:   history.RunSummary{TotalRequests: final.Requests, Fail: final.Fail, MaxUsers: r.Peak()},
			Entries:   final.Entries,
		})
	}

	if runFlags.outPrefix != "" {
		err := report.Export(runFlags.outPrefix, report.Summary{
			Job:      r.Job(),
			Kind:     string(sc.Kind),
			Name:     fmt.Sprintf("/%s/%s", sc.Parent, sc.Title),
			Host:     cfg.Host,
			Started:  started,
			Elapsed:  final.Elapsed,
			Requests: final.Requests,
			Fail:     final.Fail,
			Entries:  final.Entries,
		})
		if err != nil {
			return fmt.Errorf("export report: %w", err)
		}
		fmt.Printf("✅ Reports saved to %s{_summary.json,.csv}\n", runFlags.outPrefix)
	}
	return nil
}

func saveHistory(logger *zap.Logger, item history.Item) {
	path, err := history.DefaultPath()
	if err != nil {
		logger.Warn("history path", zap.Error(err))
		return
	}
	store, err := history.Open(path)
	if err != nil {
		logger.Warn("open history", zap.Error(err))
		return
	}
	defer store.Close()
	if err := store.Save(item); err != nil {
		logger.Warn("save history", zap.Error(err))
	}
}
