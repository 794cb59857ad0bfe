package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"streamq/internal/banner"
	"streamq/internal/logging"
	"streamq/internal/scenario"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "streamq",
	Short: "StreamQ - load and latency testing for streaming speech services",
	Long: `
StreamQ drives streaming ASR, TTS and Talk backends over gRPC, HTTP and
WebSocket with a population of virtual users and reports first-chunk and
total latencies per event.

Commands:
  run      Follow a load shape with virtual users (TUI or --headless)
  batch    Replay every test case once on a fixed worker pool
  history  Show past runs
  dummy    Start a local streaming backend to try scenarios against`,
	SilenceUsage: true,
}

func Execute() {
	// Custom Help with Banner
	rootCmd.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		fmt.Println(banner.GetString())
		cmd.Usage()
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(runCmd, batchCmd, historyCmd, dummyCmd)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.streamq.yaml)")
	pf.String("log-dir", "logs", "Directory for exchange logs and streamq.log")
	pf.String("log-level", "info", "Log level (debug, info, warn, error)")
	pf.String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9100")

	for _, name := range []string{"log-dir", "log-level", "metrics-addr"} {
		viper.BindPFlag(name, pf.Lookup(name))
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
			viper.SetConfigType("yaml")
			viper.SetConfigName(".streamq")
		}
	}
	viper.SetEnvPrefix("STREAMQ")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	viper.ReadInConfig()
}

// newLogger writes to {log-dir}/streamq.log, and to stderr when the terminal
// is not owned by the dashboard.
func newLogger(console bool) (*zap.Logger, error) {
	return logging.New(logging.Options{
		Level:   viper.GetString("log-level"),
		File:    filepath.Join(viper.GetString("log-dir"), "streamq.log"),
		Console: console,
	})
}

// loadScenario reads the test configuration, lets the caller override parts
// of it and resolves it.
func loadScenario(path string, logger *zap.Logger, override func(*scenario.Config)) (*scenario.Config, *scenario.Scenario, error) {
	if path == "" {
		return nil, nil, fmt.Errorf("--test-config is required")
	}
	cfg, err := scenario.Load(path)
	if err != nil {
		return nil, nil, err
	}
	if override != nil {
		override(cfg)
	}
	sc, err := scenario.Resolve(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return cfg, sc, nil
}
