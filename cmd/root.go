package cmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// version is overridden at build time with -ldflags "-X github.com/flashserve/RAGPulse/cmd.version=...".
var version = "dev"

var (
	logLevel   string // Log verbosity level
	logFormat  string // "text" or "json"
	configPath string // Optional YAML config file
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "ragpulse",
	Short: "Replay RAG request traces against inference servers in real time",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging(logLevel, logFormat)
	},
	SilenceUsage: true,
}

func setupLogging(level, format string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level: %s", level)
	}
	logrus.SetLevel(lvl)
	switch format {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("invalid log format: %s", format)
	}
	return nil
}

// replayCmd replays the configured trace against the configured backend
var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay a trace and report TTFT, TPOT, throughput and goodput",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configPath, cmd.Flags())
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()
		_, err = runReplay(ctx, cfg, os.Stdout)
		return err
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the ragpulse version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "ragpulse", version)
	},
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// init sets up CLI flags and subcommands
func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format (text, json)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file")

	// Trace selection
	replayCmd.Flags().String("trace-dir", "./data", "Directory holding 0_trace.jsonl and the chunk tables")
	replayCmd.Flags().Int("limit", 0, "Number of trace entries to replay (0 = all)")
	replayCmd.Flags().String("payload-mode", "auto", "Payload content: auto (recorded text when present) or length (filler only)")

	// Timeline
	replayCmd.Flags().String("mode", "uniform", "Timeline transform (uniform, segment, resample)")
	replayCmd.Flags().Float64("scale", 10, "Uniform time-scale factor (>1 compresses)")
	replayCmd.Flags().Float64("jitter", 0, "Maximum dispatch jitter in seconds")

	// Replay
	replayCmd.Flags().Int("concurrency", 0, "Maximum in-flight requests (0 = unbounded)")
	replayCmd.Flags().Int64("seed", 42, "Seed for jitter, resampling and the proxy backend")

	// Backend
	replayCmd.Flags().String("backend", "proxy", "Generation backend (proxy, completions, chat)")
	replayCmd.Flags().String("base-url", "", "Base URL of an OpenAI-compatible server")
	replayCmd.Flags().String("model", "", "Model name sent to the server")

	// SLO and output
	replayCmd.Flags().Float64("ttft-max", 2.0, "TTFT SLO in seconds")
	replayCmd.Flags().Float64("tpot-max", 0.1, "TPOT SLO in seconds")
	replayCmd.Flags().String("output-dir", "./metrics", "Directory for the metrics file and records CSV")
	replayCmd.Flags().String("output-format", "json", "Metrics file format (json, yaml)")
	replayCmd.Flags().String("sqlite", "", "Also store the run in this sqlite database")
	replayCmd.Flags().String("metrics-addr", "", "Serve prometheus metrics on this address during the run")

	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(versionCmd)
}
