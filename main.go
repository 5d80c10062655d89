// Command autofr synthesizes URL-blocking filter rules for one site from
// recorded site snapshots, using a hierarchical multi-armed bandit.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/UCI-Networking-Group/AutoFR/engine"
	"github.com/UCI-Networking-Group/AutoFR/engine/autofrerr"
	"github.com/UCI-Networking-Group/AutoFR/engine/internal/runtime"
	"github.com/UCI-Networking-Group/AutoFR/engine/telemetry/logging"
	"github.com/UCI-Networking-Group/AutoFR/engine/telemetry/metrics"
)

const (
	cliName = "autofr"
	version = "v1.0"
)

func main() {
	root := &cobra.Command{
		Use:           cliName,
		Long:          fmt.Sprintf("Filter-rule synthesis over recorded site snapshots - %s", version),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCommand())
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cliName, err)
		os.Exit(autofrerr.ExitInvalidArgs)
	}
}

func newRunCommand() *cobra.Command {
	var (
		configFile string
		gammaFlag  string
	)
	cfg := engine.Defaults()

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the rule-synthesis experiment for one site",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configFile != "" {
				if err := cfg.LoadFile(configFile); err != nil {
					exitWith(autofrerr.ExitInvalidArgs, err)
				}
				// Flags win over the file: re-apply any flag the user set.
				applyFlagOverrides(cmd, &cfg)
			}
			if gammaFlag != "" && gammaFlag != "1/N" {
				g, err := strconv.ParseFloat(gammaFlag, 64)
				if err != nil {
					exitWith(autofrerr.ExitInvalidArgs, fmt.Errorf("invalid --gamma %q: %w", gammaFlag, err))
				}
				cfg.Gamma = &g
			}
			runExperiment(cfg, configFile)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.SiteURL, "site-url", "", "Site to synthesize rules for (required)")
	flags.StringVar(&cfg.SnapshotsDir, "snapshots", "", "Directory of recorded site snapshots (required)")
	flags.StringVar(&cfg.OutputDir, "output-dir", cfg.OutputDir, "Directory for run outputs")
	flags.Float64Var(&cfg.W, "w", cfg.W, "Breakage tolerance in (0,1); closer to 1 avoids breakage harder")
	flags.Float64Var(&cfg.UCBConfidence, "ucb-c", cfg.UCBConfidence, "UCB confidence level")
	flags.StringVar(&gammaFlag, "gamma", "", "Fixed learning rate (default 1/N)")
	flags.IntVar(&cfg.InitIterations, "init-iters", cfg.InitIterations, "Snapshots expected for initialization")
	flags.IntVar(&cfg.IterationMultiplier, "iter-multiplier", cfg.IterationMultiplier, "Pulls per round = multiplier * current arms")
	flags.Float64Var(&cfg.Q0, "q0", cfg.Q0, "Optimistic prior Q value for new arms")
	flags.StringVar(&cfg.RewardFunc, "reward-func", cfg.RewardFunc, "Reward function name")
	flags.Int64Var(&cfg.Seed, "seed", 0, "Seed for reproducible snapshot selection")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level")
	flags.IntVar(&cfg.ChunkThreshold, "chunk-threshold", cfg.ChunkThreshold, "Pulls dispatched per worker chunk")
	flags.IntVar(&cfg.Workers, "workers", cfg.Workers, "Worker pool size for pulls")
	flags.IntVar(&cfg.MaxRounds, "max-rounds", cfg.MaxRounds, "Cap on learning rounds")
	flags.BoolVar(&cfg.PersistFeedbackCache, "persist-cache", false, "Persist the pull cache in the output directory")
	flags.BoolVar(&cfg.SelectSnapshotByArm, "select-snapshot-by-arm", false, "Prefer snapshots containing a current arm")
	flags.StringVar(&cfg.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	flags.StringVar(&configFile, "config", "", "YAML config file (flags override it)")
	_ = cmd.MarkFlagRequired("site-url")
	_ = cmd.MarkFlagRequired("snapshots")
	flags.SortFlags = false
	return cmd
}

// applyFlagOverrides re-reads every explicitly set flag so the command line
// beats the config file.
func applyFlagOverrides(cmd *cobra.Command, cfg *engine.Config) {
	set := map[string]func(string){
		"site-url":        func(v string) { cfg.SiteURL = v },
		"snapshots":       func(v string) { cfg.SnapshotsDir = v },
		"output-dir":      func(v string) { cfg.OutputDir = v },
		"reward-func":     func(v string) { cfg.RewardFunc = v },
		"log-level":       func(v string) { cfg.LogLevel = v },
		"metrics-addr":    func(v string) { cfg.MetricsAddr = v },
		"w":               func(v string) { cfg.W, _ = strconv.ParseFloat(v, 64) },
		"ucb-c":           func(v string) { cfg.UCBConfidence, _ = strconv.ParseFloat(v, 64) },
		"q0":              func(v string) { cfg.Q0, _ = strconv.ParseFloat(v, 64) },
		"seed":            func(v string) { cfg.Seed, _ = strconv.ParseInt(v, 10, 64) },
		"init-iters":      func(v string) { cfg.InitIterations, _ = strconv.Atoi(v) },
		"iter-multiplier": func(v string) { cfg.IterationMultiplier, _ = strconv.Atoi(v) },
		"chunk-threshold": func(v string) { cfg.ChunkThreshold, _ = strconv.Atoi(v) },
		"workers":         func(v string) { cfg.Workers, _ = strconv.Atoi(v) },
		"max-rounds":      func(v string) { cfg.MaxRounds, _ = strconv.Atoi(v) },
		"persist-cache":   func(v string) { cfg.PersistFeedbackCache, _ = strconv.ParseBool(v) },
		"select-snapshot-by-arm": func(v string) { cfg.SelectSnapshotByArm, _ = strconv.ParseBool(v) },
	}
	for name, apply := range set {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			apply(f.Value.String())
		}
	}
}

func exitWith(code int, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", cliName, err)
	os.Exit(code)
}

func runExperiment(cfg engine.Config, configFile string) {
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		exitWith(autofrerr.ExitInternalError, err)
	}
	logger, err := logging.Setup(cfg.LogLevel, cfg.OutputDir)
	if err != nil {
		exitWith(autofrerr.ExitInvalidArgs, err)
	}

	var prov metrics.Provider = metrics.NewNoop()
	if cfg.MetricsAddr != "" {
		promProv := metrics.NewPrometheus()
		prov = promProv
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promProv.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Warnf("metrics server stopped: %v", err)
			}
		}()
	}

	eng, err := engine.New(cfg, logger, prov)
	if err != nil {
		exitWith(autofrerr.ExitInvalidArgs, err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if configFile != "" {
		watchConfig(ctx, configFile, eng, logger)
	}

	if err := eng.Run(ctx); err != nil {
		logger.Errorf("run failed: %v", err)
		exitWith(autofrerr.ExitCode(err), err)
	}
}

// watchConfig applies log-level changes from the config file while the
// experiment runs.
func watchConfig(ctx context.Context, path string, eng *engine.Engine, logger *logrus.Logger) {
	watcher, err := runtime.NewWatcher(path, logger.WithField("prefix", "config"))
	if err != nil {
		logger.Warnf("config watching disabled: %v", err)
		return
	}
	changes := watcher.Watch(ctx)
	go func() {
		for range changes {
			reloaded := engine.Defaults()
			if err := reloaded.LoadFile(path); err != nil {
				logger.Warnf("ignoring config reload: %v", err)
				continue
			}
			if err := eng.SetLogLevel(reloaded.LogLevel); err != nil {
				logger.Warnf("ignoring log level change: %v", err)
				continue
			}
			logger.Infof("log level now %s", reloaded.LogLevel)
		}
	}()
}
