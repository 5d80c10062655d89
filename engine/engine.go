package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/UCI-Networking-Group/AutoFR/engine/actionspace"
	"github.com/UCI-Networking-Group/AutoFR/engine/agent"
	"github.com/UCI-Networking-Group/AutoFR/engine/autofrerr"
	"github.com/UCI-Networking-Group/AutoFR/engine/bandit"
	"github.com/UCI-Networking-Group/AutoFR/engine/policy"
	"github.com/UCI-Networking-Group/AutoFR/engine/reward"
	"github.com/UCI-Networking-Group/AutoFR/engine/snapshot"
	"github.com/UCI-Networking-Group/AutoFR/engine/telemetry/metrics"
)

// Snapshot is a point-in-time view of engine state, used for logging and
// tests.
type Snapshot struct {
	StartedAt     time.Time           `json:"started_at"`
	Uptime        time.Duration       `json:"uptime"`
	SiteSnapshots int                 `json:"site_snapshots"`
	Baseline      reward.SiteFeedback `json:"baseline"`
	ActionNodes   int                 `json:"action_nodes"`
	ActionEdges   int                 `json:"action_edges"`
	ExploredArms  int                 `json:"explored_arms"`
	RoundsRun     int                 `json:"rounds_run"`
	FinalRules    []string            `json:"final_rules"`
	LowQRules     []string            `json:"low_q_rules"`
	TrackingRules []string            `json:"tracking_rules"`
	UnknownRules  []string            `json:"unknown_rules"`
}

// Engine owns one rule-synthesis run.
type Engine struct {
	cfg     Config
	log     *logrus.Logger
	metrics metrics.Provider

	space  *actionspace.Space
	bandit *bandit.Controlled
	agent  *agent.Agent
	snaps  []*snapshot.Snapshot

	startedAt time.Time
	completed bool
}

// New validates the configuration and assembles an engine.
func New(cfg Config, log *logrus.Logger, prov metrics.Provider) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	if prov == nil {
		prov = metrics.NewNoop()
	}
	return &Engine{cfg: cfg, log: log, metrics: prov}, nil
}

// Logger returns the engine's root logger.
func (e *Engine) Logger() *logrus.Logger { return e.log }

// SetLogLevel applies a new verbosity; used by the config watcher.
func (e *Engine) SetLogLevel(level string) error {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	e.log.SetLevel(parsed)
	return nil
}

// Run drives the full experiment: load snapshots, derive the baseline,
// build the action space from the recorded traces, initialize arms, run the
// round loop, and persist the outputs. Outputs are only written when the
// round loop completed.
func (e *Engine) Run(ctx context.Context) error {
	e.startedAt = time.Now()
	if err := os.MkdirAll(e.cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	if err := e.loadSnapshots(); err != nil {
		return err
	}
	if err := e.buildActionSpace(); err != nil {
		return err
	}
	if err := e.assemble(); err != nil {
		return err
	}
	defer e.bandit.CloseCache()

	if err := e.agent.Initialize(); err != nil {
		return err
	}
	if err := e.agent.Run(ctx); err != nil {
		return err
	}
	e.completed = true

	if err := e.agent.Save(e.cfg.OutputDir, e.cfg.W); err != nil {
		return err
	}
	snap := e.State()
	e.log.Infof("run complete: %d final, %d low-q, %d tracking, %d unknown rules over %d rounds",
		len(snap.FinalRules), len(snap.LowQRules), len(snap.TrackingRules), len(snap.UnknownRules), snap.RoundsRun)
	return nil
}

func (e *Engine) loadSnapshots() error {
	log := e.log.WithField("prefix", "snapshots")
	snaps, err := snapshot.LoadDir(e.cfg.SnapshotsDir, e.cfg.SiteURL, e.cfg.ConsecutiveNoAdAbort, log)
	if err != nil {
		return err
	}
	if len(snaps) == 0 {
		return fmt.Errorf("%w: no valid snapshots in %s", autofrerr.ErrSnapshotMissing, e.cfg.SnapshotsDir)
	}
	if len(snaps) < e.cfg.InitIterations {
		log.Warnf("expected %d snapshots but found %d valid ones", e.cfg.InitIterations, len(snaps))
	}
	e.snaps = snaps
	log.Infof("loaded %d valid snapshots", len(snaps))
	return nil
}

func (e *Engine) buildActionSpace() error {
	log := e.log.WithField("prefix", "actionspace")
	traces, err := e.traceFiles()
	if err != nil {
		return err
	}
	if len(traces) == 0 {
		return fmt.Errorf("%w: no webrequest traces in %s", autofrerr.ErrSnapshotMissing, e.cfg.SnapshotsDir)
	}
	e.space = actionspace.New(e.cfg.Q0, log)
	if err := e.space.Build(e.cfg.SiteURL, traces); err != nil {
		return err
	}
	log.Infof("action space built: %d nodes, %d edges", e.space.NodeCount(), e.space.EdgeCount())
	return nil
}

// traceFiles locates the per-iteration webrequest traces recorded next to
// the snapshots.
func (e *Engine) traceFiles() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(e.cfg.SnapshotsDir, "*webrequests*.json"))
	if err != nil {
		return nil, err
	}
	more, err := filepath.Glob(filepath.Join(e.cfg.SnapshotsDir, "webrequests", "*.json"))
	if err != nil {
		return nil, err
	}
	matches = append(matches, more...)
	sort.Strings(matches)
	return matches, nil
}

func (e *Engine) assemble() error {
	b, err := bandit.New(bandit.Config{
		W:                    e.cfg.W,
		RewardFunc:           e.cfg.RewardFunc,
		Seed:                 e.cfg.Seed,
		SelectByArm:          e.cfg.SelectSnapshotByArm,
		ChunkThreshold:       e.cfg.ChunkThreshold,
		Workers:              e.cfg.Workers,
		PullTimeoutSeconds:   e.cfg.PullTimeoutSeconds,
		MatcherCacheCapacity: e.cfg.MatcherCacheCapacity,
	}, e.snaps, e.space, e.log.WithField("prefix", "bandit"), e.metrics)
	if err != nil {
		return err
	}
	baseline := b.Baseline()
	if baseline.Ads < e.cfg.MinAdThreshold {
		return fmt.Errorf("%w: average of %d ads is below the minimum of %d",
			autofrerr.ErrInvalidSiteFeedback, baseline.Ads, e.cfg.MinAdThreshold)
	}
	e.log.Infof("baseline site feedback: %s", baseline)

	if e.cfg.PersistFeedbackCache {
		if err := b.OpenPersistentCache(filepath.Join(e.cfg.OutputDir, bandit.CacheFileName)); err != nil {
			e.log.Warnf("running without persistent feedback cache: %v", err)
		}
	}
	e.bandit = b

	pol := policy.UCB{C: e.cfg.UCBConfidence, Exponent: e.cfg.UCBExponent}
	e.agent = agent.New(agent.Config{
		NoiseThreshold:      e.cfg.NoiseThreshold,
		TrackingThreshold:   e.cfg.TrackingThreshold,
		Gamma:               e.cfg.Gamma,
		Q0:                  e.cfg.Q0,
		IterationMultiplier: e.cfg.IterationMultiplier,
		MaxRounds:           e.cfg.MaxRounds,
		ChunkThreshold:      e.cfg.ChunkThreshold,
	}, e.space, b, pol, e.log.WithField("prefix", "agent"), e.metrics)
	return nil
}

// State returns the current engine state view.
func (e *Engine) State() Snapshot {
	s := Snapshot{
		StartedAt:     e.startedAt,
		Uptime:        time.Since(e.startedAt),
		SiteSnapshots: len(e.snaps),
	}
	if e.bandit != nil {
		s.Baseline = e.bandit.Baseline()
	}
	if e.space != nil {
		s.ActionNodes = e.space.NodeCount()
		s.ActionEdges = e.space.EdgeCount()
		s.ExploredArms = e.space.ExploredCount()
	}
	if e.agent != nil {
		s.RoundsRun = e.agent.RoundsRun()
		s.FinalRules = e.agent.FinalRules()
		s.LowQRules = e.agent.LowQRules()
		s.TrackingRules = e.agent.TrackingRules()
		s.UnknownRules = e.agent.UnknownRules()
	}
	return s
}

// Completed reports whether the round loop finished.
func (e *Engine) Completed() bool { return e.completed }
