// Package engine composes the rule-synthesis subsystems behind a single
// facade: configuration, snapshot loading, action-space construction, the
// controlled bandit, and the agent's round loop.
package engine

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/UCI-Networking-Group/AutoFR/engine/reward"
)

// Config is the full engine configuration. Flag values override the YAML
// file, which overrides Defaults.
type Config struct {
	// SiteURL is the page the rules are synthesized for.
	SiteURL string `yaml:"site_url" json:"site_url"`
	// SnapshotsDir holds the recorded site snapshots (*.graphml) and the
	// per-iteration webrequest traces.
	SnapshotsDir string `yaml:"snapshots_dir" json:"snapshots_dir"`
	// OutputDir receives every artifact of the run.
	OutputDir string `yaml:"output_dir" json:"output_dir"`

	// W is the breakage tolerance in (0, 1).
	W float64 `yaml:"w" json:"w"`
	// UCBConfidence is the exploration scale c of the policy.
	UCBConfidence float64 `yaml:"ucb_c" json:"ucb_c"`
	// UCBExponent is the p in the exploration bonus.
	UCBExponent float64 `yaml:"ucb_exponent" json:"ucb_exponent"`
	// Gamma fixes the learning rate; nil means 1/(attempts+1).
	Gamma *float64 `yaml:"gamma" json:"gamma,omitempty"`
	// Q0 is the optimistic prior for new arms.
	Q0 float64 `yaml:"q0" json:"q0"`
	// InitIterations is how many valid snapshots the run expects; finding
	// fewer only logs a warning.
	InitIterations int `yaml:"init_iters" json:"init_iters"`
	// IterationMultiplier N gives each round N * |A| pulls.
	IterationMultiplier int `yaml:"iter_multiplier" json:"iter_multiplier"`
	// MaxRounds caps the round loop.
	MaxRounds int `yaml:"max_rounds" json:"max_rounds"`
	// RewardFunc selects the reward function by registry name.
	RewardFunc string `yaml:"reward_func" json:"reward_func"`
	// Seed makes snapshot selection reproducible when non-zero.
	Seed int64 `yaml:"seed" json:"seed"`

	// NoiseThreshold separates final, low-Q and prunable arms.
	NoiseThreshold float64 `yaml:"noise_threshold" json:"noise_threshold"`
	// TrackingThreshold bounds the tracking classifier's majorities.
	TrackingThreshold float64 `yaml:"tracking_threshold" json:"tracking_threshold"`
	// MinAdThreshold is the least average baseline ads required to run.
	MinAdThreshold int `yaml:"min_ad_threshold" json:"min_ad_threshold"`
	// ConsecutiveNoAdAbort aborts snapshot loading after this many ad-free
	// snapshots in a row.
	ConsecutiveNoAdAbort int `yaml:"consecutive_no_ad_abort" json:"consecutive_no_ad_abort"`

	// ChunkThreshold is the pull dispatch chunk size.
	ChunkThreshold int `yaml:"chunk_threshold" json:"chunk_threshold"`
	// Workers bounds the pull worker pool.
	Workers int `yaml:"workers" json:"workers"`
	// PullTimeoutSeconds bounds one pull; 0 disables the deadline.
	PullTimeoutSeconds int `yaml:"pull_timeout_seconds" json:"pull_timeout_seconds"`
	// MatcherCacheCapacity bounds the compiled-matcher cache.
	MatcherCacheCapacity int `yaml:"matcher_cache_capacity" json:"matcher_cache_capacity"`
	// PersistFeedbackCache stores pull outcomes in the output directory.
	PersistFeedbackCache bool `yaml:"persist_feedback_cache" json:"persist_feedback_cache"`
	// SelectSnapshotByArm prefers snapshots containing a current arm's URL
	// variant over uniform choice.
	SelectSnapshotByArm bool `yaml:"select_snapshot_by_arm" json:"select_snapshot_by_arm"`

	// LogLevel is a logrus level name; it may be changed mid-run through
	// the config file watcher.
	LogLevel string `yaml:"log_level" json:"log_level"`
	// MetricsAddr serves Prometheus metrics when non-empty.
	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr"`
}

// Defaults returns the documented default configuration.
func Defaults() Config {
	return Config{
		OutputDir:            "autofr-out",
		W:                    0.9,
		UCBConfidence:        1.4,
		UCBExponent:          2,
		Q0:                   0.2,
		InitIterations:       10,
		IterationMultiplier:  100,
		MaxRounds:            10,
		RewardFunc:           reward.ByCasesName,
		NoiseThreshold:       0.05,
		TrackingThreshold:    0.05,
		MinAdThreshold:       2,
		ConsecutiveNoAdAbort: 6,
		ChunkThreshold:       2,
		Workers:              2,
		MatcherCacheCapacity: 256,
		LogLevel:             "info",
	}
}

// LoadFile overlays the YAML file at path onto c.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.SiteURL == "" {
		return fmt.Errorf("site-url is required")
	}
	if c.SnapshotsDir == "" {
		return fmt.Errorf("snapshots directory is required")
	}
	if c.W <= 0 || c.W >= 1 {
		return fmt.Errorf("w must be in (0, 1), got %g", c.W)
	}
	if c.Q0 < 0 || c.Q0 > 1 {
		return fmt.Errorf("q0 must be in [0, 1], got %g", c.Q0)
	}
	if c.Gamma != nil && (*c.Gamma <= 0 || *c.Gamma > 1) {
		return fmt.Errorf("gamma must be in (0, 1], got %g", *c.Gamma)
	}
	if c.IterationMultiplier <= 0 {
		return fmt.Errorf("iter-multiplier must be positive")
	}
	if c.NoiseThreshold < 0 {
		return fmt.Errorf("noise threshold must be non-negative")
	}
	if _, err := reward.Lookup(c.RewardFunc); err != nil {
		return err
	}
	return nil
}
