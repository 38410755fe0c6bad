// Package config loads coordinator and participant settings. Values come
// from defaults, then an optional YAML file, then FEDLEDGER_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/fedledger/internal/logging"
	"github.com/ryandielhenn/fedledger/pkg/checkpoint"
	"github.com/ryandielhenn/fedledger/pkg/fl"
	"github.com/ryandielhenn/fedledger/pkg/mirror"
	"github.com/ryandielhenn/fedledger/pkg/provenance"
	"github.com/ryandielhenn/fedledger/pkg/publish"
)

type Config struct {
	Server       ServerConfig        `yaml:"server" env:"SERVER"`
	Rounds       RoundsConfig        `yaml:"rounds" env:"ROUNDS"`
	Checkpoint   CheckpointConfig    `yaml:"checkpoint" env:"CHECKPOINT"`
	Ledger       LedgerConfig        `yaml:"ledger" env:"LEDGER"`
	Provenance   ProvenanceConfig    `yaml:"provenance" env:"PROVENANCE"`
	Mirrors      []mirror.Target     `yaml:"mirrors"`
	Publish      PublishConfig       `yaml:"publish" env:"PUBLISH"`
	Participants []ParticipantConfig `yaml:"participants"`
	Discovery    DiscoveryConfig     `yaml:"discovery" env:"DISCOVERY"`
	Participant  NodeConfig          `yaml:"participant" env:"PARTICIPANT"`
	Simulation   SimulationConfig    `yaml:"simulation" env:"SIMULATION"`
	Log          logging.Config      `yaml:"log" env:"LOG"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"ADDR"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

type RoundsConfig struct {
	Count       int           `yaml:"count" env:"COUNT"`
	Timeout     time.Duration `yaml:"timeout" env:"TIMEOUT"`
	MinFit      int           `yaml:"min_fit" env:"MIN_FIT"`
	CohortSize  int           `yaml:"cohort_size" env:"COHORT_SIZE"`
	MaxFailures int           `yaml:"max_failures" env:"MAX_FAILURES"`
	// Resume continues from the latest checkpoint and the existing journal.
	Resume bool `yaml:"resume" env:"RESUME"`
}

type CheckpointConfig struct {
	Dir     string   `yaml:"dir" env:"DIR"`
	Formats []string `yaml:"formats" env:"FORMATS"`
}

type LedgerConfig struct {
	Path          string        `yaml:"path" env:"PATH"`
	AsyncMirrors  bool          `yaml:"async_mirrors" env:"ASYNC_MIRRORS"`
	MirrorTimeout time.Duration `yaml:"mirror_timeout" env:"MIRROR_TIMEOUT"`
	// AccuracyLog is the per-round accuracy history file; empty disables it.
	AccuracyLog string `yaml:"accuracy_log" env:"ACCURACY_LOG"`
}

type ProvenanceConfig struct {
	Mode string `yaml:"mode" env:"MODE"`
}

type PublishConfig struct {
	GitHub publish.Target `yaml:"github"`
	// Dir, when set, receives a copy of the final checkpoint files.
	Dir string `yaml:"dir" env:"DIR"`
}

type ParticipantConfig struct {
	ID   fl.ParticipantID `yaml:"id"`
	Addr string           `yaml:"addr"`
}

type DiscoveryConfig struct {
	Enabled   bool     `yaml:"enabled" env:"ENABLED"`
	Endpoints []string `yaml:"endpoints" env:"ENDPOINTS"`
	Prefix    string   `yaml:"prefix" env:"PREFIX"`
	LeaseTTL  int64    `yaml:"lease_ttl" env:"LEASE_TTL"`
}

// NodeConfig is read by the participant process.
type NodeConfig struct {
	ID            string `yaml:"id" env:"ID"`
	Addr          string `yaml:"addr" env:"ADDR"`
	AdvertiseAddr string `yaml:"advertise_addr" env:"ADVERTISE_ADDR"`
	TransformsDir string `yaml:"transforms_dir" env:"TRANSFORMS_DIR"`
	Samples       int    `yaml:"samples" env:"SAMPLES"`
	Features      int    `yaml:"features" env:"FEATURES"`
	Epochs        int    `yaml:"epochs" env:"EPOCHS"`
	Seed          uint64 `yaml:"seed" env:"SEED"`
}

// SimulationConfig drives the in-process simulator.
type SimulationConfig struct {
	Participants int     `yaml:"participants" env:"PARTICIPANTS"`
	Samples      int     `yaml:"samples" env:"SAMPLES"`
	Features     int     `yaml:"features" env:"FEATURES"`
	Epochs       int     `yaml:"epochs" env:"EPOCHS"`
	Seed         uint64  `yaml:"seed" env:"SEED"`
	TestFraction float64 `yaml:"test_fraction" env:"TEST_FRACTION"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":9000", ShutdownTimeout: 10 * time.Second},
		Rounds: RoundsConfig{Count: 3, Timeout: time.Minute, MinFit: 1, MaxFailures: 3},
		Checkpoint: CheckpointConfig{
			Dir:     "checkpoints",
			Formats: []string{checkpoint.FormatBinary, checkpoint.FormatJSON},
		},
		Ledger: LedgerConfig{
			Path:          "data/ledger.json",
			AsyncMirrors:  true,
			MirrorTimeout: 30 * time.Second,
			AccuracyLog:   "accuracies.txt",
		},
		Provenance: ProvenanceConfig{Mode: provenance.ModeSimulated},
		Publish:    PublishConfig{GitHub: publish.Target{Folder: publish.DefaultFolder, Branch: "main"}},
		Discovery:  DiscoveryConfig{Prefix: "/fedledger/participants/", LeaseTTL: 10},
		Participant: NodeConfig{
			Addr:          ":8080",
			TransformsDir: "transforms",
			Samples:       500,
			Features:      8,
			Epochs:        1,
		},
		Simulation: SimulationConfig{Participants: 3, Samples: 500, Features: 8, Epochs: 1, TestFraction: 0.2},
		Log:        logging.Config{Level: "info", Format: "json"},
	}
}

// Validate rejects settings the coordinator cannot run with. Optional
// features are checked separately and only disabled.
func (c *Config) Validate() error {
	var errs []error
	if c.Rounds.Count < 0 {
		errs = append(errs, errors.New("rounds.count must not be negative"))
	}
	if c.Rounds.MinFit < 0 || c.Rounds.CohortSize < 0 {
		errs = append(errs, errors.New("rounds.min_fit and rounds.cohort_size must not be negative"))
	}
	if c.Checkpoint.Dir == "" {
		errs = append(errs, errors.New("checkpoint.dir is required"))
	}
	if _, err := c.Codecs(); err != nil {
		errs = append(errs, err)
	}
	if c.Ledger.Path == "" {
		errs = append(errs, errors.New("ledger.path is required"))
	}
	if _, err := provenance.New(c.Provenance.Mode); err != nil {
		errs = append(errs, err)
	}
	if c.Discovery.Enabled && len(c.Discovery.Endpoints) == 0 {
		errs = append(errs, errors.New("discovery.endpoints is required when discovery is enabled"))
	}
	seen := map[fl.ParticipantID]bool{}
	for i, p := range c.Participants {
		if p.ID == "" || p.Addr == "" {
			errs = append(errs, fmt.Errorf("participants[%d] needs id and addr", i))
		}
		if seen[p.ID] {
			errs = append(errs, fmt.Errorf("participant %q listed twice", p.ID))
		}
		seen[p.ID] = true
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Codecs resolves checkpoint.formats. The first format is canonical.
func (c *Config) Codecs() ([]checkpoint.Codec, error) {
	if len(c.Checkpoint.Formats) == 0 {
		return checkpoint.DefaultCodecs(), nil
	}
	out := make([]checkpoint.Codec, 0, len(c.Checkpoint.Formats))
	for _, f := range c.Checkpoint.Formats {
		codec, err := checkpoint.CodecFor(f)
		if err != nil {
			return nil, err
		}
		out = append(out, codec)
	}
	return out, nil
}

// MirrorTargets returns the enabled, complete mirror targets. Each
// incomplete one is logged once and left out.
func (c *Config) MirrorTargets(logger *zap.Logger) []mirror.Target {
	var out []mirror.Target
	for _, t := range c.Mirrors {
		if !t.Enabled {
			continue
		}
		t = t.WithDefaults()
		if err := t.Validate(); err != nil {
			logger.Warn("ledger mirror disabled", zap.String("mirror", t.Name), zap.Error(err))
			continue
		}
		out = append(out, t)
	}
	return out
}

// PublishTarget returns the GitHub artifact target, or ok false when it is
// disabled or incomplete.
func (c *Config) PublishTarget(logger *zap.Logger) (publish.Target, bool) {
	t := c.Publish.GitHub
	if !t.Enabled {
		return t, false
	}
	if err := t.Validate(); err != nil {
		logger.Warn("artifact publishing disabled", zap.Error(err))
		return t, false
	}
	return t, true
}
