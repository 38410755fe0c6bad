// Package mirror implements best-effort remote copies of the provenance
// journal. Every adapter replaces one remote document with the full journal
// using an optimistic update: read the current version token, write with it
// when the document exists, create it otherwise.
package mirror

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/ryandielhenn/fedledger/pkg/fl"
	"github.com/ryandielhenn/fedledger/pkg/ledger"
)

const (
	KindGitHub = "github"
	KindEtcd   = "etcd"
	KindRedis  = "redis"
	KindMemory = "memory"

	DefaultPath   = "data/ledger.json"
	DefaultBranch = "main"
)

// Target describes one mirror. Owner and Collection identify the remote
// document together with Path and Branch; for GitHub they are the repository
// owner and name.
type Target struct {
	Name       string   `yaml:"name"`
	Kind       string   `yaml:"kind"`
	Enabled    bool     `yaml:"enabled"`
	Owner      string   `yaml:"owner"`
	Collection string   `yaml:"collection"`
	Path       string   `yaml:"path"`
	Branch     string   `yaml:"branch"`
	TokenEnv   string   `yaml:"token_env"`
	Endpoints  []string `yaml:"endpoints"`
	BaseURL    string   `yaml:"base_url"`
}

// WithDefaults fills Path, Branch and Name.
func (t Target) WithDefaults() Target {
	if t.Path == "" {
		t.Path = DefaultPath
	}
	if t.Branch == "" {
		t.Branch = DefaultBranch
	}
	if t.Name == "" {
		t.Name = t.Kind + ":" + t.Owner + "/" + t.Collection
	}
	return t
}

// Token reads the credential named by TokenEnv.
func (t Target) Token() string {
	if t.TokenEnv == "" {
		return ""
	}
	return os.Getenv(t.TokenEnv)
}

// Validate reports an ErrConfig-wrapped error for a target that cannot be
// used. It assumes WithDefaults has run.
func (t Target) Validate() error {
	var missing []string
	if t.Owner == "" {
		missing = append(missing, "owner")
	}
	if t.Collection == "" {
		missing = append(missing, "collection")
	}
	switch t.Kind {
	case KindGitHub:
		if t.Token() == "" {
			missing = append(missing, "token ("+orDefault(t.TokenEnv, "token_env")+")")
		}
	case KindEtcd, KindRedis:
		if len(t.Endpoints) == 0 {
			missing = append(missing, "endpoints")
		}
	case KindMemory:
	default:
		return fmt.Errorf("%w: mirror %q: unknown kind %q", fl.ErrConfig, t.Name, t.Kind)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: mirror %q: missing %s", fl.ErrConfig, t.Name, strings.Join(missing, ", "))
	}
	return nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// Set is the result of Build: the mirrors handed to the ledger plus the
// connections to release at shutdown.
type Set struct {
	Mirrors []ledger.Mirror
	closers []func() error
}

func (s *Set) Close() error {
	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// Build constructs every usable target. Disabled targets are skipped
// silently; invalid ones and ones whose backend cannot be reached are logged
// and skipped, leaving mirroring disabled for them.
func Build(targets []Target, logger *zap.Logger) *Set {
	if logger == nil {
		logger = zap.NewNop()
	}
	set := &Set{}
	for _, t := range targets {
		if !t.Enabled {
			continue
		}
		t = t.WithDefaults()
		if err := t.Validate(); err != nil {
			logger.Warn("mirror disabled", zap.String("mirror", t.Name), zap.Error(err))
			continue
		}
		m, closer, err := build(t)
		if err != nil {
			logger.Warn("mirror disabled", zap.String("mirror", t.Name), zap.Error(err))
			continue
		}
		logger.Info("mirror enabled", zap.String("mirror", t.Name), zap.String("kind", t.Kind))
		set.Mirrors = append(set.Mirrors, m)
		if closer != nil {
			set.closers = append(set.closers, closer)
		}
	}
	return set
}

func build(t Target) (ledger.Mirror, func() error, error) {
	switch t.Kind {
	case KindGitHub:
		m, err := NewGitHub(t, nil)
		return m, nil, err
	case KindEtcd:
		return DialEtcd(t)
	case KindRedis:
		m := DialRedis(t)
		return m, m.Close, nil
	case KindMemory:
		return NewMemory(t, nil), nil, nil
	}
	return nil, nil, fmt.Errorf("%w: unknown kind %q", fl.ErrConfig, t.Kind)
}
