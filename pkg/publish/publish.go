// Package publish uploads the final checkpoint files of a run to an
// external location. Publishing is best effort: failures are reported to
// the caller for logging and never touch local state.
package publish

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"slices"

	"github.com/google/go-github/v66/github"
	"go.uber.org/zap"

	"github.com/ryandielhenn/fedledger/internal/fsutil"
	"github.com/ryandielhenn/fedledger/internal/ghcontents"
	"github.com/ryandielhenn/fedledger/pkg/checkpoint"
	"github.com/ryandielhenn/fedledger/pkg/fl"
)

const DefaultFolder = "uploaded_models"

type Publisher interface {
	Publish(ctx context.Context, latest checkpoint.Latest) error
}

// Target configures the GitHub publisher.
type Target struct {
	Enabled  bool   `yaml:"enabled"`
	Owner    string `yaml:"owner"`
	Repo     string `yaml:"repo"`
	Branch   string `yaml:"branch"`
	Folder   string `yaml:"folder"`
	TokenEnv string `yaml:"token_env"`
	BaseURL  string `yaml:"base_url"`
}

func (t Target) Validate() error {
	if t.Owner == "" || t.Repo == "" {
		return fmt.Errorf("%w: publish target needs owner and repo", fl.ErrConfig)
	}
	if t.TokenEnv == "" || os.Getenv(t.TokenEnv) == "" {
		return fmt.Errorf("%w: publish token %q not set", fl.ErrConfig, t.TokenEnv)
	}
	return nil
}

type GitHub struct {
	client *github.Client
	target Target
	logger *zap.Logger
}

func NewGitHub(t Target, httpClient *http.Client, logger *zap.Logger) (*GitHub, error) {
	if t.Folder == "" {
		t.Folder = DefaultFolder
	}
	if t.Branch == "" {
		t.Branch = "main"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := ghcontents.NewClient(os.Getenv(t.TokenEnv), t.BaseURL, httpClient)
	if err != nil {
		return nil, err
	}
	return &GitHub{client: c, target: t, logger: logger.With(zap.String("component", "publish"))}, nil
}

// Publish uploads every format of latest to <folder>/<file name>, creating
// or replacing each file. One failed file does not stop the others.
func (g *GitHub) Publish(ctx context.Context, latest checkpoint.Latest) error {
	var errs []error
	for _, format := range slices.Sorted(maps.Keys(latest.Files)) {
		file := latest.Files[format]
		b, err := os.ReadFile(file)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		loc := ghcontents.Location{
			Owner:  g.target.Owner,
			Repo:   g.target.Repo,
			Path:   path.Join(g.target.Folder, filepath.Base(file)),
			Branch: g.target.Branch,
		}
		msg := fmt.Sprintf("Upload global model for round %d (%s)", latest.Round, format)
		created, err := ghcontents.Upsert(ctx, g.client, loc, msg, b)
		if err != nil {
			g.logger.Warn("artifact upload failed", zap.String("location", loc.String()), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		g.logger.Info("artifact uploaded", zap.String("location", loc.String()), zap.Bool("created", created))
	}
	return errors.Join(errs...)
}

// Dir copies the files into a local directory, replacing older copies.
type Dir struct {
	dir string
}

func NewDir(dir string) (*Dir, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Dir{dir: dir}, nil
}

func (d *Dir) Publish(ctx context.Context, latest checkpoint.Latest) error {
	var errs []error
	for _, file := range latest.Files {
		if err := ctx.Err(); err != nil {
			return err
		}
		b, err := os.ReadFile(file)
		if err == nil {
			err = fsutil.WriteFileAtomic(filepath.Join(d.dir, filepath.Base(file)), b, 0o644)
		}
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
