// Package checkpoint persists each round's aggregated parameters as
// immutable files named global_model_round_<N>.<format>, one per codec.
package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/ryandielhenn/fedledger/internal/fsutil"
	"github.com/ryandielhenn/fedledger/pkg/fl"
)

var publishedName = regexp.MustCompile(`^global_model_round_(\d+)\.([a-z0-9]+)$`)

// FileName returns the published name of a round's checkpoint.
func FileName(round fl.Round, format string) string {
	return fmt.Sprintf("global_model_round_%d.%s", round, format)
}

// Latest describes the highest published round. Files maps format to path
// and holds every format found for that round.
type Latest struct {
	Round fl.Round
	Files map[string]string
}

// Store is a directory of published checkpoints.
//
// Every file is written to a hidden temporary name in the same directory and
// renamed into place, so a scan never sees a partially written checkpoint.
type Store struct {
	dir    string
	codecs []Codec
	logger *zap.Logger

	mu sync.Mutex
}

// Open creates dir if needed. With no codecs the defaults are used.
func Open(dir string, logger *zap.Logger, codecs ...Codec) (*Store, error) {
	if dir == "" {
		return nil, errors.New("checkpoint: directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", fl.ErrStorage, dir, err)
	}
	if len(codecs) == 0 {
		codecs = DefaultCodecs()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{dir: dir, codecs: codecs, logger: logger.With(zap.String("component", "checkpoint"))}, nil
}

func (s *Store) Dir() string { return s.dir }

// Formats lists the formats written by Save, canonical first.
func (s *Store) Formats() []string {
	out := make([]string, len(s.codecs))
	for i, c := range s.codecs {
		out[i] = c.Format()
	}
	return out
}

// Saved is the outcome of one Save: the published paths per format and the
// canonical encoding, which callers hash for provenance.
type Saved struct {
	Round     fl.Round
	Files     map[string]string
	Canonical []byte
}

// Save publishes round in every configured format. An error wraps
// fl.ErrStorage and withdraws the formats this call already published, so a
// failed save never moves the latest round forward.
func (s *Store) Save(round fl.Round, p fl.Parameters) (Saved, error) {
	if round == 0 {
		return Saved{}, fmt.Errorf("%w: round must be positive", fl.ErrStorage)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	encoded := make([][]byte, len(s.codecs))
	for i, c := range s.codecs {
		b, err := c.Encode(p)
		if err != nil {
			return Saved{}, fmt.Errorf("%w: encode %s: %v", fl.ErrStorage, c.Format(), err)
		}
		encoded[i] = b
	}

	out := Saved{Round: round, Files: make(map[string]string, len(s.codecs)), Canonical: encoded[0]}
	for i, c := range s.codecs {
		path := filepath.Join(s.dir, FileName(round, c.Format()))
		if err := publish(path, encoded[i]); err != nil {
			for _, done := range out.Files {
				if rerr := os.Remove(done); rerr != nil {
					s.logger.Error("withdraw partial checkpoint", zap.String("path", done), zap.Error(rerr))
				}
			}
			return Saved{}, fmt.Errorf("%w: %v", fl.ErrStorage, err)
		}
		out.Files[c.Format()] = path
	}
	s.logger.Info("checkpoint saved", zap.Uint64("round", uint64(round)), zap.Int("formats", len(out.Files)))
	return out, nil
}

func publish(path string, b []byte) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already published", filepath.Base(path))
	}
	return fsutil.WriteFileAtomic(path, b, 0o644)
}

// ArchiveDir holds the checkpoints of earlier runs, one subdirectory each.
const ArchiveDir = "archive"

// Archive moves every published checkpoint into ArchiveDir/<name> so a new
// run can publish its rounds from 1 again. It returns the destination and
// the number of files moved; with nothing to move no directory is created.
func (s *Store) Archive(name string) (string, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return "", 0, fmt.Errorf("%w: scan %s: %v", fl.ErrStorage, s.dir, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && publishedName.MatchString(e.Name()) {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", 0, nil
	}

	dest := filepath.Join(s.dir, ArchiveDir, name)
	if _, err := os.Stat(dest); err == nil {
		return "", 0, fmt.Errorf("%w: archive %s already exists", fl.ErrStorage, dest)
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", 0, fmt.Errorf("%w: create %s: %v", fl.ErrStorage, dest, err)
	}
	for i, n := range names {
		if err := os.Rename(filepath.Join(s.dir, n), filepath.Join(dest, n)); err != nil {
			return dest, i, fmt.Errorf("%w: archive %s: %v", fl.ErrStorage, n, err)
		}
	}
	s.logger.Info("previous checkpoints archived", zap.String("dest", dest), zap.Int("files", len(names)))
	return dest, len(names), nil
}

// LoadLatest scans published checkpoints. ok is false when there are none.
func (s *Store) LoadLatest() (Latest, bool, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return Latest{}, false, fmt.Errorf("%w: scan %s: %v", fl.ErrStorage, s.dir, err)
	}
	var best Latest
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := publishedName.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil || n == 0 {
			continue
		}
		r := fl.Round(n)
		switch {
		case r > best.Round:
			best = Latest{Round: r, Files: map[string]string{}}
			fallthrough
		case r == best.Round:
			best.Files[m[2]] = filepath.Join(s.dir, e.Name())
		}
	}
	if best.Round == 0 {
		return Latest{}, false, nil
	}
	return best, true, nil
}

// Load decodes one published checkpoint.
func (s *Store) Load(round fl.Round, format string) (fl.Parameters, error) {
	c, err := CodecFor(format)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(filepath.Join(s.dir, FileName(round, format)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", fl.ErrStorage, err)
	}
	return c.Decode(b)
}

// LoadLatestParameters decodes the highest round in the first configured
// format that is present for it.
func (s *Store) LoadLatestParameters() (fl.Round, fl.Parameters, bool, error) {
	latest, ok, err := s.LoadLatest()
	if err != nil || !ok {
		return 0, nil, ok, err
	}
	for _, c := range s.codecs {
		if _, has := latest.Files[c.Format()]; !has {
			continue
		}
		p, err := s.Load(latest.Round, c.Format())
		if err != nil {
			return 0, nil, false, err
		}
		return latest.Round, p, true, nil
	}
	return 0, nil, false, fmt.Errorf("%w: round %d has no readable format", fl.ErrStorage, latest.Round)
}
