package participant

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"

	"github.com/ryandielhenn/fedledger/internal/fsutil"
	"github.com/ryandielhenn/fedledger/pkg/fl"
)

// StandardScaler centers each feature and scales it to unit variance.
type StandardScaler struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

// FitScaler learns per-feature mean and population standard deviation.
// Constant features get scale 1.
func FitScaler(rows [][]float64) (*StandardScaler, error) {
	if len(rows) == 0 {
		return nil, errors.New("scaler: no rows")
	}
	width := len(rows[0])
	s := &StandardScaler{Mean: make([]float64, width), Scale: make([]float64, width)}
	for i, r := range rows {
		if len(r) != width {
			return nil, fmt.Errorf("scaler: row %d has %d features, want %d", i, len(r), width)
		}
		for j, v := range r {
			s.Mean[j] += v
		}
	}
	n := float64(len(rows))
	for j := range s.Mean {
		s.Mean[j] /= n
	}
	for _, r := range rows {
		for j, v := range r {
			d := v - s.Mean[j]
			s.Scale[j] += d * d
		}
	}
	for j := range s.Scale {
		s.Scale[j] = math.Sqrt(s.Scale[j] / n)
		if s.Scale[j] == 0 {
			s.Scale[j] = 1
		}
	}
	return s, nil
}

// Transform returns scaled copies of rows.
func (s *StandardScaler) Transform(rows [][]float64) [][]float64 {
	out := make([][]float64, len(rows))
	for i, r := range rows {
		o := make([]float64, len(r))
		for j, v := range r {
			o[j] = (v - s.Mean[j]) / s.Scale[j]
		}
		out[i] = o
	}
	return out
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// TransformStore keeps one fitted scaler per participant in a dedicated
// directory. Files are replaced on every run.
type TransformStore struct {
	dir string
}

func NewTransformStore(dir string) (*TransformStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: transform dir: %v", fl.ErrStorage, err)
	}
	return &TransformStore{dir: dir}, nil
}

func (t *TransformStore) Path(id fl.ParticipantID) string {
	return filepath.Join(t.dir, "scaler_"+unsafeName.ReplaceAllString(id.String(), "_")+".json")
}

func (t *TransformStore) Save(id fl.ParticipantID, s *StandardScaler) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(t.Path(id), b, 0o644); err != nil {
		return fmt.Errorf("%w: %v", fl.ErrStorage, err)
	}
	return nil
}

func (t *TransformStore) Load(id fl.ParticipantID) (*StandardScaler, error) {
	b, err := os.ReadFile(t.Path(id))
	if err != nil {
		return nil, err
	}
	var s StandardScaler
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("scaler %s: %w", id, err)
	}
	return &s, nil
}
