package coordinator

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// AccuracyLog appends one global accuracy per evaluated round to a plain
// text file, one value per line.
type AccuracyLog struct {
	mu   sync.Mutex
	path string
}

func NewAccuracyLog(path string) (*AccuracyLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("accuracy log: %w", err)
	}
	return &AccuracyLog{path: path}, nil
}

func (a *AccuracyLog) Path() string { return a.path }

func (a *AccuracyLog) Record(acc float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(strconv.FormatFloat(acc, 'g', -1, 64) + "\n"); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
