// Package participant defines what the coordinator needs from a data
// holder, plus the local preprocessing rules every participant follows and
// an in-process reference implementation.
package participant

import (
	"context"
	"fmt"

	"github.com/ryandielhenn/fedledger/pkg/fl"
)

// Config is sent with every fit and evaluate call.
type Config struct {
	Round fl.Round `json:"round"`
}

// Client is one participant as seen by the round runner. Implementations
// may be in-process or remote.
type Client interface {
	ID() fl.ParticipantID
	// GetParameters returns the participant's initial parameters, used to
	// seed the first round when no checkpoint is resumed.
	GetParameters(ctx context.Context) (fl.Parameters, error)
	Fit(ctx context.Context, params fl.Parameters, cfg Config) (fl.Update, error)
	Evaluate(ctx context.Context, params fl.Parameters, cfg Config) (fl.EvalResult, error)
}

// CheckLabels rejects a training label set with fewer than two classes.
// A participant failing it must stop before joining any round.
func CheckLabels(labels []int) error {
	seen := make(map[int]struct{}, 2)
	for _, l := range labels {
		seen[l] = struct{}{}
		if len(seen) > 1 {
			return nil
		}
	}
	return fmt.Errorf("%w: %d distinct classes in %d labels", fl.ErrDegenerateLabels, len(seen), len(labels))
}
