package fl

import (
	"fmt"
	"math"
	"slices"
	"strings"
)

// Round numbers start at 1 and only move forward. Gaps are allowed when a
// round fails to aggregate.
type Round uint64

// ParticipantID identifies one data holder for the lifetime of a run.
type ParticipantID string

func (p ParticipantID) String() string { return string(p) }

// Tensor is a dense row-major array.
type Tensor struct {
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// NewTensor allocates a zeroed tensor of the given shape.
func NewTensor(shape ...int) Tensor {
	n, ok := volume(shape)
	if !ok {
		panic(fmt.Sprintf("fl: invalid shape %v", shape))
	}
	return Tensor{Shape: slices.Clone(shape), Data: make([]float64, n)}
}

// Validate checks that Data holds exactly as many values as Shape describes.
func (t Tensor) Validate() error {
	want, ok := volume(t.Shape)
	if !ok {
		return fmt.Errorf("shape %v has a negative or oversized dimension", t.Shape)
	}
	if want != len(t.Data) {
		return fmt.Errorf("shape %v wants %d values, have %d", t.Shape, want, len(t.Data))
	}
	return nil
}

func (t Tensor) Clone() Tensor {
	return Tensor{Shape: slices.Clone(t.Shape), Data: slices.Clone(t.Data)}
}

// volume is the element count of shape. It reports false for a negative
// dimension or a product that does not fit in an int.
func volume(shape []int) (int, bool) {
	n := 1
	for _, d := range shape {
		if d < 0 || (d != 0 && n > math.MaxInt/d) {
			return 0, false
		}
		n *= d
	}
	return n, true
}

// Parameters is the ordered list of tensors making up a model.
type Parameters []Tensor

func (p Parameters) Clone() Parameters {
	if p == nil {
		return nil
	}
	out := make(Parameters, len(p))
	for i, t := range p {
		out[i] = t.Clone()
	}
	return out
}

// Shapes renders the layout for logs, e.g. "[20 64] [64] [64 1] [1]".
func (p Parameters) Shapes() string {
	parts := make([]string, len(p))
	for i, t := range p {
		parts[i] = fmt.Sprint(t.Shape)
	}
	return strings.Join(parts, " ")
}

// SameShape reports whether p and o have the same number of tensors and
// identical shapes tensor by tensor.
func (p Parameters) SameShape(o Parameters) bool {
	if len(p) != len(o) {
		return false
	}
	for i := range p {
		if !slices.Equal(p[i].Shape, o[i].Shape) {
			return false
		}
	}
	return true
}

// Metrics maps metric names to values. A nil map is a valid empty set.
type Metrics map[string]float64

// MetricAccuracy is the only metric the coordinator interprets.
const MetricAccuracy = "accuracy"

// Accuracy returns the reported accuracy and whether it was reported at all.
func (m Metrics) Accuracy() (float64, bool) {
	v, ok := m[MetricAccuracy]
	return v, ok
}

// Update is one participant's local training outcome for a round.
type Update struct {
	Participant ParticipantID `json:"participant"`
	Parameters  Parameters    `json:"parameters"`
	SampleCount int64         `json:"sample_count"`
	Metrics     Metrics       `json:"metrics,omitempty"`
}

// EvalResult is one participant's evaluation of the global parameters.
type EvalResult struct {
	Participant ParticipantID `json:"participant"`
	Loss        float64       `json:"loss"`
	SampleCount int64         `json:"sample_count"`
	Metrics     Metrics       `json:"metrics,omitempty"`
}

// Failure records a participant that did not deliver a result for a round.
// Failures are reported, never aggregated.
type Failure struct {
	Participant ParticipantID
	Err         error
}

func (f Failure) Error() string {
	return fmt.Sprintf("participant %s: %v", f.Participant, f.Err)
}

// AggregatedResult is the combined outcome of one successful round.
type AggregatedResult struct {
	Round      Round
	Parameters Parameters
	Loss       float64
	Metrics    Metrics
}
