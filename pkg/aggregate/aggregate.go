// Package aggregate implements sample-weighted combination of participant
// results: parameter averaging for fit rounds and loss/accuracy averaging
// for evaluation rounds.
package aggregate

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/ryandielhenn/fedledger/pkg/fl"
)

// WeightedAverage combines updates as Σ(n_j·p_j)/Σ(n_j), elementwise.
//
// Updates are summed in participant order, so the result does not depend on
// the order in which updates arrived. An empty slice yields (nil, nil).
func WeightedAverage(updates []fl.Update) (fl.Parameters, error) {
	if len(updates) == 0 {
		return nil, nil
	}
	ordered := sortedUpdates(updates)

	ref := ordered[0].Parameters
	var total int64
	for j, u := range ordered {
		if j > 0 && u.Participant == ordered[j-1].Participant {
			return nil, fmt.Errorf("%w: participant %s sent more than one update", fl.ErrAggregation, u.Participant)
		}
		if u.SampleCount <= 0 {
			return nil, fmt.Errorf("%w: participant %s reported %d samples", fl.ErrAggregation, u.Participant, u.SampleCount)
		}
		if !u.Parameters.SameShape(ref) {
			return nil, fmt.Errorf("%w: participant %s shapes [%s] differ from participant %s shapes [%s]",
				fl.ErrAggregation, u.Participant, u.Parameters.Shapes(), ordered[0].Participant, ref.Shapes())
		}
		for i, t := range u.Parameters {
			if err := t.Validate(); err != nil {
				return nil, fmt.Errorf("%w: participant %s tensor %d: %v", fl.ErrAggregation, u.Participant, i, err)
			}
		}
		total += u.SampleCount
	}

	out := make(fl.Parameters, len(ref))
	for i, t := range ref {
		out[i] = fl.NewTensor(t.Shape...)
	}
	for _, u := range ordered {
		w := float64(u.SampleCount)
		for i, t := range u.Parameters {
			dst := out[i].Data
			for k, v := range t.Data {
				dst[k] += w * v
			}
		}
	}
	denom := float64(total)
	for i := range out {
		for k := range out[i].Data {
			out[i].Data[k] /= denom
		}
	}
	return out, nil
}

// FitMetrics averages every metric name over the updates that report it,
// weighted by sample count.
func FitMetrics(updates []fl.Update) fl.Metrics {
	sums := map[string]float64{}
	counts := map[string]int64{}
	for _, u := range sortedUpdates(updates) {
		for name, v := range u.Metrics {
			sums[name] += float64(u.SampleCount) * v
			counts[name] += u.SampleCount
		}
	}
	out := make(fl.Metrics, len(sums))
	for name, s := range sums {
		if counts[name] > 0 {
			out[name] = s / float64(counts[name])
		}
	}
	return out
}

// Evaluation is the combined outcome of an evaluation round.
type Evaluation struct {
	Loss float64
	// Accuracy is 0 when no participant reported one.
	Accuracy float64
	// Metrics holds "accuracy" only when at least one participant reported it.
	Metrics fl.Metrics
	// NodeAccuracies lists reporters only. Silent participants are absent.
	NodeAccuracies map[fl.ParticipantID]float64
}

// Evaluate averages loss over all results and accuracy over the results
// that report one. ok is false for an empty result set.
func Evaluate(results []fl.EvalResult) (ev Evaluation, ok bool, err error) {
	if len(results) == 0 {
		return Evaluation{Metrics: fl.Metrics{}, NodeAccuracies: map[fl.ParticipantID]float64{}}, false, nil
	}
	ordered := slices.Clone(results)
	slices.SortStableFunc(ordered, func(a, b fl.EvalResult) int { return cmp.Compare(a.Participant, b.Participant) })

	var (
		lossSum, accSum float64
		total, accTotal int64
	)
	ev.NodeAccuracies = make(map[fl.ParticipantID]float64)
	for i, r := range ordered {
		if i > 0 && r.Participant == ordered[i-1].Participant {
			return Evaluation{}, false, fmt.Errorf("%w: participant %s sent more than one evaluation", fl.ErrAggregation, r.Participant)
		}
		if r.SampleCount <= 0 {
			return Evaluation{}, false, fmt.Errorf("%w: participant %s reported %d evaluation samples", fl.ErrAggregation, r.Participant, r.SampleCount)
		}
		n := float64(r.SampleCount)
		lossSum += n * r.Loss
		total += r.SampleCount
		if acc, has := r.Metrics.Accuracy(); has {
			accSum += n * acc
			accTotal += r.SampleCount
			ev.NodeAccuracies[r.Participant] = acc
		}
	}
	ev.Loss = lossSum / float64(total)
	ev.Metrics = fl.Metrics{}
	if accTotal > 0 {
		ev.Accuracy = accSum / float64(accTotal)
		ev.Metrics[fl.MetricAccuracy] = ev.Accuracy
	}
	return ev, true, nil
}

func sortedUpdates(updates []fl.Update) []fl.Update {
	ordered := slices.Clone(updates)
	slices.SortStableFunc(ordered, func(a, b fl.Update) int { return cmp.Compare(a.Participant, b.Participant) })
	return ordered
}
