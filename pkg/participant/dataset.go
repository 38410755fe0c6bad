package participant

import (
	"errors"
	"fmt"
	"math/rand/v2"
)

// Dataset is a binary classification table. Y holds 0 or 1 per row.
type Dataset struct {
	X [][]float64
	Y []int
}

func (d Dataset) Len() int { return len(d.Y) }

func (d Dataset) Features() int {
	if len(d.X) == 0 {
		return 0
	}
	return len(d.X[0])
}

func (d Dataset) validate() error {
	if len(d.X) != len(d.Y) {
		return fmt.Errorf("dataset: %d rows but %d labels", len(d.X), len(d.Y))
	}
	if len(d.Y) == 0 {
		return errors.New("dataset: empty")
	}
	for i, y := range d.Y {
		if y != 0 && y != 1 {
			return fmt.Errorf("dataset: row %d label %d is not binary", i, y)
		}
	}
	return nil
}

// Split shuffles d with rng and holds out testFraction of the rows.
func Split(d Dataset, testFraction float64, rng *rand.Rand) (train, test Dataset) {
	idx := rng.Perm(d.Len())
	nTest := int(float64(d.Len()) * testFraction)
	pick := func(ids []int) Dataset {
		out := Dataset{X: make([][]float64, len(ids)), Y: make([]int, len(ids))}
		for i, j := range ids {
			out.X[i], out.Y[i] = d.X[j], d.Y[j]
		}
		return out
	}
	return pick(idx[nTest:]), pick(idx[:nTest])
}

// Synthetic draws n rows around two class centers separated along every
// feature. shift moves both centers, giving each participant its own
// feature distribution.
func Synthetic(rng *rand.Rand, n, features int, shift float64) Dataset {
	d := Dataset{X: make([][]float64, n), Y: make([]int, n)}
	for i := range n {
		y := rng.IntN(2)
		center := shift - 1
		if y == 1 {
			center = shift + 1
		}
		row := make([]float64, features)
		for j := range row {
			row[j] = center + rng.NormFloat64()*1.5
		}
		d.X[i], d.Y[i] = row, y
	}
	return d
}
