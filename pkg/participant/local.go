package participant

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"sync"

	"go.uber.org/zap"

	"github.com/ryandielhenn/fedledger/pkg/fl"
)

type LocalOptions struct {
	TestFraction float64
	Epochs       int
	LearningRate float64
	// Seed makes the split and initial weights reproducible.
	Seed uint64
	// Transforms, when set, receives the fitted scaler.
	Transforms *TransformStore
	Logger     *zap.Logger
}

func (o LocalOptions) withDefaults() LocalOptions {
	if o.TestFraction <= 0 || o.TestFraction >= 1 {
		o.TestFraction = 0.2
	}
	if o.Epochs <= 0 {
		o.Epochs = 1
	}
	if o.LearningRate <= 0 {
		o.LearningRate = 0.1
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Local is an in-process participant training a logistic regression on its
// own data. Parameters are a [features, 1] weight tensor and a [1] bias.
type Local struct {
	id     fl.ParticipantID
	opts   LocalOptions
	logger *zap.Logger

	mu    sync.Mutex
	train Dataset
	test  Dataset
	rng   *rand.Rand
}

// NewLocal splits data, checks the training labels and standardizes both
// splits with a scaler fitted on the training split only. It returns
// fl.ErrDegenerateLabels when the training split holds a single class.
func NewLocal(id fl.ParticipantID, data Dataset, opts LocalOptions) (*Local, error) {
	opts = opts.withDefaults()
	if err := data.validate(); err != nil {
		return nil, err
	}
	h := fnv.New64a()
	h.Write([]byte(id))
	rng := rand.New(rand.NewPCG(opts.Seed, h.Sum64()))
	train, test := Split(data, opts.TestFraction, rng)
	if err := CheckLabels(train.Y); err != nil {
		return nil, fmt.Errorf("participant %s: %w", id, err)
	}
	if test.Len() == 0 {
		test = train
	}

	scaler, err := FitScaler(train.X)
	if err != nil {
		return nil, err
	}
	if opts.Transforms != nil {
		if err := opts.Transforms.Save(id, scaler); err != nil {
			return nil, err
		}
	}
	train.X = scaler.Transform(train.X)
	test.X = scaler.Transform(test.X)

	return &Local{
		id:     id,
		opts:   opts,
		logger: opts.Logger.With(zap.String("participant", id.String())),
		train:  train,
		test:   test,
		rng:    rng,
	}, nil
}

func (l *Local) ID() fl.ParticipantID { return l.id }

func (l *Local) GetParameters(ctx context.Context) (fl.Parameters, error) {
	features := l.train.Features()
	w := fl.NewTensor(features, 1)
	l.mu.Lock()
	for i := range w.Data {
		w.Data[i] = l.rng.NormFloat64() * 0.01
	}
	l.mu.Unlock()
	return fl.Parameters{w, fl.NewTensor(1)}, nil
}

func (l *Local) Fit(ctx context.Context, params fl.Parameters, cfg Config) (fl.Update, error) {
	w, b, err := l.unpack(params)
	if err != nil {
		return fl.Update{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	order := make([]int, l.train.Len())
	for i := range order {
		order[i] = i
	}
	lr := l.opts.LearningRate
	for range l.opts.Epochs {
		if err := ctx.Err(); err != nil {
			return fl.Update{}, err
		}
		l.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		for _, i := range order {
			g := predict(w, b, l.train.X[i]) - float64(l.train.Y[i])
			for j, x := range l.train.X[i] {
				w[j] -= lr * g * x
			}
			b -= lr * g
		}
	}

	loss, acc := score(w, b, l.train)
	l.logger.Debug("fit", zap.Uint64("round", uint64(cfg.Round)), zap.Float64("loss", loss), zap.Float64("accuracy", acc))
	return fl.Update{
		Participant: l.id,
		Parameters:  pack(w, b),
		SampleCount: int64(l.train.Len()),
		Metrics:     fl.Metrics{fl.MetricAccuracy: acc, "loss": loss},
	}, nil
}

func (l *Local) Evaluate(ctx context.Context, params fl.Parameters, cfg Config) (fl.EvalResult, error) {
	w, b, err := l.unpack(params)
	if err != nil {
		return fl.EvalResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return fl.EvalResult{}, err
	}
	loss, acc := score(w, b, l.test)
	l.logger.Debug("evaluate", zap.Uint64("round", uint64(cfg.Round)), zap.Float64("loss", loss), zap.Float64("accuracy", acc))
	return fl.EvalResult{
		Participant: l.id,
		Loss:        loss,
		SampleCount: int64(l.test.Len()),
		Metrics:     fl.Metrics{fl.MetricAccuracy: acc},
	}, nil
}

func (l *Local) unpack(p fl.Parameters) ([]float64, float64, error) {
	features := l.train.Features()
	if len(p) != 2 || len(p[0].Data) != features || len(p[1].Data) != 1 {
		return nil, 0, fmt.Errorf("participant %s: want [%d 1] [1] parameters, got %s", l.id, features, p.Shapes())
	}
	return append([]float64(nil), p[0].Data...), p[1].Data[0], nil
}

func pack(w []float64, b float64) fl.Parameters {
	return fl.Parameters{
		{Shape: []int{len(w), 1}, Data: w},
		{Shape: []int{1}, Data: []float64{b}},
	}
}

func predict(w []float64, b float64, x []float64) float64 {
	z := b
	for j, v := range x {
		z += w[j] * v
	}
	return 1 / (1 + math.Exp(-z))
}

// score returns mean log loss and accuracy over d.
func score(w []float64, b float64, d Dataset) (loss, acc float64) {
	const eps = 1e-12
	var correct int
	for i, x := range d.X {
		p := predict(w, b, x)
		if d.Y[i] == 1 {
			loss -= math.Log(math.Max(p, eps))
		} else {
			loss -= math.Log(math.Max(1-p, eps))
		}
		if (p >= 0.5) == (d.Y[i] == 1) {
			correct++
		}
	}
	n := float64(d.Len())
	return loss / n, float64(correct) / n
}
