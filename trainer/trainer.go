// Package trainer - runs optimisation steps of the interaction head.
package trainer

import (
	"context"
	"sort"

	"github.com/chewxy/math32"
	"github.com/cyclopcam/logs"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	G "gorgonia.org/gorgonia"

	"github.com/nvr-ai/go-hoi/common"
	"github.com/nvr-ai/go-hoi/interaction"
	"github.com/nvr-ai/go-hoi/profiler"
)

// Options configures a Trainer.
type Options struct {
	// Solver defaults to Adam with the configured learning rate.
	Solver G.Solver
	// Window is the number of steps each running mean covers. Defaults to 100.
	Window int
	// LogInterval logs the running means every LogInterval steps. Zero disables.
	LogInterval int
	Logger      logs.Log
	Profiler    *profiler.Profiler
}

// Trainer applies solver steps to an interaction head and keeps running means
// of each loss term.
type Trainer struct {
	head   *interaction.InteractionHead
	solver G.Solver
	log    logs.Log
	prof   *profiler.Profiler

	window      int
	logInterval int
	steps       int
	meters      map[string][]float64
}

// New creates a trainer for head.
func New(head *interaction.InteractionHead, opts Options) *Trainer {
	t := &Trainer{
		head:        head,
		solver:      opts.Solver,
		log:         common.LogOrDiscard(opts.Logger),
		prof:        opts.Profiler,
		window:      opts.Window,
		logInterval: opts.LogInterval,
		meters:      make(map[string][]float64),
	}
	if t.solver == nil {
		t.solver = G.NewAdamSolver(G.WithLearnRate(head.Config().LearningRate))
	}
	if t.window <= 0 {
		t.window = 100
	}
	return t
}

// Step runs one training pass over batch and updates the head's weights.
//
// Arguments:
//   - ctx: Bounds the cross-worker reduction.
//   - batch: Images, detections and targets.
//
// Returns:
//   - The normalised losses of the pass.
//   - A *common.NumericalInstability when a loss is NaN, in which case no
//     update is applied, or any error of the forward pass.
func (t *Trainer) Step(ctx context.Context, batch interaction.Batch) (interaction.Losses, error) {
	out, err := t.head.Forward(ctx, batch, interaction.Train)
	if err != nil {
		return interaction.Losses{}, err
	}
	losses := *out.Losses
	if err := CheckFinite(t.head.Rank(), losses); err != nil {
		out.Close()
		t.log.Errorf("Step %v: %v", t.steps, err)
		return losses, err
	}

	done := t.prof.Track(profiler.StageSolverStep)
	err = out.Step(t.solver)
	done()
	if err != nil {
		return losses, errors.Wrapf(err, "step %d", t.steps)
	}

	t.steps++
	t.record(losses)
	if t.logInterval > 0 && t.steps%t.logInterval == 0 {
		means := t.Means()
		t.log.Infof("Step %v: %v=%.4f %v=%.4f", t.steps,
			interaction.HOILossName, means[interaction.HOILossName],
			interaction.InteractivenessLossName, means[interaction.InteractivenessLossName])
	}
	return losses, nil
}

// Steps returns the number of applied updates.
func (t *Trainer) Steps() int {
	return t.steps
}

// Means returns the running mean of every loss term over the last Window steps.
func (t *Trainer) Means() map[string]float64 {
	out := make(map[string]float64, len(t.meters))
	for name, v := range t.meters {
		if len(v) > 0 {
			out[name] = floats.Sum(v) / float64(len(v))
		}
	}
	return out
}

func (t *Trainer) record(l interaction.Losses) {
	for name, v := range l.Map() {
		m := append(t.meters[name], float64(v))
		if len(m) > t.window {
			m = m[len(m)-t.window:]
		}
		t.meters[name] = m
	}
	if t.prof != nil {
		for name, v := range l.Map() {
			t.prof.RecordMetric(name, float64(v))
		}
	}
}

// CheckFinite returns a *common.NumericalInstability for the first NaN or
// infinite loss term, by name.
func CheckFinite(rank int, l interaction.Losses) error {
	m := l.Map()
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if math32.IsNaN(m[name]) || math32.IsInf(m[name], 0) {
			return &common.NumericalInstability{Rank: rank, Term: name, Value: m[name]}
		}
	}
	return nil
}
