// Package profiler - stage timing and metric collection for forward and
// training passes.
package profiler

import (
	"sort"
	"sync"
	"time"

	"github.com/cyclopcam/logs"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Stage names recorded by the interaction head.
const (
	StagePreprocess  = "preprocess"
	StagePool        = "pool"
	StageGraphBuild  = "graph_build"
	StageMachineRun  = "machine_run"
	StagePostprocess = "postprocess"
	StageSolverStep  = "solver_step"
)

// Profiler keeps a rolling window of samples per stage and per metric. A nil
// *Profiler is valid and records nothing.
type Profiler struct {
	mu         sync.Mutex
	maxSamples int
	startTime  time.Time
	stages     map[string]*tracker
	metrics    map[string]*tracker
}

// tracker holds the most recent samples of one series.
type tracker struct {
	values []float64
	count  int64
}

func (t *tracker) add(v float64, maxSamples int) {
	t.values = append(t.values, v)
	if len(t.values) > maxSamples {
		// Remove oldest sample
		t.values = t.values[1:]
	}
	t.count++
}

// Summary describes one series.
type Summary struct {
	Name string
	// Count is the number of samples ever recorded.
	Count int64
	// Mean, StdDev, Min and Max cover the samples in the window. Durations
	// are in seconds.
	Mean   float64
	StdDev float64
	Min    float64
	Max    float64
}

// New creates a profiler keeping up to maxSamples samples per series.
//
// Arguments:
//   - maxSamples: Window size; values <= 0 keep 600 samples.
//
// Returns:
//   - A profiler.
func New(maxSamples int) *Profiler {
	if maxSamples <= 0 {
		maxSamples = 600
	}
	return &Profiler{
		maxSamples: maxSamples,
		startTime:  time.Now(),
		stages:     make(map[string]*tracker),
		metrics:    make(map[string]*tracker),
	}
}

// Track begins timing a stage.
//
// Returns:
//   - A function to call when the stage completes.
//
// @example
// defer p.Track(profiler.StageMachineRun)()
func (p *Profiler) Track(stage string) func() {
	if p == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		p.Observe(stage, time.Since(start))
	}
}

// Observe records the duration of a stage.
func (p *Profiler) Observe(stage string, d time.Duration) {
	if p == nil {
		return
	}
	p.record(p.stages, stage, d.Seconds())
}

// RecordMetric records a value of a named metric, e.g. the number of pairs
// in a batch.
func (p *Profiler) RecordMetric(name string, value float64) {
	if p == nil {
		return
	}
	p.record(p.metrics, name, value)
}

func (p *Profiler) record(series map[string]*tracker, name string, v float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := series[name]
	if !ok {
		t = &tracker{values: make([]float64, 0, p.maxSamples)}
		series[name] = t
	}
	t.add(v, p.maxSamples)
}

// Stages summarises every stage, sorted by name.
func (p *Profiler) Stages() []Summary {
	if p == nil {
		return nil
	}
	return p.summarise(p.stages)
}

// Metrics summarises every metric, sorted by name.
func (p *Profiler) Metrics() []Summary {
	if p == nil {
		return nil
	}
	return p.summarise(p.metrics)
}

func (p *Profiler) summarise(series map[string]*tracker) []Summary {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Summary, 0, len(series))
	for name, t := range series {
		if len(t.values) == 0 {
			continue
		}
		mean, std := stat.MeanStdDev(t.values, nil)
		if len(t.values) == 1 {
			std = 0
		}
		out = append(out, Summary{
			Name:   name,
			Count:  t.count,
			Mean:   mean,
			StdDev: std,
			Min:    floats.Min(t.values),
			Max:    floats.Max(t.values),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Emit logs a report of every stage and metric.
func (p *Profiler) Emit(log logs.Log) {
	if p == nil || log == nil {
		return
	}
	log.Infof("Profiler report after %v", time.Since(p.startTime).Truncate(time.Millisecond))
	for _, s := range p.Stages() {
		log.Infof("  %s: avg=%v, std=%v, min=%v, max=%v, count=%d", s.Name,
			seconds(s.Mean), seconds(s.StdDev), seconds(s.Min), seconds(s.Max), s.Count)
	}
	for _, s := range p.Metrics() {
		log.Infof("  %s: avg=%.3f, std=%.3f, min=%.3f, max=%.3f, count=%d", s.Name,
			s.Mean, s.StdDev, s.Min, s.Max, s.Count)
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second)).Truncate(time.Microsecond)
}
