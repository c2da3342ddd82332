// Package distributed - scalar all-reduce across training workers.
package distributed

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Reducer sums a scalar across every worker of a training job. Every worker
// must call AllReduce the same number of times.
type Reducer interface {
	// AllReduce blocks until every worker has contributed and returns the sum.
	AllReduce(ctx context.Context, v float64) (float64, error)
	// WorldSize returns the number of workers.
	WorldSize() int
	// Rank returns this worker's index in [0, WorldSize).
	Rank() int
}

// Local is the reducer of a single-worker job.
type Local struct{}

// AllReduce returns v.
func (Local) AllReduce(ctx context.Context, v float64) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return v, nil
}

// WorldSize returns 1.
func (Local) WorldSize() int { return 1 }

// Rank returns 0.
func (Local) Rank() int { return 0 }

// round is one all-reduce exchange. done is closed once sum or err is final.
type round struct {
	done chan struct{}
	sum  float64
	err  error
}

type group struct {
	mu      sync.Mutex
	size    int
	arrived int
	cur     *round
}

// member is one worker's handle on a group.
type member struct {
	g    *group
	rank int
}

// NewGroup creates k in-process workers that reduce with each other, one per
// goroutine.
//
// Arguments:
//   - k: Number of workers. Must be positive.
//
// Returns:
//   - One Reducer per worker; element i has rank i.
//
// @example
// workers := distributed.NewGroup(4)
//
//	for rank, r := range workers {
//		go train(ctx, r)
//	}
func NewGroup(k int) []Reducer {
	if k <= 0 {
		return nil
	}
	g := &group{size: k, cur: &round{done: make(chan struct{})}}
	out := make([]Reducer, k)
	for i := range out {
		out[i] = &member{g: g, rank: i}
	}
	return out
}

func (m *member) WorldSize() int { return m.g.size }
func (m *member) Rank() int      { return m.rank }

// AllReduce adds v to the current round and waits for the other workers. If
// ctx ends first the round is aborted and every waiting worker gets an error.
func (m *member) AllReduce(ctx context.Context, v float64) (float64, error) {
	g := m.g
	g.mu.Lock()
	r := g.cur
	r.sum += v
	g.arrived++
	if g.arrived == g.size {
		g.next()
		close(r.done)
	}
	g.mu.Unlock()

	select {
	case <-r.done:
		if r.err != nil {
			return 0, r.err
		}
		return r.sum, nil
	case <-ctx.Done():
		g.mu.Lock()
		if g.cur == r {
			r.err = errors.Wrapf(ctx.Err(), "all-reduce aborted by rank %d", m.rank)
			g.next()
			close(r.done)
		}
		g.mu.Unlock()
		<-r.done
		if r.err != nil {
			return 0, r.err
		}
		return r.sum, nil
	}
}

// next starts a fresh round. Callers hold g.mu.
func (g *group) next() {
	g.cur = &round{done: make(chan struct{})}
	g.arrived = 0
}
