package distributed

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal(t *testing.T) {
	var r Reducer = Local{}
	v, err := r.AllReduce(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 7.0, v)
	assert.Equal(t, 1, r.WorldSize())
	assert.Equal(t, 0, r.Rank())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.AllReduce(ctx, 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGroupSumsEveryRound(t *testing.T) {
	workers := NewGroup(4)
	require.Len(t, workers, 4)

	results := make([][]float64, len(workers))
	var wg sync.WaitGroup
	for i, w := range workers {
		wg.Add(1)
		go func(i int, w Reducer) {
			defer wg.Done()
			for round := 0; round < 3; round++ {
				v, err := w.AllReduce(context.Background(), float64(w.Rank()+round))
				assert.NoError(t, err)
				results[i] = append(results[i], v)
			}
		}(i, w)
	}
	wg.Wait()

	for i, r := range results {
		assert.Equal(t, []float64{6, 10, 14}, r, "rank %d sees the same sum each round", i)
		assert.Equal(t, 4, workers[i].WorldSize())
		assert.Equal(t, i, workers[i].Rank())
	}
}

func TestGroupCancellationReleasesWaiters(t *testing.T) {
	workers := NewGroup(3)

	errs := make(chan error, 2)
	go func() {
		_, err := workers[0].AllReduce(context.Background(), 1)
		errs <- err
	}()
	waitArrived(t, workers[0], 1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	go func() {
		_, err := workers[1].AllReduce(ctx, 1)
		errs <- err
	}()

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			assert.Error(t, err, "a round missing a worker cannot complete")
		case <-time.After(2 * time.Second):
			t.Fatal("waiters were not released")
		}
	}
}

func TestNewGroupRejectsEmpty(t *testing.T) {
	assert.Nil(t, NewGroup(0))
}

// waitArrived blocks until n workers have joined the current round.
func waitArrived(t *testing.T, r Reducer, n int) {
	t.Helper()
	g := r.(*member).g
	require.Eventually(t, func() bool {
		g.mu.Lock()
		defer g.mu.Unlock()
		return g.arrived == n
	}, 2*time.Second, time.Millisecond)
}
