package postprocess

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nvr-ai/go-hoi/common"
)

func TestBatchedNMSSuppressesWithinClass(t *testing.T) {
	boxes := []common.Box{
		{X1: 0, Y1: 0, X2: 10, Y2: 10},
		{X1: 1, Y1: 1, X2: 11, Y2: 11}, // overlaps box 0, same class
		{X1: 1, Y1: 1, X2: 11, Y2: 11}, // overlaps box 0, other class
		{X1: 50, Y1: 50, X2: 60, Y2: 60},
	}
	scores := []float32{0.6, 0.9, 0.8, 0.3}
	labels := []int{1, 1, 2, 1}

	keep := BatchedNMS(boxes, scores, labels, 0.5)

	assert.Equal(t, []int{1, 2, 3}, keep, "box 0 is suppressed by the higher scoring box 1 only")
}

func TestApplyNMSClassAgnostic(t *testing.T) {
	boxes := []common.Box{
		{X1: 0, Y1: 0, X2: 10, Y2: 10},
		{X1: 0, Y1: 0, X2: 10, Y2: 10},
	}
	scores := []float32{0.4, 0.5}
	labels := []int{1, 2}

	keep := ApplyNMS(boxes, scores, labels, NMSConfig{IoUThreshold: 0.5})

	assert.Equal(t, []int{1}, keep, "without class awareness identical boxes suppress each other")
}

func TestBatchedNMSThresholdIsStrict(t *testing.T) {
	// IoU of these two boxes is exactly 0.5.
	boxes := []common.Box{
		{X1: 0, Y1: 0, X2: 30, Y2: 10},
		{X1: 10, Y1: 0, X2: 40, Y2: 10},
	}
	scores := []float32{0.9, 0.8}
	labels := []int{3, 3}

	assert.Equal(t, []int{0, 1}, BatchedNMS(boxes, scores, labels, 0.5), "IoU equal to the threshold is kept")
	assert.Equal(t, []int{0}, BatchedNMS(boxes, scores, labels, 0.49))
}

func TestBatchedNMSEmpty(t *testing.T) {
	assert.Nil(t, BatchedNMS(nil, nil, nil, 0.5))
}
