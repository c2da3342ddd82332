// Package postprocess - provides Non-Maximum Suppression for detection results.
package postprocess

import (
	"sort"

	flatbush "github.com/bmharper/flatbush-go"

	"github.com/nvr-ai/go-hoi/common"
)

// NMSConfig defines parameters for Non-Maximum Suppression.
type NMSConfig struct {
	IoUThreshold float32 `json:"iou_threshold" yaml:"iou_threshold"` // Overlap threshold for suppression.
	ClassAware   bool    `json:"class_aware" yaml:"class_aware"`     // If true, suppress only within same class.
}

// ApplyNMS filters overlapping boxes using greedy Non-Maximum Suppression.
//
// Boxes are visited in order of descending score. Each visited box that has not
// been suppressed is kept, and every later box overlapping it with an IoU
// strictly greater than the threshold is suppressed. When ClassAware is set,
// only boxes sharing a label suppress each other.
//
// Arguments:
//   - boxes: The candidate boxes.
//   - scores: The confidence of each box.
//   - labels: The class of each box. Ignored unless config.ClassAware is set.
//   - config: NMS configuration.
//
// Returns:
//   - Indices of the kept boxes, sorted by descending score. Returns nil when
//     no boxes are provided.
func ApplyNMS(boxes []common.Box, scores []float32, labels []int, config NMSConfig) []int {
	n := len(boxes)
	if n == 0 {
		return nil
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})

	// Spatial index over every candidate to avoid O(N^2) comparisons.
	fb := flatbush.NewFlatbush[int32]()
	fb.Reserve(n)
	for _, b := range boxes {
		x1, y1, x2, y2 := b.IndexBounds()
		fb.Add(x1, y1, x2, y2)
	}
	fb.Finish()

	suppressed := make([]bool, n)
	kept := make([]int, 0, n)
	nearby := []int{}

	for _, i := range order {
		if suppressed[i] {
			continue
		}
		kept = append(kept, i)
		suppressed[i] = true

		x1, y1, x2, y2 := boxes[i].IndexBounds()
		nearby = fb.SearchFast(x1, y1, x2, y2, nearby[:0])
		for _, j := range nearby {
			if suppressed[j] {
				continue
			}
			if config.ClassAware && labels[i] != labels[j] {
				continue
			}
			if boxes[i].IoU(boxes[j]) > config.IoUThreshold {
				suppressed[j] = true
			}
		}
	}

	return kept
}

// BatchedNMS performs class-wise Non-Maximum Suppression: boxes of different
// labels never suppress each other.
//
// Arguments:
//   - boxes: The candidate boxes.
//   - scores: The confidence of each box.
//   - labels: The class of each box.
//   - threshold: IoU above which a lower scoring box of the same class is dropped.
//
// Returns:
//   - Indices of the kept boxes, sorted by descending score.
//
// @example
// keep := BatchedNMS(boxes, scores, labels, 0.5)
func BatchedNMS(boxes []common.Box, scores []float32, labels []int, threshold float32) []int {
	return ApplyNMS(boxes, scores, labels, NMSConfig{IoUThreshold: threshold, ClassAware: true})
}
