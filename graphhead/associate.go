package graphhead

import (
	flatbush "github.com/bmharper/flatbush-go"

	"github.com/nvr-ai/go-hoi/common"
)

// Associate labels candidate pairs against the ground truth of an image.
//
// Pair p is positive for class c when some ground-truth entry g with label c
// has min(IoU(boxesH[p], g.human), IoU(boxesO[p], g.object)) >= threshold.
// Several entries may label the same pair with different classes.
//
// Arguments:
//   - boxesH: Human box of each candidate pair.
//   - boxesO: Object box of each candidate pair.
//   - target: Ground-truth pairs of the image.
//   - numClasses: Number of interaction classes.
//   - threshold: Minimum IoU for both boxes.
//
// Returns:
//   - A row-major (pairs x numClasses) slice of 0/1 labels.
func Associate(boxesH, boxesO []common.Box, target common.Target, numClasses int, threshold float32) []float32 {
	labels := make([]float32, len(boxesH)*numClasses)
	if target.Len() == 0 {
		return labels
	}

	// With a positive threshold only ground-truth humans overlapping the
	// candidate can match, so they are looked up through an index.
	search := func(_ common.Box, dst []int) []int {
		for g := 0; g < target.Len(); g++ {
			dst = append(dst, g)
		}
		return dst
	}
	if threshold > 0 {
		fb := flatbush.NewFlatbush[int32]()
		fb.Reserve(target.Len())
		for _, b := range target.BoxesH {
			x1, y1, x2, y2 := b.IndexBounds()
			fb.Add(x1, y1, x2, y2)
		}
		fb.Finish()
		search = func(b common.Box, dst []int) []int {
			x1, y1, x2, y2 := b.IndexBounds()
			return fb.SearchFast(x1, y1, x2, y2, dst)
		}
	}

	candidates := []int{}
	for p := range boxesH {
		candidates = search(boxesH[p], candidates[:0])
		for _, g := range candidates {
			iou := boxesH[p].IoU(target.BoxesH[g])
			if o := boxesO[p].IoU(target.BoxesO[g]); o < iou {
				iou = o
			}
			if iou >= threshold {
				labels[p*numClasses+target.Labels[g]] = 1
			}
		}
	}
	return labels
}
