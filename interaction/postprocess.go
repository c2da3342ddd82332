package interaction

import (
	"github.com/nvr-ai/go-hoi/common"
	"github.com/nvr-ai/go-hoi/graphhead"
)

// Postprocess splits the fused scores of a batch into per-image results.
//
// Only (pair, class) entries with a non-zero human prior are retained, in
// row-major order. Images without pairs get an empty result.
//
// Arguments:
//   - sets: The pair sets of each image.
//   - scores: Row-major (pairs x numClasses) fused scores of the whole batch.
//   - weights: The interactiveness of every pair of the batch.
//   - numClasses: Number of interaction classes.
//
// Returns:
//   - One Result per image.
func Postprocess(sets []graphhead.PairSet, scores, weights []float32, numClasses int) []Result {
	results := make([]Result, len(sets))
	row := 0
	for i, s := range sets {
		r := Result{
			BoxesH:  emptyIfNil(s.BoxesH),
			BoxesO:  emptyIfNil(s.BoxesO),
			Object:  append([]int{}, s.ObjectClass...),
			Weights: append([]float32{}, weights[row:row+s.Len()]...),
		}
		for p := 0; p < s.Len(); p++ {
			for c := 0; c < numClasses; c++ {
				k := p*numClasses + c
				if s.PriorH[k] == 0 {
					continue
				}
				r.Index = append(r.Index, p)
				r.Prediction = append(r.Prediction, c)
				r.Scores = append(r.Scores, scores[(row+p)*numClasses+c])
				r.Prior[0] = append(r.Prior[0], s.PriorH[k])
				r.Prior[1] = append(r.Prior[1], s.PriorO[k])
				if s.Labels != nil {
					r.Labels = append(r.Labels, s.Labels[k])
				}
			}
		}
		if s.Labels != nil {
			r.BinaryLabels = BinaryLabels(s.Labels, s.Len())
		}
		row += s.Len()
		results[i] = r
	}
	return results
}

func emptyIfNil(b []common.Box) []common.Box {
	if b == nil {
		return []common.Box{}
	}
	return b
}
