package nn

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
)

// FocalEps keeps the focal modulation and the logarithms away from zero.
const FocalEps = 1e-6

// FocalLoss is the summed, alpha-balanced binary focal loss of probabilities s
// against binary labels:
//
//	sum_i mask_i * |1 - y_i - alpha| * (|y_i - s_i| + eps)^gamma * bce(s_i, y_i)
//
// where bce(s, y) = -(y log(s + eps) + (1 - y) log(1 - s + eps)).
//
// Arguments:
//   - b: The binder of the current pass.
//   - name: A name for the constants this loss adds to the graph.
//   - s: A 2-D node of probabilities in [0, 1].
//   - labels: Row-major binary labels with the shape of s.
//   - mask: Row-major 0/1 weights with the shape of s. Nil counts every entry.
//   - alpha: Weight of positive examples; negatives get 1 - alpha.
//   - gamma: Focusing exponent.
//
// Returns:
//   - A scalar node holding the unnormalised loss.
//   - An error if the label or mask sizes do not match s.
func FocalLoss(b *Binder, name string, s *G.Node, labels, mask []float32, alpha, gamma float32) (*G.Node, error) {
	shape := s.Shape()
	if shape.Dims() != 2 {
		return nil, errors.Errorf("%s: focal loss expects a 2-D input, got shape %v", name, shape)
	}
	rows, cols := shape[0], shape[1]
	if len(labels) != rows*cols {
		return nil, errors.Errorf("%s: %d labels for %d scores", name, len(labels), rows*cols)
	}
	if mask != nil && len(mask) != rows*cols {
		return nil, errors.Errorf("%s: %d mask entries for %d scores", name, len(mask), rows*cols)
	}

	// Class balance and mask are known on the host and folded into one weight.
	weight := make([]float32, len(labels))
	neg := make([]float32, len(labels))
	for i, y := range labels {
		w := math32.Abs(1 - y - alpha)
		if mask != nil {
			w *= mask[i]
		}
		weight[i] = w
		neg[i] = 1 - y
	}
	y := b.Constant(name+".labels", rows, cols, labels)
	notY := b.Constant(name+".negatives", rows, cols, neg)
	wt := b.Constant(name+".weight", rows, cols, weight)
	eps := b.Scalar(FocalEps)
	one := b.Scalar(1)

	diff, err := G.Sub(y, s)
	if err != nil {
		return nil, err
	}
	absDiff, err := G.Abs(diff)
	if err != nil {
		return nil, err
	}
	base, err := G.Add(absDiff, eps)
	if err != nil {
		return nil, err
	}
	modulation, err := G.Pow(base, b.Scalar(gamma))
	if err != nil {
		return nil, err
	}

	sEps, err := G.Add(s, eps)
	if err != nil {
		return nil, err
	}
	logS, err := G.Log(sEps)
	if err != nil {
		return nil, err
	}
	oneMinusS, err := G.Sub(one, s)
	if err != nil {
		return nil, err
	}
	oneMinusSEps, err := G.Add(oneMinusS, eps)
	if err != nil {
		return nil, err
	}
	logNotS, err := G.Log(oneMinusSEps)
	if err != nil {
		return nil, err
	}

	posTerm, err := G.HadamardProd(y, logS)
	if err != nil {
		return nil, err
	}
	negTerm, err := G.HadamardProd(notY, logNotS)
	if err != nil {
		return nil, err
	}
	logLik, err := G.Add(posTerm, negTerm)
	if err != nil {
		return nil, err
	}
	bce, err := G.Neg(logLik)
	if err != nil {
		return nil, err
	}

	focal, err := G.HadamardProd(modulation, bce)
	if err != nil {
		return nil, err
	}
	weighted, err := G.HadamardProd(wt, focal)
	if err != nil {
		return nil, err
	}
	return G.Sum(weighted)
}

// FocalLossValue computes FocalLoss on the host. It is the reference the
// graph version is checked against.
func FocalLossValue(s, labels, mask []float32, alpha, gamma float32) float32 {
	var total float32
	for i, p := range s {
		y := labels[i]
		w := math32.Abs(1 - y - alpha)
		if mask != nil {
			w *= mask[i]
		}
		bce := -(y*math32.Log(p+FocalEps) + (1-y)*math32.Log(1-p+FocalEps))
		total += w * math32.Pow(math32.Abs(y-p)+FocalEps, gamma) * bce
	}
	return total
}
