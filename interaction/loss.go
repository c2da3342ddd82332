package interaction

import (
	"context"

	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"

	"github.com/nvr-ai/go-hoi/common"
	"github.com/nvr-ai/go-hoi/graphhead"
	"github.com/nvr-ai/go-hoi/nn"
)

// normaliser holds the global positive counts that divide each loss.
type normaliser struct {
	hoi             float32
	interactiveness float32
}

// Positives counts the local positive examples of a batch: retained
// (pair, class) entries with a positive label, and pairs with any positive
// class.
func Positives(sets []graphhead.PairSet) (hoi, interactiveness float64) {
	for _, s := range sets {
		if s.Labels == nil {
			continue
		}
		classes := 0
		if s.Len() > 0 {
			classes = len(s.Labels) / s.Len()
		}
		for p := 0; p < s.Len(); p++ {
			positive := false
			for c := 0; c < classes; c++ {
				k := p*classes + c
				if s.Labels[k] == 0 {
					continue
				}
				positive = true
				if s.PriorH[k] != 0 {
					hoi++
				}
			}
			if positive {
				interactiveness++
			}
		}
	}
	return hoi, interactiveness
}

// normalise sums the positive counts across workers. Every worker takes
// part in both reductions before any failure is reported, so no peer is left
// waiting.
func (h *InteractionHead) normalise(ctx context.Context, sets []graphhead.PairSet) (normaliser, error) {
	hoi, inter := Positives(sets)
	globalHOI, err := h.reducer.AllReduce(ctx, hoi)
	if err != nil {
		return normaliser{}, errors.Wrap(err, "reducing interaction positives")
	}
	globalInter, err := h.reducer.AllReduce(ctx, inter)
	if err != nil {
		return normaliser{}, errors.Wrap(err, "reducing interactiveness positives")
	}
	if h.cfg.Distributed {
		k := float64(h.reducer.WorldSize())
		globalHOI /= k
		globalInter /= k
	}
	if globalHOI == 0 {
		return normaliser{}, &common.ZeroPositivesError{Term: HOILossName}
	}
	if globalInter == 0 {
		return normaliser{}, &common.ZeroPositivesError{Term: InteractivenessLossName}
	}
	return normaliser{hoi: float32(globalHOI), interactiveness: float32(globalInter)}, nil
}

// losses builds both normalised focal losses over the pairs of a batch.
//
// The interaction loss covers the (pair, class) entries with a non-zero human
// prior. The interactiveness loss compares the suppressor weight of each pair
// with whether the pair has any positive class.
func (h *InteractionHead) losses(b *nn.Binder, sets []graphhead.PairSet, f *fused, norm normaliser) (hoi, inter *G.Node, err error) {
	var labels, mask, binary []float32
	for i, s := range sets {
		if s.Len() == 0 {
			continue
		}
		if s.Labels == nil {
			return nil, nil, errors.Errorf("image %d has no labels", i)
		}
		labels = append(labels, s.Labels...)
		for _, v := range s.PriorH {
			mask = append(mask, nonZero(v))
		}
		binary = append(binary, BinaryLabels(s.Labels, s.Len())...)
	}

	sumHOI, err := nn.FocalLoss(b, HOILossName, f.scores, labels, mask, h.cfg.FocalAlpha, h.cfg.Gamma)
	if err != nil {
		return nil, nil, err
	}
	sumInter, err := nn.FocalLoss(b, InteractivenessLossName, f.weights, binary, nil, h.cfg.FocalAlpha, h.cfg.InteractivenessGamma)
	if err != nil {
		return nil, nil, err
	}
	if hoi, err = G.Mul(sumHOI, b.Scalar(1/norm.hoi)); err != nil {
		return nil, nil, err
	}
	if inter, err = G.Mul(sumInter, b.Scalar(1/norm.interactiveness)); err != nil {
		return nil, nil, err
	}
	return hoi, inter, nil
}

// BinaryLabels reduces row-major (pairs x classes) labels to one label per
// pair: 1 when the pair has any positive class.
func BinaryLabels(labels []float32, pairs int) []float32 {
	out := make([]float32, pairs)
	if pairs == 0 {
		return out
	}
	classes := len(labels) / pairs
	for p := range out {
		for _, v := range labels[p*classes : (p+1)*classes] {
			if v != 0 {
				out[p] = 1
				break
			}
		}
	}
	return out
}

func nonZero(v float32) float32 {
	if v != 0 {
		return 1
	}
	return 0
}
