package interaction

import (
	"github.com/nvr-ai/go-hoi/common"
)

// Mode selects between training and evaluation passes.
type Mode int

const (
	// Eval computes predictions only.
	Eval Mode = iota
	// Train also computes the losses and their gradients.
	Train
)

func (m Mode) String() string {
	if m == Train {
		return "train"
	}
	return "eval"
}

// Result holds the predictions for one image.
//
// Pairs are indexed by p in [0, len(BoxesH)); retained entries by e. Entry e
// predicts class Prediction[e] for pair Index[e].
type Result struct {
	BoxesH []common.Box `json:"boxes_h"`
	BoxesO []common.Box `json:"boxes_o"`
	// Object is the object class of each pair.
	Object []int `json:"object"`
	// Index is the pair of each entry.
	Index []int `json:"index"`
	// Prediction is the interaction class of each entry.
	Prediction []int `json:"prediction"`
	// Scores is the fused score of each entry.
	Scores []float32 `json:"scores"`
	// Prior holds the human and object prior of each entry.
	Prior [2][]float32 `json:"prior"`
	// Weights is the interactiveness of each pair for its object class.
	Weights []float32 `json:"weights"`
	// Labels is the ground truth of each entry. Nil without targets.
	Labels []float32 `json:"labels,omitempty"`
	// BinaryLabels is 1 for each pair with any positive class. Nil without targets.
	BinaryLabels []float32 `json:"binary_labels,omitempty"`
}

// Loss term names.
const (
	HOILossName             = "hoi_loss"
	InteractivenessLossName = "interactiveness_loss"
)

// Losses holds the normalised training losses of one pass.
type Losses struct {
	HOI             float32
	Interactiveness float32
}

// Map returns the losses keyed by term name.
func (l Losses) Map() map[string]float32 {
	return map[string]float32{
		HOILossName:             l.HOI,
		InteractivenessLossName: l.Interactiveness,
	}
}
