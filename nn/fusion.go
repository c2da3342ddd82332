package nn

import (
	G "gorgonia.org/gorgonia"

	"github.com/nvr-ai/go-hoi/common"
)

// fusion holds the weights shared by the pairwise and broadcast fusion units.
//
// A unit of cardinality K has K branches. Branch k projects the appearance and
// spatial inputs to a sub-width of Out/K, multiplies them, rectifies the
// product and projects it back to Out; the branches are summed. The K input
// projections of each kind are stored side by side as one (in x Out) layer and
// the K output projections stacked as one (Out x Out) layer, so the sum over
// branches is one matrix product. The K output biases collapse into one.
type fusion struct {
	appearance  *Linear
	spatial     *Linear
	output      *Linear
	cardinality int
}

func newFusion(p *Params, name string, appearanceSize, spatialSize, out, cardinality int) (*fusion, error) {
	if cardinality <= 0 {
		return nil, common.NewConfigurationError(name+".cardinality", "must be positive, got %d", cardinality)
	}
	if out%cardinality != 0 {
		return nil, common.NewConfigurationError(name+".representation_size",
			"%d is not divisible by cardinality %d", out, cardinality)
	}
	a, err := NewLinear(p, name+".fc_1", appearanceSize, out)
	if err != nil {
		return nil, err
	}
	s, err := NewLinear(p, name+".fc_2", spatialSize, out)
	if err != nil {
		return nil, err
	}
	o, err := NewLinear(p, name+".fc_3", out, out)
	if err != nil {
		return nil, err
	}
	return &fusion{appearance: a, spatial: s, output: o, cardinality: cardinality}, nil
}

// Out returns the output width.
func (f *fusion) Out() int {
	return f.output.Out
}

// Cardinality returns the number of branches.
func (f *fusion) Cardinality() int {
	return f.cardinality
}

// combineWith computes the branch sum from projected appearance (rows x Out) and
// projected spatial (rows x Out) features. A single appearance row is shared
// by every spatial row.
func (f *fusion) combineWith(b *Binder, a, s *G.Node) (*G.Node, error) {
	var prod *G.Node
	var err error
	if a.Shape()[0] == s.Shape()[0] {
		prod, err = G.HadamardProd(a, s)
	} else {
		prod, err = G.BroadcastHadamardProd(a, s, []byte{0}, nil)
	}
	if err != nil {
		return nil, err
	}
	h, err := G.Rectify(prod)
	if err != nil {
		return nil, err
	}
	return f.output.Forward(b, h)
}

// AttentionHead fuses one appearance feature with one spatial feature per
// row. The appearance input may also be a single row, shared by every
// spatial row.
type AttentionHead struct {
	*fusion
}

// NewAttentionHead registers a pairwise fusion unit.
//
// Arguments:
//   - p: The parameter store.
//   - name: Parameter prefix.
//   - appearanceSize: Width of the appearance input.
//   - spatialSize: Width of the spatial input.
//   - representationSize: Width of the output. Must be divisible by cardinality.
//   - cardinality: Number of branches.
//
// Returns:
//   - The unit.
//   - A ConfigurationError when the output width is not divisible by cardinality.
//
// @example
// head, err := nn.NewAttentionHead(params, "graph.attention_head", 2048, 1024, 1024, 16)
func NewAttentionHead(p *Params, name string, appearanceSize, spatialSize, representationSize, cardinality int) (*AttentionHead, error) {
	f, err := newFusion(p, name, appearanceSize, spatialSize, representationSize, cardinality)
	if err != nil {
		return nil, err
	}
	return &AttentionHead{fusion: f}, nil
}

// Forward fuses appearance (rows x appearanceSize, or 1 x appearanceSize)
// with spatial (rows x spatialSize) features into (rows x representationSize).
func (h *AttentionHead) Forward(b *Binder, appearance, spatial *G.Node) (*G.Node, error) {
	ar, sr := appearance.Shape()[0], spatial.Shape()[0]
	if ar != sr && ar != 1 {
		return nil, &common.InvariantViolation{Image: -1,
			Reason: "appearance rows must match spatial rows or be 1"}
	}
	a, err := h.appearance.Forward(b, appearance)
	if err != nil {
		return nil, err
	}
	s, err := h.spatial.Forward(b, spatial)
	if err != nil {
		return nil, err
	}
	out, err := h.combineWith(b, a, s)
	if err != nil {
		return nil, err
	}
	return G.Rectify(out)
}

// MessageHead computes one message per (human, node) edge of an image graph.
// The spatial input holds one row per edge, ordered human-major: edge i*n+j
// joins human i and node j.
type MessageHead interface {
	Messages(b *Binder, appearance, spatial *G.Node, numHumans, numNodes int) (*G.Node, error)
	Out() int
}

// HumanMessageHead broadcasts human appearance features along the edges: edge
// (i, j) uses the features of human i. The result carries messages from the
// humans to every node.
type HumanMessageHead struct {
	*fusion
}

// ObjectMessageHead broadcasts node appearance features along the edges: edge
// (i, j) uses the features of node j. The result carries messages from every
// node to the humans.
type ObjectMessageHead struct {
	*fusion
}

// NewHumanMessageHead registers a broadcast fusion unit whose appearance
// input holds one row per human.
func NewHumanMessageHead(p *Params, name string, appearanceSize, spatialSize, representationSize, cardinality int) (*HumanMessageHead, error) {
	f, err := newFusion(p, name, appearanceSize, spatialSize, representationSize, cardinality)
	if err != nil {
		return nil, err
	}
	return &HumanMessageHead{fusion: f}, nil
}

// NewObjectMessageHead registers a broadcast fusion unit whose appearance
// input holds one row per node.
func NewObjectMessageHead(p *Params, name string, appearanceSize, spatialSize, representationSize, cardinality int) (*ObjectMessageHead, error) {
	f, err := newFusion(p, name, appearanceSize, spatialSize, representationSize, cardinality)
	if err != nil {
		return nil, err
	}
	return &ObjectMessageHead{fusion: f}, nil
}

// Messages implements MessageHead. appearance must have numHumans rows.
func (h *HumanMessageHead) Messages(b *Binder, appearance, spatial *G.Node, numHumans, numNodes int) (*G.Node, error) {
	if appearance.Shape()[0] != numHumans {
		return nil, &common.InvariantViolation{Image: -1,
			Reason: "human message head expects one appearance row per human"}
	}
	return h.broadcast(b, "human_broadcast", appearance, spatial, numHumans, numNodes, func(i, _ int) int { return i })
}

// Messages implements MessageHead. appearance must have numNodes rows.
func (h *ObjectMessageHead) Messages(b *Binder, appearance, spatial *G.Node, numHumans, numNodes int) (*G.Node, error) {
	if appearance.Shape()[0] != numNodes {
		return nil, &common.InvariantViolation{Image: -1,
			Reason: "object message head expects one appearance row per node"}
	}
	return h.broadcast(b, "object_broadcast", appearance, spatial, numHumans, numNodes, func(_, j int) int { return j })
}

// broadcast projects the appearance rows once, then spreads them over the
// edges with source(i, j) picking the row for edge (i, j).
func (f *fusion) broadcast(b *Binder, name string, appearance, spatial *G.Node, numHumans, numNodes int, source func(i, j int) int) (*G.Node, error) {
	if spatial.Shape()[0] != numHumans*numNodes {
		return nil, &common.InvariantViolation{Image: -1,
			Reason: "spatial features must have one row per (human, node) edge"}
	}
	a, err := f.appearance.Forward(b, appearance)
	if err != nil {
		return nil, err
	}
	idx := make([]int, 0, numHumans*numNodes)
	for i := 0; i < numHumans; i++ {
		for j := 0; j < numNodes; j++ {
			idx = append(idx, source(i, j))
		}
	}
	tiled, err := Gather(b, name, a, idx)
	if err != nil {
		return nil, err
	}
	s, err := f.spatial.Forward(b, spatial)
	if err != nil {
		return nil, err
	}
	return f.combineWith(b, tiled, s)
}
