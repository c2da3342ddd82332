// Package graphhead - the graph relational engine. It builds a bipartite graph
// between human nodes and all detection nodes of each image, refines the node
// encodings by attention-weighted message passing and emits one fused feature
// per human-object pair.
package graphhead

import (
	"github.com/cyclopcam/logs"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-hoi/common"
	"github.com/nvr-ai/go-hoi/config"
	"github.com/nvr-ai/go-hoi/features"
	"github.com/nvr-ai/go-hoi/models"
	"github.com/nvr-ai/go-hoi/nn"
	"github.com/nvr-ai/go-hoi/spatial"
)

// Input is one batch entering the graph head.
type Input struct {
	// Pyramid provides the image-level context feature.
	Pyramid features.Pyramid
	// BoxFeatures holds the pooled feature of every detection, image by image,
	// as (total detections x OutChannels*RoIPoolSize^2).
	BoxFeatures *tensor.Dense
	// Shapes holds the size of each image.
	Shapes []common.ImageShape
	// Detections holds the preprocessed, humans-first detections of each image.
	Detections []common.Detections
	// Targets holds the ground truth of each image. Nil outside training.
	Targets []common.Target
}

// PairSet holds the pairs of one image. It is empty for images without a
// human or with fewer than two detections.
type PairSet struct {
	// Features is the (pairs x 2*RepresentationSize) pair feature node. Nil
	// when the set is empty.
	Features *G.Node
	BoxesH   []common.Box
	BoxesO   []common.Box
	// HumanIndex and ObjectIndex locate each pair's boxes among the image's
	// detections.
	HumanIndex  []int
	ObjectIndex []int
	ObjectClass []int
	// Labels is the row-major (pairs x classes) ground truth. Nil without a target.
	Labels []float32
	// PriorH and PriorO are the row-major (pairs x classes) priors.
	PriorH []float32
	PriorO []float32
}

// Len returns the number of pairs.
func (s PairSet) Len() int {
	return len(s.HumanIndex)
}

// GraphHead is the graph relational engine.
type GraphHead struct {
	cfg  config.Config
	corr models.Correspondence
	log  logs.Log

	boxHead     *nn.MLP
	spatialHead *nn.MLP
	adjacency   *nn.Linear
	// objToSub carries messages from every node to the humans, subToObj from
	// the humans to every node.
	objToSub   *nn.ObjectMessageHead
	subToObj   *nn.HumanMessageHead
	normH      *nn.LayerNorm
	normO      *nn.LayerNorm
	attention  *nn.AttentionHead
	attentionG *nn.AttentionHead
}

// New registers the graph head's weights in p.
//
// Arguments:
//   - cfg: A validated configuration.
//   - corr: Object class to interaction class mapping.
//   - p: The parameter store.
//   - logger: Logger; nil discards.
//
// Returns:
//   - The graph head.
//   - A ConfigurationError for inconsistent sizes or an invalid mapping.
func New(cfg config.Config, corr models.Correspondence, p *nn.Params, logger logs.Log) (*GraphHead, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := corr.Validate(cfg.NumClasses); err != nil {
		return nil, common.NewConfigurationError("Correspondence", "%v", err)
	}
	if cfg.SpatialEncodingSize != spatial.Size {
		return nil, common.NewConfigurationError("SpatialEncodingSize", "the spatial encoder produces %d values, got %d",
			spatial.Size, cfg.SpatialEncodingSize)
	}

	h := &GraphHead{cfg: cfg, corr: corr, log: common.LogOrDiscard(logger)}
	node, repr, sp := cfg.NodeEncodingSize, cfg.RepresentationSize, cfg.SpatialRepresentationSize
	card := cfg.Cardinality
	var err error

	roi := cfg.OutChannels * cfg.RoIPoolSize * cfg.RoIPoolSize
	if h.boxHead, err = nn.NewMLP(p, "graph.box_head", roi, node, node); err != nil {
		return nil, err
	}
	sizes := append(append([]int{cfg.SpatialEncodingSize}, cfg.SpatialHidden...), sp)
	if h.spatialHead, err = nn.NewMLP(p, "graph.spatial_head", sizes...); err != nil {
		return nil, err
	}
	if h.adjacency, err = nn.NewLinear(p, "graph.adjacency", repr, 1); err != nil {
		return nil, err
	}
	if h.objToSub, err = nn.NewObjectMessageHead(p, "graph.obj_to_sub", node, sp, repr, card); err != nil {
		return nil, err
	}
	if h.subToObj, err = nn.NewHumanMessageHead(p, "graph.sub_to_obj", node, sp, repr, card); err != nil {
		return nil, err
	}
	if h.normH, err = nn.NewLayerNorm(p, "graph.norm_h", node); err != nil {
		return nil, err
	}
	if h.normO, err = nn.NewLayerNorm(p, "graph.norm_o", node); err != nil {
		return nil, err
	}
	if h.attention, err = nn.NewAttentionHead(p, "graph.attention_head", 2*node, sp, repr, card); err != nil {
		return nil, err
	}
	if h.attentionG, err = nn.NewAttentionHead(p, "graph.attention_head_g", cfg.OutChannels, sp, repr, card); err != nil {
		return nil, err
	}
	return h, nil
}

// FeatureSize returns the width of one pair feature.
func (h *GraphHead) FeatureSize() int {
	return 2 * h.cfg.RepresentationSize
}

// Forward builds the pair features of every image into the graph of b.
//
// Images without a human or with fewer than two detections yield an empty
// PairSet. Every other image must list its humans first.
//
// Returns:
//   - One PairSet per image.
//   - An InvariantViolation when an image breaks the humans-first order, or an
//     error for inputs whose sizes disagree or targets with unknown classes.
func (h *GraphHead) Forward(b *nn.Binder, in Input) ([]PairSet, error) {
	arena := NewArena(in.Detections)
	if len(in.Shapes) != arena.Len() {
		return nil, errors.Errorf("%d image shapes for %d images", len(in.Shapes), arena.Len())
	}
	if in.Targets != nil && len(in.Targets) != arena.Len() {
		return nil, errors.Errorf("%d targets for %d images", len(in.Targets), arena.Len())
	}

	sets := make([]PairSet, arena.Len())
	skip := make([]bool, arena.Len())
	active := false
	for i, d := range in.Detections {
		if err := d.Validate(); err != nil {
			return nil, errors.Wrapf(err, "image %d", i)
		}
		nH := d.CountLabel(h.cfg.HumanIndex)
		if skip[i] = nH == 0 || d.Len() <= 1; skip[i] {
			h.log.Debugf("Image %v: no human-object pairs (%v detections, %v humans)", i, d.Len(), nH)
		}
		active = active || !skip[i]
	}
	for i, t := range in.Targets {
		if err := h.validateTarget(t); err != nil {
			return nil, errors.Wrapf(err, "image %d", i)
		}
	}
	if !active {
		return sets, nil
	}

	nodes, global, err := h.encodeBatch(b, in, arena)
	if err != nil {
		return nil, err
	}

	for i, d := range in.Detections {
		if skip[i] {
			continue
		}
		var target *common.Target
		if in.Targets != nil {
			target = &in.Targets[i]
		}
		if sets[i], err = h.image(b, i, nodes, global, arena, d, in.Shapes[i], target); err != nil {
			return nil, err
		}
	}
	return sets, nil
}

// validateTarget checks the parallel lengths and class ranges of a target.
func (h *GraphHead) validateTarget(t common.Target) error {
	if err := t.Validate(); err != nil {
		return err
	}
	for g := range t.Labels {
		if t.Labels[g] < 0 || t.Labels[g] >= h.cfg.NumClasses {
			return errors.Errorf("target %d has interaction class %d, outside [0, %d)", g, t.Labels[g], h.cfg.NumClasses)
		}
		if t.Object[g] < 0 || t.Object[g] >= h.cfg.NumObjectClasses {
			return errors.Errorf("target %d has object class %d, outside [0, %d)", g, t.Object[g], h.cfg.NumObjectClasses)
		}
	}
	return nil
}

// encodeBatch maps the pooled box features of the whole batch through the
// box head and computes the global context features.
func (h *GraphHead) encodeBatch(b *nn.Binder, in Input, arena Arena) (nodes, global *G.Node, err error) {
	if in.BoxFeatures == nil {
		return nil, nil, errors.New("missing box features")
	}
	roi := h.cfg.OutChannels * h.cfg.RoIPoolSize * h.cfg.RoIPoolSize
	if s := in.BoxFeatures.Shape(); s.Dims() != 2 || s[0] != arena.Total() || s[1] != roi {
		return nil, nil, errors.Errorf("box features have shape %v, expected (%d, %d)", s, arena.Total(), roi)
	}
	pooled, err := b.ConstantTensor("box_features", in.BoxFeatures)
	if err != nil {
		return nil, nil, err
	}
	if nodes, err = h.boxHead.Forward(b, pooled); err != nil {
		return nil, nil, errors.Wrap(err, "box head")
	}

	level, err := in.Pyramid.Level(h.cfg.GlobalFeatureLevel)
	if err != nil {
		return nil, nil, err
	}
	avg, err := features.GlobalAverage(level)
	if err != nil {
		return nil, nil, err
	}
	if s := avg.Shape(); s[0] != arena.Len() || s[1] != h.cfg.OutChannels {
		return nil, nil, errors.Errorf("global features have shape %v, expected (%d, %d)", s, arena.Len(), h.cfg.OutChannels)
	}
	if global, err = b.ConstantTensor("global_features", avg); err != nil {
		return nil, nil, err
	}
	return nodes, global, nil
}

// image builds the graph of image i.
func (h *GraphHead) image(b *nn.Binder, i int, allNodes, allGlobal *G.Node, arena Arena,
	d common.Detections, shape common.ImageShape, target *common.Target) (PairSet, error) {
	nH, n := d.CountLabel(h.cfg.HumanIndex), d.Len()
	for k := 0; k < nH; k++ {
		if d.Labels[k] != h.cfg.HumanIndex {
			return PairSet{}, &common.InvariantViolation{Image: i, Reason: "human detections are not permuted to the top"}
		}
	}

	grid := NewGrid(nH, n)
	if len(grid.Keep) == 0 {
		return PairSet{}, &common.InvariantViolation{Image: i, Reason: "there are no valid human-object pairs"}
	}

	nodes, err := nn.Gather(b, "image_nodes", allNodes, arena.Rows(i))
	if err != nil {
		return PairSet{}, err
	}
	humans, err := nn.Gather(b, "human_nodes", nodes, firstN(nH))
	if err != nil {
		return PairSet{}, err
	}
	global, err := nn.Gather(b, "image_global", allGlobal, []int{i})
	if err != nil {
		return PairSet{}, err
	}

	enc := spatial.Encode(selectBoxes(d.Boxes, grid.X), selectBoxes(d.Boxes, grid.Y), shape)
	sp, err := h.spatialHead.Forward(b, b.Constant("spatial_encoding", grid.Len(), spatial.Size, enc))
	if err != nil {
		return PairSet{}, errors.Wrapf(err, "image %d: spatial head", i)
	}

	for it := 0; it < h.cfg.NumIter; it++ {
		if humans, nodes, err = h.propagate(b, grid, humans, nodes, sp); err != nil {
			return PairSet{}, errors.Wrapf(err, "image %d: iteration %d", i, it)
		}
	}

	x, y := grid.Kept()
	keptSpatial, err := nn.Gather(b, "pair_spatial", sp, grid.Keep)
	if err != nil {
		return PairSet{}, err
	}
	pairApp, err := h.pairAppearance(b, humans, nodes, x, y)
	if err != nil {
		return PairSet{}, err
	}
	local, err := h.attention.Forward(b, pairApp, keptSpatial)
	if err != nil {
		return PairSet{}, errors.Wrapf(err, "image %d: attention head", i)
	}
	withContext, err := h.attentionG.Forward(b, global, keptSpatial)
	if err != nil {
		return PairSet{}, errors.Wrapf(err, "image %d: global attention head", i)
	}
	feat, err := nn.Concat(1, local, withContext)
	if err != nil {
		return PairSet{}, err
	}

	set := PairSet{
		Features:    feat,
		BoxesH:      selectBoxes(d.Boxes, x),
		BoxesO:      selectBoxes(d.Boxes, y),
		HumanIndex:  x,
		ObjectIndex: y,
		ObjectClass: make([]int, len(y)),
	}
	for k, j := range y {
		set.ObjectClass[k] = d.Labels[j]
	}
	if target != nil {
		set.Labels = Associate(set.BoxesH, set.BoxesO, *target, h.cfg.NumClasses, h.cfg.FgIoUThreshold)
	}
	set.PriorH, set.PriorO = PriorScores(x, y, d.Scores, d.Labels, h.corr, h.cfg.NumClasses)
	return set, nil
}

// pairAppearance concatenates the human and node encodings of each pair.
func (h *GraphHead) pairAppearance(b *nn.Binder, humans, nodes *G.Node, x, y []int) (*G.Node, error) {
	hx, err := nn.Gather(b, "pair_humans", humans, x)
	if err != nil {
		return nil, err
	}
	ny, err := nn.Gather(b, "pair_nodes", nodes, y)
	if err != nil {
		return nil, err
	}
	return nn.Concat(1, hx, ny)
}

// propagate runs one round of message passing over the full grid.
func (h *GraphHead) propagate(b *nn.Binder, grid Grid, humans, nodes, sp *G.Node) (*G.Node, *G.Node, error) {
	nH, n := grid.NumHumans, grid.NumNodes

	pairApp, err := h.pairAppearance(b, humans, nodes, grid.X, grid.Y)
	if err != nil {
		return nil, nil, err
	}
	weights, err := h.attention.Forward(b, pairApp, sp)
	if err != nil {
		return nil, nil, err
	}
	logits, err := h.adjacency.Forward(b, weights)
	if err != nil {
		return nil, nil, err
	}
	adj, err := G.Reshape(logits, tensor.Shape{nH, n})
	if err != nil {
		return nil, nil, err
	}

	// Humans aggregate over nodes with the row-normalised adjacency.
	rowW, err := nn.RowSoftmax(adj)
	if err != nil {
		return nil, nil, err
	}
	toHumans, err := h.objToSub.Messages(b, nodes, sp, nH, n)
	if err != nil {
		return nil, nil, err
	}
	if humans, err = h.update(b, h.normH, humans, toHumans, rowW, grid.Segments(true), nH); err != nil {
		return nil, nil, err
	}

	// Nodes aggregate over the updated humans with the column-normalised adjacency.
	adjT, err := G.Transpose(adj)
	if err != nil {
		return nil, nil, err
	}
	colWT, err := nn.RowSoftmax(adjT)
	if err != nil {
		return nil, nil, err
	}
	colW, err := G.Transpose(colWT)
	if err != nil {
		return nil, nil, err
	}
	toNodes, err := h.subToObj.Messages(b, humans, sp, nH, n)
	if err != nil {
		return nil, nil, err
	}
	if nodes, err = h.update(b, h.normO, nodes, toNodes, colW, grid.Segments(false), n); err != nil {
		return nil, nil, err
	}
	return humans, nodes, nil
}

// update weights the per-edge messages, sums them into their receiving
// nodes, rectifies, then applies the residual and layer norm.
func (h *GraphHead) update(b *nn.Binder, norm *nn.LayerNorm, enc, messages, weights *G.Node, segment []int, receivers int) (*G.Node, error) {
	w, err := G.Reshape(weights, tensor.Shape{len(segment), 1})
	if err != nil {
		return nil, err
	}
	weighted, err := G.BroadcastHadamardProd(messages, w, nil, []byte{1})
	if err != nil {
		return nil, err
	}
	summed, err := nn.SegmentSum(b, "messages", weighted, segment, receivers)
	if err != nil {
		return nil, err
	}
	m, err := G.Rectify(summed)
	if err != nil {
		return nil, err
	}
	residual, err := G.Add(enc, m)
	if err != nil {
		return nil, err
	}
	return norm.Forward(b, residual)
}

func firstN(n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return idx
}
