// Package interaction - the human-object interaction head. It turns the
// detections and feature pyramid of a batch into scored (human, object,
// interaction) predictions and, when training, into normalised losses.
package interaction

import (
	"context"

	"github.com/cyclopcam/logs"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"

	"github.com/nvr-ai/go-hoi/common"
	"github.com/nvr-ai/go-hoi/config"
	"github.com/nvr-ai/go-hoi/distributed"
	"github.com/nvr-ai/go-hoi/features"
	"github.com/nvr-ai/go-hoi/graphhead"
	"github.com/nvr-ai/go-hoi/models"
	"github.com/nvr-ai/go-hoi/nn"
	"github.com/nvr-ai/go-hoi/profiler"
)

// Options holds the optional collaborators of an InteractionHead.
type Options struct {
	// Pooler extracts box features. Defaults to RoI-align over
	// Config.RoIFeatureLevel.
	Pooler features.Pooler
	// Reducer sums positive counts across workers. Defaults to a single worker.
	Reducer distributed.Reducer
	// Logger defaults to discarding.
	Logger logs.Log
	// Profiler records stage timings when set.
	Profiler *profiler.Profiler
}

// Batch is the input of one forward pass.
type Batch struct {
	Pyramid features.Pyramid
	// Shapes holds the size of each image.
	Shapes []common.ImageShape
	// Detections holds the raw detections of each image.
	Detections []common.Detections
	// Targets holds the ground truth of each image. Required when training.
	Targets []common.Target
}

// InteractionHead scores human-object interactions.
type InteractionHead struct {
	cfg        config.Config
	params     *nn.Params
	graph      *graphhead.GraphHead
	predictor  *nn.Linear
	suppressor *nn.Linear
	pooler     features.Pooler
	reducer    distributed.Reducer
	log        logs.Log
	prof       *profiler.Profiler
}

// New creates an interaction head and registers its weights in params.
//
// Arguments:
//   - cfg: Head configuration. It is validated.
//   - corr: Object class to interaction class mapping.
//   - params: The parameter store shared by every pass.
//   - opts: Optional collaborators.
//
// Returns:
//   - The interaction head.
//   - A *common.ConfigurationError for invalid settings.
//
// @example
// params := nn.NewParams()
// head, err := interaction.New(config.DefaultConfig(), corr, params, interaction.Options{Logger: log})
func New(cfg config.Config, corr models.Correspondence, params *nn.Params, opts Options) (*InteractionHead, error) {
	log := common.LogOrDiscard(opts.Logger)
	graph, err := graphhead.New(cfg, corr, params, log)
	if err != nil {
		return nil, err
	}
	h := &InteractionHead{
		cfg:     cfg,
		params:  params,
		graph:   graph,
		pooler:  opts.Pooler,
		reducer: opts.Reducer,
		log:     log,
		prof:    opts.Profiler,
	}
	if h.pooler == nil {
		h.pooler = features.NewAlignPooler(cfg.RoIFeatureLevel, cfg.RoIPoolSize)
	}
	if h.reducer == nil {
		h.reducer = distributed.Local{}
	}
	if h.predictor, err = nn.NewLinear(params, "predictor", graph.FeatureSize(), cfg.NumClasses); err != nil {
		return nil, err
	}
	if h.suppressor, err = nn.NewLinear(params, "suppressor", graph.FeatureSize(), cfg.NumObjectClasses); err != nil {
		return nil, err
	}
	return h, nil
}

// Config returns the head configuration.
func (h *InteractionHead) Config() config.Config {
	return h.cfg
}

// Params returns the parameter store.
func (h *InteractionHead) Params() *nn.Params {
	return h.params
}

// Rank returns the worker rank of the head's reducer.
func (h *InteractionHead) Rank() int {
	return h.reducer.Rank()
}

// Output is the result of one forward pass. A training output keeps the
// machine and its gradients alive until Step or Close.
type Output struct {
	// Results holds one entry per image.
	Results []Result
	// Losses is nil outside training.
	Losses *Losses

	binder     *nn.Binder
	learnables G.Nodes
	vm         G.VM
}

// Step applies one solver update with the gradients of this pass and writes
// the updated weights back to the parameter store. The output is closed
// afterwards.
func (o *Output) Step(solver G.Solver) error {
	defer o.Close()
	if o.Losses == nil {
		return errors.New("step needs a training output")
	}
	if len(o.learnables) == 0 {
		return nil
	}
	if err := solver.Step(G.NodesToValueGrads(o.learnables)); err != nil {
		return errors.Wrap(err, "solver step")
	}
	return o.binder.WriteBack()
}

// Close releases the machine of this pass.
func (o *Output) Close() {
	if o.vm != nil {
		o.vm.Close()
		o.vm = nil
	}
}

// fused holds the graph nodes of the fused scores of a batch.
type fused struct {
	// scores is (pairs x classes), weights (pairs x 1).
	scores  *G.Node
	weights *G.Node
}

// Forward runs the head over a batch.
//
// Detections are preprocessed, pooled and passed through the graph head;
// the pair features are scored by the predictor and the suppressor and fused
// with the priors. In Train mode the losses are built and differentiated and
// the returned output can take a solver step.
//
// Arguments:
//   - ctx: Bounds the positive-count reduction.
//   - batch: Images, detections and, when training, targets.
//   - mode: Train or Eval.
//
// Returns:
//   - The output of the pass. Call Close or Step when done.
//   - An error for malformed input, a broken invariant, or a zero positive count.
func (h *InteractionHead) Forward(ctx context.Context, batch Batch, mode Mode) (*Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(batch.Shapes) != len(batch.Detections) {
		return nil, errors.Errorf("%d image shapes for %d images", len(batch.Shapes), len(batch.Detections))
	}
	if mode == Train && len(batch.Targets) != len(batch.Detections) {
		return nil, errors.Errorf("training needs one target per image, got %d for %d images",
			len(batch.Targets), len(batch.Detections))
	}
	if batch.Targets != nil && len(batch.Targets) != len(batch.Detections) {
		return nil, errors.Errorf("%d targets for %d images", len(batch.Targets), len(batch.Detections))
	}

	done := h.prof.Track(profiler.StagePreprocess)
	dets, err := h.Preprocess(batch.Detections, batch.Targets, h.cfg.AppendGroundTruth(mode == Train))
	done()
	if err != nil {
		return nil, err
	}

	done = h.prof.Track(profiler.StagePool)
	in, err := h.graphInput(batch, dets)
	done()
	if err != nil {
		return nil, err
	}

	done = h.prof.Track(profiler.StageGraphBuild)
	b := nn.NewBinder(h.params)
	sets, err := h.graph.Forward(b, in)
	if err != nil {
		done()
		return nil, err
	}
	f, err := h.fuse(b, sets)
	done()
	if err != nil {
		return nil, err
	}
	pairs := 0
	for _, s := range sets {
		pairs += s.Len()
	}
	h.prof.RecordMetric("pairs", float64(pairs))

	out := &Output{binder: b}
	var hoiLoss, intLoss *G.Node
	var norm normaliser
	if mode == Train {
		if norm, err = h.normalise(ctx, sets); err != nil {
			return nil, err
		}
		out.Losses = &Losses{}
		if f != nil {
			if hoiLoss, intLoss, err = h.losses(b, sets, f, norm); err != nil {
				return nil, err
			}
		}
	}

	if f == nil {
		h.log.Debugf("No human-object pairs in a batch of %v images", len(dets))
		out.Results = Postprocess(sets, nil, nil, h.cfg.NumClasses)
		return out, nil
	}

	scores, weights := b.Read(f.scores), b.Read(f.weights)
	var hoiVal, intVal *G.Value
	if mode == Train {
		hoiVal, intVal = b.Read(hoiLoss), b.Read(intLoss)
		if err := h.differentiate(out, b, hoiLoss, intLoss); err != nil {
			return nil, err
		}
	} else {
		out.vm = G.NewTapeMachine(b.Graph())
	}

	done = h.prof.Track(profiler.StageMachineRun)
	err = out.vm.RunAll()
	done()
	if err != nil {
		out.Close()
		return nil, errors.Wrap(err, "running the interaction graph")
	}

	done = h.prof.Track(profiler.StagePostprocess)
	defer done()
	s, err := nn.Float32s(*scores)
	if err != nil {
		out.Close()
		return nil, errors.Wrap(err, "reading scores")
	}
	w, err := nn.Float32s(*weights)
	if err != nil {
		out.Close()
		return nil, errors.Wrap(err, "reading interactiveness")
	}
	out.Results = Postprocess(sets, s, w, h.cfg.NumClasses)

	if mode == Train {
		if out.Losses.HOI, err = nn.Scalar32(*hoiVal); err != nil {
			out.Close()
			return nil, errors.Wrap(err, "reading the interaction loss")
		}
		if out.Losses.Interactiveness, err = nn.Scalar32(*intVal); err != nil {
			out.Close()
			return nil, errors.Wrap(err, "reading the interactiveness loss")
		}
	} else {
		out.Close()
	}
	return out, nil
}

// graphInput pools the box features of the preprocessed detections.
func (h *InteractionHead) graphInput(batch Batch, dets []common.Detections) (graphhead.Input, error) {
	in := graphhead.Input{
		Pyramid:    batch.Pyramid,
		Shapes:     batch.Shapes,
		Detections: dets,
		Targets:    batch.Targets,
	}
	boxes := make([][]common.Box, len(dets))
	total := 0
	for i, d := range dets {
		boxes[i] = d.Boxes
		total += d.Len()
	}
	if total == 0 {
		return in, nil
	}
	pooled, err := h.pooler.Pool(batch.Pyramid, boxes, batch.Shapes)
	if err != nil {
		return in, errors.Wrap(err, "box pooling")
	}
	in.BoxFeatures = pooled
	return in, nil
}

// fuse scores the pair features of every image. It returns nil when the
// batch has no pairs.
//
// The fused score of pair p and class c is
// sigmoid(predictor)[p,c] * priorH[p,c] * priorO[p,c] * w[p], where w[p] is the
// suppressor probability of the pair's object class. w takes no gradient
// through this product.
func (h *InteractionHead) fuse(b *nn.Binder, sets []graphhead.PairSet) (*fused, error) {
	var feats []*G.Node
	var prior []float32
	var onehot []float32
	pairs := 0
	for _, s := range sets {
		if s.Len() == 0 {
			continue
		}
		feats = append(feats, s.Features)
		for k := range s.PriorH {
			prior = append(prior, s.PriorH[k]*s.PriorO[k])
		}
		for _, c := range s.ObjectClass {
			row := make([]float32, h.cfg.NumObjectClasses)
			row[c] = 1
			onehot = append(onehot, row...)
		}
		pairs += s.Len()
	}
	if pairs == 0 {
		return nil, nil
	}

	x, err := nn.Concat(0, feats...)
	if err != nil {
		return nil, err
	}
	logitsP, err := h.predictor.Forward(b, x)
	if err != nil {
		return nil, errors.Wrap(err, "predictor")
	}
	logitsS, err := h.suppressor.Forward(b, x)
	if err != nil {
		return nil, errors.Wrap(err, "suppressor")
	}

	probS, err := G.Sigmoid(logitsS)
	if err != nil {
		return nil, err
	}
	picked, err := G.HadamardProd(probS, b.Constant("object_onehot", pairs, h.cfg.NumObjectClasses, onehot))
	if err != nil {
		return nil, err
	}
	summed, err := G.Sum(picked, 1)
	if err != nil {
		return nil, err
	}
	weights, err := G.Reshape(summed, []int{pairs, 1})
	if err != nil {
		return nil, err
	}
	detached, err := nn.StopGradient(weights)
	if err != nil {
		return nil, err
	}

	probP, err := G.Sigmoid(logitsP)
	if err != nil {
		return nil, err
	}
	withPrior, err := G.HadamardProd(probP, b.Constant("prior", pairs, h.cfg.NumClasses, prior))
	if err != nil {
		return nil, err
	}
	scores, err := G.BroadcastHadamardProd(withPrior, detached, nil, []byte{1})
	if err != nil {
		return nil, err
	}
	return &fused{scores: scores, weights: weights}, nil
}

// differentiate adds the gradient of the weighted total loss to the graph and
// compiles a machine that keeps the parameter gradients.
func (h *InteractionHead) differentiate(out *Output, b *nn.Binder, hoiLoss, intLoss *G.Node) error {
	lw := h.cfg.LossWeights
	total, err := G.Add(
		G.Must(G.Mul(hoiLoss, b.Scalar(lw.HOI))),
		G.Must(G.Mul(intLoss, b.Scalar(lw.Interactiveness))),
	)
	if err != nil {
		return err
	}
	learnables := b.Learnables()
	if _, err := G.Grad(total, learnables...); err != nil {
		return errors.Wrap(err, "differentiating the total loss")
	}
	out.learnables = learnables
	out.vm = G.NewTapeMachine(b.Graph(), G.BindDualValues(learnables...))
	return nil
}
