package interaction

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/chewxy/math32"
	"github.com/cyclopcam/logs"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-hoi/common"
	"github.com/nvr-ai/go-hoi/config"
	"github.com/nvr-ai/go-hoi/distributed"
	"github.com/nvr-ai/go-hoi/features"
	"github.com/nvr-ai/go-hoi/graphhead"
	"github.com/nvr-ai/go-hoi/models"
	"github.com/nvr-ai/go-hoi/nn"
	"github.com/nvr-ai/go-hoi/profiler"
)

var testCorr = models.Correspondence{0: {0}, 1: {1, 2}, 2: {2}}

var (
	humanBox  = common.Box{X1: 10, Y1: 10, X2: 40, Y2: 90}
	objectBox = common.Box{X1: 50, Y1: 40, X2: 80, Y2: 70}
	otherBox  = common.Box{X1: 60, Y1: 5, X2: 95, Y2: 30}
)

func testConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.HumanIndex = 0
	cfg.NumClasses = 3
	cfg.NumObjectClasses = 3
	cfg.BoxScoreThreshold = 0.5
	cfg.OutChannels = 2
	cfg.RoIPoolSize = 1
	cfg.NodeEncodingSize = 4
	cfg.RepresentationSize = 4
	cfg.SpatialHidden = []int{6}
	cfg.SpatialRepresentationSize = 4
	cfg.Cardinality = 2
	return cfg
}

func newTestHead(t *testing.T, cfg config.Config, opts Options) *InteractionHead {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = logs.NewTestingLog(t)
	}
	h, err := New(cfg, testCorr, nn.NewParams(), opts)
	require.NoError(t, err)
	return h
}

func featureMap(seed float32) features.Map {
	m := features.Map{Channels: 2, Height: 4, Width: 4, Data: make([]float32, 32)}
	for i := range m.Data {
		m.Data[i] = math32.Sin(seed + float32(i)*0.37)
	}
	return m
}

// testBatch builds a batch of 100x100 images over a two-level pyramid.
func testBatch(dets ...common.Detections) Batch {
	b := Batch{Pyramid: features.Pyramid{Levels: []features.Level{{Name: "0"}, {Name: "3"}}}}
	for i, d := range dets {
		b.Detections = append(b.Detections, d)
		b.Shapes = append(b.Shapes, common.ImageShape{Height: 100, Width: 100})
		b.Pyramid.Levels[0].Maps = append(b.Pyramid.Levels[0].Maps, featureMap(float32(i)))
		b.Pyramid.Levels[1].Maps = append(b.Pyramid.Levels[1].Maps, featureMap(float32(i)+0.5))
	}
	return b
}

// pairScene is one human at 0.9 and objects at 0.8 and 0.3.
func pairScene() common.Detections {
	return common.Detections{
		Boxes:  []common.Box{objectBox, humanBox, otherBox},
		Labels: []int{1, 0, 2},
		Scores: []float32{0.8, 0.9, 0.3},
	}
}

func TestPreprocessFiltersAndOrders(t *testing.T) {
	h := newTestHead(t, testConfig(), Options{})

	out, err := h.Preprocess([]common.Detections{pairScene()}, nil, false)
	require.NoError(t, err)
	require.Len(t, out, 1)

	assert.Equal(t, []int{0, 1}, out[0].Labels, "humans come first and the 0.3 object is dropped")
	assert.Equal(t, []float32{0.9, 0.8}, out[0].Scores)
	assert.Equal(t, []common.Box{humanBox, objectBox}, out[0].Boxes)
}

func TestPreprocessCapsAndSuppresses(t *testing.T) {
	cfg := testConfig()
	cfg.MaxHuman = 1
	cfg.MaxObject = 2
	h := newTestHead(t, cfg, Options{})

	shifted := humanBox
	shifted.X1++
	d := common.Detections{
		Boxes:  []common.Box{humanBox, shifted, {X1: 0, Y1: 0, X2: 5, Y2: 5}, objectBox, otherBox, {X1: 85, Y1: 85, X2: 99, Y2: 99}},
		Labels: []int{0, 0, 0, 1, 2, 1},
		Scores: []float32{0.7, 0.95, 0.6, 0.9, 0.8, 0.55},
	}
	out, err := h.Preprocess([]common.Detections{d}, nil, false)
	require.NoError(t, err)

	got := out[0]
	assert.Equal(t, 1, got.CountLabel(0), "at most one human is kept")
	assert.Equal(t, shifted, got.Boxes[0], "the best human survives NMS")
	assert.Equal(t, []int{0, 1, 2}, got.Labels)
	assert.Equal(t, []float32{0.95, 0.9, 0.8}, got.Scores, "objects are capped in descending score order")
}

func TestPreprocessAppendsGroundTruth(t *testing.T) {
	h := newTestHead(t, testConfig(), Options{})
	target := common.Target{
		BoxesH: []common.Box{humanBox},
		BoxesO: []common.Box{otherBox},
		Object: []int{2},
		Labels: []int{2},
	}

	out, err := h.Preprocess([]common.Detections{pairScene()}, []common.Target{target}, true)
	require.NoError(t, err)

	d := out[0]
	assert.Equal(t, []int{0, 2, 1}, d.Labels, "the ground-truth object joins the candidates")
	assert.Equal(t, []float32{1, 1, 0.8}, d.Scores, "the ground-truth human replaces its detection")

	_, err = h.Preprocess([]common.Detections{pairScene()}, nil, true)
	assert.Error(t, err, "appending ground truth needs targets")
}

func TestPreprocessRejectsUnknownClass(t *testing.T) {
	h := newTestHead(t, testConfig(), Options{})
	d := common.Detections{Boxes: []common.Box{humanBox}, Labels: []int{7}, Scores: []float32{1}}

	_, err := h.Preprocess([]common.Detections{d}, nil, false)
	assert.Error(t, err)
}

// randomScene draws n detections whose labels come from classes.
func randomScene(rng *rand.Rand, n int, classes []int) common.Detections {
	d := common.Detections{}
	for k := 0; k < n; k++ {
		x, y := rng.Float32()*80, rng.Float32()*80
		d.Boxes = append(d.Boxes, common.Box{X1: x, Y1: y, X2: x + 1 + rng.Float32()*20, Y2: y + 1 + rng.Float32()*20})
		d.Labels = append(d.Labels, classes[rng.Intn(len(classes))])
		d.Scores = append(d.Scores, rng.Float32())
	}
	return d
}

func TestPreprocessCandidateOrdering(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	caps := []struct{ humans, objects int }{{0, 15}, {1, 2}, {3, 0}, {15, 15}, {2, 5}}
	scenes := []struct {
		name    string
		classes []int
	}{
		{"mixed", []int{0, 1, 2}},
		{"humans only", []int{0}},
		{"objects only", []int{1, 2}},
	}

	for _, c := range caps {
		cfg := testConfig()
		cfg.MaxHuman, cfg.MaxObject = c.humans, c.objects
		h := newTestHead(t, cfg, Options{})
		for _, sc := range scenes {
			t.Run(fmt.Sprintf("%s/max %d-%d", sc.name, c.humans, c.objects), func(t *testing.T) {
				for trial := 0; trial < 40; trial++ {
					d := randomScene(rng, rng.Intn(25), sc.classes)
					out, err := h.Preprocess([]common.Detections{d}, nil, false)
					require.NoError(t, err)
					got := out[0]
					require.NoError(t, got.Validate())

					nH := got.CountLabel(cfg.HumanIndex)
					assert.LessOrEqual(t, got.Len(), cfg.MaxHuman+cfg.MaxObject)
					assert.LessOrEqual(t, nH, cfg.MaxHuman)
					assert.LessOrEqual(t, got.Len()-nH, cfg.MaxObject)
					for k, l := range got.Labels {
						assert.Equal(t, k < nH, l == cfg.HumanIndex, "trial %d: humans come first", trial)
						assert.GreaterOrEqual(t, got.Scores[k], cfg.BoxScoreThreshold)
						if k > 0 && k != nH {
							assert.GreaterOrEqual(t, got.Scores[k-1], got.Scores[k], "trial %d: scores descend within a group", trial)
						}
						for j := 0; j < k; j++ {
							if got.Labels[j] == l {
								assert.LessOrEqual(t, got.Boxes[j].IoU(got.Boxes[k]), cfg.BoxNMSThreshold,
									"trial %d: same-class candidates survive suppression", trial)
							}
						}
					}
				}
			})
		}
	}

	h := newTestHead(t, testConfig(), Options{})
	out, err := h.Preprocess([]common.Detections{{}}, nil, false)
	require.NoError(t, err)
	assert.Zero(t, out[0].Len(), "an empty image stays empty")
}

func TestForwardEvalSinglePair(t *testing.T) {
	prof := profiler.New(0)
	h := newTestHead(t, testConfig(), Options{Profiler: prof})

	out, err := h.Forward(context.Background(), testBatch(pairScene()), Eval)
	require.NoError(t, err)
	defer out.Close()

	assert.Nil(t, out.Losses)
	require.Len(t, out.Results, 1)
	r := out.Results[0]

	assert.Equal(t, []common.Box{humanBox}, r.BoxesH)
	assert.Equal(t, []common.Box{objectBox}, r.BoxesO)
	assert.Equal(t, []int{1}, r.Object)
	assert.Equal(t, []int{0, 0}, r.Index)
	assert.Equal(t, []int{1, 2}, r.Prediction, "only the classes of the object are scored")
	assert.InDeltaSlice(t, []float32{0.81, 0.81}, r.Prior[0], 1e-6)
	assert.InDeltaSlice(t, []float32{0.64, 0.64}, r.Prior[1], 1e-6)
	assert.Nil(t, r.Labels)
	assert.Nil(t, r.BinaryLabels)

	require.Len(t, r.Weights, 1)
	for k, s := range r.Scores {
		bound := r.Prior[0][k] * r.Prior[1][k] * r.Weights[0]
		assert.True(t, s > 0 && s < bound, "score %v is sigmoid times prior times weight, below %v", s, bound)
	}

	stages := map[string]bool{}
	for _, s := range prof.Stages() {
		stages[s.Name] = true
	}
	assert.True(t, stages[profiler.StageMachineRun])
	assert.True(t, stages[profiler.StagePostprocess])
}

func TestForwardWithoutPairs(t *testing.T) {
	h := newTestHead(t, testConfig(), Options{})
	objectsOnly := common.Detections{
		Boxes:  []common.Box{objectBox, otherBox},
		Labels: []int{1, 2},
		Scores: []float32{0.9, 0.9},
	}

	out, err := h.Forward(context.Background(), testBatch(objectsOnly, pairScene()), Eval)
	require.NoError(t, err)
	defer out.Close()

	require.Len(t, out.Results, 2)
	assert.Empty(t, out.Results[0].Index, "an image without humans has no pairs")
	assert.Empty(t, out.Results[0].BoxesH)
	assert.Len(t, out.Results[1].Index, 2)

	out, err = h.Forward(context.Background(), testBatch(objectsOnly), Eval)
	require.NoError(t, err)
	assert.Empty(t, out.Results[0].Scores)
}

func singlePairTarget(labels ...int) common.Target {
	t := common.Target{}
	for _, l := range labels {
		t.BoxesH = append(t.BoxesH, humanBox)
		t.BoxesO = append(t.BoxesO, objectBox)
		t.Object = append(t.Object, 1)
		t.Labels = append(t.Labels, l)
	}
	return t
}

// hostLosses recomputes both unnormalised focal sums from a result.
func hostLosses(cfg config.Config, r Result) (hoi, inter float32) {
	hoi = nn.FocalLossValue(r.Scores, r.Labels, nil, cfg.FocalAlpha, cfg.Gamma)
	inter = nn.FocalLossValue(r.Weights, r.BinaryLabels, nil, cfg.FocalAlpha, cfg.InteractivenessGamma)
	return hoi, inter
}

func TestForwardTrainLosses(t *testing.T) {
	cfg := testConfig()
	h := newTestHead(t, cfg, Options{})
	batch := testBatch(pairScene())
	batch.Targets = []common.Target{singlePairTarget(1)}

	out, err := h.Forward(context.Background(), batch, Train)
	require.NoError(t, err)
	require.NotNil(t, out.Losses)

	r := out.Results[0]
	assert.Equal(t, []float32{1, 0}, r.Labels, "class 1 is positive for the matched pair")
	assert.Equal(t, []float32{1}, r.BinaryLabels)
	assert.InDeltaSlice(t, []float32{1, 1}, r.Prior[0], 1e-6, "ground-truth boxes enter with score 1")

	hoi, inter := hostLosses(cfg, r)
	assert.InDelta(t, hoi, out.Losses.HOI, 1e-4, "one positive normalises the interaction loss")
	assert.InDelta(t, inter, out.Losses.Interactiveness, 1e-4)

	before, ok := h.Params().Value("predictor.weight")
	require.True(t, ok)
	before = before.Clone().(*tensor.Dense)

	require.NoError(t, out.Step(G.NewAdamSolver(G.WithLearnRate(0.01))))
	after, _ := h.Params().Value("predictor.weight")
	assert.NotEqual(t, before.Data(), after.Data(), "a solver step updates the weights")
}

func TestForwardTrainRequiresTargets(t *testing.T) {
	h := newTestHead(t, testConfig(), Options{})

	_, err := h.Forward(context.Background(), testBatch(pairScene()), Train)
	assert.Error(t, err)
}

func TestForwardRejectsMalformedTargets(t *testing.T) {
	h := newTestHead(t, testConfig(), Options{})
	batch := testBatch(pairScene())
	batch.Targets = []common.Target{singlePairTarget(5)}
	_, err := h.Forward(context.Background(), batch, Eval)
	assert.Error(t, err, "interaction class 5 is out of range")

	cfg := testConfig()
	noGT := false
	cfg.AppendGT = &noGT
	h = newTestHead(t, cfg, Options{})
	ragged := singlePairTarget(1)
	ragged.BoxesO = append(ragged.BoxesO, otherBox)
	batch = testBatch(pairScene())
	batch.Targets = []common.Target{ragged}
	assert.NotPanics(t, func() {
		_, err = h.Forward(context.Background(), batch, Train)
	})
	assert.Error(t, err, "ragged ground truth")
}

func TestZeroPositives(t *testing.T) {
	cfg := testConfig()
	noGT := false
	cfg.AppendGT = &noGT
	h := newTestHead(t, cfg, Options{})

	batch := testBatch(pairScene())
	batch.Targets = []common.Target{{
		BoxesH: []common.Box{{X1: 0, Y1: 0, X2: 5, Y2: 5}},
		BoxesO: []common.Box{{X1: 95, Y1: 95, X2: 100, Y2: 100}},
		Object: []int{1},
		Labels: []int{1},
	}}

	_, err := h.Forward(context.Background(), batch, Train)
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrZeroPositives))
	var zp *common.ZeroPositivesError
	require.True(t, errors.As(err, &zp))
	assert.Equal(t, HOILossName, zp.Term)
}

func TestLossNormalisationAcrossWorkers(t *testing.T) {
	cfg := testConfig()
	cfg.Distributed = true
	group := distributed.NewGroup(2)

	// Worker 0 sees one positive class for its pair, worker 1 sees two.
	targets := []common.Target{singlePairTarget(1), singlePairTarget(1, 2)}
	outs := make([]*Output, 2)
	errs := make([]error, 2)
	heads := make([]*InteractionHead, 2)
	for k := range heads {
		heads[k] = newTestHead(t, cfg, Options{Reducer: group[k]})
	}

	var wg sync.WaitGroup
	for k := range heads {
		wg.Add(1)
		go func(k int) {
			defer wg.Done()
			batch := testBatch(pairScene())
			batch.Targets = targets[k : k+1]
			outs[k], errs[k] = heads[k].Forward(context.Background(), batch, Train)
		}(k)
	}
	wg.Wait()

	for k := range outs {
		require.NoError(t, errs[k])
		defer outs[k].Close()

		hoi, inter := hostLosses(cfg, outs[k].Results[0])
		assert.InDelta(t, hoi/1.5, outs[k].Losses.HOI, 1e-4, "worker %d divides by (1+2)/2", k)
		assert.InDelta(t, inter, outs[k].Losses.Interactiveness, 1e-4, "worker %d divides by (1+1)/2", k)
	}
}

func TestPositives(t *testing.T) {
	sets := []graphhead.PairSet{
		{},
		{
			HumanIndex: []int{0, 0},
			Labels:     []float32{1, 0, 1, 0, 0, 1},
			PriorH:     []float32{0.5, 0.5, 0, 0, 0, 0.2},
		},
	}

	hoi, inter := Positives(sets)
	assert.Equal(t, 2.0, hoi, "the positive with a zero prior is not retained")
	assert.Equal(t, 2.0, inter)
	assert.Equal(t, []float32{1, 1}, BinaryLabels(sets[1].Labels, 2))
}

func TestPostprocessMasksByPrior(t *testing.T) {
	sets := []graphhead.PairSet{
		{
			BoxesH:      []common.Box{humanBox, humanBox},
			BoxesO:      []common.Box{objectBox, otherBox},
			HumanIndex:  []int{0, 0},
			ObjectIndex: []int{1, 2},
			ObjectClass: []int{1, 2},
			PriorH:      []float32{0, 0.5, 0.5, 0, 0, 0.3},
			PriorO:      []float32{0, 0.4, 0.4, 0, 0, 0.2},
		},
		{},
		{
			BoxesH:      []common.Box{humanBox},
			BoxesO:      []common.Box{objectBox},
			HumanIndex:  []int{0},
			ObjectIndex: []int{1},
			ObjectClass: []int{0},
			PriorH:      []float32{0.9, 0, 0},
			PriorO:      []float32{0.9, 0, 0},
		},
	}
	scores := []float32{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9}
	weights := []float32{0.25, 0.5, 0.75}

	results := Postprocess(sets, scores, weights, 3)
	require.Len(t, results, 3)

	assert.Equal(t, []int{0, 0, 1}, results[0].Index)
	assert.Equal(t, []int{1, 2, 2}, results[0].Prediction)
	assert.Equal(t, []float32{0.2, 0.3, 0.6}, results[0].Scores)
	assert.Equal(t, []float32{0.5, 0.5, 0.3}, results[0].Prior[0])
	assert.Equal(t, []float32{0.25, 0.5}, results[0].Weights)

	assert.Empty(t, results[1].Index)

	assert.Equal(t, []int{0}, results[2].Prediction)
	assert.Equal(t, []float32{0.7}, results[2].Scores, "rows continue after the previous image")
	assert.Equal(t, []float32{0.75}, results[2].Weights)
}

func TestLossesMap(t *testing.T) {
	l := Losses{HOI: 1.5, Interactiveness: 0.25}
	assert.Equal(t, map[string]float32{"hoi_loss": 1.5, "interactiveness_loss": 0.25}, l.Map())
}
