package graphhead

import (
	"math"
	"strconv"
	"testing"

	"github.com/chewxy/math32"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-hoi/common"
	"github.com/nvr-ai/go-hoi/config"
	"github.com/nvr-ai/go-hoi/features"
	"github.com/nvr-ai/go-hoi/nn"
	"github.com/nvr-ai/go-hoi/spatial"
)

// fixWeights overwrites every parameter with small deterministic values so
// the host reference can replay the network.
func fixWeights(t *testing.T, p *nn.Params) {
	t.Helper()
	for n, name := range p.Names() {
		v, ok := p.Value(name)
		require.True(t, ok)
		data := make([]float32, v.Shape().TotalSize())
		for k := range data {
			data[k] = 0.1 * math32.Sin(0.9*float32(k)+1.7*float32(n)+0.3)
		}
		require.NoError(t, p.Set(name, tensor.New(tensor.WithShape(v.Shape()...), tensor.WithBacking(data))))
	}
}

// newFixedHead builds a head with fixed weights and a host replica of it.
func newFixedHead(t *testing.T, cfg config.Config) (*GraphHead, *nn.Binder, hostNet) {
	t.Helper()
	params := nn.NewParams()
	h, err := New(cfg, testCorr, params, logs.NewTestingLog(t))
	require.NoError(t, err)
	fixWeights(t, params)
	return h, nn.NewBinder(params), hostNet{t: t, p: params}
}

// hostNet evaluates the graph head's layers with gonum matrices.
type hostNet struct {
	t *testing.T
	p *nn.Params
}

func (h hostNet) param(name string) *mat.Dense {
	v, ok := h.p.Value(name)
	require.True(h.t, ok, name)
	return toDense(v.Shape()[0], v.Shape()[1], v.Data().([]float32))
}

func toDense(rows, cols int, data []float32) *mat.Dense {
	out := mat.NewDense(rows, cols, nil)
	for k, f := range data {
		out.Set(k/cols, k%cols, float64(f))
	}
	return out
}

func flatten(m mat.Matrix) []float64 {
	r, c := m.Dims()
	out := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out = append(out, m.At(i, j))
		}
	}
	return out
}

func (h hostNet) linear(x mat.Matrix, name string) *mat.Dense {
	var y mat.Dense
	y.Mul(x, h.param(name+".weight"))
	bias := h.param(name + ".bias")
	y.Apply(func(_, j int, v float64) float64 { return v + bias.At(0, j) }, &y)
	return &y
}

func relu(x mat.Matrix) *mat.Dense {
	var y mat.Dense
	y.Apply(func(_, _ int, v float64) float64 { return math.Max(v, 0) }, x)
	return &y
}

func (h hostNet) mlp(x mat.Matrix, name string, layers int) *mat.Dense {
	out := mat.DenseCopyOf(x)
	for l := 0; l < layers; l++ {
		out = relu(h.linear(out, name+"."+strconv.Itoa(l)))
	}
	return out
}

func rows(x *mat.Dense, idx []int) *mat.Dense {
	_, c := x.Dims()
	out := mat.NewDense(len(idx), c, nil)
	for r, i := range idx {
		out.SetRow(r, mat.Row(nil, i, x))
	}
	return out
}

func augment(a, b mat.Matrix) *mat.Dense {
	var out mat.Dense
	out.Augment(a, b)
	return &out
}

// fusion is the branch-summed fusion unit: fc_3(relu(fc_1(a) * fc_2(s))), with
// a single appearance row shared by every spatial row.
func (h hostNet) fusion(app, sp mat.Matrix, name string, final bool) *mat.Dense {
	a := h.linear(app, name+".fc_1")
	s := h.linear(sp, name+".fc_2")
	ar, _ := a.Dims()
	r, c := s.Dims()
	prod := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		ai := i
		if ar == 1 {
			ai = 0
		}
		for j := 0; j < c; j++ {
			prod.Set(i, j, math.Max(a.At(ai, j)*s.At(i, j), 0))
		}
	}
	out := h.linear(prod, name+".fc_3")
	if final {
		return relu(out)
	}
	return out
}

func (h hostNet) layerNorm(x *mat.Dense, name string) *mat.Dense {
	gain, bias := h.param(name+".weight"), h.param(name+".bias")
	r, c := x.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		row := mat.Row(nil, i, x)
		var mean, variance float64
		for _, v := range row {
			mean += v
		}
		mean /= float64(c)
		for _, v := range row {
			variance += (v - mean) * (v - mean)
		}
		variance /= float64(c)
		for j, v := range row {
			out.Set(i, j, (v-mean)/math.Sqrt(variance+nn.LayerNormEps)*gain.At(0, j)+bias.At(0, j))
		}
	}
	return out
}

func softmax(v []float64) []float64 {
	m := v[0]
	for _, x := range v {
		m = math.Max(m, x)
	}
	out := make([]float64, len(v))
	var sum float64
	for k, x := range v {
		out[k] = math.Exp(x - m)
		sum += out[k]
	}
	for k := range out {
		out[k] /= sum
	}
	return out
}

// propagate is one message-passing round written out edge by edge.
func (h hostNet) propagate(humans, nodes, sp *mat.Dense, nH, n int) (*mat.Dense, *mat.Dense) {
	grid := NewGrid(nH, n)
	weights := h.fusion(augment(rows(humans, grid.X), rows(nodes, grid.Y)), sp, "graph.attention_head", true)
	logits := h.linear(weights, "graph.adjacency")

	// rowW[i] normalises over the nodes of human i, colW[j] over the humans of node j.
	rowW := make([][]float64, nH)
	for i := range rowW {
		rowW[i] = softmax(mat.Col(nil, 0, logits)[i*n : (i+1)*n])
	}
	colW := make([][]float64, n)
	for j := range colW {
		col := make([]float64, nH)
		for i := range col {
			col[i] = logits.At(i*n+j, 0)
		}
		colW[j] = softmax(col)
	}

	_, width := humans.Dims()
	toHumans := h.fusion(rows(nodes, grid.Y), sp, "graph.obj_to_sub", false)
	updatedH := mat.NewDense(nH, width, nil)
	for i := 0; i < nH; i++ {
		for c := 0; c < width; c++ {
			var m float64
			for j := 0; j < n; j++ {
				m += rowW[i][j] * toHumans.At(i*n+j, c)
			}
			updatedH.Set(i, c, humans.At(i, c)+math.Max(m, 0))
		}
	}
	updatedH = h.layerNorm(updatedH, "graph.norm_h")

	toNodes := h.fusion(rows(updatedH, grid.X), sp, "graph.sub_to_obj", false)
	updatedN := mat.NewDense(n, width, nil)
	for j := 0; j < n; j++ {
		for c := 0; c < width; c++ {
			var m float64
			for i := 0; i < nH; i++ {
				m += colW[j][i] * toNodes.At(i*n+j, c)
			}
			updatedN.Set(j, c, nodes.At(j, c)+math.Max(m, 0))
		}
	}
	return updatedH, h.layerNorm(updatedN, "graph.norm_o")
}

func assertClose(t *testing.T, want []float64, got []float32, msg string) {
	t.Helper()
	require.Len(t, got, len(want), msg)
	for k := range want {
		assert.InDelta(t, want[k], float64(got[k]), 1e-3*(1+math.Abs(want[k])), "%s: entry %d", msg, k)
	}
}

func TestPropagateMatchesHostReference(t *testing.T) {
	h, b, host := newFixedHead(t, testConfig())

	const nH, n, width = 2, 3, 4
	nodeData := make([]float32, n*width)
	for k := range nodeData {
		nodeData[k] = math32.Cos(0.6*float32(k)) - 0.2
	}
	spData := make([]float32, nH*n*width)
	for k := range spData {
		spData[k] = 0.5 + 0.4*math32.Sin(1.1*float32(k))
	}

	// Humans start as copies of the first two nodes and are updated apart from them.
	nodes := b.Constant("nodes", n, width, nodeData)
	humans := b.Constant("humans", nH, width, append([]float32{}, nodeData[:nH*width]...))
	sp := b.Constant("spatial", nH*n, width, spData)

	gotH, gotN, err := h.propagate(b, NewGrid(nH, n), humans, nodes, sp)
	require.NoError(t, err)
	readH, readN := b.Read(gotH), b.Read(gotN)
	vm := G.NewTapeMachine(b.Graph())
	defer vm.Close()
	require.NoError(t, vm.RunAll())

	hostNodes := toDense(n, width, nodeData)
	wantH, wantN := host.propagate(rows(hostNodes, firstN(nH)), hostNodes, toDense(nH*n, width, spData), nH, n)

	valH, err := nn.Float32s(*readH)
	require.NoError(t, err)
	valN, err := nn.Float32s(*readN)
	require.NoError(t, err)
	assertClose(t, flatten(wantH), valH, "humans")
	assertClose(t, flatten(wantN), valN, "nodes")

	assert.NotEqual(t, valH[:width], valN[:width], "a human detection is updated once per role")
}

func TestForwardMatchesHostReference(t *testing.T) {
	for _, iters := range []int{1, 2} {
		cfg := testConfig()
		cfg.NumIter = iters
		h, b, host := newFixedHead(t, cfg)

		d := det([]int{0, 0, 2}, []float32{0.9, 0.7, 0.6})
		in := batch(d)
		sets, err := h.Forward(b, in)
		require.NoError(t, err)
		require.Equal(t, 4, sets[0].Len())
		read := b.Read(sets[0].Features)
		vm := G.NewTapeMachine(b.Graph())
		require.NoError(t, vm.RunAll())
		got, err := nn.Float32s(*read)
		require.NoError(t, err)
		vm.Close()

		const nH, n = 2, 3
		grid := NewGrid(nH, n)
		pooled := in.BoxFeatures.Data().([]float32)
		nodes := host.mlp(toDense(n, cfg.OutChannels, pooled), "graph.box_head", 2)
		humans := rows(nodes, firstN(nH))
		enc := spatial.Encode(selectBoxes(d.Boxes, grid.X), selectBoxes(d.Boxes, grid.Y), in.Shapes[0])
		sp := host.mlp(toDense(grid.Len(), spatial.Size, enc), "graph.spatial_head", len(cfg.SpatialHidden)+1)
		for it := 0; it < iters; it++ {
			humans, nodes = host.propagate(humans, nodes, sp, nH, n)
		}

		level, err := in.Pyramid.Level(cfg.GlobalFeatureLevel)
		require.NoError(t, err)
		avg, err := features.GlobalAverage(level)
		require.NoError(t, err)
		global := toDense(1, cfg.OutChannels, avg.Data().([]float32))

		x, y := grid.Kept()
		keptSp := rows(sp, grid.Keep)
		local := host.fusion(augment(rows(humans, x), rows(nodes, y)), keptSp, "graph.attention_head", true)
		context := host.fusion(global, keptSp, "graph.attention_head_g", true)
		assertClose(t, flatten(augment(local, context)), got, "pair features")
	}
}

func TestSelectBoxesKeepsOrder(t *testing.T) {
	boxes := []common.Box{{X2: 1}, {X2: 2}, {X2: 3}}
	assert.Equal(t, []common.Box{{X2: 3}, {X2: 1}}, selectBoxes(boxes, []int{2, 0}))
}
