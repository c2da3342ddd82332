package nn

import (
	"strconv"

	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-hoi/common"
)

// Linear is a fully connected layer y = xW + b with W of shape (In, Out) and
// b of shape (1, Out).
type Linear struct {
	Name string
	In   int
	Out  int
}

// NewLinear registers the weights of a linear layer.
//
// Arguments:
//   - p: The parameter store.
//   - name: Parameter prefix; weights are stored as name+".weight" and name+".bias".
//   - in: Input width.
//   - out: Output width.
//
// Returns:
//   - The layer.
//   - A ConfigurationError if a width is not positive.
func NewLinear(p *Params, name string, in, out int) (*Linear, error) {
	if in <= 0 || out <= 0 {
		return nil, common.NewConfigurationError(name, "linear layer needs positive widths, got %d -> %d", in, out)
	}
	if _, err := p.Register(name+".weight", tensor.Shape{in, out}, G.GlorotU(1)); err != nil {
		return nil, err
	}
	if _, err := p.Register(name+".bias", tensor.Shape{1, out}, G.Zeroes()); err != nil {
		return nil, err
	}
	return &Linear{Name: name, In: in, Out: out}, nil
}

// Forward applies the layer to a (rows x In) node.
func (l *Linear) Forward(b *Binder, x *G.Node) (*G.Node, error) {
	if s := x.Shape(); s.Dims() != 2 || s[1] != l.In {
		return nil, errors.Errorf("%s: expected input of width %d, got shape %v", l.Name, l.In, s)
	}
	w, err := b.Param(l.Name + ".weight")
	if err != nil {
		return nil, err
	}
	bias, err := b.Param(l.Name + ".bias")
	if err != nil {
		return nil, err
	}
	y, err := G.Mul(x, w)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: matmul", l.Name)
	}
	return G.BroadcastAdd(y, bias, nil, []byte{0})
}

// MLP is a stack of linear layers, each followed by a rectifier.
type MLP struct {
	Layers []*Linear
}

// NewMLP registers an MLP whose layer widths are sizes[0] -> sizes[1] -> ...
func NewMLP(p *Params, name string, sizes ...int) (*MLP, error) {
	if len(sizes) < 2 {
		return nil, common.NewConfigurationError(name, "an MLP needs at least two sizes, got %v", sizes)
	}
	m := &MLP{}
	for i := 0; i+1 < len(sizes); i++ {
		l, err := NewLinear(p, name+"."+strconv.Itoa(i), sizes[i], sizes[i+1])
		if err != nil {
			return nil, err
		}
		m.Layers = append(m.Layers, l)
	}
	return m, nil
}

// Out returns the output width.
func (m *MLP) Out() int {
	return m.Layers[len(m.Layers)-1].Out
}

// Forward applies every layer with a rectifier.
func (m *MLP) Forward(b *Binder, x *G.Node) (*G.Node, error) {
	var err error
	for _, l := range m.Layers {
		if x, err = l.Forward(b, x); err != nil {
			return nil, err
		}
		if x, err = G.Rectify(x); err != nil {
			return nil, err
		}
	}
	return x, nil
}

// LayerNormEps is added to the variance before normalising.
const LayerNormEps = 1e-5

// LayerNorm normalises each row to zero mean and unit variance, then applies
// a learned gain and bias.
type LayerNorm struct {
	Name  string
	Width int
}

// NewLayerNorm registers a layer norm over rows of the given width, with the
// gain initialised to one and the bias to zero.
func NewLayerNorm(p *Params, name string, width int) (*LayerNorm, error) {
	if width <= 0 {
		return nil, common.NewConfigurationError(name, "layer norm needs a positive width, got %d", width)
	}
	if _, err := p.Register(name+".weight", tensor.Shape{1, width}, G.Ones()); err != nil {
		return nil, err
	}
	if _, err := p.Register(name+".bias", tensor.Shape{1, width}, G.Zeroes()); err != nil {
		return nil, err
	}
	return &LayerNorm{Name: name, Width: width}, nil
}

// Forward normalises a (rows x Width) node.
func (l *LayerNorm) Forward(b *Binder, x *G.Node) (*G.Node, error) {
	s := x.Shape()
	if s.Dims() != 2 || s[1] != l.Width {
		return nil, errors.Errorf("%s: expected input of width %d, got shape %v", l.Name, l.Width, s)
	}
	rows := s[0]
	gain, err := b.Param(l.Name + ".weight")
	if err != nil {
		return nil, err
	}
	bias, err := b.Param(l.Name + ".bias")
	if err != nil {
		return nil, err
	}

	mean, err := rowReduce(G.Mean, x, rows)
	if err != nil {
		return nil, err
	}
	centred, err := G.BroadcastSub(x, mean, nil, []byte{1})
	if err != nil {
		return nil, err
	}
	sq, err := G.Square(centred)
	if err != nil {
		return nil, err
	}
	variance, err := rowReduce(G.Mean, sq, rows)
	if err != nil {
		return nil, err
	}
	shifted, err := G.Add(variance, b.Scalar(LayerNormEps))
	if err != nil {
		return nil, err
	}
	std, err := G.Sqrt(shifted)
	if err != nil {
		return nil, err
	}
	y, err := G.BroadcastHadamardDiv(centred, std, nil, []byte{1})
	if err != nil {
		return nil, err
	}
	if y, err = G.BroadcastHadamardProd(y, gain, nil, []byte{0}); err != nil {
		return nil, err
	}
	return G.BroadcastAdd(y, bias, nil, []byte{0})
}

// RowSoftmax applies a softmax along each row of a 2-D node. The row maximum
// is subtracted first for stability and carries no gradient.
func RowSoftmax(x *G.Node) (*G.Node, error) {
	s := x.Shape()
	if s.Dims() != 2 {
		return nil, errors.Errorf("row softmax expects a 2-D input, got shape %v", s)
	}
	rows := s[0]
	m, err := rowReduce(G.Max, x, rows)
	if err != nil {
		return nil, err
	}
	if m, err = StopGradient(m); err != nil {
		return nil, err
	}
	shifted, err := G.BroadcastSub(x, m, nil, []byte{1})
	if err != nil {
		return nil, err
	}
	e, err := G.Exp(shifted)
	if err != nil {
		return nil, err
	}
	sum, err := rowReduce(G.Sum, e, rows)
	if err != nil {
		return nil, err
	}
	return G.BroadcastHadamardDiv(e, sum, nil, []byte{1})
}

// rowReduce reduces along axis 1 and keeps the result as a (rows x 1) column.
func rowReduce(reduce func(*G.Node, ...int) (*G.Node, error), x *G.Node, rows int) (*G.Node, error) {
	r, err := reduce(x, 1)
	if err != nil {
		return nil, err
	}
	return G.Reshape(r, tensor.Shape{rows, 1})
}

// Gather selects rows of x: row r of the result is row idx[r] of x. It is
// expressed as a product with a constant one-hot matrix so gradients flow
// back to the selected rows.
func Gather(b *Binder, name string, x *G.Node, idx []int) (*G.Node, error) {
	n := x.Shape()[0]
	sel := make([]float32, len(idx)*n)
	for r, i := range idx {
		if i < 0 || i >= n {
			return nil, errors.Errorf("%s: row index %d out of range [0, %d)", name, i, n)
		}
		sel[r*n+i] = 1
	}
	return G.Mul(b.Constant(name, len(idx), n, sel), x)
}

// SegmentSum sums rows of x into numSegments groups: row r of x is added to
// row segment[r] of the result. Negative segments drop the row.
func SegmentSum(b *Binder, name string, x *G.Node, segment []int, numSegments int) (*G.Node, error) {
	rows := x.Shape()[0]
	if len(segment) != rows {
		return nil, errors.Errorf("%s: %d segment ids for %d rows", name, len(segment), rows)
	}
	grp := make([]float32, numSegments*rows)
	for r, s := range segment {
		if s >= numSegments {
			return nil, errors.Errorf("%s: segment %d out of range [0, %d)", name, s, numSegments)
		}
		if s >= 0 {
			grp[s*rows+r] = 1
		}
	}
	return G.Mul(b.Constant(name, numSegments, rows, grp), x)
}

// Concat joins nodes along an axis. A single node is returned unchanged.
func Concat(axis int, nodes ...*G.Node) (*G.Node, error) {
	switch len(nodes) {
	case 0:
		return nil, errors.New("nothing to concatenate")
	case 1:
		return nodes[0], nil
	}
	return G.Concat(axis, nodes...)
}
