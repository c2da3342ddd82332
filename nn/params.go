// Package nn - gorgonia building blocks for the interaction head.
//
// Learned weights live in a Params store that outlives any single forward
// pass. Every pass builds a fresh expression graph through a Binder, which
// copies the weights it touches into graph nodes and copies them back after a
// solver step.
package nn

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-hoi/common"
)

// Params is a named store of persistent float32 tensors.
type Params struct {
	mu      sync.RWMutex
	tensors map[string]*tensor.Dense
	names   []string
}

// NewParams creates an empty parameter store.
func NewParams() *Params {
	return &Params{tensors: make(map[string]*tensor.Dense)}
}

// Register adds a parameter initialised by init. Registering an existing name
// with the same shape returns the existing tensor, so modules can share weights.
//
// Arguments:
//   - name: Unique parameter name, e.g. "graph.adjacency.weight".
//   - shape: Parameter shape. Every dimension must be positive.
//   - init: Initialiser, e.g. G.GlorotU(1) or G.Zeroes().
//
// Returns:
//   - The registered tensor.
//   - A ConfigurationError for a bad shape or a shape clash.
func (p *Params) Register(name string, shape tensor.Shape, init G.InitWFn) (*tensor.Dense, error) {
	for _, d := range shape {
		if d <= 0 {
			return nil, common.NewConfigurationError(name, "invalid parameter shape %v", shape)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if t, ok := p.tensors[name]; ok {
		if !t.Shape().Eq(shape) {
			return nil, common.NewConfigurationError(name, "registered with shape %v, requested %v", t.Shape(), shape)
		}
		return t, nil
	}

	backing, ok := init(tensor.Float32, shape...).([]float32)
	if !ok {
		return nil, common.NewConfigurationError(name, "initialiser did not produce float32 values")
	}
	t := tensor.New(tensor.WithShape(shape...), tensor.WithBacking(backing))
	p.tensors[name] = t
	p.names = append(p.names, name)
	return t, nil
}

// Value returns the current tensor of a parameter.
func (p *Params) Value(name string) (*tensor.Dense, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.tensors[name]
	return t, ok
}

// Set replaces the value of a registered parameter.
func (p *Params) Set(name string, t *tensor.Dense) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	old, ok := p.tensors[name]
	if !ok {
		return errors.Errorf("unknown parameter %q", name)
	}
	if !old.Shape().Eq(t.Shape()) {
		return errors.Errorf("parameter %q has shape %v, got %v", name, old.Shape(), t.Shape())
	}
	p.tensors[name] = t
	return nil
}

// Names returns parameter names in registration order.
func (p *Params) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.names...)
}

// Len returns the number of registered parameters.
func (p *Params) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.names)
}

// Size returns the total number of scalars across all parameters.
func (p *Params) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, t := range p.tensors {
		n += t.Shape().TotalSize()
	}
	return n
}

// Binder builds one forward pass. It owns a fresh expression graph and binds
// parameters into it on first use.
type Binder struct {
	g      *G.ExprGraph
	params *Params
	bound  map[string]*G.Node
	consts int
}

// NewBinder creates a binder over a parameter store.
func NewBinder(p *Params) *Binder {
	return &Binder{g: G.NewGraph(), params: p, bound: make(map[string]*G.Node)}
}

// Graph returns the expression graph of this pass.
func (b *Binder) Graph() *G.ExprGraph {
	return b.g
}

// Param returns the graph node of a registered parameter, creating it from
// a copy of the stored value the first time it is requested.
func (b *Binder) Param(name string) (*G.Node, error) {
	if n, ok := b.bound[name]; ok {
		return n, nil
	}
	t, ok := b.params.Value(name)
	if !ok {
		return nil, errors.Errorf("unknown parameter %q", name)
	}
	v := t.Clone().(*tensor.Dense)
	n := G.NewMatrix(b.g, tensor.Float32, G.WithShape(v.Shape()...), G.WithName(name), G.WithValue(v))
	b.bound[name] = n
	return n, nil
}

// Constant adds a (rows x cols) input that never receives a gradient. The
// node name is made unique so that equal-named constants from different
// images stay distinct.
func (b *Binder) Constant(name string, rows, cols int, data []float32) *G.Node {
	b.consts++
	t := tensor.New(tensor.WithShape(rows, cols), tensor.WithBacking(data))
	return G.NewMatrix(b.g, tensor.Float32, G.WithShape(rows, cols),
		G.WithName(fmt.Sprintf("%s#%d", name, b.consts)), G.WithValue(t))
}

// ConstantTensor adds a 2-D dense tensor as a constant input.
func (b *Binder) ConstantTensor(name string, t *tensor.Dense) (*G.Node, error) {
	s := t.Shape()
	if s.Dims() != 2 {
		return nil, errors.Errorf("constant %q must be 2-D, got shape %v", name, s)
	}
	data, ok := t.Data().([]float32)
	if !ok {
		return nil, errors.Errorf("constant %q must hold float32 values", name)
	}
	return b.Constant(name, s[0], s[1], data), nil
}

// Scalar returns a float32 scalar constant.
func (b *Binder) Scalar(v float32) *G.Node {
	return G.NewConstant(v)
}

// Learnables returns the bound parameter nodes in registration order. The
// order is stable across passes that touch the same parameters, which the
// gorgonia solvers rely on.
func (b *Binder) Learnables() G.Nodes {
	var out G.Nodes
	for _, name := range b.params.Names() {
		if n, ok := b.bound[name]; ok {
			out = append(out, n)
		}
	}
	return out
}

// WriteBack copies the values of every bound parameter back to the store.
// Call it after a solver step.
func (b *Binder) WriteBack() error {
	for name, n := range b.bound {
		t, ok := n.Value().(*tensor.Dense)
		if !ok {
			return errors.Errorf("parameter %q has no dense value", name)
		}
		if err := b.params.Set(name, t.Clone().(*tensor.Dense)); err != nil {
			return err
		}
	}
	return nil
}

// Read registers n for readout. The returned value is filled once a machine
// has run the graph.
func (b *Binder) Read(n *G.Node) *G.Value {
	v := new(G.Value)
	G.Read(n, v)
	return v
}

// Float32s extracts the values of a machine output.
func Float32s(v G.Value) ([]float32, error) {
	if v == nil {
		return nil, errors.New("value has not been computed")
	}
	switch d := v.Data().(type) {
	case []float32:
		return d, nil
	case float32:
		return []float32{d}, nil
	default:
		return nil, errors.Errorf("unexpected value type %T", d)
	}
}

// Scalar32 extracts a single float32 from a machine output.
func Scalar32(v G.Value) (float32, error) {
	d, err := Float32s(v)
	if err != nil {
		return 0, err
	}
	if len(d) != 1 {
		return 0, errors.Errorf("expected a scalar, got %d values", len(d))
	}
	return d[0], nil
}
