package nn

import (
	"fmt"
	"hash"
	"hash/fnv"

	"github.com/chewxy/hm"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// stopGradientOp is the identity in the forward pass and is never
// differentiated: no gradient flows from its output into its input.
type stopGradientOp struct{}

// StopGradient returns a node equal to x through which no gradient flows.
//
// @example
// w, _ := nn.StopGradient(weights) // scores use w, but only the weights' own loss trains them
func StopGradient(x *G.Node) (*G.Node, error) {
	return G.ApplyOp(stopGradientOp{}, x)
}

func (op stopGradientOp) Arity() int { return 1 }

func (op stopGradientOp) Type() hm.Type {
	a := hm.TypeVariable('a')
	return hm.NewFnType(a, a)
}

func (op stopGradientOp) InferShape(inputs ...G.DimSizer) (tensor.Shape, error) {
	if len(inputs) != 1 {
		return nil, errors.Errorf("stop gradient expects 1 input, got %d", len(inputs))
	}
	s, ok := inputs[0].(tensor.Shape)
	if !ok {
		return nil, errors.Errorf("stop gradient expects a shape, got %T", inputs[0])
	}
	return s.Clone(), nil
}

func (op stopGradientOp) Do(values ...G.Value) (G.Value, error) {
	if len(values) != 1 {
		return nil, errors.Errorf("stop gradient expects 1 value, got %d", len(values))
	}
	switch v := values[0].(type) {
	case tensor.Tensor:
		return v.Clone().(G.Value), nil
	default:
		return v, nil
	}
}

func (op stopGradientOp) ReturnsPtr() bool     { return false }
func (op stopGradientOp) CallsExtern() bool    { return false }
func (op stopGradientOp) OverwritesInput() int { return -1 }

func (op stopGradientOp) WriteHash(h hash.Hash) {
	fmt.Fprintf(h, "%v", op)
}

func (op stopGradientOp) Hashcode() uint32 {
	h := fnv.New32a()
	op.WriteHash(h)
	return h.Sum32()
}

func (op stopGradientOp) String() string { return "StopGradient" }

// DiffWRT implements G.SDOp.
func (op stopGradientOp) DiffWRT(inputs int) []bool {
	return make([]bool, inputs)
}

// SymDiff implements G.SDOp. The input never receives a gradient.
func (op stopGradientOp) SymDiff(inputs G.Nodes, output, grad *G.Node) (G.Nodes, error) {
	return make(G.Nodes, len(inputs)), nil
}
