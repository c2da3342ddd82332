package graphhead

import (
	"github.com/nvr-ai/go-hoi/common"
	"github.com/nvr-ai/go-hoi/models"
)

// Grid enumerates the full (human, node) cross product of an image, human
// major: edge p = i*NumNodes + j joins human i and node j. Humans come first
// among the nodes, so edge (i, i) pairs a human with its own detection.
type Grid struct {
	NumHumans int
	NumNodes  int
	// X and Y hold the human and node index of every edge.
	X []int
	Y []int
	// Keep lists the edges that pair two different detections.
	Keep []int
}

// NewGrid enumerates the edges of an image with numHumans humans among
// numNodes detections.
func NewGrid(numHumans, numNodes int) Grid {
	g := Grid{
		NumHumans: numHumans,
		NumNodes:  numNodes,
		X:         make([]int, 0, numHumans*numNodes),
		Y:         make([]int, 0, numHumans*numNodes),
		Keep:      make([]int, 0, numHumans*numNodes),
	}
	for i := 0; i < numHumans; i++ {
		for j := 0; j < numNodes; j++ {
			if i != j {
				g.Keep = append(g.Keep, len(g.X))
			}
			g.X = append(g.X, i)
			g.Y = append(g.Y, j)
		}
	}
	return g
}

// Len returns the number of edges, self-pairs included.
func (g Grid) Len() int {
	return len(g.X)
}

// Kept returns the human and node index of every kept edge.
func (g Grid) Kept() (x, y []int) {
	x = make([]int, len(g.Keep))
	y = make([]int, len(g.Keep))
	for k, p := range g.Keep {
		x[k], y[k] = g.X[p], g.Y[p]
	}
	return x, y
}

// Segments returns, for every edge, the human it belongs to when byHuman is
// set and the node otherwise.
func (g Grid) Segments(byHuman bool) []int {
	if byHuman {
		return g.X
	}
	return g.Y
}

func selectBoxes(boxes []common.Box, idx []int) []common.Box {
	out := make([]common.Box, len(idx))
	for k, i := range idx {
		out[k] = boxes[i]
	}
	return out
}

// PriorScores computes the interaction priors of a set of pairs.
//
// For pair p and every interaction class t that the object class of node
// y[p] maps to, the human prior is the squared score of human x[p] and the
// object prior is the squared score of node y[p]. All other entries are
// exactly zero.
//
// Arguments:
//   - x: Human index of each pair.
//   - y: Node index of each pair.
//   - scores: Detection scores of the image.
//   - labels: Object class of every detection.
//   - corr: Object class to interaction class mapping.
//   - numClasses: Number of interaction classes.
//
// Returns:
//   - priorH, priorO: Row-major (pairs x numClasses) slices.
func PriorScores(x, y []int, scores []float32, labels []int, corr models.Correspondence, numClasses int) (priorH, priorO []float32) {
	priorH = make([]float32, len(x)*numClasses)
	priorO = make([]float32, len(x)*numClasses)
	for p := range x {
		sh := scores[x[p]] * scores[x[p]]
		so := scores[y[p]] * scores[y[p]]
		for _, t := range corr.Targets(labels[y[p]]) {
			priorH[p*numClasses+t] = sh
			priorO[p*numClasses+t] = so
		}
	}
	return priorH, priorO
}
