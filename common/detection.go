package common

import "github.com/pkg/errors"

// Detections holds the object detections of a single image as parallel slices.
type Detections struct {
	// Boxes are the detected boxes.
	Boxes []Box `json:"boxes" yaml:"boxes"`
	// Labels are the object class indices, one per box.
	Labels []int `json:"labels" yaml:"labels"`
	// Scores are the detection confidences, one per box.
	Scores []float32 `json:"scores" yaml:"scores"`
}

// Len returns the number of detections.
func (d Detections) Len() int {
	return len(d.Boxes)
}

// Validate checks that the parallel slices have matching lengths.
func (d Detections) Validate() error {
	if len(d.Labels) != len(d.Boxes) || len(d.Scores) != len(d.Boxes) {
		return errors.Errorf("detections have %d boxes, %d labels and %d scores",
			len(d.Boxes), len(d.Labels), len(d.Scores))
	}
	return nil
}

// Select returns the detections at the given indices, in that order.
func (d Detections) Select(idx []int) Detections {
	out := Detections{
		Boxes:  make([]Box, len(idx)),
		Labels: make([]int, len(idx)),
		Scores: make([]float32, len(idx)),
	}
	for i, k := range idx {
		out.Boxes[i] = d.Boxes[k]
		out.Labels[i] = d.Labels[k]
		out.Scores[i] = d.Scores[k]
	}
	return out
}

// CountLabel returns how many detections carry the given label.
func (d Detections) CountLabel(label int) int {
	n := 0
	for _, l := range d.Labels {
		if l == label {
			n++
		}
	}
	return n
}

// Target holds the ground-truth interactions of a single image. Every entry i
// is one (human, object, interaction) triplet.
type Target struct {
	// BoxesH are the ground-truth human boxes.
	BoxesH []Box `json:"boxes_h" yaml:"boxes_h"`
	// BoxesO are the ground-truth object boxes.
	BoxesO []Box `json:"boxes_o" yaml:"boxes_o"`
	// Object holds the object class index of each pair.
	Object []int `json:"object" yaml:"object"`
	// Labels holds the interaction class index of each pair.
	Labels []int `json:"labels" yaml:"labels"`
}

// Len returns the number of ground-truth pairs.
func (t Target) Len() int {
	return len(t.BoxesH)
}

// Validate checks that the parallel slices have matching lengths.
func (t Target) Validate() error {
	n := len(t.BoxesH)
	if len(t.BoxesO) != n || len(t.Object) != n || len(t.Labels) != n {
		return errors.Errorf("target has %d human boxes, %d object boxes, %d objects and %d labels",
			n, len(t.BoxesO), len(t.Object), len(t.Labels))
	}
	return nil
}
