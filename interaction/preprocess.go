package interaction

import (
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-hoi/common"
	"github.com/nvr-ai/go-hoi/models/postprocess"
)

// Preprocess turns raw detections into bounded, humans-first candidate sets.
//
// For every image: ground-truth boxes are optionally prepended as detections
// with score 1, detections scoring below the score threshold are dropped,
// class-wise NMS is applied, and at most MaxHuman humans and MaxObject other
// detections are kept in descending score order, humans first.
//
// Arguments:
//   - detections: Raw detections of each image.
//   - targets: Ground truth of each image. Only read when appendGT is set.
//   - appendGT: Whether to prepend the ground-truth boxes.
//
// Returns:
//   - The candidate detections of each image.
//   - An error for malformed detections or missing targets.
func (h *InteractionHead) Preprocess(detections []common.Detections, targets []common.Target, appendGT bool) ([]common.Detections, error) {
	if appendGT && len(targets) != len(detections) {
		return nil, errors.Errorf("appending ground truth needs one target per image, got %d for %d images",
			len(targets), len(detections))
	}

	out := make([]common.Detections, len(detections))
	for i, d := range detections {
		if err := d.Validate(); err != nil {
			return nil, errors.Wrapf(err, "image %d", i)
		}
		if appendGT {
			if err := targets[i].Validate(); err != nil {
				return nil, errors.Wrapf(err, "image %d", i)
			}
			d = h.withGroundTruth(d, targets[i])
		}
		for k, l := range d.Labels {
			if l < 0 || l >= h.cfg.NumObjectClasses {
				return nil, errors.Errorf("image %d: detection %d has object class %d, outside [0, %d)",
					i, k, l, h.cfg.NumObjectClasses)
			}
		}
		out[i] = h.candidates(d)
	}
	return out, nil
}

// withGroundTruth prepends the ground-truth human boxes, then the ground-truth
// object boxes, as detections with score 1.
func (h *InteractionHead) withGroundTruth(d common.Detections, t common.Target) common.Detections {
	n := t.Len()
	out := common.Detections{
		Boxes:  make([]common.Box, 0, 2*n+d.Len()),
		Labels: make([]int, 0, 2*n+d.Len()),
		Scores: make([]float32, 0, 2*n+d.Len()),
	}
	out.Boxes = append(append(append(out.Boxes, t.BoxesH...), t.BoxesO...), d.Boxes...)
	for k := 0; k < n; k++ {
		out.Labels = append(out.Labels, h.cfg.HumanIndex)
	}
	out.Labels = append(append(out.Labels, t.Object...), d.Labels...)
	for k := 0; k < 2*n; k++ {
		out.Scores = append(out.Scores, 1)
	}
	out.Scores = append(out.Scores, d.Scores...)
	return out
}

// candidates filters, suppresses, caps and reorders one image's detections.
func (h *InteractionHead) candidates(d common.Detections) common.Detections {
	active := make([]int, 0, d.Len())
	for k, s := range d.Scores {
		if s >= h.cfg.BoxScoreThreshold {
			active = append(active, k)
		}
	}
	d = d.Select(active)

	// BatchedNMS returns the kept boxes in descending score order.
	keep := postprocess.BatchedNMS(d.Boxes, d.Scores, d.Labels, h.cfg.BoxNMSThreshold)

	humans := make([]int, 0, h.cfg.MaxHuman)
	objects := make([]int, 0, h.cfg.MaxObject)
	for _, k := range keep {
		if d.Labels[k] == h.cfg.HumanIndex {
			if len(humans) < h.cfg.MaxHuman {
				humans = append(humans, k)
			}
		} else if len(objects) < h.cfg.MaxObject {
			objects = append(objects, k)
		}
	}
	return d.Select(append(humans, objects...))
}
