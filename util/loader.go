// Package util - loading per-image detections and targets from disk.
package util

import (
	"os"
	"path/filepath"
	"sort"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-hoi/common"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DetectionFile is one image's record on disk.
type DetectionFile struct {
	// Path is the path to the file.
	Path string `json:"-"`
	// Boxes holds [x1, y1, x2, y2] per detection.
	Boxes [][]float32 `json:"boxes"`
	// Labels holds the object class of each detection.
	Labels []int `json:"labels"`
	// Scores holds the confidence of each detection.
	Scores []float32 `json:"scores"`
	// Height and Width give the image size when known.
	Height int `json:"height,omitempty"`
	Width  int `json:"width,omitempty"`
	// Target holds the ground truth when the file carries it.
	Target *TargetFile `json:"target,omitempty"`
}

// TargetFile is the ground truth of one image on disk.
type TargetFile struct {
	BoxesH [][]float32 `json:"boxes_h"`
	BoxesO [][]float32 `json:"boxes_o"`
	Object []int       `json:"object"`
	Labels []int       `json:"labels"`
}

// LoadDetectionFiles reads every *.json file of a directory, sorted by name.
//
// Arguments:
//   - dir: Directory path containing one JSON file per image.
//
// Returns:
//   - []DetectionFile: One record per file.
//   - error: Error if reading or parsing fails.
func LoadDetectionFiles(dir string) ([]DetectionFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []DetectionFile
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		f := DetectionFile{Path: path}
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, errors.Wrapf(err, "parsing %s", path)
		}
		files = append(files, f)
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].Path < files[j].Path
	})
	return files, nil
}

// Detections converts the record into validated detections.
func (f DetectionFile) Detections() (common.Detections, error) {
	boxes, err := toBoxes(f.Boxes)
	if err != nil {
		return common.Detections{}, errors.Wrap(err, f.Path)
	}
	d := common.Detections{Boxes: boxes, Labels: f.Labels, Scores: f.Scores}
	if err := d.Validate(); err != nil {
		return common.Detections{}, errors.Wrap(err, f.Path)
	}
	return d, nil
}

// Shape returns the image size, or fallback when the file does not give one.
func (f DetectionFile) Shape(fallback common.ImageShape) common.ImageShape {
	if f.Height > 0 && f.Width > 0 {
		return common.ImageShape{Height: f.Height, Width: f.Width}
	}
	return fallback
}

// GroundTruth converts the target record. It returns nil without a target.
func (f DetectionFile) GroundTruth() (*common.Target, error) {
	if f.Target == nil {
		return nil, nil
	}
	boxesH, err := toBoxes(f.Target.BoxesH)
	if err != nil {
		return nil, errors.Wrap(err, f.Path)
	}
	boxesO, err := toBoxes(f.Target.BoxesO)
	if err != nil {
		return nil, errors.Wrap(err, f.Path)
	}
	t := &common.Target{BoxesH: boxesH, BoxesO: boxesO, Object: f.Target.Object, Labels: f.Target.Labels}
	if err := t.Validate(); err != nil {
		return nil, errors.Wrap(err, f.Path)
	}
	return t, nil
}

func toBoxes(coords [][]float32) ([]common.Box, error) {
	boxes := make([]common.Box, len(coords))
	for i, c := range coords {
		b, err := common.NewBox(c)
		if err != nil {
			return nil, errors.Wrapf(err, "box %d", i)
		}
		boxes[i] = b
	}
	return boxes, nil
}

// FilterDetections drops humans scoring below humanThresh and other
// detections scoring below objectThresh, keeping the original order.
func FilterDetections(d common.Detections, humanIndex int, humanThresh, objectThresh float32) common.Detections {
	keep := make([]int, 0, d.Len())
	for i, l := range d.Labels {
		thresh := objectThresh
		if l == humanIndex {
			thresh = humanThresh
		}
		if d.Scores[i] >= thresh {
			keep = append(keep, i)
		}
	}
	return d.Select(keep)
}
