// Package models - Dataset properties and output class sets.
package models

import "fmt"

// OutputClass represents one detection label.
type OutputClass struct {
	// The integer index returned by the detector.
	Index int
	// The human-readable label.
	Name string
}

// OutputClassSet ties a dataset to its full list of object labels.
type OutputClassSet struct {
	// Class set identifier.
	Style Dataset
	// Classes that are supported and mappable.
	Classes []OutputClass
	// nameToIdx for fast lookup by name
	nameToIdx map[string]int
}

// BuildNameIndexMap builds or rebuilds the name->index map.
func (s *OutputClassSet) BuildNameIndexMap() {
	s.nameToIdx = make(map[string]int, len(s.Classes))
	for _, c := range s.Classes {
		s.nameToIdx[c.Name] = c.Index
	}
}

// Name returns the class name for an index, or an error when it is out of range.
func (s *OutputClassSet) Name(idx int) (string, error) {
	if idx < 0 || idx >= len(s.Classes) {
		return "", fmt.Errorf("index %d out of range for style %q", idx, s.Style)
	}
	return s.Classes[idx].Name, nil
}

// Index returns the class index for a name.
func (s *OutputClassSet) Index(name string) (int, error) {
	if s.nameToIdx == nil {
		s.BuildNameIndexMap()
	}
	idx, ok := s.nameToIdx[name]
	if !ok {
		return -1, fmt.Errorf("name %q not found in style %q", name, s.Style)
	}
	return idx, nil
}

func classList(names ...string) []OutputClass {
	classes := make([]OutputClass, len(names))
	for i, n := range names {
		classes[i] = OutputClass{Index: i, Name: n}
	}
	return classes
}

// HICODetObjects is the 80 HICO-DET object classes in alphabetical order.
// "person" sits at index 49.
var HICODetObjects = OutputClassSet{
	Style: DatasetHICODet,
	Classes: classList(
		"airplane", "apple", "backpack", "banana", "baseball_bat", "baseball_glove", "bear", "bed",
		"bench", "bicycle", "bird", "boat", "book", "bottle", "bowl", "broccoli", "bus", "cake",
		"car", "carrot", "cat", "cell_phone", "chair", "clock", "couch", "cow", "cup",
		"dining_table", "dog", "donut", "elephant", "fire_hydrant", "fork", "frisbee", "giraffe",
		"hair_drier", "handbag", "horse", "hot_dog", "keyboard", "kite", "knife", "laptop",
		"microwave", "motorcycle", "mouse", "orange", "oven", "parking_meter", "person", "pizza",
		"potted_plant", "refrigerator", "remote", "sandwich", "scissors", "sheep", "sink",
		"skateboard", "skis", "snowboard", "spoon", "sports_ball", "stop_sign", "suitcase",
		"surfboard", "teddy_bear", "tennis_racket", "tie", "toaster", "toilet", "toothbrush",
		"traffic_light", "train", "truck", "tv", "umbrella", "vase", "wine_glass", "zebra",
	),
}

// COCOObjects is the 80 COCO classes plus "__background__" at index 0, as used
// by V-COCO. "person" sits at index 1.
var COCOObjects = OutputClassSet{
	Style: DatasetVCOCO,
	Classes: classList(
		"__background__", "person", "bicycle", "car", "motorcycle", "airplane", "bus", "train",
		"truck", "boat", "traffic light", "fire hydrant", "stop sign", "parking meter", "bench",
		"bird", "cat", "dog", "horse", "sheep", "cow", "elephant", "bear", "zebra", "giraffe",
		"backpack", "umbrella", "handbag", "tie", "suitcase", "frisbee", "skis", "snowboard",
		"sports ball", "kite", "baseball bat", "baseball glove", "skateboard", "surfboard",
		"tennis racket", "bottle", "wine glass", "cup", "fork", "knife", "spoon", "bowl", "banana",
		"apple", "sandwich", "orange", "broccoli", "carrot", "hot dog", "pizza", "donut", "cake",
		"chair", "couch", "potted plant", "bed", "dining table", "toilet", "tv", "laptop", "mouse",
		"remote", "keyboard", "cell phone", "microwave", "oven", "toaster", "sink", "refrigerator",
		"book", "clock", "vase", "scissors", "teddy bear", "hair drier", "toothbrush",
	),
}

// LookupName returns the object class name for a dataset and index.
// If index is out of range or the dataset is unknown, it returns an empty string.
func LookupName(style Dataset, idx int) string {
	for _, set := range []*OutputClassSet{&HICODetObjects, &COCOObjects} {
		if set.Style == style {
			name, err := set.Name(idx)
			if err != nil {
				return ""
			}
			return name
		}
	}
	return ""
}
