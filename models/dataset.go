package models

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Dataset identifies an interaction dataset and, with it, its class taxonomy.
type Dataset string

const (
	// DatasetHICODet is HICO-DET: 117 verbs over 80 object classes.
	DatasetHICODet Dataset = "hicodet"
	// DatasetVCOCO is V-COCO: 24 actions over the COCO object classes.
	DatasetVCOCO Dataset = "vcoco"
)

// Properties are the fixed class-level facts of a dataset.
type Properties struct {
	Name Dataset `json:"name" yaml:"name"`
	// HumanIndex is the object class index of "person".
	HumanIndex int `json:"human_index" yaml:"human_index"`
	// NumClasses is the number of interaction classes.
	NumClasses int `json:"num_classes" yaml:"num_classes"`
	// NumObjectClasses is the number of object classes.
	NumObjectClasses int `json:"num_object_classes" yaml:"num_object_classes"`
}

// HICODet holds the HICO-DET properties.
var HICODet = Properties{Name: DatasetHICODet, HumanIndex: 49, NumClasses: 117, NumObjectClasses: 80}

// VCOCO holds the V-COCO properties.
var VCOCO = Properties{Name: DatasetVCOCO, HumanIndex: 1, NumClasses: 24, NumObjectClasses: 81}

// LookupDataset returns the properties of a known dataset.
func LookupDataset(name Dataset) (Properties, error) {
	switch name {
	case DatasetHICODet:
		return HICODet, nil
	case DatasetVCOCO:
		return VCOCO, nil
	default:
		return Properties{}, fmt.Errorf("unknown dataset: %s", name)
	}
}

// Correspondence maps an object class index to the interaction classes that
// object can take part in. The mapping is many-to-many: one object class maps
// to several interaction classes, and one interaction class may appear under
// several objects.
type Correspondence map[int][]int

// Targets returns the interaction classes for an object class. Object classes
// that are not mapped yield nil.
func (c Correspondence) Targets(object int) []int {
	return c[object]
}

// Validate checks that every mapped interaction class lies in [0, numClasses).
func (c Correspondence) Validate(numClasses int) error {
	objects := make([]int, 0, len(c))
	for o := range c {
		objects = append(objects, o)
	}
	sort.Ints(objects)
	for _, o := range objects {
		for _, t := range c[o] {
			if t < 0 || t >= numClasses {
				return fmt.Errorf("object %d maps to interaction class %d, outside [0, %d)", o, t, numClasses)
			}
		}
	}
	return nil
}

// ParseCorrespondenceYAML parses a correspondence from YAML bytes, e.g.
//
//	0: [4, 17, 25]
//	49: [36, 44]
func ParseCorrespondenceYAML(data []byte) (Correspondence, error) {
	var c Correspondence
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse correspondence yaml: %w", err)
	}
	return c, nil
}

// LoadCorrespondence loads and parses a correspondence file.
func LoadCorrespondence(path string) (Correspondence, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read correspondence file %s: %w", path, err)
	}
	c, err := ParseCorrespondenceYAML(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse correspondence file %s: %w", path, err)
	}
	return c, nil
}
