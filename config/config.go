// Package config - configuration of the interaction head.
package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/nvr-ai/go-hoi/common"
	"github.com/nvr-ai/go-hoi/models"
)

// LossWeights scales each loss term in the total that is differentiated.
type LossWeights struct {
	HOI             float32 `json:"hoi" yaml:"hoi" validate:"gte=0"`
	Interactiveness float32 `json:"interactiveness" yaml:"interactiveness" validate:"gte=0"`
}

// Config holds every construction-time parameter of the interaction head.
type Config struct {
	// Dataset properties.
	HumanIndex       int `json:"human_index" yaml:"human_index" validate:"gte=0"`
	NumClasses       int `json:"num_classes" yaml:"num_classes" validate:"gt=0"`
	NumObjectClasses int `json:"num_object_classes" yaml:"num_object_classes" validate:"gt=0"`

	// Preprocessing.
	BoxNMSThreshold   float32 `json:"box_nms_thresh" yaml:"box_nms_thresh" validate:"gte=0,lte=1"`
	BoxScoreThreshold float32 `json:"box_score_thresh" yaml:"box_score_thresh" validate:"gte=0,lte=1"`
	MaxHuman          int     `json:"max_human" yaml:"max_human" validate:"gte=0"`
	MaxObject         int     `json:"max_object" yaml:"max_object" validate:"gte=0"`
	// AppendGT forces ground-truth boxes in or out of the candidate set. Nil
	// appends them when training only.
	AppendGT *bool `json:"append_gt,omitempty" yaml:"append_gt,omitempty"`

	// Graph head.
	OutChannels               int     `json:"out_channels" yaml:"out_channels" validate:"gt=0"`
	RoIPoolSize               int     `json:"roi_pool_size" yaml:"roi_pool_size" validate:"gt=0"`
	NodeEncodingSize          int     `json:"node_encoding_size" yaml:"node_encoding_size" validate:"gt=0"`
	RepresentationSize        int     `json:"representation_size" yaml:"representation_size" validate:"gt=0"`
	SpatialEncodingSize       int     `json:"spatial_encoding_size" yaml:"spatial_encoding_size" validate:"gt=0"`
	SpatialHidden             []int   `json:"spatial_hidden" yaml:"spatial_hidden" validate:"dive,gt=0"`
	SpatialRepresentationSize int     `json:"spatial_representation_size" yaml:"spatial_representation_size" validate:"gt=0"`
	Cardinality               int     `json:"cardinality" yaml:"cardinality" validate:"gt=0"`
	NumIter                   int     `json:"num_iter" yaml:"num_iter" validate:"gte=1"`
	FgIoUThreshold            float32 `json:"fg_iou_thresh" yaml:"fg_iou_thresh" validate:"gte=0,lte=1"`
	GlobalFeatureLevel        string  `json:"global_feature_level" yaml:"global_feature_level" validate:"required"`
	// RoIFeatureLevel is the pyramid level the default pooler samples boxes from.
	RoIFeatureLevel string `json:"roi_feature_level" yaml:"roi_feature_level" validate:"required"`

	// Losses.
	Gamma                float32     `json:"gamma" yaml:"gamma" validate:"gte=0"`
	InteractivenessGamma float32     `json:"interactiveness_gamma" yaml:"interactiveness_gamma" validate:"gte=0"`
	FocalAlpha           float32     `json:"focal_alpha" yaml:"focal_alpha" validate:"gte=0,lte=1"`
	LossWeights          LossWeights `json:"loss_weights" yaml:"loss_weights"`
	LearningRate         float64     `json:"learning_rate" yaml:"learning_rate" validate:"gt=0"`

	// Distributed divides the positive count by the world size after the
	// all-reduce.
	Distributed bool `json:"distributed" yaml:"distributed"`
}

// DefaultConfig returns the reference HICO-DET configuration.
//
// Returns:
//   - Config: The default configuration.
//
// @example
// cfg := config.DefaultConfig()
// cfg.NumIter = 2
// head, err := interaction.New(cfg, corr, params, logger)
func DefaultConfig() Config {
	return Config{
		HumanIndex:                models.HICODet.HumanIndex,
		NumClasses:                models.HICODet.NumClasses,
		NumObjectClasses:          models.HICODet.NumObjectClasses,
		BoxNMSThreshold:           0.5,
		BoxScoreThreshold:         0.2,
		MaxHuman:                  15,
		MaxObject:                 15,
		OutChannels:               256,
		RoIPoolSize:               7,
		NodeEncodingSize:          1024,
		RepresentationSize:        1024,
		SpatialEncodingSize:       36,
		SpatialHidden:             []int{128, 256},
		SpatialRepresentationSize: 1024,
		Cardinality:               16,
		NumIter:                   1,
		FgIoUThreshold:            0.5,
		GlobalFeatureLevel:        "3",
		RoIFeatureLevel:           "0",
		Gamma:                     0.5,
		InteractivenessGamma:      0.5,
		FocalAlpha:                0.5,
		LossWeights:               LossWeights{HOI: 1, Interactiveness: 1},
		LearningRate:              1e-4,
	}
}

// ForDataset returns the default configuration with the class layout of a
// dataset.
func ForDataset(p models.Properties) Config {
	cfg := DefaultConfig()
	cfg.HumanIndex = p.HumanIndex
	cfg.NumClasses = p.NumClasses
	cfg.NumObjectClasses = p.NumObjectClasses
	return cfg
}

var validate = validator.New()

// Validate checks field ranges and the constraints between fields.
//
// Returns:
//   - A *common.ConfigurationError naming the first offending field, or nil.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return common.NewConfigurationError(fe.Namespace(), "failed %q check with value %v", fe.Tag(), fe.Value())
		}
		return common.NewConfigurationError("config", "%v", err)
	}
	if c.HumanIndex >= c.NumObjectClasses {
		return common.NewConfigurationError("HumanIndex", "%d is not an object class (have %d)", c.HumanIndex, c.NumObjectClasses)
	}
	if c.NodeEncodingSize != c.RepresentationSize {
		return common.NewConfigurationError("RepresentationSize",
			"messages of width %d cannot be added to node encodings of width %d", c.RepresentationSize, c.NodeEncodingSize)
	}
	if c.RepresentationSize%c.Cardinality != 0 {
		return common.NewConfigurationError("RepresentationSize", "%d is not divisible by cardinality %d", c.RepresentationSize, c.Cardinality)
	}
	return nil
}

// AppendGroundTruth reports whether ground-truth boxes join the candidate set.
func (c *Config) AppendGroundTruth(training bool) bool {
	if c.AppendGT != nil {
		return *c.AppendGT
	}
	return training
}

// ParseConfigYAML parses a Config from YAML bytes over the defaults and
// validates it. Fields missing from the YAML keep their default values.
func ParseConfigYAML(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// LoadConfig reads, parses and validates a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return ParseConfigYAML(data)
}
