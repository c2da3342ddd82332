// Package features - feature pyramid containers and region pooling.
package features

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-hoi/common"
)

// Map is one image's feature map at a single pyramid level, stored
// channel-major as (Channels, Height, Width).
type Map struct {
	Channels int
	Height   int
	Width    int
	Data     []float32
}

// At returns the value of channel c at (y, x).
func (m Map) At(c, y, x int) float32 {
	return m.Data[(c*m.Height+y)*m.Width+x]
}

// Validate checks that the backing slice matches the declared shape.
func (m Map) Validate() error {
	if m.Channels <= 0 || m.Height <= 0 || m.Width <= 0 {
		return errors.Errorf("feature map has invalid shape (%d, %d, %d)", m.Channels, m.Height, m.Width)
	}
	if len(m.Data) != m.Channels*m.Height*m.Width {
		return errors.Errorf("feature map of shape (%d, %d, %d) has %d values",
			m.Channels, m.Height, m.Width, len(m.Data))
	}
	return nil
}

// Level holds the feature maps of every image in the batch at one pyramid level.
type Level struct {
	Name string
	Maps []Map
}

// Pyramid is a named set of feature levels.
type Pyramid struct {
	Levels []Level
}

// Level returns the level with the given name.
func (p Pyramid) Level(name string) (Level, error) {
	for _, l := range p.Levels {
		if l.Name == name {
			return l, nil
		}
	}
	return Level{}, errors.Errorf("feature pyramid has no level %q", name)
}

// Pooler extracts a fixed-size feature for every box of every image.
type Pooler interface {
	// Pool returns a (total boxes x feature size) tensor with the boxes of
	// image 0 first, then image 1 and so on.
	Pool(p Pyramid, boxes [][]common.Box, shapes []common.ImageShape) (*tensor.Dense, error)
}

// GlobalAverage averages every feature map of a level over its spatial extent.
//
// Arguments:
//   - level: The pyramid level to pool.
//
// Returns:
//   - A (images x channels) tensor.
//   - An error if the maps are malformed or have different channel counts.
func GlobalAverage(level Level) (*tensor.Dense, error) {
	if len(level.Maps) == 0 {
		return nil, errors.Errorf("level %q has no feature maps", level.Name)
	}
	c := level.Maps[0].Channels
	out := make([]float32, len(level.Maps)*c)
	for b, m := range level.Maps {
		if err := m.Validate(); err != nil {
			return nil, errors.Wrapf(err, "level %q image %d", level.Name, b)
		}
		if m.Channels != c {
			return nil, errors.Errorf("level %q image %d has %d channels, expected %d", level.Name, b, m.Channels, c)
		}
		area := m.Height * m.Width
		for ch := 0; ch < c; ch++ {
			var sum float32
			for _, v := range m.Data[ch*area : (ch+1)*area] {
				sum += v
			}
			out[b*c+ch] = sum / float32(area)
		}
	}
	return tensor.New(tensor.WithShape(len(level.Maps), c), tensor.WithBacking(out)), nil
}
