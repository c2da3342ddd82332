package features

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-hoi/common"
)

// AlignPooler is a RoI-align pooler over a single pyramid level. Each box is
// divided into OutputSize x OutputSize bins and every bin is the average of
// bilinearly sampled points.
type AlignPooler struct {
	// Level is the name of the pyramid level to sample from.
	Level string
	// OutputSize is the number of bins along each side.
	OutputSize int
	// SamplingRatio is the number of sample points per bin side. Values <= 0
	// pick ceil(bin size) adaptively.
	SamplingRatio int
}

// NewAlignPooler creates a pooler sampling 2x2 points per bin.
func NewAlignPooler(level string, outputSize int) *AlignPooler {
	return &AlignPooler{Level: level, OutputSize: outputSize, SamplingRatio: 2}
}

// FeatureSize returns the pooled width of one box for a map with the given
// channel count.
func (a *AlignPooler) FeatureSize(channels int) int {
	return channels * a.OutputSize * a.OutputSize
}

// Pool implements Pooler. Box coordinates are in image space and are scaled
// to the map by the ratio of map width to image width.
func (a *AlignPooler) Pool(p Pyramid, boxes [][]common.Box, shapes []common.ImageShape) (*tensor.Dense, error) {
	if a.OutputSize <= 0 {
		return nil, common.NewConfigurationError("OutputSize", "must be positive, got %d", a.OutputSize)
	}
	level, err := p.Level(a.Level)
	if err != nil {
		return nil, err
	}
	if len(level.Maps) != len(boxes) || len(shapes) != len(boxes) {
		return nil, errors.Errorf("pooling %d box sets with %d feature maps and %d image shapes",
			len(boxes), len(level.Maps), len(shapes))
	}

	total := 0
	for _, b := range boxes {
		total += len(b)
	}
	if total == 0 {
		return nil, errors.New("no boxes to pool")
	}
	channels := level.Maps[0].Channels
	size := a.FeatureSize(channels)
	out := make([]float32, total*size)

	row := 0
	for img, bs := range boxes {
		m := level.Maps[img]
		if err := m.Validate(); err != nil {
			return nil, errors.Wrapf(err, "image %d", img)
		}
		if m.Channels != channels {
			return nil, errors.Errorf("image %d has %d channels, expected %d", img, m.Channels, channels)
		}
		if shapes[img].Height <= 0 || shapes[img].Width <= 0 {
			return nil, errors.Errorf("image %d has shape %dx%d", img, shapes[img].Height, shapes[img].Width)
		}
		scale := float32(m.Width) / float32(shapes[img].Width)
		for _, box := range bs {
			a.poolBox(m, box, scale, out[row*size:(row+1)*size])
			row++
		}
	}
	return tensor.New(tensor.WithShape(total, size), tensor.WithBacking(out)), nil
}

func (a *AlignPooler) poolBox(m Map, box common.Box, scale float32, dst []float32) {
	s := a.OutputSize
	x1, y1 := box.X1*scale, box.Y1*scale
	roiW := math32.Max(box.X2*scale-x1, 1)
	roiH := math32.Max(box.Y2*scale-y1, 1)
	binW, binH := roiW/float32(s), roiH/float32(s)

	gridW, gridH := a.SamplingRatio, a.SamplingRatio
	if gridW <= 0 {
		gridW = int(math32.Ceil(binW))
		gridH = int(math32.Ceil(binH))
	}
	count := float32(gridW * gridH)

	for c := 0; c < m.Channels; c++ {
		for ph := 0; ph < s; ph++ {
			for pw := 0; pw < s; pw++ {
				var sum float32
				for iy := 0; iy < gridH; iy++ {
					y := y1 + float32(ph)*binH + (float32(iy)+0.5)*binH/float32(gridH)
					for ix := 0; ix < gridW; ix++ {
						x := x1 + float32(pw)*binW + (float32(ix)+0.5)*binW/float32(gridW)
						sum += bilinear(m, c, y, x)
					}
				}
				dst[(c*s+ph)*s+pw] = sum / count
			}
		}
	}
}

// bilinear samples channel c at a fractional location. Points more than one
// pixel outside the map read as zero; points just outside are clamped.
func bilinear(m Map, c int, y, x float32) float32 {
	if y < -1 || y > float32(m.Height) || x < -1 || x > float32(m.Width) {
		return 0
	}
	y = math32.Max(y, 0)
	x = math32.Max(x, 0)

	yLow, xLow := int(y), int(x)
	var yHigh, xHigh int
	if yLow >= m.Height-1 {
		yLow, yHigh = m.Height-1, m.Height-1
		y = float32(yLow)
	} else {
		yHigh = yLow + 1
	}
	if xLow >= m.Width-1 {
		xLow, xHigh = m.Width-1, m.Width-1
		x = float32(xLow)
	} else {
		xHigh = xLow + 1
	}

	ly, lx := y-float32(yLow), x-float32(xLow)
	hy, hx := 1-ly, 1-lx
	return hy*hx*m.At(c, yLow, xLow) + hy*lx*m.At(c, yLow, xHigh) +
		ly*hx*m.At(c, yHigh, xLow) + ly*lx*m.At(c, yHigh, xHigh)
}
