// Package spatial - encodes the geometric relationship between two boxes.
package spatial

import (
	"github.com/chewxy/math32"

	"github.com/nvr-ai/go-hoi/common"
)

const (
	// NumGeometric is the number of raw geometric features per pair.
	NumGeometric = 18
	// Size is the width of one pair encoding: the raw features followed by their logs.
	Size = 2 * NumGeometric

	eps = 1e-10
)

// Encode computes the spatial encoding of every (human, object) box pair of one
// image.
//
// The first NumGeometric values of a pair are, in order: the centre of each box
// normalised by the image size, each box's width and height normalised by the
// image size, each box's area over the image area, the object/human area
// ratio, each box's aspect ratio, the IoU of the two boxes, and four
// directional distances between the centres (right, left, below, above),
// normalised by the human box size. The next NumGeometric values are
// log(f + 1e-10) of each of those.
//
// Arguments:
//   - boxesH: The human box of each pair.
//   - boxesO: The object box of each pair. Must have the same length as boxesH.
//   - shape: The size of the image the boxes live in.
//
// Returns:
//   - A row-major (len(boxesH) x Size) slice.
//
// @example
// enc := spatial.Encode(boxesH, boxesO, common.ImageShape{Height: 480, Width: 640})
func Encode(boxesH, boxesO []common.Box, shape common.ImageShape) []float32 {
	out := make([]float32, len(boxesH)*Size)
	for p := range boxesH {
		encodePair(boxesH[p], boxesO[p], shape, out[p*Size:(p+1)*Size])
	}
	return out
}

func encodePair(b1, b2 common.Box, shape common.ImageShape, dst []float32) {
	h, w := float32(shape.Height), float32(shape.Width)

	c1x, c1y := b1.Center()
	c2x, c2y := b2.Center()
	b1w, b1h := b1.Width(), b1.Height()
	b2w, b2h := b2.Width(), b2.Height()

	dx := math32.Abs(c2x-c1x) / (b1w + eps)
	dy := math32.Abs(c2y-c1y) / (b1h + eps)

	f := dst[:NumGeometric]
	f[0], f[1] = c1x/w, c1y/h
	f[2], f[3] = c2x/w, c2y/h
	f[4], f[5] = b1w/w, b1h/h
	f[6], f[7] = b2w/w, b2h/h
	f[8] = b1w * b1h / (h * w)
	f[9] = b2w * b2h / (h * w)
	f[10] = b2w * b2h / (b1w*b1h + eps)
	f[11] = b1w / (b1h + eps)
	f[12] = b2w / (b2h + eps)
	f[13] = b1.IoU(b2)
	f[14] = step(c2x > c1x) * dx
	f[15] = step(c2x < c1x) * dx
	f[16] = step(c2y > c1y) * dy
	f[17] = step(c2y < c1y) * dy

	for i, v := range f {
		dst[NumGeometric+i] = math32.Log(v + eps)
	}
}

func step(b bool) float32 {
	if b {
		return 1
	}
	return 0
}
