package graphhead

import "github.com/nvr-ai/go-hoi/common"

// Arena locates each image's rows inside batch-level arrays that concatenate
// the detections of every image.
type Arena struct {
	// Counts holds the number of detections of each image.
	Counts []int
	// Offsets holds the first row of each image; Offsets[len(Counts)] is the total.
	Offsets []int
}

// NewArena computes the counts and cumulative offsets of a batch.
func NewArena(detections []common.Detections) Arena {
	a := Arena{
		Counts:  make([]int, len(detections)),
		Offsets: make([]int, len(detections)+1),
	}
	for i, d := range detections {
		a.Counts[i] = d.Len()
		a.Offsets[i+1] = a.Offsets[i] + a.Counts[i]
	}
	return a
}

// Len returns the number of images.
func (a Arena) Len() int {
	return len(a.Counts)
}

// Total returns the number of rows across all images.
func (a Arena) Total() int {
	return a.Offsets[len(a.Counts)]
}

// Rows returns the row indices of image i.
func (a Arena) Rows(i int) []int {
	rows := make([]int, a.Counts[i])
	for k := range rows {
		rows[k] = a.Offsets[i] + k
	}
	return rows
}
