package assign

import (
	"github.com/okieraised/go-anchor-target/utils"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// AssignResult holds the outcome of matching anchors to ground truth.
//
// GtInds[i] is 0 when anchor i is background, -1 when it is ignored and k > 0 when it is
// matched to ground-truth box k-1. Labels is nil unless labels were passed to the assigner.
type AssignResult struct {
	NumGts      int
	GtInds      []int
	MaxOverlaps []float32
	Labels      []int
}

func NewAssignResult(numGts int, gtInds []int, maxOverlaps []float32, labels []int) *AssignResult {
	return &AssignResult{
		NumGts:      numGts,
		GtInds:      gtInds,
		MaxOverlaps: maxOverlaps,
		Labels:      labels,
	}
}

func (r *AssignResult) NumAnchors() int {
	return len(r.GtInds)
}

func (r *AssignResult) IsPositive(i int) bool {
	return r.GtInds[i] > 0
}

func (r *AssignResult) IsNegative(i int) bool {
	return r.GtInds[i] == 0
}

// PositiveIndices returns the positive anchor positions in ascending order.
func (r *AssignResult) PositiveIndices() []int {
	inds := make([]int, 0)
	for i, g := range r.GtInds {
		if g > 0 {
			inds = append(inds, i)
		}
	}
	return inds
}

// NegativeIndices returns the background anchor positions in ascending order.
func (r *AssignResult) NegativeIndices() []int {
	inds := make([]int, 0)
	for i, g := range r.GtInds {
		if g == 0 {
			inds = append(inds, i)
		}
	}
	return inds
}

// Assigner matches anchors (N, 4) to ground-truth boxes (M, 4). gtIgnore (K, 4) and
// gtLabels (M) are optional and may be nil. Implementations must not keep state between
// calls so that one Assigner can serve several images at once.
type Assigner interface {
	Assign(anchors, gtBoxes, gtIgnore, gtLabels *tensor.Dense) (*AssignResult, error)
}

func numRows(name string, t *tensor.Dense) (int, error) {
	if t == nil {
		return 0, nil
	}
	shape := t.Shape()
	if len(shape) != 2 || shape[1] != 4 {
		if t.Shape().TotalSize() == 0 {
			return 0, nil
		}
		return 0, errors.Errorf("%s must have shape (N, 4), got %v", name, shape)
	}
	return shape[0], nil
}

func labelsOf(gtLabels *tensor.Dense, numGts int) ([]int, error) {
	if gtLabels == nil {
		return nil, nil
	}
	labels, err := utils.Backing[int](gtLabels)
	if err != nil {
		return nil, errors.Wrap(err, "gt labels")
	}
	if len(labels) != numGts {
		return nil, errors.Errorf("got %d gt labels for %d gt boxes", len(labels), numGts)
	}
	return labels, nil
}
