package assign

import (
	"github.com/okieraised/go-anchor-target/config"
	"github.com/okieraised/go-anchor-target/processing"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"
)

// MaxIoUAssigner assigns each anchor to the ground-truth box it overlaps most.
//
// Every anchor starts ignored. Anchors whose best IoU falls in [NegIoUThr[0], NegIoUThr[1])
// become background and those reaching PosIoUThr become positive. Then every ground-truth box
// claims its best anchor (all tied anchors when GtMaxAssignAll is set) as long as that IoU is at
// least MinPosIoU, so a box is not left without an anchor. Anchors covered by an ignore region
// with IoF above IgnoreIoFThr stay ignored; a non-positive IgnoreIoFThr disables that check.
type MaxIoUAssigner struct {
	PosIoUThr      float32
	NegIoUThr      [2]float32
	MinPosIoU      float32
	GtMaxAssignAll bool
	IgnoreIoFThr   float32
}

func NewMaxIoUAssigner(params config.AssignerParams) (*MaxIoUAssigner, error) {
	if params.NegIoUThr[0] > params.NegIoUThr[1] {
		return nil, errors.Wrapf(processing.ErrInvalidArgument, "negative IoU range [%v, %v) is empty", params.NegIoUThr[0], params.NegIoUThr[1])
	}
	if params.PosIoUThr < params.NegIoUThr[1] {
		return nil, errors.Wrapf(processing.ErrInvalidArgument, "positive IoU threshold %v is below the negative range", params.PosIoUThr)
	}
	return &MaxIoUAssigner{
		PosIoUThr:      params.PosIoUThr,
		NegIoUThr:      params.NegIoUThr,
		MinPosIoU:      params.MinPosIoU,
		GtMaxAssignAll: params.GtMaxAssignAll,
		IgnoreIoFThr:   params.IgnoreIoFThr,
	}, nil
}

func (a *MaxIoUAssigner) Assign(anchors, gtBoxes, gtIgnore, gtLabels *tensor.Dense) (*AssignResult, error) {
	numAnchors, err := numRows("anchors", anchors)
	if err != nil {
		return nil, err
	}
	numGts, err := numRows("gt boxes", gtBoxes)
	if err != nil {
		return nil, err
	}
	labels, err := labelsOf(gtLabels, numGts)
	if err != nil {
		return nil, err
	}

	gtInds := make([]int, numAnchors)
	maxOverlaps := make([]float32, numAnchors)
	if numGts == 0 || numAnchors == 0 {
		// Nothing to match against: every anchor is background.
		return NewAssignResult(numGts, gtInds, maxOverlaps, assignedLabels(gtInds, labels)), nil
	}

	overlaps, err := processing.BBoxOverlaps(anchors, gtBoxes, processing.IoU)
	if err != nil {
		return nil, errors.Wrap(err, "anchor/gt overlaps")
	}

	numIgnore, err := numRows("gt ignore boxes", gtIgnore)
	if err != nil {
		return nil, err
	}
	if a.IgnoreIoFThr > 0 && numIgnore > 0 {
		iof, err := processing.BBoxOverlaps(anchors, gtIgnore, processing.IoF)
		if err != nil {
			return nil, errors.Wrap(err, "anchor/ignore overlaps")
		}
		for i := 0; i < numAnchors; i++ {
			if mat.Max(iof.RowView(i)) > float64(a.IgnoreIoFThr) {
				for j := 0; j < numGts; j++ {
					overlaps.Set(i, j, -1)
				}
			}
		}
	}

	a.assignWrtOverlaps(overlaps, gtInds, maxOverlaps)
	return NewAssignResult(numGts, gtInds, maxOverlaps, assignedLabels(gtInds, labels)), nil
}

// assignWrtOverlaps fills gtInds and maxOverlaps from the (anchors, gts) overlap matrix.
func (a *MaxIoUAssigner) assignWrtOverlaps(overlaps *mat.Dense, gtInds []int, maxOverlaps []float32) {
	numAnchors, numGts := overlaps.Dims()

	argmax := make([]int, numAnchors)
	for i := 0; i < numAnchors; i++ {
		best, bestJ := overlaps.At(i, 0), 0
		for j := 1; j < numGts; j++ {
			if v := overlaps.At(i, j); v > best {
				best, bestJ = v, j
			}
		}
		argmax[i] = bestJ
		maxOverlaps[i] = float32(best)
		gtInds[i] = -1
	}

	for i := 0; i < numAnchors; i++ {
		if maxOverlaps[i] >= a.NegIoUThr[0] && maxOverlaps[i] < a.NegIoUThr[1] {
			gtInds[i] = 0
		}
	}

	for i := 0; i < numAnchors; i++ {
		if maxOverlaps[i] >= a.PosIoUThr {
			gtInds[i] = argmax[i] + 1
		}
	}

	for j := 0; j < numGts; j++ {
		col := overlaps.ColView(j)
		gtMax := mat.Max(col)
		if float32(gtMax) < a.MinPosIoU || gtMax <= 0 {
			continue
		}
		if a.GtMaxAssignAll {
			for i := 0; i < numAnchors; i++ {
				if col.AtVec(i) == gtMax {
					gtInds[i] = j + 1
				}
			}
			continue
		}
		for i := 0; i < numAnchors; i++ {
			if col.AtVec(i) == gtMax {
				gtInds[i] = j + 1
				break
			}
		}
	}
}

func assignedLabels(gtInds, labels []int) []int {
	if labels == nil {
		return nil
	}
	out := make([]int, len(gtInds))
	for i, g := range gtInds {
		if g > 0 {
			out[i] = labels[g-1]
		}
	}
	return out
}
