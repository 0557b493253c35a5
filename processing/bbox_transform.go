package processing

import (
	"github.com/chewxy/math32"
	"github.com/okieraised/go-anchor-target/utils"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"
)

// BoxEpsilon is the smallest width or height used when encoding; degenerate boxes are clamped to it.
const BoxEpsilon float32 = 1e-6

// DefaultWHRatioClip bounds the decoded log-scale deltas.
const DefaultWHRatioClip float32 = 16.0 / 1000

func boxRows(name string, t *tensor.Dense) ([]float32, int, error) {
	shape := t.Shape()
	if len(shape) != 2 || shape[1] != 4 {
		return nil, 0, errors.Wrapf(ErrInvalidArgument, "%s must have shape (N, 4), got %v", name, shape)
	}
	data, err := utils.Backing[float32](t)
	if err != nil {
		return nil, 0, errors.Wrap(err, name)
	}
	return data, shape[0], nil
}

// BBox2Delta encodes the transform from each proposal to its ground-truth box as
// (dx, dy, dw, dh), normalized by means and stds. Widths and heights follow the +1 pixel
// convention and are clamped to BoxEpsilon so degenerate boxes never yield NaN or Inf.
func BBox2Delta(proposals, gt *tensor.Dense, means, stds [4]float32) (*tensor.Dense, error) {
	p, n, err := boxRows("proposals", proposals)
	if err != nil {
		return nil, err
	}
	g, m, err := boxRows("gt", gt)
	if err != nil {
		return nil, err
	}
	if n != m {
		return nil, errors.Wrapf(ErrInvalidArgument, "got %d proposals and %d gt boxes", n, m)
	}
	for i, s := range stds {
		if s == 0 {
			return nil, errors.Wrapf(ErrInvalidArgument, "stds[%d] is zero", i)
		}
	}

	deltas := make([]float32, 4*n)
	for i := 0; i < n; i++ {
		px := (p[4*i] + p[4*i+2]) * 0.5
		py := (p[4*i+1] + p[4*i+3]) * 0.5
		pw := math32.Max(p[4*i+2]-p[4*i]+1, BoxEpsilon)
		ph := math32.Max(p[4*i+3]-p[4*i+1]+1, BoxEpsilon)

		gx := (g[4*i] + g[4*i+2]) * 0.5
		gy := (g[4*i+1] + g[4*i+3]) * 0.5
		gw := math32.Max(g[4*i+2]-g[4*i]+1, BoxEpsilon)
		gh := math32.Max(g[4*i+3]-g[4*i+1]+1, BoxEpsilon)

		d := [4]float32{
			(gx - px) / pw,
			(gy - py) / ph,
			math32.Log(gw / pw),
			math32.Log(gh / ph),
		}
		for j := 0; j < 4; j++ {
			deltas[4*i+j] = (d[j] - means[j]) / stds[j]
		}
	}

	return utils.NewDense(utils.DeviceOf(proposals), deltas, n, 4), nil
}

// Delta2BBox applies deltas produced by BBox2Delta to rois. dw and dh are clamped to
// |log(whRatioClip)|. When maxShape (height, width, ...) is given the result is clipped to it.
func Delta2BBox(rois, deltas *tensor.Dense, means, stds [4]float32, maxShape []int, whRatioClip float32) (*tensor.Dense, error) {
	r, n, err := boxRows("rois", rois)
	if err != nil {
		return nil, err
	}
	d, m, err := boxRows("deltas", deltas)
	if err != nil {
		return nil, err
	}
	if n != m {
		return nil, errors.Wrapf(ErrInvalidArgument, "got %d rois and %d deltas", n, m)
	}
	if whRatioClip <= 0 {
		whRatioClip = DefaultWHRatioClip
	}
	maxRatio := math32.Abs(math32.Log(whRatioClip))

	boxes := make([]float32, 4*n)
	for i := 0; i < n; i++ {
		dx := d[4*i]*stds[0] + means[0]
		dy := d[4*i+1]*stds[1] + means[1]
		dw := clamp(d[4*i+2]*stds[2]+means[2], -maxRatio, maxRatio)
		dh := clamp(d[4*i+3]*stds[3]+means[3], -maxRatio, maxRatio)

		px := (r[4*i] + r[4*i+2]) * 0.5
		py := (r[4*i+1] + r[4*i+3]) * 0.5
		pw := r[4*i+2] - r[4*i] + 1
		ph := r[4*i+3] - r[4*i+1] + 1

		gw := pw * math32.Exp(dw)
		gh := ph * math32.Exp(dh)
		gx := px + pw*dx
		gy := py + ph*dy

		boxes[4*i] = gx - gw*0.5 + 0.5
		boxes[4*i+1] = gy - gh*0.5 + 0.5
		boxes[4*i+2] = gx + gw*0.5 - 0.5
		boxes[4*i+3] = gy + gh*0.5 - 0.5
	}

	out := utils.NewDense(utils.DeviceOf(rois), boxes, n, 4)
	if len(maxShape) >= 2 {
		return ClipBoxes(out, maxShape)
	}
	return out, nil
}

func clamp(x, lo, hi float32) float32 {
	return math32.Max(lo, math32.Min(x, hi))
}

// ClipBoxes clips (N, 4) boxes in place to [0, width-1] x [0, height-1] of imgShape (height, width, ...).
func ClipBoxes(boxes *tensor.Dense, imgShape []int) (*tensor.Dense, error) {
	if len(imgShape) < 2 {
		return nil, errors.Wrapf(ErrInvalidArgument, "image shape needs height and width, got %v", imgShape)
	}
	data, n, err := boxRows("boxes", boxes)
	if err != nil {
		return nil, err
	}

	width := float32(imgShape[1] - 1)
	height := float32(imgShape[0] - 1)
	for i := 0; i < n; i++ {
		data[4*i] = clamp(data[4*i], 0, width)
		data[4*i+1] = clamp(data[4*i+1], 0, height)
		data[4*i+2] = clamp(data[4*i+2], 0, width)
		data[4*i+3] = clamp(data[4*i+3], 0, height)
	}

	return boxes, nil
}

// OverlapMode selects the denominator of BBoxOverlaps.
type OverlapMode int

const (
	// IoU divides the intersection by the union.
	IoU OverlapMode = iota
	// IoF divides the intersection by the area of the boxes in a (intersection over foreground).
	IoF
)

// BBoxOverlaps returns the (N, M) overlap matrix between boxes a (N, 4) and b (M, 4).
// Areas use the +1 pixel convention. Empty inputs give a nil matrix.
func BBoxOverlaps(a, b *tensor.Dense, mode OverlapMode) (*mat.Dense, error) {
	ad, n, err := boxRows("a", a)
	if err != nil {
		return nil, err
	}
	bd, m, err := boxRows("b", b)
	if err != nil {
		return nil, err
	}
	if n == 0 || m == 0 {
		return nil, nil
	}

	overlaps := mat.NewDense(n, m, nil)
	for i := 0; i < n; i++ {
		areaA := (ad[4*i+2] - ad[4*i] + 1) * (ad[4*i+3] - ad[4*i+1] + 1)
		for j := 0; j < m; j++ {
			areaB := (bd[4*j+2] - bd[4*j] + 1) * (bd[4*j+3] - bd[4*j+1] + 1)

			w := math32.Min(ad[4*i+2], bd[4*j+2]) - math32.Max(ad[4*i], bd[4*j]) + 1
			h := math32.Min(ad[4*i+3], bd[4*j+3]) - math32.Max(ad[4*i+1], bd[4*j+1]) + 1
			if w <= 0 || h <= 0 {
				continue
			}
			inter := w * h

			var denom float32
			if mode == IoF {
				denom = areaA
			} else {
				denom = areaA + areaB - inter
			}
			if denom <= 0 {
				continue
			}
			overlaps.Set(i, j, float64(inter/denom))
		}
	}
	return overlaps, nil
}
