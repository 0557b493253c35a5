package rcnn

import (
	"github.com/okieraised/go-anchor-target/assign"
	"github.com/okieraised/go-anchor-target/config"
	"github.com/okieraised/go-anchor-target/processing"
	"github.com/okieraised/go-anchor-target/utils"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorgonia.org/tensor"
)

// ErrNoValidAnchors is returned when an image has no anchor left after inside filtering.
// Under the abort policy it means the batch has no targets and the step should be skipped.
var ErrNoValidAnchors = errors.New("no valid anchors")

// Options are the settings shared by every image of a target computation.
type Options struct {
	TargetMeans [4]float32
	TargetStds  [4]float32
	Cfg         *config.TargetParams
	// LabelChannels is the width of the classification head. Labels are class indices,
	// so it does not change any target shape.
	LabelChannels int
	Sampling      bool
	UnmapOutputs  bool
	Workers       int
	Logger        *zap.Logger
}

// DefaultOptions samples anchors with the default RPN training config and unit stds.
func DefaultOptions() Options {
	cfg := *config.DefaultTargetParams
	return Options{
		TargetMeans:   [4]float32{0, 0, 0, 0},
		TargetStds:    [4]float32{1, 1, 1, 1},
		Cfg:           &cfg,
		LabelChannels: 1,
		Sampling:      true,
		UnmapOutputs:  true,
	}
}

func (o Options) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

func (o Options) params() *config.TargetParams {
	if o.Cfg == nil {
		return config.DefaultTargetParams
	}
	return o.Cfg
}

// SingleInput is one image: anchors and valid flags flattened over all levels.
// GtBBoxesIgnore and GtLabels may be nil.
type SingleInput struct {
	Anchors        *tensor.Dense
	ValidFlags     *tensor.Dense
	GtBBoxes       *tensor.Dense
	GtBBoxesIgnore *tensor.Dense
	GtLabels       *tensor.Dense
	ImgMeta        config.ImageMeta
}

// SingleTarget is the target bundle of one image. PosInds and NegInds index the inside anchors.
type SingleTarget struct {
	Labels       *tensor.Dense
	LabelWeights *tensor.Dense
	BBoxTargets  *tensor.Dense
	BBoxWeights  *tensor.Dense
	PosInds      []int
	NegInds      []int
	NumInside    int
}

// AnchorInsideFlags keeps the valid anchors that lie inside the image extended by allowedBorder.
// A negative allowedBorder disables the bounds check.
func AnchorInsideFlags(flatAnchors, validFlags *tensor.Dense, imgShape []int, allowedBorder int) (*tensor.Dense, error) {
	if len(imgShape) < 2 {
		return nil, errors.Wrapf(processing.ErrInvalidArgument, "image shape needs height and width, got %v", imgShape)
	}
	anchors, err := utils.Backing[float32](flatAnchors)
	if err != nil {
		return nil, errors.Wrap(err, "anchors")
	}
	valid, err := utils.Backing[bool](validFlags)
	if err != nil {
		return nil, errors.Wrap(err, "valid flags")
	}
	if len(anchors) != 4*len(valid) {
		return nil, errors.Wrapf(processing.ErrInvalidArgument, "%d valid flags for anchors of shape %v", len(valid), flatAnchors.Shape())
	}

	inside := make([]bool, len(valid))
	copy(inside, valid)
	if allowedBorder >= 0 {
		border := float32(allowedBorder)
		imgH, imgW := float32(imgShape[0]), float32(imgShape[1])
		for i := range inside {
			a := anchors[4*i : 4*i+4]
			inside[i] = inside[i] &&
				a[0] >= -border &&
				a[1] >= -border &&
				a[2] < imgW+border &&
				a[3] < imgH+border
		}
	}
	return utils.NewDense(utils.DeviceOf(flatAnchors), inside, len(inside)), nil
}

// AnchorTargetSingle computes the targets of one image. It returns ErrNoValidAnchors when no
// anchor is inside the image.
func AnchorTargetSingle(in SingleInput, opts Options) (*SingleTarget, error) {
	strategy, err := assign.NewTargetStrategy(opts.params(), opts.Sampling)
	if err != nil {
		return nil, err
	}
	return anchorTargetSingle(in, opts, strategy)
}

func anchorTargetSingle(in SingleInput, opts Options, strategy assign.TargetStrategy) (*SingleTarget, error) {
	cfg := opts.params()
	device := utils.DeviceOf(in.Anchors)

	insideFlags, err := AnchorInsideFlags(in.Anchors, in.ValidFlags, in.ImgMeta.ImgShape, cfg.AllowedBorder)
	if err != nil {
		return nil, err
	}
	inside := insideFlags.Bools()
	numInside := len(utils.MaskToIndices(inside))
	if numInside == 0 {
		return nil, ErrNoValidAnchors
	}

	anchors, err := utils.SelectRowsByMask(in.Anchors, inside)
	if err != nil {
		return nil, err
	}

	_, sr, err := strategy.AssignAndSample(anchors, in.GtBBoxes, in.GtBBoxesIgnore, in.GtLabels)
	if err != nil {
		return nil, err
	}

	bboxTargets := make([]float32, 4*numInside)
	bboxWeights := make([]float32, 4*numInside)
	labels := make([]int, numInside)
	labelWeights := make([]float32, numInside)

	if len(sr.PosInds) > 0 {
		deltas, err := processing.BBox2Delta(sr.PosBBoxes, sr.PosGtBBoxes, opts.TargetMeans, opts.TargetStds)
		if err != nil {
			return nil, errors.Wrap(err, "encode positive anchors")
		}
		d := deltas.Float32s()

		var posLabels []int
		if in.GtLabels != nil {
			gathered, err := utils.TensorByIndices(in.GtLabels, sr.PosAssignedGtInds)
			if err != nil {
				return nil, errors.Wrap(err, "gt labels of positive anchors")
			}
			if posLabels, err = utils.Backing[int](gathered); err != nil {
				return nil, errors.Wrap(err, "gt labels")
			}
		}

		posWeight := float32(1)
		if cfg.PosWeight > 0 {
			posWeight = cfg.PosWeight
		}
		for k, i := range sr.PosInds {
			copy(bboxTargets[4*i:4*i+4], d[4*k:4*k+4])
			for j := 0; j < 4; j++ {
				bboxWeights[4*i+j] = 1
			}
			if posLabels == nil {
				labels[i] = 1
			} else {
				labels[i] = posLabels[k]
			}
			labelWeights[i] = posWeight
		}
	}
	for _, i := range sr.NegInds {
		labelWeights[i] = 1
	}

	target := &SingleTarget{
		Labels:       utils.NewDense(device, labels, numInside),
		LabelWeights: utils.NewDense(device, labelWeights, numInside),
		BBoxTargets:  utils.NewDense(device, bboxTargets, numInside, 4),
		BBoxWeights:  utils.NewDense(device, bboxWeights, numInside, 4),
		PosInds:      sr.PosInds,
		NegInds:      sr.NegInds,
		NumInside:    numInside,
	}
	if !opts.UnmapOutputs {
		return target, nil
	}

	total := len(inside)
	for _, field := range []**tensor.Dense{&target.Labels, &target.LabelWeights, &target.BBoxTargets, &target.BBoxWeights} {
		if *field, err = utils.Unmap(*field, total, inside, 0); err != nil {
			return nil, errors.Wrap(err, "unmap targets")
		}
	}
	return target, nil
}

// emptyTarget is the all-zero bundle given to an image without inside anchors under the skip policy.
func emptyTarget(device utils.Device, total int) *SingleTarget {
	return &SingleTarget{
		Labels:       utils.NewDense(device, make([]int, total), total),
		LabelWeights: utils.NewDense(device, make([]float32, total), total),
		BBoxTargets:  utils.NewDense(device, make([]float32, 4*total), total, 4),
		BBoxWeights:  utils.NewDense(device, make([]float32, 4*total), total, 4),
		PosInds:      []int{},
		NegInds:      []int{},
	}
}
