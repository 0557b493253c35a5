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

// BatchInput holds a batch of images. AnchorList[i][l] and ValidFlagList[i][l] are the anchors
// and valid flags of image i at level l. Every image must have the same per-level anchor counts.
// GtBBoxesIgnoreList and GtLabelsList may be nil.
type BatchInput struct {
	AnchorList         [][]*tensor.Dense
	ValidFlagList      [][]*tensor.Dense
	GtBBoxesList       []*tensor.Dense
	GtBBoxesIgnoreList []*tensor.Dense
	GtLabelsList       []*tensor.Dense
	ImgMetas           []config.ImageMeta
}

// Targets are the batch targets regrouped by level: Labels[l] has shape (numImages, n_l) and
// BBoxTargets[l] has shape (numImages, n_l, 4). The level lists are only filled when outputs are
// unmapped; PerImage always holds the per-image bundles in input order.
type Targets struct {
	Labels       []*tensor.Dense
	LabelWeights []*tensor.Dense
	BBoxTargets  []*tensor.Dense
	BBoxWeights  []*tensor.Dense
	NumTotalPos  int
	NumTotalNeg  int
	PerImage     []*SingleTarget
}

func (in BatchInput) validate() error {
	numImgs := len(in.ImgMetas)
	if numImgs == 0 {
		return errors.Wrap(processing.ErrInvalidArgument, "empty batch")
	}
	if len(in.AnchorList) != numImgs || len(in.ValidFlagList) != numImgs {
		return errors.Wrapf(processing.ErrInvalidArgument,
			"batch length mismatch: %d anchor lists, %d valid flag lists, %d image metas",
			len(in.AnchorList), len(in.ValidFlagList), numImgs)
	}
	if len(in.GtBBoxesList) != numImgs {
		return errors.Wrapf(processing.ErrInvalidArgument, "got %d gt box lists for %d images", len(in.GtBBoxesList), numImgs)
	}
	if in.GtBBoxesIgnoreList != nil && len(in.GtBBoxesIgnoreList) != numImgs {
		return errors.Wrapf(processing.ErrInvalidArgument, "got %d gt ignore lists for %d images", len(in.GtBBoxesIgnoreList), numImgs)
	}
	if in.GtLabelsList != nil && len(in.GtLabelsList) != numImgs {
		return errors.Wrapf(processing.ErrInvalidArgument, "got %d gt label lists for %d images", len(in.GtLabelsList), numImgs)
	}
	for i := range in.AnchorList {
		if len(in.AnchorList[i]) != len(in.ValidFlagList[i]) {
			return errors.Wrapf(processing.ErrInvalidArgument,
				"image %d has %d anchor levels and %d valid flag levels", i, len(in.AnchorList[i]), len(in.ValidFlagList[i]))
		}
	}
	return nil
}

// AnchorTarget computes classification and regression targets for a batch of images.
//
// The per-level anchors of each image are concatenated, every image is processed independently
// on up to opts.Workers goroutines, and the results are split back into levels. With the abort
// policy an image without inside anchors fails the whole batch with ErrNoValidAnchors; with the
// skip policy that image gets zero labels and weights instead.
func AnchorTarget(in BatchInput, opts Options) (*Targets, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	cfg := opts.params()
	if cfg.EmptyImagePolicy == config.EmptyImagePolicySkip && !opts.UnmapOutputs {
		return nil, errors.Wrap(processing.ErrInvalidArgument, "the skip policy needs unmapped outputs")
	}
	logger := opts.logger()

	numLevelAnchors := make([]int, len(in.AnchorList[0]))
	for l, anchors := range in.AnchorList[0] {
		numLevelAnchors[l] = anchors.Shape()[0]
	}

	numImgs := len(in.ImgMetas)
	singles := make([]SingleInput, numImgs)
	for i := 0; i < numImgs; i++ {
		flatAnchors, err := utils.VStack(in.AnchorList[i])
		if err != nil {
			return nil, errors.Wrapf(err, "concat anchors of image %d", i)
		}
		flatFlags, err := utils.Concat(in.ValidFlagList[i])
		if err != nil {
			return nil, errors.Wrapf(err, "concat valid flags of image %d", i)
		}
		singles[i] = SingleInput{
			Anchors:    flatAnchors,
			ValidFlags: flatFlags,
			GtBBoxes:   in.GtBBoxesList[i],
			ImgMeta:    in.ImgMetas[i],
		}
		if in.GtBBoxesIgnoreList != nil {
			singles[i].GtBBoxesIgnore = in.GtBBoxesIgnoreList[i]
		}
		if in.GtLabelsList != nil {
			singles[i].GtLabels = in.GtLabelsList[i]
		}
	}

	results, err := utils.MultiApply(singles, opts.Workers, func(i int, single SingleInput) (*SingleTarget, error) {
		// each image samples from its own seed so results do not depend on scheduling
		imgCfg := *cfg
		imgCfg.Sampler.Seed += int64(i)
		strategy, err := assign.NewTargetStrategy(&imgCfg, opts.Sampling)
		if err != nil {
			return nil, err
		}

		target, err := anchorTargetSingle(single, opts, strategy)
		if errors.Is(err, ErrNoValidAnchors) && cfg.EmptyImagePolicy == config.EmptyImagePolicySkip {
			logger.Warn("image has no valid anchors, skipping", zap.Int("image", i))
			return emptyTarget(utils.DeviceOf(single.Anchors), single.Anchors.Shape()[0]), nil
		}
		if err != nil {
			return nil, err
		}
		logger.Debug("anchor targets",
			zap.Int("image", i),
			zap.Int("num_inside", target.NumInside),
			zap.Int("num_pos", len(target.PosInds)),
			zap.Int("num_neg", len(target.NegInds)),
		)
		return target, nil
	})
	if err != nil {
		if errors.Is(err, ErrNoValidAnchors) {
			logger.Debug("no targets for batch", zap.Error(err))
		}
		return nil, err
	}

	targets := &Targets{PerImage: results}
	for _, r := range results {
		targets.NumTotalPos += max(len(r.PosInds), 1)
		targets.NumTotalNeg += max(len(r.NegInds), 1)
	}
	if !opts.UnmapOutputs {
		return targets, nil
	}

	gather := func(pick func(*SingleTarget) *tensor.Dense) []*tensor.Dense {
		out := make([]*tensor.Dense, len(results))
		for i, r := range results {
			out[i] = pick(r)
		}
		return out
	}
	if targets.Labels, err = utils.ImagesToLevels(gather(func(r *SingleTarget) *tensor.Dense { return r.Labels }), numLevelAnchors); err != nil {
		return nil, errors.Wrap(err, "labels")
	}
	if targets.LabelWeights, err = utils.ImagesToLevels(gather(func(r *SingleTarget) *tensor.Dense { return r.LabelWeights }), numLevelAnchors); err != nil {
		return nil, errors.Wrap(err, "label weights")
	}
	if targets.BBoxTargets, err = utils.ImagesToLevels(gather(func(r *SingleTarget) *tensor.Dense { return r.BBoxTargets }), numLevelAnchors); err != nil {
		return nil, errors.Wrap(err, "bbox targets")
	}
	if targets.BBoxWeights, err = utils.ImagesToLevels(gather(func(r *SingleTarget) *tensor.Dense { return r.BBoxWeights }), numLevelAnchors); err != nil {
		return nil, errors.Wrap(err, "bbox weights")
	}
	return targets, nil
}
