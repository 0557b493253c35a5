package go_anchor_target

import (
	"strconv"

	"github.com/okieraised/go-anchor-target/config"
	"github.com/okieraised/go-anchor-target/processing"
	"github.com/okieraised/go-anchor-target/rcnn"
	"github.com/okieraised/go-anchor-target/utils"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorgonia.org/tensor"
)

// TargetPipeline holds one anchor generator per feature level and turns feature map sizes and
// ground truth into training targets.
type TargetPipeline struct {
	params     *config.PipelineParams
	strides    []int
	generators []*processing.AnchorGenerator
	device     utils.Device
	logger     *zap.Logger
}

type PipelineOption func(*TargetPipeline)

func WithLogger(logger *zap.Logger) PipelineOption {
	return func(p *TargetPipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithDevice(device utils.Device) PipelineOption {
	return func(p *TargetPipeline) {
		p.device = device
	}
}

// NewTargetPipeline initializes the per-level anchor generators described by params.
func NewTargetPipeline(params *config.PipelineParams, opts ...PipelineOption) (*TargetPipeline, error) {
	if params == nil {
		params = config.DefaultPipelineParams
	}
	if err := params.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid pipeline params")
	}

	p := &TargetPipeline{
		params: params,
		device: utils.CPU,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}

	levels := make(map[string]config.AnchorParams, len(params.Strides))
	for _, s := range params.Strides {
		level := params.Anchor
		if level.BaseSize == 0 {
			level.BaseSize = float32(s)
		}
		levels[strconv.Itoa(s)] = level
	}
	strides, generators, err := processing.GenerateAnchorGeneratorsFPN(levels, p.device)
	if err != nil {
		return nil, errors.Wrap(err, "anchor generators")
	}
	if len(strides) != len(params.Strides) {
		return nil, errors.Wrapf(processing.ErrInvalidArgument, "strides %v contain duplicates", params.Strides)
	}
	p.strides = strides
	p.generators = generators

	p.logger.Debug("target pipeline ready",
		zap.Ints("strides", strides),
		zap.Int("num_base_anchors", generators[0].NumBaseAnchors()),
	)
	return p, nil
}

func (p *TargetPipeline) Strides() []int {
	return append([]int(nil), p.strides...)
}

func (p *TargetPipeline) Generators() []*processing.AnchorGenerator {
	return p.generators
}

// GetAnchors returns the anchors and valid flags of every image at every level, indexed
// [image][level]. featmapSizes holds (height, width) per level, finest first. The anchors of a
// level are shared between images; only the valid flags depend on the padded image size.
func (p *TargetPipeline) GetAnchors(featmapSizes [][2]int, imgMetas []config.ImageMeta) ([][]*tensor.Dense, [][]*tensor.Dense, error) {
	if len(featmapSizes) != len(p.generators) {
		return nil, nil, errors.Wrapf(processing.ErrInvalidArgument, "got %d feature maps for %d levels", len(featmapSizes), len(p.generators))
	}

	multiLevelAnchors := make([]*tensor.Dense, len(p.generators))
	for l, g := range p.generators {
		anchors, err := g.GridAnchors(featmapSizes[l][0], featmapSizes[l][1], p.strides[l])
		if err != nil {
			return nil, nil, errors.Wrapf(err, "level %d", l)
		}
		multiLevelAnchors[l] = anchors
	}

	anchorList := make([][]*tensor.Dense, len(imgMetas))
	validFlagList := make([][]*tensor.Dense, len(imgMetas))
	for i, meta := range imgMetas {
		shape := meta.PadShape
		if len(shape) < 2 {
			shape = meta.ImgShape
		}
		if len(shape) < 2 {
			return nil, nil, errors.Wrapf(processing.ErrInvalidArgument, "image %d has no shape", i)
		}

		anchorList[i] = multiLevelAnchors
		validFlagList[i] = make([]*tensor.Dense, len(p.generators))
		for l, g := range p.generators {
			featH, featW := featmapSizes[l][0], featmapSizes[l][1]
			validH := min(ceilDiv(shape[0], p.strides[l]), featH)
			validW := min(ceilDiv(shape[1], p.strides[l]), featW)
			flags, err := g.ValidFlags(featH, featW, validH, validW)
			if err != nil {
				return nil, nil, errors.Wrapf(err, "image %d level %d", i, l)
			}
			validFlagList[i][l] = flags
		}
	}
	return anchorList, validFlagList, nil
}

// ComputeTargets generates the anchors of the batch and computes their targets.
// gtIgnore and gtLabels may be nil.
func (p *TargetPipeline) ComputeTargets(featmapSizes [][2]int, gtBBoxes, gtIgnore, gtLabels []*tensor.Dense, imgMetas []config.ImageMeta) (*rcnn.Targets, error) {
	anchorList, validFlagList, err := p.GetAnchors(featmapSizes, imgMetas)
	if err != nil {
		return nil, err
	}

	targets, err := rcnn.AnchorTarget(rcnn.BatchInput{
		AnchorList:         anchorList,
		ValidFlagList:      validFlagList,
		GtBBoxesList:       gtBBoxes,
		GtBBoxesIgnoreList: gtIgnore,
		GtLabelsList:       gtLabels,
		ImgMetas:           imgMetas,
	}, p.Options())
	if err != nil {
		return nil, err
	}

	p.logger.Debug("computed anchor targets",
		zap.Int("num_images", len(imgMetas)),
		zap.Int("num_total_pos", targets.NumTotalPos),
		zap.Int("num_total_neg", targets.NumTotalNeg),
	)
	return targets, nil
}

// Options returns the target options derived from the pipeline params.
func (p *TargetPipeline) Options() rcnn.Options {
	cfg := p.params.Target
	return rcnn.Options{
		TargetMeans:   p.params.TargetMeans,
		TargetStds:    p.params.TargetStds,
		Cfg:           &cfg,
		LabelChannels: 1,
		Sampling:      p.params.Sampling,
		UnmapOutputs:  p.params.UnmapOutputs,
		Workers:       p.params.Workers,
		Logger:        p.logger,
	}
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
