package config

import (
	"github.com/pkg/errors"
)

type EmptyImagePolicy string

const (
	// EmptyImagePolicyAbort drops the targets of the whole batch when one image has no usable anchor.
	EmptyImagePolicyAbort EmptyImagePolicy = "abort"
	// EmptyImagePolicySkip keeps the batch and gives the empty image zero labels and weights.
	EmptyImagePolicySkip EmptyImagePolicy = "skip"
)

type AssignerName string

const (
	AssignerMaxIoU AssignerName = "max_iou"
)

// AnchorParams configures the anchors of one head. A zero BaseSize makes every level use its
// stride as base size. A nil ScaleMajor means scale major.
type AnchorParams struct {
	BaseSize   float32   `json:"base_size" mapstructure:"base_size" yaml:"base_size"`
	Ratios     []float32 `json:"ratios" mapstructure:"ratios" yaml:"ratios"`
	Scales     []float32 `json:"scales" mapstructure:"scales" yaml:"scales"`
	ScaleMajor *bool     `json:"scale_major" mapstructure:"scale_major" yaml:"scale_major"`
	Center     []float32 `json:"center" mapstructure:"center" yaml:"center"`
}

func NewAnchorParams(baseSize float32, ratios, scales []float32, scaleMajor bool) *AnchorParams {
	return &AnchorParams{
		BaseSize:   baseSize,
		Ratios:     ratios,
		Scales:     scales,
		ScaleMajor: &scaleMajor,
	}
}

// IsScaleMajor reports the base anchor order, ratios outer and scales inner when true.
func (p AnchorParams) IsScaleMajor() bool {
	return p.ScaleMajor == nil || *p.ScaleMajor
}

type AssignerParams struct {
	Type           AssignerName `json:"type" mapstructure:"type" yaml:"type"`
	PosIoUThr      float32      `json:"pos_iou_thr" mapstructure:"pos_iou_thr" yaml:"pos_iou_thr"`
	NegIoUThr      [2]float32   `json:"neg_iou_thr" mapstructure:"neg_iou_thr" yaml:"neg_iou_thr"`
	MinPosIoU      float32      `json:"min_pos_iou" mapstructure:"min_pos_iou" yaml:"min_pos_iou"`
	GtMaxAssignAll bool         `json:"gt_max_assign_all" mapstructure:"gt_max_assign_all" yaml:"gt_max_assign_all"`
	IgnoreIoFThr   float32      `json:"ignore_iof_thr" mapstructure:"ignore_iof_thr" yaml:"ignore_iof_thr"`
}

// DefaultAssignerParams matches the usual RPN training setup. NegIoUThr is a [lo, hi) range;
// a single threshold t is written as {0, t}.
var DefaultAssignerParams = &AssignerParams{
	Type:           AssignerMaxIoU,
	PosIoUThr:      0.7,
	NegIoUThr:      [2]float32{0, 0.3},
	MinPosIoU:      0.3,
	GtMaxAssignAll: true,
	IgnoreIoFThr:   -1,
}

func NewAssignerParams(posIoUThr, negIoUThr, minPosIoU float32) *AssignerParams {
	return &AssignerParams{
		Type:           AssignerMaxIoU,
		PosIoUThr:      posIoUThr,
		NegIoUThr:      [2]float32{0, negIoUThr},
		MinPosIoU:      minPosIoU,
		GtMaxAssignAll: true,
		IgnoreIoFThr:   -1,
	}
}

type SamplerParams struct {
	Num         int     `json:"num" mapstructure:"num" yaml:"num"`
	PosFraction float32 `json:"pos_fraction" mapstructure:"pos_fraction" yaml:"pos_fraction"`
	NegPosUB    int     `json:"neg_pos_ub" mapstructure:"neg_pos_ub" yaml:"neg_pos_ub"`
	Seed        int64   `json:"seed" mapstructure:"seed" yaml:"seed"`
}

// DefaultSamplerParams keeps 256 anchors per image, half of them positive when possible.
// A negative NegPosUB leaves the negative count unbounded by the positive count.
var DefaultSamplerParams = &SamplerParams{
	Num:         256,
	PosFraction: 0.5,
	NegPosUB:    -1,
	Seed:        0,
}

func NewSamplerParams(num int, posFraction float32, negPosUB int, seed int64) *SamplerParams {
	return &SamplerParams{
		Num:         num,
		PosFraction: posFraction,
		NegPosUB:    negPosUB,
		Seed:        seed,
	}
}

// TargetParams is the training config consumed by anchor target computation.
// AllowedBorder >= 0 filters anchors against the image bounds, a negative value disables it.
// PosWeight <= 0 gives positives unit label weight.
type TargetParams struct {
	AllowedBorder    int              `json:"allowed_border" mapstructure:"allowed_border" yaml:"allowed_border"`
	PosWeight        float32          `json:"pos_weight" mapstructure:"pos_weight" yaml:"pos_weight"`
	Assigner         AssignerParams   `json:"assigner" mapstructure:"assigner" yaml:"assigner"`
	Sampler          SamplerParams    `json:"sampler" mapstructure:"sampler" yaml:"sampler"`
	EmptyImagePolicy EmptyImagePolicy `json:"empty_image_policy" mapstructure:"empty_image_policy" yaml:"empty_image_policy"`
}

var DefaultTargetParams = &TargetParams{
	AllowedBorder:    0,
	PosWeight:        -1,
	Assigner:         *DefaultAssignerParams,
	Sampler:          *DefaultSamplerParams,
	EmptyImagePolicy: EmptyImagePolicyAbort,
}

func NewTargetParams(allowedBorder int, posWeight float32, assigner *AssignerParams, sampler *SamplerParams) *TargetParams {
	return &TargetParams{
		AllowedBorder:    allowedBorder,
		PosWeight:        posWeight,
		Assigner:         *assigner,
		Sampler:          *sampler,
		EmptyImagePolicy: EmptyImagePolicyAbort,
	}
}

func (p *TargetParams) Validate() error {
	switch p.EmptyImagePolicy {
	case EmptyImagePolicyAbort, EmptyImagePolicySkip:
	case "":
		p.EmptyImagePolicy = EmptyImagePolicyAbort
	default:
		return errors.Errorf("unknown empty image policy %q", p.EmptyImagePolicy)
	}
	if p.Assigner.Type == "" {
		return errors.New("assigner type is required")
	}
	if p.Sampler.Num < 0 {
		return errors.Errorf("sampler num must be non-negative, got %d", p.Sampler.Num)
	}
	if p.Sampler.PosFraction < 0 || p.Sampler.PosFraction > 1 {
		return errors.Errorf("sampler pos_fraction must be in [0, 1], got %v", p.Sampler.PosFraction)
	}
	return nil
}

// PipelineParams describes the anchor head: one entry of Strides per feature level, finest first.
type PipelineParams struct {
	Anchor       AnchorParams `json:"anchor" mapstructure:"anchor" yaml:"anchor"`
	Strides      []int        `json:"strides" mapstructure:"strides" yaml:"strides"`
	Target       TargetParams `json:"target" mapstructure:"target" yaml:"target"`
	TargetMeans  [4]float32   `json:"target_means" mapstructure:"target_means" yaml:"target_means"`
	TargetStds   [4]float32   `json:"target_stds" mapstructure:"target_stds" yaml:"target_stds"`
	Sampling     bool         `json:"sampling" mapstructure:"sampling" yaml:"sampling"`
	UnmapOutputs bool         `json:"unmap_outputs" mapstructure:"unmap_outputs" yaml:"unmap_outputs"`
	Workers      int          `json:"workers" mapstructure:"workers" yaml:"workers"`
}

// DefaultPipelineParams is the RPN anchor head of a five level FPN.
var DefaultPipelineParams = &PipelineParams{
	Anchor: AnchorParams{
		BaseSize: 0,
		Ratios:   []float32{0.5, 1.0, 2.0},
		Scales:   []float32{8},
	},
	Strides:      []int{4, 8, 16, 32, 64},
	Target:       *DefaultTargetParams,
	TargetMeans:  [4]float32{0, 0, 0, 0},
	TargetStds:   [4]float32{1, 1, 1, 1},
	Sampling:     true,
	UnmapOutputs: true,
	Workers:      0,
}

func (p *PipelineParams) Validate() error {
	if p.Anchor.BaseSize < 0 {
		return errors.Errorf("anchor base_size must not be negative, got %v", p.Anchor.BaseSize)
	}
	if len(p.Strides) == 0 {
		return errors.New("at least one stride is required")
	}
	for _, s := range p.Strides {
		if s <= 0 {
			return errors.Errorf("strides must be positive, got %d", s)
		}
	}
	if len(p.Anchor.Ratios) == 0 || len(p.Anchor.Scales) == 0 {
		return errors.New("anchor ratios and scales must not be empty")
	}
	for i, s := range p.TargetStds {
		if s == 0 {
			return errors.Errorf("target_stds[%d] must be non-zero", i)
		}
	}
	return p.Target.Validate()
}

// ImageMeta carries the per-image shapes, (height, width, channels).
// PadShape is the shape after batch padding; when empty ImgShape is used.
type ImageMeta struct {
	ImgShape []int `json:"img_shape" mapstructure:"img_shape" yaml:"img_shape"`
	PadShape []int `json:"pad_shape" mapstructure:"pad_shape" yaml:"pad_shape"`
}

func NewImageMeta(height, width int) ImageMeta {
	return ImageMeta{
		ImgShape: []int{height, width, 3},
		PadShape: []int{height, width, 3},
	}
}
