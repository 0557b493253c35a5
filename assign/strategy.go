package assign

import (
	"github.com/okieraised/go-anchor-target/config"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// TargetStrategy pairs an Assigner with a Sampler.
type TargetStrategy interface {
	AssignAndSample(anchors, gtBoxes, gtIgnore, gtLabels *tensor.Dense) (*AssignResult, *SamplingResult, error)
}

type samplingStrategy struct {
	assigner Assigner
	sampler  Sampler
}

// NewSamplingStrategy assigns with cfg.Assigner and subsamples with a RandomSampler.
// Ground-truth labels are not handed to the assigner in this mode.
func NewSamplingStrategy(cfg *config.TargetParams) (TargetStrategy, error) {
	assigner, err := BuildAssigner(cfg.Assigner)
	if err != nil {
		return nil, err
	}
	sampler, err := NewRandomSampler(cfg.Sampler)
	if err != nil {
		return nil, err
	}
	return &samplingStrategy{assigner: assigner, sampler: sampler}, nil
}

func (s *samplingStrategy) AssignAndSample(anchors, gtBoxes, gtIgnore, _ *tensor.Dense) (*AssignResult, *SamplingResult, error) {
	res, err := s.assigner.Assign(anchors, gtBoxes, gtIgnore, nil)
	if err != nil {
		return nil, nil, errors.Wrap(err, "assign")
	}
	sr, err := s.sampler.Sample(res, anchors, gtBoxes)
	if err != nil {
		return nil, nil, errors.Wrap(err, "sample")
	}
	return res, sr, nil
}

type pseudoStrategy struct {
	assigner Assigner
	sampler  *PseudoSampler
}

// NewPseudoStrategy assigns with cfg.Assigner and keeps every decided anchor.
func NewPseudoStrategy(cfg *config.TargetParams) (TargetStrategy, error) {
	assigner, err := BuildAssigner(cfg.Assigner)
	if err != nil {
		return nil, err
	}
	return &pseudoStrategy{assigner: assigner, sampler: NewPseudoSampler()}, nil
}

func (s *pseudoStrategy) AssignAndSample(anchors, gtBoxes, gtIgnore, gtLabels *tensor.Dense) (*AssignResult, *SamplingResult, error) {
	res, err := s.assigner.Assign(anchors, gtBoxes, gtIgnore, gtLabels)
	if err != nil {
		return nil, nil, errors.Wrap(err, "assign")
	}
	sr, err := s.sampler.Sample(res, anchors, gtBoxes)
	if err != nil {
		return nil, nil, errors.Wrap(err, "sample")
	}
	return res, sr, nil
}

func NewTargetStrategy(cfg *config.TargetParams, sampling bool) (TargetStrategy, error) {
	if cfg == nil {
		return nil, errors.New("target params are required")
	}
	if sampling {
		return NewSamplingStrategy(cfg)
	}
	return NewPseudoStrategy(cfg)
}
