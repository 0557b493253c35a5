package assign

import (
	"sort"

	"github.com/okieraised/go-anchor-target/config"
	"github.com/okieraised/go-anchor-target/processing"
	"github.com/okieraised/go-anchor-target/utils"
	"github.com/pkg/errors"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/sampleuv"
	"gorgonia.org/tensor"
)

// SamplingResult is the subset of anchors that contributes to training.
// PosInds and NegInds index the anchors given to the sampler.
type SamplingResult struct {
	PosInds           []int
	NegInds           []int
	PosBBoxes         *tensor.Dense
	NegBBoxes         *tensor.Dense
	PosGtBBoxes       *tensor.Dense
	PosAssignedGtInds []int
	PosIsGt           []bool
}

// NewSamplingResult gathers the boxes of the chosen positives and negatives.
func NewSamplingResult(posInds, negInds []int, anchors, gtBoxes *tensor.Dense, res *AssignResult) (*SamplingResult, error) {
	posBBoxes, err := utils.SelectRows2D(anchors, posInds)
	if err != nil {
		return nil, errors.Wrap(err, "positive boxes")
	}
	negBBoxes, err := utils.SelectRows2D(anchors, negInds)
	if err != nil {
		return nil, errors.Wrap(err, "negative boxes")
	}

	assignedGt := make([]int, len(posInds))
	for k, i := range posInds {
		assignedGt[k] = res.GtInds[i] - 1
	}

	var posGtBBoxes *tensor.Dense
	if gtBoxes == nil || res.NumGts == 0 {
		posGtBBoxes = utils.NewDense(utils.DeviceOf(anchors), []float32{}, 0, 4)
	} else {
		posGtBBoxes, err = utils.SelectRows2D(gtBoxes, assignedGt)
		if err != nil {
			return nil, errors.Wrap(err, "assigned gt boxes")
		}
	}

	return &SamplingResult{
		PosInds:           posInds,
		NegInds:           negInds,
		PosBBoxes:         posBBoxes,
		NegBBoxes:         negBBoxes,
		PosGtBBoxes:       posGtBBoxes,
		PosAssignedGtInds: assignedGt,
		PosIsGt:           make([]bool, len(posInds)),
	}, nil
}

// Sampler picks the anchors used for training out of an assignment.
type Sampler interface {
	Sample(res *AssignResult, anchors, gtBoxes *tensor.Dense) (*SamplingResult, error)
}

// PseudoSampler keeps every positive and every negative anchor.
type PseudoSampler struct{}

func NewPseudoSampler() *PseudoSampler {
	return &PseudoSampler{}
}

func (s *PseudoSampler) Sample(res *AssignResult, anchors, gtBoxes *tensor.Dense) (*SamplingResult, error) {
	if err := checkAssignment(res, anchors); err != nil {
		return nil, err
	}
	return NewSamplingResult(res.PositiveIndices(), res.NegativeIndices(), anchors, gtBoxes, res)
}

// RandomSampler keeps at most Num anchors: up to Num*PosFraction positives and negatives for
// the rest. A non-negative NegPosUB also caps negatives at NegPosUB times the positive count.
// Every call draws from a source seeded with Seed, so the result only depends on the inputs.
type RandomSampler struct {
	Num         int
	PosFraction float32
	NegPosUB    int
	Seed        int64
}

func NewRandomSampler(params config.SamplerParams) (*RandomSampler, error) {
	if params.Num < 0 {
		return nil, errors.Wrapf(processing.ErrInvalidArgument, "sampler num must be non-negative, got %d", params.Num)
	}
	if params.PosFraction < 0 || params.PosFraction > 1 {
		return nil, errors.Wrapf(processing.ErrInvalidArgument, "pos fraction must be in [0, 1], got %v", params.PosFraction)
	}
	return &RandomSampler{
		Num:         params.Num,
		PosFraction: params.PosFraction,
		NegPosUB:    params.NegPosUB,
		Seed:        params.Seed,
	}, nil
}

func (s *RandomSampler) Sample(res *AssignResult, anchors, gtBoxes *tensor.Dense) (*SamplingResult, error) {
	if err := checkAssignment(res, anchors); err != nil {
		return nil, err
	}
	src := rand.NewSource(uint64(s.Seed))

	numExpectedPos := int(float32(s.Num) * s.PosFraction)
	posInds := randomChoice(src, res.PositiveIndices(), numExpectedPos)

	numExpectedNeg := s.Num - len(posInds)
	if s.NegPosUB >= 0 {
		negUpper := s.NegPosUB * max(1, len(posInds))
		numExpectedNeg = min(numExpectedNeg, negUpper)
	}
	negInds := randomChoice(src, res.NegativeIndices(), numExpectedNeg)

	return NewSamplingResult(posInds, negInds, anchors, gtBoxes, res)
}

// randomChoice keeps num of the candidates, returned in ascending order.
func randomChoice(src rand.Source, candidates []int, num int) []int {
	if num <= 0 {
		return []int{}
	}
	if len(candidates) <= num {
		return candidates
	}
	// WithoutReplacement panics when more indices are asked for than there are candidates.
	idxs := make([]int, num)
	sampleuv.WithoutReplacement(idxs, len(candidates), src)
	chosen := make([]int, num)
	for k, p := range idxs {
		chosen[k] = candidates[p]
	}
	sort.Ints(chosen)
	return chosen
}

func checkAssignment(res *AssignResult, anchors *tensor.Dense) error {
	if res == nil {
		return errors.Wrap(processing.ErrInvalidArgument, "nil assign result")
	}
	n, err := numRows("anchors", anchors)
	if err != nil {
		return err
	}
	if n != res.NumAnchors() {
		return errors.Wrapf(processing.ErrInvalidArgument, "assignment covers %d anchors, got %d", res.NumAnchors(), n)
	}
	return nil
}
