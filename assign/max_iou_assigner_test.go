package assign

import (
	"testing"

	"github.com/okieraised/go-anchor-target/config"
	"github.com/okieraised/go-anchor-target/processing"
	"github.com/okieraised/go-anchor-target/utils"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func boxes(data ...float32) *tensor.Dense {
	return utils.NewDense(utils.CPU, data, len(data)/4, 4)
}

func newTestAssigner(t *testing.T, mutate func(p *config.AssignerParams)) *MaxIoUAssigner {
	t.Helper()
	params := *config.DefaultAssignerParams
	if mutate != nil {
		mutate(&params)
	}
	a, err := NewMaxIoUAssigner(params)
	require.NoError(t, err)
	return a
}

func TestMaxIoUAssigner_Thresholds(t *testing.T) {
	a := newTestAssigner(t, nil)
	anchors := boxes(
		0, 0, 9, 9,
		5, 0, 14, 9,
		100, 100, 109, 109,
		0, 0, 9, 9,
	)
	gt := boxes(0, 0, 9, 9, 200, 200, 219, 219)

	res, err := a.Assign(anchors, gt, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, res.NumGts)
	assert.Equal(t, []int{1, -1, 0, 1}, res.GtInds)
	assert.InDelta(t, 1.0, res.MaxOverlaps[0], 1e-6)
	assert.InDelta(t, 1.0/3.0, res.MaxOverlaps[1], 1e-6)
	assert.Equal(t, float32(0), res.MaxOverlaps[2])
	assert.Nil(t, res.Labels)
}

func TestMaxIoUAssigner_LowQualityMatch(t *testing.T) {
	a := newTestAssigner(t, nil)
	anchors := boxes(
		5, 0, 14, 9,
		100, 100, 109, 109,
	)
	gt := boxes(0, 0, 9, 9)

	res, err := a.Assign(anchors, gt, nil, nil)
	require.NoError(t, err)
	// best IoU is 1/3: below the positive threshold but above the minimum for the gt's own best anchor
	assert.Equal(t, []int{1, 0}, res.GtInds)

	strict := newTestAssigner(t, func(p *config.AssignerParams) { p.MinPosIoU = 0.5 })
	res, err = strict.Assign(anchors, gt, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{-1, 0}, res.GtInds)
}

func TestMaxIoUAssigner_GtMaxAssignAll(t *testing.T) {
	anchors := boxes(
		5, 0, 14, 9,
		-5, 0, 4, 9,
	)
	gt := boxes(0, 0, 9, 9)

	all := newTestAssigner(t, nil)
	res, err := all.Assign(anchors, gt, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1}, res.GtInds)

	first := newTestAssigner(t, func(p *config.AssignerParams) { p.GtMaxAssignAll = false })
	res, err = first.Assign(anchors, gt, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{1, -1}, res.GtInds)
}

func TestMaxIoUAssigner_NoGt(t *testing.T) {
	a := newTestAssigner(t, nil)
	anchors := boxes(0, 0, 9, 9, 5, 5, 20, 20)

	res, err := a.Assign(anchors, boxes(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.NumGts)
	assert.Equal(t, []int{0, 0}, res.GtInds)
	assert.Empty(t, res.PositiveIndices())
	assert.Equal(t, []int{0, 1}, res.NegativeIndices())
}

func TestMaxIoUAssigner_Labels(t *testing.T) {
	a := newTestAssigner(t, nil)
	anchors := boxes(
		0, 0, 9, 9,
		100, 100, 109, 109,
		200, 200, 219, 219,
	)
	gt := boxes(0, 0, 9, 9, 200, 200, 219, 219)
	labels := utils.NewDense(utils.CPU, []int{3, 7}, 2)

	res, err := a.Assign(anchors, gt, nil, labels)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 0, 2}, res.GtInds)
	assert.Equal(t, []int{3, 0, 7}, res.Labels)

	_, err = a.Assign(anchors, gt, nil, utils.NewDense(utils.CPU, []int{1}, 1))
	assert.Error(t, err)
}

func TestMaxIoUAssigner_IgnoreRegions(t *testing.T) {
	a := newTestAssigner(t, func(p *config.AssignerParams) { p.IgnoreIoFThr = 0.5 })
	anchors := boxes(
		0, 0, 9, 9,
		100, 100, 109, 109,
		300, 300, 309, 309,
	)
	gt := boxes(0, 0, 9, 9)
	ignore := boxes(95, 95, 120, 120)

	res, err := a.Assign(anchors, gt, ignore, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{1, -1, 0}, res.GtInds)

	disabled := newTestAssigner(t, nil)
	res, err = disabled.Assign(anchors, gt, ignore, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 0, 0}, res.GtInds)
}

func TestNewMaxIoUAssigner_Invalid(t *testing.T) {
	params := *config.DefaultAssignerParams
	params.NegIoUThr = [2]float32{0.5, 0.3}
	_, err := NewMaxIoUAssigner(params)
	assert.True(t, errors.Is(err, processing.ErrInvalidArgument))

	params = *config.DefaultAssignerParams
	params.PosIoUThr = 0.2
	_, err = NewMaxIoUAssigner(params)
	assert.True(t, errors.Is(err, processing.ErrInvalidArgument))
}

func TestRegistry(t *testing.T) {
	names := Names()
	require.NotEmpty(t, names)
	assert.Equal(t, config.AssignerMaxIoU, names[0])

	a, err := BuildAssigner(*config.DefaultAssignerParams)
	require.NoError(t, err)
	assert.IsType(t, &MaxIoUAssigner{}, a)

	_, err = BuildAssigner(config.AssignerParams{Type: "nope"})
	assert.True(t, errors.Is(err, processing.ErrInvalidArgument))

	const allBackground config.AssignerName = "all_background"
	Register(allBackground, func(config.AssignerParams) (Assigner, error) {
		return backgroundAssigner{}, nil
	})
	assert.Contains(t, Names(), allBackground)

	built, err := BuildAssigner(config.AssignerParams{Type: allBackground})
	require.NoError(t, err)
	res, err := built.Assign(boxes(0, 0, 1, 1), boxes(0, 0, 1, 1), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, res.GtInds)
}

type backgroundAssigner struct{}

func (backgroundAssigner) Assign(anchors, gtBoxes, _, _ *tensor.Dense) (*AssignResult, error) {
	n := anchors.Shape()[0]
	return NewAssignResult(gtBoxes.Shape()[0], make([]int, n), make([]float32, n), nil), nil
}
