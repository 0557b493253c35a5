package go_anchor_target

import (
	"testing"

	"github.com/okieraised/go-anchor-target/config"
	"github.com/okieraised/go-anchor-target/processing"
	"github.com/okieraised/go-anchor-target/rcnn"
	"github.com/okieraised/go-anchor-target/utils"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorgonia.org/tensor"
)

var fpnFeatmapSizes = [][2]int{{16, 16}, {8, 8}, {4, 4}, {2, 2}, {1, 1}}

func TestNewTargetPipeline_Defaults(t *testing.T) {
	p, err := NewTargetPipeline(nil, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	assert.Equal(t, []int{4, 8, 16, 32, 64}, p.Strides())
	require.Len(t, p.Generators(), 5)
	for _, g := range p.Generators() {
		assert.Equal(t, 3, g.NumBaseAnchors())
	}
	// stride 4 with scale 8 and ratio 1 gives a 32 pixel anchor centred on (1.5, 1.5)
	assert.Equal(t, []float32{-14, -14, 17, 17}, p.Generators()[0].BaseAnchors().Float32s()[4:8])
}

func TestNewTargetPipeline_Invalid(t *testing.T) {
	params := *config.DefaultPipelineParams
	params.Strides = nil
	_, err := NewTargetPipeline(&params)
	assert.Error(t, err)

	params = *config.DefaultPipelineParams
	params.Strides = []int{8, 8}
	_, err = NewTargetPipeline(&params)
	assert.True(t, errors.Is(err, processing.ErrInvalidArgument))
}

func TestTargetPipeline_GetAnchors(t *testing.T) {
	p, err := NewTargetPipeline(nil)
	require.NoError(t, err)

	metas := []config.ImageMeta{
		config.NewImageMeta(64, 64),
		{ImgShape: []int{30, 60, 3}, PadShape: []int{32, 64, 3}},
	}
	anchorList, validFlagList, err := p.GetAnchors(fpnFeatmapSizes, metas)
	require.NoError(t, err)
	require.Len(t, anchorList, 2)
	require.Len(t, validFlagList, 2)

	wantCounts := []int{768, 192, 48, 12, 3}
	for l, n := range wantCounts {
		assert.Equal(t, tensor.Shape{n, 4}, anchorList[0][l].Shape())
		assert.Same(t, anchorList[0][l], anchorList[1][l])
		assert.Equal(t, tensor.Shape{n}, validFlagList[1][l].Shape())
	}

	for _, v := range validFlagList[0][0].Bools() {
		assert.True(t, v)
	}
	// padded height 32 at stride 4 leaves the top 8 of 16 rows valid
	flags := validFlagList[1][0].Bools()
	for row := 0; row < 16; row++ {
		for col := 0; col < 16; col++ {
			for b := 0; b < 3; b++ {
				assert.Equal(t, row < 8, flags[(row*16+col)*3+b])
			}
		}
	}
}

func TestTargetPipeline_GetAnchors_Invalid(t *testing.T) {
	p, err := NewTargetPipeline(nil)
	require.NoError(t, err)

	_, _, err = p.GetAnchors(fpnFeatmapSizes[:2], []config.ImageMeta{config.NewImageMeta(64, 64)})
	assert.True(t, errors.Is(err, processing.ErrInvalidArgument))

	_, _, err = p.GetAnchors(fpnFeatmapSizes, []config.ImageMeta{{}})
	assert.True(t, errors.Is(err, processing.ErrInvalidArgument))
}

func TestTargetPipeline_ComputeTargets(t *testing.T) {
	p, err := NewTargetPipeline(nil, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	metas := []config.ImageMeta{config.NewImageMeta(64, 64), config.NewImageMeta(64, 64)}
	gts := []*tensor.Dense{
		utils.NewDense(utils.CPU, []float32{8, 8, 40, 40}, 1, 4),
		utils.NewDense(utils.CPU, []float32{0, 0, 20, 60, 30, 10, 63, 30}, 2, 4),
	}

	targets, err := p.ComputeTargets(fpnFeatmapSizes, gts, nil, nil, metas)
	require.NoError(t, err)

	require.Len(t, targets.Labels, 5)
	assert.Equal(t, tensor.Shape{2, 768}, targets.Labels[0].Shape())
	assert.Equal(t, tensor.Shape{2, 3, 4}, targets.BBoxTargets[4].Shape())
	assert.GreaterOrEqual(t, targets.NumTotalPos, 2)
	assert.GreaterOrEqual(t, targets.NumTotalNeg, 2)

	positives := 0
	for _, labels := range targets.Labels {
		for _, v := range labels.Ints() {
			if v == 1 {
				positives++
			}
		}
	}
	// every gt box claims at least one anchor
	assert.GreaterOrEqual(t, positives, 3)
}

func TestTargetPipeline_ComputeTargets_NoValidAnchors(t *testing.T) {
	params := *config.DefaultPipelineParams
	params.Strides = []int{16}
	params.Anchor.Scales = []float32{16}
	p, err := NewTargetPipeline(&params)
	require.NoError(t, err)

	// 256 pixel anchors never fit in a 64 pixel image
	_, err = p.ComputeTargets([][2]int{{4, 4}}, []*tensor.Dense{utils.NewDense(utils.CPU, []float32{0, 0, 9, 9}, 1, 4)}, nil, nil,
		[]config.ImageMeta{config.NewImageMeta(64, 64)})
	assert.True(t, errors.Is(err, rcnn.ErrNoValidAnchors))
}

func TestTargetPipeline_Options(t *testing.T) {
	params := *config.DefaultPipelineParams
	params.Workers = 3
	params.Sampling = false
	p, err := NewTargetPipeline(&params)
	require.NoError(t, err)

	opts := p.Options()
	assert.Equal(t, 3, opts.Workers)
	assert.False(t, opts.Sampling)
	assert.True(t, opts.UnmapOutputs)
	assert.Equal(t, params.Target.Assigner, opts.Cfg.Assigner)
	assert.NotNil(t, opts.Logger)
}
