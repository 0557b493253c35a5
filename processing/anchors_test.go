package processing

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/okieraised/go-anchor-target/config"
	"github.com/okieraised/go-anchor-target/utils"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func TestNewAnchorGenerator_BaseAnchors(t *testing.T) {
	g, err := NewAnchorGenerator(16, []float32{8}, []float32{0.5, 1.0, 2.0})
	require.NoError(t, err)

	assert.Equal(t, 3, g.NumBaseAnchors())
	assert.Equal(t, tensor.Shape{3, 4}, g.BaseAnchors().Shape())
	assert.Equal(t, []float32{
		-83, -37, 98, 52,
		-56, -56, 71, 71,
		-37, -83, 52, 98,
	}, g.BaseAnchors().Float32s())
}

func TestNewAnchorGenerator_ScaleMajorOrder(t *testing.T) {
	scaleMajor, err := NewAnchorGenerator(4, []float32{1, 2}, []float32{1, 4})
	require.NoError(t, err)
	ratioMajor, err := NewAnchorGenerator(4, []float32{1, 2}, []float32{1, 4}, WithScaleMajor(false))
	require.NoError(t, err)

	widths := func(g *AnchorGenerator) []float32 {
		data := g.BaseAnchors().Float32s()
		out := make([]float32, 0, g.NumBaseAnchors())
		for i := 0; i < g.NumBaseAnchors(); i++ {
			out = append(out, data[4*i+2]-data[4*i]+1)
		}
		return out
	}

	// ratio 1 -> w = 4*scale, ratio 4 -> w = 2*scale
	assert.Equal(t, []float32{4, 8, 2, 4}, widths(scaleMajor))
	assert.Equal(t, []float32{4, 2, 8, 4}, widths(ratioMajor))
}

func TestNewAnchorGeneratorFromParams_ScaleMajorDefault(t *testing.T) {
	scaleMajor, err := NewAnchorGenerator(4, []float32{1, 2}, []float32{1, 4})
	require.NoError(t, err)

	fromLiteral, err := NewAnchorGeneratorFromParams(config.AnchorParams{
		BaseSize: 4,
		Ratios:   []float32{1, 4},
		Scales:   []float32{1, 2},
	}, utils.CPU)
	require.NoError(t, err)
	assert.Equal(t, scaleMajor.BaseAnchors().Float32s(), fromLiteral.BaseAnchors().Float32s())

	ratioMajor, err := NewAnchorGeneratorFromParams(*config.NewAnchorParams(4, []float32{1, 4}, []float32{1, 2}, false), utils.CPU)
	require.NoError(t, err)
	assert.NotEqual(t, scaleMajor.BaseAnchors().Float32s(), ratioMajor.BaseAnchors().Float32s())
}

func TestNewAnchorGenerator_Center(t *testing.T) {
	g, err := NewAnchorGenerator(4, []float32{1}, []float32{1}, WithCenter(10, 20))
	require.NoError(t, err)
	// 10 -/+ 1.5 and 20 -/+ 1.5, rounded half to even
	assert.Equal(t, []float32{8, 18, 12, 22}, g.BaseAnchors().Float32s())
}

func TestNewAnchorGenerator_Invalid(t *testing.T) {
	_, err := NewAnchorGenerator(0, []float32{1}, []float32{1})
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	_, err = NewAnchorGenerator(8, nil, []float32{1})
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	_, err = NewAnchorGenerator(8, []float32{1}, []float32{-1})
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestGridAnchors_Example(t *testing.T) {
	g, err := NewAnchorGenerator(9, []float32{1}, []float32{1})
	require.NoError(t, err)

	anchors, err := g.GridAnchors(2, 2, 16)
	require.NoError(t, err)

	assert.Equal(t, tensor.Shape{4, 4}, anchors.Shape())
	assert.Equal(t, []float32{
		0, 0, 8, 8,
		16, 0, 24, 8,
		0, 16, 8, 24,
		16, 16, 24, 24,
	}, anchors.Float32s())
}

func TestGridAnchors_BaseSizeEight(t *testing.T) {
	g, err := NewAnchorGenerator(8, []float32{1}, []float32{1})
	require.NoError(t, err)

	anchors, err := g.GridAnchors(1, 2, 16)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 7, 7, 16, 0, 23, 7}, anchors.Float32s())
}

func TestGridAnchors_CellOrdering(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("cell k holds the base anchors shifted by (col, row) * stride", prop.ForAll(
		func(featH, featW, stride, numScales int) bool {
			scales := make([]float32, numScales)
			for i := range scales {
				scales[i] = float32(i + 1)
			}
			g, err := NewAnchorGenerator(8, scales, []float32{0.5, 1, 2})
			if err != nil {
				return false
			}
			anchors, err := g.GridAnchors(featH, featW, stride)
			if err != nil {
				return false
			}
			a := g.NumBaseAnchors()
			if anchors.Shape()[0] != featH*featW*a {
				return false
			}
			base := g.BaseAnchors().Float32s()
			data := anchors.Float32s()
			for row := 0; row < featH; row++ {
				for col := 0; col < featW; col++ {
					k := row*featW + col
					sx, sy := float32(col*stride), float32(row*stride)
					for b := 0; b < a; b++ {
						got := data[(k*a+b)*4 : (k*a+b)*4+4]
						want := base[b*4 : b*4+4]
						if got[0] != want[0]+sx || got[1] != want[1]+sy || got[2] != want[2]+sx || got[3] != want[3]+sy {
							return false
						}
					}
				}
			}
			return true
		},
		gen.IntRange(1, 6),
		gen.IntRange(1, 6),
		gen.IntRange(1, 64),
		gen.IntRange(1, 3),
	))

	properties.TestingRun(t)
}

func TestBaseAnchors_Count(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("base anchor count is scales x ratios and boxes are well ordered", prop.ForAll(
		func(baseSize float32, scales, ratios []float32) bool {
			g, err := NewAnchorGenerator(baseSize, scales, ratios)
			if err != nil {
				return false
			}
			if g.NumBaseAnchors() != len(scales)*len(ratios) {
				return false
			}
			data := g.BaseAnchors().Float32s()
			for i := 0; i < g.NumBaseAnchors(); i++ {
				if data[4*i+2] < data[4*i] || data[4*i+3] < data[4*i+1] {
					return false
				}
			}
			return true
		},
		gen.Float32Range(4, 64),
		gen.SliceOfN(3, gen.Float32Range(1, 16)),
		gen.SliceOfN(3, gen.Float32Range(0.25, 4)),
	))

	properties.TestingRun(t)
}

func TestValidFlags(t *testing.T) {
	g, err := NewAnchorGenerator(8, []float32{1, 2}, []float32{1})
	require.NoError(t, err)

	flags, err := g.ValidFlags(4, 4, 2, 2)
	require.NoError(t, err)

	a := g.NumBaseAnchors()
	data := flags.Bools()
	require.Len(t, data, 4*4*a)
	for row := 0; row < 4; row++ {
		for col := 0; col < 4; col++ {
			for b := 0; b < a; b++ {
				want := row < 2 && col < 2
				assert.Equal(t, want, data[(row*4+col)*a+b], "row %d col %d anchor %d", row, col, b)
			}
		}
	}
}

func TestValidFlags_Invalid(t *testing.T) {
	g, err := NewAnchorGenerator(8, []float32{1}, []float32{1})
	require.NoError(t, err)

	_, err = g.ValidFlags(4, 4, 5, 2)
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	_, err = g.ValidFlags(4, 4, 2, 5)
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestGenerateAnchorGeneratorsFPN(t *testing.T) {
	ratio := []float32{1.0}
	cfg := map[string]config.AnchorParams{
		"32": {BaseSize: 16, Ratios: ratio, Scales: []float32{32, 16}},
		"8":  {BaseSize: 16, Ratios: ratio, Scales: []float32{2, 1}},
		"16": {BaseSize: 16, Ratios: ratio, Scales: []float32{8, 4}},
	}

	strides, generators, err := GenerateAnchorGeneratorsFPN(cfg, utils.CPU)
	require.NoError(t, err)
	assert.Equal(t, []int{8, 16, 32}, strides)
	require.Len(t, generators, 3)
	for _, g := range generators {
		assert.Equal(t, 2, g.NumBaseAnchors())
	}
	// scale 2 on a 16px base at stride 8
	assert.Equal(t, []float32{-8, -8, 23, 23}, generators[0].BaseAnchors().Float32s()[:4])

	_, _, err = GenerateAnchorGeneratorsFPN(map[string]config.AnchorParams{"x": {}}, utils.CPU)
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}
