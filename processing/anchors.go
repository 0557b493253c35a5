package processing

import (
	"math"
	"sort"
	"strconv"

	"github.com/chewxy/math32"
	"github.com/okieraised/go-anchor-target/config"
	"github.com/okieraised/go-anchor-target/utils"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// ErrInvalidArgument marks inputs that can never produce a result, e.g. a valid region
// larger than the feature map or batches of mismatched length.
var ErrInvalidArgument = errors.New("invalid argument")

// AnchorGenerator produces the anchors of one feature level.
//
// The base anchors are computed once at construction. Anchors for cell (row, col) of a
// feat_h x feat_w grid occupy rows [(row*feat_w+col)*A, (row*feat_w+col+1)*A) of
// GridAnchors, where A is NumBaseAnchors; ValidFlags follows the same order.
// An AnchorGenerator is safe for concurrent use.
type AnchorGenerator struct {
	baseSize    float32
	scales      []float32
	ratios      []float32
	scaleMajor  bool
	center      *[2]float32
	device      utils.Device
	baseAnchors []float32
}

type AnchorOption func(g *AnchorGenerator)

// WithScaleMajor selects the base anchor order: ratios outer and scales inner when true
// (the default), scales outer and ratios inner otherwise.
func WithScaleMajor(scaleMajor bool) AnchorOption {
	return func(g *AnchorGenerator) {
		g.scaleMajor = scaleMajor
	}
}

func WithCenter(x, y float32) AnchorOption {
	return func(g *AnchorGenerator) {
		g.center = &[2]float32{x, y}
	}
}

func WithDevice(d utils.Device) AnchorOption {
	return func(g *AnchorGenerator) {
		g.device = d
	}
}

func NewAnchorGenerator(baseSize float32, scales, ratios []float32, opts ...AnchorOption) (*AnchorGenerator, error) {
	if baseSize <= 0 {
		return nil, errors.Wrapf(ErrInvalidArgument, "base size must be positive, got %v", baseSize)
	}
	if len(scales) == 0 || len(ratios) == 0 {
		return nil, errors.Wrap(ErrInvalidArgument, "scales and ratios must not be empty")
	}
	for _, r := range ratios {
		if r <= 0 {
			return nil, errors.Wrapf(ErrInvalidArgument, "ratios must be positive, got %v", r)
		}
	}

	g := &AnchorGenerator{
		baseSize:   baseSize,
		scales:     append([]float32(nil), scales...),
		ratios:     append([]float32(nil), ratios...),
		scaleMajor: true,
		device:     utils.CPU,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.baseAnchors = g.generateBaseAnchors()
	return g, nil
}

// NewAnchorGeneratorFromParams builds a generator from the anchor section of a config.
func NewAnchorGeneratorFromParams(p config.AnchorParams, device utils.Device) (*AnchorGenerator, error) {
	opts := []AnchorOption{WithScaleMajor(p.IsScaleMajor()), WithDevice(device)}
	if len(p.Center) == 2 {
		opts = append(opts, WithCenter(p.Center[0], p.Center[1]))
	} else if len(p.Center) != 0 {
		return nil, errors.Wrapf(ErrInvalidArgument, "center needs two values, got %d", len(p.Center))
	}
	return NewAnchorGenerator(p.BaseSize, p.Scales, p.Ratios, opts...)
}

func (g *AnchorGenerator) NumBaseAnchors() int {
	return len(g.baseAnchors) / 4
}

func (g *AnchorGenerator) Device() utils.Device {
	return g.device
}

// BaseAnchors returns a copy of the (A, 4) base anchors centered on the generator center.
func (g *AnchorGenerator) BaseAnchors() *tensor.Dense {
	backing := append([]float32(nil), g.baseAnchors...)
	return utils.NewDense(g.device, backing, g.NumBaseAnchors(), 4)
}

func (g *AnchorGenerator) generateBaseAnchors() []float32 {
	w, h, centerX, centerY := whctrs(g.baseSize)
	if g.center != nil {
		centerX, centerY = g.center[0], g.center[1]
	}

	hRatios := make([]float32, len(g.ratios))
	wRatios := make([]float32, len(g.ratios))
	for i, r := range g.ratios {
		hRatios[i] = math32.Sqrt(r)
		wRatios[i] = 1 / hRatios[i]
	}

	ws := make([]float32, 0, len(g.ratios)*len(g.scales))
	hs := make([]float32, 0, len(g.ratios)*len(g.scales))
	if g.scaleMajor {
		for i := range g.ratios {
			for _, s := range g.scales {
				ws = append(ws, w*wRatios[i]*s)
				hs = append(hs, h*hRatios[i]*s)
			}
		}
	} else {
		for _, s := range g.scales {
			for i := range g.ratios {
				ws = append(ws, w*s*wRatios[i])
				hs = append(hs, h*s*hRatios[i])
			}
		}
	}

	return mkanchors(ws, hs, centerX, centerY)
}

// whctrs returns width, height and the default center of a base_size x base_size box at the origin.
func whctrs(baseSize float32) (float32, float32, float32, float32) {
	w := baseSize
	h := baseSize
	centerX := 0.5 * (w - 1)
	centerY := 0.5 * (h - 1)
	return w, h, centerX, centerY
}

// mkanchors turns (w, h) pairs into rounded (x1, y1, x2, y2) boxes around the center.
// Rounding is half to even.
func mkanchors(ws, hs []float32, centerX, centerY float32) []float32 {
	anchors := make([]float32, 0, 4*len(ws))
	for i := range ws {
		anchors = append(anchors,
			roundEven(centerX-0.5*(ws[i]-1)),
			roundEven(centerY-0.5*(hs[i]-1)),
			roundEven(centerX+0.5*(ws[i]-1)),
			roundEven(centerY+0.5*(hs[i]-1)),
		)
	}
	return anchors
}

func roundEven(x float32) float32 {
	return float32(math.RoundToEven(float64(x)))
}

// GridAnchors tiles the base anchors over a featH x featW grid with the given stride and
// returns a (featH*featW*A, 4) float32 tensor. Cells are row-major, base anchors fastest.
func (g *AnchorGenerator) GridAnchors(featH, featW, stride int) (*tensor.Dense, error) {
	if featH < 0 || featW < 0 {
		return nil, errors.Wrapf(ErrInvalidArgument, "feature map size must be non-negative, got %dx%d", featH, featW)
	}

	shiftX := make([]float32, featW)
	for j := range shiftX {
		shiftX[j] = float32(j * stride)
	}
	shiftY := make([]float32, featH)
	for i := range shiftY {
		shiftY[i] = float32(i * stride)
	}
	shiftXX, shiftYY := utils.Meshgrid(shiftX, shiftY, true)

	a := g.NumBaseAnchors()
	allAnchors := make([]float32, 0, len(shiftXX)*a*4)
	for k := range shiftXX {
		sx, sy := shiftXX[k], shiftYY[k]
		for b := 0; b < a; b++ {
			base := g.baseAnchors[b*4 : b*4+4]
			allAnchors = append(allAnchors, base[0]+sx, base[1]+sy, base[2]+sx, base[3]+sy)
		}
	}

	return utils.NewDense(g.device, allAnchors, len(shiftXX)*a, 4), nil
}

// ValidFlags marks the anchors whose cell lies in the top-left validH x validW region
// of the feature map. The result is a (featH*featW*A) bool tensor aligned with GridAnchors.
func (g *AnchorGenerator) ValidFlags(featH, featW, validH, validW int) (*tensor.Dense, error) {
	if validH > featH || validW > featW {
		return nil, errors.Wrapf(ErrInvalidArgument, "valid size %dx%d exceeds feature map %dx%d", validH, validW, featH, featW)
	}
	if featH < 0 || featW < 0 {
		return nil, errors.Wrapf(ErrInvalidArgument, "feature map size must be non-negative, got %dx%d", featH, featW)
	}

	validX := make([]bool, featW)
	for j := range validX {
		validX[j] = j < validW
	}
	validY := make([]bool, featH)
	for i := range validY {
		validY[i] = i < validH
	}
	validXX, validYY := utils.Meshgrid(validX, validY, true)

	a := g.NumBaseAnchors()
	valid := make([]bool, 0, len(validXX)*a)
	for k := range validXX {
		v := validXX[k] && validYY[k]
		for b := 0; b < a; b++ {
			valid = append(valid, v)
		}
	}

	return utils.NewDense(g.device, valid, len(valid)), nil
}

// GenerateAnchorGeneratorsFPN builds one generator per stride key of cfg. Keys are strides in
// decimal; the result is ordered by ascending stride, i.e. finest level first.
func GenerateAnchorGeneratorsFPN(cfg map[string]config.AnchorParams, device utils.Device) ([]int, []*AnchorGenerator, error) {
	strides := make([]int, 0, len(cfg))
	keys := make(map[int]string, len(cfg))
	for k := range cfg {
		kAsInt, err := strconv.Atoi(k)
		if err != nil {
			return nil, nil, errors.Wrapf(ErrInvalidArgument, "stride key %q is not an integer", k)
		}
		if _, dup := keys[kAsInt]; dup {
			return nil, nil, errors.Wrapf(ErrInvalidArgument, "stride %d is configured twice", kAsInt)
		}
		keys[kAsInt] = k
		strides = append(strides, kAsInt)
	}
	sort.Ints(strides)

	generators := make([]*AnchorGenerator, 0, len(strides))
	for _, s := range strides {
		g, err := NewAnchorGeneratorFromParams(cfg[keys[s]], device)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "stride %d", s)
		}
		generators = append(generators, g)
	}
	return strides, generators, nil
}
