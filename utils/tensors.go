package utils

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Backing returns the flat backing slice of t. The element type has to match the dtype of t.
func Backing[T float32 | float64 | int | bool](t *tensor.Dense) ([]T, error) {
	var raw any
	switch t.Dtype() {
	case tensor.Float32:
		raw = t.Float32s()
	case tensor.Float64:
		raw = t.Float64s()
	case tensor.Int:
		raw = t.Ints()
	case tensor.Bool:
		raw = t.Bools()
	default:
		return nil, errors.Errorf("unsupported dtype %v", t.Dtype())
	}
	s, ok := raw.([]T)
	if !ok {
		var zero T
		return nil, errors.Errorf("tensor of dtype %v does not hold %T", t.Dtype(), zero)
	}
	return s, nil
}

// rowLayout reports the number of rows of t and the number of elements per row.
func rowLayout(t *tensor.Dense) (rows, width int) {
	shape := t.Shape()
	if len(shape) == 0 {
		return 1, 1
	}
	width = 1
	for _, d := range shape[1:] {
		width *= d
	}
	return shape[0], width
}

func VStack(tensors []*tensor.Dense) (*tensor.Dense, error) {
	var nonEmptyTensors []*tensor.Dense
	for _, t := range tensors {
		shape := t.Shape()
		if len(shape) > 0 && shape[0] > 0 {
			nonEmptyTensors = append(nonEmptyTensors, t)
		}
	}

	if len(nonEmptyTensors) == 0 {
		if len(tensors) > 0 {
			return tensors[0].Clone().(*tensor.Dense), nil
		}
		return NewDense(CPU, []float32{}, 0, 4), nil
	}
	if len(nonEmptyTensors) == 1 {
		return nonEmptyTensors[0].Clone().(*tensor.Dense), nil
	}

	result, err := nonEmptyTensors[0].Concat(0, nonEmptyTensors[1:]...)
	if err != nil {
		return nil, errors.Wrap(err, "error concatenating tensors")
	}

	return result, nil
}

// Concat joins the given tensors along axis 0 by copying rows. Unlike VStack it keeps
// 1-D tensors 1-D and works for every supported dtype.
func Concat(tensors []*tensor.Dense) (*tensor.Dense, error) {
	if len(tensors) == 0 {
		return nil, errors.New("nothing to concatenate")
	}
	switch tensors[0].Dtype() {
	case tensor.Float32:
		return concat[float32](tensors)
	case tensor.Float64:
		return concat[float64](tensors)
	case tensor.Int:
		return concat[int](tensors)
	case tensor.Bool:
		return concat[bool](tensors)
	default:
		return nil, errors.Errorf("unsupported dtype %v", tensors[0].Dtype())
	}
}

func concat[T float32 | float64 | int | bool](tensors []*tensor.Dense) (*tensor.Dense, error) {
	_, width := rowLayout(tensors[0])
	total := 0
	for i, t := range tensors {
		r, w := rowLayout(t)
		if w != width {
			return nil, errors.Errorf("tensor %d has row width %d, expected %d", i, w, width)
		}
		total += r
	}
	out := make([]T, 0, total*width)
	for _, t := range tensors {
		src, err := Backing[T](t)
		if err != nil {
			return nil, err
		}
		out = append(out, src...)
	}

	shape := append([]int{total}, tensors[0].Shape()[1:]...)
	return NewDense(DeviceOf(tensors[0]), out, shape...), nil
}

// SelectRows2D gathers rows of an (N, C) float32 tensor.
func SelectRows2D(t *tensor.Dense, indices []int) (*tensor.Dense, error) {
	shape := t.Shape()
	if len(shape) != 2 {
		return nil, errors.Errorf("expected a 2D tensor, got shape %v", shape)
	}
	numRows, numCols := shape[0], shape[1]

	data, err := Backing[float32](t)
	if err != nil {
		return nil, err
	}

	selectedData := make([]float32, 0, len(indices)*numCols)
	for _, idx := range indices {
		if idx < 0 || idx >= numRows {
			return nil, errors.Errorf("index %d is out of bounds", idx)
		}
		selectedData = append(selectedData, data[idx*numCols:(idx+1)*numCols]...)
	}

	return NewDense(DeviceOf(t), selectedData, len(indices), numCols), nil
}

// SelectRowsByMask keeps the rows of t whose mask entry is true, preserving order.
func SelectRowsByMask(t *tensor.Dense, mask []bool) (*tensor.Dense, error) {
	rows, _ := rowLayout(t)
	if len(mask) != rows {
		return nil, errors.Errorf("mask has %d entries for %d rows", len(mask), rows)
	}
	return SelectRows2D(t, MaskToIndices(mask))
}

func TensorByIndices(t *tensor.Dense, indices []int) (*tensor.Dense, error) {
	shape := t.Shape()

	if len(shape) != 1 {
		return nil, errors.Errorf("input tensor should be 1D, got shape %v", shape)
	}

	switch t.Dtype() {
	case tensor.Int:
		src := t.Ints()
		resultData := make([]int, len(indices))
		for i, idx := range indices {
			if idx < 0 || idx >= len(src) {
				return nil, errors.Errorf("index %d is out of bounds", idx)
			}
			resultData[i] = src[idx]
		}
		return NewDense(DeviceOf(t), resultData, len(indices)), nil
	case tensor.Float32:
		src := t.Float32s()
		resultData := make([]float32, len(indices))
		for i, idx := range indices {
			if idx < 0 || idx >= len(src) {
				return nil, errors.Errorf("index %d is out of bounds", idx)
			}
			resultData[i] = src[idx]
		}
		return NewDense(DeviceOf(t), resultData, len(indices)), nil
	default:
		return nil, errors.Errorf("unsupported dtype %v", t.Dtype())
	}
}

// MaskToIndices returns the positions of the true entries of mask in ascending order.
func MaskToIndices(mask []bool) []int {
	inds := make([]int, 0, len(mask))
	for i, m := range mask {
		if m {
			inds = append(inds, i)
		}
	}
	return inds
}

// Meshgrid pairs every element of x with every element of y. The first output is x tiled
// len(y) times, the second is each element of y repeated len(x) times. rowMajor=false swaps them.
//
// For x=(0,1) and y=(2,3) it returns (0,1,0,1) and (2,2,3,3).
func Meshgrid[T any](x, y []T, rowMajor bool) ([]T, []T) {
	xx := make([]T, 0, len(x)*len(y))
	yy := make([]T, 0, len(x)*len(y))
	for _, v := range y {
		xx = append(xx, x...)
		for range x {
			yy = append(yy, v)
		}
	}
	if rowMajor {
		return xx, yy
	}
	return yy, xx
}

// Unmap scatters the rows of data back into a tensor of count rows. Row k of data lands on the
// k-th true position of inds; every other row holds fill. 1-D and N-D data are handled alike and
// the dtype of data is preserved.
func Unmap(data *tensor.Dense, count int, inds []bool, fill float64) (*tensor.Dense, error) {
	if len(inds) != count {
		return nil, errors.Errorf("unmap: %d flags for %d items", len(inds), count)
	}
	switch data.Dtype() {
	case tensor.Float32:
		return unmap(data, count, inds, float32(fill))
	case tensor.Float64:
		return unmap(data, count, inds, fill)
	case tensor.Int:
		return unmap(data, count, inds, int(fill))
	case tensor.Bool:
		return unmap(data, count, inds, fill != 0)
	default:
		return nil, errors.Errorf("unmap: unsupported dtype %v", data.Dtype())
	}
}

func unmap[T float32 | float64 | int | bool](data *tensor.Dense, count int, inds []bool, fill T) (*tensor.Dense, error) {
	rows, width := rowLayout(data)
	src, err := Backing[T](data)
	if err != nil {
		return nil, err
	}

	ret := make([]T, count*width)
	for i := range ret {
		ret[i] = fill
	}

	k := 0
	for i, in := range inds {
		if !in {
			continue
		}
		if k >= rows {
			return nil, errors.Errorf("unmap: more flags set than the %d data rows", rows)
		}
		copy(ret[i*width:(i+1)*width], src[k*width:(k+1)*width])
		k++
	}
	if k != rows {
		return nil, errors.Errorf("unmap: %d flags set for %d data rows", k, rows)
	}

	shape := append([]int{count}, data.Shape()[1:]...)
	return NewDense(DeviceOf(data), ret, shape...), nil
}

// ImagesToLevels converts per-image targets, each flat over all levels, into per-level targets
// stacked over images: [img0, img1, ...] -> [level0, level1, ...] where level l has shape
// (numImages, numLevelAnchors[l], ...). The batch axis is kept even for a single image.
func ImagesToLevels(targets []*tensor.Dense, numLevelAnchors []int) ([]*tensor.Dense, error) {
	if len(targets) == 0 {
		return nil, errors.New("no targets to regroup")
	}
	switch targets[0].Dtype() {
	case tensor.Float32:
		return imagesToLevels[float32](targets, numLevelAnchors)
	case tensor.Float64:
		return imagesToLevels[float64](targets, numLevelAnchors)
	case tensor.Int:
		return imagesToLevels[int](targets, numLevelAnchors)
	case tensor.Bool:
		return imagesToLevels[bool](targets, numLevelAnchors)
	default:
		return nil, errors.Errorf("unsupported dtype %v", targets[0].Dtype())
	}
}

func imagesToLevels[T float32 | float64 | int | bool](targets []*tensor.Dense, numLevelAnchors []int) ([]*tensor.Dense, error) {
	total := 0
	for _, n := range numLevelAnchors {
		total += n
	}

	rowShape := targets[0].Shape()[1:]
	_, width := rowLayout(targets[0])
	sources := make([][]T, len(targets))
	for i, t := range targets {
		rows, w := rowLayout(t)
		if rows != total || w != width {
			return nil, errors.Errorf("image %d target has shape %v, expected %d rows of width %d", i, t.Shape(), total, width)
		}
		src, err := Backing[T](t)
		if err != nil {
			return nil, err
		}
		sources[i] = src
	}

	device := DeviceOf(targets[0])
	levels := make([]*tensor.Dense, 0, len(numLevelAnchors))
	start := 0
	for _, n := range numLevelAnchors {
		end := start + n
		out := make([]T, 0, len(targets)*n*width)
		for _, src := range sources {
			out = append(out, src[start*width:end*width]...)
		}
		shape := append([]int{len(targets), n}, rowShape...)
		levels = append(levels, NewDense(device, out, shape...))
		start = end
	}
	return levels, nil
}
