package cmd

import (
	"os"

	"github.com/okieraised/go-anchor-target/config"
	"github.com/okieraised/go-anchor-target/utils"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"gorgonia.org/tensor"
)

// batchFile describes a batch of annotated images. FeatmapSizes may be left out, in which case
// they are derived from the largest padded image and the configured strides.
type batchFile struct {
	FeatmapSizes [][2]int     `yaml:"featmap_sizes"`
	Images       []batchImage `yaml:"images"`
}

type batchImage struct {
	ImgShape       []int        `yaml:"img_shape"`
	PadShape       []int        `yaml:"pad_shape"`
	GtBBoxes       [][4]float32 `yaml:"gt_bboxes"`
	GtBBoxesIgnore [][4]float32 `yaml:"gt_bboxes_ignore"`
	GtLabels       []int        `yaml:"gt_labels"`
}

// batchTensors is a batchFile converted to the inputs of TargetPipeline.ComputeTargets.
type batchTensors struct {
	featmapSizes [][2]int
	gtBBoxes     []*tensor.Dense
	gtIgnore     []*tensor.Dense
	gtLabels     []*tensor.Dense
	imgMetas     []config.ImageMeta
}

func readBatchFile(path string) (*batchFile, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "error reading batch file %s", path)
	}
	var b batchFile
	if err := yaml.Unmarshal(content, &b); err != nil {
		return nil, errors.Wrapf(err, "error parsing batch file %s", path)
	}
	if len(b.Images) == 0 {
		return nil, errors.Errorf("batch file %s has no images", path)
	}
	return &b, nil
}

func boxesToTensor(rows [][4]float32) *tensor.Dense {
	data := make([]float32, 0, 4*len(rows))
	for _, r := range rows {
		data = append(data, r[:]...)
	}
	return utils.NewDense(utils.CPU, data, len(rows), 4)
}

func (b *batchFile) tensors(strides []int) (*batchTensors, error) {
	out := &batchTensors{featmapSizes: b.FeatmapSizes}

	withLabels, withoutLabels := 0, 0
	maxH, maxW := 0, 0
	for i, img := range b.Images {
		meta := config.ImageMeta{ImgShape: img.ImgShape, PadShape: img.PadShape}
		if len(meta.ImgShape) < 2 {
			return nil, errors.Errorf("image %d: img_shape needs height and width", i)
		}
		if len(meta.PadShape) < 2 {
			meta.PadShape = meta.ImgShape
		}
		maxH, maxW = max(maxH, meta.PadShape[0]), max(maxW, meta.PadShape[1])
		out.imgMetas = append(out.imgMetas, meta)

		out.gtBBoxes = append(out.gtBBoxes, boxesToTensor(img.GtBBoxes))
		if len(img.GtBBoxesIgnore) > 0 {
			out.gtIgnore = append(out.gtIgnore, boxesToTensor(img.GtBBoxesIgnore))
		} else {
			out.gtIgnore = append(out.gtIgnore, nil)
		}

		if len(img.GtLabels) > 0 {
			if len(img.GtLabels) != len(img.GtBBoxes) {
				return nil, errors.Errorf("image %d: %d labels for %d boxes", i, len(img.GtLabels), len(img.GtBBoxes))
			}
			withLabels++
		} else if len(img.GtBBoxes) > 0 {
			withoutLabels++
		}
	}

	if withLabels > 0 && withoutLabels > 0 {
		return nil, errors.New("gt_labels must be given for every annotated image or for none")
	}
	if withLabels > 0 {
		for _, img := range b.Images {
			out.gtLabels = append(out.gtLabels, utils.NewDense(utils.CPU, append([]int(nil), img.GtLabels...), len(img.GtLabels)))
		}
	}

	if len(out.featmapSizes) == 0 {
		for _, s := range strides {
			out.featmapSizes = append(out.featmapSizes, [2]int{(maxH + s - 1) / s, (maxW + s - 1) / s})
		}
	}
	return out, nil
}
