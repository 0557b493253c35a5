package cmd

import (
	"fmt"
	"io"

	anchortarget "github.com/okieraised/go-anchor-target"
	"github.com/okieraised/go-anchor-target/rcnn"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

type levelSummary struct {
	Level      int   `yaml:"level"`
	Stride     int   `yaml:"stride"`
	Shape      []int `yaml:"shape,flow"`
	NumPos     int   `yaml:"num_pos"`
	NumNeg     int   `yaml:"num_neg"`
	NumIgnored int   `yaml:"num_ignored"`
	LabelsSeen []int `yaml:"labels,flow"`
}

type targetSummary struct {
	NumImages   int            `yaml:"num_images"`
	NumTotalPos int            `yaml:"num_total_pos"`
	NumTotalNeg int            `yaml:"num_total_neg"`
	Levels      []levelSummary `yaml:"levels"`
}

func newTargetsCommand(a *app) *cobra.Command {
	var (
		batchPath string
		format    string
	)

	cmd := &cobra.Command{
		Use:   "targets",
		Short: "Compute anchor targets for a batch described in YAML",
		Long: `Compute classification and regression targets for every anchor of a batch and print
per-level counts of positive, negative and ignored anchors.

The batch file lists the images:

  featmap_sizes: [[16, 16], [8, 8]]   # optional, derived from the strides
  images:
    - img_shape: [64, 64, 3]
      gt_bboxes: [[8, 8, 40, 40]]
      gt_labels: [1]                  # optional`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if batchPath == "" {
				return errors.New("--batch is required")
			}
			if format != "text" && format != "yaml" {
				return errors.Errorf("unknown format %q", format)
			}

			b, err := readBatchFile(batchPath)
			if err != nil {
				return err
			}
			p, err := anchortarget.NewTargetPipeline(a.params, anchortarget.WithLogger(a.logger))
			if err != nil {
				return err
			}
			in, err := b.tensors(p.Strides())
			if err != nil {
				return err
			}

			targets, err := p.ComputeTargets(in.featmapSizes, in.gtBBoxes, in.gtIgnore, in.gtLabels, in.imgMetas)
			if errors.Is(err, rcnn.ErrNoValidAnchors) {
				fmt.Fprintln(cmd.OutOrStdout(), "no targets: an image has no valid anchors")
				return nil
			}
			if err != nil {
				return err
			}

			summary := summarize(targets, p.Strides(), len(in.imgMetas))
			if format == "yaml" {
				return yaml.NewEncoder(cmd.OutOrStdout()).Encode(summary)
			}
			writeSummary(cmd.OutOrStdout(), summary)
			return nil
		},
	}

	cmd.Flags().StringVarP(&batchPath, "batch", "b", "", "YAML batch description")
	cmd.Flags().StringVarP(&format, "format", "f", "text", "output format (text, yaml)")
	return cmd
}

func summarize(targets *rcnn.Targets, strides []int, numImages int) targetSummary {
	s := targetSummary{
		NumImages:   numImages,
		NumTotalPos: targets.NumTotalPos,
		NumTotalNeg: targets.NumTotalNeg,
	}
	for l := range targets.Labels {
		labels := targets.Labels[l].Ints()
		labelWeights := targets.LabelWeights[l].Float32s()
		bboxWeights := targets.BBoxWeights[l].Float32s()

		level := levelSummary{
			Level:      l,
			Stride:     strides[l],
			Shape:      []int(targets.Labels[l].Shape()),
			LabelsSeen: []int{},
		}
		seen := make(map[int]bool)
		for i, label := range labels {
			switch {
			case bboxWeights[4*i] > 0:
				level.NumPos++
				if !seen[label] {
					seen[label] = true
					level.LabelsSeen = append(level.LabelsSeen, label)
				}
			case labelWeights[i] > 0:
				level.NumNeg++
			default:
				level.NumIgnored++
			}
		}
		s.Levels = append(s.Levels, level)
	}
	return s
}

func writeSummary(w io.Writer, s targetSummary) {
	fmt.Fprintf(w, "images: %d  total pos: %d  total neg: %d\n", s.NumImages, s.NumTotalPos, s.NumTotalNeg)
	for _, l := range s.Levels {
		fmt.Fprintf(w, "level %d (stride %d) shape %v: pos %d neg %d ignored %d labels %v\n",
			l.Level, l.Stride, l.Shape, l.NumPos, l.NumNeg, l.NumIgnored, l.LabelsSeen)
	}
}
