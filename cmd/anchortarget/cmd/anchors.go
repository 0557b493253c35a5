package cmd

import (
	"fmt"

	"github.com/okieraised/go-anchor-target/processing"
	"github.com/okieraised/go-anchor-target/utils"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newAnchorsCommand(a *app) *cobra.Command {
	var (
		baseSize   float32
		scales     []float32
		ratios     []float32
		scaleMajor bool
		stride     int
		featH      int
		featW      int
		validH     int
		validW     int
	)

	cmd := &cobra.Command{
		Use:   "anchors",
		Short: "Print the anchors of one feature level",
		Long: `Print the grid anchors of one feature level, one box per line in cell-major order,
followed by its valid flag. Anchor parameters default to the configured anchor head.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p := a.params.Anchor
			if cmd.Flags().Changed("base-size") {
				p.BaseSize = baseSize
			}
			if cmd.Flags().Changed("scales") {
				p.Scales = scales
			}
			if cmd.Flags().Changed("ratios") {
				p.Ratios = ratios
			}
			if cmd.Flags().Changed("scale-major") {
				p.ScaleMajor = &scaleMajor
			}
			if p.BaseSize == 0 {
				p.BaseSize = float32(stride)
			}
			if !cmd.Flags().Changed("valid-h") {
				validH = featH
			}
			if !cmd.Flags().Changed("valid-w") {
				validW = featW
			}

			g, err := processing.NewAnchorGeneratorFromParams(p, utils.CPU)
			if err != nil {
				return err
			}
			anchors, err := g.GridAnchors(featH, featW, stride)
			if err != nil {
				return err
			}
			valid, err := g.ValidFlags(featH, featW, validH, validW)
			if err != nil {
				return err
			}
			a.logger.Debug("generated anchors",
				zap.Int("num_base_anchors", g.NumBaseAnchors()),
				zap.Int("num_anchors", anchors.Shape()[0]),
			)

			out := cmd.OutOrStdout()
			data := anchors.Float32s()
			flags := valid.Bools()
			for i := range flags {
				fmt.Fprintf(out, "%g %g %g %g %t\n", data[4*i], data[4*i+1], data[4*i+2], data[4*i+3], flags[i])
			}
			return nil
		},
	}

	cmd.Flags().Float32Var(&baseSize, "base-size", 0, "base anchor size (default: the stride)")
	cmd.Flags().Float32SliceVar(&scales, "scales", nil, "anchor scales")
	cmd.Flags().Float32SliceVar(&ratios, "ratios", nil, "anchor height/width ratios")
	cmd.Flags().BoolVar(&scaleMajor, "scale-major", true, "iterate ratios outer and scales inner")
	cmd.Flags().IntVar(&stride, "stride", 16, "feature level stride in pixels")
	cmd.Flags().IntVar(&featH, "feat-h", 1, "feature map height")
	cmd.Flags().IntVar(&featW, "feat-w", 1, "feature map width")
	cmd.Flags().IntVar(&validH, "valid-h", 0, "valid feature rows (default: feat-h)")
	cmd.Flags().IntVar(&validW, "valid-w", 0, "valid feature columns (default: feat-w)")
	return cmd
}
