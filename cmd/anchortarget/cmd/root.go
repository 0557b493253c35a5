package cmd

import (
	"fmt"
	"os"

	"github.com/okieraised/go-anchor-target/config"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// app carries the state shared by the subcommands of one invocation.
type app struct {
	cfgFile string
	verbose bool
	params  *config.PipelineParams
	logger  *zap.Logger
}

// NewRootCommand builds the anchortarget command tree.
func NewRootCommand() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "anchortarget",
		Short: "Generate detection anchors and compute their training targets",
		Long: `anchortarget generates multi-level anchors for an anchor based detector and
assigns them classification and box regression targets from ground-truth boxes.

Examples:
  anchortarget anchors --base-size 16 --scales 8 --ratios 0.5,1,2 --stride 16 --feat-h 2 --feat-w 2
  anchortarget targets --config anchortarget.yaml --batch batch.yaml`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (default is anchortarget.yaml in . or $HOME)")
	rootCmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(newAnchorsCommand(a))
	rootCmd.AddCommand(newTargetsCommand(a))
	return rootCmd
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func (a *app) init() error {
	var err error
	if a.verbose {
		a.logger, err = zap.NewDevelopment()
	} else {
		a.logger, err = zap.NewProduction()
	}
	if err != nil {
		return errors.Wrap(err, "error creating logger")
	}

	a.params, err = config.NewLoader().LoadWithFile(a.cfgFile)
	if err != nil {
		return errors.Wrap(err, "error loading configuration")
	}
	a.logger.Debug("configuration loaded", zap.String("file", a.cfgFile), zap.Ints("strides", a.params.Strides))
	return nil
}
