package config

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	// ConfigFileName is the base name searched for when no file is given.
	ConfigFileName = "anchortarget"

	// EnvPrefix is the prefix for environment overrides, e.g. ANCHOR_TARGET_POS_WEIGHT.
	EnvPrefix = "ANCHOR"
)

// Loader reads PipelineParams from a YAML file, the environment and defaults.
type Loader struct {
	v *viper.Viper
}

func NewLoader() *Loader {
	return &Loader{v: viper.New()}
}

// Load reads the first anchortarget.yaml found in the search paths. A missing file is not an error.
func (l *Loader) Load() (*PipelineParams, error) {
	l.v.SetConfigName(ConfigFileName)
	l.v.SetConfigType("yaml")
	l.v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		l.v.AddConfigPath(home)
	}
	l.setup()

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "error reading config file")
		}
	}
	return l.decode()
}

// LoadWithFile reads the given file; an empty path falls back to Load.
func (l *Loader) LoadWithFile(configFile string) (*PipelineParams, error) {
	if configFile == "" {
		return l.Load()
	}
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		return nil, errors.Errorf("config file does not exist: %s", configFile)
	}
	l.v.SetConfigFile(configFile)
	l.setup()

	if err := l.v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "error reading config file %s", configFile)
	}
	return l.decode()
}

func (l *Loader) Set(key string, value any) {
	l.v.Set(key, value)
}

func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

func (l *Loader) decode() (*PipelineParams, error) {
	var params PipelineParams
	if err := l.v.Unmarshal(&params); err != nil {
		return nil, errors.Wrap(err, "error unmarshaling config")
	}
	if err := params.Validate(); err != nil {
		return nil, errors.Wrap(err, "configuration validation failed")
	}
	return &params, nil
}

func (l *Loader) setup() {
	l.v.SetEnvPrefix(EnvPrefix)
	l.v.AutomaticEnv()
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	l.setDefaults()
}

func (l *Loader) setDefaults() {
	d := DefaultPipelineParams

	l.v.SetDefault("anchor.base_size", d.Anchor.BaseSize)
	l.v.SetDefault("anchor.ratios", d.Anchor.Ratios)
	l.v.SetDefault("anchor.scales", d.Anchor.Scales)
	l.v.SetDefault("anchor.scale_major", d.Anchor.IsScaleMajor())
	l.v.SetDefault("strides", d.Strides)

	l.v.SetDefault("target.allowed_border", d.Target.AllowedBorder)
	l.v.SetDefault("target.pos_weight", d.Target.PosWeight)
	l.v.SetDefault("target.empty_image_policy", string(d.Target.EmptyImagePolicy))

	l.v.SetDefault("target.assigner.type", string(d.Target.Assigner.Type))
	l.v.SetDefault("target.assigner.pos_iou_thr", d.Target.Assigner.PosIoUThr)
	l.v.SetDefault("target.assigner.neg_iou_thr", d.Target.Assigner.NegIoUThr[:])
	l.v.SetDefault("target.assigner.min_pos_iou", d.Target.Assigner.MinPosIoU)
	l.v.SetDefault("target.assigner.gt_max_assign_all", d.Target.Assigner.GtMaxAssignAll)
	l.v.SetDefault("target.assigner.ignore_iof_thr", d.Target.Assigner.IgnoreIoFThr)

	l.v.SetDefault("target.sampler.num", d.Target.Sampler.Num)
	l.v.SetDefault("target.sampler.pos_fraction", d.Target.Sampler.PosFraction)
	l.v.SetDefault("target.sampler.neg_pos_ub", d.Target.Sampler.NegPosUB)
	l.v.SetDefault("target.sampler.seed", d.Target.Sampler.Seed)

	l.v.SetDefault("target_means", d.TargetMeans[:])
	l.v.SetDefault("target_stds", d.TargetStds[:])
	l.v.SetDefault("sampling", d.Sampling)
	l.v.SetDefault("unmap_outputs", d.UnmapOutputs)
	l.v.SetDefault("workers", d.Workers)
}
