package main

import (
	"github.com/cwbudde/demonsreg/internal/config"
	"github.com/cwbudde/demonsreg/internal/demons"
	"github.com/spf13/cobra"
)

// engineFlags mirrors demons.Params on the command line. Only flags the user
// set override the config file.
type engineFlags struct {
	imageSigma    float64
	gradientSigma float64
	drSigma       float64
	rSigma        float64
	scale         float64
	delta         float64
	spacing       float64
	epsilon       float64
	workers       int
}

func addEngineFlags(cmd *cobra.Command) *engineFlags {
	d := demons.DefaultParams()
	f := &engineFlags{}
	flags := cmd.Flags()
	flags.Float64Var(&f.imageSigma, "image-sigma", d.ImageSigma, "Gaussian sigma applied to the fixed and displaced images")
	flags.Float64Var(&f.gradientSigma, "gradient-sigma", d.GradientSigma, "Gaussian sigma applied to both gradients")
	flags.Float64Var(&f.drSigma, "dr-sigma", d.DrSigma, "Gaussian sigma applied to the force increment (fluid)")
	flags.Float64Var(&f.rSigma, "r-sigma", d.RSigma, "Gaussian sigma applied to the displacement field (elastic)")
	flags.Float64Var(&f.scale, "scale", d.Scale, "Fraction of the displacement applied when warping")
	flags.Float64Var(&f.delta, "delta", d.Delta, "Physical pixel spacing")
	flags.Float64Var(&f.spacing, "spacing", d.Spacing, "Intensity normalization of the force; the force scales with its square")
	flags.Float64Var(&f.epsilon, "epsilon", d.Epsilon, "Force denominator below which the force is zero")
	flags.IntVar(&f.workers, "workers", d.Workers, "Kernel worker goroutines (0 = GOMAXPROCS)")
	return f
}

// apply copies every changed flag into p.
func (f *engineFlags) apply(cmd *cobra.Command, p *demons.Params) {
	changed := cmd.Flags().Changed
	if changed("image-sigma") {
		p.ImageSigma = f.imageSigma
	}
	if changed("gradient-sigma") {
		p.GradientSigma = f.gradientSigma
	}
	if changed("dr-sigma") {
		p.DrSigma = f.drSigma
	}
	if changed("r-sigma") {
		p.RSigma = f.rSigma
	}
	if changed("scale") {
		p.Scale = f.scale
	}
	if changed("delta") {
		p.Delta = f.delta
	}
	if changed("spacing") {
		p.Spacing = f.spacing
	}
	if changed("epsilon") {
		p.Epsilon = f.epsilon
	}
	if changed("workers") {
		p.Workers = f.workers
	}
}

// imageFlags selects the image pair.
type imageFlags struct {
	fixed  string
	moving string
	width  int
	height int
}

func addImageFlags(cmd *cobra.Command) *imageFlags {
	f := &imageFlags{}
	flags := cmd.Flags()
	flags.StringVar(&f.fixed, "fixed", "", "Fixed (target) image path")
	flags.StringVar(&f.moving, "moving", "", "Moving (source) image path")
	flags.IntVar(&f.width, "width", 0, "Resample both images to this width")
	flags.IntVar(&f.height, "height", 0, "Resample both images to this height")
	return f
}

func (f *imageFlags) apply(cmd *cobra.Command, images *config.Images) {
	changed := cmd.Flags().Changed
	if changed("fixed") {
		images.Fixed = f.fixed
	}
	if changed("moving") {
		images.Moving = f.moving
	}
	if changed("width") {
		images.Width = f.width
	}
	if changed("height") {
		images.Height = f.height
	}
}

// dataDir returns flagValue when --data-dir was given and the configured
// server data directory otherwise.
func dataDir(cmd *cobra.Command, flagValue string) string {
	if cfg == nil || (cmd != nil && cmd.Flags().Changed("data-dir")) {
		return flagValue
	}
	return cfg.Server.DataDir
}
