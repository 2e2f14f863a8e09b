package cli

import (
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/cruxml/go-yolo/dataset"
)

// ConvertOptions holds flags for the convert command.
type ConvertOptions struct {
	*RootOptions
	Labels      string
	Images      string
	Output      string
	ValFraction float64
	Seed        int64
}

// NewConvertCommand creates the convert command.
func NewConvertCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ConvertOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "convert",
		Short: "Convert YOLO label files into training manifests",
		Long: `Convert per-image YOLO label files into train/val manifests.

Each <stem>.txt in the labels directory carries "class cx cy w h" lines
with coordinates normalized to [0,1]. The matching image is located in
the images directory, the boxes are denormalized to absolute pixel
corners, and the shuffled result is split into train.txt and val.txt.
Images that cannot be resolved are skipped with a warning.

Example:
  go-yolo convert --labels data/labels --images data/images --output data`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConvert(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Labels, "labels", "", "directory of YOLO label files (required)")
	cmd.Flags().StringVar(&opts.Images, "images", "", "directory of matching images (required)")
	cmd.Flags().StringVar(&opts.Output, "output", "data", "directory receiving train.txt and val.txt")
	cmd.Flags().Float64Var(&opts.ValFraction, "val-fraction", 0.1, "fraction of images held out for validation")
	cmd.Flags().Int64Var(&opts.Seed, "seed", 0, "shuffle seed (0 draws from the clock)")
	_ = cmd.MarkFlagRequired("labels")
	_ = cmd.MarkFlagRequired("images")

	return cmd
}

func runConvert(opts *ConvertOptions, cmd *cobra.Command) error {
	stats, err := dataset.Convert(dataset.ConvertOptions{
		LabelsDir:   opts.Labels,
		ImagesDir:   opts.Images,
		OutputDir:   opts.Output,
		ValFraction: opts.ValFraction,
		Seed:        opts.Seed,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "conversion failed", err)
	}

	p := message.NewPrinter(language.English)
	out := cmd.OutOrStdout()
	p.Fprintf(out, "Converted %d images (%d boxes), skipped %d.\n",
		stats.Converted, stats.Boxes, stats.Skipped)
	p.Fprintf(out, "Wrote %d training and %d validation lines to %s.\n",
		stats.Train, stats.Val, opts.Output)
	return nil
}
