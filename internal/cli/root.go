package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags shared by all commands.
type RootOptions struct {
	Verbose bool
}

// NewRootCommand creates the root command for the go-yolo CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "go-yolo",
		Short: "YOLOv4-style detector training pipeline",
		Long: `go-yolo trains a detector with gradient accumulation, a burn-in
learning rate schedule, rotated epoch checkpoints, an emergency save on
interrupt, TensorBoard event files and a SQLite run journal.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			configureLogging(opts.Verbose)
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(NewTrainCommand(opts))
	cmd.AddCommand(NewConvertCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))

	return cmd
}

// configureLogging installs the process-wide text handler at the level
// the verbose flag selects.
func configureLogging(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}
