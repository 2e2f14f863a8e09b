package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cruxml/go-yolo/runlog"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Database string
	Run      string
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the epoch table of a recorded run",
		Long: `Show the per-epoch records of a training run from the run journal.

Without --run the most recently started run is shown.

Example:
  go-yolo history --db checkpoints/runs.db
  go-yolo history --db checkpoints/runs.db --run 9f1c2a...`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "run journal database (required)")
	cmd.Flags().StringVar(&opts.Run, "run", "", "run id (default: latest run)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runHistory(opts *HistoryOptions, cmd *cobra.Command) error {
	journal, err := runlog.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open run journal", err)
	}
	defer journal.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	runs, err := journal.Runs(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list runs", err)
	}
	if len(runs) == 0 {
		return NewExitError(ExitCommandError, "the journal holds no runs")
	}

	var selected *runlog.Run
	if opts.Run == "" {
		selected = &runs[0]
	} else {
		for i := range runs {
			if runs[i].ID == opts.Run {
				selected = &runs[i]
				break
			}
		}
		if selected == nil {
			return NewExitError(ExitCommandError, fmt.Sprintf("run %s not found in the journal", opts.Run))
		}
	}

	records, err := journal.History(ctx, selected.ID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read run history", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Run:     %s\n", selected.ID)
	fmt.Fprintf(out, "Status:  %s\n", selected.Status)
	fmt.Fprintf(out, "Started: %s\n", selected.StartedAt.Local().Format(time.DateTime))
	if len(records) == 0 {
		fmt.Fprintln(out, "No epochs recorded.")
		return nil
	}
	fmt.Fprintln(out)

	w := tabwriter.NewWriter(out, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "EPOCH\tLOSS\tVAL\tLR\tSTEP\tCHECKPOINT")
	for _, r := range records {
		val := "-"
		if r.HasValLoss {
			val = fmt.Sprintf("%.4f", r.ValLoss)
		}
		ckpt := "-"
		if r.Checkpoint != "" {
			ckpt = filepath.Base(r.Checkpoint)
		}
		fmt.Fprintf(w, "%d\t%.4f\t%s\t%g\t%d\t%s\n",
			r.Epoch, r.TrainLoss, val, r.LearningRate, r.GlobalStep, ckpt)
	}
	return w.Flush()
}
