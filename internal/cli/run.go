package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/batchanchor/internal/engine"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Once     bool
	Interval time.Duration

	// EngineOptions are appended when the engine is built (for testing).
	EngineOptions []engine.Option
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Recover unfinished batches, then anchor new records",
		Long: `Run a lifecycle pass: reconcile every retryable batch with the ledger,
then build at most one new batch from records not yet anchored, write its
root and proofs files, and submit it.

With --interval (or run.interval in the config) the pass repeats until
interrupted. --once forces a single pass.

Example:
  batchanchor run --once
  batchanchor run --interval 5m --config batchanchor.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPasses(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Once, "once", false, "run a single pass and exit")
	cmd.Flags().DurationVar(&opts.Interval, "interval", 0, "repeat passes at this interval (overrides run.interval)")

	return cmd
}

func runPasses(opts *RunOptions, cmd *cobra.Command) error {
	a, err := openApp(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext(cmd)
	defer stop()

	eng, err := a.engine(ctx, opts.EngineOptions...)
	if err != nil {
		return err
	}

	interval := a.cfg.Run.Interval
	if opts.Interval > 0 {
		interval = opts.Interval
	}
	if opts.Once {
		interval = 0
	}

	w := cmd.OutOrStdout()
	if interval <= 0 {
		rep, err := eng.RunOnce(ctx)
		if err != nil {
			return runExitError(err)
		}
		return writeReport(w, opts.Format, rep)
	}

	a.logger.Info("anchoring loop started", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		rep, err := eng.RunOnce(ctx)
		switch {
		case err == nil:
			if werr := writeReport(w, opts.Format, rep); werr != nil {
				return werr
			}
		case ctx.Err() != nil:
		case engine.IsLedgerError(err):
			return runExitError(err)
		default:
			// Input and artifact problems may clear up before the next pass.
			a.logger.Error("pass failed", "run_id", rep.RunID, "error", err)
		}

		select {
		case <-ctx.Done():
			a.logger.Info("anchoring loop stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// signalContext is cancelled on SIGINT/SIGTERM or when the command's own
// context ends.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func writeReport(w io.Writer, format string, rep engine.Report) error {
	if format == "json" {
		return writeJSON(w, rep)
	}

	fmt.Fprintf(w, "Run: %s\n", rep.RunID)
	writeRecoveryText(w, rep.Recovery)
	if rep.Batch == nil {
		fmt.Fprintln(w, "No new records.")
		return nil
	}
	b := rep.Batch
	fmt.Fprintf(w, "Batch %s: %s\n", b.BatchID, outcomeText(b.Outcome))
	fmt.Fprintf(w, "  Records:     %d\n", b.Count)
	fmt.Fprintf(w, "  Merkle root: %s\n", b.MerkleRoot.Hex())
	fmt.Fprintf(w, "  Proofs:      %s\n", b.ProofsPointer)
	if b.TxRef != "" {
		fmt.Fprintf(w, "  Tx:          %s\n", b.TxRef)
	}
	return nil
}

func writeRecoveryText(w io.Writer, rec engine.RecoveryReport) {
	if rec.Scanned == 0 {
		fmt.Fprintln(w, "Recovery: nothing to do.")
		return
	}
	fmt.Fprintf(w, "Recovery: %d batch(es) scanned\n", rec.Scanned)
	for _, id := range rec.BatchIDs() {
		fmt.Fprintf(w, "  %s: %s\n", id, outcomeText(rec.Outcomes[id]))
	}
}
