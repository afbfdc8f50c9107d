package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/batchanchor/internal/engine"
)

// RecoverOptions holds flags for the recover command.
type RecoverOptions struct {
	*RootOptions

	// EngineOptions are appended when the engine is built (for testing).
	EngineOptions []engine.Option
}

// NewRecoverCommand creates the recover command.
func NewRecoverCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RecoverOptions{RootOptions: rootOpts}

	return &cobra.Command{
		Use:   "recover",
		Short: "Reconcile unfinished batches without creating new ones",
		Long: `Run only the recovery scan: every pending or failed batch past the retry
delay is looked up on the ledger (when it has a transaction) or resubmitted
(when it has none). No input records are read.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecover(opts, cmd)
		},
	}
}

func runRecover(opts *RecoverOptions, cmd *cobra.Command) error {
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

	rep, err := eng.Recover(ctx)
	if err != nil {
		return runExitError(err)
	}

	w := cmd.OutOrStdout()
	if opts.Format == "json" {
		return writeJSON(w, rep)
	}
	writeRecoveryText(w, rep)
	return nil
}
