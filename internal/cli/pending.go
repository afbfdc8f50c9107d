package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/batchanchor/internal/store"
)

// PendingOptions holds flags for the pending command.
type PendingOptions struct {
	*RootOptions
	All bool

	// Now overrides the clock used for the retry gate (for testing).
	Now func() time.Time
}

// PendingBatch is one unfinished batch as printed by the pending command.
type PendingBatch struct {
	BatchID       string     `json:"batch_id"`
	Phase         string     `json:"phase"`
	MerkleRoot    string     `json:"merkle_root"`
	ProofsPointer string     `json:"proofs_pointer"`
	TxRef         string     `json:"tx_ref,omitempty"`
	RetryCount    int        `json:"retry_count"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// NewPendingCommand creates the pending command.
func NewPendingCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PendingOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List batches the next recovery pass would pick up",
		Long: `List pending and failed batches whose last attempt is older than the
retry delay. With --all, list every unfinished batch regardless of the delay.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPending(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.All, "all", false, "ignore the retry delay")

	return cmd
}

func runPending(opts *PendingOptions, cmd *cobra.Command) error {
	a, err := openApp(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}

	var headers []store.Header
	if opts.All {
		headers, err = a.store.ListHeaders(cmd.Context(), store.StatusPending, store.StatusFailed)
	} else {
		headers, err = a.store.ListRetryable(cmd.Context(), now(), a.cfg.Retry.MinDelay)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list batches", err)
	}

	batches := make([]PendingBatch, 0, len(headers))
	for _, h := range headers {
		batches = append(batches, PendingBatch{
			BatchID:       h.BatchID,
			Phase:         string(h.Phase()),
			MerkleRoot:    h.MerkleRoot.Hex(),
			ProofsPointer: h.ProofsPointer,
			TxRef:         h.TxRef,
			RetryCount:    h.RetryCount,
			LastAttemptAt: h.LastAttemptAt,
			Error:         h.Error,
		})
	}

	w := cmd.OutOrStdout()
	if opts.Format == "json" {
		return writeJSON(w, batches)
	}
	writePendingText(w, batches)
	return nil
}

func writePendingText(w io.Writer, batches []PendingBatch) {
	if len(batches) == 0 {
		fmt.Fprintln(w, "No unfinished batches.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BATCH\tPHASE\tRETRIES\tTX\tERROR")
	for _, b := range batches {
		tx := b.TxRef
		if tx == "" {
			tx = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", b.BatchID, b.Phase, b.RetryCount, tx, b.Error)
	}
	tw.Flush()
}
