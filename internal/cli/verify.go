package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/roach88/batchanchor/internal/merkle"
	"github.com/roach88/batchanchor/internal/record"
)

// VerifyOptions holds flags for the verify command.
type VerifyOptions struct {
	*RootOptions
	Proofs     string
	RecordFile string
	RecordID   string
	Root       string
}

// VerifyResult is the outcome of checking one record against a batch.
type VerifyResult struct {
	RecordID string `json:"record_id"`
	Leaf     string `json:"leaf"`
	Root     string `json:"root"`
	Valid    bool   `json:"valid"`
	Reason   string `json:"reason,omitempty"`
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &VerifyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check a record's inclusion proof against a batch root",
		Long: `Recompute a record's leaf from its canonical form, look up its proof in a
proofs file and fold it up to the Merkle root.

The root defaults to the one in the root file written next to the proofs file.
Exit code 1 means the record is not proven by the root.

Example:
  batchanchor verify --proofs merkle/proofs-2024-05-01T12-00-00Z.ndjson --record r.json
  batchanchor verify --proofs p.ndjson --record r.json --root 0xabc...`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Proofs, "proofs", "", "proofs file (required)")
	cmd.Flags().StringVar(&opts.RecordFile, "record", "", "file holding the record as JSON (required)")
	cmd.Flags().StringVar(&opts.RecordID, "record-id", "", "expected record id")
	cmd.Flags().StringVar(&opts.Root, "root", "", "expected Merkle root (0x-prefixed hex)")
	_ = cmd.MarkFlagRequired("proofs")
	_ = cmd.MarkFlagRequired("record")

	return cmd
}

func runVerify(opts *VerifyOptions, cmd *cobra.Command) error {
	data, err := os.ReadFile(opts.RecordFile)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read record", err)
	}
	rec, err := record.Parse(data)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid record", err)
	}
	if opts.RecordID != "" && opts.RecordID != rec.ID {
		return NewExitError(ExitCommandError, fmt.Sprintf("record id %q does not match --record-id %q", rec.ID, opts.RecordID))
	}
	leaf, err := rec.Leaf()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to hash record", err)
	}

	root, err := resolveRoot(opts)
	if err != nil {
		return err
	}

	lines, err := merkle.ReadProofs(opts.Proofs)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read proofs", err)
	}

	res := VerifyResult{RecordID: rec.ID, Leaf: leaf.Hex(), Root: root.Hex()}
	res.Valid, res.Reason = check(lines, rec.ID, leaf, root)

	w := cmd.OutOrStdout()
	if opts.Format == "json" {
		if err := writeJSON(w, res); err != nil {
			return err
		}
	} else if res.Valid {
		fmt.Fprintf(w, "%s: %s is included in %s\n", okMark("OK"), res.RecordID, res.Root)
	} else {
		fmt.Fprintf(w, "%s: %s: %s\n", failMark("FAIL"), res.RecordID, res.Reason)
	}

	if !res.Valid {
		return NewExitError(ExitFailure, "verification failed: "+res.Reason)
	}
	return nil
}

func check(lines []merkle.ProofLine, recordID string, leaf, root common.Hash) (bool, string) {
	for _, pl := range lines {
		if pl.RecordID != recordID {
			continue
		}
		if pl.Leaf != leaf {
			return false, "record content does not match the proven leaf"
		}
		if !merkle.Verify(leaf, pl.Proof, root) {
			return false, "proof does not fold to the root"
		}
		return true, ""
	}
	return false, "record not in proofs file"
}

// resolveRoot takes --root when set, otherwise the root file written
// alongside the proofs file.
func resolveRoot(opts *VerifyOptions) (common.Hash, error) {
	if opts.Root != "" {
		if !isHash(opts.Root) {
			return common.Hash{}, NewExitError(ExitCommandError, fmt.Sprintf("invalid root %q", opts.Root))
		}
		return common.HexToHash(opts.Root), nil
	}

	base := filepath.Base(opts.Proofs)
	if !strings.HasPrefix(base, "proofs-") || !strings.HasSuffix(base, ".ndjson") {
		return common.Hash{}, NewExitError(ExitCommandError, "--root is required when the proofs file name is not proofs-<batch_id>.ndjson")
	}
	batchID := strings.TrimSuffix(strings.TrimPrefix(base, "proofs-"), ".ndjson")
	rf, err := merkle.ReadRoot(merkle.RootPath(filepath.Dir(opts.Proofs), batchID))
	if err != nil {
		return common.Hash{}, WrapExitError(ExitCommandError, "failed to read root file", err)
	}
	if rf.ProofsCID != "" {
		data, err := os.ReadFile(opts.Proofs)
		if err != nil {
			return common.Hash{}, WrapExitError(ExitCommandError, "failed to read proofs", err)
		}
		got, err := merkle.ProofsCID(data)
		if err != nil {
			return common.Hash{}, WrapExitError(ExitCommandError, "failed to hash proofs", err)
		}
		if got != rf.ProofsCID {
			return common.Hash{}, NewExitError(ExitFailure, fmt.Sprintf("proofs file %s does not match its root file (cid %s, want %s)", base, got, rf.ProofsCID))
		}
	}
	return rf.Root, nil
}

func isHash(s string) bool {
	s = strings.TrimPrefix(s, "0x")
	if len(s) != 2*common.HashLength {
		return false
	}
	for _, c := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}
