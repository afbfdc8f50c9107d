package harness

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"

	"github.com/roach88/batchanchor/internal/merkle"
	"github.com/roach88/batchanchor/internal/store"
)

// CheckPrinciples verifies the ledger properties that must hold between any
// two steps, whatever the scenario did:
//
//   - a confirmed batch has a tx ref and an attestation id, and so do all of
//     its members
//   - members carry their header's root and proofs pointer
//   - an unconfirmed batch has no confirmed members
//   - when a batch has members and its proofs file exists, the file lists
//     exactly those members and every proof folds to the root
//
// It returns one message per violation.
func CheckPrinciples(ctx context.Context, st *store.Store) ([]string, error) {
	headers, err := st.ListHeaders(ctx)
	if err != nil {
		return nil, err
	}

	var out []string
	for _, h := range headers {
		members, err := st.Members(ctx, h.BatchID)
		if err != nil {
			return nil, err
		}
		out = append(out, checkBatch(h, members)...)

		v, err := checkProofs(h, members)
		if err != nil {
			return nil, err
		}
		out = append(out, v...)
	}
	return out, nil
}

func checkBatch(h store.Header, members []store.Member) []string {
	var out []string
	confirmed := h.Status == store.StatusConfirmed
	if confirmed && (h.TxRef == "" || h.AttestationID == "") {
		out = append(out, fmt.Sprintf("batch %s is confirmed without tx ref or attestation id", h.BatchID))
	}
	for _, m := range members {
		if m.MerkleRoot != h.MerkleRoot || m.ProofsPointer != h.ProofsPointer {
			out = append(out, fmt.Sprintf("member %s of %s disagrees with its header", m.RecordID, h.BatchID))
		}
		switch {
		case confirmed && m.Status != store.StatusConfirmed:
			out = append(out, fmt.Sprintf("member %s of confirmed batch %s is %s", m.RecordID, h.BatchID, m.Status))
		case confirmed && m.AttestationID != h.AttestationID:
			out = append(out, fmt.Sprintf("member %s of %s has attestation %q, header has %q", m.RecordID, h.BatchID, m.AttestationID, h.AttestationID))
		case !confirmed && m.Status == store.StatusConfirmed:
			out = append(out, fmt.Sprintf("member %s is confirmed but batch %s is %s", m.RecordID, h.BatchID, h.Status))
		}
	}
	return out
}

func checkProofs(h store.Header, members []store.Member) ([]string, error) {
	if len(members) == 0 {
		return nil, nil
	}
	lines, err := merkle.ReadProofs(h.ProofsPointer)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []string
	fileIDs := make([]string, 0, len(lines))
	for _, pl := range lines {
		fileIDs = append(fileIDs, pl.RecordID)
		if !merkle.Verify(pl.Leaf, pl.Proof, h.MerkleRoot) {
			out = append(out, fmt.Sprintf("proof of %s does not fold to the root of %s", pl.RecordID, h.BatchID))
		}
	}
	memberIDs := make([]string, 0, len(members))
	for _, m := range members {
		memberIDs = append(memberIDs, m.RecordID)
	}
	sort.Strings(fileIDs)
	sort.Strings(memberIDs)
	if fmt.Sprint(fileIDs) != fmt.Sprint(memberIDs) {
		out = append(out, fmt.Sprintf("proofs of %s list %v, ledger has %v", h.BatchID, fileIDs, memberIDs))
	}
	return out, nil
}
