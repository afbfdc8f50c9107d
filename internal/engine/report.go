package engine

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// Outcome is what a pass did to one batch.
type Outcome string

const (
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeDegraded  Outcome = "confirmed_degraded" // confirmed with UnknownAttestation
	OutcomeFailed    Outcome = "failed"
	OutcomePending   Outcome = "pending"   // transaction outstanding, left as is
	OutcomeReset     Outcome = "reset"     // transaction dropped, resubmitted later
	OutcomeUntouched Outcome = "untouched" // lookup failed, retried next pass
	OutcomeSkipped   Outcome = "skipped"   // another run got there first
)

// BatchResult describes the batch created by a RunOnce pass.
type BatchResult struct {
	BatchID       string      `json:"batch_id"`
	MerkleRoot    common.Hash `json:"merkle_root"`
	Count         int         `json:"count"`
	ProofsPointer string      `json:"proofs_pointer"`
	TxRef         string      `json:"tx_ref,omitempty"`
	Outcome       Outcome     `json:"outcome"`
}

// Report summarizes one RunOnce pass. Batch is nil when there were no new
// records.
type Report struct {
	RunID    string         `json:"run_id"`
	Recovery RecoveryReport `json:"recovery"`
	Batch    *BatchResult   `json:"batch,omitempty"`
}

// RecoveryReport summarizes one recovery pass.
type RecoveryReport struct {
	Scanned  int                `json:"scanned"`
	Outcomes map[string]Outcome `json:"outcomes"`
}

// Count returns how many batches ended with outcome o.
func (r RecoveryReport) Count(o Outcome) int {
	n := 0
	for _, got := range r.Outcomes {
		if got == o {
			n++
		}
	}
	return n
}

// BatchIDs returns the scanned batch ids in order.
func (r RecoveryReport) BatchIDs() []string {
	ids := make([]string, 0, len(r.Outcomes))
	for id := range r.Outcomes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r RecoveryReport) logAttrs() []any {
	attrs := []any{"scanned", r.Scanned}
	for _, o := range []Outcome{OutcomeConfirmed, OutcomeDegraded, OutcomeFailed, OutcomePending, OutcomeReset, OutcomeUntouched, OutcomeSkipped} {
		if n := r.Count(o); n > 0 {
			attrs = append(attrs, string(o), n)
		}
	}
	return attrs
}
