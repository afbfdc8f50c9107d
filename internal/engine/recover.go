package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/batchanchor/internal/chain"
	"github.com/roach88/batchanchor/internal/merkle"
	"github.com/roach88/batchanchor/internal/notify"
	"github.com/roach88/batchanchor/internal/store"
)

// Recover reconciles every retryable batch against the external ledger.
// It never creates batch ids and never moves members between batches.
func (e *Engine) Recover(ctx context.Context) (RecoveryReport, error) {
	return e.recover(ctx, e.newPass())
}

func (e *Engine) recover(ctx context.Context, p pass) (RecoveryReport, error) {
	rep := RecoveryReport{Outcomes: map[string]Outcome{}}

	headers, err := e.ledger.ListRetryable(ctx, e.clock.Now(), e.minRetryDelay)
	if err != nil {
		return rep, ledgerError(p.runID, "list retryable", "", err)
	}
	rep.Scanned = len(headers)

	for _, h := range headers {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		var outcome Outcome
		if h.TxRef != "" {
			outcome, err = e.reconcile(ctx, p, h)
		} else {
			outcome, err = e.resubmit(ctx, p, h)
		}
		if err != nil {
			return rep, err
		}
		rep.Outcomes[h.BatchID] = outcome
	}

	if rep.Scanned > 0 {
		p.logger.Info("recovery pass done", rep.logAttrs()...)
	}
	return rep, nil
}

// reconcile resolves a batch with a recorded transaction reference. It never
// submits: at most one submission per batch is outstanding.
func (e *Engine) reconcile(ctx context.Context, p pass, h store.Header) (Outcome, error) {
	log := p.logger.With("batch_id", h.BatchID, "tx_ref", h.TxRef)

	r, err := e.receipts.Receipt(ctx, h.TxRef)
	if err != nil {
		log.Warn("receipt lookup failed", "error", err)
		return OutcomeUntouched, nil
	}

	switch r.Status {
	case chain.ReceiptConfirmed:
		count, err := e.ledger.CountMembers(ctx, h.BatchID)
		if err != nil {
			return "", ledgerError(p.runID, "count members", h.BatchID, err)
		}
		return e.confirm(ctx, p, h.BatchID, r.AttestationID, h.TxRef, count)

	case chain.ReceiptPending:
		log.Debug("transaction still pending")
		return OutcomePending, nil

	case chain.ReceiptNotFound:
		since := h.CreatedAt
		if h.LastAttemptAt != nil {
			since = *h.LastAttemptAt
		}
		if age := e.clock.Now().Sub(since); age < e.staleAfter {
			log.Debug("transaction not found yet", "age", age)
			return OutcomePending, nil
		}
		return e.reset(ctx, p, h, "transaction not found after "+e.staleAfter.String())

	case chain.ReceiptReverted:
		return e.reset(ctx, p, h, "transaction reverted")

	default:
		log.Warn("unknown receipt status", "status", string(r.Status))
		return OutcomeUntouched, nil
	}
}

// reset forgets a dead transaction reference so the same batch is submitted
// again after the retry delay.
func (e *Engine) reset(ctx context.Context, p pass, h store.Header, reason string) (Outcome, error) {
	err := e.ledger.ResetSubmission(ctx, h.BatchID, reason, e.clock.Now())
	if isStale(err) {
		return OutcomeSkipped, nil
	}
	if err != nil {
		return "", ledgerError(p.runID, "reset submission", h.BatchID, err)
	}
	p.logger.Warn("submission reset", "batch_id", h.BatchID, "tx_ref", h.TxRef, "reason", reason)
	e.notify(ctx, p, notify.Event{
		Type:       notify.EventReset,
		BatchID:    h.BatchID,
		MerkleRoot: h.MerkleRoot.Hex(),
		TxRef:      h.TxRef,
		Error:      reason,
	})
	return OutcomeReset, nil
}

// resubmit submits an existing batch again with its stored root, pointer and
// member count. The tree is never rebuilt.
func (e *Engine) resubmit(ctx context.Context, p pass, h store.Header) (Outcome, error) {
	count, err := e.ledger.CountMembers(ctx, h.BatchID)
	if err != nil {
		return "", ledgerError(p.runID, "count members", h.BatchID, err)
	}
	if count == 0 {
		count, err = e.restoreMembers(ctx, p, h)
		if errors.Is(err, errProofsMismatch) {
			outcome, _, err := e.fail(ctx, p, h.BatchID, "", err)
			return outcome, err
		}
		if err != nil {
			return "", err
		}
		if count == 0 {
			p.logger.Warn("batch has no members and no readable proofs", "batch_id", h.BatchID, "proofs", h.ProofsPointer)
			return OutcomeUntouched, nil
		}
	}

	outcome, _, err := e.attempt(ctx, p, chain.Summary{
		MerkleRoot:    h.MerkleRoot,
		BatchID:       h.BatchID,
		Count:         uint64(count),
		ProofsPointer: h.ProofsPointer,
	})
	return outcome, err
}

// errProofsMismatch marks a proofs file that does not belong to its header.
var errProofsMismatch = errors.New("proofs do not match root")

// restoreMembers completes a header whose member insert never happened,
// using the record ids of its proofs file. Every proof must verify against
// the stored root; otherwise errProofsMismatch is returned and nothing is
// written.
func (e *Engine) restoreMembers(ctx context.Context, p pass, h store.Header) (int, error) {
	lines, err := merkle.ReadProofs(h.ProofsPointer)
	if err != nil {
		p.logger.Warn("cannot read proofs of memberless batch", "batch_id", h.BatchID, "error", err)
		return 0, nil
	}

	ids := make([]string, 0, len(lines))
	for _, pl := range lines {
		if !merkle.Verify(pl.Leaf, pl.Proof, h.MerkleRoot) {
			return 0, fmt.Errorf("%w: proof of %s does not fold to %s", errProofsMismatch, pl.RecordID, h.MerkleRoot.Hex())
		}
		ids = append(ids, pl.RecordID)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	if err := e.ledger.AddMembers(ctx, h.BatchID, h.MerkleRoot, h.ProofsPointer, ids, h.CreatedAt); err != nil {
		return 0, ledgerError(p.runID, "restore members", h.BatchID, err)
	}
	p.logger.Info("members restored from proofs", "batch_id", h.BatchID, "count", len(ids))
	return len(ids), nil
}

