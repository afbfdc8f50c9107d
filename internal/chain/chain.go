// Package chain defines the external ledger collaborators the lifecycle
// engine depends on: a submitter that anchors a batch summary and a receipt
// checker that reports what happened to a recorded submission.
//
// Implementations live in subpackages (eas, local). The engine only sees
// these interfaces and receives them explicitly at construction.
package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Summary is the compact proof-of-batch sent to the ledger.
type Summary struct {
	MerkleRoot    common.Hash
	BatchID       string
	Count         uint64
	ProofsPointer string
}

// Attestation is the outcome of a finalized submission.
type Attestation struct {
	ID    string
	TxRef string
}

// Submitter anchors batch summaries.
type Submitter interface {
	// Submit sends the summary and returns as soon as the ledger has accepted
	// the transaction. Failures are returned as *SubmitError.
	Submit(ctx context.Context, s Summary) (Pending, error)
}

// Pending is an accepted, not yet finalized submission.
type Pending interface {
	TxRef() string
	// Wait blocks until the submission is final or a bounded timeout expires
	// (ErrTimeout).
	Wait(ctx context.Context) (Attestation, error)
}

// ReceiptStatus is the ledger's view of a transaction reference.
type ReceiptStatus string

const (
	ReceiptConfirmed ReceiptStatus = "confirmed"
	ReceiptPending   ReceiptStatus = "pending"
	ReceiptNotFound  ReceiptStatus = "not_found"
	ReceiptReverted  ReceiptStatus = "reverted"
)

// Receipt is the answer to a receipt lookup. AttestationID is set only when
// the status is confirmed and the id could be read from the receipt.
type Receipt struct {
	Status        ReceiptStatus
	AttestationID string
}

// ReceiptChecker looks up recorded submissions.
type ReceiptChecker interface {
	Receipt(ctx context.Context, txRef string) (Receipt, error)
}

// ErrTimeout is returned when the ledger did not accept a submission, or
// Pending.Wait did not observe finality, in time.
var ErrTimeout = errors.New("chain: ledger timed out")

// SubmitError is a failure reported by the ledger client.
type SubmitError struct {
	Op    string // "submit" or "wait"
	TxRef string
	Err   error
}

func (e *SubmitError) Error() string {
	if e.TxRef != "" {
		return fmt.Sprintf("chain %s (tx=%s): %v", e.Op, e.TxRef, e.Err)
	}
	return fmt.Sprintf("chain %s: %v", e.Op, e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// IsSubmitError reports whether err wraps a *SubmitError.
func IsSubmitError(err error) bool {
	var se *SubmitError
	return errors.As(err, &se)
}
