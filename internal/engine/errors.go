package engine

import (
	"errors"
	"fmt"
)

// RunError is an error that aborts an engine pass. Per-batch submission
// failures never produce one; they are recorded in the ledger instead.
type RunError struct {
	// Code identifies the error category.
	Code RunErrorCode

	// Op is the step that failed ("create batch", "mark sent", ...).
	Op string

	// BatchID identifies the affected batch, if any.
	BatchID string

	// RunID identifies the pass.
	RunID string

	Err error
}

// RunErrorCode categorizes pass-aborting errors.
type RunErrorCode string

const (
	// ErrCodeLedger indicates the ledger could not be read or written.
	ErrCodeLedger RunErrorCode = "LEDGER_ERROR"

	// ErrCodeInput indicates input records could not be loaded or hashed.
	ErrCodeInput RunErrorCode = "INPUT_ERROR"

	// ErrCodeArtifacts indicates root or proofs files could not be written or read.
	ErrCodeArtifacts RunErrorCode = "ARTIFACT_ERROR"
)

// Error implements the error interface.
func (e *RunError) Error() string {
	if e.BatchID != "" {
		return fmt.Sprintf("%s: %s %s: %v", e.Code, e.Op, e.BatchID, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Op, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// IsLedgerError returns true if err is a RunError with ErrCodeLedger.
// Uses errors.As to handle wrapped errors.
func IsLedgerError(err error) bool {
	var re *RunError
	if errors.As(err, &re) {
		return re.Code == ErrCodeLedger
	}
	return false
}

func ledgerError(runID, op, batchID string, err error) *RunError {
	return &RunError{Code: ErrCodeLedger, Op: op, BatchID: batchID, RunID: runID, Err: err}
}
