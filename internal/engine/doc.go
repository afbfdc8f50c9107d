// Package engine drives batches through their lifecycle and reconciles
// batches left behind by earlier runs.
//
// ARCHITECTURE:
//
// One pass, one flow. RunOnce always starts with a recovery pass, then
// builds at most one new batch from records the ledger has not seen:
//
//  1. Recover: every retryable header is reconciled (receipt lookup when a
//     transaction reference is recorded, re-submission of the same batch when
//     none is).
//  2. Load new records, build the tree, allocate a batch id.
//  3. Write the root and proofs files, then persist header and members in one
//     ledger transaction. Nothing is submitted before this write commits.
//  4. Claim the attempt, submit, record the transaction reference right away.
//  5. Wait (bounded by the submitter) and confirm, or mark the batch failed.
//
// CRITICAL PATTERNS:
//
// The ledger is the only shared state. Two processes running the engine
// against the same ledger cannot submit one batch twice: ClaimAttempt and
// MarkSent are status-gated conditional writes, and a batch with a recorded
// transaction reference is only ever looked up, never re-submitted.
//
// Per-batch failures (submission, confirmation, receipt lookup) are turned
// into ledger state and never returned. Only ledger, input and artifact
// errors escape RunOnce and Recover; they are *RunError values.
package engine
