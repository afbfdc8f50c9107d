// Package harness runs batch lifecycle scenarios against the real engine and
// ledger with a scripted external ledger and a settable clock.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: retry_after_submit_failure
//	description: "A failed submission is retried as the same batch"
//	start: 2026-03-01T12:00:00Z
//	run_ids: [run-1, run-2]
//	chain:
//	  - submit_error: rpc unavailable
//	  - tx_ref: 0xT2
//	    attestation_id: U2
//	steps:
//	  - records:
//	      - {RECORD_ID: A, amount: 10}
//	  - run: {}
//	  - advance: 31s
//	  - run:
//	      outcome: confirmed
//	assertions:
//	  - type: batch
//	    batch_id: 2026-03-01T12-00-00Z
//	    expect: {status: confirmed, tx_ref: 0xT2}
//	  - type: submissions
//	    count: 2
//
// # Steps
//
// Each step sets exactly one of:
//
//   - records: appends input records (each needs RECORD_ID)
//   - run: one RunOnce pass, with optional expected outcome and recovery outcomes
//   - recover: one recovery-only pass, with optional expected recovery outcomes
//   - advance: moves the clock forward by a duration
//   - receipt: scripts the receipt lookup answer for a tx ref
//   - orphan: writes a batch's artifacts and header but no members, as left by
//     a crash between the two ledger writes
//
// chain entries script Submit calls in order. Unscripted submissions succeed
// with tx refs 0xT1, 0xT2, ... and attestation ids U1, U2, ...
//
// # Assertion Types
//
//   - batch: subset match on one batch (status, phase, tx_ref, attestation_id,
//     retry_count, members)
//   - batches: number of batches in the ledger
//   - submissions: number of Submit calls, optionally the batch id of each
//   - events: notification event types in order
//   - confirmed: record ids anchored for good
//
// After every step the ledger principles (see CheckPrinciples) must hold.
// The trace of a run can be compared against a golden file with RunWithGolden.
package harness
