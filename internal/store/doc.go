// Package store provides the SQLite-backed batch ledger.
//
// The ledger is the single source of truth for what has been anchored. One
// relation holds two kinds of rows, told apart by the kind column:
//   - header: one per batch (record_id = batch_id), carries the submission state
//   - member: one per record, carries the batch it belongs to and its own status
//
// A single scan over the relation answers both "pending work on record X" and
// "pending submission of batch Y".
//
// # State machine (header rows)
//
//	(none)    --CreateBatch-->   pending
//	pending   --MarkSent-->      pending (tx_hash recorded, retry_count+1)
//	pending   --MarkConfirmed--> confirmed (terminal; members confirmed in the same tx)
//	pending   --MarkFailed-->    failed
//	failed    --ClaimAttempt-->  pending (only after the retry delay)
//
// # Concurrency
//
// Two processes may run against one ledger file. Every transition is a
// status-gated conditional UPDATE or an insert-if-absent, never a
// read-modify-write in Go, so at most one process wins each transition.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON
//
// Timestamps are stored as fixed-width UTC text so that lexical order is time order.
package store
