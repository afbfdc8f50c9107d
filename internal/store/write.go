package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// CreateBatch persists a header and all of its members in one transaction.
// A crash or error leaves either the whole batch or nothing.
// Re-running it for the same batch is idempotent. An existing header with a
// different root or pointer is never touched: ErrBatchExists is returned and
// nothing is written.
func (s *Store) CreateBatch(ctx context.Context, b NewBatch) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := insertHeader(ctx, tx, b); err != nil {
			return fmt.Errorf("create batch %s: %w", b.BatchID, err)
		}
		if err := addMembers(ctx, tx, b.BatchID, b.MerkleRoot, b.ProofsPointer, b.RecordIDs, b.CreatedAt); err != nil {
			return fmt.Errorf("create batch %s: %w", b.BatchID, err)
		}
		return nil
	})
}

// CreateHeader inserts a batch header in pending if absent.
// If the header exists and is still pending without a transaction reference,
// its root and pointer are updated; in any other state this is a no-op.
func (s *Store) CreateHeader(ctx context.Context, batchID string, root common.Hash, proofsPointer string, now time.Time) error {
	if err := createHeader(ctx, s.db, batchID, root, proofsPointer, now); err != nil {
		return fmt.Errorf("create header %s: %w", batchID, err)
	}
	return nil
}

// AddMembers attaches record ids to a batch in one transaction.
// A record already attached to the same, unconfirmed batch is reset to pending
// with the given root and pointer. A record attached to another batch fails
// the whole call with ErrMemberConflict and nothing is written.
func (s *Store) AddMembers(ctx context.Context, batchID string, root common.Hash, proofsPointer string, recordIDs []string, now time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := addMembers(ctx, tx, batchID, root, proofsPointer, recordIDs, now); err != nil {
			return fmt.Errorf("add members %s: %w", batchID, err)
		}
		return nil
	})
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// insertHeader inserts the header of b unless the id is taken. A taken id is
// accepted only when it holds the same root and pointer.
func insertHeader(ctx context.Context, tx execer, b NewBatch) error {
	result, err := tx.ExecContext(ctx, `
		INSERT INTO anchors
		(kind, record_id, batch_id, merkle_root, proofs_cid, status, retry_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(kind, record_id) DO NOTHING
	`,
		kindHeader,
		b.BatchID,
		b.BatchID,
		b.MerkleRoot.Hex(),
		b.ProofsPointer,
		StatusPending,
		formatTime(b.CreatedAt),
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var root, pointer string
	err = tx.QueryRowContext(ctx, `
		SELECT merkle_root, proofs_cid FROM anchors WHERE kind = ? AND record_id = ?
	`, kindHeader, b.BatchID).Scan(&root, &pointer)
	if err != nil {
		return fmt.Errorf("check header: %w", err)
	}
	if common.HexToHash(root) != b.MerkleRoot || pointer != b.ProofsPointer {
		return fmt.Errorf("%w: root %s", ErrBatchExists, root)
	}
	return nil
}

func createHeader(ctx context.Context, db execer, batchID string, root common.Hash, proofsPointer string, now time.Time) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO anchors
		(kind, record_id, batch_id, merkle_root, proofs_cid, status, retry_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(kind, record_id) DO UPDATE SET
			merkle_root = excluded.merkle_root,
			proofs_cid  = excluded.proofs_cid
		WHERE anchors.status = 'pending' AND anchors.tx_hash IS NULL
	`,
		kindHeader,
		batchID,
		batchID,
		root.Hex(),
		proofsPointer,
		StatusPending,
		formatTime(now),
	)
	return err
}

func addMembers(ctx context.Context, tx execer, batchID string, root common.Hash, proofsPointer string, recordIDs []string, now time.Time) error {
	for _, id := range recordIDs {
		result, err := tx.ExecContext(ctx, `
			INSERT INTO anchors
			(kind, record_id, batch_id, merkle_root, proofs_cid, status, retry_count, created_at)
			VALUES (?, ?, ?, ?, ?, ?, 0, ?)
			ON CONFLICT(kind, record_id) DO UPDATE SET
				merkle_root = excluded.merkle_root,
				proofs_cid  = excluded.proofs_cid,
				status      = 'pending',
				error       = NULL
			WHERE anchors.batch_id = excluded.batch_id AND anchors.status != 'confirmed'
		`,
			kindMember,
			id,
			batchID,
			root.Hex(),
			proofsPointer,
			StatusPending,
			formatTime(now),
		)
		if err != nil {
			return fmt.Errorf("insert member %s: %w", id, err)
		}

		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n > 0 {
			continue
		}

		// Nothing written: either a confirmed member of this batch (fine) or
		// a member of another batch (never reassigned).
		var owner string
		err = tx.QueryRowContext(ctx, `
			SELECT batch_id FROM anchors WHERE kind = ? AND record_id = ?
		`, kindMember, id).Scan(&owner)
		if err != nil {
			return fmt.Errorf("check member %s: %w", id, err)
		}
		if owner != batchID {
			return fmt.Errorf("%w: %s is in %s", ErrMemberConflict, id, owner)
		}
	}
	return nil
}

// ClaimAttempt reserves the next submission attempt of a batch that has no
// transaction reference. The header must be pending or failed and its last
// attempt must be unset or at least minDelay before now. On success the header
// is pending with last_attempt_at = now and claimed is true. Exactly one of
// several concurrent callers can win.
func (s *Store) ClaimAttempt(ctx context.Context, batchID string, now time.Time, minDelay time.Duration) (claimed bool, err error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE anchors
		SET status = 'pending', last_attempt_at = ?
		WHERE kind = ? AND record_id = ?
		  AND status IN ('pending', 'failed')
		  AND tx_hash IS NULL
		  AND (last_attempt_at IS NULL OR last_attempt_at <= ?)
	`,
		formatTime(now),
		kindHeader,
		batchID,
		formatTime(now.Add(-minDelay)),
	)
	if err != nil {
		return false, fmt.Errorf("claim attempt %s: %w", batchID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim attempt %s: rows affected: %w", batchID, err)
	}
	return n == 1, nil
}

// MarkSent records the transaction reference of a submission, stamps the
// attempt time and increments retry_count. The status stays pending:
// confirmation is still outstanding. Returns ErrStaleState if the header is
// not pending or already carries a transaction reference.
func (s *Store) MarkSent(ctx context.Context, batchID, txRef string, now time.Time) error {
	if txRef == "" {
		return fmt.Errorf("mark sent %s: empty tx ref", batchID)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE anchors
		SET tx_hash = ?, last_attempt_at = ?, retry_count = retry_count + 1, error = NULL
		WHERE kind = ? AND record_id = ? AND status = 'pending' AND tx_hash IS NULL
	`,
		txRef,
		formatTime(now),
		kindHeader,
		batchID,
	)
	if err != nil {
		return fmt.Errorf("mark sent %s: %w", batchID, err)
	}
	return s.requireOne(ctx, result, batchID, "mark sent")
}

// MarkConfirmed sets every member of the batch and the header to confirmed
// with the shared attestation id, in one transaction. The header is kept as a
// terminal row. Rows that are already confirmed are left untouched, so
// re-running after a crash is safe. transitioned reports whether this call
// moved the header to confirmed.
func (s *Store) MarkConfirmed(ctx context.Context, batchID, attestationID, txRef string) (transitioned bool, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM anchors WHERE kind = ? AND record_id = ?
		`, kindHeader, batchID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("mark confirmed %s: %w", batchID, err)
		}
		if exists == 0 {
			return fmt.Errorf("mark confirmed %s: %w", batchID, ErrNotFound)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE anchors
			SET status = 'confirmed', attestation_uid = ?, tx_hash = COALESCE(?, tx_hash)
			WHERE kind = ? AND batch_id = ? AND status != 'confirmed'
		`, attestationID, nullString(txRef), kindMember, batchID)
		if err != nil {
			return fmt.Errorf("mark confirmed %s: members: %w", batchID, err)
		}

		result, err := tx.ExecContext(ctx, `
			UPDATE anchors
			SET status = 'confirmed', attestation_uid = ?, tx_hash = COALESCE(?, tx_hash), error = NULL
			WHERE kind = ? AND record_id = ? AND status != 'confirmed'
		`, attestationID, nullString(txRef), kindHeader, batchID)
		if err != nil {
			return fmt.Errorf("mark confirmed %s: header: %w", batchID, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("mark confirmed %s: rows affected: %w", batchID, err)
		}
		transitioned = n == 1
		return nil
	})
	return transitioned, err
}

// MarkFailed moves a header to failed with a truncated error message and
// stamps the attempt time. Members are untouched: they stay attached to this
// batch for its retry. A confirmed header is never failed.
func (s *Store) MarkFailed(ctx context.Context, batchID, errText string, now time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE anchors
		SET status = 'failed', error = ?, last_attempt_at = ?
		WHERE kind = ? AND record_id = ? AND status != 'confirmed'
	`,
		truncateError(errText),
		formatTime(now),
		kindHeader,
		batchID,
	)
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", batchID, err)
	}
	err = s.requireOne(ctx, result, batchID, "mark failed")
	if errors.Is(err, ErrStaleState) {
		return nil // already confirmed
	}
	return err
}

// ResetSubmission forgets the transaction reference of an unconfirmed batch
// and marks it failed, so the same batch is submitted again after the retry
// delay. Used when the recorded transaction is gone or reverted.
func (s *Store) ResetSubmission(ctx context.Context, batchID, reason string, now time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE anchors
		SET tx_hash = NULL, status = 'failed', error = ?, last_attempt_at = ?
		WHERE kind = ? AND record_id = ? AND status != 'confirmed' AND tx_hash IS NOT NULL
	`,
		truncateError(reason),
		formatTime(now),
		kindHeader,
		batchID,
	)
	if err != nil {
		return fmt.Errorf("reset submission %s: %w", batchID, err)
	}
	return s.requireOne(ctx, result, batchID, "reset submission")
}

// requireOne turns a zero-row update into ErrNotFound or ErrStaleState.
func (s *Store) requireOne(ctx context.Context, result sql.Result, batchID, op string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %s: rows affected: %w", op, batchID, err)
	}
	if n == 1 {
		return nil
	}
	ok, err := s.HeaderExists(ctx, batchID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s %s: %w", op, batchID, ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", op, batchID, ErrStaleState)
}
