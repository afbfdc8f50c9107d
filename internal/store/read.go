package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const rowColumns = `kind, record_id, batch_id, merkle_root, proofs_cid, attestation_uid, tx_hash,
	status, error, last_attempt_at, retry_count, created_at`

// ListRetryable returns headers in pending or failed whose last attempt is
// unset or at least minDelay before now. This is the retry gate the recovery
// scan iterates. Results are ordered by batch id (creation order).
func (s *Store) ListRetryable(ctx context.Context, now time.Time, minDelay time.Duration) ([]Header, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+rowColumns+`
		FROM anchors
		WHERE kind = ?
		  AND status IN ('pending', 'failed')
		  AND (last_attempt_at IS NULL OR last_attempt_at <= ?)
		ORDER BY batch_id COLLATE BINARY ASC
	`, kindHeader, formatTime(now.Add(-minDelay)))
	if err != nil {
		return nil, fmt.Errorf("list retryable: %w", err)
	}
	return collectHeaders(rows)
}

// ListHeaders returns headers with any of the given statuses, or all headers
// when none are given, ordered by batch id.
func (s *Store) ListHeaders(ctx context.Context, statuses ...Status) ([]Header, error) {
	query := `SELECT ` + rowColumns + ` FROM anchors WHERE kind = ?`
	args := []any{kindHeader}
	if len(statuses) > 0 {
		query += ` AND status IN (?` + strings.Repeat(`, ?`, len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY batch_id COLLATE BINARY ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list headers: %w", err)
	}
	return collectHeaders(rows)
}

// GetHeader returns the header of a batch, or ErrNotFound.
func (s *Store) GetHeader(ctx context.Context, batchID string) (Header, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+rowColumns+` FROM anchors WHERE kind = ? AND record_id = ?
	`, kindHeader, batchID)
	if err != nil {
		return Header{}, fmt.Errorf("get header %s: %w", batchID, err)
	}
	headers, err := collectHeaders(rows)
	if err != nil {
		return Header{}, err
	}
	if len(headers) == 0 {
		return Header{}, fmt.Errorf("get header %s: %w", batchID, ErrNotFound)
	}
	return headers[0], nil
}

// HeaderExists reports whether a header row exists for batchID, in any state.
func (s *Store) HeaderExists(ctx context.Context, batchID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM anchors WHERE kind = ? AND record_id = ?
	`, kindHeader, batchID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("header exists %s: %w", batchID, err)
	}
	return count > 0, nil
}

// CountMembers returns the number of member rows attached to a batch.
func (s *Store) CountMembers(ctx context.Context, batchID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM anchors WHERE kind = ? AND batch_id = ?
	`, kindMember, batchID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count members %s: %w", batchID, err)
	}
	return count, nil
}

// Members returns the member rows of a batch ordered by record id.
func (s *Store) Members(ctx context.Context, batchID string) ([]Member, error) {
	rows, err := s.BatchRows(ctx, batchID)
	if err != nil {
		return nil, err
	}
	var members []Member
	for _, r := range rows {
		if m, ok := r.(Member); ok {
			members = append(members, m)
		}
	}
	if members == nil {
		members = []Member{}
	}
	return members, nil
}

// BatchRows returns the header and every member of a batch in one scan,
// header first.
func (s *Store) BatchRows(ctx context.Context, batchID string) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+rowColumns+`
		FROM anchors
		WHERE batch_id = ?
		ORDER BY kind ASC, record_id COLLATE BINARY ASC
	`, batchID)
	if err != nil {
		return nil, fmt.Errorf("batch rows %s: %w", batchID, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batch rows: %w", err)
	}
	return out, nil
}

// ConfirmedRecordIDs returns every record id held by a confirmed member row.
func (s *Store) ConfirmedRecordIDs(ctx context.Context) (map[string]struct{}, error) {
	return s.memberIDs(ctx, `status = 'confirmed'`)
}

// AttachedRecordIDs returns every record id attached to a batch that is not
// confirmed yet. Such records wait for their own batch to be retried.
func (s *Store) AttachedRecordIDs(ctx context.Context) (map[string]struct{}, error) {
	return s.memberIDs(ctx, `status != 'confirmed'`)
}

func (s *Store) memberIDs(ctx context.Context, cond string) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT record_id FROM anchors WHERE kind = ? AND `+cond, kindMember)
	if err != nil {
		return nil, fmt.Errorf("query member ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan member id: %w", err)
		}
		ids[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate member ids: %w", err)
	}
	return ids, nil
}

func collectHeaders(rows *sql.Rows) ([]Header, error) {
	defer rows.Close()

	var headers []Header
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		h, ok := r.(Header)
		if !ok {
			return nil, errors.New("scan header: got member row")
		}
		headers = append(headers, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate headers: %w", err)
	}

	if headers == nil {
		headers = []Header{}
	}
	return headers, nil
}

// scanRow decodes one row into its tagged variant.
func scanRow(rows *sql.Rows) (Row, error) {
	var (
		kind, recordID, batchID, root, pointer, status, createdAt string
		attestation, txHash, errText, lastAttempt                 sql.NullString
		retryCount                                                int
	)
	if err := rows.Scan(&kind, &recordID, &batchID, &root, &pointer, &attestation, &txHash,
		&status, &errText, &lastAttempt, &retryCount, &createdAt); err != nil {
		return nil, fmt.Errorf("scan row: %w", err)
	}

	created, err := parseTime(createdAt)
	if err != nil {
		return nil, err
	}

	switch kind {
	case kindHeader:
		h := Header{
			BatchID:       batchID,
			MerkleRoot:    common.HexToHash(root),
			ProofsPointer: pointer,
			Status:        Status(status),
			TxRef:         txHash.String,
			AttestationID: attestation.String,
			Error:         errText.String,
			RetryCount:    retryCount,
			CreatedAt:     created,
		}
		if lastAttempt.Valid {
			t, err := parseTime(lastAttempt.String)
			if err != nil {
				return nil, err
			}
			h.LastAttemptAt = &t
		}
		return h, nil
	case kindMember:
		return Member{
			RecordID:      recordID,
			BatchID:       batchID,
			MerkleRoot:    common.HexToHash(root),
			ProofsPointer: pointer,
			Status:        Status(status),
			TxRef:         txHash.String,
			AttestationID: attestation.String,
			CreatedAt:     created,
		}, nil
	default:
		return nil, fmt.Errorf("scan row: unknown kind %q", kind)
	}
}
