package record

import (
	"context"
	"fmt"
)

// Source yields every available input record, duplicates included.
type Source interface {
	Records(ctx context.Context) ([]Record, error)
}

// DirSource reads NDJSON files from a directory.
type DirSource struct {
	Dir string
}

// Records implements Source.
func (s DirSource) Records(_ context.Context) ([]Record, error) {
	return ScanDir(s.Dir)
}

// SliceSource serves a fixed list of records.
type SliceSource []Record

// Records implements Source.
func (s SliceSource) Records(_ context.Context) ([]Record, error) {
	return []Record(s), nil
}

// Ledger reports which record ids must not be batched again.
// ConfirmedRecordIDs are anchored for good; AttachedRecordIDs already belong
// to a batch that is still being submitted or retried.
type Ledger interface {
	ConfirmedRecordIDs(ctx context.Context) (map[string]struct{}, error)
	AttachedRecordIDs(ctx context.Context) (map[string]struct{}, error)
}

// Store selects the records that still need a batch.
type Store struct {
	source Source
	ledger Ledger
}

// NewStore creates a Store reading from source and filtering against ledger.
func NewStore(source Source, ledger Ledger) *Store {
	return &Store{source: source, ledger: ledger}
}

// LoadNewRecords returns input records deduplicated by id (first occurrence
// wins) minus every id the ledger already holds. Input order is preserved.
func (s *Store) LoadNewRecords(ctx context.Context) ([]Record, error) {
	all, err := s.source.Records(ctx)
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}

	confirmed, err := s.ledger.ConfirmedRecordIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("load confirmed ids: %w", err)
	}
	attached, err := s.ledger.AttachedRecordIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("load attached ids: %w", err)
	}

	out := make([]Record, 0, len(all))
	for _, r := range Dedupe(all) {
		if _, ok := confirmed[r.ID]; ok {
			continue
		}
		if _, ok := attached[r.ID]; ok {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}
