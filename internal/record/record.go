// Package record reads business records and selects the ones that still need anchoring.
package record

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/roach88/batchanchor/internal/canon"
)

// IDField is the record attribute carrying identity. The uppercase key is kept
// for compatibility with the source data.
const IDField = "RECORD_ID"

// ErrMissingID is returned when a record has no usable RECORD_ID.
var ErrMissingID = errors.New("record: missing " + IDField)

// Record is one externally supplied business record. It is never mutated here.
type Record struct {
	ID     string
	Fields canon.Object
}

// New validates the minimal shape of a decoded record.
func New(fields canon.Object) (Record, error) {
	v, ok := fields[IDField]
	if !ok {
		return Record{}, ErrMissingID
	}
	id, ok := v.(canon.String)
	if !ok || id == "" {
		return Record{}, ErrMissingID
	}
	return Record{ID: string(id), Fields: fields}, nil
}

// Parse decodes one JSON line into a Record.
func Parse(line []byte) (Record, error) {
	fields, err := canon.DecodeObject(line)
	if err != nil {
		return Record{}, fmt.Errorf("decode record: %w", err)
	}
	return New(fields)
}

// Canonical returns the stable serialization the leaf is computed from.
func (r Record) Canonical() ([]byte, error) {
	b, err := canon.Marshal(r.Fields)
	if err != nil {
		return nil, fmt.Errorf("canonical record %s: %w", r.ID, err)
	}
	return b, nil
}

// Leaf computes keccak256 over the canonical serialization.
func (r Record) Leaf() (common.Hash, error) {
	b, err := r.Canonical()
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(b), nil
}

// Dedupe drops repeated record ids, keeping the first occurrence and input order.
func Dedupe(records []Record) []Record {
	seen := make(map[string]struct{}, len(records))
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if _, ok := seen[r.ID]; ok {
			continue
		}
		seen[r.ID] = struct{}{}
		out = append(out, r)
	}
	return out
}
