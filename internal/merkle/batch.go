package merkle

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/roach88/batchanchor/internal/record"
)

// Entry is one record's place in a batch.
type Entry struct {
	RecordID string
	Leaf     common.Hash
	Proof    []common.Hash
}

// Batch is the pure result of building a tree over an ordered record list.
// Building twice over the same list yields an identical Batch.
type Batch struct {
	Root    common.Hash
	Entries []Entry
}

// Count returns the number of members.
func (b *Batch) Count() int {
	return len(b.Entries)
}

// RecordIDs returns member ids in leaf order.
func (b *Batch) RecordIDs() []string {
	ids := make([]string, len(b.Entries))
	for i, e := range b.Entries {
		ids[i] = e.RecordID
	}
	return ids
}

// BuildBatch computes leaves, root and one inclusion proof per record.
// Leaf order is input order; callers deduplicate beforehand.
func BuildBatch(records []record.Record) (*Batch, error) {
	if len(records) == 0 {
		return nil, ErrEmptyBatch
	}

	leaves := make([]common.Hash, len(records))
	for i, r := range records {
		leaf, err := r.Leaf()
		if err != nil {
			return nil, fmt.Errorf("build batch: %w", err)
		}
		leaves[i] = leaf
	}

	tree, err := Build(leaves)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, len(records))
	for i, r := range records {
		proof, err := tree.Proof(i)
		if err != nil {
			return nil, err
		}
		entries[i] = Entry{RecordID: r.ID, Leaf: leaves[i], Proof: proof}
	}

	return &Batch{Root: tree.Root(), Entries: entries}, nil
}
