package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// createTestStore creates a new store in a temp dir for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testRoot(s string) common.Hash {
	return crypto.Keccak256Hash([]byte(s))
}

// createTestBatch creates a batch with the given members at testNow.
func createTestBatch(batchID string, recordIDs ...string) NewBatch {
	return NewBatch{
		BatchID:       batchID,
		MerkleRoot:    testRoot(batchID),
		ProofsPointer: "/merkle/proofs-" + batchID + ".ndjson",
		RecordIDs:     recordIDs,
		CreatedAt:     testNow,
	}
}
