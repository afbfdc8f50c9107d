package store

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Status is the persisted status of a header or member row.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Phase is the logical lifecycle phase of a batch. PhaseSent is a pending
// header with a recorded transaction reference; it is not a stored status.
type Phase string

const (
	PhasePending   Phase = "pending"
	PhaseSent      Phase = "sent"
	PhaseConfirmed Phase = "confirmed"
	PhaseFailed    Phase = "failed"
)

// Row is either a Header or a Member.
type Row interface {
	Batch() string
	row()
}

// Header is the ledger row representing a batch as a whole.
type Header struct {
	BatchID       string
	MerkleRoot    common.Hash
	ProofsPointer string
	Status        Status
	TxRef         string
	AttestationID string
	Error         string
	LastAttemptAt *time.Time
	RetryCount    int
	CreatedAt     time.Time
}

func (Header) row() {}

// Batch returns the batch id.
func (h Header) Batch() string { return h.BatchID }

// Phase derives the lifecycle phase.
func (h Header) Phase() Phase {
	switch {
	case h.Status == StatusConfirmed:
		return PhaseConfirmed
	case h.Status == StatusFailed:
		return PhaseFailed
	case h.TxRef != "":
		return PhaseSent
	default:
		return PhasePending
	}
}

// Member is the ledger row for one record's participation in a batch.
// Its merkle root and proofs pointer are copies of the header's, for point lookup.
type Member struct {
	RecordID      string
	BatchID       string
	MerkleRoot    common.Hash
	ProofsPointer string
	Status        Status
	TxRef         string
	AttestationID string
	CreatedAt     time.Time
}

func (Member) row() {}

// Batch returns the owning batch id.
func (m Member) Batch() string { return m.BatchID }

// NewBatch is everything CreateBatch persists for a freshly built batch.
type NewBatch struct {
	BatchID       string
	MerkleRoot    common.Hash
	ProofsPointer string
	RecordIDs     []string
	CreatedAt     time.Time
}
