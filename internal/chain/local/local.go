// Package local is a file-backed development ledger. Every submission is
// written as one JSON document under <dir>/tx/ and confirms immediately.
// Transaction references and attestation ids are deterministic keccak
// digests, so dry runs are reproducible.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/roach88/batchanchor/internal/chain"
)

// Tx is the persisted form of one submission.
type Tx struct {
	TxRef         string    `json:"tx_ref"`
	BatchID       string    `json:"batch_id"`
	MerkleRoot    string    `json:"merkle_root"`
	Count         uint64    `json:"count"`
	ProofsPointer string    `json:"proofs_pointer"`
	AttestationID string    `json:"attestation_id"`
	Nonce         uint64    `json:"nonce"`
	SubmittedAt   time.Time `json:"submitted_at"`
}

// Ledger implements chain.Submitter and chain.ReceiptChecker on a directory.
type Ledger struct {
	mu  sync.Mutex
	dir string
	now func() time.Time
}

var (
	_ chain.Submitter      = (*Ledger)(nil)
	_ chain.ReceiptChecker = (*Ledger)(nil)
)

// Open creates the ledger directory if needed.
func Open(dir string) (*Ledger, error) {
	if dir == "" {
		return nil, errors.New("local ledger: empty directory")
	}
	if err := os.MkdirAll(filepath.Join(dir, "tx"), 0o755); err != nil {
		return nil, fmt.Errorf("local ledger: %w", err)
	}
	return &Ledger{dir: dir, now: time.Now}, nil
}

// Submit records the summary and returns an already final pending handle.
func (l *Ledger) Submit(ctx context.Context, s chain.Summary) (chain.Pending, error) {
	if err := ctx.Err(); err != nil {
		return nil, &chain.SubmitError{Op: "submit", Err: err}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	nonce, err := l.nextNonce()
	if err != nil {
		return nil, &chain.SubmitError{Op: "submit", Err: err}
	}

	txRef := TxRef(s.BatchID, s.MerkleRoot, nonce)
	tx := Tx{
		TxRef:         txRef,
		BatchID:       s.BatchID,
		MerkleRoot:    s.MerkleRoot.Hex(),
		Count:         s.Count,
		ProofsPointer: s.ProofsPointer,
		AttestationID: AttestationID(txRef),
		Nonce:         nonce,
		SubmittedAt:   l.now().UTC(),
	}

	data, err := json.MarshalIndent(tx, "", "  ")
	if err != nil {
		return nil, &chain.SubmitError{Op: "submit", Err: err}
	}
	if err := os.WriteFile(l.txPath(txRef), data, 0o644); err != nil {
		return nil, &chain.SubmitError{Op: "submit", Err: err}
	}

	return pending{att: chain.Attestation{ID: tx.AttestationID, TxRef: txRef}}, nil
}

// Receipt reports confirmed for every recorded transaction.
func (l *Ledger) Receipt(ctx context.Context, txRef string) (chain.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return chain.Receipt{}, err
	}
	tx, err := l.Lookup(txRef)
	if errors.Is(err, os.ErrNotExist) {
		return chain.Receipt{Status: chain.ReceiptNotFound}, nil
	}
	if err != nil {
		return chain.Receipt{}, err
	}
	return chain.Receipt{Status: chain.ReceiptConfirmed, AttestationID: tx.AttestationID}, nil
}

// Lookup reads a recorded transaction.
func (l *Ledger) Lookup(txRef string) (Tx, error) {
	data, err := os.ReadFile(l.txPath(txRef))
	if err != nil {
		return Tx{}, fmt.Errorf("local ledger: %w", err)
	}
	var tx Tx
	if err := json.Unmarshal(data, &tx); err != nil {
		return Tx{}, fmt.Errorf("local ledger: decode %s: %w", txRef, err)
	}
	return tx, nil
}

// nextNonce is the number of transactions recorded so far.
func (l *Ledger) nextNonce() (uint64, error) {
	entries, err := os.ReadDir(filepath.Join(l.dir, "tx"))
	if err != nil {
		return 0, err
	}
	var n uint64
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
			n++
		}
	}
	return n, nil
}

func (l *Ledger) txPath(txRef string) string {
	return filepath.Join(l.dir, "tx", filepath.Base(txRef)+".json")
}

// TxRef derives the transaction reference of a submission.
func TxRef(batchID string, root common.Hash, nonce uint64) string {
	return crypto.Keccak256Hash([]byte(batchID), root.Bytes(), []byte(strconv.FormatUint(nonce, 10))).Hex()
}

// AttestationID derives the attestation id of a transaction.
func AttestationID(txRef string) string {
	return crypto.Keccak256Hash([]byte(txRef)).Hex()
}

type pending struct {
	att chain.Attestation
}

func (p pending) TxRef() string { return p.att.TxRef }

func (p pending) Wait(ctx context.Context) (chain.Attestation, error) {
	if err := ctx.Err(); err != nil {
		return chain.Attestation{}, &chain.SubmitError{Op: "wait", TxRef: p.att.TxRef, Err: err}
	}
	return p.att, nil
}
