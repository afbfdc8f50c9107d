package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/batchanchor/internal/chain"
)

// Step scripts one Submit call and the Wait of its pending handle.
// Zero values mean success with generated references.
type Step struct {
	SubmitErr     error
	TxRef         string
	AttestationID string
	WaitErr       error
}

// ScriptedChain implements chain.Submitter and chain.ReceiptChecker from
// scripted steps and a receipt table, and records every call.
//
// Unscripted submissions succeed with tx refs "0xT1", "0xT2", ... and
// attestation ids "U1", "U2", ... Unknown receipts are not found.
type ScriptedChain struct {
	mu          sync.Mutex
	steps       []Step
	receipts    map[string]chain.Receipt
	receiptErrs map[string]error

	Submissions []chain.Summary
	Lookups     []string
	n           int
}

var (
	_ chain.Submitter      = (*ScriptedChain)(nil)
	_ chain.ReceiptChecker = (*ScriptedChain)(nil)
)

// NewScriptedChain creates a chain that plays steps in order.
func NewScriptedChain(steps ...Step) *ScriptedChain {
	return &ScriptedChain{
		steps:       steps,
		receipts:    map[string]chain.Receipt{},
		receiptErrs: map[string]error{},
	}
}

// SetReceipt scripts the answer for txRef.
func (c *ScriptedChain) SetReceipt(txRef string, r chain.Receipt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receipts[txRef] = r
	delete(c.receiptErrs, txRef)
}

// SetReceiptErr makes lookups of txRef fail.
func (c *ScriptedChain) SetReceiptErr(txRef string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receiptErrs[txRef] = err
}

// SubmitCount returns the number of Submit calls so far.
func (c *ScriptedChain) SubmitCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Submissions)
}

// Submitted returns a copy of the summaries submitted so far.
func (c *ScriptedChain) Submitted() []chain.Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]chain.Summary(nil), c.Submissions...)
}

func (c *ScriptedChain) Submit(ctx context.Context, s chain.Summary) (chain.Pending, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Submissions = append(c.Submissions, s)
	c.n++

	var step Step
	if len(c.steps) > 0 {
		step, c.steps = c.steps[0], c.steps[1:]
	}
	if step.SubmitErr != nil {
		return nil, &chain.SubmitError{Op: "submit", Err: step.SubmitErr}
	}
	if step.TxRef == "" {
		step.TxRef = fmt.Sprintf("0xT%d", c.n)
	}
	if step.AttestationID == "" && step.WaitErr == nil {
		step.AttestationID = fmt.Sprintf("U%d", c.n)
	}
	return scriptedPending{step: step}, nil
}

func (c *ScriptedChain) Receipt(ctx context.Context, txRef string) (chain.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Lookups = append(c.Lookups, txRef)
	if err, ok := c.receiptErrs[txRef]; ok {
		return chain.Receipt{}, err
	}
	if r, ok := c.receipts[txRef]; ok {
		return r, nil
	}
	return chain.Receipt{Status: chain.ReceiptNotFound}, nil
}

type scriptedPending struct {
	step Step
}

func (p scriptedPending) TxRef() string { return p.step.TxRef }

func (p scriptedPending) Wait(ctx context.Context) (chain.Attestation, error) {
	if p.step.WaitErr != nil {
		return chain.Attestation{}, &chain.SubmitError{Op: "wait", TxRef: p.step.TxRef, Err: p.step.WaitErr}
	}
	return chain.Attestation{ID: p.step.AttestationID, TxRef: p.step.TxRef}, nil
}
