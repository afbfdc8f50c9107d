package testutil

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/batchanchor/internal/chain"
)

func TestScriptedChain_DefaultsSucceed(t *testing.T) {
	c := NewScriptedChain()
	ctx := context.Background()

	p, err := c.Submit(ctx, chain.Summary{BatchID: "b1"})
	require.NoError(t, err)
	assert.Equal(t, "0xT1", p.TxRef())

	att, err := p.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, chain.Attestation{ID: "U1", TxRef: "0xT1"}, att)
	assert.Equal(t, 1, c.SubmitCount())
}

func TestScriptedChain_StepsInOrder(t *testing.T) {
	c := NewScriptedChain(
		Step{SubmitErr: errors.New("rpc down")},
		Step{TxRef: "0xAB", WaitErr: chain.ErrTimeout},
	)
	ctx := context.Background()

	_, err := c.Submit(ctx, chain.Summary{BatchID: "b1"})
	require.Error(t, err)
	assert.True(t, chain.IsSubmitError(err))

	p, err := c.Submit(ctx, chain.Summary{BatchID: "b1"})
	require.NoError(t, err)
	assert.Equal(t, "0xAB", p.TxRef())
	_, err = p.Wait(ctx)
	require.ErrorIs(t, err, chain.ErrTimeout)

	p, err = c.Submit(ctx, chain.Summary{BatchID: "b1"})
	require.NoError(t, err)
	assert.Equal(t, "0xT3", p.TxRef(), "unscripted calls fall back to defaults")
}

func TestScriptedChain_Receipts(t *testing.T) {
	c := NewScriptedChain()
	ctx := context.Background()

	r, err := c.Receipt(ctx, "0xT1")
	require.NoError(t, err)
	assert.Equal(t, chain.ReceiptNotFound, r.Status)

	c.SetReceipt("0xT1", chain.Receipt{Status: chain.ReceiptConfirmed, AttestationID: "U1"})
	r, err = c.Receipt(ctx, "0xT1")
	require.NoError(t, err)
	assert.Equal(t, "U1", r.AttestationID)

	c.SetReceiptErr("0xT1", errors.New("timeout"))
	_, err = c.Receipt(ctx, "0xT1")
	require.Error(t, err)

	assert.Equal(t, []string{"0xT1", "0xT1", "0xT1"}, c.Lookups)
}
