package eas

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/batchanchor/internal/chain"
)

const (
	testContract = "0xC2679fBD37d54388Ce493F1DB75320D236e1815e"
	testSchema   = "0x3f8b1c0a2e5d4e7a9b6c1d2e3f405162738495a6b7c8d9e0f1a2b3c4d5e6f708"
)

// fakeBackend answers receipt and transaction lookups from maps. Any other
// Backend method panics through the nil embedded interface.
type fakeBackend struct {
	Backend
	receipts map[common.Hash]*types.Receipt
	pending  map[common.Hash]bool
	err      error
}

func (f *fakeBackend) TransactionReceipt(ctx context.Context, h common.Hash) (*types.Receipt, error) {
	if f.err != nil {
		return nil, f.err
	}
	r, ok := f.receipts[h]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeBackend) TransactionByHash(ctx context.Context, h common.Hash) (*types.Transaction, bool, error) {
	p, ok := f.pending[h]
	if !ok {
		return nil, false, ethereum.NotFound
	}
	return types.NewTx(&types.LegacyTx{}), p, nil
}

// stalledBackend is a node that never answers a header request.
type stalledBackend struct {
	fakeBackend
}

func (s *stalledBackend) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func newTestClient(t *testing.T, b Backend) *Client {
	t.Helper()
	return newTestClientWith(t, b, Config{Contract: testContract, SchemaUID: testSchema})
}

func newTestClientWith(t *testing.T, b Backend, cfg Config) *Client {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	auth, err := bind.NewKeyedTransactorWithChainID(key, big.NewInt(1337))
	require.NoError(t, err)
	c, err := New(b, auth, cfg)
	require.NoError(t, err)
	return c
}

func attestedLog(contract common.Address, uid common.Hash) *types.Log {
	return &types.Log{
		Address: contract,
		Topics: []common.Hash{
			parsedABI.Events["Attested"].ID,
			{}, // recipient
			common.BytesToHash([]byte{0x01}), // attester
			common.HexToHash(testSchema),
		},
		Data: uid.Bytes(),
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	in := chain.Summary{
		MerkleRoot:    crypto.Keccak256Hash([]byte("root")),
		BatchID:       "2026-03-01T12-00-00Z",
		Count:         2,
		ProofsPointer: "/merkle/proofs-2026-03-01T12-00-00Z.ndjson",
	}
	data, err := EncodePayload(in)
	require.NoError(t, err)
	assert.Zero(t, len(data)%32, "abi encoding is word aligned")

	out, err := DecodePayload(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestSchemaArgumentsRejectsMalformedField(t *testing.T) {
	_, err := schemaArguments("bytes32")
	require.Error(t, err)
	_, err = schemaArguments("notatype x")
	require.Error(t, err)
}

func TestAttestationUID(t *testing.T) {
	contract := common.HexToAddress(testContract)
	uid := crypto.Keccak256Hash([]byte("uid"))

	other := attestedLog(common.HexToAddress("0x01"), crypto.Keccak256Hash([]byte("foreign")))
	unrelated := &types.Log{Address: contract, Topics: []common.Hash{{0xaa}}}

	got, ok := AttestationUID([]*types.Log{other, unrelated, attestedLog(contract, uid)}, contract)
	require.True(t, ok)
	assert.Equal(t, uid.Hex(), got)

	_, ok = AttestationUID([]*types.Log{other, unrelated}, contract)
	assert.False(t, ok)
}

func TestReceiptClassification(t *testing.T) {
	contract := common.HexToAddress(testContract)
	uid := crypto.Keccak256Hash([]byte("uid"))
	confirmed := common.HexToHash("0x01")
	confirmedNoEvent := common.HexToHash("0x02")
	reverted := common.HexToHash("0x03")
	inMempool := common.HexToHash("0x04")

	b := &fakeBackend{
		receipts: map[common.Hash]*types.Receipt{
			confirmed:        {Status: types.ReceiptStatusSuccessful, Logs: []*types.Log{attestedLog(contract, uid)}},
			confirmedNoEvent: {Status: types.ReceiptStatusSuccessful},
			reverted:         {Status: types.ReceiptStatusFailed},
		},
		pending: map[common.Hash]bool{inMempool: true},
	}
	c := newTestClient(t, b)
	ctx := context.Background()

	tests := []struct {
		name   string
		txRef  common.Hash
		status chain.ReceiptStatus
		uid    string
	}{
		{"confirmed", confirmed, chain.ReceiptConfirmed, uid.Hex()},
		{"confirmed without event", confirmedNoEvent, chain.ReceiptConfirmed, ""},
		{"reverted", reverted, chain.ReceiptReverted, ""},
		{"pending", inMempool, chain.ReceiptPending, ""},
		{"unknown", common.HexToHash("0x05"), chain.ReceiptNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := c.Receipt(ctx, tt.txRef.Hex())
			require.NoError(t, err)
			assert.Equal(t, tt.status, r.Status)
			assert.Equal(t, tt.uid, r.AttestationID)
		})
	}
}

func TestReceiptLookupError(t *testing.T) {
	c := newTestClient(t, &fakeBackend{err: errors.New("connection refused")})
	_, err := c.Receipt(context.Background(), "0x01")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(&fakeBackend{}, &bind.TransactOpts{}, Config{Contract: "nope", SchemaUID: testSchema})
	require.Error(t, err)

	_, err = New(&fakeBackend{}, &bind.TransactOpts{}, Config{Contract: testContract})
	require.Error(t, err)

	c, err := New(&fakeBackend{}, &bind.TransactOpts{}, Config{Contract: testContract, SchemaUID: testSchema})
	require.NoError(t, err)
	assert.Equal(t, DefaultWaitTimeout, c.waitTimeout)
	assert.Equal(t, DefaultSubmitTimeout, c.submitTimeout)
}

func TestSubmitTimesOutOnStalledNode(t *testing.T) {
	c := newTestClientWith(t, &stalledBackend{}, Config{
		Contract:      testContract,
		SchemaUID:     testSchema,
		SubmitTimeout: 20 * time.Millisecond,
	})

	start := time.Now()
	_, err := c.Submit(context.Background(), chain.Summary{
		MerkleRoot:    crypto.Keccak256Hash([]byte("root")),
		BatchID:       "2026-03-01T12-00-00Z",
		Count:         1,
		ProofsPointer: "/merkle/proofs-2026-03-01T12-00-00Z.ndjson",
	})
	require.Error(t, err)
	assert.True(t, chain.IsSubmitError(err))
	assert.ErrorIs(t, err, chain.ErrTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestSubmitHonorsCallerCancellation(t *testing.T) {
	c := newTestClient(t, &stalledBackend{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Submit(ctx, chain.Summary{BatchID: "b1", Count: 1, ProofsPointer: "p"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, chain.ErrTimeout)
}
