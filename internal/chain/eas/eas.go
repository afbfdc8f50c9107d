// Package eas anchors batch summaries as Ethereum Attestation Service
// attestations through go-ethereum.
package eas

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/roach88/batchanchor/internal/chain"
)

const (
	// DefaultWaitTimeout bounds Wait and Receipt when Config.WaitTimeout is zero.
	DefaultWaitTimeout = 2 * time.Minute
	// DefaultSubmitTimeout bounds Submit when Config.SubmitTimeout is zero.
	DefaultSubmitTimeout = time.Minute
)

// Config holds the connection settings of the EAS client.
type Config struct {
	RPCURL        string
	PrivateKey    string // hex, optional 0x prefix
	SchemaUID     string
	Contract      string
	WaitTimeout   time.Duration
	SubmitTimeout time.Duration
}

// Backend is the node API the client needs. *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
}

// Client implements chain.Submitter and chain.ReceiptChecker.
type Client struct {
	backend       Backend
	contract      *bind.BoundContract
	address       common.Address
	schema        common.Hash
	auth          *bind.TransactOpts
	waitTimeout   time.Duration
	submitTimeout time.Duration
	close         func()
}

var (
	_ chain.Submitter      = (*Client)(nil)
	_ chain.ReceiptChecker = (*Client)(nil)
)

// Dial connects to the RPC endpoint and builds a keyed client for the
// node's chain id.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("eas: private key: %w", err)
	}

	ec, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("eas: dial %s: %w", cfg.RPCURL, err)
	}
	chainID, err := ec.ChainID(ctx)
	if err != nil {
		ec.Close()
		return nil, fmt.Errorf("eas: chain id: %w", err)
	}
	auth, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		ec.Close()
		return nil, fmt.Errorf("eas: transactor: %w", err)
	}

	c, err := New(ec, auth, cfg)
	if err != nil {
		ec.Close()
		return nil, err
	}
	c.close = ec.Close
	return c, nil
}

// New builds a client on an existing backend and signer.
func New(backend Backend, auth *bind.TransactOpts, cfg Config) (*Client, error) {
	if !common.IsHexAddress(cfg.Contract) {
		return nil, fmt.Errorf("eas: invalid contract address %q", cfg.Contract)
	}
	schema := common.HexToHash(cfg.SchemaUID)
	if schema == (common.Hash{}) {
		return nil, fmt.Errorf("eas: invalid schema uid %q", cfg.SchemaUID)
	}
	timeout := cfg.WaitTimeout
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	submitTimeout := cfg.SubmitTimeout
	if submitTimeout <= 0 {
		submitTimeout = DefaultSubmitTimeout
	}

	address := common.HexToAddress(cfg.Contract)
	return &Client{
		backend:       backend,
		contract:      bind.NewBoundContract(address, parsedABI, backend, backend, backend),
		address:       address,
		schema:        schema,
		auth:          auth,
		waitTimeout:   timeout,
		submitTimeout: submitTimeout,
	}, nil
}

// Close releases the RPC connection if the client owns it.
func (c *Client) Close() {
	if c.close != nil {
		c.close()
	}
}

// Submit sends an attest transaction carrying the encoded summary. Gas
// estimation, nonce lookup and broadcast share the client's submit timeout.
func (c *Client) Submit(ctx context.Context, s chain.Summary) (chain.Pending, error) {
	payload, err := EncodePayload(s)
	if err != nil {
		return nil, &chain.SubmitError{Op: "submit", Err: fmt.Errorf("encode payload: %w", err)}
	}

	req := AttestationRequest{
		Schema: c.schema,
		Data: AttestationRequestData{
			Recipient: common.Address{},
			Revocable: true,
			Data:      payload,
			Value:     big.NewInt(0),
		},
	}

	ctx, cancel := context.WithTimeout(ctx, c.submitTimeout)
	defer cancel()

	opts := *c.auth
	opts.Context = ctx
	tx, err := c.contract.Transact(&opts, "attest", req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = chain.ErrTimeout
		}
		return nil, &chain.SubmitError{Op: "submit", Err: err}
	}
	return &pendingTx{client: c, tx: tx}, nil
}

// Receipt classifies a recorded transaction hash.
func (c *Client) Receipt(ctx context.Context, txRef string) (chain.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.waitTimeout)
	defer cancel()

	hash := common.HexToHash(txRef)
	receipt, err := c.backend.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		_, _, err := c.backend.TransactionByHash(ctx, hash)
		if errors.Is(err, ethereum.NotFound) {
			return chain.Receipt{Status: chain.ReceiptNotFound}, nil
		}
		if err != nil {
			return chain.Receipt{}, fmt.Errorf("eas: transaction %s: %w", txRef, err)
		}
		// Known to the node but not mined (or not indexed) yet.
		return chain.Receipt{Status: chain.ReceiptPending}, nil
	}
	if err != nil {
		return chain.Receipt{}, fmt.Errorf("eas: receipt %s: %w", txRef, err)
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return chain.Receipt{Status: chain.ReceiptReverted}, nil
	}
	uid, _ := AttestationUID(receipt.Logs, c.address)
	return chain.Receipt{Status: chain.ReceiptConfirmed, AttestationID: uid}, nil
}

type pendingTx struct {
	client *Client
	tx     *types.Transaction
}

func (p *pendingTx) TxRef() string { return p.tx.Hash().Hex() }

// Wait blocks until the transaction is mined or the client's wait timeout
// expires. A mined transaction without an Attested event yields an
// attestation with an empty ID.
func (p *pendingTx) Wait(ctx context.Context) (chain.Attestation, error) {
	ctx, cancel := context.WithTimeout(ctx, p.client.waitTimeout)
	defer cancel()

	receipt, err := bind.WaitMined(ctx, p.client.backend, p.tx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = chain.ErrTimeout
		}
		return chain.Attestation{}, &chain.SubmitError{Op: "wait", TxRef: p.TxRef(), Err: err}
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return chain.Attestation{}, &chain.SubmitError{Op: "wait", TxRef: p.TxRef(), Err: errors.New("transaction reverted")}
	}

	uid, _ := AttestationUID(receipt.Logs, p.client.address)
	return chain.Attestation{ID: uid, TxRef: p.TxRef()}, nil
}
