// Package chain provides EVM interaction for the lottery: the Aave WETH gateway
// that holds the pooled position and the Chainlink VRF coordinator that supplies
// randomness.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"

	"github.com/R3E-Network/nolosslottery/internal/yieldvault"
	"github.com/R3E-Network/nolosslottery/pkg/logger"
)

// DefaultTxWaitTimeout bounds how long a write waits for its receipt.
const DefaultTxWaitTimeout = 2 * time.Minute

// Errors
var (
	ErrTxReverted = errors.New("transaction reverted")
	ErrReadOnly   = errors.New("chain client has no signer")
	// ErrTxUnconfirmed marks a transaction that was broadcast but not seen
	// mined within the client timeout. It may still succeed.
	ErrTxUnconfirmed = yieldvault.ErrUnconfirmed
)

// Backend is what the client needs from a node. *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
}

// Config holds client configuration.
type Config struct {
	RPCURL     string
	ChainID    int64 // Sepolia: 11155111
	PrivateKey string
	Timeout    time.Duration
}

// Client sends calls and transactions on behalf of one account.
type Client struct {
	backend Backend
	opts    *bind.TransactOpts
	timeout time.Duration
	log     *logger.Logger
}

// Dial connects to cfg.RPCURL and loads the signing key.
func Dial(ctx context.Context, cfg Config, log *logger.Logger) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("RPC URL required")
	}
	ec, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.RPCURL, err)
	}

	var opts *bind.TransactOpts
	if cfg.PrivateKey != "" {
		key, err := parseKey(cfg.PrivateKey)
		if err != nil {
			return nil, err
		}
		opts, err = bind.NewKeyedTransactorWithChainID(key, big.NewInt(cfg.ChainID))
		if err != nil {
			return nil, fmt.Errorf("transactor: %w", err)
		}
	}
	return NewClient(ec, opts, cfg.Timeout, log), nil
}

// NewClient wraps an existing backend. opts may be nil for a read-only client.
func NewClient(backend Backend, opts *bind.TransactOpts, timeout time.Duration, log *logger.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTxWaitTimeout
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Client{backend: backend, opts: opts, timeout: timeout, log: log}
}

// From returns the signing account, or the zero address for a read-only client.
func (c *Client) From() common.Address {
	if c.opts == nil {
		return common.Address{}
	}
	return c.opts.From
}

// call runs a read-only contract call and unpacks its outputs.
func (c *Client) call(ctx context.Context, to common.Address, contract abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	msg := ethereum.CallMsg{To: &to, Data: data}
	if c.opts != nil {
		msg.From = c.opts.From
	}
	out, err := c.backend.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	values, err := contract.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return values, nil
}

// transact sends a transaction and waits until it is mined successfully.
// Once the transaction is broadcast, the wait no longer follows ctx
// cancellation; if no receipt arrives in time the error is a
// *yieldvault.PendingError carrying the tx hash.
func (c *Client) transact(ctx context.Context, to common.Address, contract abi.ABI, value *uint256.Int, method string, args ...interface{}) (*types.Receipt, error) {
	if c.opts == nil {
		return nil, ErrReadOnly
	}

	sendCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	opts := *c.opts
	opts.Context = sendCtx
	if value != nil {
		opts.Value = value.ToBig()
	}

	bound := bind.NewBoundContract(to, contract, c.backend, c.backend, c.backend)
	tx, err := bound.Transact(&opts, method, args...)
	if err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}
	c.log.WithField("method", method).WithField("tx_hash", tx.Hash().Hex()).Info("transaction submitted, waiting for confirmation")

	waitCtx, cancelWait := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancelWait()

	receipt, err := bind.WaitMined(waitCtx, c.backend, tx)
	if err != nil {
		c.log.WithError(err).WithField("method", method).WithField("tx_hash", tx.Hash().Hex()).Warn("transaction not confirmed in time")
		return nil, &yieldvault.PendingError{
			Ref: tx.Hash().Hex(),
			Err: fmt.Errorf("wait for %s receipt: %w", method, err),
		}
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("%s %s: %w", method, tx.Hash().Hex(), ErrTxReverted)
	}

	c.log.WithField("method", method).WithField("block_number", receipt.BlockNumber.Uint64()).Debug("transaction confirmed")
	return receipt, nil
}

// ReceiptStatus reports how a previously broadcast transaction ended.
func (c *Client) ReceiptStatus(ctx context.Context, hash common.Hash) (yieldvault.TransferStatus, error) {
	receipt, err := c.backend.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return yieldvault.TransferPending, nil
	}
	if err != nil {
		return yieldvault.TransferPending, fmt.Errorf("receipt %s: %w", hash.Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return yieldvault.TransferFailed, nil
	}
	return yieldvault.TransferConfirmed, nil
}

func parseKey(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid ABI: %v", err))
	}
	return parsed
}

// toUint256 converts an unpacked uint256 output.
func toUint256(v interface{}) (*uint256.Int, error) {
	b, ok := v.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected output type %T", v)
	}
	out, overflow := uint256.FromBig(b)
	if overflow {
		return nil, fmt.Errorf("output %s overflows uint256", b)
	}
	return out, nil
}
