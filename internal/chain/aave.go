package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"

	"github.com/R3E-Network/nolosslottery/internal/yieldvault"
)

const wrappedTokenGatewayABI = `[
	{"type":"function","name":"depositETH","stateMutability":"payable","inputs":[
		{"name":"pool","type":"address"},{"name":"onBehalfOf","type":"address"},{"name":"referralCode","type":"uint16"}],"outputs":[]},
	{"type":"function","name":"withdrawETH","stateMutability":"nonpayable","inputs":[
		{"name":"pool","type":"address"},{"name":"amount","type":"uint256"},{"name":"to","type":"address"}],"outputs":[]}
]`

const erc20ABI = `[
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

const dataProviderABI = `[
	{"type":"function","name":"getReserveTokensAddresses","stateMutability":"view","inputs":[{"name":"asset","type":"address"}],"outputs":[
		{"name":"aTokenAddress","type":"address"},{"name":"stableDebtTokenAddress","type":"address"},{"name":"variableDebtTokenAddress","type":"address"}]}
]`

var (
	gatewayContract      = mustParseABI(wrappedTokenGatewayABI)
	erc20Contract        = mustParseABI(erc20ABI)
	dataProviderContract = mustParseABI(dataProviderABI)
)

// ErrDeploymentMismatch is returned by Verify when the configured addresses disagree with the market.
var ErrDeploymentMismatch = errors.New("aave deployment mismatch")

// AaveConfig holds the deployment addresses of the Aave v3 market.
type AaveConfig struct {
	Gateway common.Address // WrappedTokenGatewayV3
	Pool    common.Address
	AToken  common.Address // aWETH receipt token

	DataProvider common.Address // AaveProtocolDataProvider, optional
	WETH         common.Address // underlying reserve, optional
}

// AaveGateway supplies ETH to Aave through the WETH gateway and holds aWETH.
type AaveGateway struct {
	client *Client
	cfg    AaveConfig
}

var (
	_ yieldvault.Pool       = (*AaveGateway)(nil)
	_ yieldvault.Reconciler = (*AaveGateway)(nil)
)

// NewAaveGateway creates a pool backed by Aave v3.
func NewAaveGateway(client *Client, cfg AaveConfig) *AaveGateway {
	return &AaveGateway{client: client, cfg: cfg}
}

// Supply deposits amount wei as ETH, credited to the service account.
func (g *AaveGateway) Supply(ctx context.Context, amount *uint256.Int) error {
	_, err := g.client.transact(ctx, g.cfg.Gateway, gatewayContract, amount, "depositETH",
		g.cfg.Pool, g.client.From(), uint16(0))
	return err
}

// Withdraw redeems amount of aWETH for ETH sent to `to`. The gateway pulls the
// aWETH, so its allowance is raised first when too low.
func (g *AaveGateway) Withdraw(ctx context.Context, amount *uint256.Int, to common.Address) (*uint256.Int, error) {
	if err := g.ensureAllowance(ctx, amount); err != nil {
		if ref, ok := yieldvault.PendingRef(err); ok {
			// withdrawETH was never sent, so nothing left the pool.
			return nil, fmt.Errorf("approve %s not confirmed, withdrawal not sent", ref)
		}
		return nil, err
	}
	if _, err := g.client.transact(ctx, g.cfg.Gateway, gatewayContract, nil, "withdrawETH",
		g.cfg.Pool, amount.ToBig(), to); err != nil {
		return nil, err
	}
	return amount.Clone(), nil
}

// BalanceOf returns the aWETH balance of the service account.
func (g *AaveGateway) BalanceOf(ctx context.Context) (*uint256.Int, error) {
	out, err := g.client.call(ctx, g.cfg.AToken, erc20Contract, "balanceOf", g.client.From())
	if err != nil {
		return nil, err
	}
	return first(out)
}

// TransferStatus reports the outcome of a transaction left unconfirmed by Supply or Withdraw.
func (g *AaveGateway) TransferStatus(ctx context.Context, ref string) (yieldvault.TransferStatus, error) {
	raw, err := hexutil.Decode(ref)
	if err != nil || len(raw) != common.HashLength {
		return yieldvault.TransferPending, fmt.Errorf("invalid tx hash %q", ref)
	}
	return g.client.ReceiptStatus(ctx, common.BytesToHash(raw))
}

// Verify checks the configured aToken against the data provider's view of the
// WETH reserve. It is a no-op when either address is unset.
func (g *AaveGateway) Verify(ctx context.Context) error {
	if g.cfg.DataProvider == (common.Address{}) || g.cfg.WETH == (common.Address{}) {
		return nil
	}
	out, err := g.client.call(ctx, g.cfg.DataProvider, dataProviderContract, "getReserveTokensAddresses", g.cfg.WETH)
	if err != nil {
		return err
	}
	if len(out) == 0 {
		return fmt.Errorf("empty getReserveTokensAddresses result")
	}
	aToken, ok := out[0].(common.Address)
	if !ok {
		return fmt.Errorf("unexpected output type %T", out[0])
	}
	if aToken != g.cfg.AToken {
		return fmt.Errorf("%w: reserve %s uses aToken %s, configured %s",
			ErrDeploymentMismatch, g.cfg.WETH.Hex(), aToken.Hex(), g.cfg.AToken.Hex())
	}
	return nil
}

func (g *AaveGateway) ensureAllowance(ctx context.Context, amount *uint256.Int) error {
	out, err := g.client.call(ctx, g.cfg.AToken, erc20Contract, "allowance", g.client.From(), g.cfg.Gateway)
	if err != nil {
		return err
	}
	current, err := first(out)
	if err != nil {
		return err
	}
	if !current.Lt(amount) {
		return nil
	}
	unlimited := new(uint256.Int).SetAllOne()
	_, err = g.client.transact(ctx, g.cfg.AToken, erc20Contract, nil, "approve", g.cfg.Gateway, unlimited.ToBig())
	return err
}

func first(out []interface{}) (*uint256.Int, error) {
	if len(out) == 0 {
		return nil, fmt.Errorf("empty call result")
	}
	return toUint256(out[0])
}
