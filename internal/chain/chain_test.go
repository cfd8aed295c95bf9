package chain

import (
	"bytes"
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
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/nolosslottery/internal/yieldvault"
)

var (
	service     = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	gatewayAddr = common.HexToAddress("0x387d311e47e80b498169e6fb51d3193167d89F7D")
	aWETH       = common.HexToAddress("0x5b071b590a59395fE4025A0Ccc1FcC931AAc1830")
	coordAddr   = common.HexToAddress("0x9DdfaCa8183c41ad55329BdeeD9F6A8d53168B1B")
)

// fakeBackend answers CallContract from a table keyed by 4-byte selector and
// records sent transactions. Receipts come from the receipts table, or are
// minted as successful when autoMine is set.
type fakeBackend struct {
	Backend
	results  map[string][]byte
	calls    []ethereum.CallMsg
	sent     []*types.Transaction
	receipts map[common.Hash]*types.Receipt
	autoMine bool
	revert   bool
}

func (f *fakeBackend) PendingNonceAt(_ context.Context, _ common.Address) (uint64, error) {
	return uint64(len(f.sent)), nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	if r, ok := f.receipts[hash]; ok {
		return r, nil
	}
	if f.autoMine {
		status := types.ReceiptStatusSuccessful
		if f.revert {
			status = types.ReceiptStatusFailed
		}
		return &types.Receipt{Status: status, TxHash: hash, BlockNumber: big.NewInt(1)}, nil
	}
	return nil, ethereum.NotFound
}

// method returns the ABI method name a sent transaction calls.
func (f *fakeBackend) method(t *testing.T, i int) string {
	t.Helper()
	m, err := gatewayContract.MethodById(f.sent[i].Data()[:4])
	if err != nil {
		m, err = erc20Contract.MethodById(f.sent[i].Data()[:4])
	}
	require.NoError(t, err)
	return m.Name
}

func (f *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.calls = append(f.calls, msg)
	out, ok := f.results[string(msg.Data[:4])]
	if !ok {
		return nil, errors.New("execution reverted")
	}
	return out, nil
}

func readOnlyClient(b Backend) *Client {
	return NewClient(b, &bind.TransactOpts{From: service}, 0, nil)
}

func signingClient(t *testing.T, b Backend, timeout time.Duration) *Client {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	opts, err := bind.NewKeyedTransactorWithChainID(key, big.NewInt(11155111))
	require.NoError(t, err)
	opts.GasPrice = big.NewInt(1_000_000_000)
	opts.GasLimit = 300_000
	return NewClient(b, opts, timeout, nil)
}

func mustPackUint(t *testing.T, v *big.Int) []byte {
	t.Helper()
	out, err := erc20Contract.Methods["allowance"].Outputs.Pack(v)
	require.NoError(t, err)
	return out
}

func unlimitedAllowance(t *testing.T) []byte {
	return mustPackUint(t, new(uint256.Int).SetAllOne().ToBig())
}

func TestSupplyConfirmed(t *testing.T) {
	backend := &fakeBackend{autoMine: true}
	g := NewAaveGateway(signingClient(t, backend, time.Second), AaveConfig{Gateway: gatewayAddr, AToken: aWETH})

	require.NoError(t, g.Supply(context.Background(), uint256.NewInt(1000)))
	require.Len(t, backend.sent, 1)
	assert.Equal(t, "depositETH", backend.method(t, 0))
	assert.Equal(t, big.NewInt(1000), backend.sent[0].Value())
}

func TestWithdrawUnconfirmedKeepsTxHash(t *testing.T) {
	backend := &fakeBackend{results: map[string][]byte{
		string(erc20Contract.Methods["allowance"].ID): unlimitedAllowance(t),
	}}
	g := NewAaveGateway(signingClient(t, backend, 50*time.Millisecond), AaveConfig{Gateway: gatewayAddr, AToken: aWETH})

	// The caller giving up after broadcast must still surface the tx hash.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := g.Withdraw(ctx, uint256.NewInt(1000), service)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTxUnconfirmed)
	assert.NotErrorIs(t, err, ErrTxReverted)

	require.Len(t, backend.sent, 1)
	assert.Equal(t, "withdrawETH", backend.method(t, 0))

	ref, ok := yieldvault.PendingRef(err)
	require.True(t, ok)
	hash := backend.sent[0].Hash()
	assert.Equal(t, hash.Hex(), ref)

	st, err := g.TransferStatus(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, yieldvault.TransferPending, st)

	backend.receipts = map[common.Hash]*types.Receipt{hash: {Status: types.ReceiptStatusFailed}}
	st, err = g.TransferStatus(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, yieldvault.TransferFailed, st)

	backend.receipts[hash] = &types.Receipt{Status: types.ReceiptStatusSuccessful}
	st, err = g.TransferStatus(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, yieldvault.TransferConfirmed, st)

	_, err = g.TransferStatus(context.Background(), "0x1234")
	assert.Error(t, err)
}

func TestWithdrawNotSentWhenApproveUnconfirmed(t *testing.T) {
	backend := &fakeBackend{results: map[string][]byte{
		string(erc20Contract.Methods["allowance"].ID): mustPackUint(t, big.NewInt(0)),
	}}
	g := NewAaveGateway(signingClient(t, backend, 50*time.Millisecond), AaveConfig{Gateway: gatewayAddr, AToken: aWETH})

	_, err := g.Withdraw(context.Background(), uint256.NewInt(1000), service)
	require.Error(t, err)
	_, pending := yieldvault.PendingRef(err)
	assert.False(t, pending)

	require.Len(t, backend.sent, 1)
	assert.Equal(t, "approve", backend.method(t, 0))
}

func TestWithdrawRevertedIsPlainFailure(t *testing.T) {
	backend := &fakeBackend{results: map[string][]byte{
		string(erc20Contract.Methods["allowance"].ID): unlimitedAllowance(t),
	}, autoMine: true, revert: true}
	g := NewAaveGateway(signingClient(t, backend, time.Second), AaveConfig{Gateway: gatewayAddr, AToken: aWETH})

	_, err := g.Withdraw(context.Background(), uint256.NewInt(1000), service)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTxReverted)
	_, pending := yieldvault.PendingRef(err)
	assert.False(t, pending)
}

func TestVerifyAToken(t *testing.T) {
	dataProvider := common.HexToAddress("0x3e9708d80f7B3e43118013075F7e95CE3AB31F31")
	weth := common.HexToAddress("0xC558DBdd856501FCd9aaF1E62eae57A9F0629a3c")

	out, err := dataProviderContract.Methods["getReserveTokensAddresses"].Outputs.Pack(aWETH, common.Address{}, common.Address{})
	require.NoError(t, err)
	backend := &fakeBackend{results: map[string][]byte{
		string(dataProviderContract.Methods["getReserveTokensAddresses"].ID): out,
	}}
	cfg := AaveConfig{Gateway: gatewayAddr, AToken: aWETH, DataProvider: dataProvider, WETH: weth}

	require.NoError(t, NewAaveGateway(readOnlyClient(backend), cfg).Verify(context.Background()))
	require.Len(t, backend.calls, 1)
	assert.Equal(t, dataProvider, *backend.calls[0].To)

	cfg.AToken = common.HexToAddress("0x00000000000000000000000000000000000000ff")
	err = NewAaveGateway(readOnlyClient(backend), cfg).Verify(context.Background())
	assert.ErrorIs(t, err, ErrDeploymentMismatch)

	cfg.DataProvider = common.Address{}
	assert.NoError(t, NewAaveGateway(readOnlyClient(&fakeBackend{}), cfg).Verify(context.Background()))
}

func TestAaveBalanceOf(t *testing.T) {
	out, err := erc20Contract.Methods["balanceOf"].Outputs.Pack(big.NewInt(1_000_000_000_000_000))
	require.NoError(t, err)

	backend := &fakeBackend{results: map[string][]byte{
		string(erc20Contract.Methods["balanceOf"].ID): out,
	}}
	g := NewAaveGateway(readOnlyClient(backend), AaveConfig{Gateway: gatewayAddr, AToken: aWETH})

	bal, err := g.BalanceOf(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000_000_000_000), bal.Uint64())

	require.Len(t, backend.calls, 1)
	assert.Equal(t, aWETH, *backend.calls[0].To)
	assert.Equal(t, service, backend.calls[0].From)

	args, err := erc20Contract.Methods["balanceOf"].Inputs.Unpack(backend.calls[0].Data[4:])
	require.NoError(t, err)
	assert.Equal(t, service, args[0])
}

func TestAaveBalanceOfRevert(t *testing.T) {
	g := NewAaveGateway(readOnlyClient(&fakeBackend{}), AaveConfig{AToken: aWETH})
	_, err := g.BalanceOf(context.Background())
	assert.ErrorContains(t, err, "call balanceOf")
}

func TestWritesNeedSigner(t *testing.T) {
	c := NewClient(&fakeBackend{}, nil, 0, nil)
	g := NewAaveGateway(c, AaveConfig{Gateway: gatewayAddr})
	assert.ErrorIs(t, g.Supply(context.Background(), uint256.NewInt(1)), ErrReadOnly)
	assert.Equal(t, common.Address{}, c.From())
}

func TestGatewayCalldata(t *testing.T) {
	pool := common.HexToAddress("0x6Ae43d3271ff6888e7Fc43Fd7321a503ff738951")

	data, err := gatewayContract.Pack("depositETH", pool, service, uint16(0))
	require.NoError(t, err)
	assert.Len(t, data, 4+3*32)
	assert.Equal(t, gatewayContract.Methods["depositETH"].ID, data[:4])

	data, err = gatewayContract.Pack("withdrawETH", pool, big.NewInt(500), service)
	require.NoError(t, err)
	args, err := gatewayContract.Methods["withdrawETH"].Inputs.Unpack(data[4:])
	require.NoError(t, err)
	assert.Equal(t, pool, args[0])
	assert.Equal(t, big.NewInt(500), args[1])
	assert.Equal(t, service, args[2])
}

func TestExtraArgsV1(t *testing.T) {
	extra, err := extraArgsV1(false)
	require.NoError(t, err)
	require.Len(t, extra, 4+32)
	assert.Equal(t, []byte{0x92, 0xfd, 0x13, 0x38}, extra[:4])
	assert.True(t, bytes.Equal(make([]byte, 32), extra[4:]))

	extra, err = extraArgsV1(true)
	require.NoError(t, err)
	assert.Equal(t, byte(1), extra[len(extra)-1])
}

func TestBuildRandomWordsRequest(t *testing.T) {
	sub, err := uint256.FromDecimal("65475778234661754709737836321753098820861917333925931285158900332838660037311")
	require.NoError(t, err)
	keyHash := common.HexToHash("0x787d74caea10b2b357790d5b5247c2f63d1d91572a9846f780606e4d953677ae")

	v := NewVRFCoordinator(nil, VRFConfig{Coordinator: coordAddr})
	req, err := v.buildRequest(sub, keyHash)
	require.NoError(t, err)
	assert.Equal(t, uint16(DefaultRequestConfirmations), req.RequestConfirmations)
	assert.Equal(t, uint32(1), req.NumWords)

	data, err := coordinatorContract.Pack("requestRandomWords", req)
	require.NoError(t, err)
	assert.Equal(t, coordinatorContract.Methods["requestRandomWords"].ID, data[:4])

	_, err = v.buildRequest(nil, keyHash)
	assert.Error(t, err)
}

func TestRequestIDFromReceipt(t *testing.T) {
	event := coordinatorContract.Events["RandomWordsRequested"]
	requestID := big.NewInt(123456789)
	data, err := event.Inputs.NonIndexed().Pack(
		requestID, big.NewInt(42), uint16(3), uint32(200_000), uint32(1), []byte{0x01},
	)
	require.NoError(t, err)

	receipt := &types.Receipt{Logs: []*types.Log{
		{Address: aWETH, Topics: []common.Hash{event.ID}, Data: data}, // wrong emitter
		{Address: coordAddr, Topics: []common.Hash{event.ID, {}, {}, {}}, Data: data},
	}}
	id, err := requestIDFromReceipt(receipt, coordAddr)
	require.NoError(t, err)
	assert.Equal(t, "123456789", id.Dec())

	_, err = requestIDFromReceipt(&types.Receipt{}, coordAddr)
	assert.ErrorContains(t, err, "no RandomWordsRequested log")
}

func TestParseEther(t *testing.T) {
	wei, err := ParseEther("0.001")
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000_000_000_000), wei.Uint64())

	wei, err = ParseEther("0.0005")
	require.NoError(t, err)
	assert.Equal(t, uint64(500_000_000_000_000), wei.Uint64())

	wei, err = ParseEther("2")
	require.NoError(t, err)
	assert.Equal(t, "2000000000000000000", wei.Dec())

	for _, bad := range []string{"", "abc", "-1", "0.0000000000000000001"} {
		_, err := ParseEther(bad)
		assert.Error(t, err, bad)
	}
}

func TestFormatEther(t *testing.T) {
	assert.Equal(t, "0.001", FormatEther(uint256.NewInt(1_000_000_000_000_000)))
	assert.Equal(t, "0", FormatEther(new(uint256.Int)))
	assert.Equal(t, "0", FormatEther(nil))
	assert.Equal(t, "0.000000000000000001", FormatEther(uint256.NewInt(1)))
}
