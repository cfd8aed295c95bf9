package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/R3E-Network/nolosslottery/internal/randomness"
)

const vrfCoordinatorABI = `[
	{"type":"function","name":"requestRandomWords","stateMutability":"nonpayable","inputs":[
		{"name":"req","type":"tuple","components":[
			{"name":"keyHash","type":"bytes32"},
			{"name":"subId","type":"uint256"},
			{"name":"requestConfirmations","type":"uint16"},
			{"name":"callbackGasLimit","type":"uint32"},
			{"name":"numWords","type":"uint32"},
			{"name":"extraArgs","type":"bytes"}]}],
		"outputs":[{"name":"requestId","type":"uint256"}]},
	{"type":"event","name":"RandomWordsRequested","anonymous":false,"inputs":[
		{"name":"keyHash","type":"bytes32","indexed":true},
		{"name":"requestId","type":"uint256","indexed":false},
		{"name":"preSeed","type":"uint256","indexed":false},
		{"name":"subId","type":"uint256","indexed":true},
		{"name":"minimumRequestConfirmations","type":"uint16","indexed":false},
		{"name":"callbackGasLimit","type":"uint32","indexed":false},
		{"name":"numWords","type":"uint32","indexed":false},
		{"name":"extraArgs","type":"bytes","indexed":false},
		{"name":"sender","type":"address","indexed":true}]}
]`

var coordinatorContract = mustParseABI(vrfCoordinatorABI)

// Defaults
const (
	DefaultRequestConfirmations = 3
	DefaultCallbackGasLimit     = 200_000
)

// randomWordsRequest mirrors the VRFV2PlusClient.RandomWordsRequest struct.
type randomWordsRequest struct {
	KeyHash              [32]byte
	SubId                *big.Int
	RequestConfirmations uint16
	CallbackGasLimit     uint32
	NumWords             uint32
	ExtraArgs            []byte
}

// VRFConfig holds the coordinator deployment and request parameters.
type VRFConfig struct {
	Coordinator          common.Address
	RequestConfirmations uint16
	CallbackGasLimit     uint32
	NativePayment        bool
}

// VRFCoordinator requests random words from Chainlink VRF v2.5.
type VRFCoordinator struct {
	client *Client
	cfg    VRFConfig
}

// NewVRFCoordinator creates an oracle backed by a VRF v2.5 coordinator.
func NewVRFCoordinator(client *Client, cfg VRFConfig) *VRFCoordinator {
	if cfg.RequestConfirmations == 0 {
		cfg.RequestConfirmations = DefaultRequestConfirmations
	}
	if cfg.CallbackGasLimit == 0 {
		cfg.CallbackGasLimit = DefaultCallbackGasLimit
	}
	return &VRFCoordinator{client: client, cfg: cfg}
}

// RequestRandomness asks for one random word and returns the coordinator's request id.
func (v *VRFCoordinator) RequestRandomness(ctx context.Context, subscriptionID *uint256.Int, keyHash common.Hash) (randomness.RequestID, error) {
	req, err := v.buildRequest(subscriptionID, keyHash)
	if err != nil {
		return "", err
	}
	receipt, err := v.client.transact(ctx, v.cfg.Coordinator, coordinatorContract, nil, "requestRandomWords", req)
	if err != nil {
		return "", err
	}
	id, err := requestIDFromReceipt(receipt, v.cfg.Coordinator)
	if err != nil {
		return "", err
	}
	return randomness.RequestID(id.Dec()), nil
}

func (v *VRFCoordinator) buildRequest(subscriptionID *uint256.Int, keyHash common.Hash) (randomWordsRequest, error) {
	if subscriptionID == nil {
		return randomWordsRequest{}, fmt.Errorf("subscription id required")
	}
	extra, err := extraArgsV1(v.cfg.NativePayment)
	if err != nil {
		return randomWordsRequest{}, err
	}
	return randomWordsRequest{
		KeyHash:              keyHash,
		SubId:                subscriptionID.ToBig(),
		RequestConfirmations: v.cfg.RequestConfirmations,
		CallbackGasLimit:     v.cfg.CallbackGasLimit,
		NumWords:             1,
		ExtraArgs:            extra,
	}, nil
}

// extraArgsV1 encodes VRFV2PlusClient.ExtraArgsV1{nativePayment}: a 4-byte tag
// followed by the ABI-encoded struct.
func extraArgsV1(nativePayment bool) ([]byte, error) {
	boolType, err := abi.NewType("bool", "", nil)
	if err != nil {
		return nil, err
	}
	encoded, err := abi.Arguments{{Type: boolType}}.Pack(nativePayment)
	if err != nil {
		return nil, fmt.Errorf("pack extra args: %w", err)
	}
	tag := crypto.Keccak256([]byte("VRF ExtraArgsV1"))[:4]
	return append(tag, encoded...), nil
}

// requestIDFromReceipt finds the RandomWordsRequested log emitted by coordinator.
func requestIDFromReceipt(receipt *types.Receipt, coordinator common.Address) (*uint256.Int, error) {
	event := coordinatorContract.Events["RandomWordsRequested"]
	for _, lg := range receipt.Logs {
		if lg.Address != coordinator || len(lg.Topics) == 0 || lg.Topics[0] != event.ID {
			continue
		}
		values, err := event.Inputs.NonIndexed().Unpack(lg.Data)
		if err != nil {
			return nil, fmt.Errorf("unpack RandomWordsRequested: %w", err)
		}
		if len(values) == 0 {
			return nil, fmt.Errorf("RandomWordsRequested has no data")
		}
		return toUint256(values[0])
	}
	return nil, fmt.Errorf("no RandomWordsRequested log in tx %s", receipt.TxHash.Hex())
}
