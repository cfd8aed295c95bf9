package lottery

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/R3E-Network/nolosslottery/internal/ledger"
	"github.com/R3E-Network/nolosslottery/internal/randomness"
	"github.com/R3E-Network/nolosslottery/internal/yieldvault"
)

// State is the controller's position in the draw cycle.
type State string

const (
	StateIdle          State = "idle"
	StateRoundOpen     State = "round_open"
	StateDrawRequested State = "draw_requested"
	StateSettling      State = "settling"
)

// Policy decides how the random value maps to a depositor.
type Policy string

const (
	// PolicyUniform gives every depositor the same chance.
	PolicyUniform Policy = "uniform"
	// PolicyWeighted gives each depositor a chance proportional to principal.
	PolicyWeighted Policy = "weighted"
)

// ParsePolicy accepts "uniform", "weighted" or "" (uniform).
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyUniform:
		return PolicyUniform, nil
	case PolicyWeighted:
		return PolicyWeighted, nil
	}
	return "", fmt.Errorf("unknown selection policy %q", s)
}

// Defaults
const (
	DefaultHistoryLimit = 1000
)

// Errors
var (
	ErrZeroDeposit         = fmt.Errorf("deposit %w", ledger.ErrZeroAmount)
	ErrZeroWithdrawal      = fmt.Errorf("withdrawal %w", ledger.ErrZeroAmount)
	ErrInsufficientBalance = ledger.ErrInsufficientBalance
	ErrOverflow            = ledger.ErrOverflow
	ErrUnauthorized        = errors.New("caller is not the lottery owner")
	ErrNoDepositors        = errors.New("no depositors")
	ErrDrawAlreadyPending  = errors.New("a draw is already pending")
	ErrRoundNotOpen        = errors.New("no round is open")
	ErrRoundAlreadyOpen    = errors.New("round is already open")
	ErrPaused              = errors.New("lottery is paused")
	ErrTransferPending     = errors.New("transfer submitted, confirmation pending")
	ErrTransfersInFlight   = errors.New("pool transfers awaiting confirmation")

	ErrUnauthorizedCallback = randomness.ErrUnauthorizedCallback
	ErrUnknownRequest       = randomness.ErrUnknownRequest
	ErrYieldVault           = yieldvault.ErrYieldVault
)

// Config is the controller configuration.
type Config struct {
	Owner        common.Address
	Policy       Policy
	AutoOpen     bool // start with round 1 open instead of Idle
	HistoryLimit int
}

// DrawResult is an immutable record of a settled draw.
type DrawResult struct {
	ID             string               `json:"id"`
	Round          uint64               `json:"round"`
	RequestID      randomness.RequestID `json:"request_id"`
	Winner         common.Address       `json:"winner"`
	HasWinner      bool                 `json:"has_winner"`
	Payout         *uint256.Int         `json:"payout"`
	RandomValue    *uint256.Int         `json:"random_value"`
	DepositorCount int                  `json:"depositor_count"`
	Policy         Policy               `json:"policy"`
	RequestedAt    time.Time            `json:"requested_at"`
	SettledAt      time.Time            `json:"settled_at"`
}

// TransferKind names the operation that moved funds through the pool.
type TransferKind string

const (
	TransferDeposit    TransferKind = "deposit"
	TransferWithdrawal TransferKind = "withdrawal"
	TransferPayout     TransferKind = "payout"
)

// Transfer is a pool transfer that was broadcast but not yet confirmed. The
// ledger already reflects it; Reconcile compensates if it ends up failing.
type Transfer struct {
	Ref         string               `json:"ref"`
	Kind        TransferKind         `json:"kind"`
	Account     common.Address       `json:"account"`
	Amount      *uint256.Int         `json:"amount"`
	Round       uint64               `json:"round"`
	RequestID   randomness.RequestID `json:"request_id,omitempty"`
	SubmittedAt time.Time            `json:"submitted_at"`
}

// Status is a point-in-time view of the lottery.
type Status struct {
	State            State                `json:"state"`
	Paused           bool                 `json:"paused"`
	Round            uint64               `json:"round"`
	PendingRequestID randomness.RequestID `json:"pending_request_id,omitempty"`
	Policy           Policy               `json:"policy"`
	Owner            common.Address       `json:"owner"`
	TotalPrincipal   *uint256.Int         `json:"total_principal"`
	DepositorCount   int                  `json:"depositor_count"`
	PositionValue    *uint256.Int         `json:"position_value"`
	AccruedYield     *uint256.Int         `json:"accrued_yield"`
	InFlight         int                  `json:"in_flight_transfers"`
	LastDraw         *DrawResult          `json:"last_draw,omitempty"`
}
