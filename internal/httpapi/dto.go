package httpapi

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/R3E-Network/nolosslottery/internal/chain"
	"github.com/R3E-Network/nolosslottery/internal/events"
	"github.com/R3E-Network/nolosslottery/services/lottery"
)

// amount carries wei as a decimal string alongside a human readable ETH value.
type amount struct {
	Wei string `json:"wei"`
	ETH string `json:"eth"`
}

func newAmount(v *uint256.Int) amount {
	if v == nil {
		v = new(uint256.Int)
	}
	return amount{Wei: v.Dec(), ETH: chain.FormatEther(v)}
}

type depositResponse struct {
	Address   string `json:"address"`
	Principal amount `json:"principal"`
	// Pending is set when the pool transfer was submitted but not yet confirmed.
	Pending string `json:"pending,omitempty"`
}

func newDepositResponse(addr common.Address, principal *uint256.Int) depositResponse {
	return depositResponse{Address: addr.Hex(), Principal: newAmount(principal)}
}

func newPendingResponse(addr common.Address, principal *uint256.Int, err error) depositResponse {
	out := newDepositResponse(addr, principal)
	out.Pending = err.Error()
	return out
}

type eventResponse struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Account   string    `json:"account"`
	Amount    amount    `json:"amount"`
	Round     uint64    `json:"round"`
	RequestID string    `json:"request_id,omitempty"`
	At        time.Time `json:"at"`
}

func newEventResponse(e events.Event) eventResponse {
	return eventResponse{
		ID:        e.ID,
		Type:      string(e.Type),
		Account:   e.Account.Hex(),
		Amount:    newAmount(e.Amount),
		Round:     e.Round,
		RequestID: e.RequestID,
		At:        e.At,
	}
}

type drawResponse struct {
	ID             string    `json:"id"`
	Round          uint64    `json:"round"`
	RequestID      string    `json:"request_id"`
	Winner         string    `json:"winner,omitempty"`
	Payout         amount    `json:"payout"`
	RandomValue    string    `json:"random_value"`
	DepositorCount int       `json:"depositor_count"`
	Policy         string    `json:"policy"`
	RequestedAt    time.Time `json:"requested_at"`
	SettledAt      time.Time `json:"settled_at"`
}

func newDrawResponse(d lottery.DrawResult) drawResponse {
	out := drawResponse{
		ID:             d.ID,
		Round:          d.Round,
		RequestID:      string(d.RequestID),
		Payout:         newAmount(d.Payout),
		DepositorCount: d.DepositorCount,
		Policy:         string(d.Policy),
		RequestedAt:    d.RequestedAt,
		SettledAt:      d.SettledAt,
	}
	if d.HasWinner {
		out.Winner = d.Winner.Hex()
	}
	if d.RandomValue != nil {
		out.RandomValue = d.RandomValue.Hex()
	}
	return out
}

type statusResponse struct {
	State            string        `json:"state"`
	Paused           bool          `json:"paused"`
	Round            uint64        `json:"round"`
	PendingRequestID string        `json:"pending_request_id,omitempty"`
	Policy           string        `json:"policy"`
	Owner            string        `json:"owner"`
	TotalPrincipal   amount        `json:"total_principal"`
	DepositorCount   int           `json:"depositor_count"`
	PositionValue    amount        `json:"position_value"`
	AccruedYield     amount        `json:"accrued_yield"`
	InFlight         int           `json:"in_flight_transfers"`
	LastDraw         *drawResponse `json:"last_draw,omitempty"`
}

func newStatusResponse(st lottery.Status) statusResponse {
	out := statusResponse{
		State:            string(st.State),
		Paused:           st.Paused,
		Round:            st.Round,
		PendingRequestID: string(st.PendingRequestID),
		Policy:           string(st.Policy),
		Owner:            st.Owner.Hex(),
		TotalPrincipal:   newAmount(st.TotalPrincipal),
		DepositorCount:   st.DepositorCount,
		PositionValue:    newAmount(st.PositionValue),
		AccruedYield:     newAmount(st.AccruedYield),
		InFlight:         st.InFlight,
	}
	if st.LastDraw != nil {
		d := newDrawResponse(*st.LastDraw)
		out.LastDraw = &d
	}
	return out
}
