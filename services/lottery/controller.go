// Package lottery runs the no-loss lottery: deposits are supplied to a lending
// pool, the yield they earn is paid to one depositor per round, and principal
// stays withdrawable at all times.
package lottery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/R3E-Network/nolosslottery/internal/events"
	"github.com/R3E-Network/nolosslottery/internal/ledger"
	"github.com/R3E-Network/nolosslottery/internal/metrics"
	"github.com/R3E-Network/nolosslottery/internal/randomness"
	"github.com/R3E-Network/nolosslottery/internal/yieldvault"
	"github.com/R3E-Network/nolosslottery/pkg/logger"
)

// Controller owns the ledger and the round state. Every mutating operation
// runs to completion under mu.
type Controller struct {
	mu sync.Mutex

	cfg     Config
	ledger  *ledger.Ledger
	vault   *yieldvault.Adapter
	gateway *randomness.Gateway
	sink    events.Sink
	log     *logger.Logger
	now     func() time.Time

	state     State
	paused    bool
	round     uint64
	pending   randomness.RequestID
	pendingAt time.Time
	draws     []DrawResult
	inflight  []Transfer
}

// New constructs a controller. With cfg.AutoOpen the first round is open immediately.
func New(cfg Config, l *ledger.Ledger, vault *yieldvault.Adapter, gateway *randomness.Gateway, log *logger.Logger) *Controller {
	if log == nil {
		log = logger.NewNop()
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyUniform
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	c := &Controller{
		cfg:     cfg,
		ledger:  l,
		vault:   vault,
		gateway: gateway,
		sink:    events.LogSink{Log: log},
		log:     log,
		now:     time.Now,
		state:   StateIdle,
	}
	if cfg.AutoOpen {
		c.state = StateRoundOpen
		c.round = 1
	}
	metrics.SetRound(c.round, false)
	return c
}

// WithSink replaces the event sink.
func (c *Controller) WithSink(sink events.Sink) {
	c.sink = sink
}

// WithClock overrides the clock.
func (c *Controller) WithClock(now func() time.Time) {
	c.now = now
}

// Owner returns the identity allowed to run owner operations.
func (c *Controller) Owner() common.Address {
	return c.cfg.Owner
}

// Coordinator returns the identity allowed to deliver randomness.
func (c *Controller) Coordinator() common.Address {
	return c.gateway.Coordinator()
}

// Now returns the controller's current time.
func (c *Controller) Now() time.Time {
	return c.now()
}

// =============================================================================
// Depositor operations
// =============================================================================

// Deposit credits caller with amount and supplies the same amount to the pool.
// Either both happen or neither does. A supply that was broadcast but not
// confirmed is credited and tracked until Reconcile resolves it; the caller
// gets ErrTransferPending.
func (c *Controller) Deposit(ctx context.Context, caller common.Address, amount *uint256.Int) (err error) {
	defer func() { metrics.RecordOperation("deposit", err) }()

	if amount == nil || amount.IsZero() {
		return ErrZeroDeposit
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.paused {
		return ErrPaused
	}

	tx := c.ledger.Begin()
	if err := tx.Credit(caller, amount); err != nil {
		return fmt.Errorf("deposit: %w", err)
	}
	if err := c.vault.Supply(ctx, amount); err != nil {
		if ref, ok := yieldvault.PendingRef(err); ok {
			return c.commitInFlight(ctx, tx, Transfer{Ref: ref, Kind: TransferDeposit, Account: caller, Amount: amount.Clone()}, err)
		}
		tx.Rollback()
		c.log.WithError(err).WithField("depositor", caller.Hex()).Warn("deposit reverted")
		return fmt.Errorf("deposit: %w", err)
	}
	evts, err := tx.Commit()
	if err != nil {
		c.log.WithError(err).WithField("amount", amount.Dec()).Error("ledger commit failed after pool supply")
		return fmt.Errorf("deposit: %w", err)
	}

	metrics.RecordDeposit(amount)
	c.afterLedgerChange(ctx, evts)
	c.log.WithField("depositor", caller.Hex()).WithField("amount", amount.Dec()).Info("deposit accepted")
	return nil
}

// Withdraw returns amount of caller's principal from the pool to caller.
// Allowed in every state, including while a draw is pending.
func (c *Controller) Withdraw(ctx context.Context, caller common.Address, amount *uint256.Int) (err error) {
	defer func() { metrics.RecordOperation("withdraw", err) }()

	if amount == nil || amount.IsZero() {
		return ErrZeroWithdrawal
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.paused {
		return ErrPaused
	}

	tx := c.ledger.Begin()
	if err := tx.Debit(caller, amount); err != nil {
		return fmt.Errorf("withdraw: %w", err)
	}
	if err := c.vault.WithdrawUnderlying(ctx, amount, caller); err != nil {
		// Funds may already be on their way; keep the debit so the same
		// principal cannot be withdrawn twice.
		if ref, ok := yieldvault.PendingRef(err); ok {
			return c.commitInFlight(ctx, tx, Transfer{Ref: ref, Kind: TransferWithdrawal, Account: caller, Amount: amount.Clone()}, err)
		}
		tx.Rollback()
		c.log.WithError(err).WithField("depositor", caller.Hex()).Warn("withdrawal reverted")
		return fmt.Errorf("withdraw: %w", err)
	}
	evts, err := tx.Commit()
	if err != nil {
		c.log.WithError(err).WithField("amount", amount.Dec()).Error("ledger commit failed after pool withdrawal")
		return fmt.Errorf("withdraw: %w", err)
	}

	metrics.RecordWithdrawal(amount)
	c.afterLedgerChange(ctx, evts)
	c.log.WithField("depositor", caller.Hex()).WithField("amount", amount.Dec()).Info("withdrawal paid")
	return nil
}

// =============================================================================
// Owner operations
// =============================================================================

// OpenRound moves an idle lottery to its first open round.
func (c *Controller) OpenRound(caller common.Address) (uint64, error) {
	if caller != c.cfg.Owner {
		return 0, ErrUnauthorized
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateIdle {
		return c.round, ErrRoundAlreadyOpen
	}
	c.round++
	c.state = StateRoundOpen
	metrics.SetRound(c.round, false)
	c.log.WithField("round", c.round).Info("round opened")
	return c.round, nil
}

// Pause blocks deposits, withdrawals and new draws. A pending draw can still settle.
func (c *Controller) Pause(caller common.Address) error {
	return c.setPaused(caller, true)
}

// Unpause lifts Pause.
func (c *Controller) Unpause(caller common.Address) error {
	return c.setPaused(caller, false)
}

func (c *Controller) setPaused(caller common.Address, paused bool) error {
	if caller != c.cfg.Owner {
		return ErrUnauthorized
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = paused
	c.log.WithField("paused", paused).Info("maintenance flag changed")
	return nil
}

// PickWinner requests randomness for the current round. The winner is chosen
// later, when the oracle fulfills the request.
func (c *Controller) PickWinner(ctx context.Context, caller common.Address) (id randomness.RequestID, err error) {
	defer func() { metrics.RecordOperation("pick_winner", err) }()

	if caller != c.cfg.Owner {
		return "", ErrUnauthorized
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.paused {
		return "", ErrPaused
	}
	c.expireLocked(ctx, c.now())
	if n := len(c.reconcileLocked(ctx)); n > 0 {
		// Position value is ambiguous until every transfer settles.
		return "", fmt.Errorf("%w: %d outstanding", ErrTransfersInFlight, n)
	}

	switch c.state {
	case StateIdle:
		return "", ErrRoundNotOpen
	case StateDrawRequested, StateSettling:
		return "", fmt.Errorf("%w: request %s", ErrDrawAlreadyPending, c.pending)
	}
	if c.ledger.TotalPrincipal().IsZero() {
		return "", ErrNoDepositors
	}

	id, err = c.gateway.Request(ctx, c.round)
	if err != nil {
		return "", fmt.Errorf("pick winner: %w", err)
	}

	c.state = StateDrawRequested
	c.pending = id
	c.pendingAt = c.now()
	metrics.SetRound(c.round, true)

	evt := events.New(events.TypeDrawRequested, caller, nil, c.pendingAt)
	evt.Round = c.round
	evt.RequestID = string(id)
	c.publish(ctx, evt)
	return id, nil
}

// ExpireStaleDraw applies the timeout policy: a request older than the
// gateway timeout is abandoned and the round re-arms.
func (c *Controller) ExpireStaleDraw(ctx context.Context, now time.Time) []randomness.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expireLocked(ctx, now)
}

func (c *Controller) expireLocked(ctx context.Context, now time.Time) []randomness.Request {
	expired := c.gateway.Expire(now)
	for _, req := range expired {
		metrics.RecordOperation("expire_draw", nil)
		if req.ID != c.pending {
			continue
		}
		c.pending = ""
		c.pendingAt = time.Time{}
		c.state = StateRoundOpen
		metrics.SetRound(c.round, false)

		evt := events.New(events.TypeDrawExpired, common.Address{}, nil, now)
		evt.Round = c.round
		evt.RequestID = string(req.ID)
		c.publish(ctx, evt)
		c.log.WithField("request_id", string(req.ID)).WithField("round", c.round).Warn("draw expired, round re-armed")
	}
	return expired
}

// =============================================================================
// Randomness callback
// =============================================================================

// FulfillRandomness settles the pending draw. Only the coordinator may call it,
// and only once per request. If the payout cannot be transferred nothing changes
// and the request stays outstanding.
func (c *Controller) FulfillRandomness(ctx context.Context, caller common.Address, id randomness.RequestID, value *uint256.Int) (err error) {
	defer func() { metrics.RecordOperation("fulfill", err) }()

	if value == nil {
		value = new(uint256.Int)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	req, err := c.gateway.Validate(caller, id)
	if err != nil {
		return err
	}
	if id != c.pending {
		return fmt.Errorf("%w: %s is not the pending draw", ErrUnknownRequest, id)
	}

	if n := len(c.reconcileLocked(ctx)); n > 0 {
		c.log.WithField("request_id", string(id)).WithField("in_flight", n).Warn("settlement deferred, pool transfers unconfirmed")
		return fmt.Errorf("fulfill randomness: %w: %d outstanding", ErrTransfersInFlight, n)
	}

	prev := c.state
	c.state = StateSettling

	result, payout, err := c.settleLocked(ctx, req, value)
	if err != nil {
		c.state = prev
		c.log.WithError(err).WithField("request_id", string(id)).Error("settlement failed, draw still pending")
		return fmt.Errorf("fulfill randomness: %w", err)
	}
	if err := c.gateway.MarkFulfilled(id, value); err != nil {
		// Validate ran under the same lock; only a concurrent Expire outside
		// the controller could get here.
		c.log.WithError(err).WithField("request_id", string(id)).Error("gateway rejected settled request")
	}

	if payout != nil {
		// Counted as paid so a retried callback cannot pay twice.
		c.inflight = append(c.inflight, *payout)
		c.log.WithField("ref", payout.Ref).WithField("round", result.Round).Warn("payout submitted but not confirmed")
	}

	c.draws = append(c.draws, result)
	if len(c.draws) > c.cfg.HistoryLimit {
		c.draws = append([]DrawResult(nil), c.draws[len(c.draws)-c.cfg.HistoryLimit:]...)
	}
	c.round++
	c.pending = ""
	c.pendingAt = time.Time{}
	c.state = StateRoundOpen

	metrics.RecordDraw(result.Payout, result.SettledAt.Sub(result.RequestedAt))
	metrics.SetRound(c.round, false)
	metrics.SetLedger(c.ledger.TotalPrincipal(), c.ledger.DepositorCount())

	if result.HasWinner {
		evt := events.New(events.TypeLotteryWinner, result.Winner, result.Payout, result.SettledAt)
		evt.Round = result.Round
		evt.RequestID = string(id)
		c.publish(ctx, evt)
	}
	c.log.WithField("round", result.Round).
		WithField("winner", result.Winner.Hex()).
		WithField("payout", result.Payout.Dec()).
		WithField("depositors", result.DepositorCount).
		Info("draw settled")
	return nil
}

// settleLocked picks the winner and pays the accrued yield. It mutates nothing
// on the controller; the pool transfer is the only side effect. A payout left
// unconfirmed is returned as a Transfer alongside the result.
func (c *Controller) settleLocked(ctx context.Context, req randomness.Request, value *uint256.Int) (DrawResult, *Transfer, error) {
	entries, total := c.ledger.Snapshot()
	result := DrawResult{
		ID:             uuid.NewString(),
		Round:          c.round,
		RequestID:      req.ID,
		Payout:         new(uint256.Int),
		RandomValue:    value.Clone(),
		DepositorCount: len(entries),
		Policy:         c.cfg.Policy,
		RequestedAt:    c.pendingAt,
	}

	if len(entries) > 0 {
		result.Winner = selectWinner(c.cfg.Policy, value, entries, total)
		result.HasWinner = true

		payout, err := c.vault.AccruedYield(ctx, total)
		if err != nil {
			return DrawResult{}, nil, err
		}
		result.Payout = payout
		if !payout.IsZero() {
			if err := c.vault.WithdrawUnderlying(ctx, payout, result.Winner); err != nil {
				ref, ok := yieldvault.PendingRef(err)
				if !ok {
					return DrawResult{}, nil, err
				}
				result.SettledAt = c.now().UTC()
				return result, &Transfer{
					Ref:         ref,
					Kind:        TransferPayout,
					Account:     result.Winner,
					Amount:      payout.Clone(),
					Round:       result.Round,
					RequestID:   req.ID,
					SubmittedAt: result.SettledAt,
				}, nil
			}
		}
	}

	result.SettledAt = c.now().UTC()
	return result, nil, nil
}

// =============================================================================
// Unconfirmed transfers
// =============================================================================

// commitInFlight commits tx for a transfer the pool accepted but has not
// confirmed, and records it for Reconcile.
func (c *Controller) commitInFlight(ctx context.Context, tx *ledger.Tx, t Transfer, cause error) error {
	evts, err := tx.Commit()
	if err != nil {
		c.log.WithError(err).WithField("ref", t.Ref).Error("ledger commit failed for unconfirmed transfer")
		return fmt.Errorf("%s: %w", t.Kind, err)
	}
	t.Round = c.round
	t.SubmittedAt = c.now().UTC()
	c.inflight = append(c.inflight, t)

	switch t.Kind {
	case TransferDeposit:
		metrics.RecordDeposit(t.Amount)
	case TransferWithdrawal:
		metrics.RecordWithdrawal(t.Amount)
	}
	c.afterLedgerChange(ctx, evts)
	c.log.WithError(cause).
		WithField("ref", t.Ref).
		WithField("kind", string(t.Kind)).
		WithField("account", t.Account.Hex()).
		WithField("amount", t.Amount.Dec()).
		Warn("pool transfer unconfirmed, ledger committed")
	return fmt.Errorf("%s %s: %w", t.Kind, t.Ref, ErrTransferPending)
}

// Reconcile polls the pool for every unconfirmed transfer. Confirmed ones are
// dropped; failed ones are compensated in the ledger. It returns the transfers
// still outstanding.
func (c *Controller) Reconcile(ctx context.Context) []Transfer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Transfer(nil), c.reconcileLocked(ctx)...)
}

func (c *Controller) reconcileLocked(ctx context.Context) []Transfer {
	if len(c.inflight) == 0 {
		return nil
	}
	kept := c.inflight[:0]
	for _, t := range c.inflight {
		status, err := c.vault.TransferStatus(ctx, t.Ref)
		if err != nil {
			c.log.WithError(err).WithField("ref", t.Ref).Warn("transfer status unavailable")
			kept = append(kept, t)
			continue
		}
		switch status {
		case yieldvault.TransferConfirmed:
			c.log.WithField("ref", t.Ref).WithField("kind", string(t.Kind)).Info("pool transfer confirmed")
		case yieldvault.TransferFailed:
			if err := c.compensateLocked(ctx, t); err != nil {
				c.log.WithError(err).WithField("ref", t.Ref).Error("compensating failed transfer")
				kept = append(kept, t)
			}
		default:
			kept = append(kept, t)
		}
	}
	c.inflight = kept
	return c.inflight
}

// compensateLocked undoes the ledger side of a transfer the pool rejected.
func (c *Controller) compensateLocked(ctx context.Context, t Transfer) error {
	tx := c.ledger.Begin()
	switch t.Kind {
	case TransferWithdrawal:
		if err := tx.Credit(t.Account, t.Amount); err != nil {
			tx.Rollback()
			return err
		}
	case TransferDeposit:
		// The depositor may have withdrawn part of it meanwhile.
		amount := t.Amount
		if held := c.ledger.Principal(t.Account); held.Lt(amount) {
			amount = held
		}
		if !amount.IsZero() {
			if err := tx.Debit(t.Account, amount); err != nil {
				tx.Rollback()
				return err
			}
		}
	}
	evts, err := tx.Commit()
	if err != nil {
		return err
	}
	c.afterLedgerChange(ctx, evts)

	evt := events.New(events.TypeTransferReverted, t.Account, t.Amount, c.now())
	evt.Round = t.Round
	evt.RequestID = string(t.RequestID)
	c.publish(ctx, evt)
	c.log.WithField("ref", t.Ref).
		WithField("kind", string(t.Kind)).
		WithField("account", t.Account.Hex()).
		WithField("amount", t.Amount.Dec()).
		Warn("pool transfer failed, ledger compensated")
	return nil
}

// InFlight returns the transfers awaiting confirmation.
func (c *Controller) InFlight() []Transfer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Transfer(nil), c.inflight...)
}

// =============================================================================
// Queries
// =============================================================================

// Principal returns the principal held for addr.
func (c *Controller) Principal(addr common.Address) *uint256.Int {
	return c.ledger.Principal(addr)
}

// TotalPrincipal returns the principal owed to all depositors.
func (c *Controller) TotalPrincipal() *uint256.Int {
	return c.ledger.TotalPrincipal()
}

// CurrentPositionValue returns the value of the pooled position.
func (c *Controller) CurrentPositionValue(ctx context.Context) (*uint256.Int, error) {
	return c.vault.CurrentPositionValue(ctx)
}

// AccruedYield returns the yield that would be paid if a draw settled now.
func (c *Controller) AccruedYield(ctx context.Context) (*uint256.Int, error) {
	return c.vault.AccruedYield(ctx, c.ledger.TotalPrincipal())
}

// RoundActive reports whether a draw is pending.
func (c *Controller) RoundActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending != ""
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns a consistent snapshot of the round and ledger plus the pool values.
func (c *Controller) Status(ctx context.Context) (Status, error) {
	c.mu.Lock()
	st := Status{
		State:            c.state,
		Paused:           c.paused,
		Round:            c.round,
		PendingRequestID: c.pending,
		Policy:           c.cfg.Policy,
		Owner:            c.cfg.Owner,
		TotalPrincipal:   c.ledger.TotalPrincipal(),
		DepositorCount:   c.ledger.DepositorCount(),
		InFlight:         len(c.inflight),
	}
	if n := len(c.draws); n > 0 {
		last := c.draws[n-1]
		st.LastDraw = &last
	}
	c.mu.Unlock()

	value, err := c.vault.CurrentPositionValue(ctx)
	if err != nil {
		return st, err
	}
	st.PositionValue = value
	st.AccruedYield = yieldvault.Yield(value, st.TotalPrincipal)
	return st, nil
}

// Draws returns up to limit settled draws, newest first. limit <= 0 returns all.
func (c *Controller) Draws(limit int) []DrawResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.draws)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]DrawResult, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, c.draws[i])
	}
	return out
}

// =============================================================================
// Internal helpers
// =============================================================================

func (c *Controller) afterLedgerChange(ctx context.Context, evts []events.Event) {
	metrics.SetLedger(c.ledger.TotalPrincipal(), c.ledger.DepositorCount())
	for _, evt := range evts {
		evt.Round = c.round
		c.publish(ctx, evt)
	}
}

// publish hands a committed event to the sink. Sink failures are logged only.
func (c *Controller) publish(ctx context.Context, evt events.Event) {
	if c.sink == nil {
		return
	}
	if err := c.sink.Publish(context.WithoutCancel(ctx), evt); err != nil {
		c.log.WithError(err).WithField("event", string(evt.Type)).WithField("event_id", evt.ID).Warn("event sink failed")
	}
}

// IsConflict reports errors caused by the lottery's current state rather than the input.
func IsConflict(err error) bool {
	return errors.Is(err, ErrDrawAlreadyPending) ||
		errors.Is(err, ErrRoundNotOpen) ||
		errors.Is(err, ErrRoundAlreadyOpen) ||
		errors.Is(err, ErrPaused) ||
		errors.Is(err, ErrNoDepositors) ||
		errors.Is(err, ErrTransfersInFlight)
}
