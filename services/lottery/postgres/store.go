// Package postgres projects committed lottery events into PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/R3E-Network/nolosslottery/internal/events"
	"github.com/R3E-Network/nolosslottery/internal/ledger"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS lottery_events (
		id          TEXT PRIMARY KEY,
		type        TEXT NOT NULL,
		account     TEXT NOT NULL,
		amount_wei  NUMERIC(78, 0) NOT NULL,
		round       BIGINT NOT NULL DEFAULT 0,
		request_id  TEXT NOT NULL DEFAULT '',
		occurred_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS lottery_events_account_idx ON lottery_events (account, occurred_at)`,
	`CREATE INDEX IF NOT EXISTS lottery_events_type_idx ON lottery_events (type, occurred_at)`,
}

// Store implements events.Sink backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ events.Sink = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: sqlx.NewDb(db, "postgres")}
}

// Open connects to dsn with the lib/pq driver.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- events.Sink ------------------------------------------------------------

// Publish records evt. Replays of the same event id are ignored.
func (s *Store) Publish(ctx context.Context, evt events.Event) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO lottery_events (id, type, account, amount_wei, round, request_id, occurred_at)
		VALUES (:id, :type, :account, :amount_wei, :round, :request_id, :occurred_at)
		ON CONFLICT (id) DO NOTHING
	`, toRow(evt))
	return err
}

// --- Queries ----------------------------------------------------------------

type eventRow struct {
	ID         string    `db:"id"`
	Type       string    `db:"type"`
	Account    string    `db:"account"`
	AmountWei  string    `db:"amount_wei"`
	Round      int64     `db:"round"`
	RequestID  string    `db:"request_id"`
	OccurredAt time.Time `db:"occurred_at"`
}

func toRow(evt events.Event) eventRow {
	amount := evt.Amount
	if amount == nil {
		amount = new(uint256.Int)
	}
	return eventRow{
		ID:         evt.ID,
		Type:       string(evt.Type),
		Account:    evt.Account.Hex(),
		AmountWei:  amount.Dec(),
		Round:      int64(evt.Round),
		RequestID:  evt.RequestID,
		OccurredAt: evt.At.UTC(),
	}
}

func (r eventRow) toEvent() (events.Event, error) {
	amount, err := uint256.FromDecimal(r.AmountWei)
	if err != nil {
		return events.Event{}, fmt.Errorf("event %s: amount %q: %w", r.ID, r.AmountWei, err)
	}
	return events.Event{
		ID:        r.ID,
		Type:      events.Type(r.Type),
		Account:   common.HexToAddress(r.Account),
		Amount:    amount,
		Round:     uint64(r.Round),
		RequestID: r.RequestID,
		At:        r.OccurredAt,
	}, nil
}

// History returns the newest events for account, newest first.
func (s *Store) History(ctx context.Context, account common.Address, limit int) ([]events.Event, error) {
	var rows []eventRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, type, account, amount_wei::TEXT AS amount_wei, round, request_id, occurred_at
		FROM lottery_events
		WHERE account = $1
		ORDER BY occurred_at DESC
		LIMIT $2
	`, account.Hex(), limit)
	if err != nil {
		return nil, err
	}
	out := make([]events.Event, 0, len(rows))
	for _, r := range rows {
		evt, err := r.toEvent()
		if err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	return out, nil
}

// NetPrincipal sums deposits minus withdrawals per account, in order of each
// account's first event. It is what the ledger is rebuilt from on startup.
func (s *Store) NetPrincipal(ctx context.Context) ([]ledger.Entry, error) {
	var rows []struct {
		Account string `db:"account"`
		Net     string `db:"net"`
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT account,
		       SUM(CASE WHEN type = $1 THEN amount_wei ELSE -amount_wei END)::TEXT AS net
		FROM lottery_events
		WHERE type IN ($1, $2)
		GROUP BY account
		ORDER BY MIN(occurred_at), account
	`, string(events.TypeDeposited), string(events.TypeWithdrawn))
	if err != nil {
		return nil, err
	}
	out := make([]ledger.Entry, 0, len(rows))
	for _, r := range rows {
		if strings.HasPrefix(r.Net, "-") {
			return nil, fmt.Errorf("account %s: withdrawals exceed deposits by %s", r.Account, strings.TrimPrefix(r.Net, "-"))
		}
		v, err := uint256.FromDecimal(r.Net)
		if err != nil {
			return nil, fmt.Errorf("account %s: net %q: %w", r.Account, r.Net, err)
		}
		if v.IsZero() {
			continue
		}
		out = append(out, ledger.Entry{Depositor: common.HexToAddress(r.Account), Principal: v})
	}
	return out, nil
}
