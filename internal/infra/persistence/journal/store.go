// Package journal persists fill outcomes to PostgreSQL.
package journal

import (
	"context"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/coachpo/exchangelink/internal/config"
	"github.com/coachpo/exchangelink/internal/execution"
)

const (
	insertSQL = `
INSERT INTO fill_outcomes (
    id,
    exchange,
    symbol,
    client_order_id,
    order_id,
    side,
    state,
    expected_qty,
    filled_qty,
    avg_price,
    attempts,
    created_at,
    metadata
)
VALUES (
    @id,
    @exchange,
    @symbol,
    @client_order_id,
    @order_id,
    @side,
    @state,
    @expected_qty,
    @filled_qty,
    @avg_price,
    @attempts,
    @created_at,
    @metadata::jsonb
);
`

	selectRecentSQL = `
SELECT
    id::text,
    exchange,
    symbol,
    client_order_id,
    order_id,
    side,
    state,
    expected_qty::text,
    filled_qty::text,
    COALESCE(avg_price::text, ''),
    attempts,
    created_at,
    metadata
FROM fill_outcomes
WHERE exchange = @exchange
ORDER BY created_at DESC, id
LIMIT @limit;
`

	defaultRecentLimit = 50
	maxRecentLimit     = 500
)

// Record is one stored fill outcome.
type Record struct {
	ID            string
	Exchange      string
	Symbol        string
	ClientOrderID string
	OrderID       string
	Side          string
	State         string
	ExpectedQty   decimal.Decimal
	FilledQty     decimal.Decimal
	AvgPrice      decimal.Decimal
	Attempts      int
	CreatedAt     time.Time
	Metadata      Metadata
}

// Metadata holds the outcome details that have no dedicated column.
type Metadata struct {
	Assumed   bool   `json:"assumed,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Slippage  string `json:"slippage,omitempty"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

// Store writes fill outcomes through a pgx pool.
type Store struct {
	pool *pgxpool.Pool
	own  bool
}

var _ execution.FillRecorder = (*Store)(nil)

// NewStore wraps an existing pool. Close leaves the pool open.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Open builds a pool from cfg and verifies connectivity.
func Open(ctx context.Context, cfg config.JournalConfig) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("journal: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("journal: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal: ping: %w", err)
	}
	ObservePoolMetrics(pool, "journal")
	return &Store{pool: pool, own: true}, nil
}

// Close releases the pool when the store opened it.
func (s *Store) Close() {
	if s != nil && s.own && s.pool != nil {
		s.pool.Close()
	}
}

// RecordFill inserts one outcome.
func (s *Store) RecordFill(ctx context.Context, outcome execution.Outcome) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("journal: nil pool")
	}
	if strings.TrimSpace(outcome.Exchange) == "" {
		return fmt.Errorf("journal: exchange required")
	}
	metadata, err := json.Marshal(Metadata{
		Assumed:   outcome.Assumed,
		Reason:    outcome.Reason,
		Slippage:  decimalText(outcome.Slippage),
		ElapsedMS: outcome.Elapsed.Milliseconds(),
	})
	if err != nil {
		return fmt.Errorf("journal: encode metadata: %w", err)
	}
	expected, err := numeric(outcome.Expected)
	if err != nil {
		return err
	}
	filled, err := numeric(outcome.Filled)
	if err != nil {
		return err
	}
	var avg pgtype.Numeric
	if outcome.AvgPrice.IsPositive() {
		if avg, err = numeric(outcome.AvgPrice); err != nil {
			return err
		}
	}
	createdAt := outcome.At
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	attempts := outcome.Attempt
	if attempts <= 0 {
		attempts = 1
	}

	args := pgx.NamedArgs{
		"id":              uuid.NewString(),
		"exchange":        outcome.Exchange,
		"symbol":          outcome.Symbol,
		"client_order_id": outcome.ClientID,
		"order_id":        outcome.OrderID,
		"side":            string(outcome.Side),
		"state":           outcome.State.String(),
		"expected_qty":    expected,
		"filled_qty":      filled,
		"avg_price":       avg,
		"attempts":        attempts,
		"created_at":      createdAt.UTC(),
		"metadata":        string(metadata),
	}
	if _, err := s.pool.Exec(ctx, insertSQL, args); err != nil {
		return fmt.Errorf("journal: insert outcome: %w", err)
	}
	return nil
}

// Recent returns the newest outcomes for exchange.
func (s *Store) Recent(ctx context.Context, exchange string, limit int) ([]Record, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("journal: nil pool")
	}
	switch {
	case limit <= 0:
		limit = defaultRecentLimit
	case limit > maxRecentLimit:
		limit = maxRecentLimit
	}
	rows, err := s.pool.Query(ctx, selectRecentSQL, pgx.NamedArgs{"exchange": exchange, "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("journal: query outcomes: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec                     Record
			expected, filled, price string
			metadata                []byte
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.Exchange,
			&rec.Symbol,
			&rec.ClientOrderID,
			&rec.OrderID,
			&rec.Side,
			&rec.State,
			&expected,
			&filled,
			&price,
			&rec.Attempts,
			&rec.CreatedAt,
			&metadata,
		); err != nil {
			return nil, fmt.Errorf("journal: scan outcome: %w", err)
		}
		if rec.ExpectedQty, err = decimal.NewFromString(expected); err != nil {
			return nil, fmt.Errorf("journal: parse expected_qty: %w", err)
		}
		if rec.FilledQty, err = decimal.NewFromString(filled); err != nil {
			return nil, fmt.Errorf("journal: parse filled_qty: %w", err)
		}
		if price != "" {
			if rec.AvgPrice, err = decimal.NewFromString(price); err != nil {
				return nil, fmt.Errorf("journal: parse avg_price: %w", err)
			}
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
				return nil, fmt.Errorf("journal: decode metadata: %w", err)
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: iterate outcomes: %w", err)
	}
	return out, nil
}

func numeric(d decimal.Decimal) (pgtype.Numeric, error) {
	var out pgtype.Numeric
	if err := out.Scan(d.String()); err != nil {
		return out, fmt.Errorf("journal: parse numeric %q: %w", d.String(), err)
	}
	return out, nil
}

func decimalText(d decimal.Decimal) string {
	if d.IsZero() {
		return ""
	}
	return d.String()
}
