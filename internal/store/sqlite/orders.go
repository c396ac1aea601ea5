// Package sqlite implements the durable order store on SQLite with WAL mode.
// It is the source of truth the executor re-validates against; the hot-window
// cache is only ever a subset of what lives here.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"matching-enginev1/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// StoreConfig configures the SQLite order store.
type StoreConfig struct {
	DBPath string // path to SQLite database file, e.g. "data/orders.db"
}

// Store provides point reads/writes and the two range-query patterns the
// hot-window refresh needs, plus the safety scanner's full PENDING scan.
type Store struct {
	db *sql.DB
}

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// New opens the order store, initializes WAL mode and the schema.
func New(cfg StoreConfig) (*Store, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single writer; the executor serializes per-order via the Redis lock,
	// but SQLite itself allows only one writer anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened order store at %s", cfg.DBPath)
	return &Store{db: db}, nil
}

func createSchema(db *sql.DB) error {
	// trigger_price/quantity/held_amount are canonical decimal strings.
	// trigger_price_num is a REAL shadow used only for indexed range scans;
	// callers re-check bounds with exact decimal compares.
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS orders (
			order_id          TEXT PRIMARY KEY,
			username          TEXT NOT NULL,
			instrument_id     TEXT NOT NULL,
			side              TEXT NOT NULL,
			quantity          TEXT NOT NULL,
			trigger_price     TEXT NOT NULL,
			trigger_price_num REAL NOT NULL,
			status            TEXT NOT NULL,
			held_amount       TEXT NOT NULL,
			execution_price   TEXT,
			created_at        INTEGER NOT NULL,
			triggered_at      INTEGER,
			expires_at        INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_orders_trigger
			ON orders (instrument_id, side, status, trigger_price_num);

		CREATE INDEX IF NOT EXISTS idx_orders_status_created
			ON orders (status, created_at);
	`)
	return err
}

// Insert stores a new order. Used by the order-placement flow and by tests;
// the matching engine itself never creates orders.
func (s *Store) Insert(ctx context.Context, o *model.Order) error {
	num, _ := o.TriggerPrice.Float64()
	var triggeredAt interface{}
	if o.TriggeredAt != nil {
		triggeredAt = o.TriggeredAt.UnixMicro()
	}
	var execPrice interface{}
	if o.ExecutionPrice != nil {
		execPrice = o.ExecutionPrice.String()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (order_id, username, instrument_id, side, quantity,
			trigger_price, trigger_price_num, status, held_amount,
			execution_price, created_at, triggered_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.OrderID, o.Username, o.InstrumentID, string(o.Side), o.Quantity.String(),
		o.TriggerPrice.String(), num, o.Status, o.HeldAmount.String(),
		execPrice, o.CreatedAt.UnixMicro(), triggeredAt, o.ExpiresAt.UnixMicro())
	if err != nil {
		return fmt.Errorf("sqlite insert order %s: %w", o.OrderID, err)
	}
	return nil
}

// Get reads a single order by ID. Returns nil, nil if not found.
func (s *Store) Get(ctx context.Context, orderID string) (*model.Order, error) {
	row := s.db.QueryRowContext(ctx, selectCols+` FROM orders WHERE order_id = ?`, orderID)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite get order %s: %w", orderID, err)
	}
	return o, nil
}

// PendingBuysInRange returns PENDING BUY orders with trigger_price in
// [low, high], ordered by trigger_price ascending. Hot-window refresh, BUY side.
func (s *Store) PendingBuysInRange(ctx context.Context, instrumentID string, low, high decimal.Decimal) ([]*model.Order, error) {
	return s.pendingInRange(ctx, instrumentID, model.SideBuy, low, high)
}

// PendingSellsInRange returns PENDING SELL orders with trigger_price in
// [low, high], ordered by trigger_price ascending. Hot-window refresh, SELL side.
func (s *Store) PendingSellsInRange(ctx context.Context, instrumentID string, low, high decimal.Decimal) ([]*model.Order, error) {
	return s.pendingInRange(ctx, instrumentID, model.SideSell, low, high)
}

func (s *Store) pendingInRange(ctx context.Context, instrumentID string, side model.Side, low, high decimal.Decimal) ([]*model.Order, error) {
	// The REAL bounds are widened a hair so float rounding never excludes a
	// boundary order; the exact decimal re-check below restores the bounds.
	lowNum, _ := low.Float64()
	highNum, _ := high.Float64()

	rows, err := s.db.QueryContext(ctx, selectCols+`
		FROM orders
		WHERE instrument_id = ? AND side = ? AND status = ?
		  AND trigger_price_num >= ? * 0.999999 AND trigger_price_num <= ? * 1.000001
		ORDER BY trigger_price_num ASC, created_at ASC
	`, instrumentID, string(side), model.StatusPending, lowNum, highNum)
	if err != nil {
		return nil, fmt.Errorf("sqlite range query %s/%s: %w", instrumentID, side, err)
	}
	defer rows.Close()

	var orders []*model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite scan order: %w", err)
		}
		if o.TriggerPrice.LessThan(low) || o.TriggerPrice.GreaterThan(high) {
			continue
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// AllPending returns every PENDING order ordered by created_at ascending.
// Full scan — safety scanner only, never on the hot path.
func (s *Store) AllPending(ctx context.Context) ([]*model.Order, error) {
	rows, err := s.db.QueryContext(ctx, selectCols+`
		FROM orders
		WHERE status = ?
		ORDER BY created_at ASC
	`, model.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("sqlite all pending: %w", err)
	}
	defer rows.Close()

	var orders []*model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// TransitionStatus conditionally moves an order from an expected status to a
// new one. Returns false (no error) if the current status did not match —
// the caller lost the race and must treat the order as handled elsewhere.
func (s *Store) TransitionStatus(ctx context.Context, orderID, from, to string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET status = ? WHERE order_id = ? AND status = ?
	`, to, orderID, from)
	if err != nil {
		return false, fmt.Errorf("sqlite transition %s %s→%s: %w", orderID, from, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite rows affected: %w", err)
	}
	return n == 1, nil
}

// MarkExecuted finalizes a successful execution. Conditional on the order
// still being EXECUTING, so a duplicate finalize is a no-op.
func (s *Store) MarkExecuted(ctx context.Context, orderID string, execPrice decimal.Decimal, triggeredAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET status = ?, execution_price = ?, triggered_at = ?
		WHERE order_id = ? AND status = ?
	`, model.StatusExecuted, execPrice.String(), triggeredAt.UnixMicro(),
		orderID, model.StatusExecuting)
	if err != nil {
		return false, fmt.Errorf("sqlite mark executed %s: %w", orderID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite rows affected: %w", err)
	}
	return n == 1, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

const selectCols = `
	SELECT order_id, username, instrument_id, side, quantity, trigger_price,
	       status, held_amount, execution_price, created_at, triggered_at, expires_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (*model.Order, error) {
	var o model.Order
	var side, quantity, triggerPrice, heldAmount string
	var execPrice sql.NullString
	var createdAt, expiresAt int64
	var triggeredAt sql.NullInt64

	err := row.Scan(&o.OrderID, &o.Username, &o.InstrumentID, &side, &quantity,
		&triggerPrice, &o.Status, &heldAmount, &execPrice,
		&createdAt, &triggeredAt, &expiresAt)
	if err != nil {
		return nil, err
	}

	o.Side = model.Side(side)
	if o.Quantity, err = decimal.NewFromString(quantity); err != nil {
		return nil, fmt.Errorf("parse quantity %q: %w", quantity, err)
	}
	if o.TriggerPrice, err = decimal.NewFromString(triggerPrice); err != nil {
		return nil, fmt.Errorf("parse trigger_price %q: %w", triggerPrice, err)
	}
	if o.HeldAmount, err = decimal.NewFromString(heldAmount); err != nil {
		return nil, fmt.Errorf("parse held_amount %q: %w", heldAmount, err)
	}
	if execPrice.Valid {
		p, err := decimal.NewFromString(execPrice.String)
		if err != nil {
			return nil, fmt.Errorf("parse execution_price %q: %w", execPrice.String, err)
		}
		o.ExecutionPrice = &p
	}
	o.CreatedAt = time.UnixMicro(createdAt).UTC()
	if triggeredAt.Valid {
		ts := time.UnixMicro(triggeredAt.Int64).UTC()
		o.TriggeredAt = &ts
	}
	o.ExpiresAt = time.UnixMicro(expiresAt).UTC()
	return &o, nil
}
