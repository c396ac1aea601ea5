package executor

import (
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"matching-enginev1/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// Fill is one settled execution, as recorded in the audit trail.
type Fill struct {
	OrderID      string          `json:"order_id"`
	Username     string          `json:"username"`
	InstrumentID string          `json:"instrument_id"`
	Side         model.Side      `json:"side"`
	HeldAmount   decimal.Decimal `json:"held_amount"`
	Quantity     decimal.Decimal `json:"quantity"`
	Proceeds     decimal.Decimal `json:"proceeds"`
	Price        decimal.Decimal `json:"price"`
	FilledAt     time.Time       `json:"filled_at"`
}

// Recorder persists fills for audit. The executor treats it as optional and
// best-effort: a journal failure never fails an execution.
type Recorder interface {
	RecordFill(fill Fill) error
}

// Journal persists fills to SQLite for analysis and audit. The monotonic
// rowid doubles as the execution sequence, so "which order filled first"
// is answerable after the fact.
type Journal struct {
	mu sync.Mutex
	db *sql.DB
}

// NewJournal opens (or creates) a SQLite journal database.
func NewJournal(dbPath string) (*Journal, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_sync=NORMAL")
	if err != nil {
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS fills (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		order_id      TEXT NOT NULL,
		username      TEXT NOT NULL,
		instrument_id TEXT NOT NULL,
		side          TEXT NOT NULL,
		held_amount   TEXT NOT NULL,
		qty           TEXT NOT NULL,
		proceeds      TEXT NOT NULL,
		price         TEXT NOT NULL,
		filled_at     DATETIME NOT NULL,
		created_at    DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_fills_order ON fills(order_id);
	CREATE INDEX IF NOT EXISTS idx_fills_user ON fills(username);
	CREATE INDEX IF NOT EXISTS idx_fills_filled_at ON fills(filled_at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	log.Printf("[journal] opened fill journal at %s", dbPath)
	return &Journal{db: db}, nil
}

// RecordFill persists a fill to the journal.
func (j *Journal) RecordFill(fill Fill) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.Exec(
		`INSERT INTO fills (order_id, username, instrument_id, side, held_amount, qty, proceeds, price, filled_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		fill.OrderID,
		fill.Username,
		fill.InstrumentID,
		string(fill.Side),
		fill.HeldAmount.String(),
		fill.Quantity.String(),
		fill.Proceeds.String(),
		fill.Price.String(),
		fill.FilledAt.Format(time.RFC3339),
	)
	return err
}

// FillRecord represents a row from the fills table.
type FillRecord struct {
	ID           int64  `json:"id"`
	OrderID      string `json:"order_id"`
	Username     string `json:"username"`
	InstrumentID string `json:"instrument_id"`
	Side         string `json:"side"`
	HeldAmount   string `json:"held_amount"`
	Qty          string `json:"qty"`
	Proceeds     string `json:"proceeds"`
	Price        string `json:"price"`
	FilledAt     string `json:"filled_at"`
}

// GetFills returns the last N fills, newest first.
func (j *Journal) GetFills(limit int) ([]FillRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.Query(
		`SELECT id, order_id, username, instrument_id, side, held_amount, qty, proceeds, price, filled_at
		 FROM fills ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fills []FillRecord
	for rows.Next() {
		var f FillRecord
		if err := rows.Scan(&f.ID, &f.OrderID, &f.Username, &f.InstrumentID, &f.Side,
			&f.HeldAmount, &f.Qty, &f.Proceeds, &f.Price, &f.FilledAt); err != nil {
			continue
		}
		fills = append(fills, f)
	}
	return fills, nil
}

// ServeHTTP serves the ops audit view: GET /fills?limit=N, newest first.
func (j *Journal) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			http.Error(w, "limit must be 1-500", http.StatusBadRequest)
			return
		}
		limit = n
	}

	fills, err := j.GetFills(limit)
	if err != nil {
		log.Printf("[journal] fills query failed: %v", err)
		http.Error(w, "journal query failed", http.StatusInternalServerError)
		return
	}
	if fills == nil {
		fills = []FillRecord{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(fills)
}

// Close closes the journal database.
func (j *Journal) Close() error {
	return j.db.Close()
}
