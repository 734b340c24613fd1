package sink

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

const ordersSchema = `
CREATE TABLE IF NOT EXISTS grid_orders (
	exchange         TEXT NOT NULL,
	client_order_id  TEXT NOT NULL,
	exchange_id      TEXT,
	run_id           TEXT,
	symbol           TEXT NOT NULL,
	side             TEXT NOT NULL,
	status           TEXT NOT NULL,
	exchange_status  TEXT,
	price            TEXT NOT NULL,
	qty              TEXT NOT NULL,
	filled_qty       TEXT NOT NULL,
	level_index      INTEGER NOT NULL,
	placed_at        TIMESTAMP,
	created_at       TIMESTAMP NOT NULL,
	updated_at       TIMESTAMP NOT NULL,
	PRIMARY KEY (exchange, client_order_id)
);`

const upsertOrder = `
INSERT INTO grid_orders (
	exchange, client_order_id, exchange_id, run_id, symbol, side, status,
	exchange_status, price, qty, filled_qty, level_index, placed_at,
	created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (exchange, client_order_id) DO UPDATE SET
	exchange_id = excluded.exchange_id,
	status = excluded.status,
	exchange_status = excluded.exchange_status,
	filled_qty = excluded.filled_qty,
	level_index = excluded.level_index,
	updated_at = excluded.updated_at;`

const defaultQueueSize = 256

// SQLite persists order records in a local database. Records are drained by a
// single writer goroutine so RecordOrder stays an enqueue.
type SQLite struct {
	db     *sql.DB
	queue  chan Record
	done   chan struct{}
	closed chan struct{}
}

func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("db path required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(ordersSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	s := &SQLite{
		db:     db,
		queue:  make(chan Record, defaultQueueSize),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	go s.writeLoop()
	return s, nil
}

// RecordOrder enqueues an upsert. A full queue drops the record with a log
// line rather than blocking the trading path.
func (s *SQLite) RecordOrder(record Record) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.queue <- record:
	default:
		log.Printf("level=WARN event=sink_queue_full exchange=%s client_order_id=%s",
			record.Exchange, record.ClientOrderID)
	}
}

func (s *SQLite) writeLoop() {
	defer close(s.closed)
	for {
		select {
		case record := <-s.queue:
			s.write(record)
		case <-s.done:
			// Drain what is already queued, then stop.
			for {
				select {
				case record := <-s.queue:
					s.write(record)
				default:
					return
				}
			}
		}
	}
}

func (s *SQLite) write(record Record) {
	now := time.Now().UTC()
	updatedAt := record.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = now
	}
	_, err := s.db.Exec(upsertOrder,
		record.Exchange,
		record.ClientOrderID,
		record.ExchangeID,
		record.RunID,
		record.Symbol,
		string(record.Side),
		string(record.Status),
		record.ExchangeStatus,
		record.Price.String(),
		record.Qty.String(),
		record.FilledQty.String(),
		record.LevelIndex,
		record.PlacedAt,
		now,
		updatedAt,
	)
	if err != nil {
		log.Printf("level=WARN event=sink_write_failed exchange=%s client_order_id=%s err=%q",
			record.Exchange, record.ClientOrderID, err.Error())
	}
}

// Close stops the writer, drains the queue, and closes the database.
func (s *SQLite) Close(ctx context.Context) error {
	close(s.done)
	select {
	case <-s.closed:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.db.Close()
}

// OrderCount is a test and ops helper.
func (s *SQLite) OrderCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM grid_orders`).Scan(&n)
	return n, err
}

// LoadStatus reads back the persisted status of one order.
func (s *SQLite) LoadStatus(ctx context.Context, exchange, clientOrderID string) (string, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM grid_orders WHERE exchange = ? AND client_order_id = ?`,
		exchange, clientOrderID,
	).Scan(&status)
	if err == sql.ErrNoRows {
		return "", errors.New("record not found")
	}
	return status, err
}
