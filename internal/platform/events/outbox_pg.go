package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinic/clinic/internal/platform/db"
)

// NotifyChannel is the LISTEN/NOTIFY channel signalled on every enqueue.
const NotifyChannel = "clinic_outbox"

// Store is the relay's view of the outbox.
type Store interface {
	// FetchPending locks up to limit unprocessed events, oldest first. Rows
	// locked by another relay are skipped. Must run inside a transaction.
	FetchPending(ctx context.Context, limit int) ([]*Event, error)
	MarkProcessed(ctx context.Context, id uuid.UUID) error
	CountPending(ctx context.Context) (int, error)
}

type OutboxPG struct{ pool *pgxpool.Pool }

func NewOutboxPG(pool *pgxpool.Pool) *OutboxPG { return &OutboxPG{pool: pool} }

const eventCols = `id, event_type, aggregate_id, payload, created_at, processed_at`

func scanEvent(row pgx.Row) (*Event, error) {
	var e Event
	var payload []byte
	if err := row.Scan(&e.ID, &e.Type, &e.AggregateID, &payload, &e.CreatedAt, &e.ProcessedAt); err != nil {
		return nil, err
	}
	e.Payload = payload
	return &e, nil
}

// Enqueue inserts the event and signals NotifyChannel. Both take effect when
// the surrounding transaction commits.
func (o *OutboxPG) Enqueue(ctx context.Context, e *Event) error {
	conn := db.Conn(ctx, o.pool)
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	err := conn.QueryRow(ctx, `
		INSERT INTO outbox_events (id, event_type, aggregate_id, payload)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`,
		e.ID, e.Type, e.AggregateID, []byte(e.Payload),
	).Scan(&e.CreatedAt)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", e.Type, err)
	}
	if _, err := conn.Exec(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, e.ID.String()); err != nil {
		return fmt.Errorf("notify outbox: %w", err)
	}
	return nil
}

func (o *OutboxPG) FetchPending(ctx context.Context, limit int) ([]*Event, error) {
	if db.TxFromContext(ctx) == nil {
		return nil, errors.New("fetch pending events: no transaction in context")
	}
	rows, err := db.Conn(ctx, o.pool).Query(ctx, `
		SELECT `+eventCols+`
		FROM outbox_events
		WHERE processed_at IS NULL
		ORDER BY created_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch pending events: %w", err)
	}
	defer rows.Close()

	var items []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

func (o *OutboxPG) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	_, err := db.Conn(ctx, o.pool).Exec(ctx,
		`UPDATE outbox_events SET processed_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark event %s processed: %w", id, err)
	}
	return nil
}

func (o *OutboxPG) CountPending(ctx context.Context) (int, error) {
	var n int
	err := db.Conn(ctx, o.pool).QueryRow(ctx,
		`SELECT COUNT(*) FROM outbox_events WHERE processed_at IS NULL`).Scan(&n)
	return n, err
}

// PGListener waits for NOTIFY on NotifyChannel over a dedicated connection.
type PGListener struct {
	pool *pgxpool.Pool
	conn *pgxpool.Conn
}

func NewPGListener(pool *pgxpool.Pool) *PGListener { return &PGListener{pool: pool} }

// Wait blocks until a notification arrives or ctx is done. A nil error
// means a notification was received. The connection is re-established after
// a failure.
func (l *PGListener) Wait(ctx context.Context) error {
	if l.conn == nil {
		conn, err := l.pool.Acquire(ctx)
		if err != nil {
			return fmt.Errorf("acquire listener connection: %w", err)
		}
		if _, err := conn.Exec(ctx, `LISTEN `+NotifyChannel); err != nil {
			conn.Release()
			return fmt.Errorf("listen %s: %w", NotifyChannel, err)
		}
		l.conn = conn
	}

	_, err := l.conn.Conn().WaitForNotification(ctx)
	if err != nil && (ctx.Err() == nil || l.conn.Conn().IsClosed()) {
		l.Close()
	}
	return err
}

// Close returns the listening connection to the pool after unsubscribing.
func (l *PGListener) Close() {
	if l.conn == nil {
		return
	}
	if !l.conn.Conn().IsClosed() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, _ = l.conn.Exec(ctx, `UNLISTEN `+NotifyChannel)
		cancel()
	}
	l.conn.Release()
	l.conn = nil
}
