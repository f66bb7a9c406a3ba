package storage

import (
	"context"
	"database/sql"
	"time"
)

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

// Queries holds the SQL statements of the ledger schema.
type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

// timeLayout is fixed-width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// Category is a row of the categories table.
type Category struct {
	ID        string
	Name      string
	Color     int64
	Position  int64
	CreatedAt string
}

// Expense is a row of the expenses table.
type Expense struct {
	ID         string
	Title      string
	Amount     string
	CategoryID string
	CreatedAt  string
}

// OutboxEvent is a row of the event_outbox table.
type OutboxEvent struct {
	ID          int64
	MessageID   string
	EventType   string
	Payload     []byte
	Status      string
	Attempts    int64
	LastError   sql.NullString
	CreatedAt   string
	UpdatedAt   string
	PublishedAt sql.NullString
}

const insertCategory = `
INSERT INTO categories (id, name, color, position, created_at)
VALUES (?, ?, ?, (SELECT COALESCE(MAX(position), 0) + 1 FROM categories), ?)
ON CONFLICT (id) DO UPDATE SET name = excluded.name, color = excluded.color`

func (q *Queries) InsertCategory(ctx context.Context, arg Category) error {
	_, err := q.db.ExecContext(ctx, insertCategory, arg.ID, arg.Name, arg.Color, arg.CreatedAt)
	return err
}

const updateCategoryColor = `UPDATE categories SET color = ? WHERE id = ?`

func (q *Queries) UpdateCategoryColor(ctx context.Context, id string, color int64) (int64, error) {
	res, err := q.db.ExecContext(ctx, updateCategoryColor, color, id)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const listCategories = `SELECT id, name, color, position, created_at FROM categories ORDER BY position, id`

func (q *Queries) ListCategories(ctx context.Context) ([]Category, error) {
	rows, err := q.db.QueryContext(ctx, listCategories)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Category
	for rows.Next() {
		var i Category
		if err := rows.Scan(&i.ID, &i.Name, &i.Color, &i.Position, &i.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	return items, rows.Err()
}

const insertExpense = `
INSERT INTO expenses (id, title, amount, category_id, created_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (id) DO NOTHING`

func (q *Queries) InsertExpense(ctx context.Context, arg Expense) error {
	_, err := q.db.ExecContext(ctx, insertExpense, arg.ID, arg.Title, arg.Amount, arg.CategoryID, arg.CreatedAt)
	return err
}

const deleteExpense = `DELETE FROM expenses WHERE id = ?`

func (q *Queries) DeleteExpense(ctx context.Context, id string) (int64, error) {
	res, err := q.db.ExecContext(ctx, deleteExpense, id)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Ids come from a microsecond clock, so ordering by created_at then id keeps
// insertion order.
const listExpenses = `SELECT id, title, amount, category_id, created_at FROM expenses ORDER BY created_at, id`

func (q *Queries) ListExpenses(ctx context.Context) ([]Expense, error) {
	rows, err := q.db.QueryContext(ctx, listExpenses)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Expense
	for rows.Next() {
		var i Expense
		if err := rows.Scan(&i.ID, &i.Title, &i.Amount, &i.CategoryID, &i.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	return items, rows.Err()
}

const enqueueEvent = `
INSERT INTO event_outbox (message_id, event_type, payload, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)
RETURNING id`

func (q *Queries) EnqueueEvent(ctx context.Context, messageID, eventType string, payload []byte, now time.Time) (int64, error) {
	ts := formatTime(now)
	var id int64
	err := q.db.QueryRowContext(ctx, enqueueEvent, messageID, eventType, payload, ts, ts).Scan(&id)
	return id, err
}

const dequeueEvents = `
SELECT id, message_id, event_type, payload, status, attempts, last_error, created_at, updated_at, published_at
FROM event_outbox
WHERE status = 'pending'
ORDER BY id
LIMIT ?`

func (q *Queries) DequeueEvents(ctx context.Context, limit int64) ([]OutboxEvent, error) {
	rows, err := q.db.QueryContext(ctx, dequeueEvents, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []OutboxEvent
	for rows.Next() {
		var i OutboxEvent
		if err := rows.Scan(&i.ID, &i.MessageID, &i.EventType, &i.Payload, &i.Status,
			&i.Attempts, &i.LastError, &i.CreatedAt, &i.UpdatedAt, &i.PublishedAt); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	return items, rows.Err()
}

const setEventStatus = `UPDATE event_outbox SET status = ?, updated_at = ? WHERE id = ?`

func (q *Queries) SetEventStatus(ctx context.Context, id int64, status string, now time.Time) error {
	_, err := q.db.ExecContext(ctx, setEventStatus, status, formatTime(now), id)
	return err
}

const markEventPublished = `
UPDATE event_outbox SET status = 'published', published_at = ?, updated_at = ?, last_error = NULL
WHERE id = ?`

func (q *Queries) MarkEventPublished(ctx context.Context, id int64, now time.Time) error {
	ts := formatTime(now)
	_, err := q.db.ExecContext(ctx, markEventPublished, ts, ts, id)
	return err
}

const recordEventFailure = `
UPDATE event_outbox SET status = ?, attempts = attempts + 1, last_error = ?, updated_at = ?
WHERE id = ?`

func (q *Queries) RecordEventFailure(ctx context.Context, id int64, status, lastError string, now time.Time) error {
	_, err := q.db.ExecContext(ctx, recordEventFailure, status, lastError, formatTime(now), id)
	return err
}

const resetStaleEvents = `UPDATE event_outbox SET status = 'pending' WHERE status = 'processing'`

func (q *Queries) ResetStaleEvents(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, resetStaleEvents)
	return err
}

const retryFailedEvents = `UPDATE event_outbox SET status = 'pending', attempts = 0 WHERE status = 'failed'`

func (q *Queries) RetryFailedEvents(ctx context.Context) (int64, error) {
	res, err := q.db.ExecContext(ctx, retryFailedEvents)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const cleanupPublishedEvents = `DELETE FROM event_outbox WHERE status = 'published' AND published_at < ?`

func (q *Queries) CleanupPublishedEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx, cleanupPublishedEvents, formatTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// OutboxStats counts outbox rows per status.
type OutboxStats struct {
	Pending    int64
	Processing int64
	Published  int64
	Failed     int64
}

const outboxStats = `
SELECT
    COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
    COALESCE(SUM(CASE WHEN status = 'processing' THEN 1 ELSE 0 END), 0),
    COALESCE(SUM(CASE WHEN status = 'published' THEN 1 ELSE 0 END), 0),
    COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0)
FROM event_outbox`

func (q *Queries) OutboxStats(ctx context.Context) (OutboxStats, error) {
	var s OutboxStats
	err := q.db.QueryRowContext(ctx, outboxStats).Scan(&s.Pending, &s.Processing, &s.Published, &s.Failed)
	return s, err
}
