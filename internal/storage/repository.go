// Package storage persists ledger state and the event outbox in SQLite.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"

	"genspese/internal/core"
	"genspese/internal/ledger"
	applog "genspese/internal/log"

	_ "modernc.org/sqlite"
)

// Outbox statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusPublished  = "published"
	StatusFailed     = "failed"
)

// OutboxEntry is the broker message recorded together with a ledger event.
type OutboxEntry struct {
	MessageID string
	Payload   []byte
}

type SQLiteRepository struct {
	db      *sql.DB
	queries *Queries
	logger  *slog.Logger
	now     func() time.Time
}

// NewSQLiteRepository opens (creating if needed) the database at dbPath and
// applies pending migrations.
func NewSQLiteRepository(dbPath string, logger *slog.Logger) (*SQLiteRepository, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// A single connection serializes writers and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{
		db:      db,
		queries: New(db),
		logger:  logger.With(applog.FieldComponent, applog.ComponentStorage),
		now:     time.Now,
	}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Ping checks the database connection.
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// ApplyEvent writes the effect of ev and, when entry is non-nil, queues the
// broker message in the same transaction. It returns the outbox row id, or
// zero when nothing was queued.
func (r *SQLiteRepository) ApplyEvent(ctx context.Context, ev ledger.Event, entry *OutboxEntry) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	q := r.queries.WithTx(tx)
	if err := applyEvent(ctx, q, ev); err != nil {
		return 0, fmt.Errorf("apply %s: %w", ev.Type, err)
	}

	var outboxID int64
	if entry != nil {
		outboxID, err = q.EnqueueEvent(ctx, entry.MessageID, string(ev.Type), entry.Payload, r.now())
		if err != nil {
			return 0, fmt.Errorf("enqueue %s: %w", ev.Type, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}

	r.logger.DebugContext(ctx, "Ledger event persisted",
		"type", ev.Type,
		"outbox_id", outboxID)
	return outboxID, nil
}

func applyEvent(ctx context.Context, q *Queries, ev ledger.Event) error {
	switch ev.Type {
	case ledger.CategoryAdded:
		return q.InsertCategory(ctx, Category{
			ID:        ev.Category.ID,
			Name:      ev.Category.Name,
			Color:     int64(ev.Category.Color),
			CreatedAt: formatTime(ev.At),
		})
	case ledger.CategoryColorUpdated:
		_, err := q.UpdateCategoryColor(ctx, ev.Category.ID, int64(ev.Category.Color))
		return err
	case ledger.ExpenseAdded:
		return q.InsertExpense(ctx, Expense{
			ID:         ev.Expense.ID,
			Title:      ev.Expense.Title,
			Amount:     ev.Expense.Amount.String(),
			CategoryID: ev.Expense.CategoryID,
			CreatedAt:  formatTime(ev.Expense.Date),
		})
	case ledger.ExpenseRemoved:
		_, err := q.DeleteExpense(ctx, ev.Expense.ID)
		return err
	}
	return fmt.Errorf("unknown event type %q", ev.Type)
}

// Load reads the persisted categories and expenses in insertion order.
func (r *SQLiteRepository) Load(ctx context.Context) ([]core.Category, []core.Expense, error) {
	rows, err := r.queries.ListCategories(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("list categories: %w", err)
	}
	categories := make([]core.Category, 0, len(rows))
	for _, c := range rows {
		categories = append(categories, core.Category{
			ID:    c.ID,
			Name:  c.Name,
			Color: core.Color(uint32(c.Color)),
		})
	}

	expRows, err := r.queries.ListExpenses(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("list expenses: %w", err)
	}
	expenses := make([]core.Expense, 0, len(expRows))
	for _, e := range expRows {
		amount, err := decimal.NewFromString(e.Amount)
		if err != nil {
			return nil, nil, fmt.Errorf("expense %s amount %q: %w", e.ID, e.Amount, err)
		}
		date, err := time.Parse(time.RFC3339Nano, e.CreatedAt)
		if err != nil {
			return nil, nil, fmt.Errorf("expense %s date %q: %w", e.ID, e.CreatedAt, err)
		}
		expenses = append(expenses, core.Expense{
			ID:         e.ID,
			Title:      e.Title,
			Amount:     amount,
			CategoryID: e.CategoryID,
			Date:       date,
		})
	}

	r.logger.InfoContext(ctx, "Ledger loaded from SQLite",
		"categories", len(categories),
		"expenses", len(expenses))
	return categories, expenses, nil
}

// DequeueOutbox returns up to limit pending outbox rows, oldest first.
func (r *SQLiteRepository) DequeueOutbox(ctx context.Context, limit int) ([]OutboxEvent, error) {
	items, err := r.queries.DequeueEvents(ctx, int64(limit))
	if err != nil {
		return nil, fmt.Errorf("dequeue outbox: %w", err)
	}
	return items, nil
}

// MarkOutboxProcessing claims a row.
func (r *SQLiteRepository) MarkOutboxProcessing(ctx context.Context, id int64) error {
	if err := r.queries.SetEventStatus(ctx, id, StatusProcessing, r.now()); err != nil {
		return fmt.Errorf("mark outbox %d processing: %w", id, err)
	}
	return nil
}

// MarkOutboxPublished records a successful publish.
func (r *SQLiteRepository) MarkOutboxPublished(ctx context.Context, id int64) error {
	if err := r.queries.MarkEventPublished(ctx, id, r.now()); err != nil {
		return fmt.Errorf("mark outbox %d published: %w", id, err)
	}
	return nil
}

// RecordOutboxFailure counts a failed attempt. The row returns to pending
// unless failed is set.
func (r *SQLiteRepository) RecordOutboxFailure(ctx context.Context, id int64, cause error, failed bool) error {
	status := StatusPending
	if failed {
		status = StatusFailed
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := r.queries.RecordEventFailure(ctx, id, status, msg, r.now()); err != nil {
		return fmt.Errorf("record outbox %d failure: %w", id, err)
	}
	if failed {
		r.logger.WarnContext(ctx, "Outbox event failed permanently", "outbox_id", id, "error", msg)
	}
	return nil
}

// ResetStaleProcessing returns rows claimed by a crashed run to pending.
func (r *SQLiteRepository) ResetStaleProcessing(ctx context.Context) error {
	if err := r.queries.ResetStaleEvents(ctx); err != nil {
		return fmt.Errorf("reset stale outbox rows: %w", err)
	}
	return nil
}

// RetryFailedOutbox puts failed rows back in the queue.
func (r *SQLiteRepository) RetryFailedOutbox(ctx context.Context) (int64, error) {
	n, err := r.queries.RetryFailedEvents(ctx)
	if err != nil {
		return 0, fmt.Errorf("retry failed outbox rows: %w", err)
	}
	return n, nil
}

// CleanupPublishedOutbox deletes rows published before cutoff.
func (r *SQLiteRepository) CleanupPublishedOutbox(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := r.queries.CleanupPublishedEvents(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup outbox: %w", err)
	}
	if n > 0 {
		r.logger.InfoContext(ctx, "Published outbox rows cleaned up", "count", n)
	}
	return n, nil
}

// OutboxStats counts outbox rows per status.
func (r *SQLiteRepository) OutboxStats(ctx context.Context) (OutboxStats, error) {
	s, err := r.queries.OutboxStats(ctx)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return OutboxStats{}, fmt.Errorf("outbox stats: %w", err)
	}
	return s, nil
}
