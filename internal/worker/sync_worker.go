// Package worker mirrors ledger events into the spreadsheet.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"genspese/internal/amqp"
	"genspese/internal/core"
	"genspese/internal/ledger"
	applog "genspese/internal/log"
	"genspese/internal/sheets"
)

// LedgerSource provides the persisted ledger for startup reconciliation.
type LedgerSource interface {
	Load(ctx context.Context) ([]core.Category, []core.Expense, error)
}

// SyncWorker applies ledger events to a sheets.Mirror. Expense additions
// append a row, removals delete it, category events only refresh the names
// used in the category column.
type SyncWorker struct {
	mirror sheets.Mirror
	logger *slog.Logger

	mu         sync.RWMutex
	categories map[string]string
}

func NewSyncWorker(mirror sheets.Mirror, logger *slog.Logger) *SyncWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncWorker{
		mirror:     mirror,
		logger:     logger.With(applog.FieldComponent, applog.ComponentWorker),
		categories: make(map[string]string),
	}
}

// HandleLedgerEvent is an amqp.Handler.
func (w *SyncWorker) HandleLedgerEvent(ctx context.Context, msg *amqp.LedgerEventMessage) error {
	if msg == nil {
		return errors.New("nil message")
	}
	w.logger.InfoContext(ctx, "Processing ledger event",
		"message_id", msg.MessageID,
		"type", msg.Type)

	switch msg.Type {
	case ledger.CategoryAdded, ledger.CategoryColorUpdated:
		if msg.Category == nil {
			return fmt.Errorf("%s without category payload", msg.Type)
		}
		w.rememberCategory(msg.Category.ID, msg.Category.Name)
		return nil

	case ledger.ExpenseAdded:
		if msg.Expense == nil {
			return fmt.Errorf("%s without expense payload", msg.Type)
		}
		e, err := msg.Expense.CoreExpense()
		if err != nil {
			return fmt.Errorf("decode expense: %w", err)
		}
		return w.appendExpense(ctx, e)

	case ledger.ExpenseRemoved:
		if msg.Expense == nil {
			return fmt.Errorf("%s without expense payload", msg.Type)
		}
		if err := w.mirror.DeleteExpense(ctx, msg.Expense.ID); err != nil {
			w.logger.ErrorContext(ctx, "Failed to delete expense row",
				applog.FieldExpenseID, msg.Expense.ID,
				"error", err)
			return fmt.Errorf("delete expense from sheets: %w", err)
		}
		w.logger.InfoContext(ctx, "Deleted expense row", applog.FieldExpenseID, msg.Expense.ID)
		return nil

	default:
		w.logger.WarnContext(ctx, "Ignoring unknown ledger event", "type", msg.Type)
		return nil
	}
}

// StartupSyncCheck reconciles the mirror with the persisted ledger: rows of
// missing expenses are appended and rows of expenses that no longer exist are
// deleted. Used to recover from messages lost while the worker was down.
func (w *SyncWorker) StartupSyncCheck(ctx context.Context, src LedgerSource) error {
	categories, expenses, err := src.Load(ctx)
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}
	for _, c := range categories {
		w.rememberCategory(c.ID, c.Name)
	}

	rows, err := w.mirror.ListRows(ctx)
	if err != nil {
		return fmt.Errorf("list mirrored rows: %w", err)
	}
	mirrored := make(map[string]bool, len(rows))
	for _, r := range rows {
		mirrored[r.ExpenseID] = true
	}
	live := make(map[string]bool, len(expenses))

	appended, deleted, failed := 0, 0, 0
	for _, e := range expenses {
		live[e.ID] = true
		if mirrored[e.ID] {
			continue
		}
		if err := w.appendExpense(ctx, e); err != nil {
			failed++
			continue
		}
		appended++
	}
	for _, r := range rows {
		if live[r.ExpenseID] {
			continue
		}
		if err := w.mirror.DeleteExpense(ctx, r.ExpenseID); err != nil {
			w.logger.ErrorContext(ctx, "Failed to delete stale row",
				applog.FieldExpenseID, r.ExpenseID, "error", err)
			failed++
			continue
		}
		deleted++
	}

	w.logger.InfoContext(ctx, "Startup sync completed",
		"expenses", len(expenses),
		"rows", len(rows),
		"appended", appended,
		"deleted", deleted,
		"errors", failed)
	if failed > 0 {
		return fmt.Errorf("startup sync: %d operations failed", failed)
	}
	return nil
}

// CategoryName returns the last known name for a category id.
func (w *SyncWorker) CategoryName(id string) string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.categories[id]
}

func (w *SyncWorker) rememberCategory(id, name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.categories[id] = name
}

func (w *SyncWorker) appendExpense(ctx context.Context, e core.Expense) error {
	row := sheets.Row{
		ExpenseID:    e.ID,
		Date:         e.Date,
		Title:        e.Title,
		Amount:       e.Amount,
		CategoryID:   e.CategoryID,
		CategoryName: w.CategoryName(e.CategoryID),
	}
	if row.CategoryName == "" {
		// Names arrive with category events, which a restarted worker may not have seen.
		row.CategoryName = e.CategoryID
	}
	ref, err := w.mirror.Append(ctx, row)
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to append expense row",
			applog.FieldExpenseID, e.ID,
			"error", err)
		return fmt.Errorf("append to sheets: %w", err)
	}
	w.logger.InfoContext(ctx, "Successfully synced expense",
		applog.FieldExpenseID, e.ID,
		"sheets_ref", ref,
		"title", e.Title,
		applog.FieldAmount, e.Amount.String())
	return nil
}
