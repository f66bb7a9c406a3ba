package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"genspese/internal/amqp"
	"genspese/internal/core"
	"genspese/internal/ledger"
	"genspese/internal/sheets"
	"genspese/internal/sheets/memory"
)

type staticSource struct {
	categories []core.Category
	expenses   []core.Expense
	err        error
}

func (s staticSource) Load(context.Context) ([]core.Category, []core.Expense, error) {
	return s.categories, s.expenses, s.err
}

type failingMirror struct {
	*memory.Store
}

func (failingMirror) Append(context.Context, sheets.Row) (string, error) {
	return "", errors.New("quota exceeded")
}

func message(ev ledger.Event) *amqp.LedgerEventMessage {
	return amqp.NewLedgerEventMessage(ev)
}

func TestHandleLedgerEventMirrorsExpenses(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	w := NewSyncWorker(store, nil)
	at := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	cat := core.Category{ID: "c1", Name: "Food & Drink", Color: core.ResolveColor("#4CAF50")}
	exp := core.Expense{ID: "e1", Title: "Coffee", Amount: decimal.NewFromInt(5), CategoryID: "c1", Date: at}

	steps := []ledger.Event{
		{Type: ledger.CategoryAdded, Category: cat, At: at},
		{Type: ledger.ExpenseAdded, Expense: exp, At: at},
		{Type: ledger.ExpenseAdded, Expense: exp, At: at}, // redelivery
	}
	for _, ev := range steps {
		if err := w.HandleLedgerEvent(ctx, message(ev)); err != nil {
			t.Fatalf("%s: %v", ev.Type, err)
		}
	}

	rows, _ := store.ListRows(ctx)
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0].CategoryName != "Food & Drink" || !rows[0].Amount.Equal(decimal.NewFromInt(5)) {
		t.Errorf("unexpected row: %+v", rows[0])
	}

	// Recolor changes nothing in the mirror.
	cat.Color = core.ResolveColor("#FF0000")
	if err := w.HandleLedgerEvent(ctx, message(ledger.Event{Type: ledger.CategoryColorUpdated, Category: cat, At: at})); err != nil {
		t.Fatal(err)
	}
	if store.Appended() != 1 {
		t.Errorf("recolor must not append rows")
	}

	if err := w.HandleLedgerEvent(ctx, message(ledger.Event{Type: ledger.ExpenseRemoved, Expense: exp, At: at})); err != nil {
		t.Fatal(err)
	}
	rows, _ = store.ListRows(ctx)
	if len(rows) != 0 {
		t.Fatalf("expected row to be deleted, got %+v", rows)
	}
}

func TestHandleLedgerEventOrphanExpense(t *testing.T) {
	store := memory.New()
	w := NewSyncWorker(store, nil)
	ev := ledger.Event{Type: ledger.ExpenseAdded, Expense: core.Expense{ID: "e1", Title: "X", CategoryID: "ghost"}}

	if err := w.HandleLedgerEvent(context.Background(), message(ev)); err != nil {
		t.Fatal(err)
	}
	rows, _ := store.ListRows(context.Background())
	if len(rows) != 1 || rows[0].CategoryName != "ghost" || rows[0].CategoryID != "ghost" {
		t.Fatalf("unexpected rows: %+v", rows)
	}
}

func TestHandleLedgerEventAfterRestartKeepsCategoryColumn(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	cat := core.Category{ID: "c1", Name: "Food"}

	first := NewSyncWorker(store, nil)
	for _, ev := range []ledger.Event{
		{Type: ledger.CategoryAdded, Category: cat},
		{Type: ledger.ExpenseAdded, Expense: core.Expense{ID: "e1", Title: "Bread", CategoryID: "c1"}},
	} {
		if err := first.HandleLedgerEvent(ctx, message(ev)); err != nil {
			t.Fatal(err)
		}
	}

	// A fresh worker has no category events replayed to it.
	restarted := NewSyncWorker(store, nil)
	ev := ledger.Event{Type: ledger.ExpenseAdded, Expense: core.Expense{ID: "e2", Title: "Milk", CategoryID: "c1"}}
	if err := restarted.HandleLedgerEvent(ctx, message(ev)); err != nil {
		t.Fatal(err)
	}

	rows, _ := store.ListRows(ctx)
	if len(rows) != 2 {
		t.Fatalf("rows = %+v", rows)
	}
	if rows[0].CategoryName != "Food" {
		t.Errorf("first row category = %q", rows[0].CategoryName)
	}
	if rows[1].CategoryName != "c1" {
		t.Errorf("row after restart has category %q, want the id", rows[1].CategoryName)
	}
}

func TestHandleLedgerEventErrors(t *testing.T) {
	ctx := context.Background()
	w := NewSyncWorker(memory.New(), nil)

	tests := []struct {
		name string
		msg  *amqp.LedgerEventMessage
	}{
		{"nil message", nil},
		{"category without payload", &amqp.LedgerEventMessage{Type: ledger.CategoryAdded}},
		{"expense without payload", &amqp.LedgerEventMessage{Type: ledger.ExpenseAdded}},
		{"removal without payload", &amqp.LedgerEventMessage{Type: ledger.ExpenseRemoved}},
		{"bad amount", &amqp.LedgerEventMessage{Type: ledger.ExpenseAdded, Expense: &amqp.ExpensePayload{ID: "e", Amount: "abc"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := w.HandleLedgerEvent(ctx, tt.msg); err == nil {
				t.Fatal("expected error")
			}
		})
	}

	if err := w.HandleLedgerEvent(ctx, &amqp.LedgerEventMessage{Type: "something_else"}); err != nil {
		t.Errorf("unknown types are ignored, got %v", err)
	}
}

func TestHandleLedgerEventPropagatesMirrorFailure(t *testing.T) {
	w := NewSyncWorker(failingMirror{memory.New()}, nil)
	ev := ledger.Event{Type: ledger.ExpenseAdded, Expense: core.Expense{ID: "e1", Title: "X"}}
	if err := w.HandleLedgerEvent(context.Background(), message(ev)); err == nil {
		t.Fatal("expected append failure to be returned for redelivery")
	}
}

func TestStartupSyncCheck(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	w := NewSyncWorker(store, nil)

	// A stale row left from an expense removed while the worker was down.
	if _, err := store.Append(ctx, sheets.Row{ExpenseID: "gone"}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Append(ctx, sheets.Row{ExpenseID: "e1", CategoryName: "Food"}); err != nil {
		t.Fatal(err)
	}

	src := staticSource{
		categories: []core.Category{{ID: "c1", Name: "Food"}},
		expenses: []core.Expense{
			{ID: "e1", Title: "Coffee", Amount: decimal.NewFromInt(5), CategoryID: "c1"},
			{ID: "e2", Title: "Cake", Amount: decimal.NewFromInt(3), CategoryID: "c1"},
		},
	}
	if err := w.StartupSyncCheck(ctx, src); err != nil {
		t.Fatalf("StartupSyncCheck: %v", err)
	}

	rows, _ := store.ListRows(ctx)
	if len(rows) != 2 || rows[0].ExpenseID != "e1" || rows[1].ExpenseID != "e2" {
		t.Fatalf("unexpected rows: %+v", rows)
	}
	if rows[1].CategoryName != "Food" {
		t.Errorf("category name should come from the source, got %q", rows[1].CategoryName)
	}
	if w.CategoryName("c1") != "Food" {
		t.Errorf("category map not seeded")
	}
}

func TestStartupSyncCheckLoadError(t *testing.T) {
	w := NewSyncWorker(memory.New(), nil)
	if err := w.StartupSyncCheck(context.Background(), staticSource{err: errors.New("db locked")}); err == nil {
		t.Fatal("expected error")
	}
}
