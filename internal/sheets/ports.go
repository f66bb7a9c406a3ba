// Package sheets defines the spreadsheet mirror of the ledger.
package sheets

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Row is one mirrored expense. ExpenseID is the key.
type Row struct {
	ExpenseID    string
	Date         time.Time
	Title        string
	Amount       decimal.Decimal
	CategoryName string
	CategoryID   string
}

// Ports for outbound adapters.
type (
	// ExpenseWriter appends a row unless one with the same ExpenseID exists.
	ExpenseWriter interface {
		Append(ctx context.Context, r Row) (rowRef string, err error)
	}

	// ExpenseDeleter removes the row of an expense. Missing rows are not an
	// error.
	ExpenseDeleter interface {
		DeleteExpense(ctx context.Context, expenseID string) error
	}

	// ExpenseLister returns every mirrored row in sheet order.
	ExpenseLister interface {
		ListRows(ctx context.Context) ([]Row, error)
	}

	// Mirror is the full adapter surface used by the worker.
	Mirror interface {
		ExpenseWriter
		ExpenseDeleter
		ExpenseLister
	}
)
