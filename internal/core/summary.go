package core

import "github.com/shopspring/decimal"

// CategorySummary is a category together with its expenses and their sum.
type CategorySummary struct {
	Category Category
	Expenses []Expense
	Total    decimal.Decimal
}

// LedgerSnapshot is a point-in-time copy of the whole ledger.
type LedgerSnapshot struct {
	Categories []CategorySummary
	// Orphans holds expenses whose category id matches no category.
	Orphans []Expense
	Total   decimal.Decimal
}

// ExpenseCount returns the number of expenses in the snapshot, orphans included.
func (s LedgerSnapshot) ExpenseCount() int {
	n := len(s.Orphans)
	for _, c := range s.Categories {
		n += len(c.Expenses)
	}
	return n
}
