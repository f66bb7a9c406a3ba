package ledger

import (
	"time"

	"genspese/internal/core"
)

// EventType names a ledger mutation.
type EventType string

const (
	CategoryAdded        EventType = "category_added"
	CategoryColorUpdated EventType = "category_color_updated"
	ExpenseAdded         EventType = "expense_added"
	ExpenseRemoved       EventType = "expense_removed"
)

// Event describes one accepted mutation. Only the field matching the type is
// populated: Category for category events, Expense for expense events.
type Event struct {
	Type     EventType
	Category core.Category
	Expense  core.Expense
	At       time.Time
}

// IsCategoryEvent reports whether the event carries a category.
func (e Event) IsCategoryEvent() bool {
	return e.Type == CategoryAdded || e.Type == CategoryColorUpdated
}

// Observer receives events synchronously, in mutation order. Observers may
// read from the ledger but must not mutate it.
type Observer func(Event)
