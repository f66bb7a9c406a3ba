package amqp

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"genspese/internal/core"
	"genspese/internal/ledger"
)

// LedgerEventMessage carries one ledger event. Amounts travel as decimal
// strings and colors as "#RRGGBB".
type LedgerEventMessage struct {
	MessageID string           `json:"messageId"`
	Type      ledger.EventType `json:"type"`
	At        time.Time        `json:"at"`
	Category  *CategoryPayload `json:"category,omitempty"`
	Expense   *ExpensePayload  `json:"expense,omitempty"`
}

// CategoryPayload is the wire form of a category.
type CategoryPayload struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

// ExpensePayload is the wire form of an expense.
type ExpensePayload struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Amount     string    `json:"amount"`
	CategoryID string    `json:"categoryId"`
	Date       time.Time `json:"date"`
}

// NewLedgerEventMessage wraps ev with a fresh message id.
func NewLedgerEventMessage(ev ledger.Event) *LedgerEventMessage {
	msg := &LedgerEventMessage{
		MessageID: uuid.NewString(),
		Type:      ev.Type,
		At:        ev.At,
	}
	if ev.IsCategoryEvent() {
		msg.Category = &CategoryPayload{
			ID:    ev.Category.ID,
			Name:  ev.Category.Name,
			Color: ev.Category.Color.Hex(),
		}
	} else {
		msg.Expense = &ExpensePayload{
			ID:         ev.Expense.ID,
			Title:      ev.Expense.Title,
			Amount:     ev.Expense.Amount.String(),
			CategoryID: ev.Expense.CategoryID,
			Date:       ev.Expense.Date,
		}
	}
	return msg
}

// ToJSON converts the message to JSON bytes
func (m *LedgerEventMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// LedgerEventMessageFromJSON parses and validates a message.
func LedgerEventMessageFromJSON(data []byte) (*LedgerEventMessage, error) {
	var msg LedgerEventMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	switch msg.Type {
	case ledger.CategoryAdded, ledger.CategoryColorUpdated:
		if msg.Category == nil {
			return nil, fmt.Errorf("%s message without category", msg.Type)
		}
	case ledger.ExpenseAdded, ledger.ExpenseRemoved:
		if msg.Expense == nil {
			return nil, fmt.Errorf("%s message without expense", msg.Type)
		}
	default:
		return nil, fmt.Errorf("unknown event type %q", msg.Type)
	}
	return &msg, nil
}

// CoreExpense converts the expense payload back to a domain expense.
func (p ExpensePayload) CoreExpense() (core.Expense, error) {
	amount, err := decimal.NewFromString(p.Amount)
	if err != nil {
		return core.Expense{}, fmt.Errorf("parse amount %q: %w", p.Amount, err)
	}
	return core.Expense{
		ID:         p.ID,
		Title:      p.Title,
		Amount:     amount,
		CategoryID: p.CategoryID,
		Date:       p.Date,
	}, nil
}

// CoreCategory converts the category payload back to a domain category.
func (p CategoryPayload) CoreCategory() core.Category {
	return core.Category{ID: p.ID, Name: p.Name, Color: core.ResolveColor(p.Color)}
}
