package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"genspese/internal/core"
)

// Tool names as the agent knows them.
const (
	AddCategory         = "addCategory"
	UpdateCategoryColor = "updateCategoryColor"
	AddExpense          = "addExpense"
	GetAllExpenses      = "getAllExpenses"
	FindCategoryByName  = "findCategoryByName"
	GenerateBackground  = "generateBackground"
	RemoveExpense       = "removeExpense"
)

// Amount decodes a JSON number or string ("12,50" accepted) into a decimal.
type Amount struct {
	decimal.Decimal
	set bool
}

// UnmarshalJSON implements json.Unmarshaler.
func (a *Amount) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var raw string
		if err := json.Unmarshal(b, &raw); err != nil {
			return err
		}
		d, err := core.ParseAmount(raw)
		if err != nil {
			return fmt.Errorf("amount %s: %w", b, err)
		}
		a.Decimal, a.set = d, true
		return nil
	}
	// Bare JSON numbers may use exponent form.
	d, err := decimal.NewFromString(string(b))
	if err != nil || d.IsNegative() {
		return fmt.Errorf("amount %s: %w", b, core.ErrInvalidAmount)
	}
	a.Decimal, a.set = d, true
	return nil
}

// Requests.
type (
	AddCategoryRequest struct {
		Name  string `json:"name"`
		Color string `json:"color"`
	}

	UpdateCategoryColorRequest struct {
		CategoryID string `json:"categoryId"`
		Color      string `json:"color"`
	}

	AddExpenseRequest struct {
		Title      string `json:"title"`
		Amount     Amount `json:"amount"`
		CategoryID string `json:"categoryId"`
	}

	FindCategoryByNameRequest struct {
		Name string `json:"name"`
	}

	GenerateBackgroundRequest struct {
		Prompt string `json:"prompt"`
	}

	RemoveExpenseRequest struct {
		ExpenseID string `json:"expenseId"`
	}
)

// Responses.
type (
	// ErrorResponse is what the agent sees when a call cannot be served.
	ErrorResponse struct {
		Error string `json:"error"`
	}

	AddCategoryResponse struct {
		Success      bool   `json:"success"`
		CategoryID   string `json:"categoryId"`
		CategoryName string `json:"categoryName"`
	}

	UpdateCategoryColorResponse struct {
		Success    bool   `json:"success"`
		CategoryID string `json:"categoryId"`
		NewColor   string `json:"newColor"`
	}

	AddExpenseResponse struct {
		Success       bool           `json:"success"`
		ExpenseID     string         `json:"expenseId"`
		AllCategories []CategoryView `json:"allCategories"`
		Total         float64        `json:"total"`
	}

	GetAllExpensesResponse struct {
		Categories []CategoryView `json:"categories"`
		Total      float64        `json:"total"`
	}

	FindCategoryByNameResponse struct {
		Found        bool   `json:"found"`
		CategoryID   string `json:"categoryId,omitempty"`
		CategoryName string `json:"categoryName,omitempty"`
		Color        string `json:"color,omitempty"`
	}

	GenerateBackgroundResponse struct {
		Success     bool   `json:"success"`
		HasImage    bool   `json:"hasImage"`
		Description string `json:"description"`
	}

	RemoveExpenseResponse struct {
		Success   bool    `json:"success"`
		ExpenseID string  `json:"expenseId"`
		Removed   bool    `json:"removed"`
		Total     float64 `json:"total"`
	}

	CategoryView struct {
		ID       string        `json:"id"`
		Name     string        `json:"name"`
		Color    string        `json:"color"`
		Expenses []ExpenseView `json:"expenses"`
	}

	ExpenseView struct {
		ID     string  `json:"id"`
		Title  string  `json:"title"`
		Amount float64 `json:"amount"`
		Date   string  `json:"date"`
	}
)

func errorResponse(format string, args ...any) ErrorResponse {
	return ErrorResponse{Error: fmt.Sprintf(format, args...)}
}

// categoryViews flattens a snapshot. Expenses whose category does not exist
// count toward the total but are not listed.
func categoryViews(snap core.LedgerSnapshot) []CategoryView {
	views := make([]CategoryView, 0, len(snap.Categories))
	for _, cs := range snap.Categories {
		v := CategoryView{
			ID:       cs.Category.ID,
			Name:     cs.Category.Name,
			Color:    cs.Category.Color.Hex(),
			Expenses: make([]ExpenseView, 0, len(cs.Expenses)),
		}
		for _, e := range cs.Expenses {
			v.Expenses = append(v.Expenses, ExpenseView{
				ID:     e.ID,
				Title:  e.Title,
				Amount: core.AmountFloat(e.Amount),
				Date:   e.Date.Format(time.RFC3339Nano),
			})
		}
		views = append(views, v)
	}
	return views
}
