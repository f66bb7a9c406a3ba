package core

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type (
	// Category groups expenses under a display name and color.
	Category struct {
		ID    string
		Name  string
		Color Color
	}

	// Expense is a single spending entry. CategoryID is a plain reference and
	// may point to a category that does not exist.
	Expense struct {
		ID         string
		Title      string
		Amount     decimal.Decimal
		CategoryID string
		Date       time.Time
	}
)

// NormalizeTitle returns the comparison form of an expense title.
func NormalizeTitle(title string) string {
	return strings.ToLower(strings.TrimSpace(title))
}

// SameName reports whether two category names match case-insensitively.
func SameName(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
