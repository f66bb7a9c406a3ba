package google

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"genspese/internal/core"
	ports "genspese/internal/sheets"
)

// parseRows converts the A:F values matrix below the header into rows.
// Rows without an id are skipped; a malformed amount or date is an error.
func parseRows(values [][]any) ([]ports.Row, error) {
	out := make([]ports.Row, 0, len(values))
	for i, raw := range values {
		cells := toStrings(raw)
		id := safeGet(cells, 0)
		if id == "" {
			continue
		}
		r := ports.Row{
			ExpenseID:    id,
			Title:        safeGet(cells, 2),
			CategoryName: safeGet(cells, 4),
			CategoryID:   safeGet(cells, 5),
		}
		if s := safeGet(cells, 1); s != "" {
			t, err := parseDate(s)
			if err != nil {
				return nil, fmt.Errorf("row %d: date %q: %w", i+2, s, err)
			}
			r.Date = t
		}
		amt, err := parseAmountCell(raw, 3)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+2, err)
		}
		r.Amount = amt
		out = append(out, r)
	}
	return out, nil
}

func parseAmountCell(row []any, idx int) (decimal.Decimal, error) {
	if idx >= len(row) || row[idx] == nil {
		return decimal.Zero, nil
	}
	switch v := row[idx].(type) {
	case float64:
		return decimal.NewFromFloat(v), nil
	case string:
		if strings.TrimSpace(v) == "" {
			return decimal.Zero, nil
		}
		d, err := core.ParseAmount(v)
		if err != nil {
			return decimal.Zero, fmt.Errorf("amount %q: %w", v, err)
		}
		return d, nil
	default:
		return decimal.Zero, fmt.Errorf("amount: unexpected cell type %T", v)
	}
}

// parseDate accepts RFC3339 text or a Sheets serial date number.
func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(dateLayout, s); err == nil {
		return t, nil
	}
	serial, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, err
	}
	epoch := time.Date(1899, 12, 30, 0, 0, 0, 0, time.UTC)
	return epoch.Add(time.Duration(serial * float64(24*time.Hour))), nil
}

func toStrings(in []any) []string {
	out := make([]string, len(in))
	for i, v := range in {
		if v == nil {
			continue
		}
		switch x := v.(type) {
		case string:
			out[i] = x
		case float64:
			out[i] = strconv.FormatFloat(x, 'f', -1, 64)
		default:
			out[i] = fmt.Sprint(x)
		}
	}
	return out
}

func safeGet(arr []string, idx int) string {
	if idx < 0 || idx >= len(arr) {
		return ""
	}
	return strings.TrimSpace(arr[idx])
}
