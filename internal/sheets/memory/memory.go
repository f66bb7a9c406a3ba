// Package memory is an in-process sheets.Mirror for development and tests.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"genspese/internal/sheets"
)

type Store struct {
	mu    sync.Mutex
	rows  []sheets.Row
	added int
}

var _ sheets.Mirror = (*Store)(nil)

func New() *Store {
	return &Store{}
}

// Append stores the row and returns a synthetic row reference.
func (s *Store) Append(_ context.Context, r sheets.Row) (string, error) {
	if r.ExpenseID == "" {
		return "", fmt.Errorf("row without expense id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(r.ExpenseID); i >= 0 {
		return fmt.Sprintf("mem:%d", i+1), nil
	}
	s.rows = append(s.rows, r)
	s.added++
	return fmt.Sprintf("mem:%d", len(s.rows)), nil
}

// DeleteExpense removes the row for expenseID if present.
func (s *Store) DeleteExpense(_ context.Context, expenseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(expenseID); i >= 0 {
		s.rows = slices.Delete(s.rows, i, i+1)
	}
	return nil
}

// ListRows returns a copy of the rows.
func (s *Store) ListRows(_ context.Context) ([]sheets.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.rows), nil
}

// Appended counts rows ever added, duplicates excluded.
func (s *Store) Appended() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.added
}

func (s *Store) indexLocked(id string) int {
	return slices.IndexFunc(s.rows, func(r sheets.Row) bool { return r.ExpenseID == id })
}
