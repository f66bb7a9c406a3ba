// Package ledger holds the in-memory store of categories and expenses.
//
// Every operation is fail-soft: unknown ids are ignored, malformed colors
// resolve to a fallback, and repeated additions inside the dedupe window
// return the original expense. Observers are notified after each accepted
// mutation and never for no-ops.
package ledger

import (
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"genspese/internal/cache"
	"genspese/internal/core"
	applog "genspese/internal/log"
)

// DefaultDedupeWindow is how long an expense addition suppresses identical
// additions.
const DefaultDedupeWindow = 30 * time.Second

// dedupeCacheSize bounds the number of remembered dedupe keys.
const dedupeCacheSize = 1024

type subscriber struct {
	id int
	fn Observer
}

// Ledger owns categories and expenses. It is safe for concurrent use;
// mutations are serialized together with their notifications.
type Ledger struct {
	// writeMu serializes mutation plus notification so observers see events
	// in the order they were applied.
	writeMu sync.Mutex

	mu         sync.RWMutex
	categories []core.Category
	expenses   []core.Expense
	lastID     int64

	dedupe *cache.LRUCache[string]
	window time.Duration
	now    func() time.Time
	logger *slog.Logger

	subMu       sync.Mutex
	subscribers []subscriber
	nextSubID   int
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock sets the time source used for ids, dates and the dedupe window.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithDedupeWindow overrides DefaultDedupeWindow.
func WithDedupeWindow(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.window = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New returns an empty ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		window: DefaultDedupeWindow,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With(applog.FieldComponent, applog.ComponentLedger)
	l.dedupe = cache.NewLRUCache[string](dedupeCacheSize, l.window).WithClock(l.now)
	return l
}

// DedupeWindow returns the configured dedupe window.
func (l *Ledger) DedupeWindow() time.Duration {
	return l.window
}

// AddCategory creates a category, or returns the existing one with the same
// case-insensitive name. An existing category keeps its color.
func (l *Ledger) AddCategory(name, color string) core.Category {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	name = strings.TrimSpace(name)

	l.mu.Lock()
	if existing, ok := l.findCategoryByNameLocked(name); ok {
		l.mu.Unlock()
		l.logger.Debug("Category already exists", applog.FieldCategoryID, existing.ID, "name", name)
		return existing
	}
	c := core.Category{
		ID:    l.newIDLocked(),
		Name:  name,
		Color: core.ResolveColor(color),
	}
	l.categories = append(l.categories, c)
	at := l.now()
	l.mu.Unlock()

	l.logger.Debug("Category added", applog.FieldCategoryID, c.ID, "name", c.Name, "color", c.Color.Hex())
	l.notify(Event{Type: CategoryAdded, Category: c, At: at})
	return c
}

// UpdateCategoryColor recolors a category. Unknown ids are ignored.
func (l *Ledger) UpdateCategoryColor(categoryID, color string) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	l.mu.Lock()
	idx := l.categoryIndexLocked(categoryID)
	if idx < 0 {
		l.mu.Unlock()
		l.logger.Debug("Color update for unknown category ignored", applog.FieldCategoryID, categoryID)
		return
	}
	l.categories[idx].Color = core.ResolveColor(color)
	c := l.categories[idx]
	at := l.now()
	l.mu.Unlock()

	l.notify(Event{Type: CategoryColorUpdated, Category: c, At: at})
}

// FindCategoryByName returns the first category whose name matches
// case-insensitively.
func (l *Ledger) FindCategoryByName(name string) (core.Category, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.findCategoryByNameLocked(name)
}

// Category returns the category with the given id.
func (l *Ledger) Category(id string) (core.Category, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if idx := l.categoryIndexLocked(id); idx >= 0 {
		return l.categories[idx], true
	}
	return core.Category{}, false
}

// AddExpense records an expense unless the same logical addition (title,
// amount to the cent, category) happened within the dedupe window, in which
// case the earlier expense is returned unchanged. The category id is not
// checked for existence.
func (l *Ledger) AddExpense(title string, amount decimal.Decimal, categoryID string) core.Expense {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	amount = core.NonNegative(amount)
	key := dedupeKey(title, amount, categoryID)

	l.mu.Lock()
	now := l.now()
	if id, ok := l.dedupe.Get(key); ok {
		if idx := l.expenseIndexLocked(id); idx >= 0 {
			e := l.expenses[idx]
			l.mu.Unlock()
			l.logger.Info("Duplicate expense suppressed", applog.FieldExpenseID, e.ID, "source", "cache")
			return e
		}
	}
	// The key cache may have been cleared while the expense is still recent.
	for i := len(l.expenses) - 1; i >= 0; i-- {
		e := l.expenses[i]
		if l.withinWindow(now, e.Date) && dedupeKey(e.Title, e.Amount, e.CategoryID) == key {
			l.mu.Unlock()
			l.logger.Info("Duplicate expense suppressed", applog.FieldExpenseID, e.ID, "source", "scan")
			return e
		}
	}

	e := core.Expense{
		ID:         l.newIDLocked(),
		Title:      strings.TrimSpace(title),
		Amount:     amount,
		CategoryID: categoryID,
		Date:       now,
	}
	l.expenses = append(l.expenses, e)
	l.dedupe.Set(key, e.ID)
	l.mu.Unlock()

	l.logger.Debug("Expense added",
		applog.FieldExpenseID, e.ID,
		"title", e.Title,
		"amount", e.Amount.String(),
		applog.FieldCategoryID, e.CategoryID)
	l.notify(Event{Type: ExpenseAdded, Expense: e, At: now})
	return e
}

// RemoveExpense deletes an expense by id and reports whether it existed.
// Unknown ids are ignored.
func (l *Ledger) RemoveExpense(id string) bool {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	l.mu.Lock()
	idx := l.expenseIndexLocked(id)
	if idx < 0 {
		l.mu.Unlock()
		return false
	}
	e := l.expenses[idx]
	l.expenses = slices.Delete(l.expenses, idx, idx+1)
	at := l.now()
	l.mu.Unlock()

	l.logger.Debug("Expense removed", applog.FieldExpenseID, e.ID)
	l.notify(Event{Type: ExpenseRemoved, Expense: e, At: at})
	return true
}

// Total returns the sum of all expenses.
func (l *Ledger) Total() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	total := decimal.Zero
	for _, e := range l.expenses {
		total = total.Add(e.Amount)
	}
	return total
}

// TotalForCategory returns the sum of expenses referencing categoryID.
func (l *Ledger) TotalForCategory(categoryID string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	total := decimal.Zero
	for _, e := range l.expenses {
		if e.CategoryID == categoryID {
			total = total.Add(e.Amount)
		}
	}
	return total
}

// Categories returns a copy of the categories in insertion order.
func (l *Ledger) Categories() []core.Category {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.categories)
}

// Expenses returns a copy of the expenses in insertion order.
func (l *Ledger) Expenses() []core.Expense {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.expenses)
}

// Snapshot groups expenses under their categories.
func (l *Ledger) Snapshot() core.LedgerSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	snap := core.LedgerSnapshot{Total: decimal.Zero}
	byID := make(map[string]int, len(l.categories))
	for _, c := range l.categories {
		byID[c.ID] = len(snap.Categories)
		snap.Categories = append(snap.Categories, core.CategorySummary{
			Category: c,
			Total:    decimal.Zero,
		})
	}
	for _, e := range l.expenses {
		snap.Total = snap.Total.Add(e.Amount)
		idx, ok := byID[e.CategoryID]
		if !ok {
			snap.Orphans = append(snap.Orphans, e)
			continue
		}
		cs := &snap.Categories[idx]
		cs.Expenses = append(cs.Expenses, e)
		cs.Total = cs.Total.Add(e.Amount)
	}
	return snap
}

// Restore replaces the ledger contents with previously persisted state.
// No events are emitted and the dedupe cache is reset; recent expenses are
// still caught by the date scan.
func (l *Ledger) Restore(categories []core.Category, expenses []core.Expense) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.categories = slices.Clone(categories)
	l.expenses = slices.Clone(expenses)
	l.dedupe.Clear()
	for _, c := range l.categories {
		l.bumpLastIDLocked(c.ID)
	}
	for _, e := range l.expenses {
		l.bumpLastIDLocked(e.ID)
	}
	l.logger.Info("Ledger restored", "categories", len(l.categories), "expenses", len(l.expenses))
}

// Subscribe registers an observer and returns a function removing it.
func (l *Ledger) Subscribe(fn Observer) (unsubscribe func()) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	id := l.nextSubID
	l.nextSubID++
	l.subscribers = append(l.subscribers, subscriber{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			l.subMu.Lock()
			defer l.subMu.Unlock()
			l.subscribers = slices.DeleteFunc(l.subscribers, func(s subscriber) bool { return s.id == id })
		})
	}
}

// CleanExpired drops expired dedupe keys; it lets a cache.Manager sweep the
// ledger.
func (l *Ledger) CleanExpired() int {
	return l.dedupe.CleanExpired()
}

func (l *Ledger) notify(ev Event) {
	l.subMu.Lock()
	subs := slices.Clone(l.subscribers)
	l.subMu.Unlock()
	for _, s := range subs {
		s.fn(ev)
	}
}

func (l *Ledger) withinWindow(now, at time.Time) bool {
	d := now.Sub(at)
	if d < 0 {
		d = -d
	}
	return d < l.window
}

// newIDLocked returns an id from the clock in microseconds, bumped to stay
// strictly increasing.
func (l *Ledger) newIDLocked() string {
	v := l.now().UnixMicro()
	if v <= l.lastID {
		v = l.lastID + 1
	}
	l.lastID = v
	return strconv.FormatInt(v, 10)
}

func (l *Ledger) bumpLastIDLocked(id string) {
	if v, err := strconv.ParseInt(id, 10, 64); err == nil && v > l.lastID {
		l.lastID = v
	}
}

func (l *Ledger) findCategoryByNameLocked(name string) (core.Category, bool) {
	for _, c := range l.categories {
		if core.SameName(c.Name, name) {
			return c, true
		}
	}
	return core.Category{}, false
}

func (l *Ledger) categoryIndexLocked(id string) int {
	return slices.IndexFunc(l.categories, func(c core.Category) bool { return c.ID == id })
}

func (l *Ledger) expenseIndexLocked(id string) int {
	return slices.IndexFunc(l.expenses, func(e core.Expense) bool { return e.ID == id })
}

func dedupeKey(title string, amount decimal.Decimal, categoryID string) string {
	return core.NormalizeTitle(title) + "\x1f" + core.RoundCents(amount).StringFixed(2) + "\x1f" + categoryID
}
