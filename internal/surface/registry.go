// Package surface keeps the named UI slots the external agent renders into.
package surface

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"
)

// DefaultDialogDebounce is the minimum interval between accepted dialog
// updates while a dialog is showing.
const DefaultDialogDebounce = 500 * time.Millisecond

// Slot identifies a surface.
type Slot string

const (
	Background Slot = "background"
	Chart      Slot = "chart"
	Total      Slot = "total"
	Categories Slot = "categories"
	Dialog     Slot = "dialog"
)

// Slots lists every slot in display order.
var Slots = []Slot{Background, Chart, Total, Categories, Dialog}

// ParseSlot converts a boundary string into a Slot.
func ParseSlot(s string) (Slot, error) {
	slot := Slot(strings.ToLower(strings.TrimSpace(s)))
	if slices.Contains(Slots, slot) {
		return slot, nil
	}
	return "", fmt.Errorf("unknown surface slot %q", s)
}

// Snapshot is a copy of the registry contents. Nil content means empty.
type Snapshot struct {
	Background json.RawMessage            `json:"background,omitempty"`
	Chart      json.RawMessage            `json:"chart,omitempty"`
	Total      json.RawMessage            `json:"total,omitempty"`
	Categories map[string]json.RawMessage `json:"categories"`
	Dialog     json.RawMessage            `json:"dialog,omitempty"`
}

// Change describes one accepted mutation. SubID is set for category
// sub-slots; Cleared reports that the slot became empty.
type Change struct {
	Slot     Slot            `json:"slot"`
	SubID    string          `json:"subId,omitempty"`
	Content  json.RawMessage `json:"content,omitempty"`
	Cleared  bool            `json:"cleared,omitempty"`
	Snapshot Snapshot        `json:"-"`
}

// Observer receives registry changes.
type Observer func(Change)

type subscriber struct {
	id int
	fn Observer
}

// Registry maps slots to opaque content and notifies observers of every
// accepted change.
type Registry struct {
	writeMu sync.Mutex

	mu          sync.RWMutex
	fixed       map[Slot]json.RawMessage
	categories  map[string]json.RawMessage
	dialog      json.RawMessage
	lastDialog  time.Time
	debounce    time.Duration
	now         func() time.Time
	logger      *slog.Logger
	subMu       sync.Mutex
	subscribers []subscriber
	nextSubID   int
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock sets the time source used by the dialog debounce.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithDialogDebounce overrides DefaultDialogDebounce.
func WithDialogDebounce(d time.Duration) Option {
	return func(r *Registry) {
		if d >= 0 {
			r.debounce = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry returns a registry with every slot empty.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		fixed:      make(map[Slot]json.RawMessage),
		categories: make(map[string]json.RawMessage),
		debounce:   DefaultDialogDebounce,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "surface")
	return r
}

// Set overwrites the content of background, chart or total. Empty content
// clears the slot. Categories and dialog have their own setters.
func (r *Registry) Set(slot Slot, content json.RawMessage) error {
	if !isFixed(slot) {
		return fmt.Errorf("slot %q cannot be set directly", slot)
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	content = normalize(content)
	r.mu.Lock()
	if content == nil {
		delete(r.fixed, slot)
	} else {
		r.fixed[slot] = content
	}
	snap := r.snapshotLocked()
	r.mu.Unlock()

	r.notify(Change{Slot: slot, Content: content, Cleared: content == nil, Snapshot: snap})
	return nil
}

// Clear empties a single slot. For categories every sub-slot is removed.
func (r *Registry) Clear(slot Slot) {
	switch slot {
	case Categories:
		r.ClearAllCategorySlots()
	case Dialog:
		r.ClearDialog()
	default:
		_ = r.Set(slot, nil)
	}
}

// SetCategorySlot stores content under a category sub-slot.
func (r *Registry) SetCategorySlot(subID string, content json.RawMessage) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	content = normalize(content)
	r.mu.Lock()
	if content == nil {
		delete(r.categories, subID)
	} else {
		r.categories[subID] = content
	}
	snap := r.snapshotLocked()
	r.mu.Unlock()

	r.notify(Change{Slot: Categories, SubID: subID, Content: content, Cleared: content == nil, Snapshot: snap})
}

// ClearCategorySlot removes a category sub-slot.
func (r *Registry) ClearCategorySlot(subID string) {
	r.SetCategorySlot(subID, nil)
}

// ClearAllCategorySlots removes every category sub-slot.
func (r *Registry) ClearAllCategorySlots() {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	clear(r.categories)
	snap := r.snapshotLocked()
	r.mu.Unlock()

	r.notify(Change{Slot: Categories, Cleared: true, Snapshot: snap})
}

// SetDialog replaces the dialog content. While a dialog is showing, a
// non-empty update arriving sooner than the debounce interval after the last
// accepted one is dropped and false is returned.
func (r *Registry) SetDialog(content json.RawMessage) bool {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	content = normalize(content)
	r.mu.Lock()
	now := r.now()
	if r.dialog != nil && content != nil && now.Sub(r.lastDialog) < r.debounce {
		r.mu.Unlock()
		r.logger.Info("Dialog update dropped", "reason", "debounce", "since_last", now.Sub(r.lastDialog))
		return false
	}
	r.dialog = content
	r.lastDialog = now
	snap := r.snapshotLocked()
	r.mu.Unlock()

	r.notify(Change{Slot: Dialog, Content: content, Cleared: content == nil, Snapshot: snap})
	return true
}

// ClearDialog empties the dialog and resets the debounce timestamp.
func (r *Registry) ClearDialog() {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	r.dialog = nil
	r.lastDialog = time.Time{}
	snap := r.snapshotLocked()
	r.mu.Unlock()

	r.notify(Change{Slot: Dialog, Cleared: true, Snapshot: snap})
}

// ClearAll empties every slot with a single notification. The Change carries
// an empty Slot.
func (r *Registry) ClearAll() {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	clear(r.fixed)
	clear(r.categories)
	r.dialog = nil
	r.lastDialog = time.Time{}
	snap := r.snapshotLocked()
	r.mu.Unlock()

	r.logger.Debug("All surfaces cleared")
	r.notify(Change{Cleared: true, Snapshot: snap})
}

// Snapshot returns a copy of the current contents.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

// Get returns the content of a fixed slot or the dialog.
func (r *Registry) Get(slot Slot) (json.RawMessage, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if slot == Dialog {
		return r.dialog, r.dialog != nil
	}
	c, ok := r.fixed[slot]
	return c, ok
}

// Subscribe registers an observer and returns a function removing it.
func (r *Registry) Subscribe(fn Observer) (unsubscribe func()) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	id := r.nextSubID
	r.nextSubID++
	r.subscribers = append(r.subscribers, subscriber{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			r.subMu.Lock()
			defer r.subMu.Unlock()
			r.subscribers = slices.DeleteFunc(r.subscribers, func(s subscriber) bool { return s.id == id })
		})
	}
}

func (r *Registry) notify(c Change) {
	r.subMu.Lock()
	subs := slices.Clone(r.subscribers)
	r.subMu.Unlock()
	for _, s := range subs {
		s.fn(c)
	}
}

func (r *Registry) snapshotLocked() Snapshot {
	return Snapshot{
		Background: r.fixed[Background],
		Chart:      r.fixed[Chart],
		Total:      r.fixed[Total],
		Categories: maps.Clone(r.categories),
		Dialog:     r.dialog,
	}
}

func isFixed(slot Slot) bool {
	return slot == Background || slot == Chart || slot == Total
}

// normalize maps empty payloads and JSON null to nil and copies the rest.
func normalize(content json.RawMessage) json.RawMessage {
	trimmed := strings.TrimSpace(string(content))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	return json.RawMessage(trimmed)
}
