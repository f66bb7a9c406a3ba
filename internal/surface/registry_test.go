package surface

import (
	"encoding/json"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) Now() time.Time          { return f.t }
func (f *fakeClock) Advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestRegistry() (*Registry, *fakeClock, *[]Change) {
	clock := &fakeClock{t: time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)}
	r := NewRegistry(WithClock(clock.Now))
	var changes []Change
	r.Subscribe(func(c Change) { changes = append(changes, c) })
	return r, clock, &changes
}

func TestParseSlot(t *testing.T) {
	tests := []struct {
		in      string
		want    Slot
		wantErr bool
	}{
		{"background", Background, false},
		{" Chart ", Chart, false},
		{"TOTAL", Total, false},
		{"categories", Categories, false},
		{"dialog", Dialog, false},
		{"sidebar", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSlot(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseSlot(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseSlot(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSetAndClearFixedSlot(t *testing.T) {
	r, _, changes := newTestRegistry()

	if err := r.Set(Chart, json.RawMessage(`{"type":"pie"}`)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got, ok := r.Get(Chart); !ok || string(got) != `{"type":"pie"}` {
		t.Fatalf("Get(Chart) = %s, %v", got, ok)
	}
	if len(*changes) != 1 || (*changes)[0].Slot != Chart {
		t.Fatalf("expected one chart change, got %+v", *changes)
	}

	r.Clear(Chart)
	if _, ok := r.Get(Chart); ok {
		t.Fatal("expected chart cleared")
	}
	if len(*changes) != 2 || !(*changes)[1].Cleared {
		t.Fatalf("expected clear notification, got %+v", *changes)
	}
}

func TestSetRejectsKeyedSlots(t *testing.T) {
	r, _, changes := newTestRegistry()
	for _, s := range []Slot{Categories, Dialog, Slot("nope")} {
		if err := r.Set(s, json.RawMessage(`{}`)); err == nil {
			t.Errorf("Set(%q) should fail", s)
		}
	}
	if len(*changes) != 0 {
		t.Fatal("rejected Set must not notify")
	}
}

func TestCategorySlots(t *testing.T) {
	r, _, changes := newTestRegistry()

	r.SetCategorySlot("food", json.RawMessage(`{"n":1}`))
	r.SetCategorySlot("travel", json.RawMessage(`{"n":2}`))
	if got := r.Snapshot().Categories; len(got) != 2 {
		t.Fatalf("expected two sub-slots, got %v", got)
	}

	r.ClearCategorySlot("food")
	snap := r.Snapshot()
	if _, ok := snap.Categories["food"]; ok || len(snap.Categories) != 1 {
		t.Fatalf("food should be removed, got %v", snap.Categories)
	}

	r.ClearAllCategorySlots()
	if len(r.Snapshot().Categories) != 0 {
		t.Fatal("expected every sub-slot removed")
	}
	if len(*changes) != 4 {
		t.Fatalf("expected a notification per call, got %d", len(*changes))
	}
	if c := (*changes)[1]; c.SubID != "travel" || c.Slot != Categories {
		t.Fatalf("unexpected change %+v", c)
	}
}

func TestDialogDebounce(t *testing.T) {
	r, clock, changes := newTestRegistry()

	if !r.SetDialog(json.RawMessage(`{"text":"a"}`)) {
		t.Fatal("first dialog should be accepted")
	}
	clock.Advance(100 * time.Millisecond)
	if r.SetDialog(json.RawMessage(`{"text":"b"}`)) {
		t.Fatal("update inside the debounce interval should be dropped")
	}
	if len(*changes) != 1 {
		t.Fatalf("dropped update must not notify, got %d changes", len(*changes))
	}
	if got, _ := r.Get(Dialog); string(got) != `{"text":"a"}` {
		t.Fatalf("dialog content changed to %s", got)
	}

	clock.Advance(DefaultDialogDebounce)
	if !r.SetDialog(json.RawMessage(`{"text":"c"}`)) {
		t.Fatal("update after the debounce interval should be accepted")
	}
	if len(*changes) != 2 {
		t.Fatalf("accepted update should notify, got %d changes", len(*changes))
	}
}

func TestDialogClearResetsDebounce(t *testing.T) {
	r, clock, _ := newTestRegistry()

	r.SetDialog(json.RawMessage(`{"text":"a"}`))
	clock.Advance(10 * time.Millisecond)
	r.ClearDialog()
	clock.Advance(10 * time.Millisecond)
	if !r.SetDialog(json.RawMessage(`{"text":"b"}`)) {
		t.Fatal("dialog after clear should be accepted immediately")
	}
}

func TestDialogEmptyContentAlwaysAccepted(t *testing.T) {
	r, clock, _ := newTestRegistry()

	r.SetDialog(json.RawMessage(`{"text":"a"}`))
	clock.Advance(time.Millisecond)
	if !r.SetDialog(nil) {
		t.Fatal("empty dialog update should be accepted")
	}
	if _, ok := r.Get(Dialog); ok {
		t.Fatal("dialog should be empty")
	}
	clock.Advance(time.Millisecond)
	if !r.SetDialog(json.RawMessage(`{"text":"b"}`)) {
		t.Fatal("no dialog showing, update should be accepted")
	}
}

func TestClearAllSingleNotification(t *testing.T) {
	r, _, changes := newTestRegistry()
	_ = r.Set(Background, json.RawMessage(`"img"`))
	_ = r.Set(Total, json.RawMessage(`5`))
	r.SetCategorySlot("food", json.RawMessage(`{}`))
	r.SetDialog(json.RawMessage(`{"text":"hi"}`))
	before := len(*changes)

	r.ClearAll()

	if len(*changes) != before+1 {
		t.Fatalf("ClearAll should notify once, got %d", len(*changes)-before)
	}
	snap := r.Snapshot()
	if snap.Background != nil || snap.Total != nil || snap.Dialog != nil || len(snap.Categories) != 0 {
		t.Fatalf("expected empty snapshot, got %+v", snap)
	}
	if !r.SetDialog(json.RawMessage(`{"text":"again"}`)) {
		t.Fatal("ClearAll should reset the dialog debounce")
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	r, _, _ := newTestRegistry()
	r.SetCategorySlot("food", json.RawMessage(`{}`))
	snap := r.Snapshot()
	snap.Categories["injected"] = json.RawMessage(`{}`)
	if len(r.Snapshot().Categories) != 1 {
		t.Fatal("snapshot map must not alias registry state")
	}
}

func TestUnsubscribe(t *testing.T) {
	r := NewRegistry()
	calls := 0
	unsubscribe := r.Subscribe(func(Change) { calls++ })
	_ = r.Set(Total, json.RawMessage(`1`))
	unsubscribe()
	unsubscribe()
	_ = r.Set(Total, json.RawMessage(`2`))
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}
