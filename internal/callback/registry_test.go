package callback

import (
	"errors"
	"testing"
)

func stateRec(app, entity string) *Record {
	return &Record{
		App:       app,
		AppID:     "id-" + app,
		Kind:      KindState,
		Namespace: "house",
		Entity:    entity,
		Handler:   StateFunc(func(string, string, any, any, map[string]any) {}),
	}
}

func TestAddAssignsUniqueHandles(t *testing.T) {
	r := NewRegistry(nil)
	h1, err := r.Add(stateRec("app_a", "light.one"))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	h2, err := r.Add(stateRec("app_a", "light.two"))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if h1 == "" || h1 == h2 {
		t.Errorf("handles not unique: %q %q", h1, h2)
	}
	if r.Count() != 2 {
		t.Errorf("Count = %d, want 2", r.Count())
	}
}

func TestAddRejectsInvalid(t *testing.T) {
	r := NewRegistry(nil)
	tests := []struct {
		name string
		rec  *Record
	}{
		{"nil record", nil},
		{"no app", &Record{Kind: KindState, Handler: StateFunc(nil)}},
		{"no kind", &Record{App: "a", Handler: StateFunc(nil)}},
		{"no handler", &Record{App: "a", Kind: KindState}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := r.Add(tc.rec); !errors.Is(err, ErrInvalidRecord) {
				t.Errorf("expected ErrInvalidRecord, got %v", err)
			}
		})
	}
}

func TestCancelIdempotent(t *testing.T) {
	r := NewRegistry(nil)
	h, _ := r.Add(stateRec("app_a", "light.one"))

	if !r.Cancel("app_a", h) {
		t.Error("first cancel should report present")
	}
	if r.Cancel("app_a", h) {
		t.Error("second cancel should report absent")
	}
	if r.Cancel("app_b", "no-such-handle") {
		t.Error("cancel for unknown app should report absent")
	}
}

func TestValidChecksInstanceID(t *testing.T) {
	r := NewRegistry(nil)
	rec := stateRec("app_a", "light.one")
	h, _ := r.Add(rec)

	if !r.Valid("app_a", h, "id-app_a") {
		t.Error("matching instance id should be valid")
	}
	if r.Valid("app_a", h, "stale-id") {
		t.Error("stale instance id should be invalid")
	}
	r.Cancel("app_a", h)
	if r.Valid("app_a", h, "id-app_a") {
		t.Error("cancelled handle should be invalid")
	}
}

func TestClearAppReturnsRemoved(t *testing.T) {
	r := NewRegistry(nil)
	h1, _ := r.Add(stateRec("app_a", "light.one"))
	h2, _ := r.Add(stateRec("app_a", "light.two"))
	_, _ = r.Add(stateRec("app_b", "light.three"))

	removed := r.ClearApp("app_a")
	if len(removed) != 2 {
		t.Fatalf("removed %d records, want 2", len(removed))
	}
	// registration order preserved
	if removed[0].Handle != h1 || removed[1].Handle != h2 {
		t.Error("ClearApp did not preserve registration order")
	}
	if r.Count() != 1 {
		t.Errorf("Count = %d after clear, want 1", r.Count())
	}
	if r.ClearApp("app_a") != nil {
		t.Error("clearing an empty app should return nil")
	}
}

func TestForKindOrderedByRegistration(t *testing.T) {
	r := NewRegistry(nil)
	h1, _ := r.Add(stateRec("app_b", "light.one"))
	evt := &Record{
		App:     "app_a",
		Kind:    KindEvent,
		Event:   "my_event",
		Handler: EventFunc(func(string, map[string]any, map[string]any) {}),
	}
	_, _ = r.Add(evt)
	h3, _ := r.Add(stateRec("app_a", "light.two"))

	states := r.ForKind(KindState)
	if len(states) != 2 {
		t.Fatalf("ForKind(state) = %d records, want 2", len(states))
	}
	if states[0].Handle != h1 || states[1].Handle != h3 {
		t.Error("ForKind did not preserve registration order across apps")
	}
	if len(r.ForKind(KindLog)) != 0 {
		t.Error("ForKind(log) should be empty")
	}
}

func TestCounters(t *testing.T) {
	r := NewRegistry(nil)
	h, _ := r.Add(stateRec("app_a", "light.one"))
	r.MarkFired("app_a", h)
	r.MarkFired("app_a", h)
	r.MarkExecuted("app_a", h)

	rec, ok := r.Get("app_a", h)
	if !ok {
		t.Fatal("Get failed")
	}
	if rec.Fired != 2 || rec.Executed != 1 {
		t.Errorf("counters = fired %d executed %d, want 2/1", rec.Fired, rec.Executed)
	}
	// counters on removed handles are dropped silently
	r.Cancel("app_a", h)
	r.MarkFired("app_a", h)
}
