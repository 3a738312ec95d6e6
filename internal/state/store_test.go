package state

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) Now() time.Time { return f.t }

func newTestStore() (*Store, *fakeClock) {
	clk := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	return New(Options{Clock: clk}), clk
}

func TestDefaultNamespacesExist(t *testing.T) {
	s, _ := newTestStore()
	for _, ns := range []string{NamespaceAdmin, NamespaceRules} {
		if !s.NamespaceExists(ns) {
			t.Errorf("expected namespace %q to exist", ns)
		}
	}
}

func TestAddNamespaceDuplicate(t *testing.T) {
	s, _ := newTestStore()
	if err := s.AddNamespace("house", WritebackNone, false); err != nil {
		t.Fatalf("AddNamespace: %v", err)
	}
	if err := s.AddNamespace("house", WritebackNone, false); !errors.Is(err, ErrNamespaceExists) {
		t.Errorf("expected ErrNamespaceExists, got %v", err)
	}
}

func TestRemoveNamespaceProtected(t *testing.T) {
	s, _ := newTestStore()
	if err := s.RemoveNamespace(context.Background(), NamespaceAdmin); !errors.Is(err, ErrNamespaceProtected) {
		t.Errorf("expected ErrNamespaceProtected, got %v", err)
	}
	if err := s.RemoveNamespace(context.Background(), "nope"); !errors.Is(err, ErrNamespaceNotFound) {
		t.Errorf("expected ErrNamespaceNotFound, got %v", err)
	}
}

func TestSetCreatesAndNotifies(t *testing.T) {
	s, _ := newTestStore()
	if err := s.AddNamespace("house", WritebackNone, false); err != nil {
		t.Fatal(err)
	}

	var gotOld, gotNew *Entity
	calls := 0
	s.SetNotifier(func(ns string, reason Reason, old, current *Entity) {
		calls++
		gotOld, gotNew = old, current
	})

	changed, err := s.Set(context.Background(), "house", "light.hall", SetOptions{
		State: "on", HasState: true,
		Attributes: map[string]any{"brightness": 128},
	})
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !changed {
		t.Error("expected creation to report changed")
	}
	if calls != 1 {
		t.Fatalf("expected 1 notification, got %d", calls)
	}
	if gotOld != nil {
		t.Errorf("expected nil old state on creation, got %+v", gotOld)
	}
	if gotNew == nil || gotNew.State != "on" {
		t.Errorf("unexpected new state: %+v", gotNew)
	}
}

func TestSetNoOpSuppressed(t *testing.T) {
	s, _ := newTestStore()
	_ = s.AddNamespace("house", WritebackNone, false)
	ctx := context.Background()
	_, _ = s.Set(ctx, "house", "light.hall", SetOptions{State: "on", HasState: true})

	calls := 0
	s.SetNotifier(func(string, Reason, *Entity, *Entity) { calls++ })

	changed, err := s.Set(ctx, "house", "light.hall", SetOptions{State: "on", HasState: true})
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if changed {
		t.Error("identical write should report unchanged")
	}
	if calls != 0 {
		t.Errorf("identical write should not notify, got %d calls", calls)
	}
}

func TestSetMergeVsReplace(t *testing.T) {
	s, _ := newTestStore()
	_ = s.AddNamespace("house", WritebackNone, false)
	ctx := context.Background()
	_, _ = s.Set(ctx, "house", "light.hall", SetOptions{
		State: "on", HasState: true,
		Attributes: map[string]any{"brightness": 128, "colour": "warm"},
	})

	// merge keeps untouched attributes
	_, _ = s.Set(ctx, "house", "light.hall", SetOptions{Attributes: map[string]any{"brightness": 200}})
	v, _ := s.Get("house", "light.hall", "colour")
	if v != "warm" {
		t.Errorf("merge dropped attribute, colour = %v", v)
	}

	// replace swaps the whole map
	_, _ = s.Set(ctx, "house", "light.hall", SetOptions{
		Attributes: map[string]any{"brightness": 50},
		Replace:    true,
	})
	v, _ = s.Get("house", "light.hall", "colour")
	if v != nil {
		t.Errorf("replace kept stale attribute, colour = %v", v)
	}
}

func TestGetAddressing(t *testing.T) {
	s, _ := newTestStore()
	_ = s.AddNamespace("house", WritebackNone, false)
	ctx := context.Background()
	_, _ = s.Set(ctx, "house", "sensor.temp", SetOptions{
		State: 21.5, HasState: true,
		Attributes: map[string]any{"unit": "C"},
	})

	if v, _ := s.Get("house", "sensor.temp", ""); v != 21.5 {
		t.Errorf("bare state = %v, want 21.5", v)
	}
	if v, _ := s.Get("house", "sensor.temp", "unit"); v != "C" {
		t.Errorf("attribute = %v, want C", v)
	}
	if v, _ := s.Get("house", "sensor.temp", "missing"); v != nil {
		t.Errorf("missing attribute = %v, want nil", v)
	}
	if v, _ := s.Get("house", "sensor.none", ""); v != nil {
		t.Errorf("missing entity = %v, want nil", v)
	}

	all, _ := s.Get("house", "sensor.temp", "all")
	rec, ok := all.(map[string]any)
	if !ok || rec["state"] != 21.5 {
		t.Errorf("full record = %v", all)
	}

	nsAll, _ := s.Get("house", "", "")
	nsMap, ok := nsAll.(map[string]any)
	if !ok || len(nsMap) != 1 {
		t.Errorf("namespace map = %v", nsAll)
	}

	if _, err := s.Get("nope", "x", ""); !errors.Is(err, ErrNamespaceNotFound) {
		t.Errorf("expected ErrNamespaceNotFound, got %v", err)
	}
}

func TestDeepCopyIsolation(t *testing.T) {
	s, _ := newTestStore()
	_ = s.AddNamespace("house", WritebackNone, false)
	ctx := context.Background()
	attrs := map[string]any{"nested": map[string]any{"a": 1}}
	_, _ = s.Set(ctx, "house", "x.y", SetOptions{State: "v", HasState: true, Attributes: attrs})

	// mutating the caller's map must not touch the store
	attrs["nested"].(map[string]any)["a"] = 99
	v, _ := s.Get("house", "x.y", "nested")
	if v.(map[string]any)["a"] != 1 {
		t.Error("store shares memory with caller's attribute map")
	}

	// mutating a read result must not touch the store
	v.(map[string]any)["a"] = 42
	v2, _ := s.Get("house", "x.y", "nested")
	if v2.(map[string]any)["a"] != 1 {
		t.Error("store shares memory with read results")
	}
}

func TestEqualStructuredValues(t *testing.T) {
	type point struct{ X, Y []int }
	tests := []struct {
		name string
		a, b any
		want bool
	}{
		{"string slices equal", []string{"a", "b"}, []string{"a", "b"}, true},
		{"string slices differ", []string{"a"}, []string{"b"}, false},
		{"typed maps equal", map[string]string{"k": "v"}, map[string]string{"k": "v"}, true},
		{"typed maps differ", map[string]string{"k": "v"}, map[string]string{"k": "w"}, false},
		{"struct with slice", point{X: []int{1}}, point{X: []int{1}}, true},
		{"slice vs scalar", []string{"a"}, "a", false},
		{"nil vs slice", nil, []string{"a"}, false},
		{"both nil", nil, nil, true},
		{"scalars", "on", "on", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Equal(tc.a, tc.b); got != tc.want {
				t.Errorf("Equal(%v, %v) = %v, want %v", tc.a, tc.b, got, tc.want)
			}
		})
	}
}

func TestAddRemoveEntity(t *testing.T) {
	s, _ := newTestStore()
	_ = s.AddNamespace("house", WritebackNone, false)
	ctx := context.Background()

	if err := s.AddEntity(ctx, "house", "switch.a", "off", nil); err != nil {
		t.Fatalf("AddEntity: %v", err)
	}
	if err := s.AddEntity(ctx, "house", "switch.a", "off", nil); !errors.Is(err, ErrEntityExists) {
		t.Errorf("expected ErrEntityExists, got %v", err)
	}

	var removedOld *Entity
	var removedNew *Entity = &Entity{} // sentinel non-nil
	var removedReason Reason
	s.SetNotifier(func(ns string, reason Reason, old, current *Entity) {
		removedOld, removedNew = old, current
		removedReason = reason
	})
	if err := s.RemoveEntity(ctx, "house", "switch.a"); err != nil {
		t.Fatalf("RemoveEntity: %v", err)
	}
	if removedOld == nil || removedNew != nil {
		t.Error("removal should notify with old set and current nil")
	}
	if removedReason != ReasonRemove {
		t.Errorf("reason = %v, want ReasonRemove", removedReason)
	}
	if err := s.RemoveEntity(ctx, "house", "switch.a"); err != nil {
		t.Errorf("removing a missing entity should be a no-op, got %v", err)
	}
}

func TestAddToStateAndAttr(t *testing.T) {
	s, _ := newTestStore()
	_ = s.AddNamespace("house", WritebackNone, false)
	ctx := context.Background()
	_, _ = s.Set(ctx, "house", "counter.n", SetOptions{
		State: 10, HasState: true,
		Attributes: map[string]any{"total": 5.5, "label": "x"},
	})

	got, err := s.AddToState(ctx, "house", "counter.n", 2)
	if err != nil || got != 12 {
		t.Errorf("AddToState = %v, %v, want 12", got, err)
	}
	got, err = s.AddToAttr(ctx, "house", "counter.n", "total", 0.5)
	if err != nil || got != 6 {
		t.Errorf("AddToAttr = %v, %v, want 6", got, err)
	}
	if _, err := s.AddToAttr(ctx, "house", "counter.n", "label", 1); !errors.Is(err, ErrNotNumeric) {
		t.Errorf("expected ErrNotNumeric, got %v", err)
	}
}

func TestLastChangedStampedFromClock(t *testing.T) {
	s, clk := newTestStore()
	_ = s.AddNamespace("house", WritebackNone, false)
	ctx := context.Background()
	_, _ = s.Set(ctx, "house", "x.y", SetOptions{State: 1, HasState: true})

	first, _ := s.GetEntity("house", "x.y")
	if !first.LastChanged.Equal(clk.t) {
		t.Errorf("last_changed = %v, want %v", first.LastChanged, clk.t)
	}

	clk.t = clk.t.Add(time.Hour)
	_, _ = s.Set(ctx, "house", "x.y", SetOptions{State: 1, HasState: true}) // no-op
	same, _ := s.GetEntity("house", "x.y")
	if !same.LastChanged.Equal(first.LastChanged) {
		t.Error("no-op write moved last_changed")
	}

	_, _ = s.Set(ctx, "house", "x.y", SetOptions{State: 2, HasState: true})
	moved, _ := s.GetEntity("house", "x.y")
	if !moved.LastChanged.Equal(clk.t) {
		t.Errorf("last_changed = %v, want %v", moved.LastChanged, clk.t)
	}
}

type memRepo struct {
	saved   map[string]map[string]*Entity
	deleted []string
}

func newMemRepo() *memRepo {
	return &memRepo{saved: make(map[string]map[string]*Entity)}
}

func (r *memRepo) SaveEntity(_ context.Context, ns string, e *Entity) error {
	if r.saved[ns] == nil {
		r.saved[ns] = make(map[string]*Entity)
	}
	r.saved[ns][e.EntityID] = e.DeepCopy()
	return nil
}

func (r *memRepo) SaveNamespace(_ context.Context, ns string, entities []*Entity) error {
	m := make(map[string]*Entity, len(entities))
	for _, e := range entities {
		m[e.EntityID] = e.DeepCopy()
	}
	r.saved[ns] = m
	return nil
}

func (r *memRepo) LoadNamespace(_ context.Context, ns string) ([]*Entity, error) {
	var out []*Entity
	for _, e := range r.saved[ns] {
		out = append(out, e.DeepCopy())
	}
	return out, nil
}

func (r *memRepo) DeleteEntity(_ context.Context, ns, id string) error {
	delete(r.saved[ns], id)
	return nil
}

func (r *memRepo) DeleteNamespace(_ context.Context, ns string) error {
	delete(r.saved, ns)
	r.deleted = append(r.deleted, ns)
	return nil
}

func TestWritebackSafePersistsImmediately(t *testing.T) {
	repo := newMemRepo()
	clk := &fakeClock{t: time.Now()}
	s := New(Options{Clock: clk, Repository: repo})
	_ = s.AddNamespace("house", WritebackSafe, false)
	ctx := context.Background()

	_, err := s.Set(ctx, "house", "light.hall", SetOptions{State: "on", HasState: true})
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if repo.saved["house"]["light.hall"] == nil {
		t.Fatal("safe write was not persisted")
	}
	if repo.saved["house"]["light.hall"].State != "on" {
		t.Errorf("persisted state = %v", repo.saved["house"]["light.hall"].State)
	}
}

func TestWritebackHybridDeferredToSaveDirty(t *testing.T) {
	repo := newMemRepo()
	clk := &fakeClock{t: time.Now()}
	s := New(Options{Clock: clk, Repository: repo})
	_ = s.AddNamespace("house", WritebackHybrid, false)
	ctx := context.Background()

	_, _ = s.Set(ctx, "house", "light.hall", SetOptions{State: "on", HasState: true})
	if len(repo.saved["house"]) != 0 {
		t.Fatal("hybrid write persisted immediately")
	}
	if err := s.SaveDirty(ctx); err != nil {
		t.Fatalf("SaveDirty: %v", err)
	}
	if repo.saved["house"]["light.hall"] == nil {
		t.Fatal("SaveDirty did not flush namespace")
	}

	// clean namespace: second flush does nothing new
	repo.saved["house"] = nil
	if err := s.SaveDirty(ctx); err != nil {
		t.Fatalf("SaveDirty: %v", err)
	}
	if repo.saved["house"] != nil {
		t.Error("clean namespace was flushed again")
	}
}

func TestHydrate(t *testing.T) {
	repo := newMemRepo()
	repo.saved["house"] = map[string]*Entity{
		"light.hall": {EntityID: "light.hall", State: "off", Attributes: map[string]any{}, LastChanged: time.Now()},
	}
	clk := &fakeClock{t: time.Now()}
	s := New(Options{Clock: clk, Repository: repo})
	_ = s.AddNamespace("house", WritebackHybrid, false)

	if err := s.Hydrate(context.Background()); err != nil {
		t.Fatalf("Hydrate: %v", err)
	}
	v, _ := s.Get("house", "light.hall", "")
	if v != "off" {
		t.Errorf("hydrated state = %v, want off", v)
	}
}
