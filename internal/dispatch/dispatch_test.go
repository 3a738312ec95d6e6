package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-appd/internal/callback"
	"github.com/nerrad567/gray-logic-appd/internal/clock"
	"github.com/nerrad567/gray-logic-appd/internal/scheduler"
	"github.com/nerrad567/gray-logic-appd/internal/state"
	"github.com/nerrad567/gray-logic-appd/internal/worker"
)

// 2025-06-15 is a Sunday; noon UTC keeps time-window constraints
// unambiguous.
var testNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

type harness struct {
	d     *Dispatcher
	reg   *callback.Registry
	pool  *worker.Pool
	store *state.Store
	sched *scheduler.Scheduler
	clk   *clock.Clock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := clock.New(clock.Config{Start: testNow, Warp: 1000})
	reg := callback.NewRegistry(nil)
	pool := worker.New(worker.Options{TotalThreads: 2})
	pool.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		pool.Stop(ctx)
	})
	st := state.New(state.Options{Clock: clk})
	sched := scheduler.New(scheduler.Options{Clock: clk})
	d := New(Options{Registry: reg, Scheduler: sched, Pool: pool, Store: st, Clock: clk})
	sched.SetDispatch(d.HandleTimer)
	st.SetNotifier(d.OnStateChange)
	return &harness{d: d, reg: reg, pool: pool, store: st, sched: sched, clk: clk}
}

// change pushes one state transition through the matcher synchronously.
func (h *harness) change(ns, id string, old, current *state.Entity) {
	h.d.process(Event{
		Namespace: ns,
		Type:      EventStateChanged,
		Data: map[string]any{
			"entity_id": id,
			"old_state": old.Record(),
			"new_state": current.Record(),
		},
		entityID: id,
		old:      old,
		current:  current,
	})
}

// drain waits until the pool has worked off everything submitted.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	waitFor(t, func() bool {
		return h.pool.TotalQueued() == 0 && h.pool.CurrentBusy() == 0
	})
	// One more beat so Done hooks on the worker finish.
	time.Sleep(5 * time.Millisecond)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func ent(id string, st any, attrs map[string]any) *state.Entity {
	if attrs == nil {
		attrs = map[string]any{}
	}
	return &state.Entity{EntityID: id, State: st, Attributes: attrs, LastChanged: testNow}
}

type capture struct {
	mu      sync.Mutex
	count   int
	entity  string
	attr    string
	old     any
	new     any
	kwargs  map[string]any
	event   string
	data    map[string]any
	level   string
	message string
}

func (c *capture) stateFn(entity, attribute string, old, new any, kwargs map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count++
	c.entity, c.attr, c.old, c.new, c.kwargs = entity, attribute, old, new, kwargs
}

func (c *capture) eventFn(event string, data, kwargs map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count++
	c.event, c.data, c.kwargs = event, data, kwargs
}

func (c *capture) logFn(app string, ts time.Time, level, source, message string, kwargs map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count++
	c.level, c.message = level, message
}

func (c *capture) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

func TestStateCallbackDispatch(t *testing.T) {
	h := newHarness(t)
	var got capture
	_, err := h.d.AddStateCallback("app1", "id1", got.stateFn, StateOptions{
		Namespace: "home",
		Entity:    "light.kitchen",
		Kwargs:    &callback.Kwargs{Extra: map[string]any{"color": "red", "__secret": 1}},
	})
	if err != nil {
		t.Fatalf("AddStateCallback: %v", err)
	}

	h.change("home", "light.kitchen",
		ent("light.kitchen", "off", nil), ent("light.kitchen", "on", nil))
	waitFor(t, func() bool { return got.calls() == 1 })

	got.mu.Lock()
	defer got.mu.Unlock()
	if got.entity != "light.kitchen" || got.attr != "state" {
		t.Errorf("entity/attr = %s/%s", got.entity, got.attr)
	}
	if got.old != "off" || got.new != "on" {
		t.Errorf("old/new = %v/%v", got.old, got.new)
	}
	if got.kwargs["color"] != "red" {
		t.Errorf("user kwargs not forwarded: %v", got.kwargs)
	}
	if _, leaked := got.kwargs["__secret"]; leaked {
		t.Error("internal kwargs key reached the handler")
	}
}

func TestStateCallbackIgnoresUnchangedAttribute(t *testing.T) {
	h := newHarness(t)
	var got capture
	if _, err := h.d.AddStateCallback("app1", "id1", got.stateFn, StateOptions{
		Namespace: "home",
		Entity:    "light.kitchen",
		Attribute: "brightness",
	}); err != nil {
		t.Fatalf("AddStateCallback: %v", err)
	}

	// State flips but the watched attribute holds steady.
	h.change("home", "light.kitchen",
		ent("light.kitchen", "off", map[string]any{"brightness": 50}),
		ent("light.kitchen", "on", map[string]any{"brightness": 50}))
	h.drain(t)
	if got.calls() != 0 {
		t.Fatalf("fired %d times for unchanged attribute", got.calls())
	}

	h.change("home", "light.kitchen",
		ent("light.kitchen", "on", map[string]any{"brightness": 50}),
		ent("light.kitchen", "on", map[string]any{"brightness": 80}))
	waitFor(t, func() bool { return got.calls() == 1 })
}

func TestStateCallbackValueSelectors(t *testing.T) {
	cases := []struct {
		name     string
		old, new any
		from, to any
		want     bool
	}{
		{"literal new match", nil, "on", "off", "on", true},
		{"literal new miss", nil, "on", "on", "off", false},
		{"literal old and new", "off", "on", "off", "on", true},
		{"literal old miss", "idle", "on", "off", "on", false},
		{"predicate", nil, Predicate(func(v any) bool { n, ok := v.(int); return ok && n > 20 }), 10, 30, true},
		{"predicate miss", nil, Predicate(func(v any) bool { n, ok := v.(int); return ok && n > 20 }), 10, 15, false},
		{"expression", nil, "expr:value > 20", 10, 30, true},
		{"expression miss", nil, "expr:value > 20", 10, 15, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			var got capture
			if _, err := h.d.AddStateCallback("app1", "id1", got.stateFn, StateOptions{
				Namespace: "home",
				Entity:    "sensor.x",
				Old:       tc.old,
				New:       tc.new,
			}); err != nil {
				t.Fatalf("AddStateCallback: %v", err)
			}
			h.change("home", "sensor.x", ent("sensor.x", tc.from, nil), ent("sensor.x", tc.to, nil))
			h.drain(t)
			fired := got.calls() == 1
			if fired != tc.want {
				t.Fatalf("fired = %v, want %v", fired, tc.want)
			}
		})
	}
}

func TestStateCallbackScopeMatching(t *testing.T) {
	h := newHarness(t)
	var device, global capture
	if _, err := h.d.AddStateCallback("app1", "id1", device.stateFn, StateOptions{
		Namespace: "home",
		Entity:    "light",
	}); err != nil {
		t.Fatalf("AddStateCallback: %v", err)
	}
	if _, err := h.d.AddStateCallback("app1", "id1", global.stateFn, StateOptions{
		Namespace: state.NamespaceGlobal,
	}); err != nil {
		t.Fatalf("AddStateCallback: %v", err)
	}

	h.change("home", "light.kitchen", ent("light.kitchen", "off", nil), ent("light.kitchen", "on", nil))
	h.change("home", "switch.wall", ent("switch.wall", "off", nil), ent("switch.wall", "on", nil))
	h.change("office", "light.desk", ent("light.desk", "off", nil), ent("light.desk", "on", nil))
	h.drain(t)

	if device.calls() != 1 {
		t.Errorf("device-class selector fired %d times, want 1", device.calls())
	}
	if global.calls() != 3 {
		t.Errorf("global selector fired %d times, want 3", global.calls())
	}
}

func TestOneshotStateCallback(t *testing.T) {
	h := newHarness(t)
	var got capture
	if _, err := h.d.AddStateCallback("app1", "id1", got.stateFn, StateOptions{
		Namespace: "home",
		Entity:    "light.kitchen",
		Kwargs:    &callback.Kwargs{Oneshot: true},
	}); err != nil {
		t.Fatalf("AddStateCallback: %v", err)
	}

	h.change("home", "light.kitchen", ent("light.kitchen", "off", nil), ent("light.kitchen", "on", nil))
	waitFor(t, func() bool { return got.calls() == 1 })
	waitFor(t, func() bool { return h.reg.Count() == 0 })

	h.change("home", "light.kitchen", ent("light.kitchen", "on", nil), ent("light.kitchen", "off", nil))
	h.drain(t)
	if got.calls() != 1 {
		t.Fatalf("oneshot fired %d times", got.calls())
	}
}

func TestDurationDebounce(t *testing.T) {
	h := newHarness(t)
	var got capture
	if _, err := h.d.AddStateCallback("app1", "id1", got.stateFn, StateOptions{
		Namespace: "home",
		Entity:    "door.front",
		New:       "open",
		Kwargs:    &callback.Kwargs{Duration: 5 * time.Second},
	}); err != nil {
		t.Fatalf("AddStateCallback: %v", err)
	}

	h.change("home", "door.front", ent("door.front", "closed", nil), ent("door.front", "open", nil))
	if h.sched.Count() != 1 {
		t.Fatalf("timer count = %d after match, want 1", h.sched.Count())
	}
	if got.calls() != 0 {
		t.Fatal("duration callback fired before the window elapsed")
	}

	// Closing the door inside the window tears the timer down.
	h.change("home", "door.front", ent("door.front", "open", nil), ent("door.front", "closed", nil))
	if h.sched.Count() != 0 {
		t.Fatalf("timer count = %d after debounce, want 0", h.sched.Count())
	}

	h.change("home", "door.front", ent("door.front", "closed", nil), ent("door.front", "open", nil))
	if h.sched.Count() != 1 {
		t.Fatalf("timer count = %d after re-match, want 1", h.sched.Count())
	}
}

func TestDurationFireAndOneshotPairing(t *testing.T) {
	h := newHarness(t)
	var got capture
	handle, err := h.d.AddStateCallback("app1", "id1", got.stateFn, StateOptions{
		Namespace: "home",
		Entity:    "door.front",
		New:       "open",
		Kwargs:    &callback.Kwargs{Duration: 5 * time.Second, Oneshot: true},
	})
	if err != nil {
		t.Fatalf("AddStateCallback: %v", err)
	}

	h.d.HandleTimer(scheduler.Entry{
		App:   "app1",
		AppID: "id1",
		Kwargs: &callback.Kwargs{Extra: map[string]any{
			"__handle":    handle,
			"__entity":    "door.front",
			"__attribute": "state",
			"__old_state": "closed",
			"__new_state": "open",
		}},
	})
	waitFor(t, func() bool { return got.calls() == 1 })

	got.mu.Lock()
	if got.old != "closed" || got.new != "open" {
		t.Errorf("snapshot old/new = %v/%v", got.old, got.new)
	}
	got.mu.Unlock()

	waitFor(t, func() bool { return h.reg.Count() == 0 })
}

func TestEventCallbackMatching(t *testing.T) {
	h := newHarness(t)
	var all, filtered capture
	if _, err := h.d.AddEventCallback("app1", "id1", all.eventFn, EventOptions{
		Namespace: "home",
	}); err != nil {
		t.Fatalf("AddEventCallback: %v", err)
	}
	if _, err := h.d.AddEventCallback("app1", "id1", filtered.eventFn, EventOptions{
		Namespace: "home",
		Event:     "motion",
		Kwargs:    &callback.Kwargs{Extra: map[string]any{"device": "d1"}},
	}); err != nil {
		t.Fatalf("AddEventCallback: %v", err)
	}

	h.d.process(Event{Namespace: "home", Type: "motion", Data: map[string]any{"device": "d1"}})
	h.d.process(Event{Namespace: "home", Type: "motion", Data: map[string]any{"device": "d2"}})
	h.d.process(Event{Namespace: "home", Type: "motion", Data: map[string]any{}})
	h.d.process(Event{Namespace: "home", Type: "__AD_PRIVATE", Data: map[string]any{}})
	h.drain(t)

	// The blank selector hears the three motion events but not the
	// internal one.
	if all.calls() != 3 {
		t.Errorf("blank selector fired %d times, want 3", all.calls())
	}
	if filtered.calls() != 1 {
		t.Errorf("filtered selector fired %d times, want 1", filtered.calls())
	}

	all.mu.Lock()
	if all.event != "motion" {
		t.Errorf("event name = %q", all.event)
	}
	all.mu.Unlock()
}

func TestEventPayloadIsolatedPerHandler(t *testing.T) {
	h := newHarness(t)
	var mu sync.Mutex
	var seen []any
	handler := func(_ string, data map[string]any, _ map[string]any) {
		nested := data["nested"].(map[string]any)
		mu.Lock()
		seen = append(seen, nested["zone"])
		mu.Unlock()
		nested["zone"] = "mutated"
	}
	for i := 0; i < 2; i++ {
		if _, err := h.d.AddEventCallback("app1", "id1", handler, EventOptions{
			Namespace: "home", Event: "motion",
		}); err != nil {
			t.Fatalf("AddEventCallback: %v", err)
		}
	}

	payload := map[string]any{"nested": map[string]any{"zone": "hall"}}
	h.d.process(Event{Namespace: "home", Type: "motion", Data: payload})
	h.drain(t)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("handlers fired %d times, want 2", len(seen))
	}
	for i, v := range seen {
		if v != "hall" {
			t.Errorf("handler %d saw %v, want hall (payloads aliased)", i, v)
		}
	}
	if payload["nested"].(map[string]any)["zone"] != "hall" {
		t.Error("handler mutation leaked into the producer's payload")
	}
}

func TestLogCallbackLevelAndLoopGuard(t *testing.T) {
	h := newHarness(t)
	var got capture
	if _, err := h.d.AddLogCallback("watcher", "id1", got.logFn, LogOptions{
		Level: "WARNING",
	}); err != nil {
		t.Fatalf("AddLogCallback: %v", err)
	}

	logEv := func(app, level, msg string) Event {
		return Event{Namespace: state.NamespaceAdmin, Type: EventLog, Data: map[string]any{
			"app_name": app, "level": level, "log_type": "main", "message": msg, "ts": testNow,
		}}
	}
	h.d.process(logEv("other", "INFO", "too quiet"))
	h.d.process(logEv("other", "ERROR", "loud enough"))
	h.d.process(logEv("watcher", "ERROR", "own line"))
	h.drain(t)

	if got.calls() != 1 {
		t.Fatalf("log callback fired %d times, want 1", got.calls())
	}
	got.mu.Lock()
	defer got.mu.Unlock()
	if got.level != "ERROR" || got.message != "loud enough" {
		t.Errorf("got level=%q message=%q", got.level, got.message)
	}
}

type fakeApps struct {
	mu           sync.Mutex
	ids          map[string]string
	initializing map[string]bool
	constraints  map[string]bool
}

func (f *fakeApps) InstanceID(app string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.ids[app]
	return id, ok
}

func (f *fakeApps) IsInitializing(app string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initializing[app]
}

func (f *fakeApps) CheckConstraint(app, name string, arg any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.constraints[name]
}

func TestConstraintChain(t *testing.T) {
	cases := []struct {
		name   string
		kwargs *callback.Kwargs
		custom map[string]bool
		want   bool
	}{
		{"no constraints", nil, nil, true},
		{"time window open", &callback.Kwargs{ConstrainStartTime: "08:00:00", ConstrainEndTime: "18:00:00"}, nil, true},
		{"time window closed", &callback.Kwargs{ConstrainStartTime: "18:00:00", ConstrainEndTime: "20:00:00"}, nil, false},
		{"lone start defaults end", &callback.Kwargs{ConstrainStartTime: "08:00:00"}, nil, true},
		{"day match", &callback.Kwargs{ConstrainDays: "sat,sun"}, nil, true},
		{"day miss", &callback.Kwargs{ConstrainDays: "mon"}, nil, false},
		{"state literal match", &callback.Kwargs{ConstrainState: "on"}, nil, true},
		{"state literal miss", &callback.Kwargs{ConstrainState: "off"}, nil, false},
		{"state expression", &callback.Kwargs{ConstrainState: "expr:state == 'on'"}, nil, true},
		{"custom pass", &callback.Kwargs{Constraints: map[string]any{"presence": "home"}}, map[string]bool{"presence": true}, true},
		{"custom fail", &callback.Kwargs{Constraints: map[string]any{"presence": "home"}}, map[string]bool{"presence": false}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			if tc.custom != nil {
				h.d.SetApps(&fakeApps{constraints: tc.custom})
			}
			var got capture
			if _, err := h.d.AddStateCallback("app1", "id1", got.stateFn, StateOptions{
				Namespace: "home",
				Entity:    "light.kitchen",
				Kwargs:    tc.kwargs,
			}); err != nil {
				t.Fatalf("AddStateCallback: %v", err)
			}
			h.change("home", "light.kitchen",
				ent("light.kitchen", "off", nil), ent("light.kitchen", "on", nil))
			h.drain(t)
			fired := got.calls() == 1
			if fired != tc.want {
				t.Fatalf("fired = %v, want %v", fired, tc.want)
			}
		})
	}
}

func TestInitializingAppsHearNothing(t *testing.T) {
	h := newHarness(t)
	apps := &fakeApps{initializing: map[string]bool{"app1": true}}
	h.d.SetApps(apps)
	var got capture
	if _, err := h.d.AddStateCallback("app1", "id1", got.stateFn, StateOptions{
		Namespace: "home",
		Entity:    "light.kitchen",
	}); err != nil {
		t.Fatalf("AddStateCallback: %v", err)
	}

	h.change("home", "light.kitchen", ent("light.kitchen", "off", nil), ent("light.kitchen", "on", nil))
	h.drain(t)
	if got.calls() != 0 {
		t.Fatal("callback fired while its app was initializing")
	}

	apps.mu.Lock()
	apps.initializing["app1"] = false
	apps.mu.Unlock()
	h.change("home", "light.kitchen", ent("light.kitchen", "on", nil), ent("light.kitchen", "off", nil))
	waitFor(t, func() bool { return got.calls() == 1 })
}

func TestImmediateSubscription(t *testing.T) {
	h := newHarness(t)
	if err := h.store.AddNamespace("home", state.WritebackNone, false); err != nil {
		t.Fatalf("AddNamespace: %v", err)
	}
	if _, err := h.store.Set(context.Background(), "home", "light.kitchen", state.SetOptions{
		State: "on", HasState: true,
	}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	var got capture
	if _, err := h.d.AddStateCallback("app1", "id1", got.stateFn, StateOptions{
		Namespace: "home",
		Entity:    "light.kitchen",
		New:       "on",
		Kwargs:    &callback.Kwargs{Immediate: true},
	}); err != nil {
		t.Fatalf("AddStateCallback: %v", err)
	}
	waitFor(t, func() bool { return got.calls() == 1 })

	got.mu.Lock()
	if got.old != nil || got.new != "on" {
		t.Errorf("immediate old/new = %v/%v", got.old, got.new)
	}
	got.mu.Unlock()

	// A standing value that satisfies a duration subscription arms the
	// timer at registration.
	if _, err := h.d.AddStateCallback("app1", "id1", got.stateFn, StateOptions{
		Namespace: "home",
		Entity:    "light.kitchen",
		New:       "on",
		Kwargs:    &callback.Kwargs{Immediate: true, Duration: 10 * time.Second},
	}); err != nil {
		t.Fatalf("AddStateCallback: %v", err)
	}
	if h.sched.Count() != 1 {
		t.Fatalf("timer count = %d, want 1", h.sched.Count())
	}
}

func TestSubscriptionTimeout(t *testing.T) {
	h := newHarness(t)
	var got capture
	handle, err := h.d.AddStateCallback("app1", "id1", got.stateFn, StateOptions{
		Namespace: "home",
		Entity:    "light.kitchen",
		Kwargs:    &callback.Kwargs{Timeout: time.Minute},
	})
	if err != nil {
		t.Fatalf("AddStateCallback: %v", err)
	}
	if h.sched.Count() != 1 {
		t.Fatalf("timeout timer not armed, count = %d", h.sched.Count())
	}

	h.d.HandleTimer(scheduler.Entry{
		App:    "app1",
		Kwargs: &callback.Kwargs{Extra: map[string]any{"__state_handle": handle}},
	})
	if h.reg.Count() != 0 {
		t.Fatal("subscription survived its timeout")
	}
}

func TestHandleTimerJob(t *testing.T) {
	h := newHarness(t)
	var mu sync.Mutex
	var gotKwargs map[string]any
	calls := 0
	fn := callback.TimerFunc(func(kwargs map[string]any) {
		mu.Lock()
		gotKwargs = kwargs
		calls++
		mu.Unlock()
	})

	h.d.HandleTimer(scheduler.Entry{
		App:     "app1",
		Handler: fn,
		Kwargs:  &callback.Kwargs{Extra: map[string]any{"zone": "garden", "__internal": 1}},
	})
	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return calls == 1 })

	mu.Lock()
	if gotKwargs["zone"] != "garden" {
		t.Errorf("kwargs = %v", gotKwargs)
	}
	if _, leaked := gotKwargs["__internal"]; leaked {
		t.Error("internal key reached timer handler")
	}
	mu.Unlock()

	// A fire owned by a stale app instance is dropped at the last
	// instant.
	h.d.SetApps(&fakeApps{ids: map[string]string{"app1": "current"}})
	h.d.HandleTimer(scheduler.Entry{App: "app1", AppID: "stale", Handler: fn})
	h.drain(t)
	mu.Lock()
	if calls != 1 {
		t.Fatalf("stale-instance timer ran, calls = %d", calls)
	}
	mu.Unlock()
}

func TestClearApp(t *testing.T) {
	h := newHarness(t)
	var got capture
	if _, err := h.d.AddStateCallback("app1", "id1", got.stateFn, StateOptions{
		Namespace: "home",
		Entity:    "door.front",
		New:       "open",
		Kwargs:    &callback.Kwargs{Duration: 5 * time.Second},
	}); err != nil {
		t.Fatalf("AddStateCallback: %v", err)
	}
	h.change("home", "door.front", ent("door.front", "closed", nil), ent("door.front", "open", nil))
	if h.sched.Count() != 1 {
		t.Fatalf("timer count = %d, want 1", h.sched.Count())
	}

	h.d.ClearApp("app1")
	if h.reg.Count() != 0 {
		t.Error("callbacks survived ClearApp")
	}
	if h.sched.Count() != 0 {
		t.Error("timers survived ClearApp")
	}
}

func TestQueueDelivery(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.d.Run(ctx)

	var got capture
	if _, err := h.d.AddEventCallback("app1", "id1", got.eventFn, EventOptions{
		Namespace: "home",
		Event:     "ping",
	}); err != nil {
		t.Fatalf("AddEventCallback: %v", err)
	}
	h.d.FireEvent("home", "ping", map[string]any{"n": 1})
	waitFor(t, func() bool { return got.calls() == 1 })
}

func TestEntityLifecycleEvents(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.d.Run(ctx)

	var added, removed capture
	if _, err := h.d.AddEventCallback("app1", "id1", added.eventFn, EventOptions{
		Namespace: "home", Event: EventEntityAdded,
	}); err != nil {
		t.Fatalf("AddEventCallback: %v", err)
	}
	if _, err := h.d.AddEventCallback("app1", "id1", removed.eventFn, EventOptions{
		Namespace: "home", Event: EventEntityRemoved,
	}); err != nil {
		t.Fatalf("AddEventCallback: %v", err)
	}

	if err := h.store.AddNamespace("home", state.WritebackNone, false); err != nil {
		t.Fatalf("AddNamespace: %v", err)
	}
	if err := h.store.AddEntity(context.Background(), "home", "sensor.new", "42", nil); err != nil {
		t.Fatalf("AddEntity: %v", err)
	}
	if err := h.store.RemoveEntity(context.Background(), "home", "sensor.new"); err != nil {
		t.Fatalf("RemoveEntity: %v", err)
	}

	waitFor(t, func() bool { return added.calls() == 1 && removed.calls() == 1 })
	added.mu.Lock()
	if added.data["entity_id"] != "sensor.new" {
		t.Errorf("added event data = %v", added.data)
	}
	added.mu.Unlock()
}
