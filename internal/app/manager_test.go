package app

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-appd/internal/callback"
	"github.com/nerrad567/gray-logic-appd/internal/clock"
	"github.com/nerrad567/gray-logic-appd/internal/dispatch"
	"github.com/nerrad567/gray-logic-appd/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-appd/internal/scheduler"
	"github.com/nerrad567/gray-logic-appd/internal/service"
	"github.com/nerrad567/gray-logic-appd/internal/state"
	"github.com/nerrad567/gray-logic-appd/internal/worker"
)

func touch(path string, at time.Time) error {
	return os.Chtimes(path, at, at)
}

var (
	lifecycleMu  sync.Mutex
	lifecycleLog []string
)

func recordLifecycle(event string) {
	lifecycleMu.Lock()
	lifecycleLog = append(lifecycleLog, event)
	lifecycleMu.Unlock()
}

func resetLifecycle() {
	lifecycleMu.Lock()
	lifecycleLog = nil
	lifecycleMu.Unlock()
}

func lifecycle() []string {
	lifecycleMu.Lock()
	defer lifecycleMu.Unlock()
	return append([]string(nil), lifecycleLog...)
}

// recorderApp notes its lifecycle and registers one state callback.
type recorderApp struct {
	api *API
}

func (r *recorderApp) Initialize(api *API) error {
	r.api = api
	recordLifecycle("init:" + api.Name())
	_, err := api.ListenState(func(string, string, any, any, map[string]any) {},
		"light.hall", dispatch.StateOptions{Namespace: "house"})
	return err
}

func (r *recorderApp) Terminate() {
	recordLifecycle("term:" + r.api.Name())
}

// brokenApp always fails to initialize.
type brokenApp struct{}

func (brokenApp) Initialize(*API) error { return context.DeadlineExceeded }
func (brokenApp) Terminate()            {}

func init() {
	RegisterClass("Recorder", func() App { return &recorderApp{} })
	RegisterClass("Broken", func() App { return brokenApp{} })
}

type managerHarness struct {
	m        *Manager
	reg      *callback.Registry
	store    *state.Store
	services *service.Registry
	dir      string
}

func newManagerHarness(t *testing.T, dir string) *managerHarness {
	t.Helper()
	clk := clock.New(clock.Config{
		Start: time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC),
		Warp:  1000,
	})
	reg := callback.NewRegistry(nil)
	pool := worker.New(worker.Options{TotalThreads: 2})
	pool.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		pool.Stop(ctx)
	})
	st := state.New(state.Options{Clock: clk})
	_ = st.AddNamespace("house", state.WritebackNone, false)
	sched := scheduler.New(scheduler.Options{Clock: clk})
	d := dispatch.New(dispatch.Options{
		Registry: reg, Scheduler: sched, Pool: pool, Store: st, Clock: clk,
	})
	sched.SetDispatch(d.HandleTimer)
	st.SetNotifier(d.OnStateChange)
	svcs := service.NewRegistry(service.Options{})

	m := NewManager(Options{
		Config:     config.AppsConfig{Directory: dir},
		PinApps:    true,
		PinThreads: 2,
		Dispatcher: d,
		Scheduler:  sched,
		Services:   svcs,
		Store:      st,
		Futures:    worker.NewFutures(),
		Clock:      clk,
	})
	d.SetApps(m)
	return &managerHarness{m: m, reg: reg, store: st, services: svcs, dir: dir}
}

func TestLifecycleRespectsDependencies(t *testing.T) {
	resetLifecycle()
	dir := t.TempDir()
	writeConfig(t, dir, "apps.yaml", `
follower:
  class: Recorder
  dependencies: [leader]
leader:
  class: Recorder
`)
	h := newManagerHarness(t, dir)
	if err := h.m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.m.Stop()

	want := []string{"init:leader", "init:follower", "term:follower", "term:leader"}
	got := lifecycle()
	if len(got) != len(want) {
		t.Fatalf("lifecycle = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("lifecycle = %v, want %v", got, want)
		}
	}
}

func TestTerminateCancelsCallbacks(t *testing.T) {
	resetLifecycle()
	dir := t.TempDir()
	writeConfig(t, dir, "apps.yaml", "solo:\n  class: Recorder\n")
	h := newManagerHarness(t, dir)
	if err := h.m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if h.reg.Count() != 1 {
		t.Fatalf("registered callbacks = %d, want 1", h.reg.Count())
	}
	if got, _ := h.store.Get(state.NamespaceAdmin, "app.solo", ""); got != "running" {
		t.Errorf("admin entity = %v, want running", got)
	}

	h.m.terminateApp("solo")
	if h.reg.Count() != 0 {
		t.Errorf("callbacks after terminate = %d, want 0", h.reg.Count())
	}
	if h.store.EntityExists(state.NamespaceAdmin, "app.solo") {
		t.Error("admin entity survived terminate")
	}
	if _, ok := h.m.InstanceID("solo"); ok {
		t.Error("instance id still resolvable after terminate")
	}
}

func TestFailedAppSkipsDependents(t *testing.T) {
	resetLifecycle()
	dir := t.TempDir()
	writeConfig(t, dir, "apps.yaml", `
bad:
  class: Broken
child:
  class: Recorder
  dependencies: [bad]
solo:
  class: Recorder
`)
	h := newManagerHarness(t, dir)
	if err := h.m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.m.Stop()

	if h.m.ActiveCount() != 1 {
		t.Errorf("active apps = %d, want 1", h.m.ActiveCount())
	}
	if _, ok := h.m.InstanceID("solo"); !ok {
		t.Error("healthy app did not start")
	}
	if _, ok := h.m.InstanceID("child"); ok {
		t.Error("dependent of failed app started")
	}
}

func TestUnknownClassFails(t *testing.T) {
	resetLifecycle()
	dir := t.TempDir()
	writeConfig(t, dir, "apps.yaml", "mystery:\n  class: NoSuchClass\n")
	h := newManagerHarness(t, dir)
	if err := h.m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.m.Stop()
	if h.m.ActiveCount() != 0 {
		t.Errorf("active apps = %d, want 0", h.m.ActiveCount())
	}
}

func TestCheckUpdateReloadsChangedApp(t *testing.T) {
	resetLifecycle()
	dir := t.TempDir()
	path := writeConfig(t, dir, "apps.yaml", "solo:\n  class: Recorder\n  level: 1\n")
	h := newManagerHarness(t, dir)
	if err := h.m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.m.Stop()

	oldID, _ := h.m.InstanceID("solo")

	// Rewrite with different args and a clearly newer mtime.
	writeConfig(t, dir, "apps.yaml", "solo:\n  class: Recorder\n  level: 2\n")
	future := time.Now().Add(2 * time.Second)
	if err := touch(path, future); err != nil {
		t.Fatal(err)
	}

	h.m.CheckUpdate(context.Background(), false)

	newID, ok := h.m.InstanceID("solo")
	if !ok {
		t.Fatal("app missing after reload")
	}
	if newID == oldID {
		t.Error("instance id unchanged across reload")
	}
	got := lifecycle()
	if len(got) != 3 || got[1] != "term:solo" || got[2] != "init:solo" {
		t.Errorf("lifecycle = %v", got)
	}
}

func TestCheckUpdateNoChangeIsNoop(t *testing.T) {
	resetLifecycle()
	dir := t.TempDir()
	writeConfig(t, dir, "apps.yaml", "solo:\n  class: Recorder\n")
	h := newManagerHarness(t, dir)
	if err := h.m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.m.Stop()

	before, _ := h.m.InstanceID("solo")
	h.m.CheckUpdate(context.Background(), false)
	after, _ := h.m.InstanceID("solo")
	if before != after {
		t.Error("unchanged config caused a reload")
	}
}

func TestForcedUpdateReloadsEverything(t *testing.T) {
	resetLifecycle()
	dir := t.TempDir()
	writeConfig(t, dir, "apps.yaml", "solo:\n  class: Recorder\n")
	h := newManagerHarness(t, dir)
	if err := h.m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.m.Stop()

	before, _ := h.m.InstanceID("solo")
	h.m.CheckUpdate(context.Background(), true)
	after, ok := h.m.InstanceID("solo")
	if !ok || before == after {
		t.Errorf("forced reload: before=%s after=%s ok=%v", before, after, ok)
	}
}

func TestCheckConstraint(t *testing.T) {
	resetLifecycle()
	dir := t.TempDir()
	writeConfig(t, dir, "apps.yaml", "solo:\n  class: Recorder\n")
	h := newManagerHarness(t, dir)
	if err := h.m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.m.Stop()

	h.m.mu.RLock()
	api := h.m.instances["solo"].api
	h.m.mu.RUnlock()
	api.RegisterConstraint("mode_is", func(arg any) bool { return arg == "night" })

	if !h.m.CheckConstraint("solo", "mode_is", "night") {
		t.Error("matching constraint blocked")
	}
	if h.m.CheckConstraint("solo", "mode_is", "day") {
		t.Error("failing constraint passed")
	}
	if !h.m.CheckConstraint("solo", "unregistered", nil) {
		t.Error("unknown constraint name should never block")
	}
	if h.m.CheckConstraint("ghost", "mode_is", "night") {
		t.Error("unknown app passed constraint check")
	}
}
