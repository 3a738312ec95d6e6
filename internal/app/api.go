package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-appd/internal/astro"
	"github.com/nerrad567/gray-logic-appd/internal/callback"
	"github.com/nerrad567/gray-logic-appd/internal/clock"
	"github.com/nerrad567/gray-logic-appd/internal/dispatch"
	"github.com/nerrad567/gray-logic-appd/internal/scheduler"
	"github.com/nerrad567/gray-logic-appd/internal/sequence"
	"github.com/nerrad567/gray-logic-appd/internal/service"
	"github.com/nerrad567/gray-logic-appd/internal/state"
)

// Logger is the minimal logging surface apps get.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// PluginRouter carries service calls and events out to the plugin
// owning a namespace. Satisfied by the plugin manager.
type PluginRouter interface {
	OwnsNamespace(namespace string) bool
	CallService(ctx context.Context, namespace, domain, service string, data map[string]any) error
	FireEvent(namespace, event string, data map[string]any) error
}

// API is one app's handle onto the runtime. Every registration is
// tagged with the app's name and instance id, so a reload invalidates
// handles from the previous instance.
type API struct {
	name      string
	id        string
	namespace string
	pin       callback.Pin
	args      map[string]any

	dispatcher *dispatch.Dispatcher
	sched      *scheduler.Scheduler
	services   *service.Registry
	store      *state.Store
	sequences  *sequence.Engine
	plugins    PluginRouter
	clock      *clock.Clock
	globals    *Globals
	log        Logger

	mu          sync.Mutex
	constraints map[string]func(arg any) bool
}

// Name is the app's config name.
func (a *API) Name() string { return a.name }

// ID is the current instance id. Fresh on every (re)start.
func (a *API) ID() string { return a.id }

// Namespace is the app's default namespace.
func (a *API) Namespace() string { return a.namespace }

// Args returns the opaque config keys from the app's definition.
func (a *API) Args() map[string]any { return a.args }

// Log is the app's logger, tagged with the app name.
func (a *API) Log() Logger { return a.log }

// Globals is the process-wide shared value map.
func (a *API) Globals() *Globals { return a.globals }

func (a *API) resolveNamespace(ns string) string {
	if ns != "" {
		return ns
	}
	return a.namespace
}

func (a *API) applyPin(pin *callback.Pin) {
	if !pin.PinApp && pin.Thread == 0 {
		*pin = a.pin
	}
}

// ListenState subscribes to state changes. entity may be a concrete
// id, a device-class prefix, or blank for everything in the namespace.
func (a *API) ListenState(fn callback.StateFunc, entity string, opts dispatch.StateOptions) (string, error) {
	opts.Entity = entity
	opts.Namespace = a.resolveNamespace(opts.Namespace)
	a.applyPin(&opts.Pin)
	return a.dispatcher.AddStateCallback(a.name, a.id, fn, opts)
}

// CancelListenState removes a state subscription. Unknown handles are
// a warned no-op.
func (a *API) CancelListenState(handle string) bool {
	return a.dispatcher.CancelCallback(a.name, handle)
}

// ListenEvent subscribes to events. event may be blank for every
// non-internal event.
func (a *API) ListenEvent(fn callback.EventFunc, event string, opts dispatch.EventOptions) (string, error) {
	opts.Event = event
	opts.Namespace = a.resolveNamespace(opts.Namespace)
	a.applyPin(&opts.Pin)
	return a.dispatcher.AddEventCallback(a.name, a.id, fn, opts)
}

// CancelListenEvent removes an event subscription.
func (a *API) CancelListenEvent(handle string) bool {
	return a.dispatcher.CancelCallback(a.name, handle)
}

// ListenLog subscribes to the runtime's log stream at or above a
// level.
func (a *API) ListenLog(fn callback.LogFunc, opts dispatch.LogOptions) (string, error) {
	a.applyPin(&opts.Pin)
	return a.dispatcher.AddLogCallback(a.name, a.id, fn, opts)
}

// CancelListenLog removes a log subscription.
func (a *API) CancelListenLog(handle string) bool {
	return a.dispatcher.CancelCallback(a.name, handle)
}

// RunIn fires once after delay.
func (a *API) RunIn(fn callback.TimerFunc, delay time.Duration, opts scheduler.InsertOptions) (string, error) {
	a.applyPin(&opts.Pin)
	return a.sched.Insert(a.name, a.id, a.clock.Now().Add(delay), fn, opts)
}

// RunAt fires once at the specified time. Accepts the full time-spec
// grammar: absolute datetimes, clock times (next occurrence) and solar
// specs.
func (a *API) RunAt(fn callback.TimerFunc, spec string, opts scheduler.InsertOptions) (string, error) {
	if event, offset, ok := scheduler.ParseSunSpec(spec); ok {
		opts.Offset = offset
		a.applyPin(&opts.Pin)
		return a.sched.InsertSun(a.name, a.id, event, false, fn, opts)
	}
	at, err := a.sched.ParseDateTime(spec)
	if err != nil {
		return "", err
	}
	a.applyPin(&opts.Pin)
	return a.sched.Insert(a.name, a.id, at, fn, opts)
}

// RunEvery fires repeatedly at interval, starting at startSpec. Blank
// or "now" starts immediately.
func (a *API) RunEvery(fn callback.TimerFunc, startSpec string, interval time.Duration, opts scheduler.InsertOptions) (string, error) {
	if interval <= 0 {
		return "", fmt.Errorf("run_every interval must be positive, got %v", interval)
	}
	start := a.clock.Now()
	if startSpec != "" && startSpec != "now" {
		var err error
		start, err = a.sched.ParseDateTime(startSpec)
		if err != nil {
			return "", err
		}
	}
	opts.Repeat = true
	opts.Interval = interval
	a.applyPin(&opts.Pin)
	return a.sched.Insert(a.name, a.id, start, fn, opts)
}

// RunDaily fires every day at a clock time, DST-adjusted so the local
// wall time is preserved.
func (a *API) RunDaily(fn callback.TimerFunc, spec string, opts scheduler.InsertOptions) (string, error) {
	return a.RunEvery(fn, spec, 24*time.Hour, opts)
}

// RunAtSunrise fires every day at sunrise.
func (a *API) RunAtSunrise(fn callback.TimerFunc, opts scheduler.InsertOptions) (string, error) {
	a.applyPin(&opts.Pin)
	event := scheduler.SunEvent{Horizon: true, Direction: astro.Rising}
	return a.sched.InsertSun(a.name, a.id, event, true, fn, opts)
}

// RunAtSunset fires every day at sunset.
func (a *API) RunAtSunset(fn callback.TimerFunc, opts scheduler.InsertOptions) (string, error) {
	a.applyPin(&opts.Pin)
	event := scheduler.SunEvent{Horizon: true, Direction: astro.Setting}
	return a.sched.InsertSun(a.name, a.id, event, true, fn, opts)
}

// CancelTimer removes a pending timer. Unknown handles are a warned
// no-op.
func (a *API) CancelTimer(handle string) bool {
	return a.sched.Cancel(a.name, handle)
}

// ResetTimer restarts a pending timer's countdown.
func (a *API) ResetTimer(handle string) error {
	return a.sched.Reset(a.name, handle)
}

// InfoTimer reports a pending timer's next fire time, interval and
// kwargs.
func (a *API) InfoTimer(handle string) (scheduler.Entry, bool) {
	return a.sched.Info(a.name, handle)
}

// NowIsBetween reports whether the current time falls inside the
// window, handling windows that span midnight and solar endpoints.
func (a *API) NowIsBetween(startSpec, endSpec string) (bool, error) {
	return a.sched.NowIsBetween(startSpec, endSpec)
}

// ParseDatetime resolves a time specification against the current
// clock.
func (a *API) ParseDatetime(spec string) (time.Time, error) {
	return a.sched.ParseDateTime(spec)
}

// SunUp reports whether the sun is above the horizon.
func (a *API) SunUp() (bool, error) {
	sun := a.sched.Sun()
	if sun == nil {
		return false, errors.New("no solar location configured")
	}
	return sun.SunUp(a.clock.Now()), nil
}

// Sunrise is the next sunrise.
func (a *API) Sunrise() (time.Time, error) {
	sun := a.sched.Sun()
	if sun == nil {
		return time.Time{}, errors.New("no solar location configured")
	}
	return sun.NextSunrise(a.clock.Now()), nil
}

// Sunset is the next sunset.
func (a *API) Sunset() (time.Time, error) {
	sun := a.sched.Sun()
	if sun == nil {
		return time.Time{}, errors.New("no solar location configured")
	}
	return sun.NextSunset(a.clock.Now()), nil
}

// FireEvent publishes an event. Plugin-owned namespaces send upstream
// and the echo comes back through the plugin; everything else enters
// the local pipeline directly.
func (a *API) FireEvent(namespace, event string, data map[string]any) error {
	ns := a.resolveNamespace(namespace)
	if a.plugins != nil && a.plugins.OwnsNamespace(ns) {
		return a.plugins.FireEvent(ns, event, data)
	}
	a.dispatcher.FireEvent(ns, event, data)
	return nil
}

// CallService invokes a service. Registered services win; calls into a
// plugin-owned namespace with no registered handler go upstream.
func (a *API) CallService(ctx context.Context, namespace, domain, svc string, data map[string]any) (any, error) {
	ns := a.resolveNamespace(namespace)
	result, err := a.services.Call(ctx, a.name, ns, domain, svc, data)
	if errors.Is(err, service.ErrNotFound) && a.plugins != nil && a.plugins.OwnsNamespace(ns) {
		return nil, a.plugins.CallService(ctx, ns, domain, svc, data)
	}
	return result, err
}

// RegisterService exposes a handler under the app's namespace. It is
// removed automatically when the app terminates.
func (a *API) RegisterService(domain, svc string, handler service.Handler, mode service.Mode) error {
	return a.services.Register(a.name, a.namespace, domain, svc, handler, mode)
}

// GetState reads an entity. Blank attribute returns the bare state,
// "all" the full record.
func (a *API) GetState(namespace, entity, attribute string) (any, error) {
	return a.store.Get(a.resolveNamespace(namespace), entity, attribute)
}

// SetState writes an entity, creating it if needed.
func (a *API) SetState(ctx context.Context, namespace, entity string, opts state.SetOptions) error {
	_, err := a.store.Set(ctx, a.resolveNamespace(namespace), entity, opts)
	return err
}

// EntityExists reports whether the entity is known.
func (a *API) EntityExists(namespace, entity string) bool {
	return a.store.EntityExists(a.resolveNamespace(namespace), entity)
}

// AddNamespace creates a user namespace at runtime. Writeback selects
// its persistence mode; plugin and runtime namespaces cannot be added.
func (a *API) AddNamespace(namespace string, writeback state.Writeback) error {
	if a.plugins != nil && a.plugins.OwnsNamespace(namespace) {
		return fmt.Errorf("namespace %s is plugin-owned", namespace)
	}
	return a.store.AddNamespace(namespace, writeback, false)
}

// RemoveNamespace deletes a user namespace and its persisted snapshot.
func (a *API) RemoveNamespace(ctx context.Context, namespace string) error {
	return a.store.RemoveNamespace(ctx, namespace)
}

// ListNamespaces returns every namespace currently known.
func (a *API) ListNamespaces() []string {
	return a.store.ListNamespaces()
}

// RunSequence executes an anonymous step list in the app's namespace.
func (a *API) RunSequence(ctx context.Context, steps []sequence.Step) error {
	if a.sequences == nil {
		return errors.New("sequence engine not available")
	}
	return a.sequences.Run(ctx, a.namespace, steps)
}

// RegisterConstraint installs a named constraint the app can then
// reference in callback kwargs. The function receives the configured
// argument and reports whether dispatch may proceed.
func (a *API) RegisterConstraint(name string, fn func(arg any) bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.constraints == nil {
		a.constraints = make(map[string]func(arg any) bool)
	}
	a.constraints[name] = fn
}

func (a *API) checkConstraint(name string, arg any) bool {
	a.mu.Lock()
	fn := a.constraints[name]
	a.mu.Unlock()
	if fn == nil {
		// Unknown constraint names never block dispatch.
		return true
	}
	return fn(arg)
}

// Globals is the shared value map available to every app. Pinned apps
// see sequential access only to their own callbacks, not to globals;
// treat values as read-mostly.
type Globals struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewGlobals creates an empty shared map.
func NewGlobals() *Globals {
	return &Globals{values: make(map[string]any)}
}

// Get reads a shared value.
func (g *Globals) Get(key string) (any, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	v, ok := g.values[key]
	return v, ok
}

// Set writes a shared value.
func (g *Globals) Set(key string, value any) {
	g.mu.Lock()
	g.values[key] = value
	g.mu.Unlock()
}

// Delete removes a shared value.
func (g *Globals) Delete(key string) {
	g.mu.Lock()
	delete(g.values, key)
	g.mu.Unlock()
}
