package dispatch

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-appd/internal/callback"
	"github.com/nerrad567/gray-logic-appd/internal/clock"
	"github.com/nerrad567/gray-logic-appd/internal/scheduler"
	"github.com/nerrad567/gray-logic-appd/internal/state"
	"github.com/nerrad567/gray-logic-appd/internal/worker"
)

// Well-known event types.
const (
	EventStateChanged  = "state_changed"
	EventEntityAdded   = "__AD_ENTITY_ADDED"
	EventEntityRemoved = "__AD_ENTITY_REMOVED"
	EventLog           = "__AD_LOG_EVENT"
)

// internalPrefix marks event types and kwargs keys reserved for the
// pipeline itself. Blank event subscriptions never match them and they
// are stripped from handler kwargs.
const internalPrefix = "__"

// Logger is the minimal logging surface the dispatcher needs.
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

// AppDirectory is the dispatcher's view of the app manager. It answers
// instance-identity and custom-constraint questions without the
// dispatcher importing the app layer.
type AppDirectory interface {
	// InstanceID returns the app's current instance id, or false when
	// the app is not running.
	InstanceID(app string) (string, bool)
	// IsInitializing reports whether the app is mid-initialize; events
	// matched during that window are discarded.
	IsInitializing(app string) bool
	// CheckConstraint evaluates one app-registered constraint.
	CheckConstraint(app, name string, arg any) bool
}

// Event is one unit of work on the dispatch queue.
type Event struct {
	Namespace string
	Type      string
	Data      map[string]any

	// Attached entity copies for internally generated state events.
	// External state_changed events carry record maps in Data instead.
	entityID string
	old      *state.Entity
	current  *state.Entity
}

// Options configures a Dispatcher.
type Options struct {
	Registry  *callback.Registry
	Scheduler *scheduler.Scheduler
	Pool      *worker.Pool
	Store     *state.Store
	Clock     *clock.Clock
	Logger    Logger
	// QueueSize bounds the event queue; FireEvent blocks when full.
	// Defaults to 1024.
	QueueSize int
}

// Dispatcher routes events to callbacks. All matching happens on the
// single Run goroutine; handler invocations run on the worker pool.
type Dispatcher struct {
	registry *callback.Registry
	sched    *scheduler.Scheduler
	pool     *worker.Pool
	store    *state.Store
	clock    *clock.Clock
	log      Logger
	expr     *exprCache

	appsMu sync.RWMutex
	apps   AppDirectory

	events chan Event

	// pending maps a state callback handle to the handle of its armed
	// duration timer so a re-match can debounce it.
	pendingMu sync.Mutex
	pending   map[string]string
}

// New creates a dispatcher. SetApps should be called once the app
// manager exists; until then instance checks and custom constraints
// are skipped.
func New(opts Options) *Dispatcher {
	log := opts.Logger
	if log == nil {
		log = noopLogger{}
	}
	size := opts.QueueSize
	if size <= 0 {
		size = 1024
	}
	return &Dispatcher{
		registry: opts.Registry,
		sched:    opts.Scheduler,
		pool:     opts.Pool,
		store:    opts.Store,
		clock:    opts.Clock,
		log:      log,
		expr:     newExprCache(),
		events:   make(chan Event, size),
		pending:  make(map[string]string),
	}
}

// SetApps installs the app directory hook.
func (d *Dispatcher) SetApps(apps AppDirectory) {
	d.appsMu.Lock()
	d.apps = apps
	d.appsMu.Unlock()
}

func (d *Dispatcher) appDir() AppDirectory {
	d.appsMu.RLock()
	defer d.appsMu.RUnlock()
	return d.apps
}

// Run drains the event queue until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-d.events:
			d.process(ev)
		}
	}
}

// FireEvent enqueues an event. It blocks when the queue is full, which
// backpressures producers rather than dropping events.
func (d *Dispatcher) FireEvent(namespace, eventType string, data map[string]any) {
	d.enqueue(Event{Namespace: namespace, Type: eventType, Data: data})
}

func (d *Dispatcher) enqueue(ev Event) {
	d.events <- ev
	// In accelerated time the scheduler only advances when something
	// happens; activity outside admin bookkeeping counts.
	if d.sched != nil && !d.clock.IsRealtime() && ev.Namespace != state.NamespaceAdmin {
		d.sched.Kick()
	}
}

// OnStateChange is the store notifier. It translates entity mutations
// into pipeline events.
func (d *Dispatcher) OnStateChange(namespace string, reason state.Reason, old, current *state.Entity) {
	switch reason {
	case state.ReasonAdd:
		d.enqueue(Event{
			Namespace: namespace,
			Type:      EventEntityAdded,
			Data:      map[string]any{"entity_id": current.EntityID, "state": current.Record()},
		})
	case state.ReasonRemove:
		d.enqueue(Event{
			Namespace: namespace,
			Type:      EventEntityRemoved,
			Data:      map[string]any{"entity_id": old.EntityID, "state": old.Record()},
		})
	default:
		d.enqueue(Event{
			Namespace: namespace,
			Type:      EventStateChanged,
			Data: map[string]any{
				"entity_id": current.EntityID,
				"old_state": old.Record(),
				"new_state": current.Record(),
			},
			entityID: current.EntityID,
			old:      old,
			current:  current,
		})
	}
}

// process matches one event against the registry. State-changed events
// additionally drive the state callback machinery.
func (d *Dispatcher) process(ev Event) {
	if ev.Type == EventStateChanged {
		d.processStateCallbacks(ev)
	}
	if ev.Type == EventLog {
		d.processLogCallbacks(ev)
		return
	}
	d.processEventCallbacks(ev)
}

func (d *Dispatcher) processStateCallbacks(ev Event) {
	old, current := ev.old, ev.current
	if current == nil {
		current = entityFromRecord(ev.Data["new_state"])
		old = entityFromRecord(ev.Data["old_state"])
		if current == nil {
			d.log.Warn("state_changed event without new_state", "namespace", ev.Namespace)
			return
		}
		ev.entityID = current.EntityID
	}

	apps := d.appDir()
	for _, rec := range d.registry.ForKind(callback.KindState) {
		if !namespaceMatch(rec.Namespace, ev.Namespace) {
			continue
		}
		if !entityMatch(rec.Entity, ev.entityID) {
			continue
		}
		if apps != nil && apps.IsInitializing(rec.App) {
			continue
		}
		d.checkStateCallback(rec, ev.entityID, old, current)
	}
}

// checkStateCallback applies the attribute selection, value diff,
// old/new predicates, constraint chain and duration debounce for one
// matched record, dispatching or arming a timer as appropriate.
func (d *Dispatcher) checkStateCallback(rec *callback.Record, entityID string, old, current *state.Entity) {
	attr := rec.Attribute
	if attr == "" {
		attr = "state"
	}

	var oldVal, newVal any
	if attr == "all" {
		oldVal, newVal = old.Record(), current.Record()
	} else {
		oldVal = attributeValue(old, attr)
		newVal = attributeValue(current, attr)
		if state.Equal(oldVal, newVal) {
			return
		}
	}

	// The selected value moved, so any armed duration timer was
	// waiting on a state that no longer holds.
	d.cancelPending(rec.App, rec.Handle)

	if !d.matchValue(rec.OldValue, oldVal) || !d.matchValue(rec.NewValue, newVal) {
		return
	}
	if !d.checkConstraints(rec, newVal, true) {
		return
	}

	if dur := rec.Kwargs.Duration; dur > 0 {
		d.armDuration(rec, entityID, attr, oldVal, newVal, dur)
		return
	}
	d.submitState(rec, entityID, attr, oldVal, newVal)
}

// armDuration schedules the deferred fire and records it for debounce.
// The snapshot of the triggering change rides in the timer kwargs.
func (d *Dispatcher) armDuration(rec *callback.Record, entityID, attr string, oldVal, newVal any, dur time.Duration) {
	kw := &callback.Kwargs{Extra: map[string]any{
		"__handle":    rec.Handle,
		"__entity":    entityID,
		"__attribute": attr,
		"__old_state": oldVal,
		"__new_state": newVal,
	}}
	handle, err := d.sched.Insert(rec.App, rec.AppID, d.clock.Now().Add(dur), nil, scheduler.InsertOptions{
		Pin:    rec.Pin,
		Kwargs: kw,
	})
	if err != nil {
		d.log.Error("failed to arm duration timer",
			"app", rec.App, "entity", entityID, "error", err)
		return
	}
	d.pendingMu.Lock()
	d.pending[rec.Handle] = handle
	d.pendingMu.Unlock()
}

// cancelPending tears down the armed duration timer for a state
// callback, if any.
func (d *Dispatcher) cancelPending(app, handle string) {
	d.pendingMu.Lock()
	timer, ok := d.pending[handle]
	if ok {
		delete(d.pending, handle)
	}
	d.pendingMu.Unlock()
	if ok && d.sched != nil {
		d.sched.Cancel(app, timer)
	}
}

// submitState hands a matched state callback to the worker pool.
func (d *Dispatcher) submitState(rec *callback.Record, entityID, attr string, oldVal, newVal any) {
	handler, ok := rec.Handler.(callback.StateFunc)
	if !ok {
		d.log.Error("state callback with wrong handler type", "app", rec.App, "handle", rec.Handle)
		return
	}
	kwargs := d.sanitizeKwargs(rec)
	d.submit(rec, "state:"+entityID, func() {
		handler(entityID, attr, oldVal, newVal, kwargs)
	})
}

func (d *Dispatcher) processEventCallbacks(ev Event) {
	apps := d.appDir()
	for _, rec := range d.registry.ForKind(callback.KindEvent) {
		if !namespaceMatch(rec.Namespace, ev.Namespace) {
			continue
		}
		if !eventMatch(rec.Event, ev.Type) {
			continue
		}
		if !kwargsFilterMatch(rec.Kwargs, ev.Data) {
			continue
		}
		if apps != nil && apps.IsInitializing(rec.App) {
			continue
		}
		if !d.checkConstraints(rec, nil, false) {
			continue
		}
		handler, ok := rec.Handler.(callback.EventFunc)
		if !ok {
			d.log.Error("event callback with wrong handler type", "app", rec.App, "handle", rec.Handle)
			continue
		}
		kwargs := d.sanitizeKwargs(rec)
		data := state.CopyMap(ev.Data)
		eventType := ev.Type
		d.submit(rec, "event:"+eventType, func() {
			handler(eventType, data, kwargs)
		})
	}
}

func (d *Dispatcher) processLogCallbacks(ev Event) {
	appName, _ := ev.Data["app_name"].(string)
	level, _ := ev.Data["level"].(string)
	source, _ := ev.Data["log_type"].(string)
	message, _ := ev.Data["message"].(string)
	ts, _ := ev.Data["ts"].(time.Time)

	apps := d.appDir()
	for _, rec := range d.registry.ForKind(callback.KindLog) {
		// An app listening to the log must not hear its own lines or
		// every handler invocation would spawn another.
		if appName != "" && appName == rec.App {
			continue
		}
		if !levelAtLeast(level, rec.Level) {
			continue
		}
		if rec.Source != "" && rec.Source != source {
			continue
		}
		if apps != nil && apps.IsInitializing(rec.App) {
			continue
		}
		if !d.checkConstraints(rec, nil, false) {
			continue
		}
		handler, ok := rec.Handler.(callback.LogFunc)
		if !ok {
			d.log.Error("log callback with wrong handler type", "app", rec.App, "handle", rec.Handle)
			continue
		}
		kwargs := d.sanitizeKwargs(rec)
		d.submit(rec, "log:"+source, func() {
			handler(appName, ts, level, source, message, kwargs)
		})
	}
}

// submit builds the worker job for one matched record: last-instant
// validation, handler invocation, bookkeeping and oneshot teardown.
func (d *Dispatcher) submit(rec *callback.Record, name string, invoke func()) {
	d.registry.MarkFired(rec.App, rec.Handle)
	app, handle, appID := rec.App, rec.Handle, rec.AppID
	oneshot := rec.Kwargs.Oneshot
	err := d.pool.Submit(worker.Job{
		App:  app,
		Kind: rec.Kind,
		Name: name,
		Pin:  rec.Pin,
		Validate: func() bool {
			return d.registry.Valid(app, handle, appID)
		},
		Invoke: invoke,
		Done: func() {
			d.registry.MarkExecuted(app, handle)
			if oneshot {
				d.removeCallback(app, handle)
			}
		},
	})
	if err != nil {
		d.log.Error("failed to submit callback job",
			"app", app, "callback", name, "error", err)
	}
}

// removeCallback cancels a registry record plus any armed duration
// timer hanging off it.
func (d *Dispatcher) removeCallback(app, handle string) {
	d.cancelPending(app, handle)
	d.registry.Cancel(app, handle)
}

// CancelCallback removes a callback by handle. Unknown handles warn
// and return false.
func (d *Dispatcher) CancelCallback(app, handle string) bool {
	d.cancelPending(app, handle)
	return d.registry.Cancel(app, handle)
}

// ClearApp tears down everything an app owns: callbacks, armed
// duration timers and scheduler entries. Called on app termination.
func (d *Dispatcher) ClearApp(app string) {
	for _, rec := range d.registry.ClearApp(app) {
		d.cancelPending(app, rec.Handle)
	}
	if d.sched != nil {
		d.sched.ClearApp(app)
	}
}

// HandleTimer is the scheduler's dispatch hook. Plain timers run the
// timer handler through the pool; entries carrying pipeline keys in
// their kwargs instead complete a deferred state fire or expire a
// subscription timeout.
func (d *Dispatcher) HandleTimer(e scheduler.Entry) {
	extra := map[string]any{}
	if e.Kwargs != nil && e.Kwargs.Extra != nil {
		extra = e.Kwargs.Extra
	}

	if _, ok := extra["__entity"]; ok {
		d.fireDuration(e, extra)
		return
	}
	for _, key := range []string{"__state_handle", "__event_handle", "__log_handle"} {
		if h, ok := extra[key].(string); ok {
			d.log.Debug("subscription timeout reached", "app", e.App, "handle", h)
			d.removeCallback(e.App, h)
			return
		}
	}

	if e.Handler == nil {
		d.log.Warn("timer fired with no handler", "app", e.App, "handle", e.Handle)
		return
	}
	if !d.checkTimerConstraints(e.App, e.Kwargs) {
		return
	}
	app, appID := e.App, e.AppID
	handler := e.Handler
	kwargs := d.sanitizeTimerKwargs(e.Kwargs)
	err := d.pool.Submit(worker.Job{
		App:  app,
		Kind: callback.KindScheduler,
		Name: "timer:" + e.Handle,
		Pin:  e.Pin,
		Validate: func() bool {
			apps := d.appDir()
			if apps == nil || appID == "" {
				return true
			}
			id, ok := apps.InstanceID(app)
			return ok && id == appID
		},
		Invoke: func() { handler(kwargs) },
	})
	if err != nil {
		d.log.Error("failed to submit timer job", "app", app, "error", err)
	}
}

// fireDuration completes a duration subscription whose window elapsed
// without the state moving away.
func (d *Dispatcher) fireDuration(e scheduler.Entry, extra map[string]any) {
	cbHandle, _ := extra["__handle"].(string)
	rec, ok := d.registry.Get(e.App, cbHandle)
	if !ok {
		return
	}
	d.pendingMu.Lock()
	delete(d.pending, cbHandle)
	d.pendingMu.Unlock()

	entityID, _ := extra["__entity"].(string)
	attr, _ := extra["__attribute"].(string)
	d.submitState(rec, entityID, attr, extra["__old_state"], extra["__new_state"])
}

// --- matching helpers ---

// namespaceMatch pairs a subscription namespace with an event
// namespace. "global" and "*" on either side match everything.
func namespaceMatch(sub, ns string) bool {
	return sub == ns || sub == state.NamespaceGlobal || sub == "*" ||
		ns == state.NamespaceGlobal
}

// entityMatch pairs an entity selector with a concrete entity id. A
// blank selector matches everything; a selector without a dot matches
// the whole device class.
func entityMatch(sel, entityID string) bool {
	if sel == "" || sel == entityID {
		return true
	}
	if !strings.Contains(sel, ".") {
		return strings.HasPrefix(entityID, sel+".")
	}
	return false
}

// eventMatch pairs an event selector with an event type. A blank
// selector matches every non-internal event.
func eventMatch(sel, eventType string) bool {
	if sel == "" {
		return !strings.HasPrefix(eventType, internalPrefix)
	}
	return sel == eventType
}

// kwargsFilterMatch applies the user kwargs of an event subscription
// as equality filters against the event payload.
func kwargsFilterMatch(k *callback.Kwargs, data map[string]any) bool {
	if k == nil || len(k.Extra) == 0 {
		return true
	}
	for key, want := range k.Extra {
		if strings.HasPrefix(key, internalPrefix) {
			continue
		}
		got, present := data[key]
		if !present || !state.Equal(got, want) {
			return false
		}
	}
	return true
}

var logLevels = map[string]int{
	"DEBUG":    0,
	"INFO":     1,
	"WARNING":  2,
	"ERROR":    3,
	"CRITICAL": 4,
}

// levelAtLeast reports whether a log line's level meets a
// subscription's minimum. Unknown levels compare as INFO.
func levelAtLeast(level, minimum string) bool {
	if minimum == "" {
		return true
	}
	l, ok := logLevels[strings.ToUpper(level)]
	if !ok {
		l = logLevels["INFO"]
	}
	m, ok := logLevels[strings.ToUpper(minimum)]
	if !ok {
		m = logLevels["INFO"]
	}
	return l >= m
}

// attributeValue selects the watched value from an entity snapshot.
func attributeValue(e *state.Entity, attr string) any {
	if e == nil {
		return nil
	}
	if attr == "state" {
		return e.State
	}
	if v, ok := e.Attributes[attr]; ok {
		return v
	}
	return nil
}

// entityFromRecord rebuilds an entity from the generic map form used
// in externally fired state_changed events.
func entityFromRecord(v any) *state.Entity {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	e := &state.Entity{}
	e.EntityID, _ = m["entity_id"].(string)
	e.State = m["state"]
	if attrs, ok := m["attributes"].(map[string]any); ok {
		e.Attributes = attrs
	}
	switch lc := m["last_changed"].(type) {
	case time.Time:
		e.LastChanged = lc
	case string:
		if t, err := time.Parse(time.RFC3339Nano, lc); err == nil {
			e.LastChanged = t
		}
	}
	return e
}
