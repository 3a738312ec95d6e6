package dispatch

import (
	"strings"

	"github.com/nerrad567/gray-logic-appd/internal/callback"
	"github.com/nerrad567/gray-logic-appd/internal/scheduler"
	"github.com/nerrad567/gray-logic-appd/internal/state"
)

// StateOptions selects what a state subscription watches.
type StateOptions struct {
	Namespace string
	// Entity is a concrete id, a device-class prefix, or blank for
	// everything in the namespace.
	Entity    string
	Attribute string
	// Old and New filter the transition: literals compare structurally,
	// "expr:" strings evaluate, and Predicate values are called.
	Old, New any

	Pin    callback.Pin
	Kwargs *callback.Kwargs
}

// EventOptions selects what an event subscription hears.
type EventOptions struct {
	Namespace string
	// Event is a concrete type, or blank for every non-internal event.
	Event string

	Pin    callback.Pin
	Kwargs *callback.Kwargs
}

// LogOptions selects which log lines reach a log subscription.
type LogOptions struct {
	// Level is the minimum severity, defaulting to everything.
	Level string
	// Source filters on the originating logger, blank for all.
	Source string

	Pin    callback.Pin
	Kwargs *callback.Kwargs
}

// AddStateCallback subscribes a handler to state changes and returns
// its handle. With Immediate set, the current value is evaluated
// against the subscription before this call returns: a satisfied
// duration arms its timer right away and a satisfied plain match
// dispatches.
func (d *Dispatcher) AddStateCallback(app, appID string, fn callback.StateFunc, opts StateOptions) (string, error) {
	if fn == nil {
		return "", ErrBadHandler
	}
	rec := &callback.Record{
		App:       app,
		AppID:     appID,
		Kind:      callback.KindState,
		Namespace: opts.Namespace,
		Entity:    opts.Entity,
		Attribute: opts.Attribute,
		OldValue:  opts.Old,
		NewValue:  opts.New,
		Handler:   fn,
		Pin:       opts.Pin,
		Kwargs:    opts.Kwargs.Clone(),
	}
	handle, err := d.registry.Add(rec)
	if err != nil {
		return "", err
	}
	d.armTimeout(app, appID, handle, rec.Kwargs, "__state_handle")
	if rec.Kwargs.Immediate {
		d.runImmediate(app, handle, opts)
	}
	return handle, nil
}

// AddEventCallback subscribes a handler to events and returns its
// handle.
func (d *Dispatcher) AddEventCallback(app, appID string, fn callback.EventFunc, opts EventOptions) (string, error) {
	if fn == nil {
		return "", ErrBadHandler
	}
	rec := &callback.Record{
		App:       app,
		AppID:     appID,
		Kind:      callback.KindEvent,
		Namespace: opts.Namespace,
		Event:     opts.Event,
		Handler:   fn,
		Pin:       opts.Pin,
		Kwargs:    opts.Kwargs.Clone(),
	}
	handle, err := d.registry.Add(rec)
	if err != nil {
		return "", err
	}
	d.armTimeout(app, appID, handle, rec.Kwargs, "__event_handle")
	return handle, nil
}

// AddLogCallback subscribes a handler to the log stream and returns
// its handle.
func (d *Dispatcher) AddLogCallback(app, appID string, fn callback.LogFunc, opts LogOptions) (string, error) {
	if fn == nil {
		return "", ErrBadHandler
	}
	rec := &callback.Record{
		App:     app,
		AppID:   appID,
		Kind:    callback.KindLog,
		Level:   opts.Level,
		Source:  opts.Source,
		Handler: fn,
		Pin:     opts.Pin,
		Kwargs:  opts.Kwargs.Clone(),
	}
	handle, err := d.registry.Add(rec)
	if err != nil {
		return "", err
	}
	d.armTimeout(app, appID, handle, rec.Kwargs, "__log_handle")
	return handle, nil
}

// armTimeout schedules the auto-cancel entry for subscriptions created
// with a timeout.
func (d *Dispatcher) armTimeout(app, appID, handle string, k *callback.Kwargs, key string) {
	if k == nil || k.Timeout <= 0 || d.sched == nil {
		return
	}
	_, err := d.sched.Insert(app, appID, d.clock.Now().Add(k.Timeout), nil, scheduler.InsertOptions{
		Kwargs: &callback.Kwargs{Extra: map[string]any{key: handle}},
	})
	if err != nil {
		d.log.Error("failed to arm subscription timeout", "app", app, "handle", handle, "error", err)
	}
}

// runImmediate evaluates a fresh state subscription against the
// entity's current value.
func (d *Dispatcher) runImmediate(app, handle string, opts StateOptions) {
	if opts.Entity == "" || !strings.Contains(opts.Entity, ".") ||
		opts.Namespace == state.NamespaceGlobal || opts.Namespace == "*" {
		d.log.Warn("immediate subscription needs a concrete entity and namespace",
			"app", app, "entity", opts.Entity, "namespace", opts.Namespace)
		return
	}
	rec, ok := d.registry.Get(app, handle)
	if !ok {
		return
	}
	raw, err := d.store.Get(opts.Namespace, opts.Entity, "all")
	if err != nil {
		d.log.Warn("immediate subscription read failed",
			"app", app, "entity", opts.Entity, "error", err)
		return
	}
	current := entityFromRecord(raw)
	if current == nil {
		return
	}

	attr := rec.Attribute
	if attr == "" {
		attr = "state"
	}
	var newVal any
	if attr == "all" {
		newVal = current.Record()
	} else {
		newVal = attributeValue(current, attr)
	}
	// There is no transition yet, only a standing value, so the old
	// selector does not apply.
	if !d.matchValue(rec.NewValue, newVal) {
		return
	}
	if !d.checkConstraints(rec, newVal, true) {
		return
	}
	if dur := rec.Kwargs.Duration; dur > 0 {
		d.armDuration(rec, opts.Entity, attr, nil, newVal, dur)
		return
	}
	d.submitState(rec, opts.Entity, attr, nil, newVal)
}
