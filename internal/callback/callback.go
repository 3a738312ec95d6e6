package callback

import "time"

// Kind classifies a callback record.
type Kind string

const (
	KindState     Kind = "state"
	KindEvent     Kind = "event"
	KindLog       Kind = "log"
	KindScheduler Kind = "scheduler"
)

// StateFunc handles a state change. old and new carry the values of
// the selected attribute; kwargs is the sanitized user bag.
type StateFunc func(entity, attribute string, old, new any, kwargs map[string]any)

// EventFunc handles a raw event.
type EventFunc func(event string, data map[string]any, kwargs map[string]any)

// LogFunc handles a log line matching a log subscription.
type LogFunc func(app string, ts time.Time, level, source, message string, kwargs map[string]any)

// TimerFunc handles a scheduler fire.
type TimerFunc func(kwargs map[string]any)

// Kwargs is the typed form of the free-form bag apps pass when
// registering. Known keys get fields; everything else rides in Extra
// and is forwarded to the handler untouched.
type Kwargs struct {
	Duration  time.Duration
	Oneshot   bool
	Immediate bool
	// Timeout auto-cancels the subscription once elapsed.
	Timeout time.Duration

	ConstrainStartTime string
	ConstrainEndTime   string
	ConstrainDays      string
	ConstrainState     string
	Constraints        map[string]any // app-registered constraint name → argument

	Extra map[string]any
}

// Clone returns an independent copy of the bag.
func (k *Kwargs) Clone() *Kwargs {
	if k == nil {
		return &Kwargs{}
	}
	out := *k
	if k.Extra != nil {
		out.Extra = make(map[string]any, len(k.Extra))
		for key, v := range k.Extra {
			out.Extra[key] = v
		}
	}
	if k.Constraints != nil {
		out.Constraints = make(map[string]any, len(k.Constraints))
		for key, v := range k.Constraints {
			out.Constraints[key] = v
		}
	}
	return &out
}

// Pin carries the worker-routing hints of a callback.
type Pin struct {
	PinApp bool
	// Thread is the pinned worker index, or -1 when the app is pinned
	// but no explicit thread was assigned.
	Thread int
}

// Record is one registered callback. Selector fields are used
// according to Kind: Entity/Attribute/OldValue/NewValue for state,
// Event for events, Level/Source for log subscriptions. A record is
// live exactly while its owning app's current instance id equals
// AppID.
type Record struct {
	Handle string
	App    string
	AppID  string
	Kind   Kind

	Namespace string

	Entity    string
	Attribute string
	OldValue  any
	NewValue  any

	Event string

	Level  string
	Source string

	// Handler is one of StateFunc, EventFunc, LogFunc or TimerFunc,
	// matching Kind.
	Handler any

	Pin    Pin
	Kwargs *Kwargs

	// Fired counts matches handed to the worker pool; Executed counts
	// handler invocations that actually ran.
	Fired    int64
	Executed int64

	seq uint64
}
