package callback

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrInvalidRecord is returned when a record is missing its owner,
	// kind or handler.
	ErrInvalidRecord = errors.New("callback: invalid record")
)

// Logger is the minimal logging surface the registry needs.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Registry holds all live callback records, bucketed by owning app.
// Handles are uuids, unique across kinds.
type Registry struct {
	mu   sync.RWMutex
	apps map[string]map[string]*Record
	seq  uint64
	log  Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log Logger) *Registry {
	if log == nil {
		log = noopLogger{}
	}
	return &Registry{
		apps: make(map[string]map[string]*Record),
		log:  log,
	}
}

// Add stores a record and returns its fresh handle.
func (r *Registry) Add(rec *Record) (string, error) {
	if rec == nil || rec.App == "" || rec.Kind == "" || rec.Handler == nil {
		return "", ErrInvalidRecord
	}
	if rec.Kwargs == nil {
		rec.Kwargs = &Kwargs{}
	}
	rec.Handle = uuid.NewString()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	rec.seq = r.seq
	bucket, ok := r.apps[rec.App]
	if !ok {
		bucket = make(map[string]*Record)
		r.apps[rec.App] = bucket
	}
	bucket[rec.Handle] = rec
	r.log.Debug("callback registered",
		"app", rec.App, "kind", string(rec.Kind), "handle", rec.Handle)
	return rec.Handle, nil
}

// Get returns a shallow copy of one record.
func (r *Registry) Get(app, handle string) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.apps[app][handle]
	if !ok {
		return nil, false
	}
	cp := *rec
	return &cp, true
}

// Valid reports whether a handle is live and still belongs to the
// given app instance. Checked at the last instant before invocation so
// callbacks cancelled from a worker mid-dispatch are dropped.
func (r *Registry) Valid(app, handle, appID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.apps[app][handle]
	return ok && rec.AppID == appID
}

// Cancel removes one record. Unknown handles log a warning and report
// false; cancellation is never fatal.
func (r *Registry) Cancel(app, handle string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	bucket, ok := r.apps[app]
	if ok {
		if _, present := bucket[handle]; present {
			delete(bucket, handle)
			if len(bucket) == 0 {
				delete(r.apps, app)
			}
			return true
		}
	}
	r.log.Warn("cancel of unknown callback handle", "app", app, "handle", handle)
	return false
}

// ClearApp removes every record owned by an app and returns the
// removed set so the caller can tear down paired scheduler entries.
func (r *Registry) ClearApp(app string) []*Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	bucket, ok := r.apps[app]
	if !ok {
		return nil
	}
	removed := make([]*Record, 0, len(bucket))
	for _, rec := range bucket {
		removed = append(removed, rec)
	}
	delete(r.apps, app)
	sort.Slice(removed, func(i, j int) bool { return removed[i].seq < removed[j].seq })
	return removed
}

// ForKind returns a snapshot of all records of one kind in
// registration order. The dispatcher walks this once per event.
func (r *Registry) ForKind(kind Kind) []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Record
	for _, bucket := range r.apps {
		for _, rec := range bucket {
			if rec.Kind == kind {
				cp := *rec
				out = append(out, &cp)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// MarkFired increments the fired counter of a record if still present.
func (r *Registry) MarkFired(app, handle string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.apps[app][handle]; ok {
		rec.Fired++
	}
}

// MarkExecuted increments the executed counter of a record if still
// present.
func (r *Registry) MarkExecuted(app, handle string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.apps[app][handle]; ok {
		rec.Executed++
	}
}

// Count returns the total number of live records.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, bucket := range r.apps {
		n += len(bucket)
	}
	return n
}

// Dump enumerates all records grouped by app, apps sorted and records
// in registration order. Used by the diagnostics signal handler.
func (r *Registry) Dump() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	apps := make([]string, 0, len(r.apps))
	for app := range r.apps {
		apps = append(apps, app)
	}
	sort.Strings(apps)

	var lines []string
	for _, app := range apps {
		bucket := r.apps[app]
		recs := make([]*Record, 0, len(bucket))
		for _, rec := range bucket {
			recs = append(recs, rec)
		}
		sort.Slice(recs, func(i, j int) bool { return recs[i].seq < recs[j].seq })
		lines = append(lines, fmt.Sprintf("%s: %d callbacks", app, len(recs)))
		for _, rec := range recs {
			switch rec.Kind {
			case KindState:
				lines = append(lines, fmt.Sprintf("  %s state %s/%s fired=%d executed=%d",
					rec.Handle, rec.Namespace, rec.Entity, rec.Fired, rec.Executed))
			case KindEvent:
				lines = append(lines, fmt.Sprintf("  %s event %s/%s fired=%d executed=%d",
					rec.Handle, rec.Namespace, rec.Event, rec.Fired, rec.Executed))
			case KindLog:
				lines = append(lines, fmt.Sprintf("  %s log level=%s source=%s fired=%d executed=%d",
					rec.Handle, rec.Level, rec.Source, rec.Fired, rec.Executed))
			default:
				lines = append(lines, fmt.Sprintf("  %s %s fired=%d executed=%d",
					rec.Handle, string(rec.Kind), rec.Fired, rec.Executed))
			}
		}
	}
	return lines
}
