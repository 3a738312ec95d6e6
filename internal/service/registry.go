package service

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nerrad567/gray-logic-appd/internal/state"
	"github.com/nerrad567/gray-logic-appd/internal/worker"
)

// Mode hints how a handler should be invoked.
type Mode string

const (
	// ModeAuto lets the registry decide; currently synchronous.
	ModeAuto Mode = "auto"
	// ModeSync invokes the handler inline and returns its result.
	ModeSync Mode = "sync"
	// ModeAsync invokes the handler on its own goroutine, tracked as a
	// future so app termination can cancel it.
	ModeAsync Mode = "async"
)

// Handler implements one service. data is the caller's payload with
// the namespace override already stripped.
type Handler func(ctx context.Context, namespace, domain, service string, data map[string]any) (any, error)

// EventSink receives service_registered events.
type EventSink func(namespace, eventType string, data map[string]any)

// Logger is the minimal logging surface the registry needs.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

type entry struct {
	app     string
	mode    Mode
	handler Handler
}

// Registry is the process-wide service table.
type Registry struct {
	mu       sync.RWMutex
	services map[string]map[string]map[string]*entry // ns → domain → service

	futures *worker.Futures
	sink    EventSink
	log     Logger
}

// Options configures a Registry.
type Options struct {
	// Futures tracks async handler invocations; may be nil.
	Futures *worker.Futures
	// Sink receives service_registered events; may be nil.
	Sink   EventSink
	Logger Logger
}

// NewRegistry creates an empty service registry.
func NewRegistry(opts Options) *Registry {
	log := opts.Logger
	if log == nil {
		log = noopLogger{}
	}
	return &Registry{
		services: make(map[string]map[string]map[string]*entry),
		futures:  opts.Futures,
		sink:     opts.Sink,
		log:      log,
	}
}

// Register adds a service provider and fires service_registered.
// Re-registering an existing triple replaces the handler.
func (r *Registry) Register(app, namespace, domain, service string, handler Handler, mode Mode) error {
	if domain == "" || service == "" || handler == nil {
		return fmt.Errorf("%w: %s/%s", ErrInvalidService, domain, service)
	}
	if mode == "" {
		mode = ModeAuto
	}
	if namespace == "" {
		namespace = state.NamespaceGlobal
	}

	r.mu.Lock()
	domains, ok := r.services[namespace]
	if !ok {
		domains = make(map[string]map[string]*entry)
		r.services[namespace] = domains
	}
	svcs, ok := domains[domain]
	if !ok {
		svcs = make(map[string]*entry)
		domains[domain] = svcs
	}
	if _, replaced := svcs[service]; replaced {
		r.log.Warn("service re-registered", "namespace", namespace, "service", domain+"/"+service)
	}
	svcs[service] = &entry{app: app, mode: mode, handler: handler}
	r.mu.Unlock()

	r.log.Debug("service registered",
		"namespace", namespace, "service", domain+"/"+service, "app", app)
	if r.sink != nil {
		r.sink(namespace, "service_registered", map[string]any{
			"namespace": namespace,
			"domain":    domain,
			"service":   service,
		})
	}
	return nil
}

// Unregister removes one service. Unknown triples are a no-op.
func (r *Registry) Unregister(namespace, domain, service string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if svcs, ok := r.services[namespace][domain]; ok {
		delete(svcs, service)
		if len(svcs) == 0 {
			delete(r.services[namespace], domain)
		}
	}
}

// UnregisterApp removes every service an app registered. Called on
// app termination.
func (r *Registry) UnregisterApp(app string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ns, domains := range r.services {
		for domain, svcs := range domains {
			for name, e := range svcs {
				if e.app == app {
					delete(svcs, name)
				}
			}
			if len(svcs) == 0 {
				delete(domains, domain)
			}
		}
		if len(domains) == 0 {
			delete(r.services, ns)
		}
	}
}

// Call routes a service call. A "namespace" key inside data overrides
// the target namespace; the registered namespace is the provider, the
// override is the target. When the target namespace has no provider,
// a global provider answers.
//
// Sync and auto handlers run inline and return their result. Async
// handlers run on their own goroutine; Call returns immediately with a
// nil result.
func (r *Registry) Call(ctx context.Context, app, namespace, domain, service string, data map[string]any) (any, error) {
	target := namespace
	payload := make(map[string]any, len(data))
	for k, v := range data {
		payload[k] = v
	}
	if override, ok := payload["namespace"].(string); ok && override != "" {
		target = override
		delete(payload, "namespace")
	}

	r.mu.RLock()
	e, ok := r.services[target][domain][service]
	if !ok {
		e, ok = r.services[state.NamespaceGlobal][domain][service]
	}
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s in %s", ErrNotFound, domain, service, target)
	}

	if e.mode == ModeAsync {
		r.callAsync(ctx, app, e, target, domain, service, payload)
		return nil, nil
	}
	return e.handler(ctx, target, domain, service, payload)
}

func (r *Registry) callAsync(ctx context.Context, app string, e *entry, namespace, domain, service string, data map[string]any) {
	callCtx, cancel := context.WithCancel(ctx)
	owner := app
	if owner == "" {
		owner = e.app
	}
	var handle string
	if r.futures != nil {
		handle = r.futures.Add(owner, cancel)
	}
	go func() {
		defer cancel()
		if r.futures != nil {
			defer r.futures.Remove(owner, handle)
		}
		if _, err := e.handler(callCtx, namespace, domain, service, data); err != nil {
			r.log.Error("async service call failed",
				"namespace", namespace, "service", domain+"/"+service, "error", err)
		}
	}()
}

// Info describes one registered service.
type Info struct {
	Namespace string
	Domain    string
	Service   string
	App       string
	Mode      Mode
}

// List enumerates registered services sorted by namespace, domain and
// name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Info
	for ns, domains := range r.services {
		for domain, svcs := range domains {
			for name, e := range svcs {
				out = append(out, Info{
					Namespace: ns, Domain: domain, Service: name,
					App: e.app, Mode: e.mode,
				})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Namespace != b.Namespace {
			return a.Namespace < b.Namespace
		}
		if a.Domain != b.Domain {
			return a.Domain < b.Domain
		}
		return a.Service < b.Service
	})
	return out
}
