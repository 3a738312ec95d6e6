package plugin

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-appd/internal/astro"
	"github.com/nerrad567/gray-logic-appd/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-appd/internal/state"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second

	defaultRefreshTimeout = 30 * time.Second
)

// Logger is the minimal logging surface the manager needs.
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

// EventBus is where plugin traffic and lifecycle events go. Satisfied
// by the dispatcher.
type EventBus interface {
	FireEvent(namespace, eventType string, data map[string]any)
}

// UtilityHook is implemented by plugins that want a slot in the
// supervisor tick.
type UtilityHook interface {
	Utility()
}

type instance struct {
	plugin Plugin
	cfg    config.PluginConfig
	ready  chan struct{}

	mu          sync.Mutex
	meta        Metadata
	connected   bool
	started     bool // startup protocol completed once
	lastRefresh time.Time
}

func (in *instance) refreshTimeout() time.Duration {
	if in.cfg.RefreshTimeout > 0 {
		return time.Duration(in.cfg.RefreshTimeout) * time.Second
	}
	return defaultRefreshTimeout
}

// Manager owns every configured plugin: it runs the startup protocol,
// mirrors upstream state into the store, and routes outbound service
// calls and events to the plugin owning the target namespace.
type Manager struct {
	store      *state.Store
	bus        EventBus
	log        Logger
	writebacks map[string]state.Writeback

	mu      sync.Mutex
	plugins map[string]*instance
	order   []string
	stopped bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Options configures a Manager.
type Options struct {
	Store *state.Store
	Bus   EventBus

	// Writebacks maps namespace names to their configured persistence
	// mode. Namespaces a plugin creates that are not listed stay
	// in-memory.
	Writebacks map[string]state.Writeback

	Logger Logger
}

// New creates a Manager with no plugins registered.
func New(opts Options) *Manager {
	log := opts.Logger
	if log == nil {
		log = noopLogger{}
	}
	return &Manager{
		store:      opts.Store,
		bus:        opts.Bus,
		log:        log,
		writebacks: opts.Writebacks,
		plugins:    make(map[string]*instance),
	}
}

// Register adds a plugin before Start. Names must be unique.
func (m *Manager) Register(p Plugin, cfg config.PluginConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := p.Name()
	if _, exists := m.plugins[name]; exists {
		return fmt.Errorf("plugin %q already registered", name)
	}
	m.plugins[name] = &instance{plugin: p, cfg: cfg, ready: make(chan struct{})}
	m.order = append(m.order, name)
	return nil
}

// Start launches every plugin's connect loop and blocks until each one
// without force_start has completed its startup protocol. Plugins with
// force_start keep retrying in the background without holding up
// startup.
func (m *Manager) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.mu.Lock()
	insts := make([]*instance, 0, len(m.order))
	for _, name := range m.order {
		insts = append(insts, m.plugins[name])
	}
	m.mu.Unlock()

	for _, in := range insts {
		m.wg.Add(1)
		go m.run(runCtx, in)
	}

	for _, in := range insts {
		if in.cfg.ForceStart {
			continue
		}
		select {
		case <-in.ready:
		case <-ctx.Done():
			return fmt.Errorf("waiting for plugin %s: %w", in.plugin.Name(), ctx.Err())
		}
	}
	return nil
}

// Stop disconnects all plugins in reverse registration order and waits
// for their connect loops to exit. Repeat calls are no-ops.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	names := append([]string(nil), m.order...)
	m.mu.Unlock()
	if m.cancel != nil {
		m.cancel()
	}
	for i := len(names) - 1; i >= 0; i-- {
		in := m.lookup(names[i])
		if err := in.plugin.Stop(); err != nil {
			m.log.Warn("plugin stop failed", "plugin", names[i], "error", err)
		}
	}
	m.wg.Wait()
}

// run is one plugin's connect loop: retry with exponential backoff
// until the upstream accepts, then complete the startup protocol.
func (m *Manager) run(ctx context.Context, in *instance) {
	defer m.wg.Done()
	name := in.plugin.Name()
	backoff := initialBackoff
	for {
		err := in.plugin.Start(ctx, m)
		if err == nil {
			m.bringUp(ctx, in)
			close(in.ready)
			return
		}
		m.log.Warn("plugin connect failed",
			"plugin", name, "retry_in", backoff, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// bringUp performs steps two and three of the startup protocol:
// metadata, complete state, plugin_started.
func (m *Manager) bringUp(ctx context.Context, in *instance) {
	name := in.plugin.Name()

	meta, err := in.plugin.GetMetadata()
	if err != nil {
		m.log.Warn("plugin metadata fetch failed", "plugin", name, "error", err)
	}

	m.ensureNamespace(in.cfg.Namespace)
	if err := m.refreshState(ctx, in); err != nil {
		m.log.Warn("initial state fetch failed", "plugin", name, "error", err)
	}

	in.mu.Lock()
	in.meta = meta
	in.connected = true
	in.started = true
	in.mu.Unlock()

	m.log.Info("plugin started", "plugin", name, "namespace", in.cfg.Namespace)
	m.bus.FireEvent(in.cfg.Namespace, EventPluginStarted, map[string]any{"plugin": name})
}

// refreshState fetches the plugin's complete state and merges it into
// the store.
func (m *Manager) refreshState(ctx context.Context, in *instance) error {
	fctx, cancel := context.WithTimeout(ctx, in.refreshTimeout())
	defer cancel()

	snap, err := in.plugin.GetCompleteState(fctx)
	if err != nil {
		return err
	}
	m.merge(ctx, snap)

	in.mu.Lock()
	in.lastRefresh = time.Now()
	in.mu.Unlock()
	return nil
}

func (m *Manager) merge(ctx context.Context, snap Snapshot) {
	namespaces := make([]string, 0, len(snap))
	for ns := range snap {
		namespaces = append(namespaces, ns)
	}
	sort.Strings(namespaces)

	for _, ns := range namespaces {
		m.ensureNamespace(ns)
		for id, rec := range snap[ns] {
			if _, err := m.store.Set(ctx, ns, id, state.SetOptions{
				State:      rec.State,
				HasState:   true,
				Attributes: rec.Attributes,
				Replace:    true,
			}); err != nil {
				m.log.Warn("state merge failed",
					"namespace", ns, "entity", id, "error", err)
			}
		}
	}
}

func (m *Manager) ensureNamespace(ns string) {
	if ns == "" || m.store.NamespaceExists(ns) {
		return
	}
	if err := m.store.AddNamespace(ns, m.writebacks[ns], true); err != nil {
		m.log.Warn("namespace add failed", "namespace", ns, "error", err)
	}
}

// Refresh re-fetches complete state for every connected plugin whose
// refresh_delay has lapsed. Called from the supervisor tick; a
// refresh_delay of zero disables periodic refresh for that plugin.
func (m *Manager) Refresh(ctx context.Context) {
	for _, in := range m.instances() {
		in.mu.Lock()
		due := in.connected && in.cfg.RefreshDelay > 0 &&
			time.Since(in.lastRefresh) >= time.Duration(in.cfg.RefreshDelay)*time.Second
		in.mu.Unlock()
		if !due {
			continue
		}
		if err := m.refreshState(ctx, in); err != nil {
			m.log.Warn("state refresh failed",
				"plugin", in.plugin.Name(), "error", err)
		}
	}
}

// RunUtilityHooks gives each plugin that wants one a slot in the
// supervisor tick.
func (m *Manager) RunUtilityHooks() {
	for _, in := range m.instances() {
		if hook, ok := in.plugin.(UtilityHook); ok {
			hook.Utility()
		}
	}
}

// StateUpdate mirrors one upstream delta into the store. Part of the
// Sink contract.
func (m *Manager) StateUpdate(namespace, entityID string, stateVal any, attributes map[string]any) {
	m.ensureNamespace(namespace)
	if _, err := m.store.Set(context.Background(), namespace, entityID, state.SetOptions{
		State:      stateVal,
		HasState:   true,
		Attributes: attributes,
	}); err != nil {
		m.log.Warn("state update failed",
			"namespace", namespace, "entity", entityID, "error", err)
	}
}

// Event forwards one upstream event into the dispatch pipeline. Part
// of the Sink contract.
func (m *Manager) Event(namespace, eventType string, data map[string]any) {
	m.bus.FireEvent(namespace, eventType, data)
}

// ConnectionUp marks a plugin reconnected, re-fetches its state to
// cover deltas missed while down, and announces plugin_started. The
// first connect is announced by the startup protocol instead.
func (m *Manager) ConnectionUp(name string) {
	in := m.lookup(name)
	if in == nil {
		return
	}
	in.mu.Lock()
	first := !in.started
	already := in.connected
	in.connected = true
	in.mu.Unlock()
	if first || already {
		return
	}

	m.log.Info("plugin reconnected", "plugin", name)
	if err := m.refreshState(context.Background(), in); err != nil {
		m.log.Warn("post-reconnect refresh failed", "plugin", name, "error", err)
	}
	m.bus.FireEvent(in.cfg.Namespace, EventPluginStarted, map[string]any{"plugin": name})
}

// ConnectionDown marks a plugin disconnected and announces
// plugin_stopped.
func (m *Manager) ConnectionDown(name string, err error) {
	in := m.lookup(name)
	if in == nil {
		return
	}
	in.mu.Lock()
	wasConnected := in.connected
	in.connected = false
	in.mu.Unlock()
	if !wasConnected {
		return
	}

	data := map[string]any{"plugin": name}
	if err != nil {
		data["error"] = err.Error()
	}
	m.log.Warn("plugin disconnected", "plugin", name, "error", err)
	m.bus.FireEvent(in.cfg.Namespace, EventPluginStopped, data)
}

// Connected reports whether the named plugin currently has its
// upstream connection.
func (m *Manager) Connected(name string) bool {
	in := m.lookup(name)
	if in == nil {
		return false
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.connected
}

// CallService routes a service invocation to the plugin owning the
// namespace.
func (m *Manager) CallService(ctx context.Context, namespace, domain, service string, data map[string]any) error {
	in := m.owner(namespace)
	if in == nil {
		return fmt.Errorf("%w: no plugin owns namespace %s", ErrUnknownPlugin, namespace)
	}
	return in.plugin.CallService(ctx, namespace, domain, service, data)
}

// FireEvent routes an event publication to the plugin owning the
// namespace.
func (m *Manager) FireEvent(namespace, event string, data map[string]any) error {
	in := m.owner(namespace)
	if in == nil {
		return fmt.Errorf("%w: no plugin owns namespace %s", ErrUnknownPlugin, namespace)
	}
	return in.plugin.FireEvent(namespace, event, data)
}

// ResolveLocation returns a solar location from the first plugin whose
// metadata carries one, in registration order. Used when configuration
// does not pin a location.
func (m *Manager) ResolveLocation() (*astro.Location, error) {
	for _, in := range m.instances() {
		in.mu.Lock()
		meta := in.meta
		in.mu.Unlock()
		if !meta.HasLocation() {
			continue
		}
		zone, err := time.LoadLocation(meta.TimeZone)
		if err != nil {
			m.log.Warn("plugin supplied bad timezone",
				"plugin", in.plugin.Name(), "time_zone", meta.TimeZone, "error", err)
			continue
		}
		return astro.NewLocation(meta.Latitude, meta.Longitude, meta.Elevation, zone)
	}
	return nil, ErrMissingLocation
}

// OwnsNamespace reports whether any plugin owns the namespace. The
// service layer uses it to decide where unknown calls go.
func (m *Manager) OwnsNamespace(namespace string) bool {
	return m.owner(namespace) != nil
}

func (m *Manager) lookup(name string) *instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.plugins[name]
}

func (m *Manager) owner(namespace string) *instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, name := range m.order {
		if in := m.plugins[name]; in.cfg.Namespace == namespace {
			return in
		}
	}
	return nil
}

func (m *Manager) instances() []*instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*instance, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.plugins[name])
	}
	return out
}
