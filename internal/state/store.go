package state

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Logger is the minimal logging surface the store needs.
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

// Clock supplies the timestamps stamped onto entity changes. The
// runtime passes its warped clock so simulated runs produce simulated
// last_changed values.
type Clock interface {
	Now() time.Time
}

// Repository persists namespace contents between runs. Implemented by
// the SQLite layer; nil disables persistence entirely.
type Repository interface {
	SaveEntity(ctx context.Context, namespace string, entity *Entity) error
	SaveNamespace(ctx context.Context, namespace string, entities []*Entity) error
	LoadNamespace(ctx context.Context, namespace string) ([]*Entity, error)
	DeleteEntity(ctx context.Context, namespace string, entityID string) error
	DeleteNamespace(ctx context.Context, namespace string) error
}

// Reason classifies a change notification.
type Reason int

const (
	// ReasonChange is a state or attribute write, including writes that
	// create the entity implicitly.
	ReasonChange Reason = iota
	// ReasonAdd is an explicit entity creation.
	ReasonAdd
	// ReasonRemove is an entity removal.
	ReasonRemove
)

// Notifier receives every effective entity change. old is nil for
// creations, current is nil for removals. Called outside store locks.
type Notifier func(namespace string, reason Reason, old, current *Entity)

// namespace holds one namespace's entities behind its own lock so
// writes in busy namespaces do not stall reads in quiet ones.
type namespace struct {
	mu        sync.RWMutex
	entities  map[string]*Entity
	writeback Writeback
	owned     bool // plugin- or runtime-owned; cannot be removed at runtime
	dirty     bool
}

// Store is the namespaced entity registry. All reads return deep
// copies; callers can never mutate registry internals through a
// returned value.
type Store struct {
	mu         sync.RWMutex
	namespaces map[string]*namespace

	clock    Clock
	repo     Repository
	log      Logger
	notifyMu sync.RWMutex
	notify   Notifier
}

// Options configures a Store.
type Options struct {
	Clock      Clock
	Repository Repository
	Logger     Logger
}

// New creates an empty store. The admin and rules namespaces always
// exist; both are runtime-owned and in-memory only.
func New(opts Options) *Store {
	log := opts.Logger
	if log == nil {
		log = noopLogger{}
	}
	s := &Store{
		namespaces: make(map[string]*namespace),
		clock:      opts.Clock,
		repo:       opts.Repository,
		log:        log,
	}
	s.namespaces[NamespaceAdmin] = &namespace{entities: make(map[string]*Entity), owned: true}
	s.namespaces[NamespaceRules] = &namespace{entities: make(map[string]*Entity), owned: true}
	return s
}

// SetNotifier installs the change listener. Replaces any previous one.
func (s *Store) SetNotifier(fn Notifier) {
	s.notifyMu.Lock()
	s.notify = fn
	s.notifyMu.Unlock()
}

func (s *Store) fireNotify(ns string, reason Reason, old, current *Entity) {
	s.notifyMu.RLock()
	fn := s.notify
	s.notifyMu.RUnlock()
	if fn != nil {
		fn(ns, reason, old, current)
	}
}

// AddNamespace registers a namespace. owned namespaces (plugin or
// runtime) cannot be removed through RemoveNamespace.
func (s *Store) AddNamespace(name string, writeback Writeback, owned bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.namespaces[name]; exists {
		return fmt.Errorf("%w: %s", ErrNamespaceExists, name)
	}
	s.namespaces[name] = &namespace{
		entities:  make(map[string]*Entity),
		writeback: writeback,
		owned:     owned,
	}
	s.log.Debug("namespace added", "namespace", name, "writeback", string(writeback))
	return nil
}

// RemoveNamespace deletes a user namespace and its persisted rows.
func (s *Store) RemoveNamespace(ctx context.Context, name string) error {
	s.mu.Lock()
	ns, exists := s.namespaces[name]
	if !exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNamespaceNotFound, name)
	}
	if ns.owned {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNamespaceProtected, name)
	}
	delete(s.namespaces, name)
	s.mu.Unlock()

	if s.repo != nil && ns.writeback != WritebackNone {
		if err := s.repo.DeleteNamespace(ctx, name); err != nil {
			return fmt.Errorf("delete persisted namespace %s: %w", name, err)
		}
	}
	s.log.Info("namespace removed", "namespace", name)
	return nil
}

// NamespaceExists reports whether a namespace is registered.
func (s *Store) NamespaceExists(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.namespaces[name]
	return ok
}

// ListNamespaces returns all namespace names, sorted.
func (s *Store) ListNamespaces() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.namespaces))
	for name := range s.namespaces {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Writeback reports the persistence mode of a namespace.
func (s *Store) Writeback(name string) (Writeback, error) {
	ns, err := s.lookup(name)
	if err != nil {
		return WritebackNone, err
	}
	return ns.writeback, nil
}

func (s *Store) lookup(name string) (*namespace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ns, ok := s.namespaces[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNamespaceNotFound, name)
	}
	return ns, nil
}

// EntityExists reports whether an entity exists in a namespace.
func (s *Store) EntityExists(nsName, entityID string) bool {
	ns, err := s.lookup(nsName)
	if err != nil {
		return false
	}
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	_, ok := ns.entities[entityID]
	return ok
}

// ListEntities returns the entity IDs in a namespace, sorted.
func (s *Store) ListEntities(nsName string) ([]string, error) {
	ns, err := s.lookup(nsName)
	if err != nil {
		return nil, err
	}
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	ids := make([]string, 0, len(ns.entities))
	for id := range ns.entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// GetEntity returns a deep copy of one entity.
func (s *Store) GetEntity(nsName, entityID string) (*Entity, error) {
	ns, err := s.lookup(nsName)
	if err != nil {
		return nil, err
	}
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	e, ok := ns.entities[entityID]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrEntityNotFound, nsName, entityID)
	}
	return e.DeepCopy(), nil
}

// Get reads state with the layered addressing scheme: no entity means
// the whole namespace as a map of records; attribute "all" means the
// full record of one entity; a named attribute means that attribute's
// value; no attribute means the bare state value. Missing entities and
// attributes read as nil rather than erroring, matching how apps probe
// for state that may not exist yet.
func (s *Store) Get(nsName, entityID, attribute string) (any, error) {
	ns, err := s.lookup(nsName)
	if err != nil {
		return nil, err
	}
	ns.mu.RLock()
	defer ns.mu.RUnlock()

	if entityID == "" {
		all := make(map[string]any, len(ns.entities))
		for id, e := range ns.entities {
			all[id] = e.Record()
		}
		return all, nil
	}

	e, ok := ns.entities[entityID]
	if !ok {
		return nil, nil
	}
	switch attribute {
	case "":
		return deepCopyValue(e.State), nil
	case "all":
		return e.Record(), nil
	case "entity_id":
		return e.EntityID, nil
	case "last_changed":
		return e.LastChanged, nil
	default:
		if v, present := e.Attributes[attribute]; present {
			return deepCopyValue(v), nil
		}
		return nil, nil
	}
}

// SetOptions carries the fields of a state write. HasState
// distinguishes "set state to nil" from "leave state alone".
type SetOptions struct {
	State      any
	HasState   bool
	Attributes map[string]any
	Replace    bool
}

// Set writes an entity. Absent entities are created with a warning so
// typos surface in logs. Attributes merge by default; Replace swaps
// the whole attribute map. Returns whether the write changed anything;
// no-op writes fire no notification and touch no persistence.
func (s *Store) Set(ctx context.Context, nsName, entityID string, opts SetOptions) (bool, error) {
	ns, err := s.lookup(nsName)
	if err != nil {
		return false, err
	}

	ns.mu.Lock()
	e, exists := ns.entities[entityID]
	var old *Entity
	if exists {
		old = e.DeepCopy()
	} else {
		e = &Entity{EntityID: entityID, Attributes: make(map[string]any)}
		ns.entities[entityID] = e
	}

	if opts.Replace {
		e.Attributes = deepCopyMap(opts.Attributes)
		if e.Attributes == nil {
			e.Attributes = make(map[string]any)
		}
	} else {
		for k, v := range opts.Attributes {
			e.Attributes[k] = deepCopyValue(v)
		}
	}
	if opts.HasState {
		e.State = deepCopyValue(opts.State)
	}

	changed := !exists ||
		!equalValue(old.State, e.State) ||
		!equalValue(any(old.Attributes), any(e.Attributes))
	if changed {
		e.LastChanged = s.clock.Now()
	}
	current := e.DeepCopy()
	writeback := ns.writeback
	if changed && writeback == WritebackHybrid {
		ns.dirty = true
	}
	ns.mu.Unlock()

	if !exists {
		s.log.Warn("set_state created entity", "namespace", nsName, "entity", entityID)
	}
	if !changed {
		return false, nil
	}

	if s.repo != nil && writeback == WritebackSafe {
		if err := s.repo.SaveEntity(ctx, nsName, current); err != nil {
			return true, fmt.Errorf("persist %s.%s: %w", nsName, entityID, err)
		}
	}
	s.fireNotify(nsName, ReasonChange, old, current)
	return true, nil
}

// AddEntity creates an entity, failing if it already exists.
func (s *Store) AddEntity(ctx context.Context, nsName, entityID string, stateVal any, attributes map[string]any) error {
	ns, err := s.lookup(nsName)
	if err != nil {
		return err
	}
	ns.mu.Lock()
	if _, exists := ns.entities[entityID]; exists {
		ns.mu.Unlock()
		return fmt.Errorf("%w: %s.%s", ErrEntityExists, nsName, entityID)
	}
	e := &Entity{
		EntityID:    entityID,
		State:       deepCopyValue(stateVal),
		Attributes:  deepCopyMap(attributes),
		LastChanged: s.clock.Now(),
	}
	if e.Attributes == nil {
		e.Attributes = make(map[string]any)
	}
	ns.entities[entityID] = e
	current := e.DeepCopy()
	writeback := ns.writeback
	if writeback == WritebackHybrid {
		ns.dirty = true
	}
	ns.mu.Unlock()

	if s.repo != nil && writeback == WritebackSafe {
		if err := s.repo.SaveEntity(ctx, nsName, current); err != nil {
			return fmt.Errorf("persist %s.%s: %w", nsName, entityID, err)
		}
	}
	s.fireNotify(nsName, ReasonAdd, nil, current)
	return nil
}

// RemoveEntity deletes an entity and notifies with a nil new state.
// Removing an entity that does not exist is a no-op.
func (s *Store) RemoveEntity(ctx context.Context, nsName, entityID string) error {
	ns, err := s.lookup(nsName)
	if err != nil {
		return err
	}
	ns.mu.Lock()
	e, exists := ns.entities[entityID]
	if !exists {
		ns.mu.Unlock()
		return nil
	}
	old := e.DeepCopy()
	delete(ns.entities, entityID)
	writeback := ns.writeback
	if writeback == WritebackHybrid {
		ns.dirty = true
	}
	ns.mu.Unlock()

	if s.repo != nil && writeback == WritebackSafe {
		if err := s.repo.DeleteEntity(ctx, nsName, entityID); err != nil {
			return fmt.Errorf("delete persisted %s.%s: %w", nsName, entityID, err)
		}
	}
	s.fireNotify(nsName, ReasonRemove, old, nil)
	return nil
}

// AddToState adds a numeric delta to an entity's state value and
// returns the result.
func (s *Store) AddToState(ctx context.Context, nsName, entityID string, delta float64) (float64, error) {
	cur, err := s.GetEntity(nsName, entityID)
	if err != nil {
		return 0, err
	}
	base, ok := toFloat(cur.State)
	if !ok {
		return 0, fmt.Errorf("%w: %s.%s state %v", ErrNotNumeric, nsName, entityID, cur.State)
	}
	result := base + delta
	_, err = s.Set(ctx, nsName, entityID, SetOptions{State: result, HasState: true})
	return result, err
}

// AddToAttr adds a numeric delta to one attribute and returns the
// result.
func (s *Store) AddToAttr(ctx context.Context, nsName, entityID, attribute string, delta float64) (float64, error) {
	cur, err := s.GetEntity(nsName, entityID)
	if err != nil {
		return 0, err
	}
	base, ok := toFloat(cur.Attributes[attribute])
	if !ok {
		return 0, fmt.Errorf("%w: %s.%s attribute %s", ErrNotNumeric, nsName, entityID, attribute)
	}
	result := base + delta
	_, err = s.Set(ctx, nsName, entityID, SetOptions{Attributes: map[string]any{attribute: result}})
	return result, err
}

// Hydrate loads persisted entities for every namespace with a
// writeback mode. Called once at startup before apps initialise.
func (s *Store) Hydrate(ctx context.Context) error {
	if s.repo == nil {
		return nil
	}
	s.mu.RLock()
	targets := make(map[string]*namespace)
	for name, ns := range s.namespaces {
		if ns.writeback != WritebackNone {
			targets[name] = ns
		}
	}
	s.mu.RUnlock()

	for name, ns := range targets {
		entities, err := s.repo.LoadNamespace(ctx, name)
		if err != nil {
			return fmt.Errorf("hydrate namespace %s: %w", name, err)
		}
		ns.mu.Lock()
		for _, e := range entities {
			ns.entities[e.EntityID] = e
		}
		ns.mu.Unlock()
		if len(entities) > 0 {
			s.log.Info("namespace hydrated", "namespace", name, "entities", len(entities))
		}
	}
	return nil
}

// SaveDirty flushes every hybrid namespace that changed since the last
// flush. The supervisor calls this on its tick and during shutdown.
func (s *Store) SaveDirty(ctx context.Context) error {
	if s.repo == nil {
		return nil
	}
	s.mu.RLock()
	targets := make(map[string]*namespace)
	for name, ns := range s.namespaces {
		if ns.writeback == WritebackHybrid {
			targets[name] = ns
		}
	}
	s.mu.RUnlock()

	for name, ns := range targets {
		ns.mu.Lock()
		if !ns.dirty {
			ns.mu.Unlock()
			continue
		}
		snapshot := make([]*Entity, 0, len(ns.entities))
		for _, e := range ns.entities {
			snapshot = append(snapshot, e.DeepCopy())
		}
		ns.dirty = false
		ns.mu.Unlock()

		if err := s.repo.SaveNamespace(ctx, name, snapshot); err != nil {
			ns.mu.Lock()
			ns.dirty = true
			ns.mu.Unlock()
			return fmt.Errorf("save namespace %s: %w", name, err)
		}
		s.log.Debug("namespace saved", "namespace", name, "entities", len(snapshot))
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	default:
		return 0, false
	}
}
