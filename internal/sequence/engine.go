package sequence

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-appd/internal/callback"
	"github.com/nerrad567/gray-logic-appd/internal/clock"
	"github.com/nerrad567/gray-logic-appd/internal/dispatch"
	"github.com/nerrad567/gray-logic-appd/internal/service"
	"github.com/nerrad567/gray-logic-appd/internal/state"
)

// seqOwner is the callback-registry owner for wait_state
// subscriptions installed by running sequences.
const seqOwner = "_sequence"

// Logger is the minimal logging surface the engine needs.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// StateWaiter is the slice of the dispatcher wait_state steps need.
type StateWaiter interface {
	AddStateCallback(app, appID string, fn callback.StateFunc, opts dispatch.StateOptions) (string, error)
	CancelCallback(app, handle string) bool
}

type definition struct {
	namespace string
	steps     []Step
}

// Engine executes sequences.
type Engine struct {
	store    *state.Store
	services *service.Registry
	waiter   StateWaiter
	clock    *clock.Clock
	log      Logger

	mu      sync.Mutex
	defs    map[string]definition
	running map[string]context.CancelFunc // entity id → cancel
}

// Options configures an Engine.
type Options struct {
	Store    *state.Store
	Services *service.Registry
	Waiter   StateWaiter
	Clock    *clock.Clock
	Logger   Logger
}

// New creates a sequence engine.
func New(opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = noopLogger{}
	}
	return &Engine{
		store:    opts.Store,
		services: opts.Services,
		waiter:   opts.Waiter,
		clock:    opts.Clock,
		log:      log,
		defs:     make(map[string]definition),
		running:  make(map[string]context.CancelFunc),
	}
}

// Define registers a named sequence and surfaces it as an idle
// sequence.<name> entity in the rules namespace. Redefinition
// replaces the steps.
func (e *Engine) Define(name, namespace string, steps []Step) error {
	if name == "" || len(steps) == 0 {
		return fmt.Errorf("%w: definition requires a name and steps", ErrInvalidStep)
	}
	e.mu.Lock()
	e.defs[name] = definition{namespace: namespace, steps: steps}
	e.mu.Unlock()

	entity := entityID(name)
	if !e.store.EntityExists(state.NamespaceRules, entity) {
		return e.store.AddEntity(context.Background(), state.NamespaceRules, entity, "idle", nil)
	}
	return nil
}

// Undefine removes a named sequence and its entity.
func (e *Engine) Undefine(name string) {
	e.mu.Lock()
	delete(e.defs, name)
	e.mu.Unlock()
	if err := e.store.RemoveEntity(context.Background(), state.NamespaceRules, entityID(name)); err != nil {
		e.log.Warn("failed to remove sequence entity", "sequence", name, "error", err)
	}
}

// RunByName executes a named sequence. The namespace argument is the
// caller's namespace, used when the definition does not pin one.
func (e *Engine) RunByName(ctx context.Context, namespace, name string) error {
	name = strings.TrimPrefix(name, "sequence.")
	e.mu.Lock()
	def, ok := e.defs[name]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSequence, name)
	}
	ns := def.namespace
	if ns == "" {
		ns = namespace
	}
	return e.run(ctx, entityID(name), ns, def.steps, false)
}

// Run executes an anonymous step list under an ephemeral entity.
func (e *Engine) Run(ctx context.Context, namespace string, steps []Step) error {
	return e.run(ctx, "sequence."+uuid.NewString(), namespace, steps, true)
}

// CancelByName aborts a running named sequence. Reports whether a run
// was active.
func (e *Engine) CancelByName(name string) bool {
	name = strings.TrimPrefix(name, "sequence.")
	return e.cancel(entityID(name))
}

// CancelAll aborts every running sequence. Called on shutdown.
func (e *Engine) CancelAll() {
	e.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(e.running))
	for _, c := range e.running {
		cancels = append(cancels, c)
	}
	e.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

func (e *Engine) cancel(entity string) bool {
	e.mu.Lock()
	cancelFn, ok := e.running[entity]
	e.mu.Unlock()
	if ok {
		cancelFn()
	}
	return ok
}

func (e *Engine) run(ctx context.Context, entity, namespace string, steps []Step, ephemeral bool) error {
	runCtx, cancelFn := context.WithCancel(ctx)
	defer cancelFn()

	e.mu.Lock()
	if _, active := e.running[entity]; active {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, entity)
	}
	e.running[entity] = cancelFn
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.running, entity)
		e.mu.Unlock()
	}()

	if ephemeral {
		if err := e.store.AddEntity(runCtx, state.NamespaceRules, entity, "active", nil); err != nil {
			e.log.Warn("failed to add sequence entity", "entity", entity, "error", err)
		}
		defer func() {
			if err := e.store.RemoveEntity(context.Background(), state.NamespaceRules, entity); err != nil {
				e.log.Warn("failed to remove sequence entity", "entity", entity, "error", err)
			}
		}()
	} else {
		e.setState(entity, "active")
		defer e.setState(entity, "idle")
	}

	for i := range steps {
		if err := e.runStep(runCtx, namespace, &steps[i]); err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
	}
	return nil
}

func (e *Engine) setState(entity, value string) {
	if _, err := e.store.Set(context.Background(), state.NamespaceRules, entity, state.SetOptions{
		State: value, HasState: true,
	}); err != nil {
		e.log.Warn("failed to update sequence entity", "entity", entity, "error", err)
	}
}

func (e *Engine) runStep(ctx context.Context, namespace string, s *Step) error {
	switch {
	case s.Sleep > 0:
		return e.sleep(ctx, seconds(s.Sleep))
	case s.Wait != nil:
		return e.waitState(ctx, namespace, s.Wait)
	case s.Loop != nil:
		for i := 0; i < s.Loop.Times; i++ {
			if i > 0 && s.Loop.Interval > 0 {
				if err := e.sleep(ctx, seconds(s.Loop.Interval)); err != nil {
					return err
				}
			}
			for j := range s.Loop.Steps {
				if err := e.runStep(ctx, namespace, &s.Loop.Steps[j]); err != nil {
					return err
				}
			}
		}
		return nil
	case s.Domain != "":
		_, err := e.services.Call(ctx, seqOwner, namespace, s.Domain, s.Service, s.Data)
		return err
	default:
		return ErrInvalidStep
	}
}

// sleep pauses in virtual time: under acceleration the wall delay is
// the virtual duration divided by the warp factor, and infinite warp
// sleeps not at all.
func (e *Engine) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	if !e.clock.IsRealtime() {
		warp := e.clock.Warp()
		if warp == 0 {
			return ctx.Err()
		}
		d = time.Duration(float64(d) / warp)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// waitState blocks until the entity reaches the wanted state, the
// timeout lapses, or the sequence is cancelled. A lapsed timeout logs
// and continues; it does not fail the sequence.
func (e *Engine) waitState(ctx context.Context, namespace string, w *WaitState) error {
	ns := w.Namespace
	if ns == "" {
		ns = namespace
	}

	// The current value may already satisfy the wait.
	if e.store.EntityExists(ns, w.EntityID) {
		cur, _ := e.store.Get(ns, w.EntityID, "")
		if w.State == nil || state.Equal(cur, w.State) {
			return nil
		}
	}

	matched := make(chan struct{}, 1)
	handle, err := e.waiter.AddStateCallback(seqOwner, "", func(_, _ string, _, _ any, _ map[string]any) {
		select {
		case matched <- struct{}{}:
		default:
		}
	}, dispatch.StateOptions{
		Namespace: ns,
		Entity:    w.EntityID,
		New:       w.State,
		Kwargs:    &callback.Kwargs{Oneshot: true},
	})
	if err != nil {
		return fmt.Errorf("wait_state subscribe: %w", err)
	}
	defer e.waiter.CancelCallback(seqOwner, handle)

	var timeout <-chan time.Time
	if w.Timeout > 0 {
		d := seconds(w.Timeout)
		if !e.clock.IsRealtime() && e.clock.Warp() > 0 {
			d = time.Duration(float64(d) / e.clock.Warp())
		}
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-matched:
		return nil
	case <-timeout:
		e.log.Warn("wait_state timed out",
			"entity", w.EntityID, "namespace", ns, "timeout", w.Timeout)
		return nil
	}
}

func entityID(name string) string {
	return "sequence." + name
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
