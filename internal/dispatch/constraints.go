package dispatch

import (
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/nerrad567/gray-logic-appd/internal/callback"
	"github.com/nerrad567/gray-logic-appd/internal/state"
)

// Predicate is a programmatic value matcher for old/new selectors and
// wait conditions.
type Predicate func(any) bool

// ExprPrefix marks a string selector or constraint as an expression to
// evaluate rather than a literal to compare.
const ExprPrefix = "expr:"

// reservedKwargs are bag keys the pipeline consumes; they never reach
// handlers.
var reservedKwargs = map[string]bool{
	"old": true, "new": true, "attribute": true, "duration": true,
	"state": true, "entity": true, "handle": true,
	"old_state": true, "new_state": true,
	"oneshot": true, "immediate": true, "interval": true,
	"timeout": true, "pin_app": true, "pin_thread": true,
	"namespace": true,
	"constrain_start_time": true, "constrain_end_time": true,
	"constrain_days": true, "constrain_state": true,
}

// matchValue applies an old/new selector to a value. nil passes,
// predicates are called, expression strings are evaluated with the
// value bound as both "value" and "state", anything else compares
// structurally.
func (d *Dispatcher) matchValue(sel, val any) bool {
	switch s := sel.(type) {
	case nil:
		return true
	case Predicate:
		return s(val)
	case func(any) bool:
		return s(val)
	case string:
		if src, isExpr := strings.CutPrefix(s, ExprPrefix); isExpr {
			ok, err := d.expr.eval(src, map[string]any{"value": val, "state": val})
			if err != nil {
				d.log.Warn("value expression failed", "expr", src, "error", err)
				return false
			}
			return ok
		}
		return state.Equal(val, s)
	default:
		return state.Equal(val, sel)
	}
}

// checkConstraints runs the full constraint chain for a matched
// callback. newVal is the freshly selected state value; it only feeds
// the state constraint, which applies to state callbacks alone.
func (d *Dispatcher) checkConstraints(rec *callback.Record, newVal any, isState bool) bool {
	k := rec.Kwargs
	if k == nil {
		return true
	}
	if len(k.Constraints) > 0 {
		apps := d.appDir()
		if apps != nil {
			for name, arg := range k.Constraints {
				if !apps.CheckConstraint(rec.App, name, arg) {
					return false
				}
			}
		}
	}
	if !d.checkTimeWindow(k.ConstrainStartTime, k.ConstrainEndTime) {
		return false
	}
	if !d.checkDays(k.ConstrainDays) {
		return false
	}
	if isState && k.ConstrainState != "" && !d.checkStateConstraint(k.ConstrainState, newVal) {
		return false
	}
	return true
}

// checkTimerConstraints is the reduced chain for scheduler entries:
// custom constraints, time window and days. There is no triggering
// state value.
func (d *Dispatcher) checkTimerConstraints(app string, k *callback.Kwargs) bool {
	if k == nil {
		return true
	}
	if len(k.Constraints) > 0 {
		apps := d.appDir()
		if apps != nil {
			for name, arg := range k.Constraints {
				if !apps.CheckConstraint(app, name, arg) {
					return false
				}
			}
		}
	}
	return d.checkTimeWindow(k.ConstrainStartTime, k.ConstrainEndTime) &&
		d.checkDays(k.ConstrainDays)
}

// checkTimeWindow evaluates the time constraint. A missing endpoint
// defaults to the edge of the day, so a lone start means "from then
// until midnight".
func (d *Dispatcher) checkTimeWindow(start, end string) bool {
	if start == "" && end == "" {
		return true
	}
	if start == "" {
		start = "00:00:00"
	}
	if end == "" {
		end = "23:59:59"
	}
	ok, err := d.sched.NowIsBetween(start, end)
	if err != nil {
		d.log.Warn("bad time constraint", "start", start, "end", end, "error", err)
		return false
	}
	return ok
}

var weekdays = map[string]int{
	"sun": 0, "mon": 1, "tue": 2, "wed": 3, "thu": 4, "fri": 5, "sat": 6,
}

// checkDays evaluates a comma-separated day-of-week constraint against
// the clock's local weekday.
func (d *Dispatcher) checkDays(days string) bool {
	if days == "" {
		return true
	}
	today := int(d.clock.Now().In(d.clock.Location()).Weekday())
	for _, day := range strings.Split(days, ",") {
		if n, ok := weekdays[strings.ToLower(strings.TrimSpace(day))]; ok && n == today {
			return true
		}
	}
	return false
}

// checkStateConstraint compares the callback's triggering value with
// the constraint, either an expression or a literal.
func (d *Dispatcher) checkStateConstraint(constraint string, val any) bool {
	if src, isExpr := strings.CutPrefix(constraint, ExprPrefix); isExpr {
		ok, err := d.expr.eval(src, map[string]any{"state": val, "value": val})
		if err != nil {
			d.log.Warn("state constraint expression failed", "expr", src, "error", err)
			return false
		}
		return ok
	}
	return state.Equal(val, constraint) || fmt.Sprint(val) == constraint
}

// sanitizeKwargs builds the bag handed to a callback handler: the
// user's extra keys with pipeline-internal and reserved names removed.
func (d *Dispatcher) sanitizeKwargs(rec *callback.Record) map[string]any {
	return sanitizeExtra(rec.Kwargs)
}

func (d *Dispatcher) sanitizeTimerKwargs(k *callback.Kwargs) map[string]any {
	return sanitizeExtra(k)
}

func sanitizeExtra(k *callback.Kwargs) map[string]any {
	out := map[string]any{}
	if k == nil {
		return out
	}
	for key, v := range k.Extra {
		if strings.HasPrefix(key, internalPrefix) || reservedKwargs[key] {
			continue
		}
		if _, isConstraint := k.Constraints[key]; isConstraint {
			continue
		}
		out[key] = v
	}
	return out
}

// exprCache compiles boolean expressions once and reuses the programs
// across evaluations.
type exprCache struct {
	mu       sync.RWMutex
	programs map[string]*vm.Program
}

func newExprCache() *exprCache {
	return &exprCache{programs: make(map[string]*vm.Program)}
}

func (c *exprCache) eval(src string, env map[string]any) (bool, error) {
	prog, err := c.compile(src)
	if err != nil {
		return false, fmt.Errorf("compile %q: %w", src, err)
	}
	out, err := expr.Run(prog, env)
	if err != nil {
		return false, fmt.Errorf("evaluate %q: %w", src, err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q returned %T, want bool", src, out)
	}
	return b, nil
}

func (c *exprCache) compile(src string) (*vm.Program, error) {
	c.mu.RLock()
	prog, ok := c.programs[src]
	c.mu.RUnlock()
	if ok {
		return prog, nil
	}
	prog, err := expr.Compile(src,
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.programs[src] = prog
	c.mu.Unlock()
	return prog, nil
}
