package clock

import (
	"sync"
	"time"
)

// Clock provides "now" for the whole daemon, in real time or accelerated
// "time travel" mode.
//
// In real time Now() reads the system clock. In accelerated mode the clock
// starts at a configured anchor and is advanced explicitly by the scheduler
// loop, which owns the pacing: every loop iteration adds wall-elapsed time
// multiplied by the warp factor. A warp of 0 means infinite warp; the
// scheduler jumps straight to the next due entry. A warp of 1 with a start
// time replays real pacing from a different anchor.
//
// Thread Safety:
//   - All methods are safe for concurrent use. Advance is intended to be
//     called only from the scheduler loop.
type Clock struct {
	mu       sync.RWMutex
	now      time.Time // virtual now, UTC. Zero in realtime mode.
	realtime bool
	warp     float64
	end      time.Time // zero if no end time
	location *time.Location
}

// Config describes the clock setup resolved from configuration.
type Config struct {
	// Start is the virtual anchor. Zero means realtime.
	Start time.Time

	// End stops the daemon when the virtual clock reaches it. Zero means
	// run forever.
	End time.Time

	// Warp is the acceleration factor. Ignored in realtime mode.
	Warp float64

	// Location is the configured local timezone.
	Location *time.Location
}

// New creates a Clock. The clock is realtime unless a start anchor is set
// or the warp differs from 1.
func New(cfg Config) *Clock {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}

	c := &Clock{
		realtime: cfg.Start.IsZero() && cfg.Warp == 1,
		warp:     cfg.Warp,
		end:      cfg.End,
		location: loc,
	}

	if !c.realtime {
		start := cfg.Start
		if start.IsZero() {
			start = time.Now()
		}
		c.now = start.UTC()
	}

	return c
}

// Now returns the current instant in UTC.
func (c *Clock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.realtime {
		return time.Now().UTC()
	}
	return c.now
}

// IsRealtime reports whether the clock tracks the system clock.
func (c *Clock) IsRealtime() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.realtime
}

// Warp returns the acceleration factor. 0 means infinite warp.
func (c *Clock) Warp() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.warp
}

// Advance moves the virtual clock forward. No-op in realtime mode.
func (c *Clock) Advance(d time.Duration) {
	if d < 0 {
		return
	}
	c.mu.Lock()
	if !c.realtime {
		c.now = c.now.Add(d)
		// Never overshoot a configured end; entries due after the end
		// time must not fire during the shutdown drain.
		if !c.end.IsZero() && c.now.After(c.end) {
			c.now = c.end
		}
	}
	c.mu.Unlock()
}

// JumpTo sets the virtual clock to an absolute instant. It never moves the
// clock backwards. No-op in realtime mode.
func (c *Clock) JumpTo(t time.Time) {
	c.mu.Lock()
	if !c.realtime && t.After(c.now) {
		c.now = t.UTC()
		if !c.end.IsZero() && c.now.After(c.end) {
			c.now = c.end
		}
	}
	c.mu.Unlock()
}

// End returns the configured end time, or zero when running forever.
func (c *Clock) End() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.end
}

// Ended reports whether the end time is set and has been reached.
func (c *Clock) Ended() bool {
	c.mu.RLock()
	end := c.end
	c.mu.RUnlock()
	if end.IsZero() {
		return false
	}
	return !c.Now().Before(end)
}

// Location returns the configured local timezone.
func (c *Clock) Location() *time.Location {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.location
}

// SetLocation replaces the local timezone. Used when the zone arrives late
// from plugin metadata.
func (c *Clock) SetLocation(loc *time.Location) {
	if loc == nil {
		return
	}
	c.mu.Lock()
	c.location = loc
	c.mu.Unlock()
}

// Localize converts an instant into the configured zone.
func (c *Clock) Localize(t time.Time) time.Time {
	return t.In(c.Location())
}

// DSTOffset returns the UTC offset of the configured zone at the given
// instant. Comparing the offset at two instants detects a DST transition
// between them.
func (c *Clock) DSTOffset(t time.Time) time.Duration {
	_, offset := t.In(c.Location()).Zone()
	return time.Duration(offset) * time.Second
}

// IsDST reports whether the given instant falls within daylight saving in
// the configured zone.
func (c *Clock) IsDST(t time.Time) bool {
	return t.In(c.Location()).IsDST()
}

// NextDSTTransition searches forward from base for the instant within
// limit at which the zone offset changes. Returns the duration from
// base to the transition, or limit if there is none.
//
// Hourly probes find the changed window (offsets hold far longer than
// an hour between transitions), then a bisection narrows it to the
// scheduler's one-second timer precision.
func (c *Clock) NextDSTTransition(base time.Time, limit time.Duration) time.Duration {
	if limit <= 0 {
		return limit
	}
	current := c.DSTOffset(base)

	lo, hi := time.Duration(0), limit
	found := false
	for p := time.Hour; p < limit; p += time.Hour {
		if c.DSTOffset(base.Add(p)) != current {
			lo, hi, found = p-time.Hour, p, true
			break
		}
		lo = p
	}
	if !found && c.DSTOffset(base.Add(limit)) == current {
		return limit
	}

	for hi-lo > time.Second {
		mid := lo + (hi-lo)/2
		if c.DSTOffset(base.Add(mid)) != current {
			hi = mid
		} else {
			lo = mid
		}
	}
	return hi
}
