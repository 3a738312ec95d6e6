package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-appd/internal/astro"
	"github.com/nerrad567/gray-logic-appd/internal/callback"
	"github.com/nerrad567/gray-logic-appd/internal/clock"
)

// idleDelay caps the sleep when no entries exist. The first pass uses a
// short delay so early registrations are not skipped over in
// accelerated runs.
const (
	firstIdleDelay = time.Second
	idleDelay      = 60 * time.Second
)

// Logger is the minimal logging surface the scheduler needs.
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

// DispatchFunc hands one due entry to the dispatch pipeline. The entry
// is a copy; the scheduler's own bookkeeping is not shared.
type DispatchFunc func(e Entry)

// AdminRecorder mirrors timer lifecycle into the admin namespace.
// All methods must be cheap and non-blocking.
type AdminRecorder interface {
	TimerAdded(handle, app string, due time.Time, repeat bool)
	TimerUpdated(handle string, due time.Time)
	TimerRemoved(handle string)
}

// SunEvent pegs an entry to solar geometry rather than a fixed
// interval.
type SunEvent struct {
	// Direction selects rising or setting.
	Direction astro.Direction
	// Degrees is the target elevation. Ignored when Horizon is true.
	Degrees float64
	// Horizon selects plain sunrise/sunset.
	Horizon bool
}

// Entry is one scheduled fire.
type Entry struct {
	Handle string
	App    string
	AppID  string

	// Due is the absolute fire time (UTC, offset already applied).
	Due time.Time
	// Basetime is the unoffset peg; repeats advance it by Interval.
	Basetime time.Time
	// BasetimeInterval is the original now→due span, used by Reset.
	BasetimeInterval time.Duration

	Interval    time.Duration
	Repeat      bool
	Offset      time.Duration
	RandomStart time.Duration
	RandomEnd   time.Duration
	Sun         *SunEvent

	Pin     callback.Pin
	Kwargs  *callback.Kwargs
	Handler callback.TimerFunc

	seq uint64
}

// InsertOptions carries the optional fields of an insert.
type InsertOptions struct {
	Repeat      bool
	Interval    time.Duration
	Offset      time.Duration
	RandomStart time.Duration
	RandomEnd   time.Duration
	Sun         *SunEvent
	Pin         callback.Pin
	Kwargs      *callback.Kwargs
}

// Scheduler owns the timer set and the single wakeup loop. External
// writers take the lock briefly and kick the loop; the loop holds the
// lock only while scanning or rewriting entries, never while firing.
type Scheduler struct {
	mu       sync.Mutex
	schedule map[string]map[string]*Entry
	seq      uint64

	clock    *clock.Clock
	sunMu    sync.RWMutex
	sun      *astro.Location
	dispatch DispatchFunc
	admin    AdminRecorder
	log      Logger
	maxSkew  time.Duration

	kick chan struct{}
}

// Options configures a Scheduler.
type Options struct {
	Clock        *clock.Clock
	Sun          *astro.Location // may be nil until plugin metadata arrives
	Logger       Logger
	Admin        AdminRecorder
	MaxClockSkew time.Duration
}

// New creates a scheduler. SetDispatch must be called before Run.
func New(opts Options) *Scheduler {
	log := opts.Logger
	if log == nil {
		log = noopLogger{}
	}
	return &Scheduler{
		schedule: make(map[string]map[string]*Entry),
		clock:    opts.Clock,
		sun:      opts.Sun,
		admin:    opts.Admin,
		log:      log,
		maxSkew:  opts.MaxClockSkew,
		kick:     make(chan struct{}, 1),
	}
}

// SetDispatch installs the dispatch pipeline hook.
func (s *Scheduler) SetDispatch(fn DispatchFunc) {
	s.dispatch = fn
}

// SetSun installs the solar location once known (config or plugin
// metadata).
func (s *Scheduler) SetSun(sun *astro.Location) {
	s.sunMu.Lock()
	s.sun = sun
	s.sunMu.Unlock()
}

// Sun returns the configured solar location, or nil.
func (s *Scheduler) Sun() *astro.Location {
	s.sunMu.RLock()
	defer s.sunMu.RUnlock()
	return s.sun
}

// Kick cancels the loop's current sleep so it recomputes its wakeup.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Insert schedules a fire at an absolute time and returns its handle.
// The random window, when set, draws a fresh offset per fire.
func (s *Scheduler) Insert(app, appID string, at time.Time, fn callback.TimerFunc, opts InsertOptions) (string, error) {
	if opts.Sun != nil && s.Sun() == nil {
		return "", ErrNoSun
	}
	now := s.clock.Now()
	at = at.UTC()
	// A repeating start in the past begins at the next interval, it
	// does not replay the missed fires.
	if opts.Repeat && opts.Interval > 0 && at.Before(now) {
		at = now.Add(opts.Interval)
	}
	offset := drawOffset(opts.Offset, opts.RandomStart, opts.RandomEnd)
	due := at.Add(offset)

	e := &Entry{
		Handle:           uuid.NewString(),
		App:              app,
		AppID:            appID,
		Due:              due,
		Basetime:         at.UTC(),
		BasetimeInterval: due.Sub(now),
		Interval:         opts.Interval,
		Repeat:           opts.Repeat,
		Offset:           offset,
		RandomStart:      opts.RandomStart,
		RandomEnd:        opts.RandomEnd,
		Sun:              opts.Sun,
		Pin:              opts.Pin,
		Kwargs:           opts.Kwargs,
		Handler:          fn,
	}
	if e.Kwargs == nil {
		e.Kwargs = &callback.Kwargs{}
	}

	s.mu.Lock()
	s.seq++
	e.seq = s.seq
	bucket, ok := s.schedule[app]
	if !ok {
		bucket = make(map[string]*Entry)
		s.schedule[app] = bucket
	}
	bucket[e.Handle] = e
	s.mu.Unlock()

	if s.admin != nil {
		s.admin.TimerAdded(e.Handle, app, e.Due, e.Repeat)
	}
	s.log.Debug("timer inserted", "app", app, "handle", e.Handle,
		"due", e.Due, "repeat", e.Repeat)
	s.Kick()
	return e.Handle, nil
}

// InsertSun schedules the next occurrence of a sun event.
func (s *Scheduler) InsertSun(app, appID string, event SunEvent, repeat bool, fn callback.TimerFunc, opts InsertOptions) (string, error) {
	sun := s.Sun()
	if sun == nil {
		return "", ErrNoSun
	}
	opts.Sun = &event
	opts.Repeat = repeat
	next := s.nextSunEvent(sun, &event, s.clock.Now())
	return s.Insert(app, appID, next, fn, opts)
}

// Cancel removes an entry. Unknown handles warn and report false.
func (s *Scheduler) Cancel(app, handle string) bool {
	s.mu.Lock()
	removed := s.removeLocked(app, handle)
	s.mu.Unlock()

	if !removed {
		s.log.Warn("cancel of unknown timer handle", "app", app, "handle", handle)
		return false
	}
	if s.admin != nil {
		s.admin.TimerRemoved(handle)
	}
	s.Kick()
	return true
}

// removeLocked deletes one entry; caller holds s.mu.
func (s *Scheduler) removeLocked(app, handle string) bool {
	bucket, ok := s.schedule[app]
	if !ok {
		return false
	}
	if _, present := bucket[handle]; !present {
		return false
	}
	delete(bucket, handle)
	if len(bucket) == 0 {
		delete(s.schedule, app)
	}
	return true
}

// Reset recomputes an entry's due time as now plus its original
// registration delay. Sun timers cannot be reset.
func (s *Scheduler) Reset(app, handle string) error {
	s.mu.Lock()
	defer func() {
		s.mu.Unlock()
		s.Kick()
	}()
	e, ok := s.schedule[app][handle]
	if !ok {
		s.log.Warn("reset of unknown timer handle", "app", app, "handle", handle)
		return fmt.Errorf("%w: %s", ErrUnknownHandle, handle)
	}
	if e.Sun != nil {
		s.log.Warn("reset of sun timer refused", "app", app, "handle", handle)
		return ErrSunTimer
	}
	e.Due = s.clock.Now().Add(e.BasetimeInterval)
	if s.admin != nil {
		s.admin.TimerUpdated(handle, e.Due)
	}
	return nil
}

// Info returns a copy of a running entry.
func (s *Scheduler) Info(app, handle string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.schedule[app][handle]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Running reports whether a handle has a live timer.
func (s *Scheduler) Running(app, handle string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.schedule[app][handle]
	return ok
}

// ClearApp removes every timer an app owns. Used on terminate.
func (s *Scheduler) ClearApp(app string) {
	s.mu.Lock()
	bucket := s.schedule[app]
	handles := make([]string, 0, len(bucket))
	for h := range bucket {
		handles = append(handles, h)
	}
	delete(s.schedule, app)
	s.mu.Unlock()

	if s.admin != nil {
		for _, h := range handles {
			s.admin.TimerRemoved(h)
		}
	}
	if len(handles) > 0 {
		s.Kick()
	}
}

// Count returns the number of live entries.
func (s *Scheduler) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, bucket := range s.schedule {
		n += len(bucket)
	}
	return n
}

// Dump enumerates the schedule for the diagnostics signal.
func (s *Scheduler) Dump() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	apps := make([]string, 0, len(s.schedule))
	for app := range s.schedule {
		apps = append(apps, app)
	}
	sort.Strings(apps)
	var lines []string
	for _, app := range apps {
		entries := make([]*Entry, 0, len(s.schedule[app]))
		for _, e := range s.schedule[app] {
			entries = append(entries, e)
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
		lines = append(lines, fmt.Sprintf("%s: %d timers", app, len(entries)))
		for _, e := range entries {
			kind := "interval"
			if e.Sun != nil {
				kind = "sun " + e.Sun.Direction.String()
			}
			lines = append(lines, fmt.Sprintf("  %s %s due=%s repeat=%t",
				e.Handle, kind, e.Due.Format(time.RFC3339), e.Repeat))
		}
	}
	return lines
}

// Run drives the wakeup loop until the context is cancelled or the
// configured end time passes. On cancellation, entries already due are
// drained before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.clock.IsRealtime() {
		s.log.Info("scheduler running in realtime")
	} else {
		s.log.Info("scheduler running with time warp",
			"warp", s.clock.Warp(), "start", s.clock.Now())
	}

	idle := firstIdleDelay
	lastOffset := s.clock.DSTOffset(s.clock.Now())
	lastWall := time.Now()

	for {
		select {
		case <-ctx.Done():
			s.drainDue()
			return nil
		default:
		}
		if s.clock.Ended() {
			s.log.Info("end time reached, exiting")
			s.drainDue()
			return ErrEndTimeReached
		}

		now := s.clock.Now()

		// DST re-peg: keep the intended local wall-clock time of every
		// non-sun entry across the offset change. Sun entries recompute
		// from geometry on their next restart.
		offset := s.clock.DSTOffset(now)
		if offset != lastOffset {
			s.log.Info("daylight saving transition detected",
				"old_offset", lastOffset, "new_offset", offset)
			s.repegEntries(lastOffset - offset)
			lastOffset = offset
		}

		s.fireDue(now)

		delay := s.nextDelay(now, idle)
		idle = idleDelay

		// Wake at a DST transition even if no entry is due before it,
		// so the re-peg above runs before anything fires late.
		delay = s.clock.NextDSTTransition(now, delay)

		kicked, err := s.sleep(ctx, delay)
		if err != nil {
			s.drainDue()
			return nil
		}

		// Advance virtual time; in realtime Advance is a no-op and Now
		// tracks the system clock.
		if !s.clock.IsRealtime() {
			if kicked {
				elapsed := time.Since(lastWall)
				s.clock.Advance(time.Duration(float64(elapsed) * s.clock.Warp()))
			} else {
				s.clock.Advance(delay)
			}
		} else if !kicked && s.maxSkew > 0 {
			drift := time.Since(lastWall) - delay
			if drift > s.maxSkew {
				s.log.Warn("scheduler clock skew detected", "drift", drift)
			}
		}
		lastWall = time.Now()
	}
}

// sleep waits for the delay scaled by the warp factor. Returns
// kicked=true when an insert/cancel interrupted the wait.
func (s *Scheduler) sleep(ctx context.Context, delay time.Duration) (bool, error) {
	wall := delay
	if !s.clock.IsRealtime() {
		warp := s.clock.Warp()
		if warp == 0 {
			// Infinite warp: no sleeping, but yield briefly so inserts
			// and shutdown get a chance to land.
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-s.kick:
				return true, nil
			case <-time.After(time.Millisecond):
				return false, nil
			}
		}
		wall = time.Duration(float64(delay) / warp)
	}
	if wall <= 0 {
		return false, nil
	}
	timer := time.NewTimer(wall)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-s.kick:
		return true, nil
	case <-timer.C:
		return false, nil
	}
}

// repegEntries shifts every non-sun entry by delta (old offset minus
// new offset, applied in UTC).
func (s *Scheduler) repegEntries(delta time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, bucket := range s.schedule {
		for _, e := range bucket {
			if e.Sun != nil {
				continue
			}
			e.Due = e.Due.Add(delta)
			e.Basetime = e.Basetime.Add(delta)
		}
	}
}

// dueEntries snapshots entries with due <= now, ordered by due time
// then insertion.
func (s *Scheduler) dueEntries(now time.Time) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []Entry
	for _, bucket := range s.schedule {
		for _, e := range bucket {
			if !e.Due.After(now) {
				due = append(due, *e)
			}
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].Due.Equal(due[j].Due) {
			return due[i].seq < due[j].seq
		}
		return due[i].Due.Before(due[j].Due)
	})
	return due
}

// fireDue dispatches every entry at or past now, then restarts or
// removes it.
func (s *Scheduler) fireDue(now time.Time) {
	for _, e := range s.dueEntries(now) {
		// Revalidate: the entry may have been cancelled by a previous
		// fire in this same batch.
		s.mu.Lock()
		live, ok := s.schedule[e.App][e.Handle]
		if !ok {
			s.mu.Unlock()
			continue
		}
		snapshot := *live
		s.mu.Unlock()

		if s.dispatch != nil {
			s.dispatch(snapshot)
		}

		if snapshot.Repeat {
			s.restart(&snapshot, now)
		} else {
			s.mu.Lock()
			s.removeLocked(snapshot.App, snapshot.Handle)
			s.mu.Unlock()
			if s.admin != nil {
				s.admin.TimerRemoved(snapshot.Handle)
			}
		}
	}
}

// restart rewrites a repeating entry's due time. Sun entries recompute
// from geometry; fixed-interval entries advance the basetime and draw
// a fresh offset when a random window is configured.
func (s *Scheduler) restart(e *Entry, now time.Time) {
	var due, base time.Time
	offset := drawOffset(e.Offset, e.RandomStart, e.RandomEnd)
	if e.Sun != nil {
		sun := s.Sun()
		base = s.nextSunEvent(sun, e.Sun, now)
		due = base.Add(offset)
	} else {
		base = e.Basetime.Add(e.Interval)
		// Skip intervals the loop never saw (suspend, heavy warp)
		// instead of firing once per missed slot. Advancing on the
		// basetime grid keeps the original phase.
		if e.Interval > 0 && !base.After(now) {
			missed := int64(now.Sub(base)/e.Interval) + 1
			base = base.Add(time.Duration(missed) * e.Interval)
		}
		due = base.Add(offset)
	}

	s.mu.Lock()
	live, ok := s.schedule[e.App][e.Handle]
	if ok {
		live.Basetime = base
		live.Due = due
		live.Offset = offset
	}
	s.mu.Unlock()
	if ok && s.admin != nil {
		s.admin.TimerUpdated(e.Handle, due)
	}
}

// drainDue fires anything already due. Called once during shutdown so
// entries that matured before the stop are not lost.
func (s *Scheduler) drainDue() {
	now := s.clock.Now()
	for _, e := range s.dueEntries(now) {
		s.mu.Lock()
		_, ok := s.schedule[e.App][e.Handle]
		if ok {
			s.removeLocked(e.App, e.Handle)
		}
		s.mu.Unlock()
		if ok && s.dispatch != nil {
			s.dispatch(e)
		}
	}
}

// nextDelay computes the time to the earliest entry, or the idle cap.
func (s *Scheduler) nextDelay(now time.Time, idle time.Duration) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var next time.Time
	for _, bucket := range s.schedule {
		for _, e := range bucket {
			if next.IsZero() || e.Due.Before(next) {
				next = e.Due
			}
		}
	}
	if next.IsZero() {
		return idle
	}
	delay := next.Sub(now)
	if delay < 0 {
		return 0
	}
	return delay
}

// nextSunEvent resolves the next occurrence of a sun event after the
// given instant.
func (s *Scheduler) nextSunEvent(sun *astro.Location, event *SunEvent, after time.Time) time.Time {
	if sun == nil {
		// Guarded at insert time; a nil here means the location was
		// cleared mid-run, which does not happen.
		return after.Add(24 * time.Hour)
	}
	if event.Horizon {
		if event.Direction == astro.Rising {
			return sun.NextSunrise(after)
		}
		return sun.NextSunset(after)
	}
	return sun.NextTimeAtElevation(after, event.Degrees, event.Direction)
}

// drawOffset resolves the per-fire offset: fixed when set, otherwise a
// uniform draw from the random window.
func drawOffset(fixed, randomStart, randomEnd time.Duration) time.Duration {
	if fixed != 0 || (randomStart == 0 && randomEnd == 0) {
		return fixed
	}
	window := randomEnd - randomStart
	if window <= 0 {
		return randomStart
	}
	return randomStart + time.Duration(rand.Int63n(int64(window)+1))
}
