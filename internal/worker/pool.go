package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-appd/internal/callback"
)

var (
	// ErrPinOutOfRange is returned when a job names a thread outside
	// the pool.
	ErrPinOutOfRange = errors.New("worker: pin thread out of range")

	// ErrNoUnpinnedThreads is returned when an unpinned job arrives but
	// every thread is reserved for pinned apps.
	ErrNoUnpinnedThreads = errors.New("worker: no unpinned threads available")

	// ErrStopped is returned by Submit after Stop.
	ErrStopped = errors.New("worker: pool stopped")

	// ErrQueueFull is returned when the target thread's queue has no
	// room. Blocking here instead would let a callback that fires
	// events deadlock against the dispatch loop.
	ErrQueueFull = errors.New("worker: thread queue full")
)

// Distribution selects how unpinned jobs pick a thread.
type Distribution string

const (
	RoundRobin Distribution = "roundrobin"
	Random     Distribution = "random"
	Load       Distribution = "load"
)

// Logger is the minimal logging surface the pool needs.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Job is one callback invocation routed to a worker thread.
type Job struct {
	App  string
	Kind callback.Kind
	// Name describes the callback for diagnostics and thread stats.
	Name string
	Pin  callback.Pin

	// Validate runs at the last instant before Invoke; returning false
	// drops the job. Used to discard callbacks cancelled mid-flight or
	// owned by a stale app instance.
	Validate func() bool
	// Invoke runs the user handler with sanitized arguments.
	Invoke func()
	// Done runs after a successful Invoke for executed bookkeeping.
	Done func()
}

// ThreadInfo is a point-in-time view of one worker thread.
type ThreadInfo struct {
	ID       int
	Alive    bool
	Busy     bool
	Callback string
	Started  time.Time
	Queued   int
}

type thread struct {
	id   int
	jobs chan Job

	mu       sync.Mutex
	alive    bool
	busy     bool
	callback string
	started  time.Time
}

// Pool is the fixed set of worker threads. Threads [0, pinThreads)
// serve pinned apps; unpinned jobs are distributed over the rest.
// Each thread owns one bounded FIFO queue and never steals.
type Pool struct {
	threads    []*thread
	pinThreads int
	dist       Distribution
	log        Logger

	mu      sync.Mutex
	next    int // round-robin cursor
	stopped bool

	quit chan struct{}
	wg   sync.WaitGroup

	fired    atomic.Int64
	executed atomic.Int64
	busy     atomic.Int64
	maxBusy  atomic.Int64

	// nowFn supplies timestamps for thread stats; the runtime passes
	// the warped clock so simulated runs produce simulated stats.
	nowFn func() time.Time
}

// Options configures a Pool.
type Options struct {
	TotalThreads int
	PinThreads   int
	Distribution Distribution
	QueueSize    int
	Logger       Logger
	Now          func() time.Time
}

// New creates a pool. Start must be called before Submit.
func New(opts Options) *Pool {
	log := opts.Logger
	if log == nil {
		log = noopLogger{}
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 100
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	p := &Pool{
		threads:    make([]*thread, opts.TotalThreads),
		pinThreads: opts.PinThreads,
		dist:       opts.Distribution,
		log:        log,
		next:       opts.PinThreads,
		quit:       make(chan struct{}),
		nowFn:      now,
	}
	for i := range p.threads {
		p.threads[i] = &thread{
			id:   i,
			jobs: make(chan Job, opts.QueueSize),
		}
	}
	return p
}

// Start launches the worker threads.
func (p *Pool) Start() {
	for _, t := range p.threads {
		p.spawn(t)
	}
	p.log.Debug("worker pool started",
		"threads", len(p.threads), "pin_threads", p.pinThreads)
}

func (p *Pool) spawn(t *thread) {
	t.mu.Lock()
	t.alive = true
	t.mu.Unlock()
	p.wg.Add(1)
	go p.run(t)
}

// run is one worker thread's loop. A panic escaping the job-level
// recovery marks the thread dead; the supervisor replaces it.
func (p *Pool) run(t *thread) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			t.mu.Lock()
			t.alive = false
			t.busy = false
			t.mu.Unlock()
			p.log.Error("worker thread died", "thread", t.id, "panic", fmt.Sprint(r))
		}
	}()
	for {
		select {
		case <-p.quit:
			return
		case job := <-t.jobs:
			p.execute(t, job)
			// Finish the current job, then honour a pending stop
			// before dequeuing another.
			select {
			case <-p.quit:
				return
			default:
			}
		}
	}
}

// execute runs one job with panic isolation.
func (p *Pool) execute(t *thread, job Job) {
	if job.Validate != nil && !job.Validate() {
		p.log.Debug("dropping stale callback", "app", job.App, "callback", job.Name)
		return
	}

	t.mu.Lock()
	t.busy = true
	t.callback = job.Name
	t.started = p.nowFn()
	t.mu.Unlock()

	busy := p.busy.Add(1)
	for {
		high := p.maxBusy.Load()
		if busy <= high || p.maxBusy.CompareAndSwap(high, busy) {
			break
		}
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				p.log.Error("unexpected error in callback",
					"app", job.App, "callback", job.Name,
					"kind", string(job.Kind), "panic", fmt.Sprint(r))
			}
		}()
		job.Invoke()
		if job.Done != nil {
			job.Done()
		}
		p.executed.Add(1)
	}()

	p.busy.Add(-1)
	t.mu.Lock()
	t.busy = false
	t.callback = ""
	t.mu.Unlock()
}

// Submit routes a job to a thread. Pinned jobs go to their pinned
// thread; a missing pin routes to thread 0 with a warning. Unpinned
// jobs are distributed over [pin_threads, N) by the configured policy.
// A full queue rejects the job with ErrQueueFull; Submit never blocks.
func (p *Pool) Submit(job Job) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrStopped
	}

	var id int
	if job.Pin.PinApp {
		id = job.Pin.Thread
		if id == -1 {
			p.log.Warn("invalid thread for pinned callback, assigning to thread 0",
				"app", job.App)
			id = 0
		}
		if id < 0 || id >= len(p.threads) {
			p.mu.Unlock()
			return fmt.Errorf("%w: thread %d of %d in app %s",
				ErrPinOutOfRange, id, len(p.threads), job.App)
		}
	} else {
		if p.pinThreads >= len(p.threads) {
			p.mu.Unlock()
			return fmt.Errorf("%w: %d threads, %d pinned",
				ErrNoUnpinnedThreads, len(p.threads), p.pinThreads)
		}
		switch p.dist {
		case Load:
			id = p.minQueueThread()
		case Random:
			id = p.pinThreads + rand.Intn(len(p.threads)-p.pinThreads)
		default:
			id = p.next
			p.next++
			if p.next >= len(p.threads) {
				p.next = p.pinThreads
			}
		}
	}
	t := p.threads[id]
	p.mu.Unlock()

	select {
	case t.jobs <- job:
	default:
		return fmt.Errorf("%w: thread %d, app %s", ErrQueueFull, id, job.App)
	}
	p.fired.Add(1)
	return nil
}

// minQueueThread picks the least-loaded unpinned thread. Caller holds
// p.mu.
func (p *Pool) minQueueThread() int {
	best := p.pinThreads
	for i := p.pinThreads + 1; i < len(p.threads); i++ {
		if len(p.threads[i].jobs) < len(p.threads[best].jobs) {
			best = i
		}
	}
	return best
}

// Stop lets each thread finish its current job and exit. Queued jobs
// are dropped.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mu.Unlock()
	close(p.quit)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for workers: %w", ctx.Err())
	}
}

// ReplaceDead respawns any thread whose goroutine died. Returns the
// ids replaced. Called by the supervisor on its tick.
func (p *Pool) ReplaceDead() []int {
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		return nil
	}
	var replaced []int
	for _, t := range p.threads {
		t.mu.Lock()
		dead := !t.alive
		t.mu.Unlock()
		if dead {
			p.log.Error("replacing dead worker thread", "thread", t.id)
			p.spawn(t)
			replaced = append(replaced, t.id)
		}
	}
	return replaced
}

// Snapshot reports per-thread state for the supervisor and the
// diagnostics dump.
func (p *Pool) Snapshot() []ThreadInfo {
	infos := make([]ThreadInfo, len(p.threads))
	for i, t := range p.threads {
		t.mu.Lock()
		infos[i] = ThreadInfo{
			ID:       t.id,
			Alive:    t.alive,
			Busy:     t.busy,
			Callback: t.callback,
			Started:  t.started,
			Queued:   len(t.jobs),
		}
		t.mu.Unlock()
	}
	return infos
}

// TotalQueued sums all queue depths.
func (p *Pool) TotalQueued() int {
	n := 0
	for _, t := range p.threads {
		n += len(t.jobs)
	}
	return n
}

// Size returns the thread count.
func (p *Pool) Size() int { return len(p.threads) }

// PinThreads returns the size of the pinned subrange.
func (p *Pool) PinThreads() int { return p.pinThreads }

// Fired returns the number of jobs handed to threads.
func (p *Pool) Fired() int64 { return p.fired.Load() }

// Executed returns the number of handler invocations completed.
func (p *Pool) Executed() int64 { return p.executed.Load() }

// CurrentBusy returns how many threads are mid-callback.
func (p *Pool) CurrentBusy() int64 { return p.busy.Load() }

// MaxBusy returns the high-water mark of concurrently busy threads.
func (p *Pool) MaxBusy() int64 { return p.maxBusy.Load() }

// Dump enumerates thread state for the diagnostics signal.
func (p *Pool) Dump() []string {
	lines := make([]string, 0, len(p.threads))
	for _, info := range p.Snapshot() {
		state := "idle"
		if info.Busy {
			state = fmt.Sprintf("running %s since %s",
				info.Callback, info.Started.Format(time.RFC3339))
		}
		if !info.Alive {
			state = "dead"
		}
		lines = append(lines, fmt.Sprintf("thread-%d: %s, queued=%d",
			info.ID, state, info.Queued))
	}
	return lines
}
