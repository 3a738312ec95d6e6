package worker

import (
	"sync"

	"github.com/google/uuid"
)

// Futures tracks in-flight asynchronous work (async service calls,
// running sequences) per app, so app termination can cancel everything
// the app still has going.
type Futures struct {
	mu   sync.Mutex
	apps map[string]map[string]func()
}

// NewFutures creates an empty registry.
func NewFutures() *Futures {
	return &Futures{apps: make(map[string]map[string]func())}
}

// Add registers a cancellation function under an app and returns its
// id. The owner must call Remove when the work completes on its own.
func (f *Futures) Add(app string, cancel func()) string {
	id := uuid.NewString()
	f.mu.Lock()
	bucket, ok := f.apps[app]
	if !ok {
		bucket = make(map[string]func())
		f.apps[app] = bucket
	}
	bucket[id] = cancel
	f.mu.Unlock()
	return id
}

// Remove forgets one future without cancelling it.
func (f *Futures) Remove(app, id string) {
	f.mu.Lock()
	if bucket, ok := f.apps[app]; ok {
		delete(bucket, id)
		if len(bucket) == 0 {
			delete(f.apps, app)
		}
	}
	f.mu.Unlock()
}

// Cancel cancels and forgets one future. Unknown ids are a no-op.
func (f *Futures) Cancel(app, id string) {
	f.mu.Lock()
	cancel := f.apps[app][id]
	if cancel != nil {
		delete(f.apps[app], id)
		if len(f.apps[app]) == 0 {
			delete(f.apps, app)
		}
	}
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// CancelApp cancels every future an app owns.
func (f *Futures) CancelApp(app string) {
	f.mu.Lock()
	bucket := f.apps[app]
	delete(f.apps, app)
	f.mu.Unlock()
	for _, cancel := range bucket {
		cancel()
	}
}

// Count returns the number of live futures for an app.
func (f *Futures) Count(app string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.apps[app])
}
