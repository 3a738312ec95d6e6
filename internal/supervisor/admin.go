package supervisor

import (
	"context"
	"time"

	"github.com/nerrad567/gray-logic-appd/internal/state"
)

// TimerMirror reflects scheduler entries into the admin namespace as
// scheduler_callback.<handle> entities. It satisfies the scheduler's
// AdminRecorder hook.
type TimerMirror struct {
	store *state.Store
	log   Logger
}

// NewTimerMirror creates a mirror writing into the store's admin
// namespace.
func NewTimerMirror(store *state.Store, log Logger) *TimerMirror {
	if log == nil {
		log = noopLogger{}
	}
	return &TimerMirror{store: store, log: log}
}

func timerEntity(handle string) string {
	return "scheduler_callback." + handle
}

// TimerAdded records a new entry.
func (t *TimerMirror) TimerAdded(handle, app string, due time.Time, repeat bool) {
	err := t.store.AddEntity(context.Background(), state.NamespaceAdmin, timerEntity(handle), "pending",
		map[string]any{
			"app":    app,
			"due":    due,
			"repeat": repeat,
		})
	if err != nil {
		t.log.Debug("timer mirror add failed", "handle", handle, "error", err)
	}
}

// TimerUpdated moves an entry's next fire time, after a repeat restart
// or reset.
func (t *TimerMirror) TimerUpdated(handle string, due time.Time) {
	_, err := t.store.Set(context.Background(), state.NamespaceAdmin, timerEntity(handle), state.SetOptions{
		State:      "pending",
		HasState:   true,
		Attributes: map[string]any{"due": due},
	})
	if err != nil {
		t.log.Debug("timer mirror update failed", "handle", handle, "error", err)
	}
}

// TimerRemoved drops the entity once the entry is gone.
func (t *TimerMirror) TimerRemoved(handle string) {
	if err := t.store.RemoveEntity(context.Background(), state.NamespaceAdmin, timerEntity(handle)); err != nil {
		t.log.Debug("timer mirror remove failed", "handle", handle, "error", err)
	}
}
