package state

import (
	"reflect"
	"time"
)

// Writeback selects the persistence mode for a namespace.
type Writeback string

const (
	// WritebackSafe persists every change synchronously before the write
	// call returns.
	WritebackSafe Writeback = "safe"

	// WritebackHybrid marks the namespace dirty; the supervisor drains
	// dirty namespaces to disk on its tick.
	WritebackHybrid Writeback = "hybrid"

	// WritebackNone keeps the namespace in memory only.
	WritebackNone Writeback = ""
)

// Reserved namespace names.
const (
	NamespaceAdmin    = "admin"
	NamespaceRules    = "rules"
	NamespaceServices = "_services"

	// NamespaceGlobal is the sentinel that matches any namespace in
	// subscriptions and event routing.
	NamespaceGlobal = "global"
)

// Entity is one named observable within a namespace.
type Entity struct {
	EntityID    string         `json:"entity_id"`
	State       any            `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged time.Time      `json:"last_changed"`
}

// DeepCopy returns an independent copy of the entity, including nested
// attribute structures.
func (e *Entity) DeepCopy() *Entity {
	if e == nil {
		return nil
	}
	return &Entity{
		EntityID:    e.EntityID,
		State:       deepCopyValue(e.State),
		Attributes:  deepCopyMap(e.Attributes),
		LastChanged: e.LastChanged,
	}
}

// Record returns the entity as the generic map form handed to callbacks
// and serialized into events.
func (e *Entity) Record() map[string]any {
	if e == nil {
		return nil
	}
	return map[string]any{
		"entity_id":    e.EntityID,
		"state":        deepCopyValue(e.State),
		"attributes":   deepCopyMap(e.Attributes),
		"last_changed": e.LastChanged,
	}
}

// CopyMap deep copies a string-keyed map. Event payloads are copied
// per consumer so a handler mutating nested data cannot leak into
// other callbacks or the producer.
func CopyMap(m map[string]any) map[string]any { return deepCopyMap(m) }

// deepCopyMap deep copies a string-keyed map. Nil maps stay nil.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

// deepCopyValue deep copies maps and slices; scalars are returned as-is.
func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return v
	}
}

// Equal compares two values structurally: maps and slices by
// contents, scalars by ==.
func Equal(a, b any) bool { return equalValue(a, b) }

// equalValue compares two values structurally. Used to suppress
// notifications for writes that change nothing.
func equalValue(a, b any) bool {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bval, present := bv[k]
			if !present || !equalValue(v, bval) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !equalValue(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		// == panics on uncomparable kinds (slices, maps, structs
		// containing them), and state values are caller-supplied.
		if a == nil || b == nil {
			return a == b
		}
		if !reflect.TypeOf(a).Comparable() || !reflect.TypeOf(b).Comparable() {
			return reflect.DeepEqual(a, b)
		}
		return a == b
	}
}
