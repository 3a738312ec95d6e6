package plugin

import "context"

// Events published by the manager on a plugin's namespace.
const (
	EventPluginStarted = "plugin_started"
	EventPluginStopped = "plugin_stopped"
)

// Metadata is what a plugin knows about its upstream's location. Zero
// fields mean the upstream does not supply that datum.
type Metadata struct {
	Latitude  float64
	Longitude float64
	Elevation float64
	TimeZone  string
}

// HasLocation reports whether the metadata can seed solar calculations.
func (m Metadata) HasLocation() bool {
	return m.TimeZone != "" && (m.Latitude != 0 || m.Longitude != 0)
}

// Sink receives a plugin's upstream traffic. The manager implements it;
// plugins call it from their receive goroutines, so implementations
// must be safe for concurrent use.
type Sink interface {
	// StateUpdate mirrors one upstream entity change into the store.
	StateUpdate(namespace, entityID string, state any, attributes map[string]any)

	// Event forwards one upstream event into the dispatch pipeline.
	Event(namespace, eventType string, data map[string]any)

	// ConnectionUp reports a regained upstream connection.
	ConnectionUp(name string)

	// ConnectionDown reports a lost upstream connection.
	ConnectionDown(name string, err error)
}

// Snapshot is one complete-state fetch: entity records keyed by entity
// id, grouped by namespace. Records carry "state" and "attributes".
type Snapshot map[string]map[string]Record

// Record is one entity's upstream value.
type Record struct {
	State      any
	Attributes map[string]any
}

// Plugin is the contract every upstream adapter implements.
type Plugin interface {
	// Name identifies the plugin instance in logs and events.
	Name() string

	// Namespace is the primary namespace the plugin owns.
	Namespace() string

	// Start connects upstream and begins streaming into sink. It
	// returns once the connection is established; the manager retries
	// on error.
	Start(ctx context.Context, sink Sink) error

	// Stop disconnects. The plugin stops calling the sink before Stop
	// returns.
	Stop() error

	// GetCompleteState fetches everything the upstream currently knows.
	GetCompleteState(ctx context.Context) (Snapshot, error)

	// GetMetadata reports the upstream's location, if it has one.
	GetMetadata() (Metadata, error)

	// CallService sends a service invocation upstream.
	CallService(ctx context.Context, namespace, domain, service string, data map[string]any) error

	// FireEvent publishes an event upstream.
	FireEvent(namespace, event string, data map[string]any) error
}
