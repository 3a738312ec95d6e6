package app

import (
	"fmt"
	"sync"
)

// App is the contract every automation app implements. Initialize runs
// after dependencies are up; register callbacks and timers there.
// Terminate runs with all of the app's callbacks, timers and futures
// already cancelled.
type App interface {
	Initialize(api *API) error
	Terminate()
}

// Factory builds a fresh app value for one definition.
type Factory func() App

var (
	classMu sync.RWMutex
	classes = make(map[string]Factory)
)

// RegisterClass makes a factory available under a class name.
// Typically called from an init function in the app's package.
// Panics on duplicates: two packages claiming one class is a
// programming error.
func RegisterClass(class string, f Factory) {
	classMu.Lock()
	defer classMu.Unlock()
	if _, exists := classes[class]; exists {
		panic(fmt.Sprintf("app class %q registered twice", class))
	}
	classes[class] = f
}

func lookupClass(class string) (Factory, bool) {
	classMu.RLock()
	defer classMu.RUnlock()
	f, ok := classes[class]
	return f, ok
}
