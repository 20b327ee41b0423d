package broker

import (
	"fmt"
	"sort"
	"sync"
)

// Constructor builds a fresh adapter instance from venue-specific settings.
// Each subscription gets its own instance so fill streams stay isolated.
type Constructor func(settings map[string]string) (Adapter, error)

var (
	regMu        sync.RWMutex
	constructors = map[string]Constructor{}
)

// Register makes a venue available by name. Panics on duplicates so wiring
// mistakes surface at startup.
func Register(name string, ctor Constructor) {
	regMu.Lock()
	defer regMu.Unlock()
	if _, dup := constructors[name]; dup {
		panic(fmt.Sprintf("broker: duplicate registration of venue %q", name))
	}
	constructors[name] = ctor
}

// New instantiates an adapter for the named venue.
func New(name string, settings map[string]string) (Adapter, error) {
	regMu.RLock()
	ctor, ok := constructors[name]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("broker: unknown venue %q", name)
	}
	return ctor(settings)
}

// Venues returns the registered venue names, sorted.
func Venues() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(constructors))
	for name := range constructors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
