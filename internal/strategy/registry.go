package strategy

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Factory builds a strategy instance from its JSON parameter blob.
type Factory func(id, symbol string, params json.RawMessage) (Strategy, error)

var (
	regMu     sync.RWMutex
	factories = map[string]Factory{}
)

// Register makes a strategy type available by name. It panics on duplicate
// registration so wiring mistakes fail at startup, not at subscription time.
func Register(typ string, f Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	if _, dup := factories[typ]; dup {
		panic(fmt.Sprintf("strategy: duplicate registration of type %q", typ))
	}
	factories[typ] = f
}

// New instantiates a fresh strategy of the given type. Every caller gets an
// independent instance; state is never shared between subscriptions.
func New(typ, id, symbol string, params json.RawMessage) (Strategy, error) {
	regMu.RLock()
	f, ok := factories[typ]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("strategy: unknown type %q", typ)
	}
	return f(id, symbol, params)
}

// Types returns the registered strategy type names, sorted.
func Types() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(factories))
	for typ := range factories {
		out = append(out, typ)
	}
	sort.Strings(out)
	return out
}

func init() {
	Register("ma_cross", newMACrossFromParams)
	Register("rsi", newRSIFromParams)
}
