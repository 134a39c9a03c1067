package asset

// ═══════════════════════════════════════════════════════════════════════════════
// REGISTRY - In-memory profile lookup, loaded from persistence at startup
// ═══════════════════════════════════════════════════════════════════════════════

import (
	"fmt"
	"sync"
)

// Registry holds asset profiles keyed by canonical symbol. Profiles are
// loaded once at startup and refreshed through Persistence; readers on
// the hot path never touch the database.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
	aliases  map[string]string // broker alias → canonical
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		profiles: make(map[string]*Profile),
		aliases:  make(map[string]string),
	}
}

// Put adds or replaces a profile. The symbol is normalized before
// insertion so the registry only ever holds canonical keys.
func (r *Registry) Put(p *Profile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	canon := Normalize(p.Symbol)
	p.Symbol = canon
	r.profiles[canon] = p
	if p.BrokerAlias != "" && p.BrokerAlias != canon {
		r.aliases[p.BrokerAlias] = canon
	}
}

// Get retrieves a profile by symbol, resolving broker aliases and
// non-canonical spellings.
func (r *Registry) Get(symbol string) (*Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.profiles[symbol]; ok {
		return p, nil
	}
	if canon, ok := r.aliases[symbol]; ok {
		return r.profiles[canon], nil
	}
	if p, ok := r.profiles[Normalize(symbol)]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("asset: no profile for symbol %q", symbol)
}

// Has reports whether a profile exists for the symbol.
func (r *Registry) Has(symbol string) bool {
	_, err := r.Get(symbol)
	return err == nil
}

// Enabled returns all enabled profiles, for the scanner fan-out.
func (r *Registry) Enabled() []*Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Profile
	for _, p := range r.profiles {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out
}

// Count returns the number of registered profiles.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.profiles)
}
