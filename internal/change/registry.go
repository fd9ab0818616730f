package change

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Factory returns a zero value of a concrete change, ready to be filled from a
// stored payload. It must return a pointer.
type Factory func() Change

type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

func (r *Registry) Register(kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

func (r *Registry) Get(kind string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[kind]
	return f, ok
}

func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// New builds a change of the given kind from its JSON parameters.
func (r *Registry) New(kind string, params json.RawMessage) (Change, error) {
	f, ok := r.Get(kind)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	c := f()
	if len(params) > 0 {
		if err := json.Unmarshal(params, c); err != nil {
			return nil, fmt.Errorf("%w: decode %s params: %v", ErrInvalidChange, kind, err)
		}
	}
	return c, nil
}

// Decode rehydrates the concrete change stored in a record.
func (r *Registry) Decode(p *PendingChange) (Change, error) {
	return r.New(p.Kind, p.Payload)
}
