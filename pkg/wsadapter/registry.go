package wsadapter

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sammck-go/wsproxy/pkg/wsproto"
	wsshare "github.com/sammck-go/wsproxy/share"
)

// Factory produces the Adapter for one registered connection kind
type Factory func(logger wsshare.Logger, opts Options) (Adapter, error)

// Registry maps connection kind names to adapter factories. Kinds registered here take
// precedence over the built-in tcp, http and https adapters.
type Registry struct {
	mu        sync.Mutex
	factories map[wsproto.Kind]Factory
}

// NewRegistry creates an empty Registry
func NewRegistry() *Registry {
	return &Registry{factories: make(map[wsproto.Kind]Factory)}
}

// Register adds a factory for kind. Registering the same kind twice is an error.
func (r *Registry) Register(kind wsproto.Kind, f Factory) error {
	if kind == "" {
		return fmt.Errorf("cannot register an empty connection kind")
	}
	if f == nil {
		return fmt.Errorf("nil factory for connection kind %q", kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[kind]; ok {
		return fmt.Errorf("connection kind %q already registered", kind)
	}
	r.factories[kind] = f
	return nil
}

// Kinds returns the registered kind names, sorted
func (r *Registry) Kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	return kinds
}

// Resolve instantiates every registered adapter, then fills in the built-in adapters for
// kinds nobody registered. It is called once when a dispatcher starts.
func (r *Registry) Resolve(logger wsshare.Logger, opts Options) (*Set, error) {
	s := &Set{adapters: make(map[wsproto.Kind]Adapter)}
	if r != nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		for kind, f := range r.factories {
			a, err := f(logger, opts)
			if err != nil {
				return nil, fmt.Errorf("adapter for connection kind %q: %s", kind, err)
			}
			s.adapters[kind] = a
			logger.DLogf("Registered adapter for connection kind %q", kind)
		}
	}
	for _, a := range []Adapter{NewTCPAdapter(opts), NewHTTPAdapter(opts), NewHTTPSAdapter(opts)} {
		if _, ok := s.adapters[a.Kind()]; !ok {
			s.adapters[a.Kind()] = a
		}
	}
	return s, nil
}

// Set is the resolved, immutable kind to adapter mapping used by a dispatcher
type Set struct {
	adapters map[wsproto.Kind]Adapter
}

// Get returns the adapter for kind
func (s *Set) Get(kind wsproto.Kind) (Adapter, bool) {
	a, ok := s.adapters[kind]
	return a, ok
}

// Kinds returns every kind the set can open, sorted
func (s *Set) Kinds() []string {
	kinds := make([]string, 0, len(s.adapters))
	for k := range s.adapters {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	return kinds
}
