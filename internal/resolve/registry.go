package resolve

import "sync"

// Registry owns one Resolver per case.
type Registry struct {
	mu        sync.Mutex
	resolvers map[string]*Resolver
	opts      []Option
}

// NewRegistry creates a registry whose resolvers are built with opts.
func NewRegistry(opts ...Option) *Registry {
	return &Registry{
		resolvers: make(map[string]*Resolver),
		opts:      opts,
	}
}

// For returns the resolver of caseID, creating it on first use.
func (r *Registry) For(caseID string) *Resolver {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, ok := r.resolvers[caseID]
	if !ok {
		res = NewResolver(caseID, r.opts...)
		r.resolvers[caseID] = res
	}
	return res
}

// Lookup returns the resolver of caseID if one exists.
func (r *Registry) Lookup(caseID string) (*Resolver, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.resolvers[caseID]
	return res, ok
}
