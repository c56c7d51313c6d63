package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Registry maps target ids to adapters. It is filled at startup and read
// concurrently afterwards.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register binds target to a. Registering the same id twice is an error.
func (r *Registry) Register(target string, a Adapter) error {
	if target == "" {
		return errors.New("transport: empty target id")
	}
	if a == nil {
		return fmt.Errorf("transport: nil adapter for %q", target)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.adapters[target]; dup {
		return fmt.Errorf("transport: target %q already registered", target)
	}
	r.adapters[target] = a
	return nil
}

// Lookup returns the adapter bound to target.
func (r *Registry) Lookup(target string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[target]
	return a, ok
}

// Targets lists registered ids in sorted order.
func (r *Registry) Targets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Close closes every adapter implementing Closer once, even when it serves
// several targets.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.RLock()
	seen := make(map[Closer]struct{})
	var closers []Closer
	for _, a := range r.adapters {
		c, ok := a.(Closer)
		if !ok {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		closers = append(closers, c)
	}
	r.mu.RUnlock()

	var errs []error
	for _, c := range closers {
		if err := c.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
