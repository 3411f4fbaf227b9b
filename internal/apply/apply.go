// Package apply holds one mutation strategy per change kind, a registry the
// dispatcher resolves kinds through, and the pre-persistence validator.
package apply

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"untild/internal/change"
)

// Applier performs the mutation for one change kind and reports the value
// observed immediately before the mutation. An applier either fully applies
// the new value or fails; it must never partially mutate state.
type Applier interface {
	Kind() change.Kind
	Apply(ctx context.Context, targetID, newValue string) (oldValue string, err error)
}

// ValueChecker is an optional applier interface. When implemented, the
// validator delegates value-legality checks to it at schedule time.
type ValueChecker interface {
	CheckValue(newValue string) error
}

// Registry maps change kinds to appliers. New kinds register without touching
// the dispatcher.
type Registry struct {
	mu       sync.RWMutex
	appliers map[change.Kind]Applier
}

func NewRegistry(appliers ...Applier) *Registry {
	r := &Registry{appliers: map[change.Kind]Applier{}}
	for _, a := range appliers {
		r.Register(a)
	}
	return r
}

func (r *Registry) Register(a Applier) {
	r.mu.Lock()
	r.appliers[a.Kind()] = a
	r.mu.Unlock()
}

func (r *Registry) Get(kind change.Kind) (Applier, bool) {
	r.mu.RLock()
	a, ok := r.appliers[kind]
	r.mu.RUnlock()
	return a, ok
}

func (r *Registry) Kinds() []change.Kind {
	r.mu.RLock()
	kinds := make([]change.Kind, 0, len(r.appliers))
	for k := range r.appliers {
		kinds = append(kinds, k)
	}
	r.mu.RUnlock()
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// CheckValue validates newValue for kind, delegating to the applier's own
// check where available.
func (r *Registry) CheckValue(kind change.Kind, newValue string) error {
	a, ok := r.Get(kind)
	if !ok {
		return fmt.Errorf("%w: %q", change.ErrUnsupportedKind, kind)
	}
	if vc, ok := a.(ValueChecker); ok {
		return vc.CheckValue(newValue)
	}
	if strings.TrimSpace(newValue) == "" {
		return fmt.Errorf("%w: empty value", change.ErrIllegalValue)
	}
	return nil
}
