// Package content defines the capabilities the scheduler needs from the host
// content system: item lookup/mutation and a principal check. The host wires
// real implementations; MemLibrary backs tests and standalone runs.
package content

import (
	"context"
	"sync"
)

// Item is the scheduler's view of one content item.
type Item struct {
	ID     string
	Title  string
	Status string
	Flags  map[string]bool
}

// Library is the target-item lookup/mutation capability.
type Library interface {
	// Get returns the item, or ok=false if it does not exist.
	Get(ctx context.Context, id string) (Item, bool, error)
	// SetStatus replaces the item's status and returns the previous one.
	SetStatus(ctx context.Context, id, status string) (old string, err error)
	// SetFlag sets a named boolean flag and returns the previous value.
	SetFlag(ctx context.Context, id, flag string, on bool) (old bool, err error)
}

// Authorizer gates cancel and maintenance actions. The permission model
// itself belongs to the host; the core only asks yes/no questions.
type Authorizer interface {
	CanEdit(principal, targetID string) bool
	CanAdminister(principal string) bool
}

// AllowAll authorizes every principal. Default when no admin list is set.
type AllowAll struct{}

func (AllowAll) CanEdit(string, string) bool { return true }
func (AllowAll) CanAdminister(string) bool   { return true }

// AdminList authorizes only the listed principals.
type AdminList []string

func (a AdminList) CanAdminister(principal string) bool {
	for _, p := range a {
		if p == principal {
			return true
		}
	}
	return false
}

func (a AdminList) CanEdit(principal, _ string) bool { return a.CanAdminister(principal) }

// MemLibrary is an in-memory Library.
type MemLibrary struct {
	mu    sync.Mutex
	items map[string]Item
}

func NewMemLibrary() *MemLibrary {
	return &MemLibrary{items: map[string]Item{}}
}

func (l *MemLibrary) Put(item Item) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if item.Flags == nil {
		item.Flags = map[string]bool{}
	}
	l.items[item.ID] = item
}

func (l *MemLibrary) Delete(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.items, id)
}

func (l *MemLibrary) Get(_ context.Context, id string) (Item, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	it, ok := l.items[id]
	return it, ok, nil
}

func (l *MemLibrary) SetStatus(_ context.Context, id, status string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	it, ok := l.items[id]
	if !ok {
		return "", ErrNoSuchItem
	}
	old := it.Status
	it.Status = status
	l.items[id] = it
	return old, nil
}

func (l *MemLibrary) SetFlag(_ context.Context, id, flag string, on bool) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	it, ok := l.items[id]
	if !ok {
		return false, ErrNoSuchItem
	}
	if it.Flags == nil {
		it.Flags = map[string]bool{}
	}
	old := it.Flags[flag]
	it.Flags[flag] = on
	l.items[id] = it
	return old, nil
}
