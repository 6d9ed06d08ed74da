package session

import (
	"strings"
	"sync"
)

// DependencySet records the namespaces already shipped on one connection.
// It is created when a connection is accepted and dropped with it; it is
// never shared between connections.
type DependencySet struct {
	mu    sync.RWMutex
	items map[string]struct{}
	order []string
}

func NewDependencySet() *DependencySet {
	return &DependencySet{
		items: make(map[string]struct{}),
	}
}

// Add records name and reports whether it was new. A name is added at most once.
func (d *DependencySet) Add(name string) bool {
	key := strings.TrimSpace(name)
	if key == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.items[key]; ok {
		return false
	}
	d.items[key] = struct{}{}
	d.order = append(d.order, key)
	return true
}

// AddAll records every name in order.
func (d *DependencySet) AddAll(names []string) {
	for _, name := range names {
		d.Add(name)
	}
}

func (d *DependencySet) Contains(name string) bool {
	key := strings.TrimSpace(name)
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.items[key]
	return ok
}

func (d *DependencySet) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.items)
}

// List returns the shipped names in the order they were added.
func (d *DependencySet) List() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}
