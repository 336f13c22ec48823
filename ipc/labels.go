package ipc

import (
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
)

// labelRegistry is the master-side mapping from label to the set of
// connections currently advertising it. It is recomputable at any time by
// scanning every connection's label set; it exists as cached derived state
// because label lookups are on the hot path of every directed send.
type labelRegistry struct {
	mu      sync.RWMutex
	byLabel map[string]mapset.Set[*Connection]
}

func newLabelRegistry() *labelRegistry {
	return &labelRegistry{byLabel: make(map[string]mapset.Set[*Connection])}
}

// setLabels replaces c's label set wholesale and keeps the registry
// consistent with it.
func (r *labelRegistry) setLabels(c *Connection, labels []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, old := range c.Labels() {
		if set, ok := r.byLabel[old]; ok {
			set.Remove(c)
			if set.Cardinality() == 0 {
				delete(r.byLabel, old)
			}
		}
	}
	c.setLabels(labels)
	for _, l := range labels {
		set, ok := r.byLabel[l]
		if !ok {
			set = mapset.NewSet[*Connection]()
			r.byLabel[l] = set
		}
		set.Add(c)
	}
}

// connectionsByLabel returns the current set of connections advertising
// label. The returned set is a snapshot copy safe to range over without
// holding the registry lock.
func (r *labelRegistry) connectionsByLabel(label string) mapset.Set[*Connection] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.byLabel[label]
	if !ok {
		return mapset.NewSet[*Connection]()
	}
	return set.Clone()
}

// remove drops c from every label it advertised, e.g. on connection close.
func (r *labelRegistry) remove(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range c.Labels() {
		if set, ok := r.byLabel[l]; ok {
			set.Remove(c)
			if set.Cardinality() == 0 {
				delete(r.byLabel, l)
			}
		}
	}
}
