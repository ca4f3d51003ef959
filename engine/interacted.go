package engine

import (
	"container/list"
	"sync"
)

// DefaultInteractedCapacity bounds the interacted set.
const DefaultInteractedCapacity = 1000

// InteractedSet remembers candidate ids that were acted on. When full, the
// oldest id is evicted.
type InteractedSet struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	index    map[string]*list.Element
}

// NewInteractedSet creates an empty set holding up to capacity ids. A
// non-positive capacity selects DefaultInteractedCapacity.
func NewInteractedSet(capacity int) *InteractedSet {
	if capacity <= 0 {
		capacity = DefaultInteractedCapacity
	}
	return &InteractedSet{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element, capacity),
	}
}

// Contains reports whether id is in the set.
func (s *InteractedSet) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.index[id]
	return ok
}

// Add inserts id and returns the evicted id, if any. Adding an id that is
// already present does not refresh its position.
func (s *InteractedSet) Add(id string) (evicted string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[id]; ok {
		return ""
	}
	s.index[id] = s.order.PushBack(id)
	if s.order.Len() > s.capacity {
		oldest := s.order.Front()
		s.order.Remove(oldest)
		evicted = oldest.Value.(string)
		delete(s.index, evicted)
	}
	return evicted
}

// Len returns the number of ids held.
func (s *InteractedSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

// IDs returns the members oldest first.
func (s *InteractedSet) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, s.order.Len())
	for e := s.order.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(string))
	}
	return out
}
