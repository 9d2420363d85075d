package link

import (
	"container/list"
	"sync"
)

const defaultDedupCapacity = 1024

// recentSet remembers the last N keys and evicts the oldest first.
type recentSet struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	index    map[string]*list.Element
}

func newRecentSet(capacity int) *recentSet {
	if capacity <= 0 {
		capacity = defaultDedupCapacity
	}
	return &recentSet{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element, capacity),
	}
}

// Seen records key and reports whether it was already present.
func (s *recentSet) Seen(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if elem, ok := s.index[key]; ok {
		s.order.MoveToFront(elem)
		return true
	}
	s.index[key] = s.order.PushFront(key)
	for s.order.Len() > s.capacity {
		oldest := s.order.Back()
		s.order.Remove(oldest)
		delete(s.index, oldest.Value.(string))
	}
	return false
}

func (s *recentSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}
