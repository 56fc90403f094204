package capability

import "sync"

// Space manages locally served objects. Each managed object gets a fresh
// capability from the allocator, through which it can later be resolved.
type Space struct {
	alloc *Allocator

	mu      sync.RWMutex
	objects map[Badge]any
}

// NewSpace creates a Space drawing badges from alloc.
func NewSpace(alloc *Allocator) *Space {
	return &Space{
		alloc:   alloc,
		objects: make(map[Badge]any),
	}
}

// Manage registers obj and returns the capability that names it.
func (s *Space) Manage(obj any) Cap {
	c := s.alloc.Alloc()

	s.mu.Lock()
	s.objects[c.Badge] = obj
	s.mu.Unlock()

	return c
}

// Dissolve removes the object named by c. Dissolving an unknown capability
// does nothing.
func (s *Space) Dissolve(c Cap) {
	s.mu.Lock()
	delete(s.objects, c.Badge)
	s.mu.Unlock()
}

// Lookup returns the object named by c.
func (s *Space) Lookup(c Cap) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[c.Badge]
	return obj, ok
}

// Resolve returns the object named by c if it is a T.
func Resolve[T any](s *Space, c Cap) (T, bool) {
	var zero T

	obj, ok := s.Lookup(c)
	if !ok {
		return zero, false
	}

	t, ok := obj.(T)
	if !ok {
		return zero, false
	}

	return t, true
}
