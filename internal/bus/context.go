package bus

import "sync"

// ContextSpace holds per-run variable maps for the lifetime of an
// execution. Maps are created lazily and must be dropped when the run
// ends; nothing leaks between runs.
type ContextSpace struct {
	mu   sync.Mutex
	vars map[string]map[string]any
}

// NewContextSpace creates an empty space.
func NewContextSpace() *ContextSpace {
	return &ContextSpace{vars: make(map[string]map[string]any)}
}

// Set stores one variable for a run.
func (s *ContextSpace) Set(runID, key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.vars[runID]
	if !ok {
		m = make(map[string]any)
		s.vars[runID] = m
	}
	m[key] = value
}

// SetAll merges a variable map into a run's space.
func (s *ContextSpace) SetAll(runID string, vars map[string]any) {
	if len(vars) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.vars[runID]
	if !ok {
		m = make(map[string]any, len(vars))
		s.vars[runID] = m
	}
	for k, v := range vars {
		m[k] = v
	}
}

// Get reads one variable from a run's space.
func (s *ContextSpace) Get(runID, key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.vars[runID]
	if !ok {
		return nil, false
	}
	v, ok := m[key]
	return v, ok
}

// Snapshot returns a copy of a run's variables. Never nil.
func (s *ContextSpace) Snapshot(runID string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.vars[runID]))
	for k, v := range s.vars[runID] {
		out[k] = v
	}
	return out
}

// Drop discards a run's variables.
func (s *ContextSpace) Drop(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.vars, runID)
}
