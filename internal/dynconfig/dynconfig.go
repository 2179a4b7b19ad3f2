// Package dynconfig provides runtime-changeable configuration such as the
// global convergence kill switch. Values are looked up on every call.
package dynconfig

import (
	"context"
	"sync"
)

// Service answers boolean flag lookups.
type Service interface {
	IsEnabled(ctx context.Context, key string, defaultValue bool) bool
}

// Static is an in-memory Service. It is safe for concurrent use.
type Static struct {
	mu    sync.RWMutex
	flags map[string]bool
}

// NewStatic creates a Static service seeded with flags.
func NewStatic(flags map[string]bool) *Static {
	s := &Static{flags: make(map[string]bool, len(flags))}
	for k, v := range flags {
		s.flags[k] = v
	}
	return s
}

// IsEnabled implements Service.
func (s *Static) IsEnabled(_ context.Context, key string, defaultValue bool) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.flags[key]; ok {
		return v
	}
	return defaultValue
}

// Set changes a flag.
func (s *Static) Set(key string, value bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags[key] = value
}
