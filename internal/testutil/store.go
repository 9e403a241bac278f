// Package testutil provides a generic in-memory store and
// tenant/environment context helpers for unit tests that run without a
// real Postgres/DynamoDB/Redis backend.
package testutil

import (
	"context"
	"sync"

	ierr "github.com/flowbill/entitlements/internal/errors"
	"github.com/flowbill/entitlements/internal/types"
)

// InMemoryStore is a generic, ID-keyed, tenant/environment-aware store
// supplying CRUD primitives.
type InMemoryStore[T any] struct {
	mu    sync.RWMutex
	items map[string]T
}

// NewInMemoryStore constructs an empty store.
func NewInMemoryStore[T any]() *InMemoryStore[T] {
	return &InMemoryStore[T]{items: make(map[string]T)}
}

// Create inserts a new item, failing if id already exists.
func (s *InMemoryStore[T]) Create(_ context.Context, id string, item T) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[id]; exists {
		return ierr.NewErrorf("item with id %q already exists", id).Mark(ierr.ErrAlreadyExists)
	}
	s.items[id] = item
	return nil
}

// Get returns the item for id, or ErrNotFound.
func (s *InMemoryStore[T]) Get(_ context.Context, id string) (T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, exists := s.items[id]
	if !exists {
		var zero T
		return zero, ierr.NewErrorf("item with id %q not found", id).Mark(ierr.ErrNotFound)
	}
	return item, nil
}

// Update replaces the item at id, failing if it does not exist.
func (s *InMemoryStore[T]) Update(_ context.Context, id string, item T) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[id]; !exists {
		return ierr.NewErrorf("item with id %q not found", id).Mark(ierr.ErrNotFound)
	}
	s.items[id] = item
	return nil
}

// Delete removes the item at id.
func (s *InMemoryStore[T]) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[id]; !exists {
		return ierr.NewErrorf("item with id %q not found", id).Mark(ierr.ErrNotFound)
	}
	delete(s.items, id)
	return nil
}

// All returns a snapshot copy of every stored item, in no particular
// order; callers needing tenant/environment scoping or pagination
// filter this themselves (see CheckEnvironmentFilter).
func (s *InMemoryStore[T]) All(_ context.Context) []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]T, 0, len(s.items))
	for _, item := range s.items {
		out = append(out, item)
	}
	return out
}

// CheckEnvironmentFilter reports whether entityEnvironmentID matches
// the environment ID carried on ctx. An empty environment ID on either
// side is treated as a wildcard, matching this codebase's convention of
// optional environment scoping for single-environment projects.
func CheckEnvironmentFilter(ctx context.Context, entityEnvironmentID string) bool {
	envID, _ := ctx.Value(types.CtxEnvironmentID).(string)
	if envID == "" || entityEnvironmentID == "" {
		return true
	}
	return envID == entityEnvironmentID
}

// Paginate applies offset/limit to results, matching this codebase's
// QueryFilter convention.
func Paginate[T any](results []T, offset, limit int) []T {
	if limit <= 0 {
		return results
	}
	if offset >= len(results) {
		return []T{}
	}
	end := offset + limit
	if end > len(results) {
		end = len(results)
	}
	return results[offset:end]
}
