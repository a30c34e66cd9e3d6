// Package memory implements every repository in process. It backs the memory
// storage mode and the service tests.
package memory

import (
	"context"
	"sort"
	"sync"

	ierr "github.com/flexprice/billingengine/internal/errors"
	"github.com/flexprice/billingengine/internal/types"
	jsoniter "github.com/json-iterator/go"
)

// FilterFunc is a generic filter function type
type FilterFunc[T any] func(ctx context.Context, item T) bool

// LessFunc orders listed items
type LessFunc[T any] func(a, b T) bool

// Store is a generic tenant scoped in-memory store
type Store[T any] struct {
	mu    sync.RWMutex
	items map[string]T
	copy  func(T) T
	scope func(T) (string, string)
	name  string
}

// NewStore creates a store. copyFn isolates stored values from callers.
func NewStore[T any](name string, copyFn func(T) T, scopeFn func(T) (string, string)) *Store[T] {
	return &Store[T]{
		items: make(map[string]T),
		copy:  copyFn,
		scope: scopeFn,
		name:  name,
	}
}

func (s *Store[T]) Create(ctx context.Context, id string, item T) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.items[id]; exists {
		return ierr.NewError(s.name+" already exists").
			WithHintf("A %s with this id already exists", s.name).
			WithReportableDetails(map[string]any{"id": id}).
			Mark(ierr.ErrAlreadyExists)
	}
	s.items[id] = s.copy(item)
	return nil
}

func (s *Store[T]) Get(ctx context.Context, id string) (T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, exists := s.items[id]
	if !exists || !s.visible(ctx, item) {
		var zero T
		return zero, s.notFound(id)
	}
	return s.copy(item), nil
}

func (s *Store[T]) Update(ctx context.Context, id string, item T) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.items[id]
	if !exists || !s.visible(ctx, current) {
		return s.notFound(id)
	}
	s.items[id] = s.copy(item)
	return nil
}

// UpdateIf replaces the stored item when check accepts its current value
func (s *Store[T]) UpdateIf(ctx context.Context, id string, item T, check func(current T) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.items[id]
	if !exists || !s.visible(ctx, current) {
		return s.notFound(id)
	}
	if err := check(current); err != nil {
		return err
	}
	s.items[id] = s.copy(item)
	return nil
}

// List returns copies of the visible items matching filterFn, ordered by less
func (s *Store[T]) List(ctx context.Context, filterFn FilterFunc[T], less LessFunc[T]) []T {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []T
	for _, item := range s.items {
		if !s.visible(ctx, item) {
			continue
		}
		if filterFn == nil || filterFn(ctx, item) {
			out = append(out, s.copy(item))
		}
	}
	if less != nil {
		sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	}
	return out
}

// First returns the first listed item or a not found error
func (s *Store[T]) First(ctx context.Context, filterFn FilterFunc[T], less LessFunc[T]) (T, error) {
	items := s.List(ctx, filterFn, less)
	if len(items) == 0 {
		var zero T
		return zero, s.notFound("")
	}
	return items[0], nil
}

// Mutate applies fn to the stored item in place under the write lock
func (s *Store[T]) Mutate(ctx context.Context, id string, fn func(T) T) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, exists := s.items[id]
	if !exists || !s.visible(ctx, item) {
		return s.notFound(id)
	}
	s.items[id] = fn(item)
	return nil
}

func (s *Store[T]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]T)
}

// visible checks the tenant and environment of the item against ctx.
// An empty scope on either side matches.
func (s *Store[T]) visible(ctx context.Context, item T) bool {
	if s.scope == nil {
		return true
	}
	tenantID, envID := s.scope(item)
	return matches(types.GetTenantID(ctx), tenantID) && matches(types.GetEnvironmentID(ctx), envID)
}

func matches(want, got string) bool {
	return want == "" || got == "" || want == got
}

func (s *Store[T]) notFound(id string) error {
	return ierr.NewError(s.name+" not found").
		WithHintf("The %s was not found", s.name).
		WithReportableDetails(map[string]any{"id": id}).
		Mark(ierr.ErrNotFound)
}

func baseScope(b types.BaseModel) (string, string) {
	return b.TenantID, b.EnvironmentID
}

// clone deep copies v through json. Used for nested aggregates such as plans.
func clone[T any](v T) T {
	var out T
	data, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(v)
	if err != nil {
		return v
	}
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}
