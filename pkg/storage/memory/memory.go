// Package memory provides an in-memory implementation of transport.RunStore
// for tests and single-instance deployments. Run records are lost when the
// process restarts. Optional LRU eviction bounds memory usage.
package memory

import (
	"container/list"
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/rhuss/mcpbridge/pkg/api"
	"github.com/rhuss/mcpbridge/pkg/storage"
	"github.com/rhuss/mcpbridge/pkg/transport"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// entry holds a stored run and its position in the LRU list.
type entry struct {
	rec     *api.RunRecord
	lruElem *list.Element
}

// Store is an in-memory RunStore with optional LRU eviction.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	lruList *list.List // front = most recently used
	maxSize int        // 0 = unlimited
}

// Ensure Store implements transport.RunStore at compile time.
var _ transport.RunStore = (*Store)(nil)

// New creates a new in-memory store. If maxSize is 0, the store grows
// without limit. Otherwise the least recently used record is evicted once
// the limit is reached.
func New(maxSize int) *Store {
	return &Store{
		entries: make(map[string]*entry),
		lruList: list.New(),
		maxSize: maxSize,
	}
}

// SaveRun stores a run record. Records are append-only: saving an existing
// ID returns storage.ErrConflict.
func (s *Store) SaveRun(_ context.Context, rec *api.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[rec.ID]; exists {
		return storage.ErrConflict
	}

	if s.maxSize > 0 && len(s.entries) >= s.maxSize {
		s.evictOldest()
	}

	s.entries[rec.ID] = &entry{
		rec:     rec,
		lruElem: s.lruList.PushFront(rec.ID),
	}
	return nil
}

// GetRun retrieves a run by ID and marks it as recently used.
func (s *Store) GetRun(_ context.Context, id string) (*api.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	s.lruList.MoveToFront(e.lruElem)
	return e.rec, nil
}

// ListRuns returns stored runs ordered by creation time, optionally filtered
// by model, with cursor-based pagination. Listing does not affect LRU order.
func (s *Store) ListRuns(_ context.Context, opts transport.ListOptions) (*transport.RunList, error) {
	s.mu.Lock()
	matches := make([]*api.RunRecord, 0, len(s.entries))
	for _, e := range s.entries {
		if opts.Model != "" && e.rec.Model != opts.Model {
			continue
		}
		matches = append(matches, e.rec)
	}
	s.mu.Unlock()

	asc := opts.Order == "asc"
	slices.SortFunc(matches, func(a, b *api.RunRecord) int {
		c := compareRuns(a, b)
		if asc {
			return c
		}
		return -c
	})

	if opts.After != "" {
		idx := slices.IndexFunc(matches, func(r *api.RunRecord) bool { return r.ID == opts.After })
		if idx >= 0 {
			matches = matches[idx+1:]
		} else {
			matches = nil
		}
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	limit = min(limit, maxListLimit)

	hasMore := len(matches) > limit
	if hasMore {
		matches = matches[:limit]
	}

	result := &transport.RunList{
		Object:  api.ObjectList,
		Data:    matches,
		HasMore: hasMore,
	}
	if len(matches) > 0 {
		result.FirstID = matches[0].ID
		result.LastID = matches[len(matches)-1].ID
	} else {
		result.Data = []*api.RunRecord{}
	}
	return result, nil
}

// compareRuns orders by creation time, then ID.
func compareRuns(a, b *api.RunRecord) int {
	switch {
	case a.CreatedAt < b.CreatedAt:
		return -1
	case a.CreatedAt > b.CreatedAt:
		return 1
	}
	return strings.Compare(a.ID, b.ID)
}

// Len returns the number of stored runs.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// HealthCheck always returns nil for the in-memory store.
func (s *Store) HealthCheck(_ context.Context) error {
	return nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error {
	return nil
}

// evictOldest removes the least recently used entry.
// Must be called with s.mu held.
func (s *Store) evictOldest() {
	back := s.lruList.Back()
	if back == nil {
		return
	}
	id := back.Value.(string)
	s.lruList.Remove(back)
	delete(s.entries, id)
}
