package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/vidfeed/internal/recommend"
)

// NewMemory returns development-only in-memory stores.
// WARNING: state is lost on restart and is not shared across instances.
func NewMemory() Stores {
	return Stores{
		Catalog: NewInMemoryCatalogStore(),
		Tags:    NewInMemoryTagStore(),
		Likes:   NewInMemoryLikeStore(),
		Watches: NewInMemoryWatchStore(),
	}
}

// InMemoryCatalogStore keeps catalog items in insertion order.
type InMemoryCatalogStore struct {
	mu    sync.RWMutex
	order []string
	items map[string]CatalogItem
}

func NewInMemoryCatalogStore() *InMemoryCatalogStore {
	return &InMemoryCatalogStore{items: make(map[string]CatalogItem)}
}

func (s *InMemoryCatalogStore) ListItems(_ context.Context) ([]CatalogItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]CatalogItem, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, cloneItem(s.items[id]))
	}
	return out, nil
}

func (s *InMemoryCatalogStore) GetItem(_ context.Context, id string) (CatalogItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[id]
	if !ok {
		return CatalogItem{}, ErrNotFound
	}
	return cloneItem(it), nil
}

func (s *InMemoryCatalogStore) UpsertItems(_ context.Context, items []CatalogItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for _, it := range items {
		if _, ok := s.items[it.ID]; !ok {
			s.order = append(s.order, it.ID)
		}
		it = cloneItem(it)
		it.UpdatedAt = now
		s.items[it.ID] = it
	}
	return nil
}

func cloneItem(it CatalogItem) CatalogItem {
	it.Tags = append([]string(nil), it.Tags...)
	return it
}

// InMemoryTagStore keeps tag affinity per user.
type InMemoryTagStore struct {
	mu   sync.RWMutex
	tags map[string]map[string]recommend.Tag // userID -> name -> tag
}

func NewInMemoryTagStore() *InMemoryTagStore {
	return &InMemoryTagStore{tags: make(map[string]map[string]recommend.Tag)}
}

func (s *InMemoryTagStore) LoadTags(_ context.Context, userID string) ([]recommend.Tag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byName := s.tags[userID]
	out := make([]recommend.Tag, 0, len(byName))
	for _, t := range byName {
		if t.LastUpdated != nil {
			ts := *t.LastUpdated
			t.LastUpdated = &ts
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *InMemoryTagStore) AddTags(_ context.Context, userID string, deltas []TagDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byName := s.tags[userID]
	if byName == nil {
		byName = make(map[string]recommend.Tag)
		s.tags[userID] = byName
	}
	for _, d := range deltas {
		cur := byName[d.Name]
		cur.Name = d.Name
		cur.Score += d.Inc
		if cur.LastUpdated == nil || d.LastUpdated.After(*cur.LastUpdated) {
			ts := d.LastUpdated
			cur.LastUpdated = &ts
		}
		byName[d.Name] = cur
	}
	return nil
}

// InMemoryLikeStore keeps liked item IDs per user.
type InMemoryLikeStore struct {
	mu    sync.RWMutex
	likes map[string]map[string]struct{}
}

func NewInMemoryLikeStore() *InMemoryLikeStore {
	return &InMemoryLikeStore{likes: make(map[string]map[string]struct{})}
}

func (s *InMemoryLikeStore) SetLiked(_ context.Context, userID, itemID string, liked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.likes[userID]
	if !liked {
		delete(set, itemID)
		return nil
	}
	if set == nil {
		set = make(map[string]struct{})
		s.likes[userID] = set
	}
	set[itemID] = struct{}{}
	return nil
}

func (s *InMemoryLikeStore) LikedItemIDs(_ context.Context, userID string) (map[string]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]struct{}, len(s.likes[userID]))
	for id := range s.likes[userID] {
		out[id] = struct{}{}
	}
	return out, nil
}

// InMemoryWatchStore keeps watch history per user in arrival order.
type InMemoryWatchStore struct {
	mu      sync.RWMutex
	records map[string][]WatchRecord
}

func NewInMemoryWatchStore() *InMemoryWatchStore {
	return &InMemoryWatchStore{records: make(map[string][]WatchRecord)}
}

func (s *InMemoryWatchStore) RecordWatch(_ context.Context, rec WatchRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.Tags = append([]string(nil), rec.Tags...)
	s.records[rec.UserID] = append(s.records[rec.UserID], rec)
	return nil
}

func (s *InMemoryWatchStore) ListWatches(_ context.Context, userID string, limit int) ([]WatchRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.records[userID]
	if limit <= 0 || limit > len(recs) {
		limit = len(recs)
	}
	out := make([]WatchRecord, 0, limit)
	for i := len(recs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, recs[i])
	}
	return out, nil
}

func (s *InMemoryWatchStore) Stats(_ context.Context, userID string) (WatchStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return summarize(s.records[userID]), nil
}
