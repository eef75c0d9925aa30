// Package feed builds ranked per-user views of the shared catalog.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/example/vidfeed/internal/platform/logging"
	"github.com/example/vidfeed/internal/recommend"
	"github.com/example/vidfeed/services/recs/internal/cache"
	"github.com/example/vidfeed/services/recs/internal/metrics"
	"github.com/example/vidfeed/services/recs/internal/store"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// TagSource yields a user's current tag snapshot.
type TagSource interface {
	Snapshot(ctx context.Context, userID string) ([]recommend.Tag, error)
}

// Page is one slice of the ranked feed.
type Page struct {
	Items      []recommend.ScoredItem `json:"items"`
	NextCursor string                 `json:"next_cursor,omitempty"`
	Total      int                    `json:"total"`
	Cached     bool                   `json:"-"`
}

// TagView is a tag with its read-time decay applied.
type TagView struct {
	Name        string     `json:"name"`
	Score       float64    `json:"score"`
	LastUpdated *time.Time `json:"last_updated,omitempty"`
	Weight      float64    `json:"decay_weight"`
	Effective   float64    `json:"effective_score"`
}

// Service joins the catalog with per-user likes and tags.
type Service struct {
	engine   *recommend.Engine
	catalog  store.CatalogStore
	likes    store.LikeStore
	tags     TagSource
	cache    cache.Cache
	log      *zap.Logger
	now      func() time.Time
	pageSize int
}

// Option configures a Service.
type Option func(*Service)

// WithCache puts c in front of the catalog listing.
func WithCache(c cache.Cache) Option {
	return func(s *Service) { s.cache = c }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Service) { s.log = logging.OrNop(log) }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithPageSize sets the default page size, capped at MaxPageSize.
func WithPageSize(n int) Option {
	return func(s *Service) { s.pageSize = clampLimit(n, DefaultPageSize) }
}

func NewService(engine *recommend.Engine, catalog store.CatalogStore, likes store.LikeStore, tags TagSource, opts ...Option) *Service {
	s := &Service{
		engine:   engine,
		catalog:  catalog,
		likes:    likes,
		tags:     tags,
		log:      zap.NewNop(),
		now:      time.Now,
		pageSize: DefaultPageSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func clampLimit(n, fallback int) int {
	if n <= 0 {
		return fallback
	}
	if n > MaxPageSize {
		return MaxPageSize
	}
	return n
}

// Catalog returns the shared catalog, from cache when possible. Cache
// failures degrade to the store.
func (s *Service) Catalog(ctx context.Context) ([]store.CatalogItem, bool, error) {
	if s.cache != nil {
		var items []store.CatalogItem
		ok, err := s.cache.Get(ctx, cache.KeyCatalogItems, &items)
		if err != nil {
			s.log.Warn("catalog cache get failed", zap.Error(err))
		}
		metrics.RecordCache(ok)
		if ok {
			return items, true, nil
		}
	}
	items, err := s.catalog.ListItems(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("list catalog: %w", err)
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, cache.KeyCatalogItems, items); err != nil {
			s.log.Warn("catalog cache set failed", zap.Error(err))
		}
	}
	return items, false, nil
}

// InvalidateCatalog drops the cached listing.
func (s *Service) InvalidateCatalog(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Delete(ctx, cache.KeyCatalogItems)
}

type userView struct {
	liked map[string]struct{}
	tags  map[string]recommend.Tag
}

func (s *Service) view(ctx context.Context, userID string) (userView, error) {
	liked, err := s.likes.LikedItemIDs(ctx, userID)
	if err != nil {
		return userView{}, fmt.Errorf("liked items: %w", err)
	}
	snap, err := s.tags.Snapshot(ctx, userID)
	if err != nil {
		return userView{}, fmt.Errorf("tag snapshot: %w", err)
	}
	tags := make(map[string]recommend.Tag, len(snap))
	for _, tg := range snap {
		tags[tg.Name] = tg
	}
	return userView{liked: liked, tags: tags}, nil
}

// toItem builds the user's snapshot of one catalog entry. Tags the user
// never touched have no LastUpdated and so contribute nothing.
func (v userView) toItem(ci store.CatalogItem) recommend.Item {
	tags := make([]recommend.Tag, 0, len(ci.Tags))
	for _, name := range ci.Tags {
		tg, ok := v.tags[name]
		if !ok {
			tg = recommend.Tag{Name: name}
		}
		tags = append(tags, tg)
	}
	_, liked := v.liked[ci.ID]
	return recommend.Item{
		ID:            ci.ID,
		Title:         ci.Title,
		Tags:          tags,
		IsLiked:       liked,
		ViewCount:     ci.ViewCount,
		DownloadCount: ci.DownloadCount,
		CommentCount:  ci.CommentCount,
	}
}

// Items returns the user's view of the catalog in catalog order.
func (s *Service) Items(ctx context.Context, userID string) ([]recommend.Item, bool, error) {
	catalog, cached, err := s.Catalog(ctx)
	if err != nil {
		return nil, false, err
	}
	v, err := s.view(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	items := make([]recommend.Item, len(catalog))
	for i, ci := range catalog {
		items[i] = v.toItem(ci)
	}
	return items, cached, nil
}

// Page ranks the user's catalog and returns limit items after cursor.
func (s *Service) Page(ctx context.Context, userID string, limit int, cursor string) (Page, error) {
	offset, err := decodeCursor(cursor)
	if err != nil {
		return Page{}, err
	}
	limit = clampLimit(limit, s.pageSize)

	items, cached, err := s.Items(ctx, userID)
	if err != nil {
		return Page{}, err
	}

	start := time.Now()
	ranked := s.engine.RankScored(items, s.now())
	metrics.ObserveRank(start)

	page := Page{Items: []recommend.ScoredItem{}, Total: len(ranked), Cached: cached}
	if offset >= len(ranked) {
		return page, nil
	}
	end := offset + limit
	if end < len(ranked) {
		page.NextCursor = encodeCursor(end)
	} else {
		end = len(ranked)
	}
	page.Items = ranked[offset:end]
	return page, nil
}

// Score explains one item's score for the user.
func (s *Service) Score(ctx context.Context, userID, itemID string) (recommend.ScoredItem, error) {
	ci, err := s.catalog.GetItem(ctx, itemID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return recommend.ScoredItem{}, err
		}
		return recommend.ScoredItem{}, fmt.Errorf("get item: %w", err)
	}
	v, err := s.view(ctx, userID)
	if err != nil {
		return recommend.ScoredItem{}, err
	}
	item := v.toItem(ci)
	return recommend.ScoredItem{Item: item, Breakdown: s.engine.Explain(item, s.now())}, nil
}

// Tags lists the user's tags by descending effective score.
func (s *Service) Tags(ctx context.Context, userID string, limit int) ([]TagView, error) {
	snap, err := s.tags.Snapshot(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("tag snapshot: %w", err)
	}
	now := s.now()
	out := make([]TagView, 0, len(snap))
	for _, tg := range snap {
		w := recommend.DecayWeight(tg.LastUpdated, s.engine.DecayBaseDays(), now)
		out = append(out, TagView{
			Name:        tg.Name,
			Score:       tg.Score,
			LastUpdated: tg.LastUpdated,
			Weight:      w,
			Effective:   tg.Score * w,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Effective > out[j].Effective })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
