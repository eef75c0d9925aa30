// Package store holds the persistence contracts of the recs service and
// their in-memory and Postgres implementations.
package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/example/vidfeed/internal/recommend"
)

// ErrNotFound is returned when a catalog item does not exist.
var ErrNotFound = errors.New("not found")

// CatalogItem is a catalog entry shared by all users.
type CatalogItem struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Tags          []string  `json:"tags"`
	ViewCount     int64     `json:"view_count"`
	DownloadCount int64     `json:"download_count"`
	CommentCount  int64     `json:"comment_count"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// WatchRecord is one ended watch session.
type WatchRecord struct {
	UserID    string    `json:"user_id"`
	ItemID    string    `json:"item_id"`
	Progress  float64   `json:"watch_progress"`
	Tags      []string  `json:"tags"`
	WatchedAt time.Time `json:"watched_at"`
}

// TagCount is how many qualifying sessions touched a tag.
type TagCount struct {
	Name     string `json:"name"`
	Sessions int    `json:"sessions"`
}

// WatchStats summarizes a user's watch history.
type WatchStats struct {
	Sessions        int        `json:"sessions"`
	Qualifying      int        `json:"qualifying"`
	Completed       int        `json:"completed"`
	AverageProgress float64    `json:"average_progress"`
	DistinctItems   int        `json:"distinct_items"`
	LastWatchedAt   *time.Time `json:"last_watched_at,omitempty"`
	TopTags         []TagCount `json:"top_tags"`
}

const (
	// CompletedProgress is the progress at which a session counts as a full watch.
	CompletedProgress = 0.9

	topTagsLimit = 5
)

// CatalogStore persists the shared catalog. ListItems returns items in
// insertion order.
type CatalogStore interface {
	ListItems(ctx context.Context) ([]CatalogItem, error)
	GetItem(ctx context.Context, id string) (CatalogItem, error)
	UpsertItems(ctx context.Context, items []CatalogItem) error
}

// TagDelta adds Inc to one tag's score. LastUpdated only moves forward.
type TagDelta struct {
	Name        string
	Inc         float64
	LastUpdated time.Time
}

// TagStore persists per-user tag affinity. AddTags applies every delta
// atomically against the stored score, so concurrent writers never lose an
// increment.
type TagStore interface {
	LoadTags(ctx context.Context, userID string) ([]recommend.Tag, error)
	AddTags(ctx context.Context, userID string, deltas []TagDelta) error
}

// LikeStore persists per-user likes.
type LikeStore interface {
	SetLiked(ctx context.Context, userID, itemID string, liked bool) error
	LikedItemIDs(ctx context.Context, userID string) (map[string]struct{}, error)
}

// WatchStore persists watch history. ListWatches returns newest first.
type WatchStore interface {
	RecordWatch(ctx context.Context, rec WatchRecord) error
	ListWatches(ctx context.Context, userID string, limit int) ([]WatchRecord, error)
	Stats(ctx context.Context, userID string) (WatchStats, error)
}

// Stores bundles every store the service needs.
type Stores struct {
	Catalog CatalogStore
	Tags    TagStore
	Likes   LikeStore
	Watches WatchStore
}

// summarize folds watch records into stats. Records may be in any order.
func summarize(records []WatchRecord) WatchStats {
	stats := WatchStats{TopTags: []TagCount{}}
	if len(records) == 0 {
		return stats
	}
	items := make(map[string]struct{})
	tagSessions := make(map[string]int)
	var tagOrder []string
	var total float64
	for _, r := range records {
		stats.Sessions++
		total += r.Progress
		items[r.ItemID] = struct{}{}
		if r.Progress >= CompletedProgress {
			stats.Completed++
		}
		if r.Progress > recommend.WatchThreshold {
			stats.Qualifying++
			for _, name := range r.Tags {
				if _, ok := tagSessions[name]; !ok {
					tagOrder = append(tagOrder, name)
				}
				tagSessions[name]++
			}
		}
		if stats.LastWatchedAt == nil || r.WatchedAt.After(*stats.LastWatchedAt) {
			at := r.WatchedAt
			stats.LastWatchedAt = &at
		}
	}
	stats.AverageProgress = total / float64(stats.Sessions)
	stats.DistinctItems = len(items)
	stats.TopTags = topTags(tagOrder, tagSessions)
	return stats
}

func topTags(order []string, counts map[string]int) []TagCount {
	out := make([]TagCount, 0, len(order))
	for _, name := range order {
		out = append(out, TagCount{Name: name, Sessions: counts[name]})
	}
	sortTagCounts(out)
	if len(out) > topTagsLimit {
		out = out[:topTagsLimit]
	}
	return out
}

// sortTagCounts orders by descending sessions, then by name.
func sortTagCounts(tc []TagCount) {
	sort.SliceStable(tc, func(i, j int) bool {
		if tc[i].Sessions != tc[j].Sessions {
			return tc[i].Sessions > tc[j].Sessions
		}
		return tc[i].Name < tc[j].Name
	})
}
