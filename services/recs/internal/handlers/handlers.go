// Package handlers exposes the recs HTTP API.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/example/vidfeed/internal/platform/analytics"
	"github.com/example/vidfeed/internal/platform/api"
	"github.com/example/vidfeed/internal/platform/auth"
	"github.com/example/vidfeed/internal/platform/httpserver"
	"github.com/example/vidfeed/internal/platform/logging"
	"github.com/example/vidfeed/internal/recommend"
	"github.com/example/vidfeed/services/recs/internal/affinity"
	"github.com/example/vidfeed/services/recs/internal/feed"
	"github.com/example/vidfeed/services/recs/internal/store"
)

// Deps are the collaborators of every route.
type Deps struct {
	Feed      *feed.Service
	Tracker   *affinity.Tracker
	Stores    store.Stores
	Analytics *analytics.Publisher
	// CatalogChanged runs after an admin catalog write.
	CatalogChanged func(ctx context.Context)
	Log            *zap.Logger
}

// Mount registers the /v1 routes on r. limit runs ahead of authentication
// and may be nil.
func Mount(r chi.Router, d Deps, verifier auth.JWTVerifier, limit func(http.Handler) http.Handler) {
	d.Log = logging.OrNop(d.Log)
	r.Route("/v1", func(r chi.Router) {
		if limit != nil {
			r.Use(limit)
		}
		r.Use(auth.RequireUser(verifier))

		r.Get("/feed", GetFeed(d))
		r.Get("/items/{item_id}/score", GetItemScore(d))
		r.Put("/items/{item_id}/like", SetLike(d, true))
		r.Delete("/items/{item_id}/like", SetLike(d, false))
		r.Post("/watch", RecordWatch(d))
		r.Get("/me/tags", GetMyTags(d))
		r.Get("/me/stats", GetMyStats(d))
		r.Get("/me/watches", GetMyWatches(d))

		r.With(auth.RequireAdmin).Put("/admin/catalog", UpsertCatalog(d))
	})
}

// requestUser returns the caller or writes 401.
func requestUser(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	rid := httpserver.RequestIDFromContext(r.Context())
	uid, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		api.Unauthorized(w, "UNAUTHORIZED", "authentication required", rid)
		return "", rid, false
	}
	return uid, rid, true
}

type feedResponse struct {
	Items      []feedEntry `json:"items"`
	NextCursor string      `json:"next_cursor,omitempty"`
	Total      int         `json:"total"`
}

type feedEntry struct {
	Item      recommend.Item      `json:"item"`
	Score     float64             `json:"score"`
	Breakdown recommend.Breakdown `json:"breakdown"`
}

// GetFeed handles GET /v1/feed
func GetFeed(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, rid, ok := requestUser(w, r)
		if !ok {
			return
		}
		limit, ok := queryLimit(r)
		if !ok {
			api.BadRequest(w, "INVALID_LIMIT", "limit must be a positive integer", rid, nil)
			return
		}
		cursor := strings.TrimSpace(r.URL.Query().Get("cursor"))

		page, err := d.Feed.Page(r.Context(), uid, limit, cursor)
		if err != nil {
			if errors.Is(err, feed.ErrInvalidCursor) {
				api.BadRequest(w, "INVALID_CURSOR", "cursor is invalid", rid, nil)
				return
			}
			d.Log.Error("feed page failed", zap.String("user_id", uid), zap.String("request_id", rid), zap.Error(err))
			api.Internal(w, rid)
			return
		}

		resp := feedResponse{Items: make([]feedEntry, len(page.Items)), NextCursor: page.NextCursor, Total: page.Total}
		ids := make([]string, len(page.Items))
		for i, s := range page.Items {
			resp.Items[i] = feedEntry{Item: s.Item, Score: s.Breakdown.Score, Breakdown: s.Breakdown}
			ids[i] = s.Item.ID
		}
		d.Analytics.FeedServed(uid, ids, page.Cached)
		api.WriteJSON(w, http.StatusOK, resp)
	}
}

// GetItemScore handles GET /v1/items/{item_id}/score
func GetItemScore(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, rid, ok := requestUser(w, r)
		if !ok {
			return
		}
		itemID := strings.TrimSpace(chi.URLParam(r, "item_id"))
		if itemID == "" {
			api.BadRequest(w, "MISSING_ID", "item_id is required", rid, nil)
			return
		}
		scored, err := d.Feed.Score(r.Context(), uid, itemID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				api.NotFound(w, "ITEM_NOT_FOUND", "item not found", rid)
				return
			}
			d.Log.Error("score failed", zap.String("item_id", itemID), zap.String("request_id", rid), zap.Error(err))
			api.Internal(w, rid)
			return
		}
		api.WriteJSON(w, http.StatusOK, scored)
	}
}

type likeResponse struct {
	ItemID string `json:"item_id"`
	Liked  bool   `json:"liked"`
}

// SetLike handles PUT and DELETE /v1/items/{item_id}/like
func SetLike(d Deps, liked bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, rid, ok := requestUser(w, r)
		if !ok {
			return
		}
		itemID := strings.TrimSpace(chi.URLParam(r, "item_id"))
		if itemID == "" {
			api.BadRequest(w, "MISSING_ID", "item_id is required", rid, nil)
			return
		}
		if _, err := d.Stores.Catalog.GetItem(r.Context(), itemID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				api.NotFound(w, "ITEM_NOT_FOUND", "item not found", rid)
				return
			}
			api.Internal(w, rid)
			return
		}
		if err := d.Stores.Likes.SetLiked(r.Context(), uid, itemID, liked); err != nil {
			d.Log.Error("set like failed", zap.String("item_id", itemID), zap.String("request_id", rid), zap.Error(err))
			api.Internal(w, rid)
			return
		}
		d.Analytics.ItemLiked(uid, itemID, liked)
		api.WriteJSON(w, http.StatusOK, likeResponse{ItemID: itemID, Liked: liked})
	}
}

type watchRequest struct {
	ItemID        string   `json:"item_id"`
	WatchProgress *float64 `json:"watch_progress"`
}

type watchResponse struct {
	Applied     bool                  `json:"applied"`
	Updates     []recommend.TagUpdate `json:"updates"`
	FlushFailed bool                  `json:"flush_failed"`
}

// RecordWatch handles POST /v1/watch
func RecordWatch(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, rid, ok := requestUser(w, r)
		if !ok {
			return
		}
		var req watchRequest
		if !decodeJSON(w, r, rid, &req) {
			return
		}
		if strings.TrimSpace(req.ItemID) == "" || req.WatchProgress == nil {
			api.BadRequest(w, "INVALID_WATCH", "item_id and watch_progress are required", rid, nil)
			return
		}

		res, err := d.Tracker.RecordWatch(r.Context(), affinity.WatchSession{
			UserID:   uid,
			ItemID:   strings.TrimSpace(req.ItemID),
			Progress: *req.WatchProgress,
		})
		if err != nil {
			switch {
			case errors.Is(err, affinity.ErrInvalidSession):
				api.BadRequest(w, "INVALID_WATCH", err.Error(), rid, nil)
			case errors.Is(err, store.ErrNotFound):
				api.NotFound(w, "ITEM_NOT_FOUND", "item not found", rid)
			default:
				d.Log.Error("record watch failed", zap.String("user_id", uid), zap.String("request_id", rid), zap.Error(err))
				api.Internal(w, rid)
			}
			return
		}

		updates := res.Updates
		if updates == nil {
			updates = []recommend.TagUpdate{}
		}
		api.WriteJSON(w, http.StatusOK, watchResponse{
			Applied:     res.Applied,
			Updates:     updates,
			FlushFailed: res.FlushErr != nil,
		})
	}
}

type tagsResponse struct {
	Tags []feed.TagView `json:"tags"`
}

// GetMyTags handles GET /v1/me/tags
func GetMyTags(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, rid, ok := requestUser(w, r)
		if !ok {
			return
		}
		limit, ok := queryLimit(r)
		if !ok {
			api.BadRequest(w, "INVALID_LIMIT", "limit must be a positive integer", rid, nil)
			return
		}
		tags, err := d.Feed.Tags(r.Context(), uid, limit)
		if err != nil {
			d.Log.Error("list tags failed", zap.String("user_id", uid), zap.String("request_id", rid), zap.Error(err))
			api.Internal(w, rid)
			return
		}
		api.WriteJSON(w, http.StatusOK, tagsResponse{Tags: tags})
	}
}

// GetMyStats handles GET /v1/me/stats
func GetMyStats(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, rid, ok := requestUser(w, r)
		if !ok {
			return
		}
		stats, err := d.Stores.Watches.Stats(r.Context(), uid)
		if err != nil {
			d.Log.Error("watch stats failed", zap.String("user_id", uid), zap.String("request_id", rid), zap.Error(err))
			api.Internal(w, rid)
			return
		}
		api.WriteJSON(w, http.StatusOK, stats)
	}
}

type watchesResponse struct {
	Watches []store.WatchRecord `json:"watches"`
}

// GetMyWatches handles GET /v1/me/watches
func GetMyWatches(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, rid, ok := requestUser(w, r)
		if !ok {
			return
		}
		limit, ok := queryLimit(r)
		if !ok {
			api.BadRequest(w, "INVALID_LIMIT", "limit must be a positive integer", rid, nil)
			return
		}
		if limit == 0 || limit > feed.MaxPageSize {
			limit = feed.MaxPageSize
		}
		recs, err := d.Stores.Watches.ListWatches(r.Context(), uid, limit)
		if err != nil {
			d.Log.Error("list watches failed", zap.String("user_id", uid), zap.String("request_id", rid), zap.Error(err))
			api.Internal(w, rid)
			return
		}
		api.WriteJSON(w, http.StatusOK, watchesResponse{Watches: recs})
	}
}

type catalogRequest struct {
	Items []store.CatalogItem `json:"items"`
}

// UpsertCatalog handles PUT /v1/admin/catalog
func UpsertCatalog(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		var req catalogRequest
		if !decodeJSON(w, r, rid, &req) {
			return
		}
		if len(req.Items) == 0 {
			api.BadRequest(w, "EMPTY_CATALOG", "items must not be empty", rid, nil)
			return
		}
		for i, it := range req.Items {
			if strings.TrimSpace(it.ID) == "" {
				api.BadRequest(w, "MISSING_ID", "every item needs an id", rid, map[string]any{"index": i})
				return
			}
		}
		if err := d.Stores.Catalog.UpsertItems(r.Context(), req.Items); err != nil {
			d.Log.Error("catalog upsert failed", zap.String("request_id", rid), zap.Error(err))
			api.Internal(w, rid)
			return
		}
		if d.CatalogChanged != nil {
			d.CatalogChanged(r.Context())
		}
		api.WriteJSON(w, http.StatusOK, map[string]int{"upserted": len(req.Items)})
	}
}
