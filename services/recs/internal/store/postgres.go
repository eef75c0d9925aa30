package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/vidfeed/internal/recommend"
)

//go:embed schema.sql
var schemaSQL string

// Migrate applies the idempotent schema.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// NewPostgres returns stores backed by one shared pool.
func NewPostgres(pool *pgxpool.Pool) Stores {
	s := &PostgresStore{pool: pool}
	return Stores{Catalog: s, Tags: s, Likes: s, Watches: s}
}

// PostgresStore implements every store contract on one pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func (s *PostgresStore) ListItems(ctx context.Context) ([]CatalogItem, error) {
	const q = `SELECT id, title, tags, view_count, download_count, comment_count, updated_at
	           FROM catalog_items
	           ORDER BY seq`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	out := []CatalogItem{}
	for rows.Next() {
		var it CatalogItem
		if err := rows.Scan(&it.ID, &it.Title, &it.Tags, &it.ViewCount, &it.DownloadCount, &it.CommentCount, &it.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetItem(ctx context.Context, id string) (CatalogItem, error) {
	const q = `SELECT id, title, tags, view_count, download_count, comment_count, updated_at
	           FROM catalog_items WHERE id = $1`
	var it CatalogItem
	err := s.pool.QueryRow(ctx, q, id).Scan(&it.ID, &it.Title, &it.Tags, &it.ViewCount, &it.DownloadCount, &it.CommentCount, &it.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return CatalogItem{}, ErrNotFound
	}
	if err != nil {
		return CatalogItem{}, fmt.Errorf("get item %s: %w", id, err)
	}
	return it, nil
}

func (s *PostgresStore) UpsertItems(ctx context.Context, items []CatalogItem) error {
	if len(items) == 0 {
		return nil
	}
	const q = `INSERT INTO catalog_items (id, title, tags, view_count, download_count, comment_count, updated_at)
	           VALUES ($1, $2, $3, $4, $5, $6, now())
	           ON CONFLICT (id) DO UPDATE SET
	             title = EXCLUDED.title,
	             tags = EXCLUDED.tags,
	             view_count = EXCLUDED.view_count,
	             download_count = EXCLUDED.download_count,
	             comment_count = EXCLUDED.comment_count,
	             updated_at = now()`
	batch := &pgx.Batch{}
	for _, it := range items {
		tags := it.Tags
		if tags == nil {
			tags = []string{}
		}
		batch.Queue(q, it.ID, it.Title, tags, it.ViewCount, it.DownloadCount, it.CommentCount)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert items: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadTags(ctx context.Context, userID string) ([]recommend.Tag, error) {
	const q = `SELECT name, score, last_updated FROM tag_affinity WHERE user_id = $1 ORDER BY name`
	rows, err := s.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("load tags: %w", err)
	}
	defer rows.Close()

	out := []recommend.Tag{}
	for rows.Next() {
		var t recommend.Tag
		if err := rows.Scan(&t.Name, &t.Score, &t.LastUpdated); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// AddTags increments in one transaction. Rows are written in name order so
// concurrent flushes for the same user take row locks in the same order.
func (s *PostgresStore) AddTags(ctx context.Context, userID string, deltas []TagDelta) error {
	if len(deltas) == 0 {
		return nil
	}
	sorted := append([]TagDelta(nil), deltas...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin add tags: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const q = `INSERT INTO tag_affinity (user_id, name, score, last_updated)
	           VALUES ($1, $2, $3, $4)
	           ON CONFLICT (user_id, name) DO UPDATE SET
	             score = tag_affinity.score + EXCLUDED.score,
	             last_updated = GREATEST(tag_affinity.last_updated, EXCLUDED.last_updated)`
	batch := &pgx.Batch{}
	for _, d := range sorted {
		batch.Queue(q, userID, d.Name, d.Inc, d.LastUpdated)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("add tags: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) SetLiked(ctx context.Context, userID, itemID string, liked bool) error {
	var err error
	if liked {
		_, err = s.pool.Exec(ctx,
			`INSERT INTO item_likes (user_id, item_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			userID, itemID)
	} else {
		_, err = s.pool.Exec(ctx,
			`DELETE FROM item_likes WHERE user_id = $1 AND item_id = $2`,
			userID, itemID)
	}
	if err != nil {
		return fmt.Errorf("set liked: %w", err)
	}
	return nil
}

func (s *PostgresStore) LikedItemIDs(ctx context.Context, userID string) (map[string]struct{}, error) {
	rows, err := s.pool.Query(ctx, `SELECT item_id FROM item_likes WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("liked items: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan liked items: %w", err)
	}
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out, nil
}

func (s *PostgresStore) RecordWatch(ctx context.Context, rec WatchRecord) error {
	tags := rec.Tags
	if tags == nil {
		tags = []string{}
	}
	const q = `INSERT INTO watch_sessions (user_id, item_id, progress, tags, watched_at)
	           VALUES ($1, $2, $3, $4, $5)`
	if _, err := s.pool.Exec(ctx, q, rec.UserID, rec.ItemID, rec.Progress, tags, rec.WatchedAt); err != nil {
		return fmt.Errorf("record watch: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListWatches(ctx context.Context, userID string, limit int) ([]WatchRecord, error) {
	q := `SELECT user_id, item_id, progress, tags, watched_at
	      FROM watch_sessions
	      WHERE user_id = $1
	      ORDER BY watched_at DESC, id DESC`
	args := []any{userID}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	return s.queryWatches(ctx, q, args...)
}

// Stats aggregates in SQL. Top tags count every tag occurrence of a
// qualifying session; ties sort by byte order of the name.
func (s *PostgresStore) Stats(ctx context.Context, userID string) (WatchStats, error) {
	const totals = `SELECT count(*),
	                       count(*) FILTER (WHERE progress > $2),
	                       count(*) FILTER (WHERE progress >= $3),
	                       coalesce(avg(progress), 0),
	                       count(DISTINCT item_id),
	                       max(watched_at)
	                FROM watch_sessions
	                WHERE user_id = $1`
	stats := WatchStats{TopTags: []TagCount{}}
	err := s.pool.QueryRow(ctx, totals, userID, recommend.WatchThreshold, CompletedProgress).Scan(
		&stats.Sessions, &stats.Qualifying, &stats.Completed,
		&stats.AverageProgress, &stats.DistinctItems, &stats.LastWatchedAt)
	if err != nil {
		return WatchStats{}, fmt.Errorf("watch stats: %w", err)
	}
	if stats.Qualifying == 0 {
		return stats, nil
	}

	const top = `SELECT tag, count(*)
	             FROM watch_sessions, unnest(tags) AS tag
	             WHERE user_id = $1 AND progress > $2
	             GROUP BY tag
	             ORDER BY count(*) DESC, tag COLLATE "C"
	             LIMIT $3`
	rows, err := s.pool.Query(ctx, top, userID, recommend.WatchThreshold, topTagsLimit)
	if err != nil {
		return WatchStats{}, fmt.Errorf("top tags: %w", err)
	}
	tags, err := pgx.CollectRows(rows, pgx.RowToStructByPos[TagCount])
	if err != nil {
		return WatchStats{}, fmt.Errorf("scan top tags: %w", err)
	}
	if len(tags) > 0 {
		stats.TopTags = tags
	}
	return stats, nil
}

func (s *PostgresStore) queryWatches(ctx context.Context, q string, args ...any) ([]WatchRecord, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list watches: %w", err)
	}
	defer rows.Close()

	out := []WatchRecord{}
	for rows.Next() {
		var r WatchRecord
		if err := rows.Scan(&r.UserID, &r.ItemID, &r.Progress, &r.Tags, &r.WatchedAt); err != nil {
			return nil, fmt.Errorf("scan watch: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
