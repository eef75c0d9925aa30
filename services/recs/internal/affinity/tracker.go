// Package affinity turns watch sessions into persisted tag affinity.
package affinity

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/vidfeed/internal/platform/logging"
	"github.com/example/vidfeed/internal/recommend"
	"github.com/example/vidfeed/services/recs/internal/metrics"
	"github.com/example/vidfeed/services/recs/internal/store"
)

var ErrInvalidSession = errors.New("invalid watch session")

// WatchSession is one ended or abandoned viewing of an item.
type WatchSession struct {
	UserID   string
	ItemID   string
	Progress float64
	EndedAt  time.Time
}

// Result reports what a session did to the user's affinity.
type Result struct {
	Applied bool
	Updates []recommend.TagUpdate
	// FlushErr is set when the increments were kept in memory but not
	// persisted. The next successful flush for the user carries them.
	FlushErr *FlushError
}

// FlushError is a non-fatal persistence failure.
type FlushError struct {
	UserID string
	Err    error
}

func (e *FlushError) Error() string {
	return fmt.Sprintf("flush tags for %s: %v", e.UserID, e.Err)
}

func (e *FlushError) Unwrap() error { return e.Err }

// ValidProgress rejects values that cannot be persisted. Range is not checked.
func ValidProgress(p float64) bool {
	return !math.IsNaN(p) && !math.IsInf(p, 0)
}

type userState struct {
	mu      sync.Mutex
	refs    int
	pending map[string]store.TagDelta
}

// Tracker serializes writes per user and persists affinity as increments.
// It holds only deltas that failed to flush; every read goes to the store.
type Tracker struct {
	catalog store.CatalogStore
	tags    store.TagStore
	watches store.WatchStore
	log     *zap.Logger
	now     func() time.Time

	mu    sync.Mutex
	users map[string]*userState
}

func NewTracker(catalog store.CatalogStore, tags store.TagStore, watches store.WatchStore, log *zap.Logger) *Tracker {
	return &Tracker{
		catalog: catalog,
		tags:    tags,
		watches: watches,
		log:     logging.OrNop(log),
		now:     time.Now,
		users:   make(map[string]*userState),
	}
}

// acquire returns the user's state locked.
func (t *Tracker) acquire(userID string) *userState {
	t.mu.Lock()
	st, ok := t.users[userID]
	if !ok {
		st = &userState{pending: make(map[string]store.TagDelta)}
		t.users[userID] = st
	}
	st.refs++
	t.mu.Unlock()

	st.mu.Lock()
	return st
}

// release unlocks st and drops it once nobody waits on it and nothing is
// left to flush.
func (t *Tracker) release(userID string, st *userState) {
	t.mu.Lock()
	st.refs--
	if st.refs == 0 && len(st.pending) == 0 {
		delete(t.users, userID)
	}
	t.mu.Unlock()
	st.mu.Unlock()
}

// current reads the stored tags and folds in unflushed deltas. Must be
// called with st.mu held.
func (t *Tracker) current(ctx context.Context, userID string, st *userState) (map[string]recommend.Tag, error) {
	stored, err := t.tags.LoadTags(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load tags: %w", err)
	}
	byName := make(map[string]recommend.Tag, len(stored)+len(st.pending))
	for _, tg := range stored {
		byName[tg.Name] = tg
	}
	for name, d := range st.pending {
		tg := byName[name]
		tg.Name = name
		tg.Score += d.Inc
		if tg.LastUpdated == nil || d.LastUpdated.After(*tg.LastUpdated) {
			ts := d.LastUpdated
			tg.LastUpdated = &ts
		}
		byName[name] = tg
	}
	return byName, nil
}

// RecordWatch stores the session in history and, if it clears the watch
// threshold, raises affinity for every tag of the item.
func (t *Tracker) RecordWatch(ctx context.Context, s WatchSession) (Result, error) {
	if strings.TrimSpace(s.UserID) == "" || strings.TrimSpace(s.ItemID) == "" {
		return Result{}, fmt.Errorf("%w: user and item are required", ErrInvalidSession)
	}
	if !ValidProgress(s.Progress) {
		return Result{}, fmt.Errorf("%w: progress %v", ErrInvalidSession, s.Progress)
	}

	item, err := t.catalog.GetItem(ctx, s.ItemID)
	if err != nil {
		return Result{}, fmt.Errorf("item %s: %w", s.ItemID, err)
	}
	now := s.EndedAt
	if now.IsZero() {
		now = t.now()
	}
	now = now.UTC()

	st := t.acquire(s.UserID)
	defer t.release(s.UserID, st)
	known, err := t.current(ctx, s.UserID, st)
	if err != nil {
		return Result{}, err
	}

	if err := t.watches.RecordWatch(ctx, store.WatchRecord{
		UserID:    s.UserID,
		ItemID:    s.ItemID,
		Progress:  s.Progress,
		Tags:      item.Tags,
		WatchedAt: now,
	}); err != nil {
		return Result{}, fmt.Errorf("record watch: %w", err)
	}

	current := make([]recommend.Tag, 0, len(item.Tags))
	for _, name := range item.Tags {
		tg, ok := known[name]
		if !ok {
			tg = recommend.Tag{Name: name}
		}
		current = append(current, tg)
	}

	updates := recommend.UpdateAffinity(current, s.Progress, now)
	if len(updates) == 0 {
		metrics.RecordWatch(false)
		return Result{}, nil
	}
	metrics.RecordWatch(true)

	// One delta per occurrence, so a repeated tag gains progress twice.
	for _, name := range item.Tags {
		d := st.pending[name]
		d.Name = name
		d.Inc += s.Progress
		if d.LastUpdated.Before(now) {
			d.LastUpdated = now
		}
		st.pending[name] = d
	}

	res := Result{Applied: true, Updates: updates}
	if err := t.flush(ctx, s.UserID, st); err != nil {
		metrics.TagFlushFailures.Inc()
		t.log.Warn("tag flush failed",
			zap.String("user_id", s.UserID),
			zap.String("item_id", s.ItemID),
			zap.Int("pending", len(st.pending)),
			zap.Error(err))
		res.FlushErr = &FlushError{UserID: s.UserID, Err: err}
	}
	return res, nil
}

// flush writes every pending delta. Must be called with st.mu held.
func (t *Tracker) flush(ctx context.Context, userID string, st *userState) error {
	deltas := make([]store.TagDelta, 0, len(st.pending))
	for _, d := range st.pending {
		deltas = append(deltas, d)
	}
	sort.Slice(deltas, func(i, j int) bool { return deltas[i].Name < deltas[j].Name })

	if err := t.tags.AddTags(ctx, userID, deltas); err != nil {
		return err
	}
	clear(st.pending)
	return nil
}

// Snapshot returns the user's tags ordered by name, including increments
// that have not been flushed yet.
func (t *Tracker) Snapshot(ctx context.Context, userID string) ([]recommend.Tag, error) {
	st := t.acquire(userID)
	defer t.release(userID, st)
	byName, err := t.current(ctx, userID, st)
	if err != nil {
		return nil, err
	}
	out := make([]recommend.Tag, 0, len(byName))
	for _, tg := range byName {
		out = append(out, tg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Pending reports how many tags are waiting for a successful flush.
func (t *Tracker) Pending(userID string) int {
	st := t.acquire(userID)
	defer t.release(userID, st)
	return len(st.pending)
}
