package recommend

import (
	"sort"
	"time"
)

const (
	tagAffinityWeight = 0.6
	likeBoostWeight   = 0.1
	popularityWeight  = 0.3

	// LikeBoost is the raw bonus for a liked item before weighting.
	LikeBoost = 5.0
)

// Item is a catalog entry as seen by one user.
type Item struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	Tags          []Tag  `json:"tags"`
	IsLiked       bool   `json:"is_liked"`
	ViewCount     int64  `json:"view_count"`
	DownloadCount int64  `json:"download_count"`
	CommentCount  int64  `json:"comment_count"`
}

// Breakdown holds the terms of a recommendation score.
type Breakdown struct {
	TagAffinity float64 `json:"tag_affinity"`
	LikeBoost   float64 `json:"like_boost"`
	Popularity  float64 `json:"popularity"`
	Score       float64 `json:"score"`
}

// ScoredItem pairs an item with the breakdown it was ranked by.
type ScoredItem struct {
	Item      Item      `json:"item"`
	Breakdown Breakdown `json:"breakdown"`
}

// Engine scores and ranks items. The zero value is not usable; use NewEngine.
type Engine struct {
	decayBaseDays float64
}

// Option configures an Engine.
type Option func(*Engine)

// WithDecayBaseDays overrides the affinity decay e-folding time.
// Non-positive values are ignored.
func WithDecayBaseDays(days float64) Option {
	return func(e *Engine) {
		if days > 0 {
			e.decayBaseDays = days
		}
	}
}

// NewEngine creates an engine with the default 7 day decay.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{decayBaseDays: DefaultDecayBaseDays}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// DecayBaseDays reports the configured decay e-folding time.
func (e *Engine) DecayBaseDays() float64 {
	return e.decayBaseDays
}

// TagAffinity sums the decayed scores of the item's tags.
func (e *Engine) TagAffinity(item Item, now time.Time) float64 {
	var sum float64
	for _, t := range item.Tags {
		sum += t.Score * DecayWeight(t.LastUpdated, e.decayBaseDays, now)
	}
	return sum
}

// Explain returns every term of the item's score at now.
func (e *Engine) Explain(item Item, now time.Time) Breakdown {
	b := Breakdown{
		TagAffinity: e.TagAffinity(item, now),
		Popularity:  PopularityScore(item.ViewCount, item.DownloadCount, item.CommentCount),
	}
	if item.IsLiked {
		b.LikeBoost = LikeBoost
	}
	b.Score = b.TagAffinity*tagAffinityWeight + b.LikeBoost*likeBoostWeight + b.Popularity*popularityWeight
	return b
}

// RecommendationScore returns the item's score at now. The result drifts
// down over time as affinity decays.
func (e *Engine) RecommendationScore(item Item, now time.Time) float64 {
	return e.Explain(item, now).Score
}

// RankScored scores every item once and orders them by descending score.
// Equal scores keep their input order.
func (e *Engine) RankScored(items []Item, now time.Time) []ScoredItem {
	out := make([]ScoredItem, len(items))
	for i, it := range items {
		out[i] = ScoredItem{Item: it, Breakdown: e.Explain(it, now)}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Breakdown.Score > out[j].Breakdown.Score
	})
	return out
}

// Rank returns a new slice with items ordered by descending score. The input
// is not modified.
func (e *Engine) Rank(items []Item, now time.Time) []Item {
	scored := e.RankScored(items, now)
	out := make([]Item, len(scored))
	for i, s := range scored {
		out[i] = s.Item
	}
	return out
}
