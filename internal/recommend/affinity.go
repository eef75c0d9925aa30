// Package recommend scores catalog items for a single user and orders them.
//
// The model is a fixed linear formula: decayed tag affinity learned from watch
// sessions, a small like boost and a log-scaled popularity signal. Everything
// here is pure; callers own persistence and serialize affinity writes.
package recommend

import (
	"math"
	"time"
)

const (
	// WatchThreshold is the exclusive lower bound on watch progress for a
	// session to count as interest.
	WatchThreshold = 0.3

	// DefaultDecayBaseDays is the e-folding time of affinity decay.
	DefaultDecayBaseDays = 7.0
)

// Tag is a snapshot of a user's affinity for one tag name.
type Tag struct {
	Name        string     `json:"name"`
	Score       float64    `json:"score"`
	LastUpdated *time.Time `json:"last_updated,omitempty"`
}

// TagUpdate is the new state of a tag after a watch session.
type TagUpdate struct {
	Name        string    `json:"name"`
	Score       float64   `json:"score"`
	LastUpdated time.Time `json:"last_updated"`
}

// UpdateAffinity returns the tag writes produced by one watch session.
// Sessions at or below WatchThreshold produce nothing. Progress is not
// clamped: values above 1 add more than a full watch.
func UpdateAffinity(tags []Tag, watchProgress float64, now time.Time) []TagUpdate {
	if !(watchProgress > WatchThreshold) {
		return nil
	}

	// Repeated names accumulate as if applied one after another.
	seen := make(map[string]float64, len(tags))
	updates := make([]TagUpdate, 0, len(tags))
	for _, t := range tags {
		base, ok := seen[t.Name]
		if !ok {
			base = t.Score
		}
		score := base + watchProgress
		seen[t.Name] = score
		updates = append(updates, TagUpdate{Name: t.Name, Score: score, LastUpdated: now})
	}
	return updates
}

// ApplyUpdates returns a copy of tags with updates applied. Updates for
// names not present in tags are appended.
func ApplyUpdates(tags []Tag, updates []TagUpdate) []Tag {
	out := make([]Tag, len(tags))
	copy(out, tags)

	idx := make(map[string]int, len(out))
	for i, t := range out {
		idx[t.Name] = i
	}
	for _, u := range updates {
		ts := u.LastUpdated
		if i, ok := idx[u.Name]; ok {
			out[i].Score = u.Score
			out[i].LastUpdated = &ts
			continue
		}
		idx[u.Name] = len(out)
		out = append(out, Tag{Name: u.Name, Score: u.Score, LastUpdated: &ts})
	}
	return out
}

// DecayWeight returns exp(-daysAgo/baseDays), or 0 for a tag never updated.
// A non-positive baseDays uses DefaultDecayBaseDays.
func DecayWeight(lastUpdated *time.Time, baseDays float64, now time.Time) float64 {
	if lastUpdated == nil {
		return 0.0
	}
	if baseDays <= 0 {
		baseDays = DefaultDecayBaseDays
	}
	daysAgo := now.Sub(*lastUpdated).Hours() / 24
	return math.Exp(-daysAgo / baseDays)
}
