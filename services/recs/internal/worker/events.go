package worker

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/example/vidfeed/services/recs/internal/affinity"
	"github.com/example/vidfeed/services/recs/internal/store"
)

const (
	StreamName = "RECS_EVENTS"

	SubjectAll             = "recs.>"
	SubjectWatchCompleted  = "recs.watch.completed"
	SubjectCatalogUpserted = "recs.catalog.upserted"
	SubjectDLQ             = "recs.dlq"
)

var errBadEvent = errors.New("bad event")

// WatchEvent is published by the player layer when a session ends.
type WatchEvent struct {
	EventID       string    `json:"event_id"`
	UserID        string    `json:"user_id"`
	ItemID        string    `json:"item_id"`
	WatchProgress float64   `json:"watch_progress"`
	EndedAt       time.Time `json:"ended_at"`
}

func (e WatchEvent) validate() error {
	switch {
	case strings.TrimSpace(e.EventID) == "":
		return fmt.Errorf("%w: missing event_id", errBadEvent)
	case strings.TrimSpace(e.UserID) == "":
		return fmt.Errorf("%w: missing user_id", errBadEvent)
	case strings.TrimSpace(e.ItemID) == "":
		return fmt.Errorf("%w: missing item_id", errBadEvent)
	case !affinity.ValidProgress(e.WatchProgress):
		return fmt.Errorf("%w: non-finite watch_progress", errBadEvent)
	}
	return nil
}

// Session converts the event for the tracker.
func (e WatchEvent) Session() affinity.WatchSession {
	return affinity.WatchSession{
		UserID:   e.UserID,
		ItemID:   e.ItemID,
		Progress: e.WatchProgress,
		EndedAt:  e.EndedAt,
	}
}

// CatalogEvent is published by the fetch layer with new or changed items.
type CatalogEvent struct {
	EventID string              `json:"event_id"`
	Items   []store.CatalogItem `json:"items"`
}

func (e CatalogEvent) validate() error {
	if strings.TrimSpace(e.EventID) == "" {
		return fmt.Errorf("%w: missing event_id", errBadEvent)
	}
	if len(e.Items) == 0 {
		return fmt.Errorf("%w: no items", errBadEvent)
	}
	for i, it := range e.Items {
		if strings.TrimSpace(it.ID) == "" {
			return fmt.Errorf("%w: item %d has no id", errBadEvent, i)
		}
	}
	return nil
}
