package lab

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventLog is the append-only history. No listing guarantees an order;
// callers sort with SortEvents.
type EventLog interface {
	ListBySubject(ctx context.Context, subjectType SubjectType, subjectID uuid.UUID) ([]*Event, error)
	// ListByTimeRange returns one page of events recorded within [from, to].
	// An empty after token starts from the beginning; EventPage.Next is empty
	// on the last page.
	ListByTimeRange(ctx context.Context, from, to time.Time, after string, limit int) (*EventPage, error)
	// ListReferencing returns events whose subject id or embedded metadata
	// ids match any of ids.
	ListReferencing(ctx context.Context, ids []uuid.UUID) ([]*Event, error)
}

// EventPage is one page of a time-range listing.
type EventPage struct {
	Events []*Event
	Next   string
}

// DefaultEventPageSize is used by CollectRange when pageSize is not positive.
const DefaultEventPageSize = 500

// CollectRange drains every page of ListByTimeRange and returns the events
// sorted by timestamp then id.
func CollectRange(ctx context.Context, log EventLog, from, to time.Time, pageSize int) ([]*Event, error) {
	if pageSize <= 0 {
		pageSize = DefaultEventPageSize
	}
	var (
		out   []*Event
		after string
	)
	for {
		page, err := log.ListByTimeRange(ctx, from, to, after, pageSize)
		if err != nil {
			return nil, fmt.Errorf("list events by time range: %w", err)
		}
		out = append(out, page.Events...)
		if page.Next == "" || page.Next == after {
			break
		}
		after = page.Next
	}
	SortEvents(out)
	return out, nil
}

// DedupEvents drops repeated event ids, keeping the first occurrence.
func DedupEvents(events []*Event) []*Event {
	seen := make(map[uuid.UUID]bool, len(events))
	out := events[:0:0]
	for _, e := range events {
		if e == nil || seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		out = append(out, e)
	}
	return out
}
