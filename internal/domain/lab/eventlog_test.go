package lab

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

// pagedLog serves a fixed slice in pages of the requested size, in the
// reverse of chronological order to prove CollectRange sorts.
type pagedLog struct {
	events []*Event
	calls  int
	err    error
}

func (l *pagedLog) ListBySubject(context.Context, SubjectType, uuid.UUID) ([]*Event, error) {
	return nil, nil
}

func (l *pagedLog) ListReferencing(context.Context, []uuid.UUID) ([]*Event, error) {
	return nil, nil
}

func (l *pagedLog) ListByTimeRange(_ context.Context, _, _ time.Time, after string, limit int) (*EventPage, error) {
	l.calls++
	if l.err != nil {
		return nil, l.err
	}
	start := 0
	if after != "" {
		start, _ = strconv.Atoi(after)
	}
	end := start + limit
	page := &EventPage{}
	if end < len(l.events) {
		page.Next = strconv.Itoa(end)
	} else {
		end = len(l.events)
	}
	page.Events = l.events[start:end]
	return page, nil
}

func TestCollectRange_DrainsAndSorts(t *testing.T) {
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	var events []*Event
	for i := 6; i >= 0; i-- {
		events = append(events, &Event{ID: uuid.New(), Timestamp: base.Add(time.Duration(i) * time.Minute)})
	}
	log := &pagedLog{events: events}

	got, err := CollectRange(context.Background(), log, base, base.Add(time.Hour), 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 7 {
		t.Fatalf("expected 7 events, got %d", len(got))
	}
	if log.calls != 3 {
		t.Errorf("expected 3 page requests, got %d", log.calls)
	}
	for i := 1; i < len(got); i++ {
		if CompareEvents(got[i-1], got[i]) >= 0 {
			t.Fatalf("events not sorted at %d", i)
		}
	}
}

func TestCollectRange_PropagatesError(t *testing.T) {
	boom := errors.New("connection reset")
	_, err := CollectRange(context.Background(), &pagedLog{err: boom}, time.Now(), time.Now(), 0)
	if !errors.Is(err, boom) {
		t.Errorf("expected wrapped error, got %v", err)
	}
}

func TestDedupEvents(t *testing.T) {
	a := &Event{ID: uuid.New()}
	b := &Event{ID: uuid.New()}
	out := DedupEvents([]*Event{a, b, a, nil, b})
	if len(out) != 2 || out[0] != a || out[1] != b {
		t.Errorf("unexpected dedup result: %v", out)
	}
}

func TestReferencingQuery_ChecksEveryKey(t *testing.T) {
	if strings.Contains(referencingQuery, "COALESCE") {
		t.Error("expected each metadata key to be compared on its own")
	}
	for _, k := range ReferenceKeys() {
		clause := "metadata->>'" + k + "' = ANY($2)"
		if !strings.Contains(referencingQuery, clause) {
			t.Errorf("missing clause %q", clause)
		}
	}
}
