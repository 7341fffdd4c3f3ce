package lab

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lims/lims/pkg/pagination"
)

type eventLogPG struct{ pgBase }

func NewEventLogPG(pool *pgxpool.Pool) EventLog {
	return &eventLogPG{pgBase{pool}}
}

const eventCols = `id, action, subject_type, subject_id, actor_id, recorded_at, metadata`

func scanEvent(row pgx.Row) (*Event, error) {
	var (
		e     Event
		actor *string
		meta  []byte
	)
	err := row.Scan(&e.ID, &e.Action, &e.SubjectType, &e.SubjectID, &actor, &e.Timestamp, &meta)
	if actor != nil {
		e.ActorID = *actor
	}
	e.Metadata = NewMetadata(meta)
	return &e, err
}

func (r *eventLogPG) ListBySubject(ctx context.Context, subjectType SubjectType, subjectID uuid.UUID) ([]*Event, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+eventCols+` FROM lab_event
		WHERE subject_type = $1 AND subject_id = $2`, subjectType, subjectID)
	return collect(rows, err, scanEvent)
}

// ListByTimeRange pages with a keyset on (recorded_at, id); the continuation
// token is a pagination cursor of the last row returned.
func (r *eventLogPG) ListByTimeRange(ctx context.Context, from, to time.Time, after string, limit int) (*EventPage, error) {
	if limit <= 0 {
		limit = DefaultEventPageSize
	}
	query := `SELECT ` + eventCols + ` FROM lab_event WHERE recorded_at BETWEEN $1 AND $2`
	args := []interface{}{from, to}
	if after != "" {
		cur, err := pagination.DecodeCursor(after)
		if err != nil {
			return nil, err
		}
		id, err := uuid.Parse(cur.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", pagination.ErrInvalidCursor, err)
		}
		query += ` AND (recorded_at, id) > ($3, $4)`
		args = append(args, cur.Timestamp, id)
	}
	query += fmt.Sprintf(` ORDER BY recorded_at, id LIMIT %d`, limit+1)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	events, err := collect(rows, err, scanEvent)
	if err != nil {
		return nil, err
	}

	page := &EventPage{Events: events}
	if len(events) > limit {
		page.Events = events[:limit]
		last := page.Events[limit-1]
		page.Next = pagination.EncodeCursor(last.Timestamp, last.ID.String())
	}
	return page, nil
}

func (r *eventLogPG) ListReferencing(ctx context.Context, ids []uuid.UUID) ([]*Event, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = id.String()
	}
	rows, err := r.conn(ctx).Query(ctx, referencingQuery, ids, strs)
	return collect(rows, err, scanEvent)
}

// referencingQuery tests each metadata key on its own so a malformed value
// under one key does not hide a valid id under another.
var referencingQuery = func() string {
	var b strings.Builder
	b.WriteString(`SELECT ` + eventCols + ` FROM lab_event WHERE subject_id = ANY($1)`)
	for _, k := range ReferenceKeys() {
		fmt.Fprintf(&b, ` OR metadata->>'%s' = ANY($2)`, k)
	}
	return b.String()
}()
