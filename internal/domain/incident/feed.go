package incident

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/lims/lims/internal/platform/i18n"
	"github.com/lims/lims/pkg/pagination"
	"github.com/lims/lims/pkg/timerange"
)

// Filter narrows the classified set. Zero fields do not filter.
type Filter struct {
	Range        timerange.Range
	Type         Type
	ExamTypeID   *uuid.UUID
	TechnicianID string
	// Query is matched accent- and case-insensitively against patient name,
	// accession, barcode, exam type, reason and description.
	Query string
}

func (f Filter) matcher() func(*Incident) bool {
	q := i18n.Fold(f.Query)
	return func(inc *Incident) bool {
		if f.Type != "" && inc.Type != f.Type {
			return false
		}
		if f.ExamTypeID != nil && (inc.ExamTypeID == nil || *inc.ExamTypeID != *f.ExamTypeID) {
			return false
		}
		if f.TechnicianID != "" && inc.TechnicianID != f.TechnicianID {
			return false
		}
		if q != "" && !strings.Contains(inc.search, q) {
			return false
		}
		return true
	}
}

func (e *Engine) filtered(ctx context.Context, f Filter) ([]*Incident, error) {
	all, err := e.classified(ctx, f.Range)
	if err != nil {
		return nil, err
	}
	match := f.matcher()
	out := make([]*Incident, 0, len(all))
	for _, inc := range all {
		if match(inc) {
			out = append(out, inc)
		}
	}
	return out, nil
}

// Feed returns one page of filtered incidents, newest first. The cursor
// encodes the timestamp and id of the last item of the previous page; the
// page starts strictly after that position.
func (e *Engine) Feed(ctx context.Context, f Filter, p pagination.Params) (page *pagination.Page[Incident], err error) {
	done := e.metrics.ObserveQuery("incidents.feed")
	defer func() { done(err) }()

	limit := pagination.NormalizeLimit(p.Limit)
	start := 0
	var cur *pagination.Cursor
	if p.Cursor != "" {
		if cur, err = pagination.DecodeCursor(p.Cursor); err != nil {
			return nil, err
		}
		if _, perr := uuid.Parse(cur.ID); perr != nil {
			return nil, fmt.Errorf("%w: %v", pagination.ErrInvalidCursor, perr)
		}
	}

	items, err := e.filtered(ctx, f)
	if err != nil {
		return nil, err
	}
	if cur != nil {
		pos := &Incident{Timestamp: cur.Timestamp, ID: uuid.MustParse(cur.ID)}
		start = sort.Search(len(items), func(i int) bool { return compare(items[i], pos) > 0 })
	}

	end := start + limit
	if end > len(items) {
		end = len(items)
	}
	page = &pagination.Page[Incident]{Data: make([]Incident, 0, end-start), Limit: limit}
	for _, inc := range items[start:end] {
		page.Data = append(page.Data, *inc)
	}
	if end < len(items) {
		last := items[end-1]
		next := pagination.EncodeCursor(last.Timestamp, last.ID.String())
		page.NextCursor = &next
	}
	return page, nil
}
