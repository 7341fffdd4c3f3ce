// Package analytics computes operational KPIs, time series and
// distributions over terminal exams and the event log.
//
// Every operation starts from the same filtered terminal set, so the exam
// type and priority filters apply identically across queries. The set and
// the event range are memoized in the request scope and computed once per
// request however many operations read them.
package analytics

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lims/lims/internal/domain/lab"
	"github.com/lims/lims/internal/domain/linkresolver"
	"github.com/lims/lims/internal/platform/db"
	"github.com/lims/lims/internal/platform/memo"
	"github.com/lims/lims/internal/platform/telemetry"
)

// Engine is request scoped through its resolver.
type Engine struct {
	resolver *linkresolver.Resolver
	pageSize int
	metrics  *telemetry.Provider
}

// NewEngine returns an engine. pageSize bounds each event log page read
// while draining a time range.
func NewEngine(resolver *linkresolver.Resolver, pageSize int, metrics *telemetry.Provider) *Engine {
	return &Engine{resolver: resolver, pageSize: pageSize, metrics: metrics}
}

// terminal is one terminal exam joined with its ancestors.
type terminal struct {
	Exam      *lab.Exam
	Specimen  *lab.Specimen
	WorkOrder *lab.WorkOrder
	ExamType  *lab.ExamType
}

// turnaround is the minutes from the exam start reference (exam start,
// else specimen receipt) to validation.
func (t terminal) turnaround() (float64, bool) {
	start := t.Exam.StartedAt
	if start == nil && t.Specimen != nil {
		start = t.Specimen.ReceivedAt
	}
	end := t.Exam.ValidatedAt
	if start == nil || end == nil || end.Before(*start) {
		return 0, false
	}
	return end.Sub(*start).Minutes(), true
}

func (t terminal) approved() bool { return t.Exam.Status == lab.ExamApproved }

// terminals returns the filtered terminal exams validated within the range,
// ordered by validation time then exam id.
func (e *Engine) terminals(ctx context.Context, f Filter) ([]terminal, error) {
	return memo.Do(e.resolver.Scope(), "analytics.terminals", f, func() ([]terminal, error) {
		return e.loadTerminals(ctx, f)
	})
}

func (e *Engine) loadTerminals(ctx context.Context, f Filter) ([]terminal, error) {
	store := e.resolver.Store()
	exams, err := store.Exams.ListValidatedBetween(ctx, f.From, f.To)
	if err != nil {
		return nil, fmt.Errorf("list validated exams: %w", err)
	}

	var (
		specimens []*lab.Specimen
		orders    []*lab.WorkOrder
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(db.FanOutLimit(ctx, 2))
	g.Go(func() error {
		ids := make([]uuid.UUID, len(exams))
		for i, ex := range exams {
			ids[i] = ex.SpecimenID
		}
		var err error
		if specimens, err = store.Specimens.ListByIDs(gctx, ids); err != nil {
			return fmt.Errorf("list specimens: %w", err)
		}
		woIDs := make([]uuid.UUID, len(specimens))
		for i, s := range specimens {
			woIDs[i] = s.WorkOrderID
		}
		if orders, err = store.WorkOrders.ListByIDs(gctx, woIDs); err != nil {
			return fmt.Errorf("list work orders: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		_, err := e.resolver.ExamTypes(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	e.resolver.Seed(exams, specimens, orders)

	log := zerolog.Ctx(ctx)
	out := make([]terminal, 0, len(exams))
	for _, ex := range exams {
		t := terminal{Exam: ex}
		if t.Specimen, err = e.resolver.Specimen(ctx, ex.SpecimenID); err != nil {
			return nil, err
		}
		if t.Specimen == nil {
			log.Debug().Str("exam_id", ex.ID.String()).Msg("terminal exam without specimen, skipped")
			e.metrics.UnresolvedLink("specimen")
			continue
		}
		if t.WorkOrder, err = e.resolver.WorkOrder(ctx, t.Specimen.WorkOrderID); err != nil {
			return nil, err
		}
		if t.WorkOrder == nil {
			log.Debug().Str("exam_id", ex.ID.String()).Msg("terminal exam without work order, skipped")
			e.metrics.UnresolvedLink("work_order")
			continue
		}
		if t.ExamType, err = e.examTypeOf(ctx, ex, t.Specimen); err != nil {
			return nil, err
		}
		if f.Matches(t.WorkOrder, t.ExamType) {
			out = append(out, t)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Exam, out[j].Exam
		if !a.ValidatedAt.Equal(*b.ValidatedAt) {
			return a.ValidatedAt.Before(*b.ValidatedAt)
		}
		return a.ID.String() < b.ID.String()
	})
	return out, nil
}

// examTypeOf prefers the exam's type over the specimen's.
func (e *Engine) examTypeOf(ctx context.Context, ex *lab.Exam, s *lab.Specimen) (*lab.ExamType, error) {
	var id *uuid.UUID
	if ex != nil {
		id = ex.ExamTypeID
	}
	if id == nil && s != nil {
		id = s.ExamTypeID
	}
	if id == nil {
		return nil, nil
	}
	return e.resolver.ExamType(ctx, *id)
}

// markedEvents returns in-range events matching keep, resolved and passed
// through the filter predicate.
func (e *Engine) markedEvents(ctx context.Context, f Filter, keep func(lab.Action) bool) ([]*lab.Event, []linkresolver.Links, error) {
	marked, links, err := e.resolveMarked(ctx, f, keep)
	if err != nil {
		return nil, nil, err
	}

	var (
		events []*lab.Event
		kept   []linkresolver.Links
	)
	for i, ev := range marked {
		if !f.Matches(links[i].WorkOrder, links[i].ExamType) {
			continue
		}
		events = append(events, ev)
		kept = append(kept, links[i])
	}
	return events, kept, nil
}

// resolveMarked returns every in-range event matching keep with its links,
// without applying the dimensional filters.
func (e *Engine) resolveMarked(ctx context.Context, f Filter, keep func(lab.Action) bool) ([]*lab.Event, []linkresolver.Links, error) {
	all, err := e.resolver.EventsInRange(ctx, f.From, f.To, e.pageSize)
	if err != nil {
		return nil, nil, err
	}
	var marked []*lab.Event
	for _, ev := range all {
		if keep(ev.Action) {
			marked = append(marked, ev)
		}
	}
	links, err := e.resolver.ResolveAll(ctx, marked)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve events: %w", err)
	}
	return marked, links, nil
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

func roundedMean(sum float64, n int) int {
	if n == 0 {
		return 0
	}
	return int(math.Round(sum / float64(n)))
}

// sortByCount orders by count descending, then key ascending.
func sortByCount[T any](items []T, key func(T) string, count func(T) int) {
	sort.SliceStable(items, func(i, j int) bool {
		ci, cj := count(items[i]), count(items[j])
		if ci != cj {
			return ci > cj
		}
		return key(items[i]) < key(items[j])
	})
}
