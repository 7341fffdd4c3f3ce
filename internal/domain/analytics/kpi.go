package analytics

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/lims/lims/internal/domain/clinicalflag"
	"github.com/lims/lims/internal/domain/lab"
)

// ---------------------------------------------------------------------------
// KPI summary
// ---------------------------------------------------------------------------

type KPISummary struct {
	WorkOrders           int     `json:"work_orders"`
	TerminalExams        int     `json:"terminal_exams"`
	Approved             int     `json:"approved"`
	Rejected             int     `json:"rejected"`
	RejectionRate        float64 `json:"rejection_rate"`
	AvgTurnaroundMinutes int     `json:"avg_turnaround_minutes"`
	Incidents            int     `json:"incidents"`
	PendingBacklog       int     `json:"pending_backlog"`
	CriticalResults      int     `json:"critical_results"`
	AttentionResults     int     `json:"attention_results"`
}

// KPIs summarizes the terminal exams of the range.
func (e *Engine) KPIs(ctx context.Context, f Filter) (kpi *KPISummary, err error) {
	done := e.metrics.ObserveQuery("analytics.kpis")
	defer func() { done(err) }()

	terms, err := e.terminals(ctx, f)
	if err != nil {
		return nil, err
	}

	kpi = &KPISummary{TerminalExams: len(terms)}
	orders := map[uuid.UUID]bool{}
	var (
		tatSum float64
		tatN   int
	)
	for _, t := range terms {
		orders[t.WorkOrder.ID] = true
		if t.approved() {
			kpi.Approved++
			if m, ok := t.turnaround(); ok {
				tatSum += m
				tatN++
			}
		} else {
			kpi.Rejected++
		}

		var schema lab.FieldSchema
		if t.ExamType != nil {
			schema = t.ExamType.FieldSchema
		}
		switch clinicalflag.Classify(t.Exam.Results, schema) {
		case clinicalflag.FlagCritical:
			kpi.CriticalResults++
		case clinicalflag.FlagAttention:
			kpi.AttentionResults++
		}
	}
	kpi.WorkOrders = len(orders)
	kpi.RejectionRate = ratio(kpi.Rejected, kpi.Approved+kpi.Rejected)
	kpi.AvgTurnaroundMinutes = roundedMean(tatSum, tatN)

	if kpi.Incidents, err = e.incidentCount(ctx, f, orders); err != nil {
		return nil, err
	}
	if kpi.PendingBacklog, err = e.pendingBacklog(ctx, f, orders); err != nil {
		return nil, err
	}
	return kpi, nil
}

// incidentCount counts incident markers whose resolved work order is one of
// the in-range orders. The orders already carry the dimensional filters, so
// an incident on the order itself counts even without an exam type.
func (e *Engine) incidentCount(ctx context.Context, f Filter, orders map[uuid.UUID]bool) (int, error) {
	_, links, err := e.resolveMarked(ctx, f, lab.Action.IsIncident)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, l := range links {
		if l.WorkOrderID != nil && orders[*l.WorkOrderID] {
			n++
		}
	}
	return n, nil
}

// pendingBacklog counts specimens of the in-range orders whose exam is
// missing or not terminal. The exam type filter applies to each specimen.
func (e *Engine) pendingBacklog(ctx context.Context, f Filter, orders map[uuid.UUID]bool) (int, error) {
	if len(orders) == 0 {
		return 0, nil
	}
	store := e.resolver.Store()
	ids := make([]uuid.UUID, 0, len(orders))
	for id := range orders {
		ids = append(ids, id)
	}
	specimens, err := store.Specimens.ListByWorkOrders(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("list specimens of work orders: %w", err)
	}
	specimenIDs := make([]uuid.UUID, len(specimens))
	for i, s := range specimens {
		specimenIDs[i] = s.ID
	}
	exams, err := store.Exams.ListBySpecimens(ctx, specimenIDs)
	if err != nil {
		return 0, fmt.Errorf("list exams of specimens: %w", err)
	}
	bySpecimen := lab.ExamPerSpecimen(exams)

	// Orders already passed the priority filter.
	typeOnly := Filter{ExamTypeCode: f.ExamTypeCode}
	n := 0
	for _, s := range specimens {
		ex := bySpecimen[s.ID]
		if ex != nil && ex.Status.IsTerminal() {
			continue
		}
		et, err := e.examTypeOf(ctx, ex, s)
		if err != nil {
			return 0, err
		}
		if typeOnly.Matches(nil, et) {
			n++
		}
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Throughput series
// ---------------------------------------------------------------------------

type ThroughputPoint struct {
	Date     string `json:"date"`
	Approved int    `json:"approved"`
	Rejected int    `json:"rejected"`
}

// Throughput counts approved and rejected exams per UTC validation date.
func (e *Engine) Throughput(ctx context.Context, f Filter) (points []ThroughputPoint, err error) {
	done := e.metrics.ObserveQuery("analytics.throughput")
	defer func() { done(err) }()

	terms, err := e.terminals(ctx, f)
	if err != nil {
		return nil, err
	}
	byDate := map[string]*ThroughputPoint{}
	for _, t := range terms {
		day := t.Exam.ValidatedAt.UTC().Format("2006-01-02")
		p, ok := byDate[day]
		if !ok {
			p = &ThroughputPoint{Date: day}
			byDate[day] = p
		}
		if t.approved() {
			p.Approved++
		} else {
			p.Rejected++
		}
	}

	points = make([]ThroughputPoint, 0, len(byDate))
	for _, p := range byDate {
		points = append(points, *p)
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Date < points[j].Date })
	return points, nil
}
