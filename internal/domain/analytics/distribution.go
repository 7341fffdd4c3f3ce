package analytics

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"

	"github.com/lims/lims/internal/domain/lab"
)

// ---------------------------------------------------------------------------
// Exam mix
// ---------------------------------------------------------------------------

// UnknownExamType labels exams whose type cannot be resolved.
const UnknownExamType = "unknown"

type ExamMixEntry struct {
	ExamTypeID *uuid.UUID `json:"exam_type_id,omitempty"`
	Code       string     `json:"code"`
	Name       string     `json:"name"`
	Count      int        `json:"count"`
	Percentage float64    `json:"percentage"`
}

// ExamMix distributes terminal exams over exam types. Percentages are
// fractions of the terminal total and sum to 1 when it is non-zero.
func (e *Engine) ExamMix(ctx context.Context, f Filter) (mix []ExamMixEntry, err error) {
	done := e.metrics.ObserveQuery("analytics.exam_mix")
	defer func() { done(err) }()

	terms, err := e.terminals(ctx, f)
	if err != nil {
		return nil, err
	}
	byType := map[string]*ExamMixEntry{}
	var order []string
	for _, t := range terms {
		key, entry := UnknownExamType, ExamMixEntry{Code: UnknownExamType, Name: UnknownExamType}
		if t.ExamType != nil {
			id := t.ExamType.ID
			key = id.String()
			entry = ExamMixEntry{ExamTypeID: &id, Code: t.ExamType.Code, Name: t.ExamType.Name}
		}
		if _, ok := byType[key]; !ok {
			byType[key] = &entry
			order = append(order, key)
		}
		byType[key].Count++
	}

	mix = make([]ExamMixEntry, 0, len(order))
	for _, key := range order {
		m := byType[key]
		m.Percentage = ratio(m.Count, len(terms))
		mix = append(mix, *m)
	}
	sortByCount(mix, func(m ExamMixEntry) string { return m.Code }, func(m ExamMixEntry) int { return m.Count })
	return mix, nil
}

// ---------------------------------------------------------------------------
// Turnaround distribution
// ---------------------------------------------------------------------------

type TATBucket struct {
	Label   string `json:"label"`
	Min     int    `json:"min_minutes"`
	Max     *int   `json:"max_minutes"`
	Total   int    `json:"total"`
	Routine int    `json:"routine"`
	Urgent  int    `json:"urgent"`
	Stat    int    `json:"stat"`
}

// tatBounds are the inclusive upper bounds of the closed buckets; a
// turnaround above the last bound falls in the open-ended bucket.
var tatBounds = []int{30, 60, 120, 240}

func newTATBuckets() []TATBucket {
	buckets := make([]TATBucket, 0, len(tatBounds)+1)
	lo := 0
	for _, hi := range tatBounds {
		hi := hi
		buckets = append(buckets, TATBucket{Label: fmt.Sprintf("%d-%dmin", lo, hi), Min: lo, Max: &hi})
		lo = hi + 1
	}
	last := tatBounds[len(tatBounds)-1]
	return append(buckets, TATBucket{Label: fmt.Sprintf(">%dmin", last), Min: last + 1})
}

// bucketIndex maps whole minutes to their bucket.
func bucketIndex(minutes int) int {
	for i, hi := range tatBounds {
		if minutes <= hi {
			return i
		}
	}
	return len(tatBounds)
}

// TATDistribution places every terminal exam with a computable turnaround
// in exactly one bucket. Turnarounds are rounded to whole minutes first.
func (e *Engine) TATDistribution(ctx context.Context, f Filter) (buckets []TATBucket, err error) {
	done := e.metrics.ObserveQuery("analytics.tat_distribution")
	defer func() { done(err) }()

	terms, err := e.terminals(ctx, f)
	if err != nil {
		return nil, err
	}
	buckets = newTATBuckets()
	for _, t := range terms {
		m, ok := t.turnaround()
		if !ok {
			continue
		}
		b := &buckets[bucketIndex(int(math.Round(m)))]
		b.Total++
		switch t.WorkOrder.Priority {
		case lab.PriorityRoutine:
			b.Routine++
		case lab.PriorityUrgent:
			b.Urgent++
		case lab.PriorityStat:
			b.Stat++
		}
	}
	return buckets, nil
}

// ---------------------------------------------------------------------------
// Technician workload
// ---------------------------------------------------------------------------

// UnassignedTechnician keys exams without a performer.
const UnassignedTechnician = "unassigned"

type TechnicianWorkload struct {
	Technician           string `json:"technician"`
	Exams                int    `json:"exams"`
	Approved             int    `json:"approved"`
	Rejected             int    `json:"rejected"`
	AvgTurnaroundMinutes int    `json:"avg_turnaround_minutes"`
}

// Technicians groups terminal exams by performing technician. The average
// turnaround covers approved exams only, like the KPI summary.
func (e *Engine) Technicians(ctx context.Context, f Filter) (out []TechnicianWorkload, err error) {
	done := e.metrics.ObserveQuery("analytics.technicians")
	defer func() { done(err) }()

	terms, err := e.terminals(ctx, f)
	if err != nil {
		return nil, err
	}
	type acc struct {
		TechnicianWorkload
		tatSum float64
		tatN   int
	}
	byTech := map[string]*acc{}
	var order []string
	for _, t := range terms {
		key := UnassignedTechnician
		if t.Exam.PerformedBy != nil && strings.TrimSpace(*t.Exam.PerformedBy) != "" {
			key = strings.TrimSpace(*t.Exam.PerformedBy)
		}
		a, ok := byTech[key]
		if !ok {
			a = &acc{TechnicianWorkload: TechnicianWorkload{Technician: key}}
			byTech[key] = a
			order = append(order, key)
		}
		a.Exams++
		if t.approved() {
			a.Approved++
			if m, ok := t.turnaround(); ok {
				a.tatSum += m
				a.tatN++
			}
		} else {
			a.Rejected++
		}
	}

	out = make([]TechnicianWorkload, 0, len(order))
	for _, key := range order {
		a := byTech[key]
		a.AvgTurnaroundMinutes = roundedMean(a.tatSum, a.tatN)
		out = append(out, a.TechnicianWorkload)
	}
	sortByCount(out, func(w TechnicianWorkload) string { return w.Technician }, func(w TechnicianWorkload) int { return w.Exams })
	return out, nil
}

// ---------------------------------------------------------------------------
// Doctor volume
// ---------------------------------------------------------------------------

// UnspecifiedDoctor keys work orders without a referring doctor.
const UnspecifiedDoctor = "not specified"

type DoctorVolume struct {
	Doctor     string  `json:"doctor"`
	Count      int     `json:"count"`
	Percentage float64 `json:"percentage"`
}

// Doctors counts work orders requested in range per referring doctor,
// whether or not their exams are terminal.
func (e *Engine) Doctors(ctx context.Context, f Filter) (out []DoctorVolume, err error) {
	done := e.metrics.ObserveQuery("analytics.doctors")
	defer func() { done(err) }()

	orders, err := e.requestedOrders(ctx, f)
	if err != nil {
		return nil, err
	}
	counts := map[string]int{}
	var keys []string
	for _, wo := range orders {
		key := UnspecifiedDoctor
		if wo.ReferringDoctor != nil && strings.TrimSpace(*wo.ReferringDoctor) != "" {
			key = strings.TrimSpace(*wo.ReferringDoctor)
		}
		if _, ok := counts[key]; !ok {
			keys = append(keys, key)
		}
		counts[key]++
	}

	out = make([]DoctorVolume, 0, len(keys))
	for _, key := range keys {
		out = append(out, DoctorVolume{Doctor: key, Count: counts[key], Percentage: ratio(counts[key], len(orders))})
	}
	sortByCount(out, func(d DoctorVolume) string { return d.Doctor }, func(d DoctorVolume) int { return d.Count })
	return out, nil
}

// requestedOrders lists work orders requested in range that pass the filter.
// With an exam type filter, an order matches when any of its specimens or
// their exams has that type.
func (e *Engine) requestedOrders(ctx context.Context, f Filter) ([]*lab.WorkOrder, error) {
	store := e.resolver.Store()
	orders, err := store.WorkOrders.ListRequestedBetween(ctx, f.From, f.To)
	if err != nil {
		return nil, fmt.Errorf("list requested work orders: %w", err)
	}
	var out []*lab.WorkOrder
	for _, wo := range orders {
		if f.Priority == "" || wo.Priority == f.Priority {
			out = append(out, wo)
		}
	}
	if f.ExamTypeCode == "" || len(out) == 0 {
		return out, nil
	}

	ids := make([]uuid.UUID, len(out))
	for i, wo := range out {
		ids[i] = wo.ID
	}
	specimens, err := store.Specimens.ListByWorkOrders(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("list specimens of work orders: %w", err)
	}
	specimenIDs := make([]uuid.UUID, len(specimens))
	for i, s := range specimens {
		specimenIDs[i] = s.ID
	}
	exams, err := store.Exams.ListBySpecimens(ctx, specimenIDs)
	if err != nil {
		return nil, fmt.Errorf("list exams of specimens: %w", err)
	}
	bySpecimen := lab.ExamPerSpecimen(exams)

	typeOnly := Filter{ExamTypeCode: f.ExamTypeCode}
	matched := map[uuid.UUID]bool{}
	for _, s := range specimens {
		et, err := e.examTypeOf(ctx, bySpecimen[s.ID], s)
		if err != nil {
			return nil, err
		}
		if typeOnly.Matches(nil, et) {
			matched[s.WorkOrderID] = true
		}
	}
	filtered := out[:0]
	for _, wo := range out {
		if matched[wo.ID] {
			filtered = append(filtered, wo)
		}
	}
	return filtered, nil
}
