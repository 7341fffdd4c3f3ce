// Package timeline rebuilds the chronological history of one work order
// from the event log, grouped per specimen with stage durations.
package timeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"

	"github.com/lims/lims/internal/domain/clinicalflag"
	"github.com/lims/lims/internal/domain/lab"
	"github.com/lims/lims/internal/domain/linkresolver"
	"github.com/lims/lims/internal/platform/db"
	"github.com/lims/lims/internal/platform/i18n"
	"github.com/lims/lims/internal/platform/telemetry"
)

// ErrWorkOrderNotFound is returned by Build when the order snapshot is absent.
var ErrWorkOrderNotFound = errors.New("work order not found")

// fanOutLimit bounds concurrent event log listings per build.
const fanOutLimit = 8

// Durations are stage lengths in minutes. A nil value means an endpoint was
// missing or the end preceded the start.
type Durations struct {
	PreAnalytical  *float64 `json:"pre_analytical_minutes"`
	Analytical     *float64 `json:"analytical_minutes"`
	PostAnalytical *float64 `json:"post_analytical_minutes"`
	TotalLifecycle *float64 `json:"total_lifecycle_minutes"`
}

// SpecimenTimeline is the merged specimen and exam history of one specimen.
type SpecimenTimeline struct {
	SpecimenID     uuid.UUID         `json:"specimen_id"`
	Barcode        string            `json:"barcode"`
	Status         string            `json:"status"`
	ExamID         *uuid.UUID        `json:"exam_id,omitempty"`
	ExamStatus     lab.ExamStatus    `json:"exam_status,omitempty"`
	ExamTypeCode   string            `json:"exam_type_code,omitempty"`
	ExamTypeName   string            `json:"exam_type_name,omitempty"`
	ClinicalFlag   clinicalflag.Flag `json:"clinical_flag,omitempty"`
	Events         []*lab.Event      `json:"events"`
	Durations      Durations         `json:"durations"`
	IncidentCount  int               `json:"incident_count"`
	RejectionCount int               `json:"rejection_count"`
}

type Summary struct {
	TotalEvents            int        `json:"total_events"`
	TotalSpecimens         int        `json:"total_specimens"`
	SpecimensWithIncident  int        `json:"specimens_with_incident"`
	SpecimensWithRejection int        `json:"specimens_with_rejection"`
	FirstEventAt           *time.Time `json:"first_event_at,omitempty"`
	LastEventAt            *time.Time `json:"last_event_at,omitempty"`
}

// Timeline is the full reconstruction of one work order.
type Timeline struct {
	WorkOrderID     uuid.UUID          `json:"work_order_id"`
	AccessionNumber string             `json:"accession_number"`
	Priority        lab.Priority       `json:"priority"`
	PatientID       uuid.UUID          `json:"patient_id"`
	Events          []*lab.Event       `json:"events"`
	Specimens       []SpecimenTimeline `json:"specimens"`
	Summary         Summary            `json:"summary"`
}

// Builder assembles timelines. It shares the resolver's request scope and
// must not be reused across requests.
type Builder struct {
	resolver *linkresolver.Resolver
	locale   language.Tag
	metrics  *telemetry.Provider
}

func NewBuilder(resolver *linkresolver.Resolver, locale language.Tag, metrics *telemetry.Provider) *Builder {
	return &Builder{resolver: resolver, locale: locale, metrics: metrics}
}

// Build reconstructs the timeline of the work order with the given id.
func (b *Builder) Build(ctx context.Context, workOrderID uuid.UUID) (tl *Timeline, err error) {
	done := b.metrics.ObserveQuery("timeline")
	defer func() { done(err) }()

	store := b.resolver.Store()
	wo, err := b.resolver.WorkOrder(ctx, workOrderID)
	if err != nil {
		return nil, fmt.Errorf("get work order: %w", err)
	}
	if wo == nil {
		return nil, ErrWorkOrderNotFound
	}

	specimens, err := store.Specimens.ListByWorkOrder(ctx, wo.ID)
	if err != nil {
		return nil, fmt.Errorf("list specimens: %w", err)
	}
	specimenIDs := make([]uuid.UUID, len(specimens))
	for i, s := range specimens {
		specimenIDs[i] = s.ID
	}
	exams, err := store.Exams.ListBySpecimens(ctx, specimenIDs)
	if err != nil {
		return nil, fmt.Errorf("list exams: %w", err)
	}
	examBySpecimen := lab.ExamPerSpecimen(exams)
	b.resolver.Seed(exams, specimens, []*lab.WorkOrder{wo})

	events, err := b.gather(ctx, wo, specimens, examBySpecimen)
	if err != nil {
		return nil, err
	}
	links, err := b.resolver.ResolveAll(ctx, events)
	if err != nil {
		return nil, fmt.Errorf("resolve events: %w", err)
	}

	inSpecimens := make(map[uuid.UUID]bool, len(specimens))
	for _, s := range specimens {
		inSpecimens[s.ID] = true
	}
	specimenOfExam := make(map[uuid.UUID]uuid.UUID, len(examBySpecimen))
	for sid, e := range examBySpecimen {
		specimenOfExam[e.ID] = sid
	}

	log := zerolog.Ctx(ctx)
	tl = &Timeline{
		WorkOrderID:     wo.ID,
		AccessionNumber: wo.AccessionNumber,
		Priority:        wo.Priority,
		PatientID:       wo.PatientID,
		Events:          []*lab.Event{},
	}
	grouped := make(map[uuid.UUID][]*lab.Event, len(specimens))
	var all []*lab.Event
	for i, e := range events {
		l := links[i]
		sid, ok := owningSpecimen(l, inSpecimens, specimenOfExam)
		switch {
		case ok:
			grouped[sid] = append(grouped[sid], e)
		case l.WorkOrderID != nil && *l.WorkOrderID == wo.ID:
			tl.Events = append(tl.Events, e)
		default:
			log.Debug().Str("event_id", e.ID.String()).Msg("event does not belong to work order, skipped")
			continue
		}
		all = append(all, e)
	}

	created := firstOf(tl.Events, func(a lab.Action) bool { return a == lab.ActionWorkOrderCreated })
	if created == nil {
		created = firstOf(all, func(a lab.Action) bool { return a == lab.ActionWorkOrderCreated })
	}

	tl.Specimens = make([]SpecimenTimeline, 0, len(specimens))
	for _, s := range specimens {
		st, err := b.specimenTimeline(ctx, s, examBySpecimen[s.ID], grouped[s.ID], created)
		if err != nil {
			return nil, err
		}
		tl.Specimens = append(tl.Specimens, st)
	}
	b.sortSpecimens(tl.Specimens)
	tl.Summary = summarize(tl.Specimens, all)
	return tl, nil
}

// gather lists every event attached to the order, its specimens or their
// exams, plus events that only reference them through metadata.
func (b *Builder) gather(ctx context.Context, wo *lab.WorkOrder, specimens []*lab.Specimen, exams map[uuid.UUID]*lab.Exam) ([]*lab.Event, error) {
	evlog := b.resolver.Store().Events

	type subject struct {
		typ lab.SubjectType
		id  uuid.UUID
	}
	subjects := []subject{{lab.SubjectWorkOrder, wo.ID}}
	ids := []uuid.UUID{wo.ID}
	for _, s := range specimens {
		subjects = append(subjects, subject{lab.SubjectSpecimen, s.ID})
		ids = append(ids, s.ID)
		if e := exams[s.ID]; e != nil {
			subjects = append(subjects, subject{lab.SubjectExam, e.ID})
			ids = append(ids, e.ID)
		}
	}

	results := make([][]*lab.Event, len(subjects)+1)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(db.FanOutLimit(ctx, fanOutLimit))
	for i, s := range subjects {
		i, s := i, s
		g.Go(func() error {
			evs, err := evlog.ListBySubject(gctx, s.typ, s.id)
			if err != nil {
				return fmt.Errorf("list events for %s %s: %w", s.typ, s.id, err)
			}
			results[i] = evs
			return nil
		})
	}
	g.Go(func() error {
		evs, err := evlog.ListReferencing(gctx, ids)
		if err != nil {
			return fmt.Errorf("list referencing events: %w", err)
		}
		results[len(subjects)] = evs
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var merged []*lab.Event
	for _, evs := range results {
		merged = append(merged, evs...)
	}
	merged = lab.DedupEvents(merged)
	lab.SortEvents(merged)
	return merged, nil
}

func (b *Builder) specimenTimeline(ctx context.Context, s *lab.Specimen, exam *lab.Exam, events []*lab.Event, orderCreated *lab.Event) (SpecimenTimeline, error) {
	st := SpecimenTimeline{
		SpecimenID: s.ID,
		Barcode:    s.Barcode,
		Status:     s.Status,
		Events:     events,
		Durations:  computeDurations(events, orderCreated),
	}
	if st.Events == nil {
		st.Events = []*lab.Event{}
	}
	for _, e := range events {
		if e.Action.IsIncident() {
			st.IncidentCount++
		}
		if e.Action.IsRejection() {
			st.RejectionCount++
		}
	}

	typeID := s.ExamTypeID
	if exam != nil {
		id := exam.ID
		st.ExamID = &id
		st.ExamStatus = exam.Status
		if exam.ExamTypeID != nil {
			typeID = exam.ExamTypeID
		}
	}
	if typeID == nil {
		return st, nil
	}
	et, err := b.resolver.ExamType(ctx, *typeID)
	if err != nil {
		return st, fmt.Errorf("get exam type: %w", err)
	}
	if et == nil {
		return st, nil
	}
	st.ExamTypeCode = et.Code
	st.ExamTypeName = et.Name
	if exam != nil && len(exam.Results) > 0 {
		st.ClinicalFlag = clinicalflag.Classify(exam.Results, et.FieldSchema)
	}
	return st, nil
}

// sortSpecimens orders by barcode with locale-aware collation, falling back
// to the id for blank barcodes and ties.
func (b *Builder) sortSpecimens(sts []SpecimenTimeline) {
	col := i18n.NewCollator(b.locale)
	key := func(st SpecimenTimeline) string {
		if st.Barcode != "" {
			return st.Barcode
		}
		return st.SpecimenID.String()
	}
	sort.SliceStable(sts, func(i, j int) bool {
		if c := col.CompareString(key(sts[i]), key(sts[j])); c != 0 {
			return c < 0
		}
		return sts[i].SpecimenID.String() < sts[j].SpecimenID.String()
	})
}

// computeDurations derives the stage metrics from a sorted specimen history.
// Total lifecycle starts at the order creation when that precedes the
// specimen's own first event.
func computeDurations(events []*lab.Event, orderCreated *lab.Event) Durations {
	var d Durations
	received := firstOf(events, func(a lab.Action) bool { return a == lab.ActionSpecimenReceived })
	started := firstOf(events, func(a lab.Action) bool { return a == lab.ActionExamStarted })
	sent := firstOf(events, func(a lab.Action) bool { return a == lab.ActionExamSentToValidation })
	outcome := firstOf(events, lab.Action.IsValidationOutcome)

	d.PreAnalytical = minutesBetween(orderCreated, received)
	d.Analytical = minutesBetween(started, sent)
	d.PostAnalytical = minutesBetween(sent, outcome)

	if len(events) > 0 {
		first := events[0]
		if orderCreated != nil && orderCreated.Timestamp.Before(first.Timestamp) {
			first = orderCreated
		}
		d.TotalLifecycle = minutesBetween(first, events[len(events)-1])
	}
	return d
}

func firstOf(events []*lab.Event, match func(lab.Action) bool) *lab.Event {
	for _, e := range events {
		if match(e.Action) {
			return e
		}
	}
	return nil
}

func minutesBetween(from, to *lab.Event) *float64 {
	if from == nil || to == nil || to.Timestamp.Before(from.Timestamp) {
		return nil
	}
	m := to.Timestamp.Sub(from.Timestamp).Minutes()
	return &m
}

// owningSpecimen picks the specimen an event is grouped under: its resolved
// specimen, else the specimen of its resolved exam.
func owningSpecimen(l linkresolver.Links, specimens map[uuid.UUID]bool, specimenOfExam map[uuid.UUID]uuid.UUID) (uuid.UUID, bool) {
	if l.SpecimenID != nil && specimens[*l.SpecimenID] {
		return *l.SpecimenID, true
	}
	if l.ExamID != nil {
		if sid, ok := specimenOfExam[*l.ExamID]; ok {
			return sid, true
		}
	}
	return uuid.Nil, false
}

func summarize(specimens []SpecimenTimeline, events []*lab.Event) Summary {
	s := Summary{TotalEvents: len(events), TotalSpecimens: len(specimens)}
	for _, st := range specimens {
		if st.IncidentCount > 0 {
			s.SpecimensWithIncident++
		}
		if st.RejectionCount > 0 {
			s.SpecimensWithRejection++
		}
	}
	if len(events) > 0 {
		lab.SortEvents(events)
		first, last := events[0].Timestamp, events[len(events)-1].Timestamp
		s.FirstEventAt, s.LastEventAt = &first, &last
	}
	return s
}
