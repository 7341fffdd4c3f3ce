// Package labtest provides an in-memory snapshot store and event log for
// tests of the read engines.
package labtest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lims/lims/internal/domain/lab"
	"github.com/lims/lims/pkg/pagination"
)

// ID returns a deterministic entity id; ID(1) < ID(2) lexicographically.
func ID(n int) uuid.UUID {
	return uuid.MustParse(fmt.Sprintf("00000000-0000-0000-0000-%012d", n))
}

// EventID returns a deterministic event id distinct from every ID(n).
func EventID(n int) uuid.UUID {
	return uuid.MustParse(fmt.Sprintf("00000000-0000-0000-0001-%012d", n))
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }

// Fixture holds every record in memory. It is safe for concurrent reads.
type Fixture struct {
	mu         sync.Mutex
	workOrders map[uuid.UUID]*lab.WorkOrder
	specimens  map[uuid.UUID]*lab.Specimen
	exams      map[uuid.UUID]*lab.Exam
	examTypes  map[uuid.UUID]*lab.ExamType
	patients   map[uuid.UUID]*lab.Patient
	events     []*lab.Event
	nextEvent  int
	calls      map[string]int

	// Err, when set, is returned by every call.
	Err error
}

func New() *Fixture {
	return &Fixture{
		workOrders: map[uuid.UUID]*lab.WorkOrder{},
		specimens:  map[uuid.UUID]*lab.Specimen{},
		exams:      map[uuid.UUID]*lab.Exam{},
		examTypes:  map[uuid.UUID]*lab.ExamType{},
		patients:   map[uuid.UUID]*lab.Patient{},
		calls:      map[string]int{},
	}
}

func (f *Fixture) AddWorkOrder(w *lab.WorkOrder) *lab.WorkOrder { f.workOrders[w.ID] = w; return w }
func (f *Fixture) AddSpecimen(s *lab.Specimen) *lab.Specimen    { f.specimens[s.ID] = s; return s }
func (f *Fixture) AddExam(e *lab.Exam) *lab.Exam                { f.exams[e.ID] = e; return e }
func (f *Fixture) AddExamType(et *lab.ExamType) *lab.ExamType   { f.examTypes[et.ID] = et; return et }
func (f *Fixture) AddPatient(p *lab.Patient) *lab.Patient       { f.patients[p.ID] = p; return p }

// RemoveExam deletes an exam snapshot, simulating a record removed after
// events referencing it were written.
func (f *Fixture) RemoveExam(id uuid.UUID) { delete(f.exams, id) }

// AddEvent appends an event with the next sequential EventID.
func (f *Fixture) AddEvent(action lab.Action, st lab.SubjectType, subject uuid.UUID, at time.Time, meta lab.Metadata) *lab.Event {
	f.nextEvent++
	e := &lab.Event{
		ID:          EventID(f.nextEvent),
		Action:      action,
		SubjectType: st,
		SubjectID:   subject,
		ActorID:     "tech-1",
		Timestamp:   at,
		Metadata:    meta,
	}
	f.events = append(f.events, e)
	return e
}

// AppendEvent adds a fully built event.
func (f *Fixture) AppendEvent(e *lab.Event) *lab.Event {
	f.events = append(f.events, e)
	return e
}

// Calls reports how many times the named repository method ran, e.g.
// "Exams.GetByID".
func (f *Fixture) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *Fixture) record(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	return f.Err
}

// Store exposes the fixture through the lab repository interfaces.
func (f *Fixture) Store() *lab.Store {
	return &lab.Store{
		WorkOrders: workOrders{f},
		Specimens:  specimens{f},
		Exams:      exams{f},
		ExamTypes:  examTypes{f},
		Patients:   patients{f},
		Events:     events{f},
	}
}

func pick[T any](m map[uuid.UUID]*T, ids []uuid.UUID) []*T {
	var out []*T
	seen := map[uuid.UUID]bool{}
	for _, id := range ids {
		if v, ok := m[id]; ok && !seen[id] {
			seen[id] = true
			out = append(out, v)
		}
	}
	return out
}

type workOrders struct{ f *Fixture }

func (r workOrders) GetByID(_ context.Context, id uuid.UUID) (*lab.WorkOrder, error) {
	if err := r.f.record("WorkOrders.GetByID"); err != nil {
		return nil, err
	}
	return r.f.workOrders[id], nil
}

func (r workOrders) ListByIDs(_ context.Context, ids []uuid.UUID) ([]*lab.WorkOrder, error) {
	if err := r.f.record("WorkOrders.ListByIDs"); err != nil {
		return nil, err
	}
	return pick(r.f.workOrders, ids), nil
}

func (r workOrders) ListRequestedBetween(_ context.Context, from, to time.Time) ([]*lab.WorkOrder, error) {
	if err := r.f.record("WorkOrders.ListRequestedBetween"); err != nil {
		return nil, err
	}
	var out []*lab.WorkOrder
	for _, w := range r.f.workOrders {
		if lab.InRange(w.RequestedAt, from, to) {
			out = append(out, w)
		}
	}
	return out, nil
}

type specimens struct{ f *Fixture }

func (r specimens) GetByID(_ context.Context, id uuid.UUID) (*lab.Specimen, error) {
	if err := r.f.record("Specimens.GetByID"); err != nil {
		return nil, err
	}
	return r.f.specimens[id], nil
}

func (r specimens) ListByIDs(_ context.Context, ids []uuid.UUID) ([]*lab.Specimen, error) {
	if err := r.f.record("Specimens.ListByIDs"); err != nil {
		return nil, err
	}
	return pick(r.f.specimens, ids), nil
}

func (r specimens) ListByWorkOrder(ctx context.Context, id uuid.UUID) ([]*lab.Specimen, error) {
	return r.ListByWorkOrders(ctx, []uuid.UUID{id})
}

func (r specimens) ListByWorkOrders(_ context.Context, ids []uuid.UUID) ([]*lab.Specimen, error) {
	if err := r.f.record("Specimens.ListByWorkOrders"); err != nil {
		return nil, err
	}
	want := map[uuid.UUID]bool{}
	for _, id := range ids {
		want[id] = true
	}
	var out []*lab.Specimen
	for _, s := range r.f.specimens {
		if want[s.WorkOrderID] {
			out = append(out, s)
		}
	}
	return out, nil
}

type exams struct{ f *Fixture }

func (r exams) GetByID(_ context.Context, id uuid.UUID) (*lab.Exam, error) {
	if err := r.f.record("Exams.GetByID"); err != nil {
		return nil, err
	}
	return r.f.exams[id], nil
}

func (r exams) ListByIDs(_ context.Context, ids []uuid.UUID) ([]*lab.Exam, error) {
	if err := r.f.record("Exams.ListByIDs"); err != nil {
		return nil, err
	}
	return pick(r.f.exams, ids), nil
}

func (r exams) ListBySpecimens(_ context.Context, ids []uuid.UUID) ([]*lab.Exam, error) {
	if err := r.f.record("Exams.ListBySpecimens"); err != nil {
		return nil, err
	}
	want := map[uuid.UUID]bool{}
	for _, id := range ids {
		want[id] = true
	}
	var out []*lab.Exam
	for _, e := range r.f.exams {
		if want[e.SpecimenID] {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r exams) ListValidatedBetween(_ context.Context, from, to time.Time) ([]*lab.Exam, error) {
	if err := r.f.record("Exams.ListValidatedBetween"); err != nil {
		return nil, err
	}
	var out []*lab.Exam
	for _, e := range r.f.exams {
		if e.Status.IsTerminal() && e.ValidatedAt != nil && lab.InRange(*e.ValidatedAt, from, to) {
			out = append(out, e)
		}
	}
	return out, nil
}

type examTypes struct{ f *Fixture }

func (r examTypes) GetByID(_ context.Context, id uuid.UUID) (*lab.ExamType, error) {
	if err := r.f.record("ExamTypes.GetByID"); err != nil {
		return nil, err
	}
	return r.f.examTypes[id], nil
}

func (r examTypes) List(context.Context) ([]*lab.ExamType, error) {
	if err := r.f.record("ExamTypes.List"); err != nil {
		return nil, err
	}
	out := make([]*lab.ExamType, 0, len(r.f.examTypes))
	for _, et := range r.f.examTypes {
		out = append(out, et)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

type patients struct{ f *Fixture }

func (r patients) GetByID(_ context.Context, id uuid.UUID) (*lab.Patient, error) {
	if err := r.f.record("Patients.GetByID"); err != nil {
		return nil, err
	}
	return r.f.patients[id], nil
}

func (r patients) ListByIDs(_ context.Context, ids []uuid.UUID) ([]*lab.Patient, error) {
	if err := r.f.record("Patients.ListByIDs"); err != nil {
		return nil, err
	}
	return pick(r.f.patients, ids), nil
}

// events returns listings in insertion order, which is deliberately not
// chronological in most tests.
type events struct{ f *Fixture }

func (r events) ListBySubject(_ context.Context, st lab.SubjectType, id uuid.UUID) ([]*lab.Event, error) {
	if err := r.f.record("Events.ListBySubject"); err != nil {
		return nil, err
	}
	var out []*lab.Event
	for _, e := range r.f.events {
		if e.SubjectType == st && e.SubjectID == id {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r events) ListReferencing(_ context.Context, ids []uuid.UUID) ([]*lab.Event, error) {
	if err := r.f.record("Events.ListReferencing"); err != nil {
		return nil, err
	}
	want := map[uuid.UUID]bool{}
	for _, id := range ids {
		want[id] = true
	}
	var out []*lab.Event
	for _, e := range r.f.events {
		if want[e.SubjectID] || e.Metadata.References(want) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r events) ListByTimeRange(_ context.Context, from, to time.Time, after string, limit int) (*lab.EventPage, error) {
	if err := r.f.record("Events.ListByTimeRange"); err != nil {
		return nil, err
	}
	var inRange []*lab.Event
	for _, e := range r.f.events {
		if lab.InRange(e.Timestamp, from, to) {
			inRange = append(inRange, e)
		}
	}
	lab.SortEvents(inRange)

	if after != "" {
		cur, err := pagination.DecodeCursor(after)
		if err != nil {
			return nil, err
		}
		pos := &lab.Event{Timestamp: cur.Timestamp, ID: uuid.MustParse(cur.ID)}
		i := sort.Search(len(inRange), func(i int) bool { return lab.CompareEvents(inRange[i], pos) > 0 })
		inRange = inRange[i:]
	}

	page := &lab.EventPage{Events: inRange}
	if limit > 0 && len(inRange) > limit {
		page.Events = inRange[:limit]
		last := page.Events[limit-1]
		page.Next = pagination.EncodeCursor(last.Timestamp, last.ID.String())
	}
	return page, nil
}
