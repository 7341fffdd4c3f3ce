package linkresolver

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lims/lims/internal/domain/lab"
	"github.com/lims/lims/internal/platform/memo"
)

// Memoized point lookups. Keys are namespaced per entity kind so a bulk
// preload and a later point lookup share the same entry.

func (r *Resolver) Exam(ctx context.Context, id uuid.UUID) (*lab.Exam, error) {
	return memo.Do(r.scope, "exam", id, func() (*lab.Exam, error) {
		return r.store.Exams.GetByID(ctx, id)
	})
}

func (r *Resolver) Specimen(ctx context.Context, id uuid.UUID) (*lab.Specimen, error) {
	return memo.Do(r.scope, "specimen", id, func() (*lab.Specimen, error) {
		return r.store.Specimens.GetByID(ctx, id)
	})
}

func (r *Resolver) WorkOrder(ctx context.Context, id uuid.UUID) (*lab.WorkOrder, error) {
	return memo.Do(r.scope, "work_order", id, func() (*lab.WorkOrder, error) {
		return r.store.WorkOrders.GetByID(ctx, id)
	})
}

func (r *Resolver) ExamType(ctx context.Context, id uuid.UUID) (*lab.ExamType, error) {
	return memo.Do(r.scope, "exam_type", id, func() (*lab.ExamType, error) {
		return r.store.ExamTypes.GetByID(ctx, id)
	})
}

func (r *Resolver) Patient(ctx context.Context, id uuid.UUID) (*lab.Patient, error) {
	return memo.Do(r.scope, "patient", id, func() (*lab.Patient, error) {
		return r.store.Patients.GetByID(ctx, id)
	})
}

// Seed records already-loaded snapshots in the memo so later lookups of the
// same ids do not reach the store.
func (r *Resolver) Seed(exams []*lab.Exam, specimens []*lab.Specimen, orders []*lab.WorkOrder) {
	for _, e := range exams {
		memo.Put(r.scope, "exam", e.ID, e)
	}
	for _, s := range specimens {
		memo.Put(r.scope, "specimen", s.ID, s)
	}
	for _, w := range orders {
		memo.Put(r.scope, "work_order", w.ID, w)
	}
}

// SeedExamTypes records exam types in the memo.
func (r *Resolver) SeedExamTypes(types []*lab.ExamType) {
	for _, et := range types {
		memo.Put(r.scope, "exam_type", et.ID, et)
	}
}

// ExamTypes lists every exam type once per request and seeds the point
// lookups with the result.
func (r *Resolver) ExamTypes(ctx context.Context) ([]*lab.ExamType, error) {
	return memo.Do(r.scope, "exam_types", nil, func() ([]*lab.ExamType, error) {
		types, err := r.store.ExamTypes.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("list exam types: %w", err)
		}
		r.SeedExamTypes(types)
		return types, nil
	})
}

// EventsInRange drains the event log for [from, to] once per request. The
// result is sorted and shared by every caller; do not modify it.
func (r *Resolver) EventsInRange(ctx context.Context, from, to time.Time, pageSize int) ([]*lab.Event, error) {
	return memo.Do(r.scope, "events_in_range", [2]time.Time{from, to}, func() ([]*lab.Event, error) {
		return lab.CollectRange(ctx, r.store.Events, from, to, pageSize)
	})
}

// Preload fetches, in three bulk queries, every exam, specimen and work
// order the events can reach, then seeds the memo. Ids the store does not
// know are seeded as nil afterwards so they are not looked up one by one;
// Put never replaces an existing entry.
func (r *Resolver) Preload(ctx context.Context, events []*lab.Event) error {
	if r.scope == nil || len(events) == 0 {
		return nil
	}

	examIDs := idSet{}
	specimenIDs := idSet{}
	orderIDs := idSet{}
	for _, e := range events {
		switch e.SubjectType {
		case lab.SubjectExam:
			examIDs.add(&e.SubjectID)
		case lab.SubjectSpecimen:
			specimenIDs.add(&e.SubjectID)
		case lab.SubjectWorkOrder:
			orderIDs.add(&e.SubjectID)
		}
		examIDs.add(e.Metadata.ExamID())
		specimenIDs.add(e.Metadata.SampleID())
		orderIDs.add(e.Metadata.WorkOrderID())
	}

	exams, err := r.store.Exams.ListByIDs(ctx, examIDs.list())
	if err != nil {
		return fmt.Errorf("preload exams: %w", err)
	}
	for _, ex := range exams {
		specimenIDs.add(&ex.SpecimenID)
	}
	specimens, err := r.store.Specimens.ListByIDs(ctx, specimenIDs.list())
	if err != nil {
		return fmt.Errorf("preload specimens: %w", err)
	}
	for _, sp := range specimens {
		orderIDs.add(&sp.WorkOrderID)
	}
	orders, err := r.store.WorkOrders.ListByIDs(ctx, orderIDs.list())
	if err != nil {
		return fmt.Errorf("preload work orders: %w", err)
	}

	r.Seed(exams, specimens, orders)
	seedMissing[lab.Exam](r.scope, "exam", examIDs)
	seedMissing[lab.Specimen](r.scope, "specimen", specimenIDs)
	seedMissing[lab.WorkOrder](r.scope, "work_order", orderIDs)
	return nil
}

func seedMissing[T any](s *memo.Scope, op string, ids idSet) {
	for _, id := range ids.list() {
		memo.Put[*T](s, op, id, nil)
	}
}

type idSet map[uuid.UUID]struct{}

func (s idSet) add(id *uuid.UUID) {
	if id != nil {
		s[*id] = struct{}{}
	}
}

func (s idSet) list() []uuid.UUID {
	out := make([]uuid.UUID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	return out
}
