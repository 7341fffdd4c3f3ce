// Package linkresolver resolves an event to the entities it belongs to.
//
// Events point at exactly one subject, but most consumers need the whole
// chain: exam, specimen, work order, patient and exam type. Resolution
// follows a fixed order: the event subject, then ids embedded in metadata,
// then the snapshots (exam -> specimen -> work order). Missing snapshots
// leave the corresponding link empty; only store failures are errors.
package linkresolver

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/domain/lab"
	"github.com/lims/lims/internal/platform/memo"
	"github.com/lims/lims/internal/platform/telemetry"
)

// Links are the best-known ancestors of one event. Any field may be nil.
type Links struct {
	SpecimenID   *uuid.UUID `json:"specimen_id,omitempty"`
	ExamID       *uuid.UUID `json:"exam_id,omitempty"`
	WorkOrderID  *uuid.UUID `json:"work_order_id,omitempty"`
	PatientID    *uuid.UUID `json:"patient_id,omitempty"`
	ExamTypeID   *uuid.UUID `json:"exam_type_id,omitempty"`
	ExamTypeCode string     `json:"exam_type_code,omitempty"`
	ExamTypeName string     `json:"exam_type_name,omitempty"`

	// Snapshots loaded along the way, nil when absent.
	Exam      *lab.Exam      `json:"-"`
	Specimen  *lab.Specimen  `json:"-"`
	WorkOrder *lab.WorkOrder `json:"-"`
	ExamType  *lab.ExamType  `json:"-"`
}

// Resolver is request scoped: its memo must not outlive one request.
type Resolver struct {
	store   *lab.Store
	scope   *memo.Scope
	metrics *telemetry.Provider
}

// New returns a resolver backed by store. Pass a fresh memo.Scope per
// request; a nil scope disables memoization.
func New(store *lab.Store, scope *memo.Scope, metrics *telemetry.Provider) *Resolver {
	return &Resolver{store: store, scope: scope, metrics: metrics}
}

// Store returns the underlying store.
func (r *Resolver) Store() *lab.Store { return r.store }

// Scope returns the request memo.
func (r *Resolver) Scope() *memo.Scope { return r.scope }

// Resolve runs the resolution chain for e.
func (r *Resolver) Resolve(ctx context.Context, e *lab.Event) (Links, error) {
	var l Links
	log := zerolog.Ctx(ctx)

	switch e.SubjectType {
	case lab.SubjectExam:
		l.ExamID = ptr(e.SubjectID)
	case lab.SubjectSpecimen:
		l.SpecimenID = ptr(e.SubjectID)
	case lab.SubjectWorkOrder:
		l.WorkOrderID = ptr(e.SubjectID)
	}
	if l.ExamID == nil {
		l.ExamID = e.Metadata.ExamID()
	}
	if l.SpecimenID == nil {
		l.SpecimenID = e.Metadata.SampleID()
	}
	if l.WorkOrderID == nil {
		l.WorkOrderID = e.Metadata.WorkOrderID()
	}

	if l.ExamID != nil {
		exam, err := r.Exam(ctx, *l.ExamID)
		if err != nil {
			return l, err
		}
		l.Exam = exam
		if exam == nil {
			log.Debug().Str("event_id", e.ID.String()).Str("exam_id", l.ExamID.String()).Msg("exam snapshot missing")
			r.metrics.UnresolvedLink("exam")
		} else if l.SpecimenID == nil {
			l.SpecimenID = ptr(exam.SpecimenID)
		}
	}

	if l.SpecimenID != nil {
		sp, err := r.Specimen(ctx, *l.SpecimenID)
		if err != nil {
			return l, err
		}
		l.Specimen = sp
		if sp == nil {
			log.Debug().Str("event_id", e.ID.String()).Str("specimen_id", l.SpecimenID.String()).Msg("specimen snapshot missing")
			r.metrics.UnresolvedLink("specimen")
		} else if l.WorkOrderID == nil {
			l.WorkOrderID = ptr(sp.WorkOrderID)
		}
	}

	if l.WorkOrderID == nil {
		r.metrics.UnresolvedLink("work_order")
		return l, nil
	}
	return l, r.enrich(ctx, &l)
}

// enrich derives patient and exam type from the resolved chain, preferring
// the exam's exam type over the specimen's.
func (r *Resolver) enrich(ctx context.Context, l *Links) error {
	wo, err := r.WorkOrder(ctx, *l.WorkOrderID)
	if err != nil {
		return err
	}
	l.WorkOrder = wo
	if wo != nil {
		l.PatientID = ptr(wo.PatientID)
	}

	switch {
	case l.Exam != nil && l.Exam.ExamTypeID != nil:
		l.ExamTypeID = ptr(*l.Exam.ExamTypeID)
	case l.Specimen != nil && l.Specimen.ExamTypeID != nil:
		l.ExamTypeID = ptr(*l.Specimen.ExamTypeID)
	}
	if l.ExamTypeID == nil {
		return nil
	}
	et, err := r.ExamType(ctx, *l.ExamTypeID)
	if err != nil {
		return err
	}
	if et != nil {
		l.ExamType = et
		l.ExamTypeCode = et.Code
		l.ExamTypeName = et.Name
	}
	return nil
}

// ResolveAll resolves events in order. The result is index-aligned with
// events.
func (r *Resolver) ResolveAll(ctx context.Context, events []*lab.Event) ([]Links, error) {
	if err := r.Preload(ctx, events); err != nil {
		return nil, err
	}
	out := make([]Links, len(events))
	for i, e := range events {
		l, err := r.Resolve(ctx, e)
		if err != nil {
			return nil, err
		}
		out[i] = l
	}
	return out, nil
}

func ptr(id uuid.UUID) *uuid.UUID { return &id }
