package lab

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Lookups return (nil, nil) when the record does not exist; only store
// failures are reported as errors.

type WorkOrderRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*WorkOrder, error)
	ListByIDs(ctx context.Context, ids []uuid.UUID) ([]*WorkOrder, error)
	ListRequestedBetween(ctx context.Context, from, to time.Time) ([]*WorkOrder, error)
}

type SpecimenRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Specimen, error)
	ListByIDs(ctx context.Context, ids []uuid.UUID) ([]*Specimen, error)
	ListByWorkOrder(ctx context.Context, workOrderID uuid.UUID) ([]*Specimen, error)
	ListByWorkOrders(ctx context.Context, workOrderIDs []uuid.UUID) ([]*Specimen, error)
}

type ExamRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Exam, error)
	ListByIDs(ctx context.Context, ids []uuid.UUID) ([]*Exam, error)
	ListBySpecimens(ctx context.Context, specimenIDs []uuid.UUID) ([]*Exam, error)
	// ListValidatedBetween returns exams in a terminal status whose
	// validation timestamp lies within [from, to].
	ListValidatedBetween(ctx context.Context, from, to time.Time) ([]*Exam, error)
}

type ExamTypeRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*ExamType, error)
	List(ctx context.Context) ([]*ExamType, error)
}

type PatientRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	ListByIDs(ctx context.Context, ids []uuid.UUID) ([]*Patient, error)
}

// Store bundles the snapshot repositories and the event log that the read
// engines consume.
type Store struct {
	WorkOrders WorkOrderRepository
	Specimens  SpecimenRepository
	Exams      ExamRepository
	ExamTypes  ExamTypeRepository
	Patients   PatientRepository
	Events     EventLog
}
