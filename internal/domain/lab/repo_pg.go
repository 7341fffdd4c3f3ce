package lab

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lims/lims/internal/platform/db"
)

type pgBase struct{ pool *pgxpool.Pool }

func (r pgBase) conn(ctx context.Context) db.Querier {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

// scanOne turns pgx.ErrNoRows into (nil, nil).
func scanOne[T any](v *T, err error) (*T, error) {
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func collect[T any](rows pgx.Rows, err error, scan func(pgx.Row) (*T, error)) ([]*T, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*T
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// =========== WorkOrder Repository ===========

type workOrderRepoPG struct{ pgBase }

func NewWorkOrderRepoPG(pool *pgxpool.Pool) WorkOrderRepository {
	return &workOrderRepoPG{pgBase{pool}}
}

const woCols = `id, patient_id, accession_number, priority, requested_at, referring_doctor, status`

func scanWorkOrder(row pgx.Row) (*WorkOrder, error) {
	var w WorkOrder
	err := row.Scan(&w.ID, &w.PatientID, &w.AccessionNumber, &w.Priority, &w.RequestedAt, &w.ReferringDoctor, &w.Status)
	return &w, err
}

func (r *workOrderRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*WorkOrder, error) {
	return scanOne[WorkOrder](scanWorkOrder(r.conn(ctx).QueryRow(ctx, `SELECT `+woCols+` FROM work_order WHERE id = $1`, id)))
}

func (r *workOrderRepoPG) ListByIDs(ctx context.Context, ids []uuid.UUID) ([]*WorkOrder, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+woCols+` FROM work_order WHERE id = ANY($1)`, ids)
	return collect(rows, err, scanWorkOrder)
}

func (r *workOrderRepoPG) ListRequestedBetween(ctx context.Context, from, to time.Time) ([]*WorkOrder, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+woCols+` FROM work_order
		WHERE requested_at BETWEEN $1 AND $2 ORDER BY requested_at, id`, from, to)
	return collect(rows, err, scanWorkOrder)
}

// =========== Specimen Repository ===========

type specimenRepoPG struct{ pgBase }

func NewSpecimenRepoPG(pool *pgxpool.Pool) SpecimenRepository {
	return &specimenRepoPG{pgBase{pool}}
}

const specimenCols = `id, work_order_id, exam_type_id, barcode, status, collected_at, received_at`

func scanSpecimen(row pgx.Row) (*Specimen, error) {
	var s Specimen
	err := row.Scan(&s.ID, &s.WorkOrderID, &s.ExamTypeID, &s.Barcode, &s.Status, &s.CollectedAt, &s.ReceivedAt)
	return &s, err
}

func (r *specimenRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Specimen, error) {
	return scanOne[Specimen](scanSpecimen(r.conn(ctx).QueryRow(ctx, `SELECT `+specimenCols+` FROM specimen WHERE id = $1`, id)))
}

func (r *specimenRepoPG) ListByIDs(ctx context.Context, ids []uuid.UUID) ([]*Specimen, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+specimenCols+` FROM specimen WHERE id = ANY($1)`, ids)
	return collect(rows, err, scanSpecimen)
}

func (r *specimenRepoPG) ListByWorkOrder(ctx context.Context, workOrderID uuid.UUID) ([]*Specimen, error) {
	return r.ListByWorkOrders(ctx, []uuid.UUID{workOrderID})
}

func (r *specimenRepoPG) ListByWorkOrders(ctx context.Context, workOrderIDs []uuid.UUID) ([]*Specimen, error) {
	if len(workOrderIDs) == 0 {
		return nil, nil
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+specimenCols+` FROM specimen WHERE work_order_id = ANY($1)`, workOrderIDs)
	return collect(rows, err, scanSpecimen)
}

// =========== Exam Repository ===========

type examRepoPG struct{ pgBase }

func NewExamRepoPG(pool *pgxpool.Pool) ExamRepository {
	return &examRepoPG{pgBase{pool}}
}

const examCols = `id, specimen_id, exam_type_id, status, results, started_at, resulted_at,
	performed_by, validated_by, validated_at`

func scanExam(row pgx.Row) (*Exam, error) {
	var (
		e       Exam
		results []byte
	)
	err := row.Scan(&e.ID, &e.SpecimenID, &e.ExamTypeID, &e.Status, &results, &e.StartedAt, &e.ResultedAt,
		&e.PerformedBy, &e.ValidatedBy, &e.ValidatedAt)
	e.Results = NewResults(results)
	return &e, err
}

func (r *examRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Exam, error) {
	return scanOne[Exam](scanExam(r.conn(ctx).QueryRow(ctx, `SELECT `+examCols+` FROM exam WHERE id = $1`, id)))
}

func (r *examRepoPG) ListByIDs(ctx context.Context, ids []uuid.UUID) ([]*Exam, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+examCols+` FROM exam WHERE id = ANY($1)`, ids)
	return collect(rows, err, scanExam)
}

func (r *examRepoPG) ListBySpecimens(ctx context.Context, specimenIDs []uuid.UUID) ([]*Exam, error) {
	if len(specimenIDs) == 0 {
		return nil, nil
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+examCols+` FROM exam WHERE specimen_id = ANY($1)`, specimenIDs)
	return collect(rows, err, scanExam)
}

func (r *examRepoPG) ListValidatedBetween(ctx context.Context, from, to time.Time) ([]*Exam, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+examCols+` FROM exam
		WHERE status = ANY($1) AND validated_at BETWEEN $2 AND $3
		ORDER BY validated_at, id`,
		terminalStatuses(), from, to)
	return collect(rows, err, scanExam)
}

func terminalStatuses() []string {
	out := make([]string, len(TerminalStatuses))
	for i, s := range TerminalStatuses {
		out[i] = string(s)
	}
	return out
}

// =========== ExamType Repository ===========

type examTypeRepoPG struct{ pgBase }

func NewExamTypeRepoPG(pool *pgxpool.Pool) ExamTypeRepository {
	return &examTypeRepoPG{pgBase{pool}}
}

const examTypeCols = `id, code, name, field_schema`

func scanExamType(row pgx.Row) (*ExamType, error) {
	var (
		et     ExamType
		schema []byte
	)
	err := row.Scan(&et.ID, &et.Code, &et.Name, &schema)
	et.FieldSchema = DecodeFieldSchema(schema)
	return &et, err
}

func (r *examTypeRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*ExamType, error) {
	return scanOne[ExamType](scanExamType(r.conn(ctx).QueryRow(ctx, `SELECT `+examTypeCols+` FROM exam_type WHERE id = $1`, id)))
}

func (r *examTypeRepoPG) List(ctx context.Context) ([]*ExamType, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+examTypeCols+` FROM exam_type ORDER BY code`)
	return collect(rows, err, scanExamType)
}

// =========== Patient Repository ===========

type patientRepoPG struct{ pgBase }

func NewPatientRepoPG(pool *pgxpool.Pool) PatientRepository {
	return &patientRepoPG{pgBase{pool}}
}

const patientCols = `id, first_name, last_name`

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.FirstName, &p.LastName)
	return &p, err
}

func (r *patientRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return scanOne[Patient](scanPatient(r.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+` FROM patient WHERE id = $1`, id)))
}

func (r *patientRepoPG) ListByIDs(ctx context.Context, ids []uuid.UUID) ([]*Patient, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+patientCols+` FROM patient WHERE id = ANY($1)`, ids)
	return collect(rows, err, scanPatient)
}

// NewPGStore wires every postgres repository and the event log.
func NewPGStore(pool *pgxpool.Pool) *Store {
	return &Store{
		WorkOrders: NewWorkOrderRepoPG(pool),
		Specimens:  NewSpecimenRepoPG(pool),
		Exams:      NewExamRepoPG(pool),
		ExamTypes:  NewExamTypeRepoPG(pool),
		Patients:   NewPatientRepoPG(pool),
		Events:     NewEventLogPG(pool),
	}
}
