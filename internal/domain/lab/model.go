package lab

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Priority of a work order.
type Priority string

const (
	PriorityRoutine Priority = "routine"
	PriorityUrgent  Priority = "urgent"
	PriorityStat    Priority = "stat"
)

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityRoutine, PriorityUrgent, PriorityStat:
		return true
	}
	return false
}

// ExamStatus follows pending -> inprogress -> completed -> review or
// ready_for_validation -> approved | rejected.
type ExamStatus string

const (
	ExamPending            ExamStatus = "pending"
	ExamInProgress         ExamStatus = "inprogress"
	ExamCompleted          ExamStatus = "completed"
	ExamReview             ExamStatus = "review"
	ExamReadyForValidation ExamStatus = "ready_for_validation"
	ExamApproved           ExamStatus = "approved"
	ExamRejected           ExamStatus = "rejected"
)

// IsTerminal reports whether the status will not change further.
func (s ExamStatus) IsTerminal() bool {
	return s == ExamApproved || s == ExamRejected
}

// TerminalStatuses lists the statuses IsTerminal accepts.
var TerminalStatuses = []ExamStatus{ExamApproved, ExamRejected}

// ExamPerSpecimen pairs each specimen with its lowest-id exam so the pairing
// is stable when the store holds more than one.
func ExamPerSpecimen(exams []*Exam) map[uuid.UUID]*Exam {
	out := make(map[uuid.UUID]*Exam, len(exams))
	for _, e := range exams {
		cur, ok := out[e.SpecimenID]
		if !ok || e.ID.String() < cur.ID.String() {
			out[e.SpecimenID] = e
		}
	}
	return out
}

// SubjectType is the entity type an event is primarily attached to.
type SubjectType string

const (
	SubjectWorkOrder SubjectType = "WorkOrder"
	SubjectSpecimen  SubjectType = "Specimen"
	SubjectExam      SubjectType = "Exam"
)

// WorkOrder maps to the work_order table.
type WorkOrder struct {
	ID              uuid.UUID `db:"id" json:"id"`
	PatientID       uuid.UUID `db:"patient_id" json:"patient_id"`
	AccessionNumber string    `db:"accession_number" json:"accession_number"`
	Priority        Priority  `db:"priority" json:"priority"`
	RequestedAt     time.Time `db:"requested_at" json:"requested_at"`
	ReferringDoctor *string   `db:"referring_doctor" json:"referring_doctor,omitempty"`
	Status          string    `db:"status" json:"status"`
}

// Specimen maps to the specimen table.
type Specimen struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	WorkOrderID uuid.UUID  `db:"work_order_id" json:"work_order_id"`
	ExamTypeID  *uuid.UUID `db:"exam_type_id" json:"exam_type_id,omitempty"`
	Barcode     string     `db:"barcode" json:"barcode"`
	Status      string     `db:"status" json:"status"`
	CollectedAt *time.Time `db:"collected_at" json:"collected_at,omitempty"`
	ReceivedAt  *time.Time `db:"received_at" json:"received_at,omitempty"`
}

// Exam maps to the exam table. Results is an opaque field-value map.
type Exam struct {
	ID          uuid.UUID      `db:"id" json:"id"`
	SpecimenID  uuid.UUID      `db:"specimen_id" json:"specimen_id"`
	ExamTypeID  *uuid.UUID     `db:"exam_type_id" json:"exam_type_id,omitempty"`
	Status      ExamStatus     `db:"status" json:"status"`
	Results     map[string]any `db:"results" json:"results,omitempty"`
	StartedAt   *time.Time     `db:"started_at" json:"started_at,omitempty"`
	ResultedAt  *time.Time     `db:"resulted_at" json:"resulted_at,omitempty"`
	PerformedBy *string        `db:"performed_by" json:"performed_by,omitempty"`
	ValidatedBy *string        `db:"validated_by" json:"validated_by,omitempty"`
	ValidatedAt *time.Time     `db:"validated_at" json:"validated_at,omitempty"`
}

// FieldType of an exam result field.
type FieldType string

const (
	FieldNumeric FieldType = "numeric"
	FieldEnum    FieldType = "enum"
	FieldString  FieldType = "string"
)

// Field describes one result field of an exam type.
type Field struct {
	Key            string    `json:"key"`
	Label          string    `json:"label,omitempty"`
	Type           FieldType `json:"type"`
	Unit           string    `json:"unit,omitempty"`
	ReferenceRange string    `json:"referenceRange,omitempty"`
	Options        []string  `json:"options,omitempty"`
}

// Section groups fields in display order.
type Section struct {
	Title  string  `json:"title,omitempty"`
	Fields []Field `json:"fields"`
}

// FieldSchema is the ordered list of sections of an exam type. It decodes
// from either a bare array of sections or an object with a "sections" key.
type FieldSchema []Section

func (s *FieldSchema) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		*s = nil
		return nil
	}
	if strings.HasPrefix(trimmed, "{") {
		var wrapped struct {
			Sections []Section `json:"sections"`
		}
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return err
		}
		*s = wrapped.Sections
		return nil
	}
	var sections []Section
	if err := json.Unmarshal(data, &sections); err != nil {
		return err
	}
	*s = sections
	return nil
}

// Fields returns every field in section order.
func (s FieldSchema) Fields() []Field {
	var out []Field
	for _, sec := range s {
		out = append(out, sec.Fields...)
	}
	return out
}

// ExamType maps to the exam_type table.
type ExamType struct {
	ID          uuid.UUID   `db:"id" json:"id"`
	Code        string      `db:"code" json:"code"`
	Name        string      `db:"name" json:"name"`
	FieldSchema FieldSchema `db:"field_schema" json:"field_schema,omitempty"`
}

// Patient maps to the patient table.
type Patient struct {
	ID        uuid.UUID `db:"id" json:"id"`
	FirstName string    `db:"first_name" json:"first_name"`
	LastName  string    `db:"last_name" json:"last_name"`
}

// FullName joins first and last name.
func (p *Patient) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// Event is an immutable audit record of one state transition.
type Event struct {
	ID          uuid.UUID   `db:"id" json:"id"`
	Action      Action      `db:"action" json:"action"`
	SubjectType SubjectType `db:"subject_type" json:"subject_type"`
	SubjectID   uuid.UUID   `db:"subject_id" json:"subject_id"`
	ActorID     string      `db:"actor_id" json:"actor_id,omitempty"`
	Timestamp   time.Time   `db:"recorded_at" json:"timestamp"`
	Metadata    Metadata    `db:"metadata" json:"metadata,omitempty"`
}

// CompareEvents orders events by timestamp ascending with the event id as a
// tie-break, giving a total order that is stable across runs.
func CompareEvents(a, b *Event) int {
	if a.Timestamp.Before(b.Timestamp) {
		return -1
	}
	if a.Timestamp.After(b.Timestamp) {
		return 1
	}
	return strings.Compare(a.ID.String(), b.ID.String())
}

// SortEvents sorts events in place using CompareEvents.
func SortEvents(events []*Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return CompareEvents(events[i], events[j]) < 0
	})
}

// InRange reports whether t lies within [from, to] inclusive.
func InRange(t, from, to time.Time) bool {
	return !t.Before(from) && !t.After(to)
}
