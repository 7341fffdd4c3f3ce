// Package incident turns rejection and incidence events into incident
// records, serves them as a cursor-paginated feed and aggregates patterns.
package incident

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lims/lims/internal/domain/clinicalflag"
	"github.com/lims/lims/internal/domain/lab"
	"github.com/lims/lims/internal/domain/linkresolver"
	"github.com/lims/lims/internal/platform/i18n"
	"github.com/lims/lims/internal/platform/memo"
	"github.com/lims/lims/internal/platform/telemetry"
	"github.com/lims/lims/pkg/timerange"
)

type Type string

const (
	TypeExamRejected     Type = "exam_rejected"
	TypeSpecimenRejected Type = "specimen_rejected"
	TypeIncidence        Type = "incidence"
)

// Valid reports whether t is a known incident type.
func (t Type) Valid() bool {
	switch t {
	case TypeExamRejected, TypeSpecimenRejected, TypeIncidence:
		return true
	}
	return false
}

type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
)

type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
)

// Classify maps an action to its incident type. Other actions are not
// incidents.
func Classify(a lab.Action) (Type, bool) {
	switch a {
	case lab.ActionExamRejected:
		return TypeExamRejected, true
	case lab.ActionSpecimenRejected:
		return TypeSpecimenRejected, true
	case lab.ActionIncidenceReported:
		return TypeIncidence, true
	}
	return "", false
}

func severityOf(t Type) Severity {
	if t == TypeExamRejected || t == TypeSpecimenRejected {
		return SeverityHigh
	}
	return SeverityMedium
}

// Incident is one classified event joined with its resolved context.
type Incident struct {
	ID              uuid.UUID         `json:"id"`
	Type            Type              `json:"type"`
	Severity        Severity          `json:"severity"`
	Status          Status            `json:"status"`
	Timestamp       time.Time         `json:"timestamp"`
	TechnicianID    string            `json:"technician_id,omitempty"`
	Reason          string            `json:"reason,omitempty"`
	Description     string            `json:"description,omitempty"`
	WorkOrderID     *uuid.UUID        `json:"work_order_id,omitempty"`
	AccessionNumber string            `json:"accession_number,omitempty"`
	SpecimenID      *uuid.UUID        `json:"specimen_id,omitempty"`
	Barcode         string            `json:"barcode,omitempty"`
	ExamID          *uuid.UUID        `json:"exam_id,omitempty"`
	ExamStatus      lab.ExamStatus    `json:"exam_status,omitempty"`
	ExamTypeID      *uuid.UUID        `json:"exam_type_id,omitempty"`
	ExamTypeCode    string            `json:"exam_type_code,omitempty"`
	ExamTypeName    string            `json:"exam_type_name,omitempty"`
	PatientID       *uuid.UUID        `json:"patient_id,omitempty"`
	PatientName     string            `json:"patient_name,omitempty"`
	ClinicalFlag    clinicalflag.Flag `json:"clinical_flag,omitempty"`

	// search is the folded text matched by free-text queries.
	search string
}

// compare orders incidents newest first, then by id ascending.
func compare(a, b *Incident) int {
	switch {
	case a.Timestamp.After(b.Timestamp):
		return -1
	case a.Timestamp.Before(b.Timestamp):
		return 1
	}
	return strings.Compare(a.ID.String(), b.ID.String())
}

// Engine is request scoped through its resolver.
type Engine struct {
	resolver *linkresolver.Resolver
	pageSize int
	metrics  *telemetry.Provider
}

func NewEngine(resolver *linkresolver.Resolver, pageSize int, metrics *telemetry.Provider) *Engine {
	return &Engine{resolver: resolver, pageSize: pageSize, metrics: metrics}
}

// classified returns every incident in the range, sorted with compare. The
// slice is shared through the request memo and must not be modified.
func (e *Engine) classified(ctx context.Context, r timerange.Range) ([]*Incident, error) {
	return memo.Do(e.resolver.Scope(), "incidents.classified", r, func() ([]*Incident, error) {
		return e.load(ctx, r)
	})
}

func (e *Engine) load(ctx context.Context, r timerange.Range) ([]*Incident, error) {
	all, err := e.resolver.EventsInRange(ctx, r.From, r.To, e.pageSize)
	if err != nil {
		return nil, err
	}
	var events []*lab.Event
	for _, ev := range all {
		if _, ok := Classify(ev.Action); ok {
			events = append(events, ev)
		}
	}
	links, err := e.resolver.ResolveAll(ctx, events)
	if err != nil {
		return nil, fmt.Errorf("resolve incidents: %w", err)
	}
	patients, err := e.patients(ctx, links)
	if err != nil {
		return nil, err
	}

	out := make([]*Incident, len(events))
	for i, ev := range events {
		out[i] = build(ev, links[i], patients)
	}
	sort.SliceStable(out, func(i, j int) bool { return compare(out[i], out[j]) < 0 })
	return out, nil
}

func (e *Engine) patients(ctx context.Context, links []linkresolver.Links) (map[uuid.UUID]*lab.Patient, error) {
	seen := map[uuid.UUID]bool{}
	var ids []uuid.UUID
	for _, l := range links {
		if l.PatientID != nil && !seen[*l.PatientID] {
			seen[*l.PatientID] = true
			ids = append(ids, *l.PatientID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	list, err := e.resolver.Store().Patients.ListByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("list patients: %w", err)
	}
	out := make(map[uuid.UUID]*lab.Patient, len(list))
	for _, p := range list {
		out[p.ID] = p
	}
	return out, nil
}

func build(ev *lab.Event, l linkresolver.Links, patients map[uuid.UUID]*lab.Patient) *Incident {
	t, _ := Classify(ev.Action)
	inc := &Incident{
		ID:           ev.ID,
		Type:         t,
		Severity:     severityOf(t),
		Status:       StatusOpen,
		Timestamp:    ev.Timestamp,
		TechnicianID: ev.ActorID,
		Reason:       ev.Metadata.Reason(),
		Description:  ev.Metadata.Description(),
		WorkOrderID:  l.WorkOrderID,
		SpecimenID:   l.SpecimenID,
		ExamID:       l.ExamID,
		ExamTypeID:   l.ExamTypeID,
		ExamTypeCode: l.ExamTypeCode,
		ExamTypeName: l.ExamTypeName,
		PatientID:    l.PatientID,
	}
	if l.WorkOrder != nil {
		inc.AccessionNumber = l.WorkOrder.AccessionNumber
	}
	if l.Specimen != nil {
		inc.Barcode = l.Specimen.Barcode
	}
	if l.Exam != nil {
		inc.ExamStatus = l.Exam.Status
		if l.Exam.Status == lab.ExamApproved {
			inc.Status = StatusResolved
		}
		if len(l.Exam.Results) > 0 {
			var schema lab.FieldSchema
			if l.ExamType != nil {
				schema = l.ExamType.FieldSchema
			}
			inc.ClinicalFlag = clinicalflag.Classify(l.Exam.Results, schema)
		}
	}
	if l.PatientID != nil {
		if p := patients[*l.PatientID]; p != nil {
			inc.PatientName = p.FullName()
		}
	}
	inc.search = i18n.Fold(strings.Join([]string{
		inc.PatientName, inc.AccessionNumber, inc.Barcode,
		inc.ExamTypeCode, inc.ExamTypeName, inc.Reason, inc.Description,
	}, "\x00"))
	return inc
}
