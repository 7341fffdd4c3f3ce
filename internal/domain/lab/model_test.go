package lab

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestExamStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status ExamStatus
		want   bool
	}{
		{ExamPending, false},
		{ExamInProgress, false},
		{ExamCompleted, false},
		{ExamReview, false},
		{ExamReadyForValidation, false},
		{ExamApproved, true},
		{ExamRejected, true},
	}
	for _, tt := range tests {
		if got := tt.status.IsTerminal(); got != tt.want {
			t.Errorf("%s.IsTerminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestPriority_Valid(t *testing.T) {
	for _, p := range []Priority{PriorityRoutine, PriorityUrgent, PriorityStat} {
		if !p.Valid() {
			t.Errorf("expected %q to be valid", p)
		}
	}
	if Priority("asap").Valid() {
		t.Error("expected asap to be invalid")
	}
}

func TestFieldSchema_UnmarshalBothShapes(t *testing.T) {
	inputs := map[string]string{
		"array":   `[{"title":"Serie roja","fields":[{"key":"hgb","type":"numeric","referenceRange":"12.0 – 17.5"}]}]`,
		"wrapped": `{"sections":[{"title":"Serie roja","fields":[{"key":"hgb","type":"numeric","referenceRange":"12.0 – 17.5"}]}]}`,
	}
	for name, in := range inputs {
		t.Run(name, func(t *testing.T) {
			var et ExamType
			if err := json.Unmarshal([]byte(`{"code":"CBC","field_schema":`+in+`}`), &et); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			fields := et.FieldSchema.Fields()
			if len(fields) != 1 {
				t.Fatalf("expected 1 field, got %d", len(fields))
			}
			if fields[0].Key != "hgb" || fields[0].Type != FieldNumeric {
				t.Errorf("unexpected field: %+v", fields[0])
			}
			if fields[0].ReferenceRange != "12.0 – 17.5" {
				t.Errorf("unexpected range: %q", fields[0].ReferenceRange)
			}
		})
	}
}

func TestFieldSchema_NullIsEmpty(t *testing.T) {
	var fs FieldSchema
	if err := json.Unmarshal([]byte(`null`), &fs); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fs.Fields()) != 0 {
		t.Errorf("expected no fields, got %d", len(fs.Fields()))
	}
}

func TestSortEvents_TotalOrder(t *testing.T) {
	ts := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	a := &Event{ID: uuid.MustParse("00000000-0000-0000-0000-00000000000a"), Timestamp: ts}
	b := &Event{ID: uuid.MustParse("00000000-0000-0000-0000-00000000000b"), Timestamp: ts}
	early := &Event{ID: uuid.MustParse("00000000-0000-0000-0000-0000000000ff"), Timestamp: ts.Add(-time.Minute)}

	for i := 0; i < 5; i++ {
		events := []*Event{b, a, early}
		if i%2 == 1 {
			events = []*Event{a, early, b}
		}
		SortEvents(events)
		if events[0] != early || events[1] != a || events[2] != b {
			t.Fatalf("run %d: unexpected order %v %v %v", i, events[0].ID, events[1].ID, events[2].ID)
		}
	}
	if CompareEvents(a, a) != 0 {
		t.Error("expected an event to compare equal to itself")
	}
}

func TestInRange_Inclusive(t *testing.T) {
	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)
	tests := []struct {
		t    time.Time
		want bool
	}{
		{from, true},
		{to, true},
		{from.Add(-time.Nanosecond), false},
		{to.Add(time.Nanosecond), false},
		{from.Add(time.Hour), true},
	}
	for _, tt := range tests {
		if got := InRange(tt.t, from, to); got != tt.want {
			t.Errorf("InRange(%v) = %v, want %v", tt.t, got, tt.want)
		}
	}
}

func TestAction_Predicates(t *testing.T) {
	if !ActionExamRejected.IsRejection() || !ActionSpecimenRejected.IsRejection() {
		t.Error("expected both rejection kinds to be rejections")
	}
	if ActionExamApproved.IsRejection() {
		t.Error("approval is not a rejection")
	}
	if !ActionIncidenceReported.IsIncident() {
		t.Error("expected incidence marker to be an incident")
	}
	if !ActionExamApproved.IsValidationOutcome() || !ActionExamRejected.IsValidationOutcome() {
		t.Error("expected approved and rejected to be validation outcomes")
	}
}

func TestExamPerSpecimen(t *testing.T) {
	specimen := uuid.MustParse("00000000-0000-0000-0000-000000000020")
	low := &Exam{ID: uuid.MustParse("00000000-0000-0000-0000-000000000030"), SpecimenID: specimen}
	high := &Exam{ID: uuid.MustParse("00000000-0000-0000-0000-000000000031"), SpecimenID: specimen}
	other := &Exam{ID: uuid.MustParse("00000000-0000-0000-0000-000000000029"), SpecimenID: uuid.New()}

	for _, exams := range [][]*Exam{{low, high, other}, {high, other, low}} {
		got := ExamPerSpecimen(exams)
		if len(got) != 2 {
			t.Fatalf("expected 2 specimens, got %d", len(got))
		}
		if got[specimen] != low {
			t.Errorf("expected the lowest exam id, got %s", got[specimen].ID)
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	for _, s := range TerminalStatuses {
		if !s.IsTerminal() {
			t.Errorf("%s listed as terminal but IsTerminal is false", s)
		}
	}
	if len(TerminalStatuses) != 2 {
		t.Errorf("expected approved and rejected, got %v", TerminalStatuses)
	}
}
