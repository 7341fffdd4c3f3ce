package analytics

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/lims/lims/internal/domain/lab"
	"github.com/lims/lims/internal/domain/lab/labtest"
	"github.com/lims/lims/internal/domain/linkresolver"
	"github.com/lims/lims/internal/platform/memo"
)

var day = time.Date(2026, 5, 4, 0, 0, 0, 0, time.UTC)

func at(h, m int) time.Time { return day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute) }

func fullRange() Filter { return Filter{From: day, To: day.Add(48 * time.Hour)} }

// lab builds three work orders with three terminal exams and one pending:
//
//	WO10 routine "Dr. Ruiz": S20 CBC approved TAT 30 (tech-a), S23 GLU in progress
//	WO11 stat no doctor:     S21 GLU approved TAT 31 from receipt (tech-b), critical
//	WO12 urgent "Dr. Ruiz":  S22 CBC rejected TAT 270, no technician
func fixture() *labtest.Fixture {
	f := labtest.New()
	cbc := f.AddExamType(&lab.ExamType{ID: labtest.ID(40), Code: "CBC", Name: "Hemograma", FieldSchema: lab.FieldSchema{
		{Fields: []lab.Field{{Key: "hgb", Type: lab.FieldNumeric, ReferenceRange: "12.0 – 17.5"}}},
	}})
	glu := f.AddExamType(&lab.ExamType{ID: labtest.ID(41), Code: "GLU", Name: "Glucosa"})

	f.AddWorkOrder(&lab.WorkOrder{ID: labtest.ID(10), Priority: lab.PriorityRoutine, RequestedAt: at(6, 0), ReferringDoctor: labtest.Ptr("Dr. Ruiz")})
	f.AddWorkOrder(&lab.WorkOrder{ID: labtest.ID(11), Priority: lab.PriorityStat, RequestedAt: at(7, 0)})
	f.AddWorkOrder(&lab.WorkOrder{ID: labtest.ID(12), Priority: lab.PriorityUrgent, RequestedAt: at(8, 0), ReferringDoctor: labtest.Ptr(" Dr. Ruiz ")})

	f.AddSpecimen(&lab.Specimen{ID: labtest.ID(20), WorkOrderID: labtest.ID(10), ExamTypeID: &cbc.ID, ReceivedAt: labtest.Ptr(at(7, 30))})
	f.AddSpecimen(&lab.Specimen{ID: labtest.ID(21), WorkOrderID: labtest.ID(11), ExamTypeID: &glu.ID, ReceivedAt: labtest.Ptr(at(9, 0))})
	f.AddSpecimen(&lab.Specimen{ID: labtest.ID(22), WorkOrderID: labtest.ID(12), ExamTypeID: &cbc.ID})
	f.AddSpecimen(&lab.Specimen{ID: labtest.ID(23), WorkOrderID: labtest.ID(10), ExamTypeID: &glu.ID})

	f.AddExam(&lab.Exam{ID: labtest.ID(30), SpecimenID: labtest.ID(20), ExamTypeID: &cbc.ID, Status: lab.ExamApproved,
		StartedAt: labtest.Ptr(at(8, 0)), ValidatedAt: labtest.Ptr(at(8, 30)), PerformedBy: labtest.Ptr("tech-a"),
		Results: map[string]any{"hgb": 18.0}})
	f.AddExam(&lab.Exam{ID: labtest.ID(31), SpecimenID: labtest.ID(21), Status: lab.ExamApproved,
		ValidatedAt: labtest.Ptr(at(9, 31)), PerformedBy: labtest.Ptr("tech-b"),
		Results: map[string]any{"comment": "Crítico"}})
	f.AddExam(&lab.Exam{ID: labtest.ID(32), SpecimenID: labtest.ID(22), ExamTypeID: &cbc.ID, Status: lab.ExamRejected,
		StartedAt: labtest.Ptr(at(34, 0)), ValidatedAt: labtest.Ptr(at(38, 30))})
	f.AddExam(&lab.Exam{ID: labtest.ID(33), SpecimenID: labtest.ID(23), ExamTypeID: &glu.ID, Status: lab.ExamInProgress})

	f.AddEvent(lab.ActionIncidenceReported, lab.SubjectSpecimen, labtest.ID(20), at(8, 10), lab.Metadata{"reason": "tubo roto"})
	f.AddEvent(lab.ActionExamRejected, lab.SubjectExam, labtest.ID(32), at(38, 30), lab.Metadata{"reason": "hemolizada"})
	f.AddEvent(lab.ActionSpecimenRejected, lab.SubjectSpecimen, labtest.ID(22), at(36, 0), lab.Metadata{"motivo": "hemolizada"})
	f.AddEvent(lab.ActionSpecimenRejected, lab.SubjectSpecimen, labtest.ID(21), at(9, 5), nil)
	f.AddEvent(lab.ActionExamApproved, lab.SubjectExam, labtest.ID(30), at(8, 30), nil)
	return f
}

func engine(f *labtest.Fixture) *Engine {
	return NewEngine(linkresolver.New(f.Store(), memo.NewScope(), nil), 2, nil)
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestKPIs(t *testing.T) {
	kpi, err := engine(fixture()).KPIs(context.Background(), fullRange())
	if err != nil {
		t.Fatalf("KPIs: %v", err)
	}
	want := KPISummary{
		WorkOrders:           3,
		TerminalExams:        3,
		Approved:             2,
		Rejected:             1,
		AvgTurnaroundMinutes: 31, // (30 + 31) / 2 rounded
		Incidents:            1,
		PendingBacklog:       1,
		CriticalResults:      1,
		AttentionResults:     1,
	}
	got := *kpi
	got.RejectionRate = 0
	if got != want {
		t.Errorf("KPIs mismatch:\n got %+v\nwant %+v", got, want)
	}
	if !approx(kpi.RejectionRate, 1.0/3.0) {
		t.Errorf("expected rejection rate 1/3, got %v", kpi.RejectionRate)
	}
}

func TestKPIs_EmptyRangeHasZeroForm(t *testing.T) {
	f := Filter{From: day.Add(-48 * time.Hour), To: day.Add(-24 * time.Hour)}
	kpi, err := engine(fixture()).KPIs(context.Background(), f)
	if err != nil {
		t.Fatalf("KPIs: %v", err)
	}
	if *kpi != (KPISummary{}) {
		t.Errorf("expected zero summary, got %+v", kpi)
	}
	if math.IsNaN(kpi.RejectionRate) {
		t.Error("rejection rate must not be NaN")
	}
}

func TestKPIs_PriorityFilter(t *testing.T) {
	f := fullRange()
	f.Priority = lab.PriorityStat
	kpi, err := engine(fixture()).KPIs(context.Background(), f)
	if err != nil {
		t.Fatalf("KPIs: %v", err)
	}
	if kpi.TerminalExams != 1 || kpi.Approved != 1 || kpi.RejectionRate != 0 {
		t.Errorf("unexpected stat-only summary %+v", kpi)
	}
	if kpi.Incidents != 0 || kpi.PendingBacklog != 0 {
		t.Errorf("expected no incidents or backlog for stat orders, got %+v", kpi)
	}
}

func TestKPIs_ExamTypeFilterCountsOrderLevelIncidents(t *testing.T) {
	f := fixture()
	// Neither resolves to an exam type; only WO10 is in the CBC order set.
	f.AddEvent(lab.ActionIncidenceReported, lab.SubjectWorkOrder, labtest.ID(10), at(8, 40), lab.Metadata{"reason": "orden incompleta"})
	f.AddEvent(lab.ActionIncidenceReported, lab.SubjectWorkOrder, labtest.ID(11), at(9, 10), nil)

	flt := fullRange()
	flt.ExamTypeCode = "CBC"
	kpi, err := engine(f).KPIs(context.Background(), flt)
	if err != nil {
		t.Fatalf("KPIs: %v", err)
	}
	if kpi.WorkOrders != 2 {
		t.Fatalf("expected WO10 and WO12 in the CBC set, got %d", kpi.WorkOrders)
	}
	if kpi.Incidents != 2 {
		t.Errorf("expected the specimen and order incidents of WO10, got %d", kpi.Incidents)
	}
}

func TestKPIs_BacklogPairsLowestExamID(t *testing.T) {
	for i := 0; i < 10; i++ {
		f := fixture()
		// A later approved exam without validation time on S23 must not
		// replace the in-progress exam 33.
		f.AddExam(&lab.Exam{ID: labtest.ID(34), SpecimenID: labtest.ID(23), ExamTypeID: labtest.Ptr(labtest.ID(41)), Status: lab.ExamApproved})
		kpi, err := engine(f).KPIs(context.Background(), fullRange())
		if err != nil {
			t.Fatalf("KPIs: %v", err)
		}
		if kpi.PendingBacklog != 1 {
			t.Fatalf("run %d: expected S23 pending through exam 33, got backlog %d", i, kpi.PendingBacklog)
		}
	}
}

func TestThroughput(t *testing.T) {
	points, err := engine(fixture()).Throughput(context.Background(), fullRange())
	if err != nil {
		t.Fatalf("Throughput: %v", err)
	}
	want := []ThroughputPoint{
		{Date: "2026-05-04", Approved: 2},
		{Date: "2026-05-05", Rejected: 1},
	}
	if len(points) != len(want) {
		t.Fatalf("expected %d points, got %+v", len(want), points)
	}
	for i := range want {
		if points[i] != want[i] {
			t.Errorf("point %d: got %+v, want %+v", i, points[i], want[i])
		}
	}
}

func TestExamMix_PercentagesSumToOne(t *testing.T) {
	mix, err := engine(fixture()).ExamMix(context.Background(), fullRange())
	if err != nil {
		t.Fatalf("ExamMix: %v", err)
	}
	if len(mix) != 2 || mix[0].Code != "CBC" || mix[0].Count != 2 || mix[1].Code != "GLU" {
		t.Fatalf("unexpected mix %+v", mix)
	}
	sum := 0.0
	for _, m := range mix {
		sum += m.Percentage
	}
	if !approx(sum, 1) {
		t.Errorf("percentages sum to %v, want 1", sum)
	}
}

func TestExamMix_ExamTypeFilterIsCaseInsensitive(t *testing.T) {
	f := fullRange()
	f.ExamTypeCode = "cbc"
	mix, err := engine(fixture()).ExamMix(context.Background(), f)
	if err != nil {
		t.Fatalf("ExamMix: %v", err)
	}
	if len(mix) != 1 || mix[0].Code != "CBC" || mix[0].Percentage != 1 {
		t.Errorf("unexpected filtered mix %+v", mix)
	}
}

func TestBucketIndex(t *testing.T) {
	tests := []struct {
		minutes int
		want    int
	}{
		{0, 0}, {30, 0}, {31, 1}, {60, 1}, {61, 2}, {120, 2}, {121, 3}, {240, 3}, {241, 4}, {10000, 4},
	}
	for _, tt := range tests {
		if got := bucketIndex(tt.minutes); got != tt.want {
			t.Errorf("bucketIndex(%d) = %d, want %d", tt.minutes, got, tt.want)
		}
	}
}

func TestTATDistribution(t *testing.T) {
	buckets, err := engine(fixture()).TATDistribution(context.Background(), fullRange())
	if err != nil {
		t.Fatalf("TATDistribution: %v", err)
	}
	if len(buckets) != 5 {
		t.Fatalf("expected 5 buckets, got %d", len(buckets))
	}
	if buckets[0].Label != "0-30min" || buckets[4].Label != ">240min" || buckets[4].Max != nil {
		t.Errorf("unexpected bucket labels %q, %q", buckets[0].Label, buckets[4].Label)
	}
	// 30 minutes lands in the first bucket, 31 in the second.
	checks := []struct {
		idx                          int
		total, routine, urgent, stat int
	}{
		{0, 1, 1, 0, 0},
		{1, 1, 0, 0, 1},
		{2, 0, 0, 0, 0},
		{3, 0, 0, 0, 0},
		{4, 1, 0, 1, 0},
	}
	for _, c := range checks {
		b := buckets[c.idx]
		if b.Total != c.total || b.Routine != c.routine || b.Urgent != c.urgent || b.Stat != c.stat {
			t.Errorf("bucket %s: got %+v", b.Label, b)
		}
	}
}

func TestTechnicians(t *testing.T) {
	techs, err := engine(fixture()).Technicians(context.Background(), fullRange())
	if err != nil {
		t.Fatalf("Technicians: %v", err)
	}
	want := []TechnicianWorkload{
		{Technician: "tech-a", Exams: 1, Approved: 1, AvgTurnaroundMinutes: 30},
		{Technician: "tech-b", Exams: 1, Approved: 1, AvgTurnaroundMinutes: 31},
		{Technician: UnassignedTechnician, Exams: 1, Rejected: 1},
	}
	if len(techs) != len(want) {
		t.Fatalf("expected %d technicians, got %+v", len(want), techs)
	}
	for i := range want {
		if techs[i] != want[i] {
			t.Errorf("technician %d: got %+v, want %+v", i, techs[i], want[i])
		}
	}
}

func TestRejections(t *testing.T) {
	out, err := engine(fixture()).Rejections(context.Background(), fullRange())
	if err != nil {
		t.Fatalf("Rejections: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 exam types, got %+v", out)
	}
	cbc, glu := out[0], out[1]
	if cbc.Code != "CBC" || cbc.Count != 2 || len(cbc.Reasons) != 1 || cbc.Reasons[0] != (ReasonCount{"hemolizada", 2}) {
		t.Errorf("unexpected CBC analysis %+v", cbc)
	}
	if glu.Code != "GLU" || glu.Count != 1 || glu.Reasons[0].Reason != NoReasonGiven {
		t.Errorf("unexpected GLU analysis %+v", glu)
	}
}

func TestDoctors(t *testing.T) {
	docs, err := engine(fixture()).Doctors(context.Background(), fullRange())
	if err != nil {
		t.Fatalf("Doctors: %v", err)
	}
	if len(docs) != 2 || docs[0].Doctor != "Dr. Ruiz" || docs[0].Count != 2 || docs[1].Doctor != UnspecifiedDoctor {
		t.Fatalf("unexpected doctors %+v", docs)
	}
	if !approx(docs[0].Percentage+docs[1].Percentage, 1) {
		t.Errorf("percentages do not sum to 1: %+v", docs)
	}
}

func TestDoctors_ExamTypeFilter(t *testing.T) {
	f := fullRange()
	f.ExamTypeCode = "GLU"
	docs, err := engine(fixture()).Doctors(context.Background(), f)
	if err != nil {
		t.Fatalf("Doctors: %v", err)
	}
	// WO10 has a pending GLU specimen and WO11 a GLU exam; WO12 is CBC only.
	if len(docs) != 2 || docs[0].Count != 1 || docs[1].Count != 1 {
		t.Errorf("unexpected filtered doctors %+v", docs)
	}
}

func TestTerminalSetIsMemoizedPerScope(t *testing.T) {
	f := fixture()
	e := engine(f)
	ctx := context.Background()
	if _, err := e.KPIs(ctx, fullRange()); err != nil {
		t.Fatal(err)
	}
	if _, err := e.ExamMix(ctx, fullRange()); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Technicians(ctx, fullRange()); err != nil {
		t.Fatal(err)
	}
	if got := f.Calls("Exams.ListValidatedBetween"); got != 1 {
		t.Errorf("expected one terminal listing per scope, got %d", got)
	}
}

func TestStoreErrorPropagates(t *testing.T) {
	f := fixture()
	f.Err = errors.New("connection refused")
	if _, err := engine(f).KPIs(context.Background(), fullRange()); !errors.Is(err, f.Err) {
		t.Errorf("expected store error, got %v", err)
	}
}
