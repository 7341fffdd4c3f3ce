package analytics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/labstack/echo/v4"
)

func doGet(t *testing.T, handler echo.HandlerFunc, query url.Values) (*httptest.ResponseRecorder, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/analytics?"+query.Encode(), nil)
	rec := httptest.NewRecorder()
	return rec, handler(e.NewContext(req, rec))
}

func rangeQuery() url.Values {
	return url.Values{"from": {"2026-05-04T00:00:00Z"}, "to": {"2026-05-06T00:00:00Z"}}
}

func TestHandler_KPIs(t *testing.T) {
	h := NewHandler(fixture().Store(), 100, nil)
	rec, err := doGet(t, h.KPIs, rangeQuery())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var kpi KPISummary
	if err := json.Unmarshal(rec.Body.Bytes(), &kpi); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if kpi.TerminalExams != 3 || kpi.WorkOrders != 3 {
		t.Errorf("unexpected KPIs %+v", kpi)
	}
}

func TestHandler_ExamMixWithFilters(t *testing.T) {
	h := NewHandler(fixture().Store(), 100, nil)
	q := rangeQuery()
	q.Set("exam_type", "GLU")
	q.Set("priority", "STAT")
	rec, err := doGet(t, h.ExamMix, q)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var mix []ExamMixEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &mix); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(mix) != 1 || mix[0].Code != "GLU" || mix[0].Count != 1 {
		t.Errorf("unexpected mix %+v", mix)
	}
}

func TestHandler_BadRequests(t *testing.T) {
	h := NewHandler(fixture().Store(), 100, nil)
	tests := []struct {
		name  string
		query url.Values
	}{
		{"missing from", url.Values{"to": {"2026-05-06T00:00:00Z"}}},
		{"missing to", url.Values{"from": {"2026-05-04T00:00:00Z"}}},
		{"not rfc3339", url.Values{"from": {"2026-05-04"}, "to": {"2026-05-06T00:00:00Z"}}},
		{"inverted range", url.Values{"from": {"2026-05-06T00:00:00Z"}, "to": {"2026-05-04T00:00:00Z"}}},
		{"bad priority", func() url.Values { q := rangeQuery(); q.Set("priority", "asap"); return q }()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := doGet(t, h.Throughput, tt.query)
			httpErr, ok := err.(*echo.HTTPError)
			if !ok {
				t.Fatalf("expected echo.HTTPError, got %v", err)
			}
			if httpErr.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", httpErr.Code)
			}
		})
	}
}

func TestHandler_EmptyRangeReturnsEmptyArrays(t *testing.T) {
	h := NewHandler(fixture().Store(), 100, nil)
	q := url.Values{"from": {"2020-01-01T00:00:00Z"}, "to": {"2020-01-02T00:00:00Z"}}
	for name, handler := range map[string]echo.HandlerFunc{
		"throughput":  h.Throughput,
		"exam-mix":    h.ExamMix,
		"technicians": h.Technicians,
		"rejections":  h.Rejections,
		"doctors":     h.Doctors,
	} {
		rec, err := doGet(t, handler, q)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", name, err)
		}
		if body := rec.Body.String(); body != "[]\n" {
			t.Errorf("%s: expected empty array, got %q", name, body)
		}
	}
}
