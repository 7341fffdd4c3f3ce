package telemetry

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	dto "github.com/prometheus/client_model/go"
)

func findFamily(t *testing.T, p *Provider, name string) *dto.MetricFamily {
	t.Helper()
	families, err := p.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func TestNilProviderIsNoop(t *testing.T) {
	var p *Provider
	p.ObserveQuery("analytics.kpis")(errors.New("ignored"))
	p.UnresolvedLink("exam")
	if p.Registry() != nil {
		t.Error("expected nil registry")
	}

	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	called := false
	h := p.MetricsMiddleware()(func(c echo.Context) error { called = true; return nil })
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected next handler to run")
	}
}

func TestObserveQuery(t *testing.T) {
	p := NewProvider(TelemetryConfig{})
	p.ObserveQuery("timeline.build")(nil)
	p.ObserveQuery("timeline.build")(errors.New("boom"))

	mf := findFamily(t, p, "lims_engine_query_duration_seconds")
	if mf == nil {
		t.Fatal("expected duration histogram")
	}
	if got := mf.GetMetric()[0].GetHistogram().GetSampleCount(); got != 2 {
		t.Errorf("expected 2 observations, got %d", got)
	}

	errs := findFamily(t, p, "lims_engine_query_errors_total")
	if errs == nil || errs.GetMetric()[0].GetCounter().GetValue() != 1 {
		t.Errorf("expected 1 error, got %v", errs)
	}
}

func TestUnresolvedLink(t *testing.T) {
	p := NewProvider(TelemetryConfig{Namespace: "test"})
	p.UnresolvedLink("exam")
	p.UnresolvedLink("exam")
	p.UnresolvedLink("specimen")

	mf := findFamily(t, p, "test_unresolved_links_total")
	if mf == nil {
		t.Fatal("expected unresolved counter")
	}
	counts := map[string]float64{}
	for _, m := range mf.GetMetric() {
		counts[m.GetLabel()[0].GetValue()] = m.GetCounter().GetValue()
	}
	if counts["exam"] != 2 || counts["specimen"] != 1 {
		t.Errorf("unexpected counts: %v", counts)
	}
}

func TestMetricsDisabled(t *testing.T) {
	p := NewProvider(TelemetryConfig{MetricsEnabled: BoolPtr(false)})
	p.UnresolvedLink("exam")
	if mf := findFamily(t, p, "lims_unresolved_links_total"); mf != nil && len(mf.GetMetric()) > 0 {
		t.Error("expected no samples when metrics are disabled")
	}
}

func TestMetricsMiddlewareAndHandler(t *testing.T) {
	p := NewProvider(TelemetryConfig{})
	e := echo.New()
	e.Use(p.MetricsMiddleware())
	e.GET("/api/v1/incidents", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/boom", func(c echo.Context) error { return echo.NewHTTPError(http.StatusBadRequest, "bad") })
	e.GET("/metrics", p.PrometheusHandler())

	for _, path := range []string{"/api/v1/incidents", "/api/v1/incidents", "/boom"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`lims_http_requests_total{method="GET",route="/api/v1/incidents",status="200"} 2`,
		`lims_http_requests_total{method="GET",route="/boom",status="400"} 1`,
		"lims_http_request_duration_seconds_bucket",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected metrics output to contain %q", want)
		}
	}
}
