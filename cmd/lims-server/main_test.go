package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/config"
	"github.com/lims/lims/internal/domain/lab"
	"github.com/lims/lims/internal/domain/lab/labtest"
	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/internal/platform/db"
	"github.com/lims/lims/internal/platform/middleware"
	"github.com/lims/lims/internal/platform/telemetry"
)

const signingKey = "main-test-signing-key"

func testConfig(env string) *config.Config {
	c := &config.Config{
		Env:             env,
		DBMaxConns:      4,
		DBMinConns:      1,
		CORSOrigins:     []string{"http://localhost:3000"},
		RateLimitRPS:    100,
		RateLimitBurst:  100,
		RequestTimeout:  5 * time.Second,
		EventPageSize:   100,
		CollationLocale: "es",
		LogLevel:        "info",
		MetricsEnabled:  true,
	}
	if env != "development" {
		c.AuthSigningKey = signingKey
	}
	return c
}

func fixture() *labtest.Fixture {
	f := labtest.New()
	day := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	f.AddPatient(&lab.Patient{ID: labtest.ID(1), FirstName: "Ana", LastName: "Pérez"})
	f.AddExamType(&lab.ExamType{ID: labtest.ID(40), Code: "CBC", Name: "Hemograma"})
	f.AddWorkOrder(&lab.WorkOrder{ID: labtest.ID(10), PatientID: labtest.ID(1), AccessionNumber: "ACC-1", Priority: lab.PriorityRoutine, RequestedAt: day})
	f.AddSpecimen(&lab.Specimen{ID: labtest.ID(20), WorkOrderID: labtest.ID(10), Barcode: "B-1", ExamTypeID: labtest.Ptr(labtest.ID(40))})
	f.AddEvent(lab.ActionWorkOrderCreated, lab.SubjectWorkOrder, labtest.ID(10), day, nil)
	f.AddEvent(lab.ActionSpecimenRejected, lab.SubjectSpecimen, labtest.ID(20), day.Add(time.Hour), lab.Metadata{"reason": "hemolizada"})
	return f
}

func newTestServer(t *testing.T, env string) *echo.Echo {
	t.Helper()
	s := &server{
		cfg:     testConfig(env),
		logger:  zerolog.Nop(),
		metrics: telemetry.NewProvider(telemetry.TelemetryConfig{}),
		store:   fixture().Store(),
	}
	e, err := s.echo()
	if err != nil {
		t.Fatalf("build server: %v", err)
	}
	return e
}

func get(e *echo.Echo, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func bearer(t *testing.T, subject string, roles ...string) http.Header {
	t.Helper()
	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: roles,
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(signingKey))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return http.Header{"Authorization": {"Bearer " + tok}}
}

const rangeQuery = "from=2026-03-01T00:00:00Z&to=2026-03-03T00:00:00Z"

func TestServer_Health(t *testing.T) {
	rec := get(newTestServer(t, "development"), "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get(middleware.RequestIDHeader) == "" {
		t.Error("expected a request id header")
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("expected security headers")
	}
}

func TestServer_DevRoutes(t *testing.T) {
	e := newTestServer(t, "development")
	tests := []struct {
		name   string
		target string
		want   int
	}{
		{"timeline", "/api/v1/work-orders/" + labtest.ID(10).String() + "/timeline", http.StatusOK},
		{"timeline bad id", "/api/v1/work-orders/nope/timeline", http.StatusBadRequest},
		{"timeline missing", "/api/v1/work-orders/" + labtest.ID(99).String() + "/timeline", http.StatusNotFound},
		{"kpis", "/api/v1/analytics/kpis?" + rangeQuery, http.StatusOK},
		{"kpis without range", "/api/v1/analytics/kpis", http.StatusBadRequest},
		{"incidents", "/api/v1/incidents?" + rangeQuery, http.StatusOK},
		{"patterns", "/api/v1/incidents/patterns?" + rangeQuery, http.StatusOK},
		{"unknown", "/api/v1/nothing-here", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := get(e, tt.target, nil); rec.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestServer_IncidentFeedBody(t *testing.T) {
	rec := get(newTestServer(t, "development"), "/api/v1/incidents?"+rangeQuery, nil)
	var page struct {
		Data []struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"data"`
		Limit int `json:"limit"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(page.Data) != 1 || page.Data[0].Type != "specimen_rejected" || page.Data[0].Reason != "hemolizada" {
		t.Errorf("unexpected feed %+v", page)
	}
	if page.Limit != 20 {
		t.Errorf("expected default limit 20, got %d", page.Limit)
	}
}

func TestServer_ETagRevalidation(t *testing.T) {
	e := newTestServer(t, "development")
	target := "/api/v1/work-orders/" + labtest.ID(10).String() + "/timeline"
	first := get(e, target, nil)
	etag := first.Header().Get("ETag")
	if etag == "" {
		t.Fatal("expected an ETag on the timeline")
	}
	second := get(e, target, http.Header{"If-None-Match": {etag}})
	if second.Code != http.StatusNotModified {
		t.Errorf("expected 304, got %d", second.Code)
	}
}

func TestServer_JWTAndRoles(t *testing.T) {
	e := newTestServer(t, "production")
	tests := []struct {
		name   string
		target string
		header http.Header
		want   int
	}{
		{"no token", "/api/v1/incidents?" + rangeQuery, nil, http.StatusUnauthorized},
		{"tech reads incidents", "/api/v1/incidents?" + rangeQuery, bearer(t, "tech-1", auth.RoleLabTech), http.StatusOK},
		{"tech denied analytics", "/api/v1/analytics/kpis?" + rangeQuery, bearer(t, "tech-1", auth.RoleLabTech), http.StatusForbidden},
		{"manager reads analytics", "/api/v1/analytics/kpis?" + rangeQuery, bearer(t, "mgr", auth.RoleLabManager), http.StatusOK},
		{"no role", "/api/v1/incidents?" + rangeQuery, bearer(t, "nobody"), http.StatusForbidden},
		{"health stays open", "/health", nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := get(e, tt.target, tt.header); rec.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestServer_Metrics(t *testing.T) {
	e := newTestServer(t, "development")
	get(e, "/api/v1/incidents?"+rangeQuery, nil)
	rec := get(e, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, name := range []string{"lims_http_requests_total", "lims_engine_query_duration_seconds"} {
		if !strings.Contains(body, name) {
			t.Errorf("expected %s in metrics output", name)
		}
	}
}

func TestServer_InvalidLocale(t *testing.T) {
	cfg := testConfig("development")
	cfg.CollationLocale = "not a locale!"
	s := &server{cfg: cfg, logger: zerolog.Nop(), store: fixture().Store()}
	if _, err := s.echo(); err == nil {
		t.Error("expected an invalid locale to fail server construction")
	}
}

func TestPrintStatus(t *testing.T) {
	applied := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	var buf bytes.Buffer
	printStatus(&buf, []db.MigrationStatus{
		{Version: 1, Name: "lab_schema", Applied: true, AppliedAt: &applied},
		{Version: 2, Name: "event_indexes"},
	})
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header and 2 rows, got %d lines", len(lines))
	}
	if !strings.Contains(lines[1], "applied") || !strings.Contains(lines[1], "2026-01-02 03:04:05") {
		t.Errorf("unexpected applied row %q", lines[1])
	}
	if !strings.Contains(lines[2], "pending") {
		t.Errorf("unexpected pending row %q", lines[2])
	}
}

func TestNewLogger_Level(t *testing.T) {
	cfg := testConfig("production")
	cfg.LogLevel = "warn"
	var buf bytes.Buffer
	logger := newLogger(cfg, &buf)
	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Errorf("unexpected log output %q", buf.String())
	}
}

func TestRootCommand(t *testing.T) {
	root := newRootCmd()
	want := map[string]bool{"serve": false, "migrate": false}
	for _, c := range root.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
		if c.Name() == "migrate" {
			subs := map[string]bool{}
			for _, s := range c.Commands() {
				subs[s.Name()] = true
				if s.Flags().Lookup("dir") == nil || s.Flags().Lookup("schema") == nil {
					t.Errorf("migrate %s is missing --dir/--schema", s.Name())
				}
			}
			if !subs["up"] || !subs["status"] {
				t.Errorf("expected migrate up and status, got %v", subs)
			}
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("missing %s command", name)
		}
	}
}
