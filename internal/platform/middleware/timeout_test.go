package middleware

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func waitForDeadline(c echo.Context) error {
	select {
	case <-time.After(5 * time.Second):
		return c.String(http.StatusOK, "ok")
	case <-c.Request().Context().Done():
		return fmt.Errorf("list events: %w", c.Request().Context().Err())
	}
}

func TestRequestTimeout_CompletesWithinDeadline(t *testing.T) {
	c, rec := newTestContext(http.MethodGet, "/api/v1/incidents")
	if err := RequestTimeout(5 * time.Second)(okHandler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestRequestTimeout_ReturnsGatewayTimeout(t *testing.T) {
	c, _ := newTestContext(http.MethodGet, "/api/v1/analytics/kpis")
	err := RequestTimeout(20 * time.Millisecond)(waitForDeadline)(c)

	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %v", err)
	}
	if httpErr.Code != http.StatusGatewayTimeout {
		t.Errorf("expected 504, got %d", httpErr.Code)
	}
}

func TestRequestTimeout_SkipsPrefixes(t *testing.T) {
	c, _ := newTestContext(http.MethodGet, "/metrics")
	var hasDeadline bool
	err := RequestTimeout(time.Second, "/metrics")(func(c echo.Context) error {
		_, hasDeadline = c.Request().Context().Deadline()
		return nil
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hasDeadline {
		t.Error("expected no deadline on a skipped path")
	}
}

func TestRequestTimeout_Disabled(t *testing.T) {
	c, _ := newTestContext(http.MethodGet, "/api/v1/incidents")
	var hasDeadline bool
	_ = RequestTimeout(0)(func(c echo.Context) error {
		_, hasDeadline = c.Request().Context().Deadline()
		return nil
	})(c)
	if hasDeadline {
		t.Error("expected a zero timeout to leave the context alone")
	}
}

func TestRequestTimeout_KeepsUnrelatedErrors(t *testing.T) {
	c, _ := newTestContext(http.MethodGet, "/api/v1/incidents")
	want := echo.NewHTTPError(http.StatusBadRequest, "invalid cursor")
	err := RequestTimeout(time.Second)(func(echo.Context) error { return want })(c)
	if err != want {
		t.Errorf("expected the handler error unchanged, got %v", err)
	}
}
