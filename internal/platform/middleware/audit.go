package middleware

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/platform/auth"
)

// AuditEntry records who read which report. Reports expose patient names
// and results, so every read under /api/v1 is kept.
type AuditEntry struct {
	UserID     string
	UserRoles  []string
	Report     string
	SubjectID  string
	From       string
	To         string
	IPAddress  string
	Path       string
	Method     string
	Timestamp  time.Time
	RequestID  string
	StatusCode int
}

// AuditRecorder persists audit entries somewhere other than the log.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit logs one "report_access" line per /api/v1 request after the handler
// ran, and hands the entry to recorder when one is given. It must run inside
// the auth middleware to see the caller.
func Audit(logger zerolog.Logger, recorder AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path
			if !strings.HasPrefix(path, apiPrefix) {
				return next(c)
			}

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			report, subject := reportOf(path)
			entry := AuditEntry{
				UserID:     auth.UserIDFromContext(req.Context()),
				UserRoles:  auth.RolesFromContext(req.Context()),
				Report:     report,
				SubjectID:  subject,
				From:       c.QueryParam("from"),
				To:         c.QueryParam("to"),
				IPAddress:  c.RealIP(),
				Path:       path,
				Method:     req.Method,
				Timestamp:  time.Now().UTC(),
				StatusCode: status,
			}
			entry.RequestID, _ = c.Get("request_id").(string)

			if recorder != nil {
				if recErr := recorder.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).Str("request_id", entry.RequestID).Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "audit").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("report", entry.Report).
				Str("subject_id", entry.SubjectID).
				Str("from", entry.From).
				Str("to", entry.To).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("report_access")

			return err
		}
	}
}

const apiPrefix = "/api/v1/"

// reportOf names the report behind path and the subject id it was asked
// for, if any:
//
//	/api/v1/work-orders/<id>/timeline -> work-orders/timeline, <id>
//	/api/v1/analytics/kpis            -> analytics/kpis
//	/api/v1/incidents                 -> incidents
func reportOf(path string) (report, subject string) {
	var parts []string
	for _, seg := range strings.Split(strings.TrimPrefix(path, apiPrefix), "/") {
		if seg == "" {
			continue
		}
		if _, err := uuid.Parse(seg); err == nil {
			subject = seg
			continue
		}
		parts = append(parts, seg)
	}
	if len(parts) == 0 {
		return "unknown", subject
	}
	return strings.Join(parts, "/"), subject
}
