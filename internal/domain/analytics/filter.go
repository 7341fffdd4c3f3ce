package analytics

import (
	"fmt"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/lims/lims/internal/domain/lab"
	"github.com/lims/lims/pkg/timerange"
)

// Filter is the common input of every analytics operation. From and To are
// inclusive; callers normalize them so From is not after To.
type Filter struct {
	From         time.Time    `json:"from"`
	To           time.Time    `json:"to"`
	ExamTypeCode string       `json:"exam_type,omitempty"`
	Priority     lab.Priority `json:"priority,omitempty"`
}

// Matches is the single dimensional predicate applied by every operation.
// A missing exam type never matches an exam type filter.
func (f Filter) Matches(wo *lab.WorkOrder, et *lab.ExamType) bool {
	if f.Priority != "" && (wo == nil || wo.Priority != f.Priority) {
		return false
	}
	if f.ExamTypeCode != "" && (et == nil || !strings.EqualFold(et.Code, f.ExamTypeCode)) {
		return false
	}
	return true
}

// FilterFromContext builds a Filter from query parameters.
func FilterFromContext(c echo.Context) (Filter, error) {
	r, err := timerange.FromContext(c)
	if err != nil {
		return Filter{}, err
	}
	f := Filter{
		From:         r.From,
		To:           r.To,
		ExamTypeCode: strings.TrimSpace(c.QueryParam("exam_type")),
		Priority:     lab.Priority(strings.ToLower(strings.TrimSpace(c.QueryParam("priority")))),
	}
	if f.Priority != "" && !f.Priority.Valid() {
		return Filter{}, fmt.Errorf("invalid priority %q", f.Priority)
	}
	return f, nil
}
