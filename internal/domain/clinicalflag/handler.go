package clinicalflag

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/lims/lims/internal/domain/lab"
	"github.com/lims/lims/internal/platform/auth"
)

// Handler exposes the evaluator over HTTP.
type Handler struct {
	examTypes lab.ExamTypeRepository
}

func NewHandler(examTypes lab.ExamTypeRepository) *Handler {
	return &Handler{examTypes: examTypes}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole(auth.RoleLabTech, auth.RolePathologist, auth.RoleLabManager, auth.RoleAdmin))
	g.POST("/clinical-flags/evaluate", h.Evaluate)
}

// EvaluateRequest carries results and either an exam type id or an inline
// field schema.
type EvaluateRequest struct {
	ExamTypeID  *uuid.UUID      `json:"exam_type_id"`
	FieldSchema lab.FieldSchema `json:"field_schema"`
	Results     map[string]any  `json:"results"`
}

func (h *Handler) Evaluate(c echo.Context) error {
	var req EvaluateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	schema := req.FieldSchema
	if req.ExamTypeID != nil {
		et, err := h.examTypes.GetByID(c.Request().Context(), *req.ExamTypeID)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to load exam type")
		}
		if et == nil {
			return echo.NewHTTPError(http.StatusNotFound, "exam type not found")
		}
		schema = et.FieldSchema
	}
	return c.JSON(http.StatusOK, Evaluate(req.Results, schema))
}
