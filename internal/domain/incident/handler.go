package incident

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/domain/lab"
	"github.com/lims/lims/internal/domain/linkresolver"
	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/internal/platform/memo"
	"github.com/lims/lims/internal/platform/telemetry"
	"github.com/lims/lims/pkg/pagination"
	"github.com/lims/lims/pkg/timerange"
)

type Handler struct {
	store    *lab.Store
	pageSize int
	metrics  *telemetry.Provider
}

func NewHandler(store *lab.Store, pageSize int, metrics *telemetry.Provider) *Handler {
	return &Handler{store: store, pageSize: pageSize, metrics: metrics}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/incidents", auth.RequireRole(auth.RoleLabTech, auth.RolePathologist, auth.RoleLabManager, auth.RoleAdmin))
	g.GET("", h.ListIncidents)
	g.GET("/patterns", h.GetPatterns)
}

func (h *Handler) engine() *Engine {
	return NewEngine(linkresolver.New(h.store, memo.NewScope(), h.metrics), h.pageSize, h.metrics)
}

func (h *Handler) ListIncidents(c echo.Context) error {
	f, err := filterFromContext(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	page, err := h.engine().Feed(ctx, f, pagination.FromContext(c))
	if errors.Is(err, pagination.ErrInvalidCursor) {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid cursor")
	}
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("list incidents")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list incidents")
	}
	return c.JSON(http.StatusOK, page)
}

func (h *Handler) GetPatterns(c echo.Context) error {
	f, err := filterFromContext(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	p, err := h.engine().Patterns(ctx, f)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("incident patterns")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to compute incident patterns")
	}
	return c.JSON(http.StatusOK, p)
}

func filterFromContext(c echo.Context) (Filter, error) {
	r, err := timerange.FromContext(c)
	if err != nil {
		return Filter{}, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	f := Filter{
		Range:        r,
		Type:         Type(strings.TrimSpace(c.QueryParam("type"))),
		TechnicianID: strings.TrimSpace(c.QueryParam("technician_id")),
		Query:        c.QueryParam("q"),
	}
	if f.Type != "" && !f.Type.Valid() {
		return Filter{}, echo.NewHTTPError(http.StatusBadRequest, "invalid incident type")
	}
	if v := c.QueryParam("exam_type_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return Filter{}, echo.NewHTTPError(http.StatusBadRequest, "invalid exam_type_id")
		}
		f.ExamTypeID = &id
	}
	return f, nil
}
