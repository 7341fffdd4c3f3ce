package analytics

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/domain/lab"
	"github.com/lims/lims/internal/domain/linkresolver"
	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/internal/platform/memo"
	"github.com/lims/lims/internal/platform/telemetry"
)

// Handler exposes the analytics operations. Each request gets its own
// memo scope.
type Handler struct {
	store    *lab.Store
	pageSize int
	metrics  *telemetry.Provider
}

func NewHandler(store *lab.Store, pageSize int, metrics *telemetry.Provider) *Handler {
	return &Handler{store: store, pageSize: pageSize, metrics: metrics}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/analytics", auth.RequireRole(auth.RoleLabManager, auth.RolePathologist, auth.RoleAdmin))
	g.GET("/kpis", h.KPIs)
	g.GET("/throughput", h.Throughput)
	g.GET("/exam-mix", h.ExamMix)
	g.GET("/tat-distribution", h.TATDistribution)
	g.GET("/technicians", h.Technicians)
	g.GET("/rejections", h.Rejections)
	g.GET("/doctors", h.Doctors)
}

func (h *Handler) KPIs(c echo.Context) error { return serve(h, c, "kpis", (*Engine).KPIs) }

func (h *Handler) Throughput(c echo.Context) error {
	return serve(h, c, "throughput", (*Engine).Throughput)
}

func (h *Handler) ExamMix(c echo.Context) error { return serve(h, c, "exam-mix", (*Engine).ExamMix) }

func (h *Handler) TATDistribution(c echo.Context) error {
	return serve(h, c, "tat-distribution", (*Engine).TATDistribution)
}

func (h *Handler) Technicians(c echo.Context) error {
	return serve(h, c, "technicians", (*Engine).Technicians)
}

func (h *Handler) Rejections(c echo.Context) error {
	return serve(h, c, "rejections", (*Engine).Rejections)
}

func (h *Handler) Doctors(c echo.Context) error { return serve(h, c, "doctors", (*Engine).Doctors) }

func serve[T any](h *Handler, c echo.Context, name string, op func(*Engine, context.Context, Filter) (T, error)) error {
	f, err := FilterFromContext(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	engine := NewEngine(linkresolver.New(h.store, memo.NewScope(), h.metrics), h.pageSize, h.metrics)
	res, err := op(engine, ctx, f)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("operation", name).Msg("analytics query failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to compute "+name)
	}
	return c.JSON(http.StatusOK, res)
}
