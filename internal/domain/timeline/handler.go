package timeline

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"golang.org/x/text/language"

	"github.com/lims/lims/internal/domain/lab"
	"github.com/lims/lims/internal/domain/linkresolver"
	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/internal/platform/memo"
	"github.com/lims/lims/internal/platform/telemetry"
)

type Handler struct {
	store   *lab.Store
	locale  language.Tag
	metrics *telemetry.Provider
}

func NewHandler(store *lab.Store, locale language.Tag, metrics *telemetry.Provider) *Handler {
	return &Handler{store: store, locale: locale, metrics: metrics}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole(auth.RoleLabTech, auth.RolePathologist, auth.RoleLabManager, auth.RoleAdmin))
	g.GET("/work-orders/:id/timeline", h.GetTimeline)
}

func (h *Handler) GetTimeline(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid work order id")
	}

	ctx := c.Request().Context()
	resolver := linkresolver.New(h.store, memo.NewScope(), h.metrics)
	tl, err := NewBuilder(resolver, h.locale, h.metrics).Build(ctx, id)
	if errors.Is(err, ErrWorkOrderNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "work order not found")
	}
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("work_order_id", id.String()).Msg("build timeline")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to build timeline")
	}
	return c.JSON(http.StatusOK, tl)
}
