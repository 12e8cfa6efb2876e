package mapping

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/lis/lis/internal/platform/auth"
	"github.com/lis/lis/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	readGroup := api.Group("", auth.RequireRole("admin", "lab_manager", "technician"))
	readGroup.GET("/mappings", h.List)
	readGroup.GET("/mappings/:id", h.Get)

	writeGroup := api.Group("", auth.RequireRole("admin", "lab_manager"))
	writeGroup.POST("/mappings", h.Create)
	writeGroup.PUT("/mappings/:id", h.Update)
	writeGroup.DELETE("/mappings/:id", h.Delete)
}

func (h *Handler) Create(c echo.Context) error {
	var m LabCodeMapping
	if err := c.Bind(&m); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if err := h.svc.Create(c.Request().Context(), &m); err != nil {
		if errors.Is(err, ErrDuplicateMapping) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	return c.JSON(http.StatusCreated, m)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid mapping id")
	}

	m, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "mapping not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to get mapping")
	}

	return c.JSON(http.StatusOK, m)
}

func (h *Handler) List(c echo.Context) error {
	deviceID, err := uuid.Parse(c.QueryParam("device_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "device_id query parameter is required")
	}

	p := pagination.FromContext(c)
	mappings, total, err := h.svc.ListByDevice(c.Request().Context(), deviceID, p.Limit, p.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list mappings")
	}

	return c.JSON(http.StatusOK, pagination.NewResponse(mappings, total, p.Limit, p.Offset))
}

func (h *Handler) Update(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid mapping id")
	}

	var m LabCodeMapping
	if err := c.Bind(&m); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	m.ID = id

	if err := h.svc.Update(c.Request().Context(), &m); err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "mapping not found")
		case errors.Is(err, ErrDuplicateMapping):
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		default:
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}

	return c.JSON(http.StatusOK, m)
}

func (h *Handler) Delete(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid mapping id")
	}

	if err := h.svc.Delete(c.Request().Context(), id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "mapping not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to delete mapping")
	}

	return c.NoContent(http.StatusNoContent)
}
