package integration

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/lis/lis/internal/domain/device"
	"github.com/lis/lis/internal/domain/message"
	"github.com/lis/lis/internal/domain/staging"
	"github.com/lis/lis/internal/platform/auth"
	"github.com/lis/lis/internal/platform/wire"
)

const (
	deviceIDHeader  = "X-Device-ID"
	deviceKeyHeader = "X-Device-Key"
)

type Handler struct {
	pipeline *Pipeline
	automap  *Automap
	devices  *device.Service
	messages *message.Service
	staged   staging.Repository
}

func NewHandler(pipeline *Pipeline, automap *Automap, devices *device.Service,
	messages *message.Service, staged staging.Repository) *Handler {
	return &Handler{
		pipeline: pipeline,
		automap:  automap,
		devices:  devices,
		messages: messages,
		staged:   staged,
	}
}

// RegisterRoutes wires the operator-facing integration surface onto the
// JWT-protected API group.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole("admin", "lab_manager", "technician"))
	g.POST("/integration/ingest", h.Ingest)
	g.POST("/integration/messages/:id/reprocess", h.Reprocess)
	g.POST("/integration/automap/device/:id", h.AutomapDevice)
	g.POST("/integration/automap/specimen/:barcode", h.AutomapSpecimen)
	g.GET("/integration/stats", h.Stats)
	g.GET("/integration/messages/:id/staged", h.StagedResults)
}

// RegisterDeviceRoutes wires the instrument push boundary. The group must
// carry tenant resolution but no JWT: instruments authenticate with their
// device key, and the tenant header only selects which schema the key is
// checked against.
func (h *Handler) RegisterDeviceRoutes(g *echo.Group) {
	g.POST("/integration/push", h.Push)
}

type ingestRequest struct {
	FacilityCode string    `json:"facility_code"`
	Payload      string    `json:"payload"`
	Kind         wire.Kind `json:"kind"`
}

type pushRequest struct {
	Payload string    `json:"payload"`
	Kind    wire.Kind `json:"kind"`
}

type stageResponse struct {
	Status      string         `json:"status"`
	MessageID   *uuid.UUID     `json:"message_id,omitempty"`
	FinalStatus message.Status `json:"final_status"`
	ErrorReason string         `json:"error_reason,omitempty"`
}

// Ingest accepts one payload over HTTP on behalf of a facility. Unknown
// facilities are staged unattributed rather than rejected; outcome ERROR
// maps to 400 so forwarders notice quarantined messages.
func (h *Handler) Ingest(c echo.Context) error {
	var req ingestRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Payload == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "payload is required")
	}
	if req.Kind == "" {
		req.Kind = wire.KindAuto
	}
	if !wire.ValidKinds[req.Kind] {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid kind")
	}

	ctx := c.Request().Context()
	var dev *device.Device
	var protocol wire.Protocol
	if req.FacilityCode != "" {
		found, err := h.devices.FindByFacility(ctx, req.FacilityCode)
		switch {
		case err == nil:
			dev = found
			protocol = found.Protocol
		case errors.Is(err, device.ErrNotFound):
			// fall through unattributed
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, "device lookup failed")
		}
	}

	outcome, err := h.pipeline.Stage(ctx, StageRequest{
		Device:       dev,
		Protocol:     protocol,
		RawPayload:   req.Payload,
		RemoteIP:     c.RealIP(),
		Kind:         req.Kind,
		FacilityCode: req.FacilityCode,
	})
	return h.respondOutcome(c, outcome, err)
}

// Push is the authenticated batch-push boundary for instruments that can
// speak HTTPS directly.
func (h *Handler) Push(c echo.Context) error {
	devID, err := uuid.Parse(c.Request().Header.Get(deviceIDHeader))
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "device authentication failed")
	}
	rawKey := c.Request().Header.Get(deviceKeyHeader)

	ctx := c.Request().Context()
	dev, err := h.devices.Authenticate(ctx, devID, rawKey)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "device authentication failed")
	}

	var req pushRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Payload == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "payload is required")
	}
	if req.Kind == "" {
		req.Kind = wire.KindAuto
	}
	if !wire.ValidKinds[req.Kind] {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid kind")
	}

	outcome, err := h.pipeline.Stage(ctx, StageRequest{
		Device:       dev,
		Protocol:     dev.Protocol,
		RawPayload:   req.Payload,
		RemoteIP:     c.RealIP(),
		Kind:         req.Kind,
		FacilityCode: dev.FacilityCode,
	})
	return h.respondOutcome(c, outcome, err)
}

func (h *Handler) Reprocess(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid message id")
	}

	outcome, err := h.pipeline.Reprocess(c.Request().Context(), id)
	if errors.Is(err, message.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "message not found")
	}
	return h.respondOutcome(c, outcome, err)
}

func (h *Handler) respondOutcome(c echo.Context, outcome *StageOutcome, err error) error {
	if err != nil {
		if errors.Is(err, ErrIPNotAllowed) {
			return echo.NewHTTPError(http.StatusForbidden, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "staging failed")
	}

	resp := stageResponse{
		Status:      "accepted",
		MessageID:   outcome.MessageID,
		FinalStatus: outcome.Status,
		ErrorReason: outcome.ErrorReason,
	}
	if outcome.Status == message.StatusError {
		resp.Status = "error"
		return c.JSON(http.StatusBadRequest, resp)
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) AutomapDevice(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid device id")
	}

	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
	}

	report, err := h.automap.ByDevice(c.Request().Context(), id, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "automap failed")
	}
	return c.JSON(http.StatusOK, report)
}

func (h *Handler) AutomapSpecimen(c echo.Context) error {
	barcode := c.Param("barcode")
	if barcode == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "specimen barcode is required")
	}

	report, err := h.automap.BySpecimen(c.Request().Context(), barcode)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "automap failed")
	}
	return c.JSON(http.StatusOK, report)
}

func (h *Handler) Stats(c echo.Context) error {
	stats, err := h.messages.Stats(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to compute stats")
	}
	return c.JSON(http.StatusOK, stats)
}

// StagedResults returns the staged header and items for one message.
func (h *Handler) StagedResults(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid message id")
	}

	sr, err := h.staged.GetByMessage(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, staging.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "no staged results for message")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load staged results")
	}
	return c.JSON(http.StatusOK, sr)
}
