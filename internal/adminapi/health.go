package adminapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/talkincode/wagate/internal/health"
	"go.uber.org/zap"
)

func (h *Handler) listDeviceHealth(c echo.Context) error {
	all, err := h.Health.AllDeviceHealth(c.Request().Context())
	if err != nil {
		zap.L().Warn("adminapi: list device health failed", zap.Error(err))
		return fail(c, http.StatusInternalServerError, "HEALTH_FAILED", "Failed to list device health", err.Error())
	}
	return ok(c, map[string]interface{}{"devices": all})
}

func (h *Handler) listDevicesNeedingAttention(c echo.Context) error {
	devs, err := h.Health.DevicesNeedingAttention(c.Request().Context())
	if err != nil {
		return fail(c, http.StatusInternalServerError, "HEALTH_FAILED", "Failed to list devices needing attention", err.Error())
	}
	return ok(c, map[string]interface{}{"devices": devs})
}

func (h *Handler) getDeviceHealth(c echo.Context) error {
	deviceID := c.Param("id")
	dh, err := h.Health.DeviceHealth(c.Request().Context(), deviceID)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "HEALTH_FAILED", "Failed to read device health", err.Error())
	}
	return ok(c, dh)
}

// getDeviceSafeToSend returns the sending safety verdict for a device.
func (h *Handler) getDeviceSafeToSend(c echo.Context) error {
	deviceID := c.Param("id")
	safe, reason := h.Health.SafeToSend(c.Request().Context(), deviceID)
	resp := map[string]interface{}{"safe": safe}
	if !safe {
		resp["reason"] = reason
	}
	resp["recommended_delay_ms"] = h.Health.RecommendedDelay(c.Request().Context(), deviceID).Milliseconds()
	return ok(c, resp)
}

// postRefreshDeviceHealth forces an immediate recompute from the activity log.
func (h *Handler) postRefreshDeviceHealth(c echo.Context) error {
	deviceID := c.Param("id")
	dh, err := h.Health.UpdateDeviceHealth(c.Request().Context(), deviceID)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "HEALTH_FAILED", "Failed to refresh device health", err.Error())
	}
	return ok(c, dh)
}

func (h *Handler) postStartWarmup(c echo.Context) error {
	deviceID := c.Param("id")
	if err := h.Health.StartWarmup(c.Request().Context(), deviceID); err != nil {
		return fail(c, http.StatusInternalServerError, "WARMUP_FAILED", "Failed to start warmup", err.Error())
	}
	zap.L().Info("adminapi: warmup started", zap.String("device_id", deviceID))
	return ok(c, map[string]interface{}{"started": true})
}

// postLogActivity appends a manual activity entry, mainly for operators and
// integration tooling.
func (h *Handler) postLogActivity(c echo.Context) error {
	deviceID := c.Param("id")
	var entry health.Entry
	if err := c.Bind(&entry); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	if entry.Action == "" {
		return fail(c, http.StatusBadRequest, "MISSING_FIELDS", "action is required", nil)
	}
	h.Health.LogActivity(c.Request().Context(), deviceID, entry)
	return ok(c, map[string]interface{}{"logged": true})
}
