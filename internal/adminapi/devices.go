package adminapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

func (h *Handler) listDevices(c echo.Context) error {
	devs, err := h.Registry.ListDevices(c.Request().Context())
	if err != nil {
		zap.L().Warn("adminapi: list devices failed", zap.Error(err))
		return fail(c, http.StatusInternalServerError, "LIST_FAILED", "Failed to list devices", err.Error())
	}
	return ok(c, map[string]interface{}{"devices": devs})
}

// postCreateDevice registers a new device row, provisions a session entry
// and starts pairing. A warmup window is opened so the health engine treats
// the fresh device leniently.
func (h *Handler) postCreateDevice(c echo.Context) error {
	var payload struct {
		Phone string `json:"phone"`
		Name  string `json:"name"`
	}
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	if payload.Phone == "" || payload.Name == "" {
		return fail(c, http.StatusBadRequest, "MISSING_FIELDS", "phone and name are required", nil)
	}
	deviceID, err := h.Registry.CreateDevice(c.Request().Context(), payload.Phone, payload.Name)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "CREATE_FAILED", "Failed to create device", err.Error())
	}
	if err := h.Health.StartWarmup(c.Request().Context(), deviceID); err != nil {
		zap.L().Warn("adminapi: warmup start failed for new device",
			zap.String("device_id", deviceID), zap.Error(err))
	}
	return ok(c, map[string]interface{}{"device_id": deviceID})
}

// getDeviceQR returns the pending pairing QR string so the frontend can
// render it client-side.
func (h *Handler) getDeviceQR(c echo.Context) error {
	deviceID := c.Param("id")
	code := h.Registry.DeviceQR(deviceID)
	return ok(c, map[string]interface{}{
		"code":   code,
		"has_qr": code != "",
	})
}

func (h *Handler) postConnectDevice(c echo.Context) error {
	deviceID := c.Param("id")
	if err := h.Registry.ConnectDevice(deviceID); err != nil {
		return fail(c, http.StatusNotFound, "DEVICE_NOT_FOUND", "No client for device", err.Error())
	}
	zap.L().Info("adminapi: triggered device connect", zap.String("device_id", deviceID))
	return ok(c, map[string]interface{}{"started": true})
}

func (h *Handler) postDisconnectDevice(c echo.Context) error {
	deviceID := c.Param("id")
	if err := h.Registry.DisconnectDevice(deviceID); err != nil {
		return fail(c, http.StatusNotFound, "DEVICE_NOT_FOUND", "No client for device", err.Error())
	}
	return ok(c, map[string]interface{}{"disconnected": true})
}

// postRemoveDevice deletes the device row and, when delete_store is set,
// its persisted session entry.
func (h *Handler) postRemoveDevice(c echo.Context) error {
	deviceID := c.Param("id")
	var payload struct {
		DeleteStore bool `json:"delete_store"`
	}
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	if err := h.Registry.RemoveDevice(c.Request().Context(), deviceID, payload.DeleteStore); err != nil {
		return fail(c, http.StatusInternalServerError, "REMOVE_FAILED", "Failed to remove device", err.Error())
	}
	return ok(c, map[string]interface{}{"removed": true})
}
