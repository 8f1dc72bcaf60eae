package adminapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/talkincode/wagate/internal/queue"
	"go.uber.org/zap"
)

// postEnqueueMessage accepts an outbound message and places it on the
// delivery queue. Responds with the assigned message id.
func (h *Handler) postEnqueueMessage(c echo.Context) error {
	var req queue.EnqueueRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	id, err := h.Queue.Enqueue(c.Request().Context(), req)
	if err != nil {
		return fail(c, http.StatusBadRequest, "ENQUEUE_FAILED", "Failed to enqueue message", err.Error())
	}
	return ok(c, map[string]interface{}{"message_id": id})
}

func (h *Handler) getQueueStatus(c echo.Context) error {
	st, err := h.Queue.Status(c.Request().Context())
	if err != nil {
		zap.L().Warn("adminapi: queue status failed", zap.Error(err))
		return fail(c, http.StatusInternalServerError, "STATUS_FAILED", "Failed to read queue status", err.Error())
	}
	return ok(c, st)
}

func (h *Handler) getQueueDeviceStatus(c echo.Context) error {
	deviceID := c.Param("id")
	st, err := h.Queue.DeviceStatus(c.Request().Context(), deviceID)
	if err != nil {
		zap.L().Warn("adminapi: device queue status failed",
			zap.String("device_id", deviceID), zap.Error(err))
		return fail(c, http.StatusInternalServerError, "STATUS_FAILED", "Failed to read device queue status", err.Error())
	}
	return ok(c, st)
}

// deleteQueue removes every pending and in-flight message.
func (h *Handler) deleteQueue(c echo.Context) error {
	removed, err := h.Queue.Clear(c.Request().Context())
	if err != nil {
		return fail(c, http.StatusInternalServerError, "CLEAR_FAILED", "Failed to clear queue", err.Error())
	}
	zap.L().Info("adminapi: queue cleared", zap.Int64("removed", removed))
	return ok(c, map[string]interface{}{"removed": removed})
}
