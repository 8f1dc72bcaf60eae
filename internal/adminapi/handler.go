package adminapi

import (
	"github.com/labstack/echo/v4"
	"github.com/talkincode/wagate/internal/health"
	"github.com/talkincode/wagate/internal/queue"
	"github.com/talkincode/wagate/internal/registry"
	"github.com/talkincode/wagate/internal/webserver"
)

// Handler bundles the services the admin endpoints operate on.
type Handler struct {
	Queue    *queue.Service
	Health   *health.Engine
	Registry *registry.Registry
}

// Register attaches all admin routes under /api.
func Register(ws *webserver.WebServer, h *Handler) {
	api := ws.Group("/api")
	h.registerMessageRoutes(api)
	h.registerHealthRoutes(api)
	h.registerDeviceRoutes(api)
}

func (h *Handler) registerMessageRoutes(g *echo.Group) {
	g.POST("/messages", h.postEnqueueMessage)
	g.GET("/queue/status", h.getQueueStatus)
	g.GET("/queue/devices/:id", h.getQueueDeviceStatus)
	g.DELETE("/queue", h.deleteQueue)
}

func (h *Handler) registerHealthRoutes(g *echo.Group) {
	g.GET("/health/devices", h.listDeviceHealth)
	g.GET("/health/devices/attention", h.listDevicesNeedingAttention)
	g.GET("/health/devices/:id", h.getDeviceHealth)
	g.GET("/health/devices/:id/safe", h.getDeviceSafeToSend)
	g.POST("/health/devices/:id/refresh", h.postRefreshDeviceHealth)
	g.POST("/health/devices/:id/warmup", h.postStartWarmup)
	g.POST("/health/devices/:id/activity", h.postLogActivity)
}

func (h *Handler) registerDeviceRoutes(g *echo.Group) {
	g.GET("/devices", h.listDevices)
	g.POST("/devices", h.postCreateDevice)
	g.GET("/devices/:id/qr", h.getDeviceQR)
	g.POST("/devices/:id/connect", h.postConnectDevice)
	g.POST("/devices/:id/disconnect", h.postDisconnectDevice)
	g.POST("/devices/:id/remove", h.postRemoveDevice)
}
