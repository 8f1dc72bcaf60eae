// Package webserver hosts the embedded admin HTTP server.
package webserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/talkincode/wagate/config"
	"go.uber.org/zap"
)

// WebServer wraps the echo instance and the listen configuration.
type WebServer struct {
	cfg  config.WebConfig
	root *echo.Echo
}

func New(cfg config.WebConfig) *WebServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:     true,
		LogStatus:  true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			zap.L().Info("http request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			)
			return nil
		},
	}))
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		code := http.StatusInternalServerError
		if he, isHTTP := err.(*echo.HTTPError); isHTTP {
			code = he.Code
		}
		zap.L().Warn("http error", zap.String("uri", c.Request().RequestURI), zap.Error(err))
		_ = c.JSON(code, map[string]interface{}{
			"code": code,
			"msg":  err.Error(),
		})
	}
	return &WebServer{cfg: cfg, root: e}
}

// Group returns a route group under the given prefix.
func (ws *WebServer) Group(prefix string, m ...echo.MiddlewareFunc) *echo.Group {
	return ws.root.Group(prefix, m...)
}

// Listen starts serving and blocks until the server stops.
func (ws *WebServer) Listen() error {
	addr := fmt.Sprintf("%s:%d", ws.cfg.Host, ws.cfg.Port)
	zap.L().Info("webserver: listening", zap.String("addr", addr))
	err := ws.root.Start(addr)
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains the server with a bounded grace period.
func (ws *WebServer) Shutdown(ctx context.Context) error {
	sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return ws.root.Shutdown(sctx)
}
