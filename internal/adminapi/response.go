// Package adminapi exposes the admin HTTP endpoints for the delivery queue,
// the device health engine and the device registry.
package adminapi

import (
	"github.com/labstack/echo/v4"
)

// ok writes the standard success envelope.
func ok(c echo.Context, data interface{}) error {
	return c.JSON(200, map[string]interface{}{
		"code": 0,
		"msg":  "ok",
		"data": data,
	})
}

// fail writes the standard error envelope with an HTTP status, a machine
// readable code and an optional detail payload.
func fail(c echo.Context, status int, code, msg string, detail interface{}) error {
	return c.JSON(status, map[string]interface{}{
		"code":   code,
		"msg":    msg,
		"detail": detail,
	})
}
