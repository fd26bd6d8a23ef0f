package server

import (
	"encoding/json"
	"net/http"
	"path"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/labstack/echo/v4"
)

// sanitizeBase normalizes a mount prefix to "" or "/seg[/seg...]".
func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" {
		return ""
	}
	clean := path.Clean("/" + bp)
	if clean == "/" {
		return ""
	}
	return clean
}

func writeJSON(c *gin.Context, code int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		c.String(http.StatusInternalServerError, "encode response: %v", err)
		return
	}
	c.Data(code, "application/json", append(b, '\n'))
}

// MountEcho serves h under basePath of an existing echo instance.
func MountEcho(e *echo.Echo, basePath string, h http.Handler) {
	wrapped := echo.WrapHandler(h)
	bp := sanitizeBase(basePath)
	if bp != "" {
		e.Any(bp, wrapped)
	}
	e.Group(bp).Any("/*", wrapped)
}
