package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/labstack/echo/v4"
)

func TestSanitizeBase(t *testing.T) {
	for in, want := range map[string]string{
		"":          "",
		"/":         "",
		"  ":        "",
		"api":       "/api",
		"/api/":     "/api",
		" partest ": "/partest",
		"/a/b//":    "/a/b",
	} {
		if got := sanitizeBase(in); got != want {
			t.Errorf("sanitizeBase(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestWriteJSONSetsStatusAndType(t *testing.T) {
	gin.SetMode(gin.TestMode)
	g := gin.New()
	g.GET("/c", func(c *gin.Context) { writeJSON(c, http.StatusAccepted, countResp{Count: 3}) })
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/c", nil))
	if rec.Code != http.StatusAccepted || rec.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("got %d %q", rec.Code, rec.Header().Get("Content-Type"))
	}
	if strings.TrimSpace(rec.Body.String()) != `{"count":3}` {
		t.Fatalf("body %q", rec.Body.String())
	}
}

func TestMountEcho(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewRouter(&fakeCoord{}, "/api").Handler()
	e := echo.New()
	MountEcho(e, "/api/", h)
	e.GET("/own", func(c echo.Context) error { return c.String(http.StatusOK, "echo") })

	for path, want := range map[string]int{
		"/api/health": http.StatusOK,
		"/api/count":  http.StatusServiceUnavailable,
		"/own":        http.StatusOK,
	} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != want {
			t.Errorf("%s: got %d want %d (%s)", path, rec.Code, want, rec.Body.String())
		}
	}
}
