package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestRequestLogger(t *testing.T) {
	tests := []struct {
		name      string
		level     slog.Level
		method    string
		path      string
		wantEntry bool
	}{
		{"successful GET is debug", slog.LevelInfo, http.MethodGet, "/status", false},
		{"successful GET at debug level", slog.LevelDebug, http.MethodGet, "/status", true},
		{"failing GET is info", slog.LevelInfo, http.MethodGet, "/missing", true},
		{"POST is info", slog.LevelInfo, http.MethodPost, "/status", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: tt.level}))
			e := echo.New()
			e.Use(RequestLogger(logger))
			e.Any("/status", func(c echo.Context) error {
				return c.String(http.StatusOK, "ok")
			})

			req := httptest.NewRequest(tt.method, tt.path, http.NoBody)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			got := strings.Contains(buf.String(), "path="+tt.path)
			if got != tt.wantEntry {
				t.Errorf("logged = %v, want %v; output: %q", got, tt.wantEntry, buf.String())
			}
			if got && !strings.Contains(buf.String(), "component=admin") {
				t.Errorf("log entry missing component: %q", buf.String())
			}
		})
	}
}
