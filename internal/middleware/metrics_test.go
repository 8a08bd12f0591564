package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"slimweb/internal/metrics"
)

func newMetricsEcho(m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.Use(AdminMetrics(m, "/prom"))
	e.GET("/prom", func(c echo.Context) error {
		return c.String(http.StatusOK, "# scrape")
	})
	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/status", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "draining")
	})
	return e
}

func serve(e *echo.Echo, method, path string) int {
	req := httptest.NewRequest(method, path, http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec.Code
}

func TestAdminMetrics_Labels(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		labels []string // method, status_code, path_prefix
	}{
		{"ok", http.MethodGet, "/healthz", []string{"GET", "200", "/healthz"}},
		{"configured scrape path", http.MethodGet, "/prom", []string{"GET", "200", "/metrics"}},
		{"scrape path prefix only", http.MethodGet, "/promx", []string{"GET", "404", "other"}},
		{"http error status", http.MethodGet, "/status", []string{"GET", "503", "/status"}},
		{"router not found", http.MethodGet, "/nope", []string{"GET", "404", "other"}},
		{"unknown method", "BREW", "/nope", []string{"other", "404", "other"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := metrics.New()
			e := newMetricsEcho(m)
			serve(e, tt.method, tt.path)

			got := testutil.ToFloat64(m.AdminRequestsTotal.WithLabelValues(tt.labels...))
			if got != 1 {
				t.Errorf("requests_total%v = %v, want 1", tt.labels, got)
			}
		})
	}
}

func TestAdminMetrics_RecordsDuration(t *testing.T) {
	m := metrics.New()
	e := newMetricsEcho(m)
	serve(e, http.MethodGet, "/healthz")
	serve(e, http.MethodGet, "/healthz")

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	var samples uint64
	for _, f := range families {
		if f.GetName() == "slimweb_admin_request_duration_seconds" {
			for _, metric := range f.GetMetric() {
				samples += metric.GetHistogram().GetSampleCount()
			}
		}
	}
	if samples != 2 {
		t.Errorf("duration samples = %d, want 2", samples)
	}
}
