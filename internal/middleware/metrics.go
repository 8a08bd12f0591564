package middleware

import (
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"slimweb/internal/metrics"
)

// AdminMetrics records a request count and latency per admin route. The
// scrape endpoint is labelled "/metrics" whatever path it is served on.
func AdminMetrics(m *metrics.Metrics, scrapePath string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			labels := []string{
				metrics.NormalizeMethod(c.Request().Method),
				strconv.Itoa(resolvedStatus(c, err)),
				adminRoute(c.Request().URL.Path, scrapePath),
			}
			m.AdminRequestsTotal.WithLabelValues(labels...).Inc()
			m.AdminRequestDuration.WithLabelValues(labels...).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

func adminRoute(path, scrapePath string) string {
	if scrapePath != "" && (path == scrapePath || strings.HasPrefix(path, scrapePath+"/")) {
		return "/metrics"
	}
	return metrics.NormalizePath(path)
}
