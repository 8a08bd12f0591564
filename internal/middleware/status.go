package middleware

import (
	"errors"

	"github.com/labstack/echo/v4"
)

// resolvedStatus returns the status the admin plane answers with. An
// *echo.HTTPError is only written later by Echo's error handler, so its code
// wins over the recorder's.
func resolvedStatus(c echo.Context, err error) int {
	var he *echo.HTTPError
	if err != nil && errors.As(err, &he) {
		return he.Code
	}
	return c.Response().Status
}
