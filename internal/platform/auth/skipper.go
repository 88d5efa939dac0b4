package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths bypass authentication. Only infrastructure probes live here;
// every ledger route needs a caller.
var publicPaths = map[string]bool{
	"/health":    true,
	"/health/db": true,
}

// AuthSkipper returns true for requests whose route should skip authentication.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}

func IsPublicPath(path string) bool {
	return publicPaths[path]
}
