// proxy.go - Pass-through routes to the lab notebook and document server
package api

import (
	"fmt"
	"net/url"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// ProxyRoute forwards every request under Prefix to Target with the prefix stripped.
type ProxyRoute struct {
	Prefix string
	Target string
}

// RegisterProxyRoutes mounts one reverse proxy per route. Routes with an empty
// target are skipped.
func RegisterProxyRoutes(e *echo.Echo, routes []ProxyRoute) error {
	for _, r := range routes {
		if r.Target == "" {
			continue
		}
		target, err := url.Parse(r.Target)
		if err != nil || target.Scheme == "" || target.Host == "" {
			return fmt.Errorf("invalid proxy target %q for %s", r.Target, r.Prefix)
		}

		balancer := middleware.NewRoundRobinBalancer([]*middleware.ProxyTarget{{URL: target}})
		e.Group(r.Prefix, middleware.ProxyWithConfig(middleware.ProxyConfig{
			Balancer: balancer,
			Rewrite: map[string]string{
				r.Prefix:        "/",
				r.Prefix + "/*": "/$1",
			},
		}))
	}
	return nil
}
