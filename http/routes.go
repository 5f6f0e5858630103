package http

import (
	"encoding/json"
	"fmt"
	"strings"

	x402 "github.com/x402-foundation/x402-facilitator"
)

// RouteConfig describes the payment a route demands. Amount is a decimal
// integer in the asset's base units. For upto routes, MaxAmountRequired may
// advertise the largest per-request charge the server will ever make so
// clients can size their caps.
type RouteConfig struct {
	Scheme            string
	Network           x402.Network
	Asset             string
	Amount            string
	PayTo             string
	MaxTimeoutSeconds int
	MaxAmountRequired string
	Description       string
	MimeType          string
	Extra             map[string]interface{}
	OutputSchema      json.RawMessage
}

// RoutesConfig maps route patterns to payment configuration. Patterns have
// the form "METHOD /path" where METHOD may be "*" and path segments may be
// "[param]" placeholders: "GET /api/items/[id]".
type RoutesConfig map[string]RouteConfig

type compiledRoute struct {
	method   string
	segments []string
	config   RouteConfig
}

// compileRoutes parses the pattern keys. Invalid patterns error at startup
// rather than silently never matching.
func compileRoutes(routes RoutesConfig) ([]compiledRoute, error) {
	compiled := make([]compiledRoute, 0, len(routes))
	for pattern, config := range routes {
		parts := strings.Fields(pattern)
		if len(parts) != 2 || !strings.HasPrefix(parts[1], "/") {
			return nil, fmt.Errorf("invalid route pattern %q: want \"METHOD /path\"", pattern)
		}
		compiled = append(compiled, compiledRoute{
			method:   strings.ToUpper(parts[0]),
			segments: splitPath(parts[1]),
			config:   config,
		})
	}
	return compiled, nil
}

// matchRoute finds the first route matching the request. Literal segments
// must match exactly; "[param]" segments match any single segment.
func matchRoute(routes []compiledRoute, method, path string) *RouteConfig {
	segments := splitPath(path)
	for i := range routes {
		route := &routes[i]
		if route.method != "*" && route.method != strings.ToUpper(method) {
			continue
		}
		if matchSegments(route.segments, segments) {
			return &route.config
		}
	}
	return nil
}

func matchSegments(pattern, path []string) bool {
	if len(pattern) != len(path) {
		return false
	}
	for i, p := range pattern {
		if strings.HasPrefix(p, "[") && strings.HasSuffix(p, "]") {
			continue
		}
		if p != path[i] {
			return false
		}
	}
	return true
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
