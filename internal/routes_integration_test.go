package internal

import (
	"reflect"
	"runtime"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/karloscodes/cartridge/testsupport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findRoute(routes []fiber.Route, method, path string) *fiber.Route {
	for idx := range routes {
		if routes[idx].Method == method && routes[idx].Path == path {
			return &routes[idx]
		}
	}
	return nil
}

// handlerBuiltBy reports whether the closure named fn was returned by the
// constructor called ctor.
func handlerBuiltBy(fn, ctor string) bool {
	return strings.Contains(fn, "."+ctor+".") || strings.HasSuffix(fn, "."+ctor)
}

func TestHandlerBuiltBy(t *testing.T) {
	assert.True(t, handlerBuiltBy("tally/internal/http/middleware.BodyLimit.func1", "BodyLimit"))
	assert.True(t, handlerBuiltBy("tally/internal.MountRoutes.BodyLimit.func1", "BodyLimit"))
	assert.True(t, handlerBuiltBy("tally/internal.MountRoutes.RateLimit.func3", "RateLimit"))
	assert.False(t, handlerBuiltBy("tally/internal.MountRoutes.func1", "BodyLimit"))
	assert.False(t, handlerBuiltBy("tally/internal/http/middleware.SiteAuthCached.func1", "SiteAuth"))
}

func TestIngestRouteMiddlewareOrder(t *testing.T) {
	srv := testsupport.NewTestServer(t, testsupport.TestServerOptions{
		RouteMountFunc: MountAppRoutes,
	})
	route := findRoute(srv.App.GetRoutes(true), fiber.MethodPost, "/ingest")
	require.NotNil(t, route, "expected ingest route to be registered")

	// Size, credential and rate checks must run in this order. Closure names
	// depend on inlining (middleware.BodyLimit.func1 or
	// internal.MountRoutes.BodyLimit.func1), so match the constructor segment.
	wanted := []string{"ResolveClient", "BodyLimit", "SiteAuth", "RateLimit"}
	var positions []int
	var handlerNames []string
	for idx, handler := range route.Handlers {
		name := runtime.FuncForPC(reflect.ValueOf(handler).Pointer()).Name()
		handlerNames = append(handlerNames, name)
		if len(positions) < len(wanted) && handlerBuiltBy(name, wanted[len(positions)]) {
			positions = append(positions, idx)
		}
	}
	require.Lenf(t, positions, len(wanted), "expected ingest middleware in order, handlers: %v", handlerNames)
}

func TestSupportRoutesRegistered(t *testing.T) {
	srv := testsupport.NewTestServer(t, testsupport.TestServerOptions{
		RouteMountFunc: MountAppRoutes,
	})
	routes := srv.App.GetRoutes(true)

	assert.NotNil(t, findRoute(routes, fiber.MethodOptions, "/ingest"))
	assert.NotNil(t, findRoute(routes, fiber.MethodGet, "/_health"))
	assert.NotNil(t, findRoute(routes, fiber.MethodHead, "/_health"))
	assert.NotNil(t, findRoute(routes, fiber.MethodGet, "/metrics"))
}
