package api

import (
	"net/http"
	"slices"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type openAPIDocument struct {
	Paths map[string]map[string]yaml.Node `yaml:"paths"`
}

// documentedRoutes returns "METHOD /path" for every operation in openapi.yaml.
func documentedRoutes(t *testing.T) []string {
	t.Helper()
	var doc openAPIDocument
	require.NoError(t, yaml.Unmarshal(openapiSpec, &doc))

	var routes []string
	for path, ops := range doc.Paths {
		for key := range ops {
			lower := strings.ToLower(key)
			if lower == "parameters" || strings.HasPrefix(lower, "x-") {
				continue
			}
			routes = append(routes, strings.ToUpper(key)+" "+path)
		}
	}
	slices.Sort(routes)
	return routes
}

// registeredRoutes walks the router without invoking any handler, so a
// zero API is enough.
func registeredRoutes(t *testing.T) []string {
	t.Helper()
	a := &API{}
	var routes []string
	err := chi.Walk(a.Router(), func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		route = strings.TrimRight(route, "/")
		if route == "" {
			route = "/"
		}
		if route == "/openapi.yaml" || strings.HasPrefix(route, "/docs") || strings.HasPrefix(route, "/redoc") {
			return nil
		}
		routes = append(routes, method+" "+route)
		return nil
	})
	require.NoError(t, err)
	slices.Sort(routes)
	return slices.Compact(routes)
}

func TestOpenAPIMatchesRouter(t *testing.T) {
	documented := documentedRoutes(t)
	registered := registeredRoutes(t)

	for _, r := range registered {
		assert.Contains(t, documented, r, "route missing from openapi.yaml")
	}
	for _, r := range documented {
		assert.Contains(t, registered, r, "openapi.yaml documents an unregistered route")
	}
}

func TestOpenAPICoversAuthSurface(t *testing.T) {
	documented := documentedRoutes(t)
	for _, want := range []string{
		"GET /auth/csrf",
		"POST /login",
		"POST /logout",
		"PUT /account/password",
		"PUT /admin/users/{userID}/status",
	} {
		assert.Contains(t, documented, want)
	}
}
