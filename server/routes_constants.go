package server

import "github.com/jrsteele09/go-auth-broker/internal/config"

// Route path constants
// All application routes are defined here to ensure consistency and prevent typos
const (
	RouteIndex = "/"

	// Sign-in routes
	RouteAuthLogin    = "/auth/login"
	RouteAuthLogout   = "/auth/logout"
	RouteAuthCallback = config.CallbackPath
	RouteAuthStepUp   = "/auth/stepup"

	// Signed-in user, either scheme
	RouteMe      = "/me"
	RouteMeToken = "/me/token"

	// API routes, bearer only
	RouteAPIPing       = "/api/ping"
	RouteAPIDownstream = "/api/downstream"
)
