package server

import "github.com/jrsteele09/go-auth-broker/schemes"

func (s *Server) initRoutes() {
	s.RegisterRouteHandler("GET "+RouteIndex+"{$}", ChainMiddleware(s.IndexHandler(), s.HTMLMiddleWare()...))

	// SIGN-IN
	s.RegisterRouteHandler("GET "+RouteAuthLogin, ChainMiddleware(s.LoginHandler(), s.HTMLMiddleWare()...))
	s.RegisterRouteHandler("GET "+RouteAuthCallback, ChainMiddleware(s.CallbackHandler(), s.HTMLMiddleWare()...))
	s.RegisterRouteHandler("POST "+RouteAuthCallback, ChainMiddleware(s.CallbackHandler(), s.HTMLMiddleWare()...)) // For form_post response mode
	s.RegisterRouteHandler("POST "+RouteAuthLogout, ChainMiddleware(s.LogoutHandler(), s.HTMLMiddleWare()...))
	s.RegisterRouteHandler("GET "+RouteAuthStepUp, ChainMiddleware(s.StepUpHandler(), s.HTMLMiddleWare()...))

	// Either scheme
	s.RegisterRouteHandler("GET "+RouteMe, ChainMiddleware(s.MeHandler(), s.HTMLMiddleWare(s.RequireAuth(PolicySignedIn))...))
	s.RegisterRouteHandler("GET "+RouteMeToken, ChainMiddleware(s.MeTokenHandler(), s.HTMLMiddleWare(s.RequireAuth(PolicySignedIn, schemes.Interactive))...))

	// API routes (bearer token + API scope)
	s.RegisterRouteHandler("GET "+RouteAPIPing, ChainMiddleware(s.PingHandler(), s.APIMiddleware(s.RequireAuth(PolicyAPI, schemes.Bearer))...))
	s.RegisterRouteHandler("GET "+RouteAPIDownstream, ChainMiddleware(s.DownstreamHandler(), s.APIMiddleware(s.RequireAuth(PolicyAPI, schemes.Bearer))...))
	s.RegisterRouteHandler("OPTIONS /api/", ChainMiddleware(s.PreflightHandler(), s.APIMiddleware()...))
}
