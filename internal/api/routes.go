package api

// setupRoutes configures all control API routes
func (s *Server) setupRoutes() {
	api := s.router.Group("/api")
	{
		api.GET("/health", s.handleGetHealth)
		api.GET("/accounts", s.handleListAccounts)

		api.GET("/errors", s.handleGetErrors)
		api.POST("/errors/clear", s.handleClearErrors)

		api.POST("/signal", s.rateLimitMiddleware(), s.handleSignal)
		api.POST("/trade", s.rateLimitMiddleware(), s.handleTrade)

		api.GET("/startup-monitoring", s.handleGetStartupMonitoring)
		api.POST("/startup-monitoring/control", s.handleStartupControl)
	}

	s.router.GET("/", s.handleRoot)
}
