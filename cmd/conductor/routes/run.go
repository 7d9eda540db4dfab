// Package routes binds the run control API onto an echo instance
package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/lumenflow/conductor/cmd/conductor/handlers"
)

// RegisterRunRoutes registers the run lifecycle and streaming routes
func RegisterRunRoutes(e *echo.Echo, runs *handlers.RunHandler, stream *handlers.StreamHandler) {
	g := e.Group("/api/v1/runs")
	{
		g.POST("", runs.StartRun)              // POST   /api/v1/runs
		g.GET("/:id", runs.GetRun)             // GET    /api/v1/runs/{run_id}
		g.GET("/:id/tokens", runs.GetTokens)   // GET    /api/v1/runs/{run_id}/tokens
		g.GET("/:id/trace", runs.GetTrace)     // GET    /api/v1/runs/{run_id}/trace
		g.POST("/:id/cancel", runs.CancelRun)  // POST   /api/v1/runs/{run_id}/cancel
		g.DELETE("/:id", runs.DeleteRun)       // DELETE /api/v1/runs/{run_id}
		g.GET("/:id/stream", stream.Stream)    // GET    /api/v1/runs/{run_id}/stream (WebSocket)
	}
}
