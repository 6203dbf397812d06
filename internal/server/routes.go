package server

import (
	"github.com/labstack/echo/v4"

	"github.com/stratum-kg/stratum/internal/server/routes"
)

func RegisterRoutes(e *echo.Echo) {
	// Health check route
	e.GET("/health", func(c echo.Context) error {
		return c.String(200, "OK")
	})

	apiRoutes := e.Group("/api")

	// Ingestion routes
	apiRoutes.POST("/documents", routes.IngestDocumentsHandler)
	apiRoutes.POST("/memories", routes.IngestMemoryHandler)

	// Topic routes
	apiRoutes.GET("/topics", routes.GetTopicStatusesHandler)
	apiRoutes.GET("/topics/:topic/graph", routes.GetTopicGraphHandler)

	// Query routes
	apiRoutes.POST("/search", routes.SearchRelationshipsHandler)

	// Task operator routes
	apiRoutes.GET("/tasks/failed", routes.GetFailedTasksHandler)
	apiRoutes.POST("/tasks/:id/requeue", routes.RequeueTaskHandler)
}
