package middleware

import (
	"github.com/labstack/echo/v4"

	"github.com/stratum-kg/stratum/pkg/ai"
	"github.com/stratum-kg/stratum/pkg/pipeline"
	"github.com/stratum-kg/stratum/pkg/query"
	"github.com/stratum-kg/stratum/pkg/store"
)

// App bundles the wired application services handlers work against.
type App struct {
	Store    store.Store
	AiClient ai.GraphAIClient
	Pipeline *pipeline.Orchestrator
	Query    *query.Engine
}

type AppContext struct {
	echo.Context
	App *App
}

// AppContextMiddleware wraps every request context with the shared App.
func AppContextMiddleware(app *App) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			return next(&AppContext{c, app})
		}
	}
}
