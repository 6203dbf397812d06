package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	mid "github.com/stratum-kg/stratum/internal/server/middleware"
	"github.com/stratum-kg/stratum/internal/setup"
	"github.com/stratum-kg/stratum/internal/util"
	"github.com/stratum-kg/stratum/pkg/extract"
	"github.com/stratum-kg/stratum/pkg/graph"
	"github.com/stratum-kg/stratum/pkg/logger"
	"github.com/stratum-kg/stratum/pkg/pipeline"
	"github.com/stratum-kg/stratum/pkg/query"
	pgxstore "github.com/stratum-kg/stratum/pkg/store/pgx"
)

type CustomValidator struct {
	validator *validator.Validate
}

func (cv *CustomValidator) Validate(i any) error {
	if err := cv.validator.Struct(i); err != nil {
		return err
	}
	return nil
}

func Init() {
	e := echo.New()
	e.Validator = &CustomValidator{validator: validator.New()}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	databaseURL := util.GetEnv("DATABASE_URL")
	if err := pgxstore.Migrate(databaseURL); err != nil {
		logger.Fatal("Failed to run migrations", "err", err)
	}
	conn, err := pgxstore.Connect(ctx, databaseURL)
	if err != nil {
		logger.Fatal("Failed to connect to database", "err", err)
	}
	defer conn.Close()
	s := pgxstore.NewStore(conn)

	aiClient, err := setup.NewAIClientFromEnv()
	if err != nil {
		logger.Fatal("Failed to create AI client", "err", err)
	}
	sourceLoader, err := setup.NewLoaderFromEnv(ctx)
	if err != nil {
		logger.Fatal("Failed to create source loader", "err", err)
	}

	extractor := extract.New(extract.Params{
		Store:    s,
		AIClient: aiClient,
		Loader:   sourceLoader,
		Model:    util.GetEnv("AI_BUILD_MODEL"),
	})
	builder := graph.NewBuilder(graph.NewBuilderParams{
		Store:    s,
		AIClient: aiClient,
		Mapper:   extractor,
		Model:    util.GetEnv("AI_BUILD_MODEL"),
		Thinking: util.GetEnv("AI_BUILD_THINKING"),
	})

	app := &mid.App{
		Store:    s,
		AiClient: aiClient,
		Pipeline: pipeline.NewOrchestrator(s, pipeline.WithBuilder(builder)),
		Query:    query.New(s, aiClient),
	}

	e.Use(mid.AppContextMiddleware(app))
	e.Use(middleware.CORS())
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("32M"))

	RegisterRoutes(e)

	go func() {
		port := util.GetEnvString("PORT", "8080")
		logger.Info("Starting server", "port", port)
		if err := e.Start(":" + port); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed shutting down server", "err", err)
		}
	}()

	<-ctx.Done()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Error("Failed to shutdown server", "err", err)
	}
}
