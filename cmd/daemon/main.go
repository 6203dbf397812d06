package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/stratum-kg/stratum/internal/setup"
	"github.com/stratum-kg/stratum/internal/util"
	"github.com/stratum-kg/stratum/pkg/daemon"
	"github.com/stratum-kg/stratum/pkg/extract"
	"github.com/stratum-kg/stratum/pkg/graph"
	"github.com/stratum-kg/stratum/pkg/leaselock"
	"github.com/stratum-kg/stratum/pkg/logger"
	"github.com/stratum-kg/stratum/pkg/logger/console"
	pgxstore "github.com/stratum-kg/stratum/pkg/store/pgx"
)

func main() {
	util.LoadEnv()

	app := &cli.App{
		Name:  "stratum-daemon",
		Usage: "Background workers that turn ingested sources into knowledge graphs",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "debug",
				Aliases: []string{"d"},
				Usage:   "Enable debug logging",
				Value:   util.GetEnvBool("DEBUG", false),
			},
		},
		Before: func(c *cli.Context) error {
			logger.Init(console.New(console.Params{
				Debug: c.Bool("debug"),
			}))
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "start",
				Usage:  "Run the extraction and graph daemons until interrupted",
				Action: startCommand,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "workers",
						Usage: "Concurrent topic builds",
						Value: util.GetEnvInt("GRAPH_WORKERS", 5),
					},
					&cli.BoolFlag{
						Name:  "lease",
						Usage: "Coordinate topic builds across instances via database leases",
						Value: util.GetEnvBool("GRAPH_LEASE", false),
					},
				},
			},
			{
				Name:   "status",
				Usage:  "Print per-topic task progress",
				Action: statusCommand,
			},
			{
				Name:   "failed",
				Usage:  "List failed tasks with their error messages",
				Action: failedCommand,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Maximum number of tasks to list",
						Value: 50,
					},
				},
			},
			{
				Name:      "requeue",
				Usage:     "Put a failed task back into the pending queue",
				ArgsUsage: "<task-id>",
				Action:    requeueCommand,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Fatal("Daemon command failed", "err", err)
	}
}

func startCommand(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	databaseURL := util.GetEnv("DATABASE_URL")
	if err := pgxstore.Migrate(databaseURL); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	conn, err := pgxstore.Connect(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer conn.Close()
	s := pgxstore.NewStore(conn)

	aiClient, err := setup.NewAIClientFromEnv()
	if err != nil {
		return err
	}
	sourceLoader, err := setup.NewLoaderFromEnv(ctx)
	if err != nil {
		return err
	}

	extractor := extract.New(extract.Params{
		Store:    s,
		AIClient: aiClient,
		Loader:   sourceLoader,
		Model:    util.GetEnv("AI_BUILD_MODEL"),
	})
	extraction := daemon.NewExtraction(daemon.ExtractionParams{
		Store:     s,
		Extractor: extractor,
		Interval:  util.GetEnvDuration("EXTRACTION_INTERVAL", 0),
		Batch:     util.GetEnvInt("EXTRACTION_BATCH", 0),
		Metrics:   aiClient,
	})

	builder := graph.NewBuilder(graph.NewBuilderParams{
		Store:    s,
		AIClient: aiClient,
		Mapper:   extractor,
		Model:    util.GetEnv("AI_BUILD_MODEL"),
		Thinking: util.GetEnv("AI_BUILD_THINKING"),
	})
	var leases *leaselock.Locker
	if c.Bool("lease") {
		leases = leaselock.New(conn)
	}
	graphDaemon, err := daemon.NewGraph(daemon.GraphParams{
		Store:    s,
		Builder:  builder,
		Interval: util.GetEnvDuration("GRAPH_INTERVAL", 0),
		Workers:  c.Int("workers"),
		Leases:   leases,
		Metrics:  aiClient,
	})
	if err != nil {
		return fmt.Errorf("creating graph daemon: %w", err)
	}

	logger.Info("Starting daemons")
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		extraction.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		graphDaemon.Run(ctx)
	}()
	wg.Wait()
	logger.Info("Daemons stopped")
	return nil
}

func statusCommand(c *cli.Context) error {
	ctx := context.Background()
	conn, err := pgxstore.Connect(ctx, util.GetEnv("DATABASE_URL"))
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer conn.Close()
	s := pgxstore.NewStore(conn)

	statuses, err := s.TopicStatuses(ctx, "")
	if err != nil {
		return err
	}
	if len(statuses) == 0 {
		fmt.Println("no topics")
		return nil
	}
	for _, st := range statuses {
		ready := ""
		if st.ReadyForBuild() {
			ready = "  ready for build"
		}
		fmt.Printf("%s: pending=%d processing=%d completed=%d failed=%d%s\n",
			st.TopicName, st.Pending, st.Processing, st.Completed, st.Failed, ready)
	}
	return nil
}

func failedCommand(c *cli.Context) error {
	ctx := context.Background()
	conn, err := pgxstore.Connect(ctx, util.GetEnv("DATABASE_URL"))
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer conn.Close()
	s := pgxstore.NewStore(conn)

	tasks, err := s.FailedTasks(ctx, c.Int("limit"))
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("no failed tasks")
		return nil
	}
	for _, task := range tasks {
		fmt.Printf("%s  topic=%q source=%q retries=%d\n  %s\n",
			task.ID, task.TopicName, task.SourceName, task.RetryCount, task.Error)
	}
	return nil
}

func requeueCommand(c *cli.Context) error {
	taskID := c.Args().First()
	if taskID == "" {
		return fmt.Errorf("task id is required")
	}

	ctx := context.Background()
	conn, err := pgxstore.Connect(ctx, util.GetEnv("DATABASE_URL"))
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer conn.Close()
	s := pgxstore.NewStore(conn)

	if err := s.RequeueTask(ctx, taskID); err != nil {
		return fmt.Errorf("requeueing task %s: %w", taskID, err)
	}
	fmt.Printf("task %s requeued\n", taskID)
	return nil
}
