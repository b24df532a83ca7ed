package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/soundforge/alchemy/internal/broadcast"
	"github.com/soundforge/alchemy/internal/client"
	"github.com/soundforge/alchemy/internal/config"
	"github.com/soundforge/alchemy/internal/handler"
	"github.com/soundforge/alchemy/internal/pipeline"
	"github.com/soundforge/alchemy/internal/store"
	ws "github.com/soundforge/alchemy/internal/websocket"
	"github.com/soundforge/alchemy/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	if level, err := logrus.ParseLevel(cfg.Server.LogLevel); err == nil {
		logrus.SetLevel(level)
	}

	st, err := store.Open(cfg.Database.DSN)
	if err != nil {
		logrus.Fatalf("Failed to open store: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logrus.Warnf("Redis not available: %v", err)
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()

	validate := validator.New()

	hub := ws.NewHub()
	go hub.Run()
	go ws.NewSubscriber(redisClient, hub).Run(ctx)

	fanout := broadcast.NewFanout(broadcast.NewRedisPublisher(redisClient), st)
	gate := pipeline.NewGate(st, asynqClient, fanout)
	builder := pipeline.NewBuilder(st, gate, fanout)

	pipelineHandler := handler.NewPipelineHandler(st, gate, validate)
	recipeHandler := handler.NewRecipeHandler(asynqClient, validate)
	trackHandler := handler.NewTrackHandler(st)

	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    50 * 1024 * 1024, // 50MB
	})

	app.Use(recover.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	api := app.Group("/api")

	pipelineRoutes := api.Group("/pipeline")
	pipelineRoutes.Post("/start", pipelineHandler.Start)
	pipelineRoutes.Get("/status/:trackId", pipelineHandler.Status)

	api.Get("/jobs/:jobId", pipelineHandler.JobStatus)

	api.Post("/recipes/build", recipeHandler.Build)

	tracks := api.Group("/tracks")
	tracks.Get("/:id", trackHandler.Get)
	tracks.Get("/:id/stems", trackHandler.Stems)
	tracks.Get("/:id/analysis", trackHandler.Analysis)
	tracks.Get("/:id/cues", trackHandler.Cues)

	api.Get("/notifications", trackHandler.Notifications)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/jobs/:jobId", websocket.New(func(c *websocket.Conn) {
		hub.HandleConnection(c, broadcast.JobTopic(c.Params("jobId")))
	}))
	app.Get("/ws/tracks/:trackId", websocket.New(func(c *websocket.Conn) {
		hub.HandleConnection(c, "tracks:"+c.Params("trackId"))
	}))
	app.Get("/ws/recipes/:runId", websocket.New(func(c *websocket.Conn) {
		hub.HandleConnection(c, broadcast.RecipeTopic(c.Params("runId")))
	}))

	go startWorkerServer(cfg, redisOpt, st, gate, builder, fanout)
	go startScheduler(cfg, redisOpt)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		logrus.Info("Shutting down server...")
		cancel()
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			logrus.Errorf("Server shutdown error: %v", err)
		}
	}()

	addr := ":" + cfg.Server.Port
	logrus.Infof("Server starting on %s", addr)
	if err := app.Listen(addr); err != nil {
		logrus.Fatalf("Server error: %v", err)
	}
}

func startWorkerServer(cfg *config.Config, redisOpt asynq.RedisClientOpt,
	st *store.Store, gate *pipeline.Gate, builder *pipeline.Builder, fanout *broadcast.Fanout) {
	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.Queue.Concurrency,
		Queues: map[string]int{
			pipeline.QueueDownload: 3,
			pipeline.QueueSeparate: 2,
			pipeline.QueueAnalyze:  3,
			pipeline.QueueRecipe:   2,
		},
	})

	downloader := client.NewSpotdlClient(&cfg.Downloader)
	separator := client.NewDemucsClient(&cfg.Demucs)
	analyzer := client.NewAnalyzerClient(&cfg.Analyzer)
	poller := pipeline.NewPoller(pipeline.PollerConfig{
		InitialInterval: cfg.Poll.InitialInterval,
		MaxInterval:     cfg.Poll.MaxInterval,
		MaxAttempts:     cfg.Poll.MaxAttempts,
		BandLow:         10,
		BandHigh:        90,
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(pipeline.TaskTypeDownload,
		worker.NewDownloadWorker(st, gate, fanout, downloader, cfg.Media.Dir).ProcessTask)
	mux.HandleFunc(pipeline.TaskTypeSeparate,
		worker.NewSeparateWorker(st, gate, fanout, separator, cfg.Media.Dir, cfg.Demucs.Model).ProcessTask)
	mux.HandleFunc(pipeline.TaskTypeAnalyze,
		worker.NewAnalyzeWorker(st, gate, fanout, analyzer, cfg.Analyzer.Features).ProcessTask)
	mux.HandleFunc(pipeline.TaskTypeAutocue,
		worker.NewAutocueWorker(st, gate, fanout).ProcessTask)
	mux.HandleFunc(pipeline.TaskTypeRecipe,
		worker.NewRecipeWorker(builder, fanout).ProcessTask)
	mux.HandleFunc(pipeline.TaskTypeReconcile,
		worker.NewReconcileWorker(st, fanout).ProcessTask)

	// The cloud path needs both the splitting service and object storage;
	// without them those tasks fail fast with a clear reason.
	splitter := client.NewSplitterClient(&cfg.Splitter)
	storage, err := client.NewR2Client(&cfg.R2)
	if err != nil || !splitter.IsConfigured() {
		logrus.Warn("Cloud separation not configured; pipeline:cloud_separate disabled")
	} else {
		mux.HandleFunc(pipeline.TaskTypeCloudSeparate,
			worker.NewCloudSeparateWorker(st, gate, fanout, splitter, storage, poller, cfg.Media.Dir).ProcessTask)
	}

	if err := srv.Run(mux); err != nil {
		logrus.Errorf("Worker server error: %v", err)
	}
}

func startScheduler(cfg *config.Config, redisOpt asynq.RedisClientOpt) {
	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{})
	if _, err := scheduler.Register(cfg.Reconcile.Cron,
		asynq.NewTask(pipeline.TaskTypeReconcile, nil),
		asynq.Queue(pipeline.QueueAnalyze),
	); err != nil {
		logrus.Errorf("Register reconciliation sweep: %v", err)
		return
	}
	if err := scheduler.Run(); err != nil {
		logrus.Errorf("Scheduler error: %v", err)
	}
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    "SERVICE_ERROR",
			"message": message,
		},
	})
}
