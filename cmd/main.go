package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/pagemark/pagemark-backend/internal/clients/gcp"
	"github.com/pagemark/pagemark-backend/internal/clients/openai"
	"github.com/pagemark/pagemark-backend/internal/clients/redis"
	"github.com/pagemark/pagemark-backend/internal/db"
	"github.com/pagemark/pagemark-backend/internal/handlers"
	"github.com/pagemark/pagemark-backend/internal/logger"
	"github.com/pagemark/pagemark-backend/internal/metrics"
	"github.com/pagemark/pagemark-backend/internal/middleware"
	"github.com/pagemark/pagemark-backend/internal/observability"
	"github.com/pagemark/pagemark-backend/internal/repos"
	"github.com/pagemark/pagemark-backend/internal/server"
	"github.com/pagemark/pagemark-backend/internal/services"
	"github.com/pagemark/pagemark-backend/internal/sse"
	"github.com/pagemark/pagemark-backend/internal/utils"
)

func main() {
	_ = godotenv.Load()

	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// appCtx outlives every request; background generations, schedulers
	// and workers run on it and wind down on SIGINT/SIGTERM.
	appCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Observability
	metrics.Init()
	shutdownOtel := observability.InitOTel(appCtx, log, observability.OtelConfig{
		ServiceName: "pagemark-backend",
		Environment: utils.GetEnv("APP_ENV", "development", nil),
		Version:     utils.GetEnv("APP_VERSION", "dev", nil),
	})

	// Env
	log.Info("Loading environment variables from main...")
	jwtSecretKey := utils.GetEnv("JWT_SECRET_KEY", "defaultsecret", log)
	accessTokenTTL := utils.GetEnvAsInt("ACCESS_TOKEN_TTL", 3600, log)
	refreshTokenTTL := utils.GetEnvAsInt("REFRESH_TOKEN_TTL", 86400, log)

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Error("Postgres init failed", "error", err)
		os.Exit(1)
	}
	if err := postgresService.AutoMigrateAll(); err != nil {
		log.Error("Postgres auto migration failed", "error", err)
		os.Exit(1)
	}
	thePG := postgresService.DB()

	// Repos
	log.Info("Setting up Repos from main...")
	userRepo := repos.NewUserRepo(thePG, log)
	userTokenRepo := repos.NewUserTokenRepo(thePG, log)
	courseRepo := repos.NewCourseRepo(thePG, log)
	fileRepo := repos.NewFileRepo(thePG, log)
	stickerRepo := repos.NewStickerRepo(thePG, log)
	stickerVersionRepo := repos.NewStickerVersionRepo(thePG, log)
	generationRecordRepo := repos.NewGenerationRecordRepo(thePG, log)
	windowSessionRepo := repos.NewWindowSessionRepo(thePG, log)
	contextJobRepo := repos.NewContextJobRepo(thePG, log)
	contextEntryRepo := repos.NewContextEntryRepo(thePG, log)
	scopeRepo := repos.NewUserContextScopeRepo(thePG, log)
	quotaBucketRepo := repos.NewQuotaBucketRepo(thePG, log)
	latencySampleRepo := repos.NewLatencySampleRepo(thePG, log)

	// SSE hub + cross-instance progress bus
	log.Info("Setting up SSE hub now...")
	sseHub := sse.NewHub(log)
	var progressBus redis.ProgressBus
	if bus, busErr := redis.NewProgressBus(log); busErr != nil {
		log.Warn("Redis progress bus unavailable; SSE stays instance-local", "error", busErr)
	} else {
		progressBus = bus
		if err := bus.StartForwarder(appCtx, sseHub.Broadcast); err != nil {
			log.Warn("Progress bus forwarder failed to start", "error", err)
		}
	}

	// Clients
	openaiClient, err := openai.NewClient(log)
	if err != nil {
		log.Error("Could not init OpenAI client", "error", err)
		os.Exit(1)
	}
	bucketService, err := gcp.NewBucketService(log)
	if err != nil {
		log.Error("Could not init BucketService", "error", err)
		os.Exit(1)
	}

	// Services
	log.Info("Setting up Services from main...")
	notifier := services.NewNotifier(log, sseHub, progressBus)
	quotaService := services.NewQuotaService(thePG, log, quotaBucketRepo)
	cacheService := services.NewStickerCacheService(thePG, log, userRepo, generationRecordRepo, stickerRepo, latencySampleRepo, quotaService)
	retrievalService := services.NewContextRetrievalService(thePG, log, openaiClient, contextEntryRepo, scopeRepo)
	generatorService := services.NewStickerGeneratorService(thePG, log, openaiClient, bucketService, stickerRepo, cacheService, retrievalService, notifier)
	sessionService := services.NewWindowSessionService(thePG, log, windowSessionRepo, notifier)
	schedulerService := services.NewWindowSchedulerService(log, sessionService, cacheService, generatorService, quotaService, fileRepo, bucketService, notifier)
	contextJobService := services.NewContextJobService(thePG, log, contextJobRepo, contextEntryRepo, quotaService)
	contextWorker := services.NewContextWorkerService(thePG, log, openaiClient, bucketService, contextJobRepo, contextEntryRepo, scopeRepo, fileRepo, quotaService, notifier)
	fileService := services.NewFileService(thePG, log, fileRepo, courseRepo, stickerRepo, scopeRepo, bucketService, contextJobService)
	authService := services.NewAuthService(thePG, log, userRepo, userTokenRepo, jwtSecretKey,
		time.Duration(accessTokenTTL)*time.Second, time.Duration(refreshTokenTTL)*time.Second)
	userService := services.NewUserService(thePG, log, userRepo)
	courseService := services.NewCourseService(thePG, log, courseRepo, fileRepo)
	explainService := services.NewExplainService(appCtx, log, fileRepo, stickerRepo, cacheService, generatorService, quotaService, sessionService, schedulerService)
	versionService := services.NewStickerVersionService(thePG, log, openaiClient, bucketService, stickerRepo, stickerVersionRepo, fileRepo, quotaService)

	// Background loops
	contextWorker.StartWorker(appCtx)
	cacheService.StartStaleSweeper(appCtx)
	sessionService.StartExpirySweeper(appCtx)

	// Handlers
	log.Info("Setting up handlers from main...")
	authHandler := handlers.NewAuthHandler(log, authService)
	userHandler := handlers.NewUserHandler(log, userService)
	courseHandler := handlers.NewCourseHandler(log, courseService)
	fileHandler := handlers.NewFileHandler(log, fileService)
	explainHandler := handlers.NewExplainHandler(log, explainService)
	stickerHandler := handlers.NewStickerHandler(log, versionService)
	sseHandler := handlers.NewSSEHandler(log, sseHub, explainService)

	// Middleware
	log.Info("Setting up middleware from main...")
	authMiddleware := middleware.NewAuthMiddleware(log, authService)

	// Router
	log.Info("Setting up router from main...")
	router := server.NewRouter(server.RouterConfig{
		Log:            log,
		AuthHandler:    authHandler,
		UserHandler:    userHandler,
		CourseHandler:  courseHandler,
		FileHandler:    fileHandler,
		ExplainHandler: explainHandler,
		StickerHandler: stickerHandler,
		SSEHandler:     sseHandler,
		AuthMiddleware: authMiddleware,
	})

	port := utils.GetEnv("PORT", "8080", log)
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}
	go func() {
		log.Info("Server listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Server failed", "error", err)
			stop()
		}
	}()

	<-appCtx.Done()
	log.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown failed", "error", err)
	}
	if progressBus != nil {
		_ = progressBus.Close()
	}
	if shutdownOtel != nil {
		_ = shutdownOtel(shutdownCtx)
	}
}
