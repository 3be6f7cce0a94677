package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	_ "github.com/noah-isme/classroom-sync/api/swagger"
	"github.com/noah-isme/classroom-sync/internal/handler"
	"github.com/noah-isme/classroom-sync/internal/middleware"
	"github.com/noah-isme/classroom-sync/internal/models"
	"github.com/noah-isme/classroom-sync/internal/realtime"
	"github.com/noah-isme/classroom-sync/internal/repository"
	"github.com/noah-isme/classroom-sync/internal/service"
	"github.com/noah-isme/classroom-sync/pkg/cache"
	"github.com/noah-isme/classroom-sync/pkg/config"
	"github.com/noah-isme/classroom-sync/pkg/database"
	"github.com/noah-isme/classroom-sync/pkg/logger"
	corsmiddleware "github.com/noah-isme/classroom-sync/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/classroom-sync/pkg/middleware/requestid"
	"github.com/noah-isme/classroom-sync/pkg/storage"
)

// @title Classroom Sync API
// @version 1.0.0
// @description Courses and course documents with live snapshot streams and paged views.
// @BasePath /api/v1
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if err := run(cfg, logr); err != nil {
		logr.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logr *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close() //nolint:errcheck
	if err := database.Migrate(ctx, db); err != nil {
		return err
	}

	validate := validator.New()
	metrics := service.NewMetricsService()

	courseRepo := repository.NewCourseRepository(db)
	documentRepo := repository.NewDocumentRepository(db)
	userRepo := repository.NewUserRepository(db)

	hub := realtime.NewHub(realtime.NewSQLSource(courseRepo, documentRepo), metrics, logr.Named("hub"))
	defer hub.Close()
	store := realtime.NewStore(courseRepo, documentRepo, hub, logr.Named("store"))

	var cacheRepo service.CacheRepository
	switch cfg.Sync.CacheBackend {
	case config.CacheBackendRedis:
		client, err := cache.NewRedis(cfg.Redis)
		if err != nil {
			return err
		}
		redisRepo := repository.NewCacheRepository(client, logr)
		defer redisRepo.Close() //nolint:errcheck
		cacheRepo = redisRepo
	default:
		cacheRepo = repository.NewMemoryCacheRepository()
	}
	snapshots := service.NewSnapshotCache(cacheRepo, metrics, service.SnapshotCacheConfig{
		TTL:     cfg.Sync.CacheTTL,
		Workers: cfg.Sync.CacheWorkers,
	}, logr.Named("cache"))
	snapshots.Start(ctx)
	defer snapshots.Stop()

	files, err := storage.NewLocalStorage(cfg.Storage.Dir)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	filesBaseURL := cfg.Storage.BaseURL
	if filesBaseURL == "" {
		filesBaseURL = fmt.Sprintf("http://localhost:%d%s/files", cfg.Port, cfg.APIPrefix)
	}
	signer := storage.NewSignedURLSigner(cfg.Storage.SignedURLSecret, cfg.Storage.SignedURLTTL, filesBaseURL)

	authService := service.NewAuthService(userRepo, validate, logr.Named("auth"), service.AuthConfig{
		AccessTokenSecret: cfg.JWT.Secret,
		AccessTokenExpiry: cfg.JWT.Expiration,
		Issuer:            cfg.JWT.Issuer,
	})
	exportService := service.NewExportService(logr.Named("export"), nil, nil)

	registry := service.NewWorkspaceRegistry(service.WorkspaceDeps{
		Feed:      hub,
		Courses:   store,
		Documents: store,
		Files:     service.NewLocalUploader(files, signer),
		Cache:     snapshots,
		Metrics:   metrics,
		Validator: validate,
		Logger:    logr.Named("sync"),
	}, service.WorkspaceConfig{
		PageSize:           cfg.Sync.PageSize,
		CascadeConcurrency: cfg.Sync.CascadeConcurrency,
		MaxFileSize:        cfg.Storage.MaxFileSizeBytes,
		AllowedExtensions:  cfg.Storage.AllowedExtensions,
		ReadyTimeout:       3 * time.Second,
	})

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr, func(c *gin.Context) []zap.Field {
		if claims, ok := middleware.Claims(c); ok {
			return []zap.Field{zap.String("uid", claims.UserID), zap.String("role", string(claims.Role))}
		}
		return nil
	}))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metrics, cfg.APIPrefix+"/stream"))

	metricsHandler := handler.NewMetricsHandler(metrics, registry)
	r.GET("/health", metricsHandler.Health)
	r.GET("/metrics", metricsHandler.Prometheus)
	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	authHandler := handler.NewAuthHandler(authService)
	courseHandler := handler.NewCourseHandler(registry)
	documentHandler := handler.NewDocumentHandler(registry, exportService, logr.Named("documents"))
	fileHandler := handler.NewFileHandler(files, signer, logr.Named("files"))
	storeHandler := handler.NewStoreHandler(store)
	streamHandler := handler.NewStreamHandler(hub, handler.StreamConfig{
		WriteTimeout: cfg.Stream.WriteTimeout,
		PingInterval: cfg.Stream.PingInterval,
		ReadLimit:    cfg.Stream.ReadLimit,
		CheckOrigin:  corsmiddleware.AllowOrigin(cfg.CORS.AllowedOrigins),
	}, logr.Named("stream"))

	requireAuth := middleware.JWT(authService)
	teacherOnly := middleware.RequireRoles(models.RoleTeacher)

	api := r.Group(cfg.APIPrefix)
	api.GET("/files/:token", fileHandler.Download)
	api.GET("/stream", requireAuth, streamHandler.Stream)

	auth := api.Group("/auth")
	auth.POST("/register", authHandler.Register)
	auth.POST("/login", authHandler.Login)
	auth.GET("/me", requireAuth, authHandler.Me)

	secured := api.Group("", requireAuth)
	secured.GET("/metrics/sync", metricsHandler.Sync)

	courses := secured.Group("/courses")
	courses.GET("", courseHandler.List)
	courses.GET("/stats", courseHandler.Stats)
	courses.POST("/refresh", courseHandler.Refresh)
	courses.POST("", teacherOnly, courseHandler.Create)
	courses.GET("/:id", courseHandler.Get)
	courses.PUT("/:id", teacherOnly, courseHandler.Update)
	courses.DELETE("/:id", teacherOnly, courseHandler.Delete)
	courses.POST("/:id/join", courseHandler.Join)
	courses.POST("/:id/leave", courseHandler.Leave)

	courses.GET("/:id/documents", documentHandler.List)
	courses.GET("/:id/documents/stats", documentHandler.Stats)
	courses.GET("/:id/documents/export", documentHandler.Export)
	courses.GET("/:id/documents/:docId", documentHandler.Get)
	courses.POST("/:id/documents", teacherOnly, documentHandler.Create)
	courses.POST("/:id/documents/upload", teacherOnly, documentHandler.Upload)
	courses.PUT("/:id/documents/:docId", teacherOnly, documentHandler.Update)
	courses.DELETE("/:id/documents/:docId", teacherOnly, documentHandler.Delete)

	raw := secured.Group("/store")
	raw.POST("/keys", storeHandler.Key)
	raw.GET("/courses/:id", storeHandler.GetCourse)
	raw.PUT("/courses/:id", teacherOnly, storeHandler.PutCourse)
	raw.DELETE("/courses/:id", teacherOnly, storeHandler.DeleteCourse)
	raw.PUT("/courses/:id/students/:uid", middleware.RBAC(middleware.Self), storeHandler.PutMembership)
	raw.DELETE("/courses/:id/students/:uid", middleware.RBAC(middleware.Self), storeHandler.DeleteMembership)
	raw.GET("/courses/:id/document-ids", storeHandler.DocumentIDs)
	raw.GET("/documents/:id", storeHandler.GetDocument)
	raw.PUT("/documents/:id", teacherOnly, storeHandler.PutDocument)
	raw.DELETE("/documents/:id", teacherOnly, storeHandler.DeleteDocument)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logr.Info("server starting", zap.String("addr", srv.Addr), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		registry.Run(gctx, time.Minute)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logr.Info("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
