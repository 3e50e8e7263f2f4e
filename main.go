package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"social-auto-reply-go/internal/aiclient"
	"social-auto-reply-go/internal/config"
	"social-auto-reply-go/internal/credpool"
	"social-auto-reply-go/internal/dispatch"
	"social-auto-reply-go/internal/graph"
	"social-auto-reply-go/internal/handlers"
	"social-auto-reply-go/internal/images"
	"social-auto-reply-go/internal/metrics"
	"social-auto-reply-go/internal/models"
	"social-auto-reply-go/internal/reply"
	"social-auto-reply-go/internal/repository"
	"social-auto-reply-go/internal/scheduler"
)

func main() {
	// Configure logging
	logrus.SetFormatter(&logrus.JSONFormatter{})
	logrus.SetLevel(logrus.InfoLevel)

	logrus.Info("Starting Social Auto-Reply Service")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("Configuration validation failed: %v", err)
	}

	// Initialize database
	db, err := initDatabase(cfg.Database)
	if err != nil {
		logrus.Fatalf("Failed to initialize database: %v", err)
	}

	// Initialize metrics
	m := metrics.NewMetrics()

	repo := repository.New(db)

	// Credential pool and AI client
	pool := credpool.New(cfg.AI.APIKeys)
	ai := aiclient.NewClient(cfg.AI.BaseURL, cfg.AI.Model, pool, cfg.AI.RetryDelay, cfg.AI.RequestTimeout, m)
	logrus.Infof("AI credential pool initialized with %d keys", pool.Size())

	// Platform Graph client and image resolution
	graphClient := graph.NewClient(cfg.Platform.GraphBaseURL, cfg.Platform.APIVersion, cfg.Platform.RequestTimeout, m)
	resolver := images.NewResolver(graphClient)

	// Reply generator
	generator := reply.NewGenerator(ai, graphClient, repo, cfg.AI.ReplyTimeout, m)

	// Dispatcher and background runner
	dispatcher := dispatch.NewDispatcher(repo, graphClient, resolver, generator, m, cfg.Platform.RepollPostLimit)
	runner := dispatch.NewRunner()

	// Initialize reprocessing scheduler
	sched := scheduler.NewScheduler(&cfg.Scheduler, dispatcher)

	// Initialize HTTP handlers
	h := handlers.NewHandlers(repo, dispatcher, runner, sched, cfg.Platform.VerifyToken)

	// Setup HTTP server
	router := setupRouter(h)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Subscribe active pages to webhook fields
	subscribePages(repo, graphClient, cfg.Platform.SubscribedFields, m)

	var ruleCount int64
	if err := repo.DB().Model(&models.AutoReplyRule{}).Where("is_active = ?", true).Count(&ruleCount).Error; err != nil {
		logrus.Warnf("Failed to count active rules: %v", err)
	} else {
		m.ActiveRules.Set(float64(ruleCount))
	}

	// Start scheduler
	if err := sched.Start(); err != nil {
		logrus.Fatalf("Failed to start scheduler: %v", err)
	}

	// Start HTTP server in a goroutine
	go func() {
		logrus.Infof("Starting HTTP server on port %s", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("HTTP server error: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Shutting down server...")

	// Create shutdown context with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop scheduler
	if err := sched.Stop(); err != nil {
		logrus.Errorf("Failed to stop scheduler: %v", err)
	}
	sched.Wait()

	// Wait for in-flight background dispatches
	runner.Wait()

	// Shutdown HTTP server
	if err := server.Shutdown(ctx); err != nil {
		logrus.Errorf("HTTP server shutdown error: %v", err)
	}

	logrus.Info("Server stopped gracefully")
}

// initDatabase initializes the database connection and runs migrations
func initDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	// Configure GORM logger
	gormLogger := logger.New(
		logrus.StandardLogger(),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	// Connect to database
	db, err := gorm.Open(mysql.Open(cfg.GetDSN()), &gorm.Config{
		Logger: gormLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Get underlying SQL DB for connection pool settings
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying SQL DB: %w", err)
	}

	// Configure connection pool
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	// Run migrations
	if err := runMigrations(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logrus.Info("Database initialized successfully")
	return db, nil
}

// runMigrations runs database migrations
func runMigrations(db *gorm.DB) error {
	logrus.Info("Running database migrations...")

	// Auto migrate all models
	if err := db.AutoMigrate(&models.WebhookLog{}, &models.Event{}, &models.Page{}, &models.AutoReplyRule{}); err != nil {
		return fmt.Errorf("failed to auto migrate: %w", err)
	}

	logrus.Info("Database migrations completed")
	return nil
}

// subscribePages re-subscribes every active page's webhook fields on boot.
// Best-effort: a page that fails to subscribe still processes whatever the
// platform delivers.
func subscribePages(repo *repository.Repository, graphClient *graph.Client, fields string, m *metrics.Metrics) {
	pages, err := repo.ActivePages()
	if err != nil {
		logrus.Errorf("Failed to load active pages: %v", err)
		return
	}
	m.ActivePages.Set(float64(len(pages)))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, page := range pages {
		if err := graphClient.SubscribeApp(ctx, page.PageID, fields, page.AccessToken); err != nil {
			logrus.Warnf("Failed to subscribe page %s: %v", page.PageID, err)
			continue
		}
		logrus.Infof("Subscribed page %s to fields %s", page.PageID, fields)
	}
}

// setupRouter sets up the HTTP router with middleware
func setupRouter(h *handlers.Handlers) *gin.Engine {
	// Set Gin mode
	gin.SetMode(gin.ReleaseMode)

	// Create router
	router := gin.New()

	// Add middleware
	router.Use(gin.Recovery())
	router.Use(loggerMiddleware())

	// Setup routes
	h.SetupRoutes(router)

	return router
}

// loggerMiddleware adds logging middleware
func loggerMiddleware() gin.HandlerFunc {
	return gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		return fmt.Sprintf("%s - [%s] \"%s %s %s %d %s \"%s\" %s\"\n",
			param.ClientIP,
			param.TimeStamp.Format(time.RFC1123),
			param.Method,
			param.Path,
			param.Request.Proto,
			param.StatusCode,
			param.Latency,
			param.Request.UserAgent(),
			param.ErrorMessage,
		)
	})
}
