package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/channelsync_backend/channels"
	"bitbucket.org/mmdatafocus/channelsync_backend/config"
	"bitbucket.org/mmdatafocus/channelsync_backend/middlewares"
	"bitbucket.org/mmdatafocus/channelsync_backend/models"
	"bitbucket.org/mmdatafocus/channelsync_backend/recon"
	"bitbucket.org/mmdatafocus/channelsync_backend/utils"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

func main() {
	port := os.Getenv("RECON_SERVICE_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	r := gin.New()
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if config.GetDB() == nil || config.GetRedisDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = utils.SplitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization")
	corsConfig.AddExposeHeaders("Content-Length", "Content-Disposition")
	corsConfig.AllowCredentials = true

	r.Use(cors.New(corsConfig))
	r.Use(middlewares.AuthMiddleware())
	r.Use(requestLogger(logger))
	r.Use(gin.Recovery())

	engine := buildEngine(logger)
	handlers := recon.NewHandlers(engine)

	api := r.Group("/api/recon", middlewares.RequireAuth())
	api.GET("/status", handlers.GetStatus)
	api.POST("/run", handlers.RunNow)
	api.POST("/scheduler/start", handlers.StartScheduler)
	api.POST("/scheduler/stop", handlers.StopScheduler)
	api.GET("/audits", handlers.ListAudits)
	api.GET("/audits/export", handlers.ExportAudits)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()

	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	if err := engine.ResumeSchedulerFromConfig(context.Background()); err != nil {
		config.LogError(logger, "main", "main", "ResumeSchedulerFromConfig", nil, err)
	}

	select {
	case <-sigCtx.Done():
		_ = engine.StopScheduler(context.Background())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	case err := <-serverErrCh:
		if err != nil && err != http.ErrServerClosed {
			logger.WithFields(logrus.Fields{"field": "server"}).Error(err)
		}
	}
}

// buildEngine wires adapters from env. Missing credentials leave an adapter
// not Ready; the engine skips cycles (returns) or that channel (sales)
// instead of failing startup.
func buildEngine(logger *logrus.Logger) *recon.Engine {
	source := channels.NewSmartstoreAdapter("smartstore-main",
		os.Getenv("SMARTSTORE_MAIN_STORE_ID"), os.Getenv("SMARTSTORE_MAIN_API_KEY"))
	secondary := channels.NewSmartstoreAdapter("smartstore-outlet",
		os.Getenv("SMARTSTORE_OUTLET_STORE_ID"), os.Getenv("SMARTSTORE_OUTLET_API_KEY"))
	coupang := channels.NewCoupangAdapter("coupang",
		os.Getenv("COUPANG_VENDOR_ID"), os.Getenv("COUPANG_ACCESS_KEY"), os.Getenv("COUPANG_SECRET_KEY"))
	ably := channels.NewAblyAdapter("ably", os.Getenv("ABLY_API_TOKEN"))

	return recon.NewEngine(recon.EngineParams{
		Store:           models.NewStore(nil),
		Source:          source,
		Secondary:       secondary,
		SalesChannels:   []channels.Adapter{source, coupang, ably},
		Notifier:        &recon.PubSubNotifier{Topic: os.Getenv("NOTIFY_TOPIC"), Logger: logger},
		Logger:          logger,
		ObtainCycleLock: recon.NewRedisCycleLock(10 * time.Minute),
	})
}

func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		logger.WithFields(logrus.Fields{
			"status":         c.Writer.Status(),
			"method":         c.Request.Method,
			"path":           c.Request.URL.Path,
			"latency":        latency.String(),
			"correlation_id": cid,
		}).Info("request")
	}
}
