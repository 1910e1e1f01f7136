package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/genealogy_backend/config"
	"bitbucket.org/mmdatafocus/genealogy_backend/mediastore"
	"bitbucket.org/mmdatafocus/genealogy_backend/middlewares"
	"bitbucket.org/mmdatafocus/genealogy_backend/models"
	"bitbucket.org/mmdatafocus/genealogy_backend/syncer"
	"bitbucket.org/mmdatafocus/genealogy_backend/utils"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	defaultPort  = "8080"
	syncLockKey  = "sync:lock"
	syncLockWait = 5 * time.Second
)

// Define a struct to represent the rate limiter.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

type routerOptions struct {
	AuthRequired bool
	RateLimiter  *RateLimiter
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "route not found"})
}

func setupRouter(api *syncAPI, opts routerOptions) *gin.Engine {
	r := gin.New()
	r.MaxMultipartMemory = multipartMemory
	// Correlation IDs: generate once per request and attach to context.
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Header("X-Correlation-Id", cid)
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		// Always allow the startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		// Gate sync endpoints on dependency readiness.
		if api.service() == nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"success": false, "message": "service not ready"})
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// In production, require explicit allowlist via CORS_ALLOWED_ORIGINS (comma-separated).
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if config.IsProduction() {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization", "Idempotency-Key", "X-Device-Id", "X-Correlation-Id")
	corsConfig.AddExposeHeaders("Content-Length", "Content-Disposition", "X-Correlation-Id")
	corsConfig.AllowCredentials = !corsConfig.AllowAllOrigins

	r.Use(cors.New(corsConfig))
	if opts.RateLimiter != nil {
		r.Use(opts.RateLimiter.RateLimitMiddleware)
	}
	r.Use(customErrorLogger(api.logger))
	r.Use(gin.Recovery())

	syncRoutes := r.Group("/api/sync")
	syncRoutes.Use(middlewares.AuthMiddleware(opts.AuthRequired))
	syncRoutes.POST("/diff", api.diffHandler())
	syncRoutes.POST("/push-from-app", api.pushHandler())
	syncRoutes.POST("/pull-to-app", api.pullHandler())
	syncRoutes.POST("/merge", api.mergeHandler())
	syncRoutes.GET("/status", api.statusHandler())
	syncRoutes.GET("/conflicts", api.conflictsHandler())
	syncRoutes.POST("/resolve-conflict", api.resolveConflictHandler())
	syncRoutes.POST("/upload-media", api.uploadMediaHandler())
	syncRoutes.GET("/download-media/:mediaId", api.downloadMediaHandler())

	r.NoRoute(customNotFoundHandler)
	return r
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	var svc atomic.Pointer[syncer.Service]
	api := &syncAPI{
		service:        svc.Load,
		logger:         logger,
		maxUploadBytes: config.MaxMediaUploadBytes(),
	}

	opts := routerOptions{AuthRequired: config.AuthRequired()}
	if config.RateLimitEnabled() {
		client := redis.NewClient(&redis.Options{Addr: os.Getenv("REDIS_ADDRESS"), Password: os.Getenv("REDIS_PASSWORD")})
		limit := int64(600)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				limit = n
			}
		}
		windowSec := int64(60)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				windowSec = n
			}
		}
		opts.RateLimiter = NewRateLimiter(client, limit, time.Duration(windowSec)*time.Second)
	}

	// Start listening immediately; sync endpoints return 503 until ready.
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: setupRouter(api, opts),
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()

	// AutoMigrate can block tables; allow running it as a separate job instead.
	if !config.SkipMigrations() {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	svcOpts := syncer.Options{
		Logger:  logger,
		Timeout: config.SyncTimeout(),
	}

	store, err := mediastore.NewFromEnv(sigCtx)
	if err != nil {
		// Sync still works; media rows are written and missing blobs are logged.
		logger.WithFields(logrus.Fields{"field": "mediastore"}).Error("media store disabled: " + err.Error())
	} else {
		svcOpts.Media = store
		if closer, ok := store.(interface{ Close() error }); ok {
			defer closer.Close()
		}
	}

	if config.RedisRequired() {
		redisCtx, cancel := context.WithTimeout(sigCtx, 2*time.Minute)
		config.ConnectRedisWithRetry(redisCtx)
		cancel()
		if config.SyncLockEnabled() {
			if lock := config.GetRedisLock(); lock != nil {
				svcOpts.Locker = syncer.NewRedisLocker(lock, syncLockKey, config.SyncLockTTL(), syncLockWait)
			} else {
				logger.WithFields(logrus.Fields{"field": "redis"}).Warn("SYNC_LOCK_ENABLED=true but redis is not ready; running without sync lock")
			}
		}
	}

	if topic := config.SyncEventsTopic(); topic != "" {
		client, err := config.GetClient(sigCtx)
		if err == nil {
			_, err = config.CreateTopicIfNotExists(sigCtx, client, topic)
		}
		if err != nil {
			logger.WithFields(logrus.Fields{"field": "pubsub", "topic": topic}).Warn("sync events disabled: " + err.Error())
		} else {
			svcOpts.Events = config.NewPubSubPublisher(topic)
		}
	}

	svc.Store(syncer.NewService(db, svcOpts))

	logger.WithFields(logrus.Fields{
		"info":     "Connection Established",
		"driver":   config.DatabaseDriver(),
		"storage":  config.StorageProvider(),
		"sync_ttl": config.SyncTimeout().String(),
	}).Info("sync API listening on port ", port)
	log.Println("Server started successfully")

	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Drain HTTP requests. In-flight sessions finish or roll back on their own timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.SyncTimeout()+5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	config.ClosePubSub()
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 {
			cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
			logger.WithFields(logrus.Fields{
				"path":           c.FullPath(),
				"correlation_id": cid,
			}).Error(c.Errors.String())
		}
	}
}

func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

// RateLimitMiddleware counts requests per client IP in a fixed window.
func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	key := "ratelimit:" + c.ClientIP()

	count, err := rl.client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		// Redis outage must not take the sync API down.
		_ = c.Error(err)
		c.Next()
		return
	}
	if count == 1 {
		if err := rl.client.Expire(c.Request.Context(), key, rl.window).Err(); err != nil {
			_ = c.Error(err)
		}
	}

	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"success": false,
			"message": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}

	c.Next()
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
