package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/secure"
	"github.com/gin-gonic/gin"
	"github.com/restreamkit/restream-server/internal/config"
	"github.com/restreamkit/restream-server/internal/domain/stream"
	"github.com/restreamkit/restream-server/internal/http/handler"
	mw "github.com/restreamkit/restream-server/internal/http/middleware"
	"github.com/restreamkit/restream-server/internal/infrastructure/procmgr"
	"github.com/restreamkit/restream-server/internal/monitor"
	"github.com/restreamkit/restream-server/internal/reconciler"
	redisrepo "github.com/restreamkit/restream-server/internal/redis"
	"github.com/restreamkit/restream-server/internal/registry"
	"github.com/restreamkit/restream-server/internal/service"
	"github.com/restreamkit/restream-server/pkg/ffmpegcmd"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func init() {
	handleVersion()
}

func main() {
	// Read env
	isDev := os.Getenv("ENV") == "dev"

	// Load config
	cfg, err := config.Load(os.Getenv("RESTREAM_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Create Zap logger
	log := buildLogger(isDev)
	defer log.Sync()
	log = log.Named("main")

	// Storage: Redis-backed when configured, in-memory otherwise.
	var (
		reg  registry.Registry
		logs registry.LogStore
	)
	if cfg.RedisAddr != "" {
		rdb := redisrepo.NewClient(cfg.RedisAddr, 0, log)
		defer rdb.Close()
		reg = redisrepo.NewStreamRepository(log, rdb)
		logs = redisrepo.NewLogRepository(log, rdb, int64(cfg.LogCapacity))
	} else {
		log.Warn("no redis_address configured; stream registry is in-memory and volatile")
		reg = registry.NewMemoryRegistry()
		logs = registry.NewMemoryLogStore(cfg.LogCapacity)
	}

	// Orchestration core
	sup := procmgr.NewSupervisor(log, cfg.StopGrace)
	mon := monitor.New(log, cfg.OutputRoot, cfg.PollInterval)

	argv := func(c *stream.Config) []string {
		return ffmpegcmd.BuildArgs(c, ffmpegcmd.IngestURL(cfg.IngestHost, cfg.IngestPort, c.ID))
	}
	rec := reconciler.New(log, reg, logs, sup, mon, argv, procmgr.Classify, reconciler.Options{
		ConfirmDeadline: cfg.ConfirmDeadline,
		SweepInterval:   cfg.SweepInterval,
	})
	defer rec.Close()

	svc := service.NewStreamService(log, reg, logs, rec, mon, sup)
	summarySvc := service.NewSummaryService(log, reg, mon, service.SummaryOptions{
		TTL:               1000 * time.Millisecond,
		RefreshTimeout:    500 * time.Millisecond,
		AllowStaleOnError: true,
	})

	// Reconcile desired state left over from the previous run.
	{
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := rec.Bootstrap(ctx); err != nil {
			log.Error("boot reconciliation failed", zap.Error(err))
		}
		cancel()
	}

	// Create Gin router
	if !isDev {
		gin.SetMode(gin.ReleaseMode)
	}
	gin.DefaultWriter = zap.NewStdLog(log.Named("gin")).Writer()
	r := gin.New()

	// Apply Gin middlewares
	{
		r.Use(gin.Recovery()) // Recovery first (outermost)
		r.Use(mw.RequestID()) // Attach request ID for tracing; early in the chain so it's available everywhere

		if isDev { // Enable CORS for local Vite dev
			r.Use(cors.New(cors.Config{
				AllowOrigins:     []string{"http://localhost:5173", "http://localhost:4173", "http://localhost:3000", "http://127.0.0.1:3000"},
				AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
				AllowHeaders:     []string{"X-Request-ID", "Content-Type", "Authorization"},
				ExposeHeaders:    []string{"X-Request-ID", "X-Total-Count", "X-Cache", "X-Summary-Generated-At"},
				AllowCredentials: true,
				MaxAge:           12 * time.Hour,
			}))
		} else { // Behind Nginx + TLS
			r.SetTrustedProxies([]string{"127.0.0.1"})
			r.Use(secure.New(secure.Config{
				SSLProxyHeaders: map[string]string{
					"X-Forwarded-Proto": "https", // Fix scheme for secure cookies
				},
			}))
		}

		r.Use(accessLog(log.Named("access")))

		r.Use(func(c *gin.Context) {
			// Enforce a hard 1MB max request body; stream configs are tiny.
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
			c.Next()
		})
	}

	// Register route handlers
	{
		r.GET("/api/ping", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"message": "pong"}) })

		streamshndlr := handler.NewStreamsHandler(log, svc, summarySvc)

		// --- Stream collection ---
		r.POST("/api/streams", streamshndlr.CreateStream)
		r.GET("/api/streams", streamshndlr.GetStreamList)

		// --- Stream views (before :id so "summary" doesn't shadow) ---
		r.GET("/api/streams/summary", streamshndlr.Summary)

		// --- Stream resource ---
		requireValidID := mw.RequireValidStreamID()
		r.GET("/api/streams/:id", requireValidID, streamshndlr.GetStream)
		r.PUT("/api/streams/:id", requireValidID, streamshndlr.ReplaceStream)
		r.DELETE("/api/streams/:id", requireValidID, streamshndlr.DeleteStream)

		// --- Stream lifecycle ---
		r.POST("/api/streams/:id/start", requireValidID, streamshndlr.StartStream)
		r.POST("/api/streams/:id/stop", requireValidID, streamshndlr.StopStream)
		r.POST("/api/streams/:id/restart", requireValidID, streamshndlr.RestartStream)

		// --- Stream runtime ---
		r.GET("/api/streams/:id/status", requireValidID, streamshndlr.GetStreamStatus)
		r.GET("/api/streams/:id/logs", requireValidID, streamshndlr.GetStreamLogs)
	}

	httpsrv := &http.Server{
		Addr:              cfg.ListenAddr + ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 2 * time.Second,  // kills header-drip Slowloris
		ReadTimeout:       10 * time.Second, // full request read (incl. body)
		WriteTimeout:      60 * time.Second, // start waits on artifact confirmation
		IdleTimeout:       60 * time.Second, // keep-alive cap
		MaxHeaderBytes:    1 << 20,          // 1MB cap
	}

	go func() {
		log.Info("running HTTP server", zap.String("addr", httpsrv.Addr))
		if err := httpsrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	// Graceful shutdown: stop accepting requests, then tear the reconciler
	// down (which stops in-flight confirmation polls; transcoders themselves
	// die with us via their parent-death signal).
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpsrv.Shutdown(ctx); err != nil {
		log.Error("http shutdown failed", zap.Error(err))
	}
	log.Info("server closed")
}

// handleVersion prints build metadata and exits when -v/--version is provided.
func handleVersion() {
	v := flag.Bool("v", false, "print version and exit")
	flag.BoolVar(v, "version", false, "print version and exit")
	flag.Parse()

	if *v {
		fmt.Printf("restream-server %s (commit %s, built %s)\n", config.Version, config.GitCommit, config.BuildDate)
		os.Exit(0)
	}
}

// accessLog records HTTP request/response details with Zap after handling.
func accessLog(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		latency := time.Since(start)
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}

		// collect all errors from Gin context
		var errs []error
		for _, ge := range c.Errors {
			if ge.Err != nil {
				errs = append(errs, ge.Err)
			}
		}
		joinedErr := errors.Join(errs...)

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.String("client_ip", c.ClientIP()),
			zap.String("request_id", mw.GetRequestID(c)),
			zap.Duration("latency", latency),
		}
		if joinedErr != nil {
			fields = append(fields, zap.Error(joinedErr))
		}

		switch {
		case status >= 500:
			log.Error("request", fields...)
		case status >= 400:
			log.Warn("request", fields...)
		default:
			log.Info("request", fields...)
		}
	}
}

// helpers

func buildLogger(isDev bool) *zap.Logger {
	if isDev {
		logConfig := zap.NewDevelopmentConfig()
		logConfig.EncoderConfig.TimeKey = ""
		logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		logConfig.DisableStacktrace = true
		logConfig.DisableCaller = true
		logConfig.Level.SetLevel(zap.DebugLevel)
		return zap.Must(logConfig.Build())
	}

	logConfig := zap.NewProductionConfig()
	logConfig.DisableStacktrace = true
	return zap.Must(logConfig.Build())
}
