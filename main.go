package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	gmw "github.com/Laisky/gin-middlewares/v6"
	glog "github.com/Laisky/go-utils/v5/log"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"
	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lmbridge/lmbridge/common"
	"github.com/lmbridge/lmbridge/common/config"
	"github.com/lmbridge/lmbridge/common/graceful"
	"github.com/lmbridge/lmbridge/common/logger"
	"github.com/lmbridge/lmbridge/controller"
	"github.com/lmbridge/lmbridge/middleware"
	"github.com/lmbridge/lmbridge/model"
	"github.com/lmbridge/lmbridge/monitor"
	"github.com/lmbridge/lmbridge/relay/imagepipe"
	"github.com/lmbridge/lmbridge/relay/lifecycle"
	"github.com/lmbridge/lmbridge/relay/tabs"
	"github.com/lmbridge/lmbridge/router"
)

func main() {
	ctx := context.Background()

	common.Init()
	logger.SetupLogger()
	logger.SetupEnhancedLogger(ctx)

	logger.Logger.Info("LMArenaBridge started")

	if config.GinMode != "" {
		gin.SetMode(config.GinMode)
	} else if os.Getenv("GIN_MODE") != gin.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}

	model.InitDB()
	defer func() {
		if err := model.CloseDB(); err != nil {
			logger.Logger.Error("failed to close database", zap.Error(err))
		}
	}()

	store := config.NewStore(config.ConfigPath, config.EndpointMapPath, config.ModelsPath)
	if err := store.Load(); err != nil {
		logger.Logger.Fatal("failed to load configuration", zap.Error(err))
	}

	stop := make(chan struct{})
	defer close(stop)
	if err := store.Watch(stop); err != nil {
		logger.Logger.Warn("config hot-reload unavailable", zap.Error(err))
	}

	monitorSvc := monitor.NewService(*common.LogDir)
	go monitorSvc.RunSweeper(ctx)

	manager := tabs.NewManager()
	queue := lifecycle.NewPendingQueue()
	guard := lifecycle.NewVerificationGuard()
	activity := lifecycle.NewActivity()
	images := imagepipe.New(store.Snapshot)

	server := controller.NewServer(store, manager, queue, guard, activity, monitorSvc, images, config.EndpointMapPath)

	lifecycle.StartSweeper(stop, manager, func(p *tabs.Pending) {
		monitorSvc.RequestEnd(p.RequestID, monitor.Outcome{
			Error: "request timed out and was force-terminated",
		})
	})
	lifecycle.StartIdleRestart(stop, store.Snapshot, activity)

	engine := gin.New()
	engine.RedirectTrailingSlash = false

	logLevel := glog.LevelInfo
	if config.DebugEnabled {
		logLevel = glog.LevelDebug
	}
	engine.Use(
		middleware.RelayPanicRecover(),
		gmw.NewLoggerMiddleware(
			gmw.WithLoggerMwColored(),
			gmw.WithLevel(logLevel.String()),
			gmw.WithLogger(logger.Logger.Named("gin")),
		),
	)
	// No gzip middleware: it buffers SSE responses.
	engine.Use(middleware.RequestId())

	if config.EnablePrometheusMetrics {
		engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	router.SetRouter(engine, server, store)

	port := config.ServerPort
	if port == "" {
		port = strconv.Itoa(*common.Port)
	}

	httpServer := &http.Server{
		Addr:    ":" + port,
		Handler: engine,
	}
	go func() {
		logger.Logger.Info("server listening", zap.String("address", "http://localhost:"+port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Logger.Fatal("failed to start HTTP server", zap.Error(err))
		}
	}()

	sigCtx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	<-sigCtx.Done()

	logger.Logger.Info("shutdown signal received, draining")
	graceful.SetDraining()

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Logger.Error("http server shutdown", zap.Error(err))
	}
	if err := graceful.Drain(shutdownCtx); err != nil {
		logger.Logger.Error("graceful drain", zap.Error(err))
	}
}
