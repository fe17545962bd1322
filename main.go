package main

import (
	"context"
	"math/rand"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	gmw "github.com/Laisky/gin-middlewares/v6"
	glog "github.com/Laisky/go-utils/v5/log"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"
	_ "github.com/joho/godotenv/autoload"
	"golang.org/x/sync/errgroup"

	"github.com/fluxgate/fluxgate/common"
	"github.com/fluxgate/fluxgate/common/config"
	"github.com/fluxgate/fluxgate/common/graceful"
	"github.com/fluxgate/fluxgate/common/logger"
	"github.com/fluxgate/fluxgate/middleware"
	"github.com/fluxgate/fluxgate/model"
	"github.com/fluxgate/fluxgate/relay/adaptor"
	relaycontroller "github.com/fluxgate/fluxgate/relay/controller"
	"github.com/fluxgate/fluxgate/router"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Logger.Info("FluxGate started", zap.String("version", common.Version))

	if config.GinMode != gin.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}

	model.InitDB()
	defer func() {
		if err := model.CloseDB(); err != nil {
			logger.Logger.Error("failed to close database", zap.Error(err))
		}
	}()

	if err := common.InitRedisClient(); err != nil {
		logger.Logger.Fatal("failed to initialize Redis", zap.Error(err))
	}

	if err := model.RefreshProviderSnapshot(); err != nil {
		logger.Logger.Warn("initial provider snapshot failed", zap.Error(err))
	}

	workers, workerCtx := errgroup.WithContext(ctx)
	workers.Go(func() error {
		model.SyncProviderSnapshot(workerCtx, time.Duration(config.SyncFrequency)*time.Second)
		return nil
	})
	workers.Go(func() error {
		relaycontroller.Health.SweepLoop(workerCtx)
		return nil
	})
	workers.Go(func() error {
		model.FlushLogs(workerCtx)
		return nil
	})
	workers.Go(func() error {
		relaycontroller.RateLimits.EvictLoop(workerCtx.Done(), time.Minute, 30*time.Minute)
		return nil
	})
	workers.Go(func() error {
		refreshAccountUsage(workerCtx)
		return nil
	})

	server := gin.New()
	server.RedirectTrailingSlash = false

	logLevel := glog.LevelInfo
	if config.DebugEnabled {
		logLevel = glog.LevelDebug
	}
	server.Use(
		gin.Recovery(),
		gmw.NewLoggerMiddleware(
			gmw.WithLoggerMwColored(),
			gmw.WithLevel(logLevel.String()),
			gmw.WithLogger(logger.Logger.Named("gin")),
		),
	)
	// Response compression would break SSE streaming, so none is installed.
	server.Use(middleware.RequestId())
	server.Use(middleware.RelayPanicRecover())
	server.Use(func(c *gin.Context) {
		done := graceful.BeginRequest()
		defer done()
		c.Next()
	})

	router.SetRouter(server)

	port := config.ServerPort
	if port == "" {
		port = "3000"
	}
	httpServer := &http.Server{
		Addr:    ":" + port,
		Handler: server,
	}
	go func() {
		logger.Logger.Info("server started", zap.String("address", "http://localhost:"+port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Logger.Fatal("failed to start HTTP server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Logger.Info("shutting down", zap.Int("timeout_sec", config.ShutdownTimeoutSec))
	graceful.SetDraining()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(config.ShutdownTimeoutSec)*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Logger.Error("HTTP server shutdown", zap.Error(err))
	}
	if err := graceful.Drain(shutdownCtx); err != nil {
		logger.Logger.Error("drain incomplete", zap.Error(err))
	}
	if err := workers.Wait(); err != nil {
		logger.Logger.Error("background worker error", zap.Error(err))
	}
	logger.Logger.Info("shutdown complete")
}

// refreshAccountUsage polls upstream usage endpoints for accounts whose
// adaptor supports it. Each cycle is jittered by +-20% so a fleet of
// gateways does not poll in lockstep.
func refreshAccountUsage(ctx context.Context) {
	for {
		base := config.UsageRefreshInterval
		jittered := time.Duration(float64(base) * (0.8 + 0.4*rand.Float64()))
		select {
		case <-ctx.Done():
			return
		case <-time.After(jittered):
		}

		providers, err := model.GetAllProviders()
		if err != nil {
			logger.Logger.Warn("usage refresh: list providers", zap.Error(err))
			continue
		}
		for _, provider := range providers {
			if !provider.Enabled {
				continue
			}
			ad, ok := adaptor.ForType(provider.Type)
			if !ok {
				continue
			}
			refresher, ok := ad.(adaptor.UsageRefresher)
			if !ok {
				continue
			}
			accounts, err := model.GetEnabledAccountsByProvider(provider.Id)
			if err != nil {
				logger.Logger.Warn("usage refresh: list accounts",
					zap.Int("provider", provider.Id), zap.Error(err))
				continue
			}
			for _, account := range accounts {
				if err := refresher.RefreshUsage(ctx, account); err != nil {
					logger.Logger.Warn("usage refresh failed",
						zap.Int("account", account.Id), zap.Error(err))
				}
				if ctx.Err() != nil {
					return
				}
			}
		}
	}
}
