package main

import (
	"context"
	"fmt"
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/p2psats/tradehub/logger"
	"github.com/p2psats/tradehub/metrics"
	"github.com/p2psats/tradehub/service"
)

func main() {
	osSignalChannel := make(chan os.Signal, 1)
	signal.Notify(osSignalChannel, os.Interrupt, syscall.SIGTERM, syscall.SIGPIPE)

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		for {
			sig := <-osSignalChannel
			logger.Logger.Info().Interface("signal", sig).Msg("Received OS signal")
			if sig == syscall.SIGPIPE {
				continue
			}
			cancel()
			return
		}
	}()

	svc, err := service.NewService(ctx)
	if err != nil {
		logger.Logger.Fatal().Err(err).Msg("Failed to create service")
		return
	}
	svc.Start()

	// operational surface only: health and prometheus metrics. The
	// trade API itself is the embedding application's concern.
	e := echo.New()
	e.HideBanner = true
	e.GET("/healthz", func(c echo.Context) error {
		return c.String(nethttp.StatusOK, "ok")
	})
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	go func() {
		addr := fmt.Sprintf(":%d", svc.GetConfig().GetEnv().MetricsPort)
		if err := e.Start(addr); err != nil && err != nethttp.ErrServerClosed {
			logger.Logger.Error().Err(err).Msg("Metrics server failed to start")
			cancel()
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Logger.Error().Err(err).Msg("Failed to shut down metrics server")
	}
	svc.Shutdown()
	logger.Logger.Info().Msg("Trade engine exited")
}
