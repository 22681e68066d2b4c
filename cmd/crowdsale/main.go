// Package main запускает HTTP-сервер сервиса краудсейла.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mkravchenko/crowdsale-system/internal/config"
	"github.com/mkravchenko/crowdsale-system/internal/handler"
	"github.com/mkravchenko/crowdsale-system/internal/middleware"
	"github.com/mkravchenko/crowdsale-system/internal/minting"
	"github.com/mkravchenko/crowdsale-system/internal/repository"
	"github.com/mkravchenko/crowdsale-system/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}
	if err := cfg.Validate(); err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	var mintingClient *minting.Client
	if cfg.MintingSystemAddress != "" {
		mintingClient = minting.NewClient(cfg.MintingSystemAddress)
	}

	params := service.Params{
		SaleStart:       time.Unix(cfg.SaleStart, 0),
		PeriodDuration:  cfg.PeriodDuration,
		MinContribution: cfg.MinContribution,
		RateScale:       cfg.RateScale,
		SaleRecipient:   cfg.SaleRecipient,
		Curve:           cfg.Curve(),
	}

	svc := service.NewService(repo, mintingClient, params, logger)
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware("crowdsale-secret")
	h := handler.NewHandler(svc, logger, authMiddleware, cfg.AdminToken)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск фонового наблюдателя за сменой периодов
	g.Go(func() error {
		svc.StartPeriodWatcher(ctx)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting crowdsale server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
