package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"postify/internal/adapters/repo"
	"postify/internal/adapters/social"
	"postify/internal/domain"
	"postify/internal/infra/config"
	"postify/internal/infra/db"
	logpkg "postify/internal/infra/log"
	"postify/internal/infra/metrics"
	"postify/internal/usecase/dispatch"
)

func main() {
	cfg := config.Load()
	logger := logpkg.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("dispatcher: нет подключения к БД")
	}
	defer pool.Close()
	repoAdapter := repo.NewPostgres(pool)

	registry := social.Registry{
		domain.PlatformFacebook:  social.NewFacebook("", cfg.Meta.FBPageID),
		domain.PlatformInstagram: social.NewInstagram("", cfg.PublicBaseURL, cfg.Meta.IGUserID),
		domain.PlatformTwitter:   social.NewTwitter(cfg.Twitter.APIKey, cfg.Twitter.APISecret),
		domain.PlatformLinkedIn:  social.NewLinkedIn(cfg.LinkedIn.AuthorURN),
	}
	service := dispatch.NewService(repoAdapter, repoAdapter, registry, cfg.UploadDir, cfg.Dispatcher.StuckTTL, cfg.Dispatcher.BatchSize, logpkg.Component(logger, "dispatch"))

	metrics.StartServer(ctx, logpkg.Component(logger, "metrics"), ":9092")
	logger.Info().Dur("interval", cfg.Dispatcher.Interval).Msg("dispatcher: старт")

	ticker := time.NewTicker(cfg.Dispatcher.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("dispatcher: остановка")
			return
		case <-ticker.C:
			service.Tick(ctx)
		}
	}
}
