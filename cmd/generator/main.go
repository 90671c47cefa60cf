package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"postify/internal/adapters/composer"
	"postify/internal/adapters/renderer"
	"postify/internal/adapters/repo"
	"postify/internal/domain"
	"postify/internal/infra/cache"
	"postify/internal/infra/config"
	"postify/internal/infra/db"
	logpkg "postify/internal/infra/log"
	"postify/internal/infra/metrics"
	"postify/internal/infra/openai"
	"postify/internal/infra/queue"
	"postify/internal/usecase/generate"
	"postify/internal/usecase/plan"
)

func main() {
	cfg := config.Load()
	logger := logpkg.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("generator: нет подключения к БД")
	}
	defer pool.Close()
	repoAdapter := repo.NewPostgres(pool)

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	onceCache := cache.NewRedis(redisClient)

	var generationQueue domain.GenerationQueue
	if cfg.Queues.Driver == "rabbit" {
		amqpQueue, err := queue.NewAMQPGenerationQueue(cfg.Queues.AMQPURL, cfg.Queues.Generation)
		if err != nil {
			logger.Fatal().Err(err).Msg("generator: очередь недоступна")
		}
		defer amqpQueue.Close()
		generationQueue = amqpQueue
	} else {
		generationQueue = queue.NewRedisGenerationQueue(redisClient, cfg.Queues.Generation)
	}

	var llmComposer domain.CaptionComposer
	if cfg.OpenAI.APIKey != "" {
		client := openai.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Timeout)
		llmComposer = composer.NewOpenAI(client, cfg.OpenAI.Model, cfg.Brand.Name, cfg.OpenAI.Timeout)
	}

	background := renderer.NewReplicate(cfg.Replicate.APIToken, cfg.Replicate.ModelVersion, cfg.Replicate.PollAttempts, cfg.Replicate.PollDelay)
	imageRenderer, err := renderer.NewRenderer(
		background,
		renderer.Branding{
			Name:      cfg.Brand.Name,
			Primary:   cfg.Brand.Primary,
			Secondary: cfg.Brand.Secondary,
			Accent:    cfg.Brand.Accent,
		},
		cfg.UploadDir,
		cfg.Brand.FontPath,
		logpkg.Component(logger, "renderer"),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("generator: рендер не собрался")
	}

	location, err := time.LoadLocation(cfg.TZ)
	if err != nil {
		logger.Fatal().Err(err).Str("tz", cfg.TZ).Msg("generator: неизвестная таймзона")
	}

	service := generate.NewService(
		repoAdapter,
		repoAdapter,
		repoAdapter,
		llmComposer,
		composer.NewTemplate(),
		imageRenderer,
		plan.NewPlanner(location),
		onceCache,
		logpkg.Component(logger, "generate"),
	)

	metrics.StartServer(ctx, logpkg.Component(logger, "metrics"), ":9091")
	logger.Info().Str("driver", cfg.Queues.Driver).Msg("generator: старт")

	for {
		job, ack, err := generationQueue.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				break
			}
			logger.Error().Err(err).Msg("generator: ошибка получения задачи")
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}

		err = service.Run(ctx, job)
		if err != nil {
			logger.Error().Err(err).Int64("article_id", job.ArticleID).Msg("generator: прогон не удался")
		}
		if ackErr := ack(err == nil); ackErr != nil {
			logger.Error().Err(ackErr).Int64("article_id", job.ArticleID).Msg("generator: подтверждение задачи не удалось")
		}
	}

	logger.Info().Msg("generator: остановка")
}
