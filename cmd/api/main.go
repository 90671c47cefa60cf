package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"postify/internal/adapters/oauthflow"
	"postify/internal/adapters/repo"
	"postify/internal/adapters/social"
	"postify/internal/domain"
	"postify/internal/infra/config"
	"postify/internal/infra/db"
	httpinfra "postify/internal/infra/http"
	logpkg "postify/internal/infra/log"
	"postify/internal/infra/metrics"
	"postify/internal/infra/queue"
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
		logger.Fatal().Err(err).Msg("api: нет подключения к БД")
	}
	defer pool.Close()
	repoAdapter := repo.NewPostgres(pool)

	generationQueue, err := buildQueue(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: очередь генерации недоступна")
	}

	twitterAdapter := social.NewTwitter(cfg.Twitter.APIKey, cfg.Twitter.APISecret)
	oauthService := oauthflow.NewService(
		repoAdapter,
		repoAdapter,
		oauthflow.MetaConfig{
			AppID:       cfg.Meta.AppID,
			AppSecret:   cfg.Meta.AppSecret,
			RedirectURI: cfg.Meta.RedirectURI,
			FBPageID:    cfg.Meta.FBPageID,
		},
		oauthflow.LinkedInConfig{
			ClientID:     cfg.LinkedIn.ClientID,
			ClientSecret: cfg.LinkedIn.ClientSecret,
			RedirectURI:  cfg.LinkedIn.RedirectURI,
		},
		twitterAdapter,
		cfg.Twitter.RedirectURI,
		cfg.OAuthStateTTL,
		logpkg.Component(logger, "oauth"),
	)

	registry := social.Registry{
		domain.PlatformFacebook:  social.NewFacebook("", cfg.Meta.FBPageID),
		domain.PlatformInstagram: social.NewInstagram("", cfg.PublicBaseURL, cfg.Meta.IGUserID),
		domain.PlatformTwitter:   twitterAdapter,
		domain.PlatformLinkedIn:  social.NewLinkedIn(cfg.LinkedIn.AuthorURN),
	}
	sendService := dispatch.NewService(repoAdapter, repoAdapter, registry, cfg.UploadDir, cfg.Dispatcher.StuckTTL, cfg.Dispatcher.BatchSize, logpkg.Component(logger, "send"))

	srv := httpinfra.NewServer(logger)
	r := srv.Router

	r.Post("/automation/articles/webhook", func(w http.ResponseWriter, req *http.Request) {
		defer req.Body.Close()
		var payload webhookPayload
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		article, err := payload.toArticle()
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		id, fresh, err := repoAdapter.UpsertArticle(article)
		if err != nil {
			logger.Error().Err(err).Msg("api: сохранение статьи")
			writeError(w, http.StatusInternalServerError, "failed to save article")
			return
		}
		// Повторный вебхук по той же статье ставит задачу заново:
		// генератор сам отсекает дубликат через Cache.Once и через
		// уже сохранённый результат в базе.
		job := domain.GenerationJob{
			ArticleID:   id,
			UserID:      article.UserID,
			RequestedAt: time.Now(),
			Cause:       domain.GenerationCauseWebhook,
		}
		if err := generationQueue.Enqueue(req.Context(), job); err != nil {
			logger.Error().Err(err).Int64("article_id", id).Msg("api: постановка задачи генерации")
			writeError(w, http.StatusInternalServerError, "failed to enqueue generation")
			return
		}
		writeJSON(w, map[string]any{"status": "accepted", "article_id": id, "fresh": fresh})
	})

	r.Get("/automation/articles/recent", func(w http.ResponseWriter, req *http.Request) {
		userID := req.URL.Query().Get("user_id")
		if userID == "" {
			writeError(w, http.StatusBadRequest, "user_id is required")
			return
		}
		limit := clampLimit(req.URL.Query().Get("limit"), 20, 50)
		articles, err := repoAdapter.ListRecentArticles(userID, limit)
		if err != nil {
			logger.Error().Err(err).Msg("api: выборка статей")
			writeError(w, http.StatusInternalServerError, "failed to list articles")
			return
		}
		items := make([]map[string]any, 0, len(articles))
		for _, a := range articles {
			items = append(items, map[string]any{
				"id":           a.ID,
				"url":          a.URL,
				"title":        a.Title,
				"published_at": a.PublishedAt,
				"created_at":   a.CreatedAt,
			})
		}
		writeJSON(w, map[string]any{"items": items})
	})

	r.Get("/automation/scheduled", func(w http.ResponseWriter, req *http.Request) {
		userID := req.URL.Query().Get("user_id")
		if userID == "" {
			writeError(w, http.StatusBadRequest, "user_id is required")
			return
		}
		limit := clampLimit(req.URL.Query().Get("limit"), 50, 200)
		posts, err := repoAdapter.ListUserPosts(userID, limit)
		if err != nil {
			logger.Error().Err(err).Msg("api: выборка расписания")
			writeError(w, http.StatusInternalServerError, "failed to list scheduled posts")
			return
		}
		items := make([]map[string]any, 0, len(posts))
		for _, p := range posts {
			items = append(items, map[string]any{
				"id":           p.ID,
				"article_id":   p.ArticleID,
				"platform":     p.Platform,
				"scheduled_at": p.ScheduledAt,
				"status":       p.Status,
				"external_id":  p.ExternalID,
				"error":        p.Error,
			})
		}
		writeJSON(w, map[string]any{"items": items})
	})

	r.Get("/auth/status", func(w http.ResponseWriter, req *http.Request) {
		userID := req.URL.Query().Get("user_id")
		if userID == "" {
			writeError(w, http.StatusBadRequest, "user_id is required")
			return
		}
		connected, err := oauthService.Status(userID)
		if err != nil {
			logger.Error().Err(err).Msg("api: статус подключений")
			writeError(w, http.StatusInternalServerError, "failed to load status")
			return
		}
		status := map[domain.Platform]bool{}
		for _, platform := range domain.AllPlatforms() {
			status[platform] = false
		}
		for _, platform := range connected {
			status[platform] = true
		}
		writeJSON(w, map[string]any{"user_id": userID, "connected": status})
	})

	r.Get("/auth/connect", func(w http.ResponseWriter, req *http.Request) {
		userID := req.URL.Query().Get("user_id")
		platform := domain.Platform(req.URL.Query().Get("platform"))
		if userID == "" || platform == "" {
			writeError(w, http.StatusBadRequest, "platform and user_id are required")
			return
		}
		authorizeURL, err := oauthService.ConnectURL(req.Context(), userID, platform)
		if err != nil {
			logger.Error().Err(err).Str("platform", string(platform)).Msg("api: старт подключения")
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, map[string]any{"authorize_url": authorizeURL})
	})

	r.Get("/auth/callback", func(w http.ResponseWriter, req *http.Request) {
		q := req.URL.Query()
		platform := domain.Platform(q.Get("platform"))
		state := q.Get("state")
		if platform == "" || state == "" {
			writeError(w, http.StatusBadRequest, "platform and state are required")
			return
		}
		err := oauthService.Callback(req.Context(), platform, q.Get("code"), state, q.Get("oauth_verifier"))
		switch {
		case errors.Is(err, domain.ErrStateNotFound), errors.Is(err, domain.ErrStateExpired):
			writeError(w, http.StatusBadRequest, "invalid or expired state")
		case err != nil:
			logger.Error().Err(err).Str("platform", string(platform)).Msg("api: завершение подключения")
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeJSON(w, map[string]any{"status": "connected", "platform": platform})
		}
	})

	r.Post("/tokens/save", func(w http.ResponseWriter, req *http.Request) {
		if err := req.ParseForm(); err != nil {
			writeError(w, http.StatusBadRequest, "invalid form")
			return
		}
		if cfg.DevToken != "" && req.PostFormValue("dev_token") != cfg.DevToken {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		userID := req.PostFormValue("user_id")
		platform := req.PostFormValue("platform")
		accessToken := req.PostFormValue("access_token")
		if userID == "" || platform == "" || accessToken == "" {
			writeError(w, http.StatusBadRequest, "user_id, platform, access_token are required")
			return
		}
		meta := map[string]string{}
		if raw := req.PostFormValue("meta"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &meta); err != nil {
				writeError(w, http.StatusBadRequest, "meta must be valid JSON")
				return
			}
		}
		if err := oauthService.SaveToken(userID, domain.Platform(platform), accessToken, meta); err != nil {
			logger.Error().Err(err).Msg("api: сохранение токена")
			writeError(w, http.StatusInternalServerError, "failed to save token")
			return
		}
		writeJSON(w, map[string]any{"status": "saved"})
	})

	r.Post("/post/send", func(w http.ResponseWriter, req *http.Request) {
		if err := req.ParseMultipartForm(32 << 20); err != nil {
			writeError(w, http.StatusBadRequest, "invalid multipart form")
			return
		}
		userID := req.PostFormValue("user_id")
		content := req.PostFormValue("content")
		if userID == "" || content == "" {
			writeError(w, http.StatusBadRequest, "user_id and content are required")
			return
		}
		var names []string
		if err := json.Unmarshal([]byte(req.PostFormValue("platforms")), &names); err != nil {
			writeError(w, http.StatusBadRequest, "`platforms` must be a JSON array string")
			return
		}
		platforms := make([]domain.Platform, 0, len(names))
		for _, name := range names {
			platforms = append(platforms, domain.Platform(name))
		}
		var imageData []byte
		var imageName string
		if file, header, err := req.FormFile("image"); err == nil {
			defer file.Close()
			imageData, err = io.ReadAll(file)
			if err != nil {
				writeError(w, http.StatusBadRequest, "failed to read image")
				return
			}
			imageName = header.Filename
		}
		outcomes := sendService.SendNow(req.Context(), userID, content, platforms, imageData, imageName)
		writeJSON(w, map[string]any{"results": outcomes})
	})

	fileServer := http.StripPrefix("/uploads/", http.FileServer(http.Dir(cfg.UploadDir)))
	r.Get("/uploads/*", func(w http.ResponseWriter, req *http.Request) {
		fileServer.ServeHTTP(w, req)
	})

	metrics.StartServer(ctx, logpkg.Component(logger, "metrics"), ":9090")
	go func() {
		if err := srv.Start(":" + strconv.Itoa(cfg.Port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("api: сервер остановлен")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("api: остановка")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// buildQueue выбирает драйвер очереди генерации по конфигу.
func buildQueue(cfg config.AppConfig) (domain.GenerationQueue, error) {
	switch cfg.Queues.Driver {
	case "rabbit":
		return queue.NewAMQPGenerationQueue(cfg.Queues.AMQPURL, cfg.Queues.Generation)
	default:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return queue.NewRedisGenerationQueue(client, cfg.Queues.Generation), nil
	}
}

type webhookPayload struct {
	UserID       string   `json:"user_id"`
	URL          string   `json:"url"`
	Title        string   `json:"title"`
	Excerpt      string   `json:"excerpt"`
	HeroImageURL string   `json:"hero_image_url"`
	Tags         []string `json:"tags"`
	PublishedAt  string   `json:"published_at"`
}

func (p webhookPayload) toArticle() (domain.Article, error) {
	if p.UserID == "" || p.URL == "" || p.Title == "" {
		return domain.Article{}, errors.New("user_id, url, title are required")
	}
	article := domain.Article{
		UserID:       p.UserID,
		URL:          p.URL,
		Title:        p.Title,
		Excerpt:      p.Excerpt,
		HeroImageURL: p.HeroImageURL,
		Tags:         p.Tags,
	}
	if p.PublishedAt != "" {
		if ts, err := time.Parse(time.RFC3339, p.PublishedAt); err == nil {
			article.PublishedAt = &ts
		}
	}
	return article, nil
}

func clampLimit(raw string, def, upper int) int {
	limit := def
	if raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}
	if limit < 1 {
		limit = 1
	}
	if limit > upper {
		limit = upper
	}
	return limit
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": msg})
}
