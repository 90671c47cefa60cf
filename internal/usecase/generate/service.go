package generate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"postify/internal/domain"
	"postify/internal/infra/metrics"
	"postify/internal/usecase/plan"
)

// onceTTL ограничивает окно идемпотентности прогона генерации.
const onceTTL = time.Hour

// maxTweetHashtags — сколько хэштегов добавляется в хвост твита.
const maxTweetHashtags = 4

// Service выполняет полный прогон генерации контента по статье:
// подписи, картинка, расписание публикаций.
type Service struct {
	articles domain.ArticleRepo
	assets   domain.AssetRepo
	schedule domain.ScheduleRepo
	composer domain.CaptionComposer
	fallback domain.CaptionComposer
	renderer domain.ImageRenderer
	planner  *plan.Planner
	cache    domain.Cache
	log      zerolog.Logger
}

// NewService создаёт сервис генерации. composer может быть nil — тогда
// подписи всегда собирает шаблонный fallback. cache может быть nil —
// тогда защита от повторного прогона отключена.
func NewService(
	articles domain.ArticleRepo,
	assets domain.AssetRepo,
	schedule domain.ScheduleRepo,
	composer domain.CaptionComposer,
	fallback domain.CaptionComposer,
	renderer domain.ImageRenderer,
	planner *plan.Planner,
	cache domain.Cache,
	log zerolog.Logger,
) *Service {
	return &Service{
		articles: articles,
		assets:   assets,
		schedule: schedule,
		composer: composer,
		fallback: fallback,
		renderer: renderer,
		planner:  planner,
		cache:    cache,
		log:      log,
	}
}

// Run обрабатывает задачу генерации. Повторная задача по той же статье
// пропускается без ошибки: внутри окна onceTTL её отсекает Cache.Once,
// позже — уже сохранённый результат в базе.
func (s *Service) Run(ctx context.Context, job domain.GenerationJob) error {
	run := func() error { return s.process(ctx, job) }

	var err error
	if s.cache != nil {
		key := fmt.Sprintf("generate:%d", job.ArticleID)
		err = s.cache.Once(ctx, key, onceTTL, run)
	} else {
		err = run()
	}

	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	metrics.GenerationRunsTotal.WithLabelValues(outcome).Inc()
	return err
}

func (s *Service) process(ctx context.Context, job domain.GenerationJob) error {
	start := time.Now()
	defer func() { metrics.GenerationSeconds.Observe(time.Since(start).Seconds()) }()

	article, err := s.articles.GetArticle(job.ArticleID)
	if err != nil {
		return fmt.Errorf("получение статьи %d: %w", job.ArticleID, err)
	}

	// Долговечный маркер: результат в базе значит, что прогон уже был,
	// даже если ключ в Redis истёк.
	if existing, err := s.assets.GetAssetByArticle(article.ID); err == nil {
		s.log.Info().
			Int64("article_id", article.ID).
			Int64("asset_id", existing.ID).
			Msg("generate: по статье уже есть результат, повторный прогон пропущен")
		return nil
	} else if !errors.Is(err, domain.ErrAssetNotFound) {
		return fmt.Errorf("проверка результата генерации: %w", err)
	}

	captions := s.compose(ctx, article)

	rendered, err := s.renderer.Render(ctx, article.Title)
	if err != nil {
		return fmt.Errorf("рендер картинки: %w", err)
	}

	asset := domain.ContentAsset{
		ArticleID:   article.ID,
		Captions:    captions,
		ImagePrompt: rendered.Prompt,
		Provider:    rendered.Provider,
		ImageFile:   rendered.ImageFile,
	}
	if _, err := s.assets.SaveAsset(asset); err != nil {
		return fmt.Errorf("сохранение результата генерации: %w", err)
	}

	now := time.Now()
	posts := make([]domain.ScheduledPost, 0, len(domain.AllPlatforms()))
	for _, platform := range domain.AllPlatforms() {
		posts = append(posts, domain.ScheduledPost{
			ArticleID:   article.ID,
			UserID:      article.UserID,
			Platform:    platform,
			ScheduledAt: s.planner.NextSlot(platform, now),
			Status:      domain.PostStatusScheduled,
			Content:     platformContent(platform, article, captions),
			ImageFile:   rendered.ImageFile,
		})
	}
	if err := s.schedule.CreatePosts(posts); err != nil {
		return fmt.Errorf("планирование публикаций: %w", err)
	}

	s.log.Info().
		Int64("article_id", article.ID).
		Str("image", rendered.ImageFile).
		Str("provider", rendered.Provider).
		Int("posts", len(posts)).
		Msg("generate: прогон завершён")
	return nil
}

// compose собирает подписи основным композитором, при ошибке уходит
// в шаблонный fallback.
func (s *Service) compose(ctx context.Context, article domain.Article) domain.CaptionSet {
	if s.composer != nil {
		set, err := s.composer.Compose(ctx, article)
		if err == nil {
			return set
		}
		s.log.Warn().Err(err).Int64("article_id", article.ID).Msg("generate: композитор упал, используем шаблон")
		metrics.ComposerFallbackTotal.Inc()
	}

	set, err := s.fallback.Compose(ctx, article)
	if err != nil {
		// Шаблонный композитор детерминирован и не возвращает ошибок.
		s.log.Error().Err(err).Msg("generate: шаблонный композитор вернул ошибку")
		return domain.CaptionSet{}
	}
	return set
}

// platformContent собирает финальный текст публикации. Для твиттера в
// хвост добавляются первые хэштеги, остальные платформы публикуют
// подпись как есть.
func platformContent(platform domain.Platform, article domain.Article, captions domain.CaptionSet) string {
	caption := captions[platform]
	content := caption.Text
	if content == "" {
		content = article.Title + "\n" + article.URL
	}
	if platform == domain.PlatformTwitter && len(caption.Hashtags) > 0 {
		tags := caption.Hashtags
		if len(tags) > maxTweetHashtags {
			tags = tags[:maxTweetHashtags]
		}
		content = strings.TrimSpace(content) + "\n\n" + strings.Join(tags, " ")
	}
	return content
}
