package generate

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"postify/internal/domain"
	"postify/internal/usecase/plan"
)

type articleRepoStub struct {
	article domain.Article
	err     error
}

func (s *articleRepoStub) UpsertArticle(domain.Article) (int64, bool, error) {
	return 0, false, errors.New("не используется")
}

func (s *articleRepoStub) GetArticle(int64) (domain.Article, error) {
	return s.article, s.err
}

func (s *articleRepoStub) ListRecentArticles(string, int) ([]domain.Article, error) {
	return nil, errors.New("не используется")
}

type assetRepoStub struct {
	saved []domain.ContentAsset
	err   error
}

func (s *assetRepoStub) SaveAsset(asset domain.ContentAsset) (int64, error) {
	if s.err != nil {
		return 0, s.err
	}
	asset.ID = int64(len(s.saved) + 1)
	s.saved = append(s.saved, asset)
	return asset.ID, nil
}

func (s *assetRepoStub) GetAssetByArticle(articleID int64) (domain.ContentAsset, error) {
	for i := len(s.saved) - 1; i >= 0; i-- {
		if s.saved[i].ArticleID == articleID {
			return s.saved[i], nil
		}
	}
	return domain.ContentAsset{}, domain.ErrAssetNotFound
}

type scheduleRepoStub struct {
	created []domain.ScheduledPost
}

func (s *scheduleRepoStub) CreatePosts(posts []domain.ScheduledPost) error {
	s.created = append(s.created, posts...)
	return nil
}

func (s *scheduleRepoStub) ListUserPosts(string, int) ([]domain.ScheduledPost, error) {
	return nil, errors.New("не используется")
}

func (s *scheduleRepoStub) ClaimDue(time.Time, int) ([]domain.ScheduledPost, error) {
	return nil, errors.New("не используется")
}

func (s *scheduleRepoStub) ReleaseStuck(time.Time) (int64, error) {
	return 0, errors.New("не используется")
}

func (s *scheduleRepoStub) MarkSent(int64, string) error { return errors.New("не используется") }

func (s *scheduleRepoStub) MarkFailed(int64, string) error { return errors.New("не используется") }

type composerStub struct {
	set   domain.CaptionSet
	err   error
	calls int
}

func (s *composerStub) Compose(context.Context, domain.Article) (domain.CaptionSet, error) {
	s.calls++
	return s.set, s.err
}

type rendererStub struct {
	result domain.RenderResult
	err    error
}

func (s *rendererStub) Render(context.Context, string) (domain.RenderResult, error) {
	return s.result, s.err
}

type cacheStub struct {
	keys []string
}

func (c *cacheStub) Once(_ context.Context, key string, _ time.Duration, fn func() error) error {
	for _, k := range c.keys {
		if k == key {
			return nil
		}
	}
	c.keys = append(c.keys, key)
	return fn()
}

func testArticle() domain.Article {
	return domain.Article{
		ID:      7,
		UserID:  "demo",
		URL:     "https://example.com/post",
		Title:   "Запуск новой платформы",
		Excerpt: "Коротко о главном.",
	}
}

func fullCaptions() domain.CaptionSet {
	set := domain.CaptionSet{}
	for _, p := range domain.AllPlatforms() {
		set[p] = domain.Caption{Text: "Подпись для " + string(p), Hashtags: []string{"#a", "#b", "#c", "#d", "#e"}}
	}
	return set
}

func newTestService(articles *articleRepoStub, assets *assetRepoStub, schedule *scheduleRepoStub, composer, fallback domain.CaptionComposer, renderer *rendererStub, cache domain.Cache) *Service {
	return NewService(articles, assets, schedule, composer, fallback, renderer, plan.NewPlanner(time.UTC), cache, zerolog.Nop())
}

func TestRunSchedulesAllPlatforms(t *testing.T) {
	articles := &articleRepoStub{article: testArticle()}
	assets := &assetRepoStub{}
	schedule := &scheduleRepoStub{}
	composer := &composerStub{set: fullCaptions()}
	renderer := &rendererStub{result: domain.RenderResult{ImageFile: "blog_abc.png", Prompt: "prompt", Provider: "replicate"}}

	svc := newTestService(articles, assets, schedule, composer, nil, renderer, nil)
	if err := svc.Run(context.Background(), domain.GenerationJob{ArticleID: 7}); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}

	if len(assets.saved) != 1 {
		t.Fatalf("ожидали один сохранённый asset, получили %d", len(assets.saved))
	}
	asset := assets.saved[0]
	if asset.ImageFile != "blog_abc.png" || asset.Provider != "replicate" || asset.ImagePrompt != "prompt" {
		t.Fatalf("asset собран неверно: %+v", asset)
	}

	if len(schedule.created) != len(domain.AllPlatforms()) {
		t.Fatalf("ожидали %d публикаций, получили %d", len(domain.AllPlatforms()), len(schedule.created))
	}
	seen := map[domain.Platform]domain.ScheduledPost{}
	for _, p := range schedule.created {
		if p.Status != domain.PostStatusScheduled {
			t.Fatalf("публикация %s не в статусе scheduled: %s", p.Platform, p.Status)
		}
		if p.ImageFile != "blog_abc.png" {
			t.Fatalf("публикация %s без картинки: %+v", p.Platform, p)
		}
		if !p.ScheduledAt.After(time.Now().Add(-time.Minute)) {
			t.Fatalf("публикация %s запланирована в прошлое: %v", p.Platform, p.ScheduledAt)
		}
		seen[p.Platform] = p
	}
	for _, platform := range domain.AllPlatforms() {
		if _, ok := seen[platform]; !ok {
			t.Fatalf("нет публикации для %s", platform)
		}
	}
}

func TestRunTwitterHashtagsTruncated(t *testing.T) {
	articles := &articleRepoStub{article: testArticle()}
	schedule := &scheduleRepoStub{}
	composer := &composerStub{set: fullCaptions()}
	renderer := &rendererStub{}

	svc := newTestService(articles, &assetRepoStub{}, schedule, composer, nil, renderer, nil)
	if err := svc.Run(context.Background(), domain.GenerationJob{ArticleID: 7}); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}

	for _, p := range schedule.created {
		switch p.Platform {
		case domain.PlatformTwitter:
			if !strings.HasSuffix(p.Content, "\n\n#a #b #c #d") {
				t.Fatalf("твит должен заканчиваться четырьмя хэштегами: %q", p.Content)
			}
		default:
			if strings.Contains(p.Content, "#a") {
				t.Fatalf("хэштеги в хвост добавляются только твиттеру: %s %q", p.Platform, p.Content)
			}
		}
	}
}

func TestRunComposerFallback(t *testing.T) {
	articles := &articleRepoStub{article: testArticle()}
	schedule := &scheduleRepoStub{}
	composer := &composerStub{err: errors.New("llm недоступен")}
	fallback := &composerStub{set: fullCaptions()}
	renderer := &rendererStub{}

	svc := newTestService(articles, &assetRepoStub{}, schedule, composer, fallback, renderer, nil)
	if err := svc.Run(context.Background(), domain.GenerationJob{ArticleID: 7}); err != nil {
		t.Fatalf("ошибка композитора не должна ронять прогон: %v", err)
	}
	if composer.calls != 1 || fallback.calls != 1 {
		t.Fatalf("ожидали вызов основного и запасного композиторов: %d/%d", composer.calls, fallback.calls)
	}
}

func TestRunEmptyCaptionFallsBackToTitle(t *testing.T) {
	articles := &articleRepoStub{article: testArticle()}
	schedule := &scheduleRepoStub{}
	set := fullCaptions()
	set[domain.PlatformFacebook] = domain.Caption{}
	composer := &composerStub{set: set}

	svc := newTestService(articles, &assetRepoStub{}, schedule, composer, nil, &rendererStub{}, nil)
	if err := svc.Run(context.Background(), domain.GenerationJob{ArticleID: 7}); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}

	for _, p := range schedule.created {
		if p.Platform == domain.PlatformFacebook {
			want := "Запуск новой платформы\nhttps://example.com/post"
			if p.Content != want {
				t.Fatalf("пустая подпись заменяется заголовком: %q", p.Content)
			}
		}
	}
}

func TestRunIdempotentWithinWindow(t *testing.T) {
	articles := &articleRepoStub{article: testArticle()}
	schedule := &scheduleRepoStub{}
	composer := &composerStub{set: fullCaptions()}
	cache := &cacheStub{}

	svc := newTestService(articles, &assetRepoStub{}, schedule, composer, nil, &rendererStub{}, cache)
	job := domain.GenerationJob{ArticleID: 7}
	if err := svc.Run(context.Background(), job); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if err := svc.Run(context.Background(), job); err != nil {
		t.Fatalf("повторный запуск не должен падать: %v", err)
	}
	if len(schedule.created) != len(domain.AllPlatforms()) {
		t.Fatalf("повторный запуск не должен планировать публикации второй раз: %d", len(schedule.created))
	}
	if composer.calls != 1 {
		t.Fatalf("композитор должен вызываться один раз: %d", composer.calls)
	}
}

func TestRunSkipsArticleWithExistingAsset(t *testing.T) {
	articles := &articleRepoStub{article: testArticle()}
	assets := &assetRepoStub{}
	schedule := &scheduleRepoStub{}
	composer := &composerStub{set: fullCaptions()}

	// Без кэша: повторную доставку вебхука после истечения ключа в Redis
	// отсекает уже сохранённый результат в базе.
	svc := newTestService(articles, assets, schedule, composer, nil, &rendererStub{}, nil)
	job := domain.GenerationJob{ArticleID: 7}
	if err := svc.Run(context.Background(), job); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if err := svc.Run(context.Background(), job); err != nil {
		t.Fatalf("повторная доставка не должна падать: %v", err)
	}

	if len(assets.saved) != 1 {
		t.Fatalf("повторная доставка не должна создавать второй asset: %d", len(assets.saved))
	}
	if len(schedule.created) != len(domain.AllPlatforms()) {
		t.Fatalf("повторная доставка не должна планировать публикации второй раз: %d", len(schedule.created))
	}
	if composer.calls != 1 {
		t.Fatalf("композитор должен вызываться один раз: %d", composer.calls)
	}
}

func TestRunArticleNotFound(t *testing.T) {
	articles := &articleRepoStub{err: errors.New("нет такой статьи")}
	svc := newTestService(articles, &assetRepoStub{}, &scheduleRepoStub{}, &composerStub{set: fullCaptions()}, nil, &rendererStub{}, nil)
	if err := svc.Run(context.Background(), domain.GenerationJob{ArticleID: 404}); err == nil {
		t.Fatal("ожидали ошибку по отсутствующей статье")
	}
}
