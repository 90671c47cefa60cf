package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"postify/internal/adapters/composer"
	"postify/internal/domain"
	"postify/internal/usecase/generate"
	"postify/internal/usecase/plan"
)

// memStore — хранилище в памяти для сквозного прогона
// генерация → диспетчеризация без БД.
type memStore struct {
	articles map[int64]domain.Article
	assets   []domain.ContentAsset
	posts    []domain.ScheduledPost
	creds    map[domain.Platform]domain.Credential
	nextID   int64
}

func newMemStore() *memStore {
	return &memStore{
		articles: map[int64]domain.Article{},
		creds:    map[domain.Platform]domain.Credential{},
	}
}

func (m *memStore) UpsertArticle(a domain.Article) (int64, bool, error) {
	for id, existing := range m.articles {
		if existing.UserID == a.UserID && existing.URL == a.URL {
			return id, false, nil
		}
	}
	m.nextID++
	a.ID = m.nextID
	m.articles[a.ID] = a
	return a.ID, true, nil
}

func (m *memStore) GetArticle(id int64) (domain.Article, error) {
	a, ok := m.articles[id]
	if !ok {
		return domain.Article{}, errors.New("статья не найдена")
	}
	return a, nil
}

func (m *memStore) ListRecentArticles(string, int) ([]domain.Article, error) { return nil, nil }

func (m *memStore) SaveAsset(asset domain.ContentAsset) (int64, error) {
	asset.ID = int64(len(m.assets) + 1)
	m.assets = append(m.assets, asset)
	return asset.ID, nil
}

func (m *memStore) GetAssetByArticle(articleID int64) (domain.ContentAsset, error) {
	for i := len(m.assets) - 1; i >= 0; i-- {
		if m.assets[i].ArticleID == articleID {
			return m.assets[i], nil
		}
	}
	return domain.ContentAsset{}, domain.ErrAssetNotFound
}

func (m *memStore) CreatePosts(posts []domain.ScheduledPost) error {
	for _, p := range posts {
		m.nextID++
		p.ID = m.nextID
		m.posts = append(m.posts, p)
	}
	return nil
}

func (m *memStore) ListUserPosts(string, int) ([]domain.ScheduledPost, error) { return m.posts, nil }

func (m *memStore) ClaimDue(now time.Time, limit int) ([]domain.ScheduledPost, error) {
	var due []domain.ScheduledPost
	for i := range m.posts {
		if len(due) == limit {
			break
		}
		if m.posts[i].Status == domain.PostStatusScheduled && !m.posts[i].ScheduledAt.After(now) {
			m.posts[i].Status = domain.PostStatusInFlight
			due = append(due, m.posts[i])
		}
	}
	return due, nil
}

func (m *memStore) ReleaseStuck(time.Time) (int64, error) { return 0, nil }

func (m *memStore) MarkSent(id int64, externalID string) error {
	return m.setStatus(id, domain.PostStatusSent, externalID, "")
}

func (m *memStore) MarkFailed(id int64, errText string) error {
	return m.setStatus(id, domain.PostStatusFailed, "", errText)
}

func (m *memStore) setStatus(id int64, status domain.PostStatus, externalID, errText string) error {
	for i := range m.posts {
		if m.posts[i].ID == id {
			m.posts[i].Status = status
			m.posts[i].ExternalID = externalID
			m.posts[i].Error = errText
			return nil
		}
	}
	return errors.New("публикация не найдена")
}

func (m *memStore) UpsertCredential(c domain.Credential) error {
	m.creds[c.Platform] = c
	return nil
}

func (m *memStore) GetCredential(_ string, platform domain.Platform) (domain.Credential, error) {
	cred, ok := m.creds[platform]
	if !ok {
		return domain.Credential{}, domain.ErrCredentialNotFound
	}
	return cred, nil
}

func (m *memStore) ListConnected(string) ([]domain.Platform, error) { return nil, nil }

type memRenderer struct {
	file string
}

func (r memRenderer) Render(context.Context, string) (domain.RenderResult, error) {
	return domain.RenderResult{ImageFile: r.file, Prompt: "prompt", Provider: "fallback"}, nil
}

// Сквозной прогон: статья принята, генерация создаёт asset и четыре
// публикации, наступивший дедлайн отправляет все четыре.
func TestPipelineIngestGenerateDispatch(t *testing.T) {
	store := newMemStore()
	dir := t.TempDir()
	writeImage(t, dir, "blog_e2e.png")

	id, fresh, err := store.UpsertArticle(domain.Article{
		UserID: "demo",
		URL:    "https://example.com/launch",
		Title:  "Запуск",
	})
	if err != nil || !fresh {
		t.Fatalf("статья должна сохраниться как новая: %v", err)
	}

	gen := generate.NewService(store, store, store, nil, composer.NewTemplate(), memRenderer{file: "blog_e2e.png"}, plan.NewPlanner(time.UTC), nil, zerolog.Nop())
	if err := gen.Run(context.Background(), domain.GenerationJob{ArticleID: id, UserID: "demo"}); err != nil {
		t.Fatalf("генерация не удалась: %v", err)
	}
	if len(store.assets) != 1 {
		t.Fatalf("ожидали один asset: %d", len(store.assets))
	}
	if len(store.posts) != len(domain.AllPlatforms()) {
		t.Fatalf("ожидали публикацию на каждую платформу: %d", len(store.posts))
	}
	for _, p := range store.posts {
		if !p.ScheduledAt.After(time.Now()) {
			t.Fatalf("%s: слот должен быть строго в будущем", p.Platform)
		}
	}

	// Дедлайны наступили: сдвигаем расписание в прошлое. Заодно
	// имитируем текст ошибки от неудачной прошлой попытки — успешная
	// отправка обязана его стереть.
	for i := range store.posts {
		store.posts[i].ScheduledAt = time.Now().Add(-time.Minute)
		store.posts[i].Error = "временный сбой сети"
	}

	registry := registryStub{}
	pubs := map[domain.Platform]*publisherStub{}
	for _, platform := range domain.AllPlatforms() {
		pub := &publisherStub{result: domain.PublishResult{ExternalID: "ext-" + string(platform)}}
		pubs[platform] = pub
		registry[platform] = pub
		if err := store.UpsertCredential(domain.Credential{UserID: "demo", Platform: platform, AccessToken: "t"}); err != nil {
			t.Fatalf("токен не сохранился: %v", err)
		}
	}

	svc := NewService(store, store, registry, dir, 0, 0, zerolog.Nop())
	svc.Tick(context.Background())

	for _, p := range store.posts {
		if p.Status != domain.PostStatusSent {
			t.Fatalf("%s: ожидали sent, получили %s (%s)", p.Platform, p.Status, p.Error)
		}
		if p.ExternalID != "ext-"+string(p.Platform) {
			t.Fatalf("%s: внешний id не записан: %q", p.Platform, p.ExternalID)
		}
		if p.Error != "" {
			t.Fatalf("%s: отправка должна стирать прежнюю ошибку: %q", p.Platform, p.Error)
		}
	}
	for platform, pub := range pubs {
		if pub.gotContent == "" {
			t.Fatalf("%s: адаптер не получил контент", platform)
		}
	}
}
