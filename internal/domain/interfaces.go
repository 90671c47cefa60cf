package domain

import (
	"context"
	"errors"
	"time"
)

// ErrCredentialNotFound возвращается, если платформа не подключена у пользователя.
var ErrCredentialNotFound = errors.New("платформа не подключена")

// ErrStateNotFound возвращается при потреблении неизвестного или чужого state.
var ErrStateNotFound = errors.New("state не найден")

// ErrStateExpired возвращается, если state просрочен или уже использован.
var ErrStateExpired = errors.New("state просрочен")

// ErrAssetNotFound возвращается, если по статье ещё не было генерации.
var ErrAssetNotFound = errors.New("результат генерации не найден")

// ArticleRepo управляет статьями.
type ArticleRepo interface {
	// UpsertArticle вставляет статью идемпотентно по (user_id, url).
	// Возвращает id сохранённой записи и признак того, что запись новая.
	UpsertArticle(a Article) (int64, bool, error)
	GetArticle(id int64) (Article, error)
	ListRecentArticles(userID string, limit int) ([]Article, error)
}

// AssetRepo сохраняет результаты генерации.
type AssetRepo interface {
	SaveAsset(asset ContentAsset) (int64, error)
	// GetAssetByArticle возвращает последний результат генерации по статье
	// или ErrAssetNotFound. Служит долговечным маркером выполненного прогона.
	GetAssetByArticle(articleID int64) (ContentAsset, error)
}

// ScheduleRepo управляет запланированными публикациями.
type ScheduleRepo interface {
	CreatePosts(posts []ScheduledPost) error
	ListUserPosts(userID string, limit int) ([]ScheduledPost, error)
	// ClaimDue атомарно переводит до limit просроченных публикаций из
	// scheduled в in_flight и возвращает их, старые первыми.
	ClaimDue(now time.Time, limit int) ([]ScheduledPost, error)
	// ReleaseStuck возвращает в scheduled публикации, зависшие в in_flight
	// дольше указанного момента (упавший диспетчер).
	ReleaseStuck(olderThan time.Time) (int64, error)
	MarkSent(id int64, externalID string) error
	MarkFailed(id int64, errText string) error
}

// CredentialRepo управляет токенами платформ.
type CredentialRepo interface {
	UpsertCredential(c Credential) error
	// GetCredential возвращает ErrCredentialNotFound, если записи нет.
	GetCredential(userID string, platform Platform) (Credential, error)
	ListConnected(userID string) ([]Platform, error)
}

// OAuthStateRepo отвечает за одноразовые state OAuth-обмена.
type OAuthStateRepo interface {
	CreateState(userID string, platform Platform, meta map[string]string) (string, error)
	UpdateStateMeta(state string, meta map[string]string) error
	// ConsumeState проверяет TTL и одноразовость, помечает state использованным.
	ConsumeState(state string, platform Platform, ttl time.Duration) (OAuthState, error)
}

// CaptionComposer строит подписи для всех платформ по статье.
type CaptionComposer interface {
	Compose(ctx context.Context, article Article) (CaptionSet, error)
}

// RenderResult описывает результат рендера брендированной картинки.
type RenderResult struct {
	// ImageFile — имя PNG-файла в каталоге загрузок.
	ImageFile string
	// Prompt — промпт, отправленный провайдеру фона.
	Prompt string
	// Provider — использованный провайдер фона.
	Provider string
}

// ImageRenderer генерирует брендированную картинку для статьи.
type ImageRenderer interface {
	Render(ctx context.Context, title string) (RenderResult, error)
}

// Publisher — общий контракт адаптера платформы.
type Publisher interface {
	// UploadMedia загружает медиа и возвращает ссылку платформы
	// (media id, container id или URN — зависит от платформы).
	UploadMedia(ctx context.Context, cred Credential, data []byte, filename string) (string, error)
	// Publish публикует контент, при необходимости со ссылками на медиа.
	Publish(ctx context.Context, cred Credential, content string, mediaRefs []string) (PublishResult, error)
	// ClassifyError переводит сырую ошибку платформы в стабильное
	// сообщение для пользователя.
	ClassifyError(err error) string
}

// Cache защищает операции от повторного выполнения внутри TTL-окна.
type Cache interface {
	Once(ctx context.Context, key string, ttl time.Duration, fn func() error) error
}
