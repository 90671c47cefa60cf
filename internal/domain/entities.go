package domain

import "time"

// Platform идентифицирует социальную сеть.
type Platform string

const (
	// PlatformInstagram — Instagram (Graph API).
	PlatformInstagram Platform = "instagram"
	// PlatformFacebook — страница Facebook.
	PlatformFacebook Platform = "facebook"
	// PlatformTwitter — Twitter/X.
	PlatformTwitter Platform = "twitter"
	// PlatformLinkedIn — LinkedIn.
	PlatformLinkedIn Platform = "linkedin"
)

// AllPlatforms возвращает фиксированный набор платформ в порядке публикации.
func AllPlatforms() []Platform {
	return []Platform{PlatformInstagram, PlatformFacebook, PlatformTwitter, PlatformLinkedIn}
}

// PostStatus описывает жизненный цикл запланированной публикации.
type PostStatus string

const (
	// PostStatusScheduled — публикация ждёт своего времени.
	PostStatusScheduled PostStatus = "scheduled"
	// PostStatusInFlight — публикация захвачена диспетчером и обрабатывается.
	PostStatusInFlight PostStatus = "in_flight"
	// PostStatusSent — публикация успешно отправлена (терминальный статус).
	PostStatusSent PostStatus = "sent"
	// PostStatusFailed — публикация завершилась ошибкой (терминальный статус).
	PostStatusFailed PostStatus = "failed"
)

// Article описывает опубликованную статью блога.
type Article struct {
	ID           int64
	UserID       string
	URL          string
	Title        string
	Excerpt      string
	HeroImageURL string
	Tags         []string
	PublishedAt  *time.Time
	CreatedAt    time.Time
}

// Caption содержит текст и хэштеги для одной платформы.
type Caption struct {
	Text     string   `json:"caption"`
	Hashtags []string `json:"hashtags"`
}

// CaptionSet сопоставляет платформе её подпись.
type CaptionSet map[Platform]Caption

// ContentAsset хранит результат генерации контента по статье.
// Создаётся один раз за прогон генерации и дальше не изменяется.
type ContentAsset struct {
	ID          int64
	ArticleID   int64
	Captions    CaptionSet
	ImagePrompt string
	Provider    string
	ImageFile   string
	CreatedAt   time.Time
}

// ScheduledPost — одна запланированная публикация для одной платформы.
type ScheduledPost struct {
	ID          int64
	ArticleID   int64
	UserID      string
	Platform    Platform
	ScheduledAt time.Time
	Status      PostStatus
	Content     string
	ImageFile   string
	ExternalID  string
	Error       string
	CreatedAt   time.Time
}

// Credential хранит долгоживущий токен доступа пользователя к платформе.
// На пару (пользователь, платформа) существует не больше одной записи.
type Credential struct {
	ID          int64
	UserID      string
	Platform    Platform
	AccessToken string
	Meta        map[string]string
}

// OAuthState связывает незавершённый OAuth-обмен с пользователем и платформой.
// Одноразовый: после потребления запись остаётся, но повторно не принимается.
type OAuthState struct {
	State      string
	UserID     string
	Platform   Platform
	CreatedAt  time.Time
	ConsumedAt *time.Time
	Meta       map[string]string
}

// PublishResult содержит ответ платформы на успешную публикацию.
type PublishResult struct {
	ExternalID string
	URL        string
}

// SendOutcome описывает итог немедленной публикации на одной платформе.
type SendOutcome struct {
	Platform Platform       `json:"platform"`
	Status   string         `json:"status"`
	Response map[string]any `json:"response,omitempty"`
	Error    string         `json:"error,omitempty"`
}

const (
	// SendStatusSuccess — платформа приняла публикацию.
	SendStatusSuccess = "success"
	// SendStatusFailed — публикация не удалась.
	SendStatusFailed = "failed"
)
