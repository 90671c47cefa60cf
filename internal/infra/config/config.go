package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов. Собирается один раз на старте
// и передаётся компонентам явно, напрямую окружение никто не читает.
type AppConfig struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`
	TZ     string `envconfig:"DEFAULT_TZ" default:"Asia/Kolkata"`
	Port   int    `envconfig:"PORT" default:"8080"`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`

	PublicBaseURL string `envconfig:"BACKEND_PUBLIC_BASE" default:"http://localhost:8080"`
	UploadDir     string `envconfig:"UPLOAD_DIR" default:"uploads"`
	DevToken      string `envconfig:"DEV_TOKEN"`

	Brand struct {
		Name      string `envconfig:"BRAND_NAME" default:"Postify"`
		Primary   string `envconfig:"BRAND_PRIMARY" default:"#0f172a"`
		Secondary string `envconfig:"BRAND_SECONDARY" default:"#334155"`
		Accent    string `envconfig:"BRAND_ACCENT" default:"#22c55e"`
		FontPath  string `envconfig:"FONT_PATH"`
	} `envconfig:""`

	OpenAI struct {
		APIKey  string        `envconfig:"OPENAI_API_KEY"`
		BaseURL string        `envconfig:"OPENAI_BASE_URL"`
		Model   string        `envconfig:"OPENAI_MODEL" default:"gpt-4o-mini"`
		Timeout time.Duration `envconfig:"OPENAI_TIMEOUT" default:"60s"`
	} `envconfig:""`

	Replicate struct {
		APIToken     string        `envconfig:"REPLICATE_API_TOKEN"`
		ModelVersion string        `envconfig:"REPLICATE_SDXL_MODEL_VERSION"`
		PollAttempts int           `envconfig:"REPLICATE_POLL_ATTEMPTS" default:"30"`
		PollDelay    time.Duration `envconfig:"REPLICATE_POLL_DELAY" default:"2s"`
	} `envconfig:""`

	Meta struct {
		AppID       string `envconfig:"META_APP_ID"`
		AppSecret   string `envconfig:"META_APP_SECRET"`
		RedirectURI string `envconfig:"META_REDIRECT_URI"`
		FBPageID    string `envconfig:"FB_PAGE_ID"`
		IGUserID    string `envconfig:"IG_USER_ID"`
	} `envconfig:""`

	Twitter struct {
		APIKey      string `envconfig:"TWITTER_API_KEY"`
		APISecret   string `envconfig:"TWITTER_API_SECRET"`
		RedirectURI string `envconfig:"TWITTER_REDIRECT_URI"`
	} `envconfig:""`

	LinkedIn struct {
		ClientID     string `envconfig:"LINKEDIN_CLIENT_ID"`
		ClientSecret string `envconfig:"LINKEDIN_CLIENT_SECRET"`
		RedirectURI  string `envconfig:"LINKEDIN_REDIRECT_URI"`
		AuthorURN    string `envconfig:"LINKEDIN_AUTHOR_URN"`
	} `envconfig:""`

	Dispatcher struct {
		Interval  time.Duration `envconfig:"DISPATCH_INTERVAL" default:"30s"`
		BatchSize int           `envconfig:"DISPATCH_BATCH_SIZE" default:"10"`
		StuckTTL  time.Duration `envconfig:"DISPATCH_STUCK_TTL" default:"10m"`
	} `envconfig:""`

	Queues struct {
		Driver     string `envconfig:"QUEUE_DRIVER" default:"redis"`
		Generation string `envconfig:"GENERATION_QUEUE_KEY" default:"generation_jobs"`
		AMQPURL    string `envconfig:"AMQP_URL"`
	} `envconfig:""`

	OAuthStateTTL time.Duration `envconfig:"OAUTH_STATE_TTL" default:"10m"`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}
