package oauthflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/facebook"
	"golang.org/x/oauth2/linkedin"

	"postify/internal/domain"
	"postify/internal/infra/metrics"
)

// metaScopes — разрешения Meta для публикации на страницы и в Instagram.
var metaScopes = []string{
	"public_profile",
	"pages_show_list",
	"pages_read_engagement",
	"pages_manage_posts",
	"instagram_basic",
	"instagram_content_publish",
}

var linkedinScopes = []string{"openid", "profile", "email", "w_member_social"}

// TwitterStarter выполняет OAuth1-обмен Twitter.
type TwitterStarter interface {
	RequestToken(ctx context.Context, callbackURL string) (token, secret, authorizeURL string, err error)
	AccessToken(ctx context.Context, requestToken, requestSecret, verifier string) (token, secret string, err error)
}

// MetaConfig — настройки приложения Meta.
type MetaConfig struct {
	AppID       string
	AppSecret   string
	RedirectURI string
	FBPageID    string
}

// LinkedInConfig — настройки приложения LinkedIn.
type LinkedInConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

// Service ведёт подключение платформ: выдаёт адреса авторизации,
// завершает обмены и сохраняет токены.
type Service struct {
	states domain.OAuthStateRepo
	creds  domain.CredentialRepo

	meta     *oauth2.Config
	fbPageID string

	linkedIn *oauth2.Config

	twitter         TwitterStarter
	twitterRedirect string

	graphBase  string
	stateTTL   time.Duration
	httpClient *http.Client
	log        zerolog.Logger
}

// NewService создаёт сервис OAuth-подключений.
func NewService(
	states domain.OAuthStateRepo,
	creds domain.CredentialRepo,
	meta MetaConfig,
	li LinkedInConfig,
	twitter TwitterStarter,
	twitterRedirect string,
	stateTTL time.Duration,
	logger zerolog.Logger,
) *Service {
	if stateTTL <= 0 {
		stateTTL = 10 * time.Minute
	}
	return &Service{
		states: states,
		creds:  creds,
		meta: &oauth2.Config{
			ClientID:     meta.AppID,
			ClientSecret: meta.AppSecret,
			RedirectURL:  meta.RedirectURI,
			Scopes:       metaScopes,
			Endpoint:     facebook.Endpoint,
		},
		fbPageID: meta.FBPageID,
		linkedIn: &oauth2.Config{
			ClientID:     li.ClientID,
			ClientSecret: li.ClientSecret,
			RedirectURL:  li.RedirectURI,
			Scopes:       linkedinScopes,
			Endpoint:     linkedin.Endpoint,
		},
		twitter:         twitter,
		twitterRedirect: twitterRedirect,
		graphBase:       "https://graph.facebook.com/v19.0",
		stateTTL:        stateTTL,
		httpClient:      &http.Client{Timeout: 30 * time.Second},
		log:             logger,
	}
}

// ConnectURL выдаёт адрес авторизации платформы и сохраняет одноразовый state.
func (s *Service) ConnectURL(ctx context.Context, userID string, platform domain.Platform) (string, error) {
	switch platform {
	case domain.PlatformFacebook, domain.PlatformInstagram:
		if s.meta.ClientID == "" || s.meta.RedirectURL == "" {
			return "", errors.New("не настроено приложение Meta")
		}
		state, err := s.states.CreateState(userID, platform, nil)
		if err != nil {
			return "", fmt.Errorf("создание state: %w", err)
		}
		return s.meta.AuthCodeURL(state), nil

	case domain.PlatformTwitter:
		if s.twitter == nil || s.twitterRedirect == "" {
			return "", errors.New("не настроено приложение Twitter")
		}
		state, err := s.states.CreateState(userID, platform, nil)
		if err != nil {
			return "", fmt.Errorf("создание state: %w", err)
		}
		separator := "?"
		if strings.Contains(s.twitterRedirect, "?") {
			separator = "&"
		}
		callback := s.twitterRedirect + separator + "state=" + url.QueryEscape(state)
		token, secret, authorizeURL, err := s.twitter.RequestToken(ctx, callback)
		if err != nil {
			return "", err
		}
		err = s.states.UpdateStateMeta(state, map[string]string{
			"request_token":        token,
			"request_token_secret": secret,
		})
		if err != nil {
			return "", fmt.Errorf("сохранение request token: %w", err)
		}
		return authorizeURL, nil

	case domain.PlatformLinkedIn:
		if s.linkedIn.ClientID == "" || s.linkedIn.RedirectURL == "" {
			return "", errors.New("не настроено приложение LinkedIn")
		}
		state, err := s.states.CreateState(userID, platform, nil)
		if err != nil {
			return "", fmt.Errorf("создание state: %w", err)
		}
		return s.linkedIn.AuthCodeURL(state), nil
	}
	return "", fmt.Errorf("неподдерживаемая платформа %q", platform)
}

// Callback завершает OAuth-обмен и сохраняет токен пользователя.
func (s *Service) Callback(ctx context.Context, platform domain.Platform, code, state, oauthVerifier string) error {
	consumed, err := s.states.ConsumeState(state, platform, s.stateTTL)
	if err != nil {
		return err
	}
	userID := consumed.UserID

	switch platform {
	case domain.PlatformFacebook:
		if code == "" {
			return errors.New("нет кода авторизации")
		}
		token, err := s.meta.Exchange(ctx, code)
		if err != nil {
			return fmt.Errorf("обмен кода Meta: %w", err)
		}
		if s.fbPageID == "" {
			return errors.New("не задан page_id страницы Facebook")
		}
		pageToken, err := s.pageAccessToken(ctx, token.AccessToken, s.fbPageID)
		if err != nil {
			return err
		}
		return s.creds.UpsertCredential(domain.Credential{
			UserID:      userID,
			Platform:    domain.PlatformFacebook,
			AccessToken: pageToken,
			Meta:        map[string]string{"page_id": s.fbPageID},
		})

	case domain.PlatformInstagram:
		if code == "" {
			return errors.New("нет кода авторизации")
		}
		token, err := s.meta.Exchange(ctx, code)
		if err != nil {
			return fmt.Errorf("обмен кода Meta: %w", err)
		}
		return s.creds.UpsertCredential(domain.Credential{
			UserID:      userID,
			Platform:    domain.PlatformInstagram,
			AccessToken: token.AccessToken,
		})

	case domain.PlatformLinkedIn:
		if code == "" {
			return errors.New("нет кода авторизации")
		}
		token, err := s.linkedIn.Exchange(ctx, code)
		if err != nil {
			return fmt.Errorf("обмен кода LinkedIn: %w", err)
		}
		return s.creds.UpsertCredential(domain.Credential{
			UserID:      userID,
			Platform:    domain.PlatformLinkedIn,
			AccessToken: token.AccessToken,
		})

	case domain.PlatformTwitter:
		if oauthVerifier == "" {
			return errors.New("нет oauth_verifier")
		}
		requestToken := consumed.Meta["request_token"]
		requestSecret := consumed.Meta["request_token_secret"]
		if requestToken == "" || requestSecret == "" {
			return errors.New("в state нет request token")
		}
		token, secret, err := s.twitter.AccessToken(ctx, requestToken, requestSecret, oauthVerifier)
		if err != nil {
			return err
		}
		return s.creds.UpsertCredential(domain.Credential{
			UserID:      userID,
			Platform:    domain.PlatformTwitter,
			AccessToken: token,
			Meta:        map[string]string{"access_token_secret": secret},
		})
	}
	return fmt.Errorf("неподдерживаемая платформа %q", platform)
}

// Status возвращает подключённые платформы пользователя.
func (s *Service) Status(userID string) ([]domain.Platform, error) {
	return s.creds.ListConnected(userID)
}

// SaveToken сохраняет токен напрямую. Используется dev-эндпоинтом.
func (s *Service) SaveToken(userID string, platform domain.Platform, accessToken string, meta map[string]string) error {
	return s.creds.UpsertCredential(domain.Credential{
		UserID:      userID,
		Platform:    platform,
		AccessToken: accessToken,
		Meta:        meta,
	})
}

// pageAccessToken меняет пользовательский токен Meta на страничный.
func (s *Service) pageAccessToken(ctx context.Context, userToken, pageID string) (string, error) {
	query := url.Values{}
	query.Set("fields", "access_token")
	query.Set("access_token", userToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.graphBase+"/"+pageID+"?"+query.Encode(), nil)
	if err != nil {
		return "", err
	}
	start := time.Now()
	resp, err := s.httpClient.Do(req)
	metrics.ObserveNetworkRequest("facebook", "page_token_get", req.URL.Host, start, err)
	if err != nil {
		return "", fmt.Errorf("запрос страничного токена: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("страничный токен: статус %d: %s", resp.StatusCode, payload)
	}
	var data struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", fmt.Errorf("разбор страничного токена: %w", err)
	}
	if data.AccessToken == "" {
		return "", errors.New("facebook не вернул страничный токен")
	}
	return data.AccessToken, nil
}
