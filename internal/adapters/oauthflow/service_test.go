package oauthflow

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"postify/internal/domain"
)

type stateRepoStub struct {
	seq      int
	states   map[string]domain.OAuthState
	consumed []string
}

func newStateRepoStub() *stateRepoStub {
	return &stateRepoStub{states: map[string]domain.OAuthState{}}
}

func (s *stateRepoStub) CreateState(userID string, platform domain.Platform, meta map[string]string) (string, error) {
	s.seq++
	state := fmt.Sprintf("state-%d", s.seq)
	s.states[state] = domain.OAuthState{State: state, UserID: userID, Platform: platform, CreatedAt: time.Now(), Meta: meta}
	return state, nil
}

func (s *stateRepoStub) UpdateStateMeta(state string, meta map[string]string) error {
	st, ok := s.states[state]
	if !ok {
		return domain.ErrStateNotFound
	}
	st.Meta = meta
	s.states[state] = st
	return nil
}

func (s *stateRepoStub) ConsumeState(state string, platform domain.Platform, _ time.Duration) (domain.OAuthState, error) {
	st, ok := s.states[state]
	if !ok || st.Platform != platform {
		return domain.OAuthState{}, domain.ErrStateNotFound
	}
	for _, used := range s.consumed {
		if used == state {
			return domain.OAuthState{}, domain.ErrStateExpired
		}
	}
	s.consumed = append(s.consumed, state)
	return st, nil
}

type credRepoStub struct {
	saved []domain.Credential
}

func (c *credRepoStub) UpsertCredential(cred domain.Credential) error {
	c.saved = append(c.saved, cred)
	return nil
}

func (c *credRepoStub) GetCredential(string, domain.Platform) (domain.Credential, error) {
	return domain.Credential{}, domain.ErrCredentialNotFound
}

func (c *credRepoStub) ListConnected(string) ([]domain.Platform, error) {
	return []domain.Platform{domain.PlatformTwitter}, nil
}

type twitterStub struct {
	callback string
}

func (t *twitterStub) RequestToken(_ context.Context, callbackURL string) (string, string, string, error) {
	t.callback = callbackURL
	return "req-token", "req-secret", "https://api.twitter.com/oauth/authenticate?oauth_token=req-token", nil
}

func (t *twitterStub) AccessToken(_ context.Context, requestToken, requestSecret, verifier string) (string, string, error) {
	if requestToken != "req-token" || requestSecret != "req-secret" || verifier != "verif" {
		return "", "", errors.New("неверные параметры обмена")
	}
	return "acc-token", "acc-secret", nil
}

func newTestService(states *stateRepoStub, creds *credRepoStub, tw TwitterStarter) *Service {
	return NewService(
		states,
		creds,
		MetaConfig{AppID: "app", AppSecret: "secret", RedirectURI: "https://example.com/cb", FBPageID: "page-1"},
		LinkedInConfig{ClientID: "li", ClientSecret: "lisecret", RedirectURI: "https://example.com/licb"},
		tw,
		"https://example.com/twcb",
		10*time.Minute,
		zerolog.Nop(),
	)
}

func TestConnectURLMeta(t *testing.T) {
	states := newStateRepoStub()
	svc := newTestService(states, &credRepoStub{}, nil)

	rawURL, err := svc.ConnectURL(context.Background(), "u1", domain.PlatformFacebook)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("невалидный адрес: %v", err)
	}
	query := parsed.Query()
	if query.Get("client_id") != "app" || query.Get("state") == "" {
		t.Fatalf("нет client_id или state: %q", rawURL)
	}
	if !strings.Contains(query.Get("scope"), "pages_manage_posts") {
		t.Fatalf("нет разрешений на публикацию: %q", query.Get("scope"))
	}
}

func TestConnectURLLinkedIn(t *testing.T) {
	svc := newTestService(newStateRepoStub(), &credRepoStub{}, nil)
	rawURL, err := svc.ConnectURL(context.Background(), "u1", domain.PlatformLinkedIn)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !strings.Contains(rawURL, "w_member_social") {
		t.Fatalf("нет scope w_member_social: %q", rawURL)
	}
}

func TestConnectURLTwitterStoresRequestToken(t *testing.T) {
	states := newStateRepoStub()
	tw := &twitterStub{}
	svc := newTestService(states, &credRepoStub{}, tw)

	rawURL, err := svc.ConnectURL(context.Background(), "u1", domain.PlatformTwitter)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !strings.Contains(rawURL, "oauth_token=req-token") {
		t.Fatalf("неожиданный адрес авторизации: %q", rawURL)
	}
	if !strings.Contains(tw.callback, "state=state-1") {
		t.Fatalf("callback должен нести state: %q", tw.callback)
	}
	meta := states.states["state-1"].Meta
	if meta["request_token"] != "req-token" || meta["request_token_secret"] != "req-secret" {
		t.Fatalf("request token не сохранён в state: %v", meta)
	}
}

func TestCallbackTwitter(t *testing.T) {
	states := newStateRepoStub()
	creds := &credRepoStub{}
	svc := newTestService(states, creds, &twitterStub{})

	if _, err := svc.ConnectURL(context.Background(), "u1", domain.PlatformTwitter); err != nil {
		t.Fatalf("подготовка обмена: %v", err)
	}
	if err := svc.Callback(context.Background(), domain.PlatformTwitter, "", "state-1", "verif"); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(creds.saved) != 1 {
		t.Fatalf("токен не сохранён")
	}
	cred := creds.saved[0]
	if cred.UserID != "u1" || cred.AccessToken != "acc-token" || cred.Meta["access_token_secret"] != "acc-secret" {
		t.Fatalf("неожиданный токен: %+v", cred)
	}
}

func TestCallbackUnknownState(t *testing.T) {
	svc := newTestService(newStateRepoStub(), &credRepoStub{}, &twitterStub{})
	err := svc.Callback(context.Background(), domain.PlatformTwitter, "", "missing", "verif")
	if !errors.Is(err, domain.ErrStateNotFound) {
		t.Fatalf("ожидали ErrStateNotFound, получили %v", err)
	}
}

func TestCallbackStateReuse(t *testing.T) {
	states := newStateRepoStub()
	svc := newTestService(states, &credRepoStub{}, &twitterStub{})

	if _, err := svc.ConnectURL(context.Background(), "u1", domain.PlatformTwitter); err != nil {
		t.Fatalf("подготовка обмена: %v", err)
	}
	if err := svc.Callback(context.Background(), domain.PlatformTwitter, "", "state-1", "verif"); err != nil {
		t.Fatalf("первый обмен: %v", err)
	}
	err := svc.Callback(context.Background(), domain.PlatformTwitter, "", "state-1", "verif")
	if !errors.Is(err, domain.ErrStateExpired) {
		t.Fatalf("повторный state должен отклоняться: %v", err)
	}
}
