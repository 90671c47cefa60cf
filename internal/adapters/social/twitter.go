package social

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	xdraw "golang.org/x/image/draw"

	"postify/internal/domain"
	"postify/internal/infra/metrics"
)

const (
	twitterAPIBase    = "https://api.twitter.com"
	twitterUploadBase = "https://upload.twitter.com/1.1"

	// Картинки шире ужимаются перед загрузкой.
	tweetImageMaxWidth = 1000
)

// Twitter публикует твиты через API v1.1 с подписью OAuth 1.0a.
// Секрет токена пользователя хранится в meta токена.
type Twitter struct {
	signer     oauth1Signer
	apiBase    string
	uploadBase string
	httpClient *http.Client
}

var _ domain.Publisher = (*Twitter)(nil)

// NewTwitter создаёт адаптер с ключами приложения.
func NewTwitter(apiKey, apiSecret string) *Twitter {
	return &Twitter{
		signer:     newOAuth1Signer(apiKey, apiSecret),
		apiBase:    twitterAPIBase,
		uploadBase: twitterUploadBase,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func twitterTokenSecret(cred domain.Credential) (string, error) {
	secret := cred.Meta["access_token_secret"]
	if secret == "" {
		return "", errors.New("twitter не подключён: нет access_token_secret")
	}
	return secret, nil
}

// UploadMedia перекодирует картинку под требования платформы и загружает её.
func (t *Twitter) UploadMedia(ctx context.Context, cred domain.Credential, data []byte, filename string) (string, error) {
	secret, err := twitterTokenSecret(cred)
	if err != nil {
		return "", err
	}

	payload, uploadName, category := prepareTweetMedia(data, filename)

	body, contentType, err := multipartUpload("media", uploadName, payload, map[string]string{
		"media_category": category,
	})
	if err != nil {
		return "", err
	}

	uploadURL := t.uploadBase + "/media/upload.json"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", contentType)
	// multipart-тело в подпись OAuth1 не входит
	auth, err := t.signer.authorizationHeader(http.MethodPost, uploadURL, nil, cred.AccessToken, secret, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", auth)

	resp, err := doJSON(t.httpClient, "twitter", "media_upload", req)
	if err != nil {
		return "", fmt.Errorf("загрузка медиа в twitter: %w", err)
	}
	mediaID := stringField(resp, "media_id_string")
	if mediaID == "" {
		return "", errors.New("twitter не вернул media_id")
	}
	return mediaID, nil
}

// Publish отправляет твит, при наличии медиа — с вложениями.
func (t *Twitter) Publish(ctx context.Context, cred domain.Credential, content string, mediaRefs []string) (domain.PublishResult, error) {
	secret, err := twitterTokenSecret(cred)
	if err != nil {
		return domain.PublishResult{}, err
	}

	form := url.Values{}
	form.Set("status", content)
	if len(mediaRefs) > 0 {
		form.Set("media_ids", strings.Join(mediaRefs, ","))
	}

	statusURL := t.apiBase + "/1.1/statuses/update.json"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, statusURL, strings.NewReader(form.Encode()))
	if err != nil {
		return domain.PublishResult{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	auth, err := t.signer.authorizationHeader(http.MethodPost, statusURL, form, cred.AccessToken, secret, nil)
	if err != nil {
		return domain.PublishResult{}, err
	}
	req.Header.Set("Authorization", auth)

	resp, err := doJSON(t.httpClient, "twitter", "status_update", req)
	if err != nil {
		return domain.PublishResult{}, fmt.Errorf("публикация твита: %w", err)
	}
	tweetID := stringField(resp, "id_str")
	if tweetID == "" {
		tweetID = stringField(resp, "id")
	}
	if tweetID == "" {
		return domain.PublishResult{}, errors.New("twitter не вернул id твита")
	}

	var tweetURL string
	if user, ok := resp["user"].(map[string]any); ok {
		if screenName := stringField(user, "screen_name"); screenName != "" {
			tweetURL = fmt.Sprintf("https://twitter.com/%s/status/%s", screenName, tweetID)
		}
	}
	return domain.PublishResult{ExternalID: tweetID, URL: tweetURL}, nil
}

var twitterErrorRules = []errorRule{
	{"duplicate", "You have already posted this content. Please wait before posting again."},
	{"usage-capped", "Twitter posting limit reached. Please try again later."},
	{"invalid url", "The tweet contains a URL that is not allowed on X."},
	{"video longer than", "The video is longer than the allowed duration for this account."},
}

// ClassifyError переводит ошибку Twitter в понятное сообщение.
func (t *Twitter) ClassifyError(err error) string {
	if err == nil {
		return ""
	}
	if msg := classify(err, twitterErrorRules, ""); msg != "" {
		return msg
	}
	return "Twitter posting failed: " + err.Error()
}

// RequestToken начинает OAuth1-обмен и возвращает request token с адресом
// авторизации.
func (t *Twitter) RequestToken(ctx context.Context, callbackURL string) (token, secret, authorizeURL string, err error) {
	values, err := t.tokenRequest(ctx, t.apiBase+"/oauth/request_token", "", "", map[string]string{"oauth_callback": callbackURL}, "request_token")
	if err != nil {
		return "", "", "", fmt.Errorf("получение request token: %w", err)
	}
	token = values.Get("oauth_token")
	secret = values.Get("oauth_token_secret")
	if token == "" || secret == "" {
		return "", "", "", errors.New("twitter не вернул request token")
	}
	authorizeURL = t.apiBase + "/oauth/authenticate?oauth_token=" + url.QueryEscape(token)
	return token, secret, authorizeURL, nil
}

// AccessToken завершает OAuth1-обмен по verifier.
func (t *Twitter) AccessToken(ctx context.Context, requestToken, requestSecret, verifier string) (token, secret string, err error) {
	values, err := t.tokenRequest(ctx, t.apiBase+"/oauth/access_token", requestToken, requestSecret, map[string]string{"oauth_verifier": verifier}, "access_token")
	if err != nil {
		return "", "", fmt.Errorf("обмен на access token: %w", err)
	}
	token = values.Get("oauth_token")
	secret = values.Get("oauth_token_secret")
	if token == "" || secret == "" {
		return "", "", errors.New("twitter не вернул access token")
	}
	return token, secret, nil
}

func (t *Twitter) tokenRequest(ctx context.Context, rawURL, token, tokenSecret string, extra map[string]string, op string) (url.Values, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, nil)
	if err != nil {
		return nil, err
	}
	auth, err := t.signer.authorizationHeader(http.MethodPost, rawURL, nil, token, tokenSecret, extra)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", auth)

	start := time.Now()
	resp, err := t.httpClient.Do(req)
	metrics.ObserveNetworkRequest("twitter", op, req.URL.Host, start, err)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, newAPIError("twitter", resp)
	}
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 8192))
	if err != nil {
		return nil, err
	}
	return url.ParseQuery(string(payload))
}

// prepareTweetMedia приводит медиа к виду, который принимает платформа:
// картинки ужимаются до 1000px по ширине и перекодируются в JPEG,
// видео и гифки уходят как есть. При ошибке декодирования байты
// отправляются без изменений.
func prepareTweetMedia(data []byte, filename string) (payload []byte, uploadName, category string) {
	lower := strings.ToLower(filename)
	switch {
	case strings.HasSuffix(lower, ".mp4"):
		return data, filename, "tweet_video"
	case strings.HasSuffix(lower, ".gif"):
		return data, filename, "tweet_gif"
	}

	resized, err := resizeTweetImage(data)
	if err != nil {
		return data, filename, "tweet_image"
	}
	return resized, strings.ReplaceAll(filename, ".png", ".jpg"), "tweet_image"
}

func resizeTweetImage(data []byte) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	bounds := src.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width > tweetImageMaxWidth {
		ratio := float64(tweetImageMaxWidth) / float64(width)
		newHeight := int(float64(height) * ratio)
		dst := image.NewRGBA(image.Rect(0, 0, tweetImageMaxWidth, newHeight))
		xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, xdraw.Over, nil)
		src = dst
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, src, &jpeg.Options{Quality: 85}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
