package social

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"postify/internal/domain"
)

const defaultGraphBase = "https://graph.facebook.com/v19.0"

// Facebook публикует на страницу через Graph API. Токен в credential —
// страничный, page_id берётся из meta токена или из конфигурации.
type Facebook struct {
	graphBase  string
	pageID     string
	httpClient *http.Client
}

var _ domain.Publisher = (*Facebook)(nil)

// NewFacebook создаёт адаптер. defaultPageID используется, когда
// в meta токена нет page_id.
func NewFacebook(graphBase, defaultPageID string) *Facebook {
	if graphBase == "" {
		graphBase = defaultGraphBase
	}
	return &Facebook{
		graphBase:  graphBase,
		pageID:     defaultPageID,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
}

func (f *Facebook) pageFor(cred domain.Credential) (string, error) {
	if id := cred.Meta["page_id"]; id != "" {
		return id, nil
	}
	if f.pageID != "" {
		return f.pageID, nil
	}
	return "", errors.New("facebook не подключён: нет page_id")
}

// UploadMedia загружает фото или видео страницы без публикации и
// возвращает media id. Видео определяется по расширению .mp4.
func (f *Facebook) UploadMedia(ctx context.Context, cred domain.Credential, data []byte, filename string) (string, error) {
	pageID, err := f.pageFor(cred)
	if err != nil {
		return "", err
	}

	fields := map[string]string{
		"published":    "false",
		"access_token": cred.AccessToken,
	}
	endpoint, op := "/photos", "photo_upload"
	if strings.HasSuffix(strings.ToLower(filename), ".mp4") {
		endpoint, op = "/videos", "video_upload"
		fields["description"] = ""
	}

	body, contentType, err := multipartUpload("source", filename, data, fields)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.graphBase+"/"+pageID+endpoint, body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := doJSON(f.httpClient, "facebook", op, req)
	if err != nil {
		return "", fmt.Errorf("загрузка медиа в facebook: %w", err)
	}
	mediaID := stringField(resp, "id")
	if mediaID == "" {
		return "", errors.New("facebook не вернул id медиа")
	}
	return mediaID, nil
}

// Publish создаёт пост в ленте страницы, с фото или текстовый.
func (f *Facebook) Publish(ctx context.Context, cred domain.Credential, content string, mediaRefs []string) (domain.PublishResult, error) {
	pageID, err := f.pageFor(cred)
	if err != nil {
		return domain.PublishResult{}, err
	}

	form := url.Values{}
	form.Set("message", content)
	form.Set("access_token", cred.AccessToken)
	for i, mediaID := range mediaRefs {
		attachment, err := json.Marshal(map[string]string{"media_fbid": mediaID})
		if err != nil {
			return domain.PublishResult{}, err
		}
		form.Set(fmt.Sprintf("attached_media[%d]", i), string(attachment))
	}
	if len(mediaRefs) > 0 {
		form.Set("published", "true")
	}

	resp, err := postForm(ctx, f.httpClient, "facebook", "feed_post", f.graphBase+"/"+pageID+"/feed", form)
	if err != nil {
		return domain.PublishResult{}, fmt.Errorf("публикация в facebook: %w", err)
	}
	postID := stringField(resp, "id")
	if postID == "" {
		return domain.PublishResult{}, errors.New("facebook не вернул id поста")
	}
	return domain.PublishResult{ExternalID: postID, URL: stringField(resp, "permalink_url")}, nil
}

var facebookErrorRules = []errorRule{
	{"error validating access token", "Please re-authenticate your Facebook account."},
	{"490", "Access token expired, please re-authenticate."},
	{"revoked_access_token", "Access token has been revoked, please re-authenticate."},
	{"1366046", "Photos should be smaller than 4 MB and saved as JPG, PNG."},
	{"1390008", "You are posting too fast, please slow down."},
	{"1346003", "Content flagged as abusive by Facebook."},
	{"1404006", "Security check required by Facebook. Please try again later."},
	{"1404102", "Content violates Facebook Community Standards."},
	{"1404078", "Page publishing authorization required, please re-authenticate."},
	{"1609008", "Cannot post Facebook.com links."},
	{"2061006", "Invalid URL format in post content."},
	{"1349125", "Invalid content format."},
	{"1404112", "Account temporarily limited for security reasons. Please try again later."},
	{"name parameter too long", "Post content is too long. Maximum is 63,206 characters."},
	{"1363047", "Facebook service temporarily unavailable. Please try again later."},
	{"1609010", "Facebook service temporarily unavailable. Please try again later."},
}

// ClassifyError переводит ошибку Graph API в понятное сообщение.
func (f *Facebook) ClassifyError(err error) string {
	return classify(err, facebookErrorRules, "Facebook posting failed. Please try again.")
}
