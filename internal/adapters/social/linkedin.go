package social

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"postify/internal/domain"
	"postify/internal/infra/metrics"
)

const (
	linkedinAPIBase = "https://api.linkedin.com"
	linkedinVersion = "202601"

	// Файлы загружаются кусками по 2 МиБ.
	linkedinChunkSize = 2 * 1024 * 1024
)

// LinkedIn публикует от имени автора через Posts API.
// URN автора берётся из meta токена или из конфигурации.
type LinkedIn struct {
	apiBase    string
	authorURN  string
	httpClient *http.Client
}

var _ domain.Publisher = (*LinkedIn)(nil)

// NewLinkedIn создаёт адаптер.
func NewLinkedIn(defaultAuthorURN string) *LinkedIn {
	return &LinkedIn{
		apiBase:    linkedinAPIBase,
		authorURN:  defaultAuthorURN,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
}

func (l *LinkedIn) authorFor(cred domain.Credential) (string, error) {
	if urn := cred.Meta["author_urn"]; urn != "" {
		return urn, nil
	}
	if l.authorURN != "" {
		return l.authorURN, nil
	}
	return "", errors.New("linkedin не подключён: нет author_urn")
}

func (l *LinkedIn) restHeaders(cred domain.Credential, withJSON bool) http.Header {
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+cred.AccessToken)
	headers.Set("X-Restli-Protocol-Version", "2.0.0")
	headers.Set("LinkedIn-Version", linkedinVersion)
	if withJSON {
		headers.Set("Content-Type", "application/json")
	}
	return headers
}

type initializeUploadResponse struct {
	Value struct {
		UploadURL string `json:"uploadUrl"`
		Image     string `json:"image"`
		Video     string `json:"video"`
		Document  string `json:"document"`
	} `json:"value"`
}

// UploadMedia инициализирует загрузку, заливает файл кусками по 2 МиБ
// и для видео финализирует по etag-ам. Возвращает URN медиа.
func (l *LinkedIn) UploadMedia(ctx context.Context, cred domain.Credential, data []byte, filename string) (string, error) {
	author, err := l.authorFor(cred)
	if err != nil {
		return "", err
	}

	lower := strings.ToLower(filename)
	endpoint := "images"
	switch {
	case strings.HasSuffix(lower, ".mp4"):
		endpoint = "videos"
	case strings.HasSuffix(lower, ".pdf"):
		endpoint = "documents"
	}
	isVideo := endpoint == "videos"

	initRequest := map[string]any{"owner": author}
	if isVideo {
		initRequest["fileSizeBytes"] = len(data)
		initRequest["uploadCaptions"] = false
		initRequest["uploadThumbnail"] = false
	}
	initBody, err := json.Marshal(map[string]any{"initializeUploadRequest": initRequest})
	if err != nil {
		return "", err
	}

	initURL := l.apiBase + "/rest/" + endpoint + "?action=initializeUpload"
	var initResp initializeUploadResponse
	if err := l.doRest(ctx, cred, http.MethodPost, initURL, initBody, "upload_initialize", &initResp); err != nil {
		return "", fmt.Errorf("инициализация загрузки linkedin: %w", err)
	}

	mediaURN := initResp.Value.Image
	if mediaURN == "" {
		mediaURN = initResp.Value.Video
	}
	if mediaURN == "" {
		mediaURN = initResp.Value.Document
	}
	if initResp.Value.UploadURL == "" || mediaURN == "" {
		return "", errors.New("linkedin не вернул uploadUrl или media urn")
	}

	var etags []string
	for offset := 0; offset < len(data); offset += linkedinChunkSize {
		end := offset + linkedinChunkSize
		if end > len(data) {
			end = len(data)
		}
		etag, err := l.uploadChunk(ctx, cred, initResp.Value.UploadURL, data[offset:end], endpoint)
		if err != nil {
			return "", fmt.Errorf("загрузка куска linkedin: %w", err)
		}
		if etag != "" {
			etags = append(etags, etag)
		}
	}

	if isVideo && len(etags) > 0 {
		finalizeBody, err := json.Marshal(map[string]any{
			"finalizeUploadRequest": map[string]any{
				"video":           mediaURN,
				"uploadToken":     "",
				"uploadedPartIds": etags,
			},
		})
		if err != nil {
			return "", err
		}
		finalizeURL := l.apiBase + "/rest/videos?action=finalizeUpload"
		if err := l.doRest(ctx, cred, http.MethodPost, finalizeURL, finalizeBody, "upload_finalize", nil); err != nil {
			return "", fmt.Errorf("финализация видео linkedin: %w", err)
		}
	}

	return mediaURN, nil
}

func (l *LinkedIn) uploadChunk(ctx context.Context, cred domain.Credential, uploadURL string, chunk []byte, endpoint string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, bytes.NewReader(chunk))
	if err != nil {
		return "", err
	}
	req.Header = l.restHeaders(cred, false)
	switch endpoint {
	case "videos":
		req.Header.Set("Content-Type", "application/octet-stream")
	case "documents":
		req.Header.Set("Content-Type", "application/pdf")
	}

	start := time.Now()
	resp, err := l.httpClient.Do(req)
	metrics.ObserveNetworkRequest("linkedin", "upload_chunk", req.URL.Host, start, err)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", newAPIError("linkedin", resp)
	}
	return resp.Header.Get("etag"), nil
}

// Publish создаёт пост с экранированной разметкой little text.
func (l *LinkedIn) Publish(ctx context.Context, cred domain.Credential, content string, mediaRefs []string) (domain.PublishResult, error) {
	author, err := l.authorFor(cred)
	if err != nil {
		return domain.PublishResult{}, err
	}

	body := map[string]any{
		"author":     author,
		"commentary": escapeLittleText(content),
		"visibility": "PUBLIC",
		"distribution": map[string]any{
			"feedDistribution":               "MAIN_FEED",
			"targetEntities":                 []any{},
			"thirdPartyDistributionChannels": []any{},
		},
		"lifecycleState":            "PUBLISHED",
		"isReshareDisabledByAuthor": false,
	}
	if postContent := linkedinContent(mediaRefs); postContent != nil {
		body["content"] = postContent
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return domain.PublishResult{}, err
	}

	postsURL := l.apiBase + "/rest/posts"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, postsURL, bytes.NewReader(payload))
	if err != nil {
		return domain.PublishResult{}, err
	}
	req.Header = l.restHeaders(cred, true)

	start := time.Now()
	resp, err := l.httpClient.Do(req)
	metrics.ObserveNetworkRequest("linkedin", "post_create", req.URL.Host, start, err)
	if err != nil {
		return domain.PublishResult{}, fmt.Errorf("публикация в linkedin: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return domain.PublishResult{}, fmt.Errorf("публикация в linkedin: %w", newAPIError("linkedin", resp))
	}

	restliID := resp.Header.Get("x-restli-id")
	if restliID == "" {
		return domain.PublishResult{}, errors.New("linkedin не вернул x-restli-id")
	}
	return domain.PublishResult{
		ExternalID: restliID,
		URL:        "https://www.linkedin.com/feed/update/" + restliID,
	}, nil
}

// linkedinContent собирает блок content поста по ссылкам на медиа.
func linkedinContent(mediaRefs []string) map[string]any {
	switch {
	case len(mediaRefs) == 0:
		return nil
	case len(mediaRefs) == 1:
		media := map[string]any{"id": mediaRefs[0]}
		if strings.HasPrefix(mediaRefs[0], "urn:li:document") {
			media["title"] = "Document"
		}
		return map[string]any{"media": media}
	default:
		images := make([]map[string]any, 0, len(mediaRefs))
		for _, urn := range mediaRefs {
			images = append(images, map[string]any{"id": urn})
		}
		return map[string]any{"multiImage": map[string]any{"images": images}}
	}
}

func (l *LinkedIn) doRest(ctx context.Context, cred domain.Credential, method, rawURL string, body []byte, op string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header = l.restHeaders(cred, true)

	start := time.Now()
	resp, err := l.httpClient.Do(req)
	metrics.ObserveNetworkRequest("linkedin", op, req.URL.Host, start, err)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return newAPIError("linkedin", resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("разбор ответа linkedin: %w", err)
	}
	return nil
}

var linkedinErrorRules = []errorRule{
	{"expired_access_token", "Your LinkedIn access has expired. Please re-authenticate your account."},
	{"revoked_access_token", "Your LinkedIn access has been revoked. Please re-authenticate your account."},
	{"duplicate", "You have already posted this content on LinkedIn."},
	{"access to posting is restricted", "Posting is restricted for this LinkedIn account."},
}

// ClassifyError переводит ошибку LinkedIn в понятное сообщение.
func (l *LinkedIn) ClassifyError(err error) string {
	return classify(err, linkedinErrorRules, "LinkedIn posting failed. Please try again.")
}

// mentionPattern находит упоминания организаций, которые не экранируются.
var mentionPattern = regexp.MustCompile(`@\[.+?\]\(urn:li:organization.+?\)`)

var littleTextReplacer = strings.NewReplacer(
	`\`, `\\`,
	"<", `\<`,
	">", `\>`,
	"#", `\#`,
	"~", `\~`,
	"_", `\_`,
	"|", `\|`,
	"[", `\[`,
	"]", `\]`,
	"*", `\*`,
	"(", `\(`,
	")", `\)`,
	"{", `\{`,
	"}", `\}`,
	"@", `\@`,
)

// escapeLittleText экранирует спецсимволы разметки little text,
// не трогая упоминания вида @[Name](urn:li:organization:123).
func escapeLittleText(text string) string {
	mentions := mentionPattern.FindAllString(text, -1)
	parts := mentionPattern.Split(text, -1)

	var b strings.Builder
	for i, part := range parts {
		b.WriteString(littleTextReplacer.Replace(part))
		if i < len(mentions) {
			b.WriteString(mentions[i])
		}
	}
	return b.String()
}
