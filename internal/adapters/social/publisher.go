package social

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"postify/internal/domain"
	"postify/internal/infra/metrics"
)

// Registry сопоставляет платформе её адаптер публикации.
type Registry map[domain.Platform]domain.Publisher

// For возвращает адаптер платформы.
func (r Registry) For(platform domain.Platform) (domain.Publisher, error) {
	pub, ok := r[platform]
	if !ok {
		return nil, fmt.Errorf("неизвестная платформа %q", platform)
	}
	return pub, nil
}

// errorRule — правило перевода сырой ошибки платформы в сообщение
// для пользователя. Правила проверяются по порядку.
type errorRule struct {
	match   string
	message string
}

func classify(err error, rules []errorRule, fallback string) string {
	if err == nil {
		return ""
	}
	text := strings.ToLower(err.Error())
	for _, rule := range rules {
		if strings.Contains(text, rule.match) {
			return rule.message
		}
	}
	return fallback
}

// apiError сохраняет тело ответа платформы: по нему работает классификация.
type apiError struct {
	platform string
	status   int
	body     string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s: статус %d: %s", e.platform, e.status, e.body)
}

func newAPIError(platform string, resp *http.Response) error {
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
	return &apiError{platform: platform, status: resp.StatusCode, body: string(payload)}
}

func postForm(ctx context.Context, client *http.Client, platform, op, rawURL string, form url.Values) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return doJSON(client, platform, op, req)
}

func getJSON(ctx context.Context, client *http.Client, platform, op, rawURL string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return doJSON(client, platform, op, req)
}

func doJSON(client *http.Client, platform, op string, req *http.Request) (map[string]any, error) {
	start := time.Now()
	resp, err := client.Do(req)
	metrics.ObserveNetworkRequest(platform, op, req.URL.Host, start, err)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, newAPIError(platform, resp)
	}
	var data map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("%s: разбор ответа: %w", platform, err)
	}
	return data, nil
}

// multipartUpload собирает multipart-тело с файлом и полями формы.
func multipartUpload(fileField, filename string, data []byte, fields map[string]string) (body *bytes.Buffer, contentType string, err error) {
	buf := &bytes.Buffer{}
	writer := multipart.NewWriter(buf)
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return nil, "", err
		}
	}
	part, err := writer.CreateFormFile(fileField, filename)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return buf, writer.FormDataContentType(), nil
}

func stringField(data map[string]any, key string) string {
	value, ok := data[key]
	if !ok {
		return ""
	}
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	case json.Number:
		return v.String()
	}
	return fmt.Sprintf("%v", value)
}
