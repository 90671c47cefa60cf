package renderer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"postify/internal/infra/metrics"
)

const replicateAPIURL = "https://api.replicate.com/v1/predictions"

// Replicate генерирует фоновое изображение через Replicate SDXL.
// Пустой токен или версия модели означают, что провайдер выключен.
type Replicate struct {
	token        string
	modelVersion string
	pollAttempts int
	pollDelay    time.Duration
	httpClient   *http.Client
}

// NewReplicate создаёт провайдер фона.
func NewReplicate(token, modelVersion string, pollAttempts int, pollDelay time.Duration) *Replicate {
	if pollAttempts <= 0 {
		pollAttempts = 30
	}
	if pollDelay <= 0 {
		pollDelay = 2 * time.Second
	}
	return &Replicate{
		token:        token,
		modelVersion: modelVersion,
		pollAttempts: pollAttempts,
		pollDelay:    pollDelay,
		httpClient:   &http.Client{Timeout: 60 * time.Second},
	}
}

// Name возвращает имя провайдера для метаданных ассета.
func (r *Replicate) Name() string { return "replicate" }

type predictionRequest struct {
	Version string          `json:"version"`
	Input   predictionInput `json:"input"`
}

type predictionInput struct {
	Prompt     string `json:"prompt"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	NumOutputs int    `json:"num_outputs"`
}

type prediction struct {
	Status string   `json:"status"`
	Output []string `json:"output"`
	URLs   struct {
		Get string `json:"get"`
	} `json:"urls"`
}

// Generate запускает предсказание и опрашивает его до готовности.
// Возвращает nil без ошибки, если провайдер выключен или генерация
// не удалась: вызывающий код уходит в градиентный фолбэк.
func (r *Replicate) Generate(ctx context.Context, prompt string) ([]byte, error) {
	if r.token == "" || r.modelVersion == "" {
		return nil, nil
	}

	body, err := json.Marshal(predictionRequest{
		Version: r.modelVersion,
		Input:   predictionInput{Prompt: prompt, Width: 1080, Height: 1350, NumOutputs: 1},
	})
	if err != nil {
		return nil, err
	}

	created, err := r.doJSON(ctx, http.MethodPost, replicateAPIURL, body, "prediction_create")
	if err != nil {
		return nil, fmt.Errorf("создание предсказания: %w", err)
	}
	if created.URLs.Get == "" {
		return nil, nil
	}

	for attempt := 0; attempt < r.pollAttempts; attempt++ {
		pred, err := r.doJSON(ctx, http.MethodGet, created.URLs.Get, nil, "prediction_get")
		if err != nil {
			return nil, fmt.Errorf("опрос предсказания: %w", err)
		}
		switch pred.Status {
		case "succeeded":
			if len(pred.Output) == 0 {
				return nil, nil
			}
			return r.download(ctx, pred.Output[0])
		case "failed", "canceled":
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.pollDelay):
		}
	}
	return nil, nil
}

func (r *Replicate) doJSON(ctx context.Context, method, url string, body []byte, op string) (prediction, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return prediction{}, err
	}
	req.Header.Set("Authorization", "Token "+r.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := r.httpClient.Do(req)
	metrics.ObserveNetworkRequest("replicate", op, "api.replicate.com", start, err)
	if err != nil {
		return prediction{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return prediction{}, fmt.Errorf("replicate: статус %d: %s", resp.StatusCode, payload)
	}
	var pred prediction
	if err := json.NewDecoder(resp.Body).Decode(&pred); err != nil {
		return prediction{}, fmt.Errorf("разбор ответа replicate: %w", err)
	}
	return pred, nil
}

func (r *Replicate) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	resp, err := r.httpClient.Do(req)
	metrics.ObserveNetworkRequest("replicate", "image_download", "replicate.delivery", start, err)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("replicate: загрузка изображения, статус %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
