package domain

import (
	"context"
	"time"
)

// GenerationCause описывает источник запроса на генерацию.
type GenerationCause string

const (
	// GenerationCauseWebhook — статья пришла через вебхук сайта.
	GenerationCauseWebhook GenerationCause = "webhook"
	// GenerationCauseManual — генерацию запросили вручную.
	GenerationCauseManual GenerationCause = "manual"
)

// GenerationJob содержит информацию о задаче генерации контента по статье.
type GenerationJob struct {
	ArticleID   int64           `json:"article_id"`
	UserID      string          `json:"user_id"`
	RequestedAt time.Time       `json:"requested_at"`
	Cause       GenerationCause `json:"cause"`
}

// GenerationQueue описывает очередь задач генерации.
type GenerationQueue interface {
	Enqueue(ctx context.Context, job GenerationJob) error
	Receive(ctx context.Context) (GenerationJob, GenerationAckFunc, error)
}

// GenerationAckFunc подтверждает обработку или возвращает задачу в очередь.
type GenerationAckFunc func(success bool) error
