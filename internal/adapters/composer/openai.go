package composer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"postify/internal/domain"
	openai "postify/internal/infra/openai"
)

type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAI реализует CaptionComposer через OpenAI Chat Completions.
type OpenAI struct {
	client  chatClient
	model   string
	brand   string
	timeout time.Duration
}

// NewOpenAI создаёт LLM-композер.
func NewOpenAI(client chatClient, model, brand string, timeout time.Duration) *OpenAI {
	if model == "" {
		model = "gpt-4o-mini"
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OpenAI{client: client, model: model, brand: brand, timeout: timeout}
}

type composePrompt struct {
	Brand        string         `json:"brand"`
	Title        string         `json:"title"`
	URL          string         `json:"url"`
	Excerpt      string         `json:"excerpt"`
	Tags         []string       `json:"tags"`
	Rules        []string       `json:"rules"`
	OutputSchema map[string]any `json:"output_schema"`
}

func captionSchema() map[string]any {
	entry := map[string]any{"caption": "string", "hashtags": []string{"string"}}
	return map[string]any{
		"instagram": entry,
		"facebook":  entry,
		"twitter":   entry,
		"linkedin":  entry,
	}
}

// Compose просит модель собрать подписи для всех платформ одним запросом.
// Ответ должен содержать все четыре платформы, иначе возвращается ошибка
// и вызывающий код уходит в шаблонный композер.
func (o *OpenAI) Compose(ctx context.Context, article domain.Article) (domain.CaptionSet, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	prompt := composePrompt{
		Brand:   o.brand,
		Title:   article.Title,
		URL:     article.URL,
		Excerpt: article.Excerpt,
		Tags:    article.Tags,
		Rules: []string{
			"Do not invent facts or statistics.",
			"Keep X (Twitter) concise and high-engagement.",
			"Return JSON only.",
		},
		OutputSchema: captionSchema(),
	}
	payload, err := json.Marshal(prompt)
	if err != nil {
		return nil, fmt.Errorf("сериализация промпта: %w", err)
	}

	req := openai.ChatCompletionRequest{
		Model:       o.model,
		Temperature: 0.7,
		Messages: []openai.ChatMessage{
			{Role: openai.RoleSystem, Content: "You are a social media strategist."},
			{Role: openai.RoleUser, Content: string(payload)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ResponseFormatTypeJSONObject},
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai completion: пустой ответ")
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	var parsed map[domain.Platform]domain.Caption
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return nil, fmt.Errorf("распаковка ответа LLM: %w", err)
	}

	set := domain.CaptionSet{}
	for _, platform := range domain.AllPlatforms() {
		caption, ok := parsed[platform]
		if !ok || strings.TrimSpace(caption.Text) == "" {
			return nil, fmt.Errorf("в ответе LLM нет подписи для %s", platform)
		}
		caption.Text = strings.TrimSpace(caption.Text)
		caption.Hashtags = filterHashtags(caption.Hashtags)
		set[platform] = caption
	}
	return set, nil
}

func filterHashtags(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			continue
		}
		if !strings.HasPrefix(trimmed, "#") {
			trimmed = "#" + trimmed
		}
		out = append(out, trimmed)
	}
	return out
}
