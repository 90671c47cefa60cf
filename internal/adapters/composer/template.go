package composer

import (
	"context"
	"fmt"

	"postify/internal/domain"
)

// Template реализует CaptionComposer детерминированными шаблонами.
// Используется как запасной вариант, когда LLM недоступна.
type Template struct{}

// NewTemplate создаёт шаблонный композер.
func NewTemplate() *Template {
	return &Template{}
}

// Compose собирает подписи для всех платформ из полей статьи.
func (t *Template) Compose(_ context.Context, article domain.Article) (domain.CaptionSet, error) {
	long := fmt.Sprintf("%s\n\n%s\n\nRead: %s", article.Title, article.Excerpt, article.URL)
	short := fmt.Sprintf("%s\n\n%s", article.Title, article.URL)
	return domain.CaptionSet{
		domain.PlatformInstagram: {Text: long, Hashtags: []string{"#blog", "#marketing"}},
		domain.PlatformFacebook:  {Text: long, Hashtags: []string{"#blog"}},
		domain.PlatformTwitter:   {Text: short, Hashtags: []string{"#marketing"}},
		domain.PlatformLinkedIn:  {Text: long, Hashtags: []string{"#marketing"}},
	}, nil
}
