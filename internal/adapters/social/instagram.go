package social

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"postify/internal/domain"
)

// Instagram публикует через Instagram Graph API. Контейнер создаётся по
// публичному URL картинки (Graph API скачивает её сам), затем публикуется
// через media_publish.
type Instagram struct {
	graphBase     string
	publicBaseURL string
	igUserID      string
	httpClient    *http.Client
}

var _ domain.Publisher = (*Instagram)(nil)

// NewInstagram создаёт адаптер. publicBaseURL — внешний адрес сервиса,
// по которому платформа скачает картинку из /uploads.
func NewInstagram(graphBase, publicBaseURL, defaultIGUserID string) *Instagram {
	if graphBase == "" {
		graphBase = defaultGraphBase
	}
	return &Instagram{
		graphBase:     graphBase,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		igUserID:      defaultIGUserID,
		httpClient:    &http.Client{Timeout: 60 * time.Second},
	}
}

func (i *Instagram) userFor(cred domain.Credential) (string, error) {
	if id := cred.Meta["ig_user_id"]; id != "" {
		return id, nil
	}
	if i.igUserID != "" {
		return i.igUserID, nil
	}
	return "", errors.New("instagram не подключён: нет ig_user_id")
}

// UploadMedia создаёт контейнер изображения и возвращает его id.
// Байты картинки не отправляются: Graph API забирает файл по публичному URL.
func (i *Instagram) UploadMedia(ctx context.Context, cred domain.Credential, _ []byte, filename string) (string, error) {
	igUserID, err := i.userFor(cred)
	if err != nil {
		return "", err
	}
	if i.publicBaseURL == "" {
		return "", errors.New("не задан публичный адрес сервиса для instagram")
	}

	form := url.Values{}
	form.Set("image_url", i.publicBaseURL+"/uploads/"+filename)
	form.Set("access_token", cred.AccessToken)

	resp, err := postForm(ctx, i.httpClient, "instagram", "media_container", i.graphBase+"/"+igUserID+"/media", form)
	if err != nil {
		return "", fmt.Errorf("создание контейнера instagram: %w", err)
	}
	containerID := stringField(resp, "id")
	if containerID == "" {
		return "", errors.New("instagram не вернул id контейнера")
	}
	return containerID, nil
}

// Publish публикует контейнер с подписью. Instagram требует картинку:
// без mediaRefs публикация невозможна.
func (i *Instagram) Publish(ctx context.Context, cred domain.Credential, content string, mediaRefs []string) (domain.PublishResult, error) {
	if len(mediaRefs) == 0 {
		return domain.PublishResult{}, errors.New("instagram requires at least one attachment")
	}
	igUserID, err := i.userFor(cred)
	if err != nil {
		return domain.PublishResult{}, err
	}

	containerID := mediaRefs[0]
	if len(mediaRefs) > 1 {
		containerID, err = i.createCarousel(ctx, cred, igUserID, mediaRefs, content)
		if err != nil {
			return domain.PublishResult{}, err
		}
	}

	form := url.Values{}
	form.Set("creation_id", containerID)
	form.Set("caption", content)
	form.Set("access_token", cred.AccessToken)

	resp, err := postForm(ctx, i.httpClient, "instagram", "media_publish", i.graphBase+"/"+igUserID+"/media_publish", form)
	if err != nil {
		return domain.PublishResult{}, fmt.Errorf("публикация в instagram: %w", err)
	}
	mediaID := stringField(resp, "id")
	if mediaID == "" {
		return domain.PublishResult{}, errors.New("instagram не вернул id публикации")
	}

	permalink := i.permalink(ctx, cred, mediaID)
	return domain.PublishResult{ExternalID: mediaID, URL: permalink}, nil
}

// createCarousel собирает контейнер-карусель из дочерних контейнеров.
func (i *Instagram) createCarousel(ctx context.Context, cred domain.Credential, igUserID string, children []string, caption string) (string, error) {
	form := url.Values{}
	form.Set("media_type", "CAROUSEL")
	form.Set("children", strings.Join(children, ","))
	form.Set("caption", caption)
	form.Set("access_token", cred.AccessToken)

	resp, err := postForm(ctx, i.httpClient, "instagram", "carousel_container", i.graphBase+"/"+igUserID+"/media", form)
	if err != nil {
		return "", fmt.Errorf("создание карусели instagram: %w", err)
	}
	carouselID := stringField(resp, "id")
	if carouselID == "" {
		return "", errors.New("instagram не вернул id карусели")
	}
	return carouselID, nil
}

// permalink запрашивает постоянную ссылку публикации. Ошибка не фатальна.
func (i *Instagram) permalink(ctx context.Context, cred domain.Credential, mediaID string) string {
	query := url.Values{}
	query.Set("fields", "permalink")
	query.Set("access_token", cred.AccessToken)
	resp, err := getJSON(ctx, i.httpClient, "instagram", "permalink_get", i.graphBase+"/"+mediaID+"?"+query.Encode())
	if err != nil {
		return ""
	}
	return stringField(resp, "permalink")
}

var instagramErrorRules = []errorRule{
	{"the user is not an instagram business", "Your Instagram account is not a business account. Please convert it to a business account."},
	{"revoked_access_token", "Your Instagram access has expired. Please re-authenticate your account."},
	{"session has been invalidated", "Please re-authenticate your Instagram account."},
	{"2207003", "Timeout downloading media. Please try again."},
	{"2207020", "Media expired. Please upload again."},
	{"2207032", "Failed to create media. Please try again."},
	{"2207053", "Invalid thumbnail offset for video."},
	{"2207026", "Unsupported video format."},
	{"2207023", "Unknown media type."},
	{"2207004", "Image is too large. Maximum size is 30MB."},
	{"2207005", "Unsupported image format. Use JPEG or PNG."},
	{"2207009", "Aspect ratio not supported. Must be between 4:5 to 1.91:1."},
	{"2207028", "Carousel validation failed. Please check your media items."},
	{"2207010", "Caption is too long. Maximum is 2200 characters."},
	{"page request limit reached", "Page posting for today is limited. Please try again tomorrow."},
	{"2207042", "You have reached the maximum of 25 posts per day for your account."},
	{"not enough permissions to post", "Not enough permissions to post. Please re-authenticate with all permissions."},
	{"190", "The account is missing some permissions. Please re-add account and allow all permissions."},
	{"36001", "Invalid Instagram image resolution. Maximum is 1920x1080px."},
	{"an unknown error occurred", "An unknown error occurred. Please try again later."},
	{"2207051", "Instagram blocked your request. Please try again later."},
	{"2207001", "Instagram detected that your post is spam. Please try again with different content."},
	{"2207027", "Unknown error. Please try again later or contact support."},
}

// ClassifyError переводит ошибку Instagram Graph API в понятное сообщение.
func (i *Instagram) ClassifyError(err error) string {
	return classify(err, instagramErrorRules, "Instagram posting failed. Please try again.")
}
