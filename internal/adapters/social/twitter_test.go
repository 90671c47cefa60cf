package social

import (
	"bytes"
	"image"
	"image/jpeg"
	"image/png"
	"net/url"
	"testing"
	"time"
)

// Вектор из документации Twitter «Creating a signature».
func TestOAuth1Signature(t *testing.T) {
	signer := newOAuth1Signer("xvz1evFS4wEEPTGEFPHBog", "kAcSOqF21Fu85e7zjz7ZN2U4ZRhfV3WpwPAoE3Z7kBw")

	form := url.Values{}
	form.Set("status", "Hello Ladies + Gentlemen, a signed OAuth request!")

	oauthParams := map[string]string{
		"oauth_consumer_key":     "xvz1evFS4wEEPTGEFPHBog",
		"oauth_nonce":            "kYjzVBB8Y0ZFabxSWbWovY3uYSQ2pTgmZeNu2VS4cg",
		"oauth_signature_method": "HMAC-SHA1",
		"oauth_timestamp":        "1318622958",
		"oauth_token":            "370773112-GmHxMAgYyLbNEtIKZeRNFsMKPR9EyMZeS9weJAEb",
		"oauth_version":          "1.0",
	}

	signature, err := signer.sign(
		"POST",
		"https://api.twitter.com/1.1/statuses/update.json?include_entities=true",
		form,
		oauthParams,
		"LswwdoUaIvS8ltyTt5jkRh4J50vUPVVHtR2YPi5kE",
	)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if signature != "hCtSmYh+iHYCEqBWrE7C7hYmtUk=" {
		t.Fatalf("неверная подпись: %q", signature)
	}
}

func TestOAuth1AuthorizationHeader(t *testing.T) {
	signer := newOAuth1Signer("key", "secret")
	signer.nonce = func() (string, error) { return "fixednonce", nil }
	signer.now = func() time.Time { return time.Unix(1700000000, 0) }

	header, err := signer.authorizationHeader("POST", "https://api.twitter.com/oauth/request_token", nil, "", "", map[string]string{
		"oauth_callback": "https://example.com/cb?state=abc",
	})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !bytes.HasPrefix([]byte(header), []byte("OAuth ")) {
		t.Fatalf("заголовок должен начинаться с OAuth: %q", header)
	}
	for _, part := range []string{
		`oauth_callback="https%3A%2F%2Fexample.com%2Fcb%3Fstate%3Dabc"`,
		`oauth_consumer_key="key"`,
		`oauth_nonce="fixednonce"`,
		`oauth_signature_method="HMAC-SHA1"`,
		`oauth_timestamp="1700000000"`,
		`oauth_signature=`,
	} {
		if !bytes.Contains([]byte(header), []byte(part)) {
			t.Fatalf("в заголовке нет %q: %q", part, header)
		}
	}
}

func TestRFC3986Encode(t *testing.T) {
	if got := rfc3986Encode("Ladies + Gentlemen"); got != "Ladies%20%2B%20Gentlemen" {
		t.Fatalf("неверное кодирование: %q", got)
	}
	if got := rfc3986Encode("safe-._~AZaz09"); got != "safe-._~AZaz09" {
		t.Fatalf("безопасные символы не должны кодироваться: %q", got)
	}
}

func TestPrepareTweetMediaResizesWideImage(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 2000, 1000))
	var buf bytes.Buffer
	if err := png.Encode(&buf, src); err != nil {
		t.Fatalf("подготовка картинки: %v", err)
	}

	payload, name, category := prepareTweetMedia(buf.Bytes(), "blog_abc.png")
	if category != "tweet_image" {
		t.Fatalf("ожидали tweet_image, получили %q", category)
	}
	if name != "blog_abc.jpg" {
		t.Fatalf("имя должно смениться на .jpg: %q", name)
	}

	decoded, err := jpeg.Decode(bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("результат должен быть JPEG: %v", err)
	}
	bounds := decoded.Bounds()
	if bounds.Dx() != tweetImageMaxWidth || bounds.Dy() != 500 {
		t.Fatalf("неверный размер после ужатия: %v", bounds)
	}
}

func TestPrepareTweetMediaPassesVideoThrough(t *testing.T) {
	data := []byte{0, 1, 2, 3}
	payload, name, category := prepareTweetMedia(data, "clip.mp4")
	if category != "tweet_video" || name != "clip.mp4" || !bytes.Equal(payload, data) {
		t.Fatalf("видео должно уходить без изменений: %q %q", name, category)
	}
}

func TestPrepareTweetMediaKeepsUndecodableBytes(t *testing.T) {
	data := []byte("не картинка")
	payload, _, category := prepareTweetMedia(data, "broken.png")
	if category != "tweet_image" || !bytes.Equal(payload, data) {
		t.Fatalf("нечитаемые байты должны уходить как есть")
	}
}
