package social

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

// oauth1Signer подписывает запросы по OAuth 1.0a (HMAC-SHA1).
// Twitter API v1.1 принимает только такую схему.
type oauth1Signer struct {
	consumerKey    string
	consumerSecret string

	// переопределяются в тестах
	nonce func() (string, error)
	now   func() time.Time
}

func newOAuth1Signer(consumerKey, consumerSecret string) oauth1Signer {
	return oauth1Signer{
		consumerKey:    consumerKey,
		consumerSecret: consumerSecret,
		nonce:          randomNonce,
		now:            time.Now,
	}
}

func randomNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// authorizationHeader строит заголовок Authorization для запроса.
// form — параметры тела application/x-www-form-urlencoded (для multipart
// передаётся nil: тело в подпись не входит). extra — дополнительные
// oauth-параметры (oauth_callback, oauth_verifier).
func (s oauth1Signer) authorizationHeader(method, rawURL string, form url.Values, token, tokenSecret string, extra map[string]string) (string, error) {
	nonce, err := s.nonce()
	if err != nil {
		return "", err
	}

	oauthParams := map[string]string{
		"oauth_consumer_key":     s.consumerKey,
		"oauth_nonce":            nonce,
		"oauth_signature_method": "HMAC-SHA1",
		"oauth_timestamp":        fmt.Sprintf("%d", s.now().Unix()),
		"oauth_version":          "1.0",
	}
	if token != "" {
		oauthParams["oauth_token"] = token
	}
	for key, value := range extra {
		oauthParams[key] = value
	}

	signature, err := s.sign(method, rawURL, form, oauthParams, tokenSecret)
	if err != nil {
		return "", err
	}
	oauthParams["oauth_signature"] = signature

	keys := make([]string, 0, len(oauthParams))
	for key := range oauthParams {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, fmt.Sprintf("%s=%q", rfc3986Encode(key), rfc3986Encode(oauthParams[key])))
	}
	return "OAuth " + strings.Join(parts, ", "), nil
}

// sign считает подпись по базовой строке из метода, URL без query
// и отсортированных параметров (oauth + query + form).
func (s oauth1Signer) sign(method, rawURL string, form url.Values, oauthParams map[string]string, tokenSecret string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}

	type pair struct{ key, value string }
	var pairs []pair
	for key, value := range oauthParams {
		pairs = append(pairs, pair{rfc3986Encode(key), rfc3986Encode(value)})
	}
	for key, values := range parsed.Query() {
		for _, value := range values {
			pairs = append(pairs, pair{rfc3986Encode(key), rfc3986Encode(value)})
		}
	}
	for key, values := range form {
		for _, value := range values {
			pairs = append(pairs, pair{rfc3986Encode(key), rfc3986Encode(value)})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].key != pairs[j].key {
			return pairs[i].key < pairs[j].key
		}
		return pairs[i].value < pairs[j].value
	})

	encoded := make([]string, 0, len(pairs))
	for _, p := range pairs {
		encoded = append(encoded, p.key+"="+p.value)
	}
	paramString := strings.Join(encoded, "&")

	baseURL := parsed.Scheme + "://" + parsed.Host + parsed.Path
	base := strings.ToUpper(method) + "&" + rfc3986Encode(baseURL) + "&" + rfc3986Encode(paramString)

	key := rfc3986Encode(s.consumerSecret) + "&" + rfc3986Encode(tokenSecret)
	mac := hmac.New(sha1.New, []byte(key))
	mac.Write([]byte(base))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// rfc3986Encode кодирует строку строго по RFC 3986: без экранирования
// остаются только буквы, цифры и "-._~".
func rfc3986Encode(s string) string {
	var b strings.Builder
	for _, c := range []byte(s) {
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9',
			c == '-', c == '.', c == '_', c == '~':
			b.WriteByte(c)
		default:
			b.WriteString(fmt.Sprintf("%%%02X", c))
		}
	}
	return b.String()
}
