package social

import (
	"errors"
	"testing"
)

func TestFacebookClassifyError(t *testing.T) {
	fb := NewFacebook("", "page")
	cases := []struct {
		raw  string
		want string
	}{
		{"Error validating access token: session expired", "Please re-authenticate your Facebook account."},
		{`{"error":{"code":1366046}}`, "Photos should be smaller than 4 MB and saved as JPG, PNG."},
		{`{"error":{"code":1390008}}`, "You are posting too fast, please slow down."},
		{"subcode 1609010", "Facebook service temporarily unavailable. Please try again later."},
		{"что-то совсем другое", "Facebook posting failed. Please try again."},
	}
	for _, tc := range cases {
		if got := fb.ClassifyError(errors.New(tc.raw)); got != tc.want {
			t.Fatalf("%q: ожидали %q, получили %q", tc.raw, tc.want, got)
		}
	}
	if fb.ClassifyError(nil) != "" {
		t.Fatalf("nil не должен классифицироваться")
	}
}

func TestInstagramClassifyError(t *testing.T) {
	ig := NewInstagram("", "https://example.com", "ig")
	cases := []struct {
		raw  string
		want string
	}{
		{"The user is not an Instagram Business account", "Your Instagram account is not a business account. Please convert it to a business account."},
		{"error_subcode 2207010", "Caption is too long. Maximum is 2200 characters."},
		{"error_subcode 2207042", "You have reached the maximum of 25 posts per day for your account."},
		{"code 190 token", "The account is missing some permissions. Please re-add account and allow all permissions."},
		{"непонятная ошибка", "Instagram posting failed. Please try again."},
	}
	for _, tc := range cases {
		if got := ig.ClassifyError(errors.New(tc.raw)); got != tc.want {
			t.Fatalf("%q: ожидали %q, получили %q", tc.raw, tc.want, got)
		}
	}
}

func TestInstagramClassifyOrder(t *testing.T) {
	ig := NewInstagram("", "https://example.com", "ig")
	// 2207003 содержит подстроку нескольких кодов: побеждает первое правило.
	got := ig.ClassifyError(errors.New("subcode 2207003"))
	if got != "Timeout downloading media. Please try again." {
		t.Fatalf("ожидали правило таймаута, получили %q", got)
	}
}

func TestTwitterClassifyError(t *testing.T) {
	tw := NewTwitter("key", "secret")
	cases := []struct {
		raw  string
		want string
	}{
		{"Status is a duplicate", "You have already posted this content. Please wait before posting again."},
		{"usage-capped: monthly limit", "Twitter posting limit reached. Please try again later."},
		{"tweet contains invalid URL", "The tweet contains a URL that is not allowed on X."},
	}
	for _, tc := range cases {
		if got := tw.ClassifyError(errors.New(tc.raw)); got != tc.want {
			t.Fatalf("%q: ожидали %q, получили %q", tc.raw, tc.want, got)
		}
	}
	// Неизвестная ошибка сохраняет исходный текст.
	got := tw.ClassifyError(errors.New("rate limit exceeded"))
	if got != "Twitter posting failed: rate limit exceeded" {
		t.Fatalf("неожиданный фолбэк: %q", got)
	}
}

func TestLinkedInClassifyError(t *testing.T) {
	li := NewLinkedIn("urn:li:organization:1")
	if got := li.ClassifyError(errors.New("EXPIRED_ACCESS_TOKEN")); got != "Your LinkedIn access has expired. Please re-authenticate your account." {
		t.Fatalf("неожиданная классификация: %q", got)
	}
	if got := li.ClassifyError(errors.New("странное")); got != "LinkedIn posting failed. Please try again." {
		t.Fatalf("неожиданный фолбэк: %q", got)
	}
}

func TestRegistryFor(t *testing.T) {
	registry := Registry{"twitter": NewTwitter("k", "s")}
	if _, err := registry.For("twitter"); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if _, err := registry.For("myspace"); err == nil {
		t.Fatalf("ожидали ошибку для неизвестной платформы")
	}
}
