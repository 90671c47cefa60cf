package renderer

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"golang.org/x/image/math/fixed"
)

var testBrand = Branding{Name: "Postify", Primary: "#0f172a", Secondary: "#334155", Accent: "#22c55e"}

func newTestRenderer(t *testing.T, provider BackgroundProvider) *Renderer {
	t.Helper()
	r, err := NewRenderer(provider, testBrand, t.TempDir(), "", zerolog.Nop())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	return r
}

func TestParseHexColor(t *testing.T) {
	c, err := parseHexColor("#22c55e")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if c.R != 0x22 || c.G != 0xc5 || c.B != 0x5e {
		t.Fatalf("неверный разбор цвета: %+v", c)
	}
	if _, err := parseHexColor("зелёный"); err == nil {
		t.Fatalf("ожидали ошибку на невалидном цвете")
	}
}

func TestWrapTitleLimitsLines(t *testing.T) {
	r := newTestRenderer(t, nil)
	long := strings.Repeat("длинное слово заголовка ", 10)
	lines := wrapTitle(r.titleFace, long, fixed.I(canvasWidth-2*xPad), maxLines)
	if len(lines) != maxLines {
		t.Fatalf("ожидали %d строки, получили %d", maxLines, len(lines))
	}
	for _, line := range lines {
		if line == "" {
			t.Fatalf("пустая строка в переносе")
		}
	}
}

func TestWrapTitleShort(t *testing.T) {
	r := newTestRenderer(t, nil)
	lines := wrapTitle(r.titleFace, "Коротко", fixed.I(canvasWidth-2*xPad), maxLines)
	if len(lines) != 1 || lines[0] != "Коротко" {
		t.Fatalf("короткий заголовок должен остаться одной строкой: %v", lines)
	}
}

func TestRenderFallbackCard(t *testing.T) {
	r := newTestRenderer(t, nil)
	res, err := r.Render(context.Background(), "Заголовок статьи")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if res.Provider != "fallback" {
		t.Fatalf("без провайдера ожидали fallback, получили %q", res.Provider)
	}
	if !strings.HasPrefix(res.ImageFile, "blog_") || !strings.HasSuffix(res.ImageFile, ".png") {
		t.Fatalf("неожиданное имя файла: %q", res.ImageFile)
	}

	data, err := os.ReadFile(filepath.Join(r.uploadDir, res.ImageFile))
	if err != nil {
		t.Fatalf("файл карточки не сохранён: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("карточка не декодируется: %v", err)
	}
	bounds := img.Bounds()
	if bounds.Dx() != canvasWidth || bounds.Dy() != canvasHeight {
		t.Fatalf("неверный размер карточки: %v", bounds)
	}

	// Верх — градиент от primary: тёмный пиксель.
	top := color.RGBAModel.Convert(img.At(5, 5)).(color.RGBA)
	if top.R > 0x40 || top.G > 0x40 {
		t.Fatalf("верх карточки должен быть тёмным: %+v", top)
	}

	// Правый верхний угол плашки — белый.
	canvasH := float64(canvasHeight)
	cardTop := canvasHeight - int(canvasH*cardShare) + 5
	card := color.RGBAModel.Convert(img.At(canvasWidth-5, cardTop)).(color.RGBA)
	if card.R != 255 || card.G != 255 || card.B != 255 {
		t.Fatalf("плашка должна быть белой: %+v", card)
	}
}

type providerStub struct {
	data []byte
	err  error
}

func (p *providerStub) Name() string { return "replicate" }

func (p *providerStub) Generate(context.Context, string) ([]byte, error) {
	return p.data, p.err
}

func TestRenderUsesProviderBackground(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 64, 80))
	red := color.RGBA{200, 16, 16, 255}
	for y := 0; y < 80; y++ {
		for x := 0; x < 64; x++ {
			src.SetRGBA(x, y, red)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, src); err != nil {
		t.Fatalf("подготовка фона: %v", err)
	}

	r := newTestRenderer(t, &providerStub{data: buf.Bytes()})
	res, err := r.Render(context.Background(), "Заголовок")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if res.Provider != "replicate" {
		t.Fatalf("ожидали провайдера replicate, получили %q", res.Provider)
	}

	data, err := os.ReadFile(filepath.Join(r.uploadDir, res.ImageFile))
	if err != nil {
		t.Fatalf("файл карточки не сохранён: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("карточка не декодируется: %v", err)
	}
	top := color.RGBAModel.Convert(img.At(5, 5)).(color.RGBA)
	if top.R < 150 || top.G > 60 {
		t.Fatalf("верх карточки должен прийти от провайдера: %+v", top)
	}
}

func TestRenderProviderErrorFallsBack(t *testing.T) {
	r := newTestRenderer(t, &providerStub{err: context.DeadlineExceeded})
	res, err := r.Render(context.Background(), "Заголовок")
	if err != nil {
		t.Fatalf("ошибка провайдера не должна валить рендер: %v", err)
	}
	if res.Provider != "fallback" {
		t.Fatalf("ожидали фолбэк, получили %q", res.Provider)
	}
}
