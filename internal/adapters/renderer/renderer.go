package renderer

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	_ "image/jpeg"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"

	"postify/internal/domain"
	"postify/internal/infra/metrics"
)

const (
	canvasWidth  = 1080
	canvasHeight = 1350

	cardShare  = 0.35
	xPad       = 60
	titleSize  = 54
	smallSize  = 28
	lineHeight = 64
	maxLines   = 3

	badgeHeight = 52
	badgeRadius = 14
	ctaText     = "Read the blog"
)

// BackgroundProvider генерирует фоновое изображение по промпту.
// nil-результат без ошибки означает, что фон не получен.
type BackgroundProvider interface {
	Name() string
	Generate(ctx context.Context, prompt string) ([]byte, error)
}

// Branding задаёт бренд карточки.
type Branding struct {
	Name      string
	Primary   string
	Secondary string
	Accent    string
}

// Renderer собирает брендированную карточку 1080x1350: фон от провайдера
// (или градиент), белая плашка с заголовком, бейдж CTA и вордмарк.
type Renderer struct {
	provider  BackgroundProvider
	brand     Branding
	uploadDir string

	primary   color.RGBA
	secondary color.RGBA
	accent    color.RGBA

	titleFace font.Face
	smallFace font.Face

	log zerolog.Logger
}

var _ domain.ImageRenderer = (*Renderer)(nil)

// NewRenderer создаёт рендерер. Пустой fontPath означает встроенный Go Regular.
func NewRenderer(provider BackgroundProvider, brand Branding, uploadDir, fontPath string, logger zerolog.Logger) (*Renderer, error) {
	primary, err := parseHexColor(brand.Primary)
	if err != nil {
		return nil, fmt.Errorf("цвет primary: %w", err)
	}
	secondary, err := parseHexColor(brand.Secondary)
	if err != nil {
		return nil, fmt.Errorf("цвет secondary: %w", err)
	}
	accent, err := parseHexColor(brand.Accent)
	if err != nil {
		return nil, fmt.Errorf("цвет accent: %w", err)
	}

	fontData := goregular.TTF
	if fontPath != "" {
		data, err := os.ReadFile(fontPath)
		if err != nil {
			return nil, fmt.Errorf("чтение шрифта: %w", err)
		}
		fontData = data
	}
	parsed, err := opentype.Parse(fontData)
	if err != nil {
		return nil, fmt.Errorf("разбор шрифта: %w", err)
	}
	titleFace, err := opentype.NewFace(parsed, &opentype.FaceOptions{Size: titleSize, DPI: 72})
	if err != nil {
		return nil, fmt.Errorf("создание шрифта заголовка: %w", err)
	}
	smallFace, err := opentype.NewFace(parsed, &opentype.FaceOptions{Size: smallSize, DPI: 72})
	if err != nil {
		return nil, fmt.Errorf("создание малого шрифта: %w", err)
	}

	return &Renderer{
		provider:  provider,
		brand:     brand,
		uploadDir: uploadDir,
		primary:   primary,
		secondary: secondary,
		accent:    accent,
		titleFace: titleFace,
		smallFace: smallFace,
		log:       logger,
	}, nil
}

// Render генерирует карточку и сохраняет её PNG в каталог загрузок.
func (r *Renderer) Render(ctx context.Context, title string) (domain.RenderResult, error) {
	prompt := fmt.Sprintf(
		"Professional tech event / blog hero background, abstract gradient, geometric lines, corporate modern, brand palette %s %s %s, no text",
		r.brand.Primary, r.brand.Secondary, r.brand.Accent,
	)

	providerName := "fallback"
	var background *image.RGBA
	if r.provider != nil {
		data, err := r.provider.Generate(ctx, prompt)
		if err != nil {
			r.log.Warn().Err(err).Msg("провайдер фона недоступен, используем градиент")
		} else if len(data) > 0 {
			decoded, _, decodeErr := image.Decode(bytes.NewReader(data))
			if decodeErr != nil {
				r.log.Warn().Err(decodeErr).Msg("не удалось декодировать фон, используем градиент")
			} else {
				background = resizeImage(decoded, canvasWidth, canvasHeight)
				providerName = r.provider.Name()
			}
		}
	}
	if background == nil {
		background = r.gradientBackground(canvasWidth, canvasHeight)
		metrics.RenderFallbackTotal.Inc()
	}

	r.composeCard(background, title)

	id := uuid.New()
	name := fmt.Sprintf("blog_%s.png", hex.EncodeToString(id[:]))
	if err := os.MkdirAll(r.uploadDir, 0o755); err != nil {
		return domain.RenderResult{}, fmt.Errorf("каталог загрузок: %w", err)
	}
	out, err := os.Create(filepath.Join(r.uploadDir, name))
	if err != nil {
		return domain.RenderResult{}, fmt.Errorf("создание файла картинки: %w", err)
	}
	defer out.Close()
	if err := png.Encode(out, background); err != nil {
		return domain.RenderResult{}, fmt.Errorf("сохранение PNG: %w", err)
	}

	return domain.RenderResult{ImageFile: name, Prompt: prompt, Provider: providerName}, nil
}

// gradientBackground строит вертикальный градиент primary -> secondary.
func (r *Renderer) gradientBackground(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	denom := h - 1
	if denom < 1 {
		denom = 1
	}
	for y := 0; y < h; y++ {
		t := float64(y) / float64(denom)
		row := color.RGBA{
			R: lerpChannel(r.primary.R, r.secondary.R, t),
			G: lerpChannel(r.primary.G, r.secondary.G, t),
			B: lerpChannel(r.primary.B, r.secondary.B, t),
			A: 255,
		}
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, row)
		}
	}
	return img
}

func (r *Renderer) composeCard(img *image.RGBA, title string) {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	cardH := int(float64(h) * cardShare)
	fillRect(img, image.Rect(0, h-cardH, w, h), color.RGBA{255, 255, 255, 255})

	titleColor := color.RGBA{15, 23, 42, 255}
	drawer := &font.Drawer{Dst: img, Src: image.NewUniform(titleColor), Face: r.titleFace}
	titleAscent := r.titleFace.Metrics().Ascent.Ceil()

	lines := wrapTitle(r.titleFace, title, fixed.I(w-2*xPad), maxLines)
	y := h - cardH + 40
	for _, line := range lines {
		drawer.Dot = fixed.P(xPad, y+titleAscent)
		drawer.DrawString(line)
		y += lineHeight
	}

	smallAscent := r.smallFace.Metrics().Ascent.Ceil()

	badgeW := font.MeasureString(r.smallFace, ctaText).Ceil() + 44
	bx, by := xPad, h-70
	fillRoundedRect(img, image.Rect(bx, by-badgeHeight, bx+badgeW, by), badgeRadius, r.accent)
	drawer = &font.Drawer{Dst: img, Src: image.NewUniform(color.RGBA{255, 255, 255, 255}), Face: r.smallFace}
	drawer.Dot = fixed.P(bx+22, by-badgeHeight+12+smallAscent)
	drawer.DrawString(ctaText)

	drawer = &font.Drawer{Dst: img, Src: image.NewUniform(color.RGBA{30, 41, 59, 255}), Face: r.smallFace}
	drawer.Dot = fixed.P(w-xPad-220, h-60+smallAscent)
	drawer.DrawString(r.brand.Name)
}

// wrapTitle жадно разбивает заголовок по словам и ограничивает число строк.
func wrapTitle(face font.Face, title string, maxWidth fixed.Int26_6, limit int) []string {
	words := strings.Fields(title)
	var lines []string
	var current string
	for _, word := range words {
		candidate := strings.TrimSpace(current + " " + word)
		if font.MeasureString(face, candidate) <= maxWidth {
			current = candidate
			continue
		}
		if current != "" {
			lines = append(lines, current)
		}
		current = word
	}
	if current != "" {
		lines = append(lines, current)
	}
	if len(lines) > limit {
		lines = lines[:limit]
	}
	return lines
}

func resizeImage(src image.Image, w, h int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Over, nil)
	return dst
}

func fillRect(img *image.RGBA, rect image.Rectangle, c color.RGBA) {
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		for x := rect.Min.X; x < rect.Max.X; x++ {
			img.SetRGBA(x, y, c)
		}
	}
}

// fillRoundedRect закрашивает прямоугольник со скруглёнными углами.
func fillRoundedRect(img *image.RGBA, rect image.Rectangle, radius int, c color.RGBA) {
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		for x := rect.Min.X; x < rect.Max.X; x++ {
			if insideRounded(rect, radius, x, y) {
				img.SetRGBA(x, y, c)
			}
		}
	}
}

func insideRounded(rect image.Rectangle, radius, x, y int) bool {
	left := rect.Min.X + radius
	right := rect.Max.X - radius - 1
	top := rect.Min.Y + radius
	bottom := rect.Max.Y - radius - 1
	cx, cy := x, y
	switch {
	case x < left && y < top:
		return sqDist(cx, cy, left, top) <= radius*radius
	case x > right && y < top:
		return sqDist(cx, cy, right, top) <= radius*radius
	case x < left && y > bottom:
		return sqDist(cx, cy, left, bottom) <= radius*radius
	case x > right && y > bottom:
		return sqDist(cx, cy, right, bottom) <= radius*radius
	}
	return true
}

func sqDist(x0, y0, x1, y1 int) int {
	dx, dy := x0-x1, y0-y1
	return dx*dx + dy*dy
}

func lerpChannel(a, b uint8, t float64) uint8 {
	return uint8(float64(a)*(1-t) + float64(b)*t)
}

func parseHexColor(s string) (color.RGBA, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(trimmed) != 6 {
		return color.RGBA{}, fmt.Errorf("ожидали #rrggbb, получили %q", s)
	}
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("ожидали #rrggbb, получили %q", s)
	}
	return color.RGBA{R: raw[0], G: raw[1], B: raw[2], A: 255}, nil
}
