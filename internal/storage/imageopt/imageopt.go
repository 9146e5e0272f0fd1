// Пакет imageopt — перекодирование изображений в WebP с ограничением ширины.
package imageopt

import (
	"fmt"
	"image"
	_ "image/jpeg" // регистрация декодера JPEG
	_ "image/png"  // регистрация декодера PNG
	"io"
	"strings"

	"github.com/chai2010/webp"
	"golang.org/x/image/draw"
)

// Optimizer уменьшает изображение до MaxWidth (с сохранением пропорций,
// без увеличения) и кодирует его в WebP.
type Optimizer struct {
	maxWidth int
	quality  float32
}

// New создаёт Optimizer.
func New(maxWidth, quality int) *Optimizer {
	return &Optimizer{maxWidth: maxWidth, quality: float32(quality)}
}

// Supports — расширение относится к поддерживаемым растровым форматам.
func (o *Optimizer) Supports(ext string) bool {
	switch strings.ToLower(ext) {
	case ".jpg", ".jpeg", ".png":
		return true
	default:
		return false
	}
}

// Optimize читает изображение из src и пишет WebP в dst.
func (o *Optimizer) Optimize(src io.Reader, dst io.Writer) error {
	img, format, err := image.Decode(src)
	if err != nil {
		return fmt.Errorf("декодирование изображения: %w", err)
	}

	img = o.resize(img)

	if err := webp.Encode(dst, img, &webp.Options{Quality: o.quality}); err != nil {
		return fmt.Errorf("кодирование WebP (исходный формат %s): %w", format, err)
	}
	return nil
}

func (o *Optimizer) resize(img image.Image) image.Image {
	b := img.Bounds()
	if b.Dx() <= o.maxWidth {
		return img
	}

	height := b.Dy() * o.maxWidth / b.Dx()
	if height < 1 {
		height = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, o.maxWidth, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}
