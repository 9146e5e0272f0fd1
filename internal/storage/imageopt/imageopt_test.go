package imageopt

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"

	"github.com/chai2010/webp"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("кодирование PNG: %v", err)
	}
	return buf.Bytes()
}

func TestOptimize_ResizesWideImage(t *testing.T) {
	o := New(800, 80)
	var out bytes.Buffer

	if err := o.Optimize(bytes.NewReader(pngBytes(t, 1600, 400)), &out); err != nil {
		t.Fatalf("Optimize() вернул ошибку: %v", err)
	}

	cfg, err := webp.DecodeConfig(bytes.NewReader(out.Bytes()))
	if err != nil {
		t.Fatalf("результат не является WebP: %v", err)
	}
	if cfg.Width != 800 || cfg.Height != 200 {
		t.Errorf("размер = %dx%d, ожидается 800x200", cfg.Width, cfg.Height)
	}
}

func TestOptimize_KeepsNarrowImage(t *testing.T) {
	o := New(800, 80)
	var out bytes.Buffer

	if err := o.Optimize(bytes.NewReader(pngBytes(t, 120, 60)), &out); err != nil {
		t.Fatalf("Optimize() вернул ошибку: %v", err)
	}

	cfg, err := webp.DecodeConfig(bytes.NewReader(out.Bytes()))
	if err != nil {
		t.Fatalf("результат не является WebP: %v", err)
	}
	if cfg.Width != 120 || cfg.Height != 60 {
		t.Errorf("размер = %dx%d, ожидается 120x60 (без увеличения)", cfg.Width, cfg.Height)
	}
}

func TestOptimize_NotAnImage(t *testing.T) {
	o := New(800, 80)
	var out bytes.Buffer

	if err := o.Optimize(strings.NewReader("%PDF-1.4"), &out); err == nil {
		t.Error("Optimize() для не-изображения должен вернуть ошибку")
	}
}

func TestSupports(t *testing.T) {
	o := New(800, 80)
	for _, ext := range []string{".jpg", ".JPEG", ".png"} {
		if !o.Supports(ext) {
			t.Errorf("Supports(%q) = false", ext)
		}
	}
	for _, ext := range []string{".pdf", ".gif", ""} {
		if o.Supports(ext) {
			t.Errorf("Supports(%q) = true", ext)
		}
	}
}
