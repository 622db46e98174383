package capture

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"

	"golang.org/x/image/draw"

	"github.com/laoshu133/html2image-cdp/internal/browser"
)

// PNG compression levels on the 0..9 scale.
const (
	MinPNGLevel = 4
	MaxPNGLevel = 9
)

// MIME types of rendered outputs.
const (
	MIMEPNG  = "image/png"
	MIMEJPEG = "image/jpeg"
	MIMEPDF  = "application/pdf"
	MIMEHTML = "text/html; charset=utf-8"
)

// MIMEType returns the content type for an image format.
func MIMEType(f browser.ImageFormat) string {
	if f == browser.FormatJPEG {
		return MIMEJPEG
	}
	return MIMEPNG
}

// PNGLevel maps a 1..100 quality onto a compression level: higher quality
// compresses less, never below MinPNGLevel.
func PNGLevel(quality int) int {
	level := int(math.Floor(10 - float64(quality)/10))
	return min(max(level, MinPNGLevel), MaxPNGLevel)
}

// pngCompression buckets a numeric level into the tiers image/png offers.
func pngCompression(level int) png.CompressionLevel {
	switch {
	case level <= 3:
		return png.BestSpeed
	case level <= 6:
		return png.DefaultCompression
	default:
		return png.BestCompression
	}
}

// SkipPNGReencode reports whether a PNG capture can be delivered as captured:
// no crop or resize happened and the quality asks for the lightest level.
func SkipPNGReencode(quality int, fitted bool) bool {
	return !fitted && PNGLevel(quality) == MinPNGLevel
}

// Encode writes img in format. JPEG output is flattened onto background
// first since it carries no alpha.
func Encode(img image.Image, format browser.ImageFormat, quality int, background color.Color) ([]byte, error) {
	var buf bytes.Buffer
	switch format {
	case browser.FormatJPEG:
		if err := jpeg.Encode(&buf, flatten(img, background), &jpeg.Options{Quality: min(max(quality, 1), 100)}); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
	default:
		enc := png.Encoder{CompressionLevel: pngCompression(PNGLevel(quality))}
		if err := enc.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
	}
	return buf.Bytes(), nil
}

func flatten(img image.Image, background color.Color) image.Image {
	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		return img
	}
	if background == nil {
		background = color.White
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(background), image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Over)
	return dst
}

// Decode reads a raw screenshot.
func Decode(raw []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}
	return img, nil
}

// DecodeSize reads only the dimensions of a raw screenshot.
func DecodeSize(raw []byte) (browser.Size, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return browser.Size{}, fmt.Errorf("decode screenshot header: %w", err)
	}
	return browser.Size{Width: cfg.Width, Height: cfg.Height}, nil
}
