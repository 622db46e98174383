package capture

import (
	"math"

	"github.com/laoshu133/html2image-cdp/internal/browser"
	"github.com/laoshu133/html2image-cdp/internal/errs"
)

// Rect is a capture region in whole device pixels. Left and Top are never
// negative and Width and Height are at least 1.
type Rect struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Right is the exclusive right edge.
func (r Rect) Right() int { return r.Left + r.Width }

// Bottom is the exclusive bottom edge.
func (r Rect) Bottom() int { return r.Top + r.Height }

// Size returns the rect's dimensions.
func (r Rect) Size() browser.Size { return browser.Size{Width: r.Width, Height: r.Height} }

// clamped floors fractional coordinates and clamps degenerate boxes to 1px.
func clamped(left, top, width, height float64) Rect {
	r := Rect{
		Left:   int(math.Floor(math.Max(0, left))),
		Top:    int(math.Floor(math.Max(0, top))),
		Width:  int(math.Floor(width)),
		Height: int(math.Floor(height)),
	}
	if r.Width < 1 {
		r.Width = 1
	}
	if r.Height < 1 {
		r.Height = 1
	}
	return r
}

// RectFromQuad reduces a box-model quad to its axis-aligned bounding rect.
func RectFromQuad(q browser.Quad) Rect {
	if len(q) < 8 {
		return clamped(0, 0, 0, 0)
	}
	minX, maxX := q[0], q[0]
	minY, maxY := q[1], q[1]
	for i := 2; i+1 < len(q); i += 2 {
		minX = math.Min(minX, q[i])
		maxX = math.Max(maxX, q[i])
		minY = math.Min(minY, q[i+1])
		maxY = math.Max(maxY, q[i+1])
	}
	return clamped(minX, minY, maxX-minX, maxY-minY)
}

// OutputSize is the pixel size an element is delivered at. Zero width or
// height is derived from the other by the rect's aspect ratio; both zero
// means 1:1.
func OutputSize(r Rect, width, height int) browser.Size {
	switch {
	case width > 0 && height > 0:
		return browser.Size{Width: width, Height: height}
	case width > 0:
		h := int(math.Round(float64(width) * float64(r.Height) / float64(r.Width)))
		return browser.Size{Width: width, Height: max(h, 1)}
	case height > 0:
		w := int(math.Round(float64(height) * float64(r.Width) / float64(r.Height)))
		return browser.Size{Width: max(w, 1), Height: height}
	default:
		return r.Size()
	}
}

// CheckLimits rejects sizes beyond the configured maximum. Zero limits are
// unbounded.
func CheckLimits(s browser.Size, maxWidth, maxHeight int) error {
	if (maxWidth > 0 && s.Width > maxWidth) || (maxHeight > 0 && s.Height > maxHeight) {
		return errs.New(errs.KindSizeLimitExceeded,
			"Request Image size is out of limit: %dx%d (requested %dx%d)", maxWidth, maxHeight, s.Width, s.Height)
	}
	return nil
}

// Viewport is the smallest viewport that renders every rect, never smaller
// than floor.
func Viewport(rects []Rect, floor browser.Size) browser.Size {
	out := floor
	for _, r := range rects {
		out.Width = max(out.Width, r.Right())
		out.Height = max(out.Height, r.Bottom())
	}
	return out
}
