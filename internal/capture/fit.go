package capture

import (
	"fmt"
	"image"
	"math"
	"strings"

	"golang.org/x/image/draw"
)

// Anchor picks which part of a resized image survives the crop.
type Anchor string

// Crop anchors. Top keeps the horizontal center.
const (
	AnchorTop         Anchor = "top"
	AnchorTopLeft     Anchor = "top-left"
	AnchorTopRight    Anchor = "top-right"
	AnchorLeft        Anchor = "left"
	AnchorCenter      Anchor = "center"
	AnchorRight       Anchor = "right"
	AnchorBottom      Anchor = "bottom"
	AnchorBottomLeft  Anchor = "bottom-left"
	AnchorBottomRight Anchor = "bottom-right"
)

var legacyAnchors = map[string]Anchor{
	"10": AnchorTop,
	"11": AnchorTopRight,
	"12": AnchorTopLeft,
}

// ParseAnchor accepts anchor names in either order ("top-left", "left top"),
// the legacy numeric codes 10, 11 and 12, and "" for the default top.
func ParseAnchor(s string) (Anchor, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return AnchorTop, nil
	}
	if a, ok := legacyAnchors[s]; ok {
		return a, nil
	}
	var vert, horiz string
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == '-' || r == ' ' || r == '_' }) {
		switch part {
		case "top", "bottom":
			if vert != "" {
				return "", fmt.Errorf("invalid crop anchor %q", s)
			}
			vert = part
		case "left", "right":
			if horiz != "" {
				return "", fmt.Errorf("invalid crop anchor %q", s)
			}
			horiz = part
		case "center", "centre", "middle":
		default:
			return "", fmt.Errorf("invalid crop anchor %q", s)
		}
	}
	switch {
	case vert != "" && horiz != "":
		return Anchor(vert + "-" + horiz), nil
	case vert != "":
		return Anchor(vert), nil
	case horiz != "":
		return Anchor(horiz), nil
	default:
		return AnchorCenter, nil
	}
}

// offset returns where a w×h window starts inside a sw×sh image.
func (a Anchor) offset(sw, sh, w, h int) image.Point {
	dx, dy := sw-w, sh-h
	p := image.Point{X: dx / 2, Y: dy / 2}
	s := string(a)
	if strings.HasPrefix(s, "top") {
		p.Y = 0
	}
	if strings.HasPrefix(s, "bottom") {
		p.Y = dy
	}
	if strings.HasSuffix(s, "left") {
		p.X = 0
	}
	if strings.HasSuffix(s, "right") {
		p.X = dx
	}
	return p
}

// Fit scales src to cover w×h and crops the overflow at the anchor. An image
// already of that size is returned as is.
func Fit(src image.Image, w, h int, anchor Anchor) image.Image {
	b := src.Bounds()
	if b.Dx() == w && b.Dy() == h {
		return src
	}
	scale := math.Max(float64(w)/float64(b.Dx()), float64(h)/float64(b.Dy()))
	sw := max(w, int(math.Ceil(float64(b.Dx())*scale)))
	sh := max(h, int(math.Ceil(float64(b.Dy())*scale)))

	scaled := image.NewNRGBA(image.Rect(0, 0, sw, sh))
	draw.CatmullRom.Scale(scaled, scaled.Bounds(), src, b, draw.Src, nil)

	at := anchor.offset(sw, sh, w, h)
	out := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.Draw(out, out.Bounds(), scaled, at, draw.Src)
	return out
}
