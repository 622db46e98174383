package capture

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/image/draw"
)

func TestParseAnchor(t *testing.T) {
	t.Parallel()

	cases := map[string]Anchor{
		"":             AnchorTop,
		"top":          AnchorTop,
		"10":           AnchorTop,
		"11":           AnchorTopRight,
		"12":           AnchorTopLeft,
		"left top":     AnchorTopLeft,
		"Top-Left":     AnchorTopLeft,
		"bottom_right": AnchorBottomRight,
		"center":       AnchorCenter,
		"right":        AnchorRight,
	}
	for in, want := range cases {
		got, err := ParseAnchor(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}

	for _, bad := range []string{"13", "top-bottom", "sideways"} {
		_, err := ParseAnchor(bad)
		require.Error(t, err, bad)
	}
}

func halves(w, h int) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, image.Rect(0, 0, w/2, h), image.NewUniform(color.NRGBA{R: 0xff, A: 0xff}), image.Point{}, draw.Src)
	draw.Draw(img, image.Rect(w/2, 0, w, h), image.NewUniform(color.NRGBA{B: 0xff, A: 0xff}), image.Point{}, draw.Src)
	return img
}

func TestFitScalesToRequestedSize(t *testing.T) {
	t.Parallel()

	out := Fit(halves(800, 600), 400, 300, AnchorTop)
	require.Equal(t, image.Rect(0, 0, 400, 300), out.Bounds())

	same := halves(10, 10)
	require.Same(t, same, Fit(same, 10, 10, AnchorTop))
}

func TestFitCropsAtAnchor(t *testing.T) {
	t.Parallel()

	src := halves(100, 50)

	left := Fit(src, 50, 50, AnchorLeft)
	r, _, b, _ := left.At(10, 25).RGBA()
	require.Greater(t, r, b)

	right := Fit(src, 50, 50, AnchorRight)
	r, _, b, _ = right.At(40, 25).RGBA()
	require.Greater(t, b, r)
}

func TestAnchorOffset(t *testing.T) {
	t.Parallel()

	require.Equal(t, image.Point{X: 25, Y: 0}, AnchorTop.offset(100, 80, 50, 40))
	require.Equal(t, image.Point{X: 50, Y: 40}, AnchorBottomRight.offset(100, 80, 50, 40))
	require.Equal(t, image.Point{X: 25, Y: 20}, AnchorCenter.offset(100, 80, 50, 40))
	require.Equal(t, image.Point{X: 0, Y: 20}, AnchorLeft.offset(100, 80, 50, 40))
}
