package capture

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/image/draw"

	"github.com/laoshu133/html2image-cdp/internal/errs"
)

func TestTilesGrid(t *testing.T) {
	t.Parallel()

	r := Rect{Left: 0, Top: 0, Width: 7000, Height: 4000}
	tiles := Tiles(r, 3000)
	require.Len(t, tiles, 6)

	wantWidths := []int{3000, 3000, 1000}
	wantHeights := []int{3000, 1000}
	for i, tile := range tiles {
		row, col := i/3, i%3
		require.Equal(t, wantWidths[col], tile.Clip.Width, "tile %d", i)
		require.Equal(t, wantHeights[row], tile.Clip.Height, "tile %d", i)
		require.Equal(t, col*3000, tile.OffsetX)
		require.Equal(t, row*3000, tile.OffsetY)
	}
}

func TestTilesUseDocumentCoordinates(t *testing.T) {
	t.Parallel()

	tiles := Tiles(Rect{Left: 40, Top: 1000, Width: 150, Height: 90}, 100)
	require.Len(t, tiles, 2)
	require.Equal(t, Rect{Left: 40, Top: 1000, Width: 100, Height: 90}, tiles[0].Clip)
	require.Equal(t, Rect{Left: 140, Top: 1000, Width: 50, Height: 90}, tiles[1].Clip)
	require.Equal(t, 100, tiles[1].OffsetX)
}

func TestTilesPartitionWithoutGapsOrOverlap(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct{ w, h, unit int }{
		{1, 1, 3}, {3, 3, 3}, {7, 4, 3}, {10, 1, 4}, {31, 17, 5}, {64, 64, 64}, {65, 2, 64},
	} {
		r := Rect{Left: 3, Top: 2, Width: tc.w, Height: tc.h}
		covered := make([]int, tc.w*tc.h)
		for _, tile := range Tiles(r, tc.unit) {
			require.LessOrEqual(t, tile.Clip.Width, tc.unit)
			require.LessOrEqual(t, tile.Clip.Height, tc.unit)
			for y := tile.OffsetY; y < tile.OffsetY+tile.Clip.Height; y++ {
				for x := tile.OffsetX; x < tile.OffsetX+tile.Clip.Width; x++ {
					covered[y*tc.w+x]++
				}
			}
		}
		for i, n := range covered {
			require.Equal(t, 1, n, "%dx%d/%d pixel %d", tc.w, tc.h, tc.unit, i)
		}
	}
}

func solid(w, h int, c color.Color) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(c), image.Point{}, draw.Src)
	return img
}

func TestStitch(t *testing.T) {
	t.Parallel()

	r := Rect{Width: 5, Height: 3}
	tiles := Tiles(r, 3)
	red := color.NRGBA{R: 0xff, A: 0xff}
	blue := color.NRGBA{B: 0xff, A: 0xff}
	images := make([]image.Image, len(tiles))
	for i, tile := range tiles {
		c := red
		if i%2 == 1 {
			c = blue
		}
		images[i] = solid(tile.Clip.Width, tile.Clip.Height, c)
	}

	out, err := Stitch(r, tiles, images, color.Black)
	require.NoError(t, err)
	require.Equal(t, image.Rect(0, 0, 5, 3), out.Bounds())
	require.Equal(t, red, out.NRGBAAt(0, 0))
	require.Equal(t, blue, out.NRGBAAt(4, 2))
}

func TestStitchRejectsMismatch(t *testing.T) {
	t.Parallel()

	r := Rect{Width: 4, Height: 4}
	tiles := Tiles(r, 2)

	_, err := Stitch(r, tiles, []image.Image{solid(2, 2, color.White)}, nil)
	require.Equal(t, errs.KindCompositeFailure, errs.KindOf(err))

	images := []image.Image{solid(2, 2, color.White), solid(2, 2, color.White), solid(2, 2, color.White), solid(1, 2, color.White)}
	_, err = Stitch(r, tiles, images, nil)
	require.Equal(t, errs.KindCompositeFailure, errs.KindOf(err))
}

func TestStitchBackgroundIsOpaque(t *testing.T) {
	t.Parallel()

	r := Rect{Width: 2, Height: 1}
	tiles := Tiles(r, 2)
	out, err := Stitch(r, tiles, []image.Image{solid(2, 1, color.Transparent)}, color.Transparent)
	require.NoError(t, err)
	require.Equal(t, uint8(0xff), out.NRGBAAt(0, 0).A)
}
