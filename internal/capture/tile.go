package capture

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"

	"github.com/laoshu133/html2image-cdp/internal/errs"
)

// Tile is one screenshot of an oversized rect. Clip is in document
// coordinates; OffsetX and OffsetY place it inside the stitched image.
type Tile struct {
	Clip    Rect
	OffsetX int
	OffsetY int
}

// Tiles partitions r row-major into tiles of at most unit pixels per side.
// The last row and column carry the remainder.
func Tiles(r Rect, unit int) []Tile {
	if unit <= 0 {
		unit = max(r.Width, r.Height)
	}
	cols := (r.Width + unit - 1) / unit
	rows := (r.Height + unit - 1) / unit
	tiles := make([]Tile, 0, cols*rows)
	for y := 0; y < r.Height; y += unit {
		h := min(unit, r.Height-y)
		for x := 0; x < r.Width; x += unit {
			w := min(unit, r.Width-x)
			tiles = append(tiles, Tile{
				Clip:    Rect{Left: r.Left + x, Top: r.Top + y, Width: w, Height: h},
				OffsetX: x,
				OffsetY: y,
			})
		}
	}
	return tiles
}

// Stitch composites tile images into one image of r's exact size over an
// opaque background. Any mismatch between tiles and images is a
// CompositeFailure.
func Stitch(r Rect, tiles []Tile, images []image.Image, background color.Color) (*image.NRGBA, error) {
	if len(tiles) != len(images) {
		return nil, errs.New(errs.KindCompositeFailure, "stitch: %d tiles but %d images", len(tiles), len(images))
	}
	if background == nil {
		background = color.Black
	}
	if _, _, _, a := background.RGBA(); a != 0xffff {
		background = color.Black
	}

	dst := image.NewNRGBA(image.Rect(0, 0, r.Width, r.Height))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(background), image.Point{}, draw.Src)

	area := 0
	for i, tile := range tiles {
		b := images[i].Bounds()
		if b.Dx() != tile.Clip.Width || b.Dy() != tile.Clip.Height {
			return nil, errs.New(errs.KindCompositeFailure, "stitch: tile %d is %dx%d, want %dx%d",
				i, b.Dx(), b.Dy(), tile.Clip.Width, tile.Clip.Height)
		}
		place := image.Rect(tile.OffsetX, tile.OffsetY, tile.OffsetX+b.Dx(), tile.OffsetY+b.Dy())
		if !place.In(dst.Bounds()) {
			return nil, errs.New(errs.KindCompositeFailure, "stitch: tile %d at %v outside %dx%d",
				i, place, r.Width, r.Height)
		}
		draw.Draw(dst, place, images[i], b.Min, draw.Over)
		area += b.Dx() * b.Dy()
	}
	if area != r.Width*r.Height {
		return nil, errs.New(errs.KindCompositeFailure, "stitch: tiles cover %d of %d pixels", area, r.Width*r.Height)
	}
	return dst, nil
}
