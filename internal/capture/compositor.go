// Package capture turns matched DOM elements into finished raster images:
// it measures them, sizes the viewport, takes single or tiled screenshots,
// stitches tiles, then crops, resizes and encodes the result.
package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"runtime"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/laoshu133/html2image-cdp/internal/browser"
	"github.com/laoshu133/html2image-cdp/internal/errs"
	"github.com/laoshu133/html2image-cdp/internal/metrics"
)

// DefaultUnitSize is the largest side captured in a single screenshot.
const DefaultUnitSize = 3000

// Page is the part of a browser session the compositor drives.
type Page interface {
	QueryAll(ctx context.Context, selector string) ([]browser.NodeID, error)
	BoxModel(ctx context.Context, node browser.NodeID) (browser.Quad, error)
	SetVisibleSize(ctx context.Context, width, height int) error
	SetBackgroundColor(ctx context.Context, c *browser.RGBA) error
	Evaluate(ctx context.Context, expression string, out any) error
	CaptureRaw(ctx context.Context, opts browser.ScreenshotOptions) ([]byte, error)
}

// Options configures one capture.
type Options struct {
	Query
	MaxCount int
	Viewport browser.Size
	// Width and Height request an output size; zero derives it.
	Width     int
	Height    int
	Anchor    Anchor
	Format    browser.ImageFormat
	Quality   int
	MaxWidth  int
	MaxHeight int
	UnitSize  int
	// Background overrides the page background; nil leaves it.
	Background *browser.RGBA
}

// Output is one finished image.
type Output struct {
	Buffer   []byte
	MIME     string
	CropRect Rect
	Size     browser.Size
	Tiles    int
}

// Compositor runs captures.
type Compositor struct {
	logger      *zap.Logger
	parallelism int
}

// NewCompositor returns a compositor whose post-processing runs on up to
// runtime.NumCPU goroutines.
func NewCompositor(logger *zap.Logger) *Compositor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Compositor{logger: logger.Named("capture"), parallelism: runtime.NumCPU()}
}

type shot struct {
	index int
	rect  Rect
	out   browser.Size
	raw   []byte
	img   image.Image
	tiles int
}

// Capture renders every element matching opts.Selector, up to MaxCount.
func (c *Compositor) Capture(ctx context.Context, page Page, opts Options) ([]Output, error) {
	if opts.UnitSize <= 0 {
		opts.UnitSize = DefaultUnitSize
	}
	if opts.Format == "" {
		opts.Format = browser.FormatPNG
	}

	nodes, err := WaitForTargets(ctx, page, opts.Query)
	if err != nil {
		return nil, err
	}
	if opts.MaxCount > 0 && len(nodes) > opts.MaxCount {
		nodes = nodes[:opts.MaxCount]
	}

	shots := make([]*shot, len(nodes))
	rects := make([]Rect, len(nodes))
	for i, node := range nodes {
		quad, err := Measure(ctx, page, node, opts.Query)
		if err != nil {
			return nil, classify(err, errs.KindRenderError, fmt.Sprintf("measure element %d", i))
		}
		r := RectFromQuad(quad)
		out := OutputSize(r, opts.Width, opts.Height)
		if err := CheckLimits(r.Size(), opts.MaxWidth, opts.MaxHeight); err != nil {
			return nil, err
		}
		if err := CheckLimits(out, opts.MaxWidth, opts.MaxHeight); err != nil {
			return nil, err
		}
		shots[i] = &shot{index: i, rect: r, out: out}
		rects[i] = r
	}

	// Limits bound each element, not the union: an element far down the
	// page still needs a viewport reaching it.
	viewport := Viewport(rects, opts.Viewport)
	if err := page.SetVisibleSize(ctx, viewport.Width, viewport.Height); err != nil {
		return nil, err
	}
	if opts.Background != nil {
		if err := page.SetBackgroundColor(ctx, opts.Background); err != nil {
			return nil, err
		}
	}

	// One viewport per session: screenshots go one at a time.
	for _, s := range shots {
		start := time.Now()
		c.logger.Debug("capture.start",
			zap.Int("index", s.index),
			zap.Any("rect", s.rect),
			zap.Any("size", s.out))
		if err := c.shoot(ctx, page, opts, s); err != nil {
			return nil, err
		}
		metrics.ObserveTiles(s.tiles)
		c.logger.Debug("capture.done",
			zap.Int("index", s.index),
			zap.Int("tiles", s.tiles),
			zap.Duration("elapsed", time.Since(start)))
	}

	outputs := make([]Output, len(shots))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(c.parallelism)
	for _, s := range shots {
		g.Go(func() error {
			buf, err := finish(s, opts)
			if err != nil {
				return err
			}
			outputs[s.index] = Output{
				Buffer:   buf,
				MIME:     MIMEType(opts.Format),
				CropRect: s.rect,
				Size:     s.out,
				Tiles:    s.tiles,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outputs, nil
}

// shoot captures one element, tiling it when either side exceeds the unit
// size.
func (c *Compositor) shoot(ctx context.Context, page Page, opts Options, s *shot) error {
	r := s.rect
	if max(r.Width, r.Height) <= opts.UnitSize {
		clip := r
		if focused, ok := c.focus(ctx, page, opts.Selector, s.index); ok {
			clip.Left, clip.Top = focused.Left, focused.Top
		}
		raw, err := page.CaptureRaw(ctx, browser.ScreenshotOptions{Format: browser.FormatPNG, Clip: toClip(clip)})
		if err != nil {
			return err
		}
		s.raw = raw
		s.tiles = 1
		return nil
	}

	tiles := Tiles(r, opts.UnitSize)
	images := make([]image.Image, len(tiles))
	for i, tile := range tiles {
		raw, err := page.CaptureRaw(ctx, browser.ScreenshotOptions{Format: browser.FormatPNG, Clip: toClip(tile.Clip)})
		if err != nil {
			return err
		}
		img, err := Decode(raw)
		if err != nil {
			return errs.Wrap(errs.KindCompositeFailure, err, fmt.Sprintf("tile %d", i))
		}
		images[i] = img
	}
	img, err := Stitch(r, tiles, images, stitchBackground(opts))
	if err != nil {
		return err
	}
	s.img = img
	s.tiles = len(tiles)
	return nil
}

const focusScript = `(() => {
	const el = document.querySelectorAll(%s)[%d];
	if (!el) return null;
	el.scrollIntoView({behavior: "instant", block: "start", inline: "nearest"});
	const r = el.getBoundingClientRect();
	return {left: r.left + window.scrollX, top: r.top + window.scrollY, width: r.width, height: r.height};
})()`

type box struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// focus scrolls the element into view and returns its document position.
// Failure is not fatal: the box-model position is used instead.
func (c *Compositor) focus(ctx context.Context, page Page, selector string, index int) (Rect, bool) {
	sel, err := json.Marshal(selector)
	if err != nil {
		return Rect{}, false
	}
	var b *box
	if err := page.Evaluate(ctx, fmt.Sprintf(focusScript, sel, index), &b); err != nil || b == nil {
		if err != nil {
			c.logger.Debug("focus element failed", zap.Int("index", index), zap.Error(err))
		}
		return Rect{}, false
	}
	return clamped(b.Left, b.Top, b.Width, b.Height), true
}

func toClip(r Rect) *browser.Clip {
	return &browser.Clip{
		X:      float64(r.Left),
		Y:      float64(r.Top),
		Width:  float64(r.Width),
		Height: float64(r.Height),
		Scale:  1,
	}
}

func stitchBackground(opts Options) color.Color {
	if opts.Background != nil && opts.Background.Opaque() {
		return opts.Background.NRGBA()
	}
	if opts.Format == browser.FormatJPEG {
		return color.White
	}
	return color.Black
}

// finish crops, resizes and encodes one shot.
func finish(s *shot, opts Options) ([]byte, error) {
	img := s.img
	if img == nil {
		if size, err := DecodeSize(s.raw); err == nil && size == s.out && opts.Format == browser.FormatPNG &&
			SkipPNGReencode(opts.Quality, false) {
			return s.raw, nil
		}
		decoded, err := Decode(s.raw)
		if err != nil {
			return nil, errs.Wrap(errs.KindCompositeFailure, err, fmt.Sprintf("element %d", s.index))
		}
		img = decoded
	}
	img = Fit(img, s.out.Width, s.out.Height, opts.Anchor)
	var bg color.Color = color.White
	if opts.Background != nil && opts.Background.Opaque() {
		bg = opts.Background.NRGBA()
	}
	buf, err := Encode(img, opts.Format, opts.Quality, bg)
	if err != nil {
		return nil, errs.Wrap(errs.KindCompositeFailure, err, fmt.Sprintf("element %d", s.index))
	}
	return buf, nil
}

// classify keeps session failures as reported and files anything else
// under kind.
func classify(err error, kind errs.Kind, msg string) error {
	if errs.Classified(err) {
		return err
	}
	return errs.Wrap(kind, err, msg)
}
