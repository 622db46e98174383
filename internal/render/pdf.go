package render

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"go.uber.org/zap"

	"github.com/laoshu133/html2image-cdp/internal/browser"
	"github.com/laoshu133/html2image-cdp/internal/capture"
	"github.com/laoshu133/html2image-cdp/internal/errs"
)

// cssPixelsPerInch converts CSS pixels to the inches printToPDF expects.
const cssPixelsPerInch = 96.0

const (
	minPDFScale = 0.1
	maxPDFScale = 2.0
)

var disablePDFConfig sync.Once

// PDFScale is dpi/referenceDPI clamped to the range printToPDF accepts.
func PDFScale(dpi, referenceDPI int) float64 {
	if dpi <= 0 || referenceDPI <= 0 {
		return 1
	}
	return math.Min(math.Max(float64(dpi)/float64(referenceDPI), minPDFScale), maxPDFScale)
}

// PageSize resolves the PDF page in CSS pixels. Explicit sizes win; a
// missing side comes from the viewport. With neither given the page follows
// the target element scaled by the DPI ratio, plus one pixel of height so
// the engine does not spill a blank trailing page.
func PageSize(p PDFConfig, viewport browser.Size, target capture.Rect) browser.Size {
	switch {
	case p.Width > 0 && p.Height > 0:
		return browser.Size{Width: p.Width, Height: p.Height}
	case p.Width > 0:
		return browser.Size{Width: p.Width, Height: viewport.Height}
	case p.Height > 0:
		return browser.Size{Width: viewport.Width, Height: p.Height}
	}
	scale := PDFScale(p.DPI, p.ReferenceDPI)
	return browser.Size{
		Width:  int(math.Round(float64(target.Width) * scale)),
		Height: int(math.Round(float64(target.Height)*scale)) + 1,
	}
}

func (r *Renderer) exportPDF(ctx context.Context, s *browser.Session, cfg Config) (*Result, error) {
	nodes, err := capture.WaitForTargets(ctx, s, cfg.Capture.Query)
	if err != nil {
		return nil, err
	}
	crop, err := measure(ctx, s, nodes[0])
	if err != nil {
		return nil, err
	}
	if cfg.Capture.Background != nil {
		if err := s.SetBackgroundColor(ctx, cfg.Capture.Background); err != nil {
			return nil, err
		}
	}

	page := PageSize(cfg.PDF, cfg.Capture.Viewport, crop)
	if err := capture.CheckLimits(page, cfg.Capture.MaxWidth, cfg.Capture.MaxHeight); err != nil {
		return nil, err
	}
	r.logger.Debug("pdf.start", zap.Any("page", page), zap.Any("rect", crop))

	buf, err := s.PrintPDF(ctx, browser.PDFOptions{
		PaperWidth:        float64(page.Width) / cssPixelsPerInch,
		PaperHeight:       float64(page.Height) / cssPixelsPerInch,
		Scale:             PDFScale(cfg.PDF.DPI, cfg.PDF.ReferenceDPI),
		Landscape:         cfg.PDF.Landscape,
		PrintBackground:   cfg.PDF.PrintBackground,
		PreferCSSPageSize: cfg.PDF.PreferCSSPageSize,
	})
	if err != nil {
		return nil, classify(err, errs.KindRenderError, "print pdf")
	}

	pages, err := PageCount(buf)
	if err != nil {
		r.logger.Warn("pdf page count failed", zap.Int("bytes", len(buf)), zap.Error(err))
	}
	return &Result{
		Action:   cfg.Action,
		Outputs:  []Output{{Buffer: buf, MIME: capture.MIMEPDF, CropRect: crop}},
		Metadata: Metadata{Crops: []capture.Rect{crop}, Pages: pages},
	}, nil
}

// PageCount reads the number of pages in a PDF document.
func PageCount(buf []byte) (n int, err error) {
	// pdfcpu panics on some truncated documents.
	defer func() {
		if r := recover(); r != nil {
			n, err = 0, fmt.Errorf("read pdf: %v", r)
		}
	}()
	disablePDFConfig.Do(api.DisableConfigDir)
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return api.PageCount(bytes.NewReader(buf), conf)
}
