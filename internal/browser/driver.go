// Package browser wraps a single remote-debugging browser target as a Session
// with an explicit lifecycle, and provides the chromedp-backed transport that
// speaks the wire protocol.
package browser

import (
	"context"
	"errors"

	"github.com/laoshu133/html2image-cdp/internal/intercept"
)

var (
	// ErrTransport marks failures of the connection to the browser itself.
	// A session that sees one is never reused.
	ErrTransport = errors.New("browser transport failure")
	// ErrNavigation marks a navigation the browser reported as failed.
	ErrNavigation = errors.New("navigation failed")
	// ErrClosed resolves a session's done channel after an orderly close.
	ErrClosed = errors.New("browser session closed")
)

// BlankURL is the neutral page sessions are parked on between jobs.
const BlankURL = "about:blank"

// NodeID identifies a DOM node within the current document.
type NodeID int64

// Quad is a box-model quad: four x,y corner pairs.
type Quad []float64

// Size is a width/height pair in CSS pixels.
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Clip is a screenshot region in document coordinates.
type Clip struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
	Scale  float64
}

// ImageFormat names a raw screenshot encoding.
type ImageFormat string

// Screenshot encodings supported by the wire protocol.
const (
	FormatPNG  ImageFormat = "png"
	FormatJPEG ImageFormat = "jpeg"
)

// ScreenshotOptions configures one raw capture.
type ScreenshotOptions struct {
	Format  ImageFormat
	Quality int
	Clip    *Clip
}

// PDFOptions configures a print-to-PDF export. Paper sizes are in inches.
type PDFOptions struct {
	PaperWidth        float64
	PaperHeight       float64
	Scale             float64
	Landscape         bool
	PrintBackground   bool
	PreferCSSPageSize bool
}

// TargetInfo describes the browser tab behind a session.
type TargetInfo struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Driver is the wire-protocol surface of one browser tab. Implementations
// wrap connection failures with ErrTransport and report asynchronous
// detach/crash through Done and Err.
type Driver interface {
	Navigate(ctx context.Context, url string, gate *intercept.Gate) error
	SetDocumentContent(ctx context.Context, html string) error
	QueryAll(ctx context.Context, selector string) ([]NodeID, error)
	BoxModel(ctx context.Context, node NodeID) (Quad, error)
	SetVisibleSize(ctx context.Context, width, height int) error
	SetBackgroundColor(ctx context.Context, color *RGBA) error
	Evaluate(ctx context.Context, expression string, out any) error
	CaptureScreenshot(ctx context.Context, opts ScreenshotOptions) ([]byte, error)
	PrintToPDF(ctx context.Context, opts PDFOptions) ([]byte, error)
	Target() TargetInfo
	Done() <-chan struct{}
	Err() error
	Close(ctx context.Context) error
}

// Dialer opens new browser tabs.
type Dialer interface {
	Dial(ctx context.Context) (Driver, error)
}
