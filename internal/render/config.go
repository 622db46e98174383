package render

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/laoshu133/html2image-cdp/internal/browser"
	"github.com/laoshu133/html2image-cdp/internal/capture"
	"github.com/laoshu133/html2image-cdp/internal/errs"
)

// Action selects what a job produces.
type Action string

// Job actions.
const (
	ActionShot Action = "shot"
	ActionPDF  Action = "shotpdf"
	ActionSSR  Action = "ssr"
)

// DataType selects how results are returned to the client.
type DataType string

// Response data types.
const (
	DataJSON  DataType = "json"
	DataImage DataType = "image"
	DataPDF   DataType = "pdf"
)

var jpegType = regexp.MustCompile(`(?i)^\.?jpe?g$`)

// Settings are the process-wide defaults and limits applied to every request.
type Settings struct {
	Viewport       browser.Size
	Selector       string
	FindTimeout    time.Duration
	MaxFindTimeout time.Duration
	FindInterval   time.Duration
	MinCount       int
	MaxCount       int
	ImageType      string
	ImageQuality   int
	MaxWidth       int
	MaxHeight      int
	UnitSize       int
	LoadTimeout    time.Duration
	ReadyInterval  time.Duration
	RenderDelay    time.Duration
	MaxRenderDelay time.Duration
	ReferenceDPI   int
	PDFDPI         int
}

// DefaultSettings returns the built-in defaults.
func DefaultSettings() Settings {
	return Settings{
		Viewport:       browser.Size{Width: 800, Height: 600},
		Selector:       "body",
		FindTimeout:    16 * time.Second,
		MaxFindTimeout: 16 * time.Second,
		FindInterval:   100 * time.Millisecond,
		MinCount:       1,
		MaxCount:       999,
		ImageType:      "png",
		ImageQuality:   90,
		MaxWidth:       8000,
		MaxHeight:      8000,
		UnitSize:       capture.DefaultUnitSize,
		LoadTimeout:    10 * time.Second,
		ReadyInterval:  100 * time.Millisecond,
		RenderDelay:    32 * time.Millisecond,
		MaxRenderDelay: time.Second,
		ReferenceDPI:   96,
		PDFDPI:         96,
	}
}

// PDFConfig is the normalized PDF page setup. Width and Height are CSS
// pixels; zero means the size follows the target element.
type PDFConfig struct {
	Width             int
	Height            int
	DPI               int
	ReferenceDPI      int
	Landscape         bool
	PrintBackground   bool
	PreferCSSPageSize bool
}

// Config is one fully normalized job. It is built once by Normalize and
// passed by value; nothing downstream re-parses or mutates it.
type Config struct {
	Action   Action
	DataType DataType
	// URL is empty for inline jobs, whose document is Content.
	URL           string
	Content       string
	Capture       capture.Options
	PDF           PDFConfig
	LoadTimeout   time.Duration
	ReadyInterval time.Duration
	RenderDelay   time.Duration
}

// Inline reports whether the job renders injected HTML.
func (c Config) Inline() bool { return c.Content != "" }

// Target is the URL or a short description of the inline document, for logs.
func (c Config) Target() string {
	if c.Inline() {
		return fmt.Sprintf("inline(%d bytes)", len(c.Content))
	}
	return c.URL
}

// Extension is the file extension of the job's artifacts.
func (c Config) Extension() string {
	switch {
	case c.Action == ActionPDF:
		return ".pdf"
	case c.Action == ActionSSR:
		return ".html"
	case c.Capture.Format == browser.FormatJPEG:
		return ".jpg"
	default:
		return ".png"
	}
}

// Normalize validates req and resolves it against s into a Config. Every
// failure is a KindConfig error.
func Normalize(req Request, s Settings) (Config, error) {
	cfg := Config{
		LoadTimeout:   s.LoadTimeout,
		ReadyInterval: s.ReadyInterval,
	}

	switch strings.ToLower(strings.TrimSpace(req.Action)) {
	case "", "shot", "makeshot":
		cfg.Action = ActionShot
	case "shotpdf", "pdf":
		cfg.Action = ActionPDF
	case "ssr":
		cfg.Action = ActionSSR
	default:
		return Config{}, errs.New(errs.KindConfig, "unknown action %q", req.Action)
	}

	switch DataType(strings.ToLower(strings.TrimSpace(req.DataType))) {
	case "", DataJSON:
		cfg.DataType = DataJSON
	case DataImage:
		cfg.DataType = DataImage
	case DataPDF:
		cfg.DataType = DataPDF
		cfg.Action = ActionPDF
	default:
		return Config{}, errs.New(errs.KindConfig, "unknown dataType %q", req.DataType)
	}
	if cfg.Action == ActionPDF && cfg.DataType == DataImage {
		cfg.DataType = DataPDF
	}
	if cfg.Action == ActionSSR {
		cfg.DataType = DataJSON
	}

	cfg.Content = req.Content
	if cfg.Content == "" {
		u := strings.TrimSpace(req.URL)
		if u == "" {
			return Config{}, errs.New(errs.KindConfig, "url or content is required")
		}
		if !strings.Contains(u, "://") && !strings.HasPrefix(u, "about:") && !strings.HasPrefix(u, "data:") {
			u = "http://" + u
		}
		cfg.URL = u
	}

	opts, err := captureOptions(req, s)
	if err != nil {
		return Config{}, err
	}
	switch {
	case cfg.Action == ActionSSR:
		opts.MinCount, opts.MaxCount = 1, 1
	case cfg.DataType == DataImage:
		opts.MaxCount = 1
	}
	if cfg.Action == ActionPDF {
		opts.Background = ptr(browser.White)
		if req.BackgroundColor != "" {
			c, err := browser.ParseColor(req.BackgroundColor)
			if err != nil {
				return Config{}, errs.Wrap(errs.KindConfig, err, "backgroundColor")
			}
			opts.Background = &c
		}
	}
	cfg.Capture = opts

	cfg.RenderDelay = s.RenderDelay
	if req.RenderDelay > 0 {
		cfg.RenderDelay = time.Duration(req.RenderDelay) * time.Millisecond
	}
	if s.MaxRenderDelay > 0 {
		cfg.RenderDelay = min(cfg.RenderDelay, s.MaxRenderDelay)
	}

	if cfg.Action == ActionPDF {
		cfg.PDF = PDFConfig{
			Width:             max(int(req.PDF.Width), 0),
			Height:            max(int(req.PDF.Height), 0),
			DPI:               s.PDFDPI,
			ReferenceDPI:      s.ReferenceDPI,
			Landscape:         req.PDF.Landscape,
			PrintBackground:   true,
			PreferCSSPageSize: req.PDF.PreferCSSPageSize,
		}
		if req.PDF.DPI > 0 {
			cfg.PDF.DPI = int(req.PDF.DPI)
		}
		if req.PDF.PrintBackground != nil {
			cfg.PDF.PrintBackground = *req.PDF.PrintBackground
		}
	}
	return cfg, nil
}

func captureOptions(req Request, s Settings) (capture.Options, error) {
	opts := capture.Options{
		Query: capture.Query{
			Selector:      strings.TrimSpace(req.Selector),
			ErrorSelector: strings.TrimSpace(req.ErrorSelector),
			MinCount:      s.MinCount,
			Timeout:       s.FindTimeout,
			Interval:      s.FindInterval,
		},
		MaxCount:  s.MaxCount,
		Viewport:  s.Viewport,
		Width:     max(req.ImageSize.Width, 0),
		Height:    max(req.ImageSize.Height, 0),
		Quality:   s.ImageQuality,
		MaxWidth:  s.MaxWidth,
		MaxHeight: s.MaxHeight,
		UnitSize:  s.UnitSize,
	}
	if opts.Selector == "" {
		opts.Selector = s.Selector
	}
	if req.MinCount > 0 {
		opts.MinCount = int(req.MinCount)
	}
	if req.MaxCount > 0 {
		opts.MaxCount = int(req.MaxCount)
	}
	if opts.MinCount < 1 {
		opts.MinCount = 1
	}
	if req.FindTimeout > 0 {
		opts.Timeout = time.Duration(req.FindTimeout) * time.Millisecond
	}
	if s.MaxFindTimeout > 0 {
		opts.Timeout = min(opts.Timeout, s.MaxFindTimeout)
	}

	if req.Viewport[0] > 0 {
		opts.Viewport.Width = req.Viewport[0]
	}
	if req.Viewport[1] > 0 {
		opts.Viewport.Height = req.Viewport[1]
	}
	if opts.Viewport.Width <= 0 {
		opts.Viewport.Width = 800
	}
	if opts.Viewport.Height <= 0 {
		opts.Viewport.Height = 600
	}

	imageType := req.ImageType
	if imageType == "" {
		imageType = s.ImageType
	}
	opts.Format = browser.FormatPNG
	if jpegType.MatchString(strings.TrimSpace(imageType)) {
		opts.Format = browser.FormatJPEG
	}

	if req.ImageQuality != 0 {
		opts.Quality = int(req.ImageQuality)
	}
	if opts.Quality == 0 {
		opts.Quality = 90
	}
	opts.Quality = min(max(opts.Quality, 1), 100)

	anchor, err := capture.ParseAnchor(req.ImageSize.Position)
	if err != nil {
		return capture.Options{}, errs.Wrap(errs.KindConfig, err, "imageSize.position")
	}
	opts.Anchor = anchor

	switch {
	case req.BackgroundColor != "":
		c, err := browser.ParseColor(req.BackgroundColor)
		if err != nil {
			return capture.Options{}, errs.Wrap(errs.KindConfig, err, "backgroundColor")
		}
		opts.Background = &c
	case opts.Format == browser.FormatJPEG:
		opts.Background = ptr(browser.White)
	default:
		opts.Background = ptr(browser.Transparent)
	}
	return opts, nil
}

func ptr(c browser.RGBA) *browser.RGBA { return &c }
