// Package browsertest provides in-memory browser drivers for tests that must
// not start a real browser.
package browsertest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/laoshu133/html2image-cdp/internal/browser"
	"github.com/laoshu133/html2image-cdp/internal/intercept"
)

// Driver is a scriptable browser.Driver. Zero-value hooks fall back to
// simple defaults: every selector matches nothing, documents are always
// complete, screenshots are solid images of the clip size.
type Driver struct {
	ID string

	// Nodes maps a selector to the nodes it matches.
	Nodes map[string][]browser.NodeID
	// Quads maps nodes to their border quads.
	Quads map[browser.NodeID]browser.Quad
	// Fill is the color of default screenshots.
	Fill color.NRGBA

	NavigateHook   func(url string) error
	QueryHook      func(selector string) ([]browser.NodeID, error)
	BoxModelHook   func(node browser.NodeID) (browser.Quad, error)
	EvalHook       func(expression string) (any, error)
	ScreenshotHook func(ctx context.Context, opts browser.ScreenshotOptions) ([]byte, error)
	PDFHook        func(opts browser.PDFOptions) ([]byte, error)

	mu         sync.Mutex
	calls      []string
	url        string
	viewport   browser.Size
	background *browser.RGBA
	gates      []*intercept.Gate
	clips      []browser.Clip
	content    string

	done     chan struct{}
	doneOnce sync.Once
	err      error
	closed   atomic.Bool
}

// NewDriver returns a Driver with an id.
func NewDriver(id string) *Driver {
	return &Driver{
		ID:    id,
		Nodes: map[string][]browser.NodeID{},
		Quads: map[browser.NodeID]browser.Quad{},
		Fill:  color.NRGBA{R: 0xff, A: 0xff},
		done:  make(chan struct{}),
	}
}

func (d *Driver) record(call string) {
	d.mu.Lock()
	d.calls = append(d.calls, call)
	d.mu.Unlock()
}

// Calls returns the operations seen so far, in order.
func (d *Driver) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

// URL returns the last navigated URL.
func (d *Driver) URL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.url
}

// Viewport returns the last visible size.
func (d *Driver) Viewport() browser.Size {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.viewport
}

// Background returns the last background override.
func (d *Driver) Background() *browser.RGBA {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.background
}

// Gates returns the gate passed to each navigation.
func (d *Driver) Gates() []*intercept.Gate {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*intercept.Gate(nil), d.gates...)
}

// Clips returns every screenshot clip requested.
func (d *Driver) Clips() []browser.Clip {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]browser.Clip(nil), d.clips...)
}

// Content returns the last inline document.
func (d *Driver) Content() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.content
}

// Crash simulates the tab dying underneath its session.
func (d *Driver) Crash(err error) {
	d.doneOnce.Do(func() {
		d.mu.Lock()
		d.err = err
		d.mu.Unlock()
		close(d.done)
	})
}

// Closed reports whether Close was called.
func (d *Driver) Closed() bool { return d.closed.Load() }

func (d *Driver) Navigate(_ context.Context, url string, gate *intercept.Gate) error {
	d.record("navigate " + url)
	if d.NavigateHook != nil {
		if err := d.NavigateHook(url); err != nil {
			return err
		}
	}
	d.mu.Lock()
	d.url = url
	d.gates = append(d.gates, gate)
	d.mu.Unlock()
	return nil
}

func (d *Driver) SetDocumentContent(_ context.Context, html string) error {
	d.record("set content")
	d.mu.Lock()
	d.content = html
	d.mu.Unlock()
	return nil
}

func (d *Driver) QueryAll(_ context.Context, selector string) ([]browser.NodeID, error) {
	d.record("query " + selector)
	if d.QueryHook != nil {
		return d.QueryHook(selector)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]browser.NodeID(nil), d.Nodes[selector]...), nil
}

func (d *Driver) BoxModel(_ context.Context, node browser.NodeID) (browser.Quad, error) {
	d.record(fmt.Sprintf("box %d", node))
	if d.BoxModelHook != nil {
		return d.BoxModelHook(node)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.Quads[node]
	if !ok {
		return nil, fmt.Errorf("could not compute box model for node %d", node)
	}
	return q, nil
}

func (d *Driver) SetVisibleSize(_ context.Context, width, height int) error {
	d.record(fmt.Sprintf("viewport %dx%d", width, height))
	d.mu.Lock()
	d.viewport = browser.Size{Width: width, Height: height}
	d.mu.Unlock()
	return nil
}

func (d *Driver) SetBackgroundColor(_ context.Context, c *browser.RGBA) error {
	d.record("background")
	d.mu.Lock()
	d.background = c
	d.mu.Unlock()
	return nil
}

func (d *Driver) Evaluate(_ context.Context, expression string, out any) error {
	d.record("evaluate")
	var (
		v   any
		err error
	)
	if d.EvalHook != nil {
		v, err = d.EvalHook(expression)
	} else {
		v = defaultEval(expression)
	}
	if err != nil {
		return err
	}
	return Assign(out, v)
}

func defaultEval(expression string) any {
	if strings.Contains(expression, "readyState") {
		return "complete"
	}
	return nil
}

// Assign copies v into out through JSON, the way evaluation results arrive.
func Assign(out any, v any) error {
	if out == nil || v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal eval result: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode eval result: %w", err)
	}
	return nil
}

func (d *Driver) CaptureScreenshot(ctx context.Context, opts browser.ScreenshotOptions) ([]byte, error) {
	d.record("screenshot")
	if opts.Clip != nil {
		d.mu.Lock()
		d.clips = append(d.clips, *opts.Clip)
		d.mu.Unlock()
	}
	if d.ScreenshotHook != nil {
		return d.ScreenshotHook(ctx, opts)
	}
	w, h := 800, 600
	if opts.Clip != nil {
		w, h = int(opts.Clip.Width), int(opts.Clip.Height)
	}
	return SolidImage(w, h, d.Fill, opts.Format)
}

func (d *Driver) PrintToPDF(_ context.Context, opts browser.PDFOptions) ([]byte, error) {
	d.record("pdf")
	if d.PDFHook != nil {
		return d.PDFHook(opts)
	}
	return []byte("%PDF-1.4\n%%EOF\n"), nil
}

func (d *Driver) Target() browser.TargetInfo {
	return browser.TargetInfo{ID: d.ID, URL: d.URL()}
}

func (d *Driver) Done() <-chan struct{} { return d.done }

func (d *Driver) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", browser.ErrTransport, d.err)
}

func (d *Driver) Close(context.Context) error {
	d.record("close")
	d.closed.Store(true)
	d.doneOnce.Do(func() { close(d.done) })
	return nil
}

// SolidImage encodes a w×h image filled with c.
func SolidImage(w, h int, c color.NRGBA, format browser.ImageFormat) ([]byte, error) {
	if w < 1 || h < 1 {
		return nil, fmt.Errorf("invalid image size %dx%d", w, h)
	}
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	var err error
	if format == browser.FormatJPEG {
		err = jpeg.Encode(&buf, img, nil)
	} else {
		err = png.Encode(&buf, img)
	}
	if err != nil {
		return nil, fmt.Errorf("encode test image: %w", err)
	}
	return buf.Bytes(), nil
}

// Dialer hands out fresh Drivers and counts them.
type Dialer struct {
	// Err, when set, fails every Dial.
	Err error
	// Setup customises each new driver.
	Setup func(*Driver)

	mu      sync.Mutex
	drivers []*Driver
}

// Dial implements browser.Dialer.
func (f *Dialer) Dial(ctx context.Context) (browser.Driver, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.Err != nil {
		return nil, f.Err
	}
	f.mu.Lock()
	d := NewDriver(fmt.Sprintf("target-%d", len(f.drivers)+1))
	f.drivers = append(f.drivers, d)
	f.mu.Unlock()
	if f.Setup != nil {
		f.Setup(d)
	}
	return d, nil
}

// Drivers returns every driver dialed so far.
func (f *Dialer) Drivers() []*Driver {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Driver(nil), f.drivers...)
}

// ErrDialFailed is a convenient dial failure.
var ErrDialFailed = errors.New("dial failed")
