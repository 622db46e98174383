package browser

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/laoshu133/html2image-cdp/internal/intercept"
)

// Browser connection modes.
const (
	ModeExec   = "exec"
	ModeRemote = "remote"
	ModeLaunch = "launch"
)

// CDPConfig selects how the browser is reached.
type CDPConfig struct {
	// Mode is exec (spawn via chromedp), remote (connect to Endpoint) or
	// launch (locate/spawn via the rod launcher, then connect).
	Mode          string
	Endpoint      string
	ExecPath      string
	Headless      bool
	NoSandbox     bool
	AttachTimeout time.Duration
	Logger        *zap.Logger
}

// CDPBrowser owns the browser process or connection shared by every tab and
// opens a new tab per Dial.
type CDPBrowser struct {
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	launched      *launchedBrowser
	attachTimeout time.Duration
	logger        *zap.Logger
}

// NewCDPBrowser connects to or starts the browser and waits for it to answer.
func NewCDPBrowser(cfg CDPConfig) (*CDPBrowser, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.AttachTimeout <= 0 {
		cfg.AttachTimeout = 15 * time.Second
	}
	b := &CDPBrowser{attachTimeout: cfg.AttachTimeout, logger: logger}

	var allocCtx context.Context
	switch cfg.Mode {
	case ModeRemote:
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("browser endpoint is required in remote mode")
		}
		allocCtx, b.allocCancel = chromedp.NewRemoteAllocator(context.Background(), cfg.Endpoint)
	case ModeLaunch:
		lb, err := launchLocal(cfg)
		if err != nil {
			return nil, err
		}
		b.launched = lb
		allocCtx, b.allocCancel = chromedp.NewRemoteAllocator(context.Background(), lb.controlURL)
	case ModeExec, "":
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("hide-scrollbars", true),
			chromedp.Flag("enable-automation", false),
		)
		if cfg.Headless {
			opts = append(opts, chromedp.Flag("headless", "new"))
		} else {
			opts = append(opts, chromedp.Flag("headless", false))
		}
		if cfg.NoSandbox {
			opts = append(opts, chromedp.NoSandbox)
		}
		if cfg.ExecPath != "" {
			opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
		}
		allocCtx, b.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unknown browser mode %q", cfg.Mode)
	}

	b.browserCtx, b.browserCancel = chromedp.NewContext(allocCtx)
	if err := runWithin(b.browserCtx, cfg.AttachTimeout); err != nil {
		b.Close()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	logger.Info("browser connected", zap.String("mode", cfg.Mode))
	return b, nil
}

// runWithin starts ctx's target, giving up after d.
func runWithin(ctx context.Context, d time.Duration) error {
	errCh := make(chan error, 1)
	go func() { errCh <- chromedp.Run(ctx) }()
	select {
	case err := <-errCh:
		return err
	case <-time.After(d):
		return fmt.Errorf("no answer from browser after %s", d)
	}
}

// Dial opens a new tab.
func (b *CDPBrowser) Dial(ctx context.Context) (Driver, error) {
	tabCtx, cancel := chromedp.NewContext(b.browserCtx)
	errCh := make(chan error, 1)
	go func() { errCh <- chromedp.Run(tabCtx) }()
	select {
	case err := <-errCh:
		if err != nil {
			cancel()
			return nil, fmt.Errorf("create target: %w", err)
		}
	case <-ctx.Done():
		cancel()
		return nil, fmt.Errorf("create target: %w", ctx.Err())
	case <-time.After(b.attachTimeout):
		cancel()
		return nil, fmt.Errorf("create target: no answer after %s", b.attachTimeout)
	}
	c := chromedp.FromContext(tabCtx)
	if c == nil || c.Target == nil {
		cancel()
		return nil, fmt.Errorf("create target: no target attached")
	}
	d := &cdpDriver{
		tabCtx: tabCtx,
		cancel: cancel,
		target: c.Target,
		id:     string(c.Target.TargetID),
		logger: b.logger.With(zap.String("target_id", string(c.Target.TargetID))),
	}
	chromedp.ListenTarget(tabCtx, d.onEvent)
	return d, nil
}

// Targets lists the browser's page targets.
func (b *CDPBrowser) Targets(_ context.Context) ([]TargetInfo, error) {
	infos, err := chromedp.Targets(b.browserCtx)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	out := make([]TargetInfo, 0, len(infos))
	for _, info := range infos {
		if info.Type != "page" {
			continue
		}
		out = append(out, TargetInfo{ID: string(info.TargetID), URL: info.URL})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Close shuts the browser connection and any process this browser started.
func (b *CDPBrowser) Close() {
	if b.browserCancel != nil {
		b.browserCancel()
	}
	if b.allocCancel != nil {
		b.allocCancel()
	}
	if b.launched != nil {
		b.launched.kill()
	}
}

// cdpDriver is one tab reached through chromedp.
type cdpDriver struct {
	tabCtx context.Context
	cancel context.CancelFunc
	target cdp.Executor
	id     string
	logger *zap.Logger

	enableOnce sync.Once
	enableErr  error

	mu       sync.Mutex
	gate     *intercept.Gate
	fetchOn  bool
	frameURL string
	err      error
	closed   bool
}

// exec scopes ctx to the tab: commands go to this target and stop when the
// tab goes away.
func (d *cdpDriver) exec(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(d.tabCtx, cancel)
	return cdp.WithExecutor(ctx, d.target), func() {
		stop()
		cancel()
	}
}

// classify separates protocol replies the page produced from failures of the
// browser connection.
func (d *cdpDriver) classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var perr *cdproto.Error
	switch {
	case errors.As(err, &perr):
		return fmt.Errorf("%s: %w", op, err)
	case d.tabCtx.Err() != nil:
		return fmt.Errorf("%w: %s: %w", ErrTransport, op, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fmt.Errorf("%s: %w", op, err)
	default:
		return fmt.Errorf("%w: %s: %w", ErrTransport, op, err)
	}
}

func (d *cdpDriver) onEvent(ev any) {
	switch e := ev.(type) {
	case *inspector.EventDetached:
		d.terminate(fmt.Errorf("target detached: %s", e.Reason))
	case *inspector.EventTargetCrashed:
		d.terminate(errors.New("target crashed"))
	case *page.EventFrameNavigated:
		if e.Frame != nil && e.Frame.ParentID == "" {
			d.mu.Lock()
			d.frameURL = e.Frame.URL
			d.mu.Unlock()
		}
	case *fetch.EventRequestPaused:
		go d.resume(e)
	}
}

func (d *cdpDriver) terminate(err error) {
	d.mu.Lock()
	if d.err == nil && !d.closed {
		d.err = err
	}
	d.mu.Unlock()
	// cancel waits for the target to close, which needs the event loop this
	// listener is running on.
	go d.cancel()
}

// resume applies the gate to a paused request. It runs off the event loop
// because the continue command needs an answer from the same connection.
func (d *cdpDriver) resume(ev *fetch.EventRequestPaused) {
	d.mu.Lock()
	gate := d.gate
	frameURL := d.frameURL
	d.mu.Unlock()

	ctx := cdp.WithExecutor(d.tabCtx, d.target)
	req := intercept.Request{FrameURL: frameURL, ResourceType: string(ev.ResourceType)}
	if ev.Request != nil {
		req.URL = ev.Request.URL
		req.Method = ev.Request.Method
		req.Headers = fromNetworkHeaders(ev.Request.Headers)
	}
	decision := gate.Decide(req)

	var err error
	switch decision.Action {
	case intercept.Block:
		err = fetch.FailRequest(ev.RequestID, network.ErrorReasonBlockedByClient).Do(ctx)
	case intercept.Mutate:
		p := fetch.ContinueRequest(ev.RequestID)
		if decision.URL != "" {
			p = p.WithURL(decision.URL)
		}
		if decision.Headers != nil {
			p = p.WithHeaders(toHeaderEntries(decision.Headers))
		}
		err = p.Do(ctx)
	default:
		err = fetch.ContinueRequest(ev.RequestID).Do(ctx)
	}
	if err != nil && d.tabCtx.Err() == nil {
		d.logger.Debug("resume intercepted request failed",
			zap.String("url", req.URL),
			zap.Stringer("action", decision.Action),
			zap.Error(err))
	}
}

func (d *cdpDriver) enableDomains(ctx context.Context) error {
	d.enableOnce.Do(func() {
		steps := []struct {
			name   string
			action interface{ Do(context.Context) error }
		}{
			{"page", page.Enable()},
			{"dom", dom.Enable()},
			{"runtime", runtime.Enable()},
			{"network", network.Enable()},
			{"inspector", inspector.Enable()},
		}
		for _, step := range steps {
			if err := step.action.Do(ctx); err != nil {
				d.enableErr = d.classify("enable "+step.name, err)
				return
			}
		}
	})
	return d.enableErr
}

// setInterception switches request pausing on or off for the next
// navigation. The lock is never held across a protocol round trip: the
// event listener takes it too and runs on the loop that delivers replies.
func (d *cdpDriver) setInterception(ctx context.Context, gate *intercept.Gate, url string) error {
	want := gate.AppliesTo(url)
	d.mu.Lock()
	on := d.fetchOn
	if want {
		d.gate = gate
	} else {
		d.gate = nil
	}
	d.mu.Unlock()

	switch {
	case want && !on:
		err := fetch.Enable().WithPatterns([]*fetch.RequestPattern{
			{URLPattern: "*", RequestStage: fetch.RequestStageRequest},
		}).Do(ctx)
		if err != nil {
			return d.classify("enable interception", err)
		}
	case !want && on:
		if err := fetch.Disable().Do(ctx); err != nil {
			return d.classify("disable interception", err)
		}
	default:
		return nil
	}
	d.mu.Lock()
	d.fetchOn = want
	d.mu.Unlock()
	return nil
}

func (d *cdpDriver) Navigate(ctx context.Context, url string, gate *intercept.Gate) error {
	ctx, done := d.exec(ctx)
	defer done()
	if err := d.enableDomains(ctx); err != nil {
		return err
	}
	if err := d.setInterception(ctx, gate, url); err != nil {
		return err
	}
	var res page.NavigateReturns
	if err := cdp.Execute(ctx, page.CommandNavigate, page.Navigate(url), &res); err != nil {
		return d.classify("navigate", err)
	}
	if res.ErrorText != "" {
		return fmt.Errorf("%w: %s: %s", ErrNavigation, url, res.ErrorText)
	}
	return nil
}

func (d *cdpDriver) SetDocumentContent(ctx context.Context, html string) error {
	ctx, done := d.exec(ctx)
	defer done()
	if err := d.enableDomains(ctx); err != nil {
		return err
	}
	tree, err := page.GetFrameTree().Do(ctx)
	if err != nil {
		return d.classify("get frame tree", err)
	}
	if err := page.SetDocumentContent(tree.Frame.ID, html).Do(ctx); err != nil {
		return d.classify("set document content", err)
	}
	return nil
}

func (d *cdpDriver) QueryAll(ctx context.Context, selector string) ([]NodeID, error) {
	ctx, done := d.exec(ctx)
	defer done()
	root, err := dom.GetDocument().Do(ctx)
	if err != nil {
		return nil, d.classify("get document", err)
	}
	ids, err := dom.QuerySelectorAll(root.NodeID, selector).Do(ctx)
	if err != nil {
		return nil, d.classify("query selector all", err)
	}
	out := make([]NodeID, len(ids))
	for i, id := range ids {
		out[i] = NodeID(id)
	}
	return out, nil
}

func (d *cdpDriver) BoxModel(ctx context.Context, node NodeID) (Quad, error) {
	ctx, done := d.exec(ctx)
	defer done()
	model, err := dom.GetBoxModel().WithNodeID(cdp.NodeID(node)).Do(ctx)
	if err != nil {
		return nil, d.classify("get box model", err)
	}
	return Quad(model.Border), nil
}

func (d *cdpDriver) SetVisibleSize(ctx context.Context, width, height int) error {
	ctx, done := d.exec(ctx)
	defer done()
	err := emulation.SetDeviceMetricsOverride(int64(width), int64(height), 1, false).Do(ctx)
	return d.classify("set device metrics", err)
}

func (d *cdpDriver) SetBackgroundColor(ctx context.Context, color *RGBA) error {
	ctx, done := d.exec(ctx)
	defer done()
	p := emulation.SetDefaultBackgroundColorOverride()
	if color != nil {
		p = p.WithColor(&cdp.RGBA{R: int64(color.R), G: int64(color.G), B: int64(color.B), A: color.A})
	}
	return d.classify("set background color", p.Do(ctx))
}

func (d *cdpDriver) Evaluate(ctx context.Context, expression string, out any) error {
	ctx, done := d.exec(ctx)
	defer done()
	err := chromedp.Evaluate(expression, out, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true)
	}).Do(ctx)
	return d.classify("evaluate", err)
}

func (d *cdpDriver) CaptureScreenshot(ctx context.Context, opts ScreenshotOptions) ([]byte, error) {
	ctx, done := d.exec(ctx)
	defer done()
	p := page.CaptureScreenshot().WithFromSurface(true).WithCaptureBeyondViewport(true)
	if opts.Format == FormatJPEG {
		p = p.WithFormat(page.CaptureScreenshotFormatJpeg)
		if opts.Quality > 0 {
			p = p.WithQuality(int64(opts.Quality))
		}
	} else {
		p = p.WithFormat(page.CaptureScreenshotFormatPng)
	}
	if c := opts.Clip; c != nil {
		scale := c.Scale
		if scale <= 0 {
			scale = 1
		}
		p = p.WithClip(&page.Viewport{X: c.X, Y: c.Y, Width: c.Width, Height: c.Height, Scale: scale})
	}
	buf, err := p.Do(ctx)
	if err != nil {
		return nil, d.classify("capture screenshot", err)
	}
	return buf, nil
}

func (d *cdpDriver) PrintToPDF(ctx context.Context, opts PDFOptions) ([]byte, error) {
	ctx, done := d.exec(ctx)
	defer done()
	p := page.PrintToPDF().
		WithPrintBackground(opts.PrintBackground).
		WithPreferCSSPageSize(opts.PreferCSSPageSize).
		WithLandscape(opts.Landscape)
	if opts.Scale > 0 {
		p = p.WithScale(opts.Scale)
	}
	if opts.PaperWidth > 0 {
		p = p.WithPaperWidth(opts.PaperWidth)
	}
	if opts.PaperHeight > 0 {
		p = p.WithPaperHeight(opts.PaperHeight)
	}
	buf, _, err := p.Do(ctx)
	if err != nil {
		return nil, d.classify("print to pdf", err)
	}
	return buf, nil
}

func (d *cdpDriver) Target() TargetInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return TargetInfo{ID: d.id, URL: d.frameURL}
}

func (d *cdpDriver) Done() <-chan struct{} { return d.tabCtx.Done() }

func (d *cdpDriver) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, d.err)
	}
	if d.tabCtx.Err() != nil && !d.closed {
		return fmt.Errorf("%w: browser connection lost", ErrTransport)
	}
	return nil
}

func (d *cdpDriver) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	errCh := make(chan error, 1)
	go func() { errCh <- chromedp.Cancel(d.tabCtx) }()
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("close target: %w", err)
		}
		return nil
	case <-ctx.Done():
		go d.cancel()
		return fmt.Errorf("close target: %w", ctx.Err())
	}
}

func fromNetworkHeaders(src network.Headers) http.Header {
	headers := http.Header{}
	for key, value := range src {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []string:
			for _, entry := range v {
				headers.Add(key, entry)
			}
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	return headers
}

func toHeaderEntries(h http.Header) []*fetch.HeaderEntry {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	entries := make([]*fetch.HeaderEntry, 0, len(keys))
	for _, k := range keys {
		for _, v := range h[k] {
			entries = append(entries, &fetch.HeaderEntry{Name: k, Value: v})
		}
	}
	return entries
}
