package render_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/laoshu133/html2image-cdp/internal/browser"
	"github.com/laoshu133/html2image-cdp/internal/browser/browsertest"
	"github.com/laoshu133/html2image-cdp/internal/capture"
	"github.com/laoshu133/html2image-cdp/internal/errs"
	"github.com/laoshu133/html2image-cdp/internal/intercept"
	"github.com/laoshu133/html2image-cdp/internal/pool"
	"github.com/laoshu133/html2image-cdp/internal/render"
)

func quad(left, top, width, height float64) browser.Quad {
	return browser.Quad{left, top, left + width, top, left + width, top + height, left, top + height}
}

func bodyPage(d *browsertest.Driver) {
	d.Nodes["body"] = []browser.NodeID{1}
	d.Quads[1] = quad(0, 0, 800, 600)
}

func testSettings() render.Settings {
	s := render.DefaultSettings()
	s.FindTimeout = 60 * time.Millisecond
	s.FindInterval = 5 * time.Millisecond
	s.ReadyInterval = 5 * time.Millisecond
	s.LoadTimeout = 200 * time.Millisecond
	s.RenderDelay = 0
	return s
}

func newRenderer(t *testing.T, dialer *browsertest.Dialer) (*render.Renderer, *pool.Pool) {
	t.Helper()
	p := pool.New(dialer, pool.Options{
		Capacity:        1,
		MaxUses:         10,
		AcquireTimeout:  time.Second,
		AcquireInterval: 5 * time.Millisecond,
	})
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return render.New(p, render.Options{}), p
}

func normalize(t *testing.T, req render.Request) render.Config {
	t.Helper()
	cfg, err := render.Normalize(req, testSettings())
	require.NoError(t, err)
	return cfg
}

func TestRenderBlankPage(t *testing.T) {
	t.Parallel()

	dialer := &browsertest.Dialer{Setup: bodyPage}
	r, _ := newRenderer(t, dialer)
	cfg := normalize(t, render.Request{
		URL:      "about:blank",
		Selector: "body",
		MinCount: 1,
		DataType: "image",
		Viewport: render.Pair{800, 600},
	})

	res, err := r.Render(context.Background(), "shot_1", cfg)
	require.NoError(t, err)
	require.Len(t, res.Outputs, 1)
	assert.Equal(t, capture.MIMEPNG, res.Outputs[0].MIME)
	assert.Equal(t, capture.Rect{Left: 0, Top: 0, Width: 800, Height: 600}, res.Outputs[0].CropRect)
	assert.Equal(t, []capture.Rect{{Width: 800, Height: 600}}, res.Metadata.Crops)
	assert.NotZero(t, res.Elapsed)

	counts := r.Counters().Snapshot()
	assert.Equal(t, int64(1), counts.Success)
	assert.Equal(t, int64(1), counts.Total)

	drv := dialer.Drivers()[0]
	assert.Equal(t, browser.BlankURL, drv.URL())
	assert.Nil(t, drv.Gates()[0])
}

func TestRenderSelectorNotFoundKeepsSession(t *testing.T) {
	t.Parallel()

	dialer := &browsertest.Dialer{Setup: bodyPage}
	r, p := newRenderer(t, dialer)
	cfg := normalize(t, render.Request{URL: "about:blank", Selector: "body", MinCount: 2, FindTimeout: 40})

	start := time.Now()
	_, err := r.Render(context.Background(), "shot_2", cfg)
	require.Equal(t, errs.KindSelectorNotFound, errs.KindOf(err))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	assert.Equal(t, int64(1), r.Counters().Snapshot().Error)

	st := p.Stats()
	assert.Equal(t, 1, st.Idle)
	assert.Zero(t, st.Destroyed)

	s, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.ID())
	assert.Len(t, dialer.Drivers(), 1)
	require.NoError(t, p.Release(context.Background(), s))
}

func TestRenderCaptureTimeoutDestroysSession(t *testing.T) {
	t.Parallel()

	dialer := &browsertest.Dialer{Setup: func(d *browsertest.Driver) {
		bodyPage(d)
		d.ScreenshotHook = func(ctx context.Context, _ browser.ScreenshotOptions) ([]byte, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}
	}}
	p := pool.New(dialer, pool.Options{
		Capacity:        1,
		AcquireTimeout:  time.Second,
		AcquireInterval: 5 * time.Millisecond,
		CaptureTimeout:  20 * time.Millisecond,
	})
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	r := render.New(p, render.Options{})

	_, err := r.Render(context.Background(), "shot_3", normalize(t, render.Request{URL: "about:blank"}))
	require.Equal(t, errs.KindCaptureTimeout, errs.KindOf(err))

	assert.Zero(t, p.Stats().Size)
	require.Eventually(t, func() bool { return p.Stats().Destroyed == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, dialer.Drivers()[0].Closed())
}

func TestRenderInlineContent(t *testing.T) {
	t.Parallel()

	dialer := &browsertest.Dialer{Setup: bodyPage}
	r, _ := newRenderer(t, dialer)
	cfg := normalize(t, render.Request{Content: "<p>hello</p>", ImageType: "jpg"})

	res, err := r.Render(context.Background(), "shot_4", cfg)
	require.NoError(t, err)
	assert.Equal(t, capture.MIMEJPEG, res.Outputs[0].MIME)

	drv := dialer.Drivers()[0]
	assert.Equal(t, "<p>hello</p>", drv.Content())
	calls := drv.Calls()
	assert.Contains(t, calls, "navigate about:blank")
	assert.Contains(t, calls, "set content")
}

func TestRenderPassesGateForURLJobs(t *testing.T) {
	t.Parallel()

	dialer := &browsertest.Dialer{Setup: bodyPage}
	p := pool.New(dialer, pool.Options{Capacity: 1, AcquireTimeout: time.Second})
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	gate := intercept.New(func(intercept.Request) intercept.Decision {
		return intercept.Decision{Action: intercept.Block}
	})
	r := render.New(p, render.Options{Gate: gate})

	_, err := r.Render(context.Background(), "shot_5", normalize(t, render.Request{URL: "example.com"}))
	require.NoError(t, err)
	gates := dialer.Drivers()[0].Gates()
	require.NotEmpty(t, gates)
	assert.Same(t, gate, gates[0])
}

func TestRenderNavigationTimeout(t *testing.T) {
	t.Parallel()

	dialer := &browsertest.Dialer{Setup: func(d *browsertest.Driver) {
		bodyPage(d)
		d.EvalHook = func(expr string) (any, error) {
			if strings.Contains(expr, "readyState") {
				return "loading", nil
			}
			return nil, nil
		}
	}}
	r, p := newRenderer(t, dialer)

	_, err := r.Render(context.Background(), "shot_6", normalize(t, render.Request{URL: "http://slow.test"}))
	require.Equal(t, errs.KindNavigationTimeout, errs.KindOf(err))
	require.Eventually(t, func() bool { return p.Stats().Destroyed == 1 }, time.Second, 5*time.Millisecond)
}

func TestRenderNavigationFailure(t *testing.T) {
	t.Parallel()

	dialer := &browsertest.Dialer{Setup: func(d *browsertest.Driver) {
		d.NavigateHook = func(url string) error {
			if url == browser.BlankURL {
				return nil
			}
			return errors.Join(browser.ErrNavigation, errors.New("net::ERR_NAME_NOT_RESOLVED"))
		}
	}}
	r, _ := newRenderer(t, dialer)

	_, err := r.Render(context.Background(), "shot_7", normalize(t, render.Request{URL: "http://nowhere.test"}))
	require.Equal(t, errs.KindNavigationFailed, errs.KindOf(err))
}

func TestRenderSSR(t *testing.T) {
	t.Parallel()

	dialer := &browsertest.Dialer{Setup: func(d *browsertest.Driver) {
		bodyPage(d)
		d.EvalHook = func(expr string) (any, error) {
			switch {
			case strings.Contains(expr, "readyState"):
				return "complete", nil
			case strings.Contains(expr, "outerHTML"):
				return "<html><body>ok</body></html>", nil
			}
			return nil, nil
		}
	}}
	r, _ := newRenderer(t, dialer)

	res, err := r.Render(context.Background(), "ssr_1", normalize(t, render.Request{Action: "ssr", URL: "about:blank"}))
	require.NoError(t, err)
	require.Len(t, res.Outputs, 1)
	assert.Equal(t, capture.MIMEHTML, res.Outputs[0].MIME)
	assert.Equal(t, "<html><body>ok</body></html>", string(res.Outputs[0].Buffer))
	assert.Empty(t, dialer.Drivers()[0].Clips())
}

func TestRenderPDFAutoSize(t *testing.T) {
	t.Parallel()

	var got browser.PDFOptions
	dialer := &browsertest.Dialer{Setup: func(d *browsertest.Driver) {
		d.Nodes["#doc"] = []browser.NodeID{1}
		d.Quads[1] = quad(0, 0, 960, 480)
		d.PDFHook = func(opts browser.PDFOptions) ([]byte, error) {
			got = opts
			return []byte("%PDF-1.4\n%%EOF\n"), nil
		}
	}}
	r, _ := newRenderer(t, dialer)
	cfg := normalize(t, render.Request{Action: "shotpdf", URL: "about:blank", Selector: "#doc"})

	res, err := r.Render(context.Background(), "shotpdf_1", cfg)
	require.NoError(t, err)
	assert.Equal(t, capture.MIMEPDF, res.Outputs[0].MIME)
	assert.InDelta(t, 10.0, got.PaperWidth, 1e-9)
	assert.InDelta(t, 481.0/96, got.PaperHeight, 1e-9)
	assert.InDelta(t, 1.0, got.Scale, 1e-9)
	assert.True(t, got.PrintBackground)
	assert.Equal(t, &browser.White, dialer.Drivers()[0].Background())
}
