// Package render runs render jobs: it normalizes requests into an immutable
// Config, then drives one pooled browser session through load, wait and
// capture (or PDF/SSR export) and hands back in-memory artifacts.
package render

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/laoshu133/html2image-cdp/internal/browser"
	"github.com/laoshu133/html2image-cdp/internal/capture"
	"github.com/laoshu133/html2image-cdp/internal/errs"
	"github.com/laoshu133/html2image-cdp/internal/intercept"
	"github.com/laoshu133/html2image-cdp/internal/metrics"
	"github.com/laoshu133/html2image-cdp/internal/pool"
	"github.com/laoshu133/html2image-cdp/internal/stats"
	"github.com/laoshu133/html2image-cdp/internal/waitfor"
)

// Acquirer hands out browser sessions. *pool.Pool implements it.
type Acquirer interface {
	Acquire(ctx context.Context) (*browser.Session, error)
	Release(ctx context.Context, s *browser.Session) error
	Discard(ctx context.Context, s *browser.Session, reason string)
}

// Output is one artifact of a job.
type Output struct {
	Buffer   []byte
	MIME     string
	CropRect capture.Rect
}

// Metadata describes a job's artifacts for JSON responses.
type Metadata struct {
	Crops []capture.Rect `json:"crops"`
	Pages int            `json:"pages,omitempty"`
}

// Result is a finished job.
type Result struct {
	Action   Action
	Outputs  []Output
	Metadata Metadata
	Elapsed  time.Duration
}

// Options configures a Renderer.
type Options struct {
	// Gate intercepts page requests for URL jobs; nil disables interception.
	Gate     *intercept.Gate
	Counters *stats.Counters
	Logger   *zap.Logger
}

// Renderer runs jobs against a session pool.
type Renderer struct {
	sessions   Acquirer
	compositor *capture.Compositor
	gate       *intercept.Gate
	counters   *stats.Counters
	logger     *zap.Logger
}

// New constructs a Renderer.
func New(sessions Acquirer, opts Options) *Renderer {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	counters := opts.Counters
	if counters == nil {
		counters = &stats.Counters{}
	}
	return &Renderer{
		sessions:   sessions,
		compositor: capture.NewCompositor(logger),
		gate:       opts.Gate,
		counters:   counters,
		logger:     logger.Named("render"),
	}
}

// Counters returns the renderer's shot tally.
func (r *Renderer) Counters() *stats.Counters { return r.counters }

// Render runs one job. The session it used is released, or destroyed when
// the failure leaves it in an unknown state, before Render returns.
func (r *Renderer) Render(ctx context.Context, id string, cfg Config) (*Result, error) {
	start := time.Now()
	logger := r.logger.With(zap.String("shot_id", id), zap.String("action", string(cfg.Action)))

	res, err := r.run(ctx, logger, cfg)
	elapsed := time.Since(start)
	r.counters.Record(err == nil)

	if err != nil {
		kind := errs.KindOf(err)
		metrics.ObserveRender(string(cfg.Action), string(kind), elapsed)
		logger.Warn("job.error",
			zap.String("target", cfg.Target()),
			zap.String("kind", string(kind)),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		return nil, err
	}

	res.Elapsed = elapsed
	metrics.ObserveRender(string(cfg.Action), "ok", elapsed)
	for _, out := range res.Outputs {
		metrics.ObserveOutput(out.MIME, len(out.Buffer))
	}
	logger.Info("job.success",
		zap.String("target", cfg.Target()),
		zap.Int("outputs", len(res.Outputs)),
		zap.Duration("elapsed", elapsed))
	return res, nil
}

func (r *Renderer) run(ctx context.Context, logger *zap.Logger, cfg Config) (res *Result, err error) {
	s, err := r.sessions.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		releaseCtx := context.WithoutCancel(ctx)
		if err != nil && errs.Evicts(errs.KindOf(err)) {
			r.sessions.Discard(releaseCtx, s, pool.ReasonJobFailed)
			return
		}
		if relErr := r.sessions.Release(releaseCtx, s); relErr != nil {
			logger.Warn("release session failed", zap.Int64("session_id", s.ID()), zap.Error(relErr))
		}
	}()

	if err := r.load(ctx, s, cfg); err != nil {
		return nil, err
	}

	switch cfg.Action {
	case ActionPDF:
		return r.exportPDF(ctx, s, cfg)
	case ActionSSR:
		return r.exportHTML(ctx, s, cfg)
	default:
		return r.capture(ctx, s, cfg)
	}
}

// load puts the job's document into the session and waits until it is
// ready to capture.
func (r *Renderer) load(ctx context.Context, s *browser.Session, cfg Config) error {
	if cfg.Inline() {
		if err := s.Navigate(ctx, browser.BlankURL, browser.NavigateOptions{Viewport: cfg.Capture.Viewport}); err != nil {
			return err
		}
		if err := s.SetInlineContent(ctx, cfg.Content); err != nil {
			return err
		}
	} else {
		opts := browser.NavigateOptions{Viewport: cfg.Capture.Viewport, Gate: r.gate}
		if err := s.Navigate(ctx, cfg.URL, opts); err != nil {
			return err
		}
	}

	if err := waitReady(ctx, s, cfg); err != nil {
		return err
	}
	if cfg.RenderDelay > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("render delay: %w", ctx.Err())
		case <-time.After(cfg.RenderDelay):
		}
	}
	return nil
}

const readyStateScript = `document.readyState`

func waitReady(ctx context.Context, s *browser.Session, cfg Config) error {
	_, err := waitfor.Poll(ctx, waitfor.Options{Timeout: cfg.LoadTimeout, Interval: cfg.ReadyInterval},
		func(ctx context.Context) (string, error) {
			var state string
			if err := s.Evaluate(ctx, readyStateScript, &state); err != nil {
				if errs.Classified(err) {
					return "", waitfor.Abort(err)
				}
				return "", err
			}
			if state != "interactive" && state != "complete" {
				return "", fmt.Errorf("document is %q", state)
			}
			return state, nil
		})
	switch {
	case err == nil:
		return nil
	case errs.Classified(err):
		return err
	case ctx.Err() != nil:
		return fmt.Errorf("wait for document: %w", ctx.Err())
	default:
		return errs.Wrap(errs.KindNavigationTimeout, err, "Page load timeout: "+cfg.Target())
	}
}

func (r *Renderer) capture(ctx context.Context, s *browser.Session, cfg Config) (*Result, error) {
	shots, err := r.compositor.Capture(ctx, s, cfg.Capture)
	if err != nil {
		return nil, err
	}
	res := &Result{Action: cfg.Action, Outputs: make([]Output, len(shots))}
	res.Metadata.Crops = make([]capture.Rect, len(shots))
	for i, shot := range shots {
		res.Outputs[i] = Output{Buffer: shot.Buffer, MIME: shot.MIME, CropRect: shot.CropRect}
		res.Metadata.Crops[i] = shot.CropRect
	}
	return res, nil
}

const outerHTMLScript = `document.documentElement.outerHTML`

// exportHTML returns the rendered document once the target is present.
func (r *Renderer) exportHTML(ctx context.Context, s *browser.Session, cfg Config) (*Result, error) {
	nodes, err := capture.WaitForTargets(ctx, s, cfg.Capture.Query)
	if err != nil {
		return nil, err
	}
	crop, err := measure(ctx, s, nodes[0])
	if err != nil {
		return nil, err
	}
	var html string
	if err := s.Evaluate(ctx, outerHTMLScript, &html); err != nil {
		return nil, classify(err, errs.KindRenderError, "read document")
	}
	if html == "" {
		return nil, errs.New(errs.KindRenderError, "empty document")
	}
	return &Result{
		Action:   cfg.Action,
		Outputs:  []Output{{Buffer: []byte(html), MIME: capture.MIMEHTML, CropRect: crop}},
		Metadata: Metadata{Crops: []capture.Rect{crop}},
	}, nil
}

func measure(ctx context.Context, s *browser.Session, node browser.NodeID) (capture.Rect, error) {
	quad, err := s.BoxModel(ctx, node)
	if err != nil {
		return capture.Rect{}, classify(err, errs.KindRenderError, "measure element")
	}
	return capture.RectFromQuad(quad), nil
}

func classify(err error, kind errs.Kind, msg string) error {
	if errs.Classified(err) || errors.Is(err, context.Canceled) {
		return err
	}
	return errs.Wrap(kind, err, msg)
}
