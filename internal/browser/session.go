package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/laoshu133/html2image-cdp/internal/errs"
	"github.com/laoshu133/html2image-cdp/internal/intercept"
)

// State is a session lifecycle state.
type State int

// Session states in lifecycle order.
const (
	Pending State = iota
	Ready
	Working
	Idle
	Closing
	Destroyed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Ready:
		return "ready"
	case Working:
		return "working"
	case Idle:
		return "idle"
	case Closing:
		return "closing"
	case Destroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	defaultOpTimeout      = 30 * time.Second
	defaultCaptureTimeout = 10 * time.Second
	defaultMaxUses        = 32
)

// Options configures a Session.
type Options struct {
	// MaxUses is how many jobs the session serves before it is destroyed.
	MaxUses        int
	OpTimeout      time.Duration
	CaptureTimeout time.Duration
	Logger         *zap.Logger
}

// NavigateOptions configures Session.Navigate.
type NavigateOptions struct {
	Viewport Size
	Gate     *intercept.Gate
}

// Session is one browser tab. The pool owns it exclusively; a Working session
// is used by a single job, which issues its operations sequentially.
type Session struct {
	id             int64
	opTimeout      time.Duration
	captureTimeout time.Duration
	logger         *zap.Logger

	mu            sync.Mutex
	state         State
	remainingUses int
	driver        Driver
	// background is set while a background override is in effect.
	background bool

	done     chan struct{}
	doneErr  error
	doneOnce sync.Once
}

// NewSession builds a Pending session.
func NewSession(id int64, opts Options) *Session {
	if opts.MaxUses <= 0 {
		opts.MaxUses = defaultMaxUses
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = defaultOpTimeout
	}
	if opts.CaptureTimeout <= 0 {
		opts.CaptureTimeout = defaultCaptureTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		id:             id,
		opTimeout:      opts.OpTimeout,
		captureTimeout: opts.CaptureTimeout,
		logger:         logger.With(zap.Int64("session_id", id)),
		state:          Pending,
		remainingUses:  opts.MaxUses,
		done:           make(chan struct{}),
	}
}

// ID returns the session's pool-assigned identity.
func (s *Session) ID() int64 { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RemainingUses returns how many more releases the session survives.
func (s *Session) RemainingUses() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remainingUses
}

// Target describes the underlying tab; zero before attach.
func (s *Session) Target() TargetInfo {
	s.mu.Lock()
	d := s.driver
	s.mu.Unlock()
	if d == nil {
		return TargetInfo{}
	}
	return d.Target()
}

// Done is closed once the session has ended, either orderly or because the
// transport failed. Err then tells which.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns nil while the session is alive, ErrClosed after Close, or an
// error wrapping ErrTransport after a failure.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.doneErr
	default:
		return nil
	}
}

func (s *Session) resolve(err error) {
	s.doneOnce.Do(func() {
		s.doneErr = err
		close(s.done)
	})
}

// Attach opens the tab: Pending → Ready. On failure the session is Destroyed.
func (s *Session) Attach(ctx context.Context, dialer Dialer) error {
	s.mu.Lock()
	if s.state != Pending {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("attach session %d: state %s", s.id, st)
	}
	s.mu.Unlock()

	d, err := dialer.Dial(ctx)
	if err != nil {
		s.mu.Lock()
		s.state = Destroyed
		s.mu.Unlock()
		s.resolve(fmt.Errorf("%w: %w", ErrTransport, err))
		return errs.Wrap(errs.KindTransport, err, "open browser target")
	}

	s.mu.Lock()
	s.driver = d
	s.state = Ready
	s.mu.Unlock()
	go s.watch(d)
	return nil
}

func (s *Session) watch(d Driver) {
	select {
	case <-d.Done():
		err := d.Err()
		if err == nil {
			err = errors.New("target detached")
		}
		s.fail(err)
	case <-s.done:
	}
}

// fail records an asynchronous transport failure unless the session is
// already being torn down on purpose.
func (s *Session) fail(err error) {
	s.mu.Lock()
	closing := s.state == Closing || s.state == Destroyed
	s.mu.Unlock()
	if closing {
		return
	}
	if !errors.Is(err, ErrTransport) {
		err = fmt.Errorf("%w: %w", ErrTransport, err)
	}
	s.logger.Warn("session transport failed", zap.Error(err))
	s.resolve(err)
}

// Promote moves a Ready or Idle session to Working. The pool calls it inside
// its own critical section.
func (s *Session) Promote() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err() != nil {
		return false
	}
	if s.state != Ready && s.state != Idle {
		return false
	}
	s.state = Working
	return true
}

// Recycle parks a Working session on the blank page and consumes one use.
// It returns the uses left; at zero the session stays Working and the caller
// must Close it.
func (s *Session) Recycle(ctx context.Context) (int, error) {
	if st := s.State(); st != Working {
		return 0, fmt.Errorf("recycle session %d: state %s", s.id, st)
	}
	if err := s.Navigate(ctx, BlankURL, NavigateOptions{}); err != nil {
		return 0, err
	}
	s.mu.Lock()
	overridden := s.background
	s.mu.Unlock()
	if overridden {
		if err := s.SetBackgroundColor(ctx, nil); err != nil {
			return 0, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remainingUses--
	if s.remainingUses > 0 {
		s.state = Idle
	}
	return s.remainingUses, nil
}

// Close tears the tab down from any live state: → Closing → Destroyed.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.state == Closing || s.state == Destroyed {
		s.mu.Unlock()
		return nil
	}
	s.state = Closing
	d := s.driver
	s.mu.Unlock()

	var err error
	if d != nil {
		err = d.Close(ctx)
	}
	s.mu.Lock()
	s.state = Destroyed
	s.mu.Unlock()
	s.resolve(ErrClosed)
	if err != nil {
		return fmt.Errorf("close session %d: %w", s.id, err)
	}
	return nil
}

func (s *Session) live() (Driver, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.Err(); err != nil {
		return nil, errs.Wrap(errs.KindTransport, err, fmt.Sprintf("session %d", s.id))
	}
	switch s.state {
	case Ready, Working, Idle:
		return s.driver, nil
	default:
		return nil, errs.New(errs.KindTransport, "session %d is %s", s.id, s.state)
	}
}

// call runs one protocol round trip under its own timeout and classifies the
// result. Timeouts and transport errors end the session.
func (s *Session) call(ctx context.Context, op string, timeout time.Duration, timeoutKind errs.Kind,
	fn func(context.Context, Driver) error,
) error {
	d, err := s.live()
	if err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err = fn(opCtx, d)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrTransport):
		s.fail(err)
		return errs.Wrap(errs.KindTransport, err, op)
	case errors.Is(err, ErrNavigation):
		return errs.Wrap(errs.KindNavigationFailed, err, op)
	case opCtx.Err() != nil:
		s.fail(fmt.Errorf("%s: %w", op, opCtx.Err()))
		return errs.Wrap(timeoutKind, opCtx.Err(), op+" timed out")
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

// Navigate sizes the viewport and loads url, returning once the navigation
// commits. Load completion is for the caller to wait on.
func (s *Session) Navigate(ctx context.Context, url string, opts NavigateOptions) error {
	return s.call(ctx, "navigate", s.opTimeout, errs.KindNavigationTimeout, func(ctx context.Context, d Driver) error {
		if opts.Viewport.Width > 0 && opts.Viewport.Height > 0 {
			if err := d.SetVisibleSize(ctx, opts.Viewport.Width, opts.Viewport.Height); err != nil {
				return err
			}
		}
		return d.Navigate(ctx, url, opts.Gate)
	})
}

// SetInlineContent replaces the current frame's document with html.
func (s *Session) SetInlineContent(ctx context.Context, html string) error {
	return s.call(ctx, "set document content", s.opTimeout, errs.KindNavigationTimeout,
		func(ctx context.Context, d Driver) error {
			return d.SetDocumentContent(ctx, html)
		})
}

// QueryAll returns every node matching selector in the current document.
func (s *Session) QueryAll(ctx context.Context, selector string) ([]NodeID, error) {
	var nodes []NodeID
	err := s.call(ctx, "query selector", s.opTimeout, errs.KindTransport, func(ctx context.Context, d Driver) error {
		var err error
		nodes, err = d.QueryAll(ctx, selector)
		return err
	})
	return nodes, err
}

// BoxModel returns the node's border quad.
func (s *Session) BoxModel(ctx context.Context, node NodeID) (Quad, error) {
	var quad Quad
	err := s.call(ctx, "box model", s.opTimeout, errs.KindTransport, func(ctx context.Context, d Driver) error {
		var err error
		quad, err = d.BoxModel(ctx, node)
		return err
	})
	return quad, err
}

// SetVisibleSize resizes the viewport.
func (s *Session) SetVisibleSize(ctx context.Context, width, height int) error {
	return s.call(ctx, "set visible size", s.opTimeout, errs.KindTransport, func(ctx context.Context, d Driver) error {
		return d.SetVisibleSize(ctx, width, height)
	})
}

// SetBackgroundColor overrides the page's default background; nil resets it.
func (s *Session) SetBackgroundColor(ctx context.Context, color *RGBA) error {
	err := s.call(ctx, "set background", s.opTimeout, errs.KindTransport, func(ctx context.Context, d Driver) error {
		return d.SetBackgroundColor(ctx, color)
	})
	if err == nil {
		s.mu.Lock()
		s.background = color != nil
		s.mu.Unlock()
	}
	return err
}

// Evaluate runs expression in the page and decodes its value into out.
func (s *Session) Evaluate(ctx context.Context, expression string, out any) error {
	return s.call(ctx, "evaluate", s.opTimeout, errs.KindTransport, func(ctx context.Context, d Driver) error {
		return d.Evaluate(ctx, expression, out)
	})
}

// CaptureRaw takes one screenshot under the per-capture timeout.
func (s *Session) CaptureRaw(ctx context.Context, opts ScreenshotOptions) ([]byte, error) {
	var buf []byte
	err := s.call(ctx, "capture screenshot", s.captureTimeout, errs.KindCaptureTimeout,
		func(ctx context.Context, d Driver) error {
			var err error
			buf, err = d.CaptureScreenshot(ctx, opts)
			return err
		})
	return buf, err
}

// PrintPDF exports the current document under the per-capture timeout.
func (s *Session) PrintPDF(ctx context.Context, opts PDFOptions) ([]byte, error) {
	var buf []byte
	err := s.call(ctx, "print pdf", s.captureTimeout, errs.KindCaptureTimeout, func(ctx context.Context, d Driver) error {
		var err error
		buf, err = d.PrintToPDF(ctx, opts)
		return err
	})
	return buf, err
}
