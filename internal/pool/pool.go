// Package pool bounds the number of browser sessions and hands them out to
// render jobs one at a time.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/laoshu133/html2image-cdp/internal/browser"
	"github.com/laoshu133/html2image-cdp/internal/errs"
	"github.com/laoshu133/html2image-cdp/internal/metrics"
	"github.com/laoshu133/html2image-cdp/internal/waitfor"
)

// ErrClosed is returned by Acquire once the pool has been closed.
var ErrClosed = errors.New("pool closed")

var errNoSession = errors.New("no idle session")

const closeTimeout = 5 * time.Second

// Destroy reasons reported in logs and metrics.
const (
	ReasonExhausted     = "exhausted"
	ReasonTransport     = "transport"
	ReasonAttachFailed  = "attach_failed"
	ReasonRecycleFailed = "recycle_failed"
	ReasonReset         = "reset"
	ReasonShutdown      = "shutdown"
	ReasonJobFailed     = "job_failed"
)

// Options configures a Pool.
type Options struct {
	Capacity        int
	MaxUses         int
	AcquireTimeout  time.Duration
	AcquireInterval time.Duration
	OpTimeout       time.Duration
	CaptureTimeout  time.Duration
	Logger          *zap.Logger
}

type entry struct {
	s        *browser.Session
	gen      int
	reserved bool
}

// Pool owns every browser session. Membership changes and the Idle → Working
// promotion happen under one mutex.
type Pool struct {
	dialer   browser.Dialer
	capacity int
	wait     waitfor.Options
	sessOpts browser.Options
	logger   *zap.Logger

	mu            sync.Mutex
	sessions      map[int64]*entry
	gen           int
	closed        bool
	createErrSeq  int
	lastCreateErr error

	nextID    atomic.Int64
	created   atomic.Int64
	destroyed atomic.Int64
	exhausted atomic.Int64
}

// Stats is a snapshot of the pool.
type Stats struct {
	Capacity  int   `json:"capacity"`
	Size      int   `json:"size"`
	Pending   int   `json:"pending"`
	Ready     int   `json:"ready"`
	Working   int   `json:"working"`
	Idle      int   `json:"idle"`
	Created   int64 `json:"created"`
	Destroyed int64 `json:"destroyed"`
	Exhausted int64 `json:"exhausted"`
	Closed    bool  `json:"closed"`
}

// New builds an empty pool. Sessions are created on demand by Acquire.
func New(dialer browser.Dialer, opts Options) *Pool {
	if opts.Capacity <= 0 {
		opts.Capacity = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		dialer:   dialer,
		capacity: opts.Capacity,
		wait:     waitfor.Options{Timeout: opts.AcquireTimeout, Interval: opts.AcquireInterval},
		sessOpts: browser.Options{
			MaxUses:        opts.MaxUses,
			OpTimeout:      opts.OpTimeout,
			CaptureTimeout: opts.CaptureTimeout,
			Logger:         logger,
		},
		logger:   logger,
		sessions: make(map[int64]*entry),
	}
}

// Acquire returns a Working session. It prefers an idle session, creates one
// while below capacity, and otherwise waits up to the acquire timeout before
// failing with KindPoolExhausted. A failed session creation during the wait
// fails the caller too.
func (p *Pool) Acquire(ctx context.Context) (*browser.Session, error) {
	start := time.Now()
	p.mu.Lock()
	seq := p.createErrSeq
	p.mu.Unlock()

	s, err := waitfor.Poll(ctx, p.wait, func(ctx context.Context) (*browser.Session, error) {
		s, fresh, err := p.checkout(seq)
		switch {
		case err != nil:
			return nil, waitfor.Abort(err)
		case s == nil:
			return nil, errNoSession
		case fresh:
			if err := p.create(ctx, s); err != nil {
				return nil, waitfor.Abort(err)
			}
		}
		return s, nil
	})
	if err == nil {
		metrics.ObserveAcquire(time.Since(start))
		p.publish()
		return s, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("acquire session: %w", ctxErr)
	}
	if errors.Is(err, errNoSession) {
		p.exhausted.Add(1)
		metrics.ObservePoolExhausted()
		p.logger.Warn("pool.exhausted",
			zap.Int("capacity", p.capacity),
			zap.Duration("waited", time.Since(start)))
		return nil, errs.New(errs.KindPoolExhausted, "no browser session available after %s", time.Since(start).Round(time.Millisecond))
	}
	return nil, err
}

// checkout runs the admission decision: promote any idle session, else
// reserve a slot for a new one.
func (p *Pool) checkout(seq int) (*browser.Session, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, false, errs.Wrap(errs.KindPoolExhausted, ErrClosed, "acquire session")
	}
	if p.createErrSeq != seq {
		return nil, false, errs.Wrap(errs.KindTransport, p.lastCreateErr, "browser session failed to start")
	}
	for _, e := range p.sessions {
		if !e.reserved && e.s.Promote() {
			return e.s, false, nil
		}
	}
	if len(p.sessions) >= p.capacity {
		return nil, false, nil
	}
	s := browser.NewSession(p.nextID.Add(1), p.sessOpts)
	p.sessions[s.ID()] = &entry{s: s, gen: p.gen, reserved: true}
	return s, true, nil
}

// create attaches a reserved session and hands it to the caller.
func (p *Pool) create(ctx context.Context, s *browser.Session) error {
	if err := s.Attach(ctx, p.dialer); err != nil {
		p.mu.Lock()
		delete(p.sessions, s.ID())
		p.createErrSeq++
		p.lastCreateErr = err
		p.mu.Unlock()
		p.destroyed.Add(1)
		metrics.ObserveSessionDestroyed(ReasonAttachFailed)
		p.logger.Warn("session.destroyed",
			zap.Int64("session_id", s.ID()),
			zap.String("reason", ReasonAttachFailed),
			zap.Error(err))
		return err
	}
	p.created.Add(1)
	metrics.ObserveSessionCreated()
	p.logger.Info("session.created",
		zap.Int64("session_id", s.ID()),
		zap.String("target_id", s.Target().ID))
	go p.watch(s)

	p.mu.Lock()
	ok := false
	if e, found := p.sessions[s.ID()]; found {
		e.reserved = false
		ok = s.Promote()
	}
	p.mu.Unlock()
	if !ok {
		p.destroy(ctx, s, ReasonTransport)
		return errs.New(errs.KindTransport, "session %d failed before first use", s.ID())
	}
	return nil
}

// watch evicts s as soon as its transport fails, whatever its state.
func (p *Pool) watch(s *browser.Session) {
	<-s.Done()
	if errors.Is(s.Err(), browser.ErrClosed) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	p.destroy(ctx, s, ReasonTransport)
}

// Release parks s on the blank page and returns it to the idle set, or
// destroys it when its uses run out, the pool was reset, or the reset fails.
func (p *Pool) Release(ctx context.Context, s *browser.Session) error {
	p.mu.Lock()
	e, ok := p.sessions[s.ID()]
	member := ok && e.s == s
	stale := member && (e.gen != p.gen || p.closed)
	p.mu.Unlock()

	switch {
	case !member:
		// Already evicted.
		_ = s.Close(ctx)
		return nil
	case stale:
		p.destroy(ctx, s, ReasonReset)
		return nil
	}

	left, err := s.Recycle(ctx)
	if err != nil {
		p.destroy(ctx, s, ReasonRecycleFailed)
		return fmt.Errorf("release session %d: %w", s.ID(), err)
	}
	if left == 0 {
		p.destroy(ctx, s, ReasonExhausted)
		return nil
	}
	p.publish()
	return nil
}

// Discard destroys a session instead of recycling it, for jobs that left it
// in an unknown state.
func (p *Pool) Discard(ctx context.Context, s *browser.Session, reason string) {
	p.destroy(ctx, s, reason)
}

func (p *Pool) destroy(ctx context.Context, s *browser.Session, reason string) {
	p.mu.Lock()
	e, ok := p.sessions[s.ID()]
	removed := ok && e.s == s
	if removed {
		delete(p.sessions, s.ID())
	}
	p.mu.Unlock()

	err := s.Close(ctx)
	if !removed {
		return
	}
	p.destroyed.Add(1)
	metrics.ObserveSessionDestroyed(reason)
	fields := []zap.Field{zap.Int64("session_id", s.ID()), zap.String("reason", reason)}
	if cause := s.Err(); cause != nil && !errors.Is(cause, browser.ErrClosed) {
		fields = append(fields, zap.NamedError("cause", cause))
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	p.logger.Info("session.destroyed", fields...)
	p.publish()
}

// Reset closes every idle session and marks the working ones to be destroyed
// on release. It returns how many sessions were closed right away.
func (p *Pool) Reset(ctx context.Context) int {
	p.mu.Lock()
	p.gen++
	var idle []*browser.Session
	for _, e := range p.sessions {
		st := e.s.State()
		if st == browser.Idle || (st == browser.Ready && !e.reserved) {
			idle = append(idle, e.s)
		}
	}
	p.mu.Unlock()

	for _, s := range idle {
		p.destroy(ctx, s, ReasonReset)
	}
	return len(idle)
}

// Stats returns a snapshot of pool membership and lifetime counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

func (p *Pool) statsLocked() Stats {
	st := Stats{
		Capacity:  p.capacity,
		Size:      len(p.sessions),
		Created:   p.created.Load(),
		Destroyed: p.destroyed.Load(),
		Exhausted: p.exhausted.Load(),
		Closed:    p.closed,
	}
	for _, e := range p.sessions {
		switch e.s.State() {
		case browser.Pending:
			st.Pending++
		case browser.Ready:
			st.Ready++
		case browser.Working:
			st.Working++
		case browser.Idle:
			st.Idle++
		}
	}
	return st
}

func (p *Pool) publish() {
	st := p.Stats()
	metrics.SetPoolSessions(map[string]int{
		browser.Pending.String(): st.Pending,
		browser.Ready.String():   st.Ready,
		browser.Working.String(): st.Working,
		browser.Idle.String():    st.Idle,
	})
}

// Close destroys every session and makes further acquires fail.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	all := make([]*browser.Session, 0, len(p.sessions))
	for _, e := range p.sessions {
		all = append(all, e.s)
	}
	p.mu.Unlock()

	var errList []error
	for _, s := range all {
		if err := s.Close(ctx); err != nil {
			errList = append(errList, err)
		}
		p.destroy(ctx, s, ReasonShutdown)
	}
	return errors.Join(errList...)
}
