package browser_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/laoshu133/html2image-cdp/internal/browser"
	"github.com/laoshu133/html2image-cdp/internal/browser/browsertest"
	"github.com/laoshu133/html2image-cdp/internal/errs"
)

func attached(t *testing.T, opts browser.Options) (*browser.Session, *browsertest.Driver) {
	t.Helper()
	dialer := &browsertest.Dialer{}
	s := browser.NewSession(1, opts)
	require.Equal(t, browser.Pending, s.State())
	require.NoError(t, s.Attach(context.Background(), dialer))
	require.Equal(t, browser.Ready, s.State())
	return s, dialer.Drivers()[0]
}

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()

	s, drv := attached(t, browser.Options{MaxUses: 2})
	require.Equal(t, "target-1", s.Target().ID)

	require.True(t, s.Promote())
	require.False(t, s.Promote(), "working session must not be promoted twice")
	require.Equal(t, browser.Working, s.State())

	left, err := s.Recycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, left)
	require.Equal(t, browser.Idle, s.State())
	require.Equal(t, browser.BlankURL, drv.URL())

	require.True(t, s.Promote())
	left, err = s.Recycle(context.Background())
	require.NoError(t, err)
	require.Zero(t, left)
	require.Equal(t, browser.Working, s.State())

	require.NoError(t, s.Close(context.Background()))
	require.Equal(t, browser.Destroyed, s.State())
	require.True(t, drv.Closed())
	<-s.Done()
	require.ErrorIs(t, s.Err(), browser.ErrClosed)
	require.NoError(t, s.Close(context.Background()))
}

func TestSessionRecycleResetsBackground(t *testing.T) {
	t.Parallel()

	s, drv := attached(t, browser.Options{MaxUses: 3})
	require.True(t, s.Promote())
	require.NoError(t, s.SetBackgroundColor(context.Background(), &browser.RGBA{R: 0xff, A: 1}))
	require.NotNil(t, drv.Background())

	_, err := s.Recycle(context.Background())
	require.NoError(t, err)
	require.Nil(t, drv.Background())

	require.True(t, s.Promote())
	before := len(drv.Calls())
	_, err = s.Recycle(context.Background())
	require.NoError(t, err)
	require.NotContains(t, drv.Calls()[before:], "background")
}

func TestSessionAttachFailureDestroys(t *testing.T) {
	t.Parallel()

	s := browser.NewSession(7, browser.Options{})
	err := s.Attach(context.Background(), &browsertest.Dialer{Err: browsertest.ErrDialFailed})
	require.Error(t, err)
	require.Equal(t, errs.KindTransport, errs.KindOf(err))
	require.Equal(t, browser.Destroyed, s.State())
	require.ErrorIs(t, s.Err(), browser.ErrTransport)
	require.False(t, s.Promote())
}

func TestSessionCrashResolvesDone(t *testing.T) {
	t.Parallel()

	s, drv := attached(t, browser.Options{})
	drv.Crash(errors.New("renderer gone"))

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("done not resolved after crash")
	}
	require.ErrorIs(t, s.Err(), browser.ErrTransport)
	require.False(t, s.Promote())

	_, err := s.QueryAll(context.Background(), "body")
	require.Equal(t, errs.KindTransport, errs.KindOf(err))
}

func TestSessionTransportErrorFailsSession(t *testing.T) {
	t.Parallel()

	s, drv := attached(t, browser.Options{})
	drv.QueryHook = func(string) ([]browser.NodeID, error) {
		return nil, errors.Join(browser.ErrTransport, errors.New("websocket closed"))
	}
	require.True(t, s.Promote())

	_, err := s.QueryAll(context.Background(), "body")
	require.Equal(t, errs.KindTransport, errs.KindOf(err))
	<-s.Done()
	require.ErrorIs(t, s.Err(), browser.ErrTransport)
}

func TestSessionCaptureTimeout(t *testing.T) {
	t.Parallel()

	s, drv := attached(t, browser.Options{CaptureTimeout: 20 * time.Millisecond})
	drv.ScreenshotHook = func(ctx context.Context, _ browser.ScreenshotOptions) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	_, err := s.CaptureRaw(context.Background(), browser.ScreenshotOptions{Format: browser.FormatPNG})
	require.Error(t, err)
	require.Equal(t, errs.KindCaptureTimeout, errs.KindOf(err))
	require.True(t, errs.Evicts(errs.KindOf(err)))
	<-s.Done()
}

func TestSessionNavigationFailure(t *testing.T) {
	t.Parallel()

	s, drv := attached(t, browser.Options{})
	drv.NavigateHook = func(url string) error {
		return errors.Join(browser.ErrNavigation, errors.New("net::ERR_NAME_NOT_RESOLVED"))
	}
	err := s.Navigate(context.Background(), "http://nowhere.invalid", browser.NavigateOptions{
		Viewport: browser.Size{Width: 1024, Height: 768},
	})
	require.Equal(t, errs.KindNavigationFailed, errs.KindOf(err))
	require.Equal(t, browser.Size{Width: 1024, Height: 768}, drv.Viewport())
	require.Nil(t, s.Err(), "a failed navigation leaves the transport alive")
}

func TestSessionPassthroughs(t *testing.T) {
	t.Parallel()

	s, drv := attached(t, browser.Options{})
	drv.Nodes["p"] = []browser.NodeID{3, 4}
	drv.Quads[3] = browser.Quad{0, 0, 10, 0, 10, 10, 0, 10}

	nodes, err := s.QueryAll(context.Background(), "p")
	require.NoError(t, err)
	require.Equal(t, []browser.NodeID{3, 4}, nodes)

	quad, err := s.BoxModel(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, quad, 8)

	require.NoError(t, s.SetInlineContent(context.Background(), "<p>hi</p>"))
	require.Equal(t, "<p>hi</p>", drv.Content())

	bg := browser.White
	require.NoError(t, s.SetBackgroundColor(context.Background(), &bg))
	require.Equal(t, &bg, drv.Background())

	var state string
	require.NoError(t, s.Evaluate(context.Background(), "document.readyState", &state))
	require.Equal(t, "complete", state)

	pdf, err := s.PrintPDF(context.Background(), browser.PDFOptions{})
	require.NoError(t, err)
	require.Contains(t, string(pdf), "%PDF")
}
