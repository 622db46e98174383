package capture

import (
	"context"
	"fmt"
	"time"

	"github.com/laoshu133/html2image-cdp/internal/browser"
	"github.com/laoshu133/html2image-cdp/internal/errs"
	"github.com/laoshu133/html2image-cdp/internal/waitfor"
)

// Query describes the elements a capture waits for.
type Query struct {
	Selector string
	// ErrorSelector, when it matches, fails the wait at once.
	ErrorSelector string
	MinCount      int
	Timeout       time.Duration
	Interval      time.Duration
}

// WaitForTargets polls until at least q.MinCount nodes match q.Selector.
// Running out of time is SelectorNotFound; a matching error marker is
// RenderError.
func WaitForTargets(ctx context.Context, page Page, q Query) ([]browser.NodeID, error) {
	minCount := max(q.MinCount, 1)
	nodes, err := waitfor.Poll(ctx, waitfor.Options{Timeout: q.Timeout, Interval: q.Interval},
		func(ctx context.Context) ([]browser.NodeID, error) {
			if q.ErrorSelector != "" {
				marks, err := page.QueryAll(ctx, q.ErrorSelector)
				if err != nil {
					return nil, waitfor.Abort(queryError(q.ErrorSelector, err))
				}
				if len(marks) > 0 {
					return nil, waitfor.Abort(errs.New(errs.KindRenderError, "Render error: %s", q.ErrorSelector))
				}
			}
			nodes, err := page.QueryAll(ctx, q.Selector)
			if err != nil {
				return nil, waitfor.Abort(queryError(q.Selector, err))
			}
			if len(nodes) < minCount {
				return nil, fmt.Errorf("found %d of %d", len(nodes), minCount)
			}
			return nodes, nil
		})
	switch {
	case err == nil:
		return nodes, nil
	case errs.Classified(err):
		return nil, err
	case ctx.Err() != nil:
		return nil, fmt.Errorf("wait for %q: %w", q.Selector, err)
	default:
		return nil, errs.Wrap(errs.KindSelectorNotFound, err, "Elements not found: "+q.Selector)
	}
}

// Measure polls the node's box model until layout produces one, within the
// query's timeout. Classified session failures end the wait at once.
func Measure(ctx context.Context, page Page, node browser.NodeID, q Query) (browser.Quad, error) {
	return waitfor.Poll(ctx, waitfor.Options{Timeout: q.Timeout, Interval: q.Interval},
		func(ctx context.Context) (browser.Quad, error) {
			quad, err := page.BoxModel(ctx, node)
			switch {
			case err == nil:
				return quad, nil
			case errs.Classified(err):
				return nil, waitfor.Abort(err)
			default:
				return nil, err
			}
		})
}

// queryError keeps session failures as classified and blames anything else
// on the selector itself.
func queryError(selector string, err error) error {
	if errs.Classified(err) {
		return err
	}
	return errs.Wrap(errs.KindConfig, err, fmt.Sprintf("invalid selector %q", selector))
}
