// Package intercept evaluates ordered policies against every network request
// a browser session issues while navigating.
package intercept

import (
	"net/http"
	"net/url"
	"strings"
)

// Action is the outcome of one interceptor.
type Action int

// Interceptor outcomes. Pass defers to the next interceptor in the chain.
const (
	Pass Action = iota
	Continue
	Mutate
	Block
)

func (a Action) String() string {
	switch a {
	case Continue:
		return "continue"
	case Mutate:
		return "mutate"
	case Block:
		return "block"
	default:
		return "pass"
	}
}

const (
	// DefaultAccept is applied to rewritten requests without an Accept header.
	DefaultAccept = "text/html,image/avif,image/webp,image/apng,*/*"
	// DefaultOrigin is used when neither the frame nor the referer has one.
	DefaultOrigin = "http://localhost"
	// RealURLHeader carries the pre-rewrite URL for diagnostics.
	RealURLHeader = "X-Real-URL"
)

// Request is a paused network request.
type Request struct {
	URL          string
	Method       string
	Headers      http.Header
	FrameURL     string
	ResourceType string
}

// Decision tells the transport how to resume a request. URL and Headers are
// only meaningful for Mutate.
type Decision struct {
	Action  Action
	URL     string
	Headers http.Header
	Reason  string
}

// Interceptor inspects a request and returns a Decision.
type Interceptor func(Request) Decision

// Gate is an ordered interceptor chain. The first non-Pass decision wins.
// A Gate is immutable once built and safe for concurrent use.
type Gate struct {
	interceptors []Interceptor
}

// New builds a Gate. Nil interceptors are dropped.
func New(interceptors ...Interceptor) *Gate {
	g := &Gate{}
	for _, fn := range interceptors {
		if fn != nil {
			g.interceptors = append(g.interceptors, fn)
		}
	}
	return g
}

// Enabled reports whether the gate has any policy to apply.
func (g *Gate) Enabled() bool {
	return g != nil && len(g.interceptors) > 0
}

// AppliesTo reports whether interception should be switched on for a
// navigation to rawURL. Inline documents never are: the transport cannot
// pause requests for them and the load would stall.
func (g *Gate) AppliesTo(rawURL string) bool {
	if !g.Enabled() {
		return false
	}
	lower := strings.ToLower(strings.TrimSpace(rawURL))
	return !strings.HasPrefix(lower, "data:") && !strings.HasPrefix(lower, "about:")
}

// Decide runs the chain for req.
func (g *Gate) Decide(req Request) Decision {
	if g == nil {
		return Decision{Action: Continue}
	}
	for _, fn := range g.interceptors {
		d := fn(req)
		switch d.Action {
		case Pass:
			continue
		case Mutate:
			if d.URL != "" && d.URL != req.URL {
				d.Headers = rewriteHeaders(req, d.Headers)
			}
		}
		return d
	}
	return Decision{Action: Continue}
}

func rewriteHeaders(req Request, extra http.Header) http.Header {
	h := req.Headers.Clone()
	if h == nil {
		h = http.Header{}
	}
	for k, vs := range extra {
		h[k] = append([]string(nil), vs...)
	}
	h.Set("Origin", originOf(req))
	if h.Get("Accept") == "" {
		h.Set("Accept", DefaultAccept)
	}
	if !strings.HasPrefix(req.URL, "data:") {
		h.Set(RealURLHeader, req.URL)
	}
	return h
}

func originOf(req Request) string {
	for _, candidate := range []string{req.FrameURL, req.Headers.Get("Referer")} {
		if o := origin(candidate); o != "" {
			return o
		}
	}
	return DefaultOrigin
}

func origin(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
