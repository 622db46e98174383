package intercept

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/gobwas/glob"
)

// BlockList blocks requests whose host matches any compiled pattern.
type BlockList struct {
	patterns []string
	globs    []glob.Glob
}

// NewBlockList compiles host patterns. '*' stays within one DNS label,
// '**' spans several.
func NewBlockList(patterns []string) (*BlockList, error) {
	bl := &BlockList{}
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		g, err := glob.Compile(p, '.')
		if err != nil {
			return nil, fmt.Errorf("compile block pattern %q: %w", p, err)
		}
		bl.patterns = append(bl.patterns, p)
		bl.globs = append(bl.globs, g)
	}
	return bl, nil
}

// Match returns the first pattern matching host.
func (b *BlockList) Match(host string) (string, bool) {
	if b == nil {
		return "", false
	}
	host = strings.ToLower(host)
	if h, _, ok := strings.Cut(host, ":"); ok {
		host = h
	}
	for i, g := range b.globs {
		if g.Match(host) {
			return b.patterns[i], true
		}
	}
	return "", false
}

// Interceptor returns nil for an empty list.
func (b *BlockList) Interceptor() Interceptor {
	if b == nil || len(b.globs) == 0 {
		return nil
	}
	return func(req Request) Decision {
		u, err := url.Parse(req.URL)
		if err != nil || u.Host == "" {
			return Decision{Action: Pass}
		}
		if pattern, ok := b.Match(u.Host); ok {
			return Decision{Action: Block, Reason: "matched " + pattern}
		}
		return Decision{Action: Pass}
	}
}
