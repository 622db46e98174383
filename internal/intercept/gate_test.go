package intercept

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGateFirstNonPassWins(t *testing.T) {
	t.Parallel()

	var order []string
	first := func(Request) Decision { order = append(order, "first"); return Decision{Action: Pass} }
	second := func(Request) Decision { order = append(order, "second"); return Decision{Action: Block} }
	third := func(Request) Decision { order = append(order, "third"); return Decision{Action: Continue} }

	d := New(first, nil, second, third).Decide(Request{URL: "https://example.com/a.js"})

	require.Equal(t, Block, d.Action)
	require.Equal(t, []string{"first", "second"}, order)
}

func TestGateDefaultsToContinue(t *testing.T) {
	t.Parallel()

	g := New(func(Request) Decision { return Decision{Action: Pass} })
	require.Equal(t, Continue, g.Decide(Request{URL: "https://example.com"}).Action)

	var nilGate *Gate
	require.Equal(t, Continue, nilGate.Decide(Request{}).Action)
	require.False(t, nilGate.Enabled())
}

func TestGateMutateRewritesHeaders(t *testing.T) {
	t.Parallel()

	g := New(func(req Request) Decision {
		return Decision{Action: Mutate, URL: "http://127.0.0.1:8080/app.css"}
	})
	d := g.Decide(Request{
		URL:      "https://cdn.example.com/app.css",
		FrameURL: "https://www.example.com/page?x=1",
		Headers:  http.Header{"User-Agent": {"bot"}},
	})

	require.Equal(t, Mutate, d.Action)
	require.Equal(t, "https://www.example.com", d.Headers.Get("Origin"))
	require.Equal(t, DefaultAccept, d.Headers.Get("Accept"))
	require.Equal(t, "https://cdn.example.com/app.css", d.Headers.Get(RealURLHeader))
	require.Equal(t, "bot", d.Headers.Get("User-Agent"))
}

func TestGateOriginFallbacks(t *testing.T) {
	t.Parallel()

	g := New(func(Request) Decision { return Decision{Action: Mutate, URL: "http://other/"} })

	d := g.Decide(Request{URL: "http://a/", Headers: http.Header{"Referer": {"https://ref.example.com/x"}}})
	require.Equal(t, "https://ref.example.com", d.Headers.Get("Origin"))

	d = g.Decide(Request{URL: "http://a/", FrameURL: "data:text/html;base64,AAAA"})
	require.Equal(t, DefaultOrigin, d.Headers.Get("Origin"))
}

func TestGateAppliesTo(t *testing.T) {
	t.Parallel()

	g := New(func(Request) Decision { return Decision{Action: Pass} })
	require.True(t, g.AppliesTo("https://example.com"))
	require.False(t, g.AppliesTo("data:text/html,<p>hi</p>"))
	require.False(t, g.AppliesTo("about:blank"))
	require.False(t, New().AppliesTo("https://example.com"))
}

func TestParseHostMap(t *testing.T) {
	t.Parallel()

	m, err := ParseHostMap(" cdn.example.com@127.0.0.1:8080, ads.example.com# ,api.example.com#https://staging.example.com ,,")
	require.NoError(t, err)
	require.Equal(t, HostMap{
		"cdn.example.com": "127.0.0.1:8080",
		"ads.example.com": "",
		"api.example.com": "https://staging.example.com",
	}, m)
	require.Equal(t, "ads.example.com@,api.example.com@https://staging.example.com,cdn.example.com@127.0.0.1:8080", m.String())

	_, err = ParseHostMap("@target")
	require.Error(t, err)
}

func TestHostMapInterceptor(t *testing.T) {
	t.Parallel()

	m := HostMap{
		"cdn.example.com": "127.0.0.1:8080",
		"ads.example.com": "",
		"api.example.com": "https://staging.example.com/",
	}
	g := New(m.Interceptor())

	d := g.Decide(Request{URL: "https://cdn.example.com/a/b.png?v=1"})
	require.Equal(t, Mutate, d.Action)
	require.Equal(t, "https://127.0.0.1:8080/a/b.png?v=1", d.URL)

	d = g.Decide(Request{URL: "http://api.example.com:80/v1"})
	require.Equal(t, Mutate, d.Action)
	require.Equal(t, "https://staging.example.com/v1", d.URL)

	require.Equal(t, Block, g.Decide(Request{URL: "https://ads.example.com/x.js"}).Action)
	require.Equal(t, Continue, g.Decide(Request{URL: "https://other.example.com/"}).Action)
	require.Equal(t, Continue, g.Decide(Request{URL: "data:image/png;base64,AAAA"}).Action)
	require.Nil(t, HostMap{}.Interceptor())
}

func TestBlockList(t *testing.T) {
	t.Parallel()

	bl, err := NewBlockList([]string{"*.doubleclick.net", "**.tracker.io", ""})
	require.NoError(t, err)

	_, ok := bl.Match("ad.doubleclick.net")
	require.True(t, ok)
	_, ok = bl.Match("a.b.doubleclick.net")
	require.False(t, ok)
	pattern, ok := bl.Match("x.y.tracker.io:443")
	require.True(t, ok)
	require.Equal(t, "**.tracker.io", pattern)

	g := New(bl.Interceptor())
	require.Equal(t, Block, g.Decide(Request{URL: "https://ad.doubleclick.net/pixel"}).Action)
	require.Equal(t, Continue, g.Decide(Request{URL: "https://example.com/"}).Action)

	empty, err := NewBlockList(nil)
	require.NoError(t, err)
	require.Nil(t, empty.Interceptor())
}
