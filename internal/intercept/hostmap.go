package intercept

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// HostMap rewrites request hosts. An empty target blocks the host.
type HostMap map[string]string

// ParseHostMap reads "host@target,host2#target2". Both '@' and '#' separate
// a host from its target; a missing target means block.
func ParseHostMap(raw string) (HostMap, error) {
	m := HostMap{}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		host, target := entry, ""
		if i := strings.IndexAny(entry, "@#"); i >= 0 {
			host, target = entry[:i], entry[i+1:]
		}
		host = strings.ToLower(strings.TrimSpace(host))
		if host == "" {
			return nil, fmt.Errorf("hosts map entry %q has no host", entry)
		}
		m[host] = strings.TrimSpace(target)
	}
	return m, nil
}

// String renders the map back into its parseable form, sorted by host.
func (m HostMap) String() string {
	hosts := make([]string, 0, len(m))
	for h := range m {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	parts := make([]string, 0, len(hosts))
	for _, h := range hosts {
		parts = append(parts, h+"@"+m[h])
	}
	return strings.Join(parts, ",")
}

// Interceptor returns the chain link that applies the map. Requests for
// hosts not in the map pass through.
func (m HostMap) Interceptor() Interceptor {
	if len(m) == 0 {
		return nil
	}
	return func(req Request) Decision {
		u, err := url.Parse(req.URL)
		if err != nil || u.Host == "" {
			return Decision{Action: Pass}
		}
		target, ok := m[strings.ToLower(u.Host)]
		if !ok {
			if target, ok = m[strings.ToLower(u.Hostname())]; !ok {
				return Decision{Action: Pass}
			}
		}
		if target == "" {
			return Decision{Action: Block, Reason: "host " + u.Host + " is blocked"}
		}
		return Decision{Action: Mutate, URL: rewriteHost(req.URL, u, target), Reason: "host " + u.Host + " remapped"}
	}
}

func rewriteHost(raw string, u *url.URL, target string) string {
	prefix := u.Scheme + "://" + u.Host
	rest := strings.TrimPrefix(raw, prefix)
	if strings.Contains(target, "://") {
		return strings.TrimRight(target, "/") + rest
	}
	return u.Scheme + "://" + target + rest
}
