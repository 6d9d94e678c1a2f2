package databend

import (
	"net/http"
	"net/url"
	"sort"
	"sync"
)

// nameJar is a cookie jar keyed by cookie name only, ignoring domain and
// path. Each client talks to exactly one logical endpoint, so the usual
// per-domain bookkeeping buys nothing and would break affinity cookies when
// a load balancer reroutes to a sibling hostname.
type nameJar struct {
	mu      sync.Mutex
	cookies map[string]*http.Cookie
}

var _ http.CookieJar = (*nameJar)(nil)

func newNameJar() *nameJar {
	return &nameJar{cookies: make(map[string]*http.Cookie)}
}

// SetCookies implements http.CookieJar. Later cookies with the same name
// replace earlier ones regardless of origin.
func (j *nameJar) SetCookies(_ *url.URL, cookies []*http.Cookie) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, c := range cookies {
		j.cookies[c.Name] = c
	}
}

// Cookies implements http.CookieJar. All stored cookies are returned in
// name order for deterministic headers.
func (j *nameJar) Cookies(_ *url.URL) []*http.Cookie {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]*http.Cookie, 0, len(j.cookies))
	for _, c := range j.cookies {
		out = append(out, c)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}
