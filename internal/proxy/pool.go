// Package proxy assigns outbound proxies to bots so one egress IP does
// not concentrate the whole fleet's request volume.
package proxy

import (
	"math/rand"
	"sync"

	"go.uber.org/zap"
)

// Pool hands out the least-loaded proxy, breaking ties at random so
// restarts do not pile every bot onto the first entry.
type Pool struct {
	mu     sync.Mutex
	counts map[string]int
	urls   []string
	log    *zap.Logger
}

func NewPool(urls []string, log *zap.Logger) *Pool {
	counts := make(map[string]int, len(urls))
	for _, u := range urls {
		counts[u] = 0
	}
	return &Pool{counts: counts, urls: urls, log: log.Named("proxy")}
}

// Acquire returns the proxy URL to use and bumps its load. An empty
// pool returns "", meaning a direct connection.
func (p *Pool) Acquire() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.urls) == 0 {
		return ""
	}

	min := -1
	var candidates []string
	for _, u := range p.urls {
		n := p.counts[u]
		switch {
		case min == -1 || n < min:
			min = n
			candidates = candidates[:0]
			candidates = append(candidates, u)
		case n == min:
			candidates = append(candidates, u)
		}
	}
	chosen := candidates[rand.Intn(len(candidates))]
	p.counts[chosen]++
	p.log.Debug("proxy assigned",
		zap.String("proxy", chosen), zap.Int("load", p.counts[chosen]))
	return chosen
}

// Release returns a proxy slot. Unknown or empty URLs are no-ops.
func (p *Pool) Release(url string) {
	if url == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if n, ok := p.counts[url]; ok && n > 0 {
		p.counts[url] = n - 1
	}
}

// Load reports the current assignment count for one proxy.
func (p *Pool) Load(url string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[url]
}
