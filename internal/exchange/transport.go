package exchange

import (
	"net/http"
	"net/url"
	"strconv"

	"gridcore/pkg/ratelimit"
)

const usedWeightHeader = "X-Mbx-Used-Weight-1m"

// calibratingTransport feeds the authoritative used-weight response
// header back into the rate limiter on every REST round trip.
type calibratingTransport struct {
	base    http.RoundTripper
	limiter *ratelimit.Limiter
}

func (t *calibratingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if resp != nil {
		if v := resp.Header.Get(usedWeightHeader); v != "" {
			if used, convErr := strconv.Atoi(v); convErr == nil {
				t.limiter.CalibrateWeight(used)
			}
		}
	}
	return resp, err
}

// newHTTPClient builds the REST client, optionally routed through an
// egress proxy, with weight calibration attached.
func newHTTPClient(proxyURL string, limiter *ratelimit.Limiter) (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, err
		}
		transport.Proxy = http.ProxyURL(u)
	}
	return &http.Client{
		Transport: &calibratingTransport{base: transport, limiter: limiter},
	}, nil
}
