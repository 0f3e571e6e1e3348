// Package geo blocks live trading from jurisdictions the exchange
// prohibits, by resolving the engine's public IP location at bot start.
package geo

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const lookupURL = "http://ip-api.com/json/?fields=status,country,countryCode,regionName"

// Countries where live trading is refused.
var prohibitedCountries = map[string]string{
	"US": "United States",
	"CA": "Canada",
	"CN": "China",
	"SG": "Singapore",
	"MY": "Malaysia",
	"JP": "Japan",
	"GB": "United Kingdom",
	"NL": "Netherlands",
	"DE": "Germany",
	"IT": "Italy",
}

type lookupResponse struct {
	Status      string `json:"status"`
	Country     string `json:"country"`
	CountryCode string `json:"countryCode"`
	RegionName  string `json:"regionName"`
}

// Checker resolves and gates on the engine's egress location.
type Checker struct {
	http   *resty.Client
	url    string
	bypass bool
	log    *zap.Logger
}

// New builds a checker. bypass disables the gate entirely, for
// development environments.
func New(bypass bool, log *zap.Logger) *Checker {
	return &Checker{
		http:   resty.New(),
		url:    lookupURL,
		bypass: bypass,
		log:    log.Named("geo"),
	}
}

// Check returns an error when the egress IP is in a prohibited
// jurisdiction. Testnet traffic always passes; an unreachable lookup
// service logs a warning and passes, so a third-party outage cannot
// stall recovery.
func (c *Checker) Check(ctx context.Context, proxyURL string, testnet bool) error {
	if c.bypass || testnet {
		return nil
	}

	client := c.http
	if proxyURL != "" {
		client = resty.New().SetProxy(proxyURL)
	}

	var loc lookupResponse
	resp, err := client.R().
		SetContext(ctx).
		SetResult(&loc).
		Get(c.url)
	if err != nil || resp.IsError() || loc.Status != "success" {
		c.log.Warn("geo lookup unavailable, allowing start",
			zap.Error(err))
		return nil
	}

	if name, blocked := prohibitedCountries[loc.CountryCode]; blocked {
		// Ontario is the restricted Canadian region; the rest of the
		// country trades under local dealer registration.
		if loc.CountryCode == "CA" && loc.RegionName != "Ontario" {
			c.log.Info("canadian region permitted", zap.String("region", loc.RegionName))
			return nil
		}
		return fmt.Errorf("live trading prohibited from %s (%s)", name, loc.RegionName)
	}
	c.log.Debug("geo check passed", zap.String("country", loc.CountryCode))
	return nil
}
