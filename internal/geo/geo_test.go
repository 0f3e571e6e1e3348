package geo

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func checkerFor(t *testing.T, countryCode, region string) *Checker {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"success","country":"x","countryCode":%q,"regionName":%q}`,
			countryCode, region)
	}))
	t.Cleanup(srv.Close)

	c := New(false, zap.NewNop())
	c.url = srv.URL
	return c
}

func TestProhibitedCountryBlocked(t *testing.T) {
	c := checkerFor(t, "US", "California")
	err := c.Check(context.Background(), "", false)
	assert.ErrorContains(t, err, "prohibited")
}

func TestPermittedCountryPasses(t *testing.T) {
	c := checkerFor(t, "BR", "Sao Paulo")
	assert.NoError(t, c.Check(context.Background(), "", false))
}

func TestOntarioBlockedRestOfCanadaPasses(t *testing.T) {
	blocked := checkerFor(t, "CA", "Ontario")
	assert.Error(t, blocked.Check(context.Background(), "", false))

	allowed := checkerFor(t, "CA", "Quebec")
	assert.NoError(t, allowed.Check(context.Background(), "", false))
}

func TestTestnetSkipsLookup(t *testing.T) {
	c := checkerFor(t, "US", "New York")
	assert.NoError(t, c.Check(context.Background(), "", true))
}

func TestBypassSkipsLookup(t *testing.T) {
	c := New(true, zap.NewNop())
	c.url = "http://127.0.0.1:1/unreachable"
	assert.NoError(t, c.Check(context.Background(), "", false))
}

func TestUnreachableLookupWarnsAndPasses(t *testing.T) {
	c := New(false, zap.NewNop())
	c.url = "http://127.0.0.1:1/unreachable"
	assert.NoError(t, c.Check(context.Background(), "", false))
}
